// Package redis provides a resource queue store on Redis. Each resource uses a running marker
// key with a TTL and a list as its FIFO waiting line; every operation is one Lua script.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukex/procflow/pkg/clock"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/queue"
	goredis "github.com/redis/go-redis/v9"
)

const DefaultPrefix = "procflow:queue:"

// Options configure a Store. Zero values take the defaults.
type Options struct {
	Prefix string
	TTL    time.Duration
	Clock  clock.Clock
}

type Store struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	clock  clock.Clock
}

var _ queue.Store = (*Store)(nil)

func NewStore(client goredis.UniversalClient, opts Options) *Store {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}

	if opts.TTL <= 0 {
		opts.TTL = queue.DefaultTTL
	}

	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	return &Store{client: client, prefix: opts.Prefix, ttl: opts.TTL, clock: opts.Clock}
}

// NewClient parses a redis:// URL and pings the server.
func NewClient(ctx context.Context, url string) (*goredis.Client, error) {
	options, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := goredis.NewClient(options)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}

type record struct {
	ID        string `json:"id"`
	QueuedMs  int64  `json:"queued_ms"`
	StartedMs int64  `json:"started_ms"`
	Entry     string `json:"entry"`
}

func (s *Store) Submit(ctx context.Context, entry *models.QueueEntry, opts queue.SubmitOptions) (queue.SubmitResult, error) {
	now := s.clock.Now()

	payload, err := json.Marshal(entry)
	if err != nil {
		return queue.SubmitResult{}, fmt.Errorf("failed to marshal queue entry: %w", err)
	}

	encoded, err := json.Marshal(record{ID: entry.ID, QueuedMs: now.UnixMilli(), Entry: string(payload)})
	if err != nil {
		return queue.SubmitResult{}, fmt.Errorf("failed to marshal queue record: %w", err)
	}

	waitIfBusy := "0"
	if opts.WaitIfBusy {
		waitIfBusy = "1"
	}

	reply, err := s.run(ctx, submitScript, entry.ResourceKey, string(encoded), waitIfBusy, opts.MaxQueue).Slice()
	if err != nil {
		return queue.SubmitResult{}, fmt.Errorf("failed to submit queue entry: %w", err)
	}

	outcome, position, raw := replyString(reply, 0), replyInt(reply, 1), replyString(reply, 2)

	switch outcome {
	case "full":
		return queue.SubmitResult{}, &queue.QueueFullError{ResourceKey: entry.ResourceKey, QueueLength: position}
	case "busy":
		return queue.SubmitResult{}, queue.ErrResourceBusy
	}

	admitted, err := decode(raw, models.QueueEntryStatus(outcome))
	if err != nil {
		return queue.SubmitResult{}, err
	}

	return queue.SubmitResult{Status: admitted.Status, Position: position, Entry: admitted}, nil
}

func (s *Store) Entry(ctx context.Context, resourceKey, entryID string) (*models.QueueEntry, error) {
	reply, err := s.run(ctx, entryScript, resourceKey, entryID).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue entry: %w", err)
	}

	outcome := replyString(reply, 0)
	if outcome == "missing" {
		return nil, queue.ErrEntryNotFound
	}

	return decode(replyString(reply, 2), models.QueueEntryStatus(outcome))
}

func (s *Store) Complete(ctx context.Context, resourceKey, entryID string) (queue.Release, error) {
	reply, err := s.run(ctx, completeScript, resourceKey, entryID).Slice()
	if err != nil {
		return queue.Release{}, fmt.Errorf("failed to complete queue entry: %w", err)
	}

	switch replyString(reply, 0) {
	case "missing":
		return queue.Release{}, queue.ErrEntryNotFound
	case "removed":
		released, err := decode(replyString(reply, 1), models.QueueEntryStatusQueued)

		return queue.Release{Released: released}, err
	}

	return s.release(replyString(reply, 1), replyString(reply, 2))
}

func (s *Store) Status(ctx context.Context, resourceKey string) (*models.ResourceStatus, error) {
	reply, err := s.run(ctx, statusScript, resourceKey).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue status: %w", err)
	}

	status := &models.ResourceStatus{
		ResourceKey: resourceKey,
		Waiting:     make([]*models.QueueEntry, 0, len(reply)),
	}

	if raw := replyString(reply, 0); raw != "" {
		status.Running, err = decode(raw, models.QueueEntryStatusRunning)
		if err != nil {
			return nil, err
		}
	}

	for i := 1; i < len(reply); i++ {
		waiting, err := decode(replyString(reply, i), models.QueueEntryStatusQueued)
		if err != nil {
			return nil, err
		}

		status.Waiting = append(status.Waiting, waiting)
	}

	return status, nil
}

func (s *Store) Clear(ctx context.Context, resourceKey string) (int, error) {
	removed, err := s.run(ctx, clearScript, resourceKey).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to clear queue: %w", err)
	}

	return removed, nil
}

func (s *Store) ForceRelease(ctx context.Context, resourceKey string) (queue.Release, error) {
	reply, err := s.run(ctx, forceReleaseScript, resourceKey).Slice()
	if err != nil {
		return queue.Release{}, fmt.Errorf("failed to force release: %w", err)
	}

	return s.release(replyString(reply, 0), replyString(reply, 1))
}

func (s *Store) run(ctx context.Context, script *goredis.Script, resourceKey string, args ...any) *goredis.Cmd {
	slot := s.prefix + "{" + resourceKey + "}"
	keys := []string{slot + ":running", slot + ":waiting"}
	argv := append([]any{s.clock.Now().UnixMilli(), s.ttl.Milliseconds()}, args...)

	return script.Run(ctx, s.client, keys, argv...)
}

func (s *Store) release(releasedRaw, promotedRaw string) (queue.Release, error) {
	var (
		release queue.Release
		err     error
	)

	if releasedRaw != "" {
		release.Released, err = decode(releasedRaw, models.QueueEntryStatusRunning)
		if err != nil {
			return queue.Release{}, err
		}
	}

	if promotedRaw != "" {
		release.Promoted, err = decode(promotedRaw, models.QueueEntryStatusRunning)
		if err != nil {
			return queue.Release{}, err
		}
	}

	return release, nil
}

func decode(raw string, status models.QueueEntryStatus) (*models.QueueEntry, error) {
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal queue record: %w", err)
	}

	var entry models.QueueEntry
	if err := json.Unmarshal([]byte(rec.Entry), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal queue entry: %w", err)
	}

	entry.Status = status
	entry.QueuedAt = time.UnixMilli(rec.QueuedMs).UTC()
	entry.StartedAt = nil

	if rec.StartedMs > 0 {
		started := time.UnixMilli(rec.StartedMs).UTC()
		entry.StartedAt = &started
	}

	return &entry, nil
}

func replyString(reply []any, i int) string {
	if i >= len(reply) {
		return ""
	}

	value, _ := reply[i].(string)

	return value
}

func replyInt(reply []any, i int) int {
	if i >= len(reply) {
		return 0
	}

	value, _ := reply[i].(int64)

	return int(value)
}
