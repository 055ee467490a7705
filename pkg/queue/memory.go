package queue

import (
	"context"
	"sync"
	"time"

	"github.com/dukex/procflow/pkg/clock"
	"github.com/dukex/procflow/pkg/models"
)

type resource struct {
	running *models.QueueEntry
	waiting []*models.QueueEntry
}

// MemoryStore keeps claims in process memory.
type MemoryStore struct {
	mu        sync.Mutex
	clock     clock.Clock
	ttl       time.Duration
	resources map[string]*resource
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(clk clock.Clock, ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &MemoryStore{
		clock:     clk,
		ttl:       ttl,
		resources: make(map[string]*resource),
	}
}

func (s *MemoryStore) Submit(_ context.Context, entry *models.QueueEntry, opts SubmitOptions) (SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	res := s.reconcile(entry.ResourceKey, now)

	admitted := copyEntry(entry)
	admitted.QueuedAt = now

	if res.running == nil {
		admitted.Status = models.QueueEntryStatusRunning
		admitted.StartedAt = &now
		res.running = admitted

		return SubmitResult{Status: admitted.Status, Entry: copyEntry(admitted)}, nil
	}

	length := len(res.waiting) + 1
	if length >= opts.MaxQueue {
		return SubmitResult{}, &QueueFullError{ResourceKey: entry.ResourceKey, QueueLength: length}
	}

	if !opts.WaitIfBusy {
		return SubmitResult{}, ErrResourceBusy
	}

	admitted.Status = models.QueueEntryStatusQueued
	admitted.StartedAt = nil
	res.waiting = append(res.waiting, admitted)

	return SubmitResult{Status: admitted.Status, Position: len(res.waiting), Entry: copyEntry(admitted)}, nil
}

func (s *MemoryStore) Entry(_ context.Context, resourceKey, entryID string) (*models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.reconcile(resourceKey, s.clock.Now())

	if res.running != nil && res.running.ID == entryID {
		return copyEntry(res.running), nil
	}

	for _, waiting := range res.waiting {
		if waiting.ID == entryID {
			return copyEntry(waiting), nil
		}
	}

	return nil, ErrEntryNotFound
}

func (s *MemoryStore) Complete(_ context.Context, resourceKey, entryID string) (Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	res := s.reconcile(resourceKey, now)

	if res.running != nil && res.running.ID == entryID {
		released := res.running
		res.running = nil

		return Release{Released: released, Promoted: copyEntry(s.promote(res, now))}, nil
	}

	for i, waiting := range res.waiting {
		if waiting.ID == entryID {
			res.waiting = append(res.waiting[:i], res.waiting[i+1:]...)

			return Release{Released: waiting}, nil
		}
	}

	return Release{}, ErrEntryNotFound
}

func (s *MemoryStore) Status(_ context.Context, resourceKey string) (*models.ResourceStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.reconcile(resourceKey, s.clock.Now())

	status := &models.ResourceStatus{
		ResourceKey: resourceKey,
		Running:     copyEntry(res.running),
		Waiting:     make([]*models.QueueEntry, 0, len(res.waiting)),
	}

	for _, waiting := range res.waiting {
		status.Waiting = append(status.Waiting, copyEntry(waiting))
	}

	return status, nil
}

func (s *MemoryStore) Clear(_ context.Context, resourceKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.reconcile(resourceKey, s.clock.Now())
	removed := len(res.waiting)
	res.waiting = nil

	return removed, nil
}

func (s *MemoryStore) ForceRelease(_ context.Context, resourceKey string) (Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	res := s.reconcile(resourceKey, now)

	released := res.running
	res.running = nil

	return Release{Released: released, Promoted: copyEntry(s.promote(res, now))}, nil
}

func (s *MemoryStore) reconcile(resourceKey string, now time.Time) *resource {
	res, ok := s.resources[resourceKey]
	if !ok {
		res = &resource{}
		s.resources[resourceKey] = res
	}

	fresh := res.waiting[:0]
	for _, waiting := range res.waiting {
		if now.Sub(waiting.QueuedAt) < s.ttl {
			fresh = append(fresh, waiting)
		}
	}

	res.waiting = fresh

	if res.running != nil && now.Sub(*res.running.StartedAt) >= s.ttl {
		res.running = nil
	}

	if res.running == nil {
		s.promote(res, now)
	}

	return res
}

// promote moves the FIFO head to running. The resource must be free.
func (s *MemoryStore) promote(res *resource, now time.Time) *models.QueueEntry {
	if len(res.waiting) == 0 {
		return nil
	}

	head := res.waiting[0]
	res.waiting = res.waiting[1:]

	head.Status = models.QueueEntryStatusRunning
	head.StartedAt = &now
	res.running = head

	return head
}

func copyEntry(entry *models.QueueEntry) *models.QueueEntry {
	if entry == nil {
		return nil
	}

	c := *entry
	if entry.StartedAt != nil {
		started := *entry.StartedAt
		c.StartedAt = &started
	}

	return &c
}
