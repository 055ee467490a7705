// Package queuetest holds the behaviour every queue store must share.
package queuetest

import (
	"context"
	"time"

	"github.com/dukex/procflow/pkg/clock"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/queue"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
)

const TTL = 10 * time.Minute

// Suite runs the shared store checks against the store returned by New.
type Suite struct {
	suite.Suite

	// New returns an empty store reading time from clk and expiring claims after ttl.
	New func(clk clock.Clock, ttl time.Duration) queue.Store

	clock *clock.Fake
	store queue.Store
	ctx   context.Context
	key   string
}

func (s *Suite) SetupTest() {
	s.ctx = context.Background()
	s.clock = clock.NewFake(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	s.store = s.New(s.clock, TTL)
	s.key = "agent-" + uuid.NewString()
}

func (s *Suite) entry(source string) *models.QueueEntry {
	return &models.QueueEntry{
		ID:          uuid.NewString(),
		ResourceKey: s.key,
		Payload:     "hello from " + source,
		Source:      source,
	}
}

func (s *Suite) submit(entry *models.QueueEntry) queue.SubmitResult {
	result, err := s.store.Submit(s.ctx, entry, queue.SubmitOptions{WaitIfBusy: true, MaxQueue: 3})
	s.Require().NoError(err)

	return result
}

func (s *Suite) TestSubmit_ClaimsFreeResource() {
	entry := s.entry("exec-1/a")

	result := s.submit(entry)

	s.Equal(models.QueueEntryStatusRunning, result.Status)
	s.Equal(0, result.Position)
	s.Require().NotNil(result.Entry.StartedAt)
	s.True(s.clock.Now().Equal(*result.Entry.StartedAt))
	s.Equal("hello from exec-1/a", result.Entry.Payload)
}

func (s *Suite) TestSubmit_QueuesBehindHolder() {
	s.submit(s.entry("first"))

	second := s.submit(s.entry("second"))
	s.Equal(models.QueueEntryStatusQueued, second.Status)
	s.Equal(1, second.Position)
	s.Nil(second.Entry.StartedAt)

	third := s.submit(s.entry("third"))
	s.Equal(2, third.Position)
}

func (s *Suite) TestSubmit_FullLeavesStateUnchanged() {
	for _, source := range []string{"first", "second", "third"} {
		s.submit(s.entry(source))
	}

	before, err := s.store.Status(s.ctx, s.key)
	s.Require().NoError(err)

	_, err = s.store.Submit(s.ctx, s.entry("fourth"), queue.SubmitOptions{WaitIfBusy: true, MaxQueue: 3})
	s.Require().ErrorIs(err, queue.ErrQueueFull)

	full, ok := queue.AsQueueFull(err)
	s.Require().True(ok)
	s.Equal(s.key, full.ResourceKey)
	s.Equal(3, full.QueueLength)

	after, err := s.store.Status(s.ctx, s.key)
	s.Require().NoError(err)
	s.Equal(before, after)
}

func (s *Suite) TestSubmit_BusyWithoutWaiting() {
	s.submit(s.entry("first"))

	_, err := s.store.Submit(s.ctx, s.entry("second"), queue.SubmitOptions{WaitIfBusy: false, MaxQueue: 3})
	s.Require().ErrorIs(err, queue.ErrResourceBusy)

	status, err := s.store.Status(s.ctx, s.key)
	s.Require().NoError(err)
	s.Empty(status.Waiting)
}

func (s *Suite) TestComplete_PromotesInFIFOOrder() {
	first := s.entry("first")
	second := s.entry("second")
	third := s.entry("third")

	s.submit(first)
	s.submit(second)
	s.submit(third)

	release, err := s.store.Complete(s.ctx, s.key, first.ID)
	s.Require().NoError(err)
	s.Equal(first.ID, release.Released.ID)
	s.Require().NotNil(release.Promoted)
	s.Equal(second.ID, release.Promoted.ID)
	s.Equal(models.QueueEntryStatusRunning, release.Promoted.Status)

	release, err = s.store.Complete(s.ctx, s.key, second.ID)
	s.Require().NoError(err)
	s.Equal(third.ID, release.Promoted.ID)

	release, err = s.store.Complete(s.ctx, s.key, third.ID)
	s.Require().NoError(err)
	s.Nil(release.Promoted)

	status, err := s.store.Status(s.ctx, s.key)
	s.Require().NoError(err)
	s.False(status.Busy())
	s.Empty(status.Waiting)
}

func (s *Suite) TestComplete_RemovesWaitingEntry() {
	first := s.entry("first")
	second := s.entry("second")
	third := s.entry("third")

	s.submit(first)
	s.submit(second)
	s.submit(third)

	release, err := s.store.Complete(s.ctx, s.key, second.ID)
	s.Require().NoError(err)
	s.Equal(second.ID, release.Released.ID)
	s.Nil(release.Promoted)

	status, err := s.store.Status(s.ctx, s.key)
	s.Require().NoError(err)
	s.Equal(first.ID, status.Running.ID)
	s.Require().Len(status.Waiting, 1)
	s.Equal(third.ID, status.Waiting[0].ID)

	_, err = s.store.Complete(s.ctx, s.key, uuid.NewString())
	s.ErrorIs(err, queue.ErrEntryNotFound)
}

func (s *Suite) TestEntry() {
	first := s.entry("first")
	second := s.entry("second")

	s.submit(first)
	s.submit(second)

	got, err := s.store.Entry(s.ctx, s.key, second.ID)
	s.Require().NoError(err)
	s.Equal(models.QueueEntryStatusQueued, got.Status)

	got, err = s.store.Entry(s.ctx, s.key, first.ID)
	s.Require().NoError(err)
	s.Equal(models.QueueEntryStatusRunning, got.Status)

	_, err = s.store.Entry(s.ctx, s.key, uuid.NewString())
	s.ErrorIs(err, queue.ErrEntryNotFound)
}

func (s *Suite) TestClear_KeepsHolder() {
	first := s.entry("first")

	s.submit(first)
	s.submit(s.entry("second"))
	s.submit(s.entry("third"))

	removed, err := s.store.Clear(s.ctx, s.key)
	s.Require().NoError(err)
	s.Equal(2, removed)

	status, err := s.store.Status(s.ctx, s.key)
	s.Require().NoError(err)
	s.Equal(first.ID, status.Running.ID)
	s.Empty(status.Waiting)
}

func (s *Suite) TestForceRelease() {
	first := s.entry("first")
	second := s.entry("second")

	s.submit(first)
	s.submit(second)

	release, err := s.store.ForceRelease(s.ctx, s.key)
	s.Require().NoError(err)
	s.Equal(first.ID, release.Released.ID)
	s.Equal(second.ID, release.Promoted.ID)

	release, err = s.store.ForceRelease(s.ctx, "idle-"+s.key)
	s.Require().NoError(err)
	s.Nil(release.Released)
	s.Nil(release.Promoted)
}

func (s *Suite) TestExpiredHolderIsReplaced() {
	first := s.entry("first")
	second := s.entry("second")

	s.submit(first)
	s.clock.Advance(time.Minute)
	s.submit(second)

	s.clock.Advance(TTL - time.Minute)

	status, err := s.store.Status(s.ctx, s.key)
	s.Require().NoError(err)
	s.Require().NotNil(status.Running)
	s.Equal(second.ID, status.Running.ID)
	s.True(s.clock.Now().Equal(*status.Running.StartedAt))

	_, err = s.store.Complete(s.ctx, s.key, first.ID)
	s.ErrorIs(err, queue.ErrEntryNotFound)
}

func (s *Suite) TestStaleWaitersAreDropped() {
	first := s.entry("first")
	second := s.entry("second")

	s.submit(first)
	s.submit(second)

	s.clock.Advance(TTL)

	status, err := s.store.Status(s.ctx, s.key)
	s.Require().NoError(err)
	s.Nil(status.Running)
	s.Empty(status.Waiting)

	result := s.submit(s.entry("third"))
	s.Equal(models.QueueEntryStatusRunning, result.Status)
}

func (s *Suite) TestResourcesAreIndependent() {
	s.submit(s.entry("first"))

	other := s.entry("other")
	other.ResourceKey = "other-" + s.key

	result := s.submit(other)
	s.Equal(models.QueueEntryStatusRunning, result.Status)
}
