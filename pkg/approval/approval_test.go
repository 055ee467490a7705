package approval_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukex/procflow/pkg/approval"
	"github.com/dukex/procflow/pkg/clock"
	"github.com/dukex/procflow/pkg/events"
	"github.com/dukex/procflow/pkg/mocks"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence"
	"github.com/dukex/procflow/pkg/persistence/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	service *approval.Service
	store   *memory.Persistence
	clock   *clock.Fake
	sink    *mocks.RecordingSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.NewPersistence()
	clk := clock.NewFake(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
	sink := &mocks.RecordingSink{}

	return &fixture{
		service: approval.NewService(store.Approvals(), clk, sink, slog.New(slog.DiscardHandler)),
		store:   store,
		clock:   clk,
		sink:    sink,
	}
}

func params(timeout time.Duration) approval.RequestParams {
	return approval.RequestParams{
		ExecutionID: "exec-1",
		StepID:      "c",
		Title:       "Deploy v1.2?",
		Assignees:   []string{"u1"},
		Timeout:     timeout,
	}
}

func TestRequest_IsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	first, created, err := f.service.Request(ctx, params(time.Hour))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.ApprovalStatusPending, first.Status)
	require.NotNil(t, first.Deadline)
	assert.True(t, f.clock.Now().Add(time.Hour).Equal(*first.Deadline))

	second, created, err := f.service.Request(ctx, params(time.Hour))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	all, err := f.store.Approvals().List(ctx, persistence.ApprovalFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, 1, f.sink.Count(events.ApprovalRequested))
}

func TestRequest_ConcurrentCallsCreateOneRow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[string]struct{})
	)

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			request, _, err := f.service.Request(ctx, params(0))
			assert.NoError(t, err)

			mu.Lock()
			ids[request.ID] = struct{}{}
			mu.Unlock()
		}()
	}

	wg.Wait()

	assert.Len(t, ids, 1)
}

func TestDecide(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		decide    func(s *approval.Service, id string) (*models.ApprovalRequest, error)
		expectErr error
		status    models.ApprovalStatus
	}{
		{
			name: "approve by assignee",
			decide: func(s *approval.Service, id string) (*models.ApprovalRequest, error) {
				return s.Approve(context.Background(), id, "u1", "")
			},
			status: models.ApprovalStatusApproved,
		},
		{
			name: "approve by stranger",
			decide: func(s *approval.Service, id string) (*models.ApprovalRequest, error) {
				return s.Approve(context.Background(), id, "u2", "looks fine")
			},
			expectErr: approval.ErrNotAssignee,
			status:    models.ApprovalStatusPending,
		},
		{
			name: "anonymous",
			decide: func(s *approval.Service, id string) (*models.ApprovalRequest, error) {
				return s.Approve(context.Background(), id, "", "")
			},
			expectErr: approval.ErrNotAssignee,
			status:    models.ApprovalStatusPending,
		},
		{
			name: "reject without comment",
			decide: func(s *approval.Service, id string) (*models.ApprovalRequest, error) {
				return s.Reject(context.Background(), id, "u1", "   ")
			},
			expectErr: approval.ErrCommentRequired,
			status:    models.ApprovalStatusPending,
		},
		{
			name: "reject with comment",
			decide: func(s *approval.Service, id string) (*models.ApprovalRequest, error) {
				return s.Reject(context.Background(), id, "u1", "tests are red")
			},
			status: models.ApprovalStatusRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)

			request, _, err := f.service.Request(context.Background(), params(0))
			require.NoError(t, err)

			decided, err := tt.decide(f.service, request.ID)
			if tt.expectErr != nil {
				require.ErrorIs(t, err, tt.expectErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, "u1", decided.DecidedBy)
				require.NotNil(t, decided.DecidedAt)
			}

			stored, err := f.service.Get(context.Background(), request.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.status, stored.Status)
		})
	}
}

func TestDecide_OnlyOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	request, _, err := f.service.Request(ctx, params(0))
	require.NoError(t, err)

	_, err = f.service.Approve(ctx, request.ID, "u1", "ship it")
	require.NoError(t, err)

	_, err = f.service.Approve(ctx, request.ID, "u1", "again")
	require.ErrorIs(t, err, approval.ErrAlreadyDecided)

	_, err = f.service.Reject(ctx, request.ID, "u1", "changed my mind")
	require.ErrorIs(t, err, approval.ErrAlreadyDecided)

	stored, err := f.service.Get(ctx, request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusApproved, stored.Status)
	assert.Equal(t, "ship it", stored.DecisionComment)
	assert.Equal(t, 1, f.sink.Count(events.ApprovalApproved))
}

func TestExpiry_IsLazy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	request, _, err := f.service.Request(ctx, params(30*time.Minute))
	require.NoError(t, err)

	f.clock.Advance(30 * time.Minute)

	stored, err := f.service.Get(ctx, request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusExpired, stored.Status)

	_, err = f.service.Approve(ctx, request.ID, "u1", "")
	assert.ErrorIs(t, err, approval.ErrApprovalExpired)

	pending, err := f.service.List(ctx, persistence.ApprovalFilter{Status: models.ApprovalStatusPending})
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.Equal(t, 1, f.sink.Count(events.ApprovalExpired))
}

func TestExpireOverdue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	late, _, err := f.service.Request(ctx, params(time.Minute))
	require.NoError(t, err)

	open := params(0)
	open.StepID = "d"
	_, _, err = f.service.Request(ctx, open)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)

	expired, err := f.service.ExpireOverdue(ctx, f.clock.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, late.ID, expired[0].ID)

	again, err := f.service.ExpireOverdue(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestList_ByAssignee(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	mine := params(0)
	_, _, err := f.service.Request(ctx, mine)
	require.NoError(t, err)

	theirs := params(0)
	theirs.StepID = "other"
	theirs.Assignees = []string{"u3"}
	_, _, err = f.service.Request(ctx, theirs)
	require.NoError(t, err)

	listed, err := f.service.List(ctx, persistence.ApprovalFilter{Assignee: "u3"})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "other", listed[0].StepID)

	_, err = f.service.Get(ctx, "missing")
	assert.True(t, persistence.IsApprovalNotFound(err))
}
