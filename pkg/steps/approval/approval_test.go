package approval_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/procflow/pkg/approval"
	"github.com/dukex/procflow/pkg/clock"
	"github.com/dukex/procflow/pkg/mocks"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence"
	"github.com/dukex/procflow/pkg/persistence/memory"
	"github.com/dukex/procflow/pkg/protocol"
	approvalstep "github.com/dukex/procflow/pkg/steps/approval"
	"github.com/dukex/procflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	handler   *approvalstep.Handler
	approvals *approval.Service
	store     *memory.Persistence
	clock     *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.NewPersistence()
	clk := clock.NewFake(time.Date(2025, 5, 20, 14, 0, 0, 0, time.UTC))
	logger := slog.New(slog.DiscardHandler)
	service := approval.NewService(store.Approvals(), clk, &mocks.RecordingSink{}, logger)

	return &fixture{
		handler:   approvalstep.NewHandler(service, logger),
		approvals: service,
		store:     store,
		clock:     clk,
	}
}

func gate(timeout string) (*models.StepDefinition, *protocol.StepContext) {
	step := testutil.ApprovalStep("gate", "Ship {{input.ref}}?", []string{"u1"}, "build")
	config := step.Config.(models.ApprovalConfig)
	config.Description = "Build said {{steps.build.output.url}}; {{steps.lint.output}} unknown"
	config.Timeout = timeout
	step.Config = config

	return step, &protocol.StepContext{
		ExecutionID:    "exec-7",
		DefinitionName: "release",
		Input:          map[string]any{"ref": "v2"},
		Outputs:        map[string]any{"build": map[string]any{"url": "https://ci/7"}},
		Step:           step,
		State:          &models.StepExecution{StepID: step.ID, Status: models.StepStatusRunning, Attempts: 1},
	}
}

func TestExecute_InvokedTwiceCreatesOneRequest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	step, stepCtx := gate("")

	first, err := f.handler.Execute(ctx, stepCtx, step.Config)
	require.NoError(t, err)
	require.True(t, first.IsWait())

	second, err := f.handler.Execute(ctx, stepCtx, step.Config)
	require.NoError(t, err)
	require.True(t, second.IsWait())
	assert.Equal(t, first.Metadata[approvalstep.ApprovalIDKey], second.Metadata[approvalstep.ApprovalIDKey])

	_, hasResumeAt := protocol.ResumeAt(first.Metadata)
	assert.False(t, hasResumeAt)

	requests, err := f.store.Approvals().List(ctx, persistence.ApprovalFilter{ExecutionID: "exec-7"})
	require.NoError(t, err)
	require.Len(t, requests, 1)

	assert.Equal(t, "Ship v2?", requests[0].Title)
	assert.Equal(t, "Build said https://ci/7; {{steps.lint.output}} unknown", requests[0].Description)
	assert.Equal(t, []string{"u1"}, requests[0].Assignees)
	assert.Nil(t, requests[0].Deadline)
}

func TestExecute_Decisions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		decide func(s *approval.Service, id string) error
		check  func(t *testing.T, result protocol.Result)
	}{
		{
			name: "approved",
			decide: func(s *approval.Service, id string) error {
				_, err := s.Approve(context.Background(), id, "u1", "go ahead")

				return err
			},
			check: func(t *testing.T, result protocol.Result) {
				require.True(t, result.IsOk())
				output := result.Output.(map[string]any)
				assert.Equal(t, "u1", output["decided_by"])
				assert.Equal(t, "go ahead", output["comment"])
			},
		},
		{
			name: "rejected",
			decide: func(s *approval.Service, id string) error {
				_, err := s.Reject(context.Background(), id, "u1", "not today")

				return err
			},
			check: func(t *testing.T, result protocol.Result) {
				require.True(t, result.IsFail())
				assert.Equal(t, models.ErrorCodeApprovalRejected, result.Error.Code)
				assert.Contains(t, result.Error.Message, "not today")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			f := newFixture(t)
			step, stepCtx := gate("")

			wait, err := f.handler.Execute(ctx, stepCtx, step.Config)
			require.NoError(t, err)

			id, _ := wait.Metadata[approvalstep.ApprovalIDKey].(string)
			require.NoError(t, tt.decide(f.approvals, id))

			stepCtx.State.WaitMetadata = wait.Metadata

			result, err := f.handler.Execute(ctx, stepCtx, step.Config)
			require.NoError(t, err)
			tt.check(t, result)
		})
	}
}

func TestExecute_DeadlinePassed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	step, stepCtx := gate("1h")

	wait, err := f.handler.Execute(ctx, stepCtx, step.Config)
	require.NoError(t, err)
	require.True(t, wait.IsWait())

	id, _ := wait.Metadata[approvalstep.ApprovalIDKey].(string)

	request, err := f.approvals.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, request.Deadline)

	resumeAt, ok := protocol.ResumeAt(wait.Metadata)
	require.True(t, ok)
	assert.True(t, resumeAt.Equal(*request.Deadline))

	f.clock.Advance(59 * time.Minute)

	stillWaiting, err := f.handler.Execute(ctx, stepCtx, step.Config)
	require.NoError(t, err)
	assert.True(t, stillWaiting.IsWait())

	f.clock.Advance(time.Minute)

	result, err := f.handler.Execute(ctx, stepCtx, step.Config)
	require.NoError(t, err)
	require.True(t, result.IsFail())
	assert.Equal(t, models.ErrorCodeApprovalExpired, result.Error.Code)

	request, err = f.approvals.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusExpired, request.Status)
}
