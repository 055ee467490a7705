package engine_test

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/procflow/pkg/agent"
	"github.com/dukex/procflow/pkg/approval"
	"github.com/dukex/procflow/pkg/clock"
	"github.com/dukex/procflow/pkg/crontab"
	"github.com/dukex/procflow/pkg/engine"
	"github.com/dukex/procflow/pkg/events"
	"github.com/dukex/procflow/pkg/mocks"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence"
	"github.com/dukex/procflow/pkg/persistence/memory"
	"github.com/dukex/procflow/pkg/protocol"
	"github.com/dukex/procflow/pkg/queue"
	"github.com/dukex/procflow/pkg/registry"
	"github.com/dukex/procflow/pkg/scheduler"
	approvalstep "github.com/dukex/procflow/pkg/steps/approval"
	"github.com/dukex/procflow/pkg/steps/task"
	"github.com/dukex/procflow/pkg/steps/timer"
	"github.com/dukex/procflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	stepTypeEcho  models.StepType = "echo"
	stepTypeFail  models.StepType = "fail"
	stepTypePanic models.StepType = "panic"
	stepTypeBlock models.StepType = "block"
)

type sendFunc func(ctx context.Context, resourceKey, message string) (*agent.Response, error)

func (f sendFunc) Send(ctx context.Context, resourceKey, message string) (*agent.Response, error) {
	return f(ctx, resourceKey, message)
}

type harness struct {
	engine    *engine.Engine
	store     *memory.Persistence
	approvals *approval.Service
	queue     *queue.Queue
	registry  *registry.Registry
	sink      *mocks.RecordingSink
	blocked   chan struct{}
}

type harnessOptions struct {
	clock  clock.Clock
	client agent.Client
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	if opts.clock == nil {
		opts.clock = clock.Real()
	}

	if opts.client == nil {
		opts.client = sendFunc(func(_ context.Context, key, message string) (*agent.Response, error) {
			return &agent.Response{Response: key + ":" + message}, nil
		})
	}

	logger := slog.New(slog.DiscardHandler)
	store := memory.NewPersistence()
	sink := &mocks.RecordingSink{}
	approvals := approval.NewService(store.Approvals(), opts.clock, sink, logger)
	q := queue.New(queue.NewMemoryStore(opts.clock, queue.DefaultTTL), logger, queue.Options{PollInterval: 10 * time.Millisecond})

	h := &harness{
		store:     store,
		approvals: approvals,
		queue:     q,
		registry:  registry.NewRegistry(logger),
		sink:      sink,
		blocked:   make(chan struct{}, 8),
	}

	h.registry.Register(models.StepTypeTask, task.NewHandler(q, opts.client, logger, task.Options{}))
	h.registry.Register(models.StepTypeTimer, timer.NewHandler(opts.clock, logger))
	h.registry.Register(models.StepTypeApproval, approvalstep.NewHandler(approvals, logger))
	h.registry.Register(stepTypeEcho, protocol.HandlerFunc(
		func(_ context.Context, stepCtx *protocol.StepContext, _ models.StepConfig) (protocol.Result, error) {
			return protocol.Ok(map[string]any{"step": stepCtx.Step.ID, "seen": len(stepCtx.Outputs)}), nil
		}))
	h.registry.Register(stepTypeFail, protocol.HandlerFunc(
		func(context.Context, *protocol.StepContext, models.StepConfig) (protocol.Result, error) {
			return protocol.Fail(models.ErrorCodeTaskFailed, "nope"), nil
		}))
	h.registry.Register(stepTypePanic, protocol.HandlerFunc(
		func(context.Context, *protocol.StepContext, models.StepConfig) (protocol.Result, error) {
			panic("handler bug")
		}))
	h.registry.Register(stepTypeBlock, protocol.HandlerFunc(
		func(ctx context.Context, _ *protocol.StepContext, _ models.StepConfig) (protocol.Result, error) {
			h.blocked <- struct{}{}
			<-ctx.Done()

			return protocol.Result{}, ctx.Err()
		}))

	h.engine = engine.New(store, h.registry, logger, engine.Options{Clock: opts.clock, Sink: sink})
	t.Cleanup(h.engine.Close)

	return h
}

func (h *harness) publish(t *testing.T, steps ...*models.StepDefinition) *models.Definition {
	t.Helper()

	definition := testutil.CreateTestDefinition(testutil.WithSteps(steps...), testutil.Published())
	require.NoError(t, h.store.Definitions().Save(context.Background(), definition))

	return definition
}

func (h *harness) waitFor(t *testing.T, executionID string, status models.ExecutionStatus) *models.Execution {
	t.Helper()

	var execution *models.Execution

	require.Eventually(t, func() bool {
		current, err := h.engine.Get(context.Background(), executionID)
		if err != nil {
			return false
		}

		execution = current

		return current.Status == status
	}, 5*time.Second, 10*time.Millisecond, "execution %s never reached %s", executionID, status)

	return execution
}

func TestApprovalGateScenario(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, harnessOptions{})

	definition := h.publish(t,
		testutil.GenericStep("a", stepTypeEcho),
		testutil.GenericStep("b", stepTypeEcho, "a"),
		testutil.ApprovalStep("c", "Promote {{process.name}}?", []string{"u1"}, "b"),
	)

	execution, err := h.engine.Start(ctx, definition.ID, engine.StartOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusWaiting, execution.Status)
	assert.Equal(t, models.StepStatusCompleted, execution.Steps["a"].Status)
	assert.Equal(t, models.StepStatusCompleted, execution.Steps["b"].Status)
	assert.Equal(t, models.StepStatusWaiting, execution.Steps["c"].Status)
	assert.Nil(t, execution.ResumeAt)

	request, err := h.approvals.GetForStep(ctx, execution.ID, "c")
	require.NoError(t, err)
	assert.Equal(t, "Promote test-process?", request.Title)

	_, err = h.approvals.Approve(ctx, request.ID, "u2", "")
	require.ErrorIs(t, err, approval.ErrNotAssignee)

	execution, err = h.engine.Get(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusWaiting, execution.Status)

	_, err = h.approvals.Approve(ctx, request.ID, "u1", "lgtm")
	require.NoError(t, err)

	execution, err = h.engine.Resume(ctx, execution.ID)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.Equal(t, models.StepStatusCompleted, execution.Steps["c"].Status)
	assert.Equal(t, "u1", execution.Steps["c"].Output.(map[string]any)["decided_by"])
	assert.Equal(t, 2, execution.Steps["c"].Attempts)
	require.NotNil(t, execution.CompletedAt)

	assert.Equal(t, []events.EventType{
		events.ExecutionStarted,
		events.ExecutionWaiting,
		events.ExecutionResumed,
		events.ExecutionCompleted,
	}, executionEvents(h.sink))
}

func expiringApproval(id, timeout string) *models.StepDefinition {
	step := testutil.ApprovalStep(id, "Ship it?", []string{"u1"})
	config := step.Config.(models.ApprovalConfig)
	config.Timeout = timeout
	step.Config = config

	return step
}

func TestApprovalDeadlineFailsExecution(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := clock.NewFake(time.Date(2025, 7, 1, 6, 0, 0, 0, time.UTC))
	h := newHarness(t, harnessOptions{clock: clk})
	definition := h.publish(t, expiringApproval("gate", "1m"), testutil.GenericStep("after", stepTypeEcho, "gate"))

	execution, err := h.engine.Start(ctx, definition.ID, engine.StartOptions{})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusWaiting, execution.Status)
	require.NotNil(t, execution.ResumeAt)
	assert.True(t, clk.Now().Add(time.Minute).Equal(*execution.ResumeAt))

	clk.Advance(2 * time.Minute)

	expired, err := h.approvals.ExpireOverdue(ctx, clk.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)

	resumed, err := h.engine.ResumeDue(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	execution = h.waitFor(t, execution.ID, models.ExecutionStatusFailed)
	require.NotNil(t, execution.Error)
	assert.Equal(t, models.ErrorCodeApprovalExpired, execution.Error.Code)
	assert.Equal(t, models.StepStatusFailed, execution.Steps["gate"].Status)
	assert.Equal(t, models.StepStatusPending, execution.Steps["after"].Status)
	assert.Nil(t, execution.ResumeAt)
}

func TestSchedulerTickFailsExpiredApproval(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := clock.NewFake(time.Date(2025, 7, 1, 6, 0, 0, 0, time.UTC))
	h := newHarness(t, harnessOptions{clock: clk})
	definition := h.publish(t, expiringApproval("gate", "1m"))

	sched := scheduler.New(h.store.Schedules(), crontab.NewParser(), h.engine, slog.New(slog.DiscardHandler), scheduler.Options{
		Clock:   clk,
		Waker:   h.engine,
		Sweeper: h.approvals,
	})

	execution, err := h.engine.Start(ctx, definition.ID, engine.StartOptions{})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusWaiting, execution.Status)

	clk.Advance(2 * time.Minute)

	report, err := sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resumed)

	execution = h.waitFor(t, execution.ID, models.ExecutionStatusFailed)
	assert.Equal(t, models.ErrorCodeApprovalExpired, execution.Error.Code)
	assert.Equal(t, models.StepStatusFailed, execution.Steps["gate"].Status)

	request, err := h.approvals.GetForStep(ctx, execution.ID, "gate")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusExpired, request.Status)
}

func TestFailingBatchLeavesNoWaitingStep(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	definition := h.publish(t,
		testutil.ApprovalStep("gate", "Ship?", []string{"u1"}),
		testutil.GenericStep("broken", stepTypeFail),
	)

	execution, err := h.engine.Start(context.Background(), definition.ID, engine.StartOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Equal(t, models.StepStatusFailed, execution.Steps["broken"].Status)
	assert.Equal(t, models.StepStatusPending, execution.Steps["gate"].Status)
	assert.NotEmpty(t, execution.Steps["gate"].WaitMetadata[approvalstep.ApprovalIDKey])
	assert.Nil(t, execution.ResumeAt)
}

func TestResourceContentionScenario(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	started := make(chan string, 2)
	proceed := make(chan struct{})

	h := newHarness(t, harnessOptions{
		client: sendFunc(func(ctx context.Context, _ string, message string) (*agent.Response, error) {
			started <- message

			select {
			case <-proceed:
				return &agent.Response{Response: "done"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}),
	})

	definition := h.publish(t, testutil.TaskStep("work", "r1", "run {{execution.id}}"))

	first, err := h.engine.Launch(ctx, definition.ID, engine.StartOptions{})
	require.NoError(t, err)

	firstMessage := <-started
	assert.Equal(t, "run "+first.ID, firstMessage)

	second, err := h.engine.Launch(ctx, definition.ID, engine.StartOptions{})
	require.NoError(t, err)

	var waitingID string

	require.Eventually(t, func() bool {
		status, err := h.queue.Status(ctx, "r1")
		if err != nil || status.Running == nil || len(status.Waiting) != 1 {
			return false
		}

		waitingID = status.Waiting[0].ID

		return status.Running.Source == first.ID+"/work" && status.Waiting[0].Source == second.ID+"/work"
	}, 2*time.Second, 5*time.Millisecond)

	proceed <- struct{}{}

	assert.Equal(t, "run "+second.ID, <-started)

	status, err := h.queue.Status(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, status.Running)
	assert.Equal(t, waitingID, status.Running.ID)
	assert.Empty(t, status.Waiting)

	h.waitFor(t, first.ID, models.ExecutionStatusCompleted)

	proceed <- struct{}{}

	h.waitFor(t, second.ID, models.ExecutionStatusCompleted)

	status, err = h.queue.Status(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, status.Running)
}

func TestTimerStepWaitsWallClock(t *testing.T) {
	t.Parallel()

	if testing.Short() {
		t.Skip("waits two seconds")
	}

	ctx := context.Background()
	h := newHarness(t, harnessOptions{})
	definition := h.publish(t, testutil.TimerStep("pause", "2s"))

	began := time.Now()

	execution, err := h.engine.Start(ctx, definition.ID, engine.StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusWaiting, execution.Status)
	require.NotNil(t, execution.ResumeAt)

	execution = h.waitFor(t, execution.ID, models.ExecutionStatusCompleted)
	elapsed := time.Since(began)

	assert.GreaterOrEqual(t, elapsed, 2*time.Second)
	assert.Less(t, elapsed, 3*time.Second)
	assert.Equal(t, map[string]any{"waited_seconds": 2, "delay_formatted": "2s"}, execution.Steps["pause"].Output)
}

func TestResumeDue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := clock.NewFake(time.Date(2025, 7, 1, 6, 0, 0, 0, time.UTC))
	h := newHarness(t, harnessOptions{clock: clk})
	definition := h.publish(t, testutil.TimerStep("pause", "1h"), testutil.GenericStep("after", stepTypeEcho, "pause"))

	execution, err := h.engine.Start(ctx, definition.ID, engine.StartOptions{})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusWaiting, execution.Status)
	assert.True(t, clk.Now().Add(time.Hour).Equal(*execution.ResumeAt))

	resumed, err := h.engine.ResumeDue(ctx, clk.Now())
	require.NoError(t, err)
	assert.Zero(t, resumed)

	clk.Advance(time.Hour)

	resumed, err = h.engine.ResumeDue(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	execution = h.waitFor(t, execution.ID, models.ExecutionStatusCompleted)
	assert.Equal(t, models.StepStatusCompleted, execution.Steps["after"].Status)
	assert.Nil(t, execution.ResumeAt)
}

func TestFailurePolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name              string
		continueOnFailure bool
		status            models.ExecutionStatus
		dependent         models.StepStatus
	}{
		{name: "stop", status: models.ExecutionStatusFailed, dependent: models.StepStatusPending},
		{name: "continue", continueOnFailure: true, status: models.ExecutionStatusCompleted, dependent: models.StepStatusSkipped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, harnessOptions{})

			failing := testutil.GenericStep("a", stepTypeFail)
			failing.ContinueOnFailure = tt.continueOnFailure

			definition := h.publish(t,
				failing,
				testutil.GenericStep("b", stepTypeEcho, "a"),
				testutil.GenericStep("c", stepTypeEcho, "b"),
				testutil.GenericStep("d", stepTypeEcho),
			)

			execution, err := h.engine.Start(context.Background(), definition.ID, engine.StartOptions{})
			require.NoError(t, err)

			assert.Equal(t, tt.status, execution.Status)
			assert.Equal(t, models.StepStatusFailed, execution.Steps["a"].Status)
			assert.Equal(t, models.ErrorCodeTaskFailed, execution.Steps["a"].Error.Code)
			assert.Equal(t, tt.dependent, execution.Steps["b"].Status)
			assert.Equal(t, tt.dependent, execution.Steps["c"].Status)
			assert.Equal(t, models.StepStatusCompleted, execution.Steps["d"].Status)

			if tt.status == models.ExecutionStatusFailed {
				require.NotNil(t, execution.Error)
				assert.Equal(t, models.ErrorCodeTaskFailed, execution.Error.Code)
			}
		})
	}
}

func TestHandlerPanicBecomesInternalFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	definition := h.publish(t, testutil.GenericStep("boom", stepTypePanic))

	execution, err := h.engine.Start(context.Background(), definition.ID, engine.StartOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Equal(t, models.ErrorCodeInternal, execution.Steps["boom"].Error.Code)
	assert.Contains(t, execution.Steps["boom"].Error.Message, "handler bug")
}

func TestUnknownStepTypeFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	definition := h.publish(t, testutil.GenericStep("x", "mystery"))

	execution, err := h.engine.Start(context.Background(), definition.ID, engine.StartOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Equal(t, models.ErrorCodeInternal, execution.Error.Code)
}

func TestOnlyOneStepWaits(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, harnessOptions{})
	definition := h.publish(t,
		testutil.ApprovalStep("first", "First", []string{"u1"}),
		testutil.ApprovalStep("second", "Second", []string{"u1"}),
	)

	execution, err := h.engine.Start(ctx, definition.ID, engine.StartOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusWaiting, execution.Status)
	assert.Equal(t, models.StepStatusWaiting, execution.Steps["first"].Status)
	assert.Equal(t, models.StepStatusPending, execution.Steps["second"].Status)
	assert.NotEmpty(t, execution.Steps["second"].WaitMetadata[approvalstep.ApprovalIDKey])

	first, err := h.approvals.GetForStep(ctx, execution.ID, "first")
	require.NoError(t, err)
	_, err = h.approvals.Approve(ctx, first.ID, "u1", "")
	require.NoError(t, err)

	execution, err = h.engine.Resume(ctx, execution.ID)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusWaiting, execution.Status)
	assert.Equal(t, models.StepStatusCompleted, execution.Steps["first"].Status)
	assert.Equal(t, models.StepStatusWaiting, execution.Steps["second"].Status)

	requests, err := h.store.Approvals().List(ctx, persistence.ApprovalFilter{ExecutionID: execution.ID})
	require.NoError(t, err)
	assert.Len(t, requests, 2)

	second, err := h.approvals.GetForStep(ctx, execution.ID, "second")
	require.NoError(t, err)
	_, err = h.approvals.Reject(ctx, second.ID, "u1", "too risky")
	require.NoError(t, err)

	execution, err = h.engine.Resume(ctx, execution.ID)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Equal(t, models.ErrorCodeApprovalRejected, execution.Error.Code)
}

func TestStart_RequiresPublishedDefinition(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, harnessOptions{})

	draft := testutil.CreateTestDefinition()
	require.NoError(t, h.store.Definitions().Save(ctx, draft))

	_, err := h.engine.Start(ctx, draft.ID, engine.StartOptions{})
	require.ErrorIs(t, err, engine.ErrDefinitionNotPublished)

	_, err = h.engine.Start(ctx, "missing", engine.StartOptions{})
	assert.True(t, persistence.IsDefinitionNotFound(err))
}

func TestResume_RequiresWaitingExecution(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, harnessOptions{})
	definition := h.publish(t, testutil.GenericStep("a", stepTypeEcho))

	execution, err := h.engine.Start(ctx, definition.ID, engine.StartOptions{Input: map[string]any{"k": "v"}})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.Equal(t, models.TriggeredByManual, execution.TriggeredBy)

	_, err = h.engine.Resume(ctx, execution.ID)
	require.ErrorIs(t, err, engine.ErrExecutionNotWaiting)
	assert.True(t, engine.IsNotWaiting(err))
}

func TestCancel_WaitingExecution(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, harnessOptions{})
	definition := h.publish(t, testutil.ApprovalStep("gate", "Go?", []string{"u1"}))

	execution, err := h.engine.Start(ctx, definition.ID, engine.StartOptions{})
	require.NoError(t, err)

	cancelled, err := h.engine.Cancel(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, cancelled.Status)
	assert.Equal(t, models.StepStatusFailed, cancelled.Steps["gate"].Status)

	_, err = h.engine.Resume(ctx, execution.ID)
	require.ErrorIs(t, err, engine.ErrExecutionNotWaiting)

	_, err = h.engine.Cancel(ctx, execution.ID)
	require.ErrorIs(t, err, engine.ErrExecutionFinished)

	stored, err := h.engine.Get(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, stored.Status)
	assert.Equal(t, models.ErrorCodeCancelled, stored.Error.Code)
}

func TestCancel_RunningExecution(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, harnessOptions{})
	definition := h.publish(t, testutil.GenericStep("slow", stepTypeBlock), testutil.GenericStep("next", stepTypeEcho, "slow"))

	execution, err := h.engine.Launch(ctx, definition.ID, engine.StartOptions{})
	require.NoError(t, err)

	<-h.blocked

	cancelled, err := h.engine.Cancel(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, cancelled.Status)

	assert.Eventually(t, func() bool {
		return h.sink.Count(events.ExecutionCancelled) == 1
	}, time.Second, 5*time.Millisecond)

	// the stepping goroutine must not overwrite the cancelled state when the handler returns
	time.Sleep(50 * time.Millisecond)

	stored, err := h.engine.Get(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, stored.Status)
	assert.Equal(t, models.StepStatusFailed, stored.Steps["slow"].Status)
	assert.Equal(t, models.StepStatusPending, stored.Steps["next"].Status)
}

func TestRecover_RestartsInterruptedExecution(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, harnessOptions{})
	definition := h.publish(t, testutil.GenericStep("a", stepTypeEcho), testutil.GenericStep("b", stepTypeEcho, "a"))

	now := time.Now().UTC()
	interrupted := &models.Execution{
		ID:             "interrupted",
		DefinitionID:   definition.ID,
		DefinitionName: definition.Name,
		Status:         models.ExecutionStatusRunning,
		TriggeredBy:    models.TriggeredBySchedule,
		Steps: map[string]*models.StepExecution{
			"a": {StepID: "a", Status: models.StepStatusCompleted, Output: "done", Attempts: 1},
			"b": {StepID: "b", Status: models.StepStatusRunning, Attempts: 1},
		},
		StartedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, h.store.Executions().Create(ctx, interrupted))

	require.NoError(t, h.engine.Recover(ctx))

	execution := h.waitFor(t, "interrupted", models.ExecutionStatusCompleted)
	assert.Equal(t, 2, execution.Steps["b"].Attempts)
	assert.Equal(t, 1, execution.Steps["a"].Attempts)
}

func TestLaunch_AfterClose(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	definition := h.publish(t, testutil.GenericStep("a", stepTypeEcho))

	h.engine.Close()

	_, err := h.engine.Launch(context.Background(), definition.ID, engine.StartOptions{})
	require.ErrorIs(t, err, engine.ErrClosed)
}

func TestParallelBatchSeesEarlierOutputs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, harnessOptions{})

	var concurrent, peak atomic.Int32

	h.registry.Register("probe", protocol.HandlerFunc(
		func(context.Context, *protocol.StepContext, models.StepConfig) (protocol.Result, error) {
			current := concurrent.Add(1)
			defer concurrent.Add(-1)

			for {
				seen := peak.Load()
				if current <= seen || peak.CompareAndSwap(seen, current) {
					break
				}
			}

			time.Sleep(20 * time.Millisecond)

			return protocol.Ok(nil), nil
		}))

	definition := h.publish(t,
		testutil.GenericStep("root", stepTypeEcho),
		testutil.GenericStep("p1", "probe", "root"),
		testutil.GenericStep("p2", "probe", "root"),
		testutil.GenericStep("p3", "probe", "root"),
		testutil.GenericStep("join", stepTypeEcho, "p1", "p2", "p3"),
	)

	execution, err := h.engine.Start(ctx, definition.ID, engine.StartOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.Greater(t, peak.Load(), int32(1))
	assert.Equal(t, map[string]any{"step": "join", "seen": 4}, execution.Steps["join"].Output)
}

func executionEvents(sink *mocks.RecordingSink) []events.EventType {
	types := make([]events.EventType, 0)

	for _, eventType := range sink.Types() {
		switch eventType {
		case events.ExecutionStarted, events.ExecutionWaiting, events.ExecutionResumed,
			events.ExecutionCompleted, events.ExecutionFailed, events.ExecutionCancelled:
			types = append(types, eventType)
		}
	}

	return types
}
