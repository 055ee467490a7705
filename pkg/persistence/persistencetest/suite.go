// Package persistencetest holds the behaviour every persistence implementation must share.
package persistencetest

import (
	"context"
	"time"

	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence"
	"github.com/dukex/procflow/pkg/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
)

// Suite runs the shared repository checks against the store returned by New.
type Suite struct {
	suite.Suite

	// New returns an empty store for each test.
	New func() persistence.Persistence

	store persistence.Persistence
	ctx   context.Context
}

func (s *Suite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.New()
}

func (s *Suite) TearDownTest() {
	s.Require().NoError(s.store.Close(s.ctx))
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func (s *Suite) TestHealthCheck() {
	s.Require().NoError(s.store.HealthCheck(s.ctx))
}

func (s *Suite) TestDefinitions_SaveAndGet() {
	repo := s.store.Definitions()
	definition := testutil.CreateTestDefinition(
		testutil.WithSteps(
			testutil.TaskStep("a", "agent-1", "hello"),
			testutil.ApprovalStep("b", "ok?", []string{"u1"}, "a"),
		),
		testutil.WithTriggers(testutil.ScheduleTrigger("t1", "daily", "UTC")),
	)

	s.Require().NoError(repo.Save(s.ctx, definition))

	stored, err := repo.GetByID(s.ctx, definition.ID)
	s.Require().NoError(err)
	s.Equal(definition.Name, stored.Name)
	s.Require().Len(stored.Steps, 2)
	s.Equal(models.TaskConfig{Resource: "agent-1", Message: "hello"}, stored.Step("a").Config)
	s.Equal([]string{"a"}, stored.Step("b").DependsOn)
	s.Require().Len(stored.Triggers, 1)
	s.Equal("daily", stored.Triggers[0].Cron)

	_, err = repo.GetByID(s.ctx, uuid.NewString())
	s.True(persistence.IsDefinitionNotFound(err))
}

func (s *Suite) TestDefinitions_NameVersionUnique() {
	repo := s.store.Definitions()

	first := testutil.CreateTestDefinition(testutil.WithName("dup"))
	second := testutil.CreateTestDefinition(testutil.WithName("dup"))

	s.Require().NoError(repo.Save(s.ctx, first))
	s.ErrorIs(repo.Save(s.ctx, second), persistence.ErrDefinitionAlreadyExists)

	second.Version = 2
	s.Require().NoError(repo.Save(s.ctx, second))

	latest, err := repo.LatestVersion(s.ctx, "dup")
	s.Require().NoError(err)
	s.Equal(2, latest)

	latest, err = repo.LatestVersion(s.ctx, "nothing")
	s.Require().NoError(err)
	s.Equal(0, latest)
}

func (s *Suite) TestDefinitions_ListFilters() {
	repo := s.store.Definitions()

	s.Require().NoError(repo.Save(s.ctx, testutil.CreateTestDefinition(testutil.WithName("a"))))
	s.Require().NoError(repo.Save(s.ctx, testutil.CreateTestDefinition(testutil.WithName("b"), testutil.Published())))

	all, err := repo.List(s.ctx, persistence.DefinitionFilter{})
	s.Require().NoError(err)
	s.Len(all, 2)

	published, err := repo.List(s.ctx, persistence.DefinitionFilter{Status: models.DefinitionStatusPublished})
	s.Require().NoError(err)
	s.Require().Len(published, 1)
	s.Equal("b", published[0].Name)

	named, err := repo.List(s.ctx, persistence.DefinitionFilter{Name: "a"})
	s.Require().NoError(err)
	s.Len(named, 1)
}

func (s *Suite) newExecution(definitionID string) *models.Execution {
	started := now()

	return &models.Execution{
		ID:                uuid.NewString(),
		DefinitionID:      definitionID,
		DefinitionName:    "test-process",
		DefinitionVersion: 1,
		Status:            models.ExecutionStatusRunning,
		TriggeredBy:       models.TriggeredByManual,
		Input:             map[string]any{"ref": "main"},
		Steps: map[string]*models.StepExecution{
			"a": {StepID: "a", Status: models.StepStatusPending},
			"b": {StepID: "b", Status: models.StepStatusPending},
		},
		StartedAt: started,
		UpdatedAt: started,
	}
}

func (s *Suite) saveDefinition() *models.Definition {
	definition := testutil.CreateTestDefinition(testutil.WithName("process-" + uuid.NewString()), testutil.Published())
	s.Require().NoError(s.store.Definitions().Save(s.ctx, definition))

	return definition
}

func (s *Suite) TestExecutions_CreateUpdateAndSteps() {
	repo := s.store.Executions()
	execution := s.newExecution(s.saveDefinition().ID)

	s.Require().NoError(repo.Create(s.ctx, execution))

	started := now()
	s.Require().NoError(repo.SaveStep(s.ctx, execution.ID, &models.StepExecution{
		StepID:    "a",
		Status:    models.StepStatusCompleted,
		Output:    map[string]any{"answer": "42"},
		Attempts:  1,
		StartedAt: &started,
	}))

	resumeAt := now().Add(time.Minute)
	execution.Status = models.ExecutionStatusWaiting
	execution.ResumeAt = &resumeAt
	s.Require().NoError(repo.Update(s.ctx, execution))

	stored, err := repo.GetByID(s.ctx, execution.ID)
	s.Require().NoError(err)
	s.Equal(models.ExecutionStatusWaiting, stored.Status)
	s.Equal("main", stored.Input["ref"])
	s.Require().NotNil(stored.ResumeAt)
	s.True(resumeAt.Equal(*stored.ResumeAt))
	s.Equal(models.StepStatusCompleted, stored.Steps["a"].Status)
	s.Equal(map[string]any{"answer": "42"}, stored.Steps["a"].Output)
	s.Equal(models.StepStatusPending, stored.Steps["b"].Status)

	_, err = repo.GetByID(s.ctx, uuid.NewString())
	s.True(persistence.IsExecutionNotFound(err))
}

func (s *Suite) TestExecutions_TerminalIsImmutable() {
	repo := s.store.Executions()
	execution := s.newExecution(s.saveDefinition().ID)
	s.Require().NoError(repo.Create(s.ctx, execution))

	completed := now()
	execution.Status = models.ExecutionStatusCompleted
	execution.CompletedAt = &completed
	s.Require().NoError(repo.Update(s.ctx, execution))

	execution.Status = models.ExecutionStatusRunning
	s.ErrorIs(repo.Update(s.ctx, execution), persistence.ErrExecutionTerminal)

	stored, err := repo.GetByID(s.ctx, execution.ID)
	s.Require().NoError(err)
	s.Equal(models.ExecutionStatusCompleted, stored.Status)
}

func (s *Suite) TestExecutions_ListAndWakeups() {
	repo := s.store.Executions()
	definition := s.saveDefinition()

	due := s.newExecution(definition.ID)
	past := now().Add(-time.Second)
	due.Status = models.ExecutionStatusWaiting
	due.ResumeAt = &past

	later := s.newExecution(definition.ID)
	future := now().Add(time.Hour)
	later.Status = models.ExecutionStatusWaiting
	later.ResumeAt = &future

	running := s.newExecution(definition.ID)

	for _, execution := range []*models.Execution{due, later, running} {
		s.Require().NoError(repo.Create(s.ctx, execution))
	}

	wakeups, err := repo.DueWakeups(s.ctx, now())
	s.Require().NoError(err)
	s.Require().Len(wakeups, 1)
	s.Equal(due.ID, wakeups[0].ID)

	waiting, err := repo.List(s.ctx, persistence.ExecutionFilter{DefinitionID: definition.ID, Status: models.ExecutionStatusWaiting})
	s.Require().NoError(err)
	s.Len(waiting, 2)

	limited, err := repo.List(s.ctx, persistence.ExecutionFilter{DefinitionID: definition.ID, Limit: 1})
	s.Require().NoError(err)
	s.Len(limited, 1)
}

func (s *Suite) newApproval(executionID, stepID string) *models.ApprovalRequest {
	return &models.ApprovalRequest{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		StepID:      stepID,
		Title:       "Ship it?",
		Assignees:   []string{"u1", "u2"},
		Status:      models.ApprovalStatusPending,
		CreatedAt:   now(),
	}
}

func (s *Suite) createExecution() *models.Execution {
	execution := s.newExecution(s.saveDefinition().ID)
	s.Require().NoError(s.store.Executions().Create(s.ctx, execution))

	return execution
}

func (s *Suite) TestApprovals_UniquePerStep() {
	repo := s.store.Approvals()
	execution := s.createExecution()

	first := s.newApproval(execution.ID, "c")
	s.Require().NoError(repo.Create(s.ctx, first))
	s.ErrorIs(repo.Create(s.ctx, s.newApproval(execution.ID, "c")), persistence.ErrApprovalExists)

	stored, err := repo.GetByStep(s.ctx, execution.ID, "c")
	s.Require().NoError(err)
	s.Equal(first.ID, stored.ID)
	s.Equal([]string{"u1", "u2"}, stored.Assignees)

	_, err = repo.GetByStep(s.ctx, execution.ID, "other")
	s.True(persistence.IsApprovalNotFound(err))
}

func (s *Suite) TestApprovals_DecideOnce() {
	repo := s.store.Approvals()
	request := s.newApproval(s.createExecution().ID, "c")
	s.Require().NoError(repo.Create(s.ctx, request))

	decidedAt := now()
	request.Status = models.ApprovalStatusApproved
	request.DecidedBy = "u1"
	request.DecidedAt = &decidedAt
	request.DecisionComment = "lgtm"
	s.Require().NoError(repo.Decide(s.ctx, request))

	request.Status = models.ApprovalStatusRejected
	s.ErrorIs(repo.Decide(s.ctx, request), persistence.ErrApprovalAlreadyDecided)

	stored, err := repo.GetByID(s.ctx, request.ID)
	s.Require().NoError(err)
	s.Equal(models.ApprovalStatusApproved, stored.Status)
	s.Equal("u1", stored.DecidedBy)
	s.Equal("lgtm", stored.DecisionComment)
}

func (s *Suite) TestApprovals_ListAndOverdue() {
	repo := s.store.Approvals()
	execution := s.createExecution()

	overdue := s.newApproval(execution.ID, "a")
	deadline := now().Add(-time.Minute)
	overdue.Deadline = &deadline

	open := s.newApproval(execution.ID, "b")
	open.Assignees = []string{"u3"}

	decided := s.newApproval(execution.ID, "c")
	decided.Status = models.ApprovalStatusRejected

	for _, request := range []*models.ApprovalRequest{overdue, open, decided} {
		s.Require().NoError(repo.Create(s.ctx, request))
	}

	pending, err := repo.List(s.ctx, persistence.ApprovalFilter{Status: models.ApprovalStatusPending})
	s.Require().NoError(err)
	s.Len(pending, 2)

	assigned, err := repo.List(s.ctx, persistence.ApprovalFilter{Assignee: "u3"})
	s.Require().NoError(err)
	s.Require().Len(assigned, 1)
	s.Equal(open.ID, assigned[0].ID)

	late, err := repo.Overdue(s.ctx, now())
	s.Require().NoError(err)
	s.Require().Len(late, 1)
	s.Equal(overdue.ID, late[0].ID)
}

func (s *Suite) newScheduleRow(definitionID, triggerID string, next time.Time) *models.ScheduleRow {
	return &models.ScheduleRow{
		ID:             uuid.NewString(),
		DefinitionID:   definitionID,
		DefinitionName: "test-process",
		TriggerID:      triggerID,
		CronExpression: "0 9 * * *",
		Timezone:       "UTC",
		Enabled:        true,
		NextRunAt:      next,
		CreatedAt:      now(),
	}
}

func (s *Suite) TestSchedules_DueAdvanceDelete() {
	repo := s.store.Schedules()
	definition := s.saveDefinition()

	dueRow := s.newScheduleRow(definition.ID, "t1", now().Add(-time.Minute))
	futureRow := s.newScheduleRow(definition.ID, "t2", now().Add(time.Hour))
	s.Require().NoError(repo.Save(s.ctx, dueRow))
	s.Require().NoError(repo.Save(s.ctx, futureRow))

	due, err := repo.Due(s.ctx, now(), 10)
	s.Require().NoError(err)
	s.Require().Len(due, 1)
	s.Equal(dueRow.ID, due[0].ID)

	fired := now()
	next := fired.Add(24 * time.Hour)

	advanced, err := repo.Advance(s.ctx, dueRow.ID, dueRow.NextRunAt, next, fired)
	s.Require().NoError(err)
	s.True(advanced)

	advanced, err = repo.Advance(s.ctx, dueRow.ID, dueRow.NextRunAt, next.Add(time.Hour), fired)
	s.Require().NoError(err)
	s.False(advanced)

	stored, err := repo.GetByID(s.ctx, dueRow.ID)
	s.Require().NoError(err)
	s.True(next.Equal(stored.NextRunAt))
	s.Require().NotNil(stored.LastRunAt)
	s.True(fired.Equal(*stored.LastRunAt))

	removed, err := repo.DeleteByDefinition(s.ctx, definition.ID)
	s.Require().NoError(err)
	s.Equal(2, removed)

	rows, err := repo.ListByDefinition(s.ctx, definition.ID)
	s.Require().NoError(err)
	s.Empty(rows)
}

func (s *Suite) TestSchedules_UpsertByTrigger() {
	repo := s.store.Schedules()
	definition := s.saveDefinition()

	s.Require().NoError(repo.Save(s.ctx, s.newScheduleRow(definition.ID, "t1", now())))

	replacement := s.newScheduleRow(definition.ID, "t1", now().Add(time.Hour))
	replacement.CronExpression = "0 * * * *"
	s.Require().NoError(repo.Save(s.ctx, replacement))

	rows, err := repo.ListByDefinition(s.ctx, definition.ID)
	s.Require().NoError(err)
	s.Require().Len(rows, 1)
	s.Equal("0 * * * *", rows[0].CronExpression)
}

func (s *Suite) TestSchedules_SetEnabled() {
	repo := s.store.Schedules()
	row := s.newScheduleRow(s.saveDefinition().ID, "t1", now().Add(-time.Minute))
	s.Require().NoError(repo.Save(s.ctx, row))

	s.Require().NoError(repo.SetEnabled(s.ctx, row.ID, false, time.Time{}))

	due, err := repo.Due(s.ctx, now(), 0)
	s.Require().NoError(err)
	s.Empty(due)

	next := now().Add(time.Hour)
	s.Require().NoError(repo.SetEnabled(s.ctx, row.ID, true, next))

	stored, err := repo.GetByID(s.ctx, row.ID)
	s.Require().NoError(err)
	s.True(stored.Enabled)
	s.True(next.Equal(stored.NextRunAt))

	s.ErrorIs(repo.SetEnabled(s.ctx, uuid.NewString(), true, next), persistence.ErrScheduleNotFound)
}
