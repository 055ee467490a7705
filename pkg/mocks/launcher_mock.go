package mocks

import (
	"context"
	"time"

	"github.com/dukex/procflow/pkg/engine"
	"github.com/dukex/procflow/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockLauncher is a mock implementation of scheduler.Launcher.
type MockLauncher struct {
	mock.Mock
}

func (m *MockLauncher) Launch(ctx context.Context, definitionID string, opts engine.StartOptions) (*models.Execution, error) {
	args := m.Called(ctx, definitionID, opts)

	execution, _ := args.Get(0).(*models.Execution)

	return execution, args.Error(1)
}

// MockWaker is a mock implementation of scheduler.Waker.
type MockWaker struct {
	mock.Mock
}

func (m *MockWaker) ResumeDue(ctx context.Context, now time.Time) (int, error) {
	args := m.Called(ctx, now)

	return args.Int(0), args.Error(1)
}

// MockSweeper is a mock implementation of scheduler.Sweeper.
type MockSweeper struct {
	mock.Mock
}

func (m *MockSweeper) ExpireOverdue(ctx context.Context, now time.Time) ([]*models.ApprovalRequest, error) {
	args := m.Called(ctx, now)

	expired, _ := args.Get(0).([]*models.ApprovalRequest)

	return expired, args.Error(1)
}
