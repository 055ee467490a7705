// Package mocks provides testify mocks and recorders for procflow collaborators.
package mocks

import (
	"context"

	"github.com/dukex/procflow/pkg/agent"
	"github.com/stretchr/testify/mock"
)

// MockAgentClient is a mock implementation of agent.Client.
type MockAgentClient struct {
	mock.Mock
}

var _ agent.Client = (*MockAgentClient)(nil)

func (m *MockAgentClient) Send(ctx context.Context, resourceKey, message string) (*agent.Response, error) {
	args := m.Called(ctx, resourceKey, message)

	response, _ := args.Get(0).(*agent.Response)

	return response, args.Error(1)
}
