package cmd

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/dukex/procflow/pkg/approval"
	"github.com/dukex/procflow/pkg/clock"
	"github.com/dukex/procflow/pkg/eventbus"
	"github.com/dukex/procflow/pkg/mocks"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence/file"
	"github.com/dukex/procflow/pkg/persistence/memory"
	"github.com/dukex/procflow/pkg/queue"
	"github.com/dukex/procflow/pkg/steps/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePersistenceProvider(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"memory://":                         "memory",
		"file:///var/lib/procflow":          "file",
		"postgres://u:p@db:5432/procflow":   "postgres",
		"postgresql://u:p@db:5432/procflow": "postgresql",
		"./data":                            "file",
		"mongodb://db":                      "file",
	}

	for url, want := range tests {
		assert.Equal(t, want, parsePersistenceProvider(url), url)
	}
}

func TestNewPersistence(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	ctx := context.Background()

	store, err := NewPersistence(ctx, logger, "memory://")
	require.NoError(t, err)
	assert.IsType(t, &memory.Persistence{}, store)

	store, err = NewPersistence(ctx, logger, "file://"+filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	assert.IsType(t, &file.Persistence{}, store)
	assert.NoError(t, store.HealthCheck(ctx))
}

func TestNewEventBus(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	bus, err := NewEventBus("gochannel", "", "procflow", logger)
	require.NoError(t, err)
	assert.NotEmpty(t, bus.GenerateID())
	require.NoError(t, bus.Close())

	_, err = NewEventBus("kafka", ",", "procflow", logger)
	require.Error(t, err)

	_, err = NewEventBus("nats", "", "procflow", logger)
	require.Error(t, err)
}

func TestNewQueueStore_Memory(t *testing.T) {
	store, closeStore, err := NewQueueStore(context.Background(), slog.New(slog.DiscardHandler), "", 0, clock.Real())
	require.NoError(t, err)
	assert.IsType(t, &queue.MemoryStore{}, store)
	assert.NoError(t, closeStore())
}

func TestNewRegistry(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	reg := NewRegistry(logger, Handlers{
		Queue:     queue.New(queue.NewMemoryStore(clock.Real(), 0), logger, queue.Options{}),
		Agents:    &mocks.MockAgentClient{},
		Approvals: approval.NewService(memory.NewPersistence().Approvals(), clock.Real(), eventbus.Discard(), logger),
		Clock:     clock.Real(),
		Task:      task.Options{},
	})

	assert.Equal(t, []models.StepType{models.StepTypeApproval, models.StepTypeTask, models.StepTypeTimer}, reg.Types())
}
