package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/dukex/procflow/pkg/persistence"
	"github.com/dukex/procflow/pkg/persistence/memory"
	"github.com/dukex/procflow/pkg/persistence/persistencetest"
	"github.com/dukex/procflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func TestMemoryPersistence(t *testing.T) {
	suite.Run(t, &persistencetest.Suite{
		New: func() persistence.Persistence {
			return memory.NewPersistence()
		},
	})
}

func TestMemoryPersistence_ReturnsCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()
	definition := testutil.CreateTestDefinition()

	require.NoError(t, store.Definitions().Save(ctx, definition))

	definition.Name = "mutated"

	stored, err := store.Definitions().GetByID(ctx, definition.ID)
	require.NoError(t, err)
	assert.Equal(t, "test-process", stored.Name)

	stored.Steps[0].ID = "changed"

	again, err := store.Definitions().GetByID(ctx, definition.ID)
	require.NoError(t, err)
	assert.Equal(t, "wait", again.Steps[0].ID)
}

func TestMemoryPersistence_CommitHook(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()

	var snapshots []memory.Snapshot

	store.OnCommit(func(snapshot memory.Snapshot) error {
		snapshots = append(snapshots, snapshot)

		return nil
	})

	require.NoError(t, store.Definitions().Save(ctx, testutil.CreateTestDefinition()))
	require.Len(t, snapshots, 1)
	assert.Len(t, snapshots[0].Definitions, 1)

	store.OnCommit(func(memory.Snapshot) error {
		return errors.New("disk full")
	})

	require.EqualError(t, store.Definitions().Save(ctx, testutil.CreateTestDefinition(testutil.WithName("other"))), "disk full")
}

func TestMemoryPersistence_SnapshotRestore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	source := memory.NewPersistence()
	definition := testutil.CreateTestDefinition()
	require.NoError(t, source.Definitions().Save(ctx, definition))

	target := memory.NewPersistence()
	target.Restore(source.Snapshot())

	stored, err := target.Definitions().GetByID(ctx, definition.ID)
	require.NoError(t, err)
	assert.Equal(t, definition.Name, stored.Name)
}
