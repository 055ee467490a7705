// Package file provides file-based persistence: an in-memory store flushed to a JSON
// snapshot on every write and reloaded on start.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dukex/procflow/pkg/persistence"
	"github.com/dukex/procflow/pkg/persistence/memory"
)

const stateFile = "state.json"

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	*memory.Persistence

	root   string
	logger *slog.Logger
}

var _ persistence.Persistence = (*Persistence)(nil)

// NewPersistence opens or creates the store rooted at the given directory (a file:// prefix is accepted).
func NewPersistence(logger *slog.Logger, root string) (*Persistence, error) {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	if err := os.MkdirAll(cleanRoot, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create persistence directory: %w", err)
	}

	fp := &Persistence{
		Persistence: memory.NewPersistence(),
		root:        cleanRoot,
		logger:      logger,
	}

	if err := fp.load(); err != nil {
		return nil, err
	}

	fp.OnCommit(fp.flush)

	return fp, nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) path() string {
	return filepath.Join(fp.root, stateFile)
}

func (fp *Persistence) load() error {
	data, err := os.ReadFile(fp.path())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var snapshot memory.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("failed to decode state file %s: %w", fp.path(), err)
	}

	fp.Restore(snapshot)

	fp.logger.Info("Loaded file persistence state",
		"path", fp.path(),
		"definitions", len(snapshot.Definitions),
		"executions", len(snapshot.Executions))

	return nil
}

func (fp *Persistence) flush(snapshot memory.Snapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	tmp, err := os.CreateTemp(fp.root, stateFile+".*")
	if err != nil {
		return fmt.Errorf("failed to create temporary state file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write state file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to close state file: %w", err)
	}

	if err := os.Rename(tmp.Name(), fp.path()); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	return nil
}
