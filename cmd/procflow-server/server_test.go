package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/procflow/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer_WiresInMemoryStack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	srv, err := NewServer(ctx, slog.New(slog.DiscardHandler), Settings{Port: 0, DatabaseURL: "memory://"})
	require.NoError(t, err)

	defer func() {
		srv.scheduler.Stop()
		srv.engine.Close()
		assert.NoError(t, srv.close())
	}()

	for _, target := range []string{"/livez", "/readyz", "/definitions"} {
		resp, err := srv.app.Test(httptest.NewRequest(http.MethodGet, target, nil))
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		assert.Equal(t, http.StatusOK, resp.StatusCode, target)
	}
}

func TestNewServer_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "procflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  max_queue: 0\n"), 0o600))

	_, err := NewServer(context.Background(), slog.New(slog.DiscardHandler), Settings{DatabaseURL: "memory://", ConfigPath: path})
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestNewServer_RejectsUnknownEventBus(t *testing.T) {
	t.Parallel()

	_, err := NewServer(context.Background(), slog.New(slog.DiscardHandler), Settings{DatabaseURL: "memory://", EventBus: "carrier-pigeon"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported event bus")
}
