// Package registry maps step types to the handlers that run them.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/protocol"
)

var ErrUnknownStepType = errors.New("unknown step type")

type Registry struct {
	logger   *slog.Logger
	mu       sync.RWMutex
	handlers map[models.StepType]protocol.Handler
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger.With("module", "registry"),
		handlers: make(map[models.StepType]protocol.Handler),
	}
}

// Register binds handler to stepType, replacing any previous binding.
func (r *Registry) Register(stepType models.StepType, handler protocol.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[stepType]; exists {
		r.logger.Warn("replacing step handler", "step_type", stepType)
	}

	r.handlers[stepType] = handler
}

func (r *Registry) Get(stepType models.StepType) (protocol.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[stepType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStepType, stepType)
	}

	return handler, nil
}

// Has reports whether a handler is registered for stepType.
func (r *Registry) Has(stepType models.StepType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.handlers[stepType]

	return ok
}

// Types returns the registered step types in sorted order.
func (r *Registry) Types() []models.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]models.StepType, 0, len(r.handlers))
	for stepType := range r.handlers {
		types = append(types, stepType)
	}

	slices.Sort(types)

	return types
}
