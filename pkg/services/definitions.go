package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/procflow/pkg/clock"
	"github.com/dukex/procflow/pkg/eventbus"
	"github.com/dukex/procflow/pkg/events"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence"
	"github.com/google/uuid"
)

// Validator checks a definition before it is published.
type Validator interface {
	Validate(definition *models.Definition) error
}

// Schedules is the part of the scheduler the definition lifecycle drives.
type Schedules interface {
	Register(ctx context.Context, definition *models.Definition) ([]*models.ScheduleRow, error)
	Deregister(ctx context.Context, definitionID string) (int, error)
	Rows(ctx context.Context, definitionID string) ([]*models.ScheduleRow, error)
	SetEnabled(ctx context.Context, rowID string, enabled bool) (*models.ScheduleRow, error)
}

// Definitions manages the draft, published and archived lifecycle of definitions.
type Definitions struct {
	repo      persistence.DefinitionRepository
	validator Validator
	schedules Schedules
	clock     clock.Clock
	sink      eventbus.Sink
	logger    *slog.Logger
}

func NewDefinitions(
	repo persistence.DefinitionRepository,
	validator Validator,
	schedules Schedules,
	clk clock.Clock,
	sink eventbus.Sink,
	logger *slog.Logger,
) *Definitions {
	if sink == nil {
		sink = eventbus.Discard()
	}

	return &Definitions{
		repo:      repo,
		validator: validator,
		schedules: schedules,
		clock:     clk,
		sink:      sink,
		logger:    logger.With("module", "definitions"),
	}
}

// Create stores draft as a new draft definition. Without an explicit version it gets the
// next version for its name.
func (d *Definitions) Create(ctx context.Context, draft *models.Definition) (*models.Definition, error) {
	if draft == nil {
		return nil, ErrDefinitionRequired
	}

	if strings.TrimSpace(draft.Name) == "" {
		return nil, ErrNameRequired
	}

	definition := draft.Clone()
	now := d.clock.Now()

	definition.ID = uuid.NewString()
	definition.Status = models.DefinitionStatusDraft
	definition.CreatedAt = now
	definition.UpdatedAt = now
	definition.PublishedAt = nil

	if definition.Version <= 0 {
		latest, err := d.repo.LatestVersion(ctx, definition.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to read latest version: %w", err)
		}

		definition.Version = latest + 1
	}

	if err := d.repo.Save(ctx, definition); err != nil {
		return nil, fmt.Errorf("failed to save definition: %w", err)
	}

	d.logger.InfoContext(ctx, "definition created",
		"definition_id", definition.ID,
		"name", definition.Name,
		"version", definition.Version)
	d.emit(ctx, events.DefinitionCreated, definition, nil)

	return definition, nil
}

// UpdateDraft replaces the name, description, steps and triggers of a draft.
func (d *Definitions) UpdateDraft(ctx context.Context, id string, draft *models.Definition) (*models.Definition, error) {
	if draft == nil {
		return nil, ErrDefinitionRequired
	}

	definition, err := d.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if definition.Status != models.DefinitionStatusDraft {
		return nil, &ServiceError{Op: "update", Message: fmt.Sprintf("definition %s is %s", id, definition.Status), Err: ErrDefinitionNotDraft}
	}

	changes := draft.Clone()

	if name := strings.TrimSpace(changes.Name); name != "" {
		definition.Name = name
	}

	definition.Description = changes.Description
	definition.Steps = changes.Steps
	definition.Triggers = changes.Triggers
	definition.UpdatedAt = d.clock.Now()

	if err := d.repo.Save(ctx, definition); err != nil {
		return nil, fmt.Errorf("failed to save definition: %w", err)
	}

	d.logger.InfoContext(ctx, "definition updated", "definition_id", id)
	d.emit(ctx, events.DefinitionUpdated, definition, nil)

	return definition, nil
}

func (d *Definitions) Get(ctx context.Context, id string) (*models.Definition, error) {
	return d.repo.GetByID(ctx, id)
}

func (d *Definitions) List(ctx context.Context, filter persistence.DefinitionFilter) ([]*models.Definition, error) {
	switch filter.Status {
	case "", models.DefinitionStatusDraft, models.DefinitionStatusPublished, models.DefinitionStatusArchived:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, filter.Status)
	}

	return d.repo.List(ctx, filter)
}

// Publish validates a draft, makes it the published version of its name and registers its
// schedule triggers. A previously published version of the same name is archived.
func (d *Definitions) Publish(ctx context.Context, id string) (*models.Definition, error) {
	definition, err := d.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if definition.Status != models.DefinitionStatusDraft {
		return nil, &ServiceError{Op: "publish", Message: fmt.Sprintf("definition %s is %s", id, definition.Status), Err: ErrDefinitionNotDraft}
	}

	if err := d.validator.Validate(definition); err != nil {
		d.logger.InfoContext(ctx, "definition failed validation", "definition_id", id, "error", err)

		return nil, err
	}

	previous, err := d.repo.List(ctx, persistence.DefinitionFilter{Name: definition.Name, Status: models.DefinitionStatusPublished})
	if err != nil {
		return nil, fmt.Errorf("failed to list published versions: %w", err)
	}

	for _, old := range previous {
		if old.ID == definition.ID {
			continue
		}

		if _, _, err := d.Archive(ctx, old.ID); err != nil {
			return nil, fmt.Errorf("failed to archive version %d: %w", old.Version, err)
		}
	}

	now := d.clock.Now()
	definition.Status = models.DefinitionStatusPublished
	definition.PublishedAt = &now
	definition.UpdatedAt = now

	if err := d.repo.Save(ctx, definition); err != nil {
		return nil, fmt.Errorf("failed to save definition: %w", err)
	}

	rows, err := d.schedules.Register(ctx, definition)
	if err != nil {
		return nil, &ServiceError{Op: "publish", Message: "failed to register schedules", Err: err}
	}

	d.logger.InfoContext(ctx, "definition published",
		"definition_id", id,
		"name", definition.Name,
		"version", definition.Version,
		"schedules", len(rows))
	d.emit(ctx, events.DefinitionPublished, definition, map[string]any{"schedules": len(rows)})

	return definition, nil
}

// Archive retires a definition and removes its schedule rows, returning how many were
// removed. Archiving an archived definition only removes leftover rows.
func (d *Definitions) Archive(ctx context.Context, id string) (*models.Definition, int, error) {
	definition, err := d.repo.GetByID(ctx, id)
	if err != nil {
		return nil, 0, err
	}

	if definition.Status != models.DefinitionStatusArchived {
		definition.Status = models.DefinitionStatusArchived
		definition.UpdatedAt = d.clock.Now()

		if err := d.repo.Save(ctx, definition); err != nil {
			return nil, 0, fmt.Errorf("failed to save definition: %w", err)
		}
	}

	removed, err := d.schedules.Deregister(ctx, id)
	if err != nil {
		return nil, 0, err
	}

	d.logger.InfoContext(ctx, "definition archived", "definition_id", id, "schedules_removed", removed)
	d.emit(ctx, events.DefinitionArchived, definition, map[string]any{"schedules_removed": removed})

	return definition, removed, nil
}

// Schedules returns the schedule rows of a definition.
func (d *Definitions) Schedules(ctx context.Context, id string) ([]*models.ScheduleRow, error) {
	if _, err := d.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}

	return d.schedules.Rows(ctx, id)
}

func (d *Definitions) SetScheduleEnabled(ctx context.Context, rowID string, enabled bool) (*models.ScheduleRow, error) {
	return d.schedules.SetEnabled(ctx, rowID, enabled)
}

func (d *Definitions) emit(ctx context.Context, eventType events.EventType, definition *models.Definition, data map[string]any) {
	event := events.New(eventType).
		With("name", definition.Name).
		With("version", definition.Version)
	event.DefinitionID = definition.ID

	for key, value := range data {
		event = event.With(key, value)
	}

	d.sink.Emit(ctx, event)
}
