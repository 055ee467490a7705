package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence"
)

const definitionColumns = `id, name, version, description, status, steps, triggers, created_at, updated_at, published_at`

// DefinitionRepository handles definition-related database operations.
type DefinitionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewDefinitionRepository creates a new definition repository.
func NewDefinitionRepository(db *sql.DB, logger *slog.Logger) *DefinitionRepository {
	return &DefinitionRepository{db: db, logger: logger}
}

// Save inserts a definition or replaces the stored one with the same id.
func (r *DefinitionRepository) Save(ctx context.Context, definition *models.Definition) error {
	stepsJSON, err := json.Marshal(definition.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}

	triggersJSON, err := json.Marshal(definition.Triggers)
	if err != nil {
		return fmt.Errorf("failed to marshal triggers: %w", err)
	}

	query := `
		INSERT INTO definitions (` + definitionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			version = EXCLUDED.version,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			steps = EXCLUDED.steps,
			triggers = EXCLUDED.triggers,
			updated_at = EXCLUDED.updated_at,
			published_at = EXCLUDED.published_at`

	_, err = r.db.ExecContext(ctx, query,
		definition.ID,
		definition.Name,
		definition.Version,
		definition.Description,
		definition.Status,
		stepsJSON,
		triggersJSON,
		definition.CreatedAt.UTC(),
		definition.UpdatedAt.UTC(),
		nullTime(definition.PublishedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.NewDefinitionError("Save", definition.ID, persistence.ErrDefinitionAlreadyExists)
		}

		return fmt.Errorf("failed to save definition: %w", err)
	}

	return nil
}

// GetByID retrieves a definition by its id.
func (r *DefinitionRepository) GetByID(ctx context.Context, id string) (*models.Definition, error) {
	query := `SELECT ` + definitionColumns + ` FROM definitions WHERE id = $1`

	definition, err := r.scanDefinition(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewDefinitionError("GetByID", id, persistence.ErrDefinitionNotFound)
		}

		return nil, fmt.Errorf("failed to get definition: %w", err)
	}

	return definition, nil
}

// List returns the definitions matching filter ordered by name and version.
func (r *DefinitionRepository) List(ctx context.Context, filter persistence.DefinitionFilter) ([]*models.Definition, error) {
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 2)

	if filter.Name != "" {
		args = append(args, filter.Name)
		conditions = append(conditions, fmt.Sprintf("name = $%d", len(args)))
	}

	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + definitionColumns + ` FROM definitions`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}

	query += ` ORDER BY name, version`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query definitions: %w", err)
	}
	defer closeRows(ctx, r.logger, rows)

	definitions := make([]*models.Definition, 0)

	for rows.Next() {
		definition, err := r.scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan definition: %w", err)
		}

		definitions = append(definitions, definition)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to iterate definitions: %w", err)
	}

	return definitions, nil
}

// LatestVersion returns the highest stored version for name, or 0.
func (r *DefinitionRepository) LatestVersion(ctx context.Context, name string) (int, error) {
	var latest int

	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM definitions WHERE name = $1`, name,
	).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest version: %w", err)
	}

	return latest, nil
}

func (r *DefinitionRepository) scanDefinition(row scanner) (*models.Definition, error) {
	var (
		definition             models.Definition
		stepsJSON, triggerJSON []byte
		publishedAt            sql.NullTime
	)

	err := row.Scan(
		&definition.ID,
		&definition.Name,
		&definition.Version,
		&definition.Description,
		&definition.Status,
		&stepsJSON,
		&triggerJSON,
		&definition.CreatedAt,
		&definition.UpdatedAt,
		&publishedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(stepsJSON, &definition.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}

	if err := json.Unmarshal(triggerJSON, &definition.Triggers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal triggers: %w", err)
	}

	definition.CreatedAt = definition.CreatedAt.UTC()
	definition.UpdatedAt = definition.UpdatedAt.UTC()
	definition.PublishedAt = timePtr(publishedAt)

	return &definition, nil
}
