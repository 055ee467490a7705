package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence"
)

const scheduleColumns = `id, definition_id, definition_name, trigger_id, cron_expression, timezone,
	description, enabled, next_run_at, last_run_at, created_at`

// ScheduleRepository handles schedule row database operations.
type ScheduleRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewScheduleRepository creates a new schedule repository.
func NewScheduleRepository(db *sql.DB, logger *slog.Logger) *ScheduleRepository {
	return &ScheduleRepository{db: db, logger: logger}
}

// Save upserts the row for the (definition_id, trigger_id) pair.
func (r *ScheduleRepository) Save(ctx context.Context, row *models.ScheduleRow) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (definition_id, trigger_id) DO UPDATE SET
			definition_name = EXCLUDED.definition_name,
			cron_expression = EXCLUDED.cron_expression,
			timezone = EXCLUDED.timezone,
			description = EXCLUDED.description,
			enabled = EXCLUDED.enabled,
			next_run_at = EXCLUDED.next_run_at,
			last_run_at = EXCLUDED.last_run_at`,
		row.ID,
		row.DefinitionID,
		row.DefinitionName,
		row.TriggerID,
		row.CronExpression,
		row.Timezone,
		row.Description,
		row.Enabled,
		row.NextRunAt.UTC(),
		nullTime(row.LastRunAt),
		row.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}

	return nil
}

// GetByID retrieves a schedule row by id.
func (r *ScheduleRepository) GetByID(ctx context.Context, id string) (*models.ScheduleRow, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = $1`

	row, err := scanSchedule(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrScheduleNotFound
		}

		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}

	return row, nil
}

// ListByDefinition returns the schedule rows of a definition ordered by trigger id.
func (r *ScheduleRepository) ListByDefinition(ctx context.Context, definitionID string) ([]*models.ScheduleRow, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE definition_id = $1 ORDER BY trigger_id`

	return r.querySchedules(ctx, query, definitionID)
}

// DeleteByDefinition removes every schedule row of a definition and returns how many were removed.
func (r *ScheduleRepository) DeleteByDefinition(ctx context.Context, definitionID string) (int, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM schedules WHERE definition_id = $1`, definitionID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete schedules: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(affected), nil
}

// Due returns enabled rows whose next run is at or before now. A limit of 0 returns every row.
func (r *ScheduleRepository) Due(ctx context.Context, now time.Time, limit int) ([]*models.ScheduleRow, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules
		WHERE enabled AND next_run_at <= $1
		ORDER BY next_run_at
		LIMIT NULLIF($2::int, 0)`

	return r.querySchedules(ctx, query, now.UTC(), limit)
}

// Advance moves next_run_at forward only when it still equals expected.
func (r *ScheduleRepository) Advance(ctx context.Context, id string, expected, next, lastRun time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE schedules SET next_run_at = $3, last_run_at = $4
		WHERE id = $1 AND next_run_at = $2`,
		id, expected.UTC(), next.UTC(), lastRun.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to advance schedule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected > 0 {
		return true, nil
	}

	if _, err := r.GetByID(ctx, id); err != nil {
		return false, err
	}

	return false, nil
}

// SetEnabled toggles a row. Enabling also sets the next run to next.
func (r *ScheduleRepository) SetEnabled(ctx context.Context, id string, enabled bool, next time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE schedules
		SET enabled = $2, next_run_at = CASE WHEN $2 THEN $3 ELSE next_run_at END
		WHERE id = $1`,
		id, enabled, next.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.ErrScheduleNotFound
	}

	return nil
}

func (r *ScheduleRepository) querySchedules(ctx context.Context, query string, args ...any) ([]*models.ScheduleRow, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer closeRows(ctx, r.logger, rows)

	schedules := make([]*models.ScheduleRow, 0)

	for rows.Next() {
		row, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}

		schedules = append(schedules, row)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to iterate schedules: %w", err)
	}

	return schedules, nil
}

func scanSchedule(row scanner) (*models.ScheduleRow, error) {
	var (
		schedule  models.ScheduleRow
		lastRunAt sql.NullTime
	)

	err := row.Scan(
		&schedule.ID,
		&schedule.DefinitionID,
		&schedule.DefinitionName,
		&schedule.TriggerID,
		&schedule.CronExpression,
		&schedule.Timezone,
		&schedule.Description,
		&schedule.Enabled,
		&schedule.NextRunAt,
		&lastRunAt,
		&schedule.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	schedule.NextRunAt = schedule.NextRunAt.UTC()
	schedule.CreatedAt = schedule.CreatedAt.UTC()
	schedule.LastRunAt = timePtr(lastRunAt)

	return &schedule, nil
}
