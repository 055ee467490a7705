package models

import "time"

// ScheduleRow is the persisted projection of one enabled schedule trigger of a published definition.
// Rows are unique by (DefinitionID, TriggerID).
type ScheduleRow struct {
	ID             string     `json:"id"`
	DefinitionID   string     `json:"definition_id"`
	DefinitionName string     `json:"definition_name"`
	TriggerID      string     `json:"trigger_id"`
	CronExpression string     `json:"cron_expression"`
	Timezone       string     `json:"timezone"`
	Description    string     `json:"description,omitempty"`
	Enabled        bool       `json:"enabled"`
	NextRunAt      time.Time  `json:"next_run_at"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// IsDue reports whether the row should fire at now.
func (s *ScheduleRow) IsDue(now time.Time) bool {
	return s.Enabled && !s.NextRunAt.After(now)
}

func (s *ScheduleRow) Clone() *ScheduleRow {
	if s == nil {
		return nil
	}

	clone := *s
	clone.LastRunAt = cloneTime(s.LastRunAt)

	return &clone
}
