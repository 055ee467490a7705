package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: initialSchema(),
		2: wakeupIndexes(),
	}
}

func initialSchema() string {
	return `
		CREATE TABLE definitions (
			id UUID PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			version INTEGER NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status VARCHAR(20) NOT NULL CHECK (status IN ('draft', 'published', 'archived')),
			steps JSONB NOT NULL DEFAULT '[]',
			triggers JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			published_at TIMESTAMPTZ,
			UNIQUE (name, version)
		);

		CREATE INDEX idx_definitions_name ON definitions(name);
		CREATE INDEX idx_definitions_status ON definitions(status);

		CREATE TABLE executions (
			id UUID PRIMARY KEY,
			definition_id UUID NOT NULL REFERENCES definitions(id) ON DELETE CASCADE,
			definition_name VARCHAR(255) NOT NULL,
			definition_version INTEGER NOT NULL,
			status VARCHAR(20) NOT NULL CHECK (status IN ('running', 'waiting', 'completed', 'failed', 'cancelling', 'cancelled')),
			triggered_by VARCHAR(20) NOT NULL,
			input JSONB,
			error JSONB,
			started_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			resume_at TIMESTAMPTZ
		);

		CREATE INDEX idx_executions_definition_id ON executions(definition_id);
		CREATE INDEX idx_executions_status ON executions(status);
		CREATE INDEX idx_executions_started_at ON executions(started_at DESC);

		CREATE TABLE step_executions (
			execution_id UUID NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
			step_id VARCHAR(255) NOT NULL,
			status VARCHAR(20) NOT NULL CHECK (status IN ('pending', 'running', 'waiting', 'completed', 'failed', 'skipped')),
			output JSONB,
			error JSONB,
			wait_metadata JSONB,
			attempts INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			PRIMARY KEY (execution_id, step_id)
		);

		CREATE TABLE approval_requests (
			id UUID PRIMARY KEY,
			execution_id UUID NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
			step_id VARCHAR(255) NOT NULL,
			title VARCHAR(255) NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			assignees JSONB NOT NULL DEFAULT '[]',
			status VARCHAR(20) NOT NULL CHECK (status IN ('pending', 'approved', 'rejected', 'expired')),
			deadline TIMESTAMPTZ,
			decided_at TIMESTAMPTZ,
			decided_by VARCHAR(255) NOT NULL DEFAULT '',
			decision_comment TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (execution_id, step_id)
		);

		CREATE INDEX idx_approval_requests_status ON approval_requests(status);

		CREATE TABLE schedules (
			id UUID PRIMARY KEY,
			definition_id UUID NOT NULL REFERENCES definitions(id) ON DELETE CASCADE,
			definition_name VARCHAR(255) NOT NULL,
			trigger_id VARCHAR(255) NOT NULL,
			cron_expression VARCHAR(255) NOT NULL,
			timezone VARCHAR(64) NOT NULL DEFAULT 'UTC',
			description TEXT NOT NULL DEFAULT '',
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			next_run_at TIMESTAMPTZ NOT NULL,
			last_run_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (definition_id, trigger_id)
		);
	`
}

func wakeupIndexes() string {
	return `
		CREATE INDEX idx_executions_resume_at ON executions(resume_at) WHERE status = 'waiting';
		CREATE INDEX idx_approval_requests_deadline ON approval_requests(deadline) WHERE status = 'pending';
		CREATE INDEX idx_schedules_due ON schedules(next_run_at) WHERE enabled;
	`
}
