package store

// Schema shared by both backends. Types stay in the portable subset
// (TEXT, INTEGER, REAL); timestamps are ISO-8601 strings, matching the
// event payloads so projections never reformat.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id         TEXT PRIMARY KEY,
		trace_id   TEXT NOT NULL DEFAULT '',
		timestamp  TEXT NOT NULL,
		event_type TEXT NOT NULL,
		intent_id  TEXT,
		agent_id   TEXT,
		tenant_id  TEXT,
		payload    TEXT NOT NULL,
		evidence   TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type)`,
	`CREATE INDEX IF NOT EXISTS idx_events_intent ON events(intent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_agent ON events(agent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_tenant ON events(tenant_id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`,

	`CREATE TABLE IF NOT EXISTS intents (
		id              TEXT PRIMARY KEY,
		source          TEXT NOT NULL,
		target          TEXT NOT NULL,
		status          TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		created_by      TEXT NOT NULL DEFAULT 'system',
		risk_level      TEXT NOT NULL DEFAULT 'medium',
		priority        INTEGER NOT NULL DEFAULT 3,
		semantic        TEXT NOT NULL DEFAULT '{}',
		technical       TEXT NOT NULL DEFAULT '{}',
		checks_required TEXT NOT NULL DEFAULT '[]',
		dependencies    TEXT NOT NULL DEFAULT '[]',
		retries         INTEGER NOT NULL DEFAULT 0,
		tenant_id       TEXT,
		updated_at      TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_intents_status ON intents(status)`,
	`CREATE INDEX IF NOT EXISTS idx_intents_tenant ON intents(tenant_id)`,

	`CREATE TABLE IF NOT EXISTS agent_policies (
		agent_id   TEXT NOT NULL,
		tenant_id  TEXT NOT NULL DEFAULT '',
		data       TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (agent_id, tenant_id)
	)`,

	`CREATE TABLE IF NOT EXISTS compliance_thresholds (
		tenant_id  TEXT PRIMARY KEY,
		data       TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS risk_policies (
		id         TEXT PRIMARY KEY,
		tenant_id  TEXT NOT NULL DEFAULT '',
		version    INTEGER NOT NULL,
		data       TEXT NOT NULL,
		active     INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_risk_policies_tenant ON risk_policies(tenant_id, version)`,

	`CREATE TABLE IF NOT EXISTS queue_locks (
		name        TEXT PRIMARY KEY,
		holder      TEXT NOT NULL,
		acquired_at TEXT NOT NULL,
		expires_at  TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS webhook_deliveries (
		delivery_id TEXT PRIMARY KEY,
		event_type  TEXT NOT NULL,
		received_at TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'accepted'
	)`,

	`CREATE TABLE IF NOT EXISTS intent_commit_links (
		intent_id  TEXT NOT NULL,
		repo       TEXT NOT NULL DEFAULT '',
		sha        TEXT NOT NULL,
		role       TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (intent_id, sha, role)
	)`,

	`CREATE TABLE IF NOT EXISTS intent_embeddings (
		intent_id  TEXT NOT NULL,
		model      TEXT NOT NULL,
		vector     TEXT NOT NULL,
		dim        INTEGER NOT NULL,
		checksum   TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		PRIMARY KEY (intent_id, model)
	)`,

	`CREATE TABLE IF NOT EXISTS review_tasks (
		id           TEXT PRIMARY KEY,
		intent_id    TEXT NOT NULL,
		tenant_id    TEXT,
		status       TEXT NOT NULL,
		risk_level   TEXT NOT NULL,
		assignee     TEXT,
		reason       TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL,
		due_at       TEXT NOT NULL,
		completed_at TEXT,
		decision     TEXT,
		decided_by   TEXT,
		notes        TEXT,
		context      TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_review_tasks_status ON review_tasks(status)`,
	`CREATE INDEX IF NOT EXISTS idx_review_tasks_intent ON review_tasks(intent_id)`,

	`CREATE TABLE IF NOT EXISTS security_findings (
		id          TEXT PRIMARY KEY,
		intent_id   TEXT NOT NULL,
		tenant_id   TEXT,
		scan_id     TEXT NOT NULL,
		rule_id     TEXT NOT NULL,
		severity    TEXT NOT NULL,
		file        TEXT NOT NULL,
		line        INTEGER NOT NULL DEFAULT 0,
		snippet     TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL DEFAULT 'open',
		created_at  TEXT NOT NULL,
		resolved_at TEXT,
		metadata    TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_security_findings_intent ON security_findings(intent_id)`,

	`CREATE TABLE IF NOT EXISTS event_chain_state (
		chain_id    TEXT PRIMARY KEY,
		head_hash   TEXT NOT NULL,
		event_count INTEGER NOT NULL DEFAULT 0,
		updated_at  TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS intake_overrides (
		tenant_id  TEXT PRIMARY KEY,
		mode       TEXT NOT NULL,
		set_by     TEXT NOT NULL DEFAULT '',
		reason     TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	)`,
}
