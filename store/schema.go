package store

// schemaStatements is the full idempotent schema. Statement order matters:
// tables before their indexes, referenced tables before referencing ones.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id            TEXT PRIMARY KEY,
		instruction   TEXT NOT NULL,
		priority      TEXT NOT NULL DEFAULT 'normal',
		state         TEXT NOT NULL DEFAULT 'pending',
		depends_on    TEXT NOT NULL DEFAULT '[]',
		retry_policy  TEXT,
		timeout_ms    INTEGER NOT NULL DEFAULT 0,
		webhook_url   TEXT NOT NULL DEFAULT '',
		metadata      TEXT,
		llm_config    TEXT,
		batch_id      TEXT NOT NULL DEFAULT '',
		retry_count   INTEGER NOT NULL DEFAULT 0,
		created_at    TIMESTAMP NOT NULL,
		updated_at    TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks(priority)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_batch_id ON tasks(batch_id)`,

	`CREATE TABLE IF NOT EXISTS task_results (
		task_id           TEXT PRIMARY KEY REFERENCES tasks(id) ON DELETE CASCADE,
		state             TEXT NOT NULL,
		result            TEXT,
		error             TEXT NOT NULL DEFAULT '',
		started_at        TIMESTAMP,
		completed_at      TIMESTAMP,
		retry_count       INTEGER NOT NULL DEFAULT 0,
		execution_time_ms INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS task_steps (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		tool       TEXT NOT NULL,
		provider   TEXT NOT NULL DEFAULT '',
		model      TEXT NOT NULL DEFAULT '',
		success    INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		detail     TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_steps_task_id ON task_steps(task_id)`,

	`CREATE TABLE IF NOT EXISTS task_batches (
		id          TEXT PRIMARY KEY,
		webhook_url TEXT NOT NULL DEFAULT '',
		parallelism INTEGER NOT NULL DEFAULT 1,
		created_at  TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS routing_overrides (
		tool_pattern TEXT PRIMARY KEY,
		provider     TEXT NOT NULL,
		model        TEXT NOT NULL,
		reason       TEXT NOT NULL DEFAULT '',
		updated_at   TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS router_metrics (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		tool_name      TEXT NOT NULL,
		provider       TEXT NOT NULL,
		model          TEXT NOT NULL,
		success        INTEGER NOT NULL,
		latency_ms     INTEGER NOT NULL DEFAULT 0,
		estimated_cost REAL NOT NULL DEFAULT 0,
		created_at     TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_router_metrics_tool ON router_metrics(tool_name)`,
	`CREATE INDEX IF NOT EXISTS idx_router_metrics_provider_model ON router_metrics(provider, model)`,

	`CREATE TABLE IF NOT EXISTS routing_optimizations (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		tool_name  TEXT NOT NULL,
		from_model TEXT NOT NULL,
		to_model   TEXT NOT NULL,
		reason     TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS downgrade_tests (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		tool_name     TEXT NOT NULL,
		from_model    TEXT NOT NULL,
		to_model      TEXT NOT NULL,
		provider      TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL DEFAULT 'pending',
		sample_size   INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		created_at    TIMESTAMP NOT NULL,
		completed_at  TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS memory_entries (
		id              TEXT PRIMARY KEY,
		type            TEXT NOT NULL,
		session_id      TEXT NOT NULL,
		content         TEXT NOT NULL,
		role            TEXT NOT NULL DEFAULT '',
		metadata        TEXT,
		relevance_score REAL NOT NULL DEFAULT 0.5,
		is_compressed   INTEGER NOT NULL DEFAULT 0,
		compressed_at   TIMESTAMP,
		token_count     INTEGER NOT NULL DEFAULT 0,
		created_at      TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_entries_session ON memory_entries(session_id)`,

	// Reserved for the vector-search collaborator; the core only creates it.
	`CREATE TABLE IF NOT EXISTS memory_vectors (
		entry_id  TEXT PRIMARY KEY REFERENCES memory_entries(id) ON DELETE CASCADE,
		embedding BLOB,
		dims      INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS cross_session_knowledge (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		category   TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cross_session_category ON cross_session_knowledge(category)`,
	`CREATE INDEX IF NOT EXISTS idx_cross_session_key ON cross_session_knowledge(key)`,

	`CREATE TABLE IF NOT EXISTS optimization_snapshots (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id         TEXT NOT NULL DEFAULT '',
		tokens_before      INTEGER NOT NULL,
		tokens_after       INTEGER NOT NULL,
		entries_compressed INTEGER NOT NULL DEFAULT 0,
		entries_dropped    INTEGER NOT NULL DEFAULT 0,
		entries_promoted   INTEGER NOT NULL DEFAULT 0,
		parameters         TEXT,
		created_at         TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS adaptive_parameters (
		key        TEXT PRIMARY KEY,
		value      REAL NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
}
