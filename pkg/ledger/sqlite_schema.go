package ledger

// SchemaVersion is the current ledger schema version.
const SchemaVersion = 1

// Schema creates the call log tables and indexes.
//
// Costs are stored as INTEGER micro-dollars; timestamps as unix
// nanoseconds. Indexes cover the three hot query shapes: per-subject
// cost sums over a time range, per-endpoint outcome listings, and
// retention deletes by age.
const Schema = `
CREATE TABLE IF NOT EXISTS calls (
	id                TEXT PRIMARY KEY,
	time              INTEGER NOT NULL,
	key_id            TEXT NOT NULL DEFAULT '',
	user_id           TEXT NOT NULL DEFAULT '',
	vendor_id         TEXT NOT NULL DEFAULT '',
	endpoint_id       TEXT NOT NULL DEFAULT '',
	provider_type     TEXT NOT NULL DEFAULT '',
	ok                INTEGER NOT NULL,
	status_code       INTEGER NOT NULL DEFAULT 0,
	latency_ms        INTEGER NOT NULL DEFAULT 0,
	error_type        TEXT NOT NULL DEFAULT '',
	source            TEXT NOT NULL DEFAULT 'auto',
	cost_micros       INTEGER NOT NULL DEFAULT 0,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_calls_time ON calls(time);
CREATE INDEX IF NOT EXISTS idx_calls_key_time ON calls(key_id, time);
CREATE INDEX IF NOT EXISTS idx_calls_user_time ON calls(user_id, time);
CREATE INDEX IF NOT EXISTS idx_calls_endpoint_time ON calls(endpoint_id, time);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY
);
`

// InsertSchemaVersion records the schema version, ignoring duplicates.
const InsertSchemaVersion = `INSERT OR IGNORE INTO schema_version (version) VALUES (?)`

// GetSchemaVersion reads the highest recorded schema version.
const GetSchemaVersion = `SELECT MAX(version) FROM schema_version`
