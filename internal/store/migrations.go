package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS processing_runs (
	id           TEXT PRIMARY KEY,
	principal    TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending'
		CHECK(status IN ('pending', 'in_progress', 'paused', 'completed', 'failed')),
	total        INTEGER NOT NULL DEFAULT 0,
	processed    INTEGER NOT NULL DEFAULT 0,
	generated    INTEGER NOT NULL DEFAULT 0,
	applied      INTEGER NOT NULL DEFAULT 0,
	folder       TEXT NOT NULL DEFAULT 'INBOX',
	cursor       TEXT NOT NULL DEFAULT '',
	error_log    TEXT NOT NULL DEFAULT '[]',
	created_at   DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS suggestions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT NOT NULL REFERENCES processing_runs(id) ON DELETE CASCADE,
	item_id    TEXT NOT NULL,
	labels     TEXT NOT NULL DEFAULT '[]',
	status     TEXT NOT NULL DEFAULT 'pending'
		CHECK(status IN ('pending', 'approved', 'rejected', 'applied', 'no_match')),
	created_at DATETIME NOT NULL,
	UNIQUE(run_id, item_id)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL REFERENCES processing_runs(id) ON DELETE CASCADE,
	suggestion_id INTEGER NOT NULL,
	op            TEXT NOT NULL,
	item_id       TEXT NOT NULL,
	label         TEXT NOT NULL,
	attempted_at  DATETIME NOT NULL,
	success       INTEGER NOT NULL DEFAULT 0 CHECK(success IN (0, 1)),
	synced        INTEGER NOT NULL DEFAULT 0 CHECK(synced IN (0, 1)),
	error_message TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	principal     TEXT NOT NULL,
	state         TEXT NOT NULL,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL,
	last_activity DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS folder_cache (
	principal  TEXT NOT NULL,
	name       TEXT NOT NULL,
	delimiter  TEXT NOT NULL DEFAULT '',
	attributes TEXT NOT NULL DEFAULT '[]',
	cached_at  DATETIME NOT NULL,
	PRIMARY KEY (principal, name)
);

CREATE INDEX IF NOT EXISTS idx_runs_principal ON processing_runs(principal);
CREATE INDEX IF NOT EXISTS idx_runs_status ON processing_runs(status);
CREATE INDEX IF NOT EXISTS idx_suggestions_run ON suggestions(run_id);
CREATE INDEX IF NOT EXISTS idx_suggestions_item ON suggestions(item_id);
CREATE INDEX IF NOT EXISTS idx_audit_run ON audit_log(run_id);
CREATE INDEX IF NOT EXISTS idx_sessions_principal ON sessions(principal);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_suggestions_run_status
	ON suggestions(run_id, status);

CREATE INDEX IF NOT EXISTS idx_runs_principal_status
	ON processing_runs(principal, status);

CREATE INDEX IF NOT EXISTS idx_audit_synced
	ON audit_log(synced);

CREATE INDEX IF NOT EXISTS idx_runs_created
	ON processing_runs(created_at);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
