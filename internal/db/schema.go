package db

// SchemaVersion is the current database schema version
const SchemaVersion = 3

const schema = `
-- Locally buffered mutations awaiting transmission
CREATE TABLE IF NOT EXISTS pending_items (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    kind TEXT NOT NULL,
    payload TEXT NOT NULL,
    created_at TEXT NOT NULL,
    sent INTEGER NOT NULL DEFAULT 0,
    sent_at TEXT,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_pending_items_kind_sent ON pending_items(kind, sent, seq);

-- Single-row credential cache
CREATE TABLE IF NOT EXISTS credentials (
    slot INTEGER PRIMARY KEY CHECK (slot = 1),
    access_token TEXT NOT NULL,
    refresh_token TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL DEFAULT '',
    updated_at TEXT NOT NULL
);

-- One row per drain run
CREATE TABLE IF NOT EXISTS sync_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at TEXT NOT NULL,
    finished_at TEXT NOT NULL,
    outcome TEXT NOT NULL,
    passes INTEGER NOT NULL DEFAULT 0,
    sent INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
