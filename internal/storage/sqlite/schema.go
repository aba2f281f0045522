package sqlite

// schema is applied on every open; all statements are idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS events (
    id        TEXT PRIMARY KEY,
    type      TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    severity  TEXT NOT NULL,
    thread_id INTEGER,
    message   TEXT NOT NULL,
    data      TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);

CREATE TABLE IF NOT EXISTS recoveries (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    at        TEXT NOT NULL,
    action    TEXT NOT NULL,
    thread_id INTEGER,
    outcome   TEXT NOT NULL,
    reason    TEXT
);

CREATE TABLE IF NOT EXISTS incidents (
    id           TEXT PRIMARY KEY,
    timestamp    TEXT NOT NULL,
    reason       TEXT NOT NULL,
    process_name TEXT NOT NULL,
    pid          INTEGER,
    path         TEXT,
    payload      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_incidents_timestamp ON incidents(timestamp);
`
