package store

const schemaSQL = `
CREATE TABLE IF NOT EXISTS session_records (
    session_id     TEXT PRIMARY KEY,
    start_time     TEXT NOT NULL,
    end_time       TEXT NOT NULL,
    total_tokens   INTEGER NOT NULL,
    task_type      TEXT,
    complexity     TEXT,
    implicit_end   INTEGER NOT NULL DEFAULT 0,
    archived_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS band_events (
    id             TEXT PRIMARY KEY,
    session_id     TEXT NOT NULL,
    band           TEXT NOT NULL,
    at             TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS compactions (
    id             TEXT PRIMARY KEY,
    session_id     TEXT NOT NULL,
    categories     TEXT NOT NULL,
    removed_tokens INTEGER NOT NULL,
    at             TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_end ON session_records(end_time);
CREATE INDEX IF NOT EXISTS idx_band_session ON band_events(session_id);
`
