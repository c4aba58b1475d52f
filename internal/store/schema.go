package store

const schemaSQL = `
CREATE TABLE IF NOT EXISTS tail_offsets (
    path                 TEXT PRIMARY KEY,
    byte_offset          INTEGER NOT NULL,
    updated_at           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS records (
    id                   TEXT PRIMARY KEY,
    timestamp            TEXT NOT NULL,
    provider             TEXT NOT NULL,
    model                TEXT NOT NULL,
    input_tokens         INTEGER NOT NULL,
    output_tokens        INTEGER NOT NULL,
    cost_usd             REAL NOT NULL,
    latency_ms           INTEGER,
    status               TEXT NOT NULL,
    error_message        TEXT,
    task_context         TEXT,
    tools_used           TEXT NOT NULL DEFAULT '[]',
    prompt_messages      TEXT NOT NULL DEFAULT '[]',
    response_text        TEXT,
    user_id              TEXT,
    token_source         TEXT,
    stored_at            TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_timestamp ON records(timestamp);
CREATE INDEX IF NOT EXISTS idx_records_model ON records(model);
`
