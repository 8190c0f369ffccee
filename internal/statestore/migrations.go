package statestore

const schema = `
CREATE TABLE IF NOT EXISTS run_state (
    run_id TEXT PRIMARY KEY,
    version INTEGER NOT NULL,
    status TEXT NOT NULL,
    pipeline TEXT NOT NULL,
    payload TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_run_state_status ON run_state(status);
CREATE INDEX IF NOT EXISTS idx_run_state_pipeline ON run_state(pipeline);

CREATE TABLE IF NOT EXISTS run_state_history (
    run_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    payload TEXT NOT NULL,
    saved_at TIMESTAMP NOT NULL,
    PRIMARY KEY (run_id, version)
);

CREATE TABLE IF NOT EXISTS phase_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    phase TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    session_id TEXT,
    outcome TEXT NOT NULL,
    duration_ms INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (run_id, phase, attempt)
);

CREATE INDEX IF NOT EXISTS idx_phase_records_run_id ON phase_records(run_id);

CREATE TABLE IF NOT EXISTS dead_letters (
    run_id TEXT PRIMARY KEY,
    phase TEXT NOT NULL,
    request TEXT NOT NULL,
    error TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
`
