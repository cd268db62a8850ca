package store

// Both schemas store the event as its canonical JSON; the indexed columns
// exist for ordering, replay protection and ad hoc queries.

const postgresSchema = `
CREATE TABLE IF NOT EXISTS chorus_sessions (
	id              TEXT PRIMARY KEY,
	active_agent_id TEXT NOT NULL DEFAULT '',
	scenario_id     TEXT NOT NULL DEFAULT '',
	next_seq        BIGINT NOT NULL DEFAULT 0,
	created_ms      BIGINT NOT NULL,
	updated_ms      BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS chorus_events (
	session_id TEXT NOT NULL REFERENCES chorus_sessions(id) ON DELETE CASCADE,
	seq        BIGINT NOT NULL,
	kind       TEXT NOT NULL,
	message_id TEXT NOT NULL DEFAULT '',
	body       JSONB NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_chorus_events_message ON chorus_events (session_id, message_id);

CREATE TABLE IF NOT EXISTS chorus_client_messages (
	session_id        TEXT NOT NULL REFERENCES chorus_sessions(id) ON DELETE CASCADE,
	client_message_id TEXT NOT NULL,
	body              JSONB NOT NULL,
	PRIMARY KEY (session_id, client_message_id)
);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS chorus_sessions (
	id              TEXT PRIMARY KEY,
	active_agent_id TEXT NOT NULL DEFAULT '',
	scenario_id     TEXT NOT NULL DEFAULT '',
	next_seq        INTEGER NOT NULL DEFAULT 0,
	created_ms      INTEGER NOT NULL,
	updated_ms      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chorus_events (
	session_id TEXT NOT NULL REFERENCES chorus_sessions(id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	message_id TEXT NOT NULL DEFAULT '',
	body       TEXT NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_chorus_events_message ON chorus_events (session_id, message_id);

CREATE TABLE IF NOT EXISTS chorus_client_messages (
	session_id        TEXT NOT NULL REFERENCES chorus_sessions(id) ON DELETE CASCADE,
	client_message_id TEXT NOT NULL,
	body              TEXT NOT NULL,
	PRIMARY KEY (session_id, client_message_id)
);
`
