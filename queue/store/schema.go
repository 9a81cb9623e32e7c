// Package store holds the persisted schema shared by the concrete
// queue.Store drivers (queue/store/postgres, queue/store/memstore).
package store

// Schema is the Postgres DDL the postgres driver expects to already
// exist (migrations are out of scope for this module; an operator
// applies this via their own migration tool). It is kept here as a
// single source of truth for table/column names referenced by both
// drivers and by dlq-replay/dlq-purge tooling.
const Schema = `
CREATE TABLE IF NOT EXISTS messages (
	message_id      TEXT PRIMARY KEY,
	org_id          TEXT NOT NULL,
	agent_id        TEXT,
	type            TEXT NOT NULL,
	priority        SMALLINT NOT NULL,
	status          TEXT NOT NULL,
	schema_version  TEXT NOT NULL,
	dedup_key       TEXT,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS message_events (
	id          BIGSERIAL PRIMARY KEY,
	message_id  TEXT NOT NULL,
	org_id      TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	details     JSONB,
	created_at  TIMESTAMPTZ NOT NULL,
	UNIQUE (message_id, event_type, created_at)
);

CREATE TABLE IF NOT EXISTS dlq_messages (
	id               BIGSERIAL PRIMARY KEY,
	org_id           TEXT NOT NULL,
	message_id       TEXT NOT NULL,
	original_message JSONB NOT NULL,
	error_history    JSONB NOT NULL,
	can_replay       BOOLEAN NOT NULL DEFAULT true,
	reason           TEXT,
	dlq_timestamp    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	org_id      TEXT NOT NULL,
	dedup_key   TEXT NOT NULL,
	message_id  TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (org_id, dedup_key)
);

CREATE TABLE IF NOT EXISTS poison_counters (
	org_id     TEXT NOT NULL,
	dedup_key  TEXT NOT NULL,
	count      INT NOT NULL DEFAULT 0,
	PRIMARY KEY (org_id, dedup_key)
);
`
