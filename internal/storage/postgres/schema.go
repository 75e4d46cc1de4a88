package postgres

// Schema creates the tables the pipeline relies on. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS customers (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	email           TEXT,
	total_spending  DOUBLE PRECISION NOT NULL DEFAULT 0,
	count_visits    INTEGER NOT NULL DEFAULT 0,
	last_active_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS segments (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	expression  TEXT NOT NULL,
	owner_id    TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS campaigns (
	id                TEXT PRIMARY KEY,
	title             TEXT NOT NULL,
	segment_id        TEXT REFERENCES segments (id),
	owner_id          TEXT,
	message_template  TEXT NOT NULL,
	customer_ids      TEXT[] NOT NULL DEFAULT '{}',
	audience_size     INTEGER NOT NULL DEFAULT 0,
	intent            TEXT,
	status            TEXT NOT NULL DEFAULT 'pending',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS messages (
	id                 TEXT PRIMARY KEY,
	campaign_id        TEXT NOT NULL REFERENCES campaigns (id) ON DELETE CASCADE,
	customer_id        TEXT NOT NULL,
	text               TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'PENDING',
	vendor_message_id  TEXT,
	delivered_at       TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ,
	UNIQUE (campaign_id, customer_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS messages_vendor_message_id_key
	ON messages (vendor_message_id) WHERE vendor_message_id IS NOT NULL;

CREATE INDEX IF NOT EXISTS messages_campaign_status_idx
	ON messages (campaign_id, status);
`
