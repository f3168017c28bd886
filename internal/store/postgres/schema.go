package postgres

const outboxSchema = `
CREATE TABLE IF NOT EXISTS mq_messages (
	id BIGSERIAL PRIMARY KEY,
	message_id VARCHAR(64) NOT NULL UNIQUE,
	topic VARCHAR(255) NOT NULL,
	data TEXT NOT NULL,
	options TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	error TEXT,
	retry_count INT NOT NULL DEFAULT 0,
	locked_at TIMESTAMPTZ,
	locked_by TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_mq_messages_status_created ON mq_messages (status, created_at);
CREATE INDEX IF NOT EXISTS idx_mq_messages_status_updated ON mq_messages (status, updated_at);
`

const consumptionSchema = `
CREATE TABLE IF NOT EXISTS mq_consumption_records (
	id BIGSERIAL PRIMARY KEY,
	message_id VARCHAR(64) NOT NULL UNIQUE,
	topic VARCHAR(255),
	data TEXT,
	status TEXT NOT NULL DEFAULT 'processing',
	error TEXT,
	locked_at TIMESTAMPTZ,
	locked_by TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_mq_consumption_status ON mq_consumption_records (status, updated_at);
`
