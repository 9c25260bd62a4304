package rdbms

// SchemaStatements is the shared DDL, made idempotent by IF NOT EXISTS.
// Each backend's Dialect.CreateSchema splits it on ';' and executes the
// statements in order (sqlitestore inside one transaction).
const SchemaStatements = `
CREATE TABLE IF NOT EXISTS records (
	type             VARCHAR(128) NOT NULL,
	logical_id       VARCHAR(255) NOT NULL,
	version          BIGINT NOT NULL,
	is_current       TINYINT NOT NULL DEFAULT 0,
	is_deleted       TINYINT NOT NULL DEFAULT 0,
	last_modified    DATETIME NOT NULL,
	request_method   VARCHAR(16) NOT NULL,
	raw_bytes        LONGBLOB,
	meta_embedded    TINYINT NOT NULL DEFAULT 0,
	search_param_hash VARCHAR(64) NOT NULL DEFAULT '',
	row_version      VARCHAR(36) NOT NULL,
	PRIMARY KEY (type, logical_id, version)
);

CREATE TABLE IF NOT EXISTS index_rows (
	type            VARCHAR(128) NOT NULL,
	logical_id      VARCHAR(255) NOT NULL,
	param_name      VARCHAR(128) NOT NULL,
	family          VARCHAR(16) NOT NULL,
	token_system    VARCHAR(255) NOT NULL DEFAULT '',
	token_code      VARCHAR(255) NOT NULL DEFAULT '',
	string_value    VARCHAR(512) NOT NULL DEFAULT '',
	reference_type  VARCHAR(128) NOT NULL DEFAULT '',
	reference_id    VARCHAR(255) NOT NULL DEFAULT '',
	quantity_value  DOUBLE NOT NULL DEFAULT 0,
	quantity_system VARCHAR(255) NOT NULL DEFAULT '',
	quantity_code   VARCHAR(255) NOT NULL DEFAULT '',
	date_start      DATETIME,
	date_end        DATETIME,
	numeric_value   DOUBLE NOT NULL DEFAULT 0,
	uri_value       VARCHAR(512) NOT NULL DEFAULT '',
	composite_json  LONGBLOB
);

CREATE INDEX IF NOT EXISTS idx_index_rows_lookup ON index_rows (type, logical_id);

CREATE TABLE IF NOT EXISTS reindex_jobs (
	id              VARCHAR(36) PRIMARY KEY,
	status          VARCHAR(16) NOT NULL,
	etag            VARCHAR(36) NOT NULL,
	heartbeat_at    DATETIME,
	params_json     LONGBLOB NOT NULL,
	counts_json     LONGBLOB NOT NULL,
	continuation    VARCHAR(1024) NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	last_modified   DATETIME NOT NULL,
	canceled_at     DATETIME,
	failure_note    VARCHAR(1024) NOT NULL DEFAULT ''
);
`
