// ABOUTME: Database schema definitions for the sync state store
// ABOUTME: Contact index, source id lookup, sync state, push errors, submissions and run log
package db

import (
	"database/sql"
)

const schema = `
CREATE TABLE IF NOT EXISTS contact_state (
	merge_key TEXT PRIMARY KEY,
	internal_id TEXT NOT NULL,
	source_ids TEXT NOT NULL DEFAULT '{}',
	content_hash TEXT NOT NULL,
	source_timestamps TEXT NOT NULL DEFAULT '{}',
	source_hashes TEXT NOT NULL DEFAULT '{}',
	contact TEXT NOT NULL,
	last_synced_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_contact_state_internal_id ON contact_state(internal_id);

CREATE TABLE IF NOT EXISTS contact_sources (
	source TEXT NOT NULL,
	native_id TEXT NOT NULL,
	merge_key TEXT NOT NULL,
	PRIMARY KEY (source, native_id),
	FOREIGN KEY (merge_key) REFERENCES contact_state(merge_key) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_contact_sources_merge_key ON contact_sources(merge_key);

CREATE TABLE IF NOT EXISTS sync_state (
	service TEXT PRIMARY KEY,
	last_sync_time DATETIME,
	last_sync_token TEXT,
	status TEXT NOT NULL DEFAULT 'idle' CHECK(status IN ('idle', 'syncing', 'error', 'stale')),
	error_message TEXT,
	error_kind TEXT,
	error_count INTEGER NOT NULL DEFAULT 0,
	last_error_at DATETIME,
	retry_after DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS push_errors (
	merge_key TEXT NOT NULL,
	source TEXT NOT NULL,
	kind TEXT NOT NULL,
	message TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (merge_key, source)
);

CREATE INDEX IF NOT EXISTS idx_push_errors_source ON push_errors(source);

CREATE TABLE IF NOT EXISTS form_submissions (
	id TEXT PRIMARY KEY,
	email TEXT,
	payload TEXT NOT NULL,
	received_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_form_submissions_email ON form_submissions(email);

CREATE TABLE IF NOT EXISTS sync_runs (
	id TEXT PRIMARY KEY,
	scope TEXT NOT NULL,
	reason TEXT NOT NULL,
	state TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	finished_at DATETIME,
	fetched INTEGER NOT NULL DEFAULT 0,
	changed INTEGER NOT NULL DEFAULT 0,
	pushed INTEGER NOT NULL DEFAULT 0,
	push_failures INTEGER NOT NULL DEFAULT 0,
	error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_started_at ON sync_runs(started_at DESC);
`

// InitSchema creates all tables if they do not exist.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
