// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

const (
	// SchemaVersion tracks the queue schema version for migrations
	SchemaVersion = 1
)

// Schema is the SQLite schema for the offline action queue.
// AUTOINCREMENT keeps ids monotonic: a removed id is never handed out again,
// so ORDER BY id is enqueue order even across restarts.
const Schema = `
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS offline_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,            -- send_message, delete_conversation, update_settings
    payload TEXT NOT NULL,         -- JSON
    retry_count INTEGER NOT NULL DEFAULT 0,
    enqueued_at INTEGER NOT NULL   -- Unix milliseconds
);

CREATE INDEX IF NOT EXISTS idx_offline_queue_kind ON offline_queue(kind);
`

// InitMetadata seeds the metadata table.
const InitMetadata = `
INSERT OR IGNORE INTO metadata (key, value) VALUES ('schema_version', '1');
INSERT OR IGNORE INTO metadata (key, value) VALUES ('created_at', strftime('%s', 'now'));
`
