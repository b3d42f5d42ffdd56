package cache

// migration is one schema step applied in version order
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations. Times are stored as
// unix milliseconds in UTC.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);

-- Accounts are keyed by canonical key, never by email address
CREATE TABLE IF NOT EXISTS accounts (
    key TEXT PRIMARY KEY,
    email TEXT NOT NULL,
    provider TEXT NOT NULL DEFAULT '',
    is_default INTEGER NOT NULL DEFAULT 0,
    last_sync INTEGER,
    sync_status TEXT NOT NULL DEFAULT 'idle',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

-- Folders are unique per (account, name)
CREATE TABLE IF NOT EXISTS folders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_key TEXT NOT NULL,
    name TEXT NOT NULL,
    display_name TEXT NOT NULL DEFAULT '',
    parent TEXT NOT NULL DEFAULT '',
    delimiter TEXT NOT NULL DEFAULT '',
    selectable INTEGER NOT NULL DEFAULT 1,
    message_count INTEGER NOT NULL DEFAULT 0,
    unread_count INTEGER NOT NULL DEFAULT 0,
    uid_validity INTEGER NOT NULL DEFAULT 0,
    uid_next INTEGER NOT NULL DEFAULT 0,
    watermark INTEGER NOT NULL DEFAULT 0,
    last_synced INTEGER,
    FOREIGN KEY (account_key) REFERENCES accounts(key) ON DELETE CASCADE,
    UNIQUE(account_key, name)
);

-- Messages are unique per (account, folder, uid). removed_at marks rows
-- the server no longer reports; cleanup hard-deletes them later.
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_key TEXT NOT NULL,
    folder_id INTEGER NOT NULL,
    uid INTEGER NOT NULL,
    seq_num INTEGER NOT NULL DEFAULT 0,
    message_id TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL DEFAULT '',
    sender_name TEXT NOT NULL DEFAULT '',
    sender_email TEXT NOT NULL DEFAULT '',
    recipients TEXT NOT NULL DEFAULT '{}',
    date INTEGER NOT NULL,
    size INTEGER NOT NULL DEFAULT 0,
    is_read INTEGER NOT NULL DEFAULT 0,
    is_flagged INTEGER NOT NULL DEFAULT 0,
    is_deleted INTEGER NOT NULL DEFAULT 0,
    body_fetched INTEGER NOT NULL DEFAULT 0,
    removed_at INTEGER,
    cached_at INTEGER NOT NULL,
    FOREIGN KEY (account_key) REFERENCES accounts(key) ON DELETE CASCADE,
    FOREIGN KEY (folder_id) REFERENCES folders(id) ON DELETE CASCADE,
    UNIQUE(account_key, folder_id, uid)
);

CREATE TABLE IF NOT EXISTS message_contents (
    message_id INTEGER PRIMARY KEY,
    body_text TEXT NOT NULL DEFAULT '',
    body_html TEXT NOT NULL DEFAULT '',
    fetched_at INTEGER NOT NULL,
    FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS attachments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id INTEGER NOT NULL,
    filename TEXT NOT NULL DEFAULT '',
    content_type TEXT NOT NULL DEFAULT '',
    size INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
);

-- Append-only sync attempt log
CREATE TABLE IF NOT EXISTS sync_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    attempt_id TEXT NOT NULL,
    account_key TEXT NOT NULL,
    kind TEXT NOT NULL,
    started_at INTEGER NOT NULL,
    finished_at INTEGER NOT NULL,
    messages_synced INTEGER NOT NULL DEFAULT 0,
    success INTEGER NOT NULL,
    error_kind TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_messages_folder_date ON messages(folder_id, date);
CREATE INDEX IF NOT EXISTS idx_messages_account ON messages(account_key);
CREATE INDEX IF NOT EXISTS idx_messages_removed ON messages(removed_at);
CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id);
CREATE INDEX IF NOT EXISTS idx_sync_events_account ON sync_events(account_key, started_at);

-- Full-text index over subject, sender and body. rowid is messages.id.
CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
    subject,
    sender_name,
    sender_email,
    body_text
);

CREATE TRIGGER IF NOT EXISTS messages_fts_insert AFTER INSERT ON messages BEGIN
    INSERT INTO messages_fts(rowid, subject, sender_name, sender_email, body_text)
    VALUES (new.id, new.subject, new.sender_name, new.sender_email, '');
END;

CREATE TRIGGER IF NOT EXISTS messages_fts_update AFTER UPDATE OF subject, sender_name, sender_email ON messages BEGIN
    UPDATE messages_fts SET
        subject = new.subject,
        sender_name = new.sender_name,
        sender_email = new.sender_email
    WHERE rowid = new.id;
END;

CREATE TRIGGER IF NOT EXISTS messages_fts_delete AFTER DELETE ON messages BEGIN
    DELETE FROM messages_fts WHERE rowid = old.id;
END;

CREATE TRIGGER IF NOT EXISTS contents_fts_insert AFTER INSERT ON message_contents BEGIN
    UPDATE messages_fts SET body_text = new.body_text WHERE rowid = new.message_id;
END;

CREATE TRIGGER IF NOT EXISTS contents_fts_update AFTER UPDATE ON message_contents BEGIN
    UPDATE messages_fts SET body_text = new.body_text WHERE rowid = new.message_id;
END;

CREATE TRIGGER IF NOT EXISTS contents_fts_delete AFTER DELETE ON message_contents BEGIN
    UPDATE messages_fts SET body_text = '' WHERE rowid = old.message_id;
END;

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
