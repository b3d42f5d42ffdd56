package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailcore/internal/config"
	"github.com/brandon/mailcore/internal/identity"
	"github.com/brandon/mailcore/internal/mailerr"
	"github.com/brandon/mailcore/pkg/types"
)

// Store provides methods for storing and retrieving data from the cache
type Store struct {
	cache  *Cache
	logger *logrus.Logger
	now    func() time.Time
}

// NewStore creates a new store instance
func NewStore(cache *Cache, logger *logrus.Logger) *Store {
	return &Store{
		cache:  cache,
		logger: logger,
		now:    time.Now,
	}
}

func (s *Store) db() *sqlx.DB {
	return s.cache.DB()
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type accountRow struct {
	Key        string        `db:"key"`
	Email      string        `db:"email"`
	Provider   string        `db:"provider"`
	IsDefault  bool          `db:"is_default"`
	LastSync   sql.NullInt64 `db:"last_sync"`
	SyncStatus string        `db:"sync_status"`
}

func (r accountRow) toAccount() types.Account {
	return types.Account{
		Key:        r.Key,
		Email:      r.Email,
		Provider:   r.Provider,
		IsDefault:  r.IsDefault,
		LastSync:   nullTime(r.LastSync),
		SyncStatus: types.SyncStatus(r.SyncStatus),
	}
}

// UpsertAccount mirrors a configured account. Sync state is left untouched.
// A key stays bound to the mailbox it was first cached for: configuring it
// for a different address fails instead of serving the old mailbox's rows
// under the new one.
func (s *Store) UpsertAccount(ctx context.Context, acc *config.AccountConfig) error {
	var bound string
	err := s.db().GetContext(ctx, &bound, "SELECT email FROM accounts WHERE key = ?", acc.Key)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to read account binding: %w", err)
	case !strings.EqualFold(strings.TrimSpace(bound), strings.TrimSpace(acc.Email)):
		return mailerr.Errorf(mailerr.KindInvalid, "upsert account",
			"account key %s is bound to %s in the cache but configured for %s; set an explicit KEY for this account or remove the cache",
			acc.Key, identity.MaskEmail(bound), identity.MaskEmail(acc.Email))
	}

	now := toMillis(s.now())
	_, err = s.db().ExecContext(ctx, `
		INSERT INTO accounts (key, email, provider, is_default, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			email = excluded.email,
			provider = excluded.provider,
			is_default = excluded.is_default,
			updated_at = excluded.updated_at
	`, acc.Key, acc.Email, acc.Provider, boolInt(acc.Default), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

const accountColumns = `key, email, provider, is_default, last_sync, sync_status`

// GetAccount returns the cached account for key
func (s *Store) GetAccount(ctx context.Context, key string) (*types.Account, error) {
	var row accountRow
	err := s.db().GetContext(ctx, &row, "SELECT "+accountColumns+" FROM accounts WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mailerr.Errorf(mailerr.KindNotFound, "get account", "account %s not cached", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	acc := row.toAccount()
	return &acc, nil
}

// ListAccounts returns every cached account ordered by key
func (s *Store) ListAccounts(ctx context.Context) ([]types.Account, error) {
	var rows []accountRow
	if err := s.db().SelectContext(ctx, &rows, "SELECT "+accountColumns+" FROM accounts ORDER BY key"); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	accounts := make([]types.Account, len(rows))
	for i, r := range rows {
		accounts[i] = r.toAccount()
	}
	return accounts, nil
}

// UpdateAccountSync records the sync status. lastSync is only written when
// non-nil, so a failed attempt keeps the previous success time.
func (s *Store) UpdateAccountSync(ctx context.Context, key string, status types.SyncStatus, lastSync *time.Time) error {
	var err error
	if lastSync != nil {
		_, err = s.db().ExecContext(ctx,
			"UPDATE accounts SET sync_status = ?, last_sync = ?, updated_at = ? WHERE key = ?",
			string(status), toMillis(*lastSync), toMillis(s.now()), key)
	} else {
		_, err = s.db().ExecContext(ctx,
			"UPDATE accounts SET sync_status = ?, updated_at = ? WHERE key = ?",
			string(status), toMillis(s.now()), key)
	}
	if err != nil {
		return fmt.Errorf("failed to update account sync state: %w", err)
	}
	return nil
}

type folderRow struct {
	ID           int64         `db:"id"`
	AccountKey   string        `db:"account_key"`
	Name         string        `db:"name"`
	DisplayName  string        `db:"display_name"`
	Parent       string        `db:"parent"`
	Delimiter    string        `db:"delimiter"`
	Selectable   bool          `db:"selectable"`
	MessageCount int           `db:"message_count"`
	UnreadCount  int           `db:"unread_count"`
	UIDValidity  uint32        `db:"uid_validity"`
	UIDNext      uint32        `db:"uid_next"`
	Watermark    uint32        `db:"watermark"`
	LastSynced   sql.NullInt64 `db:"last_synced"`
}

func (r folderRow) toFolder() types.Folder {
	return types.Folder{
		ID:          r.ID,
		AccountKey:  r.AccountKey,
		Name:        r.Name,
		DisplayName: r.DisplayName,
		Parent:      r.Parent,
		Delimiter:   r.Delimiter,
		Selectable:  r.Selectable,
		Messages:    r.MessageCount,
		Unread:      r.UnreadCount,
		UIDValidity: r.UIDValidity,
		UIDNext:     r.UIDNext,
		Watermark:   r.Watermark,
		LastSynced:  nullTime(r.LastSynced),
	}
}

const folderColumns = `id, account_key, name, display_name, parent, delimiter, selectable,
	message_count, unread_count, uid_validity, uid_next, watermark, last_synced`

// UpsertFolder records a folder discovered on the server and returns its
// row id. Sync state (watermark, UIDVALIDITY, last_synced) is not changed.
func (s *Store) UpsertFolder(ctx context.Context, f *types.Folder) (int64, error) {
	display := f.DisplayName
	if display == "" {
		display = f.Name
	}
	var id int64
	err := s.db().GetContext(ctx, &id, `
		INSERT INTO folders (account_key, name, display_name, parent, delimiter, selectable, message_count, unread_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_key, name) DO UPDATE SET
			display_name = excluded.display_name,
			parent = excluded.parent,
			delimiter = excluded.delimiter,
			selectable = excluded.selectable,
			message_count = CASE WHEN excluded.message_count > 0 THEN excluded.message_count ELSE folders.message_count END,
			unread_count = CASE WHEN excluded.message_count > 0 THEN excluded.unread_count ELSE folders.unread_count END
		RETURNING id
	`, f.AccountKey, f.Name, display, f.Parent, f.Delimiter, boolInt(f.Selectable), f.Messages, f.Unread)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert folder: %w", err)
	}
	return id, nil
}

// GetFolder looks a folder up by (account key, name). An exact name match
// wins; otherwise the account's folders are compared by normalized name.
func (s *Store) GetFolder(ctx context.Context, accountKey, name string) (*types.Folder, error) {
	var row folderRow
	err := s.db().GetContext(ctx, &row,
		"SELECT "+folderColumns+" FROM folders WHERE account_key = ? AND name = ?", accountKey, name)
	if err == nil {
		f := row.toFolder()
		return &f, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}

	folders, err := s.ListFolders(ctx, accountKey)
	if err != nil {
		return nil, err
	}
	for i := range folders {
		if identity.SameFolder(folders[i].Name, name) {
			return &folders[i], nil
		}
	}
	return nil, mailerr.Errorf(mailerr.KindNotFound, "get folder", "folder %q not cached for account %s", name, accountKey)
}

// ListFolders lists the cached folders of one account
func (s *Store) ListFolders(ctx context.Context, accountKey string) ([]types.Folder, error) {
	var rows []folderRow
	err := s.db().SelectContext(ctx, &rows,
		"SELECT "+folderColumns+" FROM folders WHERE account_key = ? ORDER BY name", accountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query folders: %w", err)
	}
	folders := make([]types.Folder, len(rows))
	for i, r := range rows {
		folders[i] = r.toFolder()
	}
	return folders, nil
}

// FolderFreshness returns when the folder was last synced, or nil when it
// never was or is not cached
func (s *Store) FolderFreshness(ctx context.Context, accountKey, name string) (*time.Time, error) {
	f, err := s.GetFolder(ctx, accountKey, name)
	if mailerr.Is(err, mailerr.KindNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return f.LastSynced, nil
}

// FolderSyncState is what a completed folder pass records
type FolderSyncState struct {
	UIDValidity uint32
	UIDNext     uint32
	Watermark   uint32
	Messages    int
	Unread      int
	SyncedAt    time.Time
}

// SetFolderSyncState records the result of a folder pass
func (s *Store) SetFolderSyncState(ctx context.Context, folderID int64, st FolderSyncState) error {
	_, err := s.db().ExecContext(ctx, `
		UPDATE folders SET
			uid_validity = ?, uid_next = ?, watermark = ?,
			message_count = ?, unread_count = ?, last_synced = ?
		WHERE id = ?
	`, st.UIDValidity, st.UIDNext, st.Watermark, st.Messages, st.Unread, toMillis(st.SyncedAt), folderID)
	if err != nil {
		return fmt.Errorf("failed to set folder sync state: %w", err)
	}
	return nil
}

// ResetFolder drops every cached message of a folder after the server
// changed its UIDVALIDITY, and clears the watermark
func (s *Store) ResetFolder(ctx context.Context, folderID int64, uidValidity uint32) error {
	tx, err := s.db().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE folder_id = ?", folderID); err != nil {
		return fmt.Errorf("failed to clear folder messages: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE folders SET uid_validity = ?, watermark = 0, last_synced = NULL WHERE id = ?",
		uidValidity, folderID)
	if err != nil {
		return fmt.Errorf("failed to reset folder: %w", err)
	}
	return tx.Commit()
}

// CheckUIDValidity compares the server's UIDVALIDITY with the cached one
// and resets the folder when they differ. It reports whether a known
// UIDVALIDITY was replaced; a folder seen for the first time only records it.
func (s *Store) CheckUIDValidity(ctx context.Context, folderID int64, uidValidity uint32) (bool, error) {
	var cached uint32
	if err := s.db().GetContext(ctx, &cached, "SELECT uid_validity FROM folders WHERE id = ?", folderID); err != nil {
		return false, fmt.Errorf("failed to read uid validity: %w", err)
	}
	if cached == uidValidity {
		return false, nil
	}
	if err := s.ResetFolder(ctx, folderID, uidValidity); err != nil {
		return false, err
	}
	return cached != 0, nil
}

// InvalidateFolder marks a folder stale so the next read goes live. A
// folder that is not cached yet is left alone.
func (s *Store) InvalidateFolder(ctx context.Context, accountKey, name string) error {
	f, err := s.GetFolder(ctx, accountKey, name)
	if mailerr.Is(err, mailerr.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := s.db().ExecContext(ctx, "UPDATE folders SET last_synced = NULL WHERE id = ?", f.ID); err != nil {
		return fmt.Errorf("failed to invalidate folder: %w", err)
	}
	return nil
}

type recipients struct {
	To []types.Address `json:"to,omitempty"`
	Cc []types.Address `json:"cc,omitempty"`
}

// UpsertMessages writes a batch of message headers in one transaction.
// A message reported again is revived if it had been soft-deleted.
func (s *Store) UpsertMessages(ctx context.Context, folderID int64, msgs []*types.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	tx, err := s.db().BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// A UID whose Message-ID changed is a different message; its cached
	// body belongs to the old one.
	dropContent, err := tx.PreparexContext(ctx, `
		DELETE FROM message_contents WHERE message_id IN (
			SELECT id FROM messages
			WHERE account_key = ? AND folder_id = ? AND uid = ? AND message_id <> ?
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare content cleanup: %w", err)
	}
	defer dropContent.Close()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO messages (account_key, folder_id, uid, seq_num, message_id, subject, sender_name, sender_email,
			recipients, date, size, is_read, is_flagged, is_deleted, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_key, folder_id, uid) DO UPDATE SET
			seq_num = excluded.seq_num,
			message_id = excluded.message_id,
			subject = excluded.subject,
			sender_name = excluded.sender_name,
			sender_email = excluded.sender_email,
			recipients = excluded.recipients,
			date = excluded.date,
			size = excluded.size,
			is_read = excluded.is_read,
			is_flagged = excluded.is_flagged,
			is_deleted = excluded.is_deleted,
			body_fetched = CASE WHEN messages.message_id = excluded.message_id THEN messages.body_fetched ELSE 0 END,
			removed_at = NULL,
			cached_at = excluded.cached_at
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare message upsert: %w", err)
	}
	defer stmt.Close()

	now := toMillis(s.now())
	for _, m := range msgs {
		rcpt, err := json.Marshal(recipients{To: m.To, Cc: m.Cc})
		if err != nil {
			return 0, fmt.Errorf("failed to marshal recipients for uid %d: %w", m.UID, err)
		}
		if _, err := dropContent.ExecContext(ctx, m.AccountKey, folderID, m.UID, m.MessageID); err != nil {
			return 0, fmt.Errorf("failed to drop replaced content for uid %d: %w", m.UID, err)
		}
		_, err = stmt.ExecContext(ctx,
			m.AccountKey, folderID, m.UID, m.SeqNum, m.MessageID, m.Subject, m.From.Name, m.From.Email,
			string(rcpt), toMillis(m.Date), m.Size, boolInt(m.Read), boolInt(m.Flagged), boolInt(m.Deleted), now)
		if err != nil {
			return 0, fmt.Errorf("failed to upsert message uid %d: %w", m.UID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit message batch: %w", err)
	}
	return len(msgs), nil
}

type messageRow struct {
	ID          int64  `db:"id"`
	AccountKey  string `db:"account_key"`
	Folder      string `db:"folder"`
	UID         uint32 `db:"uid"`
	SeqNum      uint32 `db:"seq_num"`
	MessageID   string `db:"message_id"`
	Subject     string `db:"subject"`
	SenderName  string `db:"sender_name"`
	SenderEmail string `db:"sender_email"`
	Recipients  string `db:"recipients"`
	Date        int64  `db:"date"`
	Size        uint32 `db:"size"`
	Read        bool   `db:"is_read"`
	Flagged     bool   `db:"is_flagged"`
	Deleted     bool   `db:"is_deleted"`
	BodyFetched bool   `db:"body_fetched"`
}

func (r messageRow) toMessage() types.Message {
	m := types.Message{
		ID:          identity.FormatUID(r.UID),
		AccountKey:  r.AccountKey,
		Folder:      r.Folder,
		UID:         r.UID,
		SeqNum:      r.SeqNum,
		MessageID:   r.MessageID,
		Subject:     r.Subject,
		From:        types.Address{Name: r.SenderName, Email: r.SenderEmail},
		Date:        fromMillis(r.Date),
		Size:        r.Size,
		Read:        r.Read,
		Flagged:     r.Flagged,
		Deleted:     r.Deleted,
		BodyFetched: r.BodyFetched,
	}
	var rc recipients
	if err := json.Unmarshal([]byte(r.Recipients), &rc); err == nil {
		m.To, m.Cc = rc.To, rc.Cc
	}
	return m
}

const messageColumns = `m.id, m.account_key, f.name AS folder, m.uid, m.seq_num, m.message_id, m.subject,
	m.sender_name, m.sender_email, m.recipients, m.date, m.size, m.is_read, m.is_flagged, m.is_deleted, m.body_fetched`

// MessageQuery selects cached messages of one folder
type MessageQuery struct {
	AccountKey string
	Folder     string
	UnreadOnly bool
	Limit      int
	Offset     int
}

// ListMessages returns live (not soft-deleted) messages newest first. An
// empty slice is a valid answer.
func (s *Store) ListMessages(ctx context.Context, q MessageQuery) ([]types.Message, error) {
	f, err := s.GetFolder(ctx, q.AccountKey, q.Folder)
	if mailerr.Is(err, mailerr.KindNotFound) {
		return []types.Message{}, nil
	}
	if err != nil {
		return nil, err
	}

	query := "SELECT " + messageColumns + ` FROM messages m JOIN folders f ON m.folder_id = f.id
		WHERE m.folder_id = ? AND m.removed_at IS NULL`
	args := []interface{}{f.ID}
	if q.UnreadOnly {
		query += " AND m.is_read = 0"
	}
	query += " ORDER BY m.date DESC, m.uid DESC LIMIT ? OFFSET ?"
	args = append(args, limitOr(q.Limit, 50), q.Offset)

	var rows []messageRow
	if err := s.db().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return toMessages(rows), nil
}

func toMessages(rows []messageRow) []types.Message {
	msgs := make([]types.Message, len(rows))
	for i, r := range rows {
		msgs[i] = r.toMessage()
	}
	return msgs
}

func limitOr(limit, def int) int {
	if limit <= 0 {
		limit = def
	}
	if limit > 1000 {
		limit = 1000
	}
	return limit
}

// GetMessageByUID returns a live cached message by its stable identifier
func (s *Store) GetMessageByUID(ctx context.Context, accountKey, folder string, uid uint32) (*types.Message, error) {
	f, err := s.GetFolder(ctx, accountKey, folder)
	if err != nil {
		return nil, err
	}
	var row messageRow
	err = s.db().GetContext(ctx, &row, "SELECT "+messageColumns+` FROM messages m JOIN folders f ON m.folder_id = f.id
		WHERE m.folder_id = ? AND m.uid = ? AND m.removed_at IS NULL`, f.ID, uid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mailerr.Errorf(mailerr.KindNotFound, "get message", "message %d not cached in %s", uid, folder)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	m := row.toMessage()
	return &m, nil
}

// CachedUIDs returns the UIDs of live cached messages in a folder
func (s *Store) CachedUIDs(ctx context.Context, folderID int64) ([]uint32, error) {
	var uids []uint32
	err := s.db().SelectContext(ctx, &uids,
		"SELECT uid FROM messages WHERE folder_id = ? AND removed_at IS NULL ORDER BY uid", folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cached uids: %w", err)
	}
	return uids, nil
}

// MarkDeleted soft-deletes messages the server no longer reports
func (s *Store) MarkDeleted(ctx context.Context, folderID int64, uids []uint32) (int64, error) {
	if len(uids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(
		"UPDATE messages SET removed_at = ? WHERE folder_id = ? AND removed_at IS NULL AND uid IN (?)",
		toMillis(s.now()), folderID, uids)
	if err != nil {
		return 0, fmt.Errorf("failed to build soft delete: %w", err)
	}
	res, err := s.db().ExecContext(ctx, s.db().Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to soft delete messages: %w", err)
	}
	return res.RowsAffected()
}

// FlagUpdate changes the flags that are set; nil fields are left alone
type FlagUpdate struct {
	Read    *bool
	Flagged *bool
	Deleted *bool
}

// SetFlags applies flag updates to cached messages in one transaction
func (s *Store) SetFlags(ctx context.Context, folderID int64, updates map[uint32]FlagUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.db().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		UPDATE messages SET
			is_read = COALESCE(?, is_read),
			is_flagged = COALESCE(?, is_flagged),
			is_deleted = COALESCE(?, is_deleted)
		WHERE folder_id = ? AND uid = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare flag update: %w", err)
	}
	defer stmt.Close()

	for uid, u := range updates {
		if _, err := stmt.ExecContext(ctx, nullBool(u.Read), nullBool(u.Flagged), nullBool(u.Deleted), folderID, uid); err != nil {
			return fmt.Errorf("failed to update flags for uid %d: %w", uid, err)
		}
	}
	return tx.Commit()
}

func nullBool(b *bool) sql.NullInt64 {
	if b == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(boolInt(*b)), Valid: true}
}

// messageRowID finds the row id of a live cached message
func (s *Store) messageRowID(ctx context.Context, q sqlx.QueryerContext, folderID int64, uid uint32) (int64, error) {
	var id int64
	err := sqlx.GetContext(ctx, q, &id,
		"SELECT id FROM messages WHERE folder_id = ? AND uid = ? AND removed_at IS NULL", folderID, uid)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, mailerr.Errorf(mailerr.KindNotFound, "find message", "message %d not cached", uid)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to find message: %w", err)
	}
	return id, nil
}

// SaveContent persists a fetched body and its attachment metadata
func (s *Store) SaveContent(ctx context.Context, folderID int64, uid uint32, content *types.MessageContent) error {
	tx, err := s.db().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	id, err := s.messageRowID(ctx, tx, folderID, uid)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO message_contents (message_id, body_text, body_html, fetched_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			body_text = excluded.body_text,
			body_html = excluded.body_html,
			fetched_at = excluded.fetched_at
	`, id, content.Text, content.HTML, toMillis(content.FetchedAt))
	if err != nil {
		return fmt.Errorf("failed to save content: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM attachments WHERE message_id = ?", id); err != nil {
		return fmt.Errorf("failed to clear attachments: %w", err)
	}
	for _, a := range content.Attachments {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO attachments (message_id, filename, content_type, size) VALUES (?, ?, ?, ?)",
			id, a.Filename, a.ContentType, a.Size)
		if err != nil {
			return fmt.Errorf("failed to save attachment: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, "UPDATE messages SET body_fetched = 1 WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to mark body fetched: %w", err)
	}
	return tx.Commit()
}

type contentRow struct {
	Text      string `db:"body_text"`
	HTML      string `db:"body_html"`
	FetchedAt int64  `db:"fetched_at"`
}

// GetContent returns the persisted body of a live cached message
func (s *Store) GetContent(ctx context.Context, folderID int64, uid uint32) (*types.MessageContent, error) {
	id, err := s.messageRowID(ctx, s.db(), folderID, uid)
	if err != nil {
		return nil, err
	}

	var row contentRow
	err = s.db().GetContext(ctx, &row,
		"SELECT body_text, body_html, fetched_at FROM message_contents WHERE message_id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mailerr.Errorf(mailerr.KindNotFound, "get content", "no content cached for message %d", uid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get content: %w", err)
	}

	attachments := []types.Attachment{}
	err = s.db().SelectContext(ctx, &attachments,
		"SELECT filename, content_type, size FROM attachments WHERE message_id = ? ORDER BY id", id)
	if err != nil {
		return nil, fmt.Errorf("failed to get attachments: %w", err)
	}

	return &types.MessageContent{
		Text:        row.Text,
		HTML:        row.HTML,
		Attachments: attachments,
		FetchedAt:   fromMillis(row.FetchedAt),
	}, nil
}
