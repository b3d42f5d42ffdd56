package cache

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailcore/internal/config"
	"github.com/brandon/mailcore/internal/mailerr"
	"github.com/brandon/mailcore/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	c, err := NewCache(filepath.Join(t.TempDir(), "cache.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	s := NewStore(c, logger)
	ctx := context.Background()
	require.NoError(t, s.UpsertAccount(ctx, &config.AccountConfig{Key: "acct_1", Email: "one@example.com", Provider: "gmail", Default: true}))
	require.NoError(t, s.UpsertAccount(ctx, &config.AccountConfig{Key: "acct_2", Email: "two@example.com"}))
	return s
}

func testMessages(account string, subjects map[uint32]string) []*types.Message {
	var msgs []*types.Message
	for uid, subject := range subjects {
		msgs = append(msgs, &types.Message{
			AccountKey: account,
			UID:        uid,
			Subject:    subject,
			From:       types.Address{Name: "Alice Example", Email: "alice@example.com"},
			To:         []types.Address{{Email: "bob@example.com"}},
			Date:       time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(uid) * time.Hour),
			Size:       1024,
		})
	}
	return msgs
}

func TestMigrationsAreIdempotent(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	path := filepath.Join(t.TempDir(), "cache.db")

	c, err := NewCache(path, logger)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c, err = NewCache(path, logger)
	require.NoError(t, err)
	defer c.Close()

	var version int
	require.NoError(t, c.DB().Get(&version, "SELECT MAX(version) FROM schema_version"))
	assert.Equal(t, len(migrations), version)
}

func TestAccounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acc, err := s.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "one@example.com", acc.Email)
	assert.True(t, acc.IsDefault)
	assert.Equal(t, types.SyncIdle, acc.SyncStatus)
	assert.Nil(t, acc.LastSync)

	synced := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateAccountSync(ctx, "acct_1", types.SyncCompleted, &synced))
	require.NoError(t, s.UpdateAccountSync(ctx, "acct_1", types.SyncFailed, nil))

	acc, err = s.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, types.SyncFailed, acc.SyncStatus)
	require.NotNil(t, acc.LastSync)
	assert.True(t, synced.Equal(*acc.LastSync))

	accounts, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "acct_2", accounts[1].Key)

	_, err = s.GetAccount(ctx, "one@example.com")
	assert.True(t, mailerr.Is(err, mailerr.KindNotFound))
}

func TestFoldersAreScopedByAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.UpsertFolder(ctx, &types.Folder{AccountKey: "acct_1", Name: "INBOX", Selectable: true})
	require.NoError(t, err)
	id2, err := s.UpsertFolder(ctx, &types.Folder{AccountKey: "acct_2", Name: "INBOX", Selectable: true})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	again, err := s.UpsertFolder(ctx, &types.Folder{AccountKey: "acct_1", Name: "INBOX", Selectable: true, Messages: 3})
	require.NoError(t, err)
	assert.Equal(t, id1, again)

	_, err = s.UpsertMessages(ctx, id1, testMessages("acct_1", map[uint32]string{1: "first account"}))
	require.NoError(t, err)
	_, err = s.UpsertMessages(ctx, id2, testMessages("acct_2", map[uint32]string{1: "second account"}))
	require.NoError(t, err)

	msgs, err := s.ListMessages(ctx, MessageQuery{AccountKey: "acct_2", Folder: "INBOX"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "second account", msgs[0].Subject)
	assert.Equal(t, "acct_2", msgs[0].AccountKey)

	f, err := s.GetFolder(ctx, "acct_1", "inbox")
	require.NoError(t, err)
	assert.Equal(t, id1, f.ID)
	assert.Equal(t, 3, f.Messages)

	_, err = s.GetFolder(ctx, "acct_1", "Archive")
	assert.True(t, mailerr.Is(err, mailerr.KindNotFound))
}

func TestFolderSyncStateAndFreshness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fresh, err := s.FolderFreshness(ctx, "acct_1", "INBOX")
	require.NoError(t, err)
	assert.Nil(t, fresh)

	id, err := s.UpsertFolder(ctx, &types.Folder{AccountKey: "acct_1", Name: "INBOX", Selectable: true})
	require.NoError(t, err)
	fresh, err = s.FolderFreshness(ctx, "acct_1", "INBOX")
	require.NoError(t, err)
	assert.Nil(t, fresh)

	at := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.SetFolderSyncState(ctx, id, FolderSyncState{
		UIDValidity: 7, UIDNext: 104, Watermark: 103, Messages: 3, Unread: 1, SyncedAt: at,
	}))

	f, err := s.GetFolder(ctx, "acct_1", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(7), f.UIDValidity)
	assert.Equal(t, uint32(103), f.Watermark)
	require.NotNil(t, f.LastSynced)
	assert.True(t, at.Equal(*f.LastSynced))

	// Rediscovery does not touch sync state
	_, err = s.UpsertFolder(ctx, &types.Folder{AccountKey: "acct_1", Name: "INBOX", Selectable: true})
	require.NoError(t, err)
	f, err = s.GetFolder(ctx, "acct_1", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(103), f.Watermark)

	require.NoError(t, s.InvalidateFolder(ctx, "acct_1", "inbox"))
	fresh, err = s.FolderFreshness(ctx, "acct_1", "INBOX")
	require.NoError(t, err)
	assert.Nil(t, fresh)
	f, err = s.GetFolder(ctx, "acct_1", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(103), f.Watermark)

	require.NoError(t, s.InvalidateFolder(ctx, "acct_1", "Archive"))
}

func TestListMessagesEmptyIsNotAnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msgs, err := s.ListMessages(ctx, MessageQuery{AccountKey: "acct_1", Folder: "INBOX"})
	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
}

func TestUpsertListAndSoftDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertFolder(ctx, &types.Folder{AccountKey: "acct_1", Name: "INBOX", Selectable: true})
	require.NoError(t, err)
	n, err := s.UpsertMessages(ctx, id, testMessages("acct_1", map[uint32]string{101: "a", 102: "b", 103: "c"}))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	msgs, err := s.ListMessages(ctx, MessageQuery{AccountKey: "acct_1", Folder: "INBOX"})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "103", msgs[0].ID)
	assert.Equal(t, uint32(103), msgs[0].UID)
	assert.Equal(t, "INBOX", msgs[0].Folder)
	assert.Equal(t, []types.Address{{Email: "bob@example.com"}}, msgs[0].To)

	removed, err := s.MarkDeleted(ctx, id, []uint32{102})
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	uids, err := s.CachedUIDs(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []uint32{101, 103}, uids)

	_, err = s.GetMessageByUID(ctx, "acct_1", "INBOX", 102)
	assert.True(t, mailerr.Is(err, mailerr.KindNotFound))

	// Reported again by the server: revived
	_, err = s.UpsertMessages(ctx, id, testMessages("acct_1", map[uint32]string{102: "b"}))
	require.NoError(t, err)
	m, err := s.GetMessageByUID(ctx, "acct_1", "INBOX", 102)
	require.NoError(t, err)
	assert.Equal(t, "b", m.Subject)
}

func TestSetFlags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertFolder(ctx, &types.Folder{AccountKey: "acct_1", Name: "INBOX", Selectable: true})
	require.NoError(t, err)
	_, err = s.UpsertMessages(ctx, id, testMessages("acct_1", map[uint32]string{1: "a", 2: "b"}))
	require.NoError(t, err)

	yes, no := true, false
	require.NoError(t, s.SetFlags(ctx, id, map[uint32]FlagUpdate{
		1: {Read: &yes},
		2: {Flagged: &yes, Read: &no},
	}))

	m1, err := s.GetMessageByUID(ctx, "acct_1", "INBOX", 1)
	require.NoError(t, err)
	assert.True(t, m1.Read)
	assert.False(t, m1.Flagged)

	m2, err := s.GetMessageByUID(ctx, "acct_1", "INBOX", 2)
	require.NoError(t, err)
	assert.False(t, m2.Read)
	assert.True(t, m2.Flagged)

	unread, err := s.ListMessages(ctx, MessageQuery{AccountKey: "acct_1", Folder: "INBOX", UnreadOnly: true})
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, uint32(2), unread[0].UID)
}

func TestContentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertFolder(ctx, &types.Folder{AccountKey: "acct_1", Name: "INBOX", Selectable: true})
	require.NoError(t, err)
	_, err = s.UpsertMessages(ctx, id, testMessages("acct_1", map[uint32]string{5: "report"}))
	require.NoError(t, err)

	_, err = s.GetContent(ctx, id, 5)
	assert.True(t, mailerr.Is(err, mailerr.KindNotFound))

	fetched := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveContent(ctx, id, 5, &types.MessageContent{
		Text:        "quarterly numbers attached",
		HTML:        "<p>quarterly numbers attached</p>",
		Attachments: []types.Attachment{{Filename: "q2.pdf", ContentType: "application/pdf", Size: 2048}},
		FetchedAt:   fetched,
	}))

	content, err := s.GetContent(ctx, id, 5)
	require.NoError(t, err)
	assert.Equal(t, "quarterly numbers attached", content.Text)
	assert.Equal(t, []types.Attachment{{Filename: "q2.pdf", ContentType: "application/pdf", Size: 2048}}, content.Attachments)
	assert.True(t, fetched.Equal(content.FetchedAt))

	m, err := s.GetMessageByUID(ctx, "acct_1", "INBOX", 5)
	require.NoError(t, err)
	assert.True(t, m.BodyFetched)

	err = s.SaveContent(ctx, id, 99, &types.MessageContent{FetchedAt: fetched})
	assert.True(t, mailerr.Is(err, mailerr.KindNotFound))
}

func TestSearchUsesFullTextIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertFolder(ctx, &types.Folder{AccountKey: "acct_1", Name: "INBOX", Selectable: true})
	require.NoError(t, err)
	other, err := s.UpsertFolder(ctx, &types.Folder{AccountKey: "acct_2", Name: "INBOX", Selectable: true})
	require.NoError(t, err)

	_, err = s.UpsertMessages(ctx, id, testMessages("acct_1", map[uint32]string{1: "Invoice for March", 2: "Lunch plans"}))
	require.NoError(t, err)
	_, err = s.UpsertMessages(ctx, other, testMessages("acct_2", map[uint32]string{1: "Invoice elsewhere"}))
	require.NoError(t, err)
	require.NoError(t, s.SaveContent(ctx, id, 2, &types.MessageContent{Text: "the invoice is in the drawer", FetchedAt: time.Now()}))

	results, err := s.Search(ctx, SearchOptions{AccountKey: "acct_1", Text: "invoice"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, m := range results {
		assert.Equal(t, "acct_1", m.AccountKey)
	}

	results, err = s.Search(ctx, SearchOptions{AccountKey: "acct_1", Subject: "invo"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint32(1), results[0].UID)

	results, err = s.Search(ctx, SearchOptions{AccountKey: "acct_1", From: "alice@example.com", Folder: "INBOX"})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	results, err = s.Search(ctx, SearchOptions{AccountKey: "acct_1", Text: `nothing "matches"`})
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)

	results, err = s.Search(ctx, SearchOptions{AccountKey: "acct_1", Folder: "Missing"})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestResetFolder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertFolder(ctx, &types.Folder{AccountKey: "acct_1", Name: "INBOX", Selectable: true})
	require.NoError(t, err)
	_, err = s.UpsertMessages(ctx, id, testMessages("acct_1", map[uint32]string{1: "a", 2: "b"}))
	require.NoError(t, err)
	require.NoError(t, s.SetFolderSyncState(ctx, id, FolderSyncState{UIDValidity: 1, Watermark: 2, SyncedAt: time.Now()}))

	require.NoError(t, s.ResetFolder(ctx, id, 9))

	uids, err := s.CachedUIDs(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, uids)
	f, err := s.GetFolder(ctx, "acct_1", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(9), f.UIDValidity)
	assert.Equal(t, uint32(0), f.Watermark)
	assert.Nil(t, f.LastSynced)

	results, err := s.Search(ctx, SearchOptions{AccountKey: "acct_1", Subject: "a"})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSyncEventsAndCleanup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		kind := ""
		if i == 1 {
			kind = "timeout"
		}
		_, err := s.AppendSyncEvent(ctx, &types.SyncEvent{
			AttemptID:  fmt.Sprintf("attempt-%d", i),
			AccountKey: "acct_1",
			Kind:       types.SyncIncremental,
			StartedAt:  base.Add(time.Duration(i) * time.Hour),
			FinishedAt: base.Add(time.Duration(i)*time.Hour + time.Minute),
			Success:    kind == "",
			ErrorKind:  kind,
		})
		require.NoError(t, err)
	}

	events, err := s.RecentSyncEvents(ctx, "acct_1", base.Add(30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "attempt-2", events[0].AttemptID)
	assert.False(t, events[1].Success)
	assert.Equal(t, "timeout", events[1].ErrorKind)

	id, err := s.UpsertFolder(ctx, &types.Folder{AccountKey: "acct_1", Name: "INBOX", Selectable: true})
	require.NoError(t, err)
	_, err = s.UpsertMessages(ctx, id, testMessages("acct_1", map[uint32]string{1: "a", 2: "b"}))
	require.NoError(t, err)
	require.NoError(t, s.SaveContent(ctx, id, 1, &types.MessageContent{Text: "x", FetchedAt: time.Now()}))
	_, err = s.MarkDeleted(ctx, id, []uint32{1})
	require.NoError(t, err)

	result, err := s.Cleanup(ctx, time.Now().Add(time.Minute), base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Messages)
	assert.Equal(t, int64(2), result.Events)

	var contents int
	require.NoError(t, s.db().Get(&contents, "SELECT COUNT(*) FROM message_contents"))
	assert.Equal(t, 0, contents)

	uids, err := s.CachedUIDs(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []uint32{2}, uids)
}

func TestAccountKeyStaysBoundToItsMailbox(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertFolder(ctx, &types.Folder{AccountKey: "acct_1", Name: "INBOX", Selectable: true})
	require.NoError(t, err)
	_, err = s.UpsertMessages(ctx, id, testMessages("acct_1", map[uint32]string{1: "for one"}))
	require.NoError(t, err)

	// Same mailbox, different case and provider
	require.NoError(t, s.UpsertAccount(ctx, &config.AccountConfig{Key: "acct_1", Email: " One@Example.com", Provider: "outlook"}))

	err = s.UpsertAccount(ctx, &config.AccountConfig{Key: "acct_1", Email: "bob@example.com"})
	require.Error(t, err)
	assert.True(t, mailerr.Is(err, mailerr.KindInvalid))
	assert.NotContains(t, err.Error(), "bob@example.com")

	acc, err := s.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, " One@Example.com", acc.Email)
	folders, err := s.ListFolders(ctx, "acct_1")
	require.NoError(t, err)
	assert.Len(t, folders, 1)
	uids, err := s.CachedUIDs(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, uids)
}

func TestReplacedMessageLosesCachedBody(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertFolder(ctx, &types.Folder{AccountKey: "acct_1", Name: "INBOX", Selectable: true})
	require.NoError(t, err)
	old := testMessages("acct_1", map[uint32]string{7: "old"})
	old[0].MessageID = "<old@example.com>"
	_, err = s.UpsertMessages(ctx, id, old)
	require.NoError(t, err)
	require.NoError(t, s.SaveContent(ctx, id, 7, &types.MessageContent{Text: "old body", FetchedAt: time.Now()}))

	// Headers of the same message again keep the body
	old[0].Read = true
	_, err = s.UpsertMessages(ctx, id, old)
	require.NoError(t, err)
	m, err := s.GetMessageByUID(ctx, "acct_1", "INBOX", 7)
	require.NoError(t, err)
	assert.True(t, m.BodyFetched)

	replaced := testMessages("acct_1", map[uint32]string{7: "new"})
	replaced[0].MessageID = "<new@example.com>"
	_, err = s.UpsertMessages(ctx, id, replaced)
	require.NoError(t, err)

	m, err = s.GetMessageByUID(ctx, "acct_1", "INBOX", 7)
	require.NoError(t, err)
	assert.Equal(t, "new", m.Subject)
	assert.False(t, m.BodyFetched)
	_, err = s.GetContent(ctx, id, 7)
	assert.True(t, mailerr.Is(err, mailerr.KindNotFound))

	results, err := s.Search(ctx, SearchOptions{AccountKey: "acct_1", Text: "body"})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCheckUIDValidity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertFolder(ctx, &types.Folder{AccountKey: "acct_1", Name: "INBOX", Selectable: true})
	require.NoError(t, err)
	_, err = s.UpsertMessages(ctx, id, testMessages("acct_1", map[uint32]string{1: "a"}))
	require.NoError(t, err)

	// A folder seen for the first time only records the value
	renumbered, err := s.CheckUIDValidity(ctx, id, 1)
	require.NoError(t, err)
	assert.False(t, renumbered)

	_, err = s.UpsertMessages(ctx, id, testMessages("acct_1", map[uint32]string{1: "a", 2: "b"}))
	require.NoError(t, err)
	renumbered, err = s.CheckUIDValidity(ctx, id, 1)
	require.NoError(t, err)
	assert.False(t, renumbered)
	uids, err := s.CachedUIDs(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2}, uids)

	renumbered, err = s.CheckUIDValidity(ctx, id, 2)
	require.NoError(t, err)
	assert.True(t, renumbered)
	uids, err = s.CachedUIDs(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, uids)
	f, err := s.GetFolder(ctx, "acct_1", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), f.UIDValidity)
}

func TestUnfetchedBodies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inbox, err := s.UpsertFolder(ctx, &types.Folder{AccountKey: "acct_1", Name: "INBOX", Selectable: true})
	require.NoError(t, err)
	archive, err := s.UpsertFolder(ctx, &types.Folder{AccountKey: "acct_1", Name: "Archive", Selectable: true})
	require.NoError(t, err)
	_, err = s.UpsertMessages(ctx, inbox, testMessages("acct_1", map[uint32]string{1: "a", 2: "b"}))
	require.NoError(t, err)
	_, err = s.UpsertMessages(ctx, archive, testMessages("acct_1", map[uint32]string{1: "c"}))
	require.NoError(t, err)
	require.NoError(t, s.SaveContent(ctx, inbox, 2, &types.MessageContent{Text: "b body", FetchedAt: time.Now()}))

	n, err := s.UnfetchedBodies(ctx, "acct_1", "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.UnfetchedBodies(ctx, "acct_1", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.MarkDeleted(ctx, inbox, []uint32{1})
	require.NoError(t, err)
	n, err = s.UnfetchedBodies(ctx, "acct_1", "INBOX")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.UnfetchedBodies(ctx, "acct_1", "Missing")
	require.NoError(t, err)
	assert.Zero(t, n)
}
