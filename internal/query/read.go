package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brandon/mailcore/internal/cache"
	"github.com/brandon/mailcore/internal/email"
	"github.com/brandon/mailcore/internal/mailerr"
	"github.com/brandon/mailcore/internal/metrics"
	"github.com/brandon/mailcore/pkg/types"
)

// FolderList is the answer to ListFolders
type FolderList struct {
	Folders        []types.Folder    `json:"folders"`
	Source         types.DataSource  `json:"source"`
	SyncedAt       *time.Time        `json:"synced_at,omitempty"`
	Complete       bool              `json:"complete"`
	FailedAccounts map[string]string `json:"failed_accounts,omitempty"`
}

// ListRequest selects a page of a folder. An empty AccountKey queries
// every account.
type ListRequest struct {
	AccountKey string
	Folder     string
	Limit      int
	Offset     int
	UnreadOnly bool
}

// MessageList is the answer to ListMessages and Search. Complete is false
// when some accounts of a multi-account query could not be reached.
// UnsearchedBodies is set on a cached text search to the number of
// messages whose body was never fetched and so was not matched.
type MessageList struct {
	Messages         []types.Message   `json:"messages"`
	Source           types.DataSource  `json:"source"`
	SyncedAt         *time.Time        `json:"synced_at,omitempty"`
	Complete         bool              `json:"complete"`
	FailedAccounts   map[string]string `json:"failed_accounts,omitempty"`
	UnsearchedBodies int               `json:"unsearched_bodies,omitempty"`
}

// ListFolders returns the folders of one account, or of every account
// when key is empty
func (s *Service) ListFolders(ctx context.Context, key string) (*FolderList, error) {
	const op = "list_folders"
	if key == "" {
		metrics.RecordCacheLookup(op, "bypass")
		var mu sync.Mutex
		var all []types.Folder
		failed, err := s.fanout(ctx, s.accounts.Keys(), func(ctx context.Context, key string) error {
			folders, err := s.liveFolders(ctx, key)
			if err != nil {
				return err
			}
			mu.Lock()
			all = append(all, folders...)
			mu.Unlock()
			return nil
		})
		if err != nil {
			return nil, err
		}
		sort.SliceStable(all, func(i, j int) bool {
			if all[i].AccountKey != all[j].AccountKey {
				return all[i].AccountKey < all[j].AccountKey
			}
			return all[i].Name < all[j].Name
		})
		return &FolderList{Folders: nonNilFolders(all), Source: types.SourceLive, Complete: len(failed) == 0, FailedAccounts: failed}, nil
	}

	if _, err := s.resolve(key); err != nil {
		return nil, err
	}

	syncedAt, err := s.lastSync(ctx, key)
	switch {
	case err != nil:
		s.cacheError(op, key, err)
	case s.fresh(syncedAt):
		folders, err := s.store.ListFolders(ctx, key)
		if err == nil {
			metrics.RecordCacheLookup(op, "hit")
			return &FolderList{Folders: nonNilFolders(folders), Source: types.SourceCache, SyncedAt: syncedAt, Complete: true}, nil
		}
		s.cacheError(op, key, err)
	default:
		metrics.RecordCacheLookup(op, "stale")
	}

	folders, err := s.liveFolders(ctx, key)
	if err != nil {
		return nil, err
	}
	return &FolderList{Folders: nonNilFolders(folders), Source: types.SourceLive, Complete: true}, nil
}

func (s *Service) liveFolders(ctx context.Context, key string) ([]types.Folder, error) {
	var folders []types.Folder
	err := s.sessions.WithSession(ctx, key, func(sess email.Session) error {
		var err error
		folders, err = sess.ListFolders()
		return err
	})
	if err != nil {
		return nil, err
	}

	discovered := append([]types.Folder(nil), folders...)
	s.persist("cache_folders", key, func(ctx context.Context) error {
		for i := range discovered {
			if _, err := s.store.UpsertFolder(ctx, &discovered[i]); err != nil {
				return err
			}
		}
		return nil
	})
	return folders, nil
}

// ListMessages returns a page of message headers, newest first. A single
// account folder is answered from the cache when its last sync is within
// the freshness window, including when the cached folder is empty.
func (s *Service) ListMessages(ctx context.Context, req ListRequest) (*MessageList, error) {
	const op = "list_messages"
	limit := pageSize(req.Limit)

	if req.AccountKey == "" {
		metrics.RecordCacheLookup(op, "bypass")
		return s.gather(ctx, limit, req.Offset, func(ctx context.Context, key string) ([]types.Message, error) {
			folder := s.folderName(ctx, key, req.Folder)
			return s.liveList(ctx, key, folder, req.UnreadOnly, 0, limit+req.Offset)
		})
	}

	key := req.AccountKey
	if _, err := s.resolve(key); err != nil {
		return nil, err
	}
	folder := s.folderName(ctx, key, req.Folder)

	syncedAt, err := s.store.FolderFreshness(ctx, key, folder)
	switch {
	case err != nil:
		s.cacheError(op, key, err)
	case s.fresh(syncedAt):
		msgs, err := s.store.ListMessages(ctx, cache.MessageQuery{
			AccountKey: key,
			Folder:     folder,
			UnreadOnly: req.UnreadOnly,
			Limit:      limit,
			Offset:     req.Offset,
		})
		if err == nil {
			metrics.RecordCacheLookup(op, "hit")
			return &MessageList{Messages: msgs, Source: types.SourceCache, SyncedAt: syncedAt, Complete: true}, nil
		}
		s.cacheError(op, key, err)
	default:
		metrics.RecordCacheLookup(op, "stale")
	}

	msgs, err := s.liveList(ctx, key, folder, req.UnreadOnly, req.Offset, limit)
	if err != nil {
		return nil, err
	}
	return &MessageList{Messages: msgs, Source: types.SourceLive, Complete: true}, nil
}

// liveList fetches one page of headers straight from the server
func (s *Service) liveList(ctx context.Context, key, folder string, unreadOnly bool, offset, limit int) ([]types.Message, error) {
	return s.liveSearch(ctx, key, folder, email.Criteria{Unseen: unreadOnly}, offset, limit)
}

func (s *Service) liveSearch(ctx context.Context, key, folder string, criteria email.Criteria, offset, limit int) ([]types.Message, error) {
	var status *types.FolderStatus
	var fetched []*types.Message
	err := s.sessions.WithSession(ctx, key, func(sess email.Session) error {
		st, err := selectFolder(sess, folder, true)
		if err != nil {
			return err
		}
		status = st

		uids, err := sess.SearchUIDs(criteria)
		if err != nil {
			return err
		}
		page := newestPage(uids, offset, limit)
		if len(page) == 0 {
			return nil
		}
		fetched, err = sess.FetchHeaders(page)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.cacheHeaders(key, folder, status, fetched)
	return sortedMessages(fetched), nil
}

// SearchRequest filters messages. An empty AccountKey searches every
// account; an empty Folder searches every cached folder, or INBOX when
// the search goes live. Text matches subject, sender and body; answered
// from the cache it only sees bodies fetched earlier, while the server
// searches every body.
type SearchRequest struct {
	AccountKey string
	Folder     string
	Text       string
	From       string
	Subject    string
	Since      *time.Time
	Before     *time.Time
	UnreadOnly bool
	Limit      int
}

func (r SearchRequest) criteria() email.Criteria {
	c := email.Criteria{Text: r.Text, From: r.From, Subject: r.Subject, Unseen: r.UnreadOnly}
	if r.Since != nil {
		c.Since = *r.Since
	}
	if r.Before != nil {
		c.Before = *r.Before
	}
	return c
}

// Search finds messages matching the request
func (s *Service) Search(ctx context.Context, req SearchRequest) (*MessageList, error) {
	const op = "search"
	limit := s.searchLimit(req.Limit)

	if req.AccountKey == "" {
		metrics.RecordCacheLookup(op, "bypass")
		return s.gather(ctx, limit, 0, func(ctx context.Context, key string) ([]types.Message, error) {
			folder := s.folderName(ctx, key, req.Folder)
			return s.liveSearch(ctx, key, folder, req.criteria(), 0, limit)
		})
	}

	key := req.AccountKey
	if _, err := s.resolve(key); err != nil {
		return nil, err
	}

	var syncedAt *time.Time
	var err error
	if req.Folder == "" {
		syncedAt, err = s.lastSync(ctx, key)
	} else {
		syncedAt, err = s.store.FolderFreshness(ctx, key, req.Folder)
	}
	switch {
	case err != nil:
		s.cacheError(op, key, err)
	case s.fresh(syncedAt):
		msgs, err := s.store.Search(ctx, cache.SearchOptions{
			AccountKey: key,
			Folder:     req.Folder,
			Text:       req.Text,
			From:       req.From,
			Subject:    req.Subject,
			Since:      req.Since,
			Before:     req.Before,
			UnreadOnly: req.UnreadOnly,
			Limit:      limit,
		})
		var unsearched int
		if err == nil && req.Text != "" {
			unsearched, err = s.store.UnfetchedBodies(ctx, key, req.Folder)
		}
		if err == nil {
			metrics.RecordCacheLookup(op, "hit")
			return &MessageList{
				Messages:         msgs,
				Source:           types.SourceCache,
				SyncedAt:         syncedAt,
				Complete:         true,
				UnsearchedBodies: unsearched,
			}, nil
		}
		s.cacheError(op, key, err)
	default:
		metrics.RecordCacheLookup(op, "stale")
	}

	folder := s.folderName(ctx, key, req.Folder)
	msgs, err := s.liveSearch(ctx, key, folder, req.criteria(), 0, limit)
	if err != nil {
		return nil, err
	}
	return &MessageList{Messages: msgs, Source: types.SourceLive, Complete: true}, nil
}

func (s *Service) searchLimit(limit int) int {
	if limit > 0 {
		return pageSize(limit)
	}
	if s.cfg.SearchResultLimit > 0 {
		return pageSize(s.cfg.SearchResultLimit)
	}
	return defaultPageSize
}

// gather runs a live query on every account and merges the results
// newest first
func (s *Service) gather(ctx context.Context, limit, offset int, fetch func(ctx context.Context, key string) ([]types.Message, error)) (*MessageList, error) {
	var mu sync.Mutex
	var all []types.Message
	failed, err := s.fanout(ctx, s.accounts.Keys(), func(ctx context.Context, key string) error {
		msgs, err := fetch(ctx, key)
		if err != nil {
			return err
		}
		mu.Lock()
		all = append(all, msgs...)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortByDate(all)
	if offset > 0 {
		if offset >= len(all) {
			all = nil
		} else {
			all = all[offset:]
		}
	}
	if len(all) > limit {
		all = all[:limit]
	}
	if all == nil {
		all = []types.Message{}
	}
	return &MessageList{Messages: all, Source: types.SourceLive, Complete: len(failed) == 0, FailedAccounts: failed}, nil
}

// fanout runs fn for every account with bounded concurrency. Failures are
// collected per account; an error is returned only when every account
// failed.
func (s *Service) fanout(ctx context.Context, keys []string, fn func(ctx context.Context, key string) error) (map[string]string, error) {
	var mu sync.Mutex
	errs := make(map[string]error)

	var g errgroup.Group
	g.SetLimit(liveFanoutLimit)
	for _, key := range keys {
		g.Go(func() error {
			if err := fn(ctx, key); err != nil {
				s.logger.WithError(err).WithField("account", key).Warn("Account unavailable for multi-account query")
				mu.Lock()
				errs[key] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(keys) > 0 && len(errs) == len(keys) {
		var joined []error
		for _, key := range keys {
			joined = append(joined, fmt.Errorf("%s: %w", key, errs[key]))
		}
		return nil, errors.Join(joined...)
	}
	if len(errs) == 0 {
		return nil, nil
	}
	failed := make(map[string]string, len(errs))
	for key, err := range errs {
		failed[key] = err.Error()
	}
	return failed, nil
}

// selectFolder opens a folder, reporting a folder the server rejects as
// not found
func selectFolder(sess email.Session, folder string, readOnly bool) (*types.FolderStatus, error) {
	st, err := sess.Select(folder, readOnly)
	if err != nil {
		if mailerr.Classify(err) == mailerr.KindOther {
			err = mailerr.E(mailerr.KindNotFound, "select", err)
		}
		return nil, err
	}
	return st, nil
}

func sortedMessages(msgs []*types.Message) []types.Message {
	out := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		if m != nil {
			out = append(out, *m)
		}
	}
	sortByDate(out)
	return out
}

func sortByDate(msgs []types.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].Date.Equal(msgs[j].Date) {
			return msgs[i].Date.After(msgs[j].Date)
		}
		return msgs[i].UID > msgs[j].UID
	})
}

func nonNilFolders(f []types.Folder) []types.Folder {
	if f == nil {
		return []types.Folder{}
	}
	return f
}
