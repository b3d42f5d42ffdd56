// Package query answers reads from the local cache when it is fresh and
// from the remote server otherwise, and carries out flag, delete and move
// mutations against the server with per-item reporting.
package query

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailcore/internal/cache"
	"github.com/brandon/mailcore/internal/config"
	"github.com/brandon/mailcore/internal/email"
	"github.com/brandon/mailcore/internal/identity"
	"github.com/brandon/mailcore/internal/metrics"
	"github.com/brandon/mailcore/internal/pool"
	mailsync "github.com/brandon/mailcore/internal/sync"
	"github.com/brandon/mailcore/pkg/types"
)

const (
	defaultFolder    = "INBOX"
	defaultPageSize  = 50
	maxPageSize      = 500
	persistTimeout   = 30 * time.Second
	liveFanoutLimit  = 4
	historyWindow    = 24 * time.Hour
	historyMaxEvents = 100
)

// Sessions runs work on pooled remote sessions
type Sessions interface {
	WithSession(ctx context.Context, key string, fn func(email.Session) error) error
	Stats() pool.Stats
}

// Deps are the collaborators of a Service
type Deps struct {
	Config    *config.Config
	Accounts  *identity.Resolver
	Sessions  Sessions
	Store     *cache.Store
	Engine    *mailsync.Engine
	Scheduler *mailsync.Scheduler
	Monitor   *mailsync.Monitor
	Sender    email.Sender
	Logger    *logrus.Logger
}

// Service is the entry point for every caller-facing operation
type Service struct {
	cfg       *config.Config
	accounts  *identity.Resolver
	sessions  Sessions
	store     *cache.Store
	engine    *mailsync.Engine
	scheduler *mailsync.Scheduler
	monitor   *mailsync.Monitor
	sender    email.Sender
	logger    *logrus.Logger
	now       func() time.Time

	// pending cache writes issued after live reads
	wg sync.WaitGroup
}

// New creates a Service
func New(d Deps) *Service {
	return &Service{
		cfg:       d.Config,
		accounts:  d.Accounts,
		sessions:  d.Sessions,
		store:     d.Store,
		engine:    d.Engine,
		scheduler: d.Scheduler,
		monitor:   d.Monitor,
		sender:    d.Sender,
		logger:    d.Logger,
		now:       time.Now,
	}
}

// Init mirrors every configured account into the cache and seeds the
// health monitor with the last successful sync of each.
func (s *Service) Init(ctx context.Context) error {
	for _, key := range s.accounts.Keys() {
		acc, err := s.accounts.ResolveAccount(key)
		if err != nil {
			return err
		}
		if err := s.store.UpsertAccount(ctx, acc); err != nil {
			return err
		}
		if s.monitor == nil {
			continue
		}
		cached, err := s.store.GetAccount(ctx, key)
		if err != nil {
			return err
		}
		s.monitor.Track(key, cached.LastSync)
	}
	return nil
}

// Wait blocks until cache writes issued by earlier live reads finish
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) resolve(key string) (*config.AccountConfig, error) {
	return s.accounts.ResolveAccount(key)
}

// fresh reports whether a sync at the given time is recent enough to
// answer from the cache
func (s *Service) fresh(syncedAt *time.Time) bool {
	if syncedAt == nil || s.cfg.CacheFreshness <= 0 {
		return false
	}
	return s.now().Sub(*syncedAt) <= s.cfg.CacheFreshness
}

// lastSync is the last successful sync of an account
func (s *Service) lastSync(ctx context.Context, key string) (*time.Time, error) {
	acc, err := s.store.GetAccount(ctx, key)
	if err != nil {
		return nil, err
	}
	return acc.LastSync, nil
}

func (s *Service) cacheError(op, key string, err error) {
	metrics.RecordCacheLookup(op, "error")
	s.logger.WithError(err).WithFields(logrus.Fields{
		"operation": op,
		"account":   key,
	}).Warn("Cache lookup failed, falling back to live fetch")
}

// folderName maps a caller-supplied folder to the provider-native name
// known to the cache, if any
func (s *Service) folderName(ctx context.Context, key, folder string) string {
	if folder == "" {
		return defaultFolder
	}
	if f, err := s.store.GetFolder(ctx, key, folder); err == nil {
		return f.Name
	}
	return folder
}

// persist writes live results into the cache without delaying the caller
func (s *Service) persist(op, key string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"operation": op,
				"account":   key,
			}).Warn("Failed to cache live results")
		}
	}()
}

// cacheHeaders stores headers fetched live. Folder sync state is never
// advanced here: only a completed sync pass may do that.
func (s *Service) cacheHeaders(key, folder string, status *types.FolderStatus, msgs []*types.Message) {
	if len(msgs) == 0 && status == nil {
		return
	}
	s.persist("cache_headers", key, func(ctx context.Context) error {
		f := &types.Folder{AccountKey: key, Name: folder, Selectable: true}
		if status != nil {
			f.Messages = int(status.Messages)
			f.Unread = int(status.Unseen)
		}
		folderID, err := s.store.UpsertFolder(ctx, f)
		if err != nil {
			return err
		}
		if status != nil {
			if err := s.checkUIDValidity(ctx, key, folder, folderID, status.UIDValidity); err != nil {
				return err
			}
		}
		_, err = s.store.UpsertMessages(ctx, folderID, msgs)
		return err
	})
}

// checkUIDValidity drops a folder's cached rows when the server has
// renumbered it, so old bodies never attach to new UIDs
func (s *Service) checkUIDValidity(ctx context.Context, key, folder string, folderID int64, uidValidity uint32) error {
	renumbered, err := s.store.CheckUIDValidity(ctx, folderID, uidValidity)
	if err != nil {
		return err
	}
	if renumbered {
		s.logger.WithFields(logrus.Fields{
			"account":      key,
			"folder":       folder,
			"uid_validity": uidValidity,
		}).Warn("UIDVALIDITY changed, dropped cached messages")
	}
	return nil
}

func pageSize(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

// newestPage returns the UIDs of one page, newest first. uids must be
// sorted ascending.
func newestPage(uids []uint32, offset, limit int) []uint32 {
	if offset < 0 {
		offset = 0
	}
	end := len(uids) - offset
	if end <= 0 {
		return nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	page := make([]uint32, 0, end-start)
	for i := end - 1; i >= start; i-- {
		page = append(page, uids[i])
	}
	return page
}
