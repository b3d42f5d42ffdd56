// Package sync keeps the cache eventually consistent with each remote
// account: a per-account sync engine with retry, a background scheduler
// and a health monitor.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailcore/internal/cache"
	"github.com/brandon/mailcore/internal/config"
	"github.com/brandon/mailcore/internal/email"
	"github.com/brandon/mailcore/internal/identity"
	"github.com/brandon/mailcore/internal/mailerr"
	"github.com/brandon/mailcore/internal/metrics"
	"github.com/brandon/mailcore/pkg/types"
)

// ErrSyncInProgress is returned when an account is already being synced
var ErrSyncInProgress = errors.New("sync already in progress")

// SessionRunner runs fn on a pooled session for an account
type SessionRunner interface {
	WithSession(ctx context.Context, key string, fn func(email.Session) error) error
}

// AccountLookup resolves canonical account keys
type AccountLookup interface {
	ResolveAccount(key string) (*config.AccountConfig, error)
}

// Result summarizes one SyncAccount run
type Result struct {
	AccountKey string         `json:"account_key"`
	Kind       types.SyncKind `json:"kind"`
	Attempts   int            `json:"attempts"`
	Folders    int            `json:"folders"`
	Messages   int            `json:"messages_synced"`
	Removed    int            `json:"messages_removed"`
	Duration   time.Duration  `json:"duration"`
}

// AccountState is the in-memory sync state of an account
type AccountState struct {
	State       types.SyncStatus `json:"state"`
	LastOutcome types.SyncStatus `json:"last_outcome"`
	LastKind    types.SyncKind   `json:"last_kind,omitempty"`
	LastRun     *time.Time       `json:"last_run,omitempty"`
	LastError   string           `json:"last_error,omitempty"`
}

// Engine performs sync passes for accounts
type Engine struct {
	sessions SessionRunner
	store    *cache.Store
	accounts AccountLookup
	monitor  *Monitor
	cfg      config.SyncConfig
	retry    RetryPolicy
	logger   *logrus.Logger
	now      func() time.Time

	mu     gosync.Mutex
	states map[string]*AccountState
}

// NewEngine creates a sync engine
func NewEngine(sessions SessionRunner, store *cache.Store, accounts AccountLookup, monitor *Monitor, cfg config.SyncConfig, logger *logrus.Logger) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	return &Engine{
		sessions: sessions,
		store:    store,
		accounts: accounts,
		monitor:  monitor,
		cfg:      cfg,
		retry:    PolicyFromConfig(cfg),
		logger:   logger,
		now:      time.Now,
		states:   make(map[string]*AccountState),
	}
}

// State returns the sync state of an account
func (e *Engine) State(key string) AccountState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.states[key]; ok {
		return *st
	}
	return AccountState{State: types.SyncIdle, LastOutcome: types.SyncIdle}
}

// begin moves an account to syncing, refusing if it already is
func (e *Engine) begin(key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[key]
	if !ok {
		st = &AccountState{LastOutcome: types.SyncIdle}
		e.states[key] = st
	}
	if st.State == types.SyncSyncing {
		return ErrSyncInProgress
	}
	st.State = types.SyncSyncing
	return nil
}

// finish records the outcome and returns the account to idle
func (e *Engine) finish(key string, kind types.SyncKind, err error, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.states[key]
	st.State = types.SyncIdle
	st.LastKind = kind
	st.LastRun = &at
	st.LastError = ""
	st.LastOutcome = types.SyncCompleted
	if err != nil {
		st.LastOutcome = types.SyncFailed
		st.LastError = err.Error()
	}
}

// SyncAccount runs one sync pass of the given kind, retrying transient
// failures. Every attempt is logged as a SyncEvent and the final outcome
// is reported to the health monitor.
func (e *Engine) SyncAccount(ctx context.Context, key string, kind types.SyncKind) (*Result, error) {
	acc, err := e.accounts.ResolveAccount(key)
	if err != nil {
		return nil, err
	}
	if err := e.begin(key); err != nil {
		return nil, err
	}

	start := e.now()
	result := &Result{AccountKey: key, Kind: kind}
	log := e.logger.WithFields(logrus.Fields{"account": key, "kind": kind})

	err = e.run(ctx, acc, kind, result, log)

	finished := e.now()
	result.Duration = finished.Sub(start)
	e.finish(key, kind, err, finished)
	if e.monitor != nil {
		e.monitor.Record(key, err, finished)
	}

	status, lastSync := types.SyncCompleted, &finished
	outcome := "success"
	if err != nil {
		status, lastSync, outcome = types.SyncFailed, nil, string(mailerr.Classify(err))
	}
	if serr := e.store.UpdateAccountSync(context.Background(), key, status, lastSync); serr != nil {
		log.WithError(serr).Warn("Failed to record account sync state")
	}
	metrics.RecordSync(key, string(kind), outcome, result.Duration)

	if err != nil {
		log.WithError(err).WithField("attempts", result.Attempts).Error("Sync failed")
		return result, err
	}
	log.WithFields(logrus.Fields{
		"folders":  result.Folders,
		"messages": result.Messages,
		"removed":  result.Removed,
		"attempts": result.Attempts,
		"duration": result.Duration.String(),
	}).Info("Sync completed")
	return result, nil
}

func (e *Engine) run(ctx context.Context, acc *config.AccountConfig, kind types.SyncKind, result *Result, log *logrus.Entry) error {
	if err := e.store.UpsertAccount(ctx, acc); err != nil {
		return fmt.Errorf("failed to mirror account: %w", err)
	}
	if err := e.store.UpdateAccountSync(ctx, acc.Key, types.SyncSyncing, nil); err != nil {
		log.WithError(err).Warn("Failed to record account sync state")
	}

	return e.retry.Do(ctx, func(attempt int) error {
		result.Attempts = attempt
		pass := &Result{}
		ev := &types.SyncEvent{
			AttemptID:  uuid.NewString(),
			AccountKey: acc.Key,
			Kind:       kind,
			StartedAt:  e.now(),
		}

		err := e.sessions.WithSession(ctx, acc.Key, func(s email.Session) error {
			return e.syncSession(ctx, s, acc, kind, pass, log)
		})

		ev.FinishedAt = e.now()
		ev.MessagesSynced = pass.Messages
		ev.Success = err == nil
		if err != nil {
			ev.ErrorKind = string(mailerr.Classify(err))
			ev.ErrorMessage = err.Error()
		}
		if _, serr := e.store.AppendSyncEvent(context.Background(), ev); serr != nil {
			log.WithError(serr).Warn("Failed to append sync event")
		}

		result.Folders += pass.Folders
		result.Messages += pass.Messages
		result.Removed += pass.Removed
		return err
	}, func(attempt int, k mailerr.Kind, delay time.Duration) {
		log.WithFields(logrus.Fields{
			"attempt":    attempt,
			"error_kind": k,
			"retry_in":   delay.String(),
		}).Warn("Sync attempt failed, retrying")
	})
}

// syncSession syncs every configured folder over one session. A folder
// that no longer exists is skipped; any other failure aborts the attempt.
func (e *Engine) syncSession(ctx context.Context, s email.Session, acc *config.AccountConfig, kind types.SyncKind, result *Result, log *logrus.Entry) error {
	folders, err := e.folders(ctx, s, acc, kind)
	if err != nil {
		return err
	}

	for _, name := range folders {
		n, removed, err := e.syncFolder(ctx, s, acc.Key, name, kind == types.SyncFull)
		if err != nil {
			if mailerr.Classify(err) == mailerr.KindNotFound {
				log.WithError(err).WithField("folder", name).Warn("Skipping folder")
				continue
			}
			return fmt.Errorf("folder %s: %w", name, err)
		}
		result.Folders++
		result.Messages += n
		result.Removed += removed
	}
	return nil
}

// folders returns the folders to sync. A full pass, or a "*" selection,
// lists the server's folders and mirrors them first.
func (e *Engine) folders(ctx context.Context, s email.Session, acc *config.AccountConfig, kind types.SyncKind) ([]string, error) {
	all := false
	for _, f := range acc.SyncFolders {
		if f == "*" {
			all = true
		}
	}
	if kind != types.SyncFull && !all {
		return acc.SyncFolders, nil
	}

	remote, err := s.ListFolders()
	if err != nil {
		return nil, err
	}
	var selectable []string
	for i := range remote {
		f := remote[i]
		f.AccountKey = acc.Key
		if _, err := e.store.UpsertFolder(ctx, &f); err != nil {
			return nil, err
		}
		if f.Selectable {
			selectable = append(selectable, f.Name)
		}
	}
	if all {
		return selectable, nil
	}
	return acc.SyncFolders, nil
}

// syncFolder reconciles one folder. Incremental passes fetch UIDs above
// the watermark; full passes also soft-delete rows the server no longer
// reports and refresh flags. A UIDVALIDITY change drops the folder's rows
// and forces a full pass.
func (e *Engine) syncFolder(ctx context.Context, s email.Session, accountKey, name string, full bool) (int, int, error) {
	status, err := s.Select(name, true)
	if err != nil {
		if mailerr.Classify(err) == mailerr.KindOther {
			err = mailerr.E(mailerr.KindNotFound, "select", err)
		}
		return 0, 0, err
	}

	folderID, err := e.store.UpsertFolder(ctx, &types.Folder{
		AccountKey: accountKey,
		Name:       name,
		Selectable: true,
		Messages:   int(status.Messages),
		Unread:     int(status.Unseen),
	})
	if err != nil {
		return 0, 0, err
	}
	folder, err := e.store.GetFolder(ctx, accountKey, name)
	if err != nil {
		return 0, 0, err
	}

	watermark := folder.Watermark
	if folder.UIDValidity != 0 && folder.UIDValidity != status.UIDValidity {
		e.logger.WithFields(logrus.Fields{
			"account": accountKey,
			"folder":  name,
			"old":     folder.UIDValidity,
			"new":     status.UIDValidity,
		}).Warn("UIDVALIDITY changed, resetting folder cache")
		if err := e.store.ResetFolder(ctx, folderID, status.UIDValidity); err != nil {
			return 0, 0, err
		}
		watermark = 0
		full = true
	}

	var criteria email.Criteria
	if !full {
		criteria.MinUID = watermark + 1
	}
	remote, err := s.SearchUIDs(criteria)
	if err != nil {
		return 0, 0, err
	}

	var toFetch []uint32
	removed := 0
	if full {
		cached, err := e.store.CachedUIDs(ctx, folderID)
		if err != nil {
			return 0, 0, err
		}
		onServer := make(map[uint32]bool, len(remote))
		for _, uid := range remote {
			onServer[uid] = true
		}
		isCached := make(map[uint32]bool, len(cached))
		var gone, kept []uint32
		for _, uid := range cached {
			isCached[uid] = true
			if onServer[uid] {
				kept = append(kept, uid)
			} else {
				gone = append(gone, uid)
			}
		}
		n, err := e.store.MarkDeleted(ctx, folderID, gone)
		if err != nil {
			return 0, 0, err
		}
		removed = int(n)
		if err := e.refreshFlags(ctx, s, folderID, kept); err != nil {
			return 0, 0, err
		}
		for _, uid := range remote {
			if !isCached[uid] {
				toFetch = append(toFetch, uid)
			}
		}
	} else {
		for _, uid := range remote {
			if uid > watermark {
				toFetch = append(toFetch, uid)
			}
		}
	}

	sort.Slice(toFetch, func(i, j int) bool { return toFetch[i] < toFetch[j] })
	if watermark == 0 && e.cfg.InitialLimit > 0 && len(toFetch) > e.cfg.InitialLimit {
		// First sync of a large folder: keep the newest messages only
		toFetch = toFetch[len(toFetch)-e.cfg.InitialLimit:]
	}

	synced := 0
	newWatermark := watermark
	for start := 0; start < len(toFetch); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(toFetch) {
			end = len(toFetch)
		}
		msgs, err := s.FetchHeaders(toFetch[start:end])
		if err != nil {
			return synced, removed, err
		}
		n, err := e.store.UpsertMessages(ctx, folderID, msgs)
		if err != nil {
			return synced, removed, err
		}
		synced += n
		for _, m := range msgs {
			if m.UID > newWatermark {
				newWatermark = m.UID
			}
		}
	}

	err = e.store.SetFolderSyncState(ctx, folderID, cache.FolderSyncState{
		UIDValidity: status.UIDValidity,
		UIDNext:     status.UIDNext,
		Watermark:   newWatermark,
		Messages:    int(status.Messages),
		Unread:      int(status.Unseen),
		SyncedAt:    e.now(),
	})
	if err != nil {
		return synced, removed, err
	}

	e.logger.WithFields(logrus.Fields{
		"account":   accountKey,
		"folder":    name,
		"count":     synced,
		"removed":   removed,
		"watermark": newWatermark,
		"full":      full,
	}).Debug("Synced folder")
	return synced, removed, nil
}

// refreshFlags copies server flags onto cached rows, in batches
func (e *Engine) refreshFlags(ctx context.Context, s email.Session, folderID int64, uids []uint32) error {
	for start := 0; start < len(uids); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(uids) {
			end = len(uids)
		}
		states, err := s.FetchFlags(uids[start:end])
		if err != nil {
			return err
		}
		updates := make(map[uint32]cache.FlagUpdate, len(states))
		for uid, st := range states {
			updates[uid] = cache.FlagUpdate{Read: &st.Read, Flagged: &st.Flagged, Deleted: &st.Deleted}
		}
		if err := e.store.SetFlags(ctx, folderID, updates); err != nil {
			return err
		}
	}
	return nil
}

// SyncHistory returns an account's sync attempts within the window
func (e *Engine) SyncHistory(ctx context.Context, key string, window time.Duration, limit int) ([]types.SyncEvent, error) {
	if _, err := e.accounts.ResolveAccount(key); err != nil {
		return nil, err
	}
	return e.store.RecentSyncEvents(ctx, key, e.now().Add(-window), limit)
}

var _ AccountLookup = (*identity.Resolver)(nil)
