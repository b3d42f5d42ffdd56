package query

import (
	"context"
	"time"

	"github.com/brandon/mailcore/internal/mailerr"
	"github.com/brandon/mailcore/internal/pool"
	mailsync "github.com/brandon/mailcore/internal/sync"
	"github.com/brandon/mailcore/pkg/types"
)

// AccountStatus combines the health and sync state of one account
type AccountStatus struct {
	Account types.Account          `json:"account"`
	Health  mailsync.AccountHealth `json:"health"`
	Sync    mailsync.AccountState  `json:"sync"`
}

// Health reports the status of one account
func (s *Service) Health(ctx context.Context, key string) (*AccountStatus, error) {
	if _, err := s.resolve(key); err != nil {
		return nil, err
	}
	acc, err := s.store.GetAccount(ctx, key)
	if err != nil {
		return nil, err
	}
	st := &AccountStatus{Account: *acc, Sync: s.engine.State(key)}
	if s.monitor != nil {
		st.Health = s.monitor.Health(key)
	}
	return st, nil
}

// HealthAll reports the status of every account, ordered by key
func (s *Service) HealthAll(ctx context.Context) ([]AccountStatus, error) {
	keys := s.accounts.Keys()
	out := make([]AccountStatus, 0, len(keys))
	for _, key := range keys {
		st, err := s.Health(ctx, key)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, nil
}

// SyncHistory returns recent sync attempts of an account, newest first
func (s *Service) SyncHistory(ctx context.Context, key string, window time.Duration, limit int) ([]types.SyncEvent, error) {
	if window <= 0 {
		window = historyWindow
	}
	if limit <= 0 || limit > historyMaxEvents {
		limit = historyMaxEvents
	}
	return s.engine.SyncHistory(ctx, key, window, limit)
}

// SyncAccount runs a sync pass now, regardless of quiet hours
func (s *Service) SyncAccount(ctx context.Context, key string, kind types.SyncKind) (*mailsync.Result, error) {
	switch kind {
	case "":
		kind = types.SyncIncremental
	case types.SyncIncremental, types.SyncFull:
	default:
		return nil, mailerr.Errorf(mailerr.KindInvalid, "sync", "unknown sync kind %q", kind)
	}
	if s.scheduler != nil {
		return s.scheduler.ForceSync(ctx, key, kind)
	}
	return s.engine.SyncAccount(ctx, key, kind)
}

// PoolStats returns connection pool counters
func (s *Service) PoolStats() pool.Stats {
	return s.sessions.Stats()
}
