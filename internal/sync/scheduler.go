package sync

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailcore/internal/cache"
	"github.com/brandon/mailcore/internal/config"
	"github.com/brandon/mailcore/pkg/types"
)

// Scheduler runs one independent sync loop per account
type Scheduler struct {
	engine *Engine
	store  *cache.Store
	cfg    *config.Config
	keys   []string
	logger *logrus.Logger
	now    func() time.Time

	mu      gosync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      gosync.WaitGroup
}

// NewScheduler creates a scheduler for the given account keys
func NewScheduler(engine *Engine, store *cache.Store, cfg *config.Config, keys []string, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		engine: engine,
		store:  store,
		cfg:    cfg,
		keys:   keys,
		logger: logger,
		now:    time.Now,
	}
}

// Start launches the per-account loops and the cleanup loop
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, key := range s.keys {
		s.wg.Add(1)
		go s.runAccount(ctx, key)
	}
	s.wg.Add(1)
	go s.runCleanup(ctx)

	s.logger.WithField("accounts", len(s.keys)).Info("Sync scheduler started")
}

// Stop cancels every loop and waits for in-flight passes to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Sync scheduler stopped")
}

// ForceSync runs a pass immediately. It is an explicit request and
// ignores quiet hours.
func (s *Scheduler) ForceSync(ctx context.Context, key string, kind types.SyncKind) (*Result, error) {
	s.logger.WithFields(logrus.Fields{"account": key, "kind": kind}).Info("Forced sync requested")
	return s.engine.SyncAccount(ctx, key, kind)
}

// quiet reports whether scheduled syncs are suppressed right now
func (s *Scheduler) quiet() bool {
	return s.cfg.Sync.QuietHours.Contains(s.now())
}

// runAccount is the timer loop of one account. A first pass runs at once:
// full when the account was never synced, incremental otherwise.
func (s *Scheduler) runAccount(ctx context.Context, key string) {
	defer s.wg.Done()
	log := s.logger.WithField("account", key)

	incremental := time.NewTicker(interval(s.cfg.Sync.IncrementalInterval, 15*time.Minute))
	defer incremental.Stop()
	full := time.NewTicker(interval(s.cfg.Sync.FullInterval, 24*time.Hour))
	defer full.Stop()

	first := types.SyncIncremental
	if acc, err := s.store.GetAccount(ctx, key); err != nil || acc.LastSync == nil {
		first = types.SyncFull
	}
	s.tick(ctx, key, first, log)

	for {
		select {
		case <-ctx.Done():
			return
		case <-incremental.C:
			s.tick(ctx, key, types.SyncIncremental, log)
		case <-full.C:
			s.tick(ctx, key, types.SyncFull, log)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, key string, kind types.SyncKind, log *logrus.Entry) {
	if s.quiet() {
		log.WithField("kind", kind).Debug("Skipping scheduled sync during quiet hours")
		return
	}
	// Failures are recorded by the engine; the loop keeps going
	_, err := s.engine.SyncAccount(ctx, key, kind)
	if errors.Is(err, ErrSyncInProgress) {
		log.WithField("kind", kind).Debug("Sync already running, skipping tick")
	}
}

// runCleanup prunes the cache once per full sync interval
func (s *Scheduler) runCleanup(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval(s.cfg.Sync.FullInterval, 24*time.Hour))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cleanup(ctx)
		}
	}
}

// Cleanup hard-deletes expired soft-deleted messages and old sync events
func (s *Scheduler) Cleanup(ctx context.Context) {
	now := s.now()
	retention := interval(s.cfg.CacheRetention, 30*24*time.Hour)
	events := interval(s.cfg.SyncEventRetention, 14*24*time.Hour)
	if _, err := s.store.Cleanup(ctx, now.Add(-retention), now.Add(-events)); err != nil {
		s.logger.WithError(err).Warn("Cache cleanup failed")
	}
}

func interval(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
