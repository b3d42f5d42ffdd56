package sync

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailcore/internal/cache"
	"github.com/brandon/mailcore/internal/config"
	"github.com/brandon/mailcore/internal/email/emailtest"
	"github.com/brandon/mailcore/internal/identity"
	"github.com/brandon/mailcore/internal/mailerr"
	"github.com/brandon/mailcore/internal/pool"
	"github.com/brandon/mailcore/pkg/types"
)

type harness struct {
	cfg      *config.Config
	store    *cache.Store
	box      *emailtest.Mailbox
	dialer   *emailtest.Dialer
	pool     *pool.Pool
	resolver *identity.Resolver
	monitor  *Monitor
	engine   *Engine
	logger   *logrus.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := &config.Config{
		CacheRetention:     time.Hour,
		SyncEventRetention: time.Hour,
		Sync: config.SyncConfig{
			IncrementalInterval: time.Hour,
			FullInterval:        24 * time.Hour,
			MaxAttempts:         3,
			InitialBackoff:      time.Millisecond,
			MaxBackoff:          5 * time.Millisecond,
			BatchSize:           2,
			InitialLimit:        100,
			StaleAfter:          24 * time.Hour,
		},
		Accounts: []config.AccountConfig{
			{Key: "acct_1", Email: "one@example.com", SyncFolders: []string{"INBOX"}},
		},
	}

	c, err := cache.NewCache(filepath.Join(t.TempDir(), "cache.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	store := cache.NewStore(c, logger)

	resolver, err := identity.NewResolver(cfg)
	require.NoError(t, err)

	box := emailtest.NewMailbox()
	dialer := emailtest.NewDialer()
	dialer.Register("acct_1", box)

	p := pool.New(pool.Options{MaxPerAccount: 1, AcquireTimeout: 2 * time.Second}, dialer, resolver, logger)
	t.Cleanup(func() { p.Close() })

	monitor := NewMonitor(DefaultMonitorOptions(cfg.Sync.StaleAfter), logger)
	engine := NewEngine(p, store, resolver, monitor, cfg.Sync, logger)

	return &harness{cfg: cfg, store: store, box: box, dialer: dialer, pool: p, resolver: resolver, monitor: monitor, engine: engine, logger: logger}
}

func (h *harness) inboxUIDs(t *testing.T) []uint32 {
	t.Helper()
	f, err := h.store.GetFolder(context.Background(), "acct_1", "INBOX")
	require.NoError(t, err)
	uids, err := h.store.CachedUIDs(context.Background(), f.ID)
	require.NoError(t, err)
	return uids
}

func TestIncrementalSyncFetchesAboveWatermark(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, s := range []string{"one", "two", "three"} {
		h.box.Add("INBOX", s, "alice@example.com")
	}

	res, err := h.engine.SyncAccount(ctx, "acct_1", types.SyncIncremental)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Messages)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []uint32{1, 2, 3}, h.inboxUIDs(t))

	f, err := h.store.GetFolder(ctx, "acct_1", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), f.Watermark)
	assert.NotNil(t, f.LastSynced)

	h.box.Add("INBOX", "four", "bob@example.com")
	res, err = h.engine.SyncAccount(ctx, "acct_1", types.SyncIncremental)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Messages)
	assert.Equal(t, []uint32{1, 2, 3, 4}, h.inboxUIDs(t))

	acc, err := h.store.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, types.SyncCompleted, acc.SyncStatus)
	assert.NotNil(t, acc.LastSync)
	assert.Equal(t, types.SyncIdle, h.engine.State("acct_1").State)
	assert.Equal(t, types.SyncCompleted, h.engine.State("acct_1").LastOutcome)
}

func TestFullSyncDetectsRemoteDeletions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.box.AddFolder("Archive")
	for _, s := range []string{"a", "b", "c"} {
		h.box.Add("INBOX", s, "alice@example.com")
	}

	_, err := h.engine.SyncAccount(ctx, "acct_1", types.SyncIncremental)
	require.NoError(t, err)

	// Another client deletes and reads messages
	h.box.Remove("INBOX", 2)
	_, err = h.engine.SyncAccount(ctx, "acct_1", types.SyncIncremental)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 3}, h.inboxUIDs(t), "incremental pass cannot see deletions")

	res, err := h.engine.SyncAccount(ctx, "acct_1", types.SyncFull)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, []uint32{1, 3}, h.inboxUIDs(t))

	// Full pass mirrors the folder list
	folders, err := h.store.ListFolders(ctx, "acct_1")
	require.NoError(t, err)
	assert.Len(t, folders, 2)
}

func TestUIDValidityChangeResetsFolder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.box.Add("INBOX", "old", "alice@example.com")
	h.box.Add("INBOX", "older", "alice@example.com")

	_, err := h.engine.SyncAccount(ctx, "acct_1", types.SyncIncremental)
	require.NoError(t, err)

	h.box.Remove("INBOX", 1)
	h.box.Remove("INBOX", 2)
	h.box.ResetUIDValidity("INBOX", 42)
	h.box.SetUIDNext("INBOX", 1)
	h.box.Add("INBOX", "renumbered", "carol@example.com")

	_, err = h.engine.SyncAccount(ctx, "acct_1", types.SyncIncremental)
	require.NoError(t, err)

	f, err := h.store.GetFolder(ctx, "acct_1", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(42), f.UIDValidity)
	assert.Equal(t, uint32(1), f.Watermark)

	m, err := h.store.GetMessageByUID(ctx, "acct_1", "INBOX", 1)
	require.NoError(t, err)
	assert.Equal(t, "renumbered", m.Subject)
	assert.Equal(t, []uint32{1}, h.inboxUIDs(t))
}

func TestMissingFolderIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.cfg.Accounts[0].SyncFolders = []string{"Gone", "INBOX"}
	h.box.Add("INBOX", "a", "alice@example.com")

	res, err := h.engine.SyncAccount(context.Background(), "acct_1", types.SyncIncremental)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Folders)
	assert.Equal(t, 1, res.Messages)
}

func TestTransientFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.box.Add("INBOX", "a", "alice@example.com")
	h.box.FailNext(errors.New("read tcp: connection reset by peer"))

	res, err := h.engine.SyncAccount(ctx, "acct_1", types.SyncIncremental)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)

	events, err := h.engine.SyncHistory(ctx, "acct_1", time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].Success)
	assert.Equal(t, 1, events[0].MessagesSynced)
	assert.False(t, events[1].Success)
	assert.Equal(t, string(mailerr.KindNetwork), events[1].ErrorKind)
	assert.NotEqual(t, events[0].AttemptID, events[1].AttemptID)
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.dialer.FailDials(mailerr.Errorf(mailerr.KindAuth, "login", "AUTHENTICATIONFAILED invalid credentials"))

	res, err := h.engine.SyncAccount(ctx, "acct_1", types.SyncIncremental)
	require.Error(t, err)
	assert.True(t, mailerr.Is(err, mailerr.KindAuth))
	assert.Equal(t, 1, res.Attempts)

	acc, err := h.store.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, types.SyncFailed, acc.SyncStatus)
	assert.Nil(t, acc.LastSync)

	health := h.monitor.Health("acct_1")
	assert.Equal(t, 1, health.ConsecutiveFailures)
	assert.Equal(t, "auth", health.LastErrorKind)
	assert.Equal(t, types.SyncFailed, h.engine.State("acct_1").LastOutcome)
}

func TestUnknownAccountIsRejected(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.SyncAccount(context.Background(), "one@example.com", types.SyncFull)
	require.Error(t, err)
	assert.True(t, mailerr.Is(err, mailerr.KindNotFound))
	assert.Equal(t, 0, h.dialer.Dials())
}

func TestQuietHoursSkipScheduledButNotForcedSync(t *testing.T) {
	h := newHarness(t)
	quiet, err := config.ParseQuietHours("09:00-11:00")
	require.NoError(t, err)
	h.cfg.Sync.QuietHours = quiet
	h.box.Add("INBOX", "a", "alice@example.com")

	s := NewScheduler(h.engine, h.store, h.cfg, []string{"acct_1"}, h.logger)
	s.now = func() time.Time { return time.Date(2024, 1, 1, 10, 0, 0, 0, time.Local) }

	s.tick(context.Background(), "acct_1", types.SyncIncremental, h.logger.WithField("account", "acct_1"))
	assert.Equal(t, 0, h.dialer.Dials())

	res, err := s.ForceSync(context.Background(), "acct_1", types.SyncIncremental)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Messages)
}

func TestSchedulerRunsFirstPassAndStops(t *testing.T) {
	h := newHarness(t)
	h.box.Add("INBOX", "a", "alice@example.com")

	s := NewScheduler(h.engine, h.store, h.cfg, []string{"acct_1"}, h.logger)
	s.Start(context.Background())

	assert.Eventually(t, func() bool {
		acc, err := h.store.GetAccount(context.Background(), "acct_1")
		return err == nil && acc.LastSync != nil
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop()

	events, err := h.engine.SyncHistory(context.Background(), "acct_1", time.Hour, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, types.SyncFull, events[len(events)-1].Kind)
}

func TestConcurrentSyncOfSameAccountIsRefused(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.begin("acct_1"))
	defer h.engine.finish("acct_1", types.SyncIncremental, nil, time.Now())

	_, err := h.engine.SyncAccount(context.Background(), "acct_1", types.SyncIncremental)
	assert.ErrorIs(t, err, ErrSyncInProgress)
}

func TestCleanupPrunesOldRows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.box.Add("INBOX", "a", "alice@example.com")
	h.box.Add("INBOX", "b", "alice@example.com")
	_, err := h.engine.SyncAccount(ctx, "acct_1", types.SyncIncremental)
	require.NoError(t, err)
	h.box.Remove("INBOX", 1)
	_, err = h.engine.SyncAccount(ctx, "acct_1", types.SyncFull)
	require.NoError(t, err)

	s := NewScheduler(h.engine, h.store, h.cfg, []string{"acct_1"}, h.logger)
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	s.Cleanup(ctx)

	assert.Equal(t, []uint32{2}, h.inboxUIDs(t))

	events, err := h.engine.SyncHistory(ctx, "acct_1", 24*time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRetryDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 2, RateLimitFactor: 4}

	assert.Equal(t, time.Second, p.Delay(1, mailerr.KindNetwork))
	assert.Equal(t, 2*time.Second, p.Delay(2, mailerr.KindTimeout))
	assert.Equal(t, 4*time.Second, p.Delay(1, mailerr.KindRateLimited))
	assert.Equal(t, time.Minute, p.Delay(10, mailerr.KindNetwork))
}

func TestRetryStopsOnPermanentErrors(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), func(int) error {
		calls++
		return errors.New("NO [NOPERM] permission denied")
	}, nil)
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	calls = 0
	var retried []mailerr.Kind
	err = p.Do(context.Background(), func(int) error {
		calls++
		return errors.New("i/o timeout")
	}, func(_ int, k mailerr.Kind, _ time.Duration) { retried = append(retried, k) })
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []mailerr.Kind{mailerr.KindTimeout, mailerr.KindTimeout}, retried)
}

func TestHealthScoreAndAlerts(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	m := NewMonitor(MonitorOptions{FailurePenalty: 10, MaxPenalty: 50, StaleAfter: 24 * time.Hour, StalePenalty: 20}, logger)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	var mu gosync.Mutex
	var alerts []Alert
	m.Register(AlertFunc(func(a Alert) {
		mu.Lock()
		defer mu.Unlock()
		alerts = append(alerts, a)
	}))
	m.Register(LogSink{Logger: logger})

	m.Record("acct_1", nil, now)
	assert.Equal(t, 100.0, m.Score("acct_1"))
	assert.Equal(t, BandHealthy, m.Status("acct_1"))

	fail := errors.New("i/o timeout")
	m.Record("acct_1", fail, now) // (100-10) * 1/2 = 45
	assert.InDelta(t, 45.0, m.Score("acct_1"), 0.001)
	assert.Equal(t, BandCritical, m.Status("acct_1"))

	m.Record("acct_1", nil, now) // 100 * 2/3
	assert.InDelta(t, 66.67, m.Score("acct_1"), 0.01)
	assert.Equal(t, BandWarning, m.Status("acct_1"))

	m.Record("acct_1", nil, now) // 100 * 3/4
	assert.Equal(t, BandHealthy, m.Status("acct_1"))

	mu.Lock()
	require.Len(t, alerts, 3)
	assert.Equal(t, BandCritical, alerts[0].Band)
	assert.Equal(t, BandWarning, alerts[1].Band)
	assert.Equal(t, BandHealthy, alerts[2].Band)
	assert.Equal(t, BandWarning, alerts[2].Previous)
	mu.Unlock()

	// Staleness lowers the score without a new record
	now = now.Add(48 * time.Hour)
	assert.InDelta(t, 55.0, m.Score("acct_1"), 0.001)
	assert.True(t, m.Health("acct_1").Stale)

	all := m.HealthAll()
	require.Len(t, all, 1)
	assert.Equal(t, "acct_1", all[0].AccountKey)
}

func TestConsecutiveFailurePenaltyIsCapped(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	m := NewMonitor(MonitorOptions{FailurePenalty: 30, MaxPenalty: 50}, logger)

	m.Track("acct_1", nil)
	assert.Equal(t, 100.0, m.Score("acct_1"))

	for i := 0; i < 9; i++ {
		m.Record("acct_1", nil, time.Now())
	}
	m.Record("acct_1", errors.New("connection reset"), time.Now())
	m.Record("acct_1", errors.New("connection reset"), time.Now())
	m.Record("acct_1", errors.New("connection reset"), time.Now())

	// penalty capped at 50, success rate 9/12
	assert.InDelta(t, 37.5, m.Score("acct_1"), 0.001)
}
