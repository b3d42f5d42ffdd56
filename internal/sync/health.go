package sync

import (
	"fmt"
	"sort"
	gosync "sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailcore/internal/mailerr"
	"github.com/brandon/mailcore/internal/metrics"
)

// Band is a health score range
type Band string

const (
	BandHealthy  Band = "healthy"
	BandWarning  Band = "warning"
	BandCritical Band = "critical"
)

// BandFor maps a score to its band
func BandFor(score float64) Band {
	switch {
	case score >= 70:
		return BandHealthy
	case score >= 50:
		return BandWarning
	default:
		return BandCritical
	}
}

// MonitorOptions tunes the health score
type MonitorOptions struct {
	FailurePenalty float64
	MaxPenalty     float64
	StaleAfter     time.Duration
	StalePenalty   float64
}

// DefaultMonitorOptions returns the standard scoring
func DefaultMonitorOptions(staleAfter time.Duration) MonitorOptions {
	return MonitorOptions{
		FailurePenalty: 10,
		MaxPenalty:     50,
		StaleAfter:     staleAfter,
		StalePenalty:   20,
	}
}

// AccountHealth is the health snapshot of one account
type AccountHealth struct {
	AccountKey          string     `json:"account_key"`
	Score               float64    `json:"score"`
	Band                Band       `json:"band"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Successes           int        `json:"successes"`
	Failures            int        `json:"failures"`
	SuccessRate         float64    `json:"success_rate"`
	Stale               bool       `json:"stale"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
	LastErrorKind       string     `json:"last_error_kind,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
}

// Alert is raised when an account changes band
type Alert struct {
	AccountKey string
	Band       Band
	Previous   Band
	Score      float64
	Message    string
	At         time.Time
}

// AlertSink receives health alerts
type AlertSink interface {
	Alert(a Alert)
}

// AlertFunc adapts a function to AlertSink
type AlertFunc func(a Alert)

func (f AlertFunc) Alert(a Alert) { f(a) }

// LogSink writes alerts to the log
type LogSink struct {
	Logger *logrus.Logger
}

func (s LogSink) Alert(a Alert) {
	entry := s.Logger.WithFields(logrus.Fields{
		"account":  a.AccountKey,
		"band":     a.Band,
		"previous": a.Previous,
		"score":    fmt.Sprintf("%.1f", a.Score),
	})
	switch a.Band {
	case BandCritical:
		entry.Error(a.Message)
	case BandWarning:
		entry.Warn(a.Message)
	default:
		entry.Info(a.Message)
	}
}

type accountHealth struct {
	consecutive   int
	successes     int
	failures      int
	lastSuccess   *time.Time
	lastFailure   *time.Time
	lastErrorKind mailerr.Kind
	lastError     string
	band          Band
}

// Monitor tracks per-account sync outcomes and raises alerts on band
// crossings
type Monitor struct {
	opts   MonitorOptions
	logger *logrus.Logger
	now    func() time.Time

	mu       gosync.Mutex
	accounts map[string]*accountHealth
	sinks    []AlertSink
}

// NewMonitor creates a monitor
func NewMonitor(opts MonitorOptions, logger *logrus.Logger) *Monitor {
	return &Monitor{
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		accounts: make(map[string]*accountHealth),
	}
}

// Register adds an alert sink
func (m *Monitor) Register(sink AlertSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, sink)
}

// Track starts tracking an account, seeding the last success time from
// the cache so staleness survives restarts
func (m *Monitor) Track(key string, lastSuccess *time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.account(key)
	if a.lastSuccess == nil && lastSuccess != nil {
		t := *lastSuccess
		a.lastSuccess = &t
	}
}

// account returns the state for key. Callers hold m.mu.
func (m *Monitor) account(key string) *accountHealth {
	a, ok := m.accounts[key]
	if !ok {
		a = &accountHealth{band: BandHealthy}
		m.accounts[key] = a
	}
	return a
}

// Record adds the outcome of one sync run
func (m *Monitor) Record(key string, err error, at time.Time) {
	m.mu.Lock()
	a := m.account(key)
	if err == nil {
		a.consecutive = 0
		a.successes++
		t := at
		a.lastSuccess = &t
	} else {
		a.consecutive++
		a.failures++
		t := at
		a.lastFailure = &t
		a.lastErrorKind = mailerr.Classify(err)
		a.lastError = err.Error()
	}

	h := m.snapshot(key, a)
	previous := a.band
	a.band = h.Band
	sinks := append([]AlertSink(nil), m.sinks...)
	m.mu.Unlock()

	metrics.SetHealthScore(key, h.Score)

	alert, ok := alertFor(h, previous, at)
	if !ok {
		return
	}
	for _, s := range sinks {
		s.Alert(alert)
	}
}

// alertFor decides whether a band change raises an alert: entering
// warning or critical does, and so does recovering to healthy.
func alertFor(h AccountHealth, previous Band, at time.Time) (Alert, bool) {
	if h.Band == previous {
		return Alert{}, false
	}
	a := Alert{AccountKey: h.AccountKey, Band: h.Band, Previous: previous, Score: h.Score, At: at}
	switch h.Band {
	case BandCritical:
		a.Message = fmt.Sprintf("Account %s sync health critical (score %.0f, %d consecutive failures)", h.AccountKey, h.Score, h.ConsecutiveFailures)
	case BandWarning:
		a.Message = fmt.Sprintf("Account %s sync health degraded (score %.0f)", h.AccountKey, h.Score)
	default:
		a.Message = fmt.Sprintf("Account %s sync health recovered (score %.0f)", h.AccountKey, h.Score)
	}
	return a, true
}

// snapshot computes the health of an account. Callers hold m.mu.
func (m *Monitor) snapshot(key string, a *accountHealth) AccountHealth {
	total := a.successes + a.failures
	rate := 1.0
	if total > 0 {
		rate = float64(a.successes) / float64(total)
	}

	penalty := float64(a.consecutive) * m.opts.FailurePenalty
	if m.opts.MaxPenalty > 0 && penalty > m.opts.MaxPenalty {
		penalty = m.opts.MaxPenalty
	}
	score := (100 - penalty) * rate

	stale := false
	if m.opts.StaleAfter > 0 {
		if a.lastSuccess != nil {
			stale = m.now().Sub(*a.lastSuccess) > m.opts.StaleAfter
		} else {
			stale = total > 0
		}
	}
	if stale {
		score -= m.opts.StalePenalty
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return AccountHealth{
		AccountKey:          key,
		Score:               score,
		Band:                BandFor(score),
		ConsecutiveFailures: a.consecutive,
		Successes:           a.successes,
		Failures:            a.failures,
		SuccessRate:         rate,
		Stale:               stale,
		LastSuccess:         a.lastSuccess,
		LastFailure:         a.lastFailure,
		LastErrorKind:       string(a.lastErrorKind),
		LastError:           a.lastError,
	}
}

// Health returns the current health of an account
func (m *Monitor) Health(key string) AccountHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(key, m.account(key))
}

// Score returns the current score of an account
func (m *Monitor) Score(key string) float64 {
	return m.Health(key).Score
}

// Status returns the current band of an account
func (m *Monitor) Status(key string) Band {
	return m.Health(key).Band
}

// HealthAll returns every tracked account, ordered by key
func (m *Monitor) HealthAll() []AccountHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.accounts))
	for k := range m.accounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]AccountHealth, len(keys))
	for i, k := range keys {
		out[i] = m.snapshot(k, m.accounts[k])
	}
	return out
}
