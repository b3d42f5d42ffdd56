// Package pool hands out authenticated remote sessions per account without
// exceeding a per-account cap.
//
// The pool mutex guards bookkeeping only: slot counts, idle lists and
// wait queues. Dialing, logging in, health checks and logout always run
// with the mutex released, on every path including errors and cleanup.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailcore/internal/config"
	"github.com/brandon/mailcore/internal/email"
	"github.com/brandon/mailcore/internal/mailerr"
	"github.com/brandon/mailcore/internal/metrics"
)

// ErrClosed is returned by Acquire after Close
var ErrClosed = errors.New("connection pool closed")

// Options bounds the pool
type Options struct {
	MaxPerAccount  int
	AcquireTimeout time.Duration
	MaxAge         time.Duration
	HealthInterval time.Duration
}

// OptionsFromConfig converts pool configuration
func OptionsFromConfig(c config.PoolConfig) Options {
	return Options{
		MaxPerAccount:  c.MaxPerAccount,
		AcquireTimeout: c.AcquireTimeout,
		MaxAge:         c.MaxAge,
		HealthInterval: c.HealthInterval,
	}
}

// AccountLookup resolves canonical account keys
type AccountLookup interface {
	ResolveAccount(key string) (*config.AccountConfig, error)
}

// Conn is a checked-out session. It must not be shared between goroutines
// and must be returned with Release.
type Conn struct {
	email.Session

	key      string
	created  time.Time
	lastUsed time.Time
	broken   bool
	released bool
}

// MarkBroken makes Release close the session instead of reusing it
func (c *Conn) MarkBroken() {
	c.broken = true
}

// Key returns the account key the session belongs to
func (c *Conn) Key() string {
	return c.key
}

// grant is handed to a waiter: either a ready session or ownership of an
// already counted slot that the waiter must dial itself.
type grant struct {
	conn *Conn
	err  error
}

type waiter struct {
	ch chan grant
}

type accountPool struct {
	open    int
	idle    []*Conn
	waiters []*waiter
}

func (a *accountPool) popWaiter() *waiter {
	if len(a.waiters) == 0 {
		return nil
	}
	w := a.waiters[0]
	a.waiters = a.waiters[1:]
	return w
}

func (a *accountPool) removeWaiter(w *waiter) bool {
	for i, x := range a.waiters {
		if x == w {
			a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Pool is a bounded per-account session pool
type Pool struct {
	opts     Options
	dialer   email.Dialer
	accounts AccountLookup
	logger   *logrus.Logger
	now      func() time.Time

	mu       sync.Mutex
	byKey    map[string]*accountPool
	counters counters
	closed   bool

	stop chan struct{}
	wg   sync.WaitGroup
}

type counters struct {
	created      int64
	reused       int64
	closed       int64
	waits        int64
	waitTimeouts int64
}

// New creates a pool. Call Start to run background health checks.
func New(opts Options, dialer email.Dialer, accounts AccountLookup, logger *logrus.Logger) *Pool {
	if opts.MaxPerAccount < 1 {
		opts.MaxPerAccount = 1
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 60 * time.Second
	}
	return &Pool{
		opts:     opts,
		dialer:   dialer,
		accounts: accounts,
		logger:   logger,
		now:      time.Now,
		byKey:    make(map[string]*accountPool),
		stop:     make(chan struct{}),
	}
}

// account returns the bookkeeping for key. Callers hold p.mu.
func (p *Pool) account(key string) *accountPool {
	a, ok := p.byKey[key]
	if !ok {
		a = &accountPool{}
		p.byKey[key] = a
	}
	return a
}

func (p *Pool) expired(c *Conn) bool {
	return p.opts.MaxAge > 0 && p.now().Sub(c.created) > p.opts.MaxAge
}

// Acquire returns a session for the account, reusing an idle one when
// possible. When the account is at its cap it waits up to AcquireTimeout
// and then fails with a pool-exhausted error.
func (p *Pool) Acquire(ctx context.Context, key string) (*Conn, error) {
	acc, err := p.accounts.ResolveAccount(key)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(p.opts.AcquireTimeout)
	defer timer.Stop()
	waited := false

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		a := p.account(key)

		if n := len(a.idle); n > 0 {
			c := a.idle[n-1]
			a.idle = a.idle[:n-1]
			if p.expired(c) {
				// Aged out: close it and reuse its slot for a fresh session
				p.counters.closed++
				p.mu.Unlock()
				p.closeSession(c, "max age")
				return p.dial(ctx, acc)
			}
			c.released = false
			c.lastUsed = p.now()
			p.counters.reused++
			p.mu.Unlock()
			metrics.RecordPoolEvent(key, "reused")
			if waited {
				metrics.RecordPoolWait(key, "served")
			}
			return c, nil
		}

		if a.open < p.opts.MaxPerAccount {
			a.open++
			open := a.open
			p.mu.Unlock()
			metrics.SetPoolOpen(key, open)
			return p.dial(ctx, acc)
		}

		w := &waiter{ch: make(chan grant, 1)}
		a.waiters = append(a.waiters, w)
		if !waited {
			p.counters.waits++
			waited = true
		}
		p.mu.Unlock()

		select {
		case g := <-w.ch:
			return p.take(ctx, acc, g)
		case <-timer.C:
			if g, ok := p.abandon(key, w); ok {
				return p.take(ctx, acc, g)
			}
			p.mu.Lock()
			p.counters.waitTimeouts++
			p.mu.Unlock()
			metrics.RecordPoolWait(key, "timeout")
			return nil, mailerr.Errorf(mailerr.KindPoolExhausted, "acquire",
				"no session for account %s within %s (cap %d)", key, p.opts.AcquireTimeout, p.opts.MaxPerAccount)
		case <-ctx.Done():
			if g, ok := p.abandon(key, w); ok {
				return p.take(ctx, acc, g)
			}
			return nil, mailerr.E(mailerr.KindTimeout, "acquire", ctx.Err())
		}
	}
}

// abandon removes w from the wait queue. If w was already granted, the
// grant is returned so it is not lost.
func (p *Pool) abandon(key string, w *waiter) (grant, bool) {
	p.mu.Lock()
	removed := p.account(key).removeWaiter(w)
	p.mu.Unlock()
	if removed {
		return grant{}, false
	}
	return <-w.ch, true
}

func (p *Pool) take(ctx context.Context, acc *config.AccountConfig, g grant) (*Conn, error) {
	metrics.RecordPoolWait(acc.Key, "served")
	if g.err != nil {
		return nil, g.err
	}
	if g.conn != nil {
		metrics.RecordPoolEvent(acc.Key, "reused")
		return g.conn, nil
	}
	return p.dial(ctx, acc)
}

// dial opens a session into a slot the caller already owns. On failure
// the slot is given back under the lock.
func (p *Pool) dial(ctx context.Context, acc *config.AccountConfig) (*Conn, error) {
	sess, err := p.dialer.Dial(ctx, acc)
	if err != nil {
		p.freeSlot(acc.Key)
		return nil, err
	}

	now := p.now()
	p.mu.Lock()
	p.counters.created++
	p.mu.Unlock()
	metrics.RecordPoolEvent(acc.Key, "created")

	return &Conn{Session: sess, key: acc.Key, created: now, lastUsed: now}, nil
}

// freeSlot gives a counted slot to the next waiter, or decrements the count.
func (p *Pool) freeSlot(key string) {
	p.mu.Lock()
	a := p.account(key)
	if w := a.popWaiter(); w != nil && !p.closed {
		p.mu.Unlock()
		w.ch <- grant{}
		return
	}
	a.open--
	open := a.open
	p.mu.Unlock()
	metrics.SetPoolOpen(key, open)
}

// put returns a healthy session, handing it straight to a waiter if any.
func (p *Pool) put(c *Conn) {
	p.mu.Lock()
	a := p.account(c.key)
	if p.closed {
		a.open--
		p.counters.closed++
		p.mu.Unlock()
		p.closeSession(c, "pool closed")
		return
	}
	c.lastUsed = p.now()
	if w := a.popWaiter(); w != nil {
		c.released = false
		p.counters.reused++
		p.mu.Unlock()
		w.ch <- grant{conn: c}
		return
	}
	c.released = true
	a.idle = append(a.idle, c)
	p.mu.Unlock()
}

// Release returns a session. A broken or aged-out session is closed and
// its slot is kept for a replacement rather than decremented.
func (p *Pool) Release(c *Conn) {
	if c == nil {
		return
	}

	p.mu.Lock()
	if c.released {
		p.mu.Unlock()
		return
	}
	c.released = true

	if p.closed {
		p.account(c.key).open--
		p.counters.closed++
		p.mu.Unlock()
		p.closeSession(c, "pool closed")
		return
	}

	if !c.broken && !p.expired(c) {
		p.mu.Unlock()
		p.put(c)
		return
	}
	p.counters.closed++
	p.mu.Unlock()

	reason := "broken"
	if !c.broken {
		reason = "max age"
	}
	p.closeSession(c, reason)
	p.replace(c.key)
}

// replace fills a retained slot: a waiter takes it over directly,
// otherwise a fresh session is dialed in the background. A slot freed
// after Close is given up instead.
func (p *Pool) replace(key string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.freeSlot(key)
		return
	}
	a := p.account(key)
	if w := a.popWaiter(); w != nil {
		p.mu.Unlock()
		w.ch <- grant{}
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		acc, err := p.accounts.ResolveAccount(key)
		if err != nil {
			p.freeSlot(key)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.AcquireTimeout)
		defer cancel()
		c, err := p.dial(ctx, acc)
		if err != nil {
			p.logger.WithError(err).WithField("account", key).Warn("Failed to replace pooled session")
			p.freeSlot(key)
			return
		}
		p.put(c)
	}()
}

func (p *Pool) closeSession(c *Conn, reason string) {
	metrics.RecordPoolEvent(c.key, "closed")
	if err := c.Session.Close(); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"account": c.key,
			"reason":  reason,
		}).Debug("Error closing pooled session")
	}
}

// WithSession runs fn on a pooled session and always releases it. A
// transport failure marks the session broken so it is not reused.
func (p *Pool) WithSession(ctx context.Context, key string, fn func(email.Session) error) error {
	c, err := p.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer p.Release(c)

	if err := fn(c.Session); err != nil {
		if mailerr.Transport(mailerr.Classify(err)) {
			c.MarkBroken()
		}
		return err
	}
	return nil
}

// Start runs periodic health checks of idle sessions until Close
func (p *Pool) Start() {
	if p.opts.HealthInterval <= 0 {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.opts.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.CheckIdle()
			}
		}
	}()
}

// CheckIdle health-checks every idle session with NOOP and evicts those
// that fail or exceeded their maximum age.
func (p *Pool) CheckIdle() {
	p.mu.Lock()
	var idle []*Conn
	for _, a := range p.byKey {
		idle = append(idle, a.idle...)
		a.idle = nil
	}
	p.mu.Unlock()

	for _, c := range idle {
		c.released = false
		if p.expired(c) {
			p.evict(c, "max age")
			continue
		}
		if err := c.Noop(); err != nil {
			p.logger.WithError(err).WithField("account", c.key).Debug("Idle session failed health check")
			p.evict(c, "health check")
			continue
		}
		p.put(c)
	}
}

func (p *Pool) evict(c *Conn, reason string) {
	p.mu.Lock()
	p.counters.closed++
	p.mu.Unlock()
	p.closeSession(c, reason)
	p.freeSlot(c.key)
}

// Close closes idle sessions and fails pending waiters. Checked-out
// sessions are closed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stop)

	var idle []*Conn
	var waiters []*waiter
	for _, a := range p.byKey {
		idle = append(idle, a.idle...)
		a.open -= len(a.idle)
		a.idle = nil
		waiters = append(waiters, a.waiters...)
		a.waiters = nil
	}
	p.counters.closed += int64(len(idle))
	p.mu.Unlock()

	for _, w := range waiters {
		w.ch <- grant{err: ErrClosed}
	}
	for _, c := range idle {
		p.closeSession(c, "pool closed")
	}
	p.wg.Wait()
	return nil
}

// AccountStats is the live state of one account's slots
type AccountStats struct {
	Open    int `json:"open"`
	Idle    int `json:"idle"`
	Waiting int `json:"waiting"`
}

// Stats summarizes pool activity. ReuseRate and WaitTimeouts show whether
// the per-account cap is sized correctly.
type Stats struct {
	MaxPerAccount int                     `json:"max_per_account"`
	Created       int64                   `json:"created"`
	Reused        int64                   `json:"reused"`
	Closed        int64                   `json:"closed"`
	Waits         int64                   `json:"waits"`
	WaitTimeouts  int64                   `json:"wait_timeouts"`
	ReuseRate     float64                 `json:"reuse_rate"`
	Accounts      map[string]AccountStats `json:"accounts"`
}

// Stats returns a snapshot of pool counters
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		MaxPerAccount: p.opts.MaxPerAccount,
		Created:       p.counters.created,
		Reused:        p.counters.reused,
		Closed:        p.counters.closed,
		Waits:         p.counters.waits,
		WaitTimeouts:  p.counters.waitTimeouts,
		Accounts:      make(map[string]AccountStats, len(p.byKey)),
	}
	if total := s.Created + s.Reused; total > 0 {
		s.ReuseRate = float64(s.Reused) / float64(total)
	}
	for key, a := range p.byKey {
		s.Accounts[key] = AccountStats{Open: a.open, Idle: len(a.idle), Waiting: len(a.waiters)}
	}
	return s
}

// String renders the stats for logs
func (s Stats) String() string {
	return fmt.Sprintf("created=%d reused=%d closed=%d waits=%d wait_timeouts=%d reuse_rate=%.2f",
		s.Created, s.Reused, s.Closed, s.Waits, s.WaitTimeouts, s.ReuseRate)
}
