package pool

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailcore/internal/config"
	"github.com/brandon/mailcore/internal/email"
	"github.com/brandon/mailcore/internal/email/emailtest"
	"github.com/brandon/mailcore/internal/identity"
	"github.com/brandon/mailcore/internal/mailerr"
)

func newTestPool(t *testing.T, opts Options) (*Pool, *emailtest.Dialer) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	resolver, err := identity.NewResolver(&config.Config{Accounts: []config.AccountConfig{
		{Key: "acct_1", Email: "one@example.com"},
		{Key: "acct_2", Email: "two@example.com"},
	}})
	require.NoError(t, err)

	dialer := emailtest.NewDialer()
	dialer.Register("acct_1", emailtest.NewMailbox())
	dialer.Register("acct_2", emailtest.NewMailbox())

	p := New(opts, dialer, resolver, logger)
	t.Cleanup(func() { p.Close() })
	return p, dialer
}

func TestThirdRequestWaitsForRelease(t *testing.T) {
	p, dialer := newTestPool(t, Options{MaxPerAccount: 2, AcquireTimeout: 5 * time.Second})
	ctx := context.Background()

	c1, err := p.Acquire(ctx, "acct_1")
	require.NoError(t, err)
	c2, err := p.Acquire(ctx, "acct_1")
	require.NoError(t, err)

	got := make(chan *Conn, 1)
	go func() {
		c3, err := p.Acquire(ctx, "acct_1")
		if err != nil {
			got <- nil
			return
		}
		got <- c3
	}()

	select {
	case <-got:
		t.Fatal("third acquire should wait while both sessions are checked out")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 1, p.Stats().Accounts["acct_1"].Waiting)

	p.Release(c1)

	select {
	case c3 := <-got:
		require.NotNil(t, c3)
		assert.Same(t, c1, c3)
		p.Release(c3)
	case <-time.After(2 * time.Second):
		t.Fatal("third acquire was not served after release")
	}
	p.Release(c2)

	assert.Equal(t, 2, dialer.Dials())
	assert.Equal(t, 2, dialer.MaxOpen("acct_1"))
	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Waits)
	assert.Equal(t, int64(0), stats.WaitTimeouts)
	assert.Equal(t, 2, stats.Accounts["acct_1"].Idle)
}

func TestAcquireTimesOutWithPoolExhausted(t *testing.T) {
	p, _ := newTestPool(t, Options{MaxPerAccount: 1, AcquireTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	held, err := p.Acquire(ctx, "acct_1")
	require.NoError(t, err)
	defer p.Release(held)

	_, err = p.Acquire(ctx, "acct_1")
	require.Error(t, err)
	assert.True(t, mailerr.Is(err, mailerr.KindPoolExhausted))
	assert.Equal(t, int64(1), p.Stats().WaitTimeouts)
	assert.Equal(t, 0, p.Stats().Accounts["acct_1"].Waiting)

	// Other accounts have their own cap
	other, err := p.Acquire(ctx, "acct_2")
	require.NoError(t, err)
	p.Release(other)
}

func TestConcurrentUseNeverExceedsCap(t *testing.T) {
	p, dialer := newTestPool(t, Options{MaxPerAccount: 3, AcquireTimeout: 5 * time.Second})
	dialer.Delay = 5 * time.Millisecond

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- p.WithSession(context.Background(), "acct_1", func(s email.Session) error {
				time.Sleep(10 * time.Millisecond)
				return s.Noop()
			})
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.LessOrEqual(t, dialer.MaxOpen("acct_1"), 3)
	assert.LessOrEqual(t, p.Stats().Accounts["acct_1"].Open, 3)
	assert.Greater(t, p.Stats().Reused, int64(0))
}

func TestDialFailureGivesSlotBack(t *testing.T) {
	p, dialer := newTestPool(t, Options{MaxPerAccount: 1, AcquireTimeout: time.Second})
	dialer.FailDials(mailerr.Errorf(mailerr.KindAuth, "login", "authentication failed"))

	_, err := p.Acquire(context.Background(), "acct_1")
	require.Error(t, err)
	assert.True(t, mailerr.Is(err, mailerr.KindAuth))
	assert.Equal(t, 0, p.Stats().Accounts["acct_1"].Open)

	c, err := p.Acquire(context.Background(), "acct_1")
	require.NoError(t, err)
	p.Release(c)
	assert.Equal(t, 1, p.Stats().Accounts["acct_1"].Open)
}

func TestUnknownAccountFailsWithoutDialing(t *testing.T) {
	p, dialer := newTestPool(t, Options{MaxPerAccount: 1})

	_, err := p.Acquire(context.Background(), "someone@example.com")
	require.Error(t, err)
	assert.True(t, mailerr.Is(err, mailerr.KindNotFound))

	var unresolvable *identity.UnresolvableAccountError
	assert.True(t, errors.As(err, &unresolvable))
	assert.Equal(t, 0, dialer.Dials())
}

func TestBrokenSessionIsReplaced(t *testing.T) {
	p, dialer := newTestPool(t, Options{MaxPerAccount: 1, AcquireTimeout: time.Second})

	c, err := p.Acquire(context.Background(), "acct_1")
	require.NoError(t, err)
	c.MarkBroken()
	p.Release(c)

	assert.Eventually(t, func() bool {
		return p.Stats().Accounts["acct_1"].Idle == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, dialer.Dials())
	assert.Equal(t, 1, dialer.Open("acct_1"))
	assert.Equal(t, 1, p.Stats().Accounts["acct_1"].Open)
}

func TestWithSessionMarksTransportFailuresBroken(t *testing.T) {
	p, dialer := newTestPool(t, Options{MaxPerAccount: 1, AcquireTimeout: time.Second})

	err := p.WithSession(context.Background(), "acct_1", func(s email.Session) error {
		return mailerr.Errorf(mailerr.KindNetwork, "fetch", "connection reset")
	})
	require.Error(t, err)

	assert.Eventually(t, func() bool {
		return dialer.Dials() == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), p.Stats().Closed)
}

func TestReleaseTwiceIsIgnored(t *testing.T) {
	p, _ := newTestPool(t, Options{MaxPerAccount: 1})

	c, err := p.Acquire(context.Background(), "acct_1")
	require.NoError(t, err)
	p.Release(c)
	p.Release(c)

	assert.Equal(t, 1, p.Stats().Accounts["acct_1"].Idle)
}

func TestCheckIdleEvictsFailedSessions(t *testing.T) {
	p, dialer := newTestPool(t, Options{MaxPerAccount: 2})

	c, err := p.Acquire(context.Background(), "acct_1")
	require.NoError(t, err)
	c.Session.(*emailtest.Session).NoopErr = errors.New("* BYE idle timeout")
	p.Release(c)

	p.CheckIdle()

	stats := p.Stats().Accounts["acct_1"]
	assert.Equal(t, 0, stats.Open)
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, 0, dialer.Open("acct_1"))
}

func TestExpiredSessionsAreNotReused(t *testing.T) {
	p, dialer := newTestPool(t, Options{MaxPerAccount: 1, MaxAge: time.Minute})
	now := time.Now()
	p.now = func() time.Time { return now }

	c, err := p.Acquire(context.Background(), "acct_1")
	require.NoError(t, err)
	p.Release(c)

	now = now.Add(2 * time.Minute)
	c2, err := p.Acquire(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.NotSame(t, c, c2)
	p.Release(c2)

	assert.Equal(t, 2, dialer.Dials())
	assert.Equal(t, 1, dialer.Open("acct_1"))
}

func TestCloseFailsWaiters(t *testing.T) {
	p, dialer := newTestPool(t, Options{MaxPerAccount: 1, AcquireTimeout: 5 * time.Second})

	held, err := p.Acquire(context.Background(), "acct_1")
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), "acct_1")
		errc <- err
	}()
	assert.Eventually(t, func() bool {
		return p.Stats().Accounts["acct_1"].Waiting == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Close())
	assert.ErrorIs(t, <-errc, ErrClosed)

	p.Release(held)
	assert.Equal(t, 0, dialer.Open("acct_1"))

	_, err = p.Acquire(context.Background(), "acct_1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSlotFreedAfterCloseIsNotRedialed(t *testing.T) {
	p, dialer := newTestPool(t, Options{MaxPerAccount: 1, AcquireTimeout: time.Second})

	c, err := p.Acquire(context.Background(), "acct_1")
	require.NoError(t, err)

	// Release of a broken session racing with Close: the session is
	// already closed and its slot is about to be replaced
	p.mu.Lock()
	c.released = true
	p.counters.closed++
	p.mu.Unlock()
	p.closeSession(c, "broken")
	require.NoError(t, p.Close())

	assert.NotPanics(t, func() { p.replace("acct_1") })
	assert.Never(t, func() bool { return dialer.Dials() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, 0, p.Stats().Accounts["acct_1"].Open)
	assert.Equal(t, 0, dialer.Open("acct_1"))
}

func TestFailedReplacementGivesSlotBack(t *testing.T) {
	p, dialer := newTestPool(t, Options{MaxPerAccount: 1, AcquireTimeout: time.Second})

	c, err := p.Acquire(context.Background(), "acct_1")
	require.NoError(t, err)
	dialer.FailDials(mailerr.Errorf(mailerr.KindNetwork, "dial", "connection refused"))
	c.MarkBroken()
	p.Release(c)

	assert.Eventually(t, func() bool {
		return p.Stats().Accounts["acct_1"].Open == 0
	}, time.Second, 10*time.Millisecond)

	c, err = p.Acquire(context.Background(), "acct_1")
	require.NoError(t, err)
	p.Release(c)
	assert.Equal(t, 2, dialer.Dials())
}
