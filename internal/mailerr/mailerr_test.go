package mailerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type netError struct {
	timeout bool
}

func (e netError) Error() string   { return "net failure" }
func (e netError) Timeout() bool   { return e.timeout }
func (e netError) Temporary() bool { return false }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"classified", E(KindPoolExhausted, "acquire", nil), KindPoolExhausted},
		{"wrapped classified", fmt.Errorf("outer: %w", Errorf(KindInvalid, "mark", "bad flag")), KindInvalid},
		{"deadline", fmt.Errorf("select: %w", context.DeadlineExceeded), KindTimeout},
		{"net timeout", netError{timeout: true}, KindTimeout},
		{"net other", netError{}, KindNetwork},
		{"auth", errors.New("NO [AUTHENTICATIONFAILED] Invalid credentials (Failure)"), KindAuth},
		{"permission", errors.New("NO [NOPERM] Permission denied"), KindPermission},
		{"rate limited", errors.New("NO Too many simultaneous connections"), KindRateLimited},
		{"not found", errors.New("NO [NONEXISTENT] Unknown Mailbox: Archive"), KindNotFound},
		{"bye", errors.New("* BYE server shutting down"), KindNetwork},
		{"unknown", errors.New("NO [SERVERBUG] internal error"), KindOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestErrorText(t *testing.T) {
	assert.Equal(t, "mark: invalid: unsupported flag 3", Errorf(KindInvalid, "mark", "unsupported flag %d", 3).Error())
	assert.Equal(t, "not_found: not_found", E(KindNotFound, "", nil).Error())

	cause := errors.New("boom")
	assert.ErrorIs(t, E(KindNetwork, "fetch", cause), cause)
}

func TestIs(t *testing.T) {
	assert.True(t, Is(E(KindAuth, "login", nil), KindAuth))
	assert.False(t, Is(nil, KindAuth))
	assert.False(t, Is(errors.New("plain"), KindAuth))
}

func TestRetryableAndTransport(t *testing.T) {
	for _, k := range []Kind{KindTimeout, KindNetwork, KindRateLimited} {
		assert.True(t, Retryable(k), k)
	}
	for _, k := range []Kind{KindAuth, KindPermission, KindInvalid, KindNotFound, KindOther} {
		assert.False(t, Retryable(k), k)
	}

	assert.True(t, Transport(KindNetwork))
	assert.True(t, Transport(KindTimeout))
	assert.False(t, Transport(KindRateLimited))
	assert.False(t, Transport(KindAuth))
}
