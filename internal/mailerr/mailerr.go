// Package mailerr defines the error taxonomy shared by the pool, the sync
// engine and the query layer.
package mailerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind is the classification of a failure
type Kind string

const (
	KindPoolExhausted Kind = "pool_exhausted"
	KindAuth          Kind = "auth"
	KindPermission    Kind = "permission"
	KindTimeout       Kind = "timeout"
	KindNetwork       Kind = "network"
	KindRateLimited   Kind = "rate_limited"
	KindNotFound      Kind = "not_found"
	KindPartialBatch  Kind = "partial_batch"
	KindInvalid       Kind = "invalid"
	KindOther         Kind = "other"
)

// Error is a classified error
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E wraps err with a kind and the operation that failed
func E(kind Kind, op string, err error) error {
	if err == nil {
		err = errors.New(string(kind))
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string
func Errorf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Is reports whether err classifies as kind
func Is(err error, kind Kind) bool {
	return err != nil && Classify(err) == kind
}

var (
	authPatterns = []string{
		"authenticationfailed",
		"authentication failed",
		"login failed",
		"invalid credentials",
		"bad credentials",
		"unauthorized",
		"authentication error",
		"[auth]",
		"535 ",
	}
	permissionPatterns = []string{
		"permission denied",
		"[noperm]",
		"access denied",
		"not allowed",
		"read-only",
	}
	rateLimitPatterns = []string{
		"rate limit",
		"too many",
		"[limit]",
		"throttl",
		"try again later",
		"bandwidth exceeded",
	}
	timeoutPatterns = []string{
		"timeout",
		"timed out",
		"deadline exceeded",
	}
	networkPatterns = []string{
		"connection refused",
		"connection reset",
		"network unreachable",
		"host unreachable",
		"no such host",
		"broken pipe",
		"connection lost",
		"use of closed network connection",
		"unexpected eof",
		"eof",
		"* bye",
		"[unavailable]",
		"server temporarily unavailable",
	}
	notFoundPatterns = []string{
		"[nonexistent]",
		"no such mailbox",
		"mailbox does not exist",
		"unknown mailbox",
	}
)

// Classify determines the kind of err. Classified errors keep their kind,
// transport errors are inspected by type, and remaining server responses
// are matched on their text.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, authPatterns):
		return KindAuth
	case containsAny(msg, permissionPatterns):
		return KindPermission
	case containsAny(msg, rateLimitPatterns):
		return KindRateLimited
	case containsAny(msg, timeoutPatterns):
		return KindTimeout
	case containsAny(msg, notFoundPatterns):
		return KindNotFound
	case containsAny(msg, networkPatterns):
		return KindNetwork
	}
	return KindOther
}

// Retryable reports whether a failure of this kind is worth retrying.
// Authentication and permission failures need operator action.
func Retryable(kind Kind) bool {
	switch kind {
	case KindTimeout, KindNetwork, KindRateLimited:
		return true
	default:
		return false
	}
}

// Transport reports whether the kind indicates the session itself is no
// longer usable.
func Transport(kind Kind) bool {
	return kind == KindTimeout || kind == KindNetwork
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
