// Package identity decides which account and which message an operation
// targets. Accounts are routed by canonical key only; messages by their
// stable UID, with positional addressing available only on explicit request.
package identity

import (
	"fmt"
	"sort"
	"strings"

	"github.com/brandon/mailcore/internal/config"
	"github.com/brandon/mailcore/internal/mailerr"
)

// UnresolvableAccountError is returned when a key does not name a
// configured account. There is no fallback to an email address or to the
// default account.
type UnresolvableAccountError struct {
	Key string
}

func (e *UnresolvableAccountError) Error() string {
	if strings.Contains(e.Key, "@") {
		return fmt.Sprintf("unresolvable account key %q: accounts are addressed by canonical key, not email address", e.Key)
	}
	if e.Key == "" {
		return "unresolvable account key: no key supplied"
	}
	return fmt.Sprintf("unresolvable account key %q", e.Key)
}

// Resolver maps canonical account keys to their configuration
type Resolver struct {
	accounts   map[string]*config.AccountConfig
	keys       []string
	defaultKey string
}

// NewResolver builds a resolver from the configured accounts
func NewResolver(cfg *config.Config) (*Resolver, error) {
	r := &Resolver{accounts: make(map[string]*config.AccountConfig, len(cfg.Accounts))}
	for i := range cfg.Accounts {
		acc := &cfg.Accounts[i]
		if acc.Key == "" {
			return nil, fmt.Errorf("account %d has no canonical key", i+1)
		}
		if _, dup := r.accounts[acc.Key]; dup {
			return nil, fmt.Errorf("duplicate account key %q", acc.Key)
		}
		r.accounts[acc.Key] = acc
		r.keys = append(r.keys, acc.Key)
		if acc.Default {
			r.defaultKey = acc.Key
		}
	}
	return r, nil
}

// ResolveAccount returns the account configured under key
func (r *Resolver) ResolveAccount(key string) (*config.AccountConfig, error) {
	acc, ok := r.accounts[key]
	if !ok {
		return nil, mailerr.E(mailerr.KindNotFound, "resolve account", &UnresolvableAccountError{Key: key})
	}
	return acc, nil
}

// Keys returns every canonical key, sorted
func (r *Resolver) Keys() []string {
	keys := append([]string(nil), r.keys...)
	sort.Strings(keys)
	return keys
}

// DefaultKey returns the key flagged as default, if any. It is informational:
// nothing in this package substitutes it for an unresolvable key.
func (r *Resolver) DefaultKey() (string, bool) {
	return r.defaultKey, r.defaultKey != ""
}
