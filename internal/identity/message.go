package identity

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailcore/internal/mailerr"
)

// RefKind is the address space of a message reference
type RefKind int

const (
	// Stable references carry a UID
	Stable RefKind = iota
	// Positional references carry a sequence number
	Positional
)

func (k RefKind) String() string {
	if k == Positional {
		return "positional"
	}
	return "stable"
}

// MessageRef is a parsed caller-supplied message identifier
type MessageRef struct {
	Raw   string
	Kind  RefKind
	Value uint32
}

// FormatUID renders a UID as the identifier returned to callers
func FormatUID(uid uint32) string {
	return strconv.FormatUint(uint64(uid), 10)
}

// ParseMessageRef parses an identifier. A bare number or "uid:N" is a
// stable identifier. "seq:N" or "#N" is a legacy positional identifier.
func ParseMessageRef(s string) (MessageRef, error) {
	raw := s
	s = strings.TrimSpace(s)
	kind := Stable
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "uid:"):
		s = s[4:]
	case strings.HasPrefix(lower, "seq:"):
		s = s[4:]
		kind = Positional
	case strings.HasPrefix(s, "#"):
		s = s[1:]
		kind = Positional
	}
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil || n == 0 {
		return MessageRef{}, mailerr.Errorf(mailerr.KindInvalid, "parse message id", "invalid message identifier %q", raw)
	}
	return MessageRef{Raw: raw, Kind: kind, Value: uint32(n)}, nil
}

// Locator is the part of a selected remote folder the resolver needs
type Locator interface {
	// ExistingUIDs returns which of uids are present in the selected folder
	ExistingUIDs(uids []uint32) ([]uint32, error)
	// UIDForSequence maps a sequence number to its UID, zero when out of range
	UIDForSequence(seq uint32) (uint32, error)
}

// Resolved pairs a caller identifier with the UID it addresses
type Resolved struct {
	ID  string
	UID uint32
}

// Unresolved is an identifier that could not be mapped to a message
type Unresolved struct {
	ID  string
	Err error
}

// ResolveRefs maps caller identifiers to UIDs in the currently selected
// folder. Stable identifiers are verified against the server; a UID that
// is absent is reported as not found, never reinterpreted as a sequence
// number. Positional identifiers are translated explicitly and logged.
func ResolveRefs(loc Locator, ids []string, logger *logrus.Entry) ([]Resolved, []Unresolved, error) {
	var resolved []Resolved
	var unresolved []Unresolved

	var stable []MessageRef
	for _, id := range ids {
		ref, err := ParseMessageRef(id)
		if err != nil {
			unresolved = append(unresolved, Unresolved{ID: id, Err: err})
			continue
		}
		if ref.Kind == Stable {
			stable = append(stable, ref)
			continue
		}

		uid, err := loc.UIDForSequence(ref.Value)
		if err != nil {
			return nil, nil, fmt.Errorf("resolving positional identifier %s: %w", id, err)
		}
		if logger != nil {
			logger.WithFields(logrus.Fields{
				"identifier": id,
				"sequence":   ref.Value,
				"uid":        uid,
			}).Warn("Positional identifier fallback used")
		}
		if uid == 0 {
			unresolved = append(unresolved, Unresolved{ID: id, Err: mailerr.Errorf(mailerr.KindNotFound, "resolve message", "no message at position %d", ref.Value)})
			continue
		}
		resolved = append(resolved, Resolved{ID: id, UID: uid})
	}

	if len(stable) > 0 {
		uids := make([]uint32, len(stable))
		for i, ref := range stable {
			uids[i] = ref.Value
		}
		present, err := loc.ExistingUIDs(uids)
		if err != nil {
			return nil, nil, fmt.Errorf("verifying message identifiers: %w", err)
		}
		exists := make(map[uint32]bool, len(present))
		for _, uid := range present {
			exists[uid] = true
		}
		for _, ref := range stable {
			if !exists[ref.Value] {
				unresolved = append(unresolved, Unresolved{ID: ref.Raw, Err: mailerr.Errorf(mailerr.KindNotFound, "resolve message", "no message with uid %d", ref.Value)})
				continue
			}
			resolved = append(resolved, Resolved{ID: ref.Raw, UID: ref.Value})
		}
	}

	return resolved, unresolved, nil
}
