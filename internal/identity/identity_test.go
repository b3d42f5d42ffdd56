package identity

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailcore/internal/config"
	"github.com/brandon/mailcore/internal/mailerr"
)

func TestParseMessageRef(t *testing.T) {
	tests := []struct {
		in    string
		kind  RefKind
		value uint32
	}{
		{"101", Stable, 101},
		{" 12 ", Stable, 12},
		{"uid:7", Stable, 7},
		{"UID:8", Stable, 8},
		{"#3", Positional, 3},
		{"seq:4", Positional, 4},
	}
	for _, tt := range tests {
		ref, err := ParseMessageRef(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.kind, ref.Kind, tt.in)
		assert.Equal(t, tt.value, ref.Value, tt.in)
		assert.Equal(t, tt.in, ref.Raw)
	}

	for _, bad := range []string{"", "0", "abc", "-1", "#", "uid:", "4294967296"} {
		_, err := ParseMessageRef(bad)
		assert.True(t, mailerr.Is(err, mailerr.KindInvalid), "%q", bad)
	}
}

type fakeLocator struct {
	present map[uint32]bool
	seqs    []uint32
	err     error
}

func (f *fakeLocator) ExistingUIDs(uids []uint32) ([]uint32, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []uint32
	for _, uid := range uids {
		if f.present[uid] {
			out = append(out, uid)
		}
	}
	return out, nil
}

func (f *fakeLocator) UIDForSequence(seq uint32) (uint32, error) {
	if f.err != nil {
		return 0, f.err
	}
	if seq == 0 || int(seq) > len(f.seqs) {
		return 0, nil
	}
	return f.seqs[seq-1], nil
}

func TestResolveRefs(t *testing.T) {
	loc := &fakeLocator{
		present: map[uint32]bool{101: true, 102: true},
		seqs:    []uint32{101, 102},
	}

	resolved, unresolved, err := ResolveRefs(loc, []string{"101", "#2", "999", "abc", "#9"}, nil)
	require.NoError(t, err)

	assert.Equal(t, []Resolved{{ID: "#2", UID: 102}, {ID: "101", UID: 101}}, resolved)
	require.Len(t, unresolved, 3)
	assert.Equal(t, "abc", unresolved[0].ID)
	assert.True(t, mailerr.Is(unresolved[0].Err, mailerr.KindInvalid))
	assert.Equal(t, "#9", unresolved[1].ID)
	assert.True(t, mailerr.Is(unresolved[1].Err, mailerr.KindNotFound))
	assert.Equal(t, "999", unresolved[2].ID)
	assert.True(t, mailerr.Is(unresolved[2].Err, mailerr.KindNotFound))
}

func TestResolveRefsNeverFallsBackToSequence(t *testing.T) {
	// UID 2 is gone but sequence 2 exists; the stable id must not match it
	loc := &fakeLocator{present: map[uint32]bool{101: true, 102: true}, seqs: []uint32{101, 102}}

	resolved, unresolved, err := ResolveRefs(loc, []string{"2"}, nil)
	require.NoError(t, err)
	assert.Empty(t, resolved)
	require.Len(t, unresolved, 1)
	assert.Equal(t, "2", unresolved[0].ID)
}

func TestResolveRefsLocatorError(t *testing.T) {
	loc := &fakeLocator{err: errors.New("connection reset")}
	_, _, err := ResolveRefs(loc, []string{"101"}, nil)
	require.Error(t, err)
	assert.True(t, mailerr.Is(err, mailerr.KindNetwork))
}

func TestNormalizeFolder(t *testing.T) {
	assert.Equal(t, "INBOX", NormalizeFolder(" inbox "))
	assert.Equal(t, "INBOX/Receipts", NormalizeFolder("Inbox/Receipts"))
	assert.Equal(t, "Inboxes", NormalizeFolder("Inboxes"))
	assert.Equal(t, "Été", NormalizeFolder("&AMk-t&AOk-"))

	assert.True(t, SameFolder("e\u0301te\u0301", "\u00e9t\u00e9"))
	assert.True(t, SameFolder("&AMk-t&AOk-", "Été"))
	assert.False(t, SameFolder("Archive", "archive"))
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "a***e@example.com", MaskEmail("alice@example.com"))
	assert.Equal(t, "**@x.org", MaskEmail("ab@x.org"))
	assert.Equal(t, "acct_1", MaskEmail("acct_1"))
	assert.Equal(t, "broken@", MaskEmail("broken@"))
}

func TestResolver(t *testing.T) {
	cfg := &config.Config{Accounts: []config.AccountConfig{
		{Key: "work", Email: "me@work.example"},
		{Key: "home", Email: "me@home.example", Default: true},
	}}
	r, err := NewResolver(cfg)
	require.NoError(t, err)

	assert.Equal(t, []string{"home", "work"}, r.Keys())
	key, ok := r.DefaultKey()
	assert.True(t, ok)
	assert.Equal(t, "home", key)

	acc, err := r.ResolveAccount("work")
	require.NoError(t, err)
	assert.Equal(t, "me@work.example", acc.Email)

	_, err = r.ResolveAccount("me@work.example")
	require.Error(t, err)
	assert.True(t, mailerr.Is(err, mailerr.KindNotFound))
	var unresolvable *UnresolvableAccountError
	require.ErrorAs(t, err, &unresolvable)
	assert.Contains(t, err.Error(), "canonical key")

	_, err = r.ResolveAccount("")
	assert.Contains(t, err.Error(), "no key supplied")

	_, err = NewResolver(&config.Config{Accounts: []config.AccountConfig{{Key: "a"}, {Key: "a"}}})
	assert.Error(t, err)
	_, err = NewResolver(&config.Config{Accounts: []config.AccountConfig{{}}})
	assert.Error(t, err)
}
