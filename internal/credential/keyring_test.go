package credential

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailcore/internal/mailerr"
)

func fakeEnv(vars map[string]string) envFunc {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

func TestFilePassphraseComesFromEnvironment(t *testing.T) {
	cfg := ringConfig(fakeEnv(map[string]string{PassphraseEnv: "s3cret"}))

	pw, err := cfg.FilePasswordFunc("Enter passphrase")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", pw)
	assert.Equal(t, defaultFileDir, cfg.FileDir)
	assert.Equal(t, serviceName, cfg.ServiceName)
}

func TestFileDirOverride(t *testing.T) {
	cfg := ringConfig(fakeEnv(map[string]string{DirEnv: "/var/lib/mailcore/keys"}))
	assert.Equal(t, "/var/lib/mailcore/keys", cfg.FileDir)
	assert.NotNil(t, cfg.FilePasswordFunc)
}

func TestGetAndSet(t *testing.T) {
	ring := keyring.NewArrayKeyring(nil)

	_, err := get(ring, "acct_1/imap")
	assert.True(t, mailerr.Is(err, mailerr.KindNotFound))

	require.NoError(t, set(ring, "acct_1/imap", "first"))
	require.NoError(t, set(ring, "acct_1/imap", "second"))

	secret, err := get(ring, "acct_1/imap")
	require.NoError(t, err)
	assert.Equal(t, "second", secret)
}
