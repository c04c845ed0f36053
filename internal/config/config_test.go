package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
accounts:
  gmail:
    auth_uri: https://accounts.google.com/o/oauth2/v2/auth
    token_uri: https://oauth2.googleapis.com/token
    client_id: abc123
    client_secret: shh
    scopes: [https://mail.google.com/]
    refresh_before_expiry: 30s
    refresh_at_least: 1h
`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoadParsesAccounts(t *testing.T) {
	p := writeTemp(t, "authd.yaml", sampleYAML)

	cfg, err := Load(p)
	require.NoError(t, err)
	require.Len(t, cfg.Accounts, 1)

	act := cfg.Accounts[0]
	assert.Equal(t, "gmail", act.Name)
	assert.Equal(t, "abc123", act.ClientID)
	require.NotNil(t, act.RefreshBeforeExpiry)
	assert.Equal(t, 30*time.Second, *act.RefreshBeforeExpiry)
	require.NotNil(t, act.RefreshAtLeast)
	assert.Equal(t, time.Hour, *act.RefreshAtLeast)
}

func TestLoadRejectsMissingFields(t *testing.T) {
	p := writeTemp(t, "authd.yaml", `
accounts:
  broken:
    auth_uri: https://example.com/auth
`)
	_, err := Load(p)
	assert.Error(t, err)
}

func TestSameIdentity(t *testing.T) {
	a := Account{Name: "gmail", ClientID: "x", TokenURI: "t", Scopes: []string{"a", "b"}}
	b := a
	assert.True(t, a.SameIdentity(b))

	b.ClientID = "y"
	assert.False(t, a.SameIdentity(b))
}

func TestWatchDebouncesAndReloads(t *testing.T) {
	p := writeTemp(t, "authd.yaml", sampleYAML)

	changes := make(chan *Config, 4)
	w, err := Watch(p, func(cfg *Config, err error) {
		if err == nil {
			changes <- cfg
		}
	})
	require.NoError(t, err)
	defer w.Close()

	updated := sampleYAML + "\n" // trivial change
	require.NoError(t, os.WriteFile(p, []byte(updated), 0o600))

	select {
	case cfg := <-changes:
		require.Len(t, cfg.Accounts, 1)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
