package state

import (
	"testing"
	"time"

	"github.com/authdproject/authd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func acct(name, clientID string, scopes ...string) config.Account {
	return config.Account{
		Name:     name,
		AuthURI:  "https://example.com/auth",
		TokenURI: "https://example.com/token",
		ClientID: clientID,
		Scopes:   scopes,
	}
}

func TestValidateNameAndID(t *testing.T) {
	cfg := &config.Config{Accounts: []config.Account{acct("gmail", "cid")}}
	tbl := New(cfg, 1234)

	g, unlock := tbl.Lock()
	id, ok := g.ValidateName("gmail")
	require.True(t, ok)
	assert.Equal(t, Empty{}, g.TokenState(id))

	_, ok = g.ValidateName("nope")
	assert.False(t, ok)
	unlock()
}

func TestReplaceStatePreservesValidID(t *testing.T) {
	cfg := &config.Config{Accounts: []config.Account{acct("gmail", "cid")}}
	tbl := New(cfg, 1234)

	g, unlock := tbl.Lock()
	id, _ := g.ValidateName("gmail")
	id = g.ReplaceState(id, Active{AccessToken: "tok", Expiry: time.Now().Add(time.Hour)})
	active, ok := g.TokenState(id).(Active)
	require.True(t, ok)
	assert.Equal(t, "tok", active.AccessToken)
	unlock()
}

func TestUpdateConfigPreservesUnchangedInvalidatesChanged(t *testing.T) {
	cfg := &config.Config{Accounts: []config.Account{
		acct("a", "cid-a"),
		acct("b", "cid-b"),
	}}
	tbl := New(cfg, 1234)

	g, unlock := tbl.Lock()
	idA, _ := g.ValidateName("a")
	idA = g.ReplaceState(idA, Active{AccessToken: "tok-a", Expiry: time.Now().Add(time.Hour)})
	idB, _ := g.ValidateName("b")
	g.ReplaceState(idB, Pending{StateNonce: "nonce-b", URL: "https://example.com"})
	rawIDA := idA.AccountID()
	rawIDB := idB.AccountID()
	unlock()

	newCfg := &config.Config{Accounts: []config.Account{
		acct("a", "cid-a"), // unchanged identity
		acct("c", "cid-c"), // b removed, c added
	}}
	tbl.UpdateConfig(newCfg)

	g, unlock = tbl.Lock()
	defer unlock()

	// Old handles minted before the reload must fail to revalidate, even for
	// the account whose identity did not change.
	_, ok := g.ValidateID(rawIDA)
	assert.False(t, ok, "stale handle for unchanged account must not silently validate")
	_, ok = g.ValidateID(rawIDB)
	assert.False(t, ok)

	newIDA, ok := g.ValidateName("a")
	require.True(t, ok)
	assert.Equal(t, Active{AccessToken: "tok-a", Expiry: g.TokenState(newIDA).(Active).Expiry}, g.TokenState(newIDA))

	newIDC, ok := g.ValidateName("c")
	require.True(t, ok)
	assert.Equal(t, Empty{}, g.TokenState(newIDC))

	_, ok = g.ValidateName("b")
	assert.False(t, ok)
}

func TestUpdateConfigResetsChangedIdentity(t *testing.T) {
	cfg := &config.Config{Accounts: []config.Account{acct("gmail", "cid-old")}}
	tbl := New(cfg, 1234)

	g, unlock := tbl.Lock()
	id, _ := g.ValidateName("gmail")
	g.ReplaceState(id, Active{AccessToken: "tok", Expiry: time.Now().Add(time.Hour)})
	unlock()

	tbl.UpdateConfig(&config.Config{Accounts: []config.Account{acct("gmail", "cid-new")}})

	g, unlock = tbl.Lock()
	defer unlock()
	id, ok := g.ValidateName("gmail")
	require.True(t, ok)
	assert.Equal(t, Empty{}, g.TokenState(id))
}
