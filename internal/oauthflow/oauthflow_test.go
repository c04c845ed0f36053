package oauthflow

import (
	"net/url"
	"testing"

	"github.com/authdproject/authd/internal/config"
	"github.com/authdproject/authd/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	id  state.AccountID
	url string
}

func (r *recordingNotifier) Notify(id state.AccountID, url string) {
	r.id = id
	r.url = url
}

func newTable(t *testing.T, accounts ...config.Account) *state.Table {
	t.Helper()
	return state.New(&config.Config{Accounts: accounts}, 5555)
}

func TestRequestTokenBuildsPKCEURLAndTransitionsToPending(t *testing.T) {
	tbl := newTable(t, config.Account{
		Name:     "gmail",
		AuthURI:  "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURI: "https://oauth2.googleapis.com/token",
		ClientID: "cid",
		Scopes:   []string{"scope-a", "scope-b"},
		AuthURIExtras: map[string]string{
			"access_type": "offline",
		},
	})

	g, unlock := tbl.Lock()
	defer unlock()
	id, ok := g.ValidateName("gmail")
	require.True(t, ok)

	notifier := &recordingNotifier{}
	gotURL, err := RequestToken(g, id, notifier)
	require.NoError(t, err)

	parsed, err := url.Parse(gotURL)
	require.NoError(t, err)
	q := parsed.Query()

	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "cid", q.Get("client_id"))
	assert.Equal(t, "http://127.0.0.1:5555/gmail", q.Get("redirect_uri"))
	assert.Equal(t, "scope-a scope-b", q.Get("scope"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.NotEmpty(t, q.Get("state"))
	assert.Equal(t, "offline", q.Get("access_type"))

	pending, ok := g.TokenState(id).(state.Pending)
	require.True(t, ok)
	assert.Equal(t, q.Get("state"), pending.StateNonce.Reveal())
	assert.Equal(t, gotURL, pending.URL)
	assert.NotEmpty(t, pending.CodeVerifier)

	assert.Equal(t, gotURL, notifier.url)
}

func TestRequestTokenSupersedesExistingPending(t *testing.T) {
	tbl := newTable(t, config.Account{
		Name: "gmail", AuthURI: "https://example.com/auth", TokenURI: "https://example.com/token", ClientID: "cid",
	})

	g, unlock := tbl.Lock()
	defer unlock()
	id, _ := g.ValidateName("gmail")

	first, err := RequestToken(g, id, nil)
	require.NoError(t, err)
	firstNonce := g.TokenState(id).(state.Pending).StateNonce

	second, err := RequestToken(g, id, nil)
	require.NoError(t, err)
	secondPending := g.TokenState(id).(state.Pending)

	assert.NotEqual(t, first, second)
	assert.NotEqual(t, firstNonce, secondPending.StateNonce)
}
