// Package oauthflow drives the authorization-code-with-PKCE request: it
// mints a verifier and a CSRF state, builds the authorization URL, and
// transitions the account's token state from Empty (or a superseded
// Pending) to a fresh Pending.
package oauthflow

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/authdproject/authd/internal/config"
	"github.com/authdproject/authd/internal/logging"
	"github.com/authdproject/authd/internal/state"
)

// codeVerifierLen and stateLen are measured in raw random bytes, before
// base64url encoding, matching pizauth's CODE_VERIFIER_LEN/STATE_LEN.
const (
	codeVerifierLen = 64
	stateLen        = 8
)

func randomB64URL(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Notifier is the subset of the notifier component that RequestToken needs:
// surfacing a freshly-minted authorization URL to the user.
type Notifier interface {
	Notify(id state.AccountID, url string)
}

// Config builds an *oauth2.Config for act, with its redirect_uri bound to
// the daemon's chosen callback port. Shared with internal/callback (code
// exchange) and internal/refresher (refresh-token grant).
func Config(act config.Account, httpPort int) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     act.ClientID,
		ClientSecret: act.ClientSecret,
		Scopes:       act.Scopes,
		RedirectURL:  fmt.Sprintf("http://127.0.0.1:%d/%s", httpPort, act.Name),
		Endpoint: oauth2.Endpoint{
			AuthURL:  act.AuthURI,
			TokenURL: act.TokenURI,
		},
	}
}

// RequestToken mints a PKCE verifier and CSRF state, builds the
// authorization URL for act, transitions id to Pending under guard, and
// notifies the user. It returns the published URL.
//
// Callers hold the table lock across this call: the only I/O here is
// random-number generation and string building, no network access, so
// there is no need to release it (unlike C4/C5, which must drop the lock
// before any HTTP round trip).
func RequestToken(g *state.Guard, id state.ValidID, notifier Notifier) (string, error) {
	verifier, err := randomB64URL(codeVerifierLen)
	if err != nil {
		return "", err
	}
	stateNonce, err := randomB64URL(stateLen)
	if err != nil {
		return "", err
	}

	act := g.Account(id)
	conf := Config(act, g.HTTPPort())

	opts := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(verifier),
	}
	for k, v := range act.AuthURIExtras {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	url := conf.AuthCodeURL(stateNonce, opts...)

	id = g.ReplaceState(id, state.Pending{
		CodeVerifier: logging.Redacted(verifier),
		StateNonce:   logging.Redacted(stateNonce),
		URL:          url,
		StartedAt:    time.Now(),
	})

	if notifier != nil {
		notifier.Notify(id.AccountID(), url)
	}

	return url, nil
}

// IsBearerTokenType reports whether tokenType (an OAuth2 token_type field)
// is a case-insensitive match for "Bearer", the only token type this daemon
// understands. Shared by the refresh-token path and the authorization-code
// exchange path so both reject a non-Bearer token symmetrically.
func IsBearerTokenType(tokenType string) bool {
	return len(tokenType) == len("Bearer") && eqFold(tokenType, "Bearer")
}

func eqFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
