// Package callback implements the loopback HTTP endpoint that receives the
// OAuth2 redirect: it validates the CSRF state against the account's
// current Pending entry, exchanges the authorization code for tokens, and
// transitions the account to Active.
package callback

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"

	"github.com/authdproject/authd/internal/logging"
	"github.com/authdproject/authd/internal/oauthflow"
	"github.com/authdproject/authd/internal/pages"
	"github.com/authdproject/authd/internal/state"
)

// WakeNotifier is the subset of the refresher the callback listener needs:
// a way to say "something just changed, recompute your wakeup".
type WakeNotifier interface {
	Notify()
}

// Server is the loopback HTTP callback listener (component C4).
type Server struct {
	table    *state.Table
	wake     WakeNotifier
	listener net.Listener
	srv      *http.Server
}

// Listen binds a kernel-chosen loopback port and returns a Server ready to
// Serve. Binding happens before the table exists so the chosen port can be
// baked into every account's redirect_uri from the start.
func Listen() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("binding callback listener: %w", err)
	}
	return &Server{listener: ln}, nil
}

// Port returns the bound port.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Serve starts accepting connections using table for account/token lookups
// and wake to poke the refresher after every successful exchange. It blocks
// until ctx is canceled, then gracefully shuts down.
func (s *Server) Serve(ctx context.Context, table *state.Table, wake WakeNotifier) error {
	s.table = table
	s.wake = wake

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(logging.GinLogrusRecovery(), logging.GinLogrusLogger())
	r.GET("/:account", s.handleCallback)

	s.srv = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleCallback(c *gin.Context) {
	accountName := c.Param("account")
	presentedState := c.Query("state")
	code := c.Query("code")
	authErr := c.Query("error")

	g, unlock := s.table.Lock()
	id, ok := g.ValidateName(accountName)
	if !ok {
		unlock()
		pages.ServeFailure(c.Writer, http.StatusNotFound)
		return
	}

	pending, isPending := g.TokenState(id).(state.Pending)
	if !isPending || pending.StateNonce.Reveal() != presentedState {
		unlock()
		pages.ServeFailure(c.Writer, http.StatusBadRequest)
		return
	}

	if authErr != "" {
		unlock()
		pages.ServeFailure(c.Writer, http.StatusBadRequest)
		return
	}

	act := g.Account(id)
	verifier := pending.CodeVerifier.Reveal()
	httpPort := g.HTTPPort()
	accID := id.AccountID()
	unlock()

	conf := oauthflow.Config(act, httpPort)
	tok, err := conf.Exchange(c.Request.Context(), code, oauth2.VerifierOption(verifier))
	if err != nil {
		s.abortFlow(accID)
		pages.ServeFailure(c.Writer, http.StatusBadGateway)
		return
	}
	if tok.Type() != "" && !oauthflow.IsBearerTokenType(tok.Type()) {
		s.abortFlow(accID)
		pages.ServeFailure(c.Writer, http.StatusBadGateway)
		return
	}

	g, unlock = s.table.Lock()
	defer unlock()
	id, ok = g.ValidateID(accID)
	if !ok {
		// The account vanished or was reconfigured mid-exchange; discard the
		// tokens we just fetched rather than address a different account.
		pages.ServeFailure(c.Writer, http.StatusConflict)
		return
	}

	now := time.Now()
	g.ReplaceState(id, state.Active{
		AccessToken:  tok.AccessToken,
		Expiry:       tok.Expiry,
		RefreshedAt:  now,
		RefreshToken: tok.RefreshToken,
	})
	if s.wake != nil {
		s.wake.Notify()
	}

	pages.ServeSuccess(c.Writer)
}

// abortFlow resets a failed exchange back to Empty if the account is still
// live; a vanished account is simply left alone.
func (s *Server) abortFlow(id state.AccountID) {
	g, unlock := s.table.Lock()
	defer unlock()
	validID, ok := g.ValidateID(id)
	if !ok {
		return
	}
	g.ReplaceState(validID, state.Empty{})
}
