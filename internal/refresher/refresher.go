// Package refresher implements the background timer that keeps Active
// tokens fresh: it wakes at the earliest deadline across all accounts,
// refreshes tokens whose deadline has passed, and collapses spurious
// wakeups. The HTTP exchange goes through golang.org/x/oauth2 rather than a
// hand-rolled form POST.
package refresher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/authdproject/authd/internal/oauthflow"
	"github.com/authdproject/authd/internal/state"
)

// Kind is the outcome of one refresh attempt.
type Kind int

const (
	// Refreshed means a new access token was installed.
	Refreshed Kind = iota
	// AccountOrTokenStateChanged means a concurrent mutation invalidated the
	// operation; the caller should treat this as a no-op.
	AccountOrTokenStateChanged
	// PermanentError means the refresh token itself is no longer good; the
	// account's state has been reset to Empty.
	PermanentError
	// TransitoryError means a transport hiccup occurred; state is
	// unchanged and the refresher will retry at the next wake.
	TransitoryError
)

// Result is the detailed outcome of a refresh attempt.
type Result struct {
	Kind    Kind
	Message string
}

// Refresher owns the boolean-predicate-plus-condvar wake device: every
// change that could lower the next wake time (a fresh Active token, a
// config reload, a completed authorization) calls Notify, and the
// background loop wakes whenever the predicate is true or its computed
// deadline arrives, whichever is sooner.
type Refresher struct {
	mu   sync.Mutex
	cond *sync.Cond
	wake bool
}

// New constructs a Refresher. Call Run in its own goroutine to start the
// background loop.
func New() *Refresher {
	r := &Refresher{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Notify sets the wake predicate and pokes the condition variable. Safe to
// call from any goroutine, with or without the table lock held.
func (r *Refresher) Notify() {
	r.mu.Lock()
	r.wake = true
	r.mu.Unlock()
	r.cond.Signal()
}

// refreshAt returns the instant id's Active token should be refreshed at,
// applying refresh_before_expiry and refresh_at_least per spec.md §4.4. The
// second return is false for any non-Active state.
func refreshAt(g *state.Guard, id state.ValidID) (time.Time, bool) {
	active, ok := g.TokenState(id).(state.Active)
	if !ok {
		return time.Time{}, false
	}

	expiry := active.Expiry
	act := g.Account(id)

	if d := act.RefreshBeforeExpiry; d != nil {
		// Mirrors refresher.rs's checked_sub: subtract unconditionally. A
		// resulting deadline in the past just means the refresher fires on
		// its next wake instead of waiting further — Go's time.Time has no
		// representable underflow for any realistic duration, so the
		// source's fallback-to-now-or-expiry branch (guarding against an
		// Instant underflowing past the monotonic clock's epoch) has no
		// equivalent failure mode to reproduce here.
		expiry = expiry.Add(-*d)
	}
	if d := act.RefreshAtLeast; d != nil {
		candidate := active.RefreshedAt.Add(*d)
		if candidate.Before(expiry) {
			expiry = candidate
		}
	}
	return expiry, true
}

// NextWakeup computes the earliest refreshAt across every account in the
// table. ok is false if no account is Active.
func NextWakeup(table *state.Table) (time.Time, bool) {
	g, unlock := table.Lock()
	defer unlock()

	var (
		next  time.Time
		found bool
	)
	for _, id := range g.AllIDs() {
		t, ok := refreshAt(g, id)
		if !ok {
			continue
		}
		if !found || t.Before(next) {
			next = t
			found = true
		}
	}
	return next, found
}

// Refresh exchanges the refresh token for id for a new access token. It
// makes a single attempt and returns its outcome; a TransitoryError is not
// retried here. It implements the five-step algorithm in spec.md §4.4.
func Refresh(ctx context.Context, table *state.Table, r *Refresher, id state.AccountID) Result {
	g, unlock := table.Lock()
	validID, ok := g.ValidateID(id)
	if !ok {
		unlock()
		return Result{Kind: AccountOrTokenStateChanged}
	}

	active, ok := g.TokenState(validID).(state.Active)
	if !ok || active.RefreshToken == "" {
		unlock()
		return Result{Kind: AccountOrTokenStateChanged}
	}
	act := g.Account(validID)
	unlock()

	conf := oauthflow.Config(act, 0)
	// Feed the TokenSource an artificially-expired token so it always
	// performs a refresh-token grant POST rather than short-circuiting on
	// Token.Valid() — we've already decided, under our own expiry policy,
	// that a refresh is due.
	expired := &oauth2.Token{
		RefreshToken: active.RefreshToken,
		Expiry:       time.Now().Add(-time.Minute),
	}
	newTok, err := conf.TokenSource(ctx, expired).Token()

	now := time.Now()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			if retrieveErr.Response.StatusCode >= 500 {
				return markAttempt(table, id, now, Result{Kind: TransitoryError, Message: err.Error()})
			}
			g, unlock := table.Lock()
			defer unlock()
			validID, ok := g.ValidateID(id)
			if !ok {
				return Result{Kind: AccountOrTokenStateChanged}
			}
			g.ReplaceState(validID, state.Empty{})
			return Result{Kind: PermanentError, Message: fmt.Sprintf("%d: %s", retrieveErr.Response.StatusCode, string(retrieveErr.Body))}
		}
		// Transport error or response-decoding failure: state is preserved,
		// the refresher will retry at the next wake.
		return markAttempt(table, id, now, Result{Kind: TransitoryError, Message: err.Error()})
	}

	if newTok.Type() != "" && !oauthflow.IsBearerTokenType(newTok.Type()) {
		g, unlock := table.Lock()
		defer unlock()
		validID, ok := g.ValidateID(id)
		if !ok {
			return Result{Kind: AccountOrTokenStateChanged}
		}
		g.ReplaceState(validID, state.Empty{})
		return Result{Kind: PermanentError, Message: "unexpected token type in refresh response"}
	}

	refreshToken := newTok.RefreshToken
	if refreshToken == "" {
		refreshToken = active.RefreshToken
	}

	g, unlock = table.Lock()
	validID, ok = g.ValidateID(id)
	if !ok {
		unlock()
		return Result{Kind: AccountOrTokenStateChanged}
	}
	g.ReplaceState(validID, state.Active{
		AccessToken:        newTok.AccessToken,
		Expiry:             newTok.Expiry,
		RefreshedAt:        now,
		LastRefreshAttempt: &now,
		RefreshToken:       refreshToken,
	})
	unlock()
	r.Notify()
	return Result{Kind: Refreshed}
}

// markAttempt records last_refresh_attempt on a TransitoryError without
// otherwise touching the Active state, then returns res unchanged (or
// AccountOrTokenStateChanged if id no longer validates).
func markAttempt(table *state.Table, id state.AccountID, at time.Time, res Result) Result {
	g, unlock := table.Lock()
	defer unlock()
	validID, ok := g.ValidateID(id)
	if !ok {
		return Result{Kind: AccountOrTokenStateChanged}
	}
	active, ok := g.TokenState(validID).(state.Active)
	if !ok {
		return res
	}
	active.LastRefreshAttempt = &at
	g.ReplaceState(validID, active)
	return res
}

// Run is the background wake loop: it blocks until the earliest
// across-accounts deadline arrives or Notify is called, then refreshes
// every account whose deadline has passed, re-acquiring the table lock
// between accounts. It returns when ctx is canceled.
func (r *Refresher) Run(ctx context.Context, table *state.Table) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			r.cond.Broadcast()
		case <-stop:
		}
	}()

	for {
		next, hasDeadline := NextWakeup(table)

		r.mu.Lock()
		for !r.wake {
			if hasDeadline {
				d := time.Until(next)
				if d <= 0 {
					break
				}
				timedOut := waitTimeout(r.cond, &r.mu, d)
				if timedOut {
					break
				}
			} else {
				r.cond.Wait()
			}
			select {
			case <-ctx.Done():
				r.mu.Unlock()
				return
			default:
			}
		}
		r.wake = false
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		default:
		}

		r.refreshDue(ctx, table)
	}
}

func (r *Refresher) refreshDue(ctx context.Context, table *state.Table) {
	now := time.Now()

	g, unlock := table.Lock()
	var due []state.AccountID
	for _, id := range g.AllIDs() {
		if t, ok := refreshAt(g, id); ok && !t.After(now) {
			due = append(due, id.AccountID())
		}
	}
	unlock()

	for _, id := range due {
		g, unlock := table.Lock()
		_, stillLive := g.ValidateID(id)
		unlock()
		if !stillLive {
			continue
		}

		res := Refresh(ctx, table, r, id)
		switch res.Kind {
		case PermanentError:
			log.WithField("account", id.String()).Errorf("token refresh failed: %s", res.Message)
		case TransitoryError, AccountOrTokenStateChanged, Refreshed:
			// Transitory/changed/success are not logged at error level, per
			// spec.md §7's propagation policy.
		}
	}
}

// waitTimeout waits on cond for at most d, returning true if it timed out
// rather than being signaled. sync.Cond has no native timed wait, so this
// spins a timer goroutine that signals the same condvar — the standard Go
// idiom for bounding a Cond.Wait.
func waitTimeout(cond *sync.Cond, mu *sync.Mutex, d time.Duration) bool {
	timedOut := false
	timer := time.AfterFunc(d, func() {
		mu.Lock()
		timedOut = true
		mu.Unlock()
		cond.Signal()
	})
	defer timer.Stop()
	cond.Wait()
	return timedOut
}
