// Package state owns the single mutex-guarded token table shared by every
// other component of the daemon: the HTTP callback listener, the IPC
// command handler, and the background refresher all mutate it, and all of
// them must release the lock across slow network I/O. The capability-typed
// handles below exist to make that safe: a ValidID can only be minted by
// this package while the lock is held, so a handle captured before a config
// reload cannot silently be used to address a different account afterwards.
package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/authdproject/authd/internal/config"
	"github.com/authdproject/authd/internal/logging"
)

// AccountID is an opaque, comparable reference to a table slot. It survives
// across lock acquisitions but is only useful once revalidated via
// (*Guard).ValidateID, since a config reload can retire it.
type AccountID struct {
	idx        int
	generation uint64
}

// ValidID proves, by construction, that an AccountID was live in the table
// at the moment the Guard that produced it was held. Its fields are
// unexported: callers outside this package can pass a ValidID around but
// can never fabricate one.
type ValidID struct {
	id AccountID
}

// AccountID returns the underlying opaque id, for callers that need to
// re-validate after dropping the lock (e.g. across a network round trip).
func (v ValidID) AccountID() AccountID { return v.id }

// TokenState is the tagged variant for a single account's authorization
// state machine: Empty, Pending, or Active.
type TokenState interface {
	isTokenState()
}

// Empty means no token and no pending flow.
type Empty struct{}

func (Empty) isTokenState() {}

// Pending means a PKCE verifier and CSRF state have been minted and the
// authorization URL has been published to the user.
type Pending struct {
	CodeVerifier logging.Redacted
	StateNonce   logging.Redacted
	URL          string
	StartedAt    time.Time
	LastNotified *time.Time
}

func (Pending) isTokenState() {}

// Active means a usable access token is cached, possibly with a refresh
// token that can silently extend its life.
type Active struct {
	AccessToken         string
	Expiry              time.Time
	RefreshedAt         time.Time
	LastRefreshAttempt  *time.Time
	RefreshToken        string // "" means no refresh token was issued
}

func (Active) isTokenState() {}

type entry struct {
	account config.Account
	state   TokenState
}

// Table is the single locked table of (config snapshot, token states). The
// zero value is not usable; construct with New.
type Table struct {
	mu         sync.Mutex
	cfg        *config.Config
	httpPort   int
	entries    []*entry
	generation uint64
}

// New builds a Table from an initial config snapshot. httpPort is the
// kernel-chosen port the HTTP callback listener bound to; it is baked into
// every account's redirect_uri.
func New(cfg *config.Config, httpPort int) *Table {
	t := &Table{cfg: cfg, httpPort: httpPort}
	for _, act := range cfg.Accounts {
		t.entries = append(t.entries, &entry{account: act, state: Empty{}})
	}
	return t
}

// Guard is the live capability to read and mutate the table; it is only
// obtainable while the table's lock is held. Do not retain a Guard past the
// matching call to the unlock function returned by Lock.
type Guard struct {
	t *Table
}

// Lock acquires the table's mutex and returns a Guard plus the function that
// must be called exactly once to release it. Every meaningful operation on
// the table goes: Lock -> snapshot what you need -> unlock -> do I/O ->
// Lock again -> ValidateID -> mutate or abort.
func (t *Table) Lock() (*Guard, func()) {
	t.mu.Lock()
	return &Guard{t: t}, t.mu.Unlock
}

// ValidateName resolves an account name to a ValidID under the current
// config snapshot.
func (g *Guard) ValidateName(name string) (ValidID, bool) {
	for i, e := range g.t.entries {
		if e.account.Name == name {
			return ValidID{id: AccountID{idx: i, generation: g.t.generation}}, true
		}
	}
	return ValidID{}, false
}

// ValidateID re-checks that a previously-minted AccountID is still live in
// the current config snapshot. This is the revalidation step every caller
// must perform after reacquiring the lock following network I/O.
func (g *Guard) ValidateID(id AccountID) (ValidID, bool) {
	if id.generation != g.t.generation {
		return ValidID{}, false
	}
	if id.idx < 0 || id.idx >= len(g.t.entries) || g.t.entries[id.idx] == nil {
		return ValidID{}, false
	}
	return ValidID{id: id}, true
}

// Account returns the (immutable) account configuration for id.
func (g *Guard) Account(id ValidID) config.Account {
	return g.t.entries[id.id.idx].account
}

// TokenState returns the current token state for id.
func (g *Guard) TokenState(id ValidID) TokenState {
	return g.t.entries[id.id.idx].state
}

// ReplaceState installs a new token state for id and returns a fresh ValidID
// so the caller can keep operating on the same logical account without a
// redundant ValidateID call. ReplaceState is the table's only mutator.
func (g *Guard) ReplaceState(id ValidID, s TokenState) ValidID {
	g.t.entries[id.id.idx].state = s
	return id
}

// AllIDs returns a ValidID for every account currently in the table.
func (g *Guard) AllIDs() []ValidID {
	ids := make([]ValidID, 0, len(g.t.entries))
	for i := range g.t.entries {
		if g.t.entries[i] == nil {
			continue
		}
		ids = append(ids, ValidID{id: AccountID{idx: i, generation: g.t.generation}})
	}
	return ids
}

// HTTPPort returns the port the callback listener is bound to.
func (g *Guard) HTTPPort() int {
	return g.t.httpPort
}

// Config returns the current config snapshot.
func (g *Guard) Config() *config.Config {
	return g.t.cfg
}

// UpdateConfig atomically swaps the config snapshot and reconciles the
// token table per invariant 5: any account whose (name, client_id,
// token_uri, scopes) tuple is unchanged keeps its TokenState; everything
// else (new, changed, or missing-then-readded accounts) starts Empty.
// Removed accounts are dropped entirely, retiring their AccountID.
func (t *Table) UpdateConfig(newCfg *config.Config) {
	t.mu.Lock()
	defer t.mu.Unlock()

	byName := make(map[string]*entry, len(t.entries))
	for _, e := range t.entries {
		if e != nil {
			byName[e.account.Name] = e
		}
	}

	var next []*entry
	for _, act := range newCfg.Accounts {
		if old, ok := byName[act.Name]; ok && old.account.SameIdentity(act) {
			next = append(next, &entry{account: act, state: old.state})
			continue
		}
		next = append(next, &entry{account: act, state: Empty{}})
	}

	t.entries = next
	t.cfg = newCfg
	t.generation++
}

// String renders an AccountID for logging without exposing table internals.
func (id AccountID) String() string {
	return fmt.Sprintf("acct#%d.%d", id.idx, id.generation)
}
