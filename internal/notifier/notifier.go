// Package notifier implements the background worker that surfaces pending
// authorization URLs to the user. It never touches token state — it only
// holds the most recent pending URL per account and decides when to
// re-present it, mirroring spec.md §4.6's "must not mutate token state"
// constraint. Cooldown bookkeeping is a map keyed by account, compared
// against time.Since, the same pattern used for request-rate cooldowns
// elsewhere in this codebase, repurposed here for re-notification instead
// of rate limiting.
package notifier

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pkg/browser"
	log "github.com/sirupsen/logrus"

	"github.com/authdproject/authd/internal/state"
)

// DefaultCooldown is how long the notifier waits before re-presenting the
// same account's pending URL after already having shown it once.
const DefaultCooldown = 5 * time.Minute

type pendingURL struct {
	url          string
	lastNotified time.Time
}

// Notifier holds the latest pending URL per account and launches a browser
// (or falls back to stdout) for accounts that haven't been notified
// recently.
type Notifier struct {
	mu       sync.Mutex
	cond     *sync.Cond
	cooldown time.Duration
	pending  map[state.AccountID]*pendingURL
	wake     bool

	// Open is the browser launcher; overridable in tests.
	Open func(url string) error
}

// New constructs a Notifier with the default cooldown. Call Run in its own
// goroutine to start the background worker.
func New() *Notifier {
	n := &Notifier{
		cooldown: DefaultCooldown,
		pending:  make(map[state.AccountID]*pendingURL),
		Open:     browser.OpenURL,
	}
	n.cond = sync.NewCond(&n.mu)
	return n
}

// Notify records url as the latest pending authorization link for id and
// wakes the background worker. Implements oauthflow.Notifier. Safe to call
// with or without the token table's lock held — Notifier only ever touches
// its own mutex.
func (n *Notifier) Notify(id state.AccountID, url string) {
	n.mu.Lock()
	// Re-notifying the same URL keeps its lastNotified, so the cooldown holds.
	if p, ok := n.pending[id]; !ok || p.url != url {
		n.pending[id] = &pendingURL{url: url}
	}
	n.wake = true
	n.mu.Unlock()
	n.cond.Signal()
}

// Forget drops any remembered pending URL for id, e.g. once the flow
// completes or the account is reconfigured away.
func (n *Notifier) Forget(id state.AccountID) {
	n.mu.Lock()
	delete(n.pending, id)
	n.mu.Unlock()
}

// Run is the background worker loop: it wakes on every Notify call and, for
// every account not notified within the cooldown window, launches the
// browser (or logs the URL if that fails) and stamps lastNotified. It
// returns when ctx is canceled.
func (n *Notifier) Run(ctx context.Context) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			n.cond.Broadcast()
		case <-stop:
		}
	}()

	for {
		n.mu.Lock()
		for !n.wake {
			n.cond.Wait()
			select {
			case <-ctx.Done():
				n.mu.Unlock()
				return
			default:
			}
		}
		n.wake = false

		due := make(map[state.AccountID]string)
		now := time.Now()
		for id, p := range n.pending {
			if now.Sub(p.lastNotified) >= n.cooldown {
				due[id] = p.url
			}
		}
		n.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		default:
		}

		for id, url := range due {
			n.present(id, url)
			n.mu.Lock()
			if p, ok := n.pending[id]; ok && p.url == url {
				p.lastNotified = now
			}
			n.mu.Unlock()
		}
	}
}

func (n *Notifier) present(id state.AccountID, url string) {
	if err := n.Open(url); err != nil {
		log.WithField("account", id.String()).WithError(err).Warn("notifier: could not launch browser, printing URL instead")
		fmt.Fprintf(os.Stderr, "authd: open this URL to authorize %s:\n%s\n", id.String(), url)
	}
}
