// Package config parses and watches the daemon's account configuration.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Account is an immutable OAuth2 client configuration for a single named account.
type Account struct {
	Name                string            `yaml:"-"`
	AuthURI             string            `yaml:"auth_uri"`
	TokenURI            string            `yaml:"token_uri"`
	RedirectURITemplate string            `yaml:"redirect_uri_template"`
	ClientID            string            `yaml:"client_id"`
	ClientSecret        string            `yaml:"client_secret"`
	Scopes              []string          `yaml:"scopes"`
	AuthURIExtras       map[string]string `yaml:"auth_uri_extras"`
	RefreshBeforeExpiry *time.Duration    `yaml:"-"`
	RefreshAtLeast      *time.Duration    `yaml:"-"`

	RefreshBeforeExpiryRaw string `yaml:"refresh_before_expiry"`
	RefreshAtLeastRaw      string `yaml:"refresh_at_least"`
}

// SameIdentity reports whether a and other share the tuple that invariant 5
// in the token-table design uses to decide whether a reload preserves state.
func (a Account) SameIdentity(other Account) bool {
	if a.Name != other.Name || a.ClientID != other.ClientID || a.TokenURI != other.TokenURI {
		return false
	}
	if len(a.Scopes) != len(other.Scopes) {
		return false
	}
	for i := range a.Scopes {
		if a.Scopes[i] != other.Scopes[i] {
			return false
		}
	}
	return true
}

// Config is an immutable snapshot of every configured account.
type Config struct {
	Accounts []Account `yaml:"accounts"`
}

type rawConfig struct {
	Accounts map[string]Account `yaml:"accounts"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}

	cfg := &Config{}
	for name, act := range raw.Accounts {
		act.Name = name
		if err := validateAccount(act); err != nil {
			return nil, fmt.Errorf("account %q: %w", name, err)
		}
		if act.RefreshBeforeExpiryRaw != "" {
			d, err := time.ParseDuration(act.RefreshBeforeExpiryRaw)
			if err != nil {
				return nil, fmt.Errorf("account %q: refresh_before_expiry: %w", name, err)
			}
			act.RefreshBeforeExpiry = &d
		}
		if act.RefreshAtLeastRaw != "" {
			d, err := time.ParseDuration(act.RefreshAtLeastRaw)
			if err != nil {
				return nil, fmt.Errorf("account %q: refresh_at_least: %w", name, err)
			}
			act.RefreshAtLeast = &d
		}
		cfg.Accounts = append(cfg.Accounts, act)
	}

	return cfg, nil
}

func validateAccount(a Account) error {
	if a.Name == "" {
		return fmt.Errorf("account name must not be empty")
	}
	if a.AuthURI == "" {
		return fmt.Errorf("auth_uri is required")
	}
	if a.TokenURI == "" {
		return fmt.Errorf("token_uri is required")
	}
	if a.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	return nil
}

// Watcher watches a config file for changes and invokes onChange with the
// freshly reloaded config, debouncing bursts of filesystem events (editors
// commonly write-then-rename, which otherwise fires the callback twice).
type Watcher struct {
	fsw      *fsnotify.Watcher
	done     chan struct{}
	wg       sync.WaitGroup
	debounce time.Duration
}

// Watch starts watching path for changes. Call Close to stop.
func Watch(path string, onChange func(*Config, error)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching config %q: %w", path, err)
	}

	w := &Watcher{fsw: fsw, done: make(chan struct{}), debounce: 250 * time.Millisecond}
	w.wg.Add(1)
	go w.loop(path, onChange)
	return w, nil
}

func (w *Watcher) loop(path string, onChange func(*Config, error)) {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time
	fire := func() {
		cfg, err := Load(path)
		if err != nil {
			log.WithError(err).Warn("config: reload after change failed")
		}
		onChange(cfg, err)
	}

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		case <-timerC:
			fire()
			timerC = nil
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("config: watcher error")
		}
	}
}

// Close stops the watcher and releases its filesystem handle.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}
