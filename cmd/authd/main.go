// Command authd is the token-caching daemon's composition root. It binds
// the HTTP callback listener and the IPC socket, builds the notifier, the
// refresher and the shared token table, then starts the HTTP callback
// listener, the background refresher, the notifier, and the IPC command
// handler.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/authdproject/authd/internal/callback"
	"github.com/authdproject/authd/internal/config"
	"github.com/authdproject/authd/internal/ipc"
	"github.com/authdproject/authd/internal/logging"
	"github.com/authdproject/authd/internal/notifier"
	"github.com/authdproject/authd/internal/refresher"
	"github.com/authdproject/authd/internal/sandbox"
	"github.com/authdproject/authd/internal/state"
)

const sockLeaf = "authd.sock"

func main() {
	if err := run(); err != nil {
		log.WithError(err).Fatal("authd: fatal error")
	}
}

func run() error {
	_ = godotenv.Load() // optional .env overlay beside the binary; absence is fine

	cfgPath := os.Getenv("AUTHD_CONFIG")
	if cfgPath == "" {
		return fmt.Errorf("AUTHD_CONFIG must name the account configuration file")
	}
	cacheDir := os.Getenv("AUTHD_CACHE_DIR")
	if cacheDir == "" {
		return fmt.Errorf("AUTHD_CACHE_DIR must name a writable directory for the IPC socket")
	}
	if err := os.MkdirAll(cacheDir, 0o700); err != nil {
		return fmt.Errorf("creating cache dir %q: %w", cacheDir, err)
	}

	logging.Setup(os.Getenv("AUTHD_LOG_FILE"), 50, 5, 28)
	sandbox.Apply()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cb, err := callback.Listen()
	if err != nil {
		return fmt.Errorf("binding callback listener: %w", err)
	}

	sockPath := filepath.Join(cacheDir, sockLeaf)
	ipcSrv, err := ipc.Listen(sockPath)
	if err != nil {
		return fmt.Errorf("binding ipc socket: %w", err)
	}

	n := notifier.New()
	r := refresher.New()
	table := state.New(cfg, cb.Port())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	watcher, err := config.Watch(cfgPath, func(newCfg *config.Config, loadErr error) {
		if loadErr != nil {
			log.WithError(loadErr).Warn("authd: config reload failed, keeping previous snapshot")
			return
		}
		table.UpdateConfig(newCfg)
		r.Notify()
		log.Info("authd: config reloaded")
	})
	if err != nil {
		log.WithError(err).Warn("authd: config file watcher unavailable, reload command still works")
	} else {
		defer watcher.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cb.Serve(gctx, table, r) })
	g.Go(func() error { r.Run(gctx, table); return nil })
	g.Go(func() error { n.Run(gctx); return nil })
	g.Go(func() error { return ipcSrv.Serve(gctx, table, cfgPath, n, r, cancel) })

	log.WithField("port", cb.Port()).WithField("socket", sockPath).Info("authd: listening")

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
