package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/loykin/repowatch"
)

// daemonChildEnv marks the re-executed child of --daemonize.
const daemonChildEnv = "REPOWATCH_DAEMON_CHILD"

const shutdownTimeout = 5 * time.Second

func runServeCommand(flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	if configPath == "" {
		return fmt.Errorf("config file required for serve command. Use --config=config.toml or provide as argument")
	}

	cfg, err := repowatch.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if len(cfg.Instances) == 0 {
		return errors.New("no [[instances]] configured")
	}

	if flags.Daemonize && os.Getenv(daemonChildEnv) == "" {
		return daemonize(flags.LogFile)
	}

	log, closer := repowatch.NewLogger(cfg)
	defer func() { _ = closer.Close() }()

	lock, err := acquireLock(lockPath(cfg.Server.LockFile, configPath))
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	if pidFile := cfg.Server.PIDFile; pidFile != "" {
		if err := writePidFile(pidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(pidFile) }()
	}

	d, err := startDaemon(cfg, log)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.run(ctx)
}

// lockPath picks the single-instance lock file: the configured one, or one
// next to the config file.
func lockPath(configured, configPath string) string {
	if configured != "" {
		return configured
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return filepath.Join(os.TempDir(), "repowatch.lock")
	}
	return abs + ".lock"
}

// acquireLock takes an exclusive lock so two daemons never supervise the
// same config.
func acquireLock(path string) (*flock.Flock, error) {
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("another repowatch daemon holds %s", path)
	}
	return fl, nil
}

type daemon struct {
	log     *slog.Logger
	watcher *repowatch.Watcher
	api     *http.Server
	metrics *http.Server
}

// startDaemon opens every instance and binds the API (and the separate
// metrics listener when configured). Polling begins with run.
func startDaemon(cfg *repowatch.Config, log *slog.Logger) (*daemon, error) {
	w, err := repowatch.New(cfg, repowatch.Options{Logger: log})
	if err != nil {
		return nil, err
	}
	if len(w.Supervisors()) == 0 {
		_ = w.Close()
		return nil, errors.New("none of the configured instances could be opened")
	}
	d := &daemon{log: log, watcher: w}
	d.api, err = repowatch.NewServer(cfg.Server, w.Handler(), log)
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to start API server: %w", err)
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		d.metrics, err = repowatch.ServeMetrics(cfg.Metrics.Listen, log)
		if err != nil {
			_ = d.api.Close()
			_ = w.Close()
			return nil, fmt.Errorf("failed to start metrics server: %w", err)
		}
	}
	log.Info("repowatch started",
		"api", d.api.Addr+cfg.Server.BasePath,
		"instances", len(w.Supervisors()),
		"interval", w.Interval().String())
	return d, nil
}

// run polls until ctx is cancelled, then shuts the servers down.
func (d *daemon) run(ctx context.Context) error {
	runErr := d.watcher.Run(ctx)

	d.log.Info("Shutting down...")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	errs := []error{runErr}
	errs = append(errs, d.api.Shutdown(sctx))
	if d.metrics != nil {
		errs = append(errs, d.metrics.Shutdown(sctx))
	}
	errs = append(errs, d.watcher.Close())
	return errors.Join(errs...)
}
