package repowatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	cfg "github.com/loykin/repowatch/internal/config"
	"github.com/loykin/repowatch/internal/history"
	"github.com/loykin/repowatch/internal/history/factory"
	"github.com/loykin/repowatch/internal/instance"
	"github.com/loykin/repowatch/internal/metrics"
	"github.com/loykin/repowatch/internal/monitor"
	"github.com/loykin/repowatch/internal/probe"
	"github.com/loykin/repowatch/internal/scheduler"
	iapi "github.com/loykin/repowatch/internal/server"
	"github.com/loykin/repowatch/internal/subproc"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type InstanceConfig = cfg.InstanceConfig

type ServerConfig = cfg.ServerConfig

type Instance = instance.Instance

type State = monitor.State

type Snapshot = monitor.Snapshot

type Supervisor = monitor.Supervisor

type Listener = monitor.Listener

type ListenerFuncs = monitor.ListenerFuncs

type HistorySink = history.Sink

type HistoryEvent = history.Event

type Prober = probe.Prober

type Launcher = subproc.Launcher

type Router = iapi.Router

const (
	Unknown       = monitor.Unknown
	Running       = monitor.Running
	Troubled      = monitor.Troubled
	Stopped       = monitor.Stopped
	Transitioning = monitor.Transitioning
	Missing       = monitor.Missing
)

var (
	ErrActionInProgress = monitor.ErrActionInProgress
	ErrInstanceMissing  = monitor.ErrInstanceMissing
)

// LoadConfig reads and validates a TOML config file.
func LoadConfig(path string) (*Config, error) { return cfg.LoadConfig(path) }

// Options overrides parts of what New derives from the config.
type Options struct {
	Logger   *slog.Logger
	Listener Listener
	// Prober replaces the HTTPS health probe.
	Prober Prober
	// Launcher replaces the exec launcher of check_program.
	Launcher Launcher
	// History replaces the sink configured under [history].
	History HistorySink
}

// Watcher supervises a set of repository instances and polls them on one
// scheduler.
type Watcher struct {
	cfg      *Config
	log      *slog.Logger
	listener Listener
	prober   Prober
	launcher Launcher
	sink     history.Sink
	reader   history.Reader
	closers  []io.Closer
	sched    *scheduler.Scheduler

	mu     sync.Mutex
	sups   []*monitor.Supervisor
	byPath map[string]*monitor.Supervisor
}

// New builds a Watcher from c and opens every configured instance. An
// instance that cannot be opened is logged and skipped so the others are
// still watched; New fails only on configuration or sink errors.
func New(c *Config, opts Options) (*Watcher, error) {
	if c == nil {
		return nil, errors.New("config is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	interval, err := c.Interval()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		cfg:      c,
		log:      log,
		listener: opts.Listener,
		prober:   opts.Prober,
		launcher: opts.Launcher,
		sink:     opts.History,
		byPath:   make(map[string]*monitor.Supervisor),
		sched:    scheduler.New(scheduler.Options{Interval: interval, Immediate: true, Logger: log}),
	}
	if w.prober == nil {
		p, err := probe.New(probe.Config{
			Timeout:  c.ProbeTimeout,
			CAFile:   c.Probe.CAFile,
			Insecure: c.Probe.Insecure,
			Logger:   log,
		})
		if err != nil {
			return nil, fmt.Errorf("probe: %w", err)
		}
		w.prober = p
	}
	if w.launcher == nil {
		extra, err := c.ChildEnv()
		if err != nil {
			return nil, err
		}
		l := &subproc.ExecLauncher{Program: c.CheckProgram, Logger: log}
		if extra != nil {
			l.Env = subproc.MergeEnv(extra)
		}
		if c.Log.File.Dir != "" {
			l.Output = c.Log.SubprocessWriter
		}
		w.launcher = l
	}
	if w.sink == nil && c.History.Enabled {
		s, err := factory.NewSinkFromDSN(c.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		w.sink = s
		if cl, ok := s.(io.Closer); ok {
			w.closers = append(w.closers, cl)
		}
	}
	if r, ok := w.sink.(history.Reader); ok {
		w.reader = r
	}
	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}
	for _, ic := range c.Instances {
		if _, err := w.Watch(ic.Path, ic.AutoRestart); err != nil {
			log.Error("instance not watched", "path", ic.Path, "error", err)
		}
	}
	return w, nil
}

// Watch adds the repository at path and returns its supervisor. Watching
// the same path twice returns the existing supervisor. Instances added while
// Run is active join from the next pass.
func (w *Watcher) Watch(path string, autoRestart bool) (*Supervisor, error) {
	inst, err := instance.Open(path, instance.Options{PortFile: w.cfg.PortFile})
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if s, ok := w.byPath[inst.Location]; ok {
		return s, nil
	}
	s := monitor.New(inst, monitor.Options{
		Prober:      w.prober,
		Launcher:    w.launcher,
		AutoRestart: autoRestart,
		Listener:    w.listener,
		History:     w.sink,
		Logger:      w.log,
	})
	w.sups = append(w.sups, s)
	w.byPath[inst.Location] = s
	w.sched.Register(inst.Location, s)
	w.log.Info("watching instance", "path", inst.Location, "health_url", inst.HealthURL, "auto_restart", autoRestart)
	return s, nil
}

// Supervisors returns the watched supervisors in registration order.
func (w *Watcher) Supervisors() []*Supervisor {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*monitor.Supervisor(nil), w.sups...)
}

// Supervisor looks up a watched instance by path.
func (w *Watcher) Supervisor(path string) (*Supervisor, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.byPath[abs]
	return s, ok
}

// Interval returns the poll interval.
func (w *Watcher) Interval() time.Duration { return w.sched.Interval() }

// Run polls every instance until ctx is cancelled, starting with an
// immediate pass.
func (w *Watcher) Run(ctx context.Context) error { return w.sched.Run(ctx) }

// ReconcileOnce runs a single pass over every instance.
func (w *Watcher) ReconcileOnce(ctx context.Context) { w.sched.RunOnce(ctx) }

// TickNow requests a pass from a running Run without waiting for the
// interval.
func (w *Watcher) TickNow() { w.sched.TickNow() }

// History returns the history reader, or nil when the sink cannot serve
// events back.
func (w *Watcher) History() history.Reader { return w.reader }

// Router returns the HTTP API over the instances watched so far. Mount
// Handler() in any mux, or Register on a gin group.
func (w *Watcher) Router(basePath string) *Router {
	metricsOnAPI := w.cfg.Metrics.Enabled && w.cfg.Metrics.Listen == ""
	return iapi.NewRouter(w.Supervisors(), iapi.RouterOptions{
		BasePath: basePath,
		History:  w.reader,
		Kick:     w.TickNow,
		Metrics:  metricsOnAPI,
		Logger:   w.log,
	})
}

// Handler is Router(cfg.Server.BasePath).Handler().
func (w *Watcher) Handler() http.Handler { return w.Router(w.cfg.Server.BasePath).Handler() }

// Close releases the history sink.
func (w *Watcher) Close() error {
	var errs []error
	for _, c := range w.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// NewServer binds cfg.Listen and serves h in the background.
func NewServer(c ServerConfig, h http.Handler, log *slog.Logger) (*http.Server, error) {
	return iapi.NewServer(c, h, log)
}

// NewLogger builds the service logger described by the [log] section.
func NewLogger(c *Config) (*slog.Logger, io.Closer) { return c.Log.New() }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

func MetricsHandler() http.Handler { return metrics.Handler() }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It returns once the listener is bound.
func ServeMetrics(addr string, log *slog.Logger) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return iapi.NewServer(cfg.ServerConfig{Listen: addr}, mux, log)
}
