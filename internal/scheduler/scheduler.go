package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/repowatch/internal/metrics"
	"github.com/loykin/repowatch/internal/monitor"
)

// DefaultInterval is the pause between reconciliation passes.
const DefaultInterval = 15 * time.Second

// ParseInterval accepts a Go duration ("15s") or the "@every <duration>"
// form and returns a positive interval.
func ParseInterval(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return DefaultInterval, nil
	}
	durStr := expr
	if strings.HasPrefix(expr, "@") {
		if !strings.HasPrefix(expr, "@every ") {
			return 0, fmt.Errorf("unsupported schedule: %s (only @every <duration> supported)", expr)
		}
		durStr = strings.TrimSpace(strings.TrimPrefix(expr, "@every "))
	}
	d, err := time.ParseDuration(durStr)
	if err != nil {
		return 0, fmt.Errorf("invalid poll interval: %w", err)
	}
	if d <= 0 {
		return 0, errors.New("poll interval must be > 0")
	}
	return d, nil
}

// Reconciler is one registered unit of work, normally a *monitor.Supervisor.
type Reconciler interface {
	Reconcile(ctx context.Context) monitor.State
}

// Options configures a Scheduler.
type Options struct {
	Interval time.Duration // default 15s
	// Trigger, when set, replaces the internal ticker: one pass per receive.
	Trigger <-chan time.Time
	// Immediate runs a pass as soon as Run starts instead of after the
	// first interval.
	Immediate bool
	Logger    *slog.Logger
}

type entry struct {
	name string
	r    Reconciler
}

// Scheduler drives every registered Reconciler from a single goroutine, in
// registration order. A panicking Reconciler is logged and skipped for that
// pass only.
type Scheduler struct {
	interval  time.Duration
	trigger   <-chan time.Time
	immediate bool
	log       *slog.Logger

	mu      sync.Mutex
	entries []entry

	kick    chan struct{}
	running atomic.Bool
	passes  atomic.Uint64
}

func New(opts Options) *Scheduler {
	iv := opts.Interval
	if iv <= 0 {
		iv = DefaultInterval
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		interval:  iv,
		trigger:   opts.Trigger,
		immediate: opts.Immediate,
		log:       log,
		kick:      make(chan struct{}, 1),
	}
}

// Register adds r under name. It may be called while Run is active; the
// reconciler joins from the next pass. Reconcilers are never removed.
func (s *Scheduler) Register(name string, r Reconciler) {
	s.mu.Lock()
	s.entries = append(s.entries, entry{name: name, r: r})
	s.mu.Unlock()
}

// Len returns the number of registered reconcilers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Passes returns how many complete passes have run.
func (s *Scheduler) Passes() uint64 { return s.passes.Load() }

// Interval returns the configured pause between passes.
func (s *Scheduler) Interval() time.Duration { return s.interval }

// TickNow requests a pass without waiting for the interval. Requests made
// while one is already queued are coalesced.
func (s *Scheduler) TickNow() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run blocks, running passes until ctx is cancelled. Only one Run may be
// active at a time.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler already running")
	}
	defer s.running.Store(false)

	trigger := s.trigger
	if trigger == nil {
		t := time.NewTicker(s.interval)
		defer t.Stop()
		trigger = t.C
	}
	s.log.Info("poll scheduler started", "interval", s.interval.String(), "instances", s.Len())
	if s.immediate {
		s.RunOnce(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			s.log.Info("poll scheduler stopped")
			return nil
		case <-trigger:
			s.RunOnce(ctx)
		case <-s.kick:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce reconciles every registered reconciler once, in order. It stops
// early if ctx is cancelled.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.mu.Lock()
	entries := append([]entry(nil), s.entries...)
	s.mu.Unlock()
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		s.reconcileOne(ctx, e)
	}
	s.passes.Add(1)
}

func (s *Scheduler) reconcileOne(ctx context.Context, e entry) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncReconcileFailure(e.name)
			s.log.Error("reconcile panicked, skipping instance for this pass",
				"instance", e.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	st := e.r.Reconcile(ctx)
	s.log.Debug("reconciled", "instance", e.name, "state", st.String())
}
