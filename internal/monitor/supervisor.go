package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/repowatch/internal/detector"
	"github.com/loykin/repowatch/internal/history"
	"github.com/loykin/repowatch/internal/instance"
	"github.com/loykin/repowatch/internal/metadata"
	"github.com/loykin/repowatch/internal/metrics"
	"github.com/loykin/repowatch/internal/probe"
	"github.com/loykin/repowatch/internal/subproc"
)

// maxPasses bounds the decision steps of one reconciliation. A pass is
// repeated after a finished handle is consumed or when a command attached a
// handle while the probe was in flight.
const maxPasses = 4

// historyTimeout bounds delivery of the events produced by one call.
const historyTimeout = 5 * time.Second

// Options configures a Supervisor. Prober and Launcher are required.
type Options struct {
	Prober      probe.Prober
	Launcher    subproc.Launcher
	AutoRestart bool
	Listener    Listener
	History     history.Sink
	Logger      *slog.Logger
}

// Supervisor owns the lifecycle state of one repository instance. Commands
// launch the lifecycle program and return at once; the next Reconcile
// observes its exit and finishes the transition.
//
// Lock hierarchy (to prevent deadlocks):
// 1. reconcileMu - serializes Reconcile passes
// 2. mu - state, handle, pending action and flags
// 3. metadata.Cache internal lock
//
// Listener callbacks and history sinks are invoked with no lock held, so a
// listener may call back into the supervisor.
//
// State machine:
//
//	Unknown -> Running | Troubled | Stopped | Transitioning | Missing
//	Running | Troubled | Stopped -> Transitioning  (command or auto-start)
//	Transitioning -> Running | Troubled | Stopped   (program exited)
//	any -> Missing -> any                           (directory gone / back)
type Supervisor struct {
	inst     *instance.Instance
	cache    *metadata.Cache
	prober   probe.Prober
	launcher subproc.Launcher
	listener Listener
	sink     history.Sink
	log      *slog.Logger

	reconcileMu sync.Mutex
	recounts    []int // guarded by reconcileMu

	mu           sync.Mutex
	state        State
	handle       *subproc.Handle
	attachSeq    uint64
	pending      Action
	autoRestart  bool
	lastFailure  *ExitError
	disk         diskFacts
	lastProbe    probe.Result
	probed       bool
	reconciledAt time.Time
}

// diskFacts are the cached on-disk readings surfaced in snapshots.
type diskFacts struct {
	name       string
	credential bool
	documents  int
	hasPending bool
	hasDeleted bool
	staleLogs  int
	server     detector.Process
}

// outbox collects notifications and history events produced under mu so
// they can be delivered after it is released.
type outbox struct {
	states []State
	counts []int
	events []history.Event
}

// New creates a supervisor in the Unknown state. Nothing is read or probed
// until the first Reconcile.
func New(inst *instance.Instance, opts Options) *Supervisor {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("instance", inst.Location)
	listener := opts.Listener
	if listener == nil {
		listener = ListenerFuncs{}
	}
	s := &Supervisor{
		inst:        inst,
		cache:       metadata.NewCache(inst.MetadataPath, inst.DocsDir, log),
		prober:      opts.Prober,
		launcher:    opts.Launcher,
		listener:    listener,
		sink:        opts.History,
		log:         log,
		autoRestart: opts.AutoRestart,
	}
	// Only Reconcile reads the cache, so recounts are queued under
	// reconcileMu and delivered by flush.
	s.cache.OnDocumentCount = func(n int) {
		metrics.SetDocuments(inst.Location, n)
		s.recounts = append(s.recounts, n)
	}
	return s
}

// Instance returns the supervised instance.
func (s *Supervisor) Instance() *instance.Instance { return s.inst }

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PendingActionLabel returns progress text such as "Stopping..." while a
// lifecycle program runs, or "".
func (s *Supervisor) PendingActionLabel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return ""
	}
	return s.pending.Label()
}

// LastFailure returns the most recent non-zero exit, or nil. It is cleared
// when the next user command is launched.
func (s *Supervisor) LastFailure() *ExitError {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastFailure == nil {
		return nil
	}
	f := *s.lastFailure
	return &f
}

// AutoRestart reports whether an unreachable daemon is restarted automatically.
func (s *Supervisor) AutoRestart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoRestart
}

// SetAutoRestart toggles auto-restart. It takes effect at the next Reconcile.
func (s *Supervisor) SetAutoRestart(on bool) {
	s.mu.Lock()
	s.autoRestart = on
	s.mu.Unlock()
	s.log.Info("auto-restart changed", "enabled", on)
}

// Start runs the lifecycle program with --start.
func (s *Supervisor) Start(ctx context.Context) error { return s.command(ctx, ActionStart) }

// Stop runs the lifecycle program with --stop and disables auto-restart.
func (s *Supervisor) Stop(ctx context.Context) error { return s.command(ctx, ActionStop) }

// Restart runs the lifecycle program with --restart.
func (s *Supervisor) Restart(ctx context.Context) error { return s.command(ctx, ActionRestart) }

// ClearCredential stops the daemon and, once the stop has exited 0, removes
// the stored password hash. Auto-restart is disabled. The credential is left
// in place if the stop fails.
func (s *Supervisor) ClearCredential(ctx context.Context) error {
	return s.command(ctx, ActionClearCredential)
}

func (s *Supervisor) command(ctx context.Context, a Action) error {
	if !s.inst.Exists() {
		return ErrInstanceMissing
	}
	ob := &outbox{}
	s.mu.Lock()
	if s.handle != nil {
		running := s.pending
		s.mu.Unlock()
		s.log.Info("command rejected, action in progress", "action", a.String(), "running", running.String())
		return ErrActionInProgress
	}
	err := s.launchLocked(a, ob)
	if err == nil {
		s.lastFailure = nil
		if a == ActionStop || a == ActionClearCredential {
			s.autoRestart = false
		}
	}
	s.mu.Unlock()
	s.flush(ctx, ob)
	if err != nil {
		s.log.Error("lifecycle program could not be launched", "action", a.String(), "error", err)
	}
	return err
}

// launchLocked spawns the program for a and attaches its handle.
func (s *Supervisor) launchLocked(a Action, ob *outbox) error {
	h, err := s.launcher.Launch(a.lifecycle(), s.inst.CanonicalPath)
	if err != nil {
		metrics.IncAction(s.inst.Location, a.String(), "spawn_failed")
		return &SpawnError{Action: a, Instance: s.inst.Location, Err: err}
	}
	s.handle = h
	s.pending = a
	s.attachSeq++
	metrics.IncAction(s.inst.Location, a.String(), "spawned")
	ev := s.eventLocked(history.EventAction)
	ev.Action = a.String()
	ev.Detail = h.CommandLine()
	ob.events = append(ob.events, ev)
	s.log.Info("lifecycle program launched", "action", a.String(), "pid", h.PID())
	s.setStateLocked(Transitioning, ob)
	return nil
}

func (s *Supervisor) detachLocked() (*subproc.Handle, Action) {
	h, a := s.handle, s.pending
	s.handle = nil
	s.pending = ActionNone
	return h, a
}

// Reconcile reads the current facts, runs the decision steps and commits
// the resulting state. It notifies listeners only when the state changed.
// Concurrent calls are serialized. When ctx is cancelled before the health
// probe answers, nothing is committed and the current state is returned.
func (s *Supervisor) Reconcile(ctx context.Context) State {
	start := time.Now()
	ob := &outbox{}
	st := func() State {
		s.reconcileMu.Lock()
		defer s.reconcileMu.Unlock()
		return s.reconcileLocked(ctx, ob)
	}()
	s.flush(ctx, ob)
	metrics.ObserveReconcile(s.inst.Location, time.Since(start).Seconds())
	return st
}

func (s *Supervisor) reconcileLocked(ctx context.Context, ob *outbox) State {
	for pass := 0; pass < maxPasses; pass++ {
		f := Facts{Exists: s.inst.Exists()}
		var disk diskFacts
		if f.Exists {
			disk = s.readDisk()
			f.CredentialPresent = disk.credential
			ob.counts = append(ob.counts, s.recounts...)
			s.recounts = nil
		}

		s.mu.Lock()
		f.Handle = handleStatus(s.handle)
		f.AutoRestart = s.autoRestart
		seq := s.attachSeq
		s.mu.Unlock()

		// The probe runs unlocked; a command issued meanwhile bumps attachSeq
		// and the result is discarded.
		probed := false
		if f.Exists && f.Handle == NoHandle {
			f.ErrorLogNonEmpty = s.inst.ServerLogNonEmpty()
			f.Probe = s.prober.Probe(ctx, s.inst.HealthURL)
			if err := ctx.Err(); err != nil {
				s.log.Debug("reconcile cancelled during health probe, keeping state", "error", err)
				return s.State()
			}
			probed = true
			metrics.IncProbe(s.inst.Location, f.Probe.String())
		}

		s.mu.Lock()
		if s.attachSeq != seq {
			s.mu.Unlock()
			continue
		}
		if f.Exists {
			s.disk = disk
		}
		if probed {
			s.lastProbe, s.probed = f.Probe, true
		}
		settled := s.applyLocked(Decide(f), ob)
		if settled {
			s.reconciledAt = time.Now()
			st := s.state
			s.mu.Unlock()
			return st
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.Warn("reconcile did not settle", "passes", maxPasses)
	if s.handle != nil && !s.handle.Finished() {
		s.setStateLocked(Transitioning, ob)
	} else {
		s.setStateLocked(Troubled, ob)
	}
	s.reconciledAt = time.Now()
	return s.state
}

func handleStatus(h *subproc.Handle) HandleStatus {
	switch {
	case h == nil:
		return NoHandle
	case !h.Finished():
		return HandlePending
	case h.ExitCode() == 0:
		return HandleSucceeded
	default:
		return HandleFailed
	}
}

func (s *Supervisor) readDisk() diskFacts {
	server, err := detector.Inspect(s.inst.PIDPath)
	if err != nil {
		s.log.Debug("server pid file unreadable", "error", err)
	}
	return diskFacts{
		server:     server,
		name:       s.cache.RepositoryName(),
		credential: s.cache.CredentialPresent(),
		documents:  s.cache.DocumentCount(),
		hasPending: s.inst.HasPending(),
		hasDeleted: s.inst.HasDeleted(),
		staleLogs:  len(s.inst.StaleLogs(time.Now())),
	}
}

// applyLocked carries out d's effect and commits its state. It returns false
// when another decision step is needed.
func (s *Supervisor) applyLocked(d Decision, ob *outbox) bool {
	switch d.Effect {
	case EffectAbandon:
		h, a := s.detachLocked()
		s.log.Warn("instance vanished while lifecycle program was running, abandoning it",
			"action", a.String(), "pid", h.PID())
		ev := s.eventLocked(history.EventActionResult)
		ev.Action = a.String()
		ev.ExitCode = -1
		ev.Detail = "abandoned: instance directory missing"
		ob.events = append(ob.events, ev)

	case EffectConsume:
		h, a := s.detachLocked()
		metrics.IncAction(s.inst.Location, a.String(), "succeeded")
		s.log.Info("lifecycle program succeeded", "action", a.String(), "pid", h.PID())
		ev := s.eventLocked(history.EventActionResult)
		ev.Action = a.String()
		ob.events = append(ob.events, ev)
		if a == ActionClearCredential {
			s.removeCredentialLocked(ob)
		}
		return false

	case EffectFail:
		h, a := s.detachLocked()
		metrics.IncAction(s.inst.Location, a.String(), "failed")
		f := &ExitError{
			Action:   a,
			Command:  h.CommandLine(),
			ExitCode: h.ExitCode(),
			Stdout:   h.Stdout(),
			Stderr:   h.Stderr(),
			Reason:   h.Reason(),
			At:       h.ExitedAt(),
		}
		s.lastFailure = f
		attrs := []any{"action", a.String(), "stderr", f.Stderr}
		if f.Reason != "" {
			attrs = append(attrs, "reason", f.Reason)
		}
		s.log.Warn(f.Error(), attrs...)
		if a == ActionClearCredential {
			s.log.Warn("stop failed, password left in place")
		}
		ev := s.eventLocked(history.EventActionResult)
		ev.Action = a.String()
		ev.ExitCode = f.ExitCode
		ev.Detail = f.Stderr
		if ev.Detail == "" {
			ev.Detail = f.Reason
		}
		ob.events = append(ob.events, ev)

	case EffectAutoStart:
		s.log.Info("daemon unreachable, auto-restarting")
		if err := s.launchLocked(ActionAutoStart, ob); err != nil {
			s.log.Error("auto-restart could not launch lifecycle program", "error", err)
			s.setStateLocked(Stopped, ob)
			return true
		}
		return true
	}
	s.setStateLocked(d.State, ob)
	return true
}

// removeCredentialLocked deletes the password hash after a successful stop.
func (s *Supervisor) removeCredentialLocked(ob *outbox) {
	removed, err := metadata.RemoveKey(s.inst.MetadataPath, metadata.KeyPasswordHash)
	ev := s.eventLocked(history.EventActionResult)
	ev.Action = "remove-password"
	switch {
	case err != nil:
		s.log.Error("removing password failed", "path", s.inst.MetadataPath, "error", err)
		ev.ExitCode = -1
		ev.Detail = err.Error()
	case !removed:
		s.log.Info("no password was set")
		ev.Detail = "no password set"
	default:
		s.log.Info("password removed")
	}
	ob.events = append(ob.events, ev)
	s.cache.Invalidate()
}

// setStateLocked records a transition; it is a no-op when next equals the
// current state.
func (s *Supervisor) setStateLocked(next State, ob *outbox) {
	prev := s.state
	if prev == next {
		return
	}
	s.state = next
	loc := s.inst.Location
	metrics.RecordStateTransition(loc, prev.String(), next.String())
	metrics.SetCurrentState(loc, next.String())
	switch {
	case next == Missing:
		s.log.Warn("instance directory missing")
	case prev == Missing:
		s.log.Info("instance directory is back")
	default:
		s.log.Debug("state changed", "from", prev.String(), "to", next.String())
	}
	ev := s.eventLocked(history.EventStateChange)
	ev.From, ev.To = prev.String(), next.String()
	ob.events = append(ob.events, ev)
	ob.states = append(ob.states, next)
}

func (s *Supervisor) eventLocked(t history.EventType) history.Event {
	ev := history.NewEvent(t, s.inst.Location)
	ev.Name = s.disk.name
	return ev
}

// flush delivers what was collected under mu.
func (s *Supervisor) flush(ctx context.Context, ob *outbox) {
	for _, st := range ob.states {
		s.listener.StateChanged(s.inst, st)
	}
	for _, n := range ob.counts {
		s.listener.DocumentCountChanged(s.inst, n)
	}
	if s.sink == nil || len(ob.events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
	defer cancel()
	for _, ev := range ob.events {
		if err := s.sink.Send(ctx, ev); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				s.log.Warn("history sink timed out, dropping remaining events", "error", err)
				return
			}
			s.log.Warn("history sink failed", "type", string(ev.Type), "error", err)
		}
	}
}

// Snapshot is a point-in-time view of a supervisor.
type Snapshot struct {
	Location          string     `json:"location"`
	Name              string     `json:"name,omitempty"`
	MainURL           string     `json:"main_url"`
	HealthURL         string     `json:"health_url"`
	State             State      `json:"state"`
	PendingAction     string     `json:"pending_action,omitempty"`
	PID               int        `json:"pid,omitempty"`
	AutoRestart       bool       `json:"auto_restart"`
	CredentialPresent bool       `json:"credential_present"`
	DocumentCount     int        `json:"document_count"`
	HasPending        bool       `json:"has_pending"`
	HasDeleted        bool       `json:"has_deleted"`
	StaleLogs         int        `json:"stale_logs"`
	ServerPID         int        `json:"server_pid,omitempty"`
	ServerAlive       bool       `json:"server_alive"`
	LastProbe         string     `json:"last_probe,omitempty"`
	LastFailure       *ExitError `json:"last_failure,omitempty"`
	ReconciledAt      time.Time  `json:"reconciled_at"`
}

// Snapshot returns the supervisor's current view without touching disk or
// network.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Location:          s.inst.Location,
		Name:              s.disk.name,
		MainURL:           s.inst.MainURL,
		HealthURL:         s.inst.HealthURL,
		State:             s.state,
		AutoRestart:       s.autoRestart,
		CredentialPresent: s.disk.credential,
		DocumentCount:     s.disk.documents,
		HasPending:        s.disk.hasPending,
		HasDeleted:        s.disk.hasDeleted,
		StaleLogs:         s.disk.staleLogs,
		ServerPID:         s.disk.server.PID,
		ServerAlive:       s.disk.server.Alive,
		ReconciledAt:      s.reconciledAt,
	}
	if s.handle != nil {
		snap.PendingAction = s.pending.Label()
		snap.PID = s.handle.PID()
	}
	if s.probed {
		snap.LastProbe = s.lastProbe.String()
	}
	if s.lastFailure != nil {
		f := *s.lastFailure
		snap.LastFailure = &f
	}
	return snap
}
