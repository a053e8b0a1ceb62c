package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/loykin/repowatch"
	"github.com/loykin/repowatch/internal/instance"
	"github.com/loykin/repowatch/pkg/client"
)

type command struct {
	out io.Writer
	now func() time.Time
}

func (c command) apiClient(ctx context.Context, f APIFlags) (*client.Client, error) {
	apiUrl := f.APIUrl
	if apiUrl == "" {
		apiUrl = client.DefaultBaseURL
	}
	cl := client.New(client.Config{BaseURL: apiUrl, Timeout: f.APITimeout, Insecure: f.Insecure})
	if !cl.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - please start daemon first with 'repowatch serve'", apiUrl)
	}
	return cl, nil
}

// absPath resolves a CLI argument the way the daemon keys instances.
func absPath(p string) (string, error) {
	if p == "" {
		return "", errors.New("repository path is required")
	}
	return filepath.Abs(p)
}

// Status prints one instance, or every instance when no path is given.
func (c command) Status(ctx context.Context, f StatusFlags) error {
	cl, err := c.apiClient(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	if f.Path == "" {
		list, err := cl.Instances(ctx)
		if err != nil {
			return err
		}
		return c.printJSON(list)
	}
	p, err := absPath(f.Path)
	if err != nil {
		return err
	}
	inst, err := cl.Status(ctx, p)
	if err != nil {
		return err
	}
	return c.printJSON(inst)
}

// Lifecycle sends start, stop, restart or clear-credential for one instance.
func (c command) Lifecycle(ctx context.Context, action string, f CommandFlags) error {
	p, err := absPath(f.Path)
	if err != nil {
		return err
	}
	cl, err := c.apiClient(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	var send func(context.Context, string) (client.CommandResult, error)
	switch action {
	case "start":
		send = cl.Start
	case "stop":
		send = cl.Stop
	case "restart":
		send = cl.Restart
	case "clear-credential":
		send = cl.ClearCredential
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	res, err := send(ctx, p)
	if err != nil {
		if client.IsConflict(err) {
			return fmt.Errorf("%s: another action is still running, try again later", p)
		}
		return err
	}
	if f.Wait <= 0 {
		return c.printJSON(res)
	}
	inst, err := c.waitIdle(ctx, cl, p, f.Wait)
	if err != nil {
		return err
	}
	if inst.LastFailure != nil {
		_ = c.printJSON(inst)
		return errors.New(inst.LastFailure.Message())
	}
	return c.printJSON(inst)
}

// waitIdle nudges the daemon and polls until no action is pending.
func (c command) waitIdle(ctx context.Context, cl *client.Client, path string, wait time.Duration) (client.Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	t := time.NewTicker(250 * time.Millisecond)
	defer t.Stop()
	for {
		_ = cl.Reconcile(ctx)
		inst, err := cl.Status(ctx, path)
		if err == nil && inst.PendingAction == "" {
			return inst, nil
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return client.Instance{}, err
			}
			return inst, fmt.Errorf("%s: %s still in progress after %s", path, inst.PendingAction, wait)
		case <-t.C:
		}
	}
}

func (c command) AutoRestart(ctx context.Context, f AutoRestartFlags) error {
	p, err := absPath(f.Path)
	if err != nil {
		return err
	}
	cl, err := c.apiClient(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	on, err := cl.SetAutoRestart(ctx, p, f.Enabled)
	if err != nil {
		return err
	}
	return c.printJSON(map[string]any{"path": p, "auto_restart": on})
}

// Failure prints the last lifecycle failure of an instance.
func (c command) Failure(ctx context.Context, f StatusFlags) error {
	p, err := absPath(f.Path)
	if err != nil {
		return err
	}
	cl, err := c.apiClient(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	fail, err := cl.LastFailure(ctx, p)
	if err != nil {
		return err
	}
	if fail == nil {
		_, err = fmt.Fprintln(c.out, "no failure recorded")
		return err
	}
	_, _ = fmt.Fprintln(c.out, fail.Message())
	return c.printJSON(fail)
}

func (c command) History(ctx context.Context, f HistoryFlags) error {
	cl, err := c.apiClient(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	p := f.Path
	if p != "" {
		if p, err = absPath(p); err != nil {
			return err
		}
	}
	events, err := cl.History(ctx, p, f.Limit)
	if err != nil {
		if client.IsNotFound(err) {
			return errors.New("history is not enabled on the daemon")
		}
		return err
	}
	return c.printJSON(events)
}

// Check runs a single local reconcile pass without a daemon and prints the
// snapshots. Auto-restart is forced off so the pass only observes.
func (c command) Check(ctx context.Context, f CheckFlags) error {
	cfg, err := repowatch.LoadConfig(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if len(f.Paths) > 0 {
		cfg.Instances = cfg.Instances[:0]
		for _, p := range f.Paths {
			cfg.Instances = append(cfg.Instances, repowatch.InstanceConfig{Path: p})
		}
	}
	if len(cfg.Instances) == 0 {
		return errors.New("no instances to check: pass paths or configure [[instances]]")
	}
	for i := range cfg.Instances {
		cfg.Instances[i].AutoRestart = false
	}
	cfg.History.Enabled = false
	cfg.Metrics.Enabled = false
	log, closer := repowatch.NewLogger(cfg)
	defer func() { _ = closer.Close() }()

	w, err := repowatch.New(cfg, repowatch.Options{Logger: log})
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	if len(w.Supervisors()) == 0 {
		return errors.New("none of the configured instances could be opened")
	}
	w.ReconcileOnce(ctx)
	snaps := make([]repowatch.Snapshot, 0, len(w.Supervisors()))
	for _, s := range w.Supervisors() {
		snaps = append(snaps, s.Snapshot())
	}
	return c.printJSON(snaps)
}

// PruneLogs deletes rotated logs older than the stale age from one instance.
func (c command) PruneLogs(f PruneFlags) error {
	cfg, err := repowatch.LoadConfig(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	inst, err := instance.Open(f.Path, instance.Options{PortFile: cfg.PortFile})
	if err != nil {
		return err
	}
	now := c.now()
	if f.DryRun {
		stale := inst.StaleLogs(now)
		if stale == nil {
			stale = []string{}
		}
		return c.printJSON(stale)
	}
	n, err := inst.PruneStaleLogs(now)
	if err != nil {
		return fmt.Errorf("pruned %d file(s): %w", n, err)
	}
	_, err = fmt.Fprintf(c.out, "pruned %d stale log file(s) in %s\n", n, inst.OverheadDir)
	return err
}

func (c command) printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, string(b))
	return err
}
