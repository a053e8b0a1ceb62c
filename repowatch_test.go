package repowatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/repowatch/internal/probe"
	"github.com/loykin/repowatch/internal/subproc"
)

func makeRepo(t *testing.T, port string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "overhead"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "overhead", "stunnel.port"), []byte(port), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func testConfig(t *testing.T, paths ...string) *Config {
	t.Helper()
	c, err := LoadConfig("")
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	c.CheckProgram = "/usr/local/bin/check-angel"
	for _, p := range paths {
		c.Instances = append(c.Instances, InstanceConfig{Path: p})
	}
	return c
}

func TestWatcher_ReconcileOnce(t *testing.T) {
	up := makeRepo(t, "8443")
	down := makeRepo(t, "8444")
	prober := probe.Func(func(_ context.Context, url string) probe.Result {
		if url == "https://127.0.0.1:8443/ping" {
			return probe.Reachable
		}
		return probe.Unreachable
	})
	var changes atomic.Int32
	w, err := New(testConfig(t, up, down, filepath.Join(t.TempDir(), "absent")), Options{
		Prober:   prober,
		Launcher: &subproc.FakeLauncher{},
		Listener: ListenerFuncs{OnStateChanged: func(_ *Instance, _ State) { changes.Add(1) }},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = w.Close() }()

	if got := len(w.Supervisors()); got != 2 {
		t.Fatalf("expected 2 watched instances (absent one skipped), got %d", got)
	}
	w.ReconcileOnce(context.Background())
	su, ok := w.Supervisor(up)
	if !ok || su.State() != Running {
		t.Fatalf("up instance: ok=%v state=%v", ok, su.State())
	}
	sd, _ := w.Supervisor(down)
	if sd.State() != Stopped {
		t.Fatalf("down instance state = %v", sd.State())
	}
	if changes.Load() != 2 {
		t.Fatalf("expected 2 state notifications, got %d", changes.Load())
	}

	again, err := w.Watch(up, true)
	if err != nil || again != su {
		t.Fatalf("watching twice should return the same supervisor")
	}
}

func TestWatcher_RunAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dir := makeRepo(t, "8443")
	fake := &subproc.FakeLauncher{}
	w, err := New(testConfig(t, dir), Options{
		Prober:   probe.Func(func(context.Context, string) probe.Result { return probe.Unreachable }),
		Launcher: fake,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	s, _ := w.Supervisor(dir)
	deadline := time.Now().Add(3 * time.Second)
	for s.State() != Stopped && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.State() != Stopped {
		t.Fatalf("immediate pass did not run, state=%v", s.State())
	}

	srv := httptest.NewServer(w.Handler())
	defer srv.Close()
	resp, err := http.Post(srv.URL+"/api/start?path="+dir, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	last, ok := fake.Last()
	if !ok || last.Action != subproc.Start {
		t.Fatalf("start not launched")
	}
	last.Complete(0, "", "")

	deadline = time.Now().Add(3 * time.Second)
	for s.PendingActionLabel() != "" && time.Now().Before(deadline) {
		w.TickNow()
		time.Sleep(10 * time.Millisecond)
	}
	if s.PendingActionLabel() != "" {
		t.Fatalf("handle not consumed after kick")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestWatcher_HistoryFromConfig(t *testing.T) {
	dir := makeRepo(t, "8443")
	c := testConfig(t, dir)
	c.History.Enabled = true
	c.History.DSN = "sqlite://" + filepath.Join(t.TempDir(), "history.db")
	w, err := New(c, Options{
		Prober:   probe.Func(func(context.Context, string) probe.Result { return probe.Reachable }),
		Launcher: &subproc.FakeLauncher{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = w.Close() }()
	if w.History() == nil {
		t.Fatalf("sqlite sink should serve history")
	}
	w.ReconcileOnce(context.Background())
	events, err := w.History().Recent(context.Background(), "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].To != "running" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestNew_Errors(t *testing.T) {
	if _, err := New(nil, Options{}); err == nil {
		t.Fatalf("expected error for nil config")
	}
	c := testConfig(t)
	c.Probe.Insecure = false
	c.Probe.CAFile = filepath.Join(t.TempDir(), "missing.pem")
	if _, err := New(c, Options{}); err == nil {
		t.Fatalf("expected error for unreadable CA file")
	}
	c = testConfig(t)
	c.History.Enabled = true
	c.History.DSN = "clickhouse://%zz"
	if _, err := New(c, Options{Prober: probe.Func(func(context.Context, string) probe.Result { return probe.Unreachable })}); err == nil {
		t.Fatalf("expected error for bad history DSN")
	}
}
