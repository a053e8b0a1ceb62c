package subproc

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "check-angel.sh")
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return p
}

func waitUntil(timeout, step time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(step)
	}
	return false
}

func TestArgs(t *testing.T) {
	if got := strings.Join(Args("p", Stop, "/r"), " "); got != "p --stop /r" {
		t.Fatalf("stop args = %q", got)
	}
	if got := strings.Join(Args("p", Ensure, "/r"), " "); got != "p /r" {
		t.Fatalf("ensure args = %q", got)
	}
	if Restart.String() != "restart" || Ensure.Flag() != "" {
		t.Fatalf("unexpected action strings")
	}
}

func TestExecLauncher_CapturesOutputAndExitCode(t *testing.T) {
	requireUnix(t)
	script := writeScript(t, `echo "args: $@"; echo "port in use" >&2; exit 3`)
	l := &ExecLauncher{Program: script}
	repo := t.TempDir()
	h, err := l.Launch(Start, repo)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if code := h.Wait(); code != 3 {
		t.Fatalf("exit code = %d, want 3", code)
	}
	if !h.Finished() {
		t.Fatalf("expected finished after Wait")
	}
	if !strings.Contains(h.Stdout(), "--start "+repo) {
		t.Fatalf("stdout = %q", h.Stdout())
	}
	if strings.TrimSpace(h.Stderr()) != "port in use" {
		t.Fatalf("stderr = %q", h.Stderr())
	}
	if h.ExitedAt().Before(h.StartedAt()) {
		t.Fatalf("exit time before start time")
	}
	if h.Reason() != "" {
		t.Fatalf("plain exit should carry no reason, got %q", h.Reason())
	}
}

func TestExecLauncher_SignalledExitHasReason(t *testing.T) {
	requireUnix(t)
	script := writeScript(t, "kill -9 $$")
	h, err := (&ExecLauncher{Program: script}).Launch(Restart, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if code := h.Wait(); code != -1 {
		t.Fatalf("exit code = %d, want -1", code)
	}
	if !strings.Contains(h.Reason(), "signal") {
		t.Fatalf("reason = %q, want the signal", h.Reason())
	}
}

func TestExecLauncher_FinishedIsPolled(t *testing.T) {
	requireUnix(t)
	script := writeScript(t, "sleep 0.3; exit 0")
	h, err := (&ExecLauncher{Program: script}).Launch(Stop, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if h.Finished() {
		t.Fatalf("handle finished immediately")
	}
	if !waitUntil(3*time.Second, 20*time.Millisecond, h.Finished) {
		t.Fatalf("handle never finished")
	}
	if h.ExitCode() != 0 {
		t.Fatalf("exit code = %d", h.ExitCode())
	}
}

func TestExecLauncher_DetachedGrandchildDoesNotHang(t *testing.T) {
	requireUnix(t)
	// The grandchild inherits stdout and keeps it open well past our exit.
	script := writeScript(t, "sleep 5 & exit 0")
	h, err := (&ExecLauncher{Program: script}).Launch(Start, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if !waitUntil(10*time.Second, 50*time.Millisecond, h.Finished) {
		t.Fatalf("handle blocked on inherited pipes")
	}
	if h.ExitCode() != 0 {
		t.Fatalf("exit code = %d, want 0", h.ExitCode())
	}
}

func TestExecLauncher_SpawnFailure(t *testing.T) {
	l := &ExecLauncher{Program: filepath.Join(t.TempDir(), "does-not-exist")}
	if _, err := l.Launch(Start, t.TempDir()); err == nil {
		t.Fatalf("expected spawn error")
	}
	if _, err := (&ExecLauncher{}).Launch(Start, "/x"); !errors.Is(err, ErrNoProgram) {
		t.Fatalf("expected ErrNoProgram, got %v", err)
	}
}

type closeRecorder struct {
	mu     sync.Mutex
	buf    strings.Builder
	closed bool
}

func (c *closeRecorder) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *closeRecorder) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func TestExecLauncher_OutputSinkTeedAndClosed(t *testing.T) {
	requireUnix(t)
	rec := &closeRecorder{}
	l := &ExecLauncher{
		Program: writeScript(t, "echo hello; echo oops >&2"),
		Output:  func(string) io.WriteCloser { return rec },
	}
	h, err := l.Launch(Restart, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	h.Wait()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.closed {
		t.Fatalf("output sink not closed")
	}
	if !strings.Contains(rec.buf.String(), "hello") || !strings.Contains(rec.buf.String(), "oops") {
		t.Fatalf("sink content = %q", rec.buf.String())
	}
}

func TestExecLauncher_Env(t *testing.T) {
	requireUnix(t)
	l := &ExecLauncher{
		Program: writeScript(t, `echo "$REPO_MODE"`),
		Env:     MergeEnv([]string{"BASE=watch", "REPO_MODE=${BASE}-mode"}),
	}
	h, err := l.Launch(Ensure, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	h.Wait()
	if strings.TrimSpace(h.Stdout()) != "watch-mode" {
		t.Fatalf("stdout = %q", h.Stdout())
	}
}

func TestMergeEnv_OverridesOS(t *testing.T) {
	t.Setenv("REPOWATCH_TEST_VAR", "os")
	env := MergeEnv([]string{"REPOWATCH_TEST_VAR=cfg", "malformed", "=empty"})
	found := 0
	for _, kv := range env {
		if strings.HasPrefix(kv, "REPOWATCH_TEST_VAR=") {
			found++
			if kv != "REPOWATCH_TEST_VAR=cfg" {
				t.Fatalf("override not applied: %s", kv)
			}
		}
		if strings.HasPrefix(kv, "=") || kv == "malformed" {
			t.Fatalf("malformed entry leaked: %q", kv)
		}
	}
	if found != 1 {
		t.Fatalf("expected exactly one entry, found %d", found)
	}
}

func TestCommandLineQuoting(t *testing.T) {
	h, done := NewPending([]string{"/bin/check", "--stop", "/srv/my repo"})
	defer done(0, "", "")
	if got := h.CommandLine(); got != `/bin/check --stop "/srv/my repo"` {
		t.Fatalf("command line = %s", got)
	}
}

func TestFakeLauncher(t *testing.T) {
	f := &FakeLauncher{}
	h, err := f.Launch(Stop, "/r")
	if err != nil {
		t.Fatal(err)
	}
	last, ok := f.Last()
	if !ok || last.Action != Stop || last.Handle != h {
		t.Fatalf("launch not recorded: %+v", last)
	}
	if h.Finished() {
		t.Fatalf("fake handle finished early")
	}
	last.Complete(1, "", "port in use")
	if !h.Finished() || h.ExitCode() != 1 || h.Stderr() != "port in use" {
		t.Fatalf("fake completion not applied")
	}
	f.Err = errors.New("boom")
	if _, err := f.Launch(Start, "/r"); err == nil {
		t.Fatalf("expected configured error")
	}
}
