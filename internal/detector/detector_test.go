package detector

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"
)

func writePID(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "angel.pid")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestInspect_MissingFile(t *testing.T) {
	p, err := Inspect(filepath.Join(t.TempDir(), "angel.pid"))
	if err != nil {
		t.Fatalf("missing pidfile should not be an error: %v", err)
	}
	if p.PID != 0 || p.Alive {
		t.Fatalf("expected zero Process, got %+v", p)
	}
}

func TestInspect_InvalidContent(t *testing.T) {
	for _, content := range []string{"", "abc\n", "-4\n", "0"} {
		if _, err := Inspect(writePID(t, content)); err == nil {
			t.Fatalf("expected error for %q", content)
		}
	}
}

func TestInspect_OwnProcess(t *testing.T) {
	pid := os.Getpid()
	p, err := Inspect(writePID(t, strconv.Itoa(pid)+"\r\nextra line\n"))
	if err != nil {
		t.Fatal(err)
	}
	if p.PID != pid || !p.Alive {
		t.Fatalf("own process should be alive: %+v", p)
	}
	if !p.StartedAt.IsZero() && p.StartedAt.After(time.Now().Add(reuseSlack)) {
		t.Fatalf("start time in the future: %v", p.StartedAt)
	}
}

func TestInspect_ExitedProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix sleep")
	}
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	if err := cmd.Run(); err != nil {
		t.Fatal(err)
	}
	p, err := Inspect(writePID(t, strconv.Itoa(cmd.Process.Pid)))
	if err != nil {
		t.Fatal(err)
	}
	if p.Alive {
		t.Fatalf("reaped process reported alive: %+v", p)
	}
}

func TestInspect_ReusedPID(t *testing.T) {
	pid := os.Getpid()
	if getProcStartUnix(pid) == 0 {
		t.Skip("process start time unavailable on this platform")
	}
	path := writePID(t, strconv.Itoa(pid))
	// A pidfile older than the process it names was written by someone else.
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
	p, err := Inspect(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.Alive {
		t.Fatalf("pid reuse not detected: %+v", p)
	}
	if p.StartedAt.IsZero() {
		t.Fatal("expected a start time")
	}
}

func TestReadPIDFile(t *testing.T) {
	path := writePID(t, "  4242 \n")
	pid, mt, err := ReadPIDFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if pid != 4242 || mt.IsZero() {
		t.Fatalf("got pid=%d mtime=%v", pid, mt)
	}
}
