package subproc

import (
	"bytes"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// maxCaptured bounds how much of each output stream a Handle keeps.
const maxCaptured = 64 * 1024

// Handle wraps one launched lifecycle command. It never blocks the caller:
// completion is recorded by a background waiter and observed by polling
// Finished.
type Handle struct {
	argv []string
	pid  int

	mu        sync.Mutex
	finished  bool
	exitCode  int
	reason    string
	startedAt time.Time
	exitedAt  time.Time
	stdout    *capBuffer
	stderr    *capBuffer
	done      chan struct{}
}

// Command returns the argv the handle was started with.
func (h *Handle) Command() []string { return append([]string(nil), h.argv...) }

// CommandLine returns argv joined for display, quoting arguments with spaces.
func (h *Handle) CommandLine() string {
	parts := make([]string, len(h.argv))
	for i, a := range h.argv {
		if strings.ContainsAny(a, " \t\"") {
			a = `"` + strings.ReplaceAll(a, `"`, `\"`) + `"`
		}
		parts[i] = a
	}
	return strings.Join(parts, " ")
}

// PID returns the OS process id.
func (h *Handle) PID() int { return h.pid }

// StartedAt returns the launch time.
func (h *Handle) StartedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startedAt
}

// Finished reports whether the process has exited and its output is drained.
func (h *Handle) Finished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished
}

// ExitCode is only meaningful once Finished returns true. A process killed by
// a signal reports -1.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Reason describes an end other than a plain exit, such as "signal: killed"
// or an expired WaitDelay. It is "" for a normal exit of any code.
func (h *Handle) Reason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// ExitedAt returns the exit time, zero while running.
func (h *Handle) ExitedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitedAt
}

// Stdout returns the captured standard output so far.
func (h *Handle) Stdout() string { return h.stdout.String() }

// Stderr returns the captured standard error so far.
func (h *Handle) Stderr() string { return h.stderr.String() }

// Done is closed once the process has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the process has exited. It is meant for tests and CLI
// one-shot use; supervisors poll Finished instead.
func (h *Handle) Wait() int {
	<-h.done
	return h.ExitCode()
}

func (h *Handle) markExited(ps *os.ProcessState, err error) {
	code := 0
	switch {
	case ps != nil:
		// ErrWaitDelay only means a grandchild kept our pipes open.
		code = ps.ExitCode()
	case err != nil:
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			code = ee.ExitCode()
		} else {
			code = -1
		}
	}
	reason := ""
	if err != nil {
		var ee *exec.ExitError
		if !errors.As(err, &ee) || !ee.Exited() {
			reason = err.Error()
		}
	}
	h.finish(code, reason)
}

// finish records the exit and releases waiters. It may be called once.
func (h *Handle) finish(code int, reason string) {
	h.mu.Lock()
	h.finished = true
	h.exitCode = code
	h.reason = reason
	h.exitedAt = time.Now()
	h.mu.Unlock()
	close(h.done)
}

// capBuffer is a goroutine-safe buffer that keeps the first limit bytes.
type capBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *capBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *capBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func teeTo(buf *capBuffer, extra io.Writer) io.Writer {
	if extra == nil {
		return buf
	}
	return io.MultiWriter(buf, extra)
}
