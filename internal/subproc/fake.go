package subproc

import (
	"fmt"
	"sync"
	"time"
)

// NewPending returns a handle that stays unfinished until complete is
// called. complete may be called once.
func NewPending(argv []string) (h *Handle, complete func(code int, stdout, stderr string)) {
	h = newPendingHandle(argv)
	return h, func(code int, stdout, stderr string) {
		_, _ = h.stdout.Write([]byte(stdout))
		_, _ = h.stderr.Write([]byte(stderr))
		h.finish(code, "")
	}
}

func newPendingHandle(argv []string) *Handle {
	return &Handle{
		argv:      argv,
		startedAt: time.Now(),
		stdout:    &capBuffer{limit: maxCaptured},
		stderr:    &capBuffer{limit: maxCaptured},
		done:      make(chan struct{}),
	}
}

// FakeLauncher records launches and hands out pending handles that the
// caller completes explicitly. It lets supervisors be driven without
// spawning processes.
type FakeLauncher struct {
	Program string
	// Err, when set, is returned by Launch instead of a handle.
	Err error

	mu       sync.Mutex
	launches []FakeLaunch
}

// FakeLaunch is one recorded Launch call.
type FakeLaunch struct {
	Action   Action
	Path     string
	Handle   *Handle
	Complete func(code int, stdout, stderr string)
	// Terminate ends the handle abnormally with exit code -1 and reason.
	// Only one of Complete and Terminate may be called.
	Terminate func(reason string)
}

func (f *FakeLauncher) Launch(a Action, path string) (*Handle, error) {
	if f.Err != nil {
		return nil, fmt.Errorf("start %s: %w", f.program(), f.Err)
	}
	h, done := NewPending(Args(f.program(), a, path))
	term := func(reason string) { h.finish(-1, reason) }
	f.mu.Lock()
	f.launches = append(f.launches, FakeLaunch{Action: a, Path: path, Handle: h, Complete: done, Terminate: term})
	f.mu.Unlock()
	return h, nil
}

func (f *FakeLauncher) program() string {
	if f.Program == "" {
		return "check-angel"
	}
	return f.Program
}

// Launches returns the recorded calls in order.
func (f *FakeLauncher) Launches() []FakeLaunch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeLaunch(nil), f.launches...)
}

// Last returns the most recent launch; ok is false when none happened.
func (f *FakeLauncher) Last() (FakeLaunch, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.launches) == 0 {
		return FakeLaunch{}, false
	}
	return f.launches[len(f.launches)-1], true
}
