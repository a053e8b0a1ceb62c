package subproc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Action selects the flag passed to the lifecycle program.
type Action int

const (
	// Ensure passes no flag: start the daemon if it is not running.
	Ensure Action = iota
	Start
	Stop
	Restart
)

func (a Action) String() string {
	switch a {
	case Start:
		return "start"
	case Stop:
		return "stop"
	case Restart:
		return "restart"
	default:
		return "ensure"
	}
}

// Flag returns the command-line flag for the action, empty for Ensure.
func (a Action) Flag() string {
	switch a {
	case Start:
		return "--start"
	case Stop:
		return "--stop"
	case Restart:
		return "--restart"
	default:
		return ""
	}
}

// Args builds the argv for running program against the repository at path.
func Args(program string, a Action, path string) []string {
	if f := a.Flag(); f != "" {
		return []string{program, f, path}
	}
	return []string{program, path}
}

// Launcher starts lifecycle commands for a repository.
type Launcher interface {
	Launch(a Action, path string) (*Handle, error)
}

// ErrNoProgram is returned when no lifecycle program is configured.
var ErrNoProgram = errors.New("lifecycle program not configured")

// waitDelay caps how long output pipes are drained after the program exits.
// The daemon it forks may inherit them and never close.
const waitDelay = 2 * time.Second

// ExecLauncher runs a lifecycle program as a child process.
type ExecLauncher struct {
	Program string
	// Env is the complete child environment in "K=V" form; nil inherits ours.
	Env []string
	// Output, when set, returns an extra sink for the program's combined
	// output, e.g. a rotating log per repository. The launcher closes it
	// once the program has exited.
	Output func(path string) io.WriteCloser
	Logger *slog.Logger
}

// Launch starts the program and returns without waiting for it.
func (l *ExecLauncher) Launch(a Action, path string) (*Handle, error) {
	if strings.TrimSpace(l.Program) == "" {
		return nil, ErrNoProgram
	}
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	argv := Args(l.Program, a, path)
	// #nosec G204 program comes from trusted configuration
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = filepath.Dir(path)
	if l.Env != nil {
		cmd.Env = l.Env
	}
	cmd.Stdin = nil
	cmd.WaitDelay = waitDelay
	configureSysProcAttr(cmd)

	h := &Handle{
		argv:   argv,
		stdout: &capBuffer{limit: maxCaptured},
		stderr: &capBuffer{limit: maxCaptured},
		done:   make(chan struct{}),
	}
	var extra io.WriteCloser
	if l.Output != nil {
		extra = l.Output(path)
	}
	var extraW io.Writer
	if extra != nil {
		extraW = extra
	}
	cmd.Stdout = teeTo(h.stdout, extraW)
	cmd.Stderr = teeTo(h.stderr, extraW)

	if err := cmd.Start(); err != nil {
		if extra != nil {
			_ = extra.Close()
		}
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}
	h.pid = cmd.Process.Pid
	h.startedAt = time.Now()
	log.Debug("lifecycle program started", "action", a.String(), "instance", path, "pid", h.pid)

	go func() {
		err := cmd.Wait()
		if extra != nil {
			_ = extra.Close()
		}
		h.markExited(cmd.ProcessState, err)
		log.Debug("lifecycle program exited", "action", a.String(), "instance", path,
			"pid", h.pid, "exit_code", h.ExitCode())
	}()
	return h, nil
}

// MergeEnv composes a child environment: the current OS environment, then
// extra "K=V" overrides. ${VAR} references in values expand against the
// composed set.
func MergeEnv(extra []string) []string {
	m := make(map[string]string)
	var order []string
	put := func(kv string) {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			return
		}
		k, v := kv[:i], kv[i+1:]
		if _, ok := m[k]; !ok {
			order = append(order, k)
		}
		m[k] = v
	}
	for _, kv := range os.Environ() {
		put(kv)
	}
	for _, kv := range extra {
		put(kv)
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+os.Expand(m[k], func(name string) string { return m[name] }))
	}
	return out
}
