// Package detector inspects the pid file a repository server writes when
// it starts, to tell whether that process is still around.
package detector

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
)

// reuseSlack absorbs the coarse resolution of process start times.
const reuseSlack = 2 * time.Second

// Process is what a pid file says about the server process.
type Process struct {
	PID   int
	Alive bool
	// StartedAt is zero when the platform cannot report start times.
	StartedAt time.Time
}

// ReadPIDFile returns the pid on the first line of path and the file's
// modification time.
func ReadPIDFile(path string) (int, time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, time.Time{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return 0, time.Time{}, err
	}
	first, _, _ := strings.Cut(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, time.Time{}, fmt.Errorf("invalid pid in %s: %d", path, pid)
	}
	return pid, fi.ModTime(), nil
}

// Inspect reads pidFile and checks the process it names. A missing file is
// not an error and yields the zero Process. A live process that started
// after the file was written has reused the pid and is reported dead.
func Inspect(pidFile string) (Process, error) {
	pid, written, err := ReadPIDFile(pidFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Process{}, nil
		}
		return Process{}, err
	}
	p := Process{PID: pid}
	if !pidAlive(pid) {
		return p, nil
	}
	if start := getProcStartUnix(pid); start > 0 {
		p.StartedAt = time.Unix(start, 0)
		if p.StartedAt.After(written.Add(reuseSlack)) {
			return p, nil
		}
	}
	p.Alive = true
	return p, nil
}
