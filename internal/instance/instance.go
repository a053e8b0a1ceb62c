package instance

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultPortFile is the overhead file holding the TLS front-end port the
// health endpoint is served on.
const DefaultPortFile = "stunnel.port"

// StaleLogAge is the age after which rotated logs count as stale.
const StaleLogAge = 31 * 24 * time.Hour

// Instance describes one repository installation on disk. All fields are
// fixed at construction.
type Instance struct {
	Location      string `json:"location"`
	CanonicalPath string `json:"canonical_path"`
	Port          int    `json:"port"`
	AngelPort     int    `json:"angel_port,omitempty"`
	FQDN          string `json:"fqdn"`
	HealthURL     string `json:"health_url"`
	MainURL       string `json:"main_url"`

	OverheadDir   string `json:"-"`
	AngelLogPath  string `json:"-"`
	ServerLogPath string `json:"-"`
	PIDPath       string `json:"-"`
	MetadataPath  string `json:"-"`
	DocsDir       string `json:"-"`
	PendingDir    string `json:"-"`
	DeletedDir    string `json:"-"`
}

// Options tweaks how an instance directory is interpreted.
type Options struct {
	PortFile string // name of the port file in overhead/, default stunnel.port
}

// Open reads the fixed facts of the repository at dir. It fails if the port
// file is missing or does not hold a valid port number.
func Open(dir string, opts Options) (*Instance, error) {
	abs, err := filepath.Abs(filepath.Clean(dir))
	if err != nil {
		return nil, err
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", abs, err)
	}
	portFile := opts.PortFile
	if portFile == "" {
		portFile = DefaultPortFile
	}
	overhead := filepath.Join(abs, "overhead")
	inst := &Instance{
		Location:      abs,
		CanonicalPath: canon,
		OverheadDir:   overhead,
		AngelLogPath:  filepath.Join(overhead, "angel.log"),
		ServerLogPath: filepath.Join(overhead, "angelout.log"),
		PIDPath:       filepath.Join(overhead, "angel.pid"),
		MetadataPath:  filepath.Join(overhead, "metadata.txt"),
		DocsDir:       filepath.Join(abs, "docs"),
		PendingDir:    filepath.Join(abs, "pending"),
		DeletedDir:    filepath.Join(abs, "deleted"),
	}
	port, err := readPort(filepath.Join(overhead, portFile))
	if err != nil {
		return nil, err
	}
	inst.Port = port
	if p, err := readPort(filepath.Join(overhead, "angel.port")); err == nil {
		inst.AngelPort = p
	}
	inst.FQDN = "127.0.0.1"
	if s, err := readOverheadFile(filepath.Join(overhead, "host.fqdn")); err == nil && s != "" {
		inst.FQDN = s
	}
	inst.HealthURL = (&url.URL{Scheme: "https", Host: "127.0.0.1:" + strconv.Itoa(port), Path: "/ping"}).String()
	inst.MainURL = (&url.URL{Scheme: "https", Host: inst.FQDN + ":" + strconv.Itoa(port), Path: "/"}).String()
	return inst, nil
}

// readOverheadFile returns the file content with all lines joined and
// surrounding whitespace trimmed.
func readOverheadFile(path string) (string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.Join(strings.Split(string(b), "\n"), "")), nil
}

func readPort(path string) (int, error) {
	s, err := readOverheadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read port file: %w", err)
	}
	if s == "" {
		return 0, fmt.Errorf("no port number in %s", path)
	}
	p, err := strconv.Atoi(s)
	if err != nil || p <= 0 || p > 65535 {
		return 0, fmt.Errorf("invalid port %q in %s", s, path)
	}
	return p, nil
}

// Exists reports whether the repository directory is still present.
func (i *Instance) Exists() bool {
	fi, err := os.Stat(i.Location)
	return err == nil && fi.IsDir()
}

// ServerLogNonEmpty reports whether the daemon's error output log has content.
func (i *Instance) ServerLogNonEmpty() bool {
	fi, err := os.Stat(i.ServerLogPath)
	return err == nil && fi.Size() > 0
}

// HasPending reports whether documents wait in the pending folder.
func (i *Instance) HasPending() bool { return hasVisibleEntries(i.PendingDir) }

// HasDeleted reports whether the deleted folder holds anything.
func (i *Instance) HasDeleted() bool { return hasVisibleEntries(i.DeletedDir) }

func hasVisibleEntries(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), ".") {
			return true
		}
	}
	return false
}

// StaleLogs lists rotated log files in overhead/ older than StaleLogAge.
func (i *Instance) StaleLogs(now time.Time) []string {
	entries, err := os.ReadDir(i.OverheadDir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		n := e.Name()
		if !strings.HasPrefix(n, "angel.log.ends") && !strings.HasPrefix(n, "stunnel.log-") {
			continue
		}
		fi, err := e.Info()
		if err != nil || fi.IsDir() {
			continue
		}
		if fi.ModTime().Before(now.Add(-StaleLogAge)) {
			out = append(out, filepath.Join(i.OverheadDir, n))
		}
	}
	return out
}

// PruneStaleLogs removes the files StaleLogs reports and returns how many were
// deleted along with the first error.
func (i *Instance) PruneStaleLogs(now time.Time) (int, error) {
	var firstErr error
	n := 0
	for _, p := range i.StaleLogs(now) {
		if err := os.Remove(p); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n++
	}
	return n, firstErr
}
