package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Level names accepted in configuration.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Output formats for the service logger.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// SlogConfig controls the service's own structured log.
type SlogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // text|json
	Color      bool   `mapstructure:"color"`  // ANSI level colors, text format on a terminal only
	TimeStamps bool   `mapstructure:"timestamps"`
	Source     bool   `mapstructure:"source"`
	// Path, when set, sends the service log to a rotated file instead of stderr.
	Path string `mapstructure:"path"`
}

// FileConfig describes rotated log files. Dir receives one
// <instance>.check.log per repository with the lifecycle program's output.
// Rotation parameters follow lumberjack semantics and also apply to
// SlogConfig.Path.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`  // megabytes before rotation (default 10)
	MaxBackups int    `mapstructure:"max_backups"`  // number of backups to keep (default 3)
	MaxAgeDays int    `mapstructure:"max_age_days"` // days to keep (default 7)
	Compress   bool   `mapstructure:"compress"`     // Gzip rotated files
}

// Config is the complete logging configuration.
type Config struct {
	Slog SlogConfig `mapstructure:"slog"`
	File FileConfig `mapstructure:"file"`
}

// ParseLevel maps a level name to a slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", LevelInfo:
		return slog.LevelInfo, nil
	case LevelDebug:
		return slog.LevelDebug, nil
	case LevelWarn, "warning":
		return slog.LevelWarn, nil
	case LevelError:
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// New builds the service logger. The returned closer releases the log file
// when SlogConfig.Path is set and is a no-op otherwise.
func (c Config) New() (*slog.Logger, io.Closer) {
	if c.Slog.Path != "" {
		w := c.rotating(c.Slog.Path)
		return slog.New(c.handler(w, false)), w
	}
	return slog.New(c.handler(os.Stderr, c.Slog.Color)), nopCloser{}
}

// NewSlogger builds a logger writing to w; used by tests and embedders.
func (c Config) NewSlogger(w io.Writer) *slog.Logger {
	return slog.New(c.handler(w, c.Slog.Color))
}

func (c Config) handler(w io.Writer, color bool) slog.Handler {
	lvl, err := ParseLevel(c.Slog.Level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl, AddSource: c.Slog.Source}
	if strings.EqualFold(c.Slog.Format, FormatJSON) {
		return slog.NewJSONHandler(w, opts)
	}
	if color {
		return NewColorTextHandler(w, opts, c.Slog.TimeStamps)
	}
	if !c.Slog.TimeStamps {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
	}
	return slog.NewTextHandler(w, opts)
}

// SubprocessWriter returns a rotated writer for the lifecycle program output
// of the repository at path, or nil when File.Dir is not set.
func (c Config) SubprocessWriter(path string) io.WriteCloser {
	if c.File.Dir == "" {
		return nil
	}
	return c.rotating(filepath.Join(c.File.Dir, FileName(path)+".check.log"))
}

func (c Config) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.File.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.File.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.File.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.File.Compress,
	}
}

// FileName flattens a repository path into a file name component:
// "/srv/repos/lab notes" becomes "srv_repos_lab_notes".
func FileName(path string) string {
	p := strings.Trim(filepath.ToSlash(filepath.Clean(path)), "/")
	p = strings.TrimPrefix(p, filepath.VolumeName(path))
	repl := strings.NewReplacer("/", "_", ":", "_", " ", "_", "\\", "_")
	p = strings.Trim(repl.Replace(p), "_")
	if p == "" || p == "." {
		return "root"
	}
	return p
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
