package template

import (
	"fmt"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// TemplateType selects the shape of the generated config file.
type TemplateType string

const (
	TypeMinimal  TemplateType = "minimal"
	TypeBasic    TemplateType = "basic"
	TypeDaemon   TemplateType = "daemon"
	TypeService  TemplateType = "service"
	TypeObserved TemplateType = "observed"
	TypeMetrics  TemplateType = "metrics"
	TypeTLS      TemplateType = "tls"
)

// Options fills in the parts of a template that depend on the host.
type Options struct {
	CheckProgram string
	Paths        []string
	AutoRestart  bool
	// StateDir hosts logs, pid/lock files, certificates and the history db.
	StateDir string
}

// ConfigTemplate is a repowatch.toml skeleton.
type ConfigTemplate struct {
	CheckProgram string             `toml:"check_program"`
	PollInterval string             `toml:"poll_interval"`
	ProbeTimeout string             `toml:"probe_timeout,omitempty"`
	Env          []string           `toml:"env,omitempty"`
	Instances    []InstanceTemplate `toml:"instances"`
	Log          *LogTemplate       `toml:"log,omitempty"`
	Server       *ServerTemplate    `toml:"server,omitempty"`
	Metrics      *MetricsTemplate   `toml:"metrics,omitempty"`
	History      *HistoryTemplate   `toml:"history,omitempty"`
}

type InstanceTemplate struct {
	Path        string `toml:"path"`
	AutoRestart bool   `toml:"auto_restart"`
}

type LogTemplate struct {
	Slog SlogTemplate  `toml:"slog"`
	File *FileTemplate `toml:"file,omitempty"`
}

type SlogTemplate struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Color  bool   `toml:"color"`
	Path   string `toml:"path,omitempty"`
}

type FileTemplate struct {
	Dir        string `toml:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

type ServerTemplate struct {
	Listen   string       `toml:"listen"`
	BasePath string       `toml:"base_path"`
	PIDFile  string       `toml:"pidfile,omitempty"`
	LockFile string       `toml:"lockfile,omitempty"`
	TLS      *TLSTemplate `toml:"tls,omitempty"`
}

type TLSTemplate struct {
	Enabled      bool   `toml:"enabled"`
	Dir          string `toml:"dir"`
	AutoGenerate bool   `toml:"auto_generate"`
}

type MetricsTemplate struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen,omitempty"`
}

type HistoryTemplate struct {
	Enabled bool   `toml:"enabled"`
	DSN     string `toml:"dsn"`
}

// Generator provides template generation functionality
type Generator struct{}

// NewGenerator creates a new template generator
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate builds the template for t.
func (g *Generator) Generate(t TemplateType, opts Options) (*ConfigTemplate, error) {
	if opts.CheckProgram == "" {
		opts.CheckProgram = "/usr/local/bin/check-angel"
	}
	if opts.StateDir == "" {
		opts.StateDir = "/var/lib/repowatch"
	}
	switch t {
	case TypeMinimal, TypeBasic:
		return g.minimal(opts), nil
	case TypeDaemon, TypeService:
		return g.daemon(opts), nil
	case TypeObserved, TypeMetrics:
		return g.observed(opts), nil
	case TypeTLS:
		return g.tls(opts), nil
	default:
		return nil, fmt.Errorf("unknown template type: %s (supported: minimal, daemon, observed, tls)", t)
	}
}

// GenerateTOML renders the template for t.
func (g *Generator) GenerateTOML(t TemplateType, opts Options) ([]byte, error) {
	tpl, err := g.Generate(t, opts)
	if err != nil {
		return nil, err
	}
	b, err := toml.Marshal(tpl)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template: %w", err)
	}
	return b, nil
}

// GetSupportedTypes returns a list of all supported template types
func (g *Generator) GetSupportedTypes() []string {
	return []string{
		string(TypeMinimal),
		string(TypeDaemon),
		string(TypeObserved),
		string(TypeTLS),
	}
}

func (g *Generator) minimal(opts Options) *ConfigTemplate {
	t := &ConfigTemplate{
		CheckProgram: opts.CheckProgram,
		PollInterval: "15s",
		Instances:    []InstanceTemplate{},
	}
	for _, p := range opts.Paths {
		t.Instances = append(t.Instances, InstanceTemplate{Path: p, AutoRestart: opts.AutoRestart})
	}
	return t
}

func (g *Generator) daemon(opts Options) *ConfigTemplate {
	t := g.minimal(opts)
	t.ProbeTimeout = "10s"
	t.Log = &LogTemplate{
		Slog: SlogTemplate{
			Level:  "info",
			Format: "json",
			Path:   filepath.Join(opts.StateDir, "log", "repowatch.log"),
		},
		File: &FileTemplate{
			Dir:        filepath.Join(opts.StateDir, "log"),
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
	t.Server = &ServerTemplate{
		Listen:   "127.0.0.1:8787",
		BasePath: "/api",
		PIDFile:  filepath.Join(opts.StateDir, "repowatch.pid"),
		LockFile: filepath.Join(opts.StateDir, "repowatch.lock"),
	}
	return t
}

func (g *Generator) observed(opts Options) *ConfigTemplate {
	t := g.daemon(opts)
	t.Metrics = &MetricsTemplate{Enabled: true}
	t.History = &HistoryTemplate{
		Enabled: true,
		DSN:     "sqlite://" + filepath.Join(opts.StateDir, "history.db"),
	}
	return t
}

func (g *Generator) tls(opts Options) *ConfigTemplate {
	t := g.daemon(opts)
	t.Server.Listen = "0.0.0.0:8787"
	t.Server.TLS = &TLSTemplate{
		Enabled:      true,
		Dir:          filepath.Join(opts.StateDir, "tls"),
		AutoGenerate: true,
	}
	return t
}
