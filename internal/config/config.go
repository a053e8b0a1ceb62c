package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/repowatch/internal/logger"
	"github.com/loykin/repowatch/internal/scheduler"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables that override file keys,
// e.g. REPOWATCH_POLL_INTERVAL or REPOWATCH_SERVER_LISTEN.
const EnvPrefix = "REPOWATCH"

// Defaults applied before the file and environment are read.
const (
	DefaultPollInterval = "15s"
	DefaultProbeTimeout = 10 * time.Second
	DefaultPortFile     = "stunnel.port"
	DefaultListen       = "127.0.0.1:8787"
	DefaultBasePath     = "/api"
)

// Config represents the top-level TOML structure.
type Config struct {
	CheckProgram string           `mapstructure:"check_program"`
	PollInterval string           `mapstructure:"poll_interval"`
	ProbeTimeout time.Duration    `mapstructure:"probe_timeout"`
	PortFile     string           `mapstructure:"port_file"`
	Env          []string         `mapstructure:"env"`
	EnvFiles     []string         `mapstructure:"env_files"`
	Instances    []InstanceConfig `mapstructure:"instances"`
	Log          logger.Config    `mapstructure:"log"`
	Server       ServerConfig     `mapstructure:"server"`
	Metrics      MetricsConfig    `mapstructure:"metrics"`
	History      HistoryConfig    `mapstructure:"history"`
	Probe        ProbeConfig      `mapstructure:"probe"`

	// path of the file this config was read from, empty for env-only configs
	source string
}

// InstanceConfig names one repository to supervise.
type InstanceConfig struct {
	Path        string `mapstructure:"path"`
	AutoRestart bool   `mapstructure:"auto_restart"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Listen        string     `mapstructure:"listen"`
	BasePath      string     `mapstructure:"base_path"`
	PIDFile       string     `mapstructure:"pidfile"`
	LockFile      string     `mapstructure:"lockfile"`
	TLS           *TLSConfig `mapstructure:"tls"`
	TLSMinVersion string     `mapstructure:"tls_min_version"`
	TLSMaxVersion string     `mapstructure:"tls_max_version"`
}

// TLSConfig selects the server certificate: explicit files win over a
// directory holding tls.crt/tls.key, which may be generated on first use.
type TLSConfig struct {
	Enabled      bool        `mapstructure:"enabled"`
	CertFile     string      `mapstructure:"cert_file"`
	KeyFile      string      `mapstructure:"key_file"`
	Dir          string      `mapstructure:"dir"`
	AutoGenerate bool        `mapstructure:"auto_generate"`
	AutoGen      *AutoGenTLS `mapstructure:"auto_gen"`
}

// AutoGenTLS holds the subject of a generated self-signed certificate.
type AutoGenTLS struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

// MetricsConfig enables the Prometheus endpoint. With an empty Listen the
// endpoint is mounted on the API server at /metrics.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// HistoryConfig enables the transition history sink. DSN is a sqlite path
// or a postgres://, clickhouse:// or opensearch:// URL.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

// ProbeConfig tunes certificate checks of the health probe.
type ProbeConfig struct {
	CAFile   string `mapstructure:"ca_file"`
	Insecure bool   `mapstructure:"insecure"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// keys must be known to viper for AutomaticEnv to see them
	v.SetDefault("check_program", "")
	v.SetDefault("poll_interval", DefaultPollInterval)
	v.SetDefault("probe_timeout", DefaultProbeTimeout)
	v.SetDefault("port_file", DefaultPortFile)
	v.SetDefault("log.slog.level", logger.LevelInfo)
	v.SetDefault("log.slog.format", logger.FormatText)
	v.SetDefault("log.slog.path", "")
	v.SetDefault("log.file.dir", "")
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.base_path", DefaultBasePath)
	v.SetDefault("server.pidfile", "")
	v.SetDefault("server.lockfile", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", "")
	v.SetDefault("probe.ca_file", "")
	v.SetDefault("probe.insecure", true)
	return v
}

// LoadConfig reads the TOML file at path, applies REPOWATCH_* overrides and
// validates the result. An empty path yields defaults plus environment.
func LoadConfig(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.source = path
	c.resolvePaths()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Source returns the file the config was loaded from.
func (c *Config) Source() string { return c.source }

// resolvePaths makes relative file references relative to the config file.
func (c *Config) resolvePaths() {
	if c.source == "" {
		return
	}
	base := filepath.Dir(c.source)
	rel := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	for i := range c.EnvFiles {
		c.EnvFiles[i] = rel(c.EnvFiles[i])
	}
	c.Probe.CAFile = rel(c.Probe.CAFile)
	c.History.DSN = relSQLite(c.History.DSN, rel)
}

func relSQLite(dsn string, rel func(string) string) string {
	if dsn == "" || strings.Contains(dsn, "://") && !strings.HasPrefix(dsn, "sqlite://") {
		return dsn
	}
	if p, ok := strings.CutPrefix(dsn, "sqlite://"); ok {
		return "sqlite://" + rel(p)
	}
	return rel(dsn)
}

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	if _, err := c.Interval(); err != nil {
		return fmt.Errorf("poll_interval: %w", err)
	}
	if c.ProbeTimeout < 0 {
		return errors.New("probe_timeout must not be negative")
	}
	if len(c.Instances) > 0 && strings.TrimSpace(c.CheckProgram) == "" {
		return errors.New("check_program is required when instances are configured")
	}
	seen := make(map[string]bool, len(c.Instances))
	for i, ic := range c.Instances {
		p := strings.TrimSpace(ic.Path)
		if p == "" {
			return fmt.Errorf("instances[%d]: path is required", i)
		}
		key := filepath.Clean(p)
		if seen[key] {
			return fmt.Errorf("instances[%d]: duplicate path %s", i, p)
		}
		seen[key] = true
	}
	if _, err := logger.ParseLevel(c.Log.Slog.Level); err != nil {
		return fmt.Errorf("log.slog.level: %w", err)
	}
	switch strings.ToLower(c.Log.Slog.Format) {
	case "", logger.FormatText, logger.FormatJSON:
	default:
		return fmt.Errorf("log.slog.format: unknown format %q", c.Log.Slog.Format)
	}
	if c.History.Enabled && strings.TrimSpace(c.History.DSN) == "" {
		return errors.New("history.dsn is required when history is enabled")
	}
	if t := c.Server.TLS; t != nil && t.Enabled {
		hasFiles := t.CertFile != "" && t.KeyFile != ""
		if !hasFiles && t.Dir == "" {
			return errors.New("server.tls: cert_file/key_file or dir is required")
		}
		if (t.CertFile == "") != (t.KeyFile == "") {
			return errors.New("server.tls: cert_file and key_file must be set together")
		}
	}
	return nil
}

// Interval returns the parsed poll interval.
func (c *Config) Interval() (time.Duration, error) {
	return scheduler.ParseInterval(c.PollInterval)
}

// ChildEnv returns the variables added to the lifecycle program's
// environment: env_files in order, then env entries, later keys winning.
// The result is layered over the service's own environment by the launcher.
// nil means nothing is added.
func (c *Config) ChildEnv() ([]string, error) {
	if len(c.EnvFiles) == 0 && len(c.Env) == 0 {
		return nil, nil
	}
	var out []string
	for _, p := range c.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		out = append(out, pairs...)
	}
	out = append(out, c.Env...)
	return mergePairs(out), nil
}

// mergePairs drops malformed entries and keeps the last value of each key
// at its first-seen position.
func mergePairs(pairs []string) []string {
	idx := make(map[string]int)
	var out []string
	add := func(kv string) {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			return
		}
		k := kv[:i]
		if j, ok := idx[k]; ok {
			out[j] = kv
			return
		}
		idx[k] = len(out)
		out = append(out, kv)
	}
	for _, kv := range pairs {
		add(kv)
	}
	return out
}
