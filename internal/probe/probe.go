package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// DefaultTimeout bounds connecting to the health endpoint.
const DefaultTimeout = 10 * time.Second

// Result is the reduced outcome of a health probe.
type Result int

const (
	Unreachable Result = iota
	Reachable
)

func (r Result) String() string {
	if r == Reachable {
		return "reachable"
	}
	return "unreachable"
}

// Prober checks whether a health endpoint answers. Implementations must be
// safe for concurrent use and must never block past their own timeout.
type Prober interface {
	Probe(ctx context.Context, url string) Result
}

// Func adapts a function to the Prober interface.
type Func func(ctx context.Context, url string) Result

func (f Func) Probe(ctx context.Context, url string) Result { return f(ctx, url) }

// Config holds settings for HTTPSProber.
type Config struct {
	Timeout  time.Duration // connect timeout, default 10s
	CAFile   string        // PEM bundle to verify the daemon's certificate against
	Insecure bool          // skip certificate verification (self-signed loopback certs)
	Logger   *slog.Logger
}

// HTTPSProber issues a single GET and maps HTTP 200 to Reachable. Everything
// else, including transport and TLS failures, is Unreachable.
type HTTPSProber struct {
	client *http.Client
	log    *slog.Logger
}

// New builds an HTTPSProber. It only fails when a CA file is configured but
// cannot be loaded.
func New(cfg Config) (*HTTPSProber, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	tlsCfg, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	tr := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		TLSClientConfig:       tlsCfg,
		DisableKeepAlives:     true,
	}
	return &HTTPSProber{
		client: &http.Client{
			Transport: tr,
			Timeout:   2 * timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: log,
	}, nil
}

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	// #nosec G402 the daemon serves a self-signed certificate on loopback
	tc := &tls.Config{InsecureSkipVerify: cfg.Insecure, MinVersion: tls.VersionTLS12}
	if cfg.CAFile == "" {
		return tc, nil
	}
	pem, err := os.ReadFile(filepath.Clean(cfg.CAFile))
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
	}
	tc.RootCAs = pool
	return tc, nil
}

// Probe performs the request. It never returns an error.
func (p *HTTPSProber) Probe(ctx context.Context, url string) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		p.log.Warn("invalid health url", "url", url, "error", err)
		return Unreachable
	}
	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			p.log.Debug("health endpoint refused connection", "url", url)
		} else {
			p.log.Info("health probe failed", "url", url, "error", err)
		}
		return Unreachable
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		p.log.Debug("health endpoint returned non-OK status", "url", url, "status", resp.StatusCode)
		return Unreachable
	}
	return Reachable
}
