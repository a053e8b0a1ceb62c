package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loykin/repowatch/internal/config"
)

// File names used inside [server.tls] dir.
const (
	caFileName   = "tls_ca.crt"
	certFileName = "tls.crt"
	keyFileName  = "tls.key"
)

var versions = map[string]uint16{
	"1.2":    tls.VersionTLS12,
	"tls1.2": tls.VersionTLS12,
	"1.3":    tls.VersionTLS13,
	"tls1.3": tls.VersionTLS13,
}

// versionOr maps a configured version name, falling back to def for empty,
// "default" or unknown names.
func versionOr(name string, def uint16) uint16 {
	if v, ok := versions[strings.ToLower(strings.TrimSpace(name))]; ok {
		return v
	}
	return def
}

// SetupTLS returns the API server's TLS configuration, or nil when TLS is
// off. Explicit cert_file/key_file win over dir; with auto_generate a missing
// pair in dir is created first.
func SetupTLS(server config.ServerConfig) (*tls.Config, error) {
	tc := server.TLS
	if tc == nil || !tc.Enabled {
		return nil, nil
	}
	var certPath, keyPath string
	switch {
	case tc.CertFile != "" && tc.KeyFile != "":
		certPath, keyPath = tc.CertFile, tc.KeyFile
	case tc.Dir != "":
		certPath, keyPath = filepath.Join(tc.Dir, certFileName), filepath.Join(tc.Dir, keyFileName)
		if tc.AutoGenerate && !(exists(certPath) && exists(keyPath)) {
			if err := generateInto(tc); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	default:
		return nil, errors.New("TLS enabled but neither cert_file/key_file nor dir is set")
	}
	kp := &keyPair{certPath: filepath.Clean(certPath), keyPath: filepath.Clean(keyPath)}
	// #nosec G402 minimum version is operator-configurable
	return &tls.Config{
		GetCertificate: kp.get,
		MinVersion:     versionOr(server.TLSMinVersion, tls.VersionTLS13),
		MaxVersion:     versionOr(server.TLSMaxVersion, tls.VersionTLS13),
	}, nil
}

// keyPair serves the certificate on disk and reloads it when either file's
// mtime changes, so a renewed pair is picked up without a restart.
type keyPair struct {
	certPath, keyPath string

	mu      sync.Mutex
	cert    *tls.Certificate
	certMod time.Time
	keyMod  time.Time
}

func (k *keyPair) get(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cm, err := modTime(k.certPath)
	if err != nil {
		return nil, err
	}
	km, err := modTime(k.keyPath)
	if err != nil {
		return nil, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cert != nil && cm.Equal(k.certMod) && km.Equal(k.keyMod) {
		return k.cert, nil
	}
	cert, err := tls.LoadX509KeyPair(k.certPath, k.keyPath)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	k.cert, k.certMod, k.keyMod = &cert, cm, km
	return k.cert, nil
}

func modTime(p string) (time.Time, error) {
	fi, err := os.Stat(p)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// generateInto writes a self-signed pair, plus a copy clients can trust,
// into tc.Dir using the [server.tls.auto_gen] settings.
func generateInto(tc *config.TLSConfig) error {
	if err := os.MkdirAll(tc.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	ag := config.AutoGenTLS{}
	if tc.AutoGen != nil {
		ag = *tc.AutoGen
	}
	cc := CertConfig{
		CommonName:   ag.CommonName,
		Organization: ag.Organization,
		DNSNames:     ag.DNSNames,
		IPAddresses:  ag.IPAddresses,
		CertPath:     filepath.Join(tc.Dir, certFileName),
		KeyPath:      filepath.Join(tc.Dir, keyFileName),
		CACertPath:   filepath.Join(tc.Dir, caFileName),
	}
	if cc.CommonName == "" {
		cc.CommonName = "localhost"
	}
	if cc.Organization == "" {
		cc.Organization = "repowatch"
	}
	if len(cc.DNSNames) == 0 {
		cc.DNSNames = []string{"localhost"}
	}
	if len(cc.IPAddresses) == 0 {
		cc.IPAddresses = []string{"127.0.0.1"}
	}
	days := ag.ValidDays
	if days <= 0 {
		days = 5 * 365
	}
	cc.NotAfter = time.Now().AddDate(0, 0, days)
	return GenerateSelfSignedCert(cc)
}
