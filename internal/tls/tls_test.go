package tls

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/repowatch/internal/config"
)

func TestSetupTLS_Disabled(t *testing.T) {
	c, err := SetupTLS(config.ServerConfig{})
	if err != nil || c != nil {
		t.Fatalf("expected nil config, got %v %v", c, err)
	}
	c, err = SetupTLS(config.ServerConfig{TLS: &config.TLSConfig{Enabled: false, Dir: "/x"}})
	if err != nil || c != nil {
		t.Fatalf("expected nil config when disabled, got %v %v", c, err)
	}
}

func TestSetupTLS_AutoGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")
	srv := config.ServerConfig{
		TLS: &config.TLSConfig{
			Enabled:      true,
			Dir:          dir,
			AutoGenerate: true,
			AutoGen:      &config.AutoGenTLS{CommonName: "repowatch.local", DNSNames: []string{"repowatch.local"}},
		},
		TLSMinVersion: "1.2",
	}
	c, err := SetupTLS(srv)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if c.MinVersion != tls.VersionTLS12 || c.MaxVersion != tls.VersionTLS13 {
		t.Fatalf("unexpected versions: %x %x", c.MinVersion, c.MaxVersion)
	}
	for _, f := range []string{certFileName, keyFileName, caFileName} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			t.Fatalf("%s not generated: %v", f, err)
		}
	}
	if fi, err := os.Stat(filepath.Join(dir, keyFileName)); err == nil && fi.Mode().Perm()&0o077 != 0 {
		t.Fatalf("key file too permissive: %v", fi.Mode())
	}
	cert, err := c.GetCertificate(&tls.ClientHelloInfo{})
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if leaf.Subject.CommonName != "repowatch.local" || len(leaf.Subject.Organization) != 1 || leaf.Subject.Organization[0] != "repowatch" {
		t.Fatalf("unexpected subject: %+v", leaf.Subject)
	}

	// a second setup reuses the existing pair
	before, _ := os.ReadFile(filepath.Join(dir, certFileName))
	if _, err := SetupTLS(srv); err != nil {
		t.Fatal(err)
	}
	after, _ := os.ReadFile(filepath.Join(dir, certFileName))
	if string(before) != string(after) {
		t.Fatalf("certificate regenerated")
	}
}

func TestSetupTLS_ExplicitFiles(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(t.TempDir(), "server.key")
	err := GenerateSelfSignedCert(CertConfig{
		CommonName: "localhost", Organization: "test",
		IPAddresses: []string{"127.0.0.1", "not-an-ip"},
		NotAfter:    leafExpiry(),
		CertPath:    certPath, KeyPath: keyPath,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	srv := config.ServerConfig{TLS: &config.TLSConfig{Enabled: true, CertFile: certPath, KeyFile: keyPath}}
	c, err := SetupTLS(srv)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetCertificate(&tls.ClientHelloInfo{}); err != nil {
		t.Fatalf("cert and key in different dirs should load: %v", err)
	}
}

func TestSetupTLS_NoSource(t *testing.T) {
	if _, err := SetupTLS(config.ServerConfig{TLS: &config.TLSConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error without cert files or dir")
	}
}

func TestVersionOr(t *testing.T) {
	cases := map[string]uint16{
		"":        tls.VersionTLS13,
		"default": tls.VersionTLS13,
		"1.2":     tls.VersionTLS12,
		"TLS1.2":  tls.VersionTLS12,
		" 1.3 ":   tls.VersionTLS13,
		"ssl3":    tls.VersionTLS13,
	}
	for in, want := range cases {
		if got := versionOr(in, tls.VersionTLS13); got != want {
			t.Fatalf("versionOr(%q) = %x want %x", in, got, want)
		}
	}
}

func TestKeyPair_ReloadsRenewedCertificate(t *testing.T) {
	dir := t.TempDir()
	cc := CertConfig{
		CommonName: "first", Organization: "test",
		NotAfter: leafExpiry(),
		CertPath: filepath.Join(dir, "a.crt"), KeyPath: filepath.Join(dir, "a.key"),
	}
	if err := GenerateSelfSignedCert(cc); err != nil {
		t.Fatal(err)
	}
	kp := &keyPair{certPath: cc.CertPath, keyPath: cc.KeyPath}
	first, err := kp.get(nil)
	if err != nil {
		t.Fatal(err)
	}
	if again, _ := kp.get(nil); again != first {
		t.Fatalf("unchanged files should serve the cached certificate")
	}

	cc.CommonName = "second"
	if err := GenerateSelfSignedCert(cc); err != nil {
		t.Fatal(err)
	}
	later := time.Now().Add(time.Minute)
	for _, p := range []string{cc.CertPath, cc.KeyPath} {
		if err := os.Chtimes(p, later, later); err != nil {
			t.Fatal(err)
		}
	}
	renewed, err := kp.get(nil)
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := x509.ParseCertificate(renewed.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if leaf.Subject.CommonName != "second" {
		t.Fatalf("renewed certificate not loaded: %s", leaf.Subject.CommonName)
	}

	_ = os.Remove(cc.KeyPath)
	if _, err := kp.get(nil); err == nil {
		t.Fatalf("expected error for a missing key")
	}
}

func leafExpiry() time.Time { return time.Now().Add(24 * time.Hour) }
