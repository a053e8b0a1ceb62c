package probe

import (
	"context"
	"encoding/pem"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTLSServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ping" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte("pong"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func mustProber(t *testing.T, cfg Config) *HTTPSProber {
	t.Helper()
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("new prober: %v", err)
	}
	return p
}

func TestProbe_OKIsReachable(t *testing.T) {
	srv := newTLSServer(t, http.StatusOK)
	p := mustProber(t, Config{Insecure: true, Timeout: time.Second})
	if got := p.Probe(context.Background(), srv.URL+"/ping"); got != Reachable {
		t.Fatalf("got %v, want reachable", got)
	}
}

func TestProbe_NonOKIsUnreachable(t *testing.T) {
	for _, code := range []int{http.StatusNoContent, http.StatusInternalServerError, http.StatusServiceUnavailable} {
		srv := newTLSServer(t, code)
		p := mustProber(t, Config{Insecure: true, Timeout: time.Second})
		if got := p.Probe(context.Background(), srv.URL+"/ping"); got != Unreachable {
			t.Fatalf("status %d: got %v, want unreachable", code, got)
		}
	}
}

func TestProbe_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	p := mustProber(t, Config{Insecure: true, Timeout: time.Second})
	if got := p.Probe(context.Background(), "https://"+addr+"/ping"); got != Unreachable {
		t.Fatalf("got %v, want unreachable", got)
	}
}

func TestProbe_UntrustedCertificateIsUnreachable(t *testing.T) {
	srv := newTLSServer(t, http.StatusOK)
	p := mustProber(t, Config{Timeout: time.Second})
	if got := p.Probe(context.Background(), srv.URL+"/ping"); got != Unreachable {
		t.Fatalf("got %v, want unreachable for unverified cert", got)
	}
}

func TestProbe_CAFileTrustsServer(t *testing.T) {
	srv := newTLSServer(t, http.StatusOK)
	caPath := filepath.Join(t.TempDir(), "ca.pem")
	block := &pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw}
	if err := os.WriteFile(caPath, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	p := mustProber(t, Config{CAFile: caPath, Timeout: time.Second})
	if got := p.Probe(context.Background(), srv.URL+"/ping"); got != Reachable {
		t.Fatalf("got %v, want reachable with CA file", got)
	}
}

func TestNew_BadCAFile(t *testing.T) {
	if _, err := New(Config{CAFile: filepath.Join(t.TempDir(), "missing.pem")}); err == nil {
		t.Fatalf("expected error for missing CA file")
	}
	p := filepath.Join(t.TempDir(), "empty.pem")
	_ = os.WriteFile(p, []byte("nothing"), 0o600)
	if _, err := New(Config{CAFile: p}); err == nil {
		t.Fatalf("expected error for CA file without certificates")
	}
}

func TestProbe_TimeoutIsUnreachable(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)
	p := mustProber(t, Config{Insecure: true, Timeout: 100 * time.Millisecond})
	start := time.Now()
	if got := p.Probe(context.Background(), srv.URL+"/ping"); got != Unreachable {
		t.Fatalf("got %v, want unreachable", got)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("probe did not honour timeout")
	}
}

func TestFuncAdapter(t *testing.T) {
	var f Prober = Func(func(context.Context, string) Result { return Reachable })
	if f.Probe(context.Background(), "x") != Reachable {
		t.Fatalf("adapter mismatch")
	}
	if Reachable.String() != "reachable" || Unreachable.String() != "unreachable" {
		t.Fatalf("unexpected String values")
	}
}
