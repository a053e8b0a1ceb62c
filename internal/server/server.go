package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/loykin/repowatch/internal/config"
	itls "github.com/loykin/repowatch/internal/tls"
)

// NewServer binds cfg.Listen and serves h in the background, over TLS when
// cfg.TLS is enabled. Bind and certificate errors are returned before
// anything is served; shut down with the returned server's Shutdown.
func NewServer(cfg config.ServerConfig, h http.Handler, log *slog.Logger) (*http.Server, error) {
	if log == nil {
		log = slog.Default()
	}
	tlsCfg, err := itls.SetupTLS(cfg)
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           h,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		var err error
		if tlsCfg != nil {
			log.Info("HTTPS API listening", "addr", srv.Addr)
			err = srv.ServeTLS(ln, "", "")
		} else {
			log.Info("HTTP API listening", "addr", srv.Addr)
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("API server stopped", "error", err)
		}
	}()
	return srv, nil
}
