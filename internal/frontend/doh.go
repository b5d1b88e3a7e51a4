package frontend

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jroosing/dns-ingress-gateway/internal/tlscert"
)

// DoHConfig carries the bind address for the DoH (H) front-end. Unlike
// DoT/DoQ, DoH has no fixed upstream address: the rewritten target
// hostname is itself the URI authority the upstream HTTPS pool dials.
type DoHConfig struct {
	BindAddress string
}

// DoHServer terminates client DoH sessions over HTTP/1.1 and HTTP/2 and
// forwards rewritten requests through the upstream HTTPS pool (E).
//
// Grounded on internal/server/tcp_server.go's listen/accept/shutdown
// shape, translated here to net/http.Server since DoH is a structured
// HTTP protocol rather than an opaque byte tunnel.
type DoHServer struct {
	cfg    DoHConfig
	certs  *tlscert.Resolver
	srv    *http.Server
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewDoHServer constructs a DoH front-end. certs must already be
// preloaded. handler is produced by NewDoHHandler, shared with DoH3.
func NewDoHServer(cfg DoHConfig, certs *tlscert.Resolver, handler http.Handler, logger *slog.Logger) *DoHServer {
	return &DoHServer{
		cfg:   cfg,
		certs: certs,
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		logger: logger,
	}
}

// Run binds the TLS listener and serves until ctx is cancelled.
func (s *DoHServer) Run(ctx context.Context) error {
	tlsConf := &tls.Config{
		GetCertificate: s.certs.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
	}
	ln, err := tls.Listen("tcp", s.cfg.BindAddress, tlsConf)
	if err != nil {
		return fmt.Errorf("doh: listen %s: %w", s.cfg.BindAddress, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
