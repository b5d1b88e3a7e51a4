package frontend

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/jroosing/dns-ingress-gateway/internal/tlscert"
)

// DoH3Config carries the bind address for the DoH3 (J) front-end.
type DoH3Config struct {
	BindAddress string
}

// DoH3Server layers an HTTP/3 server on its own QUIC endpoint, serving
// the same rewrite+forward handler as DoH (H) — the two front-ends
// differ only in transport.
//
// Grounded on the CoreDNS/AdGuardDNS QUIC server files in the example
// pack (server_quic.go, server_squic.go, serverhttps.go): a QUIC
// listener built independently of the HTTP/3 server object, then handed
// to it via ServeListener.
type DoH3Server struct {
	cfg    DoH3Config
	certs  *tlscert.Resolver
	srv    *http3.Server
	logger *slog.Logger

	mu       sync.Mutex
	listener *quic.EarlyListener
}

// NewDoH3Server constructs a DoH3 front-end. certs must already be
// preloaded. handler is produced by NewDoHHandler, shared with DoH.
func NewDoH3Server(cfg DoH3Config, certs *tlscert.Resolver, handler http.Handler, logger *slog.Logger) *DoH3Server {
	return &DoH3Server{
		cfg:    cfg,
		certs:  certs,
		srv:    &http3.Server{Handler: handler},
		logger: logger,
	}
}

// Run binds the QUIC endpoint and serves HTTP/3 until ctx is cancelled.
func (s *DoH3Server) Run(ctx context.Context) error {
	tlsConf := &tls.Config{
		GetCertificate: s.certs.GetCertificate,
		NextProtos:     []string{http3.NextProtoH3},
		MinVersion:     tls.VersionTLS12,
	}
	ln, err := quic.ListenAddrEarly(s.cfg.BindAddress, tlsConf, nil)
	if err != nil {
		return fmt.Errorf("doh3: listen %s: %w", s.cfg.BindAddress, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ServeListener(ln) }()

	select {
	case <-ctx.Done():
		_ = s.srv.Close()
		_ = ln.Close()
		return nil
	case err := <-errCh:
		return err
	}
}

// Stop closes the HTTP/3 server and its QUIC listener. Present for
// symmetry with the DoT and DoQ front-ends' Stop method; Run already performs
// this on context cancellation.
func (s *DoH3Server) Stop(_ time.Duration) error {
	_ = s.srv.Close()
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	return nil
}
