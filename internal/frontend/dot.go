// Package frontend implements the client-facing protocol terminators:
// DoT (G), DoH (H), DoQ (I) and DoH3 (J). Each front-end is an
// independently runnable server sharing the certificate resolver (D),
// metrics sink (A), and, for DoH/DoH3, the SNI rewriter (C) and the
// upstream HTTPS pool (E).
//
// Grounded on internal/server/tcp_server.go's accept-loop shape
// (per-connection goroutine, WaitGroup-tracked graceful shutdown) and internal/server/runner.go's context-driven
// lifecycle.
package frontend

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jroosing/dns-ingress-gateway/internal/backoff"
	"github.com/jroosing/dns-ingress-gateway/internal/metrics"
	"github.com/jroosing/dns-ingress-gateway/internal/pool"
	"github.com/jroosing/dns-ingress-gateway/internal/tlscert"
	"github.com/jroosing/dns-ingress-gateway/internal/upstream"
)

// copyBufSize is the scratch buffer size used to stream bytes between a
// client DoT connection and its upstream without buffering an entire
// payload in memory.
const copyBufSize = 32 * 1024

// DoTConfig carries everything the DoT front-end needs to bind and
// forward opaque DNS-over-TLS byte streams.
type DoTConfig struct {
	BindAddress     string
	UpstreamAddress string
	UpstreamSNI     string // explicit override; falls back to host-from-address
	UpstreamRootCAs *x509.CertPool
}

// DoTServer terminates client DoT sessions and forwards the opaque byte
// stream to a fixed upstream resolver, unaware of DNS message framing.
type DoTServer struct {
	cfg     DoTConfig
	certs   *tlscert.Resolver
	metrics *metrics.Metrics
	logger  *slog.Logger
	backoff backoff.Counter

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup

	bufPool *pool.Pool[[]byte]
}

// NewDoTServer constructs a DoT front-end. certs must already be
// preloaded.
func NewDoTServer(cfg DoTConfig, certs *tlscert.Resolver, m *metrics.Metrics, logger *slog.Logger) *DoTServer {
	return &DoTServer{cfg: cfg, certs: certs, metrics: m, logger: logger, bufPool: pool.NewBytes(copyBufSize)}
}

// Run binds the TLS listener and serves until ctx is cancelled.
func (s *DoTServer) Run(ctx context.Context) error {
	tlsConf := &tls.Config{
		GetCertificate: s.certs.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
	ln, err := tls.Listen("tcp", s.cfg.BindAddress, tlsConf)
	if err != nil {
		return fmt.Errorf("dot: listen %s: %w", s.cfg.BindAddress, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.acceptLoop(ctx, ln)
	return s.Stop(5 * time.Second)
}

// acceptLoop runs until ctx is cancelled or the listener is closed. Each
// accept error that isn't shutdown-driven is dampened with an
// exponentially increasing backoff so a persistently failing listener
// doesn't spin the CPU.
func (s *DoTServer) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := s.backoff.NextDelay(100, 5000)
			if s.logger != nil {
				s.logger.Warn("dot accept error", "err", err, "backoff_ms", delay)
			}
			select {
			case <-time.After(time.Duration(delay) * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}

		c := conn
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, c)
		}()
	}
}

// handleConn streams the client's byte stream to the upstream over a
// fresh TLS connection, then streams the upstream's response back. The
// DoT framing (2-byte length prefix) is never parsed, only passed
// through. Scratch buffers for both directions come from bufPool so a
// busy listener doesn't churn a fresh allocation per connection.
func (s *DoTServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	start := time.Now()

	sni := upstream.HostnameFor(s.cfg.UpstreamAddress, s.cfg.UpstreamSNI)
	upConn, err := tlsDialUpstream(ctx, s.cfg.UpstreamAddress, sni, s.cfg.UpstreamRootCAs)
	if err != nil {
		s.fail(err)
		return
	}
	defer upConn.Close()

	reqBuf := s.bufPool.Get()
	sent, err := io.CopyBuffer(upConn, conn, reqBuf[:cap(reqBuf)])
	s.bufPool.Put(reqBuf)
	if err != nil {
		s.fail(err)
		return
	}
	if sent == 0 {
		return
	}
	_ = upConn.CloseWrite()

	respBuf := s.bufPool.Get()
	received, err := io.CopyBuffer(conn, upConn, respBuf[:cap(respBuf)])
	s.bufPool.Put(respBuf)
	if err != nil {
		s.fail(err)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordRequest(true, uint64(sent), uint64(received), time.Since(start))
	}
}

func (s *DoTServer) fail(err error) {
	if s.metrics != nil {
		s.metrics.RecordUpstreamError()
		s.metrics.RecordRequest(false, 0, 0, 0)
	}
	if s.logger != nil {
		s.logger.Error("dot forward failed", "err", err)
	}
}

// Stop closes the listener and waits up to timeout for in-flight
// connections to finish.
func (s *DoTServer) Stop(timeout time.Duration) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("dot: timeout waiting for connections")
	}
}

// tlsDialUpstream opens a TLS client connection to address, pinning sni
// for certificate verification against the system trust store (or
// rootCAs, when an internal upstream CA is configured).
func tlsDialUpstream(ctx context.Context, address, sni string, rootCAs *x509.CertPool) (*tls.Conn, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: 10 * time.Second},
		Config: &tls.Config{
			ServerName: sni,
			RootCAs:    rootCAs,
			MinVersion: tls.VersionTLS12,
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &upstream.Error{Upstream: address, Reason: fmt.Errorf("%w: %v", upstream.ErrConnectionFailed, err)}
	}
	return conn.(*tls.Conn), nil
}
