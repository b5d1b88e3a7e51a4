package frontend

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/jroosing/dns-ingress-gateway/internal/metrics"
	"github.com/jroosing/dns-ingress-gateway/internal/tlscert"
	"github.com/jroosing/dns-ingress-gateway/internal/upstream"
)

// DoQConfig carries the fixed upstream destination for the DoQ (I)
// front-end — like DoT, DoQ is an opaque tunnel with no rewrite
// awareness, so the upstream is a static address rather than derived
// per-request.
type DoQConfig struct {
	BindAddress     string
	UpstreamAddress string
	UpstreamSNI     string
	UpstreamRootCAs *x509.CertPool
}

// DoQServer terminates client DoQ sessions: one bidi stream per query,
// each forwarded to a freshly opened upstream QUIC connection (component
// F). Opening a fresh upstream connection per client stream trades
// connection-reuse performance for implementation simplicity and
// correctness, per SPEC_FULL.md §4.5.
type DoQServer struct {
	cfg     DoQConfig
	certs   *tlscert.Resolver
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	listener *quic.Listener
	wg       sync.WaitGroup
}

// NewDoQServer constructs a DoQ front-end. certs must already be
// preloaded.
func NewDoQServer(cfg DoQConfig, certs *tlscert.Resolver, m *metrics.Metrics, logger *slog.Logger) *DoQServer {
	return &DoQServer{cfg: cfg, certs: certs, metrics: m, logger: logger}
}

// Run binds the QUIC endpoint and serves until ctx is cancelled.
func (s *DoQServer) Run(ctx context.Context) error {
	tlsConf := &tls.Config{
		GetCertificate: s.certs.GetCertificate,
		NextProtos:     []string{"doq"},
		MinVersion:     tls.VersionTLS12,
	}
	ln, err := quic.ListenAddr(s.cfg.BindAddress, tlsConf, nil)
	if err != nil {
		return fmt.Errorf("doq: listen %s: %w", s.cfg.BindAddress, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.acceptLoop(ctx, ln)
	return s.Stop(5 * time.Second)
}

// acceptLoop accepts QUIC connections until the listener closes or ctx
// is cancelled. Per SPEC_FULL.md §4.10, QUIC accept errors fall out of
// the endpoint's future directly and do not go through the backoff
// counter used by the TCP-based front-ends.
func (s *DoQServer) acceptLoop(ctx context.Context, ln *quic.Listener) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		c := conn
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, c)
		}()
	}
}

// handleConnection loops over incoming bidi streams on a single client
// QUIC connection. An ApplicationClosed error ends the loop cleanly;
// anything else ends it with a recorded failure.
func (s *DoQServer) handleConnection(ctx context.Context, conn quic.Connection) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			var appErr *quic.ApplicationError
			if errors.As(err, &appErr) {
				return
			}
			if ctx.Err() != nil {
				return
			}
			if s.metrics != nil {
				s.metrics.RecordRequest(false, 0, 0, 0)
			}
			if s.logger != nil {
				s.logger.Warn("doq connection ended with error", "err", err)
			}
			return
		}
		st := stream
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleStream(ctx, conn, st)
		}()
	}
}

// handleStream reads the client's query to EOF, opens a fresh upstream
// QUIC connection, forwards the query, and writes the response back on
// the same client stream.
func (s *DoQServer) handleStream(ctx context.Context, clientConn quic.Connection, stream quic.Stream) {
	defer stream.Close()
	start := time.Now()

	query, err := io.ReadAll(stream)
	if err != nil {
		s.fail(err)
		return
	}
	if len(query) == 0 {
		return
	}

	sni := upstream.HostnameFor(s.cfg.UpstreamAddress, s.cfg.UpstreamSNI)
	upConn, err := upstream.DialQUIC(ctx, s.cfg.UpstreamAddress, sni, s.cfg.UpstreamRootCAs)
	if err != nil {
		s.fail(err)
		return
	}
	defer upConn.CloseWithError(0, "")

	resp, err := upstream.ForwardQUIC(ctx, upConn, query)
	if err != nil {
		s.fail(err)
		return
	}

	if _, err := stream.Write(resp); err != nil {
		s.fail(err)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordRequest(true, uint64(len(query)), uint64(len(resp)), time.Since(start))
	}
}

func (s *DoQServer) fail(err error) {
	if s.metrics != nil {
		s.metrics.RecordUpstreamError()
		s.metrics.RecordRequest(false, 0, 0, 0)
	}
	if s.logger != nil {
		s.logger.Error("doq forward failed", "err", err)
	}
}

// Stop closes the listener and waits up to timeout for in-flight
// streams to finish.
func (s *DoQServer) Stop(timeout time.Duration) error {
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
		return errors.New("doq: timeout waiting for streams")
	}
}
