package frontend

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/jroosing/dns-ingress-gateway/internal/metrics"
	"github.com/jroosing/dns-ingress-gateway/internal/rewrite"
)

// hopByHopHeaders are stripped before forwarding per SPEC_FULL.md §4.4;
// host is rewritten explicitly rather than copied.
var hopByHopHeaders = map[string]bool{
	"Host":              true,
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
}

// httpForwarder is the subset of *upstream.HTTPSPool the handler needs;
// accepting the interface rather than the concrete pool lets tests
// substitute a fake forwarder.
type httpForwarder interface {
	Do(ctx context.Context, sni string, req *http.Request) (resp *http.Response, cancel context.CancelFunc, err error)
}

// DoHHandlerConfig wires the shared rewrite+forward logic used by both
// the DoH (H) and DoH3 (J) front-ends — they differ only in transport
// (HTTP/1.1+2 over TLS vs HTTP/3 over QUIC), not in request handling.
type DoHHandlerConfig struct {
	Rewriter *rewrite.Rewriter
	Pool     httpForwarder
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

type dohHandler struct {
	cfg DoHHandlerConfig
}

// NewDoHHandler builds the shared http.Handler for DoH/DoH3.
func NewDoHHandler(cfg DoHHandlerConfig) http.Handler {
	return &dohHandler{cfg: cfg}
}

func (h *dohHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	host := r.Host
	if host == "" {
		h.failEarly(w, http.StatusBadGateway, "missing host")
		return
	}

	result, ok := h.cfg.Rewriter.Rewrite(host)
	if !ok {
		h.failEarly(w, http.StatusBadRequest, "no matching base domain")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.failEarly(w, http.StatusBadRequest, "reading request body")
		return
	}
	bytesIn := uint64(len(body))

	outURL := &url.URL{
		Scheme:   "https",
		Host:     result.TargetHostname,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}
	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, outURL.String(), bytes.NewReader(body))
	if err != nil {
		h.failEarly(w, http.StatusInternalServerError, "building upstream request")
		return
	}
	copyForwardHeaders(outReq.Header, r.Header)
	outReq.Host = result.TargetHostname

	resp, cancel, doErr := h.cfg.Pool.Do(r.Context(), result.TargetHostname, outReq)
	defer cancel()

	success := doErr == nil
	if doErr != nil {
		if h.cfg.Metrics != nil {
			h.cfg.Metrics.RecordUpstreamError()
		}
		if h.cfg.Logger != nil {
			h.cfg.Logger.Error("doh upstream forward failed", "target", result.TargetHostname, "err", doErr)
		}
		if resp == nil {
			http.Error(w, "upstream request failed", http.StatusBadGateway)
			if h.cfg.Metrics != nil {
				h.cfg.Metrics.RecordRequest(false, bytesIn, 0, time.Since(start))
			}
			return
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && h.cfg.Logger != nil {
		h.cfg.Logger.Warn("doh upstream non-2xx", "status", resp.StatusCode, "target", result.TargetHostname)
	}

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	n, _ := io.Copy(w, resp.Body)

	if h.cfg.Metrics != nil {
		h.cfg.Metrics.RecordRequest(success, bytesIn, uint64(n), time.Since(start))
	}
}

// failEarly completes the request before any upstream forward was
// attempted — a rewrite miss or malformed request, not an upstream
// failure, so it is recorded as a failed request without an
// upstream_error increment.
func (h *dohHandler) failEarly(w http.ResponseWriter, status int, reason string) {
	http.Error(w, reason, status)
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.RecordRequest(false, 0, 0, 0)
	}
}

func copyForwardHeaders(dst, src http.Header) {
	for k, vv := range src {
		if hopByHopHeaders[k] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
