// Package metrics is the process-wide accumulator shared by every
// front-end (DoT/DoH/DoQ/DoH3) and the healthcheck side endpoint.
//
// Grounded on internal/server/stats.go's atomic-counter / Snapshot()
// shape, generalized from DNS-query-specific counters to the forwarding
// counters named in SPEC_FULL.md §3, and backed by a real
// prometheus.Registry for the /metrics exposition contract instead of a
// hand-rolled text encoder.
package metrics

import (
	"bytes"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// histogramBucketsMs are the fixed latency bucket boundaries required by
// SPEC_FULL.md §3, in milliseconds.
var histogramBucketsMs = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

func histogramBucketsSeconds() []float64 {
	out := make([]float64, len(histogramBucketsMs))
	for i, ms := range histogramBucketsMs {
		out[i] = ms / 1000.0
	}
	return out
}

// Metrics accumulates counters and a request-latency histogram. All
// recording operations are non-blocking and safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	total          prometheus.Counter
	success        prometheus.Counter
	failed         prometheus.Counter
	bytesIn        prometheus.Counter
	bytesOut       prometheus.Counter
	sniRewrites    prometheus.Counter
	upstreamErrors prometheus.Counter
	latency        prometheus.Histogram

	// raw atomic mirrors back the same counters for Snapshot() without
	// walking the registry on every scrape.
	raw rawCounters

	snapMu    sync.RWMutex
	snapAt    time.Time
	snapCache Snapshot
}

type rawCounters struct {
	total          counter
	success        counter
	failed         counter
	bytesIn        counter
	bytesOut       counter
	sniRewrites    counter
	upstreamErrors counter
	latencySumNs   counter
	latencyCount   counter
}

// New creates a Metrics instance with its own private registry so that
// tests can instantiate as many independent instances as they like
// without colliding on the default global registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		total: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dns_gateway_requests_total",
			Help: "Total forwarded requests across all front-ends.",
		}),
		success: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dns_gateway_requests_success_total",
			Help: "Requests that completed successfully.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dns_gateway_requests_failed_total",
			Help: "Requests that failed (rewrite, TLS, or upstream error).",
		}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dns_gateway_bytes_in_total",
			Help: "Bytes received from clients.",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dns_gateway_bytes_out_total",
			Help: "Bytes sent to clients.",
		}),
		sniRewrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dns_gateway_sni_rewrites_total",
			Help: "Successful SNI/Host rewrites.",
		}),
		upstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dns_gateway_upstream_errors_total",
			Help: "Upstream connection or request failures.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dns_gateway_request_duration_seconds",
			Help:    "Request latency observed at the front-end, end to end.",
			Buckets: histogramBucketsSeconds(),
		}),
	}

	reg.MustRegister(m.total, m.success, m.failed, m.bytesIn, m.bytesOut, m.sniRewrites, m.upstreamErrors, m.latency)
	return m
}

// RecordRequest increments the request counters and observes duration
// into the latency histogram. Non-blocking.
func (m *Metrics) RecordRequest(success bool, bytesIn, bytesOut uint64, duration time.Duration) {
	m.total.Inc()
	m.raw.total.add(1)
	if success {
		m.success.Inc()
		m.raw.success.add(1)
	} else {
		m.failed.Inc()
		m.raw.failed.add(1)
	}
	if bytesIn > 0 {
		m.bytesIn.Add(float64(bytesIn))
		m.raw.bytesIn.add(bytesIn)
	}
	if bytesOut > 0 {
		m.bytesOut.Add(float64(bytesOut))
		m.raw.bytesOut.add(bytesOut)
	}
	if duration > 0 {
		m.latency.Observe(duration.Seconds())
		m.raw.latencySumNs.add(uint64(duration.Nanoseconds()))
		m.raw.latencyCount.add(1)
	}
}

// RecordSNIRewrite records a single successful SNI/Host rewrite.
func (m *Metrics) RecordSNIRewrite() {
	m.sniRewrites.Inc()
	m.raw.sniRewrites.add(1)
}

// RecordUpstreamError records a single upstream failure.
func (m *Metrics) RecordUpstreamError() {
	m.upstreamErrors.Inc()
	m.raw.upstreamErrors.add(1)
}

// ExportPrometheus renders the registry in Prometheus text exposition
// format.
func (m *Metrics) ExportPrometheus() (string, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

// Snapshot is a derived, point-in-time view of the counters.
type Snapshot struct {
	Total          uint64
	Success        uint64
	Failed         uint64
	BytesIn        uint64
	BytesOut       uint64
	SNIRewrites    uint64
	UpstreamErrors uint64
	SuccessRate    float64
	AvgLatencyMs   float64
}

// snapshotTTL bounds how often Snapshot recomputes, absorbing scrape
// bursts per SPEC_FULL.md §3.
const snapshotTTL = 1 * time.Second

// Snapshot returns a memoized derived view, refreshed at most once per
// snapshotTTL.
func (m *Metrics) Snapshot() Snapshot {
	m.snapMu.RLock()
	if time.Since(m.snapAt) < snapshotTTL {
		s := m.snapCache
		m.snapMu.RUnlock()
		return s
	}
	m.snapMu.RUnlock()

	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	if time.Since(m.snapAt) < snapshotTTL {
		return m.snapCache
	}

	total := m.raw.total.load()
	success := m.raw.success.load()
	latCount := m.raw.latencyCount.load()
	latSumNs := m.raw.latencySumNs.load()

	s := Snapshot{
		Total:          total,
		Success:        success,
		Failed:         m.raw.failed.load(),
		BytesIn:        m.raw.bytesIn.load(),
		BytesOut:       m.raw.bytesOut.load(),
		SNIRewrites:    m.raw.sniRewrites.load(),
		UpstreamErrors: m.raw.upstreamErrors.load(),
	}
	if total > 0 {
		s.SuccessRate = float64(success) / float64(total)
	}
	if latCount > 0 {
		s.AvgLatencyMs = float64(latSumNs) / float64(latCount) / 1e6
	}

	m.snapCache = s
	m.snapAt = time.Now()
	return s
}
