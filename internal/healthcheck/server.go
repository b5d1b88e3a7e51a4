// Package healthcheck implements the side liveness/metrics endpoint
// (component N): a small gin.Engine exposing the four routes named in
// SPEC_FULL.md §6, backed by the same *metrics.Metrics accumulator the
// front-ends record into. /metrics and /stats both return Prometheus
// text exposition; /metrics/json carries the same counters plus host
// resource usage for callers that want structured data.
//
// Grounded on internal/api/server.go's gin.New()+gin.Recovery()+slog
// request-logging middleware wiring, and internal/api/handlers/health.go's
// Stats handler (CPU/memory via gopsutil).
package healthcheck

import (
	"context"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"log/slog"

	"github.com/jroosing/dns-ingress-gateway/internal/metrics"
)

// Config carries the bind address and liveness path for the side server.
type Config struct {
	BindAddress string
	Port        int
	Path        string
}

// Server is the healthcheck/metrics HTTP server.
type Server struct {
	cfg        Config
	metrics    *metrics.Metrics
	httpServer *http.Server
	startTime  time.Time
}

// New constructs the healthcheck server and registers its routes. logger
// may be nil.
func New(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	engine.Use(gin.Recovery())
	engine.Use(slogRequestLogger(logger))

	s := &Server{cfg: cfg, metrics: m, startTime: time.Now()}

	path := cfg.Path
	if path == "" {
		path = "/healthz"
	}
	engine.GET(path, s.handleHealthz)
	engine.GET("/metrics", s.handleMetrics)
	engine.GET("/stats", s.handleMetrics)
	engine.GET("/metrics/json", s.handleMetricsJSON)

	addr := net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "dns-proxy"})
}

func (s *Server) handleMetrics(c *gin.Context) {
	text, err := s.metrics.ExportPrometheus()
	if err != nil {
		c.String(http.StatusInternalServerError, "metrics export failed")
		return
	}
	c.String(http.StatusOK, text)
}

// metricsJSON mirrors metrics.Snapshot, plus process uptime and host
// resource usage (CPU/Mem via gopsutil), for the JSON exposition
// endpoint — the one place in the tree a non-proxy concern (host
// resource usage) is reported, since /metrics and /stats both commit to
// the Prometheus text contract.
type metricsJSON struct {
	Total          uint64      `json:"total"`
	Success        uint64      `json:"success"`
	Failed         uint64      `json:"failed"`
	BytesIn        uint64      `json:"bytes_in"`
	BytesOut       uint64      `json:"bytes_out"`
	SNIRewrites    uint64      `json:"sni_rewrites"`
	UpstreamErrors uint64      `json:"upstream_errors"`
	SuccessRate    float64     `json:"success_rate"`
	AvgLatencyMs   float64     `json:"avg_latency_ms"`
	UptimeSeconds  int64       `json:"uptime_seconds"`
	CPU            cpuStats    `json:"cpu"`
	Memory         memoryStats `json:"memory"`
}

type cpuStats struct {
	NumCPU      int     `json:"num_cpu"`
	UsedPercent float64 `json:"used_percent"`
}

type memoryStats struct {
	TotalMB     float64 `json:"total_mb"`
	UsedMB      float64 `json:"used_mb"`
	UsedPercent float64 `json:"used_percent"`
}

func (s *Server) handleMetricsJSON(c *gin.Context) {
	snap := s.metrics.Snapshot()

	memStats := memoryStats{}
	if vm, err := mem.VirtualMemory(); err == nil {
		memStats.TotalMB = float64(vm.Total) / 1024 / 1024
		memStats.UsedMB = float64(vm.Used) / 1024 / 1024
		memStats.UsedPercent = vm.UsedPercent
	}

	cpuS := cpuStats{NumCPU: runtime.NumCPU()}
	if pct, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(pct) > 0 {
		cpuS.UsedPercent = pct[0]
	}

	c.JSON(http.StatusOK, metricsJSON{
		Total:          snap.Total,
		Success:        snap.Success,
		Failed:         snap.Failed,
		BytesIn:        snap.BytesIn,
		BytesOut:       snap.BytesOut,
		SNIRewrites:    snap.SNIRewrites,
		UpstreamErrors: snap.UpstreamErrors,
		SuccessRate:    snap.SuccessRate,
		AvgLatencyMs:   snap.AvgLatencyMs,
		UptimeSeconds:  int64(time.Since(s.startTime).Seconds()),
		CPU:            cpuS,
		Memory:         memStats,
	})
}

func slogRequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		if logger != nil {
			logger.Info("healthcheck request",
				"method", method,
				"path", path,
				"status", c.Writer.Status(),
				"latency_ms", time.Since(start).Milliseconds(),
			)
		}
	}
}
