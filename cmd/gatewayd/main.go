// Command gatewayd runs the DNS-over-encrypted-transport ingress gateway:
// it terminates DoT/DoH/DoQ/DoH3 client sessions, rewrites the
// client-facing SNI/Host to an internal upstream hostname, and forwards
// to the configured upstream resolver.
//
// Grounded on cmd/hydradns/main.go's flag-parsing + signal-handling +
// component-wiring shape, rebuilt around the gateway's own component set.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/jroosing/dns-ingress-gateway/internal/config"
	"github.com/jroosing/dns-ingress-gateway/internal/frontend"
	"github.com/jroosing/dns-ingress-gateway/internal/healthcheck"
	"github.com/jroosing/dns-ingress-gateway/internal/logging"
	"github.com/jroosing/dns-ingress-gateway/internal/metrics"
	"github.com/jroosing/dns-ingress-gateway/internal/rewrite"
	"github.com/jroosing/dns-ingress-gateway/internal/supervisor"
	"github.com/jroosing/dns-ingress-gateway/internal/tlscert"
	"github.com/jroosing/dns-ingress-gateway/internal/upstream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

type cliFlags struct {
	configPath string
	debug      bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to gateway YAML config file")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.Parse()
	return f
}

func run() error {
	flags := parseFlags()

	cfg, err := config.Load(config.ResolveConfigPath(flags.configPath))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if flags.debug {
		cfg.Logging.Level = "DEBUG"
	}

	logger := logging.Configure(logging.Config{
		Level:            cfg.Logging.Level,
		Structured:       cfg.Logging.Structured,
		StructuredFormat: cfg.Logging.StructuredFormat,
	})
	logger.Info("gatewayd starting",
		"base_domains", cfg.Rewrite.BaseDomains,
		"target_suffix", cfg.Rewrite.TargetSuffix,
	)

	m := metrics.New()

	rw, err := rewrite.New(rewrite.Config{
		BaseDomains:     cfg.Rewrite.BaseDomains,
		TargetSuffix:    cfg.Rewrite.TargetSuffix,
		FailureStrategy: rewrite.FailureStrategy(cfg.Rewrite.FailureStrategy),
		CaseInsensitive: cfg.Rewrite.CaseInsensitive,
	}, m, logger)
	if err != nil {
		return fmt.Errorf("failed to build rewriter: %w", err)
	}

	certs := buildCertResolver(cfg, logger)
	if err := certs.Preload(); err != nil {
		return fmt.Errorf("failed to preload certificates: %w", err)
	}

	pool := upstream.NewHTTPSPool(upstream.HTTPSPoolConfig{})
	dohHandler := frontend.NewDoHHandler(frontend.DoHHandlerConfig{
		Rewriter: rw,
		Pool:     pool,
		Metrics:  m,
		Logger:   logger,
	})

	sup := supervisor.New(logger, 0)
	registerFrontends(sup, cfg, certs, dohHandler, m, logger)
	registerHealthcheck(sup, cfg, m, logger)

	if err := sup.Run(context.Background()); err != nil {
		return fmt.Errorf("gateway exited with error: %w", err)
	}
	logger.Info("gatewayd stopped")
	return nil
}

func buildCertResolver(cfg *config.Config, logger *slog.Logger) *tlscert.Resolver {
	tlsCfg := tlscert.Config{Certs: make(map[string]tlscert.KeyPair, len(cfg.TLS.Certs))}
	if cfg.TLS.Default != nil {
		tlsCfg.Default = &tlscert.KeyPair{
			CertFile:          cfg.TLS.Default.CertFile,
			KeyFile:           cfg.TLS.Default.KeyFile,
			ClientCAFile:      cfg.TLS.Default.ClientCAFile,
			RequireClientCert: cfg.TLS.Default.RequireClientCert,
		}
	}
	for name, kp := range cfg.TLS.Certs {
		tlsCfg.Certs[name] = tlscert.KeyPair{
			CertFile:          kp.CertFile,
			KeyFile:           kp.KeyFile,
			ClientCAFile:      kp.ClientCAFile,
			RequireClientCert: kp.RequireClientCert,
		}
	}
	return tlscert.New(tlsCfg, logger)
}

// registerFrontends wires every enabled front-end named in SPEC_FULL.md §3
// into the supervisor. DoT/DoQ dial a fixed configured upstream; DoH/DoH3
// share dohHandler, which resolves its own dial target per request through
// the rewriter.
func registerFrontends(
	sup *supervisor.Supervisor,
	cfg *config.Config,
	certs *tlscert.Resolver,
	dohHandler http.Handler,
	m *metrics.Metrics,
	logger *slog.Logger,
) {
	if cfg.Servers.DoT.Enabled {
		dot := frontend.NewDoTServer(frontend.DoTConfig{
			BindAddress:     bindAddr(cfg.Servers.DoT),
			UpstreamAddress: cfg.Upstream.DoT.Address,
			UpstreamSNI:     cfg.Upstream.DoT.SNI,
		}, certs, m, logger)
		sup.Add("dot", dot)
	} else {
		logSkipped(logger, "dot")
	}

	if cfg.Servers.DoQ.Enabled {
		doq := frontend.NewDoQServer(frontend.DoQConfig{
			BindAddress:     bindAddr(cfg.Servers.DoQ),
			UpstreamAddress: cfg.Upstream.DoQ.Address,
			UpstreamSNI:     cfg.Upstream.DoQ.SNI,
		}, certs, m, logger)
		sup.Add("doq", doq)
	} else {
		logSkipped(logger, "doq")
	}

	if cfg.Servers.DoH.Enabled {
		doh := frontend.NewDoHServer(frontend.DoHConfig{
			BindAddress: bindAddr(cfg.Servers.DoH),
		}, certs, dohHandler, logger)
		sup.Add("doh", doh)
	} else {
		logSkipped(logger, "doh")
	}

	if cfg.Servers.DoH3.Enabled {
		doh3 := frontend.NewDoH3Server(frontend.DoH3Config{
			BindAddress: bindAddr(cfg.Servers.DoH3),
		}, certs, dohHandler, logger)
		sup.Add("doh3", doh3)
	} else {
		logSkipped(logger, "doh3")
	}
}

func logSkipped(logger *slog.Logger, name string) {
	if logger != nil {
		logger.Info("front-end disabled, skipping", "component", name)
	}
}

func registerHealthcheck(sup *supervisor.Supervisor, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) {
	if !cfg.Servers.Healthcheck.Enabled {
		logSkipped(logger, "healthcheck")
		return
	}
	hc := healthcheck.New(healthcheck.Config{
		BindAddress: cfg.Servers.Healthcheck.BindAddress,
		Port:        cfg.Servers.Healthcheck.Port,
		Path:        cfg.Servers.Healthcheck.Path,
	}, m, logger)
	sup.Add("healthcheck", hc)
}

func bindAddr(ep config.ServerEndpoint) string {
	return net.JoinHostPort(ep.BindAddress, strconv.Itoa(ep.Port))
}
