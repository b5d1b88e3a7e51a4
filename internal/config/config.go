package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/jroosing/dns-ingress-gateway/internal/rewrite"
)

// ConfigError wraps the first startup-validation failure, matching the
// teacher's practice of a small typed error rather than a generic code
// enum (SPEC_FULL.md §7).
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "config: " + e.Reason }

// initConfig sets up the config loader with defaults, env binding, and
// config file.
func initConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rewrite.failure_strategy", "error")
	v.SetDefault("rewrite.case_insensitive", true)

	v.SetDefault("servers.dot.enabled", true)
	v.SetDefault("servers.dot.bind_address", "0.0.0.0")
	v.SetDefault("servers.dot.port", 853)

	v.SetDefault("servers.doh.enabled", true)
	v.SetDefault("servers.doh.bind_address", "0.0.0.0")
	v.SetDefault("servers.doh.port", 443)

	v.SetDefault("servers.doq.enabled", true)
	v.SetDefault("servers.doq.bind_address", "0.0.0.0")
	v.SetDefault("servers.doq.port", 853)

	v.SetDefault("servers.doh3.enabled", true)
	v.SetDefault("servers.doh3.bind_address", "0.0.0.0")
	v.SetDefault("servers.doh3.port", 443)

	v.SetDefault("servers.healthcheck.enabled", true)
	v.SetDefault("servers.healthcheck.bind_address", "0.0.0.0")
	v.SetDefault("servers.healthcheck.port", 8080)
	v.SetDefault("servers.healthcheck.path", "/healthz")

	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.structured", true)
	v.SetDefault("logging.structured_format", "json")
}

func loadFromSource(configPath string) (*Config, error) {
	v, err := initConfig(configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.UnmarshalExact(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if cfg.Logging.StructuredFormat == "" {
		cfg.Logging.StructuredFormat = "json"
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate enforces the startup-validation rules from SPEC_FULL.md §3: a
// non-empty base-domain list, a target suffix beginning with '.', a known
// failure strategy, non-conflicting enabled-server bind addresses, existing
// cert/key files, and at least one upstream address configured. The
// cert/key contents are not parsed here; tlscert.Resolver.Preload does that.
func Validate(cfg *Config) error {
	rw := rewrite.Config{
		BaseDomains:     cfg.Rewrite.BaseDomains,
		TargetSuffix:    cfg.Rewrite.TargetSuffix,
		FailureStrategy: rewrite.FailureStrategy(cfg.Rewrite.FailureStrategy),
		CaseInsensitive: cfg.Rewrite.CaseInsensitive,
	}
	if err := rw.Validate(); err != nil {
		return &ConfigError{Reason: err.Error()}
	}

	if err := validateBindAddresses(cfg); err != nil {
		return err
	}

	if err := validateTLSFiles(cfg); err != nil {
		return err
	}

	if cfg.Upstream.Default == "" && cfg.Upstream.DoT.Address == "" && cfg.Upstream.DoQ.Address == "" {
		return &ConfigError{Reason: "at least one upstream address must be configured"}
	}

	return nil
}

// transport identifies the socket kind an endpoint binds, since two
// front-ends can share a bind_address:port without conflicting as long
// as one is TCP and the other UDP (DoQ/DoH3 run over QUIC).
type transport string

const (
	transportTCP transport = "tcp"
	transportUDP transport = "udp"
)

func validateBindAddresses(cfg *Config) error {
	type binding struct {
		name      string
		ep        ServerEndpoint
		transport transport
	}
	endpoints := []binding{
		{"servers.dot", cfg.Servers.DoT, transportTCP},
		{"servers.doh", cfg.Servers.DoH, transportTCP},
		{"servers.doq", cfg.Servers.DoQ, transportUDP},
		{"servers.doh3", cfg.Servers.DoH3, transportUDP},
		{"servers.healthcheck", ServerEndpoint{
			Enabled:     cfg.Servers.Healthcheck.Enabled,
			BindAddress: cfg.Servers.Healthcheck.BindAddress,
			Port:        cfg.Servers.Healthcheck.Port,
		}, transportTCP},
	}

	seen := make(map[string]string, len(endpoints))
	anyEnabled := false
	for _, b := range endpoints {
		if !b.ep.Enabled {
			continue
		}
		anyEnabled = true
		addr := net.JoinHostPort(b.ep.BindAddress, strconv.Itoa(b.ep.Port))
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return &ConfigError{Reason: fmt.Sprintf("%s: invalid bind address %q: %v", b.name, addr, err)}
		}
		key := string(b.transport) + ":" + addr
		if owner, ok := seen[key]; ok {
			return &ConfigError{Reason: fmt.Sprintf("%s and %s both bind %s/%s", owner, b.name, addr, b.transport)}
		}
		seen[key] = b.name
	}
	if !anyEnabled {
		return &ConfigError{Reason: "at least one server must be enabled"}
	}
	return nil
}

func validateTLSFiles(cfg *Config) error {
	check := func(name string, kp *TLSCertConfig) error {
		if kp == nil {
			return nil
		}
		if _, err := os.Stat(kp.CertFile); err != nil {
			return &ConfigError{Reason: fmt.Sprintf("%s: cert_file %q: %v", name, kp.CertFile, err)}
		}
		if _, err := os.Stat(kp.KeyFile); err != nil {
			return &ConfigError{Reason: fmt.Sprintf("%s: key_file %q: %v", name, kp.KeyFile, err)}
		}
		return nil
	}

	if err := check("tls.default", cfg.TLS.Default); err != nil {
		return err
	}
	for name, kp := range cfg.TLS.Certs {
		kp := kp
		if err := check("tls.certs."+name, &kp); err != nil {
			return err
		}
	}
	return nil
}
