// Package config provides configuration loading for the gateway using Viper.
// Configuration is loaded from a YAML file with automatic environment
// variable binding.
//
// Environment variables use the GATEWAY_ prefix and underscore-separated
// keys:
//   - GATEWAY_REWRITE_TARGET_SUFFIX -> rewrite.target_suffix
//   - GATEWAY_SERVERS_DOH_PORT      -> servers.doh.port
//   - GATEWAY_LOGGING_LEVEL         -> logging.level
package config

import (
	"os"
	"strings"
)

// RewriteConfig is the rewrite.* section: base domains, target suffix, and
// the failure/case-sensitivity policy consumed by internal/rewrite.
type RewriteConfig struct {
	BaseDomains     []string `yaml:"base_domains"     mapstructure:"base_domains"`
	TargetSuffix    string   `yaml:"target_suffix"    mapstructure:"target_suffix"`
	FailureStrategy string   `yaml:"failure_strategy" mapstructure:"failure_strategy"`
	CaseInsensitive bool     `yaml:"case_insensitive" mapstructure:"case_insensitive"`
}

// ServerEndpoint is one entry under servers.*: whether the front-end is
// enabled and where it binds.
type ServerEndpoint struct {
	Enabled     bool   `yaml:"enabled"      mapstructure:"enabled"`
	BindAddress string `yaml:"bind_address" mapstructure:"bind_address"`
	Port        int    `yaml:"port"         mapstructure:"port"`
}

// HealthcheckEndpoint is the servers.healthcheck entry, which additionally
// carries the liveness path.
type HealthcheckEndpoint struct {
	Enabled     bool   `yaml:"enabled"      mapstructure:"enabled"`
	BindAddress string `yaml:"bind_address" mapstructure:"bind_address"`
	Port        int    `yaml:"port"         mapstructure:"port"`
	Path        string `yaml:"path"         mapstructure:"path"`
}

// ServersConfig is the servers.* section naming one endpoint per front-end.
type ServersConfig struct {
	DoT         ServerEndpoint      `yaml:"dot"         mapstructure:"dot"`
	DoH         ServerEndpoint      `yaml:"doh"         mapstructure:"doh"`
	DoQ         ServerEndpoint      `yaml:"doq"         mapstructure:"doq"`
	DoH3        ServerEndpoint      `yaml:"doh3"        mapstructure:"doh3"`
	Healthcheck HealthcheckEndpoint `yaml:"healthcheck" mapstructure:"healthcheck"`
}

// UpstreamTarget names the fixed upstream address and optional SNI override
// used by the opaque-tunnel front-ends (DoT, DoQ); see D-1 in
// SPEC_FULL.md §9 for why SNI is an explicit field rather than derived silently.
type UpstreamTarget struct {
	Address string `yaml:"address" mapstructure:"address"`
	SNI     string `yaml:"sni"     mapstructure:"sni"`
}

// UpstreamConfig is the upstream.* section. DoH/DoH3 have no entry here:
// the rewritten target hostname is itself the dial target for those
// front-ends (see SPEC_FULL.md §4.3-4.6).
type UpstreamConfig struct {
	Default string         `yaml:"default" mapstructure:"default"`
	DoT     UpstreamTarget `yaml:"dot"     mapstructure:"dot"`
	DoQ     UpstreamTarget `yaml:"doq"     mapstructure:"doq"`
}

// TLSCertConfig names a certificate/key pair and optional client-auth
// settings for one server name.
type TLSCertConfig struct {
	CertFile          string `yaml:"cert_file"           mapstructure:"cert_file"`
	KeyFile           string `yaml:"key_file"            mapstructure:"key_file"`
	ClientCAFile      string `yaml:"client_ca_file"      mapstructure:"client_ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert" mapstructure:"require_client_cert"`
}

// TLSConfigSection is the tls.* section: a default keypair plus
// per-server-name overrides.
type TLSConfigSection struct {
	Default *TLSCertConfig           `yaml:"default" mapstructure:"default"`
	Certs   map[string]TLSCertConfig `yaml:"certs"   mapstructure:"certs"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level            string `yaml:"level"             mapstructure:"level"`
	Structured       bool   `yaml:"structured"        mapstructure:"structured"`
	StructuredFormat string `yaml:"structured_format" mapstructure:"structured_format"`
}

// Config is the root configuration structure.
type Config struct {
	Rewrite  RewriteConfig    `yaml:"rewrite"  mapstructure:"rewrite"`
	Servers  ServersConfig    `yaml:"servers"  mapstructure:"servers"`
	Upstream UpstreamConfig   `yaml:"upstream" mapstructure:"upstream"`
	TLS      TLSConfigSection `yaml:"tls"      mapstructure:"tls"`
	Logging  LoggingConfig    `yaml:"logging"  mapstructure:"logging"`
}

// ResolveConfigPath determines the config file path from flag or
// environment.
func ResolveConfigPath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if v := strings.TrimSpace(os.Getenv("GATEWAY_CONFIG")); v != "" {
		return v
	}
	return ""
}

// Load loads configuration from a YAML file with environment variable
// overrides, and validates it before returning.
//
// Configuration priority (highest to lowest):
//  1. Environment variables (GATEWAY_*)
//  2. Config file values
//  3. Default values
func Load(path string) (*Config, error) {
	return loadFromSource(path)
}
