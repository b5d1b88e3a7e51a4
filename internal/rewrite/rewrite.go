// Package rewrite implements the SNI/Host rewriter (component C):
// pure hostname transformation — base-domain stripping plus target-suffix
// append — memoized in a hot, concurrent-safe cache.
//
// Grounded on internal/resolvers/forwarding_resolver.go's
// cache-then-compute shape (lookup, compute on miss, insert) and on the
// hostname handling in other_examples/danny30au-dnsproxy/upstream/doh.go.
package rewrite

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jroosing/dns-ingress-gateway/internal/metrics"
)

// FailureStrategy selects what Rewrite does when no base domain matches.
type FailureStrategy string

const (
	// FailureError makes a non-matching hostname a failed rewrite.
	FailureError FailureStrategy = "error"
	// FailurePassthrough forwards a non-matching hostname to itself.
	FailurePassthrough FailureStrategy = "passthrough"
)

// Config is the immutable rewriter configuration (SPEC_FULL.md §3's
// rewrite.* keys).
type Config struct {
	// BaseDomains is matched in order; the first matching suffix wins.
	BaseDomains []string
	// TargetSuffix must begin with '.'.
	TargetSuffix string
	// FailureStrategy is FailureError or FailurePassthrough.
	FailureStrategy FailureStrategy
	// CaseInsensitive folds case on both the configured base domain and
	// the presented hostname (SPEC_FULL.md §9, D-4). When false,
	// matching is the strict byte-for-byte comparison from spec.md §9.
	CaseInsensitive bool
}

// Validate checks the startup preconditions from SPEC_FULL.md §4.1: a
// non-empty base-domain list and a target suffix beginning with '.'.
func (c Config) Validate() error {
	if len(c.BaseDomains) == 0 {
		return fmt.Errorf("rewrite: base_domains must be non-empty")
	}
	if !strings.HasPrefix(c.TargetSuffix, ".") {
		return fmt.Errorf("rewrite: target_suffix must begin with '.', got %q", c.TargetSuffix)
	}
	switch c.FailureStrategy {
	case FailureError, FailurePassthrough:
	default:
		return fmt.Errorf("rewrite: unknown failure_strategy %q", c.FailureStrategy)
	}
	return nil
}

// Result is the RewriteResult triple from SPEC_FULL.md §3.
type Result struct {
	Original       string
	Prefix         string
	TargetHostname string
}

// Rewriter maps a client-facing hostname to an upstream hostname, caching
// every base-domain match (passthrough results are not cached).
type Rewriter struct {
	cfg     Config
	cache   sync.Map // string (original) -> string (target)
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New validates cfg and constructs a Rewriter. An invalid Config is a
// startup error (SPEC_FULL.md §6: "invalid target suffix, empty
// base-domains list" abort the process).
func New(cfg Config, m *metrics.Metrics, logger *slog.Logger) (*Rewriter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Rewriter{cfg: cfg, metrics: m, logger: logger}, nil
}

// Rewrite computes the RewriteResult for original on every call and
// stores a base-domain match in the cache that Lookup reads; it does not
// read the cache itself. The bool return reports success; a false return means "no result" per
// spec.md §4.1 — rewrite never raises an error, absence of a result is
// the only failure signal.
func (r *Rewriter) Rewrite(original string) (Result, bool) {
	if original == "" {
		return Result{}, false
	}

	for _, base := range r.cfg.BaseDomains {
		suffix := "." + base
		if !hasSuffixFold(original, suffix, r.cfg.CaseInsensitive) {
			continue
		}
		prefix := original[:len(original)-len(suffix)]
		if prefix == "" {
			continue
		}
		target := prefix + r.cfg.TargetSuffix
		r.cache.Store(original, target)
		if r.metrics != nil {
			r.metrics.RecordSNIRewrite()
		}
		if r.logger != nil {
			r.logger.Info("sni rewrite", "original", original, "prefix", prefix, "target", target)
		}
		return Result{Original: original, Prefix: prefix, TargetHostname: target}, true
	}

	if r.cfg.FailureStrategy == FailurePassthrough {
		return Result{Original: original, Prefix: "", TargetHostname: original}, true
	}
	return Result{}, false
}

// Lookup returns a previously memoized target hostname for original,
// without recomputing it.
func (r *Rewriter) Lookup(original string) (string, bool) {
	v, ok := r.cache.Load(original)
	if !ok {
		return "", false
	}
	return v.(string), true
}

func hasSuffixFold(s, suffix string, fold bool) bool {
	if !fold {
		return strings.HasSuffix(s, suffix)
	}
	if len(s) < len(suffix) {
		return false
	}
	return strings.EqualFold(s[len(s)-len(suffix):], suffix)
}
