// Package tlscert implements the certificate resolver (component D): it
// loads a keypair for the SNI presented in a TLS ClientHello and caches it
// for the process lifetime.
//
// Per SPEC_FULL.md §4.2 / Decision D-2, every configured keypair is
// pre-loaded into the cache during startup validation, so Resolve (and
// the tls.Config.GetCertificate bridge built on it) never performs I/O
// from inside the synchronous TLS handshake callback.
package tlscert

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// Error classes named in SPEC_FULL.md §4.2.
var (
	ErrFileNotFound  = fmt.Errorf("tlscert: file not found")
	ErrLoadFailed    = fmt.Errorf("tlscert: load failed")
	ErrInvalidFormat = fmt.Errorf("tlscert: invalid format")
	ErrPrivateKey    = fmt.Errorf("tlscert: no usable private key")
	ErrNotConfigured = fmt.Errorf("tlscert: no keypair configured for server name")
)

// KeyPair names a certificate/key file pair and optional client-auth
// settings for one server name.
type KeyPair struct {
	CertFile          string
	KeyFile           string
	ClientCAFile      string
	RequireClientCert bool
}

// Config is the tls.* section of the gateway config.
type Config struct {
	Default *KeyPair
	Certs   map[string]KeyPair // server name -> keypair
}

// CertifiedKey is a parsed certificate chain and signing key, shared by
// reference between every connection that resolves to the same server
// name.
type CertifiedKey struct {
	Certificate *tls.Certificate
	ClientCAs   *x509.CertPool
	RequireAuth bool
}

// Resolver owns the concurrent server-name -> CertifiedKey cache.
// Entries are inserted once and never evicted for the process lifetime.
type Resolver struct {
	cfg    Config
	cache  sync.Map // string -> *CertifiedKey
	logger *slog.Logger
}

// New constructs a Resolver. Call Preload before serving traffic.
func New(cfg Config, logger *slog.Logger) *Resolver {
	return &Resolver{cfg: cfg, logger: logger}
}

// Preload loads every configured keypair (tls.default and every entry in
// tls.certs) eagerly, so Resolve never blocks on file I/O. A missing or
// malformed keypair file aborts startup (SPEC_FULL.md §6).
func (r *Resolver) Preload() error {
	if r.cfg.Default != nil {
		ck, err := loadKeyPair(*r.cfg.Default)
		if err != nil {
			return fmt.Errorf("tlscert: preload default keypair: %w", err)
		}
		r.cache.Store("", ck)
	}
	for name, kp := range r.cfg.Certs {
		ck, err := loadKeyPair(kp)
		if err != nil {
			return fmt.Errorf("tlscert: preload keypair for %q: %w", name, err)
		}
		r.cache.Store(name, ck)
		if r.logger != nil {
			r.logger.Info("certificate preloaded", "server_name", name)
		}
	}
	return nil
}

// Resolve returns the CertifiedKey for serverName: a cache hit is a pure
// map lookup; a miss falls back to loading an unconfigured-at-preload-time
// entry (defensive — Preload should already have populated every
// configured name) or the default keypair, and fails with
// ErrNotConfigured otherwise.
func (r *Resolver) Resolve(serverName string) (*CertifiedKey, error) {
	if v, ok := r.cache.Load(serverName); ok {
		return v.(*CertifiedKey), nil
	}

	if kp, ok := r.cfg.Certs[serverName]; ok {
		ck, err := loadKeyPair(kp)
		if err != nil {
			return nil, err
		}
		actual, _ := r.cache.LoadOrStore(serverName, ck)
		return actual.(*CertifiedKey), nil
	}

	if v, ok := r.cache.Load(""); ok {
		return v.(*CertifiedKey), nil
	}
	if r.cfg.Default != nil {
		ck, err := loadKeyPair(*r.cfg.Default)
		if err != nil {
			return nil, err
		}
		actual, _ := r.cache.LoadOrStore("", ck)
		return actual.(*CertifiedKey), nil
	}

	return nil, fmt.Errorf("%w: %s", ErrNotConfigured, serverName)
}

// GetCertificate adapts Resolve to the crypto/tls.Config.GetCertificate
// hook signature, driven by the client-advertised SNI at handshake time.
func (r *Resolver) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	ck, err := r.Resolve(hello.ServerName)
	if err != nil {
		return nil, err
	}
	return ck.Certificate, nil
}

func loadKeyPair(kp KeyPair) (*CertifiedKey, error) {
	certPEM, err := os.ReadFile(kp.CertFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFileNotFound, kp.CertFile, err)
	}
	keyPEM, err := os.ReadFile(kp.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFileNotFound, kp.KeyFile, err)
	}

	chain, err := parseCertChain(certPEM)
	if err != nil {
		return nil, err
	}
	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, err
	}

	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, fmt.Errorf("%w: leaf certificate: %v", ErrInvalidFormat, err)
	}

	cert := &tls.Certificate{
		Certificate: chain,
		PrivateKey:  key,
		Leaf:        leaf,
	}

	ck := &CertifiedKey{Certificate: cert, RequireAuth: kp.RequireClientCert}
	if kp.ClientCAFile != "" {
		pool, err := loadCertPool(kp.ClientCAFile)
		if err != nil {
			return nil, err
		}
		ck.ClientCAs = pool
	}
	return ck, nil
}

// parseCertChain decodes every CERTIFICATE PEM block in a text-encoded
// bundle, in order, into a DER certificate chain.
func parseCertChain(pemData []byte) ([][]byte, error) {
	var chain [][]byte
	rest := pemData
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		chain = append(chain, block.Bytes)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: no CERTIFICATE blocks found", ErrInvalidFormat)
	}
	return chain, nil
}

// parsePrivateKey decodes the first PKCS#8 private key block found in a
// text-encoded bundle.
func parsePrivateKey(pemData []byte) (any, error) {
	rest := pemData
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "PRIVATE KEY" {
			continue
		}
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPrivateKey, err)
		}
		return key, nil
	}
	return nil, fmt.Errorf("%w: no PKCS#8 PRIVATE KEY block found", ErrPrivateKey)
}

func loadCertPool(file string) (*x509.CertPool, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFileNotFound, file, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("%w: no certificates found in %s", ErrInvalidFormat, file)
	}
	return pool, nil
}
