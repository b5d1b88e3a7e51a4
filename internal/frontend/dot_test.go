package frontend

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jroosing/dns-ingress-gateway/internal/metrics"
	"github.com/jroosing/dns-ingress-gateway/internal/tlscert"
)

// writeSelfSignedKeyPair generates a throwaway ECDSA certificate for name,
// writes it as PEM cert/key files under dir, and returns both the parsed
// certificate (for pinning a client trust pool) and the file paths.
func writeSelfSignedKeyPair(t *testing.T, dir, name string) (leaf *x509.Certificate, certFile, keyFile string) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: name},
		DNSNames:     []string{name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)
	leaf, err = x509.ParseCertificate(der)
	require.NoError(t, err)

	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)

	certFile = filepath.Join(dir, name+".crt")
	keyFile = filepath.Join(dir, name+".key")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600))
	return leaf, certFile, keyFile
}

// stubTLSUpstream accepts exactly one TLS connection, reads to EOF, and
// echoes the bytes back, standing in for an upstream DoT resolver.
func stubTLSUpstream(t *testing.T, certFile, keyFile string) (addr string, stop func()) {
	t.Helper()
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		_, _ = conn.Write(data)
	}()

	return ln.Addr().String(), func() { _ = ln.Close() }
}

func TestDoTServer_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	upLeaf, upCertFile, upKeyFile := writeSelfSignedKeyPair(t, dir, "upstream.test")
	upPool := x509.NewCertPool()
	upPool.AddCert(upLeaf)
	upAddr, stopUp := stubTLSUpstream(t, upCertFile, upKeyFile)
	defer stopUp()

	frontLeaf, frontCertFile, frontKeyFile := writeSelfSignedKeyPair(t, dir, "dot.example.cn")
	resolver := tlscert.New(tlscert.Config{
		Default: &tlscert.KeyPair{CertFile: frontCertFile, KeyFile: frontKeyFile},
	}, nil)
	require.NoError(t, resolver.Preload())

	m := metrics.New()
	srv := NewDoTServer(DoTConfig{
		BindAddress:     "127.0.0.1:0",
		UpstreamAddress: upAddr,
		UpstreamSNI:     "upstream.test",
		UpstreamRootCAs: upPool,
	}, resolver, m, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	var addr string
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		ln := srv.listener
		srv.mu.Unlock()
		if ln == nil {
			return false
		}
		addr = ln.Addr().String()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	defer func() {
		cancel()
		<-errCh
	}()

	clientPool := x509.NewCertPool()
	clientPool.AddCert(frontLeaf)
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: "dot.example.cn", RootCAs: clientPool})
	require.NoError(t, err)
	defer conn.Close()

	payload := []byte{0x00, 0x1c, 'h', 'e', 'l', 'l', 'o'}
	_, err = conn.Write(payload)
	require.NoError(t, err)
	_ = conn.CloseWrite()

	resp, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.Equal(t, payload, resp)
}
