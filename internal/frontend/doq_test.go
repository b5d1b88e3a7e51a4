package frontend

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/dns-ingress-gateway/internal/metrics"
	"github.com/jroosing/dns-ingress-gateway/internal/tlscert"
)

// stubDoQUpstream echoes every stream it receives, standing in for a real
// upstream resolver reached over DoQ.
func stubDoQUpstream(t *testing.T) (addr string, sni string, rootCAs *x509.CertPool, stop func()) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "doq-upstream.test"},
		DNSNames:     []string{"doq-upstream.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
	ln, err := quic.ListenAddr("127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"doq"},
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			conn, err := ln.Accept(ctx)
			if err != nil {
				return
			}
			go func() {
				for {
					stream, err := conn.AcceptStream(ctx)
					if err != nil {
						return
					}
					go func() {
						data, _ := io.ReadAll(stream)
						_, _ = stream.Write(data)
						_ = stream.Close()
					}()
				}
			}()
		}
	}()

	return ln.Addr().String(), "doq-upstream.test", pool, func() {
		cancel()
		_ = ln.Close()
	}
}

func TestDoQServer_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	upAddr, upSNI, upPool, stopUp := stubDoQUpstream(t)
	defer stopUp()

	frontLeaf, frontCertFile, frontKeyFile := writeSelfSignedKeyPair(t, dir, "doq.example.cn")
	resolver := tlscert.New(tlscert.Config{
		Default: &tlscert.KeyPair{CertFile: frontCertFile, KeyFile: frontKeyFile},
	}, nil)
	require.NoError(t, resolver.Preload())

	m := metrics.New()
	srv := NewDoQServer(DoQConfig{
		BindAddress:     "127.0.0.1:0",
		UpstreamAddress: upAddr,
		UpstreamSNI:     upSNI,
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

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()

	conn, err := quic.DialAddr(dialCtx, addr, &tls.Config{
		ServerName: "doq.example.cn",
		RootCAs:    clientPool,
		NextProtos: []string{"doq"},
	}, nil)
	require.NoError(t, err)
	defer conn.CloseWithError(0, "")

	stream, err := conn.OpenStreamSync(dialCtx)
	require.NoError(t, err)

	query := []byte{0x00, 0x10, 'q', 'u', 'e', 'r', 'y'}
	_, err = stream.Write(query)
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	resp, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.Equal(t, query, resp)
}
