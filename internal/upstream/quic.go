package upstream

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"

	"github.com/quic-go/quic-go"
)

// doqALPN is the ALPN token for DNS-over-QUIC, RFC 9250 §4.1.1.
var doqALPN = []string{"doq"}

// DialQUIC opens a QUIC connection to address, presenting sni over ALPN
// "doq" per RFC 9250. The connection is owned by the caller; this package
// keeps no cache of connections (the DoQ front-end dials a fresh one per
// client stream and closes it afterwards).
//
// rootCAs overrides the trust store used to verify the upstream's
// certificate; nil uses the system trust store, which is the expected
// setting for every upstream other than one fronted by an internal CA.
func DialQUIC(ctx context.Context, address, sni string, rootCAs *x509.CertPool) (quic.Connection, error) {
	tlsConf := &tls.Config{
		ServerName: sni,
		NextProtos: doqALPN,
		MinVersion: tls.VersionTLS12,
		RootCAs:    rootCAs,
	}
	conn, err := quic.DialAddr(ctx, address, tlsConf, nil)
	if err != nil {
		return nil, &Error{Upstream: address, Reason: fmt.Errorf("%w: %v", ErrConnectionFailed, err)}
	}
	return conn, nil
}

// ForwardQUIC opens a new bidirectional stream on conn, writes query,
// half-closes the write side, and reads the response to EOF. RFC 9250
// requires the client to signal the end of its DNS message by closing the
// stream's write side rather than relying on a length prefix to delimit
// the request (the 2-byte length prefix inside query, if the front-end
// adds one, only frames the message body itself).
func ForwardQUIC(ctx context.Context, conn quic.Connection, query []byte) ([]byte, error) {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, &Error{Upstream: conn.RemoteAddr().String(), Reason: fmt.Errorf("%w: open stream: %v", ErrConnectionFailed, err)}
	}
	defer stream.CancelRead(0)

	if dl, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(dl)
	}

	if _, err := stream.Write(query); err != nil {
		return nil, &Error{Upstream: conn.RemoteAddr().String(), Reason: fmt.Errorf("%w: write query: %v", ErrRequestFailed, err)}
	}
	if err := stream.Close(); err != nil {
		return nil, &Error{Upstream: conn.RemoteAddr().String(), Reason: fmt.Errorf("%w: close write side: %v", ErrRequestFailed, err)}
	}

	resp, err := io.ReadAll(stream)
	if err != nil {
		return nil, &Error{Upstream: conn.RemoteAddr().String(), Reason: fmt.Errorf("%w: read response: %v", ErrRequestFailed, err)}
	}
	return resp, nil
}
