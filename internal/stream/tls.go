package stream

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/pgvpd/pgvpd/internal/wire"
)

// ClientTLSConfig loads the certificate/key pair pgvpd presents to
// clients connecting on tls_port (spec.md §4.2).
func ClientTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("stream: loading TLS cert/key: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// AnswerSSLRequest replies to a client's SSLRequest with a single byte:
// 'S' and upgrades the connection to TLS if cfg is non-nil, or 'N' if TLS
// is not configured on this listener (spec.md §4.2).
func AnswerSSLRequest(conn net.Conn, cfg *tls.Config) (Stream, error) {
	if cfg == nil {
		if _, err := conn.Write([]byte{'N'}); err != nil {
			return nil, fmt.Errorf("stream: writing SSL deny: %w", err)
		}
		return Wrap(conn), nil
	}
	if _, err := conn.Write([]byte{'S'}); err != nil {
		return nil, fmt.Errorf("stream: writing SSL accept: %w", err)
	}
	tlsConn := tls.Server(conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("stream: TLS server handshake: %w", err)
	}
	return Wrap(tlsConn), nil
}

// UpstreamTLSConfig builds the tls.Config pgvpd uses when dialing the
// upstream with upstream_tls enabled.
func UpstreamTLSConfig(serverName string, insecureSkipVerify bool, caFile string) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	if caFile != "" {
		pool, err := loadCAFile(caFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// NegotiateUpstreamTLS sends an SSLRequest to a freshly dialed upstream
// TCP connection and upgrades to TLS if the server answers 'S'. Per
// spec.md §4.2, an 'N' answer fails the connection unless a configured
// fall-through permits plaintext (default is fail).
func NegotiateUpstreamTLS(conn net.Conn, cfg *tls.Config, allowFallThrough bool) (Stream, error) {
	if _, err := conn.Write(wire.BuildSSLRequest()); err != nil {
		return nil, fmt.Errorf("stream: sending upstream SSLRequest: %w", err)
	}
	reply := make([]byte, 1)
	if _, err := readFull(conn, reply); err != nil {
		return nil, fmt.Errorf("stream: reading upstream SSL reply: %w", err)
	}
	switch reply[0] {
	case 'S':
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.Handshake(); err != nil {
			return nil, fmt.Errorf("stream: TLS client handshake: %w", err)
		}
		return Wrap(tlsConn), nil
	case 'N':
		if allowFallThrough {
			return Wrap(conn), nil
		}
		return nil, fmt.Errorf("stream: upstream refused TLS and fall-through is disabled")
	default:
		return nil, fmt.Errorf("stream: unexpected upstream SSL reply byte %q", reply[0])
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
