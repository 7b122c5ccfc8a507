// Package stream provides a single bidirectional byte-stream interface
// the rest of pgvpd uses regardless of whether the underlying transport
// is plain TCP or TLS, in either server role (the client-facing listener
// accepting a TLS client) or client role (pgvpd dialing TLS to the
// upstream) — spec.md §4.2.
package stream

import (
	"net"
	"time"
)

// Stream is the minimal surface the handler, codec, and pool need: a
// net.Conn with no protocol awareness. Plain TCP connections already
// satisfy it; *tls.Conn satisfies it once the handshake completes.
type Stream interface {
	net.Conn
}

// Upgradeable is implemented by streams that can be wrapped in TLS
// without losing the underlying net.Conn's addressing/deadline behavior
// (plain TCP sockets read off a listener).
type Upgradeable interface {
	Stream
	// Raw returns the underlying net.Conn for TLS wrapping.
	Raw() net.Conn
}

// plainStream is a thin net.Conn wrapper so call sites can treat a raw
// TCP connection and a TLS connection uniformly via the Stream interface
// without type-asserting *net.TCPConn directly.
type plainStream struct {
	net.Conn
}

// Wrap adapts any net.Conn (TCP or otherwise) into a Stream.
func Wrap(c net.Conn) Stream {
	return plainStream{Conn: c}
}

// Raw returns the wrapped net.Conn.
func (p plainStream) Raw() net.Conn {
	return p.Conn
}

// CloseWriter is implemented by streams that support half-close
// (*net.TCPConn does; most *tls.Conn implementations as of Go 1.24 also
// implement CloseWrite by closing the underlying TCP half). Nothing in
// pgvpd calls it: the pool mode client→upstream framing loop in
// internal/handler/pipe.go intercepts a client Terminate and unblocks the
// other direction with a read deadline instead of a half-close.
type CloseWriter interface {
	CloseWrite() error
}

// SetDeadline applies both a read and write deadline to s, used to bound
// the handshake_timeout and tenant_query_timeout windows (spec.md §5).
func SetDeadline(s Stream, d time.Duration) error {
	if d <= 0 {
		return s.SetDeadline(time.Time{})
	}
	return s.SetDeadline(time.Now().Add(d))
}
