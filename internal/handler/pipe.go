package handler

import (
	"io"
	"net"
	"time"

	"github.com/pgvpd/pgvpd/internal/wire"
)

// deadlineCopy copies from src to dst, refreshing src's read deadline
// before every read when timeout > 0. This both enforces
// tenant_query_timeout's per-direction inactivity window (spec.md §5
// "any complete second of no data in either direction tears the
// connection down") and gives callers a way to unblock a peer's blocked
// Read by forcing its deadline into the past — the same primitive
// either way.
func deadlineCopy(dst, src net.Conn, timeout time.Duration) error {
	buf := make([]byte, 32*1024)
	for {
		if timeout > 0 {
			_ = src.SetReadDeadline(time.Now().Add(timeout))
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// pipePassthrough splices client and upstream as opaque bytes in both
// directions — bypass connections and passthrough-mode tenant
// connections both end up here once TRANSPARENT has released the
// buffered ReadyForQuery (spec.md §4.3 PIPE, grounded on the teacher's
// relay(): two directional copies, with both connections closed as soon
// as either direction finishes; there is no half-close).
func pipePassthrough(client, upstream net.Conn, idleTimeout time.Duration) (timedOut bool, err error) {
	errCh := make(chan error, 2)
	go func() { errCh <- deadlineCopy(upstream, client, idleTimeout) }()
	go func() { errCh <- deadlineCopy(client, upstream, idleTimeout) }()

	first := <-errCh
	client.Close()
	upstream.Close()
	second := <-errCh // drain the other direction so its goroutine doesn't leak

	timedOut = isTimeout(first) || isTimeout(second)
	if first != nil && first != io.EOF && !isTimeout(first) {
		return timedOut, first
	}
	return timedOut, nil
}

// pipePool splices client and upstream for a session-pool connection.
// upstream->client is a plain byte copy; client->upstream is read
// message-by-message so a client Terminate ('X') can be intercepted
// without ever reaching the real server — the upstream connection must
// survive PIPE so CLEANUP can run its ROLLBACK/DISCARD ALL sequence and
// check it back in (spec.md §4.3 PIPE pool branch, §4.5).
//
// This borrows the message-framing/Terminate-interception technique from
// the teacher's transaction-mode relayPGTransactionMode, but not its
// per-ReadyForQuery re-acquire/release cycle: pgvpd pools per session, so
// the same backend connection is held for the connection's entire
// lifetime and only checked in once, at CLEANUP.
func pipePool(client, upstream net.Conn, idleTimeout time.Duration) (timedOut bool, err error) {
	cDone := make(chan error, 1)
	uDone := make(chan error, 1)
	go func() { cDone <- framedCopyInterceptTerminate(upstream, client, idleTimeout) }()
	go func() { uDone <- deadlineCopy(client, upstream, idleTimeout) }()

	// Race both directions rather than blocking on client->upstream alone:
	// a client actively streaming (e.g. COPY FROM STDIN, legal to relay
	// per spec.md §1 Non-goals) must not refresh away an upstream-side
	// stall. Whichever direction goes idle or closes first independently
	// tears the connection down (spec.md §5 "any complete second of no
	// data in either direction tears the connection down").
	var cerr, uerr error
	select {
	case cerr = <-cDone:
		timedOut = isTimeout(cerr)
		// The upstream->client copy goroutine is still blocked in a Read
		// on upstream; force it to return without closing the socket, so
		// CLEANUP can use the same connection without a concurrent reader
		// racing it. This deliberate unblock also shows up as a timeout on
		// uerr and must not itself count as the inactivity window firing.
		_ = upstream.SetReadDeadline(time.Now())
		uerr = <-uDone
		_ = upstream.SetReadDeadline(time.Time{})
	case uerr = <-uDone:
		timedOut = isTimeout(uerr)
		// The client->upstream copy goroutine is still blocked in a Read
		// on client; force it to return without closing the socket, for
		// the same reason as above, mirrored onto the other direction.
		_ = client.SetReadDeadline(time.Now())
		cerr = <-cDone
		_ = client.SetReadDeadline(time.Time{})
	}

	// A genuine tenant_query_timeout firing on either direction still
	// leaves the connection eligible for the CLEANUP sequence (spec.md
	// §5: "tears the connection down (in pool mode, after the CLEANUP
	// sequence)") — the client is torn down either way, but the upstream
	// connection is left open for the caller's CLEANUP rollback/discard
	// query unless the failure was a real I/O error on it.
	client.Close()
	if cerr != nil && cerr != io.EOF && !isTimeout(cerr) {
		upstream.Close()
		return timedOut, cerr
	}
	if uerr != nil && uerr != io.EOF && !isTimeout(uerr) {
		upstream.Close()
		return timedOut, uerr
	}

	return timedOut, nil
}

// framedCopyInterceptTerminate reads whole backend messages from client
// and forwards each to upstream verbatim, except Terminate, which ends
// the loop without forwarding.
func framedCopyInterceptTerminate(upstream, client net.Conn, idleTimeout time.Duration) error {
	for {
		if idleTimeout > 0 {
			_ = client.SetReadDeadline(time.Now().Add(idleTimeout))
		}
		msg, err := wire.ReadMessage(client)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if msg.Type == wire.Terminate {
			return nil
		}
		if err := wire.WriteMessage(upstream, msg); err != nil {
			return err
		}
	}
}
