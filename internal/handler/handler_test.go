package handler

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pgvpd/pgvpd/internal/tenant"
	"github.com/pgvpd/pgvpd/internal/wire"
)

// startFakeUpstream listens on an ephemeral local port and hands every
// accepted connection to handle in its own goroutine, mirroring the
// net.Pipe-based fake-backend pattern established in
// internal/pool/manager_test.go — only over TCP here, since
// Handler.dialUpstream always dials a real address.
func startFakeUpstream(t *testing.T, handle func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(conn)
		}
	}()
	return ln.Addr().String()
}

func authenticationOK() wire.BackendMessage {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, wire.AuthOK)
	return wire.BackendMessage{Type: wire.Authentication, Payload: payload}
}

func readyForQuery(status byte) wire.BackendMessage {
	return wire.BackendMessage{Type: wire.ReadyForQuery, Payload: []byte{status}}
}

func buildStartupRaw(t *testing.T, user, database string) []byte {
	t.Helper()
	p := wire.NewOrderedParams()
	p.Set("user", user)
	if database != "" {
		p.Set("database", database)
	}
	return wire.BuildStartup(wire.ProtocolVersion3, p)
}

// readStartupFrame reads from conn until a complete startup-phase frame
// is buffered, tolerating TCP fragmentation across multiple Reads the
// same way Handler.waitStartup does.
func readStartupFrame(conn net.Conn) (wire.StartupFrame, error) {
	framer := wire.NewFramer()
	buf := make([]byte, 4096)
	for {
		frame, err := framer.NextStartup()
		if err == nil {
			return frame, nil
		}
		if err != wire.ErrIncomplete {
			return wire.StartupFrame{}, err
		}
		n, err := conn.Read(buf)
		if err != nil {
			return wire.StartupFrame{}, err
		}
		framer.Feed(buf[:n])
	}
}

func readClientError(t *testing.T, conn net.Conn) (code, message string) {
	t.Helper()
	msg, err := wire.ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, wire.ErrorResponse, msg.Type)
	fields := wire.ParseErrorResponse(msg.Payload)
	return fields['C'], fields['M']
}

func newTestRegistry(limits tenant.Limits) *tenant.Registry {
	return tenant.NewRegistry(limits, nil)
}

// TestHandleBypassSplicesRawBytes covers spec.md §8's bypass happy path:
// a superuser-listed user skips identity parsing and tenant admission
// entirely, and everything from the original startup frame onward is
// relayed as opaque bytes.
func TestHandleBypassSplicesRawBytes(t *testing.T) {
	var gotStartup []byte
	upstreamDone := make(chan struct{})
	addr := startFakeUpstream(t, func(conn net.Conn) {
		defer conn.Close()
		frame, err := readStartupFrame(conn)
		if err != nil {
			return
		}
		gotStartup = append([]byte(nil), frame.Raw...)
		_ = wire.WriteMessage(conn, authenticationOK())
		close(upstreamDone)

		// Echo anything further, proving the splice is bidirectional.
		for {
			m, err := wire.ReadMessage(conn)
			if err != nil {
				return
			}
			if wire.WriteMessage(conn, m) != nil {
				return
			}
		}
	})

	cfg := Config{
		Mode:             ModePassthrough,
		UpstreamAddr:     addr,
		SuperuserBypass:  []string{"postgres"},
		TenantSeparator:  ':',
		ValueSeparator:   ',',
		HandshakeTimeout: 2 * time.Second,
		TenantRegistry:   newTestRegistry(tenant.Limits{}),
	}

	clientSide, proxySide := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- Handle(context.Background(), proxySide, cfg) }()

	startup := buildStartupRaw(t, "postgres", "app")
	_, err := clientSide.Write(startup)
	require.NoError(t, err)

	<-upstreamDone
	require.Equal(t, startup, gotStartup, "bypass forwards the original startup frame unmodified")

	msg, err := wire.ReadMessage(clientSide)
	require.NoError(t, err)
	require.Equal(t, wire.Authentication, msg.Type)

	// Prove the splice keeps working for arbitrary subsequent traffic.
	q := wire.BuildQuery("select 1")
	require.NoError(t, wire.WriteMessage(clientSide, q))
	echoed, err := wire.ReadMessage(clientSide)
	require.NoError(t, err)
	require.Equal(t, q.Type, echoed.Type)
	require.Equal(t, q.Payload, echoed.Payload)

	clientSide.Close()
	require.NoError(t, <-done)
}

// TestHandleTenantPassthroughHappyPath covers spec.md §8's tenant happy
// path: identity parsing, tenant admission, passthrough auth relay,
// resolver-free injection (one context variable), and then a working
// transparent pipe.
func TestHandleTenantPassthroughHappyPath(t *testing.T) {
	// Populated by the fake-upstream goroutine below and asserted from the
	// main test goroutine afterward — require/assert must never run on a
	// non-test goroutine, since require's FailNow calls runtime.Goexit
	// there instead of failing the test.
	var gotUser, gotQuery string

	addr := startFakeUpstream(t, func(conn net.Conn) {
		defer conn.Close()

		frame, err := readStartupFrame(conn)
		if err != nil {
			return
		}
		gotUser, _ = frame.Params.Get("user")

		if wire.WriteMessage(conn, authenticationOK()) != nil ||
			wire.WriteMessage(conn, wire.BuildParameterStatus("server_version", "16.0")) != nil ||
			wire.WriteMessage(conn, wire.BuildBackendKeyData(111, 222)) != nil ||
			wire.WriteMessage(conn, readyForQuery('I')) != nil {
			return
		}

		// INJECTING's single simple-query batch.
		qmsg, err := wire.ReadMessage(conn)
		if err != nil || qmsg.Type != wire.Query {
			return
		}
		gotQuery = string(qmsg.Payload[:len(qmsg.Payload)-1])
		if wire.WriteMessage(conn, wire.BackendMessage{Type: wire.CommandComplete, Payload: []byte("SET\x00")}) != nil ||
			wire.WriteMessage(conn, readyForQuery('I')) != nil {
			return
		}

		// PIPE: echo one round trip, then stop on Terminate.
		for {
			m, err := wire.ReadMessage(conn)
			if err != nil {
				return
			}
			if m.Type == wire.Terminate {
				return
			}
			_ = wire.WriteMessage(conn, wire.BackendMessage{Type: wire.CommandComplete, Payload: []byte("SELECT 1\x00")})
			_ = wire.WriteMessage(conn, readyForQuery('I'))
		}
	})

	cfg := Config{
		Mode:               ModePassthrough,
		UpstreamAddr:       addr,
		SuperuserBypass:    []string{"postgres"},
		TenantSeparator:    ':',
		ValueSeparator:     ',',
		ContextVariables:   []string{"app.current_tenant_id"},
		HandshakeTimeout:   2 * time.Second,
		TenantQueryTimeout: 2 * time.Second,
		TenantRegistry:     newTestRegistry(tenant.Limits{}),
	}

	clientSide, proxySide := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- Handle(context.Background(), proxySide, cfg) }()

	require.NoError(t, func() error {
		_, err := clientSide.Write(buildStartupRaw(t, "app_user:acme", "app"))
		return err
	}())

	// Client sees exactly the four handshake messages, in order, ending
	// in the single ReadyForQuery that unblocks it (spec.md §4.3
	// invariant: no ReadyForQuery before injection succeeds).
	msg, err := wire.ReadMessage(clientSide)
	require.NoError(t, err)
	require.Equal(t, wire.Authentication, msg.Type)

	msg, err = wire.ReadMessage(clientSide)
	require.NoError(t, err)
	require.Equal(t, wire.ParameterStatus, msg.Type)

	msg, err = wire.ReadMessage(clientSide)
	require.NoError(t, err)
	require.Equal(t, wire.BackendKeyData, msg.Type)

	msg, err = wire.ReadMessage(clientSide)
	require.NoError(t, err)
	require.Equal(t, wire.ReadyForQuery, msg.Type)

	require.Equal(t, "app_user", gotUser, "startup user must be rewritten to the login role, not the raw identity")
	require.Contains(t, gotQuery, `SET app.current_tenant_id = 'acme';`)
	require.Contains(t, gotQuery, `SET ROLE "app_user";`)

	require.NoError(t, wire.WriteMessage(clientSide, wire.BuildQuery("select 1")))
	cc, err := wire.ReadMessage(clientSide)
	require.NoError(t, err)
	require.Equal(t, wire.CommandComplete, cc.Type)
	rfq, err := wire.ReadMessage(clientSide)
	require.NoError(t, err)
	require.Equal(t, wire.ReadyForQuery, rfq.Type)

	require.NoError(t, wire.WriteMessage(clientSide, wire.BackendMessage{Type: wire.Terminate}))
	clientSide.Close()
	require.NoError(t, <-done)
}

func TestHandleRejectsMissingUser(t *testing.T) {
	cfg := Config{
		Mode:             ModePassthrough,
		TenantSeparator:  ':',
		ValueSeparator:   ',',
		HandshakeTimeout: time.Second,
		TenantRegistry:   newTestRegistry(tenant.Limits{}),
	}

	clientSide, proxySide := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- Handle(context.Background(), proxySide, cfg) }()

	_, err := clientSide.Write(buildStartupRaw(t, "", "app"))
	require.NoError(t, err)

	code, _ := readClientError(t, clientSide)
	require.Equal(t, "08004", code)
	require.Error(t, <-done)
}

func TestHandleRejectsMalformedIdentity(t *testing.T) {
	cfg := Config{
		Mode:             ModePassthrough,
		SuperuserBypass:  []string{"postgres"},
		TenantSeparator:  ':',
		ValueSeparator:   ',',
		ContextVariables: []string{"app.current_tenant_id"},
		HandshakeTimeout: time.Second,
		TenantRegistry:   newTestRegistry(tenant.Limits{}),
	}

	clientSide, proxySide := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- Handle(context.Background(), proxySide, cfg) }()

	// No separator present at all: ParseIdentity cannot find a role/payload split.
	_, err := clientSide.Write(buildStartupRaw(t, "noseparatorhere", "app"))
	require.NoError(t, err)

	code, _ := readClientError(t, clientSide)
	require.Equal(t, "28000", code)
	require.Error(t, <-done)
}

func TestHandleRejectsDeniedTenant(t *testing.T) {
	cfg := Config{
		Mode:             ModePassthrough,
		TenantSeparator:  ':',
		ValueSeparator:   ',',
		ContextVariables: []string{"app.current_tenant_id"},
		HandshakeTimeout: time.Second,
		TenantRegistry:   newTestRegistry(tenant.Limits{Deny: []string{"acme"}}),
	}

	clientSide, proxySide := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- Handle(context.Background(), proxySide, cfg) }()

	_, err := clientSide.Write(buildStartupRaw(t, "app_user:acme", "app"))
	require.NoError(t, err)

	code, msg := readClientError(t, clientSide)
	require.Equal(t, "28000", code)
	require.Contains(t, msg, "denied")
	require.Error(t, <-done)
}

// TestHandleReleasesTenantGuardOnUpstreamFailure proves the TenantGuard is
// released even when the connection fails well after admission (spec.md
// §4.3 invariant: every exit path from TENANT_CONNECT onward drops the
// guard exactly once).
func TestHandleReleasesTenantGuardOnUpstreamFailure(t *testing.T) {
	registry := newTestRegistry(tenant.Limits{MaxConnections: 1})

	// No fake upstream listening at all: the dial itself fails.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close() // nothing will ever accept on this address again

	cfg := Config{
		Mode:             ModePassthrough,
		UpstreamAddr:     addr,
		TenantSeparator:  ':',
		ValueSeparator:   ',',
		ContextVariables: []string{"app.current_tenant_id"},
		HandshakeTimeout: time.Second,
		TenantRegistry:   registry,
	}

	clientSide, proxySide := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- Handle(context.Background(), proxySide, cfg) }()

	_, err = clientSide.Write(buildStartupRaw(t, "app_user:acme", "app"))
	require.NoError(t, err)

	code, _ := readClientError(t, clientSide)
	require.Equal(t, "08006", code)
	require.Error(t, <-done)

	require.Eventually(t, func() bool {
		return registry.Stats()["acme"].Active == 0
	}, time.Second, 5*time.Millisecond, "TenantGuard must be released once the connection tears down")
}
