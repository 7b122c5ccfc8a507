// Package auth implements both sides of pgvpd's authentication duties:
// client-facing cleartext auth used in pool mode (spec.md §4.3,
// UPSTREAM_AUTH, "pgvpd first authenticates the client"), and
// upstream-facing cleartext/MD5/SCRAM-SHA-256 auth pgvpd performs itself
// against the real server in pool mode or relays in passthrough mode.
package auth

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/pgvpd/pgvpd/internal/wire"
)

// AuthenticateClientCleartext performs pool mode's client-facing
// authentication: pgvpd sends AuthenticationCleartextPassword, reads the
// client's password message, and compares it against the configured pool
// password. Used for every pool-mode tenant connection, before a pooled
// connection is checked out; an idle pooled connection only lets the
// upstream authentication step be skipped (spec.md §4.3).
func AuthenticateClientCleartext(conn net.Conn, expectedPassword string) error {
	authReq := make([]byte, 4)
	binary.BigEndian.PutUint32(authReq, wire.AuthCleartextPassword)
	if err := writeMessage(conn, wire.Authentication, authReq); err != nil {
		return fmt.Errorf("auth: sending cleartext auth request to client: %w", err)
	}

	msgType, payload, err := readMessage(conn)
	if err != nil {
		return fmt.Errorf("auth: reading client password message: %w", err)
	}
	if msgType != wire.PasswordMessage {
		return fmt.Errorf("auth: expected client password message, got %q", msgType)
	}
	got := trimNull(payload)
	if subtle.ConstantTimeCompare([]byte(got), []byte(expectedPassword)) != 1 {
		return fmt.Errorf("auth: client presented an incorrect pool password")
	}

	okPayload := make([]byte, 4)
	binary.BigEndian.PutUint32(okPayload, wire.AuthOK)
	if err := writeMessage(conn, wire.Authentication, okPayload); err != nil {
		return fmt.Errorf("auth: sending AuthenticationOk to client: %w", err)
	}
	return nil
}

func trimNull(b []byte) string {
	if len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return string(b)
}

func writeMessage(conn net.Conn, msgType byte, payload []byte) error {
	return wire.WriteMessage(conn, wire.BackendMessage{Type: msgType, Payload: payload})
}

func readMessage(conn net.Conn) (byte, []byte, error) {
	m, err := wire.ReadMessage(conn)
	if err != nil {
		return 0, nil, err
	}
	return m.Type, m.Payload, nil
}
