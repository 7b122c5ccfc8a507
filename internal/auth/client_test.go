package auth

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pgvpd/pgvpd/internal/wire"
)

func TestAuthenticateClientCleartextAccepts(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		done <- AuthenticateClientCleartext(server, "poolpass")
	}()

	msgType, payload := readRawMessage(t, client)
	require.Equal(t, wire.Authentication, msgType)
	sub, ok := wire.AuthSubtype(wire.BackendMessage{Type: msgType, Payload: payload})
	require.True(t, ok)
	require.Equal(t, wire.AuthCleartextPassword, sub)

	mustWrite(t, client, wire.BuildPasswordMessage([]byte("poolpass\x00")).Encode())

	require.NoError(t, <-done)

	msgType, payload = readRawMessage(t, client)
	require.Equal(t, wire.Authentication, msgType)
	require.True(t, wire.IsAuthenticationOK(wire.BackendMessage{Type: msgType, Payload: payload}))
}

func TestAuthenticateClientCleartextRejects(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		done <- AuthenticateClientCleartext(server, "poolpass")
	}()

	readRawMessage(t, client)
	mustWrite(t, client, wire.BuildPasswordMessage([]byte("wrongpass\x00")).Encode())

	err := <-done
	require.Error(t, err)
}

func TestTrimNull(t *testing.T) {
	require.Equal(t, "secret", trimNull([]byte("secret\x00")))
	require.Equal(t, "secret", trimNull([]byte("secret")))
	require.Equal(t, "", trimNull([]byte{0}))
}
