package auth

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pgvpd/pgvpd/internal/wire"
)

func TestMD5Password(t *testing.T) {
	user, password := "alice", "hunter2"
	salt := []byte{0x01, 0x02, 0x03, 0x04}

	got := MD5Password(user, password, salt)

	h1 := md5.Sum([]byte(password + user))
	h2 := md5.Sum(append([]byte(hex.EncodeToString(h1[:])), salt...))
	want := "md5" + hex.EncodeToString(h2[:])

	require.Equal(t, want, got)
}

func TestUpstreamPasswordCleartext(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		res, err := UpstreamPassword(client, "bob", "secret")
		if err != nil {
			done <- err
			return
		}
		if res.BackendPID != 42 || res.BackendKey != 24 {
			t.Errorf("unexpected backend key data: %+v", res)
		}
		done <- nil
	}()

	authReq := make([]byte, 4)
	binary.BigEndian.PutUint32(authReq, wire.AuthCleartextPassword)
	mustWrite(t, server, wire.BackendMessage{Type: wire.Authentication, Payload: authReq}.Encode())

	msgType, payload := readRawMessage(t, server)
	require.Equal(t, wire.PasswordMessage, msgType)
	require.Equal(t, "secret", trimNull(payload))

	okPayload := make([]byte, 4)
	binary.BigEndian.PutUint32(okPayload, wire.AuthOK)
	mustWrite(t, server, wire.BackendMessage{Type: wire.Authentication, Payload: okPayload}.Encode())
	mustWrite(t, server, wire.BuildBackendKeyData(42, 24).Encode())
	mustWrite(t, server, wire.BackendMessage{Type: wire.ReadyForQuery, Payload: []byte{'I'}}.Encode())

	require.NoError(t, <-done)
}

func TestUpstreamPasswordMD5(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	salt := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	done := make(chan error, 1)
	go func() {
		_, err := UpstreamPassword(client, "bob", "secret")
		done <- err
	}()

	authReq := make([]byte, 8)
	binary.BigEndian.PutUint32(authReq[:4], wire.AuthMD5Password)
	copy(authReq[4:], salt)
	mustWrite(t, server, wire.BackendMessage{Type: wire.Authentication, Payload: authReq}.Encode())

	msgType, payload := readRawMessage(t, server)
	require.Equal(t, wire.PasswordMessage, msgType)
	require.Equal(t, MD5Password("bob", "secret", salt), trimNull(payload))

	okPayload := make([]byte, 4)
	binary.BigEndian.PutUint32(okPayload, wire.AuthOK)
	mustWrite(t, server, wire.BackendMessage{Type: wire.Authentication, Payload: okPayload}.Encode())
	mustWrite(t, server, wire.BackendMessage{Type: wire.ReadyForQuery, Payload: []byte{'I'}}.Encode())

	require.NoError(t, <-done)
}

func TestUpstreamPasswordRejected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		_, err := UpstreamPassword(client, "bob", "wrong")
		done <- err
	}()

	authReq := make([]byte, 4)
	binary.BigEndian.PutUint32(authReq, wire.AuthCleartextPassword)
	mustWrite(t, server, wire.BackendMessage{Type: wire.Authentication, Payload: authReq}.Encode())
	readRawMessage(t, server)
	mustWrite(t, server, errorResponse("password authentication failed"))

	err := <-done
	require.Error(t, err)
}

func readRawMessage(t *testing.T, conn net.Conn) (byte, []byte) {
	t.Helper()
	typeBuf := make([]byte, 1)
	_, err := readFullConn(conn, typeBuf)
	require.NoError(t, err)
	lenBuf := make([]byte, 4)
	_, err = readFullConn(conn, lenBuf)
	require.NoError(t, err)
	payloadLen := int(binary.BigEndian.Uint32(lenBuf)) - 4
	payload := make([]byte, payloadLen)
	_, err = readFullConn(conn, payload)
	require.NoError(t, err)
	return typeBuf[0], payload
}
