package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// WriteMessage encodes and writes a single backend/frontend message to
// conn.
func WriteMessage(conn net.Conn, m BackendMessage) error {
	_, err := conn.Write(m.Encode())
	return err
}

// ReadMessage reads one complete backend/frontend message from conn:
// 1-byte type, 4-byte length, then the payload. Used by callers that
// perform a synchronous request/response exchange against a single
// connection (auth handshakes, resolver queries) rather than the
// buffered Framer the connection handler uses for its main duplex loop.
func ReadMessage(conn net.Conn) (BackendMessage, error) {
	typeBuf := make([]byte, 1)
	if _, err := io.ReadFull(conn, typeBuf); err != nil {
		return BackendMessage{}, err
	}
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return BackendMessage{}, err
	}
	payloadLen := int(binary.BigEndian.Uint32(lenBuf)) - 4
	if payloadLen < 0 || payloadLen > 1<<24 {
		return BackendMessage{}, fmt.Errorf("wire: invalid message length %d", payloadLen)
	}
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return BackendMessage{}, err
		}
	}
	return BackendMessage{Type: typeBuf[0], Payload: payload}, nil
}
