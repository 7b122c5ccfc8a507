// Package wire implements the subset of the PostgreSQL frontend/backend
// protocol v3 that pgvpd inspects: the startup/SSL/cancel handshake,
// authentication round trips, and the handful of backend message types
// the connection handler must recognize to splice state injection into
// the handshake. Everything else is opaque bytes to the rest of pgvpd.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Message types the proxy parses or builds. Anything not named here is
// forwarded as opaque bytes once the connection reaches the transparent
// pipe phase.
const (
	Authentication byte = 'R'
	ErrorResponse  byte = 'E'
	ReadyForQuery  byte = 'Z'
	ParameterStatus byte = 'S'
	BackendKeyData byte = 'K'
	CommandComplete byte = 'C'
	RowDescription byte = 'T'
	DataRow        byte = 'D'
	NoticeResponse byte = 'N'
	Query          byte = 'Q'
	Terminate      byte = 'X'
	PasswordMessage byte = 'p'
)

// Authentication sub-message codes, carried in the first int32 of an
// Authentication ('R') message payload.
const (
	AuthOK                uint32 = 0
	AuthKerberosV5        uint32 = 2
	AuthCleartextPassword uint32 = 3
	AuthMD5Password       uint32 = 5
	AuthGSS               uint32 = 7
	AuthSASL              uint32 = 10
	AuthSASLContinue      uint32 = 11
	AuthSASLFinal         uint32 = 12
)

// Startup-phase magic numbers. These appear where a protocol version
// would otherwise be, in the first 4 bytes of a startup frame's body.
const (
	ProtocolVersion3 uint32 = 196608 // 3<<16 | 0
	SSLRequestCode   uint32 = 80877103
	CancelRequestCode uint32 = 80877102
	GSSRequestCode   uint32 = 80877104
)

// maxStartupLength is the sanity cap on a startup-phase frame's total
// length, matching spec.md's "length must be between 8 and a sanity cap,
// e.g. 10 KiB".
const maxStartupLength = 10 * 1024

// Backend/frontend message is: 1-byte type, 4-byte length (includes the
// length field itself, excludes the type byte), then payload.
type BackendMessage struct {
	Type    byte
	Payload []byte
}

// Encode serializes a backend/frontend message into its wire form.
func (m BackendMessage) Encode() []byte {
	buf := make([]byte, 1+4+len(m.Payload))
	buf[0] = m.Type
	binary.BigEndian.PutUint32(buf[1:5], uint32(4+len(m.Payload)))
	copy(buf[5:], m.Payload)
	return buf
}

// ParseBackendMessage decodes a 1-byte-type message from a buffer that
// already contains the whole frame (type byte + length-prefixed payload).
// Returns the message and the number of bytes consumed, or an error if
// buf does not contain a complete frame yet (ErrIncomplete) or the
// length field is malformed.
func ParseBackendMessage(buf []byte) (BackendMessage, int, error) {
	if len(buf) < 5 {
		return BackendMessage{}, 0, ErrIncomplete
	}
	msgType := buf[0]
	totalLen := int(binary.BigEndian.Uint32(buf[1:5]))
	if totalLen < 4 {
		return BackendMessage{}, 0, fmt.Errorf("wire: invalid message length %d for type %q", totalLen, msgType)
	}
	frameSize := 1 + totalLen
	if len(buf) < frameSize {
		return BackendMessage{}, 0, ErrIncomplete
	}
	payload := buf[5:frameSize]
	return BackendMessage{Type: msgType, Payload: payload}, frameSize, nil
}

// AuthSubtype returns the authentication subtype code carried in an
// Authentication ('R') message payload, and whether the payload was long
// enough to contain one.
func AuthSubtype(m BackendMessage) (uint32, bool) {
	if m.Type != Authentication || len(m.Payload) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(m.Payload[:4]), true
}

// IsAuthenticationOK reports whether m is AuthenticationOk.
func IsAuthenticationOK(m BackendMessage) bool {
	sub, ok := AuthSubtype(m)
	return ok && sub == AuthOK
}

// ReadyForQueryStatus returns the single transaction-status byte ('I',
// 'T', or 'E') carried by a ReadyForQuery message.
func ReadyForQueryStatus(m BackendMessage) (byte, bool) {
	if m.Type != ReadyForQuery || len(m.Payload) < 1 {
		return 0, false
	}
	return m.Payload[0], true
}

// BuildQuery constructs a simple-query ('Q') message: length = 4 + len(sql)
// + 1, payload = sql followed by a single null byte.
func BuildQuery(sql string) BackendMessage {
	payload := make([]byte, 0, len(sql)+1)
	payload = append(payload, sql...)
	payload = append(payload, 0)
	return BackendMessage{Type: Query, Payload: payload}
}

// ErrorFields carries the subset of PostgreSQL ErrorResponse fields pgvpd
// ever emits itself (spec.md §4.1).
type ErrorFields struct {
	Severity string // field 'S' and 'V' — same value in both
	Code     string // field 'C', 5-character SQLSTATE
	Message  string // field 'M'
	Detail   string // field 'D', optional
}

// BuildErrorResponse constructs an ErrorResponse ('E') message with the
// minimum required fields plus an optional Detail.
func BuildErrorResponse(f ErrorFields) BackendMessage {
	var buf []byte
	appendField := func(code byte, value string) {
		buf = append(buf, code)
		buf = append(buf, value...)
		buf = append(buf, 0)
	}
	appendField('S', f.Severity)
	appendField('V', f.Severity)
	appendField('C', f.Code)
	appendField('M', f.Message)
	if f.Detail != "" {
		appendField('D', f.Detail)
	}
	buf = append(buf, 0) // terminator
	return BackendMessage{Type: ErrorResponse, Payload: buf}
}

// ParseErrorResponse extracts every field of an ErrorResponse payload into
// a map keyed by field code.
func ParseErrorResponse(payload []byte) map[byte]string {
	fields := make(map[byte]string)
	i := 0
	for i < len(payload) {
		code := payload[i]
		if code == 0 {
			break
		}
		i++
		start := i
		for i < len(payload) && payload[i] != 0 {
			i++
		}
		fields[code] = string(payload[start:i])
		i++ // skip the terminating null
	}
	return fields
}

// ErrorMessage returns the 'M' (message) field of an ErrorResponse
// payload, or "" if absent.
func ErrorMessage(payload []byte) string {
	return ParseErrorResponse(payload)[byte('M')]
}

// ParameterPair parses one ParameterStatus ('S') payload into key/value.
func ParameterPair(payload []byte) (string, string) {
	return parseNullTerminatedPair(payload)
}

func parseNullTerminatedPair(data []byte) (string, string) {
	i := 0
	for i < len(data) && data[i] != 0 {
		i++
	}
	if i >= len(data) {
		return string(data), ""
	}
	key := string(data[:i])
	rest := data[i+1:]
	j := 0
	for j < len(rest) && rest[j] != 0 {
		j++
	}
	return key, string(rest[:j])
}

// BackendKeyDataPayload parses a BackendKeyData ('K') payload into its
// process ID and secret key.
func BackendKeyDataPayload(payload []byte) (pid, key uint32, ok bool) {
	if len(payload) < 8 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint32(payload[:4]), binary.BigEndian.Uint32(payload[4:8]), true
}

// BuildBackendKeyData constructs a BackendKeyData ('K') message.
func BuildBackendKeyData(pid, key uint32) BackendMessage {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint32(payload[:4], pid)
	binary.BigEndian.PutUint32(payload[4:8], key)
	return BackendMessage{Type: BackendKeyData, Payload: payload}
}

// BuildParameterStatus constructs a ParameterStatus ('S') message.
func BuildParameterStatus(name, value string) BackendMessage {
	payload := make([]byte, 0, len(name)+len(value)+2)
	payload = append(payload, name...)
	payload = append(payload, 0)
	payload = append(payload, value...)
	payload = append(payload, 0)
	return BackendMessage{Type: ParameterStatus, Payload: payload}
}

// BuildPasswordMessage constructs a password ('p') message carrying raw
// bytes (cleartext password, MD5 digest string, or a SASL response blob).
func BuildPasswordMessage(data []byte) BackendMessage {
	return BackendMessage{Type: PasswordMessage, Payload: data}
}

// ParseRowDescription returns the ordered column names of a RowDescription
// ('T') payload. Each field is: name (null-terminated), then table OID
// (int32), column attnum (int16), type OID (int32), type size (int16),
// type modifier (int32), format code (int16) — pgvpd only needs the name.
func ParseRowDescription(payload []byte) ([]string, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("wire: RowDescription payload too short")
	}
	count := int(binary.BigEndian.Uint16(payload[:2]))
	names := make([]string, 0, count)
	i := 2
	for f := 0; f < count; f++ {
		start := i
		for i < len(payload) && payload[i] != 0 {
			i++
		}
		if i >= len(payload) {
			return nil, fmt.Errorf("wire: RowDescription field %d: unterminated name", f)
		}
		names = append(names, string(payload[start:i]))
		i++ // skip null terminator
		i += 18 // table OID(4) + attnum(2) + type OID(4) + typlen(2) + typmod(4) + format(2)
		if i > len(payload) {
			return nil, fmt.Errorf("wire: RowDescription field %d: truncated", f)
		}
	}
	return names, nil
}

// ParseDataRow returns the column values of a DataRow ('D') payload in
// order, with ok[i] false for a SQL NULL.
func ParseDataRow(payload []byte) ([]string, []bool, error) {
	if len(payload) < 2 {
		return nil, nil, fmt.Errorf("wire: DataRow payload too short")
	}
	count := int(binary.BigEndian.Uint16(payload[:2]))
	values := make([]string, count)
	present := make([]bool, count)
	i := 2
	for f := 0; f < count; f++ {
		if i+4 > len(payload) {
			return nil, nil, fmt.Errorf("wire: DataRow field %d: truncated length", f)
		}
		n := int32(binary.BigEndian.Uint32(payload[i : i+4]))
		i += 4
		if n < 0 {
			continue // NULL: values[f] stays "", present[f] stays false
		}
		if i+int(n) > len(payload) {
			return nil, nil, fmt.Errorf("wire: DataRow field %d: truncated value", f)
		}
		values[f] = string(payload[i : i+int(n)])
		present[f] = true
		i += int(n)
	}
	return values, present, nil
}
