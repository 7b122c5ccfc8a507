package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrIncomplete is returned by the framer and message parsers when the
// buffer does not yet hold a complete frame. Callers should read more
// bytes from the stream and retry; it is never a protocol error.
var ErrIncomplete = errors.New("wire: incomplete frame")

// Framer buffers bytes read off a connection and yields complete
// startup-phase or backend/frontend frames as they become available.
// It never copies more than necessary: Feed appends to an internal
// buffer and Next slices into it, discarding the front only once a
// frame has been consumed.
type Framer struct {
	buf []byte
}

// NewFramer returns an empty Framer.
func NewFramer() *Framer {
	return &Framer{}
}

// Feed appends newly read bytes to the framer's internal buffer.
func (f *Framer) Feed(b []byte) {
	f.buf = append(f.buf, b...)
}

// Buffered returns the number of bytes currently buffered and not yet
// consumed by Next/NextStartup.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// advance discards the front n bytes of the buffer.
func (f *Framer) advance(n int) {
	f.buf = f.buf[n:]
}

// NextStartup attempts to parse a startup-phase frame: no type byte, the
// first 4 bytes are the total length including themselves. Per spec.md
// §4.1, the length must be between 8 and maxStartupLength. Returns
// ErrIncomplete if the full frame hasn't arrived yet.
func (f *Framer) NextStartup() (StartupFrame, error) {
	if len(f.buf) < 4 {
		return StartupFrame{}, ErrIncomplete
	}
	totalLen := int(binary.BigEndian.Uint32(f.buf[:4]))
	if totalLen < 8 || totalLen > maxStartupLength {
		return StartupFrame{}, fmt.Errorf("wire: invalid startup length %d", totalLen)
	}
	if len(f.buf) < totalLen {
		return StartupFrame{}, ErrIncomplete
	}
	raw := append([]byte(nil), f.buf[:totalLen]...)
	f.advance(totalLen)
	return ParseStartupFrame(raw)
}

// Next attempts to parse a backend/frontend message: 1-byte type, 4-byte
// length excluding the type byte. Returns ErrIncomplete if the full frame
// hasn't arrived yet, or an error if the length field is malformed (the
// caller must abort the connection in that case — a malformed length is
// never recoverable by waiting for more bytes).
func (f *Framer) Next() (BackendMessage, error) {
	msg, n, err := ParseBackendMessage(f.buf)
	if err != nil {
		return BackendMessage{}, err
	}
	f.advance(n)
	return msg, nil
}

// StartupFrame is a parsed startup-phase message: either a regular
// startup packet (Kind == StartupKindStartup) carrying protocol version
// and parameters, or one of the special zero-parameter requests (SSL,
// cancel, GSS).
type StartupFrame struct {
	Kind    StartupKind
	Version uint32
	// Params preserves insertion order because reconstruction must be
	// byte-faithful to the client's original parameter ordering except
	// for the one parameter pgvpd ever rewrites (user).
	Params *OrderedParams
	Raw    []byte // the original bytes, including the 4-byte length prefix
}

// StartupKind classifies a parsed startup-phase frame.
type StartupKind int

const (
	StartupKindStartup StartupKind = iota
	StartupKindSSLRequest
	StartupKindCancelRequest
	StartupKindGSSRequest
)

// OrderedParams is an insertion-ordered string-to-string map, used for
// startup parameters so that reconstruction preserves the client's
// original key order (spec.md §4.1: "unknown keys are preserved
// verbatim because reconstruction must be faithful").
type OrderedParams struct {
	keys   []string
	values map[string]string
}

// NewOrderedParams returns an empty OrderedParams.
func NewOrderedParams() *OrderedParams {
	return &OrderedParams{values: make(map[string]string)}
}

// Set adds or updates key, preserving the position of an existing key or
// appending a new one at the end.
func (p *OrderedParams) Set(key, value string) {
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// Get returns the value for key and whether it was present.
func (p *OrderedParams) Get(key string) (string, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Keys returns the parameter keys in insertion order.
func (p *OrderedParams) Keys() []string {
	return p.keys
}

// Clone returns a deep copy preserving key order.
func (p *OrderedParams) Clone() *OrderedParams {
	c := NewOrderedParams()
	for _, k := range p.keys {
		c.Set(k, p.values[k])
	}
	return c
}

// ParseStartupFrame classifies and parses a complete startup-phase frame
// (length prefix included in raw).
func ParseStartupFrame(raw []byte) (StartupFrame, error) {
	if len(raw) < 8 {
		return StartupFrame{}, fmt.Errorf("wire: startup frame too short: %d bytes", len(raw))
	}
	code := binary.BigEndian.Uint32(raw[4:8])
	switch code {
	case SSLRequestCode:
		return StartupFrame{Kind: StartupKindSSLRequest, Version: code, Raw: raw}, nil
	case CancelRequestCode:
		return StartupFrame{Kind: StartupKindCancelRequest, Version: code, Raw: raw}, nil
	case GSSRequestCode:
		return StartupFrame{Kind: StartupKindGSSRequest, Version: code, Raw: raw}, nil
	}

	params, err := parseStartupParams(raw[8:])
	if err != nil {
		return StartupFrame{}, err
	}
	return StartupFrame{
		Kind:    StartupKindStartup,
		Version: code,
		Params:  params,
		Raw:     raw,
	}, nil
}

// parseStartupParams parses the null-terminated key/value sequence that
// follows the 4-byte protocol version in a startup message body,
// terminated by a single null byte.
func parseStartupParams(data []byte) (*OrderedParams, error) {
	params := NewOrderedParams()
	for len(data) > 0 {
		if data[0] == 0 {
			// terminator reached; any trailing bytes are ignored
			return params, nil
		}
		keyEnd := indexByte(data, 0)
		if keyEnd < 0 {
			return nil, fmt.Errorf("wire: unterminated startup parameter key")
		}
		key := string(data[:keyEnd])
		data = data[keyEnd+1:]

		valEnd := indexByte(data, 0)
		if valEnd < 0 {
			return nil, fmt.Errorf("wire: unterminated startup parameter value for %q", key)
		}
		value := string(data[:valEnd])
		data = data[valEnd+1:]

		params.Set(key, value)
	}
	return params, fmt.Errorf("wire: startup parameters missing terminator")
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// BuildStartup reconstructs a startup frame with the same protocol
// version and the given (possibly modified) parameter set, preserving
// insertion order. This is used to rewrite the `user` parameter to the
// effective login role before forwarding to the upstream (spec.md §4.3,
// "user" is the only parameter pgvpd ever rewrites).
func BuildStartup(version uint32, params *OrderedParams) []byte {
	var body []byte
	verBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(verBuf, version)
	body = append(body, verBuf...)

	for _, k := range params.Keys() {
		v, _ := params.Get(k)
		body = append(body, k...)
		body = append(body, 0)
		body = append(body, v...)
		body = append(body, 0)
	}
	body = append(body, 0) // terminator

	msg := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(msg[:4], uint32(4+len(body)))
	copy(msg[4:], body)
	return msg
}

// BuildSSLRequest constructs the fixed 8-byte SSLRequest frame.
func BuildSSLRequest() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[:4], 8)
	binary.BigEndian.PutUint32(buf[4:8], SSLRequestCode)
	return buf
}
