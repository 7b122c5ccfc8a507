package auth

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"

	"github.com/pgvpd/pgvpd/internal/wire"
)

// Result carries the state pgvpd must remember after authenticating a
// fresh upstream connection: the ParameterStatus entries and
// BackendKeyData the server sent during startup, both of which the pool
// caches on the PooledConn (spec.md §3 "Pooled connection", §4.5
// "Synthesized client handshake").
type Result struct {
	Params     map[string]string
	BackendPID uint32
	BackendKey uint32
}

// UpstreamPassword performs the upstream-facing authentication exchange
// against conn, which must already have had a startup message sent to
// it. It reads Authentication messages until AuthenticationOk, replying
// to cleartext, MD5, or SCRAM-SHA-256 challenges with the given
// credentials, and returns once the first ReadyForQuery arrives.
func UpstreamPassword(conn net.Conn, user, password string) (Result, error) {
	var res Result

	for {
		msgType, payload, err := readMessage(conn)
		if err != nil {
			return Result{}, fmt.Errorf("auth: reading upstream message: %w", err)
		}

		switch msgType {
		case wire.Authentication:
			sub, ok := wire.AuthSubtype(wire.BackendMessage{Type: msgType, Payload: payload})
			if !ok {
				return Result{}, fmt.Errorf("auth: malformed Authentication message")
			}
			switch sub {
			case wire.AuthOK:
				continue
			case wire.AuthCleartextPassword:
				if err := sendPassword(conn, []byte(password)); err != nil {
					return Result{}, fmt.Errorf("auth: sending cleartext password upstream: %w", err)
				}
			case wire.AuthMD5Password:
				if len(payload) < 8 {
					return Result{}, fmt.Errorf("auth: MD5 auth request too short")
				}
				salt := payload[4:8]
				hash := MD5Password(user, password, salt)
				if err := sendPassword(conn, []byte(hash)); err != nil {
					return Result{}, fmt.Errorf("auth: sending MD5 password upstream: %w", err)
				}
			case wire.AuthSASL:
				if err := scramSHA256(conn, user, password, payload); err != nil {
					return Result{}, fmt.Errorf("auth: SCRAM-SHA-256 exchange: %w", err)
				}
			default:
				return Result{}, fmt.Errorf("auth: unsupported upstream auth type %d", sub)
			}

		case wire.ParameterStatus:
			k, v := wire.ParameterPair(payload)
			if k != "" {
				if res.Params == nil {
					res.Params = make(map[string]string)
				}
				res.Params[k] = v
			}

		case wire.BackendKeyData:
			pid, key, ok := wire.BackendKeyDataPayload(payload)
			if ok {
				res.BackendPID = pid
				res.BackendKey = key
			}

		case wire.ReadyForQuery:
			return res, nil

		case wire.ErrorResponse:
			return Result{}, fmt.Errorf("auth: upstream error: %s", wire.ErrorMessage(payload))

		default:
			// Ignore anything else encountered during startup (e.g. NoticeResponse).
			continue
		}
	}
}

func sendPassword(conn net.Conn, data []byte) error {
	payload := append(append([]byte(nil), data...), 0)
	return writeMessage(conn, wire.PasswordMessage, payload)
}

// MD5Password computes PostgreSQL's MD5 password response:
// "md5" + md5(md5(password + user) + salt).
func MD5Password(user, password string, salt []byte) string {
	h1 := md5.Sum([]byte(password + user))
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.Sum(append([]byte(hex1), salt...))
	return "md5" + hex.EncodeToString(h2[:])
}
