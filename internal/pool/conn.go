// Package pool implements pgvpd's session-mode upstream connection pool: a
// mapping from bucket key (database, effective role) to a bucket holding
// an idle queue, a live-count, and a capacity gate (spec.md §4.5).
package pool

import (
	"fmt"
	"net"
	"time"
)

// Key identifies a pool bucket: the database name and the effective
// role a connection in that bucket authenticates as. Per the set_role
// vs login role open question (spec.md §9, decided in SPEC_FULL.md §5),
// Role is always the *effective* role — the set_role target when one is
// configured, the login role otherwise — so two login roles sharing a
// set_role target land in the same bucket.
type Key struct {
	Database string
	Role     string
}

// String renders the bucket label used by the admin /status route and
// the per-bucket Prometheus gauges ("<database>/<role>").
func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Database, k.Role)
}

// PooledConn is one authenticated, idle-or-checked-out upstream
// connection together with the startup-phase state a synthesized client
// handshake needs to replay (spec.md §4.5 "Synthesized client handshake").
type PooledConn struct {
	Conn       net.Conn
	Params     map[string]string
	BackendPID uint32
	BackendKey uint32
	LastUsed   time.Time
	createdAt  time.Time
}

// NewPooledConn wraps conn with the ParameterStatus/BackendKeyData an
// upstream auth exchange captured (see auth.Result).
func NewPooledConn(conn net.Conn, params map[string]string, backendPID, backendKey uint32) *PooledConn {
	now := time.Now()
	return &PooledConn{
		Conn:       conn,
		Params:     params,
		BackendPID: backendPID,
		BackendKey: backendKey,
		LastUsed:   now,
		createdAt:  now,
	}
}

// Close closes the underlying connection. A discarded connection is
// never retried, so the error is not meaningful to the caller.
func (pc *PooledConn) Close() {
	_ = pc.Conn.Close()
}
