package pool

import (
	"fmt"
	"net"

	"github.com/pgvpd/pgvpd/internal/wire"
)

// runCleanup sends ROLLBACK and DISCARD ALL as two separate simple
// queries — DISCARD ALL is not legal inside a transaction block, hence
// the separation — consuming each ReadyForQuery before returning
// (spec.md §4.3 CLEANUP: "send ROLLBACK; then DISCARD ALL; as two
// separate simple queries; consume each ReadyForQuery"). Any error,
// including an ErrorResponse from the server, fails cleanup and the
// connection must be discarded rather than returned to the idle queue.
func runCleanup(conn net.Conn) error {
	if err := runSimpleQuery(conn, "ROLLBACK;"); err != nil {
		return fmt.Errorf("pool: cleanup ROLLBACK: %w", err)
	}
	if err := runSimpleQuery(conn, "DISCARD ALL;"); err != nil {
		return fmt.Errorf("pool: cleanup DISCARD ALL: %w", err)
	}
	return nil
}

// runSimpleQuery sends sql as a simple-query message and reads messages
// until ReadyForQuery, failing on the first ErrorResponse or I/O error.
func runSimpleQuery(conn net.Conn, sql string) error {
	if err := wire.WriteMessage(conn, wire.BuildQuery(sql)); err != nil {
		return err
	}
	for {
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			return err
		}
		switch msg.Type {
		case wire.ErrorResponse:
			return fmt.Errorf("server error: %s", wire.ErrorMessage(msg.Payload))
		case wire.ReadyForQuery:
			return nil
		default:
			// CommandComplete, NoticeResponse, etc.: ignore until ReadyForQuery.
		}
	}
}
