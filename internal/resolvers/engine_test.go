package resolvers

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pgvpd/pgvpd/internal/wire"
)

// fakeUpstreamRow replies to exactly one simple-query with a single-row,
// single-column result, then ReadyForQuery.
func fakeUpstreamRow(t *testing.T, conn net.Conn, wantSQLContains string, column, value string) {
	t.Helper()
	msg, err := wire.ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, wire.Query, msg.Type)
	if wantSQLContains != "" {
		require.Contains(t, string(msg.Payload), wantSQLContains)
	}

	require.NoError(t, wire.WriteMessage(conn, buildRowDescription(column)))
	require.NoError(t, wire.WriteMessage(conn, buildDataRow(value)))
	require.NoError(t, wire.WriteMessage(conn, wire.BackendMessage{Type: wire.CommandComplete, Payload: []byte("SELECT 1\x00")}))
	require.NoError(t, wire.WriteMessage(conn, wire.BackendMessage{Type: wire.ReadyForQuery, Payload: []byte{'I'}}))
}

func fakeUpstreamZeroRows(t *testing.T, conn net.Conn, column string) {
	t.Helper()
	_, err := wire.ReadMessage(conn)
	require.NoError(t, err)
	require.NoError(t, wire.WriteMessage(conn, buildRowDescription(column)))
	require.NoError(t, wire.WriteMessage(conn, wire.BackendMessage{Type: wire.CommandComplete, Payload: []byte("SELECT 0\x00")}))
	require.NoError(t, wire.WriteMessage(conn, wire.BackendMessage{Type: wire.ReadyForQuery, Payload: []byte{'I'}}))
}

// fakeUpstreamTwoRows writes only the rows, no ReadyForQuery: a
// unique-violation caller returns as soon as the second DataRow arrives
// and never reads further.
func fakeUpstreamTwoRows(t *testing.T, conn net.Conn, column, v1, v2 string) {
	t.Helper()
	_, err := wire.ReadMessage(conn)
	require.NoError(t, err)
	require.NoError(t, wire.WriteMessage(conn, buildRowDescription(column)))
	require.NoError(t, wire.WriteMessage(conn, buildDataRow(v1)))
	require.NoError(t, wire.WriteMessage(conn, buildDataRow(v2)))
}

func buildRowDescription(column string) wire.BackendMessage {
	payload := []byte{0, 1} // field count = 1
	payload = append(payload, column...)
	payload = append(payload, 0)
	payload = append(payload, make([]byte, 18)...) // table oid/attnum/type oid/typlen/typmod/format
	return wire.BackendMessage{Type: wire.RowDescription, Payload: payload}
}

func buildDataRow(value string) wire.BackendMessage {
	payload := []byte{0, 1} // field count = 1
	lenBuf := make([]byte, 4)
	lenBuf[3] = byte(len(value))
	payload = append(payload, lenBuf...)
	payload = append(payload, value...)
	return wire.BackendMessage{Type: wire.DataRow, Payload: payload}
}

func TestEngineRunInjectsResolvedValue(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	def := Definition{
		Name:   "tenant_role",
		SQL:    "SELECT role FROM tenants WHERE id = $1",
		Params: []string{"tenant_id"},
		Inject: map[string]string{"role": "app.role"},
	}
	ordered, err := TopoSort([]Definition{def})
	require.NoError(t, err)

	engine := NewEngine(ordered, NewCache(100), nil)
	vars := wire.NewOrderedParams()
	vars.Set("tenant_id", "acme")

	done := make(chan error, 1)
	go func() { done <- engine.Run(client, vars) }()

	fakeUpstreamRow(t, server, "'acme'", "role", "tenant_acme_role")
	require.NoError(t, <-done)

	v, ok := vars.Get("app.role")
	require.True(t, ok)
	require.Equal(t, "tenant_acme_role", v)
}

func TestEngineRunRequiredZeroRowsFails(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	def := Definition{
		Name:     "user_account",
		SQL:      "SELECT role FROM users WHERE id = $1",
		Params:   []string{"user_id"},
		Inject:   map[string]string{"role": "app.role"},
		Required: true,
	}
	ordered, _ := TopoSort([]Definition{def})
	engine := NewEngine(ordered, NewCache(100), nil)
	vars := wire.NewOrderedParams()
	vars.Set("user_id", "00000000-0000-0000-0000-000000000000")

	done := make(chan error, 1)
	go func() { done <- engine.Run(client, vars) }()

	fakeUpstreamZeroRows(t, server, "role")
	require.Error(t, <-done)
}

func TestEngineRunOptionalZeroRowsSucceeds(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	def := Definition{
		Name:   "optional_lookup",
		SQL:    "SELECT role FROM users WHERE id = $1",
		Params: []string{"user_id"},
		Inject: map[string]string{"role": "app.role"},
	}
	ordered, _ := TopoSort([]Definition{def})
	engine := NewEngine(ordered, NewCache(100), nil)
	vars := wire.NewOrderedParams()
	vars.Set("user_id", "nobody")

	done := make(chan error, 1)
	go func() { done <- engine.Run(client, vars) }()

	fakeUpstreamZeroRows(t, server, "role")
	require.NoError(t, <-done)

	_, ok := vars.Get("app.role")
	require.False(t, ok)
}

func TestEngineRunUniqueViolationFails(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	def := Definition{
		Name:   "must_be_unique",
		SQL:    "SELECT role FROM memberships WHERE id = $1",
		Params: []string{"user_id"},
		Inject: map[string]string{"role": "app.role"},
		Unique: true,
	}
	ordered, _ := TopoSort([]Definition{def})
	engine := NewEngine(ordered, NewCache(100), nil)
	vars := wire.NewOrderedParams()
	vars.Set("user_id", "dup")

	done := make(chan error, 1)
	go func() { done <- engine.Run(client, vars) }()

	fakeUpstreamTwoRows(t, server, "role", "admin", "member")
	require.Error(t, <-done)
}

func TestEngineRunDependencyOrderMakesValueAvailable(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	producer := Definition{
		Name:   "producer",
		SQL:    "SELECT dept FROM users WHERE id = $1",
		Params: []string{"user_id"},
		Inject: map[string]string{"dept": "app.dept"},
	}
	consumer := Definition{
		Name:      "consumer",
		SQL:       "SELECT limit_value FROM dept_limits WHERE dept = $1",
		Params:    []string{"app.dept"},
		Inject:    map[string]string{"limit_value": "app.limit"},
		DependsOn: []string{"producer"},
	}
	ordered, err := TopoSort([]Definition{consumer, producer})
	require.NoError(t, err)
	require.Equal(t, "producer", ordered[0].Name)

	engine := NewEngine(ordered, NewCache(100), nil)
	vars := wire.NewOrderedParams()
	vars.Set("user_id", "u1")

	done := make(chan error, 1)
	go func() { done <- engine.Run(client, vars) }()

	fakeUpstreamRow(t, server, "", "dept", "eng")
	fakeUpstreamRow(t, server, "'eng'", "limit_value", "100")
	require.NoError(t, <-done)

	v, ok := vars.Get("app.limit")
	require.True(t, ok)
	require.Equal(t, "100", v)
}

func TestEngineRunCachesResult(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	def := Definition{
		Name:     "cached_lookup",
		SQL:      "SELECT role FROM tenants WHERE id = $1",
		Params:   []string{"tenant_id"},
		Inject:   map[string]string{"role": "app.role"},
		CacheTTL: time.Minute,
	}
	ordered, _ := TopoSort([]Definition{def})
	cache := NewCache(100)
	engine := NewEngine(ordered, cache, nil)

	vars1 := wire.NewOrderedParams()
	vars1.Set("tenant_id", "acme")
	done := make(chan error, 1)
	go func() { done <- engine.Run(client, vars1) }()
	fakeUpstreamRow(t, server, "", "role", "cached_role")
	require.NoError(t, <-done)

	require.Equal(t, 1, cache.Len())

	// Second run with the same tenant_id must hit the cache and never
	// touch the connection.
	vars2 := wire.NewOrderedParams()
	vars2.Set("tenant_id", "acme")
	require.NoError(t, engine.Run(nil, vars2))
	v, ok := vars2.Get("app.role")
	require.True(t, ok)
	require.Equal(t, "cached_role", v)
}

func TestEngineRunMissingSessionVariableFails(t *testing.T) {
	client, _ := net.Pipe()
	defer client.Close()

	def := Definition{
		Name:   "needs_var",
		SQL:    "SELECT role FROM tenants WHERE id = $1",
		Params: []string{"tenant_id"},
		Inject: map[string]string{"role": "app.role"},
	}
	ordered, _ := TopoSort([]Definition{def})
	engine := NewEngine(ordered, NewCache(100), nil)
	vars := wire.NewOrderedParams()

	err := engine.Run(client, vars)
	require.Error(t, err)
}

func TestEngineEmptyAndReload(t *testing.T) {
	engine := NewEngine(nil, NewCache(10), nil)
	require.True(t, engine.Empty())

	def := Definition{
		Name:   "role_lookup",
		SQL:    "SELECT role FROM tenants WHERE id = $1",
		Params: []string{"tenant_id"},
		Inject: map[string]string{"role": "app.role"},
	}
	ordered, err := TopoSort([]Definition{def})
	require.NoError(t, err)

	engine.Reload(ordered)
	require.False(t, engine.Empty())

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	vars := wire.NewOrderedParams()
	vars.Set("tenant_id", "acme")
	done := make(chan error, 1)
	go func() { done <- engine.Run(client, vars) }()
	fakeUpstreamRow(t, server, "'acme'", "role", "reloaded_role")
	require.NoError(t, <-done)

	v, ok := vars.Get("app.role")
	require.True(t, ok)
	require.Equal(t, "reloaded_role", v)
}
