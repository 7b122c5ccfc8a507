package resolvers

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/pgvpd/pgvpd/internal/wire"
)

var placeholderPattern = regexp.MustCompile(`\$(\d+)`)

// Metrics is the subset of the observability layer the engine reports
// through (spec.md §4.7: "Cache hit rate, cache size, per-resolver
// executions and errors are exported to the observability layer"). The
// concrete implementation lives in internal/metrics; defined here to
// avoid a dependency from resolvers on metrics.
type Metrics interface {
	ResolverExecuted(name string)
	ResolverErrored(name string)
	ResolverCacheHit()
	ResolverCacheMiss()
}

// noopMetrics discards everything; used when no Metrics sink is wired.
type noopMetrics struct{}

func (noopMetrics) ResolverExecuted(string) {}
func (noopMetrics) ResolverErrored(string)  {}
func (noopMetrics) ResolverCacheHit()       {}
func (noopMetrics) ResolverCacheMiss()      {}

// Engine runs a topologically-sorted batch of resolver definitions
// against an authenticated upstream connection, folding each result into
// a session-variable map (spec.md §4.4).
type Engine struct {
	Cache   *Cache
	Metrics Metrics

	mu      sync.RWMutex
	ordered []Definition // must already be topologically sorted (see TopoSort)
}

// NewEngine returns an Engine for the given topologically-sorted
// resolver definitions.
func NewEngine(ordered []Definition, cache *Cache, metrics Metrics) *Engine {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Engine{ordered: ordered, Cache: cache, Metrics: metrics}
}

// Empty reports whether the engine has no resolvers configured, in which
// case RESOLVING is a no-op (spec.md §4.3).
func (e *Engine) Empty() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.ordered) == 0
}

// Reload atomically swaps in a new topologically-sorted set of resolver
// definitions, picked up by every connection's next RESOLVING state —
// in-flight resolver runs keep using the set they started with (spec.md
// §6's resolver definitions are part of the hot-reloadable subset).
func (e *Engine) Reload(ordered []Definition) {
	e.mu.Lock()
	e.ordered = ordered
	e.mu.Unlock()
}

// Run executes every resolver in order against conn, reading and writing
// session variables in vars. It stops and returns an error at the first
// resolver failure, per spec.md §4.4's RESOLVING state: "on any
// required-resolver failure or error: send ErrorResponse to client and
// close". The caller (the connection handler) is responsible for turning
// the returned error into the client-facing ErrorResponse.
func (e *Engine) Run(conn net.Conn, vars *wire.OrderedParams) error {
	e.mu.RLock()
	ordered := e.ordered
	e.mu.RUnlock()

	now := time.Now()
	for _, def := range ordered {
		row, err := e.runOne(conn, def, vars, now)
		if err != nil {
			e.Metrics.ResolverErrored(def.Name)
			return fmt.Errorf("resolvers: %q: %w", def.Name, err)
		}
		for column, varName := range def.Inject {
			if v, ok := row[column]; ok {
				vars.Set(varName, v)
			}
		}
	}
	return nil
}

func (e *Engine) runOne(conn net.Conn, def Definition, vars *wire.OrderedParams, now time.Time) (Row, error) {
	params := make([]string, len(def.Params))
	for i, varName := range def.Params {
		v, ok := vars.Get(varName)
		if !ok {
			return nil, fmt.Errorf("session variable %q is not set", varName)
		}
		params[i] = v
	}

	cacheable := def.CacheTTL > 0
	var key string
	if cacheable {
		key = Key(def.Name, params)
		if row, ok := e.Cache.Get(key, now); ok {
			e.Metrics.ResolverCacheHit()
			return row, nil
		}
		e.Metrics.ResolverCacheMiss()
	}

	sql, err := buildQuery(def.SQL, params)
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}

	row, err := execute(conn, sql, def.Unique)
	if err != nil {
		return nil, err
	}
	e.Metrics.ResolverExecuted(def.Name)

	if row == nil {
		if def.Required {
			return nil, fmt.Errorf("required resolver returned no rows")
		}
		return Row{}, nil
	}

	if cacheable {
		e.Cache.Put(key, row, def.CacheTTL, now)
	}
	return row, nil
}

// buildQuery substitutes $1, $2, ... in sql with escaped literals of
// params, in order. Per spec.md §4.4/§4.1, resolver parameters are always
// concrete session-variable values already validated against the
// literal-character regex, so a failure here is a fatal configuration
// error, not a runtime skip.
func buildQuery(sql string, params []string) (string, error) {
	escaped := make([]string, len(params))
	for i, p := range params {
		lit, err := wire.EscapeLiteral(p)
		if err != nil {
			return "", fmt.Errorf("parameter %d: %w", i+1, err)
		}
		escaped[i] = lit
	}

	var outErr error
	out := placeholderPattern.ReplaceAllStringFunc(sql, func(match string) string {
		n, err := strconv.Atoi(match[1:])
		if err != nil || n < 1 || n > len(escaped) {
			outErr = fmt.Errorf("query references undefined placeholder %q", match)
			return match
		}
		return escaped[n-1]
	})
	if outErr != nil {
		return "", outErr
	}
	return out, nil
}

// execute sends sql as a simple-query message and consumes the response:
// RowDescription, zero or more DataRow, ReadyForQuery. A nil Row with a
// nil error means zero rows; the caller decides whether that is fine
// (required=false) or fatal (required=true). More than one row is only
// an error when unique is set — otherwise the first row wins and the
// rest are drained.
func execute(conn net.Conn, sql string, unique bool) (Row, error) {
	if err := wire.WriteMessage(conn, wire.BuildQuery(sql)); err != nil {
		return nil, fmt.Errorf("sending query: %w", err)
	}

	var columns []string
	var row Row
	rowCount := 0

	for {
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}
		switch msg.Type {
		case wire.RowDescription:
			columns, err = wire.ParseRowDescription(msg.Payload)
			if err != nil {
				return nil, fmt.Errorf("parsing RowDescription: %w", err)
			}
		case wire.DataRow:
			rowCount++
			if rowCount > 1 {
				if unique {
					return nil, fmt.Errorf("query returned more than one row")
				}
				continue // keep the first row, drain the rest
			}
			values, present, err := wire.ParseDataRow(msg.Payload)
			if err != nil {
				return nil, fmt.Errorf("parsing DataRow: %w", err)
			}
			row = make(Row, len(columns))
			for i, col := range columns {
				if i < len(present) && present[i] {
					row[col] = values[i]
				}
			}
		case wire.CommandComplete:
			// ignore; ReadyForQuery ends the exchange
		case wire.ErrorResponse:
			return nil, fmt.Errorf("server error: %s", wire.ErrorMessage(msg.Payload))
		case wire.ReadyForQuery:
			if rowCount == 0 {
				return nil, nil
			}
			return row, nil
		default:
			// NoticeResponse and anything else encountered mid-query: ignore.
		}
	}
}
