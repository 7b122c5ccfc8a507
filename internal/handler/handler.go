// Package handler implements pgvpd's per-connection state machine: it owns
// one client stream and at most one upstream stream and drives both
// through the handshake splice described in spec.md §4.3 — parsing the
// client's identity out of the startup message, admitting the tenant,
// authenticating upstream (directly or via the session pool), running the
// resolver chain, injecting session state, and finally handing the two
// streams to the transparent pipe.
package handler

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pgvpd/pgvpd/internal/auth"
	"github.com/pgvpd/pgvpd/internal/pool"
	"github.com/pgvpd/pgvpd/internal/resolvers"
	"github.com/pgvpd/pgvpd/internal/stream"
	"github.com/pgvpd/pgvpd/internal/tenant"
	"github.com/pgvpd/pgvpd/internal/wire"
)

// Mode selects how UPSTREAM_AUTH and PIPE behave (spec.md §4.3, §4.5).
type Mode int

const (
	// ModePassthrough opens one dedicated upstream connection per client
	// connection and relays the authentication handshake bidirectionally.
	ModePassthrough Mode = iota
	// ModeSessionPool authenticates the client directly and borrows an
	// already-authenticated upstream connection from the session pool.
	ModeSessionPool
)

// Metrics is the subset of the observability layer the handler reports
// through (spec.md §4.7: connections_total, connections_active,
// tenant_timeouts_total).
type Metrics interface {
	ConnectionAccepted()
	ConnectionClosed()
	TenantTimeout()
}

type noopMetrics struct{}

func (noopMetrics) ConnectionAccepted() {}
func (noopMetrics) ConnectionClosed()   {}
func (noopMetrics) TenantTimeout()      {}

// Config configures Handle. It is built once at startup from the
// resolved configuration and shared read-only across every connection
// task (spec.md §5 "tasks communicate only through the shared pool,
// tenant registry, resolver cache, and metrics counters").
type Config struct {
	Mode Mode

	UpstreamAddr           string
	UpstreamTLS            *tls.Config
	UpstreamTLSFallThrough bool
	ClientTLS              *tls.Config

	// UpstreamLoginUser/UpstreamPassword are the credentials pgvpd itself
	// presents upstream when dialing a brand-new pooled connection
	// (ModeSessionPool only). The bucket a connection lands in is keyed
	// by the *effective* role (spec.md §9, SPEC_FULL.md §5), which may
	// differ from whatever role is actually used to log in — pgvpd always
	// authenticates pooled backends as this one fixed service role and
	// reaches the tenant's effective role purely through SET ROLE in
	// INJECTING, every single checkout. Passthrough mode never uses these:
	// the client's own credentials are relayed unmodified.
	UpstreamLoginUser string
	UpstreamPassword  string

	// PoolPassword is the cleartext password pgvpd demands from the
	// client in ModeSessionPool before ever touching the pool (spec.md
	// §4.3 UPSTREAM_AUTH, pool branch).
	PoolPassword string

	TenantSeparator  byte
	ValueSeparator   byte
	ContextVariables []string
	SuperuserBypass  []string
	// SetRole, when non-empty, overrides the parsed login role as the
	// SET ROLE target and the pool bucket key (spec.md §4.3 "set_role
	// configuration").
	SetRole string

	HandshakeTimeout   time.Duration
	TenantQueryTimeout time.Duration

	PoolManager    *pool.Manager // nil when Mode == ModePassthrough
	TenantRegistry *tenant.Registry
	Resolvers      *resolvers.Engine // nil or empty is fine

	Metrics Metrics
}

func (c Config) metrics() Metrics {
	if c.Metrics == nil {
		return noopMetrics{}
	}
	return c.Metrics
}

// stateFn is one state of the per-connection state machine (spec.md §9
// "a tagged variant (one variant per state; transitions return the next
// variant)" — realized in Go as a continuation-passing function value,
// the same shape as text/template's lexer). A terminal state returns
// (nil, err); err is nil on a clean exit, non-nil otherwise. Any
// ErrorResponse owed to the client has already been sent by the state
// that detected the failure (the "single-error gate", spec.md §9).
type stateFn func(ctx context.Context, h *Handler) (stateFn, error)

// Handler owns one client connection's lifecycle from accept to close.
// Side-channel state that must survive across state transitions —
// framers, captured BackendKeyData, the buffered ReadyForQuery, the
// TenantGuard — lives here rather than being threaded through return
// values (spec.md §9 "Shared pool and registry... Side-channel state...
// lives on the handler struct").
type Handler struct {
	cfg    Config
	client stream.Stream
	framer *wire.Framer

	startup  wire.StartupFrame
	rawUser  string
	database string

	bypass        bool
	identity      wire.Identity
	effectiveRole string
	contextVars   *wire.OrderedParams

	guard *tenant.TenantGuard

	mu         sync.Mutex
	upstream   net.Conn // set in bypass/passthrough mode
	pooledConn *pool.PooledConn
	poolKey    pool.Key

	capturedParams         map[string]string
	backendPID, backendKey uint32
	bufferedReadyForQuery  wire.BackendMessage

	pipeErr error
}

// Handle drives one client connection through the full state machine. It
// returns when the connection is fully torn down — cleanly, on a
// synthesized or forwarded protocol error, or because ctx was cancelled.
func Handle(ctx context.Context, clientConn net.Conn, cfg Config) error {
	h := &Handler{
		cfg:    cfg,
		client: stream.Wrap(clientConn),
		framer: wire.NewFramer(),
	}
	cfg.metrics().ConnectionAccepted()
	defer cfg.metrics().ConnectionClosed()
	defer h.releaseGuard()

	// Cancellation watcher (spec.md §5 "If the handler task is
	// cancelled... both streams are closed and the TenantGuard
	// released"), grounded on the teacher's relay() select-on-ctx.Done
	// pattern: force-close whatever streams exist the moment ctx ends,
	// unblocking whichever read the state machine is currently parked in.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			h.closeAll()
		case <-done:
		}
	}()

	if cfg.HandshakeTimeout > 0 {
		_ = stream.SetDeadline(h.client, cfg.HandshakeTimeout)
	}

	state := stateFn(waitStartup)
	var err error
	for state != nil {
		state, err = state(ctx, h)
	}
	return err
}

func (h *Handler) setUpstream(c net.Conn) {
	h.mu.Lock()
	h.upstream = c
	h.mu.Unlock()
}

func (h *Handler) setPooledConn(pc *pool.PooledConn) {
	h.mu.Lock()
	h.pooledConn = pc
	h.mu.Unlock()
}

// upstreamConn returns whichever live connection the handler currently
// holds to the real server, regardless of mode.
func (h *Handler) upstreamConn() net.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pooledConn != nil {
		return h.pooledConn.Conn
	}
	return h.upstream
}

func (h *Handler) closeAll() {
	_ = h.client.Close()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.upstream != nil {
		_ = h.upstream.Close()
	}
	if h.pooledConn != nil {
		h.pooledConn.Close()
	}
}

func (h *Handler) releaseGuard() {
	if h.guard != nil {
		h.guard.Release()
	}
}

// sendErrorAndClose synthesizes and sends a single ErrorResponse to the
// client — the only place pgvpd itself ever builds one (spec.md §9
// "single-error gate"; forwarding a server-originated ErrorResponse
// verbatim happens inline at the call site instead, never through here).
func (h *Handler) sendErrorAndClose(f wire.ErrorFields) (stateFn, error) {
	_ = wire.WriteMessage(h.client, wire.BuildErrorResponse(f))
	return nil, fmt.Errorf("pgvpd: %s: %s", f.Code, f.Message)
}

// handshakeFail maps a read/write error encountered anywhere before
// TRANSPARENT to the handshake-timeout ErrorResponse when it actually was
// a deadline expiry (spec.md §5 "exceeding it forces the ErrorResponse
// and close path"), otherwise treats it as a silent transport failure
// (spec.md §7 "Transport failures: close silently").
func (h *Handler) handshakeFail(err error) (stateFn, error) {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return h.sendErrorAndClose(wire.ErrorFields{
			Severity: "FATAL",
			Code:     "57014",
			Message:  "handshake timed out",
		})
	}
	return nil, err
}

func (h *Handler) dialUpstream(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", h.cfg.UpstreamAddr)
	if err != nil {
		return nil, fmt.Errorf("handler: dialing upstream %s: %w", h.cfg.UpstreamAddr, err)
	}
	if h.cfg.UpstreamTLS != nil {
		s, err := stream.NegotiateUpstreamTLS(conn, h.cfg.UpstreamTLS, h.cfg.UpstreamTLSFallThrough)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return s, nil
	}
	return conn, nil
}

// PoolDial builds the pool.Dial closure the session pool uses to open a
// brand-new, fully-authenticated upstream connection on a checkout miss
// (spec.md §4.5 Checkout: "open a new upstream connection (full
// authentication + capture of startup ParameterStatus and
// BackendKeyData)"). cfg is the same Config passed to Handle.
func PoolDial(cfg Config) pool.Dial {
	return func(ctx context.Context, key pool.Key) (*pool.PooledConn, error) {
		h := &Handler{cfg: cfg}
		conn, err := h.dialUpstream(ctx)
		if err != nil {
			return nil, err
		}

		params := wire.NewOrderedParams()
		params.Set("user", cfg.UpstreamLoginUser)
		params.Set("database", key.Database)
		if _, err := conn.Write(wire.BuildStartup(wire.ProtocolVersion3, params)); err != nil {
			conn.Close()
			return nil, fmt.Errorf("handler: sending pool dial startup: %w", err)
		}

		res, err := auth.UpstreamPassword(conn, cfg.UpstreamLoginUser, cfg.UpstreamPassword)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return pool.NewPooledConn(conn, res.Params, res.BackendPID, res.BackendKey), nil
	}
}

// waitStartup reads until a complete startup-phase frame is available,
// answering SSLRequest/GSSRequest in place and closing silently on
// CancelRequest (spec.md §4.3 WAIT_STARTUP).
func waitStartup(ctx context.Context, h *Handler) (stateFn, error) {
	buf := make([]byte, 4096)
	for {
		frame, ferr := h.framer.NextStartup()
		if ferr == nil {
			return onStartupFrame(ctx, h, frame)
		}
		if !errors.Is(ferr, wire.ErrIncomplete) {
			return nil, ferr
		}

		n, err := h.client.Read(buf)
		if err != nil {
			return h.handshakeFail(err)
		}
		h.framer.Feed(buf[:n])
	}
}

func onStartupFrame(ctx context.Context, h *Handler, frame wire.StartupFrame) (stateFn, error) {
	switch frame.Kind {
	case wire.StartupKindSSLRequest:
		raw, ok := h.client.(stream.Upgradeable)
		if !ok {
			return nil, fmt.Errorf("handler: client stream does not support TLS upgrade")
		}
		upgraded, err := stream.AnswerSSLRequest(raw.Raw(), h.cfg.ClientTLS)
		if err != nil {
			return h.handshakeFail(err)
		}
		h.client = upgraded
		h.framer = wire.NewFramer()
		return waitStartup, nil

	case wire.StartupKindGSSRequest:
		if _, err := h.client.Write([]byte{'N'}); err != nil {
			return h.handshakeFail(err)
		}
		return waitStartup, nil

	case wire.StartupKindCancelRequest:
		return nil, nil

	default:
		h.startup = frame
		user, _ := frame.Params.Get("user")
		db, _ := frame.Params.Get("database")
		h.rawUser = user
		h.database = db
		return classifyUser, nil
	}
}

// classifyUser routes superuser-bypass users straight to BYPASS_CONNECT
// and everyone else through identity parsing (spec.md §4.3
// CLASSIFY_USER, §7 "Config rejection").
func classifyUser(ctx context.Context, h *Handler) (stateFn, error) {
	if h.rawUser == "" {
		return h.sendErrorAndClose(wire.ErrorFields{
			Severity: "FATAL",
			Code:     "08004",
			Message:  "no valid user in startup message",
		})
	}

	if wire.IsBypass(h.rawUser, h.cfg.SuperuserBypass) {
		h.bypass = true
		return bypassConnect, nil
	}

	identity, err := wire.ParseIdentity(h.rawUser, h.cfg.TenantSeparator, h.cfg.ValueSeparator, len(h.cfg.ContextVariables))
	if err != nil {
		return h.sendErrorAndClose(wire.ErrorFields{
			Severity: "FATAL",
			Code:     "28000",
			Message:  fmt.Sprintf("malformed identity: %v", err),
		})
	}
	h.identity = identity
	h.effectiveRole = identity.Role
	if h.cfg.SetRole != "" {
		h.effectiveRole = h.cfg.SetRole
	}

	h.contextVars = wire.NewOrderedParams()
	for i, name := range h.cfg.ContextVariables {
		h.contextVars.Set(name, identity.Values[i])
	}
	return tenantConnect, nil
}

// bypassConnect opens a direct upstream connection, forwards the
// client's original startup frame unmodified, and splices the two
// streams as opaque bytes from this point on — bypass users are never
// pooled and never have context injected (spec.md §4.3 BYPASS_CONNECT,
// §4.5 "Bypass connections are never pooled").
func bypassConnect(ctx context.Context, h *Handler) (stateFn, error) {
	conn, err := h.dialUpstream(ctx)
	if err != nil {
		return nil, err
	}
	h.setUpstream(conn)

	if _, err := conn.Write(h.startup.Raw); err != nil {
		conn.Close()
		return nil, err
	}

	if h.cfg.HandshakeTimeout > 0 {
		_ = h.client.SetDeadline(time.Time{})
		_ = conn.SetDeadline(time.Time{})
	}

	_, err = pipePassthrough(h.client, conn, h.cfg.TenantQueryTimeout)
	return nil, err
}

// tenantConnect admits the tenant and acquires its TenantGuard before any
// upstream work is attempted (spec.md §4.3 TENANT_CONNECT, §4.6 admit).
func tenantConnect(ctx context.Context, h *Handler) (stateFn, error) {
	tenantID := h.identity.Values[0]
	guard, reason := h.cfg.TenantRegistry.Admit(tenantID, time.Now())
	if reason != tenant.RejectNone {
		reasonText := map[tenant.RejectReason]string{
			tenant.RejectDeny:  "denied",
			tenant.RejectRate:  "rate limit",
			tenant.RejectLimit: "connection limit",
		}[reason]
		return h.sendErrorAndClose(wire.ErrorFields{
			Severity: "FATAL",
			Code:     "28000",
			Message:  fmt.Sprintf("tenant rejected: %s", reasonText),
		})
	}
	h.guard = guard
	return upstreamAuth, nil
}

// upstreamAuth authenticates upstream per spec.md §4.3 UPSTREAM_AUTH:
// passthrough dials fresh and relays the auth exchange bidirectionally;
// pool mode authenticates the client itself and checks out a connection
// the pool has already fully authenticated.
func upstreamAuth(ctx context.Context, h *Handler) (stateFn, error) {
	switch h.cfg.Mode {
	case ModeSessionPool:
		if err := auth.AuthenticateClientCleartext(h.client, h.cfg.PoolPassword); err != nil {
			return h.handshakeFail(err)
		}

		key := pool.Key{Database: h.database, Role: h.effectiveRole}
		h.poolKey = key
		pc, err := h.cfg.PoolManager.Checkout(ctx, key)
		if err != nil {
			if errors.Is(err, pool.ErrCheckoutTimeout) {
				return h.sendErrorAndClose(wire.ErrorFields{
					Severity: "FATAL",
					Code:     "53300",
					Message:  "too many connections for this tenant",
				})
			}
			return nil, err
		}
		h.setPooledConn(pc)
		return postAuth, nil

	default: // ModePassthrough
		conn, err := h.dialUpstream(ctx)
		if err != nil {
			return h.sendErrorAndClose(wire.ErrorFields{
				Severity: "FATAL",
				Code:     "08006",
				Message:  fmt.Sprintf("cannot connect to upstream: %v", err),
			})
		}
		h.setUpstream(conn)

		rewritten := h.startup.Params.Clone()
		rewritten.Set("user", h.identity.Role)
		if _, err := conn.Write(wire.BuildStartup(h.startup.Version, rewritten)); err != nil {
			return h.handshakeFail(err)
		}

		if done, err := relayPassthroughAuth(h.client, conn); err != nil {
			if done {
				// A real ErrorResponse already reached the client verbatim.
				return nil, err
			}
			return h.handshakeFail(err)
		}
		return postAuth, nil
	}
}

// relayPassthroughAuth relays the authentication exchange between client
// and upstream until AuthenticationOk, forwarding every Authentication
// challenge to the client and every client reply upstream (spec.md §4.3
// UPSTREAM_AUTH passthrough branch, grounded on the teacher's relayAuth).
// done is true when the returned error is a server ErrorResponse that has
// already been forwarded verbatim to the client.
func relayPassthroughAuth(client stream.Stream, upstream net.Conn) (done bool, err error) {
	for {
		msg, err := wire.ReadMessage(upstream)
		if err != nil {
			return false, err
		}

		switch msg.Type {
		case wire.ErrorResponse:
			_ = wire.WriteMessage(client, msg)
			return true, fmt.Errorf("auth: upstream error: %s", wire.ErrorMessage(msg.Payload))

		case wire.Authentication:
			if err := wire.WriteMessage(client, msg); err != nil {
				return false, err
			}
			sub, ok := wire.AuthSubtype(msg)
			if !ok {
				return false, fmt.Errorf("auth: malformed Authentication message")
			}
			switch sub {
			case wire.AuthOK:
				return false, nil
			case wire.AuthSASLFinal:
				// No client reply expected; AuthenticationOk follows on
				// the next iteration, coalesced or separate (spec.md §9
				// open question — tolerate either).
				continue
			default:
				reply, err := wire.ReadMessage(client)
				if err != nil {
					return false, err
				}
				if err := wire.WriteMessage(upstream, reply); err != nil {
					return false, err
				}
			}

		default:
			if err := wire.WriteMessage(client, msg); err != nil {
				return false, err
			}
		}
	}
}

// postAuth captures ParameterStatus/BackendKeyData and buffers the first
// ReadyForQuery without forwarding it (spec.md §4.3 POST_AUTH, invariant
// "the client never sees ReadyForQuery until injection has succeeded").
// Pool mode has no live handshake to read here — it synthesizes one from
// the checked-out connection's cached state instead (spec.md §4.5
// "Synthesized client handshake").
func postAuth(ctx context.Context, h *Handler) (stateFn, error) {
	if h.cfg.Mode == ModeSessionPool {
		h.mu.Lock()
		pc := h.pooledConn
		h.mu.Unlock()

		pid, key, err := pool.SendSynthesizedHandshake(h.client, pc)
		if err != nil {
			return nil, err
		}
		h.backendPID, h.backendKey = pid, key
		h.bufferedReadyForQuery = wire.BackendMessage{Type: wire.ReadyForQuery, Payload: []byte{'I'}}
		return resolving, nil
	}

	conn := h.upstreamConn()
	h.capturedParams = make(map[string]string)
	for {
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			return h.handshakeFail(err)
		}
		switch msg.Type {
		case wire.ParameterStatus:
			k, v := wire.ParameterPair(msg.Payload)
			if k != "" {
				h.capturedParams[k] = v
			}
			if err := wire.WriteMessage(h.client, msg); err != nil {
				return nil, err
			}
		case wire.BackendKeyData:
			pid, key, ok := wire.BackendKeyDataPayload(msg.Payload)
			if ok {
				h.backendPID, h.backendKey = pid, key
			}
			if err := wire.WriteMessage(h.client, msg); err != nil {
				return nil, err
			}
		case wire.NoticeResponse:
			if err := wire.WriteMessage(h.client, msg); err != nil {
				return nil, err
			}
		case wire.ErrorResponse:
			_ = wire.WriteMessage(h.client, msg)
			return nil, fmt.Errorf("upstream error after auth: %s", wire.ErrorMessage(msg.Payload))
		case wire.ReadyForQuery:
			h.bufferedReadyForQuery = msg
			return resolving, nil
		default:
			if err := wire.WriteMessage(h.client, msg); err != nil {
				return nil, err
			}
		}
	}
}

// resolving runs the configured resolver chain against the upstream
// connection, folding results into the same session-variable map the
// identity payload seeded (spec.md §4.3 RESOLVING, §4.4).
func resolving(ctx context.Context, h *Handler) (stateFn, error) {
	if h.cfg.Resolvers == nil || h.cfg.Resolvers.Empty() {
		return injecting, nil
	}
	if err := h.cfg.Resolvers.Run(h.upstreamConn(), h.contextVars); err != nil {
		// engine.Run never returns the raw server frame behind a
		// required-resolver failure, only a wrapped Go error, so pgvpd
		// always takes spec.md §7's documented fallback branch here
		// ("else synthesize 28000 with the resolver name") rather than
		// forwarding a verbatim ErrorResponse.
		return h.sendErrorAndClose(wire.ErrorFields{
			Severity: "FATAL",
			Code:     "28000",
			Message:  fmt.Sprintf("resolver failed: %v", err),
		})
	}
	return injecting, nil
}

// injecting sends the single SET batch and waits for the ReadyForQuery
// that confirms it (spec.md §4.3 INJECTING, §6 "Injection wire format").
func injecting(ctx context.Context, h *Handler) (stateFn, error) {
	sql, err := buildInjectionSQL(h)
	if err != nil {
		return h.sendErrorAndClose(wire.ErrorFields{
			Severity: "FATAL",
			Code:     "28000",
			Message:  fmt.Sprintf("invalid session configuration: %v", err),
		})
	}

	conn := h.upstreamConn()
	if err := wire.WriteMessage(conn, wire.BuildQuery(sql)); err != nil {
		return nil, err
	}

	for {
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			return nil, err
		}
		switch msg.Type {
		case wire.CommandComplete, wire.NoticeResponse:
			continue
		case wire.ParameterStatus:
			// A SET may affect a GUC the server reports back; forward it
			// so the client's view of server parameters matches reality
			// (spec.md §9 open question).
			if err := wire.WriteMessage(h.client, msg); err != nil {
				return nil, err
			}
		case wire.ErrorResponse:
			_ = wire.WriteMessage(h.client, msg)
			return nil, fmt.Errorf("injection failed: %s", wire.ErrorMessage(msg.Payload))
		case wire.ReadyForQuery:
			return transparent, nil
		default:
			continue
		}
	}
}

// transparent releases the buffered ReadyForQuery to the client — the
// first moment the client may run a query under full session context —
// and hands off to the pipe (spec.md §4.3 TRANSPARENT).
func transparent(ctx context.Context, h *Handler) (stateFn, error) {
	if err := wire.WriteMessage(h.client, h.bufferedReadyForQuery); err != nil {
		return nil, err
	}
	_ = h.client.SetDeadline(time.Time{})
	if conn := h.upstreamConn(); conn != nil {
		_ = conn.SetDeadline(time.Time{})
	}
	return pipe, nil
}

// pipe hands the two streams to the duplex copy appropriate for the
// active mode and records the outcome for cleanup (spec.md §4.3 PIPE).
func pipe(ctx context.Context, h *Handler) (stateFn, error) {
	var timedOut bool
	switch h.cfg.Mode {
	case ModeSessionPool:
		timedOut, h.pipeErr = pipePool(h.client, h.upstreamConn(), h.cfg.TenantQueryTimeout)
	default:
		timedOut, h.pipeErr = pipePassthrough(h.client, h.upstreamConn(), h.cfg.TenantQueryTimeout)
	}
	if timedOut {
		h.cfg.metrics().TenantTimeout()
	}
	return cleanup, nil
}

// cleanup returns a pooled connection to its bucket (running CLEANUP) or
// discards it, then ends the state machine (spec.md §4.3 CLEANUP).
func cleanup(ctx context.Context, h *Handler) (stateFn, error) {
	if h.cfg.Mode == ModeSessionPool {
		h.mu.Lock()
		pc := h.pooledConn
		h.pooledConn = nil
		h.mu.Unlock()

		if pc != nil {
			if h.pipeErr == nil {
				h.cfg.PoolManager.Checkin(h.poolKey, pc)
			} else {
				h.cfg.PoolManager.Discard(h.poolKey, pc)
			}
		}
	}
	return nil, h.pipeErr
}
