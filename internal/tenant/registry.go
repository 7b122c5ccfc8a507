// Package tenant implements pgvpd's tenant registry (spec.md §4.6): a
// lazily populated mapping from tenant identifier to per-tenant admission
// state, guarding every accepted connection with a TenantGuard that must be
// released exactly once.
package tenant

import (
	"sync"
	"sync/atomic"
	"time"
)

// RejectReason is why Admit refused a connection.
type RejectReason int

const (
	// RejectNone is the zero value, returned alongside a non-nil guard.
	RejectNone RejectReason = iota
	// RejectDeny means the tenant is on tenant_deny, or tenant_allow is
	// non-empty and the tenant is not on it.
	RejectDeny
	// RejectRate means the tenant exceeded tenant_rate_limit within the
	// current 1-second window.
	RejectRate
	// RejectLimit means the tenant is already at tenant_max_connections.
	RejectLimit
)

func (r RejectReason) String() string {
	switch r {
	case RejectDeny:
		return "deny"
	case RejectRate:
		return "rate"
	case RejectLimit:
		return "limit"
	default:
		return "none"
	}
}

// Limits is the registry's configuration surface — tenant_allow,
// tenant_deny, tenant_rate_limit, tenant_max_connections from spec.md §4.6,
// hot-reloadable via SetLimits.
type Limits struct {
	Allow          []string
	Deny           []string
	RateLimit      int // admissions per second; 0 disables the check
	MaxConnections int // concurrent active connections; 0 disables the check
}

type limitsSnapshot struct {
	allow          map[string]struct{}
	deny           map[string]struct{}
	rateLimit      int
	maxConnections int
}

func toSnapshot(l Limits) *limitsSnapshot {
	s := &limitsSnapshot{rateLimit: l.RateLimit, maxConnections: l.MaxConnections}
	if len(l.Allow) > 0 {
		s.allow = make(map[string]struct{}, len(l.Allow))
		for _, t := range l.Allow {
			s.allow[t] = struct{}{}
		}
	}
	if len(l.Deny) > 0 {
		s.deny = make(map[string]struct{}, len(l.Deny))
		for _, t := range l.Deny {
			s.deny[t] = struct{}{}
		}
	}
	return s
}

// Metrics is the observability seam the registry reports rejections and
// admissions through (spec.md §4.7: tenant_rejected_total{reason}).
type Metrics interface {
	TenantRejected(reason RejectReason)
	TenantAdmitted(tenant string)
}

type noopMetrics struct{}

func (noopMetrics) TenantRejected(RejectReason) {}
func (noopMetrics) TenantAdmitted(string)       {}

// tenantState is one tenant's admission bookkeeping, guarded by its own
// lock so tenants never contend with each other (spec.md §4.6 "All three
// checks happen under a per-tenant lock").
type tenantState struct {
	mu            sync.Mutex
	windowStart   time.Time
	windowCount   int
	active        int
	admittedTotal uint64
}

// Registry is pgvpd's tenant admission gate. Allow/deny/rate/limit
// configuration is stored in an atomic.Value snapshot for lock-free reads
// on the hot path, swapped under a write mutex on reload — the same shape
// as a routing table that is read constantly and written rarely.
type Registry struct {
	snap atomic.Value // *limitsSnapshot
	wmu  sync.Mutex

	mu      sync.Mutex
	tenants map[string]*tenantState

	metrics Metrics

	rejectedDeny  uint64
	rejectedRate  uint64
	rejectedLimit uint64
}

// NewRegistry returns a Registry configured with limits. metrics may be nil.
func NewRegistry(limits Limits, metrics Metrics) *Registry {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	r := &Registry{
		tenants: make(map[string]*tenantState),
		metrics: metrics,
	}
	r.snap.Store(toSnapshot(limits))
	return r
}

// SetLimits hot-reloads the allow/deny/rate/limit configuration. Existing
// per-tenant active counts and rate windows are untouched — only the
// thresholds they are compared against change.
func (r *Registry) SetLimits(limits Limits) {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	r.snap.Store(toSnapshot(limits))
}

func (r *Registry) load() *limitsSnapshot {
	return r.snap.Load().(*limitsSnapshot)
}

func (r *Registry) getOrCreate(tenantID string) *tenantState {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.tenants[tenantID]
	if !ok {
		s = &tenantState{}
		r.tenants[tenantID] = s
	}
	return s
}

// Admit runs the three admission checks in order (deny/allow, rate, max
// concurrent) and, on success, returns a TenantGuard that must be released
// exactly once. now is supplied by the caller so the rate window is
// testable without a real clock (spec.md §4.6).
func (r *Registry) Admit(tenantID string, now time.Time) (*TenantGuard, RejectReason) {
	snap := r.load()
	if _, denied := snap.deny[tenantID]; denied {
		r.recordReject(RejectDeny)
		return nil, RejectDeny
	}
	if snap.allow != nil {
		if _, allowed := snap.allow[tenantID]; !allowed {
			r.recordReject(RejectDeny)
			return nil, RejectDeny
		}
	}

	s := r.getOrCreate(tenantID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.windowStart) >= time.Second {
		s.windowStart = now
		s.windowCount = 0
	}
	s.windowCount++
	if snap.rateLimit > 0 && s.windowCount > snap.rateLimit {
		r.recordReject(RejectRate)
		return nil, RejectRate
	}

	if snap.maxConnections > 0 && s.active >= snap.maxConnections {
		r.recordReject(RejectLimit)
		return nil, RejectLimit
	}

	s.active++
	s.admittedTotal++
	r.metrics.TenantAdmitted(tenantID)
	return &TenantGuard{tenant: tenantID, state: s}, RejectNone
}

func (r *Registry) recordReject(reason RejectReason) {
	switch reason {
	case RejectDeny:
		atomic.AddUint64(&r.rejectedDeny, 1)
	case RejectRate:
		atomic.AddUint64(&r.rejectedRate, 1)
	case RejectLimit:
		atomic.AddUint64(&r.rejectedLimit, 1)
	}
	r.metrics.TenantRejected(reason)
}

// RejectionCounts returns the cumulative rejection count per reason.
func (r *Registry) RejectionCounts() map[RejectReason]uint64 {
	return map[RejectReason]uint64{
		RejectDeny:  atomic.LoadUint64(&r.rejectedDeny),
		RejectRate:  atomic.LoadUint64(&r.rejectedRate),
		RejectLimit: atomic.LoadUint64(&r.rejectedLimit),
	}
}

// TenantStats is a snapshot of one tenant's admission state, as returned
// by Stats.
type TenantStats struct {
	Active        int
	AdmittedTotal uint64
}

// Stats returns a snapshot of every tenant the registry has seen.
func (r *Registry) Stats() map[string]TenantStats {
	r.mu.Lock()
	ids := make([]string, 0, len(r.tenants))
	states := make([]*tenantState, 0, len(r.tenants))
	for id, s := range r.tenants {
		ids = append(ids, id)
		states = append(states, s)
	}
	r.mu.Unlock()

	out := make(map[string]TenantStats, len(ids))
	for i, id := range ids {
		s := states[i]
		s.mu.Lock()
		out[id] = TenantStats{Active: s.active, AdmittedTotal: s.admittedTotal}
		s.mu.Unlock()
	}
	return out
}

// TenantGuard is the scoped resource Admit returns: its existence accounts
// one concurrent connection for a tenant, and Release decrements that
// count exactly once no matter how many times it is called (spec.md §4.3
// "every path out of TENANT_CONNECT or later... must drop the TenantGuard
// exactly once").
type TenantGuard struct {
	tenant   string
	state    *tenantState
	released int32
}

// Tenant returns the tenant identifier this guard was admitted for.
func (g *TenantGuard) Tenant() string {
	return g.tenant
}

// Release decrements the tenant's active count. Safe to call more than
// once or from a deferred cleanup path racing an explicit release — only
// the first call has any effect.
func (g *TenantGuard) Release() {
	if !atomic.CompareAndSwapInt32(&g.released, 0, 1) {
		return
	}
	g.state.mu.Lock()
	g.state.active--
	g.state.mu.Unlock()
}
