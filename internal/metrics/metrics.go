// Package metrics is pgvpd's shared observability sink: the process-wide
// atomic counters spec.md §4.7 requires, exported both as a Prometheus
// registry (for the admin /metrics route) and as a plain snapshot (for
// the admin /status route). It satisfies the small Metrics seam
// interfaces declared by internal/handler, internal/pool,
// internal/resolvers, and internal/tenant, so those packages never
// import this one — they only depend on the method sets they need
// (spec.md §4.7 "Metrics counters: lock-free atomics").
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pgvpd/pgvpd/internal/pool"
	"github.com/pgvpd/pgvpd/internal/tenant"
)

// Collector implements handler.Metrics, pool.Metrics, resolvers.Metrics,
// and tenant.Metrics.
type Collector struct {
	Registry *prometheus.Registry

	connectionsTotal  uint64
	connectionsActive int64

	poolCheckoutsTotal uint64
	poolReusesTotal    uint64
	poolCreatesTotal   uint64
	poolCheckinsTotal  uint64
	poolDiscardsTotal  uint64
	poolTimeoutsTotal  uint64

	resolverCacheHitsTotal   uint64
	resolverCacheMissesTotal uint64

	tenantTimeoutsTotal uint64

	// Per-resolver and per-reject-reason counts have dynamic label sets,
	// so — like internal/tenant's per-tenant state — they live behind
	// their own lock rather than as bare atomics.
	mu                 sync.Mutex
	resolverExecutions map[string]uint64
	resolverErrors     map[string]uint64
	tenantRejected     map[string]uint64

	resolverExecVec *prometheus.CounterVec
	resolverErrVec  *prometheus.CounterVec
	tenantRejectVec *prometheus.CounterVec

	poolStats *poolBucketCollector
}

// poolBucketCollector reports pgvpd_pool_size_total and pgvpd_pool_idle
// per bucket (spec.md §4.7). Bucket keys come and go as tenants connect,
// so they can't be pre-declared on a GaugeVec the way the scalar pool
// counters above are; instead this is a prometheus.Collector that pulls
// a live snapshot from the pool manager at scrape time.
type poolBucketCollector struct {
	mu       sync.Mutex
	source   func() map[pool.Key]pool.BucketStats
	sizeDesc *prometheus.Desc
	idleDesc *prometheus.Desc
}

func newPoolBucketCollector() *poolBucketCollector {
	return &poolBucketCollector{
		sizeDesc: prometheus.NewDesc(
			"pgvpd_pool_size_total",
			"Connections held in a pool bucket, idle or checked out",
			[]string{"bucket"}, nil,
		),
		idleDesc: prometheus.NewDesc(
			"pgvpd_pool_idle",
			"Idle connections in a pool bucket",
			[]string{"bucket"}, nil,
		),
	}
}

func (p *poolBucketCollector) setSource(f func() map[pool.Key]pool.BucketStats) {
	p.mu.Lock()
	p.source = f
	p.mu.Unlock()
}

func (p *poolBucketCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.sizeDesc
	ch <- p.idleDesc
}

func (p *poolBucketCollector) Collect(ch chan<- prometheus.Metric) {
	p.mu.Lock()
	source := p.source
	p.mu.Unlock()
	if source == nil {
		return
	}
	for key, stats := range source() {
		label := key.String()
		ch <- prometheus.MustNewConstMetric(p.sizeDesc, prometheus.GaugeValue, float64(stats.Total), label)
		ch <- prometheus.MustNewConstMetric(p.idleDesc, prometheus.GaugeValue, float64(stats.Idle), label)
	}
}

// New builds a Collector and registers its Prometheus gauges/counters
// against a fresh registry. Each is a CounterFunc/GaugeFunc reading the
// Collector's own atomics at scrape time, so the atomics — not the
// Prometheus client's internal state — remain the source of truth.
func New() *Collector {
	c := &Collector{
		Registry:           prometheus.NewRegistry(),
		resolverExecutions: make(map[string]uint64),
		resolverErrors:     make(map[string]uint64),
		tenantRejected:     make(map[string]uint64),
		poolStats:          newPoolBucketCollector(),
	}

	c.resolverExecVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pgvpd_resolver_executions_total",
		Help: "Resolver executions by resolver name",
	}, []string{"resolver"})
	c.resolverErrVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pgvpd_resolver_errors_total",
		Help: "Resolver errors by resolver name",
	}, []string{"resolver"})
	c.tenantRejectVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pgvpd_tenant_rejected_total",
		Help: "Connections rejected by the tenant registry, by reason",
	}, []string{"reason"})

	c.Registry.MustRegister(
		c.resolverExecVec,
		c.resolverErrVec,
		c.tenantRejectVec,
		c.poolStats,
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "pgvpd_connections_total",
			Help: "Total accepted client connections",
		}, func() float64 { return float64(atomic.LoadUint64(&c.connectionsTotal)) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pgvpd_connections_active",
			Help: "Client connections currently being handled",
		}, func() float64 { return float64(atomic.LoadInt64(&c.connectionsActive)) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "pgvpd_pool_checkouts_total",
			Help: "Pool checkout attempts",
		}, func() float64 { return float64(atomic.LoadUint64(&c.poolCheckoutsTotal)) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "pgvpd_pool_reuses_total",
			Help: "Pool checkouts satisfied by an idle connection",
		}, func() float64 { return float64(atomic.LoadUint64(&c.poolReusesTotal)) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "pgvpd_pool_creates_total",
			Help: "Pool checkouts that dialed a fresh backend connection",
		}, func() float64 { return float64(atomic.LoadUint64(&c.poolCreatesTotal)) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "pgvpd_pool_checkins_total",
			Help: "Connections returned to the idle pool",
		}, func() float64 { return float64(atomic.LoadUint64(&c.poolCheckinsTotal)) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "pgvpd_pool_discards_total",
			Help: "Connections closed instead of returned to the pool",
		}, func() float64 { return float64(atomic.LoadUint64(&c.poolDiscardsTotal)) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "pgvpd_pool_timeouts_total",
			Help: "Pool checkouts that exceeded pool_checkout_timeout",
		}, func() float64 { return float64(atomic.LoadUint64(&c.poolTimeoutsTotal)) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "pgvpd_resolver_cache_hits_total",
			Help: "Resolver cache hits across all resolvers",
		}, func() float64 { return float64(atomic.LoadUint64(&c.resolverCacheHitsTotal)) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "pgvpd_resolver_cache_misses_total",
			Help: "Resolver cache misses across all resolvers",
		}, func() float64 { return float64(atomic.LoadUint64(&c.resolverCacheMissesTotal)) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "pgvpd_tenant_timeouts_total",
			Help: "Connections torn down by tenant_query_timeout",
		}, func() float64 { return float64(atomic.LoadUint64(&c.tenantTimeoutsTotal)) }),
	)

	return c
}

// --- handler.Metrics ---

func (c *Collector) ConnectionAccepted() {
	atomic.AddUint64(&c.connectionsTotal, 1)
	atomic.AddInt64(&c.connectionsActive, 1)
}

func (c *Collector) ConnectionClosed() {
	atomic.AddInt64(&c.connectionsActive, -1)
}

func (c *Collector) TenantTimeout() {
	atomic.AddUint64(&c.tenantTimeoutsTotal, 1)
}

// --- pool.Metrics ---

func (c *Collector) PoolCheckout() { atomic.AddUint64(&c.poolCheckoutsTotal, 1) }
func (c *Collector) PoolReuse()    { atomic.AddUint64(&c.poolReusesTotal, 1) }
func (c *Collector) PoolCreate()   { atomic.AddUint64(&c.poolCreatesTotal, 1) }
func (c *Collector) PoolCheckin()  { atomic.AddUint64(&c.poolCheckinsTotal, 1) }
func (c *Collector) PoolDiscard()  { atomic.AddUint64(&c.poolDiscardsTotal, 1) }
func (c *Collector) PoolTimeout()  { atomic.AddUint64(&c.poolTimeoutsTotal, 1) }

// SetPoolStatsSource wires a pool manager's Stats method into the
// pgvpd_pool_size_total/pgvpd_pool_idle gauges so GET /metrics, not just
// the admin /status route, reports per-bucket pool occupancy. Called
// once a pool.Manager exists, which is after New() has already been
// called and the registry built (cmd/pgvpd/main.go constructs the
// Collector before it knows whether session pooling is enabled).
func (c *Collector) SetPoolStatsSource(f func() map[pool.Key]pool.BucketStats) {
	c.poolStats.setSource(f)
}

// --- resolvers.Metrics ---

func (c *Collector) ResolverExecuted(name string) {
	c.mu.Lock()
	c.resolverExecutions[name]++
	c.mu.Unlock()
	c.resolverExecVec.WithLabelValues(name).Inc()
}

func (c *Collector) ResolverErrored(name string) {
	c.mu.Lock()
	c.resolverErrors[name]++
	c.mu.Unlock()
	c.resolverErrVec.WithLabelValues(name).Inc()
}

func (c *Collector) ResolverCacheHit()  { atomic.AddUint64(&c.resolverCacheHitsTotal, 1) }
func (c *Collector) ResolverCacheMiss() { atomic.AddUint64(&c.resolverCacheMissesTotal, 1) }

// --- tenant.Metrics ---

func (c *Collector) TenantRejected(reason tenant.RejectReason) {
	c.mu.Lock()
	c.tenantRejected[reason.String()]++
	c.mu.Unlock()
	c.tenantRejectVec.WithLabelValues(reason.String()).Inc()
}

// TenantAdmitted has no dedicated counter in spec.md §4.7's minimum set
// — connections_total already counts every accepted connection,
// tenant or not — so this seam is a deliberate no-op.
func (c *Collector) TenantAdmitted(tenant string) {}

// Snapshot is the read-model behind the admin /status route (spec.md §6:
// `{connections_total, connections_active, pool: {...}, resolvers: {...}}`).
// Pool bucket state is read directly from pool.Manager by the admin
// server, and tenant rejection counts are not part of the /status body;
// only the scalars and per-resolver map Collector itself tracks are
// filled in here.
type Snapshot struct {
	ConnectionsTotal  uint64                    `json:"connections_total"`
	ConnectionsActive int64                     `json:"connections_active"`
	Resolvers         map[string]ResolverCounts `json:"resolvers"`
}

type ResolverCounts struct {
	ExecutionsTotal uint64 `json:"executions_total"`
	ErrorsTotal     uint64 `json:"errors_total"`
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	resolvers := make(map[string]ResolverCounts, len(c.resolverExecutions))
	for name, n := range c.resolverExecutions {
		resolvers[name] = ResolverCounts{ExecutionsTotal: n, ErrorsTotal: c.resolverErrors[name]}
	}
	for name, n := range c.resolverErrors {
		if _, ok := resolvers[name]; !ok {
			resolvers[name] = ResolverCounts{ErrorsTotal: n}
		}
	}

	return Snapshot{
		ConnectionsTotal:  atomic.LoadUint64(&c.connectionsTotal),
		ConnectionsActive: atomic.LoadInt64(&c.connectionsActive),
		Resolvers:         resolvers,
	}
}
