package pool

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgvpd/pgvpd/internal/wire"
)

// synthesizedKeySeq hands out process-unique, monotonically increasing
// BackendKeyData pairs for pooled connections replaying a client
// handshake (spec.md §4.5: "process-assigned, unique per client
// session"). processEpoch, the Unix second at package init, is used as
// the pid, so processes started in different seconds hand out different
// pairs; two starts within the same second share it.
var synthesizedKeySeq uint32
var processEpoch = uint32(time.Now().Unix())

func nextSynthesizedKey() (pid, key uint32) {
	return processEpoch, atomic.AddUint32(&synthesizedKeySeq, 1)
}

// Metrics is the subset of the observability layer the pool reports
// through (spec.md §4.7: pool_checkouts_total, pool_reuses_total,
// pool_creates_total, pool_checkins_total, pool_discards_total,
// pool_timeouts_total). The per-bucket pool_size_total/pool_idle gauges
// are not reported through this interface; they are read from Stats.
type Metrics interface {
	PoolCheckout()
	PoolReuse()
	PoolCreate()
	PoolCheckin()
	PoolDiscard()
	PoolTimeout()
}

type noopMetrics struct{}

func (noopMetrics) PoolCheckout() {}
func (noopMetrics) PoolReuse()    {}
func (noopMetrics) PoolCreate()   {}
func (noopMetrics) PoolCheckin()  {}
func (noopMetrics) PoolDiscard()  {}
func (noopMetrics) PoolTimeout()  {}

// Dial opens and fully authenticates a new upstream connection for key,
// returning the captured startup ParameterStatus/BackendKeyData along
// with the raw connection. The pool package knows nothing about the wire
// protocol beyond this seam — internal/handler supplies the closure that
// dials, sends the startup message, and runs internal/auth.
type Dial func(ctx context.Context, key Key) (*PooledConn, error)

// Config configures a Manager.
type Config struct {
	Capacity        int
	CheckoutTimeout time.Duration
	IdleTimeout     time.Duration
	Dial            Dial
	Metrics         Metrics
}

// Manager is the process-wide mapping from bucket key to bucket
// (spec.md §4.5: "The pool is a mapping from bucket key (database,
// effective role) to a bucket containing an idle queue plus a live-count
// and a capacity gate").
type Manager struct {
	cfg Config

	mu      sync.Mutex
	buckets map[Key]*bucket
	closed  bool

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// NewManager returns a Manager and starts its idle reaper.
func NewManager(cfg Config) *Manager {
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	m := &Manager{
		cfg:        cfg,
		buckets:    make(map[Key]*bucket),
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

func (m *Manager) bucketFor(key Key) *bucket {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	if !ok {
		b = newBucket(m.cfg.Capacity)
		m.buckets[key] = b
	}
	return b
}

// ErrPoolClosed is returned by Checkout once the Manager has been closed.
var ErrPoolClosed = fmt.Errorf("pool: closed")

// ErrCheckoutTimeout is returned by Checkout when no connection became
// available before the deadline (spec.md §4.5: fails with ErrorResponse
// code 53300, too_many_connections — the caller maps this error to that
// code).
var ErrCheckoutTimeout = fmt.Errorf("pool: checkout timeout")

// Checkout pops an idle connection for key, or creates one under
// capacity, or waits up to the configured checkout timeout (spec.md
// §4.5 "Checkout").
func (m *Manager) Checkout(ctx context.Context, key Key) (*PooledConn, error) {
	b := m.bucketFor(key)
	m.cfg.Metrics.PoolCheckout()

	deadline := time.Now().Add(m.cfg.CheckoutTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	// cond.Wait() only wakes on Signal/Broadcast or the checkout-timeout
	// timer below; without this watcher, a ctx cancelled while already
	// parked in Wait() (e.g. graceful shutdown) would sit there until some
	// unrelated checkin/discard or the full timeout fired it instead. It's
	// started lazily, only once this call actually reaches the waiting
	// branch, so the common idle-hit/fresh-dial paths pay nothing for it.
	// The watcher takes b.mu itself before broadcasting: Cond.Wait()
	// registers the waiter before releasing b.mu, so a broadcast that can
	// only run after acquiring b.mu is guaranteed to either see the waiter
	// already parked, or lose the race to the loop's own top-of-iteration
	// ctx.Done() check — never both missed, unlike an unguarded Broadcast.
	var startCtxWatch sync.Once
	stopCtxWatch := make(chan struct{})
	defer close(stopCtxWatch)
	armCtxWatch := func() {
		startCtxWatch.Do(func() {
			go func() {
				select {
				case <-ctx.Done():
					b.mu.Lock()
					b.cond.Broadcast()
					b.mu.Unlock()
				case <-stopCtxWatch:
				}
			}()
		})
	}

	b.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			b.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if b.closed {
			b.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if pc, ok := b.popIdle(); ok {
			b.mu.Unlock()
			m.cfg.Metrics.PoolReuse()
			return pc, nil
		}

		if b.live < b.capacity {
			b.live++
			b.mu.Unlock()

			pc, err := m.cfg.Dial(ctx, key)
			if err != nil {
				b.mu.Lock()
				b.live--
				b.mu.Unlock()
				return nil, fmt.Errorf("pool: dialing upstream for %+v: %w", key, err)
			}
			m.cfg.Metrics.PoolCreate()
			return pc, nil
		}

		b.waiting++
		remaining := time.Until(deadline)
		if remaining <= 0 {
			b.waiting--
			b.mu.Unlock()
			m.cfg.Metrics.PoolTimeout()
			return nil, ErrCheckoutTimeout
		}

		timer := time.AfterFunc(remaining, func() { b.cond.Broadcast() })
		armCtxWatch()
		b.cond.Wait() // releases b.mu, waits for Signal/Broadcast, reacquires
		timer.Stop()
		b.waiting--
	}
}

// Checkin runs the CLEANUP sequence (ROLLBACK; DISCARD ALL) on pc and,
// on success, returns it to key's idle queue; on failure, discards it
// (spec.md §4.5 "Checkin", §4.3 CLEANUP state).
func (m *Manager) Checkin(key Key, pc *PooledConn) {
	b := m.bucketFor(key)

	if err := runCleanup(pc.Conn); err != nil {
		pc.Close()
		b.mu.Lock()
		b.live--
		b.mu.Unlock()
		b.cond.Signal()
		m.cfg.Metrics.PoolDiscard()
		return
	}

	pc.LastUsed = time.Now()
	b.mu.Lock()
	b.idle = append(b.idle, pc)
	b.mu.Unlock()
	b.cond.Signal()
	m.cfg.Metrics.PoolCheckin()
}

// Discard closes pc without attempting cleanup and decrements key's
// live-count, for checkins the handler already knows are unhealthy
// (a cancelled handler task, a connection that errored mid-pipe).
func (m *Manager) Discard(key Key, pc *PooledConn) {
	pc.Close()
	b := m.bucketFor(key)
	b.mu.Lock()
	b.live--
	b.mu.Unlock()
	b.cond.Signal()
	m.cfg.Metrics.PoolDiscard()
}

// BucketStats is a snapshot of one bucket's size, for the admin /status
// route (spec.md §4.7, §6).
type BucketStats struct {
	Total int
	Idle  int
}

// Stats returns a snapshot of every bucket's size, keyed by Key.
func (m *Manager) Stats() map[Key]BucketStats {
	m.mu.Lock()
	keys := make([]Key, 0, len(m.buckets))
	bs := make([]*bucket, 0, len(m.buckets))
	for k, b := range m.buckets {
		keys = append(keys, k)
		bs = append(bs, b)
	}
	m.mu.Unlock()

	out := make(map[Key]BucketStats, len(keys))
	for i, k := range keys {
		b := bs[i]
		b.mu.Lock()
		out[k] = BucketStats{Total: b.live, Idle: len(b.idle)}
		b.mu.Unlock()
	}
	return out
}

func (m *Manager) reapLoop() {
	defer close(m.reaperDone)

	interval := m.cfg.IdleTimeout / 2
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reapIdle()
		case <-m.stopReaper:
			return
		}
	}
}

func (m *Manager) reapIdle() {
	now := time.Now()
	m.mu.Lock()
	bs := make([]*bucket, 0, len(m.buckets))
	for _, b := range m.buckets {
		bs = append(bs, b)
	}
	m.mu.Unlock()

	for _, b := range bs {
		b.mu.Lock()
		expired := b.reapExpiredLocked(m.cfg.IdleTimeout, now)
		b.mu.Unlock()
		for _, pc := range expired {
			pc.Close()
		}
	}
}

// Close stops the reaper and closes every idle connection in every
// bucket (spec.md §5 "Pooled upstream connections still in the idle
// queue are closed during graceful shutdown"). It does not wait for
// checked-out connections — the handler tasks that hold them are
// responsible for discarding or checking them in during their own
// shutdown path.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	bs := make([]*bucket, 0, len(m.buckets))
	for _, b := range m.buckets {
		bs = append(bs, b)
	}
	m.mu.Unlock()

	close(m.stopReaper)
	<-m.reaperDone

	for _, b := range bs {
		b.mu.Lock()
		b.closed = true
		idle := b.idle
		b.idle = nil
		b.cond.Broadcast()
		b.mu.Unlock()
		for _, pc := range idle {
			pc.Close()
		}
	}
}

// SendSynthesizedHandshake writes pc's cached ParameterStatus entries and
// a fresh, process-unique BackendKeyData to clientConn, so the client
// sees the same startup tail a direct connection would have produced
// (spec.md §4.5 "Synthesized client handshake"). Returns the synthesized
// pid/key so the handler can remember them for the lifetime of the
// client session.
func SendSynthesizedHandshake(clientConn net.Conn, pc *PooledConn) (pid, key uint32, err error) {
	pid, key = nextSynthesizedKey()
	for name, value := range pc.Params {
		if err := wire.WriteMessage(clientConn, wire.BuildParameterStatus(name, value)); err != nil {
			return 0, 0, fmt.Errorf("pool: sending synthesized ParameterStatus: %w", err)
		}
	}
	if err := wire.WriteMessage(clientConn, wire.BuildBackendKeyData(pid, key)); err != nil {
		return 0, 0, fmt.Errorf("pool: sending synthesized BackendKeyData: %w", err)
	}
	return pid, key, nil
}
