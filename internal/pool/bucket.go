package pool

import (
	"sync"
	"time"
)

// bucket holds one (database, effective role) pool: an idle queue, a
// live-count, and the capacity that gates new connection creation
// (spec.md §4.5). The lock is never held across I/O — dialing and
// closing sockets always happen after releasing mu.
type bucket struct {
	mu       sync.Mutex
	cond     *sync.Cond
	idle     []*PooledConn
	live     int
	waiting  int
	capacity int
	closed   bool
}

func newBucket(capacity int) *bucket {
	b := &bucket{capacity: capacity}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// popIdle pops the most recently used idle connection, if any.
func (b *bucket) popIdle() (*PooledConn, bool) {
	if n := len(b.idle); n > 0 {
		pc := b.idle[n-1]
		b.idle = b.idle[:n-1]
		return pc, true
	}
	return nil, false
}

// reapExpiredLocked removes and returns idle connections whose last_used is
// older than idleTimeout, leaving the rest in place. Called with mu held;
// closing the returned connections is the caller's job, done after
// releasing mu (spec.md §4.5: "the reaper holds the bucket lock only
// while inspecting/removing; closing sockets happens outside the lock").
func (b *bucket) reapExpiredLocked(idleTimeout time.Duration, now time.Time) []*PooledConn {
	if idleTimeout <= 0 {
		return nil
	}
	var expired []*PooledConn
	kept := b.idle[:0]
	for _, pc := range b.idle {
		if now.Sub(pc.LastUsed) >= idleTimeout {
			expired = append(expired, pc)
			b.live--
		} else {
			kept = append(kept, pc)
		}
	}
	b.idle = kept
	return expired
}
