package pool

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pgvpd/pgvpd/internal/wire"
)

// pipePooledConn wires a PooledConn to a net.Pipe and immediately starts
// fakeCleanupBackend on the server half, so any Checkin's ROLLBACK/DISCARD
// ALL round trip gets answered whenever it happens to arrive.
func pipePooledConn() *PooledConn {
	client, server := net.Pipe()
	go fakeCleanupBackend(server)
	return NewPooledConn(client, map[string]string{"server_version": "16.0"}, 1, 2)
}

func TestCheckoutCreatesUpToCapacity(t *testing.T) {
	var created int32
	m := NewManager(Config{
		Capacity:        2,
		CheckoutTimeout: time.Second,
		IdleTimeout:     time.Minute,
		Dial: func(ctx context.Context, key Key) (*PooledConn, error) {
			atomic.AddInt32(&created, 1)
			return pipePooledConn(), nil
		},
	})
	defer m.Close()

	key := Key{Database: "app", Role: "tenant_acme"}
	pc1, err := m.Checkout(context.Background(), key)
	require.NoError(t, err)
	pc2, err := m.Checkout(context.Background(), key)
	require.NoError(t, err)
	require.NotSame(t, pc1, pc2)
	require.Equal(t, int32(2), atomic.LoadInt32(&created))
}

func TestCheckoutReusesIdleBeforeCreating(t *testing.T) {
	var created int32
	m := NewManager(Config{
		Capacity:        1,
		CheckoutTimeout: time.Second,
		IdleTimeout:     time.Minute,
		Dial: func(ctx context.Context, key Key) (*PooledConn, error) {
			atomic.AddInt32(&created, 1)
			return pipePooledConn(), nil
		},
	})
	defer m.Close()

	key := Key{Database: "app", Role: "tenant_acme"}
	pc, err := m.Checkout(context.Background(), key)
	require.NoError(t, err)

	m.Checkin(key, pc)

	_, err = m.Checkout(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&created), "second checkout must reuse, not create")
}

func TestCheckoutTimesOutWhenExhausted(t *testing.T) {
	m := NewManager(Config{
		Capacity:        1,
		CheckoutTimeout: 20 * time.Millisecond,
		IdleTimeout:     time.Minute,
		Dial: func(ctx context.Context, key Key) (*PooledConn, error) {
			return pipePooledConn(), nil
		},
	})
	defer m.Close()

	key := Key{Database: "app", Role: "tenant_acme"}
	_, err := m.Checkout(context.Background(), key)
	require.NoError(t, err)

	_, err = m.Checkout(context.Background(), key)
	require.ErrorIs(t, err, ErrCheckoutTimeout)
}

func TestCheckoutRespectsContextCancellation(t *testing.T) {
	m := NewManager(Config{
		Capacity:        1,
		CheckoutTimeout: 5 * time.Second,
		IdleTimeout:     time.Minute,
		Dial: func(ctx context.Context, key Key) (*PooledConn, error) {
			return pipePooledConn(), nil
		},
	})
	defer m.Close()

	key := Key{Database: "app", Role: "tenant_acme"}
	_, err := m.Checkout(context.Background(), key)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Checkout(ctx, key)
	require.Error(t, err)
}

func TestCheckoutWakesPromptlyOnContextCancelWhileWaiting(t *testing.T) {
	m := NewManager(Config{
		Capacity:        1,
		CheckoutTimeout: 5 * time.Second,
		IdleTimeout:     time.Minute,
		Dial: func(ctx context.Context, key Key) (*PooledConn, error) {
			return pipePooledConn(), nil
		},
	})
	defer m.Close()

	key := Key{Database: "app", Role: "tenant_acme"}
	_, err := m.Checkout(context.Background(), key)
	require.NoError(t, err, "first checkout exhausts the bucket's one slot")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Checkout(ctx, key)
		done <- err
	}()

	// Give the second Checkout time to actually park in cond.Wait()
	// before cancelling, so this exercises the watcher goroutine waking a
	// parked waiter rather than the top-of-loop ctx.Done() check a
	// pre-cancelled context would hit instead.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Checkout did not wake within 500ms of context cancellation, despite a 5s checkout timeout")
	}
}

func TestCheckoutDifferentKeysAreIndependentBuckets(t *testing.T) {
	m := NewManager(Config{
		Capacity:        1,
		CheckoutTimeout: time.Second,
		IdleTimeout:     time.Minute,
		Dial: func(ctx context.Context, key Key) (*PooledConn, error) {
			return pipePooledConn(), nil
		},
	})
	defer m.Close()

	_, err := m.Checkout(context.Background(), Key{Database: "app", Role: "tenant_a"})
	require.NoError(t, err)
	_, err = m.Checkout(context.Background(), Key{Database: "app", Role: "tenant_b"})
	require.NoError(t, err, "a different bucket must not be blocked by tenant_a's capacity")
}

func TestCheckinDiscardsOnCleanupFailure(t *testing.T) {
	var created int32
	m := NewManager(Config{
		Capacity:        1,
		CheckoutTimeout: time.Second,
		IdleTimeout:     time.Minute,
		Dial: func(ctx context.Context, key Key) (*PooledConn, error) {
			atomic.AddInt32(&created, 1)
			return pipePooledConn(), nil
		},
	})
	defer m.Close()

	key := Key{Database: "app", Role: "tenant_acme"}
	pc, err := m.Checkout(context.Background(), key)
	require.NoError(t, err)

	// Close the pooled connection's own end immediately so the ROLLBACK
	// round trip fails.
	pc.Conn.Close()
	m.Checkin(key, pc)

	pc2, err := m.Checkout(context.Background(), key)
	require.NoError(t, err)
	m.Checkin(key, pc2)
	require.Equal(t, int32(2), atomic.LoadInt32(&created), "a discarded connection must not be reused")
}

func TestConcurrentCheckoutCheckin(t *testing.T) {
	m := NewManager(Config{
		Capacity:        3,
		CheckoutTimeout: 2 * time.Second,
		IdleTimeout:     time.Minute,
		Dial: func(ctx context.Context, key Key) (*PooledConn, error) {
			return pipePooledConn(), nil
		},
	})
	defer m.Close()

	key := Key{Database: "app", Role: "tenant_acme"}
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				pc, err := m.Checkout(context.Background(), key)
				if err != nil {
					t.Errorf("checkout: %v", err)
					return
				}
				m.Discard(key, pc)
			}
		}()
	}
	wg.Wait()
}

func TestReaperClosesExpiredIdleConnections(t *testing.T) {
	m := NewManager(Config{
		Capacity:        5,
		CheckoutTimeout: time.Second,
		IdleTimeout:     10 * time.Millisecond,
		Dial: func(ctx context.Context, key Key) (*PooledConn, error) {
			return pipePooledConn(), nil
		},
	})
	defer m.Close()

	key := Key{Database: "app", Role: "tenant_acme"}
	pc, err := m.Checkout(context.Background(), key)
	require.NoError(t, err)
	m.Checkin(key, pc)

	require.Eventually(t, func() bool {
		m.reapIdle()
		stats := m.Stats()[key]
		return stats.Total == 0 && stats.Idle == 0
	}, time.Second, 5*time.Millisecond)
}

func TestStatsReportsLiveAndIdle(t *testing.T) {
	m := NewManager(Config{
		Capacity:        2,
		CheckoutTimeout: time.Second,
		IdleTimeout:     time.Minute,
		Dial: func(ctx context.Context, key Key) (*PooledConn, error) {
			return pipePooledConn(), nil
		},
	})
	defer m.Close()

	key := Key{Database: "app", Role: "tenant_acme"}
	pc, err := m.Checkout(context.Background(), key)
	require.NoError(t, err)

	stats := m.Stats()[key]
	require.Equal(t, 1, stats.Total)
	require.Equal(t, 0, stats.Idle)

	m.Checkin(key, pc)

	stats = m.Stats()[key]
	require.Equal(t, 1, stats.Total)
	require.Equal(t, 1, stats.Idle)
}

// fakeCleanupBackend stands in for a PostgreSQL server during the
// Checkin cleanup round trip: it answers every simple-query message with
// CommandComplete + ReadyForQuery until the connection closes.
func fakeCleanupBackend(conn net.Conn) {
	for {
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			return
		}
		if msg.Type != wire.Query {
			return
		}
		if err := wire.WriteMessage(conn, wire.BackendMessage{Type: wire.CommandComplete, Payload: []byte("ROLLBACK\x00")}); err != nil {
			return
		}
		if err := wire.WriteMessage(conn, wire.BackendMessage{Type: wire.ReadyForQuery, Payload: []byte{'I'}}); err != nil {
			return
		}
	}
}
