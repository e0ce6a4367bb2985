// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package connpool

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/multigres/connmgr/go/connmgr"
	"github.com/multigres/connmgr/go/driverenv"
	"github.com/multigres/connmgr/go/fakedriver"
	"github.com/multigres/connmgr/go/mterrors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockConnection is a mock implementation of Connection for testing.
type mockConnection struct {
	id     int64
	closed atomic.Bool
}

func (m *mockConnection) IsClosed() bool {
	return m.closed.Load()
}

func (m *mockConnection) Close() error {
	m.closed.Store(true)
	return nil
}

// mockManager is a mock implementation of Manager for testing.
type mockManager struct {
	created    atomic.Int64
	validated  atomic.Int64
	connectErr atomic.Pointer[error]
	invalid    atomic.Bool
	broken     atomic.Bool
}

func (m *mockManager) Connect(ctx context.Context) (*mockConnection, error) {
	if errp := m.connectErr.Load(); errp != nil {
		return nil, *errp
	}
	return &mockConnection{id: m.created.Add(1)}, nil
}

func (m *mockManager) IsValid(ctx context.Context, conn *mockConnection) error {
	m.validated.Add(1)
	if m.invalid.Load() {
		return mterrors.New(mterrors.KindValidation, "validation failed")
	}
	return nil
}

func (m *mockManager) HasBroken(conn *mockConnection) bool {
	return m.broken.Load()
}

func (m *mockManager) failConnect(err error) {
	if err == nil {
		m.connectErr.Store(nil)
		return
	}
	m.connectErr.Store(&err)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPool(m *mockManager, cfg Config) *Pool[*mockConnection] {
	cfg.Logger = quietLogger()
	return NewPool[*mockConnection](m, cfg)
}

func TestPoolBasicGetPut(t *testing.T) {
	pool := newTestPool(&mockManager{}, Config{Capacity: 10})
	defer pool.Close()

	ctx := context.Background()
	conn1, err := pool.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, conn1)

	stats := pool.Stats()
	assert.Equal(t, int64(10), stats.Capacity)
	assert.Equal(t, int64(1), stats.Active)
	assert.Equal(t, int64(1), stats.Borrowed)
	assert.Equal(t, int64(0), stats.Idle)

	require.NoError(t, pool.Put(conn1))

	stats = pool.Stats()
	assert.Equal(t, int64(1), stats.Active)
	assert.Equal(t, int64(0), stats.Borrowed)
	assert.Equal(t, int64(1), stats.Idle)

	// Get again - should reuse the same connection
	conn2, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, conn1, conn2)
	assert.Equal(t, int64(2), conn2.Uses())
	require.NoError(t, pool.Put(conn2))
}

func TestPoolDefaults(t *testing.T) {
	pool := newTestPool(&mockManager{}, Config{})
	defer pool.Close()

	assert.Equal(t, int64(DefaultCapacity), pool.Stats().Capacity)
	assert.Equal(t, "default", pool.Name())
}

func TestPoolLIFO(t *testing.T) {
	pool := newTestPool(&mockManager{}, Config{Capacity: 3})
	defer pool.Close()

	ctx := context.Background()
	var conns []*Pooled[*mockConnection]
	for range 3 {
		c, err := pool.Get(ctx)
		require.NoError(t, err)
		conns = append(conns, c)
	}
	for _, c := range conns {
		require.NoError(t, pool.Put(c))
	}

	c, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, conns[2], c, "most recently returned connection is reused first")
	require.NoError(t, pool.Put(c))
}

func TestPoolCapacityBlocks(t *testing.T) {
	pool := newTestPool(&mockManager{}, Config{Capacity: 2})
	defer pool.Close()

	ctx := context.Background()
	c1, err := pool.Get(ctx)
	require.NoError(t, err)
	c2, err := pool.Get(ctx)
	require.NoError(t, err)

	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = pool.Get(timeoutCtx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got := make(chan *Pooled[*mockConnection])
	go func() {
		c, err := pool.Get(ctx)
		assert.NoError(t, err)
		got <- c
	}()

	require.NoError(t, pool.Put(c1))
	c3 := <-got
	assert.Same(t, c1, c3, "waiter receives the returned connection")

	require.NoError(t, pool.Put(c2))
	require.NoError(t, pool.Put(c3))
	assert.Equal(t, int64(2), pool.Stats().Active)
}

func TestPoolNeverExceedsCapacity(t *testing.T) {
	m := &mockManager{}
	pool := newTestPool(m, Config{Capacity: 3})
	defer pool.Close()

	var (
		inUse   atomic.Int64
		maxSeen atomic.Int64
		wg      sync.WaitGroup
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				c, err := pool.Get(context.Background())
				if !assert.NoError(t, err) {
					return
				}
				n := inUse.Add(1)
				for {
					cur := maxSeen.Load()
					if n <= cur || maxSeen.CompareAndSwap(cur, n) {
						break
					}
				}
				inUse.Add(-1)
				assert.NoError(t, pool.Put(c))
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen.Load(), int64(3))
	assert.LessOrEqual(t, m.created.Load(), int64(3))
	assert.Equal(t, int64(0), pool.Stats().Borrowed)
}

func TestPoolTestOnCheckout(t *testing.T) {
	m := &mockManager{}
	pool := newTestPool(m, Config{Capacity: 2, TestOnCheckout: true})
	defer pool.Close()

	ctx := context.Background()
	c1, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.validated.Load(), "new connections are not re-validated")
	require.NoError(t, pool.Put(c1))

	c2, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, int64(1), m.validated.Load())
	require.NoError(t, pool.Put(c2))

	m.invalid.Store(true)
	c3, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.NotSame(t, c1, c3)
	assert.True(t, c1.Conn().IsClosed(), "invalid idle connection is closed")
	assert.Equal(t, int64(1), pool.Stats().Active)
	require.NoError(t, pool.Put(c3))
}

func TestPoolSkipsValidationByDefault(t *testing.T) {
	m := &mockManager{}
	m.invalid.Store(true)
	pool := newTestPool(m, Config{Capacity: 1})
	defer pool.Close()

	c1, err := pool.Get(context.Background())
	require.NoError(t, err)
	require.NoError(t, pool.Put(c1))
	c2, err := pool.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, int64(0), m.validated.Load())
	require.NoError(t, pool.Put(c2))
}

func TestPoolDropsClosedConnections(t *testing.T) {
	m := &mockManager{}
	pool := newTestPool(m, Config{Capacity: 1})
	defer pool.Close()

	ctx := context.Background()
	c1, err := pool.Get(ctx)
	require.NoError(t, err)
	require.NoError(t, c1.Conn().Close())
	require.NoError(t, pool.Put(c1))

	stats := pool.Stats()
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, int64(0), stats.Idle)

	c2, err := pool.Get(ctx)
	require.NoError(t, err, "the slot was freed")
	assert.NotSame(t, c1, c2)
	require.NoError(t, pool.Put(c2))
}

func TestPoolDropsBrokenConnections(t *testing.T) {
	m := &mockManager{}
	pool := newTestPool(m, Config{Capacity: 1})
	defer pool.Close()

	c1, err := pool.Get(context.Background())
	require.NoError(t, err)
	m.broken.Store(true)
	require.NoError(t, pool.Put(c1))

	assert.True(t, c1.Conn().IsClosed())
	assert.Equal(t, int64(0), pool.Stats().Active)
}

func TestPoolConnectError(t *testing.T) {
	m := &mockManager{}
	refused := mterrors.New(mterrors.KindConnect, "connection refused")
	m.failConnect(refused)
	pool := newTestPool(m, Config{Capacity: 1})
	defer pool.Close()

	ctx := context.Background()
	_, err := pool.Get(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, refused)
	assert.True(t, mterrors.IsKind(err, mterrors.KindConnect))
	assert.Equal(t, int64(0), pool.Stats().Active)

	m.failConnect(nil)
	c, err := pool.Get(ctx)
	require.NoError(t, err, "a failed connect releases its slot")
	require.NoError(t, pool.Put(c))
}

func TestPoolClose(t *testing.T) {
	pool := newTestPool(&mockManager{}, Config{Capacity: 3})

	ctx := context.Background()
	idle, err := pool.Get(ctx)
	require.NoError(t, err)
	borrowed, err := pool.Get(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.Put(idle))

	require.NoError(t, pool.Close())
	assert.True(t, idle.Conn().IsClosed())
	assert.False(t, borrowed.Conn().IsClosed(), "borrowed connections stay open until returned")

	_, err = pool.Get(ctx)
	assert.ErrorIs(t, err, ErrPoolClosed)

	assert.ErrorIs(t, pool.Put(borrowed), ErrPoolClosed)
	assert.True(t, borrowed.Conn().IsClosed())
	assert.Equal(t, int64(0), pool.Stats().Active)

	assert.ErrorIs(t, pool.Close(), ErrPoolClosed)
}

func TestPoolPutNil(t *testing.T) {
	pool := newTestPool(&mockManager{}, Config{Capacity: 1})
	defer pool.Close()
	assert.NoError(t, pool.Put(nil))
}

func TestPooledTimestamps(t *testing.T) {
	p := NewPooled(&mockConnection{})
	assert.False(t, p.CreatedAt().IsZero())
	assert.Equal(t, p.CreatedAt().UnixNano(), p.LastUsedAt().UnixNano())
	assert.GreaterOrEqual(t, p.Age(), time.Duration(0))
	assert.GreaterOrEqual(t, p.IdleTime(), time.Duration(0))
	assert.Equal(t, int64(0), p.Uses())
}

func newFakeEnv(fd *fakedriver.Driver) *driverenv.Environment {
	return driverenv.New("fake", driverenv.WithDriver(fd), driverenv.WithLogger(quietLogger()))
}

func TestPoolWithAutoCommitManager(t *testing.T) {
	fd := fakedriver.New()
	m := connmgr.NewAutoCommitManager(newFakeEnv(fd), "fake://db", connmgr.WithLogger(quietLogger()))
	pool := NewPool[*connmgr.Conn[connmgr.AutoCommit]](m, Config{Name: "auto", Capacity: 5, TestOnCheckout: true, Logger: quietLogger()})

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				pooled, err := pool.Get(context.Background())
				if !assert.NoError(t, err) {
					return
				}
				err = pooled.Conn().WithRaw(func(raw driver.Conn) error {
					_, err := raw.(driver.ExecerContext).ExecContext(context.Background(), "SELECT version()", nil)
					return err
				})
				assert.NoError(t, err)
				assert.NoError(t, pool.Put(pooled))
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, fd.Opens(), int64(5))
	assert.Equal(t, int64(0), fd.Overlaps())

	require.NoError(t, pool.Close())
	assert.Equal(t, int64(0), fd.OpenConns())
}

func TestPoolReplacesSeveredConnections(t *testing.T) {
	fd := fakedriver.New()
	m := connmgr.NewAutoCommitManager(newFakeEnv(fd), "fake://db", connmgr.WithLogger(quietLogger()))
	pool := NewPool[*connmgr.Conn[connmgr.AutoCommit]](m, Config{Capacity: 1, TestOnCheckout: true, Logger: quietLogger()})
	defer pool.Close()

	ctx := context.Background()
	c1, err := pool.Get(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.Put(c1))

	fd.SeverAll()
	c2, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.True(t, c1.Conn().IsClosed())
	assert.Equal(t, int64(2), fd.Opens())
	require.NoError(t, pool.Put(c2))
}

func TestPoolWithTransactionalManager(t *testing.T) {
	fd := fakedriver.New()
	m := connmgr.NewTransactionalManager(newFakeEnv(fd), "fake://db", connmgr.WithLogger(quietLogger()))
	pool := NewPool[*connmgr.Conn[connmgr.Manual]](m, Config{Capacity: 2, Logger: quietLogger()})

	ctx := context.Background()
	pooled, err := pool.Get(ctx)
	require.NoError(t, err)
	err = pooled.Conn().WithRaw(func(raw driver.Conn) error {
		_, err := raw.(driver.ExecerContext).ExecContext(ctx, "PUT answer 42", nil)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, connmgr.Commit(ctx, pooled.Conn()))
	require.NoError(t, pool.Put(pooled))

	v, ok := fd.Committed("answer")
	require.True(t, ok)
	assert.Equal(t, "42", v)

	require.NoError(t, pool.Close())
	assert.Equal(t, int64(0), fd.OpenConns())
}

func TestPoolSurfacesTransactionalConnectFailure(t *testing.T) {
	fd := fakedriver.New()
	fd.FailBegin(errors.New("no transactions here"))
	m := connmgr.NewTransactionalManager(newFakeEnv(fd), "fake://db", connmgr.WithLogger(quietLogger()))
	pool := NewPool[*connmgr.Conn[connmgr.Manual]](m, Config{Capacity: 1, Logger: quietLogger()})
	defer pool.Close()

	_, err := pool.Get(context.Background())
	require.Error(t, err)
	assert.True(t, mterrors.IsKind(err, mterrors.KindConfiguration))
	assert.Equal(t, int64(0), fd.OpenConns())
	assert.Equal(t, int64(0), pool.Stats().Active)
}

func panicInside[M connmgr.CommitMode](c *connmgr.Conn[M]) error {
	return c.WithRaw(func(driver.Conn) error { panic("caller bug") })
}

func TestPoolEvictsPanickedAutoCommitConnection(t *testing.T) {
	fd := fakedriver.New()
	m := connmgr.NewAutoCommitManager(newFakeEnv(fd), "fake://db", connmgr.WithLogger(quietLogger()))
	pool := NewPool[*connmgr.Conn[connmgr.AutoCommit]](m, Config{Capacity: 1, Logger: quietLogger()})
	defer pool.Close()

	ctx := context.Background()
	first, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.True(t, mterrors.IsKind(panicInside(first.Conn()), mterrors.KindPoisoned))
	require.NoError(t, pool.Put(first))
	assert.Equal(t, int64(0), pool.Stats().Active)

	for range 3 {
		next, err := pool.Get(ctx)
		require.NoError(t, err)
		assert.NotSame(t, first, next)
		assert.NoError(t, m.IsValid(ctx, next.Conn()))
		require.NoError(t, pool.Put(next))
	}
	assert.Equal(t, int64(2), fd.Opens(), "one replacement, then reused")
	assert.Equal(t, int64(1), fd.OpenConns())
}

func TestPoolEvictsPanickedManualConnection(t *testing.T) {
	fd := fakedriver.New()
	m := connmgr.NewTransactionalManager(newFakeEnv(fd), "fake://db", connmgr.WithLogger(quietLogger()))
	pool := NewPool[*connmgr.Conn[connmgr.Manual]](m, Config{Capacity: 1, TestOnCheckout: true, Logger: quietLogger()})
	defer pool.Close()

	ctx := context.Background()
	first, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.True(t, mterrors.IsKind(panicInside(first.Conn()), mterrors.KindPoisoned))
	require.NoError(t, pool.Put(first))

	for range 3 {
		next, err := pool.Get(ctx)
		require.NoError(t, err)
		assert.NotSame(t, first, next)
		assert.NoError(t, connmgr.Commit(ctx, next.Conn()))
		require.NoError(t, pool.Put(next))
	}
	assert.Equal(t, int64(2), fd.Opens())
	assert.Equal(t, int64(1), fd.OpenConns())
}
