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
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/semconv/v1.37.0/dbconv"
	"golang.org/x/sync/semaphore"

	"github.com/multigres/connmgr/go/pools/connstack"
)

var (
	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrTimeout is returned when the caller's context ends while waiting
	// for a free slot.
	ErrTimeout = errors.New("timeout waiting for connection")
)

// DefaultCapacity is used when Config.Capacity is not positive.
const DefaultCapacity = 10

// Pool lends connections created by a Manager. At most Capacity connections
// are checked out at a time, and a connection is only opened when no idle
// one is available, so the number of open connections never exceeds
// Capacity either.
//
// A borrowed connection is used by one goroutine at a time and handed back
// with Put. Callers that know a connection is unusable close it before Put;
// the pool then drops it and frees the slot.
type Pool[C Connection] struct {
	name    string
	manager Manager[C]
	logger  *slog.Logger
	metrics poolMetrics

	capacity       int64
	testOnCheckout bool

	// slots bounds the number of borrowed connections.
	slots *semaphore.Weighted
	idle  connstack.Stack[*Pooled[C]]

	active   atomic.Int64 // idle + borrowed
	borrowed atomic.Int64

	closed atomic.Bool
}

// Config holds configuration for the connection pool.
type Config struct {
	// Name identifies the pool in logs and metrics.
	Name string

	// Capacity is the maximum number of connections in the pool.
	Capacity int

	// TestOnCheckout makes Get call Manager.IsValid on idle connections
	// before handing them out.
	TestOnCheckout bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// MeterProvider defaults to the global provider.
	MeterProvider metric.MeterProvider
}

// NewPool creates a new connection pool. No connection is opened until the
// first Get.
func NewPool[C Connection](manager Manager[C], cfg Config) *Pool[C] {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}

	logger := cfg.Logger.With("pool", cfg.Name)
	metrics, err := newPoolMetrics(cfg.MeterProvider)
	if err != nil {
		logger.Warn("failed to create pool metrics", "error", err)
	}

	return &Pool[C]{
		name:           cfg.Name,
		manager:        manager,
		logger:         logger,
		metrics:        metrics,
		capacity:       int64(cfg.Capacity),
		testOnCheckout: cfg.TestOnCheckout,
		slots:          semaphore.NewWeighted(int64(cfg.Capacity)),
	}
}

// Name returns the pool name.
func (p *Pool[C]) Name() string {
	return p.name
}

// Get returns an idle connection, or opens a new one if none is idle. It
// blocks while Capacity connections are checked out, until one is returned
// or ctx ends.
func (p *Pool[C]) Get(ctx context.Context) (*Pooled[C], error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	if p.closed.Load() {
		p.slots.Release(1)
		return nil, ErrPoolClosed
	}

	for {
		pooled, ok := p.idle.Pop()
		if !ok {
			break
		}
		p.metrics.count.Add(ctx, -1, p.name, dbconv.ClientConnectionStateIdle)

		if pooled.Conn().IsClosed() {
			p.discard(pooled)
			continue
		}
		if p.testOnCheckout {
			if err := p.manager.IsValid(ctx, pooled.Conn()); err != nil {
				p.logger.DebugContext(ctx, "discarding idle connection that failed validation", "error", err)
				p.discard(pooled)
				continue
			}
		}

		pooled.checkout()
		p.borrowed.Add(1)
		p.metrics.count.Add(ctx, 1, p.name, dbconv.ClientConnectionStateUsed)
		return pooled, nil
	}

	conn, err := p.manager.Connect(ctx)
	if err != nil {
		p.slots.Release(1)
		p.metrics.errors.Add(ctx, p.name, err)
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}

	pooled := NewPooled(conn)
	pooled.checkout()
	p.active.Add(1)
	p.borrowed.Add(1)
	p.metrics.count.Add(ctx, 1, p.name, dbconv.ClientConnectionStateUsed)
	return pooled, nil
}

// Put returns a connection to the pool. Closed and broken connections are
// dropped. After Close, Put closes the connection and returns ErrPoolClosed.
func (p *Pool[C]) Put(pooled *Pooled[C]) error {
	if pooled == nil {
		return nil
	}
	ctx := context.Background()

	p.borrowed.Add(-1)
	p.metrics.count.Add(ctx, -1, p.name, dbconv.ClientConnectionStateUsed)
	defer p.slots.Release(1)

	if p.closed.Load() {
		p.discard(pooled)
		return ErrPoolClosed
	}

	conn := pooled.Conn()
	if conn.IsClosed() || p.manager.HasBroken(conn) {
		p.discard(pooled)
		return nil
	}

	pooled.touch()
	p.idle.Push(pooled)
	p.metrics.count.Add(ctx, 1, p.name, dbconv.ClientConnectionStateIdle)

	// Close may have drained the stack between the check above and the push.
	if p.closed.Load() {
		p.drainIdle()
	}
	return nil
}

// discard closes a connection that is leaving the pool.
func (p *Pool[C]) discard(pooled *Pooled[C]) {
	if !pooled.Conn().IsClosed() {
		if err := pooled.Conn().Close(); err != nil {
			p.logger.Debug("error closing discarded connection", "error", err)
		}
	}
	p.active.Add(-1)
}

func (p *Pool[C]) drainIdle() {
	for _, pooled := range p.idle.Drain() {
		p.metrics.count.Add(context.Background(), -1, p.name, dbconv.ClientConnectionStateIdle)
		p.discard(pooled)
	}
}

// Close closes all idle connections. Borrowed connections are closed as
// they are returned.
func (p *Pool[C]) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrPoolClosed
	}
	p.drainIdle()
	p.logger.Debug("pool closed", "borrowed", p.borrowed.Load())
	return nil
}

// Stats returns pool statistics.
func (p *Pool[C]) Stats() PoolStats {
	active := p.active.Load()
	borrowed := p.borrowed.Load()
	return PoolStats{
		Capacity: p.capacity,
		Active:   active,
		Borrowed: borrowed,
		Idle:     active - borrowed,
	}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Capacity int64 // Maximum connections
	Active   int64 // Total connections
	Borrowed int64 // Connections borrowed by clients
	Idle     int64 // Connections available in pool
}
