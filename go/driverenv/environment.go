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

// Package driverenv provides the shared driver environment every pooled
// connection is opened against.
//
// An Environment resolves its database/sql/driver runtime lazily, exactly
// once, and is read-only afterwards. It is an explicit value: create one at
// process start and pass it to every connection manager that needs it.
package driverenv

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// ErrNotInitialized is wrapped by every initialization failure.
var ErrNotInitialized = errors.New("driver environment not initialized")

// FailurePolicy decides what happens after a failed initialization.
type FailurePolicy int

const (
	// CacheFailure makes the first failure permanent for the lifetime of the
	// Environment. Every later Get returns the same error without calling the
	// resolver again.
	CacheFailure FailurePolicy = iota

	// RetryOnFailure keeps nothing from a failed attempt, so the next Get
	// runs the resolver again.
	RetryOnFailure
)

func (p FailurePolicy) String() string {
	switch p {
	case CacheFailure:
		return "cache"
	case RetryOnFailure:
		return "retry"
	default:
		return fmt.Sprintf("FailurePolicy(%d)", int(p))
	}
}

// ParseFailurePolicy parses "cache" or "retry".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "", "cache":
		return CacheFailure, nil
	case "retry":
		return RetryOnFailure, nil
	default:
		return CacheFailure, fmt.Errorf("unknown failure policy %q (want cache or retry)", s)
	}
}

// ResolveFunc produces the driver runtime. It is called at most once per
// successful initialization.
type ResolveFunc func() (driver.Driver, error)

type state int32

const (
	stateUninitialized state = iota
	stateReady
	stateFailed
)

// Environment is a lazily initialized handle to a driver runtime.
//
// Get and Open are safe for concurrent use. After a successful
// initialization the Environment exposes no mutable state, so no locking is
// done on the fast path.
type Environment struct {
	name    string
	resolve ResolveFunc
	policy  FailurePolicy
	logger  *slog.Logger

	drv   atomic.Pointer[driver.Driver]
	state atomic.Int32

	// mu serializes initialization attempts and guards err.
	mu  sync.Mutex
	err error
}

// Option configures an Environment.
type Option func(*Environment)

// WithFailurePolicy sets the initialization failure policy. Default: CacheFailure.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(e *Environment) { e.policy = p }
}

// WithResolver replaces the default database/sql registry lookup.
func WithResolver(fn ResolveFunc) Option {
	return func(e *Environment) { e.resolve = fn }
}

// WithDriver uses d directly as the runtime.
func WithDriver(d driver.Driver) Option {
	return WithResolver(func() (driver.Driver, error) {
		if d == nil {
			return nil, errors.New("nil driver")
		}
		return d, nil
	})
}

// WithLogger sets the logger used to report initialization. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Environment) { e.logger = l }
}

// New returns an uninitialized Environment for the named driver. Nothing is
// resolved until the first Get or Open.
func New(name string, opts ...Option) *Environment {
	e := &Environment{
		name:    name,
		resolve: registryResolver(name),
		policy:  CacheFailure,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Name returns the driver name the Environment was created for.
func (e *Environment) Name() string {
	return e.name
}

// Policy returns the configured failure policy.
func (e *Environment) Policy() FailurePolicy {
	return e.policy
}

// Ready reports whether initialization has completed successfully.
func (e *Environment) Ready() bool {
	return state(e.state.Load()) == stateReady
}

// Get returns the driver runtime, initializing it on first use.
func (e *Environment) Get() (driver.Driver, error) {
	if d := e.drv.Load(); d != nil {
		return *d, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Another goroutine may have finished while we waited.
	if d := e.drv.Load(); d != nil {
		return *d, nil
	}
	if state(e.state.Load()) == stateFailed && e.policy == CacheFailure {
		return nil, e.err
	}

	d, err := e.resolve()
	if err == nil && d == nil {
		err = errors.New("resolver returned no driver")
	}
	if err != nil {
		err = fmt.Errorf("%w: driver %q: %w", ErrNotInitialized, e.name, err)
		e.logger.Error("driver environment initialization failed",
			"driver", e.name, "policy", e.policy.String(), "error", err)
		if e.policy == CacheFailure {
			e.err = err
			e.state.Store(int32(stateFailed))
		}
		return nil, err
	}

	e.drv.Store(&d)
	e.state.Store(int32(stateReady))
	e.logger.Debug("driver environment initialized", "driver", e.name)
	return d, nil
}

// Open opens a new native connection for dsn against the environment.
// The DSN format belongs to the driver and is passed through untouched.
func (e *Environment) Open(ctx context.Context, dsn string) (driver.Conn, error) {
	c, err := e.Connector(dsn)
	if err != nil {
		return nil, err
	}
	return c.Connect(ctx)
}

// Connector returns a driver.Connector for dsn. Drivers implementing
// driver.DriverContext parse the DSN here; others defer to Driver.Open.
func (e *Environment) Connector(dsn string) (driver.Connector, error) {
	d, err := e.Get()
	if err != nil {
		return nil, err
	}
	if dc, ok := d.(driver.DriverContext); ok {
		return dc.OpenConnector(dsn)
	}
	return dsnConnector{dsn: dsn, driver: d}, nil
}

type dsnConnector struct {
	dsn    string
	driver driver.Driver
}

func (c dsnConnector) Connect(context.Context) (driver.Conn, error) {
	return c.driver.Open(c.dsn)
}

func (c dsnConnector) Driver() driver.Driver {
	return c.driver
}

// registryResolver looks name up in the database/sql registry.
//
// database/sql only hands out a driver through sql.Open, which makes a
// driver.DriverContext driver parse a DSN. The lookup passes an empty DSN, so
// a DriverContext driver that rejects it cannot be resolved this way; such
// drivers need WithDriver. The failure names the driver and says so, and
// falls under the Environment's FailurePolicy like any other resolve error.
func registryResolver(name string) ResolveFunc {
	return func() (driver.Driver, error) {
		if !slices.Contains(sql.Drivers(), name) {
			return nil, fmt.Errorf("sql: unknown driver %q (forgotten import?)", name)
		}
		db, err := sql.Open(name, "")
		if err != nil {
			return nil, fmt.Errorf("registry lookup rejected by driver (use WithDriver): %w", err)
		}
		d := db.Driver()
		_ = db.Close()
		return d, nil
	}
}
