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

// Package connmgr opens, validates and tags native driver connections for
// use by a connection pool.
//
// A Manager is the factory a pool calls whenever it needs a new connection.
// NewAutoCommitManager produces Conn[AutoCommit]; NewTransactionalManager
// produces Conn[Manual], which always carry an open transaction. Every error
// a Manager returns is an *mterrors.Error.
package connmgr

import (
	"context"
	"database/sql/driver"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/multigres/connmgr/go/driverenv"
	"github.com/multigres/connmgr/go/mterrors"
)

// DefaultValidationQuery is the liveness check run by IsValid on
// auto-commit connections.
const DefaultValidationQuery = "SELECT 1"

const tracerName = "github.com/multigres/connmgr/go/connmgr"

// Manager creates connections of commit mode M from one connection string
// against a shared driver environment. It is safe for concurrent use.
type Manager[M CommitMode] struct {
	env             *driverenv.Environment
	connStr         string
	validationQuery string
	logger          *slog.Logger
	tracer          trace.Tracer
}

type options struct {
	validationQuery string
	logger          *slog.Logger
	tracerProvider  trace.TracerProvider
}

// Option configures a Manager.
type Option func(*options)

// WithValidationQuery replaces DefaultValidationQuery.
func WithValidationQuery(q string) Option {
	return func(o *options) {
		if q != "" {
			o.validationQuery = q
		}
	}
}

// WithLogger sets the logger used for connection lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTracerProvider enables spans around Connect and IsValid.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// NewAutoCommitManager returns a Manager whose connections commit every
// statement immediately.
func NewAutoCommitManager(env *driverenv.Environment, connStr string, opts ...Option) *Manager[AutoCommit] {
	return newManager[AutoCommit](env, connStr, opts)
}

// NewTransactionalManager returns a Manager whose connections always have an
// open transaction. Use Commit and Rollback to finish one and start the next.
func NewTransactionalManager(env *driverenv.Environment, connStr string, opts ...Option) *Manager[Manual] {
	return newManager[Manual](env, connStr, opts)
}

func newManager[M CommitMode](env *driverenv.Environment, connStr string, opts []Option) *Manager[M] {
	o := options{
		validationQuery: DefaultValidationQuery,
		logger:          slog.Default(),
		tracerProvider:  noop.NewTracerProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	var mode M
	return &Manager[M]{
		env:             env,
		connStr:         connStr,
		validationQuery: o.validationQuery,
		logger:          o.logger.With("driver", env.Name(), "commit_mode", mode.String()),
		tracer:          o.tracerProvider.Tracer(tracerName),
	}
}

// ConnectionString returns the string every connection is opened with.
func (m *Manager[M]) ConnectionString() string {
	return m.connStr
}

// Environment returns the shared driver environment.
func (m *Manager[M]) Environment() *driverenv.Environment {
	return m.env
}

// Connect opens a new connection. For Manual managers the connection is
// returned with its first transaction already open; if that transaction
// cannot be started the native connection is closed and a KindConfiguration
// error is returned, so no connection leaks in auto-commit mode.
func (m *Manager[M]) Connect(ctx context.Context) (_ *Conn[M], err error) {
	var mode M
	ctx, span := m.tracer.Start(ctx, "connmgr.Connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.driver", m.env.Name()),
			attribute.String("connmgr.commit_mode", mode.String()),
		))
	defer func() { endSpan(span, err) }()

	if _, err := m.env.Get(); err != nil {
		return nil, mterrors.Wrap(mterrors.KindEnvironment, err)
	}

	raw, err := m.env.Open(ctx, m.connStr)
	if err != nil {
		if errors.Is(err, driverenv.ErrNotInitialized) {
			return nil, mterrors.Wrap(mterrors.KindEnvironment, err)
		}
		err = mterrors.Wrap(mterrors.KindConnect, err)
		m.logger.WarnContext(ctx, "connect failed", errAttrs(err)...)
		return nil, err
	}

	c := newConn[M](raw)
	if !mode.Autocommit() {
		c.mu.Lock()
		beginErr := c.beginLocked(ctx)
		c.mu.Unlock()
		if beginErr != nil {
			closeErr := c.Close()
			err = mterrors.Errorf(mterrors.KindConfiguration, "unable to use transactions: %w",
				errors.Join(mterrors.FromDriver(beginErr), closeErr))
			m.logger.WarnContext(ctx, "connect failed", errAttrs(err)...)
			return nil, err
		}
	}

	span.SetAttributes(attribute.String("connmgr.conn_id", c.ID()))
	m.logger.DebugContext(ctx, "connection opened", "conn_id", c.ID())
	return c, nil
}

// IsValid checks that c is still usable. Auto-commit connections run the
// validation query. Manual connections are not checked: a query there would
// become part of the caller's open transaction.
func (m *Manager[M]) IsValid(ctx context.Context, c *Conn[M]) (err error) {
	var mode M
	if !mode.Autocommit() {
		return nil
	}

	ctx, span := m.tracer.Start(ctx, "connmgr.IsValid",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("connmgr.conn_id", c.ID())))
	defer func() { endSpan(span, err) }()

	err = c.WithRaw(func(raw driver.Conn) error {
		return execNoRows(ctx, raw, m.validationQuery)
	})
	if err != nil {
		err = mterrors.Wrap(mterrors.KindValidation, err)
		m.logger.DebugContext(ctx, "connection failed validation", append(errAttrs(err), "conn_id", c.ID())...)
	}
	return err
}

// HasBroken reports whether c is known to be unusable without touching the
// server. The native driver API gives no cheap way to tell, so it always
// returns false; pools rely on IsValid and on Conn.IsClosed instead.
func (m *Manager[M]) HasBroken(*Conn[M]) bool {
	return false
}

// execNoRows runs query and discards any result.
func execNoRows(ctx context.Context, raw driver.Conn, query string) error {
	if ex, ok := raw.(driver.ExecerContext); ok {
		_, err := ex.ExecContext(ctx, query, nil)
		if !errors.Is(err, driver.ErrSkip) {
			return err
		}
	}
	if q, ok := raw.(driver.QueryerContext); ok {
		rows, err := q.QueryContext(ctx, query, nil)
		if err == nil {
			return rows.Close()
		}
		if !errors.Is(err, driver.ErrSkip) {
			return err
		}
	}

	var stmt driver.Stmt
	var err error
	if p, ok := raw.(driver.ConnPrepareContext); ok {
		stmt, err = p.PrepareContext(ctx, query)
	} else {
		stmt, err = raw.Prepare(query)
	}
	if err != nil {
		return err
	}
	defer stmt.Close()
	if se, ok := stmt.(driver.StmtExecContext); ok {
		_, err = se.ExecContext(ctx, nil)
		return err
	}
	_, err = stmt.Exec(nil) //nolint:staticcheck // fallback for drivers without StmtExecContext
	return err
}

func errAttrs(err error) []any {
	attrs := []any{"error", err}
	if d := mterrors.DiagnosticOf(err); d != nil {
		attrs = append(attrs, "diagnostic", d)
	}
	return attrs
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("connmgr.error_kind", mterrors.KindOf(err).String()))
	}
	span.End()
}
