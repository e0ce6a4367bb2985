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

// Package fakedriver is a scriptable database/sql/driver implementation for
// tests. It understands a handful of statements:
//
//	SELECT 1                  one row, one column: 1
//	SELECT version()          one row: the fake server version
//	PUT <key> <value>         store value under key (inside the open transaction, if any)
//	GET <key>                 one row with the committed or in-transaction value
//
// Failures can be injected per DSN (connect), for BEGIN and for statements,
// and live connections can be severed to simulate a dead server.
package fakedriver

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// Version is returned by SELECT version().
const Version = "FakeDB 1.0 on fakedriver"

// ErrSevered is returned by every operation on a severed connection.
var ErrSevered = errors.New("fakedriver: server closed the connection unexpectedly")

// Driver implements driver.Driver. The zero value is not usable; use New.
type Driver struct {
	mu        sync.Mutex
	rejected  map[string]error
	beginErr  error
	queryErr  error
	committed map[string]string
	conns     []*Conn

	opens     atomic.Int64
	closes    atomic.Int64
	begins    atomic.Int64
	commits   atomic.Int64
	rollbacks atomic.Int64
	overlaps  atomic.Int64
}

// New returns an empty fake driver.
func New() *Driver {
	return &Driver{
		rejected:  make(map[string]error),
		committed: make(map[string]string),
	}
}

// Reject makes Open(dsn) fail with err.
func (d *Driver) Reject(dsn string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejected[dsn] = err
}

// FailBegin makes every BEGIN fail with err. A nil err clears the failure.
func (d *Driver) FailBegin(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.beginErr = err
}

// FailQueries makes every statement fail with err. A nil err clears the failure.
func (d *Driver) FailQueries(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queryErr = err
}

// SeverAll severs every connection opened so far.
func (d *Driver) SeverAll() {
	d.mu.Lock()
	conns := append([]*Conn(nil), d.conns...)
	d.mu.Unlock()
	for _, c := range conns {
		c.Sever()
	}
}

// Committed returns the committed value for key.
func (d *Driver) Committed(key string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.committed[key]
	return v, ok
}

// Opens returns the number of successfully opened connections.
func (d *Driver) Opens() int64 { return d.opens.Load() }

// Closes returns the number of closed connections.
func (d *Driver) Closes() int64 { return d.closes.Load() }

// OpenConns returns Opens minus Closes.
func (d *Driver) OpenConns() int64 { return d.opens.Load() - d.closes.Load() }

// Begins returns the number of transactions started.
func (d *Driver) Begins() int64 { return d.begins.Load() }

// Commits returns the number of committed transactions.
func (d *Driver) Commits() int64 { return d.commits.Load() }

// Rollbacks returns the number of rolled back transactions.
func (d *Driver) Rollbacks() int64 { return d.rollbacks.Load() }

// Overlaps returns how many times two goroutines were inside the same
// connection at once. Correct callers keep this at zero.
func (d *Driver) Overlaps() int64 { return d.overlaps.Load() }

// Open returns a new connection to the fake database.
func (d *Driver) Open(dsn string) (driver.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.rejected[dsn]; ok {
		return nil, err
	}
	c := &Conn{driver: d, dsn: dsn}
	d.conns = append(d.conns, c)
	d.opens.Add(1)
	return c, nil
}

func (d *Driver) currentQueryErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queryErr
}

func (d *Driver) currentBeginErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.beginErr
}

// Conn implements driver.Conn.
type Conn struct {
	driver *Driver
	dsn    string

	severed atomic.Bool
	closed  atomic.Bool
	active  atomic.Int32

	// tx is only touched by the goroutine currently driving the connection.
	tx *Tx
}

// DSN returns the connection string the connection was opened with.
func (c *Conn) DSN() string { return c.dsn }

// Sever simulates the server dropping the connection.
func (c *Conn) Sever() { c.severed.Store(true) }

// InTx reports whether a transaction is open.
func (c *Conn) InTx() bool { return c.tx != nil }

func (c *Conn) enter() func() {
	if c.active.Add(1) > 1 {
		c.driver.overlaps.Add(1)
	}
	return func() { c.active.Add(-1) }
}

func (c *Conn) check() error {
	if c.closed.Load() {
		return driver.ErrBadConn
	}
	if c.severed.Load() {
		return ErrSevered
	}
	return nil
}

// Prepare returns a prepared statement, bound to this connection.
func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return &stmt{conn: c, query: query}, nil
}

// Close closes the connection. Closing twice is a no-op.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.driver.closes.Add(1)
	return nil
}

// Begin starts and returns a new transaction.
func (c *Conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// BeginTx starts and returns a new transaction.
func (c *Conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	defer c.enter()()
	if err := c.check(); err != nil {
		return nil, err
	}
	if err := c.driver.currentBeginErr(); err != nil {
		return nil, err
	}
	if c.tx != nil {
		return nil, errors.New("fakedriver: transaction already open")
	}
	c.tx = &Tx{conn: c, writes: make(map[string]string)}
	c.driver.begins.Add(1)
	return c.tx, nil
}

// ExecContext executes a statement that doesn't return rows.
func (c *Conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	defer c.enter()()
	res, err := c.run(query)
	if err != nil {
		return nil, err
	}
	return result(len(res.rows)), nil
}

// QueryContext executes a query that may return rows.
func (c *Conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	defer c.enter()()
	res, err := c.run(query)
	if err != nil {
		return nil, err
	}
	return &rows{columns: res.columns, rows: res.rows}, nil
}

type queryResult struct {
	columns []string
	rows    [][]driver.Value
}

func (c *Conn) run(query string) (queryResult, error) {
	if err := c.check(); err != nil {
		return queryResult{}, err
	}
	if err := c.driver.currentQueryErr(); err != nil {
		return queryResult{}, err
	}

	fields := strings.Fields(query)
	switch {
	case strings.EqualFold(query, "SELECT 1"):
		return queryResult{columns: []string{"?column?"}, rows: [][]driver.Value{{int64(1)}}}, nil
	case strings.EqualFold(query, "SELECT version()"):
		return queryResult{columns: []string{"version"}, rows: [][]driver.Value{{Version}}}, nil
	case len(fields) == 3 && strings.EqualFold(fields[0], "PUT"):
		c.put(fields[1], fields[2])
		return queryResult{}, nil
	case len(fields) == 2 && strings.EqualFold(fields[0], "GET"):
		v, ok := c.get(fields[1])
		if !ok {
			return queryResult{columns: []string{"value"}}, nil
		}
		return queryResult{columns: []string{"value"}, rows: [][]driver.Value{{v}}}, nil
	default:
		return queryResult{}, fmt.Errorf("fakedriver: unsupported statement %q", query)
	}
}

func (c *Conn) put(key, value string) {
	if c.tx != nil {
		c.tx.writes[key] = value
		return
	}
	c.driver.mu.Lock()
	c.driver.committed[key] = value
	c.driver.mu.Unlock()
}

func (c *Conn) get(key string) (string, bool) {
	if c.tx != nil {
		if v, ok := c.tx.writes[key]; ok {
			return v, true
		}
	}
	return c.driver.Committed(key)
}

// Tx implements driver.Tx.
type Tx struct {
	conn   *Conn
	writes map[string]string
	done   bool
}

// Commit publishes the transaction's writes.
func (tx *Tx) Commit() error {
	defer tx.conn.enter()()
	if tx.done {
		return errors.New("fakedriver: transaction already finished")
	}
	if err := tx.conn.check(); err != nil {
		return err
	}
	tx.conn.driver.mu.Lock()
	for k, v := range tx.writes {
		tx.conn.driver.committed[k] = v
	}
	tx.conn.driver.mu.Unlock()
	tx.finish()
	tx.conn.driver.commits.Add(1)
	return nil
}

// Rollback discards the transaction's writes.
func (tx *Tx) Rollback() error {
	defer tx.conn.enter()()
	if tx.done {
		return errors.New("fakedriver: transaction already finished")
	}
	tx.finish()
	tx.conn.driver.rollbacks.Add(1)
	return tx.conn.check()
}

func (tx *Tx) finish() {
	tx.done = true
	tx.writes = nil
	tx.conn.tx = nil
}

type stmt struct {
	conn  *Conn
	query string
}

func (s *stmt) Close() error  { return nil }
func (s *stmt) NumInput() int { return -1 }

func (s *stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.conn.ExecContext(context.Background(), s.query, nil)
}

func (s *stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.conn.QueryContext(context.Background(), s.query, nil)
}

type result int64

func (r result) LastInsertId() (int64, error) { return 0, nil }
func (r result) RowsAffected() (int64, error) { return int64(r), nil }

type rows struct {
	columns []string
	rows    [][]driver.Value
	index   int
}

func (r *rows) Columns() []string { return r.columns }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.index >= len(r.rows) {
		return io.EOF
	}
	row := r.rows[r.index]
	r.index++
	if len(dest) != len(row) {
		return errors.New("fakedriver: destination slice length doesn't match row length")
	}
	copy(dest, row)
	return nil
}

var (
	_ driver.Driver         = (*Driver)(nil)
	_ driver.Conn           = (*Conn)(nil)
	_ driver.ConnBeginTx    = (*Conn)(nil)
	_ driver.QueryerContext = (*Conn)(nil)
	_ driver.ExecerContext  = (*Conn)(nil)
	_ driver.Stmt           = (*stmt)(nil)
	_ driver.Tx             = (*Tx)(nil)
	_ driver.Result         = result(0)
	_ driver.Rows           = (*rows)(nil)
)
