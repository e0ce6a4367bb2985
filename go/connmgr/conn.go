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

package connmgr

import (
	"context"
	"database/sql/driver"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/multigres/connmgr/go/mterrors"
)

// Conn is one native driver connection plus its commit-mode tag.
//
// A Conn may be handed from one goroutine to another (a pool creates it on
// one goroutine and lends it to many over its life), but it must not be
// driven by two goroutines at once. Every access to the native handle goes
// through WithRaw, which holds the connection's lock for the duration of the
// callback, so concurrent callers are serialized rather than interleaved.
//
// If a callback panics, the lock is released, the connection is marked
// poisoned and closed, and every later use returns a KindPoisoned error.
// Being closed, a poisoned connection is dropped by the pool when returned.
type Conn[M CommitMode] struct {
	id string

	mu     sync.Mutex
	raw    driver.Conn
	tx     driver.Tx // open transaction, Manual connections only
	poison *mterrors.PoisonError

	closed atomic.Bool
}

func newConn[M CommitMode](raw driver.Conn) *Conn[M] {
	return &Conn[M]{id: uuid.NewString(), raw: raw}
}

// ID returns a unique identifier for log and trace correlation.
func (c *Conn[M]) ID() string {
	return c.id
}

// Mode returns the connection's commit-mode tag.
func (c *Conn[M]) Mode() M {
	var m M
	return m
}

// IsClosed reports whether Close has been called, or the connection closed
// itself after it could no longer guarantee its commit mode.
func (c *Conn[M]) IsClosed() bool {
	return c.closed.Load()
}

// Poisoned reports whether a previous WithRaw callback panicked.
func (c *Conn[M]) Poisoned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poison != nil
}

// WithRaw runs fn with exclusive access to the native connection. Statements
// fn runs on a Manual connection execute inside its open transaction.
//
// Errors returned by fn are passed through untouched.
func (c *Conn[M]) WithRaw(fn func(raw driver.Conn) error) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usableLocked(); err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			c.poison = &mterrors.PoisonError{Value: r}
			// The native state is unknown; nothing may reuse the handle.
			_ = c.closeLocked()
			err = mterrors.FromPoison(c.poison)
		}
	}()
	return fn(c.raw)
}

// Close rolls back any open transaction and releases the native connection.
// Closing an already closed connection is a no-op.
func (c *Conn[M]) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Conn[M]) closeLocked() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if c.tx != nil {
		if err := c.tx.Rollback(); err != nil {
			errs = append(errs, err)
		}
		c.tx = nil
	}
	if err := c.raw.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return mterrors.Wrap(mterrors.KindClosed, errors.Join(errs...))
	}
	return nil
}

func (c *Conn[M]) usableLocked() error {
	if c.poison != nil {
		return mterrors.FromPoison(c.poison)
	}
	if c.closed.Load() {
		return mterrors.New(mterrors.KindClosed, "connection is closed")
	}
	return nil
}

// beginLocked opens the connection's next implicit transaction.
func (c *Conn[M]) beginLocked(ctx context.Context) error {
	tx, err := beginTx(ctx, c.raw)
	if err != nil {
		return err
	}
	c.tx = tx
	return nil
}

// endTx commits or rolls back the open transaction and immediately
// opens the next one. If the next one cannot be opened the connection
// closes itself rather than fall back to auto-commit.
func (c *Conn[M]) endTx(ctx context.Context, commit bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usableLocked(); err != nil {
		return err
	}

	var endErr error
	if tx := c.tx; tx != nil {
		c.tx = nil
		if commit {
			endErr = tx.Commit()
		} else {
			endErr = tx.Rollback()
		}
	}

	if err := c.beginLocked(ctx); err != nil {
		_ = c.closeLocked()
		return mterrors.Errorf(mterrors.KindConfiguration, "unable to use transactions: %w",
			errors.Join(mterrors.FromDriver(endErr), mterrors.FromDriver(err)))
	}
	if endErr != nil {
		return mterrors.Wrap(mterrors.KindTransaction, endErr)
	}
	return nil
}

func beginTx(ctx context.Context, raw driver.Conn) (driver.Tx, error) {
	if b, ok := raw.(driver.ConnBeginTx); ok {
		return b.BeginTx(ctx, driver.TxOptions{})
	}
	return raw.Begin() //nolint:staticcheck // fallback for drivers without BeginTx
}
