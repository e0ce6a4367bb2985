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

package main

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/multigres/connmgr/go/config"
	"github.com/multigres/connmgr/go/connmgr"
	"github.com/multigres/connmgr/go/driverenv"
	"github.com/multigres/connmgr/go/drivers"
	"github.com/multigres/connmgr/go/pools/connpool"
)

func newRunCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the configured query once from every worker and print the first column.",
		Args:  cobra.NoArgs,
		RunE:  a.closingLog(a.run),
	}
}

func (a *app) run(cmd *cobra.Command, args []string) error {
	if done, err := a.dumpIfRequested(cmd); done {
		return err
	}
	cfg := a.cfg
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := a.logger.Get()
	env, err := drivers.NewEnvironment(cfg.Driver,
		driverenv.WithFailurePolicy(cfg.FailurePolicy()),
		driverenv.WithLogger(logger))
	if err != nil {
		return err
	}

	opts := []connmgr.Option{
		connmgr.WithLogger(logger),
		connmgr.WithValidationQuery(cfg.ValidationQuery),
	}
	out := &syncWriter{w: cmd.OutOrStdout()}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()
	switch cfg.Mode {
	case config.ModeManual:
		m := connmgr.NewTransactionalManager(env, cfg.DSN, opts...)
		err = runWorkers(ctx, m, cfg, logger, out, finishManual)
	default:
		m := connmgr.NewAutoCommitManager(env, cfg.DSN, opts...)
		err = runWorkers(ctx, m, cfg, logger, out, nil)
	}
	logger.Info("run finished", "workers", cfg.Run.Workers, "mode", cfg.Mode,
		"duration", time.Since(start), "error", err)
	return err
}

// finishFunc ends a worker's unit of work on its connection. err is the
// query result.
type finishFunc[M connmgr.CommitMode] func(ctx context.Context, c *connmgr.Conn[M], err error) error

func finishManual(ctx context.Context, c *connmgr.Conn[connmgr.Manual], err error) error {
	if err != nil {
		return errors.Join(err, connmgr.Rollback(ctx, c))
	}
	return connmgr.Commit(ctx, c)
}

func runWorkers[M connmgr.CommitMode](
	ctx context.Context,
	m *connmgr.Manager[M],
	cfg *config.Config,
	logger *slog.Logger,
	out io.Writer,
	finish finishFunc[M],
) error {
	pool := connpool.NewPool[*connmgr.Conn[M]](m, connpool.Config{
		Name:           cfg.Driver,
		Capacity:       cfg.Pool.Capacity,
		TestOnCheckout: cfg.Pool.TestOnCheckout,
		Logger:         logger,
	})
	defer pool.Close()

	g, ctx := errgroup.WithContext(ctx)
	for i := range cfg.Run.Workers {
		g.Go(func() error {
			value, err := runOnce(ctx, pool, cfg, finish)
			if err != nil {
				return fmt.Errorf("worker %d: %w", i, err)
			}
			_, err = fmt.Fprintf(out, "worker %d: %s\n", i, value)
			return err
		})
	}
	err := g.Wait()

	stats := pool.Stats()
	logger.Debug("pool stats", "active", stats.Active, "idle", stats.Idle, "capacity", stats.Capacity)
	return err
}

func runOnce[M connmgr.CommitMode](
	ctx context.Context,
	pool *connpool.Pool[*connmgr.Conn[M]],
	cfg *config.Config,
	finish finishFunc[M],
) (string, error) {
	getCtx := ctx
	if cfg.Pool.CheckoutTimeout > 0 {
		var cancel context.CancelFunc
		getCtx, cancel = context.WithTimeout(ctx, cfg.Pool.CheckoutTimeout)
		defer cancel()
	}
	pooled, err := pool.Get(getCtx)
	if err != nil {
		return "", err
	}
	defer func() { _ = pool.Put(pooled) }()

	conn := pooled.Conn()
	value, err := queryFirstColumn(ctx, conn, cfg.Run.Query)
	if finish != nil {
		err = finish(ctx, conn, err)
	}
	return value, err
}

// queryFirstColumn runs query and renders the first column of the first row.
func queryFirstColumn[M connmgr.CommitMode](ctx context.Context, c *connmgr.Conn[M], query string) (string, error) {
	var value string
	err := c.WithRaw(func(raw driver.Conn) error {
		rows, err := queryRaw(ctx, raw, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		cols := rows.Columns()
		if len(cols) == 0 {
			value = "(no columns)"
			return nil
		}
		dest := make([]driver.Value, len(cols))
		switch err := rows.Next(dest); {
		case errors.Is(err, io.EOF):
			value = "(no rows)"
		case err != nil:
			return err
		default:
			value = render(dest[0])
		}
		return nil
	})
	return value, err
}

func queryRaw(ctx context.Context, raw driver.Conn, query string) (driver.Rows, error) {
	if q, ok := raw.(driver.QueryerContext); ok {
		rows, err := q.QueryContext(ctx, query, nil)
		if !errors.Is(err, driver.ErrSkip) {
			return rows, err
		}
	}
	stmt, err := raw.Prepare(query)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(nil) //nolint:staticcheck // fallback for drivers without QueryerContext
	if err != nil {
		stmt.Close()
		return nil, err
	}
	return &stmtRows{Rows: rows, stmt: stmt}, nil
}

// stmtRows closes its statement together with the rows.
type stmtRows struct {
	driver.Rows
	stmt driver.Stmt
}

func (r *stmtRows) Close() error {
	return errors.Join(r.Rows.Close(), r.stmt.Close())
}

func render(v driver.Value) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(v)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
}

// syncWriter serializes writes from concurrent workers.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
