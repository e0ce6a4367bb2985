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

// Package drivers links the supported database/sql drivers into the binary
// and builds driver environments for them.
package drivers

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"maps"
	"slices"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/multigres/connmgr/go/driverenv"
)

// builtin constructs the linked-in drivers directly, so resolving one never
// parses a connection string.
var builtin = map[string]func() driver.Driver{
	"mysql":    func() driver.Driver { return mysql.MySQLDriver{} },
	"pgx":      stdlib.GetDefaultDriver,
	"postgres": func() driver.Driver { return &pq.Driver{} },
	"sqlite3":  func() driver.Driver { return &sqlite3.SQLiteDriver{} },
}

// Supported returns the names of the drivers this package links in, sorted.
func Supported() []string {
	return slices.Sorted(maps.Keys(builtin))
}

// Names returns every driver registered with database/sql, including ones
// registered by other packages, sorted.
func Names() []string {
	return sql.Drivers()
}

// Known reports whether name is registered with database/sql.
func Known(name string) bool {
	return slices.Contains(sql.Drivers(), name)
}

// NewEnvironment returns a driverenv.Environment for a registered driver.
// Linked-in drivers are constructed directly; any other registered driver
// is looked up in the database/sql registry on first use.
func NewEnvironment(name string, opts ...driverenv.Option) (*driverenv.Environment, error) {
	if !Known(name) {
		return nil, fmt.Errorf("unknown driver %q (registered: %v)", name, Names())
	}
	if mk, ok := builtin[name]; ok {
		opts = append([]driverenv.Option{driverenv.WithResolver(func() (driver.Driver, error) {
			return mk(), nil
		})}, opts...)
	}
	return driverenv.New(name, opts...), nil
}
