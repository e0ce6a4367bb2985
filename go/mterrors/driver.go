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

package mterrors

import (
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// FromDriver extracts a diagnostic record from an error returned by one of
// the supported drivers (lib/pq, pgx, go-sqlite3, go-sql-driver/mysql).
//
// The returned *Diagnostic wraps err. Errors that already carry a
// *Diagnostic, and errors from unrecognized drivers, are returned unchanged.
func FromDriver(err error) error {
	if err == nil {
		return nil
	}
	var diag *Diagnostic
	if errors.As(err, &diag) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return &Diagnostic{
			State:    string(pqErr.Code),
			Severity: pqErr.Severity,
			Message:  pqErr.Message,
			Detail:   pqErr.Detail,
			Hint:     pqErr.Hint,
			err:      err,
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &Diagnostic{
			State:    pgErr.Code,
			Severity: pgErr.Severity,
			Message:  pgErr.Message,
			Detail:   pgErr.Detail,
			Hint:     pgErr.Hint,
			err:      err,
		}
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		state := string(myErr.SQLState[:])
		if myErr.SQLState == [5]byte{} {
			state = GeneralState
		}
		return &Diagnostic{
			State:       state,
			NativeError: int32(myErr.Number),
			Severity:    "ERROR",
			Message:     myErr.Message,
			err:         err,
		}
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return &Diagnostic{
			State:       GeneralState,
			NativeError: int32(liteErr.ExtendedCode),
			Severity:    "ERROR",
			Message:     liteErr.Error(),
			err:         err,
		}
	}

	return err
}

// DiagnosticOf returns the first *Diagnostic in err's chain, or nil.
func DiagnosticOf(err error) *Diagnostic {
	var diag *Diagnostic
	if errors.As(err, &diag) {
		return diag
	}
	return nil
}
