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
	"fmt"
	"log/slog"
)

// GeneralState is the SQLSTATE used when a driver does not report one.
const GeneralState = "HY000"

// Diagnostic is a driver diagnostic record: the structured information a
// driver returns to describe why an operation failed.
//
// Records produced by FromDriver keep the original driver error, so
// errors.As still reaches driver-specific types such as *pq.Error.
type Diagnostic struct {
	// State is the five-character SQLSTATE.
	State string
	// NativeError is the driver or server specific error number, 0 if none.
	NativeError int32
	// Severity is the server-reported severity (ERROR, FATAL, ...), if any.
	Severity string
	Message  string
	Detail   string
	Hint     string

	err error
}

// NewDiagnostic builds a diagnostic record without an underlying driver error.
func NewDiagnostic(state string, nativeError int32, message string) *Diagnostic {
	if state == "" {
		state = GeneralState
	}
	return &Diagnostic{State: state, NativeError: nativeError, Message: message}
}

// Error renders the record the way driver managers print diagnostic records.
func (d *Diagnostic) Error() string {
	if d == nil {
		return "State: " + GeneralState + ", Native error: 0, Message: unknown error"
	}
	return fmt.Sprintf("State: %s, Native error: %d, Message: %s", d.State, d.NativeError, d.Message)
}

// Unwrap returns the original driver error, if any.
func (d *Diagnostic) Unwrap() error {
	return d.err
}

// StateClass returns the first two characters of the SQLSTATE, which
// identify the error class ("08" connection exception, "28" invalid
// authorization, "42" syntax or access rule violation, ...).
func (d *Diagnostic) StateClass() string {
	if len(d.State) < 2 {
		return ""
	}
	return d.State[:2]
}

// IsClass reports whether the SQLSTATE belongs to the given class.
//
//	diag := &Diagnostic{State: "08001"}
//	diag.IsClass("08") // true
func (d *Diagnostic) IsClass(class string) bool {
	return d.StateClass() == class
}

// LogValue implements slog.LogValuer so a record logs as a structured group.
func (d *Diagnostic) LogValue() slog.Value {
	if d == nil {
		return slog.StringValue("<nil>")
	}
	attrs := []slog.Attr{
		slog.String("state", d.State),
		slog.Int("native_error", int(d.NativeError)),
		slog.String("message", d.Message),
	}
	if d.Severity != "" {
		attrs = append(attrs, slog.String("severity", d.Severity))
	}
	if d.Detail != "" {
		attrs = append(attrs, slog.String("detail", d.Detail))
	}
	if d.Hint != "" {
		attrs = append(attrs, slog.String("hint", d.Hint))
	}
	return slog.GroupValue(attrs...)
}

var _ slog.LogValuer = (*Diagnostic)(nil)
