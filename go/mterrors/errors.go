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

// Package mterrors normalizes every failure the connection manager can
// produce into a single error type.
//
// Conversions here are pure: they never log. Callers that want a log line
// (the manager and the pool) emit it themselves.
package mterrors

import (
	"errors"
	"fmt"
)

// Kind classifies where in the connection lifecycle an error originated.
type Kind int

const (
	// KindUnknown is the zero Kind.
	KindUnknown Kind = iota
	// KindEnvironment means the shared driver environment could not be initialized.
	KindEnvironment
	// KindConnect means the driver rejected the connection string, credentials or network.
	KindConnect
	// KindConfiguration means a freshly opened connection could not be configured,
	// e.g. auto-commit could not be disabled.
	KindConfiguration
	// KindValidation means a liveness check against a pooled connection failed.
	KindValidation
	// KindPoisoned means a previous holder of the connection panicked mid-use.
	KindPoisoned
	// KindClosed means the connection was used after it was closed.
	KindClosed
	// KindTransaction means a commit or rollback failed.
	KindTransaction
)

func (k Kind) String() string {
	switch k {
	case KindEnvironment:
		return "environment"
	case KindConnect:
		return "connect"
	case KindConfiguration:
		return "configuration"
	case KindValidation:
		return "validation"
	case KindPoisoned:
		return "poisoned"
	case KindClosed:
		return "closed"
	case KindTransaction:
		return "transaction"
	default:
		return "unknown"
	}
}

// Error is the normalized error returned across the manager boundary.
// The original cause is kept intact and reachable through errors.Unwrap.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String() + ": unknown error"
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Cause returns the underlying cause.
func (e *Error) Cause() error {
	return e.Err
}

var _ error = (*Error)(nil)

// New creates an Error from a plain descriptive message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// Errorf creates an Error from a formatted message. %w verbs are honored.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap converts err into an Error of the given kind.
// If err already is an *Error it is returned unchanged so the original kind survives.
// If err carries a recognizable driver diagnostic it is normalized into a *Diagnostic first.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: kind, Err: FromDriver(err)}
}

// FromDiagnostic wraps a driver diagnostic record.
func FromDiagnostic(kind Kind, d *Diagnostic) *Error {
	return &Error{Kind: kind, Err: d}
}

// FromPoison wraps a poison condition.
func FromPoison(p *PoisonError) *Error {
	return &Error{Kind: KindPoisoned, Err: p}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err's chain contains an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// PoisonError records that a goroutine panicked while it held a connection's lock.
// The connection's native state is unknown afterwards.
type PoisonError struct {
	// Value is what the panicking goroutine passed to panic.
	Value any
}

func (p *PoisonError) Error() string {
	return fmt.Sprintf("connection poisoned by panic in previous holder: %v", p.Value)
}

// Unwrap exposes the panic value when it was itself an error.
func (p *PoisonError) Unwrap() error {
	if err, ok := p.Value.(error); ok {
		return err
	}
	return nil
}
