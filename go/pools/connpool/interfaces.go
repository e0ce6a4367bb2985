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

// Package connpool provides a bounded LIFO pool over connections produced by
// a Manager.
//
// The pool owns capacity and reuse. It never decides on its own that a
// connection is healthy: it asks the Manager, on checkout when TestOnCheckout
// is set and on return through HasBroken.
package connpool

import "context"

// Connection is the part of a pooled connection the pool itself touches.
type Connection interface {
	// IsClosed returns true if the connection has been closed.
	IsClosed() bool

	// Close closes the connection and releases associated resources.
	Close() error
}

// Manager creates and checks connections. *connmgr.Manager[M] satisfies
// Manager[*connmgr.Conn[M]].
type Manager[C Connection] interface {
	// Connect opens a new connection.
	Connect(ctx context.Context) (C, error)

	// IsValid checks a connection, possibly with a round trip to the server.
	IsValid(ctx context.Context, conn C) error

	// HasBroken is a cheap local check run when a connection is returned.
	HasBroken(conn C) bool
}
