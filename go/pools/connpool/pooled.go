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

package connpool

import (
	"sync/atomic"
	"time"
)

// Pooled wraps a connection with metadata for pool management.
type Pooled[C Connection] struct {
	conn C

	createdAt time.Time

	// lastUsedAt is a Unix timestamp in nanoseconds, updated on checkout and return.
	lastUsedAt atomic.Int64

	// uses counts checkouts.
	uses atomic.Int64
}

// NewPooled creates a new Pooled wrapper around a connection.
func NewPooled[C Connection](conn C) *Pooled[C] {
	now := time.Now()
	p := &Pooled[C]{
		conn:      conn,
		createdAt: now,
	}
	p.lastUsedAt.Store(now.UnixNano())
	return p
}

// Conn returns the underlying connection.
func (p *Pooled[C]) Conn() C {
	return p.conn
}

// CreatedAt returns the time when this connection was created.
func (p *Pooled[C]) CreatedAt() time.Time {
	return p.createdAt
}

// LastUsedAt returns the time when this connection was last checked out or returned.
func (p *Pooled[C]) LastUsedAt() time.Time {
	return time.Unix(0, p.lastUsedAt.Load())
}

// Uses returns how many times the connection has been checked out.
func (p *Pooled[C]) Uses() int64 {
	return p.uses.Load()
}

// Age returns the duration since this connection was created.
func (p *Pooled[C]) Age() time.Duration {
	return time.Since(p.createdAt)
}

// IdleTime returns the duration since this connection was last used.
func (p *Pooled[C]) IdleTime() time.Duration {
	return time.Since(p.LastUsedAt())
}

func (p *Pooled[C]) touch() {
	p.lastUsedAt.Store(time.Now().UnixNano())
}

func (p *Pooled[C]) checkout() {
	p.uses.Add(1)
	p.touch()
}
