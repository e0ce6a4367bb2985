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

import "context"

// Commit commits the open transaction on c and starts the next one.
//
// If the commit fails the error is returned with KindTransaction and the
// connection stays usable with a fresh transaction. If the next transaction
// cannot be started the connection is closed and a KindConfiguration error
// is returned.
func Commit(ctx context.Context, c *Conn[Manual]) error {
	return c.endTx(ctx, true)
}

// Rollback discards the open transaction on c and starts the next one.
// Failures are reported the same way as for Commit.
func Rollback(ctx context.Context, c *Conn[Manual]) error {
	return c.endTx(ctx, false)
}
