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

// CommitMode is the type-level tag carried by every Conn. A Conn[AutoCommit]
// and a Conn[Manual] are distinct types, so one can never be passed where the
// other is expected.
type CommitMode interface {
	AutoCommit | Manual

	// Autocommit reports whether each statement commits on its own.
	Autocommit() bool
	String() string
}

// AutoCommit tags connections on which every statement commits immediately.
type AutoCommit struct{}

// Autocommit returns true.
func (AutoCommit) Autocommit() bool { return true }

func (AutoCommit) String() string { return "autocommit" }

// Manual tags connections that always have an open transaction. Work is
// persisted by Commit and discarded by Rollback.
type Manual struct{}

// Autocommit returns false.
func (Manual) Autocommit() bool { return false }

func (Manual) String() string { return "manual" }
