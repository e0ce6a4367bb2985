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

// Package connstack provides the LIFO stack that holds idle pooled connections.
//
// The most recently returned connection is handed out first, so a lightly
// loaded pool keeps reusing a small set of warm connections.
package connstack

import "sync"

// Stack is a LIFO stack safe for concurrent use. The zero value is empty and
// ready to use.
type Stack[T any] struct {
	mu    sync.Mutex
	items []T
}

// Push adds an element to the top of the stack.
func (s *Stack[T]) Push(elem T) {
	s.mu.Lock()
	s.items = append(s.items, elem)
	s.mu.Unlock()
}

// Pop removes and returns the element at the top of the stack.
// The second result is false if the stack was empty.
func (s *Stack[T]) Pop() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	n := len(s.items)
	if n == 0 {
		return zero, false
	}
	elem := s.items[n-1]
	// Clear the slot so the popped element can be collected.
	s.items[n-1] = zero
	s.items = s.items[:n-1]
	return elem, true
}

// Len returns the number of elements on the stack.
func (s *Stack[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// IsEmpty returns true if the stack is empty.
// Note: The result may be immediately invalidated by concurrent operations.
func (s *Stack[T]) IsEmpty() bool {
	return s.Len() == 0
}

// Drain removes every element and returns them top first.
func (s *Stack[T]) Drain() []T {
	s.mu.Lock()
	items := s.items
	s.items = nil
	s.mu.Unlock()

	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items
}
