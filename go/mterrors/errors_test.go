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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorDisplayKeepsCause(t *testing.T) {
	diag := NewDiagnostic("08001", 101, "server closed the connection unexpectedly")
	err := FromDiagnostic(KindConnect, diag)

	assert.Equal(t, "connect: State: 08001, Native error: 101, Message: server closed the connection unexpectedly", err.Error())
	assert.Same(t, diag, err.Cause())
	assert.ErrorIs(t, err, diag)
}

func TestNewFromMessage(t *testing.T) {
	err := New(KindConfiguration, "unable to use transactions")
	assert.Equal(t, "configuration: unable to use transactions", err.Error())
	assert.True(t, IsKind(err, KindConfiguration))
	assert.False(t, IsKind(err, KindConnect))
}

func TestErrorfWrapsCause(t *testing.T) {
	base := errors.New("boom")
	err := Errorf(KindTransaction, "commit: %w", base)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, KindTransaction, KindOf(err))
}

func TestFromPoison(t *testing.T) {
	err := FromPoison(&PoisonError{Value: "index out of range"})
	assert.Equal(t, KindPoisoned, err.Kind)
	assert.Contains(t, err.Error(), "index out of range")

	var poison *PoisonError
	require.ErrorAs(t, err, &poison)
	assert.Equal(t, "index out of range", poison.Value)
}

func TestPoisonUnwrapsErrorValues(t *testing.T) {
	base := errors.New("nil map write")
	p := &PoisonError{Value: base}
	assert.ErrorIs(t, p, base)
	assert.Nil(t, (&PoisonError{Value: 42}).Unwrap())
}

func TestWrap(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.NoError(t, Wrap(KindConnect, nil))
	})

	t.Run("plain error keeps text", func(t *testing.T) {
		base := errors.New("dial tcp: connection refused")
		err := Wrap(KindConnect, base)
		assert.Equal(t, "connect: dial tcp: connection refused", err.Error())
		assert.ErrorIs(t, err, base)
	})

	t.Run("existing kind survives", func(t *testing.T) {
		inner := New(KindEnvironment, "unknown driver")
		err := Wrap(KindConnect, fmt.Errorf("opening: %w", inner))
		assert.Equal(t, KindEnvironment, KindOf(err))
	})
}

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindUnknown, "unknown"},
		{KindEnvironment, "environment"},
		{KindConnect, "connect"},
		{KindConfiguration, "configuration"},
		{KindValidation, "validation"},
		{KindPoisoned, "poisoned"},
		{KindClosed, "closed"},
		{KindTransaction, "transaction"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.String())
	}
}

func TestKindOfForeignError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("x")))
	assert.False(t, IsKind(nil, KindUnknown))
}
