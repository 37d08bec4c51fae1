/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package malloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewArena(t *testing.T) {
	_, err := NewArena(0)
	assert.ErrorIs(t, err, ErrArenaTooSmall)
	_, err = NewArena(int(MinBlockSize) - 1)
	assert.ErrorIs(t, err, ErrArenaTooSmall)

	h, err := NewArena(64 * 1024)
	require.NoError(t, err)
	assert.LessOrEqual(t, h.Size(), uintptr(64*1024))
	assert.Equal(t, int(h.Size()), h.Available())

	b, err := h.AllocBytes(4096, 4096)
	require.NoError(t, err)
	assert.Equal(t, 4096, len(b))
	h.FreeBytes(b)
	assert.Equal(t, int(h.Size()), h.Available())
	assert.NoError(t, h.Verify())
}

func TestNewPooledArena(t *testing.T) {
	_, err := NewPooledArena(-1)
	assert.ErrorIs(t, err, ErrArenaTooSmall)

	h, err := NewPooledArena(32 * 1024)
	require.NoError(t, err)
	assert.True(t, h.pooled)

	addr, err := h.Allocate(1024, 64)
	require.NoError(t, err)
	h.Deallocate(addr, 1024)

	var handled int
	h.SetViolationHandler(func(error) { handled++ })
	h.Release()
	assert.Equal(t, uintptr(0), h.Size())
	assert.Nil(t, h.Regions())
	_, err = h.Allocate(1024, 64)
	assert.Equal(t, ErrOutOfMemory, err)

	// the handler survives Release
	h.Deallocate(addr, 1024)
	assert.Equal(t, 1, handled)

	// a released heap can be initialized again
	require.NoError(t, h.Init(alignedArena(1024)))
	assert.Equal(t, 1024, h.Available())
	h.Release()
}
