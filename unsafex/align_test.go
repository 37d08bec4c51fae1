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

package unsafex

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPowerOfTwo(t *testing.T) {
	for _, x := range []uintptr{1, 2, 4, 8, 64, 4096, 1 << 20} {
		assert.True(t, IsPowerOfTwo(x), "x=%d", x)
	}
	for _, x := range []uintptr{0, 3, 6, 12, 100, 4095} {
		assert.False(t, IsPowerOfTwo(x), "x=%d", x)
	}
}

func TestAlignUp(t *testing.T) {
	tests := []struct {
		addr, align, want uintptr
	}{
		{0, 8, 0},
		{1, 8, 8},
		{8, 8, 8},
		{9, 8, 16},
		{100, 1, 100},
		{100, 64, 128},
		{4097, 4096, 8192},
		{4096, 4096, 4096},
	}
	for _, tt := range tests {
		got := AlignUp(tt.addr, tt.align)
		assert.Equal(t, tt.want, got, "AlignUp(%d, %d)", tt.addr, tt.align)
		assert.True(t, IsAligned(got, tt.align))
		assert.GreaterOrEqual(t, got, tt.addr)
		assert.Less(t, got-tt.addr, tt.align)
	}
}

func TestAlignDown(t *testing.T) {
	assert.Equal(t, uintptr(0), AlignDown(7, 8))
	assert.Equal(t, uintptr(8), AlignDown(8, 8))
	assert.Equal(t, uintptr(64), AlignDown(127, 64))
}

func TestIsAligned(t *testing.T) {
	assert.True(t, IsAligned(0, 16))
	assert.True(t, IsAligned(32, 16))
	assert.False(t, IsAligned(40, 16))
	assert.True(t, IsAligned(41, 1))
}

func BenchmarkAlignUp(b *testing.B) {
	var x uintptr
	for i := 0; i < b.N; i++ {
		x += AlignUp(uintptr(i), 64)
	}
	_ = x
}
