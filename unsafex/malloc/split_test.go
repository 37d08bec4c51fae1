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
)

func TestSplitBlock(t *testing.T) {
	const base = uintptr(1 << 20)
	m := MinBlockSize
	// first 256-aligned address past base+8+m
	front := uintptr(256) // base+8+m rounded up to 256 is base+256

	tests := []struct {
		name  string
		block blockInfo
		size  uintptr
		align uintptr
		ok    bool
		want  allocation
	}{
		{
			name:  "aligned_exact",
			block: blockInfo{base, 64}, size: 64, align: 8, ok: true,
			want: allocation{info: blockInfo{base, 64}},
		},
		{
			name:  "aligned_back_padding",
			block: blockInfo{base, 256}, size: 64, align: 8, ok: true,
			want: allocation{info: blockInfo{base, 64}, back: blockInfo{base + 64, 192}},
		},
		{
			name:  "aligned_back_padding_too_small",
			block: blockInfo{base, 64 + m/2}, size: 64, align: 8, ok: false,
		},
		{
			name:  "back_padding_exactly_min",
			block: blockInfo{base, 64 + m}, size: 64, align: 8, ok: true,
			want: allocation{info: blockInfo{base, 64}, back: blockInfo{base + 64, m}},
		},
		{
			name:  "region_too_small",
			block: blockInfo{base, 32}, size: 64, align: 8, ok: false,
		},
		{
			name:  "front_and_back_padding",
			block: blockInfo{base + 8, 1024}, size: 64, align: 256, ok: true,
			want: allocation{
				info:  blockInfo{base + front, 64},
				front: blockInfo{base + 8, front - 8},
				back:  blockInfo{base + front + 64, 8 + 1024 - front - 64},
			},
		},
		{
			name:  "front_padding_exact_fit",
			block: blockInfo{base + 8, front + 64 - 8}, size: 64, align: 256, ok: true,
			want: allocation{
				info:  blockInfo{base + front, 64},
				front: blockInfo{base + 8, front - 8},
			},
		},
		{
			name:  "front_padding_past_end",
			block: blockInfo{base + 8, 200}, size: 64, align: 256, ok: false,
		},
		{
			name:  "front_padding_no_room_for_size",
			block: blockInfo{base + 8, front + 32 - 8}, size: 64, align: 256, ok: false,
		},
		{
			name:  "address_wraps",
			block: blockInfo{(^uintptr(0) - 127) &^ 7, 64}, size: 32, align: 4096, ok: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := splitBlock(tt.block, tt.size, tt.align)
			assert.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.want, got)
			// nothing is lost or gained
			assert.Equal(t, tt.block.size, got.front.size+got.info.size+got.back.size)
		})
	}
}

func TestSplitBlockPaddingSizes(t *testing.T) {
	const base = uintptr(1 << 20)
	for off := uintptr(0); off < 512; off += headerAlign {
		for _, align := range []uintptr{8, 16, 64, 256, 4096} {
			b := blockInfo{base + off, 8192}
			a, ok := splitBlock(b, 128, align)
			if !ok {
				continue
			}
			assert.Zero(t, a.info.addr%align)
			assert.Equal(t, uintptr(128), a.info.size)
			if a.front.size != 0 {
				assert.GreaterOrEqual(t, a.front.size, MinBlockSize)
				assert.Equal(t, b.addr, a.front.addr)
				assert.Equal(t, a.front.end(), a.info.addr)
			} else {
				assert.Equal(t, b.addr, a.info.addr)
			}
			if a.back.size != 0 {
				assert.GreaterOrEqual(t, a.back.size, MinBlockSize)
				assert.Equal(t, a.info.end(), a.back.addr)
				assert.Equal(t, b.end(), a.back.end())
			}
		}
	}
}

func TestFirstFit(t *testing.T) {
	h := newTestHeap(t, 4096)
	// free list: [0, 64), [128, 320), [384, 4096)
	var blocks []uintptr
	for i := 0; i < 6; i++ {
		a, err := h.Allocate(64, 8)
		assert.NoError(t, err)
		blocks = append(blocks, a)
	}
	h.Deallocate(blocks[0], 64)
	h.Deallocate(blocks[2], 64)
	h.Deallocate(blocks[3], 64)
	h.Deallocate(blocks[4], 64)
	assert.Equal(t, []Region{{0, 64}, {128, 192}, {384, 4096 - 384}}, relRegions(h))

	// first region that fits wins, even if a later one is a better fit
	a, ok := h.firstFit(128, 8)
	assert.True(t, ok)
	assert.Equal(t, h.Bottom()+128, a.info.addr)
	assert.Equal(t, blockInfo{h.Bottom() + 256, 64}, a.back)
	// the winner is unlinked, its predecessor keeps the rest of the list
	assert.Equal(t, []Region{{0, 64}, {384, 4096 - 384}}, relRegions(h))

	_, ok = h.firstFit(8192, 8)
	assert.False(t, ok)
}
