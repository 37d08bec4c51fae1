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
	"encoding/binary"
	"fmt"

	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/bytedance/gopkg/util/xxhash3"

	"github.com/cloudwego/mheap/unsafex"
)

// Region is one free region of a heap.
type Region struct {
	Addr uintptr
	Size uintptr
}

// End returns the address right after the region.
func (r Region) End() uintptr { return r.Addr + r.Size }

// Stats is a summary of the free list.
type Stats struct {
	Size      uintptr // managed bytes
	Available uintptr // free bytes
	Regions   int     // free regions
	Largest   uintptr // largest free region
}

// Walk calls fn for every free region in address order until fn returns false.
// fn must not allocate from or free to h.
func (h *Heap) Walk(fn func(r Region) bool) {
	for addr := h.sentinel.next; addr != 0; {
		b := h.block(addr)
		if !fn(Region{Addr: addr, Size: b.size}) {
			return
		}
		addr = b.next
	}
}

// Regions returns the free regions in address order.
func (h *Heap) Regions() []Region {
	var rs []Region
	h.Walk(func(r Region) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

// Available returns the total free bytes. Fragmentation may prevent a single
// allocation of that size.
func (h *Heap) Available() int {
	n := 0
	h.Walk(func(r Region) bool {
		n += int(r.Size)
		return true
	})
	return n
}

// Used returns the bytes currently handed out to callers.
func (h *Heap) Used() int {
	return int(h.Size()) - h.Available()
}

// Stats walks the free list once and summarizes it.
func (h *Heap) Stats() Stats {
	s := Stats{Size: h.Size()}
	h.Walk(func(r Region) bool {
		s.Regions++
		s.Available += r.Size
		if r.Size > s.Largest {
			s.Largest = r.Size
		}
		return true
	})
	return s
}

// Verify checks the free-list invariants: regions lie inside the arena in
// strictly ascending, non-adjacent order, each aligned and at least
// MinBlockSize long. It returns an error wrapping ErrCorrupted on the first
// broken invariant.
func (h *Heap) Verify() error {
	if h.sentinel.size != 0 {
		return fmt.Errorf("%w: sentinel size %d", ErrCorrupted, h.sentinel.size)
	}
	// a sound list can't hold more regions than this, more means a cycle
	limit := int(h.Size()/MinBlockSize) + 1
	prevEnd := h.bottom
	for i, addr := 0, h.sentinel.next; addr != 0; i++ {
		if i >= limit {
			return fmt.Errorf("%w: more than %d regions, list has a cycle", ErrCorrupted, limit)
		}
		// check the address before reading the header stored there
		if !h.contains(addr, headerSize) {
			return fmt.Errorf("%w: region %d at %#x outside arena [%#x, %#x)",
				ErrCorrupted, i, addr, h.bottom, h.top)
		}
		if !unsafex.IsAligned(addr, headerAlign) {
			return fmt.Errorf("%w: region %d at %#x misaligned", ErrCorrupted, i, addr)
		}
		b := h.block(addr)
		switch {
		case !h.contains(addr, b.size):
			return fmt.Errorf("%w: region %d [%#x, +%d) outside arena [%#x, %#x)",
				ErrCorrupted, i, addr, b.size, h.bottom, h.top)
		case b.size < MinBlockSize:
			return fmt.Errorf("%w: region %d at %#x has size %d < %d",
				ErrCorrupted, i, addr, b.size, MinBlockSize)
		case i > 0 && addr < prevEnd:
			return fmt.Errorf("%w: region %d at %#x overlaps or precedes previous end %#x",
				ErrCorrupted, i, addr, prevEnd)
		case i > 0 && addr == prevEnd:
			return fmt.Errorf("%w: region %d at %#x adjacent to previous region, not merged",
				ErrCorrupted, i, addr)
		}
		prevEnd = addr + b.size
		addr = b.next
	}
	return nil
}

// Fingerprint returns a hash of the free list using arena-relative offsets.
// Two heaps with the same fingerprint have the same free regions.
func (h *Heap) Fingerprint() uint64 {
	n := 0
	h.Walk(func(Region) bool {
		n++
		return true
	})
	if n == 0 {
		return xxhash3.Hash(nil)
	}
	buf := mcache.Malloc(n * 16)
	defer mcache.Free(buf)

	i := 0
	h.Walk(func(r Region) bool {
		binary.LittleEndian.PutUint64(buf[i:], uint64(r.Addr-h.bottom))
		binary.LittleEndian.PutUint64(buf[i+8:], uint64(r.Size))
		i += 16
		return true
	})
	return xxhash3.Hash(buf)
}
