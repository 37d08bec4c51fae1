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

import "github.com/cloudwego/mheap/unsafex"

// splitBlock carves size bytes aligned to align out of the free region b.
// It returns false if b cannot hold the request without leaving a leftover
// too small to carry its own header.
func splitBlock(b blockInfo, size, align uintptr) (allocation, bool) {
	var a allocation
	start := b.addr
	if !unsafex.IsAligned(start, align) {
		// Skip at least MinBlockSize so the front padding can stand alone.
		start = unsafex.AlignUp(b.addr+MinBlockSize, align)
		if start < b.addr { // wrapped
			return a, false
		}
		a.front = blockInfo{addr: b.addr, size: start - b.addr}
	}

	end := b.end()
	if start > end || size > end-start {
		return a, false
	}

	// A positive leftover below MinBlockSize rejects the whole region rather
	// than growing the block; the returned block is always exactly size bytes.
	if leftover := end - start - size; leftover != 0 {
		if leftover < MinBlockSize {
			return a, false
		}
		a.back = blockInfo{addr: start + size, size: leftover}
	}
	a.info = blockInfo{addr: start, size: size}
	return a, true
}

// firstFit unlinks the first free region that splitBlock accepts.
func (h *Heap) firstFit(size, align uintptr) (allocation, bool) {
	prev := &h.sentinel
	for prev.next != 0 {
		addr := prev.next
		cur := h.block(addr)
		if a, ok := splitBlock(blockInfo{addr: addr, size: cur.size}, size, align); ok {
			prev.next = cur.next
			return a, true
		}
		prev = cur
	}
	return allocation{}, false
}
