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

// insert puts [addr, addr+size) back on the free list, merging it with the
// free regions right before and after it.
//
// All checks run before the list is touched: once a successor has been
// absorbed, the next one starts past the absorbed end, so no later step of
// the walk can fail.
func (h *Heap) insert(addr, size uintptr) error {
	if !h.contains(addr, size) {
		return violation("deallocate", addr, size, ErrOutOfRange)
	}
	if size < MinBlockSize {
		return violation("deallocate", addr, size, ErrSizeTooSmall)
	}
	if !unsafex.IsAligned(addr, headerAlign) {
		return violation("deallocate", addr, size, ErrMisaligned)
	}
	// only a region ending at the arena top may have an unaligned size
	if !unsafex.IsAligned(size, headerAlign) && addr+size != h.top {
		return violation("deallocate", addr, size, ErrSizeUnaligned)
	}

	// The sentinel sits at address 0 with size 0, its end never constrains addr.
	cur, curAddr := &h.sentinel, uintptr(0)
	for {
		curEnd := curAddr + cur.size
		if curEnd > addr {
			return violation("deallocate", addr, size, ErrDoubleFree)
		}

		var next *freeBlock
		nextAddr := cur.next
		if nextAddr != 0 {
			next = h.block(nextAddr)
		}
		end := addr + size

		switch {
		case curEnd == addr && next != nil && end == nextAddr:
			// bridges cur and next
			cur.size += size + next.size
			cur.next = next.next

		case curEnd == addr:
			if next != nil && end > nextAddr {
				return violation("deallocate", addr, size, ErrOverlap)
			}
			cur.size += size

		case next != nil && end == nextAddr:
			// absorb next, then retry: the grown block may now touch cur
			cur.next = next.next
			size += next.size
			continue

		case next != nil && nextAddr <= addr:
			cur, curAddr = next, nextAddr
			continue

		default:
			if next != nil && end > nextAddr {
				return violation("deallocate", addr, size, ErrOverlap)
			}
			b := h.block(addr)
			b.size = size
			b.next = cur.next
			cur.next = addr
		}
		return nil
	}
}
