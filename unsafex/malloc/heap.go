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

// Package malloc implements a first-fit heap over a caller-supplied arena.
//
// Free memory is tracked by an address-ordered singly linked list whose
// headers live inside the free regions themselves, so the heap needs no
// storage beyond the arena. Adjacent free regions are merged on every free.
//
// A Heap is NOT safe for concurrent use. Callers must serialize all calls,
// for example by holding a sync.Mutex around the Heap.
package malloc

import (
	"fmt"
	"unsafe"

	"github.com/cloudwego/mheap/unsafex"
)

// freeBlock is the header written at the start of every free region.
type freeBlock struct {
	// size is the length of the region in bytes, header included.
	size uintptr
	// next is the address of the next free region, or 0 for the last one.
	next uintptr
}

const (
	headerSize  = unsafe.Sizeof(freeBlock{})
	headerAlign = unsafe.Alignof(freeBlock{})

	// MinBlockSize is the smallest size accepted by Allocate and Deallocate.
	// Twice the header: room for the block and for any leftover's own header.
	MinBlockSize = 2 * headerSize
)

// blockInfo is a snapshot of one header.
type blockInfo struct {
	addr uintptr
	size uintptr
}

func (b blockInfo) end() uintptr { return b.addr + b.size }

// allocation is the result of carving a request out of a free region.
// front and back are zero-sized when there is no padding.
type allocation struct {
	info  blockInfo
	front blockInfo
	back  blockInfo
}

// Heap is a free-list allocator managing one contiguous arena.
// The zero value is an empty heap; call Init before use.
type Heap struct {
	// sentinel never describes real memory, its next is the first free region.
	sentinel freeBlock

	// arena keeps the managed memory alive for the lifetime of the heap.
	arena []byte
	// base points at the first managed byte, i.e. the address bottom.
	base unsafe.Pointer
	// bottom and top bound the managed range [bottom, top).
	bottom uintptr
	top    uintptr

	// pooled is set when arena was borrowed from mcache by NewPooledArena.
	pooled bool

	onViolation func(err error)
}

// Empty returns a heap that manages no memory.
// Allocate fails with ErrOutOfMemory until Init is called.
func Empty() *Heap {
	return &Heap{}
}

// New creates a heap managing the whole of arena.
// The heap owns arena from now on: the caller must not touch its bytes
// except through blocks returned by Allocate.
func New(arena []byte) (*Heap, error) {
	h := &Heap{}
	if err := h.Init(arena); err != nil {
		return nil, err
	}
	return h, nil
}

// Init makes an empty heap manage arena. The start of arena is rounded up to
// the header alignment; at least MinBlockSize bytes must remain after that.
func (h *Heap) Init(arena []byte) error {
	if h.base != nil {
		return ErrInitialized
	}
	if len(arena) == 0 {
		return fmt.Errorf("%w: empty arena", ErrArenaTooSmall)
	}
	start := uintptr(unsafe.Pointer(&arena[0]))
	bottom := unsafex.AlignUp(start, headerAlign)
	skip := int(bottom - start)
	if len(arena)-skip < int(MinBlockSize) {
		return fmt.Errorf("%w: need %d bytes after alignment, got %d",
			ErrArenaTooSmall, MinBlockSize, len(arena)-skip)
	}

	h.arena = arena
	h.base = unsafe.Pointer(&arena[skip])
	h.bottom = bottom
	h.top = start + uintptr(len(arena))

	b := (*freeBlock)(h.base)
	b.size = h.top - h.bottom
	b.next = 0
	h.sentinel.next = h.bottom
	return nil
}

// SetViolationHandler sets the func called by Deallocate and FreeBytes when a
// call breaks the allocator's contract. The default handler panics with the
// *ContractError. A handler that returns leaves the heap untouched.
func (h *Heap) SetViolationHandler(f func(err error)) {
	h.onViolation = f
}

// MinBlockSize returns the smallest size accepted by Allocate and Deallocate.
// Callers with smaller objects must round up, see AlignSize.
func (h *Heap) MinBlockSize() uintptr {
	return MinBlockSize
}

// AlignSize rounds n up to the nearest size Allocate accepts.
func AlignSize(n uintptr) uintptr {
	if n < MinBlockSize {
		return MinBlockSize
	}
	return unsafex.AlignUp(n, headerAlign)
}

// Bottom returns the address of the first managed byte.
func (h *Heap) Bottom() uintptr { return h.bottom }

// Top returns the address right after the last managed byte.
func (h *Heap) Top() uintptr { return h.top }

// Size returns the number of managed bytes.
func (h *Heap) Size() uintptr { return h.top - h.bottom }

// Allocate carves size bytes aligned to align out of the first free region
// that fits, and returns the address of the block.
//
// size must be at least MinBlockSize and a multiple of the header alignment
// (use AlignSize), align must be a power of two. Breaking either rule returns
// a *ContractError. ErrOutOfMemory is returned if no region fits.
func (h *Heap) Allocate(size, align uintptr) (uintptr, error) {
	if !unsafex.IsPowerOfTwo(align) {
		return 0, violation("allocate", 0, size, ErrBadAlignment)
	}
	if size < MinBlockSize {
		return 0, violation("allocate", 0, size, ErrSizeTooSmall)
	}
	if !unsafex.IsAligned(size, headerAlign) {
		return 0, violation("allocate", 0, size, ErrSizeUnaligned)
	}
	// Every returned block may later hold a header.
	if align < headerAlign {
		align = headerAlign
	}

	a, ok := h.firstFit(size, align)
	if !ok {
		return 0, ErrOutOfMemory
	}
	// Padding goes through the free path so it merges with its neighbours.
	if a.front.size != 0 {
		h.reinsert(a.front)
	}
	if a.back.size != 0 {
		h.reinsert(a.back)
	}
	return a.info.addr, nil
}

// Deallocate returns the block at addr to the heap. size must be the size
// passed to Allocate. A free that does not match a live allocation (double
// free, overlap, foreign address) is reported to the violation handler.
func (h *Heap) Deallocate(addr, size uintptr) {
	if err := h.insert(addr, size); err != nil {
		h.violate(err)
	}
}

// TryDeallocate is like Deallocate but returns contract violations instead of
// reporting them. The heap is unchanged when an error is returned.
func (h *Heap) TryDeallocate(addr, size uintptr) error {
	return h.insert(addr, size)
}

// Bytes returns the size bytes starting at addr as a slice, nil if size is 0.
// It panics if the range is not inside the arena.
func (h *Heap) Bytes(addr, size uintptr) []byte {
	if !h.contains(addr, size) {
		panic(violation("bytes", addr, size, ErrOutOfRange))
	}
	if size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(h.ptr(addr)), size)
}

// AllocBytes is Allocate returning the block as a slice of len and cap size.
// The content of the slice is NOT zeroed.
func (h *Heap) AllocBytes(size, align uintptr) ([]byte, error) {
	addr, err := h.Allocate(size, align)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(h.ptr(addr)), size), nil
}

// FreeBytes frees a slice returned by AllocBytes.
//
// IMPORTANT: b must be the original slice. Reslicing changes its address or
// length and the free is then reported as a violation.
func (h *Heap) FreeBytes(b []byte) {
	// read the data pointer directly, b may be empty
	addr := *(*uintptr)(unsafe.Pointer(&b))
	h.Deallocate(addr, uintptr(len(b)))
}

func (h *Heap) violate(err error) {
	if h.onViolation != nil {
		h.onViolation(err)
		return
	}
	panic(err)
}

func (h *Heap) reinsert(b blockInfo) {
	// padding is carved from a listed region, failing here means the list was corrupt
	if err := h.insert(b.addr, b.size); err != nil {
		panic(fmt.Errorf("%w: reinserting padding: %v", ErrCorrupted, err))
	}
}

// contains reports whether [addr, addr+size) lies inside the arena.
func (h *Heap) contains(addr, size uintptr) bool {
	return h.base != nil && addr >= h.bottom && addr <= h.top && size <= h.top-addr
}

// ptr converts an address inside the arena to a pointer derived from base.
func (h *Heap) ptr(addr uintptr) unsafe.Pointer {
	return unsafe.Add(h.base, addr-h.bottom)
}

// block returns the header at addr.
func (h *Heap) block(addr uintptr) *freeBlock {
	return (*freeBlock)(h.ptr(addr))
}
