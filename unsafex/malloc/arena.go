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
	"github.com/bytedance/gopkg/lang/dirtmake"
	"github.com/bytedance/gopkg/lang/mcache"
)

// NewArena creates a heap over a newly allocated arena of size bytes.
// The arena is not zeroed.
func NewArena(size int) (*Heap, error) {
	if size <= 0 {
		return nil, ErrArenaTooSmall
	}
	return New(dirtmake.Bytes(size, size))
}

// NewPooledArena is like NewArena but borrows the arena from mcache.
// Call Release to give it back once no block of the heap is in use.
func NewPooledArena(size int) (*Heap, error) {
	if size <= 0 {
		return nil, ErrArenaTooSmall
	}
	arena := mcache.Malloc(size)
	h, err := New(arena)
	if err != nil {
		mcache.Free(arena)
		return nil, err
	}
	h.pooled = true
	return h, nil
}

// Release drops the arena and leaves h empty. Arenas from NewPooledArena are
// returned to mcache. Every block handed out by h becomes invalid.
func (h *Heap) Release() {
	if h.pooled {
		mcache.Free(h.arena)
	}
	*h = Heap{onViolation: h.onViolation}
}
