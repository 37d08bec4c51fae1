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

package trace

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cloudwego/mheap/unsafex/malloc"
)

const (
	// DefaultHeapSize is used when neither the option nor the script sets a size.
	DefaultHeapSize = 64 << 10

	// DefaultAlign is used by alloc ops without an align.
	DefaultAlign = 8
)

// ErrUnexpectedOutcome is returned when an op succeeds or fails against its Expect.
var ErrUnexpectedOutcome = errors.New("trace: unexpected outcome")

// Option configures how a script is replayed.
type Option struct {
	// HeapSize overrides the script's heap_size if > 0.
	HeapSize int

	// Pooled borrows the arena from mcache, see malloc.NewPooledArena.
	Pooled bool

	// VerifyEachStep checks the free list after every op.
	VerifyEachStep bool
}

// DefaultOption returns the default values of Option.
func DefaultOption() *Option {
	return &Option{VerifyEachStep: true}
}

// NewHeap creates the heap a script runs on.
func NewHeap(s *Script, opt *Option) (*malloc.Heap, error) {
	if opt == nil {
		opt = DefaultOption()
	}
	size := DefaultHeapSize
	if s.HeapSize > 0 {
		size = s.HeapSize
	}
	if opt.HeapSize > 0 {
		size = opt.HeapSize
	}
	if opt.Pooled {
		return malloc.NewPooledArena(size)
	}
	return malloc.NewArena(size)
}

// Report summarizes a replay.
type Report struct {
	Name        string          `json:"name,omitempty"`
	Steps       int             `json:"steps"`
	Allocs      int             `json:"allocs"`
	Frees       int             `json:"frees"`
	OOMs        int             `json:"ooms"`
	Violations  int             `json:"violations"`
	Live        int             `json:"live"`
	Size        int             `json:"size"`
	Available   int             `json:"available"`
	Regions     []malloc.Region `json:"regions"` // arena-relative
	Fingerprint uint64          `json:"fingerprint"`
}

type block struct {
	addr uintptr
	size uintptr
}

// Runner replays scripts on one heap. Blocks allocated by a script stay live
// across Run calls until a script frees them.
type Runner struct {
	heap *malloc.Heap
	log  zerolog.Logger
	opt  Option

	live  map[string]block
	freed map[string]block
	rep   Report
}

// NewRunner creates a Runner over h.
func NewRunner(h *malloc.Heap, logger zerolog.Logger, opt *Option) *Runner {
	if opt == nil {
		opt = DefaultOption()
	}
	return &Runner{
		heap:  h,
		log:   logger,
		opt:   *opt,
		live:  map[string]block{},
		freed: map[string]block{},
	}
}

// Run replays s. On error the returned report covers the ops run so far.
func (r *Runner) Run(s *Script) (*Report, error) {
	r.rep.Name = s.Name
	for i, op := range s.Ops {
		if err := r.step(op); err != nil {
			return r.report(), fmt.Errorf("op %d (%s %s): %w", i, op.Op, op.ID, err)
		}
		r.rep.Steps++
		if r.opt.VerifyEachStep {
			if err := r.heap.Verify(); err != nil {
				return r.report(), fmt.Errorf("op %d (%s %s): %w", i, op.Op, op.ID, err)
			}
			if err := r.conserved(); err != nil {
				return r.report(), fmt.Errorf("op %d (%s %s): %w", i, op.Op, op.ID, err)
			}
		}
	}
	rep := r.report()
	r.log.Info().
		Str("name", s.Name).
		Int("steps", rep.Steps).
		Int("allocs", rep.Allocs).
		Int("frees", rep.Frees).
		Int("available", rep.Available).
		Int("regions", len(rep.Regions)).
		Msg("trace finished")
	return rep, nil
}

func (r *Runner) step(op Op) error {
	switch op.Op {
	case OpAlloc:
		return r.alloc(op)
	case OpFree:
		return r.free(op)
	case OpVerify:
		return r.heap.Verify()
	}
	return fmt.Errorf("%w: unknown op %q", ErrInvalidScript, op.Op)
}

func (r *Runner) alloc(op Op) error {
	align := uintptr(op.Align)
	if align == 0 {
		align = DefaultAlign
	}
	size := uintptr(op.Size)
	addr, err := r.heap.Allocate(size, align)
	switch {
	case err == nil:
		r.rep.Allocs++
		r.log.Debug().
			Str("id", op.ID).
			Uint64("size", op.Size).
			Uint64("align", uint64(align)).
			Uint64("offset", uint64(addr-r.heap.Bottom())).
			Msg("alloc")
		r.live[op.ID] = block{addr: addr, size: size}
		if op.Expect != "" {
			return fmt.Errorf("%w: expected %s, got offset %d", ErrUnexpectedOutcome, op.Expect, addr-r.heap.Bottom())
		}
		return nil

	case errors.Is(err, malloc.ErrOutOfMemory):
		r.rep.OOMs++
		r.log.Debug().Str("id", op.ID).Uint64("size", op.Size).Msg("alloc: out of memory")
		if op.Expect != ExpectOOM {
			return fmt.Errorf("%w: %v", ErrUnexpectedOutcome, err)
		}
		return nil

	case malloc.IsContractViolation(err):
		r.rep.Violations++
		r.log.Debug().Str("id", op.ID).Err(err).Msg("alloc: violation")
		if op.Expect != ExpectViolation {
			return fmt.Errorf("%w: %v", ErrUnexpectedOutcome, err)
		}
		return nil
	}
	return err
}

func (r *Runner) free(op Op) error {
	b, ok := r.live[op.ID]
	if !ok {
		if b, ok = r.freed[op.ID]; !ok {
			return fmt.Errorf("%w: unknown id %q", ErrInvalidScript, op.ID)
		}
	}
	size := b.size
	if op.Size != 0 {
		size = uintptr(op.Size)
	}

	if err := r.heap.TryDeallocate(b.addr, size); err != nil {
		r.rep.Violations++
		r.log.Debug().Str("id", op.ID).Err(err).Msg("free: violation")
		if op.Expect != ExpectViolation {
			return fmt.Errorf("%w: %v", ErrUnexpectedOutcome, err)
		}
		return nil
	}
	r.rep.Frees++
	r.log.Debug().
		Str("id", op.ID).
		Uint64("size", uint64(size)).
		Uint64("offset", uint64(b.addr-r.heap.Bottom())).
		Msg("free")
	delete(r.live, op.ID)
	r.freed[op.ID] = b
	if op.Expect != "" {
		return fmt.Errorf("%w: expected %s, free succeeded", ErrUnexpectedOutcome, op.Expect)
	}
	return nil
}

// conserved checks that every managed byte is either free or held by a live
// block. A free with the wrong size passes Verify but breaks this.
func (r *Runner) conserved() error {
	live := 0
	for _, b := range r.live {
		live += int(b.size)
	}
	avail, size := r.heap.Available(), int(r.heap.Size())
	if avail+live != size {
		return fmt.Errorf("%w: available %d + live %d != size %d",
			malloc.ErrCorrupted, avail, live, size)
	}
	return nil
}

func (r *Runner) report() *Report {
	rep := r.rep
	rep.Live = len(r.live)
	rep.Size = int(r.heap.Size())
	rep.Available = r.heap.Available()
	rep.Fingerprint = r.heap.Fingerprint()
	rep.Regions = nil
	r.heap.Walk(func(rg malloc.Region) bool {
		rep.Regions = append(rep.Regions, malloc.Region{Addr: rg.Addr - r.heap.Bottom(), Size: rg.Size})
		return true
	})
	return &rep
}
