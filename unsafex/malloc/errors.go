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
	"errors"
	"fmt"
)

// ErrOutOfMemory is returned by Allocate when no free region can satisfy a request.
// The heap is left unchanged and the call may be retried after freeing memory.
var ErrOutOfMemory = errors.New("malloc: out of memory")

// Contract violations. These indicate caller misuse, not allocator malfunction,
// and are always wrapped in a *ContractError.
var (
	ErrSizeTooSmall  = errors.New("size below minimum block size")
	ErrSizeUnaligned = errors.New("size not a multiple of header alignment")
	ErrBadAlignment  = errors.New("alignment not a power of two")
	ErrDoubleFree    = errors.New("double free or invalid block")
	ErrOverlap       = errors.New("block overlaps a free region")
	ErrOutOfRange    = errors.New("block not in arena")
	ErrMisaligned    = errors.New("misaligned block")
)

var (
	// ErrArenaTooSmall is returned when an arena cannot hold a single minimum block.
	ErrArenaTooSmall = errors.New("malloc: arena too small")

	// ErrInitialized is returned by Init on a heap that already manages memory.
	ErrInitialized = errors.New("malloc: heap already initialized")

	// ErrCorrupted is returned by Verify when a free-list invariant does not hold.
	ErrCorrupted = errors.New("malloc: free list corrupted")
)

// ContractError describes a call that broke the allocator's preconditions.
type ContractError struct {
	Op   string
	Addr uintptr
	Size uintptr
	Err  error
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("malloc: %s addr=%#x size=%d: %v", e.Op, e.Addr, e.Size, e.Err)
}

func (e *ContractError) Unwrap() error { return e.Err }

// IsContractViolation reports whether err is (or wraps) a *ContractError.
func IsContractViolation(err error) bool {
	var ce *ContractError
	return errors.As(err, &ce)
}

func violation(op string, addr, size uintptr, err error) error {
	return &ContractError{Op: op, Addr: addr, Size: size, Err: err}
}
