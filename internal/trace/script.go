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

// Package trace loads allocation traces and replays them against a heap.
package trace

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Op kinds.
const (
	OpAlloc  = "alloc"
	OpFree   = "free"
	OpVerify = "verify"
)

// Expected outcomes of a failing op.
const (
	ExpectOOM       = "oom"
	ExpectViolation = "violation"
)

// ErrInvalidScript is returned for a script that can't be replayed.
var ErrInvalidScript = errors.New("trace: invalid script")

// Op is one step of a trace.
type Op struct {
	Op string `yaml:"op"`
	// ID names the block an alloc creates and a free releases.
	ID string `yaml:"id,omitempty"`
	// Size defaults to the allocated size for a free.
	Size uint64 `yaml:"size,omitempty"`
	// Align defaults to DefaultAlign.
	Align uint64 `yaml:"align,omitempty"`
	// Expect is empty when the op must succeed.
	Expect string `yaml:"expect,omitempty"`
}

// Script is a named sequence of ops run on a heap of HeapSize bytes.
type Script struct {
	Name     string `yaml:"name,omitempty"`
	HeapSize int    `yaml:"heap_size,omitempty"`
	Ops      []Op   `yaml:"ops"`
}

// Load decodes and validates a YAML script.
func Load(r io.Reader) (*Script, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	s := &Script{}
	if err := dec.Decode(s); err != nil {
		return nil, fmt.Errorf("decoding trace: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadFile is Load on the file at path.
func LoadFile(path string) (*Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening trace: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Validate checks that every op is well formed and that frees refer to
// blocks the script allocated before.
func (s *Script) Validate() error {
	if s.HeapSize < 0 {
		return fmt.Errorf("%w: negative heap_size %d", ErrInvalidScript, s.HeapSize)
	}
	live := map[string]bool{}
	seen := map[string]bool{}
	for i, op := range s.Ops {
		fail := func(format string, args ...interface{}) error {
			return fmt.Errorf("%w: op %d (%s): %s", ErrInvalidScript, i, op.Op, fmt.Sprintf(format, args...))
		}
		if op.Align != 0 && op.Align&(op.Align-1) != 0 && op.Expect != ExpectViolation {
			return fail("align %d is not a power of two", op.Align)
		}
		switch op.Op {
		case OpAlloc:
			if op.ID == "" {
				return fail("missing id")
			}
			if live[op.ID] {
				return fail("id %q is still allocated", op.ID)
			}
			switch op.Expect {
			case "":
				live[op.ID] = true
				seen[op.ID] = true
			case ExpectOOM, ExpectViolation:
			default:
				return fail("unknown expect %q", op.Expect)
			}
		case OpFree:
			switch op.Expect {
			case "":
				if !live[op.ID] {
					return fail("id %q is not allocated", op.ID)
				}
				delete(live, op.ID)
			case ExpectViolation:
				if !seen[op.ID] {
					return fail("id %q was never allocated", op.ID)
				}
			default:
				return fail("unknown expect %q", op.Expect)
			}
		case OpVerify:
		default:
			return fail("unknown op")
		}
	}
	return nil
}
