// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kernel

import (
	"fmt"

	"gvisor.dev/sv39/pkg/errors/mmerr"
	"gvisor.dev/sv39/pkg/hostarch"
)

// Brk moves the program break to addr, growing or shrinking the heap region
// to the page containing it. It returns the new break.
//
// ErrInvalidBreak is returned if addr is below the heap bottom, and
// ErrOverlap if the heap would grow into another region. The break is
// unchanged on failure.
func (t *Task) Brk(addr hostarch.Addr) (hostarch.Addr, error) {
	if t.status == Zombie {
		return t.brk, fmt.Errorf("brk after exit: %w", mmerr.ErrInvalidTransition)
	}
	if addr < t.heapBottom {
		return t.brk, mmerr.ErrInvalidBreak
	}
	var err error
	if addr >= t.brk {
		err = t.as.GrowHeap(addr)
	} else {
		err = t.as.ShrinkHeap(addr)
	}
	if err != nil {
		return t.brk, err
	}
	t.brk = addr
	return addr, nil
}

// Sbrk moves the program break by delta bytes and returns the previous break.
func (t *Task) Sbrk(delta int64) (hostarch.Addr, error) {
	old := t.brk
	brk := old + hostarch.Addr(delta)
	if (delta > 0 && brk < old) || (delta < 0 && brk > old) {
		return old, mmerr.ErrInvalidBreak
	}
	if _, err := t.Brk(brk); err != nil {
		return old, err
	}
	return old, nil
}
