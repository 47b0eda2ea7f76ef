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
	"sync"

	"gvisor.dev/sv39/pkg/errors/mmerr"
)

// InitPID is the first process id handed out.
const InitPID = 0

// PIDsLimit is the number of process ids available.
const PIDsLimit = 1 << 16

// PIDAllocator hands out process ids. Freed ids are reused, most recently
// freed first, before fresh ones.
type PIDAllocator struct {
	mu sync.Mutex

	// next is the lowest id never handed out.
	// +checklocks:mu
	next int

	// recycled are freed ids.
	// +checklocks:mu
	recycled []int

	// live is the set of ids in use.
	// +checklocks:mu
	live map[int]struct{}
}

// NewPIDAllocator returns an allocator with every id free.
func NewPIDAllocator() *PIDAllocator {
	return &PIDAllocator{
		next: InitPID,
		live: make(map[int]struct{}),
	}
}

// Allocate returns an unused id, or ErrNoPID.
func (p *PIDAllocator) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var pid int
	if n := len(p.recycled); n > 0 {
		pid = p.recycled[n-1]
		p.recycled = p.recycled[:n-1]
	} else if p.next < InitPID+PIDsLimit {
		pid = p.next
		p.next++
	} else {
		return 0, mmerr.ErrNoPID
	}
	p.live[pid] = struct{}{}
	return pid, nil
}

// Free returns pid for reuse. Freeing an id that is not in use panics.
func (p *PIDAllocator) Free(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.live[pid]; !ok {
		panic(fmt.Sprintf("freeing pid %d which is not in use", pid))
	}
	delete(p.live, pid)
	p.recycled = append(p.recycled, pid)
}

// InUse returns the number of live ids.
func (p *PIDAllocator) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}
