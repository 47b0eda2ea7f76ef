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

// Package pgalloc contains the physical frame allocator.
//
// Frames are handed out from a fixed, contiguous range of frame numbers known
// at boot. Freed frames are kept on a recycling stack and preferred over
// frames that have never been used, which are issued by advancing a
// high-water mark.
package pgalloc

import (
	"fmt"
	"sync"

	"gvisor.dev/sv39/pkg/bitmap"
	"gvisor.dev/sv39/pkg/errors/mmerr"
	"gvisor.dev/sv39/pkg/hostarch"
	"gvisor.dev/sv39/pkg/log"
)

// Allocator is the frame source used by page tables and memory regions.
type Allocator interface {
	// Allocate returns a zero-filled frame, or mmerr.ErrOutOfMemory if
	// the pool is exhausted.
	Allocate() (*FrameTracker, error)

	// FrameBytes returns the contents of the given frame, or nil if the
	// frame is not backed by allocatable memory.
	FrameBytes(pfn hostarch.PFN) []byte
}

// FrameAllocator manages the frames in [start, end).
//
// Only the allocator is shared between address spaces, so it is the only
// structure in the memory subsystem that carries a lock. The lock is held
// across a single allocate or deallocate and never across page table walks.
type FrameAllocator struct {
	// start and end bound the allocatable frames. Immutable.
	start hostarch.PFN
	end   hostarch.PFN

	// mem backs the frames in [start, end). Immutable.
	mem *memory

	mu sync.Mutex

	// current is the high-water mark: every frame at or above current has
	// never been handed out.
	//
	// +checklocks:mu
	current hostarch.PFN

	// recycled holds freed frames, most recently freed last.
	//
	// +checklocks:mu
	recycled []hostarch.PFN

	// allocated has a bit set for each live frame, indexed from start.
	//
	// +checklocks:mu
	allocated bitmap.Bitmap
}

// New returns an allocator for the frames in [start, end).
func New(start, end hostarch.PFN) (*FrameAllocator, error) {
	if start > end || end > hostarch.MaxPFN+1 {
		return nil, fmt.Errorf("invalid frame range [%#x, %#x)", uint64(start), uint64(end))
	}
	if n := uint64(end - start); n > uint64(bitmap.MaxBitEntryLimit) {
		return nil, fmt.Errorf("frame range of %d frames is too large", n)
	}
	mem, err := newMemory(start, end)
	if err != nil {
		return nil, err
	}
	a := &FrameAllocator{
		start:     start,
		end:       end,
		mem:       mem,
		current:   start,
		allocated: bitmap.New(uint32(end - start)),
	}
	log.Debugf("Frame allocator covers %v..%v (%d frames)", start, end, end-start)
	return a, nil
}

// maxLeakReport bounds the frames listed when Close finds live frames.
const maxLeakReport = 8

// Close releases the memory backing the frames. No frame may be used
// afterwards. Frames that are still allocated are reported.
func (a *FrameAllocator) Close() error {
	a.mu.Lock()
	if n := a.allocated.Count(); n > 0 {
		var live []hostarch.PFN
		a.allocated.ForEachSet(func(i uint32) bool {
			live = append(live, a.start+hostarch.PFN(i))
			return len(live) < maxLeakReport
		})
		log.Warningf("Frame allocator closed with %d frames in use: %v", n, live)
	}
	a.mu.Unlock()
	return a.mem.release()
}

// Allocate implements Allocator.Allocate.
func (a *FrameAllocator) Allocate() (*FrameTracker, error) {
	a.mu.Lock()
	pfn, ok := a.allocLocked()
	a.mu.Unlock()
	if !ok {
		log.Debugf("Frame pool exhausted (%d frames)", a.end-a.start)
		return nil, mmerr.ErrOutOfMemory
	}

	// Every frame starts out zeroed. The frame is exclusively ours, so this
	// is done outside the lock.
	clear(a.mem.frame(pfn))
	return &FrameTracker{pfn: pfn, owner: a}, nil
}

// +checklocks:a.mu
func (a *FrameAllocator) allocLocked() (hostarch.PFN, bool) {
	var pfn hostarch.PFN
	if n := len(a.recycled); n > 0 {
		pfn = a.recycled[n-1]
		a.recycled = a.recycled[:n-1]
	} else if a.current < a.end {
		pfn = a.current
		a.current++
	} else {
		return 0, false
	}
	if !a.allocated.Set(uint32(pfn - a.start)) {
		panic(fmt.Sprintf("allocating %v which is already live", pfn))
	}
	return pfn, true
}

// deallocate returns pfn to the pool. It panics if pfn is not a live frame,
// since that means two owners believed they held it.
func (a *FrameAllocator) deallocate(pfn hostarch.PFN) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if pfn < a.start || pfn >= a.current || !a.allocated.Clear(uint32(pfn-a.start)) {
		panic(fmt.Sprintf("deallocating %v which is not allocated", pfn))
	}
	a.recycled = append(a.recycled, pfn)
}

// FrameBytes implements Allocator.FrameBytes.
func (a *FrameAllocator) FrameBytes(pfn hostarch.PFN) []byte {
	if pfn < a.start || pfn >= a.end {
		return nil
	}
	return a.mem.frame(pfn)
}

// Range returns the frames managed by a as [start, end).
func (a *FrameAllocator) Range() (start, end hostarch.PFN) {
	return a.start, a.end
}

// Capacity returns the number of frames managed by a.
func (a *FrameAllocator) Capacity() uint64 {
	return uint64(a.end - a.start)
}

// Free returns the number of frames that can currently be allocated.
func (a *FrameAllocator) Free() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint64(a.end-a.current) + uint64(len(a.recycled))
}

// InUse returns the number of live frames.
func (a *FrameAllocator) InUse() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint64(a.allocated.Count())
}

// IsAllocated returns true if pfn is currently held by a FrameTracker.
func (a *FrameAllocator) IsAllocated(pfn hostarch.PFN) bool {
	if pfn < a.start || pfn >= a.end {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated.Test(uint32(pfn - a.start))
}
