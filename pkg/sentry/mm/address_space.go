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

// Package mm provides a task's virtual memory: an ordered set of regions
// installed in one set of Sv39 page tables.
package mm

import (
	"fmt"

	"gvisor.dev/sv39/pkg/errors/mmerr"
	"gvisor.dev/sv39/pkg/hostarch"
	"gvisor.dev/sv39/pkg/log"
	"gvisor.dev/sv39/pkg/ring0/pagetables"
	"gvisor.dev/sv39/pkg/sentry/pgalloc"
)

// AddressSpace is the virtual memory of one task.
//
// An AddressSpace is owned by its task and is not safe for concurrent use.
// The allocator it draws frames from may be shared.
type AddressSpace struct {
	pid   int
	alloc pgalloc.Allocator
	pt    *pagetables.PageTables

	// regions never overlap each other or the reserved pages.
	regions regionSet

	// heap is the region moved by the program break, if any. It is also
	// in regions.
	heap *Region

	// trampolineMapped and trapContextMapped record which reserved pages
	// are currently mapped.
	trampolineMapped  bool
	trapContextMapped bool

	released bool
}

// NewAddressSpace returns an address space containing only the kernel's
// share: the identity regions of k and the trampoline page.
func NewAddressSpace(a pgalloc.Allocator, k *KernelLayout, pid int) (*AddressSpace, error) {
	if err := k.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kernel layout: %w", err)
	}
	pt, err := pagetables.New(a)
	if err != nil {
		return nil, err
	}
	as := &AddressSpace{
		pid:     pid,
		alloc:   a,
		pt:      pt,
		regions: newRegionSet(),
	}
	for _, ir := range k.Identity {
		if err := as.InsertIdentity(ir.Range, ir.Perms); err != nil {
			as.Release()
			return nil, err
		}
	}
	if err := pt.Map(TrampolineVPN, k.TrampolinePFN, trampolineOpts); err != nil {
		as.Release()
		return nil, err
	}
	as.trampolineMapped = true
	log.Debugf("[%d] Address space created, token %#x", pid, as.Token())
	return as, nil
}

func (as *AddressSpace) checkLive() {
	if as.released {
		panic(fmt.Sprintf("mm: address space of pid %d used after Release", as.pid))
	}
}

// PID returns the id of the owning task.
func (as *AddressSpace) PID() int {
	return as.pid
}

// Token returns the root token that activates as.
func (as *AddressSpace) Token() uint64 {
	as.checkLive()
	return as.pt.Token()
}

// Translate returns the page table entry for vpn, if it is mapped.
func (as *AddressSpace) Translate(vpn hostarch.VPN) (pagetables.PTE, bool) {
	as.checkLive()
	return as.pt.Translate(vpn)
}

// ForEachMapping calls fn for each mapped page in increasing order until fn
// returns false.
func (as *AddressSpace) ForEachMapping(fn func(vpn hostarch.VPN, pte pagetables.PTE) bool) {
	as.checkLive()
	as.pt.ForEach(fn)
}

// ForEachRegion calls fn for each region in increasing order until fn returns
// false.
func (as *AddressSpace) ForEachRegion(fn func(r *Region) bool) {
	as.checkLive()
	as.regions.ForEach(fn)
}

// FindRegion returns the region containing vpn.
func (as *AddressSpace) FindRegion(vpn hostarch.VPN) (*Region, bool) {
	as.checkLive()
	return as.regions.Find(vpn)
}

// OwnedFrames returns the number of frames as holds: page table nodes plus
// the frames backing its regions. Frames mapped by MapTrapContext belong to
// the caller and are not counted.
func (as *AddressSpace) OwnedFrames() int {
	as.checkLive()
	n := as.pt.NodeFrames()
	as.regions.ForEach(func(r *Region) bool {
		n += r.Resident()
		return true
	})
	return n
}

// conflicts returns true if vr overlaps a region other than except or a
// reserved page.
func (as *AddressSpace) conflicts(vr hostarch.VPNRange, except *Region) bool {
	return claim(vr).Overlaps(reservedPages) || as.regions.Conflicts(vr, except)
}

// insert creates and adds a region. Nothing is changed on failure.
func (as *AddressSpace) insert(vr hostarch.VPNRange, perms hostarch.AccessType, policy MappingPolicy) (*Region, error) {
	as.checkLive()
	if err := checkRange(vr, perms); err != nil {
		return nil, err
	}
	if as.conflicts(vr, nil) {
		return nil, mmerr.ErrOverlap
	}
	var (
		r   *Region
		err error
	)
	switch policy {
	case Framed:
		r, err = NewFramedRegion(as.alloc, as.pt, vr, perms)
	case Lazy:
		r, err = NewLazyRegion(as.alloc, vr, perms)
	case Identity:
		r, err = NewIdentityRegion(as.pt, vr, perms)
	default:
		panic(fmt.Sprintf("unknown mapping policy %v", policy))
	}
	if err != nil {
		return nil, err
	}
	as.regions.Insert(r)
	return r, nil
}

// InsertFramed adds a region backed in full by fresh frames.
//
// It returns ErrOverlap if vr intersects an existing region.
func (as *AddressSpace) InsertFramed(vr hostarch.VPNRange, perms hostarch.AccessType) error {
	_, err := as.insert(vr, perms, Framed)
	return err
}

// InsertLazy adds a demand-paged region.
//
// It returns ErrOverlap if vr intersects an existing region.
func (as *AddressSpace) InsertLazy(vr hostarch.VPNRange, perms hostarch.AccessType) error {
	_, err := as.insert(vr, perms, Lazy)
	return err
}

// InsertIdentity adds a kernel-only identity mapped region.
func (as *AddressSpace) InsertIdentity(vr hostarch.VPNRange, perms hostarch.AccessType) error {
	_, err := as.insert(vr, perms, Identity)
	return err
}

// Remove unmaps and releases the region starting at start.
func (as *AddressSpace) Remove(start hostarch.VPN) error {
	as.checkLive()
	r, ok := as.regions.FindStart(start)
	if !ok {
		return mmerr.ErrNotFound
	}
	r.Release(as.pt)
	as.regions.Remove(r)
	if r == as.heap {
		as.heap = nil
	}
	log.Debugf("[%d] Removed region %v", as.pid, r)
	return nil
}

// MapTrapContext maps pfn, kernel-only read/write, at TrapContextVPN,
// replacing any previous mapping there. The frame remains owned by the
// caller.
func (as *AddressSpace) MapTrapContext(pfn hostarch.PFN) error {
	as.checkLive()
	if as.trapContextMapped {
		as.pt.Unmap(TrapContextVPN)
		as.trapContextMapped = false
	}
	if err := as.pt.Map(TrapContextVPN, pfn, trapFrameOpts); err != nil {
		return err
	}
	as.trapContextMapped = true
	return nil
}

// Release releases every region and then the page tables. The address space
// cannot be used afterwards; releasing it twice panics.
func (as *AddressSpace) Release() {
	as.checkLive()
	as.regions.ForEach(func(r *Region) bool {
		r.Release(as.pt)
		return true
	})
	as.regions = newRegionSet()
	as.heap = nil
	if as.trapContextMapped {
		as.pt.Unmap(TrapContextVPN)
		as.trapContextMapped = false
	}
	if as.trampolineMapped {
		as.pt.Unmap(TrampolineVPN)
		as.trampolineMapped = false
	}
	as.pt.Release()
	as.released = true
	log.Debugf("[%d] Address space released", as.pid)
}
