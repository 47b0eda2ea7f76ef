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

package mm

import (
	"gvisor.dev/sv39/pkg/errors/mmerr"
	"gvisor.dev/sv39/pkg/hostarch"
)

// breakPage returns the page-aligned end of a heap whose break is brk.
func breakPage(brk hostarch.Addr) (hostarch.VPN, bool) {
	end, ok := brk.RoundUp()
	if !ok {
		return 0, false
	}
	vpn := hostarch.VPN(uint64(end) >> hostarch.PageShift)
	if vpn > hostarch.MaxVPN+1 {
		return 0, false
	}
	return vpn, true
}

// SetupHeap adds a demand-paged heap region covering vr.
func (as *AddressSpace) SetupHeap(vr hostarch.VPNRange, perms hostarch.AccessType) error {
	as.checkLive()
	if as.heap != nil {
		return mmerr.ErrInvalidBreak
	}
	r, err := as.insert(vr, perms, Lazy)
	if err != nil {
		return err
	}
	as.heap = r
	return nil
}

// Heap returns the pages of the heap region.
func (as *AddressSpace) Heap() (hostarch.VPNRange, bool) {
	as.checkLive()
	if as.heap == nil {
		return hostarch.VPNRange{}, false
	}
	return as.heap.vr, true
}

// heapEnd validates brk against the heap and returns the heap's new end.
func (as *AddressSpace) heapEnd(brk hostarch.Addr) (hostarch.VPN, error) {
	if as.heap == nil || brk < as.heap.vr.Start.Addr() {
		return 0, mmerr.ErrInvalidBreak
	}
	end, ok := breakPage(brk)
	if !ok {
		return 0, mmerr.ErrInvalidBreak
	}
	return end, nil
}

// GrowHeap extends the heap region so that it ends at the page containing
// brk. Nothing is backed until it faults.
//
// It returns ErrInvalidBreak if brk is below the heap's start or would move
// the end down, and ErrOverlap if the heap would run into another region.
func (as *AddressSpace) GrowHeap(brk hostarch.Addr) error {
	as.checkLive()
	end, err := as.heapEnd(brk)
	if err != nil {
		return err
	}
	if end < as.heap.vr.End {
		return mmerr.ErrInvalidBreak
	}
	grown := hostarch.VPNRange{Start: as.heap.vr.Start, End: end}
	if as.conflicts(grown, as.heap) {
		return mmerr.ErrOverlap
	}
	return as.heap.GrowTo(as.pt, end)
}

// ShrinkHeap truncates the heap region so that it ends at the page containing
// brk, releasing every page beyond it.
//
// It returns ErrInvalidBreak if brk is below the heap's start or would move
// the end up.
func (as *AddressSpace) ShrinkHeap(brk hostarch.Addr) error {
	as.checkLive()
	end, err := as.heapEnd(brk)
	if err != nil {
		return err
	}
	if end > as.heap.vr.End {
		return mmerr.ErrInvalidBreak
	}
	return as.heap.ShrinkTo(as.pt, end)
}
