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
	"fmt"

	"gvisor.dev/sv39/pkg/errors/mmerr"
	"gvisor.dev/sv39/pkg/hostarch"
	"gvisor.dev/sv39/pkg/log"
	"gvisor.dev/sv39/pkg/ring0/pagetables"
	"gvisor.dev/sv39/pkg/sentry/pgalloc"
)

// MappingPolicy determines when a region's pages are backed.
type MappingPolicy int

const (
	// Framed regions are backed in full when created or grown.
	Framed MappingPolicy = iota

	// Lazy regions are backed one page at a time, on first fault.
	Lazy

	// Identity regions map each page to the frame with the same number.
	// They own no frames and never fault.
	Identity
)

// String implements fmt.Stringer.String.
func (p MappingPolicy) String() string {
	switch p {
	case Framed:
		return "framed"
	case Lazy:
		return "lazy"
	case Identity:
		return "identity"
	default:
		return fmt.Sprintf("MappingPolicy(%d)", int(p))
	}
}

// A Region is a contiguous range of virtual pages with one mapping policy and
// one set of permissions.
//
// A Region does not hold the page tables it is installed in. Operations that
// change mappings take them as an argument.
type Region struct {
	alloc  pgalloc.Allocator
	vr     hostarch.VPNRange
	policy MappingPolicy
	perms  hostarch.AccessType
	opts   pagetables.MapOpts

	// frames holds the frame backing each mapped page. It is always empty
	// for Identity regions.
	frames map[hostarch.VPN]*pgalloc.FrameTracker
}

func checkRange(vr hostarch.VPNRange, perms hostarch.AccessType) error {
	if !vr.WellFormed() || vr.End > hostarch.MaxVPN+1 {
		return mmerr.ErrInvalidArgument
	}
	if !perms.Any() {
		return mmerr.ErrInvalidArgument
	}
	return nil
}

func newRegion(a pgalloc.Allocator, vr hostarch.VPNRange, policy MappingPolicy, perms hostarch.AccessType) (*Region, error) {
	if err := checkRange(vr, perms); err != nil {
		return nil, err
	}
	r := &Region{
		alloc:  a,
		vr:     vr,
		policy: policy,
		perms:  perms,
		opts:   pagetables.MapOpts{AccessType: perms, User: true},
		frames: make(map[hostarch.VPN]*pgalloc.FrameTracker),
	}
	if policy == Identity {
		r.opts = pagetables.MapOpts{AccessType: perms, Global: true}
	}
	return r, nil
}

// NewFramedRegion returns a user region whose pages are all backed by fresh
// frames and mapped in pt.
//
// If a frame or page table node cannot be allocated, everything mapped so far
// is undone and ErrOutOfMemory is returned.
func NewFramedRegion(a pgalloc.Allocator, pt *pagetables.PageTables, vr hostarch.VPNRange, perms hostarch.AccessType) (*Region, error) {
	r, err := newRegion(a, vr, Framed, perms)
	if err != nil {
		return nil, err
	}
	if err := r.mapRange(pt, vr); err != nil {
		return nil, err
	}
	log.Debugf("Framed region %v %v mapped", vr, perms)
	return r, nil
}

// NewLazyRegion returns a user region with no pages backed. Pages are backed
// by HandleFault.
func NewLazyRegion(a pgalloc.Allocator, vr hostarch.VPNRange, perms hostarch.AccessType) (*Region, error) {
	r, err := newRegion(a, vr, Lazy, perms)
	if err != nil {
		return nil, err
	}
	log.Debugf("Lazy region %v %v reserved", vr, perms)
	return r, nil
}

// NewIdentityRegion returns a kernel-only global region mapping each page in
// vr to the frame with the same number.
func NewIdentityRegion(pt *pagetables.PageTables, vr hostarch.VPNRange, perms hostarch.AccessType) (*Region, error) {
	r, err := newRegion(nil, vr, Identity, perms)
	if err != nil {
		return nil, err
	}
	if err := r.mapRange(pt, vr); err != nil {
		return nil, err
	}
	return r, nil
}

// Range returns the pages covered by r.
func (r *Region) Range() hostarch.VPNRange {
	return r.vr
}

// Policy returns r's mapping policy.
func (r *Region) Policy() MappingPolicy {
	return r.policy
}

// Perms returns the permissions r was created with.
func (r *Region) Perms() hostarch.AccessType {
	return r.perms
}

// effectivePerms are the permissions the hardware grants on r's pages.
func (r *Region) effectivePerms() hostarch.AccessType {
	return r.opts.EffectiveAccess()
}

// Contains returns true if vpn is in r.
func (r *Region) Contains(vpn hostarch.VPN) bool {
	return r.vr.Contains(vpn)
}

// IsBacked returns true if vpn is mapped by r.
func (r *Region) IsBacked(vpn hostarch.VPN) bool {
	if !r.vr.Contains(vpn) {
		return false
	}
	if r.policy == Identity {
		return true
	}
	_, ok := r.frames[vpn]
	return ok
}

// Resident returns the number of frames r owns.
func (r *Region) Resident() int {
	return len(r.frames)
}

// mapPage backs and maps a single page.
func (r *Region) mapPage(pt *pagetables.PageTables, vpn hostarch.VPN) error {
	if r.policy == Identity {
		return pt.Map(vpn, hostarch.PFN(vpn), r.opts)
	}
	ft, err := r.alloc.Allocate()
	if err != nil {
		return err
	}
	if err := pt.Map(vpn, ft.PFN(), r.opts); err != nil {
		ft.Release()
		return err
	}
	r.frames[vpn] = ft
	return nil
}

// mapRange maps every page in vr, or nothing at all.
func (r *Region) mapRange(pt *pagetables.PageTables, vr hostarch.VPNRange) error {
	for vpn := vr.Start; vpn < vr.End; vpn++ {
		if err := r.mapPage(pt, vpn); err != nil {
			r.unmapRange(pt, hostarch.VPNRange{Start: vr.Start, End: vpn})
			return err
		}
	}
	return nil
}

// unmapRange unmaps every mapped page in vr and releases its frame.
func (r *Region) unmapRange(pt *pagetables.PageTables, vr hostarch.VPNRange) {
	if r.policy == Identity {
		for vpn := vr.Start; vpn < vr.End; vpn++ {
			pt.Unmap(vpn)
		}
		return
	}
	for vpn, ft := range r.frames {
		if !vr.Contains(vpn) {
			continue
		}
		pt.Unmap(vpn)
		ft.Release()
		delete(r.frames, vpn)
	}
}

// HandleFault backs vpn with a new frame.
//
// It returns ErrInvalidFault unless r is Lazy, contains vpn, and vpn is not
// yet backed: any other fault is not one demand paging can fix.
func (r *Region) HandleFault(pt *pagetables.PageTables, vpn hostarch.VPN) error {
	if r.policy != Lazy || !r.vr.Contains(vpn) || r.IsBacked(vpn) {
		return mmerr.ErrInvalidFault
	}
	return r.mapPage(pt, vpn)
}

// ShrinkTo moves r's end down to end, unmapping and releasing every page at
// or beyond it.
func (r *Region) ShrinkTo(pt *pagetables.PageTables, end hostarch.VPN) error {
	if end < r.vr.Start || end > r.vr.End {
		return mmerr.ErrInvalidArgument
	}
	r.unmapRange(pt, hostarch.VPNRange{Start: end, End: r.vr.End})
	r.vr.End = end
	return nil
}

// GrowTo moves r's end up to end. Framed and Identity regions map the new
// pages immediately; Lazy regions only widen the range that may fault.
//
// The caller must ensure that the new pages do not belong to another region.
func (r *Region) GrowTo(pt *pagetables.PageTables, end hostarch.VPN) error {
	if end < r.vr.End || end > hostarch.MaxVPN+1 {
		return mmerr.ErrInvalidArgument
	}
	if r.policy != Lazy {
		if err := r.mapRange(pt, hostarch.VPNRange{Start: r.vr.End, End: end}); err != nil {
			return err
		}
	}
	r.vr.End = end
	return nil
}

// Release unmaps every page in r and releases every frame r owns.
func (r *Region) Release(pt *pagetables.PageTables) {
	r.unmapRange(pt, r.vr)
}

// String implements fmt.Stringer.String.
func (r *Region) String() string {
	return fmt.Sprintf("%v %v %v", r.vr, r.perms, r.policy)
}
