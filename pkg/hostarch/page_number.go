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

package hostarch

import "fmt"

// VPN is a virtual page number.
type VPN uint64

// PFN is a physical frame number.
type PFN uint64

const (
	// MaxVPN is the highest virtual page number.
	MaxVPN VPN = 1<<VPNBits - 1

	// MaxPFN is the highest physical frame number.
	MaxPFN PFN = 1<<PFNBits - 1
)

// Indexes returns the page table index used at each level when translating
// vpn, root level first.
func (vpn VPN) Indexes() [Levels]int {
	var idx [Levels]int
	for i := Levels - 1; i >= 0; i-- {
		idx[i] = int(vpn & (EntriesPerTable - 1))
		vpn >>= LevelBits
	}
	return idx
}

// Addr returns the canonical (sign-extended) start address of the page.
func (vpn VPN) Addr() Addr {
	a := uint64(vpn&MaxVPN) << PageShift
	if a&(1<<(VABits-1)) != 0 {
		a |= ^uint64(1<<VABits - 1)
	}
	return Addr(a)
}

// String implements fmt.Stringer.String.
func (vpn VPN) String() string {
	return fmt.Sprintf("VPN:%#x", uint64(vpn))
}

// String implements fmt.Stringer.String.
func (pfn PFN) String() string {
	return fmt.Sprintf("PFN:%#x", uint64(pfn))
}

// VPNRange is a half-open range of virtual page numbers [Start, End).
type VPNRange struct {
	Start VPN
	End   VPN
}

// WellFormed returns true if r.Start <= r.End.
func (r VPNRange) WellFormed() bool {
	return r.Start <= r.End
}

// Length returns the number of pages in r.
func (r VPNRange) Length() uint64 {
	return uint64(r.End - r.Start)
}

// Contains returns true if r contains vpn.
func (r VPNRange) Contains(vpn VPN) bool {
	return r.Start <= vpn && vpn < r.End
}

// Overlaps returns true if r and r2 share at least one page. Empty ranges
// overlap nothing.
func (r VPNRange) Overlaps(r2 VPNRange) bool {
	return r.Start < r.End && r2.Start < r2.End && r.Start < r2.End && r2.Start < r.End
}

// IsSupersetOf returns true if r is a superset of r2.
func (r VPNRange) IsSupersetOf(r2 VPNRange) bool {
	return r.Start <= r2.Start && r.End >= r2.End
}

// String implements fmt.Stringer.String.
func (r VPNRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End))
}

// PageRange returns the range of pages spanned by the byte range
// [start, start+length).
func PageRange(start Addr, length uint64) (VPNRange, bool) {
	end, ok := start.AddLength(length)
	if !ok {
		return VPNRange{}, false
	}
	endPage, ok := end.RoundUp()
	if !ok {
		return VPNRange{}, false
	}
	return VPNRange{start.VPN(), VPN(uint64(endPage) >> PageShift)}, true
}
