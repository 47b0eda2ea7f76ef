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
	"github.com/google/btree"

	"gvisor.dev/sv39/pkg/hostarch"
)

// regionSetDegree is the degree of the region tree.
const regionSetDegree = 8

// regionSet is an ordered set of non-overlapping regions keyed by start page.
type regionSet struct {
	tree *btree.BTreeG[*Region]
}

func regionLess(a, b *Region) bool {
	return a.vr.Start < b.vr.Start
}

func newRegionSet() regionSet {
	return regionSet{tree: btree.NewG(regionSetDegree, regionLess)}
}

// key returns a probe for lookups by start page.
func key(vpn hostarch.VPN) *Region {
	return &Region{vr: hostarch.VPNRange{Start: vpn, End: vpn}}
}

// claim returns the pages vr prevents other regions from using. An empty
// range still claims its start page, since it is the range's key.
func claim(vr hostarch.VPNRange) hostarch.VPNRange {
	if vr.Length() == 0 && vr.Start <= hostarch.MaxVPN {
		vr.End = vr.Start + 1
	}
	return vr
}

// Len returns the number of regions.
func (s *regionSet) Len() int {
	return s.tree.Len()
}

// Find returns the region containing vpn.
func (s *regionSet) Find(vpn hostarch.VPN) (*Region, bool) {
	var found *Region
	s.tree.DescendLessOrEqual(key(vpn), func(r *Region) bool {
		if r.Contains(vpn) {
			found = r
		}
		return false
	})
	return found, found != nil
}

// FindStart returns the region starting at vpn.
func (s *regionSet) FindStart(vpn hostarch.VPN) (*Region, bool) {
	return s.tree.Get(key(vpn))
}

// Conflicts returns true if vr overlaps any region other than except.
func (s *regionSet) Conflicts(vr hostarch.VPNRange, except *Region) bool {
	vr = claim(vr)
	conflict := false
	check := func(r *Region) bool {
		if r != except && claim(r.vr).Overlaps(vr) {
			conflict = true
			return false
		}
		return true
	}
	// Only the last region starting at or below vr.Start can reach into it.
	s.tree.DescendLessOrEqual(key(vr.Start), func(r *Region) bool {
		if r == except {
			return true
		}
		check(r)
		return false
	})
	if conflict {
		return true
	}
	s.tree.AscendRange(key(vr.Start), key(vr.End), check)
	return conflict
}

// Insert adds r. The caller must have checked Conflicts.
func (s *regionSet) Insert(r *Region) {
	if _, replaced := s.tree.ReplaceOrInsert(r); replaced {
		panic("mm: duplicate region start " + r.vr.Start.String())
	}
}

// Remove removes r.
func (s *regionSet) Remove(r *Region) {
	if _, ok := s.tree.Delete(r); !ok {
		panic("mm: removing unknown region " + r.String())
	}
}

// ForEach calls fn on every region in increasing order until fn returns false.
func (s *regionSet) ForEach(fn func(r *Region) bool) {
	s.tree.Ascend(fn)
}
