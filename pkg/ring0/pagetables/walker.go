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

package pagetables

import (
	"gvisor.dev/sv39/pkg/hostarch"
)

// Visitor is a generic type.
type Visitor interface {
	// visit is called on each leaf PTE in the walked range. Returning false
	// stops the walk.
	visit(vpn hostarch.VPN, pte *PTE) bool

	// requiresAlloc indicates that new entries should be allocated within
	// the walked range. If set, visit is called for invalid leaves too.
	requiresAlloc() bool
}

// Walker walks page tables.
type Walker struct {
	// pageTables are the tables to walk.
	pageTables *PageTables

	// visitor is the set of arguments.
	visitor Visitor
}

// nextBoundary returns the first vpn above start aligned to size, or end if
// that comes first.
func nextBoundary(start, end, size hostarch.VPN) hostarch.VPN {
	next := (start + size) &^ (size - 1)
	if next < start || next > end {
		return end
	}
	return next
}

// iterateRange iterates over all leaf entries for the pages in [start, end).
//
// If requiresAlloc is set, missing intermediate nodes are allocated and every
// page in the range is visited. Otherwise, subtrees that are not present are
// skipped and only valid leaves are visited.
//
// The only error is a failure to allocate an intermediate node.
func (w *Walker) iterateRange(start, end hostarch.VPN) error {
	if start > end {
		panic("start > end")
	}
	if end > hostarch.MaxVPN+1 {
		panic("end beyond the last virtual page")
	}
	_, err := w.walkLevel(w.pageTables.root, 0, start, end)
	return err
}

// walkLevel walks the entries of one node covering [start, end).
func (w *Walker) walkLevel(entries *PTEs, level int, start, end hostarch.VPN) (bool, error) {
	shift := uint(hostarch.LevelBits * (hostarch.Levels - 1 - level))
	size := hostarch.VPN(1) << shift
	for start < end {
		entry := &entries[int(start>>shift)&(hostarch.EntriesPerTable-1)]
		if level == hostarch.Levels-1 {
			if entry.Valid() || w.visitor.requiresAlloc() {
				if !w.visitor.visit(start, entry) {
					return false, nil
				}
			}
			start++
			continue
		}

		next := nextBoundary(start, end, size)
		if !entry.Valid() {
			if !w.visitor.requiresAlloc() {
				// Skip over this entry.
				start = next
				continue
			}

			// Allocate the next level.
			pfn, err := w.pageTables.allocNode()
			if err != nil {
				return false, err
			}
			entry.setPageTable(pfn)
		} else if entry.IsLeaf() {
			panic("superpage mappings are not supported")
		}

		if ok, err := w.walkLevel(w.pageTables.entries(entry.PFN()), level+1, start, next); !ok || err != nil {
			return ok, err
		}
		start = next
	}
	return true, nil
}
