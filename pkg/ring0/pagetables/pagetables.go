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

// Package pagetables provides a generic implementation of Sv39 page tables.
package pagetables

import (
	"fmt"

	"gvisor.dev/sv39/pkg/hostarch"
	"gvisor.dev/sv39/pkg/sentry/pgalloc"
)

// satpModeSv39 is the translation mode field of the root token.
const satpModeSv39 = 8

// PageTables is a set of page tables.
//
// Every node, including the root, is a frame obtained from the allocator and
// owned by the PageTables. Leaf frames belong to whoever mapped them.
type PageTables struct {
	// alloc provides node frames.
	alloc pgalloc.Allocator

	// rootTracker owns the root node.
	rootTracker *pgalloc.FrameTracker

	// root is the root node.
	root *PTEs

	// nodes owns all intermediate nodes, keyed by frame number.
	nodes map[hostarch.PFN]*pgalloc.FrameTracker
}

// New returns new PageTables with an empty root allocated from a.
func New(a pgalloc.Allocator) (*PageTables, error) {
	ft, err := a.Allocate()
	if err != nil {
		return nil, err
	}
	p := &PageTables{
		alloc:       a,
		rootTracker: ft,
		nodes:       make(map[hostarch.PFN]*pgalloc.FrameTracker),
	}
	p.root = p.entries(ft.PFN())
	return p, nil
}

// allocNode allocates an intermediate node.
func (p *PageTables) allocNode() (hostarch.PFN, error) {
	ft, err := p.alloc.Allocate()
	if err != nil {
		return 0, err
	}
	p.nodes[ft.PFN()] = ft
	return ft.PFN(), nil
}

// mapVisitor is used for map.
type mapVisitor struct {
	pfn  hostarch.PFN
	opts MapOpts
}

// visit is used for map.
func (v *mapVisitor) visit(vpn hostarch.VPN, pte *PTE) bool {
	if pte.Valid() {
		panic(fmt.Sprintf("pagetables.Map: %v already mapped to %v", vpn, pte))
	}
	pte.set(v.pfn, v.opts)
	return true
}

//go:nosplit
func (*mapVisitor) requiresAlloc() bool { return true }

// Map installs a mapping from vpn to pfn.
//
// Intermediate nodes are allocated as needed; if that fails the error is
// returned and nothing is mapped. Mapping an already valid page is a caller
// bug and panics.
func (p *PageTables) Map(vpn hostarch.VPN, pfn hostarch.PFN, opts MapOpts) error {
	p.checkLive()
	if !opts.AccessType.Any() {
		panic(fmt.Sprintf("pagetables.Map: %v with no access", vpn))
	}
	w := Walker{
		pageTables: p,
		visitor: &mapVisitor{
			pfn:  pfn,
			opts: opts,
		},
	}
	return w.iterateRange(vpn, vpn+1)
}

// unmapVisitor is used for unmap.
type unmapVisitor struct {
	count int
}

//go:nosplit
func (*unmapVisitor) requiresAlloc() bool { return false }

// visit unmaps the given entry.
func (v *unmapVisitor) visit(vpn hostarch.VPN, pte *PTE) bool {
	pte.Clear()
	v.count++
	return true
}

// Unmap clears the mapping for vpn.
//
// Intermediate nodes are retained until Release. Unmapping a page that is not
// mapped is a caller bug and panics.
func (p *PageTables) Unmap(vpn hostarch.VPN) {
	p.checkLive()
	v := unmapVisitor{}
	w := Walker{
		pageTables: p,
		visitor:    &v,
	}
	if err := w.iterateRange(vpn, vpn+1); err != nil {
		panic(fmt.Sprintf("pagetables.Unmap: unexpected error: %v", err))
	}
	if v.count == 0 {
		panic(fmt.Sprintf("pagetables.Unmap: %v not mapped", vpn))
	}
}

// lookupVisitor is used for lookup.
type lookupVisitor struct {
	pte   PTE
	found bool
}

// visit matches the given entry.
func (v *lookupVisitor) visit(vpn hostarch.VPN, pte *PTE) bool {
	v.pte = *pte
	v.found = true
	return false
}

//go:nosplit
func (*lookupVisitor) requiresAlloc() bool { return false }

// Translate returns the leaf entry for vpn, if it is valid.
func (p *PageTables) Translate(vpn hostarch.VPN) (PTE, bool) {
	p.checkLive()
	if vpn > hostarch.MaxVPN {
		return 0, false
	}
	v := lookupVisitor{}
	w := Walker{
		pageTables: p,
		visitor:    &v,
	}
	if err := w.iterateRange(vpn, vpn+1); err != nil {
		panic(fmt.Sprintf("pagetables.Translate: unexpected error: %v", err))
	}
	return v.pte, v.found
}

// iterateVisitor is used for ForEach.
type iterateVisitor struct {
	fn func(vpn hostarch.VPN, pte PTE) bool
}

// visit calls the function.
func (v *iterateVisitor) visit(vpn hostarch.VPN, pte *PTE) bool {
	return v.fn(vpn, *pte)
}

//go:nosplit
func (*iterateVisitor) requiresAlloc() bool { return false }

// ForEach calls fn for every valid leaf in increasing vpn order, until fn
// returns false.
func (p *PageTables) ForEach(fn func(vpn hostarch.VPN, pte PTE) bool) {
	p.checkLive()
	w := Walker{
		pageTables: p,
		visitor:    &iterateVisitor{fn: fn},
	}
	if err := w.iterateRange(0, hostarch.MaxVPN+1); err != nil {
		panic(fmt.Sprintf("pagetables.ForEach: unexpected error: %v", err))
	}
}

// RootPFN returns the frame number of the root node.
func (p *PageTables) RootPFN() hostarch.PFN {
	p.checkLive()
	return p.rootTracker.PFN()
}

// Token returns the value loaded into satp to activate these tables: the
// Sv39 mode in bits 60..63 and the root frame number in bits 0..43.
func (p *PageTables) Token() uint64 {
	return satpModeSv39<<60 | uint64(p.RootPFN())
}

// NodeFrames returns the number of frames owned by the tables themselves.
func (p *PageTables) NodeFrames() int {
	p.checkLive()
	return 1 + len(p.nodes)
}

// Release returns the root and every intermediate node to the allocator.
//
// Leaf frames are not touched; their owners release them.
func (p *PageTables) Release() {
	p.checkLive()
	for pfn, ft := range p.nodes {
		ft.Release()
		delete(p.nodes, pfn)
	}
	p.rootTracker.Release()
	p.rootTracker = nil
	p.root = nil
}

func (p *PageTables) checkLive() {
	if p.rootTracker == nil {
		panic("pagetables: use after Release")
	}
}
