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
	"fmt"
	"strings"

	"gvisor.dev/sv39/pkg/hostarch"
)

// Flags are the low eight bits of a page table entry.
type Flags uint8

// Entry flag bits, in hardware order.
const (
	FlagValid Flags = 1 << iota
	FlagRead
	FlagWrite
	FlagExecute
	FlagUser
	FlagGlobal
	FlagAccessed
	FlagDirty
)

// flagNames is indexed by bit position.
var flagNames = [8]byte{'V', 'R', 'W', 'X', 'U', 'G', 'A', 'D'}

// String renders f as "VRWXUGAD" with '-' for clear bits.
func (f Flags) String() string {
	var b strings.Builder
	for i, c := range flagNames {
		if f&(1<<i) != 0 {
			b.WriteByte(c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

const (
	// pfnShift is the position of the frame number within an entry.
	pfnShift = 10

	// pfnMask selects the frame number once shifted down.
	pfnMask = 1<<hostarch.PFNBits - 1

	// flagsMask selects the flag bits.
	flagsMask = 0xff
)

// PTE is a page table entry in the native Sv39 layout: flags in bits 0..7
// and the frame number in bits 10..53.
type PTE uint64

// PTEs is one page table node.
type PTEs [hostarch.EntriesPerTable]PTE

// NewPTE returns an entry pointing at pfn with the given flags.
func NewPTE(pfn hostarch.PFN, flags Flags) PTE {
	return PTE((uint64(pfn)&pfnMask)<<pfnShift | uint64(flags))
}

// PFN returns the frame number held by the entry.
func (p PTE) PFN() hostarch.PFN {
	return hostarch.PFN((uint64(p) >> pfnShift) & pfnMask)
}

// Flags returns the flag bits of the entry.
func (p PTE) Flags() Flags {
	return Flags(uint64(p) & flagsMask)
}

// Valid returns true iff the entry is valid.
func (p PTE) Valid() bool {
	return p.Flags()&FlagValid != 0
}

// IsLeaf returns true iff the entry maps a page rather than pointing at the
// next level.
func (p PTE) IsLeaf() bool {
	return p.Flags()&(FlagRead|FlagWrite|FlagExecute) != 0
}

// Readable returns true iff the entry permits reads.
func (p PTE) Readable() bool {
	return p.Flags()&FlagRead != 0
}

// Writeable returns true iff the entry permits writes.
func (p PTE) Writeable() bool {
	return p.Flags()&FlagWrite != 0
}

// Executable returns true iff the entry permits instruction fetches.
func (p PTE) Executable() bool {
	return p.Flags()&FlagExecute != 0
}

// Opts returns the mapping options encoded in the entry.
func (p PTE) Opts() MapOpts {
	f := p.Flags()
	return MapOpts{
		AccessType: hostarch.AccessType{
			Read:    f&FlagRead != 0,
			Write:   f&FlagWrite != 0,
			Execute: f&FlagExecute != 0,
		},
		User:   f&FlagUser != 0,
		Global: f&FlagGlobal != 0,
	}
}

// Clear clears the entry.
func (p *PTE) Clear() {
	*p = 0
}

// set installs a leaf mapping.
func (p *PTE) set(pfn hostarch.PFN, opts MapOpts) {
	*p = NewPTE(pfn, opts.flags()|FlagValid)
}

// setPageTable points the entry at the next-level node in pfn.
func (p *PTE) setPageTable(pfn hostarch.PFN) {
	*p = NewPTE(pfn, FlagValid)
}

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	return fmt.Sprintf("%v %v", p.PFN(), p.Flags())
}

// MapOpts are the options for a leaf mapping.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType hostarch.AccessType

	// Global indicates the page is globally accessible.
	Global bool

	// User indicates the page is a user page.
	User bool
}

// flags converts opts to entry flags. Sv39 reserves the write-only encoding,
// so writable pages are also made readable.
func (opts MapOpts) flags() Flags {
	var f Flags
	if opts.AccessType.Read || opts.AccessType.Write {
		f |= FlagRead
	}
	if opts.AccessType.Write {
		f |= FlagWrite
	}
	if opts.AccessType.Execute {
		f |= FlagExecute
	}
	if opts.User {
		f |= FlagUser
	}
	if opts.Global {
		f |= FlagGlobal
	}
	return f
}

// EffectiveAccess returns the access granted by a page mapped with opts.
func (opts MapOpts) EffectiveAccess() hostarch.AccessType {
	return NewPTE(0, opts.flags()).Opts().AccessType
}

// String implements fmt.Stringer.String.
func (opts MapOpts) String() string {
	s := opts.AccessType.String()
	if opts.User {
		s += "u"
	}
	if opts.Global {
		s += "g"
	}
	return s
}
