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

// Package hostarch describes the address-translation geometry of the target:
// Sv39 paging with 4K pages and a 27-bit virtual page number split into
// three 9-bit table indices.
package hostarch

import "encoding/binary"

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the page size.
	PageSize = 1 << PageShift

	// LevelBits is the number of virtual page number bits consumed by each
	// page table level.
	LevelBits = 9

	// Levels is the number of page table levels.
	Levels = 3

	// EntriesPerTable is the number of entries in one page table node.
	EntriesPerTable = 1 << LevelBits

	// VPNBits is the width of a virtual page number.
	VPNBits = LevelBits * Levels

	// PFNBits is the width of a physical frame number.
	PFNBits = 44

	// VABits is the width of a canonical virtual address.
	VABits = VPNBits + PageShift
)

// ByteOrder is the native byte order of the target.
var ByteOrder = binary.LittleEndian
