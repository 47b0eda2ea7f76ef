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
	"unsafe"

	"gvisor.dev/sv39/pkg/hostarch"
)

// entries returns the node held in frame pfn.
//
//go:nosplit
func (p *PageTables) entries(pfn hostarch.PFN) *PTEs {
	b := p.alloc.FrameBytes(pfn)
	if len(b) != hostarch.PageSize {
		panic("pagetables: short node frame")
	}
	return (*PTEs)(unsafe.Pointer(&b[0]))
}
