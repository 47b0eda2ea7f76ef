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

	"gvisor.dev/sv39/pkg/hostarch"
	"gvisor.dev/sv39/pkg/ring0/pagetables"
)

const (
	// TrampolineVPN is the page holding the trap entry trampoline. It is
	// shared by every address space and mapped to the same frame in each.
	TrampolineVPN = hostarch.MaxVPN

	// TrapContextVPN is the page holding a task's trap context, directly
	// below the trampoline.
	TrapContextVPN = hostarch.MaxVPN - 1
)

// reservedPages are the pages every address space keeps for the kernel.
var reservedPages = hostarch.VPNRange{Start: TrapContextVPN, End: hostarch.MaxVPN + 1}

var (
	trampolineOpts = pagetables.MapOpts{AccessType: hostarch.ReadExecute}
	trapFrameOpts  = pagetables.MapOpts{AccessType: hostarch.ReadWrite}
)

// IdentityRange is a physical range mapped 1:1 into every address space.
type IdentityRange struct {
	// Range is both the virtual and the physical range.
	Range hostarch.VPNRange

	// Perms are the kernel's permissions on the range.
	Perms hostarch.AccessType
}

// KernelLayout describes the kernel's share of every address space.
type KernelLayout struct {
	// TrampolinePFN is the frame holding the trampoline code.
	TrampolinePFN hostarch.PFN

	// Identity are the kernel's identity-mapped ranges.
	Identity []IdentityRange
}

// Validate checks that the layout can be installed in an address space.
func (k *KernelLayout) Validate() error {
	if k.TrampolinePFN > hostarch.MaxPFN {
		return fmt.Errorf("trampoline %v beyond the physical address space", k.TrampolinePFN)
	}
	for i, ir := range k.Identity {
		if err := checkRange(ir.Range, ir.Perms); err != nil {
			return fmt.Errorf("identity range %d %v: %w", i, ir.Range, err)
		}
		if ir.Range.Overlaps(reservedPages) {
			return fmt.Errorf("identity range %d %v covers the trampoline", i, ir.Range)
		}
		for _, other := range k.Identity[:i] {
			if ir.Range.Overlaps(other.Range) {
				return fmt.Errorf("identity ranges %v and %v overlap", other.Range, ir.Range)
			}
		}
	}
	return nil
}
