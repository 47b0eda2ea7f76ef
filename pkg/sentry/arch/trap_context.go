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

package arch

import (
	"fmt"

	"gvisor.dev/sv39/pkg/hostarch"
)

// Register numbers in TrapContext.Regs.
const (
	RegRA = 1
	RegSP = 2
	RegA0 = 10
	RegA7 = 17
)

// sstatus bits.
const (
	// SstatusSPIE enables interrupts after sret.
	SstatusSPIE = 1 << 5

	// SstatusSPP is set when the trap came from supervisor mode. Clear means
	// sret returns to user mode.
	SstatusSPP = 1 << 8
)

// TrapContext is the register state captured on a trap from user mode,
// stored in the page at the trap context address of the task's address
// space. The trap entry code relies on its layout: 32 general purpose
// registers, sstatus, sepc, then the kernel root token, kernel stack pointer
// and trap handler address, each 8 bytes little-endian.
type TrapContext struct {
	// Regs are x0..x31.
	Regs [32]uint64

	Sstatus     uint64
	Sepc        uint64
	KernelSatp  uint64
	KernelSP    uint64
	TrapHandler uint64
}

// NewUserTrapContext returns the trap context of a task about to enter user
// mode for the first time at entry with stack userSP.
func NewUserTrapContext(entry, userSP, kernelSatp, kernelSP, trapHandler uint64) TrapContext {
	t := TrapContext{
		Sstatus:     SstatusSPIE,
		Sepc:        entry,
		KernelSatp:  kernelSatp,
		KernelSP:    kernelSP,
		TrapHandler: trapHandler,
	}
	t.Regs[RegSP] = userSP
	return t
}

// SizeBytes returns the size of the marshalled context.
func (t *TrapContext) SizeBytes() int {
	return 8 * (len(t.Regs) + 5)
}

// MarshalBytes serializes t into dst and returns the remainder of dst.
func (t *TrapContext) MarshalBytes(dst []byte) []byte {
	for _, r := range t.Regs {
		hostarch.ByteOrder.PutUint64(dst[:8], r)
		dst = dst[8:]
	}
	hostarch.ByteOrder.PutUint64(dst[:8], t.Sstatus)
	dst = dst[8:]
	hostarch.ByteOrder.PutUint64(dst[:8], t.Sepc)
	dst = dst[8:]
	hostarch.ByteOrder.PutUint64(dst[:8], t.KernelSatp)
	dst = dst[8:]
	hostarch.ByteOrder.PutUint64(dst[:8], t.KernelSP)
	dst = dst[8:]
	hostarch.ByteOrder.PutUint64(dst[:8], t.TrapHandler)
	return dst[8:]
}

// UnmarshalBytes deserializes t from src and returns the remainder of src.
func (t *TrapContext) UnmarshalBytes(src []byte) []byte {
	for i := range t.Regs {
		t.Regs[i] = hostarch.ByteOrder.Uint64(src[:8])
		src = src[8:]
	}
	t.Sstatus = hostarch.ByteOrder.Uint64(src[:8])
	src = src[8:]
	t.Sepc = hostarch.ByteOrder.Uint64(src[:8])
	src = src[8:]
	t.KernelSatp = hostarch.ByteOrder.Uint64(src[:8])
	src = src[8:]
	t.KernelSP = hostarch.ByteOrder.Uint64(src[:8])
	src = src[8:]
	t.TrapHandler = hostarch.ByteOrder.Uint64(src[:8])
	return src[8:]
}

// String implements fmt.Stringer.String.
func (t *TrapContext) String() string {
	return fmt.Sprintf("sepc=%#x sp=%#x sstatus=%#x", t.Sepc, t.Regs[RegSP], t.Sstatus)
}
