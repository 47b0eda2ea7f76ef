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

// Package arch describes the register state saved for a task on Sv39
// hardware.
package arch

// CalleeSavedRegs is the number of callee-saved registers (s0..s11).
const CalleeSavedRegs = 12

// Context is the state preserved across a switch away from a task in the
// kernel: the return address, the kernel stack pointer and the callee-saved
// registers. Caller-saved registers are spilled by the caller, and user
// registers live in the TrapContext.
type Context struct {
	// RA is the address execution resumes at.
	RA uint64

	// SP is the kernel stack pointer.
	SP uint64

	// S holds s0..s11.
	S [CalleeSavedRegs]uint64
}

// Zeroed returns the context of a task that has not been started.
func Zeroed() Context {
	return Context{}
}

// ForEntry returns a context that, when first switched to, begins executing
// at entry on the kernel stack whose top is kernelStackTop.
func ForEntry(entry, kernelStackTop uint64) Context {
	return Context{
		RA: entry,
		SP: kernelStackTop,
	}
}
