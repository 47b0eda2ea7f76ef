// Copyright 2018 Google LLC
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

// Package kernel provides the task control block: a task's status, switch
// context, address space, trap context frame and program break.
package kernel

import (
	"fmt"

	"gvisor.dev/sv39/pkg/hostarch"
	"gvisor.dev/sv39/pkg/sentry/mm"
)

// KernelStackPages is the size of each task's kernel stack.
const KernelStackPages = 2

// Kernel is the state shared by every task.
type Kernel struct {
	// Layout is the kernel's share of every address space.
	Layout *mm.KernelLayout

	// Token is the kernel's root token, loaded by the trap entry code.
	Token uint64

	// TrapHandler is the address of the kernel trap handler.
	TrapHandler uint64

	// TrapReturn is the address a new task's first switch resumes at.
	TrapReturn uint64

	// PIDs allocates process ids.
	PIDs *PIDAllocator
}

// Validate checks that k can create tasks.
func (k *Kernel) Validate() error {
	if k.Layout == nil {
		return fmt.Errorf("no kernel layout")
	}
	if k.PIDs == nil {
		return fmt.Errorf("no pid allocator")
	}
	return k.Layout.Validate()
}

// KernelStackTop returns the top of the kernel stack of pid. Kernel stacks
// sit below the trampoline, each with a guard page beneath it.
func KernelStackTop(pid int) uint64 {
	return uint64(mm.TrampolineVPN.Addr()) - uint64(pid)*(KernelStackPages+1)*hostarch.PageSize
}
