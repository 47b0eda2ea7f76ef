// Copyright 2018 The gVisor Authors.
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

package kernel

import (
	"fmt"

	"gvisor.dev/sv39/pkg/errors/mmerr"
	"gvisor.dev/sv39/pkg/hostarch"
	"gvisor.dev/sv39/pkg/log"
	"gvisor.dev/sv39/pkg/sentry/arch"
	"gvisor.dev/sv39/pkg/sentry/mm"
	"gvisor.dev/sv39/pkg/sentry/pgalloc"
)

// TaskStatus is the scheduling state of a task.
type TaskStatus int

const (
	// Ready tasks can be dispatched.
	Ready TaskStatus = iota

	// Running is the task currently on a CPU.
	Running

	// Blocked tasks wait for an event.
	Blocked

	// Zombie tasks have exited. Their memory has been released.
	Zombie
)

// String implements fmt.Stringer.String.
func (s TaskStatus) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Blocked:
		return "Blocked"
	case Zombie:
		return "Zombie"
	default:
		return fmt.Sprintf("TaskStatus(%d)", int(s))
	}
}

// transitions are the changes SetStatus permits. Entering Zombie requires
// Exit.
var transitions = map[TaskStatus][]TaskStatus{
	Ready:   {Running},
	Running: {Ready, Blocked},
	Blocked: {Ready},
}

// Segment is one piece of a task's initial image.
type Segment struct {
	// Start is the address of the first byte. It need not be page aligned.
	Start hostarch.Addr

	// Size is the size in memory, at least len(Data). The rest is zero.
	Size uint64

	// Perms are the user's permissions on the segment.
	Perms hostarch.AccessType

	// Data is copied to Start.
	Data []byte
}

// TaskOpts describe a task's initial layout, as prepared by the loader.
type TaskOpts struct {
	// Name is used in logs.
	Name string

	// Entry is the first user instruction.
	Entry hostarch.Addr

	// Segments are mapped eagerly, in full.
	Segments []Segment

	// StackPages is the size of the user stack, which is placed one guard
	// page above the highest segment and paged on demand.
	StackPages uint64

	// HeapPages is the initial size of the heap, which starts at the top of
	// the stack.
	HeapPages uint64
}

// Task is a task control block.
//
// A Task is not safe for concurrent use; the scheduler serializes calls.
type Task struct {
	name  string
	pid   int
	pids  *PIDAllocator
	alloc pgalloc.Allocator

	status   TaskStatus
	exitCode int

	// context is the state restored when the task is switched to.
	context arch.Context

	// as is nil once the task has exited.
	as *mm.AddressSpace

	// trapFrame holds the TrapContext, mapped at mm.TrapContextVPN.
	trapFrame *pgalloc.FrameTracker

	// baseSize is the top of the initial image and stack.
	baseSize uint64

	heapBottom hostarch.Addr
	brk        hostarch.Addr
}

// NewTask builds a task from opts, drawing frames from a. The task starts
// Ready.
func NewTask(a pgalloc.Allocator, k *Kernel, opts TaskOpts) (*Task, error) {
	if err := k.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kernel: %w", err)
	}
	if opts.StackPages == 0 {
		return nil, fmt.Errorf("task %q has no stack: %w", opts.Name, mmerr.ErrInvalidArgument)
	}
	pid, err := k.PIDs.Allocate()
	if err != nil {
		return nil, err
	}
	t := &Task{
		name:   opts.Name,
		pid:    pid,
		pids:   k.PIDs,
		alloc:  a,
		status: Ready,
	}
	if err := t.build(k, opts); err != nil {
		t.release()
		return nil, fmt.Errorf("creating task %q: %w", opts.Name, err)
	}
	log.Infof("[%d] Task %q created: entry %v, stack top %#x, heap at %v", pid, t.name, opts.Entry, t.baseSize, t.heapBottom)
	return t, nil
}

// build creates the address space and trap context. On failure, the caller
// releases whatever was built.
func (t *Task) build(k *Kernel, opts TaskOpts) error {
	as, err := mm.NewAddressSpace(t.alloc, k.Layout, t.pid)
	if err != nil {
		return err
	}
	t.as = as

	var imageEnd hostarch.VPN
	for i, seg := range opts.Segments {
		if uint64(len(seg.Data)) > seg.Size {
			return fmt.Errorf("segment %d holds %d bytes of data in %d bytes: %w", i, len(seg.Data), seg.Size, mmerr.ErrInvalidArgument)
		}
		vr, ok := hostarch.PageRange(seg.Start, seg.Size)
		if !ok {
			return fmt.Errorf("segment %d at %v: %w", i, seg.Start, mmerr.ErrInvalidArgument)
		}
		if err := as.InsertFramed(vr, seg.Perms); err != nil {
			return fmt.Errorf("segment %d %v: %w", i, vr, err)
		}
		if _, err := as.CopyOut(seg.Start, seg.Data, mm.IOOpts{IgnorePermissions: true}); err != nil {
			return fmt.Errorf("segment %d data: %w", i, err)
		}
		imageEnd = max(imageEnd, vr.End)
	}

	stack := hostarch.VPNRange{Start: imageEnd + 1, End: imageEnd + 1 + hostarch.VPN(opts.StackPages)}
	if err := as.InsertLazy(stack, hostarch.ReadWrite); err != nil {
		return fmt.Errorf("stack %v: %w", stack, err)
	}
	heap := hostarch.VPNRange{Start: stack.End, End: stack.End + hostarch.VPN(opts.HeapPages)}
	if err := as.SetupHeap(heap, hostarch.ReadWrite); err != nil {
		return fmt.Errorf("heap %v: %w", heap, err)
	}
	t.baseSize = uint64(stack.End.Addr())
	t.heapBottom = heap.Start.Addr()
	t.brk = heap.End.Addr()

	ft, err := t.alloc.Allocate()
	if err != nil {
		return err
	}
	t.trapFrame = ft
	if err := as.MapTrapContext(ft.PFN()); err != nil {
		return err
	}
	kstack := KernelStackTop(t.pid)
	tc := arch.NewUserTrapContext(uint64(opts.Entry), t.baseSize, k.Token, kstack, k.TrapHandler)
	tc.MarshalBytes(t.alloc.FrameBytes(ft.PFN()))
	t.context = arch.ForEntry(k.TrapReturn, kstack)
	return nil
}

// release frees everything the task holds.
func (t *Task) release() {
	if t.as != nil {
		t.as.Release()
		t.as = nil
	}
	if t.trapFrame != nil {
		t.trapFrame.Release()
		t.trapFrame = nil
	}
	t.pids.Free(t.pid)
}

// PID returns the task's process id. It may be reused after Exit.
func (t *Task) PID() int {
	return t.pid
}

// Name returns the task's name.
func (t *Task) Name() string {
	return t.name
}

// Status returns the task's scheduling state.
func (t *Task) Status() TaskStatus {
	return t.status
}

// SetStatus moves the task to s. It returns ErrInvalidTransition for any
// change other than Ready to Running, Running to Ready or Blocked, and
// Blocked to Ready.
func (t *Task) SetStatus(s TaskStatus) error {
	for _, to := range transitions[t.status] {
		if to == s {
			t.status = s
			return nil
		}
	}
	return fmt.Errorf("%v -> %v: %w", t.status, s, mmerr.ErrInvalidTransition)
}

// Exit moves a Running task to Zombie and releases its address space, trap
// context frame and pid. It returns ErrInvalidTransition if the task is not
// Running, including when it has already exited.
func (t *Task) Exit(code int) error {
	if t.status != Running {
		return fmt.Errorf("exit from %v: %w", t.status, mmerr.ErrInvalidTransition)
	}
	t.release()
	t.status = Zombie
	t.exitCode = code
	log.Infof("[%d] Task %q exited with code %d", t.pid, t.name, code)
	return nil
}

// ExitCode returns the code passed to Exit.
func (t *Task) ExitCode() int {
	return t.exitCode
}

// Context returns the state restored when the task is switched to. The
// scheduler's switch routine saves into it.
func (t *Task) Context() *arch.Context {
	return &t.context
}

// AddressSpace returns the task's address space, or nil after Exit.
func (t *Task) AddressSpace() *mm.AddressSpace {
	return t.as
}

// Token returns the root token of the task's address space. It returns false
// after Exit.
func (t *Task) Token() (uint64, bool) {
	if t.as == nil {
		return 0, false
	}
	return t.as.Token(), true
}

// TrapContextPFN returns the frame holding the task's trap context. It
// returns false after Exit.
func (t *Task) TrapContextPFN() (hostarch.PFN, bool) {
	if t.trapFrame == nil {
		return 0, false
	}
	return t.trapFrame.PFN(), true
}

// TrapContext returns a copy of the task's trap context. It returns false
// after Exit.
func (t *Task) TrapContext() (arch.TrapContext, bool) {
	var tc arch.TrapContext
	if t.trapFrame == nil {
		return tc, false
	}
	tc.UnmarshalBytes(t.alloc.FrameBytes(t.trapFrame.PFN()))
	return tc, true
}

// SetTrapContext stores tc in the task's trap context frame. It returns
// ErrInvalidTransition after Exit.
func (t *Task) SetTrapContext(tc *arch.TrapContext) error {
	if t.trapFrame == nil {
		return fmt.Errorf("set trap context after exit: %w", mmerr.ErrInvalidTransition)
	}
	tc.MarshalBytes(t.alloc.FrameBytes(t.trapFrame.PFN()))
	return nil
}

// BaseSize returns the top of the initial image and stack.
func (t *Task) BaseSize() uint64 {
	return t.baseSize
}

// HeapBottom returns the first heap address.
func (t *Task) HeapBottom() hostarch.Addr {
	return t.heapBottom
}

// ProgramBreak returns the current end of the heap.
func (t *Task) ProgramBreak() hostarch.Addr {
	return t.brk
}
