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

// Package mmerr contains the sentinel errors returned by the memory
// subsystem. Errors are compared by identity.
package mmerr

import (
	goerrors "errors"

	"gvisor.dev/sv39/pkg/errors"
)

var (
	// ErrOutOfMemory is returned when the frame pool is exhausted.
	ErrOutOfMemory = errors.New(errors.ClassResource, "out of physical frames")

	// ErrNoPID is returned when every process id is in use.
	ErrNoPID = errors.New(errors.ClassResource, "no process id available")

	// ErrOverlap is returned when a new region would intersect an existing
	// region or a reserved kernel page.
	ErrOverlap = errors.New(errors.ClassMisuse, "region overlaps an existing mapping")

	// ErrNotFound is returned when no region starts at the requested page.
	ErrNotFound = errors.New(errors.ClassMisuse, "no region starts at page")

	// ErrInvalidBreak is returned for a program break below the heap bottom
	// or moving in the wrong direction.
	ErrInvalidBreak = errors.New(errors.ClassMisuse, "invalid program break")

	// ErrInvalidFault is returned by a region asked to resolve a fault it
	// cannot satisfy: the page is outside the region, already backed, or the
	// region is not demand paged.
	ErrInvalidFault = errors.New(errors.ClassMisuse, "fault is not a demand-paging fault")

	// ErrInvalidTransition is returned for a task status change outside the
	// task state machine.
	ErrInvalidTransition = errors.New(errors.ClassMisuse, "invalid task status transition")

	// ErrInvalidArgument is returned for malformed ranges and permission
	// sets.
	ErrInvalidArgument = errors.New(errors.ClassMisuse, "invalid argument")

	// ErrSegmentationFault is returned when a faulting page belongs to no
	// region.
	ErrSegmentationFault = errors.New(errors.ClassProgram, "segmentation fault")

	// ErrProtectionFault is returned when a faulting access is not permitted
	// by the region containing the page.
	ErrProtectionFault = errors.New(errors.ClassProgram, "protection fault")
)

// ClassOf returns the class of err, if err is or wraps an *errors.Error.
func ClassOf(err error) (errors.Class, bool) {
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Class(), true
	}
	return 0, false
}

// IsFatalToTask returns true if err must terminate the task that caused it.
func IsFatalToTask(err error) bool {
	c, ok := ClassOf(err)
	return ok && c == errors.ClassProgram
}
