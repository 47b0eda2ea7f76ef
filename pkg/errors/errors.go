// Copyright 2021 The gVisor Authors.
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

// Package errors holds the standardized error definition for the memory
// subsystem.
package errors

import "fmt"

// Class partitions errors by who is at fault, which decides how a caller
// must react to them.
type Class int

const (
	// ClassResource errors report exhaustion of a shared resource. The
	// operation that needed the resource fails; the caller decides whether
	// the requesting task survives.
	ClassResource Class = iota

	// ClassMisuse errors report a caller breaking an API precondition. They
	// are not expected in correct operation.
	ClassMisuse

	// ClassProgram errors report an illegal access by the program running in
	// a task. They are never retried and end the task.
	ClassProgram
)

// String implements fmt.Stringer.String.
func (c Class) String() string {
	switch c {
	case ClassResource:
		return "resource"
	case ClassMisuse:
		return "misuse"
	case ClassProgram:
		return "program"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

// Error represents a memory subsystem error with a descriptive message.
type Error struct {
	class   Class
	message string
}

// New creates a new *Error.
func New(class Class, message string) *Error {
	return &Error{
		class:   class,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Class returns the error class.
func (e *Error) Class() Class { return e.class }
