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

package pgalloc

import (
	"fmt"

	"gvisor.dev/sv39/pkg/hostarch"
)

// FrameTracker is the ownership token for one frame. Exactly one
// FrameTracker exists for each live frame; Release returns the frame to the
// allocator it came from.
type FrameTracker struct {
	pfn      hostarch.PFN
	owner    *FrameAllocator
	released bool
}

// PFN returns the tracked frame number.
func (ft *FrameTracker) PFN() hostarch.PFN {
	return ft.pfn
}

// Release returns the frame to its allocator. Releasing a tracker twice
// panics.
func (ft *FrameTracker) Release() {
	if ft.released {
		panic(fmt.Sprintf("%v released twice", ft.pfn))
	}
	ft.released = true
	ft.owner.deallocate(ft.pfn)
}

// String implements fmt.Stringer.String.
func (ft *FrameTracker) String() string {
	return fmt.Sprintf("FrameTracker{%v}", ft.pfn)
}
