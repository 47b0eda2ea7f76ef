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

	"golang.org/x/sys/unix"
	"gvisor.dev/sv39/pkg/hostarch"
)

// memory is the host mapping standing in for physical memory. Frame pfn
// lives at byte offset (pfn-base)*PageSize.
type memory struct {
	base hostarch.PFN
	data []byte
}

func newMemory(start, end hostarch.PFN) (*memory, error) {
	m := &memory{base: start}
	if start == end {
		return m, nil
	}
	data, err := unix.Mmap(-1, 0, int(uint64(end-start)*hostarch.PageSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("failed to map %d frames: %w", end-start, err)
	}
	m.data = data
	return m, nil
}

// frame returns the bytes of frame pfn.
//
// Precondition: pfn is within the mapped range.
func (m *memory) frame(pfn hostarch.PFN) []byte {
	off := uint64(pfn-m.base) * hostarch.PageSize
	return m.data[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

func (m *memory) release() error {
	if m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	return unix.Munmap(data)
}
