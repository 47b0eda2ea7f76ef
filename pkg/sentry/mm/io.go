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

package mm

import (
	"gvisor.dev/sv39/pkg/errors/mmerr"
	"gvisor.dev/sv39/pkg/hostarch"
)

// IOOpts control the behavior of CopyOut and CopyIn.
type IOOpts struct {
	// If IgnorePermissions is true, user permissions are not checked. The
	// loader uses this to fill pages the task may not write.
	IgnorePermissions bool
}

// pageBytes returns the frame backing vpn, demand paging it if needed.
func (as *AddressSpace) pageBytes(vpn hostarch.VPN, at hostarch.AccessType, opts IOOpts) ([]byte, error) {
	r, ok := as.regions.Find(vpn)
	if !ok {
		return nil, mmerr.ErrSegmentationFault
	}
	if r.policy == Identity {
		return nil, mmerr.ErrProtectionFault
	}
	if !opts.IgnorePermissions && !r.effectivePerms().SupersetOf(at) {
		return nil, mmerr.ErrProtectionFault
	}
	if !r.IsBacked(vpn) {
		if err := r.HandleFault(as.pt, vpn); err != nil {
			return nil, err
		}
	}
	pte, ok := as.pt.Translate(vpn)
	if !ok {
		panic("mm: backed page " + vpn.String() + " is not mapped")
	}
	return as.alloc.FrameBytes(pte.PFN()), nil
}

// forEachChunk calls fn with each page-bounded piece of [addr, addr+n).
// done is the number of bytes preceding the piece.
func (as *AddressSpace) forEachChunk(addr hostarch.Addr, n int, at hostarch.AccessType, opts IOOpts, fn func(b []byte, done int)) (int, error) {
	as.checkLive()
	if _, ok := addr.AddLength(uint64(n)); !ok {
		return 0, mmerr.ErrSegmentationFault
	}
	done := 0
	for done < n {
		cur := addr + hostarch.Addr(done)
		b, err := as.pageBytes(cur.VPN(), at, opts)
		if err != nil {
			return done, err
		}
		b = b[cur.PageOffset():]
		if rem := n - done; len(b) > rem {
			b = b[:rem]
		}
		fn(b, done)
		done += len(b)
	}
	return done, nil
}

// CopyOut copies src into the address space at addr, backing lazy pages as
// it goes. It returns the number of bytes copied and the error that stopped
// the copy, if any.
func (as *AddressSpace) CopyOut(addr hostarch.Addr, src []byte, opts IOOpts) (int, error) {
	return as.forEachChunk(addr, len(src), hostarch.Write, opts, func(b []byte, done int) {
		copy(b, src[done:])
	})
}

// CopyIn copies len(dst) bytes from the address space at addr into dst.
func (as *AddressSpace) CopyIn(addr hostarch.Addr, dst []byte, opts IOOpts) (int, error) {
	return as.forEachChunk(addr, len(dst), hostarch.Read, opts, func(b []byte, done int) {
		copy(dst[done:], b)
	})
}
