// Copyright 2018 Google Inc.
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
	"bytes"
	"fmt"
	"io"
	"strings"

	"gvisor.dev/sv39/pkg/hostarch"
)

// mapsEntry returns a /proc/[pid]/maps entry for vr, including the trailing
// newline. Addresses are printed as 39-bit virtual addresses without sign
// extension.
func mapsEntry(vr hostarch.VPNRange, perms hostarch.AccessType, name string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%08x-%08x %sp %08x %02x:%02x %d ",
		uint64(vr.Start)<<hostarch.PageShift, uint64(vr.End)<<hostarch.PageShift, perms, 0, 0, 0, 0)
	if name != "" {
		// Per linux, we pad until the 74th character.
		if pad := 73 - b.Len(); pad > 0 {
			b.WriteString(strings.Repeat(" ", pad))
		}
		b.WriteString(name)
	}
	b.WriteString("\n")
	return b.Bytes()
}

func (as *AddressSpace) regionName(r *Region) string {
	switch {
	case r == as.heap:
		return "[heap]"
	case r.policy == Identity:
		return "[kernel]"
	case r.policy == Lazy:
		return fmt.Sprintf("[lazy %d/%d]", r.Resident(), r.vr.Length())
	default:
		return ""
	}
}

// WriteMaps writes the layout of as to w in the format of /proc/[pid]/maps,
// followed by the reserved kernel pages.
func (as *AddressSpace) WriteMaps(w io.Writer) error {
	as.checkLive()
	var b bytes.Buffer
	as.regions.ForEach(func(r *Region) bool {
		b.Write(mapsEntry(r.vr, r.perms, as.regionName(r)))
		return true
	})
	if as.trapContextMapped {
		b.Write(mapsEntry(hostarch.VPNRange{Start: TrapContextVPN, End: TrapContextVPN + 1}, trapFrameOpts.AccessType, "[trap]"))
	}
	if as.trampolineMapped {
		b.Write(mapsEntry(hostarch.VPNRange{Start: TrampolineVPN, End: TrampolineVPN + 1}, trampolineOpts.AccessType, "[trampoline]"))
	}
	_, err := w.Write(b.Bytes())
	return err
}
