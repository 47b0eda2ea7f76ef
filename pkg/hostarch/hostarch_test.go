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

package hostarch

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestIndexes(t *testing.T) {
	for _, tc := range []struct {
		vpn  VPN
		want [Levels]int
	}{
		{0, [Levels]int{0, 0, 0}},
		{0x22, [Levels]int{0, 0, 0x22}},
		{0x200, [Levels]int{0, 1, 0}},
		{0x40000, [Levels]int{1, 0, 0}},
		{MaxVPN, [Levels]int{511, 511, 511}},
	} {
		if got := tc.vpn.Indexes(); !cmp.Equal(got, tc.want) {
			t.Errorf("%v.Indexes() = %v, want %v", tc.vpn, got, tc.want)
		}
	}
}

func TestVPNAddrRoundTrip(t *testing.T) {
	for _, vpn := range []VPN{0, 1, 0x10, 0x3ffffff, 0x4000000, MaxVPN - 1, MaxVPN} {
		addr := vpn.Addr()
		if !addr.Canonical() {
			t.Errorf("%v.Addr() = %v is not canonical", vpn, addr)
		}
		if got := addr.VPN(); got != vpn {
			t.Errorf("%v.Addr().VPN() = %v", vpn, got)
		}
	}
	if got, want := MaxVPN.Addr(), Addr(0xfffffffffffff000); got != want {
		t.Errorf("MaxVPN.Addr() = %v, want %v", got, want)
	}
}

func TestRoundUp(t *testing.T) {
	for _, tc := range []struct {
		addr Addr
		want Addr
		ok   bool
	}{
		{0, 0, true},
		{1, PageSize, true},
		{PageSize, PageSize, true},
		{0x25001, 0x26000, true},
		{^Addr(0), 0, false},
	} {
		got, ok := tc.addr.RoundUp()
		if ok != tc.ok || (ok && got != tc.want) {
			t.Errorf("%v.RoundUp() = (%v, %t), want (%v, %t)", tc.addr, got, ok, tc.want, tc.ok)
		}
	}
}

func TestVPNRange(t *testing.T) {
	a := VPNRange{0, 4}
	b := VPNRange{4, 8}
	c := VPNRange{3, 6}
	if a.Overlaps(b) {
		t.Errorf("%v overlaps %v", a, b)
	}
	if !a.Overlaps(c) || !b.Overlaps(c) {
		t.Errorf("%v should overlap %v and %v", c, a, b)
	}
	if (VPNRange{5, 5}).Overlaps(b) {
		t.Errorf("empty range overlaps %v", b)
	}
	if !a.Contains(3) || a.Contains(4) {
		t.Errorf("%v.Contains is not half-open", a)
	}
}

func TestPageRange(t *testing.T) {
	r, ok := PageRange(0x10800, 0x1000)
	if !ok {
		t.Fatalf("PageRange failed")
	}
	if want := (VPNRange{0x10, 0x12}); r != want {
		t.Errorf("PageRange = %v, want %v", r, want)
	}
}

func TestAccessType(t *testing.T) {
	for _, s := range []string{"---", "r--", "rw-", "r-x", "rwx"} {
		at, ok := ParseAccessType(s)
		if !ok {
			t.Fatalf("ParseAccessType(%q) failed", s)
		}
		if got := at.String(); got != s {
			t.Errorf("ParseAccessType(%q).String() = %q", s, got)
		}
	}
	if _, ok := ParseAccessType("rwz"); ok {
		t.Errorf("ParseAccessType accepted an unknown permission")
	}
	if !ReadWrite.SupersetOf(Write) || ReadWrite.SupersetOf(Execute) {
		t.Errorf("ReadWrite.SupersetOf is wrong")
	}
}
