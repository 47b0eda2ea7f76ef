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

package mm

import (
	"fmt"
	"sync/atomic"
	"time"

	"gvisor.dev/sv39/pkg/errors/mmerr"
	"gvisor.dev/sv39/pkg/hostarch"
	"gvisor.dev/sv39/pkg/log"
)

// FaultOutcome is the successful result of HandleUserFault.
type FaultOutcome int

const (
	// FaultMapped means a new frame was installed; the faulting access
	// should be retried.
	FaultMapped FaultOutcome = iota + 1

	// FaultSpurious means the page was already mapped with sufficient
	// permissions. Nothing was allocated.
	FaultSpurious
)

// String implements fmt.Stringer.String.
func (o FaultOutcome) String() string {
	switch o {
	case FaultMapped:
		return "mapped"
	case FaultSpurious:
		return "spurious"
	default:
		return fmt.Sprintf("FaultOutcome(%d)", int(o))
	}
}

// DefaultFaultLogInterval is the interval of the default fault logger.
const DefaultFaultLogInterval = time.Second

type faultLogger struct {
	log.Logger
}

// faultLog reports user faults that will kill the task.
var faultLog atomic.Pointer[faultLogger]

// SetFaultLogger sets the logger used to report fatal user faults.
//
// The default is a rate-limited logger bound to the global logger at init,
// so programs that change the log target should call this afterwards.
func SetFaultLogger(l log.Logger) {
	faultLog.Store(&faultLogger{l})
}

func init() {
	SetFaultLogger(log.BasicRateLimitedLogger(DefaultFaultLogInterval))
}

func (as *AddressSpace) reportFault(vpn hostarch.VPN, at hostarch.AccessType, err error) error {
	faultLog.Load().Warningf("[%d] %v on %v access to %v", as.pid, err, at, vpn.Addr())
	return err
}

// HandleUserFault resolves a user page fault on vpn for an access of type at.
//
// It returns ErrSegmentationFault if no region contains vpn, and
// ErrProtectionFault if the region does not permit at or belongs to the
// kernel. Both are fatal to the task. Otherwise the fault is resolved: either
// a frame is installed (FaultMapped) or the page was already present
// (FaultSpurious). ErrOutOfMemory is returned if no frame is available.
func (as *AddressSpace) HandleUserFault(vpn hostarch.VPN, at hostarch.AccessType) (FaultOutcome, error) {
	as.checkLive()
	if !at.Any() {
		return 0, mmerr.ErrInvalidArgument
	}
	r, ok := as.regions.Find(vpn)
	if !ok {
		if reservedPages.Contains(vpn) {
			return 0, as.reportFault(vpn, at, mmerr.ErrProtectionFault)
		}
		return 0, as.reportFault(vpn, at, mmerr.ErrSegmentationFault)
	}
	if r.policy == Identity || !r.effectivePerms().SupersetOf(at) {
		return 0, as.reportFault(vpn, at, mmerr.ErrProtectionFault)
	}
	if r.IsBacked(vpn) {
		log.Debugf("[%d] Spurious %v fault at %v", as.pid, at, vpn)
		return FaultSpurious, nil
	}
	if err := r.HandleFault(as.pt, vpn); err != nil {
		return 0, err
	}
	log.Debugf("[%d] Demand paged %v in %v", as.pid, vpn, r)
	return FaultMapped, nil
}
