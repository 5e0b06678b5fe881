// Copyright 2024 The Sallyport Authors.
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

// Package host is the untrusted-side dispatcher: it decodes pending
// requests from the shared region, performs the real privileged operations,
// writes results back, and resumes the guest.
//
// The host trusts nothing the guest wrote either. Every request is
// re-validated against the operation catalog and the region bounds before
// execution, so a compromised guest cannot steer the host into reading or
// writing memory outside the shared region.
package host

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"sallyport.dev/sallyport/pkg/session"
	"sallyport.dev/sallyport/pkg/shm"
	"sallyport.dev/sallyport/pkg/wire"
)

// A Dispatcher services call traffic on one session. It is safe for
// concurrent use: multiple contexts may be dispatched simultaneously.
type Dispatcher struct {
	// region is the shared region. region is immutable.
	region *shm.Region

	// layout is the session layout. layout is immutable.
	layout session.Layout

	// log receives dispatcher events. log is immutable.
	log *logrus.Entry

	// badReqs limits logging of malformed guest requests, which a hostile
	// guest could otherwise use to flood the host's logs.
	badReqs *rate.Limiter

	mu sync.Mutex

	// balloonPages is the guest's memory reservation in pages. Guarded by
	// mu.
	balloonPages uint64

	// exitStatus records contexts that issued exit, by context id. Guarded
	// by mu.
	exitStatus map[uint32]uint32
}

// NewDispatcher returns a Dispatcher serving the given established session.
func NewDispatcher(region *shm.Region, layout session.Layout, log *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		region:     region,
		layout:     layout,
		log:        log.WithField("subsys", "sallyport"),
		badReqs:    rate.NewLimiter(rate.Every(time.Second), 4),
		exitStatus: make(map[uint32]uint32),
	}
}

// badReqf logs a malformed request, rate limited.
func (d *Dispatcher) badReqf(id uint32, format string, args ...any) {
	if d.badReqs.Allow() {
		d.log.WithField("context", id).Warnf("bad request: "+format, args...)
	}
}

// ExitStatus returns the exit code reported by context id, if it has issued
// an exit call.
func (d *Dispatcher) ExitStatus(id uint32) (uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	code, ok := d.exitStatus[id]
	return code, ok
}

// DispatchContext services at most one pending call on context id,
// returning whether one was pending. The response, success or error, is
// written into the context's slot and the guest is resumed before
// DispatchContext returns.
func (d *Dispatcher) DispatchContext(id uint32) bool {
	slotOff := d.layout.ContextOff(id)
	turnOff := slotOff + wire.TurnOffset
	if d.region.LoadWord(turnOff) != wire.TurnPending {
		return false
	}

	// Copy the header out of shared memory before looking at it; the guest
	// side of the region stays writable to the guest while we work.
	hdrOff := slotOff + wire.CallHeaderOffset
	private, err := d.region.CopyOut(hdrOff, wire.HeaderBytes)
	if err != nil {
		// Layout and region size were validated at session setup.
		panic(err.Error())
	}
	var req wire.Header
	req.UnmarshalBytes(private)

	resp := d.execute(id, &req)

	respBytes, err := d.region.Slice(hdrOff, wire.HeaderBytes)
	if err != nil {
		panic(err.Error())
	}
	resp.MarshalBytes(respBytes)
	d.region.StoreWord(turnOff, wire.TurnComplete)
	if _, err := d.region.FutexWake(turnOff, 1); err != nil {
		d.log.WithField("context", id).Warnf("failed to wake guest: %v", err)
	}
	return true
}

// execute validates req and runs its handler, producing the response
// header. Validation failures become error responses; they never stop the
// dispatcher.
func (d *Dispatcher) execute(id uint32, req *wire.Header) wire.Header {
	resp := wire.Header{Op: req.Op}

	e, ok := wire.Lookup(req.Op)
	if !ok {
		d.badReqf(id, "unknown opcode %d", uint32(req.Op))
		return fail(resp, uint32(unix.ENOSYS))
	}
	for i := 0; i < wire.NumSlots; i++ {
		s := req.Slots[i]
		switch e.Args[i] {
		case wire.KindNone:
			if s.Tag != wire.TagNone {
				d.badReqf(id, "%v: argument in unused slot %d", req.Op, i)
				return fail(resp, uint32(unix.EINVAL))
			}
		case wire.KindImmediate:
			if s.Tag != wire.TagImmediate {
				d.badReqf(id, "%v: slot %d is %v, want immediate", req.Op, i, s.Tag)
				return fail(resp, uint32(unix.EINVAL))
			}
		case wire.KindBuffer:
			if s.Tag != wire.TagBuffer {
				d.badReqf(id, "%v: slot %d is %v, want buffer", req.Op, i, s.Tag)
				return fail(resp, uint32(unix.EINVAL))
			}
			lim := d.layout.Limits()
			if s.B == 0 || s.A < lim.ArenaOff || s.A-lim.ArenaOff > lim.ArenaLen || s.B > lim.ArenaLen-(s.A-lim.ArenaOff) {
				d.badReqf(id, "%v: slot %d buffer [%#x, %#x) outside arena", req.Op, i, s.A, s.A+s.B)
				return fail(resp, uint32(unix.EINVAL))
			}
		}
	}

	h := handlers[req.Op]
	if h == nil {
		// Catalog entries and the handler table are maintained together; a
		// hole is a build defect, not guest input.
		panic(fmt.Sprintf("no handler for catalog operation %v", req.Op))
	}
	results, errno := h(d, id, req)
	if errno != 0 {
		return fail(resp, uint32(errno))
	}
	resp.Status = wire.StatusOK
	resp.Slots = results
	return resp
}

// fail completes resp as a host-reported operation error.
func fail(resp wire.Header, errno uint32) wire.Header {
	resp.Status = wire.StatusError
	resp.Errno = errno
	resp.Slots = [wire.NumSlots]wire.Slot{}
	return resp
}
