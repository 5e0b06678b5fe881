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

package calls

import (
	"errors"
	"testing"

	"sallyport.dev/sallyport/pkg/blockalloc"
	"sallyport.dev/sallyport/pkg/shm"
	"sallyport.dev/sallyport/pkg/wire"
)

const (
	testSlotOff  = 128
	testArenaOff = 0x1000
	testArenaLen = 0x1000
)

// scriptedHost is a Doorbell that services the rung call in-process: it
// reads the request from the slot, runs respond, writes the response back,
// and flips the turn word. Setting leavePending or failRing scripts host
// misbehavior instead.
type scriptedHost struct {
	region  *shm.Region
	respond func(req *wire.Header) wire.Header

	// leavePending, if true, resumes the guest without writing a response.
	leavePending bool

	// failRing, if non-nil, is returned without touching the slot.
	failRing error
}

// Ring implements Doorbell.Ring.
func (h *scriptedHost) Ring(id uint32) error {
	if h.failRing != nil {
		return h.failRing
	}
	if h.leavePending {
		return nil
	}
	hdrOff := uint64(testSlotOff + wire.CallHeaderOffset)
	b, err := h.region.CopyOut(hdrOff, wire.HeaderBytes)
	if err != nil {
		return err
	}
	var req wire.Header
	req.UnmarshalBytes(b)
	resp := h.respond(&req)
	dst, err := h.region.Slice(hdrOff, wire.HeaderBytes)
	if err != nil {
		return err
	}
	resp.MarshalBytes(dst)
	h.region.StoreWord(testSlotOff+wire.TurnOffset, wire.TurnComplete)
	return nil
}

// okResponder acknowledges any request with the given result slots.
func okResponder(results ...wire.Slot) func(req *wire.Header) wire.Header {
	return func(req *wire.Header) wire.Header {
		resp := wire.Header{Op: req.Op, Status: wire.StatusOK}
		copy(resp.Slots[:], results)
		return resp
	}
}

func newTestContext(t *testing.T, h *scriptedHost) (*Context, *blockalloc.Allocator) {
	t.Helper()
	region := shm.NewFromBytes(make([]byte, testArenaOff+testArenaLen))
	h.region = region
	alloc, err := blockalloc.New(testArenaOff, testArenaLen, blockalloc.MinBlockShift)
	if err != nil {
		t.Fatalf("blockalloc.New failed: %v", err)
	}
	lim := wire.Limits{ArenaOff: testArenaOff, ArenaLen: testArenaLen}
	c, err := NewContext(0, region, testSlotOff, alloc, lim, h)
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}
	return c, alloc
}

func wantState(t *testing.T, c *Context, want State) {
	t.Helper()
	if got := c.State(); got != want {
		t.Fatalf("State(): got %v, want %v", got, want)
	}
}

func TestCallLifecycle(t *testing.T) {
	c, alloc := newTestContext(t, &scriptedHost{respond: okResponder(wire.Imm(64))})
	wantState(t, c, StateIdle)

	h, err := c.Alloc(128)
	if err != nil {
		t.Fatalf("Alloc(128) failed: %v", err)
	}
	if err := c.Prepare(wire.OpRead, wire.Imm(3), wire.Buf(h.Offset(), 128)); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	wantState(t, c, StatePrepared)

	if err := c.Call(); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	wantState(t, c, StateCompleted)

	res, err := c.Results()
	if err != nil {
		t.Fatalf("Results failed: %v", err)
	}
	if !res.OK() {
		t.Error("Results: OK() is false")
	}
	if got := res.Imm(0); got != 64 {
		t.Errorf("Imm(0): got %d, want 64", got)
	}

	if err := c.Finish(); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	wantState(t, c, StateIdle)
	if got := alloc.FreeSpace(); got != testArenaLen {
		t.Errorf("blocks leaked across Finish: FreeSpace() = %#x, want %#x", got, testArenaLen)
	}
	// The slot must be clear for the next call.
	if got := c.Region().LoadWord(testSlotOff + wire.TurnOffset); got != wire.TurnIdle {
		t.Errorf("turn word after Finish: got %d, want idle", got)
	}
}

func TestContextReuse(t *testing.T) {
	c, _ := newTestContext(t, &scriptedHost{respond: okResponder()})
	for i := 0; i < 3; i++ {
		if err := c.Prepare(wire.OpClose, wire.Imm(3)); err != nil {
			t.Fatalf("call %d: Prepare failed: %v", i, err)
		}
		if err := c.Call(); err != nil {
			t.Fatalf("call %d: Call failed: %v", i, err)
		}
		if _, err := c.Results(); err != nil {
			t.Fatalf("call %d: Results failed: %v", i, err)
		}
		if err := c.Finish(); err != nil {
			t.Fatalf("call %d: Finish failed: %v", i, err)
		}
	}
}

func TestHostReportedError(t *testing.T) {
	c, _ := newTestContext(t, &scriptedHost{respond: func(req *wire.Header) wire.Header {
		return wire.Header{Op: req.Op, Status: wire.StatusError, Errno: 9}
	}})
	if err := c.Prepare(wire.OpClose, wire.Imm(1000)); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := c.Call(); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	res, err := c.Results()
	if err != nil {
		t.Fatalf("Results failed: %v", err)
	}
	if res.OK() || res.Errno() != 9 {
		t.Errorf("got OK=%t errno=%d, want error with errno 9", res.OK(), res.Errno())
	}
	// A host-reported failure is a completed call, not a fault.
	if err := c.Finish(); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	wantState(t, c, StateIdle)
}

func TestPrepareInvalidFaults(t *testing.T) {
	c, _ := newTestContext(t, &scriptedHost{respond: okResponder()})
	err := c.Prepare(wire.OpRead, wire.Imm(3)) // missing buffer argument
	var verr *wire.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Prepare: got %v, want *wire.ValidationError", err)
	}
	wantState(t, c, StateFaulted)

	// Everything but Reset must be refused while Faulted.
	if err := c.Prepare(wire.OpClose, wire.Imm(3)); err == nil {
		t.Error("Prepare succeeded on faulted context")
	}
	if _, err := c.Alloc(64); err == nil {
		t.Error("Alloc succeeded on faulted context")
	}
	if err := c.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	wantState(t, c, StateIdle)
	if err := c.Prepare(wire.OpClose, wire.Imm(3)); err != nil {
		t.Fatalf("Prepare after Reset failed: %v", err)
	}
}

// A host that claims a larger result than the granted buffer is a protocol
// violation: the call must fault, not surface the bogus length.
func TestHostOverclaimFaults(t *testing.T) {
	c, alloc := newTestContext(t, &scriptedHost{respond: okResponder(wire.Imm(256))})
	h, err := c.Alloc(128)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if err := c.Prepare(wire.OpRead, wire.Imm(3), wire.Buf(h.Offset(), 128)); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := c.Call(); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	_, err = c.Results()
	var verr *wire.ViolationError
	if !errors.As(err, &verr) {
		t.Fatalf("Results: got %v, want *wire.ViolationError", err)
	}
	wantState(t, c, StateFaulted)
	// The fault path reclaims the call's blocks.
	if got := alloc.FreeSpace(); got != testArenaLen {
		t.Errorf("blocks leaked across fault: FreeSpace() = %#x, want %#x", got, testArenaLen)
	}
	if err := c.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
}

func TestResumeWithoutResponseFaults(t *testing.T) {
	c, _ := newTestContext(t, &scriptedHost{leavePending: true})
	if err := c.Prepare(wire.OpClose, wire.Imm(3)); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	err := c.Call()
	var verr *wire.ViolationError
	if !errors.As(err, &verr) {
		t.Fatalf("Call: got %v, want *wire.ViolationError", err)
	}
	wantState(t, c, StateFaulted)
}

func TestShutdownFaults(t *testing.T) {
	c, _ := newTestContext(t, &scriptedHost{failRing: ShutdownError{}})
	if err := c.Prepare(wire.OpClose, wire.Imm(3)); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	err := c.Call()
	if !errors.Is(err, ShutdownError{}) {
		t.Fatalf("Call: got %v, want ShutdownError", err)
	}
	wantState(t, c, StateFaulted)
}

func TestStateGuards(t *testing.T) {
	c, _ := newTestContext(t, &scriptedHost{respond: okResponder()})

	// No call prepared yet.
	var serr *StateError
	if err := c.Call(); !errors.As(err, &serr) {
		t.Errorf("Call on idle context: got %v, want *StateError", err)
	}
	if _, err := c.Results(); !errors.As(err, &serr) {
		t.Errorf("Results on idle context: got %v, want *StateError", err)
	}
	if err := c.Finish(); !errors.As(err, &serr) {
		t.Errorf("Finish on idle context: got %v, want *StateError", err)
	}
	if err := c.Reset(); !errors.As(err, &serr) {
		t.Errorf("Reset on idle context: got %v, want *StateError", err)
	}

	if err := c.Prepare(wire.OpClose, wire.Imm(3)); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	// A second Prepare must lose the CAS, not overwrite the slot.
	if err := c.Prepare(wire.OpClose, wire.Imm(4)); !errors.As(err, &serr) {
		t.Errorf("second Prepare: got %v, want *StateError", err)
	}

	if err := c.Call(); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	// Completed: new work must be refused until Finish.
	if _, err := c.Alloc(64); !errors.As(err, &serr) {
		t.Errorf("Alloc on completed context: got %v, want *StateError", err)
	}
	if err := c.Prepare(wire.OpClose, wire.Imm(3)); !errors.As(err, &serr) {
		t.Errorf("Prepare on completed context: got %v, want *StateError", err)
	}
}

func TestInitValidation(t *testing.T) {
	region := shm.NewFromBytes(make([]byte, 256))
	alloc, err := blockalloc.New(testArenaOff, testArenaLen, blockalloc.MinBlockShift)
	if err != nil {
		t.Fatalf("blockalloc.New failed: %v", err)
	}
	lim := wire.Limits{ArenaOff: testArenaOff, ArenaLen: testArenaLen}
	db := &scriptedHost{}
	// Slot extends past the region.
	if _, err := NewContext(0, region, 200, alloc, lim, db); err == nil {
		t.Error("NewContext with out-of-bounds slot succeeded")
	}
	// Misaligned turn word.
	if _, err := NewContext(0, region, 2, alloc, lim, db); err == nil {
		t.Error("NewContext with misaligned slot succeeded")
	}
}

// A turn word moved to the shutdown sentinel must unblock the ring with a
// shutdown error even before the shutdown flag is observed: it is what a
// guest racing into the futex wait during teardown sees first.
func TestFutexDoorbellShutdownSentinel(t *testing.T) {
	const (
		doorbellOff = 0
		shutdownOff = 4
		contextsOff = 64
	)
	region := shm.NewFromBytes(make([]byte, 4096))
	db := NewFutexDoorbell(region, doorbellOff, shutdownOff, contextsOff)

	region.StoreWord(contextsOff+wire.TurnOffset, wire.TurnShutdown)
	err := db.Ring(0)
	if !errors.Is(err, ShutdownError{}) {
		t.Fatalf("Ring on shutdown turn word: got %v, want ShutdownError", err)
	}

	// The flag alone must suffice as well.
	region.StoreWord(contextsOff+wire.TurnOffset, wire.TurnPending)
	region.StoreWord(shutdownOff, 1)
	if err := db.Ring(0); !errors.Is(err, ShutdownError{}) {
		t.Fatalf("Ring with shutdown flag set: got %v, want ShutdownError", err)
	}
}
