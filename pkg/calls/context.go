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
	"fmt"
	"sync/atomic"

	"sallyport.dev/sallyport/pkg/blockalloc"
	"sallyport.dev/sallyport/pkg/shm"
	"sallyport.dev/sallyport/pkg/wire"
)

// A Context is one guest thread's slot in the protocol. It owns one header
// slot in the shared region and, transitively, any blocks allocated for the
// outstanding call. Blocks and the header slot are released when the call
// finishes; no allocation survives past its owning call.
//
// A Context is not safe for concurrent use by multiple goroutines, but
// misuse is detected: state transitions are compare-and-swap guarded, so a
// racing second call is rejected with *StateError rather than interleaved
// into the same header slot.
type Context struct {
	// id is the execution context index, used only to address the host
	// notification. id is immutable.
	id uint32

	// region is the shared region. region is immutable.
	region *shm.Region

	// slotOff is the region-relative offset of this context's slot.
	// slotOff is immutable.
	slotOff uint64

	// alloc services payload blocks. It may be shared with other contexts;
	// it is safe for concurrent use. alloc is immutable.
	alloc *blockalloc.Allocator

	// db is the host-notification primitive. db is immutable.
	db Doorbell

	// lim bounds buffer arguments at encode time. lim is immutable.
	lim wire.Limits

	// state is the call protocol state, accessed atomically.
	state atomic.Int32

	// req is the trusted copy of the outstanding request, against which the
	// response is validated. nil unless a call is in flight.
	req *wire.Header

	// blocks are the payload blocks owned by the outstanding call.
	blocks []blockalloc.Handle
}

// Init must be called on zero-value Contexts before first use.
//
// slotOff is the region-relative offset of the context's slot, which must
// lie within the region and be 4-byte aligned for the turn word.
func (c *Context) Init(id uint32, region *shm.Region, slotOff uint64, alloc *blockalloc.Allocator, lim wire.Limits, db Doorbell) error {
	if err := region.CheckBounds(slotOff, wire.ContextSlotBytes); err != nil {
		return fmt.Errorf("context %d slot: %v", id, err)
	}
	if slotOff%4 != 0 {
		return fmt.Errorf("context %d slot offset %#x misaligned", id, slotOff)
	}
	c.id = id
	c.region = region
	c.slotOff = slotOff
	c.alloc = alloc
	c.lim = lim
	c.db = db
	return nil
}

// NewContext is a convenience function that returns an initialized Context
// allocated on the heap.
func NewContext(id uint32, region *shm.Region, slotOff uint64, alloc *blockalloc.Allocator, lim wire.Limits, db Doorbell) (*Context, error) {
	var c Context
	if err := c.Init(id, region, slotOff, alloc, lim, db); err != nil {
		return nil, err
	}
	return &c, nil
}

// ID returns the execution context index.
func (c *Context) ID() uint32 {
	return c.id
}

// State returns the current call protocol state.
func (c *Context) State() State {
	return State(c.state.Load())
}

// Region returns the shared region the context operates on.
func (c *Context) Region() *shm.Region {
	return c.region
}

func (c *Context) cas(old, new State) bool {
	return c.state.CompareAndSwap(int32(old), int32(new))
}

func (c *Context) headerBytes() []byte {
	b, err := c.region.Slice(c.slotOff+wire.CallHeaderOffset, wire.HeaderBytes)
	if err != nil {
		// Bounds were checked at Init; the region cannot shrink (the memfd
		// is sealed).
		panic(err.Error())
	}
	return b
}

// Alloc allocates a payload block owned by the next (or currently prepared)
// call. It may be called only while the context is Idle or Prepared; the
// block is freed automatically when the call leaves the Completed or
// Faulted state.
//
// An *blockalloc.OutOfSpaceError return is recoverable and leaves the
// context state unchanged; the caller may retry later or with a smaller
// size.
func (c *Context) Alloc(size uint64) (blockalloc.Handle, error) {
	if s := c.State(); s != StateIdle && s != StatePrepared {
		return blockalloc.Handle{}, &StateError{Method: "alloc", State: s}
	}
	h, err := c.alloc.Allocate(size)
	if err != nil {
		return blockalloc.Handle{}, err
	}
	c.blocks = append(c.blocks, h)
	return h, nil
}

// fault frees the blocks owned by the call, clears the header slot, and
// moves the context to Faulted. It is called only on paths where the host
// is known not to write into the call's blocks anymore (before the host was
// signaled, after it responded, or after session shutdown), so reclaiming
// them is safe.
func (c *Context) fault() {
	c.releaseCall()
	c.state.Store(int32(StateFaulted))
}

// releaseCall frees owned blocks and clears the slot, turn word included.
func (c *Context) releaseCall() {
	for _, h := range c.blocks {
		c.alloc.Free(h)
	}
	c.blocks = nil
	c.req = nil
	c.region.Zero(c.slotOff+wire.CallHeaderOffset, wire.HeaderBytes)
	c.region.StoreWord(c.slotOff+wire.TurnOffset, wire.TurnIdle)
}

// Prepare validates args against the operation catalog and encodes the
// request into the context's header slot, transitioning Idle to Prepared.
//
// A *wire.ValidationError means the request was malformed before anything
// touched shared memory; it faults the context, since a caller assembling
// invalid requests cannot be assumed to have a consistent view of the
// call's shared state.
func (c *Context) Prepare(op wire.Opcode, args ...wire.Slot) error {
	if !c.cas(StateIdle, StatePrepared) {
		return &StateError{Method: "prepare", State: c.State()}
	}
	req, err := wire.EncodeRequest(c.headerBytes(), op, args, c.lim)
	if err != nil {
		c.fault()
		return err
	}
	c.req = req
	return nil
}

// Call signals the host and blocks until it responds, transitioning
// Prepared through Pending to Completed. The context makes no forward
// progress while Pending; the host controls the duration.
//
// A ShutdownError (the session was torn down while blocked) or a
// *wire.ViolationError (the host resumed the guest without completing the
// call) faults the context.
func (c *Context) Call() error {
	if !c.cas(StatePrepared, StatePending) {
		return &StateError{Method: "call", State: c.State()}
	}
	c.region.StoreWord(c.slotOff+wire.TurnOffset, wire.TurnPending)
	if err := c.db.Ring(c.id); err != nil {
		c.fault()
		return err
	}
	if turn := c.region.LoadWord(c.slotOff + wire.TurnOffset); turn != wire.TurnComplete {
		err := &wire.ViolationError{Op: c.req.Op, Msg: fmt.Sprintf("resumed with turn word %d", turn)}
		c.fault()
		return err
	}
	c.state.Store(int32(StateCompleted))
	return nil
}

// Results validates the host-written response and returns it, leaving the
// context Completed until Finish is called. A *wire.ViolationError faults
// the context.
//
// The header bytes are copied out of the shared region before validation;
// the host cannot change an answer after it has been checked.
func (c *Context) Results() (*wire.Result, error) {
	if s := c.State(); s != StateCompleted {
		return nil, &StateError{Method: "results", State: s}
	}
	private, err := c.region.CopyOut(c.slotOff+wire.CallHeaderOffset, wire.HeaderBytes)
	if err != nil {
		panic(err.Error())
	}
	res, err := wire.DecodeResponse(private, c.req)
	if err != nil {
		c.fault()
		return nil, err
	}
	return res, nil
}

// Finish releases the completed call's blocks, clears the header slot, and
// returns the context to Idle, ready for the next call.
func (c *Context) Finish() error {
	if !c.cas(StateCompleted, StateIdle) {
		return &StateError{Method: "finish", State: c.State()}
	}
	c.releaseCall()
	return nil
}

// Reset explicitly recovers a Faulted context, returning it to Idle. The
// fault path already reclaimed the call's blocks and cleared the slot;
// Reset exists so that recovery is a deliberate act rather than silent
// continuation on possibly-inconsistent shared state.
func (c *Context) Reset() error {
	if !c.cas(StateFaulted, StateIdle) {
		return &StateError{Method: "reset", State: c.State()}
	}
	return nil
}
