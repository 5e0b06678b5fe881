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

// Package session establishes the shared region between host and guest.
//
// Region geometry (context count, block size classes, arena length) is
// agreed once, out of band, before any call traffic. The host lays the
// region out and records the geometry, the protocol version and the
// operation catalog digest in a fixed header at offset 0; the guest
// re-validates every header field on accept and refuses the session
// outright on any mismatch. There is no renegotiation: a catalog or layout
// difference between the two builds is a hard incompatibility, detected at
// setup rather than at call time.
package session

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	"sallyport.dev/sallyport/pkg/blockalloc"
	"sallyport.dev/sallyport/pkg/shm"
	"sallyport.dev/sallyport/pkg/wire"
)

const (
	// magic identifies a sallyport session header ("SPRT").
	magic = 0x53505254

	// HeaderBytes is the size of the session header at region offset 0.
	HeaderBytes = 128

	// DoorbellOff is the region-relative offset of the doorbell counter:
	// guests bump and wake it to notify the host of pending calls.
	DoorbellOff = 64

	// ShutdownOff is the region-relative offset of the shutdown flag.
	// Non-zero means the session is torn down; blocked guests unwake with
	// a shutdown error.
	ShutdownOff = 68

	// maxContexts bounds the context count; one slot per guest hart, and
	// no supported TEE exposes more vCPUs than this.
	maxContexts = 4096
)

// A Geometry describes the negotiated shape of a session.
type Geometry struct {
	// ContextCount is the number of execution context slots.
	ContextCount uint32

	// MinBlockShift is the smallest payload block size class, as a
	// power-of-two shift.
	MinBlockShift uint32

	// ArenaLen is the length of the payload block arena in bytes. It must
	// be a multiple of the minimum block size.
	ArenaLen uint64
}

// Validate returns a non-nil error unless g describes a usable session.
func (g Geometry) Validate() error {
	if g.ContextCount == 0 || g.ContextCount > maxContexts {
		return fmt.Errorf("context count %d outside [1, %d]", g.ContextCount, maxContexts)
	}
	if g.MinBlockShift < blockalloc.MinBlockShift || g.MinBlockShift > 31 {
		return fmt.Errorf("minimum block shift %d outside [%d, 31]", g.MinBlockShift, blockalloc.MinBlockShift)
	}
	granule := uint64(1) << g.MinBlockShift
	if g.ArenaLen == 0 || g.ArenaLen%granule != 0 {
		return fmt.Errorf("arena length %#x not a non-zero multiple of block granule %#x", g.ArenaLen, granule)
	}
	return nil
}

// A Layout is the concrete region layout derived from a Geometry: the
// session header, then one slot per execution context, then the block
// arena at the first granule-aligned offset.
type Layout struct {
	Geometry

	// ContextsOff is the region-relative offset of context slot 0.
	ContextsOff uint64

	// ArenaOff is the region-relative offset of the block arena.
	ArenaOff uint64

	// RegionSize is the total region size in bytes.
	RegionSize uint64
}

// PlanLayout computes the Layout for a Geometry.
func PlanLayout(g Geometry) (Layout, error) {
	if err := g.Validate(); err != nil {
		return Layout{}, err
	}
	granule := uint64(1) << g.MinBlockShift
	contextsOff := uint64(HeaderBytes)
	contextsEnd := contextsOff + uint64(g.ContextCount)*wire.ContextSlotBytes
	arenaOff := (contextsEnd + granule - 1) &^ (granule - 1)
	size := arenaOff + g.ArenaLen
	if size > math.MaxInt32 {
		return Layout{}, fmt.Errorf("region size %#x exceeds maximum %#x", size, math.MaxInt32)
	}
	return Layout{
		Geometry:    g,
		ContextsOff: contextsOff,
		ArenaOff:    arenaOff,
		RegionSize:  size,
	}, nil
}

// ContextOff returns the region-relative offset of context slot id.
//
// Preconditions: id < l.ContextCount.
func (l Layout) ContextOff(id uint32) uint64 {
	if id >= l.ContextCount {
		panic(fmt.Sprintf("context id %d outside layout with %d contexts", id, l.ContextCount))
	}
	return l.ContextsOff + uint64(id)*wire.ContextSlotBytes
}

// Limits returns the encode-time buffer bounds for this layout.
func (l Layout) Limits() wire.Limits {
	return wire.Limits{ArenaOff: l.ArenaOff, ArenaLen: l.ArenaLen}
}

// An IncompatibleError reports a session header that does not match this
// build's protocol contract. It is a hard incompatibility: no call traffic
// may flow on the session.
type IncompatibleError struct {
	Msg string
}

// Error implements error.Error.
func (e *IncompatibleError) Error() string {
	return fmt.Sprintf("session: incompatible peer: %s", e.Msg)
}

// Create allocates a fresh shared region for the given geometry over a
// sealed memfd and writes the session header. It is called by the host; the
// region descriptor is then handed to the guest out of band. If Create
// succeeds, the caller must eventually call Region.Destroy.
func Create(g Geometry) (*shm.Region, Layout, error) {
	l, err := PlanLayout(g)
	if err != nil {
		return nil, Layout{}, err
	}
	region, err := shm.Create(int(l.RegionSize))
	if err != nil {
		return nil, Layout{}, err
	}
	if err := writeHeader(region, l); err != nil {
		region.Destroy()
		return nil, Layout{}, err
	}
	return region, l, nil
}

func writeHeader(region *shm.Region, l Layout) error {
	b, err := region.Slice(0, HeaderBytes)
	if err != nil {
		return err
	}
	digest := wire.CatalogDigest()
	binary.LittleEndian.PutUint32(b[0:], magic)
	binary.LittleEndian.PutUint32(b[4:], wire.ProtocolVersion)
	copy(b[8:40], digest[:])
	binary.LittleEndian.PutUint32(b[40:], l.ContextCount)
	binary.LittleEndian.PutUint32(b[44:], l.MinBlockShift)
	binary.LittleEndian.PutUint64(b[48:], l.ArenaOff)
	binary.LittleEndian.PutUint64(b[56:], l.ArenaLen)
	// Doorbell and shutdown words start zero; the reserved tail stays
	// zero.
	return nil
}

// Accept validates the session header of an established region against
// this build's protocol contract and returns the layout. Any mismatch
// (magic, version, catalog digest, or a geometry that does not reproduce
// the recorded layout) returns *IncompatibleError.
//
// The header was written by the host, so Accept reads it exactly once into
// private memory before validating.
func Accept(region *shm.Region) (Layout, error) {
	b, err := region.CopyOut(0, HeaderBytes)
	if err != nil {
		return Layout{}, &IncompatibleError{Msg: fmt.Sprintf("region too small for session header: %v", err)}
	}
	if got := binary.LittleEndian.Uint32(b[0:]); got != magic {
		return Layout{}, &IncompatibleError{Msg: fmt.Sprintf("bad magic %#x", got)}
	}
	if got := binary.LittleEndian.Uint32(b[4:]); got != wire.ProtocolVersion {
		return Layout{}, &IncompatibleError{Msg: fmt.Sprintf("protocol version %d, want %d", got, wire.ProtocolVersion)}
	}
	want := wire.CatalogDigest()
	var got [sha256.Size]byte
	copy(got[:], b[8:40])
	if got != want {
		return Layout{}, &IncompatibleError{Msg: "operation catalog digest mismatch"}
	}

	g := Geometry{
		ContextCount:  binary.LittleEndian.Uint32(b[40:]),
		MinBlockShift: binary.LittleEndian.Uint32(b[44:]),
		ArenaLen:      binary.LittleEndian.Uint64(b[56:]),
	}
	l, err := PlanLayout(g)
	if err != nil {
		return Layout{}, &IncompatibleError{Msg: err.Error()}
	}
	if recorded := binary.LittleEndian.Uint64(b[48:]); recorded != l.ArenaOff {
		return Layout{}, &IncompatibleError{Msg: fmt.Sprintf("arena offset %#x, computed %#x", recorded, l.ArenaOff)}
	}
	if region.Size() < l.RegionSize {
		return Layout{}, &IncompatibleError{Msg: fmt.Sprintf("region size %#x below layout size %#x", region.Size(), l.RegionSize)}
	}
	return l, nil
}

// Shutdown marks the session as torn down and wakes every blocked waiter:
// the host's serve loop and any guest context blocked on its turn word.
// Guests unblock with a shutdown error and their contexts fault.
//
// Pending turn words are moved to wire.TurnShutdown before the wake. The
// sentinel closes the race with a guest that has read its turn word as
// pending but not yet reached FUTEX_WAIT: the kernel's value check fails
// against the sentinel, the guest re-reads the shutdown flag, and no waiter
// is left sleeping on a word nothing will wake again.
func Shutdown(region *shm.Region, l Layout) {
	region.StoreWord(ShutdownOff, 1)
	region.AddWord(DoorbellOff, 1)
	region.FutexWake(DoorbellOff, math.MaxInt32)
	for id := uint32(0); id < l.ContextCount; id++ {
		turnOff := l.ContextOff(id) + wire.TurnOffset
		region.CompareAndSwapWord(turnOff, wire.TurnPending, wire.TurnShutdown)
		region.FutexWake(turnOff, math.MaxInt32)
	}
}
