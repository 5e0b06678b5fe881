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

// Package wire defines the request/response message format exchanged
// through the shared region, and the closed catalog of operations the guest
// may proxy to the host.
//
// The header layout, slot count, operation codes and status codes are a
// compile-time contract: both sides must be built against the same catalog.
// There is no negotiation; session setup compares catalog digests and
// refuses mismatches outright.
//
// Everything the host writes into the shared region is adversarial input.
// DecodeResponse therefore re-validates every field of a response against
// the catalog and against the request the guest itself encoded, and treats
// any deviation as a protocol violation fatal to the call.
package wire

import (
	"encoding/binary"
	"fmt"
)

// ProtocolVersion identifies the wire contract, covering the header layout
// and the semantics (but not the membership, which the catalog digest
// covers) of the operation catalog.
const ProtocolVersion = 2

// An Opcode identifies an operation in the catalog.
type Opcode uint32

// Supported operations. The zero value is deliberately invalid so that a
// cleared header slot never decodes as a real request.
const (
	opInvalid Opcode = iota

	// OpRead reads from a host file descriptor into a guest-granted block.
	OpRead

	// OpWrite writes from a guest-granted block to a host file descriptor.
	OpWrite

	// OpClose closes a host file descriptor.
	OpClose

	// OpExit reports guest termination with an exit code.
	OpExit

	// OpClockGettime samples a host clock into a guest-granted block.
	OpClockGettime

	// OpGetrandom fills a guest-granted block with host entropy.
	OpGetrandom

	// OpBalloon adjusts the guest's host-mediated memory reservation by a
	// signed page delta and reports the resulting reservation.
	OpBalloon

	// OpMemInfo samples the host's memory accounting into a guest-granted
	// block.
	OpMemInfo

	opMax
)

// String implements fmt.Stringer.String.
func (op Opcode) String() string {
	if e, ok := Lookup(op); ok {
		return e.Name
	}
	return fmt.Sprintf("opcode(%d)", uint32(op))
}

// Status is the host-reported disposition of a call.
type Status uint32

const (
	// StatusNone is the state of a freshly-encoded request. A response
	// still carrying StatusNone means the host never processed the call.
	StatusNone Status = 0

	// StatusOK indicates the operation succeeded; result slots are valid.
	StatusOK Status = 1

	// StatusError indicates the operation itself failed; the errno field
	// holds the host-reported reason and result slots carry no data.
	StatusError Status = 2
)

// maxErrno bounds host-reported errno values. Linux errnos fit comfortably;
// anything larger is not a legitimate error report.
const maxErrno = 4096

// A SlotTag discriminates the tagged union held by a Slot.
type SlotTag uint32

const (
	// TagNone marks an unused slot. All fields must be zero.
	TagNone SlotTag = 0

	// TagImmediate marks a scalar value held directly in Slot.A.
	TagImmediate SlotTag = 1

	// TagBuffer marks a byte range in the shared region: Slot.A is the
	// region-relative offset, Slot.B the length in bytes.
	TagBuffer SlotTag = 2
)

// Wire sizes. The header is the fixed-size record each execution context
// owns in the shared region; payloads live in separately-allocated blocks
// referenced by buffer slots.
const (
	// NumSlots is the number of argument/result slots in a header.
	NumSlots = 4

	// slotBytes is the encoded size of one Slot.
	slotBytes = 24

	// HeaderBytes is the encoded size of a call header.
	HeaderBytes = 16 + NumSlots*slotBytes + 8
)

// Context slot layout. Each execution context owns one ContextSlotBytes
// record in the shared region: a 32-bit turn word (the host-visible call
// signal, also the futex word the guest blocks on), 4 reserved bytes, then
// the call header.
const (
	// TurnOffset is the offset of the turn word within a context slot.
	TurnOffset = 0

	// CallHeaderOffset is the offset of the call header within a context
	// slot.
	CallHeaderOffset = 8

	// ContextSlotBytes is the size of one context slot.
	ContextSlotBytes = CallHeaderOffset + HeaderBytes
)

// Turn word values. The turn word is the only correlation mechanism the
// protocol needs: with at most one outstanding call per context, slot
// identity matches responses to requests.
const (
	// TurnIdle: no call is in flight; the slot may be rewritten by the
	// guest.
	TurnIdle = 0

	// TurnPending: the guest has encoded a request and awaits the host.
	TurnPending = 1

	// TurnComplete: the host has written a response and resumed the guest.
	TurnComplete = 2

	// TurnShutdown: the session was torn down while the call was pending.
	// Stored into pending turn words by session shutdown so that a guest
	// racing into FUTEX_WAIT fails the value check instead of sleeping on a
	// word nothing will wake again.
	TurnShutdown = 3
)

// A Slot is one argument or result position: either an immediate integer or
// a region-relative byte range.
type Slot struct {
	Tag SlotTag
	A   uint64
	B   uint64
}

// Imm returns an immediate-integer slot.
func Imm(v uint64) Slot {
	return Slot{Tag: TagImmediate, A: v}
}

// Buf returns a buffer slot referencing [off, off+length) in the shared
// region.
func Buf(off, length uint64) Slot {
	return Slot{Tag: TagBuffer, A: off, B: length}
}

// A Header is the fixed-layout call record. The same record holds the
// request (written by the guest) and, after the host runs the call, the
// response (status, errno and result slots rewritten by the host).
type Header struct {
	Op     Opcode
	Status Status
	Errno  uint32
	Slots  [NumSlots]Slot
}

// MarshalBytes encodes h into dst.
//
// Preconditions: len(dst) >= HeaderBytes.
func (h *Header) MarshalBytes(dst []byte) {
	_ = dst[HeaderBytes-1]
	binary.LittleEndian.PutUint32(dst[0:], uint32(h.Op))
	binary.LittleEndian.PutUint32(dst[4:], uint32(h.Status))
	binary.LittleEndian.PutUint32(dst[8:], h.Errno)
	binary.LittleEndian.PutUint32(dst[12:], 0)
	off := 16
	for i := range h.Slots {
		s := &h.Slots[i]
		binary.LittleEndian.PutUint32(dst[off:], uint32(s.Tag))
		binary.LittleEndian.PutUint32(dst[off+4:], 0)
		binary.LittleEndian.PutUint64(dst[off+8:], s.A)
		binary.LittleEndian.PutUint64(dst[off+16:], s.B)
		off += slotBytes
	}
	binary.LittleEndian.PutUint64(dst[off:], 0)
}

// UnmarshalBytes decodes h from src without validation; callers are
// responsible for validating the result against the catalog.
//
// Preconditions: len(src) >= HeaderBytes, and src is private memory (a copy
// made from the shared region, read exactly once).
func (h *Header) UnmarshalBytes(src []byte) {
	_ = src[HeaderBytes-1]
	h.Op = Opcode(binary.LittleEndian.Uint32(src[0:]))
	h.Status = Status(binary.LittleEndian.Uint32(src[4:]))
	h.Errno = binary.LittleEndian.Uint32(src[8:])
	off := 16
	for i := range h.Slots {
		s := &h.Slots[i]
		s.Tag = SlotTag(binary.LittleEndian.Uint32(src[off:]))
		s.A = binary.LittleEndian.Uint64(src[off+8:])
		s.B = binary.LittleEndian.Uint64(src[off+16:])
		off += slotBytes
	}
}
