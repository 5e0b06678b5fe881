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

package wire

import "fmt"

// Limits bounds buffer arguments at encode time. Buffer slots must lie
// entirely within the block arena; a request referencing the session header
// or another context's slot is malformed regardless of who would act on it.
type Limits struct {
	// ArenaOff is the region-relative offset of the block arena.
	ArenaOff uint64

	// ArenaLen is the arena length in bytes.
	ArenaLen uint64
}

// contains returns whether [off, off+length) lies within the arena.
func (l Limits) contains(off, length uint64) bool {
	return off >= l.ArenaOff && off-l.ArenaOff <= l.ArenaLen && length <= l.ArenaLen-(off-l.ArenaOff)
}

// EncodeRequest validates args against the catalog entry for op and, on
// success, encodes the request into dst and returns a guest-private copy of
// the encoded header. Nothing is written to dst on failure.
//
// The returned header is the trusted record of what was asked: it must be
// retained by the caller and presented to DecodeResponse, which validates
// the host's answer against it.
//
// Preconditions: len(dst) >= HeaderBytes.
func EncodeRequest(dst []byte, op Opcode, args []Slot, lim Limits) (*Header, error) {
	e, ok := Lookup(op)
	if !ok {
		return nil, &ValidationError{Op: op, Msg: "unknown operation"}
	}
	if len(args) > NumSlots {
		return nil, &ValidationError{Op: op, Msg: fmt.Sprintf("%d arguments exceed %d slots", len(args), NumSlots)}
	}

	h := &Header{Op: op, Status: StatusNone}
	for i := 0; i < NumSlots; i++ {
		var arg Slot
		if i < len(args) {
			arg = args[i]
		}
		kind := e.Args[i]
		switch kind {
		case KindNone:
			if arg.Tag != TagNone {
				return nil, &ValidationError{Op: op, Msg: fmt.Sprintf("argument in unused slot %d", i)}
			}
		case KindImmediate:
			if arg.Tag != TagImmediate {
				return nil, &ValidationError{Op: op, Msg: fmt.Sprintf("slot %d: got %v, want immediate", i, arg.Tag)}
			}
		case KindBuffer:
			if arg.Tag != TagBuffer {
				return nil, &ValidationError{Op: op, Msg: fmt.Sprintf("slot %d: got %v, want buffer", i, arg.Tag)}
			}
			if arg.B == 0 {
				return nil, &ValidationError{Op: op, Msg: fmt.Sprintf("slot %d: zero-length buffer", i)}
			}
			if !lim.contains(arg.A, arg.B) {
				return nil, &ValidationError{Op: op, Msg: fmt.Sprintf("slot %d: buffer [%#x, %#x) outside arena", i, arg.A, arg.A+arg.B)}
			}
		}
		h.Slots[i] = arg
	}

	h.MarshalBytes(dst)
	return h, nil
}

// String implements fmt.Stringer.String.
func (t SlotTag) String() string {
	switch t {
	case TagNone:
		return "none"
	case TagImmediate:
		return "immediate"
	case TagBuffer:
		return "buffer"
	default:
		return fmt.Sprintf("tag(%d)", uint32(t))
	}
}

// A Result is a validated response. Accessors panic on shape mismatches,
// which after validation can only be caller bugs.
type Result struct {
	hdr Header
}

// OK returns whether the host reported success.
func (r *Result) OK() bool {
	return r.hdr.Status == StatusOK
}

// Errno returns the host-reported error number, or 0 on success. The value
// has been bounds-checked but callers must still map it into their own
// error domain rather than passing it through.
func (r *Result) Errno() uint32 {
	return r.hdr.Errno
}

// Imm returns the immediate result in slot i.
func (r *Result) Imm(i int) uint64 {
	if s := r.hdr.Slots[i]; s.Tag == TagImmediate {
		return s.A
	}
	panic(fmt.Sprintf("result slot %d of %v is not an immediate", i, r.hdr.Op))
}

// Buffer returns the offset and length of the buffer result in slot i.
func (r *Result) Buffer(i int) (off, length uint64) {
	if s := r.hdr.Slots[i]; s.Tag == TagBuffer {
		return s.A, s.B
	}
	panic(fmt.Sprintf("result slot %d of %v is not a buffer", i, r.hdr.Op))
}

// DecodeResponse validates the host-written response in src against the
// request req previously returned by EncodeRequest.
//
// src must be a private copy of the header bytes, made with a single read
// of the shared region; validating in place would let the host change its
// answers after they were checked.
//
// On StatusError, the errno is bounds-checked and surfaced through the
// Result; the proxied operation failed for a legitimate host-reported
// reason. Every other irregularity returns a *ViolationError.
func DecodeResponse(src []byte, req *Header) (*Result, error) {
	if len(src) < HeaderBytes {
		return nil, &ViolationError{Op: req.Op, Msg: fmt.Sprintf("short header: %d bytes", len(src))}
	}
	e, ok := Lookup(req.Op)
	if !ok {
		// The request was produced by EncodeRequest, so this is guest-side
		// state corruption, not host misbehavior.
		panic(fmt.Sprintf("request carries unknown opcode %v", req.Op))
	}

	r := &Result{}
	r.hdr.UnmarshalBytes(src)

	if r.hdr.Op != req.Op {
		return nil, &ViolationError{Op: req.Op, Msg: fmt.Sprintf("opcode echo %v", r.hdr.Op)}
	}
	switch r.hdr.Status {
	case StatusError:
		if r.hdr.Errno == 0 || r.hdr.Errno >= maxErrno {
			return nil, &ViolationError{Op: req.Op, Msg: fmt.Sprintf("errno %d out of range", r.hdr.Errno)}
		}
		// A failed call carries no results; anything left in the slots is
		// unvalidated host-written data and must not reach the accessors.
		for i := 0; i < NumSlots; i++ {
			if r.hdr.Slots[i] != (Slot{}) {
				return nil, &ViolationError{Op: req.Op, Msg: fmt.Sprintf("data in result slot %d of failed call", i)}
			}
		}
		return r, nil
	case StatusOK:
		if r.hdr.Errno != 0 {
			return nil, &ViolationError{Op: req.Op, Msg: fmt.Sprintf("errno %d with ok status", r.hdr.Errno)}
		}
	default:
		return nil, &ViolationError{Op: req.Op, Msg: fmt.Sprintf("status %d", uint32(r.hdr.Status))}
	}

	for i := 0; i < NumSlots; i++ {
		s := r.hdr.Slots[i]
		switch e.Results[i] {
		case KindNone:
			if s != (Slot{}) {
				return nil, &ViolationError{Op: req.Op, Msg: fmt.Sprintf("data in unused result slot %d", i)}
			}
		case KindImmediate:
			if s.Tag != TagImmediate {
				return nil, &ViolationError{Op: req.Op, Msg: fmt.Sprintf("result slot %d: got %v, want immediate", i, s.Tag)}
			}
		case KindBuffer:
			if s.Tag != TagBuffer {
				return nil, &ViolationError{Op: req.Op, Msg: fmt.Sprintf("result slot %d: got %v, want buffer", i, s.Tag)}
			}
			// The host may only answer within the exact buffer it was
			// granted in the same slot of the request: same offset, no more
			// than the granted length.
			granted := req.Slots[i]
			if s.A != granted.A {
				return nil, &ViolationError{Op: req.Op, Msg: fmt.Sprintf("result slot %d: buffer moved from %#x to %#x", i, granted.A, s.A)}
			}
			if s.B > granted.B {
				return nil, &ViolationError{Op: req.Op, Msg: fmt.Sprintf("result slot %d: buffer length %d exceeds granted %d", i, s.B, granted.B)}
			}
		}
	}

	if e.checkResult != nil {
		if err := e.checkResult(req, &r.hdr); err != nil {
			return nil, &ViolationError{Op: req.Op, Msg: err.Error()}
		}
	}
	return r, nil
}
