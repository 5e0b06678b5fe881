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

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// A SlotKind is the declared shape of one argument or result position in a
// catalog entry.
type SlotKind uint8

const (
	// KindNone declares an unused position.
	KindNone SlotKind = iota

	// KindImmediate declares a scalar position.
	KindImmediate

	// KindBuffer declares a region byte-range position.
	KindBuffer
)

// String implements fmt.Stringer.String.
func (k SlotKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindImmediate:
		return "imm"
	case KindBuffer:
		return "buf"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Payload sizes for operations with fixed-shape buffer contents.
const (
	// TimespecBytes is the encoded size of the OpClockGettime payload:
	// seconds int64, nanoseconds int64, little-endian.
	TimespecBytes = 16

	// MemInfoBytes is the encoded size of the OpMemInfo payload: total and
	// free host memory in bytes, each uint64, little-endian.
	MemInfoBytes = 16
)

// An Entry statically describes one supported operation: its code, its
// argument and result slot shapes, and any validation beyond shape that a
// response must satisfy. Entries are created at compile time and immutable
// at run time.
type Entry struct {
	Op      Opcode
	Name    string
	Args    [NumSlots]SlotKind
	Results [NumSlots]SlotKind

	// checkResult constrains a shape-valid response against the request it
	// answers; nil means shape validation suffices.
	checkResult func(req, resp *Header) error
}

// immLE returns a checkResult verifying that the immediate result in slot
// ri does not exceed the buffer length the guest granted in request slot bi.
// The host reporting more bytes transferred than the block it was given can
// hold is a violation, not a big read.
func immLE(ri, bi int) func(req, resp *Header) error {
	return func(req, resp *Header) error {
		if n, granted := resp.Slots[ri].A, req.Slots[bi].B; n > granted {
			return fmt.Errorf("result length %d exceeds granted buffer length %d", n, granted)
		}
		return nil
	}
}

// bufExact returns a checkResult verifying that the buffer result in slot i
// claims exactly n bytes.
func bufExact(i int, n uint64) func(req, resp *Header) error {
	return func(req, resp *Header) error {
		if got := resp.Slots[i].B; got != n {
			return fmt.Errorf("result buffer length %d, want exactly %d", got, n)
		}
		return nil
	}
}

// catalog is the closed operation table, indexed by opcode.
var catalog = [opMax]Entry{
	OpRead: {
		Op:          OpRead,
		Name:        "read",
		Args:        [NumSlots]SlotKind{KindImmediate, KindBuffer},
		Results:     [NumSlots]SlotKind{KindImmediate},
		checkResult: immLE(0, 1),
	},
	OpWrite: {
		Op:          OpWrite,
		Name:        "write",
		Args:        [NumSlots]SlotKind{KindImmediate, KindBuffer},
		Results:     [NumSlots]SlotKind{KindImmediate},
		checkResult: immLE(0, 1),
	},
	OpClose: {
		Op:   OpClose,
		Name: "close",
		Args: [NumSlots]SlotKind{KindImmediate},
	},
	OpExit: {
		Op:   OpExit,
		Name: "exit",
		Args: [NumSlots]SlotKind{KindImmediate},
	},
	OpClockGettime: {
		Op:          OpClockGettime,
		Name:        "clock_gettime",
		Args:        [NumSlots]SlotKind{KindImmediate, KindBuffer},
		Results:     [NumSlots]SlotKind{KindNone, KindBuffer},
		checkResult: bufExact(1, TimespecBytes),
	},
	OpGetrandom: {
		Op:          OpGetrandom,
		Name:        "getrandom",
		Args:        [NumSlots]SlotKind{KindBuffer, KindImmediate},
		Results:     [NumSlots]SlotKind{KindImmediate},
		checkResult: immLE(0, 0),
	},
	OpBalloon: {
		Op:      OpBalloon,
		Name:    "balloon",
		Args:    [NumSlots]SlotKind{KindImmediate},
		Results: [NumSlots]SlotKind{KindImmediate},
	},
	OpMemInfo: {
		Op:          OpMemInfo,
		Name:        "meminfo",
		Args:        [NumSlots]SlotKind{KindBuffer},
		Results:     [NumSlots]SlotKind{KindBuffer},
		checkResult: bufExact(0, MemInfoBytes),
	},
}

// Lookup returns the catalog entry for op, if op is a supported operation.
func Lookup(op Opcode) (*Entry, bool) {
	if op <= opInvalid || op >= opMax || catalog[op].Op != op {
		return nil, false
	}
	return &catalog[op], true
}

// Operations calls fn for each catalog entry in opcode order.
func Operations(fn func(*Entry)) {
	for op := opInvalid + 1; op < opMax; op++ {
		fn(&catalog[op])
	}
}

// CatalogDigest returns a digest binding the protocol version and the full
// catalog: opcodes, names, and argument/result shapes. Guest and host
// exchange digests at session setup; any difference is a hard
// incompatibility, detected before the first call rather than at call time.
func CatalogDigest() [sha256.Size]byte {
	h := sha256.New()
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], ProtocolVersion)
	h.Write(word[:])
	Operations(func(e *Entry) {
		binary.LittleEndian.PutUint32(word[:], uint32(e.Op))
		h.Write(word[:])
		h.Write([]byte(e.Name))
		h.Write([]byte{0})
		for _, k := range e.Args {
			h.Write([]byte{byte(k)})
		}
		for _, k := range e.Results {
			h.Write([]byte{byte(k)})
		}
	})
	var digest [sha256.Size]byte
	h.Sum(digest[:0])
	return digest
}
