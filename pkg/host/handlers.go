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

package host

import (
	"encoding/binary"
	"errors"
	"math"

	"golang.org/x/sys/unix"

	"sallyport.dev/sallyport/pkg/wire"
)

// A handler performs one catalog operation. The request has already passed
// shape and bounds validation; the handler is responsible for executing the
// privileged operation and producing result slots, touching the region only
// within the buffers the request granted.
//
// A non-zero errno return reports a legitimate operation failure to the
// guest; result slots are then discarded.
type handler func(d *Dispatcher, id uint32, req *wire.Header) ([wire.NumSlots]wire.Slot, unix.Errno)

// handlers is indexed by opcode, mirroring the catalog.
var handlers = [...]handler{
	wire.OpRead:         readHandler,
	wire.OpWrite:        writeHandler,
	wire.OpClose:        closeHandler,
	wire.OpExit:         exitHandler,
	wire.OpClockGettime: clockGettimeHandler,
	wire.OpGetrandom:    getrandomHandler,
	wire.OpBalloon:      balloonHandler,
	wire.OpMemInfo:      memInfoHandler,
}

// errnoOf extracts an errno from a syscall error, mapping anything
// unrecognizable to EIO.
func errnoOf(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}

// payload returns the request's granted buffer in slot i as a direct slice
// of the region. Bounds were validated before dispatch.
func payload(d *Dispatcher, req *wire.Header, i int) []byte {
	s := req.Slots[i]
	b, err := d.region.Slice(s.A, s.B)
	if err != nil {
		panic(err.Error())
	}
	return b
}

func readHandler(d *Dispatcher, id uint32, req *wire.Header) ([wire.NumSlots]wire.Slot, unix.Errno) {
	fd := int(int32(req.Slots[0].A))
	buf := payload(d, req, 1)
	n, err := unix.Read(fd, buf)
	if err != nil {
		return [wire.NumSlots]wire.Slot{}, errnoOf(err)
	}
	return [wire.NumSlots]wire.Slot{wire.Imm(uint64(n))}, 0
}

func writeHandler(d *Dispatcher, id uint32, req *wire.Header) ([wire.NumSlots]wire.Slot, unix.Errno) {
	fd := int(int32(req.Slots[0].A))
	buf := payload(d, req, 1)
	n, err := unix.Write(fd, buf)
	if err != nil {
		return [wire.NumSlots]wire.Slot{}, errnoOf(err)
	}
	return [wire.NumSlots]wire.Slot{wire.Imm(uint64(n))}, 0
}

func closeHandler(d *Dispatcher, id uint32, req *wire.Header) ([wire.NumSlots]wire.Slot, unix.Errno) {
	fd := int(int32(req.Slots[0].A))
	if err := unix.Close(fd); err != nil {
		return [wire.NumSlots]wire.Slot{}, errnoOf(err)
	}
	return [wire.NumSlots]wire.Slot{}, 0
}

func exitHandler(d *Dispatcher, id uint32, req *wire.Header) ([wire.NumSlots]wire.Slot, unix.Errno) {
	code := uint32(req.Slots[0].A)
	d.mu.Lock()
	d.exitStatus[id] = code
	d.mu.Unlock()
	d.log.WithField("context", id).Infof("guest exit with code %d", code)
	return [wire.NumSlots]wire.Slot{}, 0
}

func clockGettimeHandler(d *Dispatcher, id uint32, req *wire.Header) ([wire.NumSlots]wire.Slot, unix.Errno) {
	if req.Slots[1].B < wire.TimespecBytes {
		return [wire.NumSlots]wire.Slot{}, unix.EINVAL
	}
	var ts unix.Timespec
	if err := unix.ClockGettime(int32(uint32(req.Slots[0].A)), &ts); err != nil {
		return [wire.NumSlots]wire.Slot{}, errnoOf(err)
	}
	buf := payload(d, req, 1)
	binary.LittleEndian.PutUint64(buf[0:], uint64(ts.Sec))
	binary.LittleEndian.PutUint64(buf[8:], uint64(ts.Nsec))
	return [wire.NumSlots]wire.Slot{1: wire.Buf(req.Slots[1].A, wire.TimespecBytes)}, 0
}

func getrandomHandler(d *Dispatcher, id uint32, req *wire.Header) ([wire.NumSlots]wire.Slot, unix.Errno) {
	buf := payload(d, req, 0)
	n, err := unix.Getrandom(buf, int(uint32(req.Slots[1].A)))
	if err != nil {
		return [wire.NumSlots]wire.Slot{}, errnoOf(err)
	}
	return [wire.NumSlots]wire.Slot{wire.Imm(uint64(n))}, 0
}

// balloonMaxPages bounds the reservation counter. No supported TEE maps
// anywhere near this much guest memory, and the bound keeps the arithmetic
// below safely away from uint64 wraparound.
const balloonMaxPages = 1 << 34

func balloonHandler(d *Dispatcher, id uint32, req *wire.Header) ([wire.NumSlots]wire.Slot, unix.Errno) {
	delta := int64(req.Slots[0].A)
	d.mu.Lock()
	defer d.mu.Unlock()
	if delta < 0 {
		// -delta would overflow for MinInt64; it cannot fit any reservation
		// either way.
		if delta == math.MinInt64 || uint64(-delta) > d.balloonPages {
			return [wire.NumSlots]wire.Slot{}, unix.EINVAL
		}
		d.balloonPages -= uint64(-delta)
	} else {
		if uint64(delta) > balloonMaxPages-d.balloonPages {
			return [wire.NumSlots]wire.Slot{}, unix.EINVAL
		}
		d.balloonPages += uint64(delta)
	}
	return [wire.NumSlots]wire.Slot{wire.Imm(d.balloonPages)}, 0
}

func memInfoHandler(d *Dispatcher, id uint32, req *wire.Header) ([wire.NumSlots]wire.Slot, unix.Errno) {
	if req.Slots[0].B < wire.MemInfoBytes {
		return [wire.NumSlots]wire.Slot{}, unix.EINVAL
	}
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return [wire.NumSlots]wire.Slot{}, errnoOf(err)
	}
	unit := uint64(si.Unit)
	buf := payload(d, req, 0)
	binary.LittleEndian.PutUint64(buf[0:], uint64(si.Totalram)*unit)
	binary.LittleEndian.PutUint64(buf[8:], uint64(si.Freeram)*unit)
	return [wire.NumSlots]wire.Slot{wire.Buf(req.Slots[0].A, wire.MemInfoBytes)}, 0
}
