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

package shm

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Futex operation codes from the Linux ABI (linux/futex.h); x/sys/unix does
// not export them.
const (
	futexWait = 0
	futexWake = 1
)

// word returns a pointer to the 32-bit word at off, suitable for atomic
// access and futex operations.
//
// Preconditions: off is 4-byte aligned and in bounds. Violations panic,
// since they indicate a broken layout computation rather than peer
// misbehavior.
func (r *Region) word(off uint64) *uint32 {
	if off%4 != 0 {
		panic(fmt.Sprintf("misaligned word offset %#x", off))
	}
	if err := r.CheckBounds(off, 4); err != nil {
		panic(err.Error())
	}
	return (*uint32)(unsafe.Pointer(&r.mem[off]))
}

// LoadWord atomically loads the 32-bit word at off.
func (r *Region) LoadWord(off uint64) uint32 {
	return atomic.LoadUint32(r.word(off))
}

// StoreWord atomically stores val to the 32-bit word at off.
func (r *Region) StoreWord(off uint64, val uint32) {
	atomic.StoreUint32(r.word(off), val)
}

// AddWord atomically adds delta to the 32-bit word at off and returns the
// new value.
func (r *Region) AddWord(off uint64, delta uint32) uint32 {
	return atomic.AddUint32(r.word(off), delta)
}

// CompareAndSwapWord atomically compares-and-swaps the 32-bit word at off.
func (r *Region) CompareAndSwapWord(off uint64, old, new uint32) bool {
	return atomic.CompareAndSwapUint32(r.word(off), old, new)
}

// FutexWait blocks until the 32-bit word at off no longer contains val, the
// wait is interrupted, or timeout (if non-nil) expires. A nil return means
// the caller should re-read the word; spurious wakeups are expected.
// unix.ETIMEDOUT is returned verbatim on timeout.
func (r *Region) FutexWait(off uint64, val uint32, timeout *unix.Timespec) error {
	for {
		_, _, e := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(r.word(off))), uintptr(futexWait), uintptr(val), uintptr(unsafe.Pointer(timeout)), 0, 0)
		switch e {
		case 0, unix.EAGAIN:
			// 0: woken. EAGAIN: the word already differed from val.
			return nil
		case unix.EINTR:
			continue
		case unix.ETIMEDOUT:
			return unix.ETIMEDOUT
		default:
			return fmt.Errorf("FUTEX_WAIT failed: %v", e)
		}
	}
}

// FutexWake wakes up to n waiters blocked on the 32-bit word at off and
// returns the number woken.
func (r *Region) FutexWake(off uint64, n int) (int, error) {
	woken, _, e := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(r.word(off))), uintptr(futexWake), uintptr(n), 0, 0, 0)
	if e != 0 {
		return 0, fmt.Errorf("FUTEX_WAKE failed: %v", e)
	}
	return int(woken), nil
}
