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
	"bytes"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestCreateDestroy(t *testing.T) {
	const size = 1 << 16
	r, err := Create(size)
	if err != nil {
		t.Fatalf("Create(%d) failed: %v", size, err)
	}
	defer r.Destroy()
	if got := r.Size(); got != size {
		t.Errorf("Size(): got %d, want %d", got, size)
	}
	if r.FD() < 0 {
		t.Error("FD(): got negative descriptor for memfd-backed region")
	}
}

func TestCreateSealed(t *testing.T) {
	r, err := Create(4096)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer r.Destroy()
	// Shrinking must be refused; a truncation by either side would SIGBUS
	// the other.
	if err := unix.Ftruncate(r.FD(), 0); err == nil {
		t.Error("Ftruncate(0) on sealed region succeeded")
	}
	// So must further sealing.
	if _, err := unix.FcntlInt(uintptr(r.FD()), unix.F_ADD_SEALS, unix.F_SEAL_WRITE); err == nil {
		t.Error("F_ADD_SEALS(F_SEAL_WRITE) on sealed region succeeded")
	}
}

func TestCreateInvalidSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		if _, err := Create(size); err == nil {
			t.Errorf("Create(%d) succeeded", size)
		}
	}
}

// The same backing file must be visible through two independent mappings,
// as it is to a real host/guest pair.
func TestSharedVisibility(t *testing.T) {
	const size = 4096
	a, err := Create(size)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer a.Destroy()
	fd, err := unix.Dup(a.FD())
	if err != nil {
		t.Fatalf("Dup failed: %v", err)
	}
	b, err := Open(fd, size)
	if err != nil {
		unix.Close(fd)
		t.Fatalf("Open failed: %v", err)
	}
	defer b.Destroy()

	src, err := a.Slice(128, 5)
	if err != nil {
		t.Fatalf("Slice failed: %v", err)
	}
	copy(src, "hello")
	got, err := b.CopyOut(128, 5)
	if err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Errorf("peer mapping read %q, want %q", got, "hello")
	}
}

func TestBounds(t *testing.T) {
	r := NewFromBytes(make([]byte, 4096))
	for _, test := range []struct {
		off, length uint64
		ok          bool
	}{
		{0, 0, true},
		{0, 4096, true},
		{4095, 1, true},
		{4096, 0, true},
		{4096, 1, false},
		{4095, 2, false},
		{1 << 40, 1, false},
		// off+length overflow must not wrap into bounds.
		{1, ^uint64(0), false},
	} {
		err := r.CheckBounds(test.off, test.length)
		if (err == nil) != test.ok {
			t.Errorf("CheckBounds(%#x, %#x): got err=%v, want ok=%t", test.off, test.length, err, test.ok)
		}
	}
}

func TestCopyOutIsPrivate(t *testing.T) {
	mem := make([]byte, 64)
	r := NewFromBytes(mem)
	copy(mem[8:], "stable")
	got, err := r.CopyOut(8, 6)
	if err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	// A peer write after the copy must not show through.
	copy(mem[8:], "mutate")
	if !bytes.Equal(got, []byte("stable")) {
		t.Errorf("CopyOut result changed with the region: got %q", got)
	}
}

func TestZero(t *testing.T) {
	mem := make([]byte, 64)
	for i := range mem {
		mem[i] = 0xff
	}
	r := NewFromBytes(mem)
	if err := r.Zero(16, 32); err != nil {
		t.Fatalf("Zero failed: %v", err)
	}
	for i, b := range mem {
		want := byte(0xff)
		if i >= 16 && i < 48 {
			want = 0
		}
		if b != want {
			t.Fatalf("byte %d: got %#x, want %#x", i, b, want)
		}
	}
}

func TestWordOps(t *testing.T) {
	r := NewFromBytes(make([]byte, 64))
	r.StoreWord(8, 42)
	if got := r.LoadWord(8); got != 42 {
		t.Errorf("LoadWord: got %d, want 42", got)
	}
	if got := r.AddWord(8, 3); got != 45 {
		t.Errorf("AddWord: got %d, want 45", got)
	}
	if !r.CompareAndSwapWord(8, 45, 100) {
		t.Error("CompareAndSwapWord(45, 100) failed")
	}
	if r.CompareAndSwapWord(8, 45, 200) {
		t.Error("CompareAndSwapWord with stale old value succeeded")
	}
	if got := r.LoadWord(8); got != 100 {
		t.Errorf("LoadWord after CAS: got %d, want 100", got)
	}
}

func TestMisalignedWordPanics(t *testing.T) {
	r := NewFromBytes(make([]byte, 64))
	defer func() {
		if recover() == nil {
			t.Error("LoadWord at misaligned offset did not panic")
		}
	}()
	r.LoadWord(2)
}

func TestFutexWaitValueMismatch(t *testing.T) {
	r := NewFromBytes(make([]byte, 64))
	r.StoreWord(0, 7)
	// The word already differs from the expected value: must return
	// immediately rather than block.
	if err := r.FutexWait(0, 8, nil); err != nil {
		t.Fatalf("FutexWait with mismatched value failed: %v", err)
	}
}

func TestFutexWaitTimeout(t *testing.T) {
	r := NewFromBytes(make([]byte, 64))
	timeout := unix.Timespec{Nsec: 10 * 1000 * 1000}
	if err := r.FutexWait(0, 0, &timeout); err != unix.ETIMEDOUT {
		t.Fatalf("FutexWait: got %v, want ETIMEDOUT", err)
	}
}

func TestFutexWake(t *testing.T) {
	r := NewFromBytes(make([]byte, 64))
	woken := make(chan error, 1)
	go func() {
		woken <- r.FutexWait(0, 0, nil)
	}()
	// Wake until the waiter is actually in the kernel; FUTEX_WAKE on an
	// empty queue is a no-op.
	for {
		r.StoreWord(0, 1)
		if _, err := r.FutexWake(0, 1); err != nil {
			t.Fatalf("FutexWake failed: %v", err)
		}
		select {
		case err := <-woken:
			if err != nil {
				t.Fatalf("FutexWait failed: %v", err)
			}
			return
		case <-time.After(time.Millisecond):
		}
	}
}
