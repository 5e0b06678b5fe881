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

// Package shm provides the shared memory region over which the guest and
// host exchange call traffic.
//
// The region is the only channel between the two sides and is, by
// construction, visible to both of them. All addressing within it is done
// with region-relative offsets so that each side can map the backing file at
// an arbitrary virtual address. Nothing in this package (or any package
// built on it) may treat region contents as trustworthy: the peer can mutate
// any byte at any time.
package shm

import (
	"fmt"
	"math"

	"golang.org/x/sys/unix"
)

// memfdName appears in /proc/self/fd on the host for debugging purposes.
const memfdName = "sallyport_region"

// A Region is a fixed-size byte arena mapped into the caller's address
// space, backed by a sealed memfd that may simultaneously be mapped by an
// untrusted peer.
type Region struct {
	// fd is the memfd backing the region. It is -1 if the Region was
	// constructed from an existing mapping with NewFromBytes.
	fd int

	// mem is the mapping of the backing file. mem is immutable.
	mem []byte
}

// Create creates a new Region of the given size, backed by a fresh sealed
// memfd, and maps it. If it succeeds, r.Destroy() must be called once the
// Region is no longer in use.
//
// F_SEAL_SHRINK prevents either party from causing SIGBUS in the other by
// truncating the file; F_SEAL_SEAL prevents either party from applying
// F_SEAL_GROW or F_SEAL_WRITE later.
func Create(size int) (*Region, error) {
	if size <= 0 || size > math.MaxInt32 {
		return nil, fmt.Errorf("invalid region size: %d", size)
	}
	fd, err := unix.MemfdCreate(memfdName, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("failed to create memfd: %v", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate failed: %v", err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_SEAL); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to apply memfd seals: %v", err)
	}
	r, err := Open(fd, size)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return r, nil
}

// Open maps an existing region file descriptor, e.g. one received from the
// peer during session setup. The descriptor is owned by the returned Region
// on success. If Open succeeds, r.Destroy() must be called once the Region
// is no longer in use.
func Open(fd int, size int) (*Region, error) {
	if size <= 0 || size > math.MaxInt32 {
		return nil, fmt.Errorf("invalid region size: %d", size)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap region: %v", err)
	}
	return &Region{fd: fd, mem: mem}, nil
}

// NewFromBytes returns a Region backed by an existing mapping. It is
// intended for callers, such as in-enclave runtimes, whose region was
// established by other means and for tests. The returned Region does not own
// a file descriptor; Destroy is a no-op beyond dropping the reference.
func NewFromBytes(mem []byte) *Region {
	return &Region{fd: -1, mem: mem}
}

// Destroy unmaps the region and closes the backing descriptor, if any. No
// other Region methods may be called after Destroy.
func (r *Region) Destroy() {
	if r.fd >= 0 {
		unix.Munmap(r.mem)
		unix.Close(r.fd)
	}
	r.mem = nil
}

// FD returns the descriptor of the backing file, or -1 if the Region was
// constructed with NewFromBytes. It may be passed to the peer so that it can
// map the same region.
func (r *Region) FD() int {
	return r.fd
}

// Size returns the length of the region in bytes.
func (r *Region) Size() uint64 {
	return uint64(len(r.mem))
}

// CheckBounds returns a non-nil error unless [off, off+length) lies entirely
// within the region. length may be zero.
func (r *Region) CheckBounds(off, length uint64) error {
	size := uint64(len(r.mem))
	if off > size || length > size-off {
		return fmt.Errorf("range [%#x, %#x) exceeds region size %#x", off, off+length, size)
	}
	return nil
}

// Slice returns the subslice of the region at [off, off+length).
//
// The returned slice aliases memory shared with the potentially-untrusted
// peer, which may concurrently mutate it. Callers must read any given byte
// at most once, and must not expect to read back data they have written.
func (r *Region) Slice(off, length uint64) ([]byte, error) {
	if err := r.CheckBounds(off, length); err != nil {
		return nil, err
	}
	return r.mem[off : off+length : off+length], nil
}

// CopyOut copies the contents of [off, off+length) into freshly allocated
// private memory. It is the only safe way to consume peer-written payload
// bytes, since it reads each shared byte exactly once.
func (r *Region) CopyOut(off, length uint64) ([]byte, error) {
	src, err := r.Slice(off, length)
	if err != nil {
		return nil, err
	}
	dst := make([]byte, length)
	copy(dst, src)
	return dst, nil
}

// Zero clears [off, off+length).
func (r *Region) Zero(off, length uint64) error {
	b, err := r.Slice(off, length)
	if err != nil {
		return err
	}
	clear(b)
	return nil
}
