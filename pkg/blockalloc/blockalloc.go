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

// Package blockalloc allocates variable-length call payloads out of the
// shared region's block arena.
//
// Blocks are power-of-two sized, managed buddy-style with a free list per
// size class: allocation splits larger free blocks on demand and freeing
// coalesces buddies, bounding fragmentation at O(log classes) cost per
// operation.
//
// All allocator bookkeeping lives in guest-private memory, never inside the
// shared region. The host must not be trusted to preserve allocator
// metadata, so correctness (in particular, that two live blocks never
// overlap) is established by construction here and cannot be influenced by
// anything the host writes.
package blockalloc

import (
	"fmt"
	"math/bits"
	"sync"
)

// MinBlockShift is the smallest supported size class: blocks are at least
// 1<<MinBlockShift bytes. Smaller granules would inflate the free-block
// index for no practical payload size.
const MinBlockShift = 6 // 64 bytes

// maxShift bounds the number of size classes. 1<<31 exceeds any supportable
// region size on this protocol (region offsets fit in uint32 arithmetic on
// the wire, lengths in uint64).
const maxShift = 31

// A Handle identifies a live block. It is returned by Allocate and must be
// passed, unmodified, to exactly one Free call.
type Handle struct {
	// off is the region-relative offset of the block.
	off uint64

	// shift is the block's size class.
	shift uint8
}

// Offset returns the region-relative offset of the block.
func (h Handle) Offset() uint64 {
	return h.off
}

// Size returns the block's capacity in bytes.
func (h Handle) Size() uint64 {
	return uint64(1) << h.shift
}

// OutOfSpaceError is returned by Allocate when no free block of sufficient
// size class exists and no amount of splitting can produce one. It is
// recoverable: the caller may retry later or with a smaller size.
type OutOfSpaceError struct {
	// Size is the rejected request size in bytes.
	Size uint64
}

// Error implements error.Error.
func (e *OutOfSpaceError) Error() string {
	return fmt.Sprintf("no free block for %d-byte allocation", e.Size)
}

// An Allocator manages the block arena: the extent of the shared region
// reserved for call payloads. It is safe for concurrent use by multiple
// execution contexts.
type Allocator struct {
	// arenaOff is the region-relative offset of the arena. arenaOff is
	// aligned to 1<<minShift and immutable.
	arenaOff uint64

	// arenaLen is the arena length in bytes, a multiple of 1<<minShift.
	// arenaLen is immutable.
	arenaLen uint64

	// minShift is the smallest size class. minShift is immutable.
	minShift uint8

	// maxShiftUsed is the largest size class any block may have, derived
	// from arenaLen. maxShiftUsed is immutable.
	maxShiftUsed uint8

	mu sync.Mutex

	// freeLists[c] holds the arena-relative offsets of free blocks of class
	// minShift+c, in LIFO order. Guarded by mu.
	freeLists [][]uint64

	// freeClass maps the arena-relative offset of every free block to its
	// size class, for O(1) buddy lookup during coalescing and for
	// double-free detection. Guarded by mu.
	freeClass map[uint64]uint8
}

// Init must be called on zero-value Allocators before first use.
//
// arenaOff and arenaLen describe the arena within the shared region;
// arenaOff must be aligned to 1<<minShift, arenaLen must be a non-zero
// multiple of it, and minShift must be in [MinBlockShift, 31].
func (a *Allocator) Init(arenaOff, arenaLen uint64, minShift uint8) error {
	if minShift < MinBlockShift || minShift > maxShift {
		return fmt.Errorf("invalid minimum block shift %d", minShift)
	}
	granule := uint64(1) << minShift
	if arenaOff%granule != 0 {
		return fmt.Errorf("arena offset %#x not aligned to block granule %#x", arenaOff, granule)
	}
	if arenaLen == 0 || arenaLen%granule != 0 {
		return fmt.Errorf("arena length %#x not a non-zero multiple of block granule %#x", arenaLen, granule)
	}
	a.arenaOff = arenaOff
	a.arenaLen = arenaLen
	a.minShift = minShift
	a.maxShiftUsed = uint8(bits.Len64(arenaLen)) - 1
	a.freeLists = make([][]uint64, int(a.maxShiftUsed-a.minShift)+1)
	a.freeClass = make(map[uint64]uint8)
	a.seed()
	return nil
}

// New is a convenience function that returns an initialized Allocator
// allocated on the heap.
func New(arenaOff, arenaLen uint64, minShift uint8) (*Allocator, error) {
	var a Allocator
	if err := a.Init(arenaOff, arenaLen, minShift); err != nil {
		return nil, err
	}
	return &a, nil
}

// seed carves the arena into maximal naturally-aligned free blocks. The
// resulting chunk boundaries are exactly the points coalescing can never
// cross, since a buddy pair merged at class c always lies within a single
// aligned 1<<(c+1) extent.
func (a *Allocator) seed() {
	rel := uint64(0)
	for rel < a.arenaLen {
		shift := a.maxShiftUsed
		for {
			size := uint64(1) << shift
			if rel%size == 0 && rel+size <= a.arenaLen {
				break
			}
			shift--
		}
		a.push(rel, shift)
		rel += uint64(1) << shift
	}
}

// classIndex returns the free-list index for the given size class.
func (a *Allocator) classIndex(shift uint8) int {
	return int(shift - a.minShift)
}

// push records the block at arena-relative offset rel as free at the given
// class.
//
// Precondition: a.mu is locked (or Init is running).
func (a *Allocator) push(rel uint64, shift uint8) {
	i := a.classIndex(shift)
	a.freeLists[i] = append(a.freeLists[i], rel)
	a.freeClass[rel] = shift
}

// remove unlinks the free block at arena-relative offset rel from its
// class's free list.
//
// Precondition: a.mu is locked; rel is free at class shift.
func (a *Allocator) remove(rel uint64, shift uint8) {
	i := a.classIndex(shift)
	list := a.freeLists[i]
	for j := len(list) - 1; j >= 0; j-- {
		if list[j] == rel {
			list[j] = list[len(list)-1]
			a.freeLists[i] = list[:len(list)-1]
			delete(a.freeClass, rel)
			return
		}
	}
	panic(fmt.Sprintf("free block at %#x class %d missing from free list", rel, shift))
}

// sizeClass returns the smallest size class whose blocks can hold size
// bytes.
func (a *Allocator) sizeClass(size uint64) (uint8, bool) {
	shift := uint8(bits.Len64(size - 1))
	if shift < a.minShift {
		shift = a.minShift
	}
	return shift, shift <= a.maxShiftUsed
}

// Allocate returns a block of capacity at least size bytes, rounding up to
// the nearest size class. It fails with *OutOfSpaceError if no free block of
// sufficient class exists.
//
// Preconditions: size > 0.
func (a *Allocator) Allocate(size uint64) (Handle, error) {
	if size == 0 {
		panic("zero-size allocation")
	}
	want, ok := a.sizeClass(size)
	if !ok {
		return Handle{}, &OutOfSpaceError{Size: size}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Best-fit over size classes: take the smallest class with a free
	// block, splitting it down to the wanted class.
	shift := want
	for ; shift <= a.maxShiftUsed; shift++ {
		if len(a.freeLists[a.classIndex(shift)]) > 0 {
			break
		}
	}
	if shift > a.maxShiftUsed {
		return Handle{}, &OutOfSpaceError{Size: size}
	}

	i := a.classIndex(shift)
	list := a.freeLists[i]
	rel := list[len(list)-1]
	a.freeLists[i] = list[:len(list)-1]
	delete(a.freeClass, rel)

	for shift > want {
		shift--
		// Keep the low half, free the high half.
		a.push(rel+(uint64(1)<<shift), shift)
	}
	return Handle{off: a.arenaOff + rel, shift: shift}, nil
}

// Free releases the block identified by h, coalescing it with its free
// buddy transitively. Freeing a handle twice, or a handle not returned by
// Allocate, is a caller contract violation and panics: allocator state
// corruption at this boundary is not recoverable.
func (a *Allocator) Free(h Handle) {
	size := uint64(1) << h.shift
	if h.off < a.arenaOff || h.off+size > a.arenaOff+a.arenaLen {
		panic(fmt.Sprintf("freed block [%#x, %#x) outside arena", h.off, h.off+size))
	}
	rel := h.off - a.arenaOff
	if rel%size != 0 {
		panic(fmt.Sprintf("freed block at %#x misaligned for class %d", h.off, h.shift))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.freeClass[rel]; ok {
		panic(fmt.Sprintf("double free of block at %#x", h.off))
	}

	shift := h.shift
	for shift < a.maxShiftUsed {
		size := uint64(1) << shift
		buddy := rel ^ size
		if buddy+size > a.arenaLen {
			break
		}
		if c, ok := a.freeClass[buddy]; !ok || c != shift {
			break
		}
		a.remove(buddy, shift)
		if buddy < rel {
			rel = buddy
		}
		shift++
	}
	a.push(rel, shift)
}

// FreeSpace returns the total number of free bytes in the arena. It is
// advisory: under concurrent use the value may be stale by the time it is
// returned.
func (a *Allocator) FreeSpace() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uint64
	for _, shift := range a.freeClass {
		total += uint64(1) << shift
	}
	return total
}
