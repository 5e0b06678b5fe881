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

// Package guest is the trusted-side API of the protocol: one typed entry
// point per catalog operation. Each entry point allocates any payload
// blocks, drives the call protocol through prepared, pending and completed,
// and maps the host-reported status into the guest's own error domain.
//
// Host-reported operation failures surface as unix.Errno values. Protocol
// violations surface as *wire.ViolationError and leave the underlying
// context faulted; see the calls package.
//
// Every entry point may block its execution context for an unbounded,
// host-controlled duration. Callers needing timeouts must build them above
// this layer; the protocol has none.
package guest

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"sallyport.dev/sallyport/pkg/calls"
	"sallyport.dev/sallyport/pkg/wire"
)

// A Proxy issues host calls on behalf of one execution context.
type Proxy struct {
	ctx *calls.Context
}

// New returns a Proxy driving the given execution context.
func New(ctx *calls.Context) *Proxy {
	return &Proxy{ctx: ctx}
}

// Context returns the underlying execution context, e.g. to Reset it after
// a protocol violation.
func (p *Proxy) Context() *calls.Context {
	return p.ctx
}

// roundTrip drives an already-prepared call to completion and returns the
// validated result. On a host-reported operation failure it finishes the
// call and returns the errno; the caller sees only nil results for non-nil
// errors.
func (p *Proxy) roundTrip() (*wire.Result, error) {
	if err := p.ctx.Call(); err != nil {
		return nil, err
	}
	res, err := p.ctx.Results()
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		errno := unix.Errno(res.Errno())
		if err := p.ctx.Finish(); err != nil {
			return nil, err
		}
		return nil, errno
	}
	return res, nil
}

// Read reads up to maxLen bytes from the host file descriptor fd and
// returns them in guest-private memory.
func (p *Proxy) Read(fd int32, maxLen int) ([]byte, error) {
	if maxLen <= 0 {
		return nil, unix.EINVAL
	}
	h, err := p.ctx.Alloc(uint64(maxLen))
	if err != nil {
		return nil, err
	}
	if err := p.ctx.Prepare(wire.OpRead, wire.Imm(uint64(fd)), wire.Buf(h.Offset(), uint64(maxLen))); err != nil {
		return nil, err
	}
	res, err := p.roundTrip()
	if err != nil {
		return nil, err
	}
	n := res.Imm(0) // Validated against the granted buffer length.
	data, err := p.ctx.Region().CopyOut(h.Offset(), n)
	if err != nil {
		panic(err.Error())
	}
	if err := p.ctx.Finish(); err != nil {
		return nil, err
	}
	return data, nil
}

// Write writes b to the host file descriptor fd and returns the number of
// bytes the host accepted.
func (p *Proxy) Write(fd int32, b []byte) (int, error) {
	if len(b) == 0 {
		return 0, unix.EINVAL
	}
	h, err := p.ctx.Alloc(uint64(len(b)))
	if err != nil {
		return 0, err
	}
	dst, err := p.ctx.Region().Slice(h.Offset(), uint64(len(b)))
	if err != nil {
		panic(err.Error())
	}
	copy(dst, b)
	if err := p.ctx.Prepare(wire.OpWrite, wire.Imm(uint64(fd)), wire.Buf(h.Offset(), uint64(len(b)))); err != nil {
		return 0, err
	}
	res, err := p.roundTrip()
	if err != nil {
		return 0, err
	}
	n := int(res.Imm(0))
	if err := p.ctx.Finish(); err != nil {
		return 0, err
	}
	return n, nil
}

// Close closes the host file descriptor fd.
func (p *Proxy) Close(fd int32) error {
	if err := p.ctx.Prepare(wire.OpClose, wire.Imm(uint64(fd))); err != nil {
		return err
	}
	if _, err := p.roundTrip(); err != nil {
		return err
	}
	return p.ctx.Finish()
}

// Exit reports guest termination with the given code. Unlike a real exit
// this returns: the caller decides whether to stop scheduling the context.
func (p *Proxy) Exit(code int) error {
	if err := p.ctx.Prepare(wire.OpExit, wire.Imm(uint64(uint32(code)))); err != nil {
		return err
	}
	if _, err := p.roundTrip(); err != nil {
		return err
	}
	return p.ctx.Finish()
}

// ClockGettime samples the host clock identified by clockid.
func (p *Proxy) ClockGettime(clockid int32) (unix.Timespec, error) {
	h, err := p.ctx.Alloc(wire.TimespecBytes)
	if err != nil {
		return unix.Timespec{}, err
	}
	if err := p.ctx.Prepare(wire.OpClockGettime, wire.Imm(uint64(uint32(clockid))), wire.Buf(h.Offset(), wire.TimespecBytes)); err != nil {
		return unix.Timespec{}, err
	}
	res, err := p.roundTrip()
	if err != nil {
		return unix.Timespec{}, err
	}
	off, length := res.Buffer(1) // Exactly TimespecBytes, validated.
	b, err := p.ctx.Region().CopyOut(off, length)
	if err != nil {
		panic(err.Error())
	}
	if err := p.ctx.Finish(); err != nil {
		return unix.Timespec{}, err
	}
	return unix.Timespec{
		Sec:  int64(binary.LittleEndian.Uint64(b[0:])),
		Nsec: int64(binary.LittleEndian.Uint64(b[8:])),
	}, nil
}

// Getrandom fills b with host-supplied entropy and returns the number of
// bytes written. Host entropy is a liveness convenience, not a security
// input: guests must mix it with in-TEE entropy before trusting it.
func (p *Proxy) Getrandom(b []byte, flags uint32) (int, error) {
	if len(b) == 0 {
		return 0, unix.EINVAL
	}
	h, err := p.ctx.Alloc(uint64(len(b)))
	if err != nil {
		return 0, err
	}
	if err := p.ctx.Prepare(wire.OpGetrandom, wire.Buf(h.Offset(), uint64(len(b))), wire.Imm(uint64(flags))); err != nil {
		return 0, err
	}
	res, err := p.roundTrip()
	if err != nil {
		return 0, err
	}
	n := res.Imm(0) // Validated against the granted buffer length.
	data, err := p.ctx.Region().CopyOut(h.Offset(), n)
	if err != nil {
		panic(err.Error())
	}
	if err := p.ctx.Finish(); err != nil {
		return 0, err
	}
	return copy(b, data), nil
}

// Balloon adjusts the guest's host-mediated memory reservation by
// deltaPages (which may be negative) and returns the resulting reservation
// in pages.
func (p *Proxy) Balloon(deltaPages int64) (uint64, error) {
	if err := p.ctx.Prepare(wire.OpBalloon, wire.Imm(uint64(deltaPages))); err != nil {
		return 0, err
	}
	res, err := p.roundTrip()
	if err != nil {
		return 0, err
	}
	pages := res.Imm(0)
	if err := p.ctx.Finish(); err != nil {
		return 0, err
	}
	return pages, nil
}

// MemInfo reports the host's view of total and free memory.
type MemInfo struct {
	TotalBytes uint64
	FreeBytes  uint64
}

// MemInfo samples the host's memory accounting. The numbers are
// host-asserted and useful only for sizing heuristics; nothing
// correctness-relevant may depend on them.
func (p *Proxy) MemInfo() (MemInfo, error) {
	h, err := p.ctx.Alloc(wire.MemInfoBytes)
	if err != nil {
		return MemInfo{}, err
	}
	if err := p.ctx.Prepare(wire.OpMemInfo, wire.Buf(h.Offset(), wire.MemInfoBytes)); err != nil {
		return MemInfo{}, err
	}
	res, err := p.roundTrip()
	if err != nil {
		return MemInfo{}, err
	}
	off, length := res.Buffer(0) // Exactly MemInfoBytes, validated.
	b, err := p.ctx.Region().CopyOut(off, length)
	if err != nil {
		panic(err.Error())
	}
	if err := p.ctx.Finish(); err != nil {
		return MemInfo{}, err
	}
	return MemInfo{
		TotalBytes: binary.LittleEndian.Uint64(b[0:]),
		FreeBytes:  binary.LittleEndian.Uint64(b[8:]),
	}, nil
}
