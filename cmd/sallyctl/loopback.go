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

package main

import (
	"context"
	"flag"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"sallyport.dev/sallyport/pkg/blockalloc"
	"sallyport.dev/sallyport/pkg/calls"
	"sallyport.dev/sallyport/pkg/guest"
	"sallyport.dev/sallyport/pkg/host"
	"sallyport.dev/sallyport/pkg/session"
)

// Loopback implements subcommands.Command for the "loopback" command. It
// stands up a complete in-process session, with the host dispatcher invoked
// synchronously by the guest's doorbell, and issues one call of each kind.
type Loopback struct {
	config string
}

// Name implements subcommands.Command.Name.
func (*Loopback) Name() string {
	return "loopback"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Loopback) Synopsis() string {
	return "Run an in-process session and exercise every operation."
}

// Usage implements subcommands.Command.Usage.
func (*Loopback) Usage() string {
	return `loopback [-config <config.toml>] - Run an in-process session and exercise every operation.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Loopback) SetFlags(f *flag.FlagSet) {
	f.StringVar(&l.config, "config", "", "session config file; defaults to a small built-in geometry")
}

// Execute implements subcommands.Command.Execute.
func (l *Loopback) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	g := session.Geometry{ContextCount: 1, MinBlockShift: 6, ArenaLen: 1 << 16}
	if l.config != "" {
		var err error
		if g, err = session.LoadConfig(l.config); err != nil {
			Fatalf("%v", err)
		}
	}

	region, layout, err := session.Create(g)
	if err != nil {
		Fatalf("failed to create session: %v", err)
	}
	defer region.Destroy()
	d := host.NewDispatcher(region, layout, log)

	alloc, err := blockalloc.New(layout.ArenaOff, layout.ArenaLen, uint8(layout.MinBlockShift))
	if err != nil {
		Fatalf("failed to initialize allocator: %v", err)
	}
	cctx, err := calls.NewContext(0, region, layout.ContextOff(0), alloc, layout.Limits(), host.Loopback{Dispatcher: d})
	if err != nil {
		Fatalf("failed to initialize context: %v", err)
	}
	p := guest.New(cctx)

	banner := []byte("sallyport loopback session\n")
	var n int
	err = guest.WithAllocRetry(func() error {
		var werr error
		n, werr = p.Write(int32(unix.Stdout), banner)
		return werr
	})
	if err != nil {
		Fatalf("write: %v", err)
	}
	log.Debugf("write accepted %d of %d bytes", n, len(banner))

	ts, err := p.ClockGettime(unix.CLOCK_REALTIME)
	if err != nil {
		Fatalf("clock_gettime: %v", err)
	}
	log.Infof("host realtime clock: %d.%09d", ts.Sec, ts.Nsec)

	entropy := make([]byte, 16)
	if _, err := p.Getrandom(entropy, 0); err != nil {
		Fatalf("getrandom: %v", err)
	}
	log.Infof("host entropy: %x", entropy)

	mi, err := p.MemInfo()
	if err != nil {
		Fatalf("meminfo: %v", err)
	}
	log.Infof("host memory: %d total, %d free", mi.TotalBytes, mi.FreeBytes)

	pages, err := p.Balloon(16)
	if err != nil {
		Fatalf("balloon: %v", err)
	}
	log.Infof("balloon reservation: %d pages", pages)
	if _, err := p.Balloon(-16); err != nil {
		Fatalf("balloon: %v", err)
	}

	if err := p.Exit(0); err != nil {
		Fatalf("exit: %v", err)
	}
	if code, ok := d.ExitStatus(0); ok {
		log.Infof("guest exited with code %d", code)
	}
	return subcommands.ExitSuccess
}
