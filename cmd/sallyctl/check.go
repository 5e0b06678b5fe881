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
	"fmt"
	"os"

	"github.com/google/subcommands"

	"sallyport.dev/sallyport/pkg/session"
)

// Check implements subcommands.Command for the "check" command.
type Check struct{}

// Name implements subcommands.Command.Name.
func (*Check) Name() string {
	return "check"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Check) Synopsis() string {
	return "Validate a session config file and print the resulting region layout."
}

// Usage implements subcommands.Command.Usage.
func (*Check) Usage() string {
	return `check <config.toml> - Validate a session config file and print the resulting region layout.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Check) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (c *Check) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	g, err := session.LoadConfig(f.Arg(0))
	if err != nil {
		Fatalf("%v", err)
	}
	l, err := session.PlanLayout(g)
	if err != nil {
		Fatalf("%v", err)
	}
	fmt.Fprintf(os.Stdout, "contexts:   %d\n", l.ContextCount)
	fmt.Fprintf(os.Stdout, "min block:  %d bytes\n", uint64(1)<<l.MinBlockShift)
	fmt.Fprintf(os.Stdout, "contexts @  %#x\n", l.ContextsOff)
	fmt.Fprintf(os.Stdout, "arena @     %#x (+%#x)\n", l.ArenaOff, l.ArenaLen)
	fmt.Fprintf(os.Stdout, "region:     %d bytes\n", l.RegionSize)
	return subcommands.ExitSuccess
}
