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
	"strings"
	"text/tabwriter"

	"github.com/google/subcommands"

	"sallyport.dev/sallyport/pkg/wire"
)

// Ops implements subcommands.Command for the "ops" command.
type Ops struct{}

// Name implements subcommands.Command.Name.
func (*Ops) Name() string {
	return "ops"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Ops) Synopsis() string {
	return "Print the operation catalog and its digest."
}

// Usage implements subcommands.Command.Usage.
func (*Ops) Usage() string {
	return `ops - Print the operation catalog and its digest.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Ops) SetFlags(*flag.FlagSet) {}

// kinds renders the used prefix of a slot kind vector.
func kinds(ks [wire.NumSlots]wire.SlotKind) string {
	var parts []string
	for i := wire.NumSlots - 1; i >= 0; i-- {
		if ks[i] != wire.KindNone {
			parts = make([]string, i+1)
			break
		}
	}
	for i := range parts {
		parts[i] = ks[i].String()
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ", ")
}

// Execute implements subcommands.Command.Execute.
func (*Ops) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "OP\tNAME\tARGS\tRESULTS\n")
	wire.Operations(func(e *wire.Entry) {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", uint32(e.Op), e.Name, kinds(e.Args), kinds(e.Results))
	})
	w.Flush()
	digest := wire.CatalogDigest()
	fmt.Fprintf(os.Stdout, "\nprotocol version %d, catalog digest %x\n", wire.ProtocolVersion, digest)
	return subcommands.ExitSuccess
}
