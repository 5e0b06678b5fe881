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

// sallyctl inspects and exercises sallyport sessions: it validates session
// configs, prints the operation catalog and region layout, and runs an
// in-process loopback session for smoke testing.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

var debug = flag.Bool("debug", false, "enable debug logging")

// log is the process logger, shared by all subcommands.
var log = logrus.New()

// Fatalf logs a fatal error and exits with a failure status.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "sallyctl: "+format+"\n", args...)
	os.Exit(128)
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(Check), "")
	subcommands.Register(new(Ops), "")
	subcommands.Register(new(Loopback), "")

	flag.Parse()

	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}
