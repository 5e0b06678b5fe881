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
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"sallyport.dev/sallyport/pkg/session"
)

// servePollTimeout bounds how long a sweep waits on the doorbell before
// re-checking for cancellation. The doorbell wake makes the common path
// prompt; the timeout only covers ctx cancellation.
var servePollTimeout = unix.Timespec{Nsec: 50 * 1000 * 1000}

// Serve services pending calls on all contexts until ctx is canceled. Each
// sweep dispatches every pending context concurrently, then blocks on the
// session doorbell until a guest rings again.
//
// On return, Serve shuts the session down, unblocking any guests still
// waiting; a Dispatcher cannot be reused afterwards.
func (d *Dispatcher) Serve(ctx context.Context) error {
	defer session.Shutdown(d.region, d.layout)

	for {
		seen := d.region.LoadWord(session.DoorbellOff)

		var g errgroup.Group
		for id := uint32(0); id < d.layout.ContextCount; id++ {
			if _, exited := d.ExitStatus(id); exited {
				continue
			}
			id := id
			g.Go(func() error {
				d.DispatchContext(id)
				return nil
			})
		}
		g.Wait()

		if err := ctx.Err(); err != nil {
			return err
		}
		// Sleep until the doorbell moves past the value observed before the
		// sweep; a ring during the sweep keeps us spinning rather than
		// sleeping through it.
		timeout := servePollTimeout
		if err := d.region.FutexWait(session.DoorbellOff, seen, &timeout); err != nil && err != unix.ETIMEDOUT {
			return err
		}
	}
}
