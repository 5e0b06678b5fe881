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

package calls

import (
	"math"

	"sallyport.dev/sallyport/pkg/shm"
	"sallyport.dev/sallyport/pkg/wire"
)

// A FutexDoorbell notifies a host in another process through futex words in
// the shared region: it bumps the session doorbell counter, wakes the
// host's serve loop, and blocks on the context's turn word until the host
// moves it out of pending.
//
// The turn word is shared memory and therefore adversarial: a broken host
// can wake the guest spuriously or never. The doorbell only guarantees that
// a nil return means "the turn word left TurnPending at least once"; the
// call protocol re-validates everything else.
type FutexDoorbell struct {
	// region is the shared region. region is immutable.
	region *shm.Region

	// doorbellOff and shutdownOff locate the session's doorbell counter
	// and shutdown flag. Both are immutable.
	doorbellOff uint64
	shutdownOff uint64

	// contextsOff is the region-relative offset of context slot 0.
	// contextsOff is immutable.
	contextsOff uint64
}

// NewFutexDoorbell returns a FutexDoorbell operating on the given session
// words.
func NewFutexDoorbell(region *shm.Region, doorbellOff, shutdownOff, contextsOff uint64) *FutexDoorbell {
	return &FutexDoorbell{
		region:      region,
		doorbellOff: doorbellOff,
		shutdownOff: shutdownOff,
		contextsOff: contextsOff,
	}
}

func (d *FutexDoorbell) turnOff(id uint32) uint64 {
	return d.contextsOff + uint64(id)*wire.ContextSlotBytes + wire.TurnOffset
}

// Ring implements Doorbell.Ring.
func (d *FutexDoorbell) Ring(id uint32) error {
	turnOff := d.turnOff(id)

	// Wake the host's serve loop. Waking all waiters mirrors the guarded
	// wake in shutdown paths: a host that waits from multiple threads must
	// not be able to swallow the notification.
	d.region.AddWord(d.doorbellOff, 1)
	if _, err := d.region.FutexWake(d.doorbellOff, math.MaxInt32); err != nil {
		return err
	}

	for {
		if d.region.LoadWord(d.shutdownOff) != 0 {
			return ShutdownError{}
		}
		switch turn := d.region.LoadWord(turnOff); turn {
		case wire.TurnPending:
			// The kernel re-checks the word under the futex lock, so a
			// shutdown racing in here moves the word to TurnShutdown first
			// and the wait returns immediately instead of sleeping on a word
			// nothing will wake again.
			if err := d.region.FutexWait(turnOff, wire.TurnPending, nil); err != nil {
				return err
			}
		case wire.TurnShutdown:
			return ShutdownError{}
		default:
			// Completion, or garbage; the call protocol validates which.
			return nil
		}
	}
}
