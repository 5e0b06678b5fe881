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

import "fmt"

// A Loopback is a host-notification primitive for single-process sessions:
// ringing it dispatches the context's call synchronously on the calling
// goroutine, standing in for the platform trap on real backends. It
// satisfies the calls package's Doorbell interface.
type Loopback struct {
	// Dispatcher services the rung calls.
	Dispatcher *Dispatcher
}

// Ring dispatches the pending call on context id.
func (l Loopback) Ring(id uint32) error {
	if !l.Dispatcher.DispatchContext(id) {
		return fmt.Errorf("ring on context %d with no pending call", id)
	}
	return nil
}
