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

// Package calls drives a single logical host call: the guest encodes a
// request into its execution context's header slot, signals the host,
// blocks until the host signals completion, then validates and consumes the
// response.
//
// The protocol is strictly synchronous per context. Exactly one call may be
// outstanding on a Context at a time; the context's single-writer header
// slot is itself the correlation between request and response, so no call
// identifiers are needed.
//
// The context's state machine is kept entirely in guest-private memory.
// Only the turn word, which carries no trusted meaning beyond "wake up and
// re-validate", lives in the shared region.
package calls

import "fmt"

// State is the guest-private call protocol state of an execution context.
type State int32

const (
	// StateIdle: no call in flight; the context may prepare a new one.
	StateIdle State = iota

	// StatePrepared: a request is encoded and payload blocks are
	// allocated, but the host has not been signaled.
	StatePrepared

	// StatePending: the host has been signaled; the context is blocked
	// until the host writes completion. This is the single blocking point
	// in the protocol.
	StatePending

	// StateCompleted: the host has responded; the response awaits
	// validation and consumption.
	StateCompleted

	// StateFaulted: a validation failure or protocol violation occurred.
	// The context's shared state may be inconsistent; it refuses all use
	// until explicitly Reset.
	StateFaulted
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrepared:
		return "prepared"
	case StatePending:
		return "pending"
	case StateCompleted:
		return "completed"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// A StateError is returned when a Context method is invoked in a state that
// cannot serve it: preparing a second call while one is pending, consuming
// results before completion, or any use of a faulted context short of
// Reset. The offending call has no effect on the context.
type StateError struct {
	// Method is the rejected method.
	Method string

	// State is the context state at the time of the call.
	State State
}

// Error implements error.Error.
func (e *StateError) Error() string {
	return fmt.Sprintf("calls: %s on %v context", e.Method, e.State)
}

// A ShutdownError is returned by calls unblocked by session shutdown rather
// than by a host response.
type ShutdownError struct{}

// Error implements error.Error.
func (ShutdownError) Error() string {
	return "calls: session shutdown"
}

// A Doorbell is the host-notification primitive: a single synchronous
// control transfer carrying no payload beyond "context id has a call
// ready". On real backends this is a platform trap (VMEXIT, enclave exit);
// in-process hosts and tests substitute direct dispatch.
//
// Ring blocks until the host has written completion for the context. It is
// the only blocking operation in the protocol, and may block for an
// unbounded, host-controlled duration; timeouts, if required, belong to a
// layer above this one.
type Doorbell interface {
	Ring(id uint32) error
}
