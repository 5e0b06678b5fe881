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

package wire

import "fmt"

// A ValidationError indicates a request that failed catalog validation
// before anything touched shared memory. It is a programmer error on the
// guest side and is not retryable.
type ValidationError struct {
	Op  Opcode
	Msg string
}

// Error implements error.Error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %v request: %s", e.Op, e.Msg)
}

// A ViolationError indicates a host-written response that failed schema or
// bounds validation. It is always fatal to the call: it implies either a
// catalog version mismatch that session setup should have caught, or a
// compromised or misbehaving host.
type ViolationError struct {
	Op  Opcode
	Msg string
}

// Error implements error.Error.
func (e *ViolationError) Error() string {
	return fmt.Sprintf("protocol violation in %v response: %s", e.Op, e.Msg)
}
