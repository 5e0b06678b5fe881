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

package guest

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff"

	"sallyport.dev/sallyport/pkg/blockalloc"
)

// Arena exhaustion is transient: blocks are freed when other contexts'
// calls complete, so a short exponential backoff usually clears it.
const (
	retryInitialInterval = 100 * time.Microsecond
	retryMaxInterval     = 10 * time.Millisecond
	maxAllocRetries      = 16
)

// WithAllocRetry runs fn, retrying with exponential backoff for as long as
// it fails with *blockalloc.OutOfSpaceError. Any other failure, or
// exhaustion of the retry budget, is returned to the caller unchanged.
//
// It exists for the common pattern of a proxied call losing an allocation
// race against other execution contexts; per-call errors other than arena
// exhaustion are never retried here, since the protocol gives no way to
// know whether a failed call took effect.
func WithAllocRetry(fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	return backoff.Retry(func() error {
		err := fn()
		var oos *blockalloc.OutOfSpaceError
		if err != nil && !errors.As(err, &oos) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithMaxRetries(b, maxAllocRetries))
}
