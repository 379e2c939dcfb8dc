// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package retry

import (
	"context"
	"strconv"

	"github.com/cenkalti/backoff/v4"
	cerror "github.com/pingcap/cdcstream/pkg/errors"
	"github.com/pingcap/errors"
)

// Operation is the action need to retry
type Operation func() error

// Do calls operation until it succeeds, returns a non retryable error,
// runs out of tries or ctx is done. Waits between calls grow
// exponentially with jitter.
func Do(ctx context.Context, operation Operation, opts ...Option) error {
	o := newRetryOptions()
	for _, opt := range opts {
		opt(o)
	}
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}

	var tries uint64
	err := backoff.Retry(func() error {
		tries++
		err := operation()
		if err == nil {
			return nil
		}
		if !o.isRetryable(err) {
			return backoff.Permanent(err)
		}
		if o.maxTries > 0 && tries >= o.maxTries {
			return backoff.Permanent(cerror.ErrReachMaxTry.
				Wrap(err).GenWithStackByArgs(strconv.FormatUint(o.maxTries, 10), err))
		}
		return err
	}, backoff.WithContext(newBackOff(o), ctx))
	if err != nil && ctx.Err() != nil && errors.Cause(err) == ctx.Err() {
		return errors.Trace(err)
	}
	return err
}

func newBackOff(o *retryOptions) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.backoffBase
	bo.MaxInterval = o.backoffCap
	// Only the number of tries and the context bound the retries.
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}
