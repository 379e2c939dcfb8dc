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
	"math"
	"testing"
	"time"

	cerror "github.com/pingcap/cdcstream/pkg/errors"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

func TestDoShouldRetryAtMostSpecifiedTimes(t *testing.T) {
	t.Parallel()

	var callCount int
	f := func() error {
		callCount++
		return errors.New("test")
	}

	err := Do(context.Background(), f, WithMaxTries(3))
	require.Regexp(t, "test", errors.Cause(err))
	require.True(t, cerror.Is(err, cerror.ErrReachMaxTry))
	require.Equal(t, 3, callCount)
}

func TestDoShouldStopOnSuccess(t *testing.T) {
	t.Parallel()

	var callCount int
	f := func() error {
		callCount++
		if callCount == 2 {
			return nil
		}
		return errors.New("test")
	}

	err := Do(context.Background(), f, WithMaxTries(3))
	require.NoError(t, err)
	require.Equal(t, 2, callCount)
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	var callCount int
	f := func() error {
		callCount++
		return errors.Annotate(context.Canceled, "test")
	}

	err := Do(context.Background(), f, WithMaxTries(3),
		WithIsRetryableErr(cerror.IsRetryableError))
	require.Equal(t, context.Canceled, errors.Cause(err))
	require.Equal(t, 1, callCount)
}

func TestDoCancelInfiniteRetry(t *testing.T) {
	t.Parallel()

	callCount := 0
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*20)
	defer cancel()
	f := func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		callCount++
		return errors.New("test")
	}

	err := Do(ctx, f, WithInfiniteTries(),
		WithBackoffBaseDelay(2*time.Millisecond), WithBackoffMaxDelay(10*time.Millisecond))
	require.Equal(t, context.DeadlineExceeded, errors.Cause(err))
	require.GreaterOrEqual(t, callCount, 1)
}

func TestDoCornerCases(t *testing.T) {
	t.Parallel()

	var callCount int
	f := func() error {
		callCount++
		return errors.New("test")
	}

	err := Do(context.Background(), f, WithBackoffBaseDelay(math.MinInt64),
		WithBackoffMaxDelay(math.MaxInt64), WithMaxTries(2))
	require.Regexp(t, "test", errors.Cause(err))
	require.Equal(t, 2, callCount)

	callCount = 0
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = Do(ctx, f)
	require.Equal(t, context.Canceled, errors.Cause(err))
	require.Equal(t, 0, callCount)
}

func TestBackOffIntervals(t *testing.T) {
	t.Parallel()

	o := newRetryOptions()
	WithBackoffBaseDelay(10 * time.Millisecond)(o)
	WithBackoffMaxDelay(100 * time.Millisecond)(o)
	bo := newBackOff(o)
	for try := 1; try < 20; try++ {
		backoff := bo.NextBackOff()
		require.GreaterOrEqual(t, backoff, 5*time.Millisecond)
		require.LessOrEqual(t, backoff, 150*time.Millisecond)
	}
}
