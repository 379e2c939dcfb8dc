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

package service

import (
	"context"
	"time"

	cerror "github.com/pingcap/cdcstream/pkg/errors"
)

// minReadBudget is the least time left to the request for a log read to be
// attempted.
const minReadBudget = time.Millisecond

// readDeadline returns the deadline of a log read started at now by a
// request due at deadline. A share ratio of the remaining time is kept to
// build the response after the read times out.
func readDeadline(now, deadline time.Time, ratio float64) (time.Time, error) {
	remaining := deadline.Sub(now)
	if remaining <= minReadBudget {
		return time.Time{}, cerror.ErrTimedOut.GenWithStackByArgs("too close to the request deadline to read changes")
	}
	return now.Add(time.Duration(float64(remaining) * (1 - ratio))), nil
}

// readContext derives the context of a log read from the request context.
// A request without deadline gets the default read timeout. The wall clock
// is used since context deadlines are wall clock times.
func (s *Service) readContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	now := time.Now()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = now.Add(time.Duration(s.cfg.ReadRPCTimeout))
	}
	sub, err := readDeadline(now, deadline, s.cfg.SafeDeadlineRatio)
	if err != nil {
		return nil, nil, err
	}
	readCtx, cancel := context.WithDeadline(ctx, sub)
	return readCtx, cancel, nil
}

func (s *Service) livenessWindow() time.Duration {
	return time.Duration(s.cfg.CheckpointLivenessWindow)
}
