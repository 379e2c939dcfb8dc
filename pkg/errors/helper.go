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

package errors

import (
	"context"
	stderrors "errors"

	"github.com/pingcap/errors"
)

// WrapError generates a new error based on given `*errors.Error`, wraps the err
// as cause error.
// If given `err` is nil, returns a nil error, which a the different behavior
// against `Wrap` function in pingcap/errors.
func WrapError(rfcError *errors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return rfcError.Wrap(err).GenWithStackByCause(args...)
}

type rfcCoder interface {
	RFCCode() errors.RFCErrorCode
}

// RFCCode returns the RFC code of the outermost normalized error in the
// chain of err.
func RFCCode(err error) (errors.RFCErrorCode, bool) {
	for err != nil {
		if coder, ok := err.(rfcCoder); ok {
			return coder.RFCCode(), true
		}
		switch e := err.(type) {
		case interface{ Unwrap() error }:
			err = e.Unwrap()
		case interface{ Cause() error }:
			err = e.Cause()
		default:
			return "", false
		}
	}
	return "", false
}

// Is reports whether err carries the same RFC code as target.
func Is(err error, target *errors.Error) bool {
	code, ok := RFCCode(err)
	return ok && code == target.RFCCode()
}

// IsRetryableError checks the error is safe or worth to retry, eg. "context.Canceled" better not retry.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	switch errors.Cause(err) {
	case context.Canceled, context.DeadlineExceeded:
		return false
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch ToErrorCode(err) {
	case ErrorCodeInvalidRequest, ErrorCodeIllegalState, ErrorCodeShutdownInProgress,
		ErrorCodeCheckpointTooOld:
		return false
	}
	return true
}

// IsLeadershipError reports whether the caller may retry err against another
// replica of the partition.
func IsLeadershipError(err error) bool {
	switch ToErrorCode(err) {
	case ErrorCodeNotLeader, ErrorCodeLeaderNotReady, ErrorCodeTabletNotFound:
		return true
	}
	return false
}
