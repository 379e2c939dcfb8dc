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

// ErrorCode is the coarse error category returned to CDC consumers.
type ErrorCode int32

// Error codes carried by every RPC response.
const (
	ErrorCodeOK ErrorCode = iota
	ErrorCodeInvalidRequest
	ErrorCodeNotFound
	ErrorCodeTabletNotFound
	ErrorCodeNotLeader
	ErrorCodeLeaderNotReady
	ErrorCodeCheckpointTooOld
	ErrorCodeTimedOut
	ErrorCodeIllegalState
	ErrorCodeInternalError
	ErrorCodeShutdownInProgress
)

var errorCodeNames = map[ErrorCode]string{
	ErrorCodeOK:                 "OK",
	ErrorCodeInvalidRequest:     "INVALID_REQUEST",
	ErrorCodeNotFound:           "NOT_FOUND",
	ErrorCodeTabletNotFound:     "TABLET_NOT_FOUND",
	ErrorCodeNotLeader:          "NOT_LEADER",
	ErrorCodeLeaderNotReady:     "LEADER_NOT_READY",
	ErrorCodeCheckpointTooOld:   "CHECKPOINT_TOO_OLD",
	ErrorCodeTimedOut:           "TIMED_OUT",
	ErrorCodeIllegalState:       "ILLEGAL_STATE",
	ErrorCodeInternalError:      "INTERNAL_ERROR",
	ErrorCodeShutdownInProgress: "SHUTDOWN_IN_PROGRESS",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// rfcToCode maps RFC codes to error codes; anything absent is an internal error.
var rfcToCode = map[errors.RFCErrorCode]ErrorCode{
	"CDC:ErrInvalidArgument":     ErrorCodeInvalidRequest,
	"CDC:ErrInvalidOpID":         ErrorCodeInvalidRequest,
	"CDC:ErrInvalidServerOption": ErrorCodeInvalidRequest,
	"CDC:ErrStreamNotFound":      ErrorCodeNotFound,
	"CDC:ErrTableNotFound":       ErrorCodeNotFound,
	"CDC:ErrNamespaceNotFound":   ErrorCodeNotFound,
	"CDC:ErrTabletNotFound":      ErrorCodeTabletNotFound,
	"CDC:ErrNotLeader":           ErrorCodeNotLeader,
	"CDC:ErrLeaderNotReady":      ErrorCodeLeaderNotReady,
	"CDC:ErrCheckpointTooOld":    ErrorCodeCheckpointTooOld,
	"CDC:ErrTimedOut":            ErrorCodeTimedOut,
	"CDC:ErrIllegalState":        ErrorCodeIllegalState,
	"CDC:ErrShutdownInProgress":  ErrorCodeShutdownInProgress,
}

// remoteErrors rebuild a local error from a code received over the wire, so
// that ToErrorCode is stable across a forwarding hop.
var remoteErrors = map[ErrorCode]*errors.Error{
	ErrorCodeInvalidRequest:     errors.Normalize("%s", errors.RFCCodeText("CDC:ErrInvalidArgument")),
	ErrorCodeNotFound:           errors.Normalize("%s", errors.RFCCodeText("CDC:ErrStreamNotFound")),
	ErrorCodeTabletNotFound:     errors.Normalize("%s", errors.RFCCodeText("CDC:ErrTabletNotFound")),
	ErrorCodeNotLeader:          errors.Normalize("%s", errors.RFCCodeText("CDC:ErrNotLeader")),
	ErrorCodeLeaderNotReady:     errors.Normalize("%s", errors.RFCCodeText("CDC:ErrLeaderNotReady")),
	ErrorCodeCheckpointTooOld:   errors.Normalize("%s", errors.RFCCodeText("CDC:ErrCheckpointTooOld")),
	ErrorCodeTimedOut:           errors.Normalize("%s", errors.RFCCodeText("CDC:ErrTimedOut")),
	ErrorCodeIllegalState:       errors.Normalize("%s", errors.RFCCodeText("CDC:ErrIllegalState")),
	ErrorCodeInternalError:      errors.Normalize("%s", errors.RFCCodeText("CDC:ErrInternal")),
	ErrorCodeShutdownInProgress: errors.Normalize("%s", errors.RFCCodeText("CDC:ErrShutdownInProgress")),
}

// ToErrorCode classifies err into the code sent back to the caller.
func ToErrorCode(err error) ErrorCode {
	if err == nil {
		return ErrorCodeOK
	}
	if code, ok := RFCCode(err); ok {
		if c, ok := rfcToCode[code]; ok {
			return c
		}
		return ErrorCodeInternalError
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return ErrorCodeTimedOut
	}
	return ErrorCodeInternalError
}

// FromErrorCode rebuilds an error that classifies as code.
func FromErrorCode(code ErrorCode, message string) error {
	if code == ErrorCodeOK {
		return nil
	}
	rfcErr, ok := remoteErrors[code]
	if !ok {
		rfcErr = remoteErrors[ErrorCodeInternalError]
	}
	return rfcErr.GenWithStackByArgs(message)
}
