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
	"github.com/pingcap/errors"
)

// errors
var (
	// request validation errors
	ErrInvalidArgument = errors.Normalize(
		"invalid argument: %s",
		errors.RFCCodeText("CDC:ErrInvalidArgument"),
	)
	ErrPartitionNotInStream = errors.Normalize(
		"partition %s is not part of stream %s",
		errors.RFCCodeText("CDC:ErrInvalidArgument"),
	)

	// lookup errors
	ErrStreamNotFound = errors.Normalize(
		"stream %s not found",
		errors.RFCCodeText("CDC:ErrStreamNotFound"),
	)
	ErrTableNotFound = errors.Normalize(
		"table %s not found",
		errors.RFCCodeText("CDC:ErrTableNotFound"),
	)
	ErrNamespaceNotFound = errors.Normalize(
		"namespace %s not found",
		errors.RFCCodeText("CDC:ErrNamespaceNotFound"),
	)
	ErrPartitionNotFound = errors.Normalize(
		"partition %s not found",
		errors.RFCCodeText("CDC:ErrTabletNotFound"),
	)
	ErrPartitionLeaderNotFound = errors.Normalize(
		"leader of partition %s not found",
		errors.RFCCodeText("CDC:ErrTabletNotFound"),
	)

	// leadership errors
	ErrNotLeader = errors.Normalize(
		"not leader for partition %s",
		errors.RFCCodeText("CDC:ErrNotLeader"),
	)
	ErrLeaderNotReady = errors.Normalize(
		"leader of partition %s is not ready to serve",
		errors.RFCCodeText("CDC:ErrLeaderNotReady"),
	)
	ErrLeadershipChanged = errors.Normalize(
		"leadership of partition %s changed during read, term %d -> %d",
		errors.RFCCodeText("CDC:ErrNotLeader"),
	)

	// log read errors
	ErrLogEntryNotFound = errors.Normalize(
		"log entries after index %d of partition %s were garbage collected",
		errors.RFCCodeText("CDC:ErrLogEntryNotFound"),
	)
	ErrCheckpointTooOld = errors.Normalize(
		"checkpoint %s of partition %s has been garbage collected",
		errors.RFCCodeText("CDC:ErrCheckpointTooOld"),
	)
	ErrLogNotAvailable = errors.Normalize(
		"log of partition %s on peer %s is not initialized",
		errors.RFCCodeText("CDC:ErrLogNotAvailable"),
	)

	// deadline errors
	ErrTimedOut = errors.Normalize(
		"too close to rpc deadline: %s",
		errors.RFCCodeText("CDC:ErrTimedOut"),
	)

	// invariant violations
	ErrIllegalState = errors.Normalize(
		"illegal state: %s",
		errors.RFCCodeText("CDC:ErrIllegalState"),
	)
	ErrSelfForwarding = errors.Normalize(
		"partition leader changed: leader=%s, peer=%s",
		errors.RFCCodeText("CDC:ErrIllegalState"),
	)

	// checkpoint table errors
	ErrStateTableOpen = errors.Normalize(
		"open checkpoint table failed",
		errors.RFCCodeText("CDC:ErrStateTableOpen"),
	)
	ErrStateTableRead = errors.Normalize(
		"read checkpoint table failed",
		errors.RFCCodeText("CDC:ErrStateTableIO"),
	)
	ErrStateTableWrite = errors.Normalize(
		"write checkpoint table failed",
		errors.RFCCodeText("CDC:ErrStateTableIO"),
	)
	ErrStateTableScan = errors.Normalize(
		"scan checkpoint table failed",
		errors.RFCCodeText("CDC:ErrStateTableIO"),
	)
	ErrInvalidOpID = errors.Normalize(
		"invalid op id %q",
		errors.RFCCodeText("CDC:ErrInvalidOpID"),
	)

	// transport errors
	ErrGRPCDialFailed = errors.Normalize(
		"grpc dial failed",
		errors.RFCCodeText("CDC:ErrGRPCDialFailed"),
	)
	ErrForwardRequestFailed = errors.Normalize(
		"forward request to %s failed",
		errors.RFCCodeText("CDC:ErrForwardRequestFailed"),
	)
	ErrUpdatePeersFailed = errors.Normalize(
		"update min replicated index of peer %s failed",
		errors.RFCCodeText("CDC:ErrUpdatePeersFailed"),
	)

	// catalog errors
	ErrCatalogRequestFailed = errors.Normalize(
		"metadata service request %s failed",
		errors.RFCCodeText("CDC:ErrCatalogRequestFailed"),
	)

	// generic errors
	ErrInternal = errors.Normalize(
		"internal error: %s",
		errors.RFCCodeText("CDC:ErrInternal"),
	)
	ErrShutdownInProgress = errors.Normalize(
		"cdc service is shutting down",
		errors.RFCCodeText("CDC:ErrShutdownInProgress"),
	)
	ErrServiceNotRunning = errors.Normalize(
		"tablet server is not running",
		errors.RFCCodeText("CDC:ErrShutdownInProgress"),
	)

	// retry errors
	ErrReachMaxTry = errors.Normalize(
		"reach maximum try: %s, error: %s",
		errors.RFCCodeText("CDC:ErrReachMaxTry"),
	)

	// etcd errors
	ErrEtcdTryAgain = errors.Normalize(
		"the etcd txn should be aborted and retried immediately",
		errors.RFCCodeText("CDC:ErrEtcdTryAgain"),
	)

	// codec errors
	ErrMarshalFailed = errors.Normalize(
		"marshal failed",
		errors.RFCCodeText("CDC:ErrMarshalFailed"),
	)
	ErrUnmarshalFailed = errors.Normalize(
		"unmarshal failed",
		errors.RFCCodeText("CDC:ErrUnmarshalFailed"),
	)

	// config errors
	ErrInvalidServerOption = errors.Normalize(
		"invalid server option: %s",
		errors.RFCCodeText("CDC:ErrInvalidServerOption"),
	)
)
