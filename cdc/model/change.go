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

package model

// RecordOp is the kind of a change record.
type RecordOp string

// Record ops.
const (
	RecordOpWrite      RecordOp = "WRITE"
	RecordOpDelete     RecordOp = "DELETE"
	RecordOpDDL        RecordOp = "DDL"
	RecordOpBegin      RecordOp = "BEGIN"
	RecordOpCommit     RecordOp = "COMMIT"
	RecordOpSnapshot   RecordOp = "SNAPSHOT"
	RecordOpApplyTxn   RecordOp = "APPLY"
	RecordOpSplitApply RecordOp = "SPLIT"
)

// ChangeRecord is one change read from the log of a partition. The payload
// is opaque to the CDC service.
type ChangeRecord struct {
	OpID    OpID     `json:"op_id"`
	Op      RecordOp `json:"op"`
	TableID TableID  `json:"table_id,omitempty"`
	Key     []byte   `json:"key,omitempty"`
	Value   []byte   `json:"value,omitempty"`
	// CommitTime is the physical commit time in unix microseconds.
	CommitTime int64 `json:"commit_time"`
}

// Size approximates the payload bytes of the record.
func (r *ChangeRecord) Size() int64 {
	return int64(len(r.Key) + len(r.Value) + len(r.TableID) + 32)
}

// SDKState is the per stream/partition state kept for full-fidelity streams
// between two reads.
type SDKState struct {
	CommitTimestamp  uint64 `json:"commit_timestamp"`
	SchemaVersion    uint32 `json:"schema_version"`
	LastStreamedOpID OpID   `json:"last_streamed_op_id"`
}
