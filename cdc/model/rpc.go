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

import (
	"github.com/goccy/go-json"
	cerror "github.com/pingcap/cdcstream/pkg/errors"
)

// RPCError is the error carried inside a response.
type RPCError struct {
	Code    cerror.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

// NewRPCError classifies err, nil for a nil err.
func NewRPCError(err error) *RPCError {
	if err == nil {
		return nil
	}
	return &RPCError{Code: cerror.ToErrorCode(err), Message: err.Error()}
}

// ToError rebuilds the local error of the response.
func (e *RPCError) ToError() error {
	if e == nil {
		return nil
	}
	return cerror.FromErrorCode(e.Code, e.Message)
}

// ResponseHeader is embedded in every response.
type ResponseHeader struct {
	Error *RPCError `json:"error,omitempty"`
}

// SetError records err in the response.
func (h *ResponseHeader) SetError(err error) {
	h.Error = NewRPCError(err)
}

// Err returns the error of the response.
func (h *ResponseHeader) Err() error {
	return h.Error.ToError()
}

// CreateStreamRequest creates a stream over a table, or over every table of
// a namespace when TableID is empty.
type CreateStreamRequest struct {
	TableID        TableID        `json:"table_id,omitempty"`
	NamespaceName  string         `json:"namespace_name,omitempty"`
	RecordType     RecordType     `json:"record_type,omitempty"`
	RecordFormat   RecordFormat   `json:"record_format,omitempty"`
	SourceType     SourceType     `json:"source_type,omitempty"`
	CheckpointType CheckpointType `json:"checkpoint_type,omitempty"`
}

// CreateStreamResponse returns the created stream, a database stream id for
// namespace level creation.
type CreateStreamResponse struct {
	ResponseHeader
	StreamID   StreamID `json:"stream_id,omitempty"`
	DBStreamID StreamID `json:"db_stream_id,omitempty"`
}

// DeleteStreamRequest deletes streams.
type DeleteStreamRequest struct {
	StreamIDs    []StreamID `json:"stream_ids"`
	IgnoreErrors bool       `json:"ignore_errors,omitempty"`
	ForceDelete  bool       `json:"force_delete,omitempty"`
}

// DeleteStreamResponse is the response of DeleteStream.
type DeleteStreamResponse struct {
	ResponseHeader
}

// ListPartitionsRequest lists the partitions of a stream.
type ListPartitionsRequest struct {
	StreamID StreamID `json:"stream_id"`
	// LocalOnly keeps the partitions that have a replica on the serving node.
	LocalOnly bool `json:"local_only,omitempty"`
}

// ListPartitionsResponse is the response of ListPartitions.
type ListPartitionsResponse struct {
	ResponseHeader
	Partitions []*PartitionLocation `json:"partitions"`
}

// GetChangesRequest reads a batch of changes of one partition of a stream.
type GetChangesRequest struct {
	StreamID StreamID `json:"stream_id,omitempty"`
	// DBStreamID takes precedence over StreamID when both are set.
	DBStreamID  StreamID    `json:"db_stream_id,omitempty"`
	PartitionID PartitionID `json:"partition_id"`
	// FromCheckpoint or FromSDKCheckpoint overrides the stored checkpoint.
	FromCheckpoint    *OpID          `json:"from_checkpoint,omitempty"`
	FromSDKCheckpoint *SDKCheckpoint `json:"from_sdk_checkpoint,omitempty"`
	MaxRecords        int            `json:"max_records,omitempty"`
	// ServeAsProxy allows a non leader to forward the request to the leader.
	ServeAsProxy bool `json:"serve_as_proxy,omitempty"`
}

// EffectiveStreamID returns the stream the request reads.
func (r *GetChangesRequest) EffectiveStreamID() StreamID {
	if r.DBStreamID != "" {
		return r.DBStreamID
	}
	return r.StreamID
}

// Clone returns a deep copy of the request.
func (r *GetChangesRequest) Clone() *GetChangesRequest {
	clone := *r
	if r.FromCheckpoint != nil {
		cp := *r.FromCheckpoint
		clone.FromCheckpoint = &cp
	}
	if r.FromSDKCheckpoint != nil {
		cp := *r.FromSDKCheckpoint
		cp.Key = append([]byte(nil), r.FromSDKCheckpoint.Key...)
		clone.FromSDKCheckpoint = &cp
	}
	return &clone
}

// GetChangesResponse carries a batch of changes.
type GetChangesResponse struct {
	ResponseHeader
	Records       []*ChangeRecord `json:"records"`
	Checkpoint    OpID            `json:"checkpoint"`
	SDKCheckpoint *SDKCheckpoint  `json:"sdk_checkpoint,omitempty"`
	// LastReadableIndex is the highest index of the log that may be read.
	LastReadableIndex int64 `json:"last_readable_index"`
}

// GetCheckpointRequest asks the stored checkpoint of a stream/partition.
type GetCheckpointRequest struct {
	StreamID     StreamID    `json:"stream_id"`
	PartitionID  PartitionID `json:"partition_id"`
	ServeAsProxy bool        `json:"serve_as_proxy,omitempty"`
}

// GetCheckpointResponse is the response of GetCheckpoint.
type GetCheckpointResponse struct {
	ResponseHeader
	Checkpoint OpID `json:"checkpoint"`
}

// SetCheckpointRequest moves the checkpoint of an explicit stream.
type SetCheckpointRequest struct {
	StreamID    StreamID    `json:"stream_id"`
	PartitionID PartitionID `json:"partition_id"`
	Checkpoint  *OpID       `json:"checkpoint"`
}

// SetCheckpointResponse is the response of SetCheckpoint.
type SetCheckpointResponse struct {
	ResponseHeader
}

// UpdateReplicatedIndexRequest sets the minimum replicated index a replica
// must retain.
type UpdateReplicatedIndexRequest struct {
	PartitionID     PartitionID `json:"partition_id"`
	ReplicatedIndex int64       `json:"replicated_index"`
	ReplicatedTerm  int64       `json:"replicated_term"`
}

// UpdateReplicatedIndexResponse is the response of UpdateReplicatedIndex.
type UpdateReplicatedIndexResponse struct {
	ResponseHeader
}

// GetLatestLogPositionRequest asks the last position of a partition's log.
type GetLatestLogPositionRequest struct {
	PartitionID PartitionID `json:"partition_id"`
}

// GetLatestLogPositionResponse is the response of GetLatestLogPosition.
type GetLatestLogPositionResponse struct {
	ResponseHeader
	OpID OpID `json:"op_id"`
}

// BootstrapProducerRequest creates one stream per table and records the
// current end of every partition's log as its starting checkpoint.
type BootstrapProducerRequest struct {
	TableIDs []TableID `json:"table_ids"`
}

// BootstrapProducerResponse returns one stream id per requested table.
type BootstrapProducerResponse struct {
	ResponseHeader
	BootstrapIDs []StreamID `json:"bootstrap_ids"`
}

// GetDBStreamInfoRequest asks the tables of a database stream.
type GetDBStreamInfoRequest struct {
	DBStreamID StreamID `json:"db_stream_id"`
}

// GetDBStreamInfoResponse is the response of GetDBStreamInfo.
type GetDBStreamInfoResponse struct {
	ResponseHeader
	Tables []TableStream `json:"tables"`
}

// Marshal encodes v with the codec shared by the RPC layer and the
// checkpoint table backends.
func Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrMarshalFailed, err)
	}
	return data, nil
}

// Unmarshal decodes data produced by Marshal.
func Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return cerror.WrapError(cerror.ErrUnmarshalFailed, err)
	}
	return nil
}
