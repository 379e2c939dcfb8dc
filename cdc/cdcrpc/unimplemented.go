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

package cdcrpc

import (
	"context"

	"github.com/pingcap/cdcstream/cdc/model"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// UnimplementedCDCServiceServer can be embedded to have forward compatible
// implementations.
type UnimplementedCDCServiceServer struct{}

var _ CDCServiceServer = UnimplementedCDCServiceServer{}

func unimplemented(method string) error {
	return status.Errorf(codes.Unimplemented, "method %s not implemented", method)
}

// CreateStream implements CDCServiceServer.
func (UnimplementedCDCServiceServer) CreateStream(
	context.Context, *model.CreateStreamRequest,
) (*model.CreateStreamResponse, error) {
	return nil, unimplemented("CreateStream")
}

// DeleteStream implements CDCServiceServer.
func (UnimplementedCDCServiceServer) DeleteStream(
	context.Context, *model.DeleteStreamRequest,
) (*model.DeleteStreamResponse, error) {
	return nil, unimplemented("DeleteStream")
}

// ListPartitions implements CDCServiceServer.
func (UnimplementedCDCServiceServer) ListPartitions(
	context.Context, *model.ListPartitionsRequest,
) (*model.ListPartitionsResponse, error) {
	return nil, unimplemented("ListPartitions")
}

// GetChanges implements CDCServiceServer.
func (UnimplementedCDCServiceServer) GetChanges(
	context.Context, *model.GetChangesRequest,
) (*model.GetChangesResponse, error) {
	return nil, unimplemented("GetChanges")
}

// GetCheckpoint implements CDCServiceServer.
func (UnimplementedCDCServiceServer) GetCheckpoint(
	context.Context, *model.GetCheckpointRequest,
) (*model.GetCheckpointResponse, error) {
	return nil, unimplemented("GetCheckpoint")
}

// SetCheckpoint implements CDCServiceServer.
func (UnimplementedCDCServiceServer) SetCheckpoint(
	context.Context, *model.SetCheckpointRequest,
) (*model.SetCheckpointResponse, error) {
	return nil, unimplemented("SetCheckpoint")
}

// UpdateReplicatedIndex implements CDCServiceServer.
func (UnimplementedCDCServiceServer) UpdateReplicatedIndex(
	context.Context, *model.UpdateReplicatedIndexRequest,
) (*model.UpdateReplicatedIndexResponse, error) {
	return nil, unimplemented("UpdateReplicatedIndex")
}

// GetLatestLogPosition implements CDCServiceServer.
func (UnimplementedCDCServiceServer) GetLatestLogPosition(
	context.Context, *model.GetLatestLogPositionRequest,
) (*model.GetLatestLogPositionResponse, error) {
	return nil, unimplemented("GetLatestLogPosition")
}

// BootstrapProducer implements CDCServiceServer.
func (UnimplementedCDCServiceServer) BootstrapProducer(
	context.Context, *model.BootstrapProducerRequest,
) (*model.BootstrapProducerResponse, error) {
	return nil, unimplemented("BootstrapProducer")
}

// GetDBStreamInfo implements CDCServiceServer.
func (UnimplementedCDCServiceServer) GetDBStreamInfo(
	context.Context, *model.GetDBStreamInfoRequest,
) (*model.GetDBStreamInfoResponse, error) {
	return nil, unimplemented("GetDBStreamInfo")
}
