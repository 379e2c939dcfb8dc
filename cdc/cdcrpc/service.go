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
	"google.golang.org/grpc"
)

// ServiceName is the full gRPC name of the CDC service.
const ServiceName = "cdcstream.CDCService"

// CDCServiceServer is the server API of the CDC service. Application errors
// travel in the response header, a returned error is a transport failure.
type CDCServiceServer interface {
	CreateStream(context.Context, *model.CreateStreamRequest) (*model.CreateStreamResponse, error)
	DeleteStream(context.Context, *model.DeleteStreamRequest) (*model.DeleteStreamResponse, error)
	ListPartitions(context.Context, *model.ListPartitionsRequest) (*model.ListPartitionsResponse, error)
	GetChanges(context.Context, *model.GetChangesRequest) (*model.GetChangesResponse, error)
	GetCheckpoint(context.Context, *model.GetCheckpointRequest) (*model.GetCheckpointResponse, error)
	SetCheckpoint(context.Context, *model.SetCheckpointRequest) (*model.SetCheckpointResponse, error)
	UpdateReplicatedIndex(context.Context, *model.UpdateReplicatedIndexRequest) (*model.UpdateReplicatedIndexResponse, error)
	GetLatestLogPosition(context.Context, *model.GetLatestLogPositionRequest) (*model.GetLatestLogPositionResponse, error)
	BootstrapProducer(context.Context, *model.BootstrapProducerRequest) (*model.BootstrapProducerResponse, error)
	GetDBStreamInfo(context.Context, *model.GetDBStreamInfoRequest) (*model.GetDBStreamInfoResponse, error)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unaryMethod[Req, Resp any](
	method string, call func(CDCServiceServer, context.Context, *Req) (*Resp, error),
) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(
			srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor,
		) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(CDCServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(CDCServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CDCServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("CreateStream", CDCServiceServer.CreateStream),
		unaryMethod("DeleteStream", CDCServiceServer.DeleteStream),
		unaryMethod("ListPartitions", CDCServiceServer.ListPartitions),
		unaryMethod("GetChanges", CDCServiceServer.GetChanges),
		unaryMethod("GetCheckpoint", CDCServiceServer.GetCheckpoint),
		unaryMethod("SetCheckpoint", CDCServiceServer.SetCheckpoint),
		unaryMethod("UpdateReplicatedIndex", CDCServiceServer.UpdateReplicatedIndex),
		unaryMethod("GetLatestLogPosition", CDCServiceServer.GetLatestLogPosition),
		unaryMethod("BootstrapProducer", CDCServiceServer.BootstrapProducer),
		unaryMethod("GetDBStreamInfo", CDCServiceServer.GetDBStreamInfo),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cdcstream/cdc_service",
}

// RegisterCDCServiceServer registers srv on s.
func RegisterCDCServiceServer(s grpc.ServiceRegistrar, srv CDCServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}
