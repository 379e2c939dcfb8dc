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
	"time"

	"github.com/pingcap/cdcstream/cdc/model"
	cerror "github.com/pingcap/cdcstream/pkg/errors"
	"google.golang.org/grpc"
	gbackoff "google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

const (
	dialTimeout            = 10 * time.Second
	grpcMaxCallRecvMsgSize = 64 * 1024 * 1024
)

// Dial connects to a CDC service at target.
func Dial(ctx context.Context, target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(grpcMaxCallRecvMsgSize),
			grpc.CallContentSubtype(CodecName),
		),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: gbackoff.Config{
				BaseDelay:  time.Second,
				Multiplier: 1.1,
				Jitter:     0.1,
				MaxDelay:   3 * time.Second,
			},
			MinConnectTimeout: 3 * time.Second,
		}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
	}, opts...)
	conn, err := grpc.DialContext(ctx, target, dialOpts...)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrGRPCDialFailed, err)
	}
	return conn, nil
}

// Client is the client side of the CDC service.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient creates a client over conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	err := c.conn.Invoke(ctx, fullMethod(method), req, resp, grpc.CallContentSubtype(CodecName))
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return cerror.ErrTimedOut.Wrap(err).GenWithStackByArgs(method)
	case codes.Canceled:
		return context.Canceled
	}
	return cerror.ErrForwardRequestFailed.Wrap(err).GenWithStackByArgs(method)
}

// CreateStream calls CDCService.CreateStream.
func (c *Client) CreateStream(ctx context.Context, req *model.CreateStreamRequest) (*model.CreateStreamResponse, error) {
	resp := new(model.CreateStreamResponse)
	if err := c.invoke(ctx, "CreateStream", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// DeleteStream calls CDCService.DeleteStream.
func (c *Client) DeleteStream(ctx context.Context, req *model.DeleteStreamRequest) (*model.DeleteStreamResponse, error) {
	resp := new(model.DeleteStreamResponse)
	if err := c.invoke(ctx, "DeleteStream", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ListPartitions calls CDCService.ListPartitions.
func (c *Client) ListPartitions(ctx context.Context, req *model.ListPartitionsRequest) (*model.ListPartitionsResponse, error) {
	resp := new(model.ListPartitionsResponse)
	if err := c.invoke(ctx, "ListPartitions", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetChanges calls CDCService.GetChanges.
func (c *Client) GetChanges(ctx context.Context, req *model.GetChangesRequest) (*model.GetChangesResponse, error) {
	resp := new(model.GetChangesResponse)
	if err := c.invoke(ctx, "GetChanges", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetCheckpoint calls CDCService.GetCheckpoint.
func (c *Client) GetCheckpoint(ctx context.Context, req *model.GetCheckpointRequest) (*model.GetCheckpointResponse, error) {
	resp := new(model.GetCheckpointResponse)
	if err := c.invoke(ctx, "GetCheckpoint", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// SetCheckpoint calls CDCService.SetCheckpoint.
func (c *Client) SetCheckpoint(ctx context.Context, req *model.SetCheckpointRequest) (*model.SetCheckpointResponse, error) {
	resp := new(model.SetCheckpointResponse)
	if err := c.invoke(ctx, "SetCheckpoint", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// UpdateReplicatedIndex calls CDCService.UpdateReplicatedIndex.
func (c *Client) UpdateReplicatedIndex(
	ctx context.Context, req *model.UpdateReplicatedIndexRequest,
) (*model.UpdateReplicatedIndexResponse, error) {
	resp := new(model.UpdateReplicatedIndexResponse)
	if err := c.invoke(ctx, "UpdateReplicatedIndex", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetLatestLogPosition calls CDCService.GetLatestLogPosition.
func (c *Client) GetLatestLogPosition(
	ctx context.Context, req *model.GetLatestLogPositionRequest,
) (*model.GetLatestLogPositionResponse, error) {
	resp := new(model.GetLatestLogPositionResponse)
	if err := c.invoke(ctx, "GetLatestLogPosition", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// BootstrapProducer calls CDCService.BootstrapProducer.
func (c *Client) BootstrapProducer(
	ctx context.Context, req *model.BootstrapProducerRequest,
) (*model.BootstrapProducerResponse, error) {
	resp := new(model.BootstrapProducerResponse)
	if err := c.invoke(ctx, "BootstrapProducer", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetDBStreamInfo calls CDCService.GetDBStreamInfo.
func (c *Client) GetDBStreamInfo(ctx context.Context, req *model.GetDBStreamInfoRequest) (*model.GetDBStreamInfoResponse, error) {
	resp := new(model.GetDBStreamInfoResponse)
	if err := c.invoke(ctx, "GetDBStreamInfo", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
