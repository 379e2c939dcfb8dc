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

	"github.com/pingcap/cdcstream/cdc/consensus"
	"github.com/pingcap/cdcstream/cdc/model"
	cerror "github.com/pingcap/cdcstream/pkg/errors"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// GetCheckpoint implements cdcrpc.CDCServiceServer. A replica that does not
// lead the partition asks the leader.
func (s *Service) GetCheckpoint(ctx context.Context, req *model.GetCheckpointRequest) (*model.GetCheckpointResponse, error) {
	resp, err := s.getCheckpoint(ctx, req)
	if resp == nil {
		resp = &model.GetCheckpointResponse{}
	}
	respond("GetCheckpoint", &resp.ResponseHeader, err)
	return resp, nil
}

func (s *Service) getCheckpoint(ctx context.Context, req *model.GetCheckpointRequest) (*model.GetCheckpointResponse, error) {
	if err := s.checkOnline(); err != nil {
		return nil, err
	}
	if req.StreamID == "" || req.PartitionID == "" {
		return nil, cerror.ErrInvalidArgument.GenWithStackByArgs("stream id and partition id are required")
	}
	key := model.NewProducerPartition(req.StreamID, req.PartitionID)
	if err := s.checkPartitionValidForStream(ctx, key); err != nil {
		return nil, errors.Trace(err)
	}
	_, status, _, err := s.localPeer(req.PartitionID)
	if err != nil || status != consensus.LeaderAndReady {
		if s.forwarder == nil {
			if err != nil {
				return nil, errors.Trace(err)
			}
			return nil, leadershipError(req.PartitionID, status)
		}
		resp, err := s.forwarder.GetCheckpoint(ctx, req, s.peers.LocalUUID())
		if err != nil {
			return nil, err
		}
		return &model.GetCheckpointResponse{Checkpoint: resp.Checkpoint}, nil
	}
	opID, err := s.gateway.ReadCheckpoint(ctx, key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &model.GetCheckpointResponse{Checkpoint: opID}, nil
}

// SetCheckpoint implements cdcrpc.CDCServiceServer. The checkpoint is
// written through to the checkpoint table by the leader of the partition.
func (s *Service) SetCheckpoint(ctx context.Context, req *model.SetCheckpointRequest) (*model.SetCheckpointResponse, error) {
	resp := &model.SetCheckpointResponse{}
	err := s.setCheckpoint(ctx, req)
	respond("SetCheckpoint", &resp.ResponseHeader, err)
	return resp, nil
}

func (s *Service) setCheckpoint(ctx context.Context, req *model.SetCheckpointRequest) error {
	if err := s.checkOnline(); err != nil {
		return err
	}
	if req.StreamID == "" || req.PartitionID == "" {
		return cerror.ErrInvalidArgument.GenWithStackByArgs("stream id and partition id are required")
	}
	if req.Checkpoint == nil {
		return cerror.ErrInvalidArgument.GenWithStackByArgs("checkpoint is required")
	}
	key := model.NewProducerPartition(req.StreamID, req.PartitionID)
	if err := s.checkPartitionValidForStream(ctx, key); err != nil {
		return errors.Trace(err)
	}
	// Only the leader moves the checkpoint.
	_, status, _, err := s.localPeer(req.PartitionID)
	if err != nil {
		return errors.Trace(err)
	}
	if status != consensus.LeaderAndReady {
		return leadershipError(req.PartitionID, status)
	}
	cp := *req.Checkpoint
	durable, _ := s.store.Advance(key, cp, cp)
	applied, err := s.gateway.UpdateCheckpoint(ctx, key, durable, 0)
	if err != nil {
		return errors.Trace(err)
	}
	if !applied {
		// The row is missing when the stream was created before this node
		// knew it, create it.
		if err := s.gateway.InsertCheckpoints(ctx, []model.ProducerPartition{key}, durable); err != nil {
			return errors.Trace(err)
		}
	}
	if peer, err := s.peers.GetPeer(req.PartitionID); err == nil {
		peer.UpdateConsumerOpID(s.store.MinSentPosition(req.PartitionID, s.livenessWindow()))
	}
	log.Info("checkpoint set",
		zap.String("stream", req.StreamID),
		zap.String("partition", req.PartitionID),
		zap.Stringer("checkpoint", durable))
	return nil
}

// UpdateReplicatedIndex implements cdcrpc.CDCServiceServer. It is sent by
// the partition leader to every replica.
func (s *Service) UpdateReplicatedIndex(
	_ context.Context, req *model.UpdateReplicatedIndexRequest,
) (*model.UpdateReplicatedIndexResponse, error) {
	resp := &model.UpdateReplicatedIndexResponse{}
	err := s.updateReplicatedIndex(req)
	respond("UpdateReplicatedIndex", &resp.ResponseHeader, err)
	return resp, nil
}

func (s *Service) updateReplicatedIndex(req *model.UpdateReplicatedIndexRequest) error {
	if err := s.checkOnline(); err != nil {
		return err
	}
	if req.PartitionID == "" {
		return cerror.ErrInvalidArgument.GenWithStackByArgs("partition id is required")
	}
	if req.ReplicatedIndex < 0 {
		return cerror.ErrInvalidArgument.GenWithStackByArgs("replicated index must not be negative")
	}
	peer, err := s.peers.GetPeer(req.PartitionID)
	if err != nil {
		return errors.Trace(err)
	}
	if peer.Log() == nil {
		return cerror.ErrLogNotAvailable.GenWithStackByArgs(req.PartitionID, s.peers.LocalUUID())
	}
	return errors.Trace(peer.SetMinReplicatedIndex(req.ReplicatedIndex))
}

// GetLatestLogPosition implements cdcrpc.CDCServiceServer.
func (s *Service) GetLatestLogPosition(
	_ context.Context, req *model.GetLatestLogPositionRequest,
) (*model.GetLatestLogPositionResponse, error) {
	resp := &model.GetLatestLogPositionResponse{}
	opID, err := s.latestLocalLogPosition(req.PartitionID)
	if err == nil {
		resp.OpID = opID
	}
	respond("GetLatestLogPosition", &resp.ResponseHeader, err)
	return resp, nil
}

func (s *Service) latestLocalLogPosition(partition model.PartitionID) (model.OpID, error) {
	if err := s.checkOnline(); err != nil {
		return model.ZeroOpID, err
	}
	if partition == "" {
		return model.ZeroOpID, cerror.ErrInvalidArgument.GenWithStackByArgs("partition id is required")
	}
	peer, err := s.peers.GetPeer(partition)
	if err != nil {
		return model.ZeroOpID, errors.Trace(err)
	}
	l := peer.Log()
	if l == nil {
		return model.ZeroOpID, cerror.ErrLogNotAvailable.GenWithStackByArgs(partition, s.peers.LocalUUID())
	}
	return l.LastOpID(), nil
}

// ListPartitions implements cdcrpc.CDCServiceServer.
func (s *Service) ListPartitions(ctx context.Context, req *model.ListPartitionsRequest) (*model.ListPartitionsResponse, error) {
	resp := &model.ListPartitionsResponse{}
	partitions, err := s.listPartitions(ctx, req)
	if err == nil {
		resp.Partitions = partitions
	}
	respond("ListPartitions", &resp.ResponseHeader, err)
	return resp, nil
}

func (s *Service) listPartitions(ctx context.Context, req *model.ListPartitionsRequest) ([]*model.PartitionLocation, error) {
	if err := s.checkOnline(); err != nil {
		return nil, err
	}
	if req.StreamID == "" {
		return nil, cerror.ErrInvalidArgument.GenWithStackByArgs("stream id is required")
	}
	partitions, err := s.streamPartitions(ctx, req.StreamID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	localUUID := s.peers.LocalUUID()
	result := make([]*model.PartitionLocation, 0, len(partitions))
	for _, p := range partitions {
		if req.LocalOnly && !p.HasReplica(localUUID) {
			continue
		}
		for _, r := range p.Replicas {
			if r.BroadcastAddr == "" {
				log.Warn("peer has no broadcast address, clients will use its private address",
					zap.String("peer", r.UUID),
					zap.String("partition", p.PartitionID),
					zap.String("addr", r.PrivateAddr))
			}
		}
		result = append(result, p)
	}
	return result, nil
}

// GetDBStreamInfo implements cdcrpc.CDCServiceServer.
func (s *Service) GetDBStreamInfo(ctx context.Context, req *model.GetDBStreamInfoRequest) (*model.GetDBStreamInfoResponse, error) {
	resp := &model.GetDBStreamInfoResponse{}
	err := s.checkOnline()
	if err == nil && req.DBStreamID == "" {
		err = cerror.ErrInvalidArgument.GenWithStackByArgs("db stream id is required")
	}
	if err == nil {
		resp.Tables, err = s.catalog.GetDBStreamInfo(ctx, req.DBStreamID)
	}
	respond("GetDBStreamInfo", &resp.ResponseHeader, err)
	return resp, nil
}
