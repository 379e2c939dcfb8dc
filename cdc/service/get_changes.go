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
	"github.com/pingcap/cdcstream/cdc/producer"
	cerror "github.com/pingcap/cdcstream/pkg/errors"
	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// GetChanges implements cdcrpc.CDCServiceServer.
func (s *Service) GetChanges(ctx context.Context, req *model.GetChangesRequest) (*model.GetChangesResponse, error) {
	resp, err := s.getChanges(ctx, req)
	if resp == nil {
		resp = &model.GetChangesResponse{}
	}
	if err != nil {
		resp.Records = nil
	}
	if resp.Error != nil && err == nil {
		// The leader failed a forwarded request.
		countRequest("GetChanges", resp.Error.Code)
		return resp, nil
	}
	respond("GetChanges", &resp.ResponseHeader, err)
	return resp, nil
}

func (s *Service) getChanges(ctx context.Context, req *model.GetChangesRequest) (*model.GetChangesResponse, error) {
	if err := s.checkOnline(); err != nil {
		return nil, err
	}
	s.logSometimes.Do(func() {
		log.Info("received GetChanges request",
			zap.String("stream", req.EffectiveStreamID()),
			zap.String("partition", req.PartitionID))
	})

	// Validate.
	if req.PartitionID == "" {
		return nil, cerror.ErrInvalidArgument.GenWithStackByArgs("partition id is required to get changes")
	}
	streamID := req.EffectiveStreamID()
	if streamID == "" {
		return nil, cerror.ErrInvalidArgument.GenWithStackByArgs("stream id or db stream id is required to get changes")
	}
	key := model.NewProducerPartition(streamID, req.PartitionID)
	if err := s.checkPartitionValidForStream(ctx, key); err != nil {
		return nil, errors.Trace(err)
	}

	// ResolveLeadership.
	peer, status, term, err := s.localPeer(req.PartitionID)
	if err != nil || status != consensus.LeaderAndReady {
		if req.ServeAsProxy && s.forwarder != nil {
			return s.forwardGetChanges(ctx, req)
		}
		if err != nil {
			return nil, errors.Trace(err)
		}
		return nil, leadershipError(req.PartitionID, status)
	}
	s.everServedLeader.Store(true)

	md, err := s.streams.Resolve(ctx, streamID)
	if err != nil {
		return nil, errors.Trace(err)
	}

	// ResolveStartPosition.
	var (
		from    model.OpID
		sdkFrom *model.SDKCheckpoint
	)
	switch {
	case req.FromCheckpoint != nil:
		from = *req.FromCheckpoint
	case req.FromSDKCheckpoint != nil:
		cp := *req.FromSDKCheckpoint
		sdkFrom = &cp
		from = sdkFrom.OpID()
	default:
		from, err = s.lastCheckpoint(ctx, key)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if md.SourceType == model.SourceTypeCDCSDK {
			sdkFrom = model.SDKCheckpointFromOpID(from)
		}
	}

	// ReadChanges.
	result, err := s.readChanges(ctx, key, peer, md, from, sdkFrom, req.MaxRecords)
	if err != nil {
		return nil, err
	}

	// VerifyLeadershipUnchanged.
	peer, status, newTerm, err := s.localPeer(req.PartitionID)
	if err != nil || status != consensus.LeaderAndReady || newTerm != term {
		log.Info("leadership changed while reading changes, dropping the batch",
			zap.String("stream", streamID),
			zap.String("partition", req.PartitionID),
			zap.Int64("term", term),
			zap.Int64("newTerm", newTerm))
		return nil, cerror.ErrLeadershipChanged.GenWithStackByArgs(req.PartitionID, term, newTerm)
	}

	// AdvanceCheckpoint.
	if md.IsImplicit() && advanceRequired(md, sdkFrom) {
		if err := s.advanceCheckpoint(ctx, key, peer, result, from); err != nil {
			return nil, err
		}
	}

	resp := &model.GetChangesResponse{
		Records:           result.Records,
		Checkpoint:        result.Checkpoint,
		SDKCheckpoint:     result.SDKCheckpoint,
		LastReadableIndex: result.LastReadableIndex,
	}
	s.updatePartitionMetrics(key, resp, result, from)
	return resp, nil
}

// advanceRequired reports whether a read moves the checkpoint of an
// implicit stream. Cross cluster streams always advance, full-fidelity
// streams follow their checkpoint.
func advanceRequired(md *model.StreamMetadata, from *model.SDKCheckpoint) bool {
	switch md.SourceType {
	case model.SourceTypeXCluster:
		return true
	case model.SourceTypeCDCSDK:
		return from.AdvanceRequired()
	}
	return false
}

func (s *Service) readChanges(
	ctx context.Context, key model.ProducerPartition, peer consensus.Peer,
	md *model.StreamMetadata, from model.OpID, sdkFrom *model.SDKCheckpoint, maxRecords int,
) (*producer.ReadResult, error) {
	readCtx, cancel, err := s.readContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	if maxRecords <= 0 || maxRecords > s.cfg.MaxChangesPerRequest {
		maxRecords = s.cfg.MaxChangesPerRequest
	}
	failpoint.Inject("GetChangesBeforeRead", nil)

	var result *producer.ReadResult
	if md.SourceType == model.SourceTypeXCluster {
		result, err = s.reader.ReadXCluster(readCtx, peer, from, maxRecords)
	} else {
		state, _ := s.store.SDKState(key)
		result, err = s.reader.ReadSDK(readCtx, peer, sdkFrom, state, maxRecords)
		if err == nil && result.SDKState != nil {
			s.store.SetSDKState(key, *result.SDKState)
		}
	}
	if err != nil {
		switch {
		case cerror.Is(err, cerror.ErrLogEntryNotFound):
			return nil, cerror.ErrCheckpointTooOld.Wrap(err).GenWithStackByArgs(from.String(), key.PartitionID)
		case errors.Cause(err) == context.DeadlineExceeded:
			return nil, cerror.ErrTimedOut.Wrap(err).GenWithStackByArgs("reading changes")
		}
		return nil, errors.Trace(err)
	}

	if tracker := s.store.MemTracker(key, peer.MemTracker()); tracker != nil {
		var size int64
		for _, r := range result.Records {
			size += r.Size()
		}
		tracker.Consume(size)
		defer tracker.Consume(-size)
	}
	return result, nil
}

// advanceCheckpoint records the batch as sent and from as acknowledged,
// writes the durable checkpoint when it is due and lets the log release the
// entries every live stream has consumed.
func (s *Service) advanceCheckpoint(
	ctx context.Context, key model.ProducerPartition, peer consensus.Peer,
	result *producer.ReadResult, from model.OpID,
) error {
	durable, due := s.store.Advance(key, result.Checkpoint, from)
	if due {
		lastReplicationTime := s.clock.Now().UnixMicro()
		if n := len(result.Records); n > 0 && result.Records[n-1].CommitTime != 0 {
			lastReplicationTime = result.Records[n-1].CommitTime
		}
		applied, err := s.gateway.UpdateCheckpoint(ctx, key, durable, lastReplicationTime)
		if err != nil {
			return errors.Trace(err)
		}
		if !applied {
			log.Info("checkpoint row is gone, the stream was deleted",
				zap.String("stream", key.StreamID),
				zap.String("partition", key.PartitionID))
		}
	}
	peer.UpdateConsumerOpID(s.store.MinSentPosition(key.PartitionID, s.livenessWindow()))
	return nil
}

func (s *Service) forwardGetChanges(ctx context.Context, req *model.GetChangesRequest) (*model.GetChangesResponse, error) {
	loc, err := s.catalog.LocatePartition(ctx, req.PartitionID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if loc.Leader == nil {
		return nil, cerror.ErrPartitionLeaderNotFound.GenWithStackByArgs(req.PartitionID)
	}
	proxyCounter.Inc()
	select {
	case result := <-s.forwarder.GetChangesAsync(ctx, loc.Leader, req):
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Resp, nil
	case <-ctx.Done():
		return nil, cerror.ErrTimedOut.Wrap(ctx.Err()).GenWithStackByArgs("forwarding changes to the leader")
	}
}

func (s *Service) updatePartitionMetrics(
	key model.ProducerPartition, resp *model.GetChangesResponse, result *producer.ReadResult, from model.OpID,
) {
	m := s.metrics.get(key)
	m.lastReadOpIndex.Set(float64(resp.Checkpoint.Index))
	m.lastReadableOpIndex.Set(float64(resp.LastReadableIndex))
	m.lastCheckpointIndex.Set(float64(from.Index))
	lastReplicated := result.LastReplicatedTime
	if n := len(resp.Records); n > 0 {
		var size int64
		for _, r := range resp.Records {
			size += r.Size()
		}
		m.payloadBytes.Add(float64(size))
		last, first := resp.Records[n-1].CommitTime, resp.Records[0].CommitTime
		m.lastReadMicros.Store(last)
		m.sentLag.Set(float64(lastReplicated - last))
		m.lastCheckpointMicros.Store(first)
		m.committedLag.Set(float64(lastReplicated - first))
		return
	}
	// Caught up.
	m.heartbeats.Inc()
	m.lastReadMicros.Store(lastReplicated)
	m.lastCheckpointMicros.Store(lastReplicated)
	m.resetLag()
}
