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
	"math"

	"github.com/pingcap/cdcstream/cdc/model"
	"github.com/pingcap/cdcstream/cdc/statetable"
	cerror "github.com/pingcap/cdcstream/pkg/errors"
	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// creationState records what a create or bootstrap call did so far, to be
// undone if the call fails.
type creationState struct {
	streams []model.StreamID
	keys    []model.ProducerPartition
	// partitions whose replicas had their min replicated index set.
	partitions []model.PartitionID
}

// rollback undoes a failed creation. Failures are logged, the call that is
// rolled back has already failed.
func (s *Service) rollback(ctx context.Context, state *creationState) {
	var errs error
	if len(state.streams) > 0 {
		errs = multierr.Append(errs, s.catalog.DeleteStreams(ctx, state.streams, true, true))
		for _, id := range state.streams {
			s.streams.Invalidate(id)
		}
	}
	if len(state.keys) > 0 {
		s.store.EraseKeys(state.keys, true)
		errs = multierr.Append(errs, s.gateway.DeleteCheckpoints(ctx, state.keys))
	}
	for _, partition := range state.partitions {
		if peer, err := s.peers.GetPeer(partition); err == nil {
			errs = multierr.Append(errs, peer.SetMinReplicatedIndex(math.MaxInt64))
		}
		if s.forwarder != nil {
			errs = multierr.Append(errs, s.forwarder.ResetPeersMinReplicatedIndex(ctx, partition))
		}
	}
	if errs != nil {
		log.Warn("rollback of partial stream creation failed",
			zap.Strings("streams", state.streams),
			zap.Int("keys", len(state.keys)),
			zap.Error(errs))
		return
	}
	log.Info("partial stream creation rolled back",
		zap.Strings("streams", state.streams),
		zap.Int("keys", len(state.keys)))
}

// metadataFromRequest applies the options of req over the defaults.
func metadataFromRequest(req *model.CreateStreamRequest) (*model.StreamMetadata, error) {
	md := model.NewStreamMetadata()
	var err error
	if req.RecordType != "" {
		if md.RecordType, err = model.ParseRecordType(string(req.RecordType)); err != nil {
			return nil, err
		}
	}
	if req.RecordFormat != "" {
		if md.RecordFormat, err = model.ParseRecordFormat(string(req.RecordFormat)); err != nil {
			return nil, err
		}
	}
	if req.SourceType != "" {
		if md.SourceType, err = model.ParseSourceType(string(req.SourceType)); err != nil {
			return nil, err
		}
	}
	if req.CheckpointType != "" {
		if md.CheckpointType, err = model.ParseCheckpointType(string(req.CheckpointType)); err != nil {
			return nil, err
		}
	}
	return md, nil
}

// checkTableFormat rejects the tables whose changes cannot be encoded in
// format.
func checkTableFormat(table *model.TableInfo, format model.RecordFormat) error {
	if format == model.RecordFormatWAL {
		return nil
	}
	if table.Type == model.TableTypeRedis {
		return cerror.ErrInvalidArgument.GenWithStackByArgs(
			"record format " + string(format) + " is not supported for redis table " + table.ID)
	}
	if !table.HasPrimaryKey {
		return cerror.ErrInvalidArgument.GenWithStackByArgs(
			"record format " + string(format) + " requires a primary key, table " + table.ID + " has none")
	}
	return nil
}

// CreateStream implements cdcrpc.CDCServiceServer. Without a table id, one
// database stream is created over every SQL or CQL table of the namespace
// that has a primary key.
func (s *Service) CreateStream(ctx context.Context, req *model.CreateStreamRequest) (*model.CreateStreamResponse, error) {
	resp := &model.CreateStreamResponse{}
	state := &creationState{}
	err := s.createStream(ctx, req, resp, state)
	if err != nil {
		s.rollback(ctx, state)
		resp.StreamID, resp.DBStreamID = "", ""
	}
	respond("CreateStream", &resp.ResponseHeader, err)
	return resp, nil
}

func (s *Service) createStream(
	ctx context.Context, req *model.CreateStreamRequest, resp *model.CreateStreamResponse, state *creationState,
) error {
	if err := s.checkOnline(); err != nil {
		return err
	}
	if req.TableID == "" && req.NamespaceName == "" {
		return cerror.ErrInvalidArgument.GenWithStackByArgs("table id or namespace name is required")
	}
	md, err := metadataFromRequest(req)
	if err != nil {
		return cerror.ErrInvalidArgument.Wrap(err).GenWithStackByArgs("invalid stream options")
	}

	var tables []*model.TableInfo
	if req.TableID != "" {
		table, err := s.catalog.GetTable(ctx, req.TableID)
		if err != nil {
			return errors.Trace(err)
		}
		if err := checkTableFormat(table, md.RecordFormat); err != nil {
			return err
		}
		tables = append(tables, table)
	} else {
		if md.SourceType == model.SourceTypeXCluster {
			return cerror.ErrInvalidArgument.GenWithStackByArgs(
				"cross cluster streams must be created per table")
		}
		nsID, all, err := s.catalog.ListNamespaceTables(ctx, req.NamespaceName)
		if err != nil {
			return errors.Trace(err)
		}
		for _, t := range all {
			if t.Type == model.TableTypeRedis || !t.HasPrimaryKey {
				log.Info("skip table without primary key",
					zap.String("namespace", req.NamespaceName), zap.String("table", t.ID))
				continue
			}
			tables = append(tables, t)
		}
		if len(tables) == 0 {
			return cerror.ErrInvalidArgument.GenWithStackByArgs(
				"namespace " + req.NamespaceName + " has no table with a primary key")
		}
		md.NamespaceID = nsID
	}
	for _, t := range tables {
		md.TableIDs = append(md.TableIDs, t.ID)
	}

	id, err := s.catalog.CreateStream(ctx, md.NamespaceID, md.TableIDs, md.Options())
	if err != nil {
		return errors.Trace(err)
	}
	state.streams = append(state.streams, id)
	s.streams.Add(id, md)

	partitions, err := s.catalog.ListPartitions(ctx, md.TableIDs)
	if err != nil {
		return errors.Trace(err)
	}
	keys := make([]model.ProducerPartition, 0, len(partitions))
	for _, p := range partitions {
		key := model.NewProducerPartition(id, p.PartitionID)
		keys = append(keys, key)
		state.keys = append(state.keys, key)
		s.store.UpsertInitial(key, model.ZeroOpID, false)
	}
	failpoint.Inject("CreateStreamBeforeInsertCheckpoints", func() {
		failpoint.Return(cerror.ErrInternal.GenWithStackByArgs("injected"))
	})
	if err := s.gateway.InsertCheckpoints(ctx, keys, model.ZeroOpID); err != nil {
		return errors.Trace(err)
	}

	if md.NamespaceID != "" {
		resp.DBStreamID = id
	} else {
		resp.StreamID = id
	}
	log.Info("stream created",
		zap.String("stream", id),
		zap.String("namespace", md.NamespaceID),
		zap.Strings("tables", md.TableIDs),
		zap.Int("partitions", len(partitions)))
	return nil
}

// BootstrapProducer implements cdcrpc.CDCServiceServer. It creates one
// cross cluster stream per table whose checkpoints start at the current end
// of every partition's log, and makes the replicas retain the log from
// there.
func (s *Service) BootstrapProducer(
	ctx context.Context, req *model.BootstrapProducerRequest,
) (*model.BootstrapProducerResponse, error) {
	resp := &model.BootstrapProducerResponse{}
	state := &creationState{}
	err := s.bootstrapProducer(ctx, req, resp, state)
	if err != nil {
		s.rollback(ctx, state)
		resp.BootstrapIDs = nil
	}
	respond("BootstrapProducer", &resp.ResponseHeader, err)
	return resp, nil
}

func (s *Service) bootstrapProducer(
	ctx context.Context, req *model.BootstrapProducerRequest, resp *model.BootstrapProducerResponse, state *creationState,
) error {
	if err := s.checkOnline(); err != nil {
		return err
	}
	if len(req.TableIDs) == 0 {
		return cerror.ErrInvalidArgument.GenWithStackByArgs("table ids are required")
	}
	for _, t := range req.TableIDs {
		if _, err := s.catalog.GetTable(ctx, t); err != nil {
			return errors.Trace(err)
		}
	}

	var rows []*statetable.Row
	for _, t := range req.TableIDs {
		md := model.NewStreamMetadata()
		md.TableIDs = []model.TableID{t}
		id, err := s.catalog.CreateStream(ctx, "", md.TableIDs, md.Options())
		if err != nil {
			return errors.Trace(err)
		}
		state.streams = append(state.streams, id)
		s.streams.Add(id, md)

		partitions, err := s.catalog.ListPartitions(ctx, md.TableIDs)
		if err != nil {
			return errors.Trace(err)
		}
		for _, p := range partitions {
			pos, err := s.latestLogPosition(ctx, p.PartitionID)
			if err != nil {
				return errors.Trace(err)
			}
			key := model.NewProducerPartition(id, p.PartitionID)
			state.keys = append(state.keys, key)
			s.store.UpsertInitial(key, pos, false)
			rows = append(rows, &statetable.Row{
				PartitionID: p.PartitionID,
				StreamID:    id,
				Checkpoint:  pos.String(),
			})
			state.partitions = append(state.partitions, p.PartitionID)
			if err := s.retainFrom(ctx, p.PartitionID, pos); err != nil {
				return errors.Trace(err)
			}
		}
		resp.BootstrapIDs = append(resp.BootstrapIDs, id)
	}
	if err := s.gateway.InsertRows(ctx, rows); err != nil {
		return errors.Trace(err)
	}
	log.Info("producer bootstrapped",
		zap.Strings("tables", req.TableIDs),
		zap.Strings("streams", resp.BootstrapIDs))
	return nil
}

// latestLogPosition reads the end of the log of partition from the local
// replica, or from a remote one when it is not available here.
func (s *Service) latestLogPosition(ctx context.Context, partition model.PartitionID) (model.OpID, error) {
	opID, err := s.latestLocalLogPosition(partition)
	if err == nil || s.forwarder == nil {
		return opID, err
	}
	return s.forwarder.LatestLogPosition(ctx, partition)
}

// retainFrom makes every replica of partition keep its log after pos.
func (s *Service) retainFrom(ctx context.Context, partition model.PartitionID, pos model.OpID) error {
	if peer, err := s.peers.GetPeer(partition); err == nil {
		if err := peer.SetMinReplicatedIndex(pos.Index); err != nil {
			return err
		}
	}
	if s.forwarder == nil {
		return nil
	}
	return s.forwarder.UpdatePeersMinReplicatedIndex(ctx, partition, pos.Index, pos.Term)
}

// DeleteStream implements cdcrpc.CDCServiceServer.
func (s *Service) DeleteStream(ctx context.Context, req *model.DeleteStreamRequest) (*model.DeleteStreamResponse, error) {
	resp := &model.DeleteStreamResponse{}
	err := s.deleteStream(ctx, req)
	respond("DeleteStream", &resp.ResponseHeader, err)
	return resp, nil
}

func (s *Service) deleteStream(ctx context.Context, req *model.DeleteStreamRequest) error {
	if err := s.checkOnline(); err != nil {
		return err
	}
	if len(req.StreamIDs) == 0 {
		return cerror.ErrInvalidArgument.GenWithStackByArgs("stream ids are required")
	}
	// Collect the keys while the streams can still be resolved.
	keySet := make(map[model.ProducerPartition]struct{})
	for _, id := range req.StreamIDs {
		partitions, err := s.streamPartitions(ctx, id)
		if err != nil {
			if !req.IgnoreErrors {
				return errors.Trace(err)
			}
			log.Warn("ignore stream that cannot be resolved",
				zap.String("stream", id), zap.Error(err))
			continue
		}
		for _, p := range partitions {
			keySet[model.NewProducerPartition(id, p.PartitionID)] = struct{}{}
		}
	}
	if err := s.catalog.DeleteStreams(ctx, req.StreamIDs, req.IgnoreErrors, req.ForceDelete); err != nil {
		return errors.Trace(err)
	}
	for _, id := range req.StreamIDs {
		s.streams.Invalidate(id)
		for _, key := range s.store.EraseStream(id) {
			keySet[key] = struct{}{}
		}
	}
	keys := make([]model.ProducerPartition, 0, len(keySet))
	for key := range keySet {
		keys = append(keys, key)
	}
	s.metrics.drop(keys)
	if err := s.gateway.DeleteCheckpoints(ctx, keys); err != nil {
		return errors.Trace(err)
	}
	log.Info("streams deleted",
		zap.Strings("streams", req.StreamIDs),
		zap.Int("keys", len(keys)))
	return nil
}
