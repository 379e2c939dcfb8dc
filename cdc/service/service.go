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
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/cdcstream/cdc/catalog"
	"github.com/pingcap/cdcstream/cdc/cdcrpc"
	"github.com/pingcap/cdcstream/cdc/checkpoint"
	"github.com/pingcap/cdcstream/cdc/consensus"
	"github.com/pingcap/cdcstream/cdc/forwarder"
	"github.com/pingcap/cdcstream/cdc/model"
	"github.com/pingcap/cdcstream/cdc/producer"
	"github.com/pingcap/cdcstream/cdc/statetable"
	"github.com/pingcap/cdcstream/cdc/streammeta"
	"github.com/pingcap/cdcstream/pkg/config"
	cerror "github.com/pingcap/cdcstream/pkg/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Deps are the collaborators of the service.
type Deps struct {
	Catalog    catalog.Catalog
	Peers      consensus.PeerManager
	Reader     producer.LogReader
	StateTable statetable.Opener
	Forwarder  *forwarder.Forwarder
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Service serves change streams of the partitions replicated on this node
// and keeps their checkpoints.
type Service struct {
	cfg   *config.CDCConfig
	clock clock.Clock

	// mu guards the indices of store and streams.
	mu      sync.RWMutex
	store   *checkpoint.Store
	streams *streammeta.Cache
	gateway *statetable.Gateway

	catalog   catalog.Catalog
	peers     consensus.PeerManager
	reader    producer.LogReader
	forwarder *forwarder.Forwarder
	metrics   *metricsSet

	// everServedLeader is set by the first GetChanges served locally, the
	// maintenance loop is idle until then.
	everServedLeader atomic.Bool
	stopped          atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	logSometimes  rate.Sometimes
	warnSometimes rate.Sometimes
}

var _ cdcrpc.CDCServiceServer = (*Service)(nil)

// New creates a service. Start must be called to run the maintenance loop.
func New(cfg *config.CDCConfig, deps Deps) *Service {
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	s := &Service{
		cfg:           cfg,
		clock:         clk,
		catalog:       deps.Catalog,
		peers:         deps.Peers,
		reader:        deps.Reader,
		forwarder:     deps.Forwarder,
		metrics:       newMetricsSet(),
		logSometimes:  rate.Sometimes{Interval: 30 * time.Second},
		warnSometimes: rate.Sometimes{Interval: 30 * time.Second},
	}
	s.store = checkpoint.NewStore(&s.mu, clk, time.Duration(cfg.CheckpointUpdateInterval))
	s.streams = streammeta.NewCache(&s.mu, deps.Catalog)
	s.gateway = statetable.NewGateway(
		deps.StateTable, clk, cfg.EnableStateTableCaching, time.Duration(cfg.StateTableHandleTTL))
	return s
}

// Start runs the maintenance loop until Close is called or ctx is done.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runMaintenance(ctx)
	}()
	log.Info("cdc service started", zap.String("peer", s.peers.LocalUUID()))
}

// Close stops the maintenance loop and waits for it to exit. Requests
// received afterwards fail with ErrShutdownInProgress.
func (s *Service) Close() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.gateway.Close()
	if s.forwarder != nil {
		s.forwarder.Close()
	}
	log.Info("cdc service closed", zap.String("peer", s.peers.LocalUUID()))
}

// Store returns the checkpoint cache.
func (s *Service) Store() *checkpoint.Store {
	return s.store
}

// EverServedLeader reports whether a GetChanges was ever served locally.
func (s *Service) EverServedLeader() bool {
	return s.everServedLeader.Load()
}

func (s *Service) checkOnline() error {
	if s.stopped.Load() {
		return cerror.ErrShutdownInProgress.GenWithStackByArgs()
	}
	return nil
}

// respond records the outcome of a request and fills the response header.
func respond(method string, header *model.ResponseHeader, err error) {
	header.SetError(err)
	countRequest(method, cerror.ToErrorCode(err))
	if err != nil {
		log.Debug("cdc request failed", zap.String("method", method), zap.Error(err))
	}
}

func countRequest(method string, code cerror.ErrorCode) {
	requestCounter.WithLabelValues(method, code.String()).Inc()
}

// localPeer returns the local replica of partition and whether it may serve
// reads.
func (s *Service) localPeer(partition model.PartitionID) (consensus.Peer, consensus.LeaderStatus, int64, error) {
	peer, err := s.peers.GetPeer(partition)
	if err != nil {
		return nil, consensus.NotLeader, 0, err
	}
	status, term := peer.LeaderStatus()
	return peer, status, term, nil
}

// leadershipError classifies a replica that cannot serve partition.
func leadershipError(partition model.PartitionID, status consensus.LeaderStatus) error {
	if status == consensus.LeaderNotReady {
		return cerror.ErrLeaderNotReady.GenWithStackByArgs(partition)
	}
	return cerror.ErrNotLeader.GenWithStackByArgs(partition)
}

// checkPartitionValidForStream checks that partition belongs to the stream
// of key. A key unknown to the store makes the partitions of the stream be
// listed again, which picks up partitions added since the last listing.
func (s *Service) checkPartitionValidForStream(ctx context.Context, key model.ProducerPartition) error {
	streamKnown, found := s.store.ContainsPartition(key.StreamID, key.PartitionID)
	if found {
		return nil
	}
	if streamKnown {
		log.Info("partition not indexed for stream, listing the stream partitions again",
			zap.String("stream", key.StreamID),
			zap.String("partition", key.PartitionID))
	}
	partitions, err := s.streamPartitions(ctx, key.StreamID)
	if err != nil {
		return err
	}
	ids := make([]model.PartitionID, 0, len(partitions))
	for _, p := range partitions {
		ids = append(ids, p.PartitionID)
	}
	s.store.Repopulate(key.StreamID, ids)
	for _, id := range ids {
		if id == key.PartitionID {
			return nil
		}
	}
	return cerror.ErrPartitionNotInStream.GenWithStackByArgs(key.PartitionID, key.StreamID)
}

// streamPartitions lists the partitions of every table of stream.
func (s *Service) streamPartitions(ctx context.Context, stream model.StreamID) ([]*model.PartitionLocation, error) {
	md, err := s.streams.Resolve(ctx, stream)
	if err != nil {
		return nil, err
	}
	return s.catalog.ListPartitions(ctx, md.TableIDs)
}

// lastCheckpoint returns the durable checkpoint of key, from the cache when
// it is fresh and from the checkpoint table otherwise.
func (s *Service) lastCheckpoint(ctx context.Context, key model.ProducerPartition) (model.OpID, error) {
	if opID, ok := s.store.GetCachedCommitted(key); ok {
		return opID, nil
	}
	return s.gateway.ReadCheckpoint(ctx, key)
}

// LocalUUID returns the uuid of the node.
func (s *Service) LocalUUID() model.PeerUUID {
	return s.peers.LocalUUID()
}
