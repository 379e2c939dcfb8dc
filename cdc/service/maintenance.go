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
	"time"

	"github.com/pingcap/cdcstream/cdc/consensus"
	"github.com/pingcap/cdcstream/cdc/model"
	"github.com/pingcap/cdcstream/cdc/statetable"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// maintenanceState remembers when each maintenance task last ran, the zero
// time meaning never.
type maintenanceState struct {
	lastMetrics time.Time
	lastPeers   time.Time
}

func (s *Service) runMaintenance(ctx context.Context) {
	ticker := s.clock.Ticker(s.cfg.MaintenanceSleepInterval())
	defer ticker.Stop()
	state := &maintenanceState{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.maintainOnce(ctx, state)
	}
}

// maintainOnce runs the maintenance tasks that are due. Nothing is done
// until the node served a GetChanges as a leader.
func (s *Service) maintainOnce(ctx context.Context, state *maintenanceState) {
	if !s.everServedLeader.Load() {
		return
	}
	now := s.clock.Now()
	if s.cfg.EnableCollectMetrics &&
		(state.lastMetrics.IsZero() || now.Sub(state.lastMetrics) >= time.Duration(s.cfg.UpdateMetricsInterval)) {
		s.updateLagMetrics(ctx)
		state.lastMetrics = now
	}

	if !s.cfg.EnableLogRetentionByOpIdx ||
		(!state.lastPeers.IsZero() && now.Sub(state.lastPeers) < time.Duration(s.cfg.UpdateMinIndexInterval)) {
		return
	}
	state.lastPeers = now
	s.updatePeersMinIndex(ctx)
}

// updateLagMetrics recomputes the lag of every key of the checkpoint table
// whose partition this node leads. Lags of keys the node does not lead, or
// that left the table, are zero.
func (s *Service) updateLagMetrics(ctx context.Context) {
	snapshot := s.store.Snapshot()
	inTable := make(map[model.ProducerPartition]struct{})
	failed := false
	opts := statetable.ScanOptions{
		Columns: []statetable.Column{statetable.ColumnLastReplicationTime},
		ErrorHandler: func(err error) {
			s.warnSometimes.Do(func() {
				log.Warn("scan checkpoint table failed, lag metrics not updated", zap.Error(err))
			})
			failed = true
		},
	}
	failpoint.Inject("MaintenanceBeforeScan", nil)
	err := s.gateway.Scan(ctx, opts, func(row *statetable.Row) error {
		peer, status, _, err := s.localPeer(row.PartitionID)
		if err != nil {
			return nil
		}
		key := row.Key()
		inTable[key] = struct{}{}
		m := s.metrics.get(key)
		if status != consensus.LeaderAndReady {
			m.resetLag()
			return nil
		}
		var lastReplicated int64
		if l := peer.Log(); l != nil {
			lastReplicated = l.LastReplicatedTime()
		}
		computeLag(lastReplicated, m.lastReadMicros.Load(), row.LastReplicationTime, m.sentLag)
		computeLag(lastReplicated, m.lastCheckpointMicros.Load(), row.LastReplicationTime, m.committedLag)
		return nil
	})
	if err != nil {
		s.warnSometimes.Do(func() {
			log.Warn("unable to read checkpoint table for metrics update", zap.Error(err))
		})
		return
	}
	if failed {
		s.gateway.Refresh()
		return
	}

	for _, e := range snapshot {
		if _, ok := inTable[e.Key]; ok {
			continue
		}
		if _, err := s.peers.GetPeer(e.Key.PartitionID); err != nil {
			continue
		}
		s.metrics.get(e.Key).resetLag()
	}
}

// updatePeersMinIndex sets the minimum replicated index of every partition
// this node leads to the smallest checkpoint of the partition across
// streams, locally and on the other replicas.
func (s *Service) updatePeersMinIndex(ctx context.Context) {
	log.Info("started to read minimum replicated indices of all partitions")
	mins := make(map[model.PartitionID]model.OpID)
	count := 0
	failed := false
	opts := statetable.ScanOptions{
		Columns: statetable.AllColumns,
		ErrorHandler: func(err error) {
			log.Warn("scan checkpoint table failed", zap.Error(err))
			failed = true
		},
	}
	err := s.gateway.Scan(ctx, opts, func(row *statetable.Row) error {
		count++
		opID, err := model.ParseOpID(row.Checkpoint)
		if err != nil {
			log.Warn("read invalid checkpoint",
				zap.String("partition", row.PartitionID),
				zap.String("stream", row.StreamID),
				zap.String("checkpoint", row.Checkpoint))
			return nil
		}
		if cur, ok := mins[row.PartitionID]; !ok || opID.Index < cur.Index {
			mins[row.PartitionID] = opID
		}
		return nil
	})
	if err != nil {
		s.warnSometimes.Do(func() {
			log.Warn("unable to read checkpoint table, min replicated indices not updated", zap.Error(err))
		})
		return
	}
	if failed {
		s.gateway.Refresh()
		return
	}
	log.Info("read checkpoint table", zap.Int("rows", count), zap.Int("partitions", len(mins)))

	for partition, opID := range mins {
		peer, status, _, err := s.localPeer(partition)
		if err != nil || status != consensus.LeaderAndReady {
			continue
		}
		if err := peer.SetMinReplicatedIndex(opID.Index); err != nil {
			log.Warn("unable to set min replicated index",
				zap.String("partition", partition), zap.Error(err))
		}
		if s.forwarder == nil {
			continue
		}
		if err := s.forwarder.UpdatePeersMinReplicatedIndex(ctx, partition, opID.Index, opID.Term); err != nil {
			s.warnSometimes.Do(func() {
				log.Warn("unable to update min replicated index of followers",
					zap.String("partition", partition),
					zap.Int64("index", opID.Index),
					zap.Error(err))
			})
		}
	}
}
