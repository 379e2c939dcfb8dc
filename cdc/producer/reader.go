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

package producer

import (
	"context"

	"github.com/pingcap/cdcstream/cdc/consensus"
	"github.com/pingcap/cdcstream/cdc/model"
	cerror "github.com/pingcap/cdcstream/pkg/errors"
	"github.com/pingcap/errors"
)

// ReadResult is a batch of changes read from a partition's log.
type ReadResult struct {
	Records []*model.ChangeRecord
	// Checkpoint is the position to resume from after this batch.
	Checkpoint model.OpID
	// SDKCheckpoint is set for full-fidelity reads.
	SDKCheckpoint *model.SDKCheckpoint
	// SDKState is the state to keep for the next full-fidelity read.
	SDKState *model.SDKState
	// LastReadableIndex is the last index of the log when it was read.
	LastReadableIndex int64
	// LastReplicatedTime is the commit time of the last replicated entry,
	// in unix microseconds.
	LastReplicatedTime int64
}

// LogReader reads changes out of the log of a local replica.
type LogReader interface {
	// ReadXCluster reads the changes after from for a cross cluster
	// replication consumer.
	ReadXCluster(ctx context.Context, peer consensus.Peer, from model.OpID, maxRecords int) (*ReadResult, error)
	// ReadSDK reads the changes after from for a full-fidelity consumer,
	// continuing from the state left by the previous read.
	ReadSDK(
		ctx context.Context, peer consensus.Peer, from *model.SDKCheckpoint, state model.SDKState, maxRecords int,
	) (*ReadResult, error)
}

// Reader is the LogReader over consensus.Log.
type Reader struct{}

var _ LogReader = Reader{}

func readLog(ctx context.Context, peer consensus.Peer, after int64, maxRecords int) (consensus.Log, []*model.ChangeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, errors.Trace(err)
	}
	l := peer.Log()
	if l == nil {
		return nil, nil, cerror.ErrLogNotAvailable.GenWithStackByArgs(peer.PartitionID(), "local")
	}
	records, err := l.Read(after, maxRecords)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	return l, records, nil
}

// ReadXCluster implements LogReader.
func (Reader) ReadXCluster(
	ctx context.Context, peer consensus.Peer, from model.OpID, maxRecords int,
) (*ReadResult, error) {
	l, records, err := readLog(ctx, peer, from.Index, maxRecords)
	if err != nil {
		return nil, err
	}
	checkpoint := from
	if len(records) > 0 {
		checkpoint = records[len(records)-1].OpID
	}
	return &ReadResult{
		Records:            records,
		Checkpoint:         checkpoint,
		LastReadableIndex:  l.LastOpID().Index,
		LastReplicatedTime: l.LastReplicatedTime(),
	}, nil
}

// ReadSDK implements LogReader. Every log entry is a transaction of its
// own, so a batch always ends on a transaction boundary. A consumer resuming
// in the middle of an entry, or of a snapshot, gets that entry again.
func (Reader) ReadSDK(
	ctx context.Context, peer consensus.Peer, from *model.SDKCheckpoint, state model.SDKState, maxRecords int,
) (*ReadResult, error) {
	after := int64(0)
	if from != nil {
		after = from.Index
		if from.WriteID != 0 && after > 0 {
			after--
		}
	}
	l, records, err := readLog(ctx, peer, after, maxRecords)
	if err != nil {
		return nil, err
	}
	checkpoint := model.OpID{Index: after}
	if from != nil {
		checkpoint.Term = from.Term
	}
	if len(records) > 0 {
		last := records[len(records)-1]
		checkpoint = last.OpID
		state.LastStreamedOpID = last.OpID
		if last.CommitTime > 0 {
			state.CommitTimestamp = uint64(last.CommitTime)
		}
		for _, r := range records {
			if r.Op == model.RecordOpDDL {
				state.SchemaVersion++
			}
		}
	}
	return &ReadResult{
		Records:            records,
		Checkpoint:         checkpoint,
		SDKCheckpoint:      model.SDKCheckpointFromOpID(checkpoint),
		SDKState:           &state,
		LastReadableIndex:  l.LastOpID().Index,
		LastReplicatedTime: l.LastReplicatedTime(),
	}, nil
}
