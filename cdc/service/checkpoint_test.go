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
	"testing"

	"github.com/pingcap/cdcstream/cdc/consensus"
	"github.com/pingcap/cdcstream/cdc/model"
	cerror "github.com/pingcap/cdcstream/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestGetCheckpoint(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t)
	a := newTestNode(t, c, "a", withForwarder(c, "a"))
	b := newTestNode(t, c, "b")
	c.network.Serve(t, "b:9100", b.svc)
	p1 := a.leader("p1")
	b.peers.AddPeer("p1")
	id := createTableStream(t, a, &model.CreateStreamRequest{TableID: "t1"})
	ctx := context.Background()

	setResp, err := a.svc.SetCheckpoint(ctx, &model.SetCheckpointRequest{
		StreamID: id, PartitionID: "p1", Checkpoint: &model.OpID{Term: 1, Index: 7},
	})
	require.NoError(t, err)
	require.Nil(t, setResp.Error)

	resp, err := a.svc.GetCheckpoint(ctx, &model.GetCheckpointRequest{StreamID: id, PartitionID: "p1"})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	require.Equal(t, model.OpID{Term: 1, Index: 7}, resp.Checkpoint)

	// A follower asks the leader.
	p1.SetLeaderStatus(consensus.NotLeader, 2)
	b.leader("p1").SetLeaderStatus(consensus.LeaderAndReady, 2)
	c.catalog.SetLeader("p1", "b")
	resp, err = a.svc.GetCheckpoint(ctx, &model.GetCheckpointRequest{StreamID: id, PartitionID: "p1"})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	require.Equal(t, model.OpID{Term: 1, Index: 7}, resp.Checkpoint)

	// The catalog still names the asking node as the leader.
	c.catalog.SetLeader("p1", "a")
	resp, err = a.svc.GetCheckpoint(ctx, &model.GetCheckpointRequest{StreamID: id, PartitionID: "p1"})
	require.NoError(t, err)
	requireCode(t, cerror.ErrorCodeIllegalState, resp.ResponseHeader)

	resp, err = a.svc.GetCheckpoint(ctx, &model.GetCheckpointRequest{StreamID: id})
	require.NoError(t, err)
	requireCode(t, cerror.ErrorCodeInvalidRequest, resp.ResponseHeader)
}

func TestSetCheckpointRejected(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t)
	n := newTestNode(t, c, "a")
	n.leader("p1")
	id := createTableStream(t, n, &model.CreateStreamRequest{TableID: "t1"})
	ctx := context.Background()

	for _, req := range []*model.SetCheckpointRequest{
		{StreamID: id, PartitionID: "p1"},
		{StreamID: id, Checkpoint: &model.OpID{Term: 1, Index: 1}},
		{StreamID: id, PartitionID: "p3", Checkpoint: &model.OpID{Term: 1, Index: 1}},
	} {
		resp, err := n.svc.SetCheckpoint(ctx, req)
		require.NoError(t, err)
		requireCode(t, cerror.ErrorCodeInvalidRequest, resp.ResponseHeader)
	}
}

func TestSetCheckpointRequiresLeader(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t)
	n := newTestNode(t, c, "a")
	p1 := n.leader("p1")
	id := createTableStream(t, n, &model.CreateStreamRequest{TableID: "t1"})
	ctx := context.Background()
	cp := &model.OpID{Term: 1, Index: 7}

	// No local replica of p2.
	resp, err := n.svc.SetCheckpoint(ctx, &model.SetCheckpointRequest{StreamID: id, PartitionID: "p2", Checkpoint: cp})
	require.NoError(t, err)
	requireCode(t, cerror.ErrorCodeTabletNotFound, resp.ResponseHeader)
	row, ok := readRow(t, c, model.NewProducerPartition(id, "p2"))
	require.True(t, ok)
	require.Equal(t, "0.0", row.Checkpoint)

	p1.SetLeaderStatus(consensus.NotLeader, 2)
	resp, err = n.svc.SetCheckpoint(ctx, &model.SetCheckpointRequest{StreamID: id, PartitionID: "p1", Checkpoint: cp})
	require.NoError(t, err)
	requireCode(t, cerror.ErrorCodeNotLeader, resp.ResponseHeader)

	p1.SetLeaderStatus(consensus.LeaderNotReady, 2)
	resp, err = n.svc.SetCheckpoint(ctx, &model.SetCheckpointRequest{StreamID: id, PartitionID: "p1", Checkpoint: cp})
	require.NoError(t, err)
	requireCode(t, cerror.ErrorCodeLeaderNotReady, resp.ResponseHeader)

	row, ok = readRow(t, c, model.NewProducerPartition(id, "p1"))
	require.True(t, ok)
	require.Equal(t, "0.0", row.Checkpoint)
	_, cached := n.svc.store.GetCachedCommitted(model.NewProducerPartition(id, "p1"))
	require.False(t, cached)

	p1.SetLeaderStatus(consensus.LeaderAndReady, 2)
	resp, err = n.svc.SetCheckpoint(ctx, &model.SetCheckpointRequest{StreamID: id, PartitionID: "p1", Checkpoint: cp})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	row, _ = readRow(t, c, model.NewProducerPartition(id, "p1"))
	require.Equal(t, "1.7", row.Checkpoint)
}

func TestPartitionAddedToStream(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t)
	n := newTestNode(t, c, "a")
	n.leader("p1")
	id := createTableStream(t, n, &model.CreateStreamRequest{TableID: "t1"})
	ctx := context.Background()

	resp, err := n.svc.SetCheckpoint(ctx, &model.SetCheckpointRequest{
		StreamID: id, PartitionID: "p1", Checkpoint: &model.OpID{Term: 1, Index: 1},
	})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	known, found := n.svc.store.ContainsPartition(id, "p5")
	require.True(t, known)
	require.False(t, found)

	// p1 is split after the stream partitions were listed.
	c.catalog.AddPartition("t1", "p5", "a")
	n.leader("p5")
	resp, err = n.svc.SetCheckpoint(ctx, &model.SetCheckpointRequest{
		StreamID: id, PartitionID: "p5", Checkpoint: &model.OpID{Term: 1, Index: 2},
	})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	_, found = n.svc.store.ContainsPartition(id, "p5")
	require.True(t, found)
	row, ok := readRow(t, c, model.NewProducerPartition(id, "p5"))
	require.True(t, ok)
	require.Equal(t, "1.2", row.Checkpoint)

	resp, err = n.svc.SetCheckpoint(ctx, &model.SetCheckpointRequest{
		StreamID: id, PartitionID: "p9", Checkpoint: &model.OpID{Term: 1, Index: 2},
	})
	require.NoError(t, err)
	requireCode(t, cerror.ErrorCodeInvalidRequest, resp.ResponseHeader)
}

func TestUpdateReplicatedIndex(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t)
	n := newTestNode(t, c, "a")
	p1 := n.peers.AddPeer("p1")
	ctx := context.Background()

	resp, err := n.svc.UpdateReplicatedIndex(ctx, &model.UpdateReplicatedIndexRequest{
		PartitionID: "p1", ReplicatedIndex: 5, ReplicatedTerm: 1,
	})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	require.Equal(t, int64(5), p1.MinReplicatedIndex())

	resp, _ = n.svc.UpdateReplicatedIndex(ctx, &model.UpdateReplicatedIndexRequest{PartitionID: "p1", ReplicatedIndex: -1})
	requireCode(t, cerror.ErrorCodeInvalidRequest, resp.ResponseHeader)
	resp, _ = n.svc.UpdateReplicatedIndex(ctx, &model.UpdateReplicatedIndexRequest{PartitionID: "p9", ReplicatedIndex: 1})
	requireCode(t, cerror.ErrorCodeTabletNotFound, resp.ResponseHeader)

	p1.SetLogReady(false)
	resp, _ = n.svc.UpdateReplicatedIndex(ctx, &model.UpdateReplicatedIndexRequest{PartitionID: "p1", ReplicatedIndex: 6})
	requireCode(t, cerror.ErrorCodeInternalError, resp.ResponseHeader)
	require.Equal(t, int64(5), p1.MinReplicatedIndex())
}

func TestGetLatestLogPosition(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t)
	n := newTestNode(t, c, "a")
	appendRecords(n.leader("p1"), 3, 1000)
	ctx := context.Background()

	resp, err := n.svc.GetLatestLogPosition(ctx, &model.GetLatestLogPositionRequest{PartitionID: "p1"})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	require.Equal(t, model.OpID{Term: 1, Index: 3}, resp.OpID)

	resp, _ = n.svc.GetLatestLogPosition(ctx, &model.GetLatestLogPositionRequest{PartitionID: "p2"})
	requireCode(t, cerror.ErrorCodeTabletNotFound, resp.ResponseHeader)
}

func TestListPartitions(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t)
	n := newTestNode(t, c, "a")
	id := createTableStream(t, n, &model.CreateStreamRequest{TableID: "t1"})
	ctx := context.Background()

	resp, err := n.svc.ListPartitions(ctx, &model.ListPartitionsRequest{StreamID: id})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	require.Len(t, resp.Partitions, 2)

	resp, err = n.svc.ListPartitions(ctx, &model.ListPartitionsRequest{StreamID: id, LocalOnly: true})
	require.NoError(t, err)
	require.Len(t, resp.Partitions, 1)
	require.Equal(t, "p1", resp.Partitions[0].PartitionID)
	require.Equal(t, "a:9100", resp.Partitions[0].Leader.Addr())

	resp, _ = n.svc.ListPartitions(ctx, &model.ListPartitionsRequest{StreamID: "unknown"})
	requireCode(t, cerror.ErrorCodeNotFound, resp.ResponseHeader)
}

func TestGetDBStreamInfo(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t)
	n := newTestNode(t, c, "a")
	ctx := context.Background()

	created, err := n.svc.CreateStream(ctx, &model.CreateStreamRequest{
		NamespaceName: "db",
		SourceType:    model.SourceTypeCDCSDK,
	})
	require.NoError(t, err)
	require.Nil(t, created.Error)
	require.NotEmpty(t, created.DBStreamID)

	resp, err := n.svc.GetDBStreamInfo(ctx, &model.GetDBStreamInfoRequest{DBStreamID: created.DBStreamID})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	require.Equal(t, []model.TableStream{{StreamID: created.DBStreamID, TableID: "t1"}}, resp.Tables)

	resp, _ = n.svc.GetDBStreamInfo(ctx, &model.GetDBStreamInfoRequest{})
	requireCode(t, cerror.ErrorCodeInvalidRequest, resp.ResponseHeader)
}
