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
	"time"

	"github.com/pingcap/cdcstream/cdc/consensus"
	"github.com/pingcap/cdcstream/cdc/model"
	"github.com/pingcap/cdcstream/cdc/producer"
	cerror "github.com/pingcap/cdcstream/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// flippingReader moves the leadership of peer to a new term after every
// read.
type flippingReader struct {
	producer.Reader
	peer  *consensus.LocalPeer
	calls atomic.Int32
}

func (r *flippingReader) ReadXCluster(
	ctx context.Context, peer consensus.Peer, from model.OpID, maxRecords int,
) (*producer.ReadResult, error) {
	r.calls.Inc()
	result, err := r.Reader.ReadXCluster(ctx, peer, from, maxRecords)
	_, term := r.peer.LeaderStatus()
	r.peer.SetLeaderStatus(consensus.LeaderAndReady, term+1)
	return result, err
}

func getChanges(t *testing.T, n *testNode, req *model.GetChangesRequest) *model.GetChangesResponse {
	resp, err := n.svc.GetChanges(context.Background(), req)
	require.NoError(t, err)
	return resp
}

func requireCode(t *testing.T, code cerror.ErrorCode, header model.ResponseHeader) {
	require.NotNil(t, header.Error, "expect %s", code)
	require.Equal(t, code, header.Error.Code, header.Error.Message)
}

func TestGetChangesImplicitCheckpoint(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t)
	n := newTestNode(t, c, "a")
	p1 := n.leader("p1")
	appendRecords(p1, 3, 1000)
	id := createTableStream(t, n, &model.CreateStreamRequest{TableID: "t1"})
	key := model.NewProducerPartition(id, "p1")

	resp := getChanges(t, n, &model.GetChangesRequest{StreamID: id, PartitionID: "p1"})
	require.Nil(t, resp.Error)
	require.Len(t, resp.Records, 3)
	require.Equal(t, model.OpID{Term: 1, Index: 3}, resp.Checkpoint)
	require.Equal(t, int64(3), resp.LastReadableIndex)
	require.True(t, n.svc.EverServedLeader())
	require.Equal(t, model.OpID{Term: 1, Index: 3}, p1.ConsumerOpID())
	require.Equal(t, float64(3), testutil.ToFloat64(lastReadOpIndexGauge.WithLabelValues(id, "p1")))

	// Nothing was acknowledged yet, the first write keeps the origin.
	row, ok := readRow(t, c, key)
	require.True(t, ok)
	require.Equal(t, "0.0", row.Checkpoint)
	require.Equal(t, int64(1002), row.LastReplicationTime)

	// The acknowledgement is cached until the write interval elapses.
	ack := &model.OpID{Term: 1, Index: 3}
	resp = getChanges(t, n, &model.GetChangesRequest{StreamID: id, PartitionID: "p1", FromCheckpoint: ack})
	require.Nil(t, resp.Error)
	require.Empty(t, resp.Records)
	row, _ = readRow(t, c, key)
	require.Equal(t, "0.0", row.Checkpoint)

	n.clock.Add(16 * time.Second)
	resp = getChanges(t, n, &model.GetChangesRequest{StreamID: id, PartitionID: "p1", FromCheckpoint: ack})
	require.Nil(t, resp.Error)
	row, _ = readRow(t, c, key)
	require.Equal(t, "1.3", row.Checkpoint)

	// Without a position the request resumes from the cached checkpoint.
	appendRecords(p1, 1, 2000)
	resp = getChanges(t, n, &model.GetChangesRequest{StreamID: id, PartitionID: "p1"})
	require.Nil(t, resp.Error)
	require.Len(t, resp.Records, 1)
	require.Equal(t, int64(4), resp.Records[0].OpID.Index)
}

func TestGetChangesExplicitCheckpoint(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t)
	n := newTestNode(t, c, "a")
	p1 := n.leader("p1")
	appendRecords(p1, 3, 1000)
	id := createTableStream(t, n, &model.CreateStreamRequest{
		TableID:        "t1",
		CheckpointType: model.CheckpointTypeExplicit,
	})
	key := model.NewProducerPartition(id, "p1")

	resp := getChanges(t, n, &model.GetChangesRequest{StreamID: id, PartitionID: "p1"})
	require.Nil(t, resp.Error)
	require.Len(t, resp.Records, 3)
	row, _ := readRow(t, c, key)
	require.Equal(t, "0.0", row.Checkpoint)
	require.Zero(t, row.LastReplicationTime)

	setResp, err := n.svc.SetCheckpoint(context.Background(), &model.SetCheckpointRequest{
		StreamID:    id,
		PartitionID: "p1",
		Checkpoint:  &model.OpID{Term: 1, Index: 2},
	})
	require.NoError(t, err)
	require.Nil(t, setResp.Error)
	row, _ = readRow(t, c, key)
	require.Equal(t, "1.2", row.Checkpoint)

	resp = getChanges(t, n, &model.GetChangesRequest{StreamID: id, PartitionID: "p1"})
	require.Nil(t, resp.Error)
	require.Len(t, resp.Records, 1)
	require.Equal(t, int64(3), resp.Records[0].OpID.Index)
}

func TestGetChangesMaxRecords(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t)
	n := newTestNode(t, c, "a")
	appendRecords(n.leader("p1"), 5, 1000)
	id := createTableStream(t, n, &model.CreateStreamRequest{TableID: "t1"})

	resp := getChanges(t, n, &model.GetChangesRequest{StreamID: id, PartitionID: "p1", MaxRecords: 2})
	require.Nil(t, resp.Error)
	require.Len(t, resp.Records, 2)
	require.Equal(t, model.OpID{Term: 1, Index: 2}, resp.Checkpoint)
	require.Equal(t, int64(5), resp.LastReadableIndex)
}

func TestGetChangesRejected(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t)
	n := newTestNode(t, c, "a")
	p1 := n.leader("p1")
	n.leader("p3")
	id := createTableStream(t, n, &model.CreateStreamRequest{TableID: "t1"})

	cases := []struct {
		req  *model.GetChangesRequest
		code cerror.ErrorCode
	}{
		{&model.GetChangesRequest{StreamID: id}, cerror.ErrorCodeInvalidRequest},
		{&model.GetChangesRequest{PartitionID: "p1"}, cerror.ErrorCodeInvalidRequest},
		{&model.GetChangesRequest{StreamID: "unknown", PartitionID: "p1"}, cerror.ErrorCodeNotFound},
		{&model.GetChangesRequest{StreamID: id, PartitionID: "p3"}, cerror.ErrorCodeInvalidRequest},
		// no local replica and proxying not allowed
		{&model.GetChangesRequest{StreamID: id, PartitionID: "p2"}, cerror.ErrorCodeTabletNotFound},
	}
	for _, tc := range cases {
		requireCode(t, tc.code, getChanges(t, n, tc.req).ResponseHeader)
	}

	p1.SetLeaderStatus(consensus.NotLeader, 1)
	resp := getChanges(t, n, &model.GetChangesRequest{StreamID: id, PartitionID: "p1"})
	requireCode(t, cerror.ErrorCodeNotLeader, resp.ResponseHeader)
	p1.SetLeaderStatus(consensus.LeaderNotReady, 2)
	resp = getChanges(t, n, &model.GetChangesRequest{StreamID: id, PartitionID: "p1"})
	requireCode(t, cerror.ErrorCodeLeaderNotReady, resp.ResponseHeader)
	require.False(t, n.svc.EverServedLeader())

	n.svc.Close()
	resp = getChanges(t, n, &model.GetChangesRequest{StreamID: id, PartitionID: "p1"})
	requireCode(t, cerror.ErrorCodeShutdownInProgress, resp.ResponseHeader)
}

func TestGetChangesLeadershipChangedDuringRead(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t)
	reader := &flippingReader{}
	n := newTestNode(t, c, "a", withReader(reader))
	p1 := n.leader("p1")
	reader.peer = p1
	appendRecords(p1, 3, 1000)
	id := createTableStream(t, n, &model.CreateStreamRequest{TableID: "t1"})
	key := model.NewProducerPartition(id, "p1")

	resp := getChanges(t, n, &model.GetChangesRequest{StreamID: id, PartitionID: "p1"})
	requireCode(t, cerror.ErrorCodeNotLeader, resp.ResponseHeader)
	require.Empty(t, resp.Records)
	require.Equal(t, int32(1), reader.calls.Load())

	for _, e := range n.svc.Store().Snapshot() {
		if e.Key == key {
			require.True(t, e.Sent.IsZero())
		}
	}
	row, _ := readRow(t, c, key)
	require.Equal(t, "0.0", row.Checkpoint)
	require.Zero(t, row.LastReplicationTime)
	require.Equal(t, model.OpID{}, p1.ConsumerOpID())
}

func TestGetChangesTooCloseToDeadline(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t)
	reader := &flippingReader{}
	n := newTestNode(t, c, "a", withReader(reader))
	reader.peer = n.leader("p1")
	id := createTableStream(t, n, &model.CreateStreamRequest{TableID: "t1"})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Microsecond)
	defer cancel()
	resp, err := n.svc.GetChanges(ctx, &model.GetChangesRequest{StreamID: id, PartitionID: "p1"})
	require.NoError(t, err)
	requireCode(t, cerror.ErrorCodeTimedOut, resp.ResponseHeader)
	require.Zero(t, reader.calls.Load())
}

func TestGetChangesCheckpointTooOld(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t)
	n := newTestNode(t, c, "a")
	p1 := n.leader("p1")
	appendRecords(p1, 5, 1000)
	require.Equal(t, int64(3), p1.GC(3))
	id := createTableStream(t, n, &model.CreateStreamRequest{TableID: "t1"})

	resp := getChanges(t, n, &model.GetChangesRequest{
		StreamID:       id,
		PartitionID:    "p1",
		FromCheckpoint: &model.OpID{Term: 1, Index: 1},
	})
	requireCode(t, cerror.ErrorCodeCheckpointTooOld, resp.ResponseHeader)
}

func TestGetChangesSDKStream(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t)
	n := newTestNode(t, c, "a")
	appendRecords(n.leader("p1"), 3, 1000)
	id := createTableStream(t, n, &model.CreateStreamRequest{
		TableID:    "t1",
		SourceType: model.SourceTypeCDCSDK,
	})
	key := model.NewProducerPartition(id, "p1")

	resp := getChanges(t, n, &model.GetChangesRequest{StreamID: id, PartitionID: "p1"})
	require.Nil(t, resp.Error)
	require.Len(t, resp.Records, 3)
	require.NotNil(t, resp.SDKCheckpoint)
	require.Equal(t, model.OpID{Term: 1, Index: 3}, resp.SDKCheckpoint.OpID())
	state, ok := n.svc.Store().SDKState(key)
	require.True(t, ok)
	require.Equal(t, model.OpID{Term: 1, Index: 3}, state.LastStreamedOpID)

	// A consumer in the middle of the third entry reads it again.
	resp = getChanges(t, n, &model.GetChangesRequest{
		StreamID:          id,
		PartitionID:       "p1",
		FromSDKCheckpoint: &model.SDKCheckpoint{Term: 1, Index: 3, WriteID: 2},
	})
	require.Nil(t, resp.Error)
	require.Len(t, resp.Records, 1)
	require.Equal(t, int64(3), resp.Records[0].OpID.Index)
}

func TestGetChangesProxy(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t)
	a := newTestNode(t, c, "a", withForwarder(c, "a"))
	b := newTestNode(t, c, "b")
	c.network.Serve(t, "b:9100", b.svc)
	appendRecords(b.leader("p2"), 2, 1000)
	id := createTableStream(t, a, &model.CreateStreamRequest{TableID: "t1"})

	resp := getChanges(t, a, &model.GetChangesRequest{StreamID: id, PartitionID: "p2"})
	requireCode(t, cerror.ErrorCodeTabletNotFound, resp.ResponseHeader)

	resp = getChanges(t, a, &model.GetChangesRequest{StreamID: id, PartitionID: "p2", ServeAsProxy: true})
	require.Nil(t, resp.Error)
	require.Len(t, resp.Records, 2)
	require.Equal(t, model.OpID{Term: 1, Index: 2}, resp.Checkpoint)
	require.True(t, b.svc.EverServedLeader())
	require.False(t, a.svc.EverServedLeader())

	c.catalog.SetLeader("p2", "")
	resp = getChanges(t, a, &model.GetChangesRequest{StreamID: id, PartitionID: "p2", ServeAsProxy: true})
	requireCode(t, cerror.ErrorCodeTabletNotFound, resp.ResponseHeader)
}

func TestGetChangesProxyCountsRemoteErrors(t *testing.T) {
	c := newTestCluster(t)
	a := newTestNode(t, c, "a", withForwarder(c, "a"))
	b := newTestNode(t, c, "b")
	c.network.Serve(t, "b:9100", b.svc)
	b.leader("p2").SetLeaderStatus(consensus.LeaderNotReady, 1)
	id := createTableStream(t, a, &model.CreateStreamRequest{TableID: "t1"})

	counter := requestCounter.WithLabelValues("GetChanges", cerror.ErrorCodeLeaderNotReady.String())
	before := testutil.ToFloat64(counter)
	resp := getChanges(t, a, &model.GetChangesRequest{StreamID: id, PartitionID: "p2", ServeAsProxy: true})
	requireCode(t, cerror.ErrorCodeLeaderNotReady, resp.ResponseHeader)
	// Counted by the leader and by the forwarding node.
	require.Equal(t, before+2, testutil.ToFloat64(counter))
}
