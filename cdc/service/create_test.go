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
	"testing"

	"github.com/pingcap/cdcstream/cdc/model"
	cerror "github.com/pingcap/cdcstream/pkg/errors"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

func TestCreateStream(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t)
	n := newTestNode(t, c, "a")
	id := createTableStream(t, n, &model.CreateStreamRequest{TableID: "t1"})

	md, ok := n.svc.streams.Get(id)
	require.True(t, ok)
	require.Equal(t, []model.TableID{"t1"}, md.TableIDs)
	require.Equal(t, model.SourceTypeXCluster, md.SourceType)
	require.True(t, md.IsImplicit())
	require.Equal(t, 2, c.table.Len())
	require.Equal(t, 2, n.svc.Store().Len())
	row, ok := readRow(t, c, model.NewProducerPartition(id, "p2"))
	require.True(t, ok)
	require.Equal(t, "0.0", row.Checkpoint)

	// WAL records need no primary key.
	createTableStream(t, n, &model.CreateStreamRequest{TableID: "t2", RecordFormat: "wal"})
}

func TestCreateStreamRejected(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t)
	n := newTestNode(t, c, "a")
	ctx := context.Background()

	cases := []struct {
		req  *model.CreateStreamRequest
		code cerror.ErrorCode
	}{
		{&model.CreateStreamRequest{}, cerror.ErrorCodeInvalidRequest},
		{&model.CreateStreamRequest{TableID: "t9"}, cerror.ErrorCodeNotFound},
		{&model.CreateStreamRequest{TableID: "t1", SourceType: "kafka"}, cerror.ErrorCodeInvalidRequest},
		{&model.CreateStreamRequest{TableID: "t2"}, cerror.ErrorCodeInvalidRequest},
		{&model.CreateStreamRequest{TableID: "t3"}, cerror.ErrorCodeInvalidRequest},
		{&model.CreateStreamRequest{NamespaceName: "db"}, cerror.ErrorCodeInvalidRequest},
		{&model.CreateStreamRequest{NamespaceName: "nope", SourceType: model.SourceTypeCDCSDK}, cerror.ErrorCodeNotFound},
	}
	for _, tc := range cases {
		resp, err := n.svc.CreateStream(ctx, tc.req)
		require.NoError(t, err)
		requireCode(t, tc.code, resp.ResponseHeader)
		require.Empty(t, resp.StreamID)
	}
	require.Zero(t, c.catalog.StreamCount())
}

func TestCreateStreamRollback(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t)
	n := newTestNode(t, c, "a")
	c.table.InjectError(errors.New("disk full"), 1)

	resp, err := n.svc.CreateStream(context.Background(), &model.CreateStreamRequest{TableID: "t1"})
	require.NoError(t, err)
	requireCode(t, cerror.ErrorCodeInternalError, resp.ResponseHeader)
	require.Empty(t, resp.StreamID)
	require.Zero(t, c.catalog.StreamCount())
	require.Zero(t, n.svc.Store().Len())
	require.Zero(t, n.svc.streams.Len())
	require.Zero(t, c.table.Len())
}

func TestBootstrapProducer(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t)
	a := newTestNode(t, c, "a", withForwarder(c, "a"))
	b := newTestNode(t, c, "b")
	c.network.Serve(t, "b:9100", b.svc)
	appendRecords(a.leader("p1"), 3, 1000)
	a.leader("p4")
	bp1 := b.peers.AddPeer("p1")
	bp2 := b.leader("p2")
	appendRecords(bp2, 4, 1000)

	resp, err := a.svc.BootstrapProducer(context.Background(), &model.BootstrapProducerRequest{
		TableIDs: []model.TableID{"t1", "t3"},
	})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	require.Len(t, resp.BootstrapIDs, 2)

	s1 := resp.BootstrapIDs[0]
	row, ok := readRow(t, c, model.NewProducerPartition(s1, "p1"))
	require.True(t, ok)
	require.Equal(t, "1.3", row.Checkpoint)
	row, ok = readRow(t, c, model.NewProducerPartition(s1, "p2"))
	require.True(t, ok)
	require.Equal(t, "1.4", row.Checkpoint)
	_, ok = readRow(t, c, model.NewProducerPartition(resp.BootstrapIDs[1], "p4"))
	require.True(t, ok)

	p1, _ := a.peers.LocalPeer("p1")
	require.Equal(t, int64(3), p1.MinReplicatedIndex())
	require.Equal(t, int64(3), bp1.MinReplicatedIndex())
	require.Equal(t, int64(4), bp2.MinReplicatedIndex())

	md, ok := a.svc.streams.Get(s1)
	require.True(t, ok)
	require.Equal(t, model.SourceTypeXCluster, md.SourceType)
}

func TestBootstrapProducerRollback(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t)
	n := newTestNode(t, c, "a")
	p4 := n.leader("p4")
	appendRecords(p4, 2, 1000)
	c.catalog.InjectCreateError(1, errors.New("catalog unavailable"))

	resp, err := n.svc.BootstrapProducer(context.Background(), &model.BootstrapProducerRequest{
		TableIDs: []model.TableID{"t3", "t1"},
	})
	require.NoError(t, err)
	requireCode(t, cerror.ErrorCodeInternalError, resp.ResponseHeader)
	require.Empty(t, resp.BootstrapIDs)
	require.Zero(t, c.catalog.StreamCount())
	require.Zero(t, n.svc.Store().Len())
	require.Zero(t, n.svc.streams.Len())
	require.Zero(t, c.table.Len())
	require.Equal(t, int64(math.MaxInt64), p4.MinReplicatedIndex())

	resp, _ = n.svc.BootstrapProducer(context.Background(), &model.BootstrapProducerRequest{})
	requireCode(t, cerror.ErrorCodeInvalidRequest, resp.ResponseHeader)
}

func TestDeleteStream(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t)
	n := newTestNode(t, c, "a")
	appendRecords(n.leader("p1"), 2, 1000)
	id := createTableStream(t, n, &model.CreateStreamRequest{TableID: "t1"})
	ctx := context.Background()

	changes := getChanges(t, n, &model.GetChangesRequest{StreamID: id, PartitionID: "p1"})
	require.Nil(t, changes.Error)
	key := model.NewProducerPartition(id, "p1")
	n.svc.metrics.mu.Lock()
	require.Contains(t, n.svc.metrics.metrics, key)
	n.svc.metrics.mu.Unlock()

	resp, err := n.svc.DeleteStream(ctx, &model.DeleteStreamRequest{StreamIDs: []model.StreamID{id}})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	require.Zero(t, c.catalog.StreamCount())
	require.Zero(t, c.table.Len())
	require.Zero(t, n.svc.Store().Len())
	_, ok := n.svc.streams.Get(id)
	require.False(t, ok)
	n.svc.metrics.mu.Lock()
	require.NotContains(t, n.svc.metrics.metrics, key)
	n.svc.metrics.mu.Unlock()

	// The stream is gone for readers too.
	changes = getChanges(t, n, &model.GetChangesRequest{StreamID: id, PartitionID: "p1"})
	requireCode(t, cerror.ErrorCodeNotFound, changes.ResponseHeader)

	resp, _ = n.svc.DeleteStream(ctx, &model.DeleteStreamRequest{StreamIDs: []model.StreamID{id}})
	requireCode(t, cerror.ErrorCodeNotFound, resp.ResponseHeader)
	resp, _ = n.svc.DeleteStream(ctx, &model.DeleteStreamRequest{StreamIDs: []model.StreamID{id}, IgnoreErrors: true})
	require.Nil(t, resp.Error)
}
