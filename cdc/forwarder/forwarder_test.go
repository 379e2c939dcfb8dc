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

package forwarder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/cdcstream/cdc/catalog"
	"github.com/pingcap/cdcstream/cdc/cdcrpc"
	"github.com/pingcap/cdcstream/cdc/cdcrpc/testutil"
	"github.com/pingcap/cdcstream/cdc/model"
	"github.com/pingcap/cdcstream/pkg/config"
	cerror "github.com/pingcap/cdcstream/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	cdcrpc.UnimplementedCDCServiceServer

	mu        sync.Mutex
	indexes   []int64
	updateErr error
	latest    model.OpID
	latestErr error
	proxied   bool
}

func (p *fakePeer) UpdateReplicatedIndex(
	_ context.Context, req *model.UpdateReplicatedIndexRequest,
) (*model.UpdateReplicatedIndexResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	resp := &model.UpdateReplicatedIndexResponse{}
	if p.updateErr != nil {
		resp.SetError(p.updateErr)
		return resp, nil
	}
	p.indexes = append(p.indexes, req.ReplicatedIndex)
	return resp, nil
}

func (p *fakePeer) GetLatestLogPosition(
	context.Context, *model.GetLatestLogPositionRequest,
) (*model.GetLatestLogPositionResponse, error) {
	resp := &model.GetLatestLogPositionResponse{OpID: p.latest}
	resp.SetError(p.latestErr)
	return resp, nil
}

func (p *fakePeer) GetCheckpoint(
	_ context.Context, req *model.GetCheckpointRequest,
) (*model.GetCheckpointResponse, error) {
	p.mu.Lock()
	p.proxied = p.proxied || req.ServeAsProxy
	p.mu.Unlock()
	return &model.GetCheckpointResponse{Checkpoint: model.OpID{Term: 2, Index: 5}}, nil
}

func (p *fakePeer) GetChanges(
	_ context.Context, req *model.GetChangesRequest,
) (*model.GetChangesResponse, error) {
	p.mu.Lock()
	p.proxied = p.proxied || req.ServeAsProxy
	p.mu.Unlock()
	return &model.GetChangesResponse{Checkpoint: model.OpID{Term: 2, Index: 9}, LastReadableIndex: 9}, nil
}

func (p *fakePeer) recorded() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.indexes...)
}

type cluster struct {
	catalog *catalog.MemCatalog
	network *testutil.Network
	b, c    *fakePeer
}

func newCluster(t *testing.T) *cluster {
	cfg := &config.ClusterConfig{
		Peers: []*config.PeerConfig{
			{UUID: "a", Addr: "a:9100"},
			{UUID: "b", Addr: "b:9100"},
			{UUID: "c", PrivateAddr: "c:9100"},
		},
		Tables: []*config.TableConfig{{
			ID: "t1",
			Partitions: []*config.PartitionConfig{
				{ID: "p1", Leader: "b", Replicas: []string{"a", "b", "c"}},
			},
		}},
	}
	require.NoError(t, cfg.ValidateAndAdjust("a", "a:9100"))
	cl := &cluster{
		catalog: catalog.NewMemCatalog(cfg),
		network: testutil.NewNetwork(),
		b:       &fakePeer{latest: model.OpID{Term: 3, Index: 30}},
		c:       &fakePeer{latest: model.OpID{Term: 3, Index: 28}},
	}
	cl.network.Serve(t, "b:9100", cl.b)
	cl.network.Serve(t, "c:9100", cl.c)
	return cl
}

func (cl *cluster) forwarder(t *testing.T, poolSize int) *Forwarder {
	f := NewForwarder(cl.catalog, "a", poolSize, time.Second, cl.network.DialOption())
	t.Cleanup(f.Close)
	return f
}

func TestUpdatePeersMinReplicatedIndex(t *testing.T) {
	cl := newCluster(t)
	f := cl.forwarder(t, 8)
	ctx := context.Background()

	require.NoError(t, f.UpdatePeersMinReplicatedIndex(ctx, "p1", 42, 3))
	require.Equal(t, []int64{42}, cl.b.recorded())
	require.Equal(t, []int64{42}, cl.c.recorded())

	require.NoError(t, f.ResetPeersMinReplicatedIndex(ctx, "p1"))
	require.Len(t, cl.b.recorded(), 2)

	cl.c.mu.Lock()
	cl.c.updateErr = cerror.ErrInvalidArgument.GenWithStackByArgs("bad index")
	cl.c.mu.Unlock()
	err := f.UpdatePeersMinReplicatedIndex(ctx, "p1", 50, 3)
	require.True(t, cerror.Is(err, cerror.ErrUpdatePeersFailed))

	err = f.UpdatePeersMinReplicatedIndex(ctx, "p9", 50, 3)
	require.True(t, cerror.Is(err, cerror.ErrPartitionNotFound))
}

func TestLatestLogPositionFallsBackToFollowers(t *testing.T) {
	cl := newCluster(t)
	f := cl.forwarder(t, 8)
	ctx := context.Background()

	opID, err := f.LatestLogPosition(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, model.OpID{Term: 3, Index: 30}, opID)

	cl.b.latestErr = cerror.ErrNotLeader.GenWithStackByArgs("p1")
	opID, err = f.LatestLogPosition(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, model.OpID{Term: 3, Index: 28}, opID)

	cl.c.latestErr = cerror.ErrLeaderNotReady.GenWithStackByArgs("p1")
	_, err = f.LatestLogPosition(ctx, "p1")
	require.Error(t, err)
}

func TestForwardCheckpointAndChanges(t *testing.T) {
	cl := newCluster(t)
	f := cl.forwarder(t, 8)
	ctx := context.Background()

	req := &model.GetCheckpointRequest{StreamID: "s", PartitionID: "p1", ServeAsProxy: true}
	resp, err := f.GetCheckpoint(ctx, req, "a")
	require.NoError(t, err)
	require.Equal(t, model.OpID{Term: 2, Index: 5}, resp.Checkpoint)
	require.True(t, req.ServeAsProxy)

	_, err = f.GetCheckpoint(ctx, req, "b")
	require.True(t, cerror.Is(err, cerror.ErrSelfForwarding))
	require.Equal(t, cerror.ErrorCodeIllegalState, cerror.ToErrorCode(err))

	leader := &model.PeerInfo{UUID: "b", BroadcastAddr: "b:9100"}
	changesReq := &model.GetChangesRequest{StreamID: "s", PartitionID: "p1", ServeAsProxy: true}
	result := <-f.GetChangesAsync(ctx, leader, changesReq)
	require.NoError(t, result.Err)
	require.Equal(t, int64(9), result.Resp.LastReadableIndex)
	require.True(t, changesReq.ServeAsProxy)

	cl.b.mu.Lock()
	require.False(t, cl.b.proxied)
	cl.b.mu.Unlock()
}

type blockingPeer struct {
	cdcrpc.UnimplementedCDCServiceServer

	entered chan struct{}
	release chan struct{}
}

func (p *blockingPeer) GetChanges(
	ctx context.Context, _ *model.GetChangesRequest,
) (*model.GetChangesResponse, error) {
	close(p.entered)
	select {
	case <-p.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &model.GetChangesResponse{LastReadableIndex: 3}, nil
}

func TestClientPoolEvicts(t *testing.T) {
	cl := newCluster(t)
	f := cl.forwarder(t, 1)
	ctx := context.Background()

	first, err := f.pool.get(ctx, "b:9100")
	require.NoError(t, err)
	again, err := f.pool.get(ctx, "b:9100")
	require.NoError(t, err)
	require.Same(t, first, again)

	_, err = f.pool.get(ctx, "c:9100")
	require.NoError(t, err)
	require.Equal(t, 1, f.pool.len())
	require.Equal(t, 1, f.pool.retiredLen())

	// The retired connection is revived.
	again, err = f.pool.get(ctx, "b:9100")
	require.NoError(t, err)
	require.Same(t, first, again)
	require.Equal(t, 1, f.pool.retiredLen())
}

func TestClientPoolEvictionKeepsCallsInFlight(t *testing.T) {
	cl := newCluster(t)
	slow := &blockingPeer{entered: make(chan struct{}), release: make(chan struct{})}
	cl.network.Serve(t, "s:9100", slow)
	f := cl.forwarder(t, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	leader := &model.PeerInfo{UUID: "s", BroadcastAddr: "s:9100"}
	resultCh := f.GetChangesAsync(ctx, leader, &model.GetChangesRequest{StreamID: "s", PartitionID: "p1"})
	<-slow.entered

	_, err := f.pool.get(ctx, "b:9100")
	require.NoError(t, err)
	require.Equal(t, 1, f.pool.retiredLen())

	close(slow.release)
	result := <-resultCh
	require.NoError(t, result.Err)
	require.Equal(t, int64(3), result.Resp.LastReadableIndex)

	f.Close()
	require.Equal(t, 0, f.pool.len())
	require.Equal(t, 0, f.pool.retiredLen())
}
