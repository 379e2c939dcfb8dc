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

	"github.com/benbjohnson/clock"
	"github.com/pingcap/cdcstream/cdc/catalog"
	"github.com/pingcap/cdcstream/cdc/cdcrpc/testutil"
	"github.com/pingcap/cdcstream/cdc/consensus"
	"github.com/pingcap/cdcstream/cdc/forwarder"
	"github.com/pingcap/cdcstream/cdc/model"
	"github.com/pingcap/cdcstream/cdc/producer"
	"github.com/pingcap/cdcstream/cdc/statetable"
	"github.com/pingcap/cdcstream/pkg/config"
	"github.com/stretchr/testify/require"
)

// testCluster is the state shared by every node: the catalog and the
// checkpoint table.
//
//	t1 (db, pk):    p1 leader a, replicas a b; p2 leader b, replica b
//	t2 (db, no pk): p3 leader a
//	t3 (db, redis): p4 leader a
type testCluster struct {
	catalog *catalog.MemCatalog
	table   *statetable.MemTable
	network *testutil.Network
}

func newTestCluster(t *testing.T) *testCluster {
	cfg := &config.ClusterConfig{
		Peers: []*config.PeerConfig{
			{UUID: "a", Addr: "a:9100"},
			{UUID: "b", Addr: "b:9100"},
		},
		Tables: []*config.TableConfig{
			{ID: "t1", Namespace: "db", HasPrimaryKey: true, Partitions: []*config.PartitionConfig{
				{ID: "p1", Leader: "a", Replicas: []string{"a", "b"}},
				{ID: "p2", Leader: "b"},
			}},
			{ID: "t2", Namespace: "db", Partitions: []*config.PartitionConfig{
				{ID: "p3", Leader: "a"},
			}},
			{ID: "t3", Namespace: "db", Type: "redis", HasPrimaryKey: true, Partitions: []*config.PartitionConfig{
				{ID: "p4", Leader: "a"},
			}},
		},
	}
	require.NoError(t, cfg.ValidateAndAdjust("a", "a:9100"))
	return &testCluster{
		catalog: catalog.NewMemCatalog(cfg),
		table:   statetable.NewMemTable(),
		network: testutil.NewNetwork(),
	}
}

type testNode struct {
	svc   *Service
	peers *consensus.Manager
	clock *clock.Mock
}

type nodeOption func(cfg *config.CDCConfig, deps *Deps)

// withForwarder lets the node reach the other nodes of the cluster.
func withForwarder(c *testCluster, uuid string) nodeOption {
	return func(cfg *config.CDCConfig, deps *Deps) {
		deps.Forwarder = forwarder.NewForwarder(
			c.catalog, uuid, 4, time.Second, c.network.DialOption())
	}
}

func withReader(r producer.LogReader) nodeOption {
	return func(_ *config.CDCConfig, deps *Deps) {
		deps.Reader = r
	}
}

func newTestNode(t *testing.T, c *testCluster, uuid string, opts ...nodeOption) *testNode {
	cfg := &config.CDCConfig{
		EnableStateTableCaching:   true,
		EnableCollectMetrics:      true,
		EnableLogRetentionByOpIdx: true,
	}
	require.NoError(t, cfg.ValidateAndAdjust())
	n := &testNode{
		peers: consensus.NewManager(uuid),
		clock: clock.NewMock(),
	}
	deps := Deps{
		Catalog:    c.catalog,
		Peers:      n.peers,
		Reader:     producer.Reader{},
		StateTable: c.table,
		Clock:      n.clock,
	}
	for _, opt := range opts {
		opt(cfg, &deps)
	}
	n.svc = New(cfg, deps)
	t.Cleanup(n.svc.Close)
	return n
}

// leader adds a replica of partition that leads it in term 1.
func (n *testNode) leader(partition model.PartitionID) *consensus.LocalPeer {
	peer := n.peers.AddPeer(partition)
	peer.SetLeaderStatus(consensus.LeaderAndReady, 1)
	return peer
}

func appendRecords(peer *consensus.LocalPeer, count int, commitTime int64) {
	for i := 0; i < count; i++ {
		peer.Append(&model.ChangeRecord{
			Op:         model.RecordOpWrite,
			TableID:    "t1",
			Key:        []byte{byte(i)},
			Value:      []byte("v"),
			CommitTime: commitTime + int64(i),
		})
	}
}

func createTableStream(t *testing.T, n *testNode, req *model.CreateStreamRequest) model.StreamID {
	resp, err := n.svc.CreateStream(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	require.NotEmpty(t, resp.StreamID)
	return resp.StreamID
}

func readRow(t *testing.T, c *testCluster, key model.ProducerPartition) (*statetable.Row, bool) {
	row, ok, err := c.table.Read(context.Background(), key)
	require.NoError(t, err)
	return row, ok
}
