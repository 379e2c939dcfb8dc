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

package catalog

import (
	"context"
	"testing"

	"github.com/pingcap/cdcstream/cdc/model"
	"github.com/pingcap/cdcstream/pkg/config"
	cerror "github.com/pingcap/cdcstream/pkg/errors"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

func newTestCatalog(t *testing.T) *MemCatalog {
	cfg := &config.ClusterConfig{
		Peers: []*config.PeerConfig{
			{UUID: "b", PrivateAddr: "10.0.0.2:9100"},
		},
		Tables: []*config.TableConfig{
			{ID: "t1", Namespace: "db", HasPrimaryKey: true, Partitions: []*config.PartitionConfig{
				{ID: "p1", Leader: "a", Replicas: []string{"a", "b"}},
				{ID: "p2", Leader: "b"},
			}},
			{ID: "t2", Namespace: "db", Type: "cql", Partitions: []*config.PartitionConfig{
				{ID: "p3", Leader: "a"},
			}},
		},
	}
	require.NoError(t, cfg.ValidateAndAdjust("a", "a:9100"))
	return NewMemCatalog(cfg)
}

func TestPlacement(t *testing.T) {
	t.Parallel()

	c := newTestCatalog(t)
	ctx := context.Background()

	locations, err := c.ListPartitions(ctx, []model.TableID{"t1"})
	require.NoError(t, err)
	require.Len(t, locations, 2)
	require.Equal(t, "a:9100", locations[0].Leader.Addr())
	require.Len(t, locations[0].Replicas, 2)
	require.Equal(t, "10.0.0.2:9100", locations[1].Leader.Addr())

	_, err = c.ListPartitions(ctx, []model.TableID{"t9"})
	require.True(t, cerror.Is(err, cerror.ErrTableNotFound))

	c.SetLeader("p1", "b")
	loc, err := c.LocatePartition(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "b", loc.Leader.UUID)
	_, err = c.LocatePartition(ctx, "p9")
	require.True(t, cerror.Is(err, cerror.ErrPartitionNotFound))

	table, err := c.GetTable(ctx, "t2")
	require.NoError(t, err)
	require.Equal(t, model.TableTypeCQL, table.Type)

	nsID, tables, err := c.ListNamespaceTables(ctx, "db")
	require.NoError(t, err)
	require.Equal(t, "db", nsID)
	require.Len(t, tables, 2)
	_, _, err = c.ListNamespaceTables(ctx, "other")
	require.True(t, cerror.Is(err, cerror.ErrNamespaceNotFound))

	c.AddPartition("t1", "p5", "a", "a", "b")
	locations, err = c.ListPartitions(ctx, []model.TableID{"t1"})
	require.NoError(t, err)
	require.Len(t, locations, 3)
	require.Equal(t, "p5", locations[2].PartitionID)
	require.Len(t, locations[2].Replicas, 2)
	loc, err = c.LocatePartition(ctx, "p5")
	require.NoError(t, err)
	require.Equal(t, "a", loc.Leader.UUID)
}

func TestStreams(t *testing.T) {
	t.Parallel()

	c := newTestCatalog(t)
	ctx := context.Background()

	id, err := c.CreateStream(ctx, "db", []model.TableID{"t1", "t2"}, map[string]string{"k": "v"})
	require.NoError(t, err)
	info, err := c.GetStream(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []model.TableID{"t1", "t2"}, info.TableIDs)
	info.Options["k"] = "changed"
	info, err = c.GetStream(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "v", info.Options["k"])

	tables, err := c.GetDBStreamInfo(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []model.TableStream{{StreamID: id, TableID: "t1"}, {StreamID: id, TableID: "t2"}}, tables)

	_, err = c.CreateStream(ctx, "", []model.TableID{"t9"}, nil)
	require.True(t, cerror.Is(err, cerror.ErrTableNotFound))

	injected := errors.New("injected")
	c.InjectCreateError(1, injected)
	_, err = c.CreateStream(ctx, "", []model.TableID{"t1"}, nil)
	require.NoError(t, err)
	_, err = c.CreateStream(ctx, "", []model.TableID{"t1"}, nil)
	require.ErrorIs(t, err, injected)
	_, err = c.CreateStream(ctx, "", []model.TableID{"t1"}, nil)
	require.NoError(t, err)
	require.Equal(t, 3, c.StreamCount())

	require.True(t, cerror.Is(c.DeleteStreams(ctx, []model.StreamID{id, "missing"}, false, false), cerror.ErrStreamNotFound))
	require.NoError(t, c.DeleteStreams(ctx, []model.StreamID{id, "missing"}, true, false))
	_, err = c.GetStream(ctx, id)
	require.True(t, cerror.Is(err, cerror.ErrStreamNotFound))
}
