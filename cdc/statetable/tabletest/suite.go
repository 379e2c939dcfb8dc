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

package tabletest

import (
	"context"
	"testing"

	"github.com/pingcap/cdcstream/cdc/model"
	"github.com/pingcap/cdcstream/cdc/statetable"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

// Run checks the behavior every checkpoint table backend must share. table
// must be empty.
func Run(t *testing.T, table statetable.Table) {
	ctx := context.Background()
	k1 := model.NewProducerPartition("s1", "p1")
	k2 := model.NewProducerPartition("s2", "p1")
	k3 := model.NewProducerPartition("s1", "p2")

	_, ok, err := table.Read(ctx, k1)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, table.Insert(ctx, []*statetable.Row{
		{PartitionID: "p1", StreamID: "s1", Checkpoint: "1.5", LastReplicationTime: 100},
		{PartitionID: "p1", StreamID: "s2", Checkpoint: "1.7"},
		{PartitionID: "p2", StreamID: "s1", Checkpoint: "2.9"},
	}))
	row, ok, err := table.Read(ctx, k1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, &statetable.Row{
		PartitionID: "p1", StreamID: "s1", Checkpoint: "1.5", LastReplicationTime: 100,
	}, row)

	// A zero time keeps the stored one.
	applied, err := table.UpdateIfExists(ctx, &statetable.Row{PartitionID: "p1", StreamID: "s1", Checkpoint: "1.6"})
	require.NoError(t, err)
	require.True(t, applied)
	row, _, err = table.Read(ctx, k1)
	require.NoError(t, err)
	require.Equal(t, "1.6", row.Checkpoint)
	require.Equal(t, int64(100), row.LastReplicationTime)

	applied, err = table.UpdateIfExists(ctx, &statetable.Row{
		PartitionID: "p1", StreamID: "s1", Checkpoint: "1.8", LastReplicationTime: 200,
	})
	require.NoError(t, err)
	require.True(t, applied)
	row, _, err = table.Read(ctx, k1)
	require.NoError(t, err)
	require.Equal(t, int64(200), row.LastReplicationTime)

	// The existence predicate never creates rows.
	applied, err = table.UpdateIfExists(ctx, &statetable.Row{PartitionID: "p9", StreamID: "s1", Checkpoint: "1.1"})
	require.NoError(t, err)
	require.False(t, applied)
	_, ok, err = table.Read(ctx, model.NewProducerPartition("s1", "p9"))
	require.NoError(t, err)
	require.False(t, ok)

	var scanned []*statetable.Row
	err = table.Scan(ctx, statetable.ScanOptions{
		Columns: []statetable.Column{statetable.ColumnCheckpoint},
	}, func(row *statetable.Row) error {
		scanned = append(scanned, row)
		return nil
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []*statetable.Row{
		{PartitionID: "p1", StreamID: "s1", Checkpoint: "1.8"},
		{PartitionID: "p1", StreamID: "s2", Checkpoint: "1.7"},
		{PartitionID: "p2", StreamID: "s1", Checkpoint: "2.9"},
	}, scanned)

	stop := errors.New("stop")
	visited := 0
	err = table.Scan(ctx, statetable.ScanOptions{Columns: statetable.AllColumns}, func(*statetable.Row) error {
		visited++
		return stop
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 1, visited)

	require.NoError(t, table.Delete(ctx, []model.ProducerPartition{k1, k3}))
	_, ok, err = table.Read(ctx, k1)
	require.NoError(t, err)
	require.False(t, ok)
	applied, err = table.UpdateIfExists(ctx, &statetable.Row{PartitionID: "p2", StreamID: "s1", Checkpoint: "3.1"})
	require.NoError(t, err)
	require.False(t, applied)

	// Insert replaces an existing row.
	require.NoError(t, table.Insert(ctx, []*statetable.Row{{PartitionID: "p1", StreamID: "s2", Checkpoint: "4.1"}}))
	row, ok, err = table.Read(ctx, k2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "4.1", row.Checkpoint)
}
