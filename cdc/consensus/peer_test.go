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

package consensus

import (
	"testing"

	"github.com/pingcap/cdcstream/cdc/model"
	cerror "github.com/pingcap/cdcstream/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestManager(t *testing.T) {
	t.Parallel()

	m := NewManager("node-1")
	require.Equal(t, "node-1", m.LocalUUID())
	_, err := m.GetPeer("p1")
	require.True(t, cerror.Is(err, cerror.ErrPartitionNotFound))

	peer := m.AddPeer("p1")
	require.Same(t, peer, m.AddPeer("p1"))
	got, err := m.GetPeer("p1")
	require.NoError(t, err)
	require.Equal(t, "p1", got.PartitionID())
	require.Equal(t, []model.PartitionID{"p1"}, m.Partitions())

	m.RemovePeer("p1")
	_, ok := m.LocalPeer("p1")
	require.False(t, ok)
}

func TestLocalPeerLog(t *testing.T) {
	t.Parallel()

	p := NewLocalPeer("p1")
	status, term := p.LeaderStatus()
	require.Equal(t, NotLeader, status)
	require.Equal(t, int64(0), term)

	p.SetLeaderStatus(LeaderAndReady, 2)
	for i := int64(1); i <= 10; i++ {
		p.Append(&model.ChangeRecord{Op: model.RecordOpWrite, CommitTime: 1000 + i})
	}
	require.Equal(t, model.OpID{Term: 2, Index: 10}, p.LastOpID())
	require.Equal(t, int64(1010), p.LastReplicatedTime())

	records, err := p.Read(3, 4)
	require.NoError(t, err)
	require.Len(t, records, 4)
	require.Equal(t, int64(4), records[0].OpID.Index)
	require.Equal(t, int64(7), records[3].OpID.Index)

	// Retention stops garbage collection at the floor.
	require.NoError(t, p.SetMinReplicatedIndex(5))
	require.Equal(t, int64(4), p.GC(8))
	_, err = p.Read(2, 1)
	require.True(t, cerror.Is(err, cerror.ErrLogEntryNotFound))
	records, err = p.Read(4, 0)
	require.NoError(t, err)
	require.Len(t, records, 6)

	require.NoError(t, p.SetMinReplicatedIndex(100))
	require.Equal(t, int64(10), p.GC(100))
	records, err = p.Read(10, 0)
	require.NoError(t, err)
	require.Empty(t, records)

	p.SetLogReady(false)
	require.Nil(t, p.Log())
}
