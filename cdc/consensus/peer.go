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
	"sync"

	"github.com/pingcap/cdcstream/cdc/model"
	cerror "github.com/pingcap/cdcstream/pkg/errors"
	"github.com/pingcap/cdcstream/pkg/memory"
)

// LeaderStatus is the role of a local replica.
type LeaderStatus int

// Leader statuses.
const (
	NotLeader LeaderStatus = iota
	// LeaderNotReady is a leader that has not yet committed an entry in its
	// term.
	LeaderNotReady
	LeaderAndReady
)

func (s LeaderStatus) String() string {
	switch s {
	case NotLeader:
		return "NOT_LEADER"
	case LeaderNotReady:
		return "LEADER_NOT_READY"
	case LeaderAndReady:
		return "LEADER_AND_READY"
	}
	return "UNKNOWN"
}

// Log is the replicated log of a partition as read by CDC.
type Log interface {
	// Read returns up to max entries after index. It fails with
	// ErrLogEntryNotFound when entries after index were garbage collected.
	Read(after int64, max int) ([]*model.ChangeRecord, error)
	// LastOpID returns the position of the last entry.
	LastOpID() model.OpID
	// LastReplicatedTime returns the commit time, in unix microseconds, of
	// the last replicated entry.
	LastReplicatedTime() int64
}

// Peer is the local replica of a partition.
type Peer interface {
	PartitionID() model.PartitionID
	// LeaderStatus returns the role of the replica and the current term.
	LeaderStatus() (LeaderStatus, int64)
	// Log returns nil when the log is not initialized.
	Log() Log
	// SetMinReplicatedIndex stops log garbage collection below index.
	SetMinReplicatedIndex(index int64) error
	// MinReplicatedIndex returns the current retention floor.
	MinReplicatedIndex() int64
	// UpdateConsumerOpID records the minimum position consumed by live
	// streams, intents below it may be cleaned up.
	UpdateConsumerOpID(opID model.OpID)
	// MemTracker is the root memory tracker of the partition.
	MemTracker() *memory.Tracker
}

// PeerManager finds local replicas.
type PeerManager interface {
	// GetPeer fails with ErrPartitionNotFound when there is no local replica.
	GetPeer(partition model.PartitionID) (Peer, error)
	// LocalUUID returns the uuid of this node.
	LocalUUID() model.PeerUUID
}

// Manager is a PeerManager over in memory replicas.
type Manager struct {
	uuid model.PeerUUID

	mu    sync.RWMutex
	peers map[model.PartitionID]*LocalPeer
}

var _ PeerManager = (*Manager)(nil)

// NewManager creates a manager for the node uuid.
func NewManager(uuid model.PeerUUID) *Manager {
	return &Manager{uuid: uuid, peers: make(map[model.PartitionID]*LocalPeer)}
}

// GetPeer implements PeerManager.
func (m *Manager) GetPeer(partition model.PartitionID) (Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	peer, ok := m.peers[partition]
	if !ok {
		return nil, cerror.ErrPartitionNotFound.GenWithStackByArgs(partition)
	}
	return peer, nil
}

// LocalPeer returns the concrete replica of partition.
func (m *Manager) LocalPeer(partition model.PartitionID) (*LocalPeer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	peer, ok := m.peers[partition]
	return peer, ok
}

// LocalUUID implements PeerManager.
func (m *Manager) LocalUUID() model.PeerUUID {
	return m.uuid
}

// AddPeer registers a replica of partition and returns it.
func (m *Manager) AddPeer(partition model.PartitionID) *LocalPeer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if peer, ok := m.peers[partition]; ok {
		return peer
	}
	peer := NewLocalPeer(partition)
	m.peers[partition] = peer
	return peer
}

// RemovePeer drops the replica of partition.
func (m *Manager) RemovePeer(partition model.PartitionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, partition)
}

// Partitions returns the partitions with a local replica.
func (m *Manager) Partitions() []model.PartitionID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	partitions := make([]model.PartitionID, 0, len(m.peers))
	for p := range m.peers {
		partitions = append(partitions, p)
	}
	return partitions
}
