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

package model

import (
	"fmt"
)

// PartitionID is the id of a replicated shard of a table.
type PartitionID = string

// StreamID is the consumer visible id of a replication stream.
type StreamID = string

// TableID is the id of a user table.
type TableID = string

// NamespaceID is the id of a database namespace.
type NamespaceID = string

// PeerUUID is the permanent id of a storage node.
type PeerUUID = string

// ProducerPartition identifies one consumer's cursor over one partition of
// one stream.
type ProducerPartition struct {
	UniverseID  string      `json:"universe_id,omitempty"`
	StreamID    StreamID    `json:"stream_id"`
	PartitionID PartitionID `json:"partition_id"`
}

// NewProducerPartition returns the key of a stream/partition pair in the local universe.
func NewProducerPartition(streamID StreamID, partitionID PartitionID) ProducerPartition {
	return ProducerPartition{StreamID: streamID, PartitionID: partitionID}
}

func (p ProducerPartition) String() string {
	if p.UniverseID == "" {
		return fmt.Sprintf("{stream: %s, partition: %s}", p.StreamID, p.PartitionID)
	}
	return fmt.Sprintf("{universe: %s, stream: %s, partition: %s}",
		p.UniverseID, p.StreamID, p.PartitionID)
}

// PeerInfo describes how to reach a storage node.
type PeerInfo struct {
	UUID PeerUUID `json:"uuid"`
	// BroadcastAddr is the public address, empty when the node only has a
	// private one.
	BroadcastAddr string `json:"broadcast_addr,omitempty"`
	PrivateAddr   string `json:"private_addr,omitempty"`
}

// Addr returns the address a client should dial.
func (p PeerInfo) Addr() string {
	if p.BroadcastAddr != "" {
		return p.BroadcastAddr
	}
	return p.PrivateAddr
}

// PartitionLocation is the placement of a partition as seen by the catalog.
type PartitionLocation struct {
	PartitionID PartitionID `json:"partition_id"`
	TableID     TableID     `json:"table_id"`
	// Leader is nil when the partition has no known leader.
	Leader   *PeerInfo  `json:"leader,omitempty"`
	Replicas []PeerInfo `json:"replicas"`
}

// HasReplica reports whether uuid holds a replica of the partition.
func (l *PartitionLocation) HasReplica(uuid PeerUUID) bool {
	for _, r := range l.Replicas {
		if r.UUID == uuid {
			return true
		}
	}
	return false
}

// Followers returns the replicas other than the leader.
func (l *PartitionLocation) Followers() []PeerInfo {
	followers := make([]PeerInfo, 0, len(l.Replicas))
	for _, r := range l.Replicas {
		if l.Leader != nil && r.UUID == l.Leader.UUID {
			continue
		}
		followers = append(followers, r)
	}
	return followers
}

// TableType is the API a table is served through.
type TableType string

// Table types.
const (
	TableTypeSQL   TableType = "SQL"
	TableTypeCQL   TableType = "CQL"
	TableTypeRedis TableType = "REDIS"
)

// TableInfo is the part of a table's schema the CDC service cares about.
type TableInfo struct {
	ID            TableID     `json:"id"`
	Name          string      `json:"name"`
	NamespaceID   NamespaceID `json:"namespace_id"`
	Type          TableType   `json:"type"`
	HasPrimaryKey bool        `json:"has_primary_key"`
}
