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
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pingcap/cdcstream/cdc/model"
	"github.com/pingcap/cdcstream/pkg/config"
	cerror "github.com/pingcap/cdcstream/pkg/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type partition struct {
	id       model.PartitionID
	table    model.TableID
	leader   model.PeerUUID
	replicas []model.PeerUUID
}

// MemCatalog is a Catalog kept in memory and seeded from the cluster
// section of the server config.
type MemCatalog struct {
	mu         sync.RWMutex
	peers      map[model.PeerUUID]model.PeerInfo
	tables     map[model.TableID]*model.TableInfo
	namespaces map[string]model.NamespaceID
	// partitions of every table, in config order.
	tablePartitions map[model.TableID][]*partition
	partitions      map[model.PartitionID]*partition
	streams         map[model.StreamID]*model.StreamInfo

	createCalls int
	failCreate  int
	createErr   error
}

var _ Catalog = (*MemCatalog)(nil)

// NewMemCatalog builds a catalog from a validated cluster config.
func NewMemCatalog(cfg *config.ClusterConfig) *MemCatalog {
	c := &MemCatalog{
		peers:           make(map[model.PeerUUID]model.PeerInfo),
		tables:          make(map[model.TableID]*model.TableInfo),
		namespaces:      make(map[string]model.NamespaceID),
		tablePartitions: make(map[model.TableID][]*partition),
		partitions:      make(map[model.PartitionID]*partition),
		streams:         make(map[model.StreamID]*model.StreamInfo),
		failCreate:      -1,
	}
	for _, p := range cfg.Peers {
		c.peers[p.UUID] = model.PeerInfo{UUID: p.UUID, BroadcastAddr: p.Addr, PrivateAddr: p.PrivateAddr}
	}
	for _, t := range cfg.Tables {
		nsID := t.Namespace
		c.namespaces[t.Namespace] = nsID
		c.tables[t.ID] = &model.TableInfo{
			ID:            t.ID,
			Name:          t.Name,
			NamespaceID:   nsID,
			Type:          model.TableType(t.Type),
			HasPrimaryKey: t.HasPrimaryKey,
		}
		for _, pc := range t.Partitions {
			p := &partition{
				id:       pc.ID,
				table:    t.ID,
				leader:   pc.Leader,
				replicas: append([]model.PeerUUID(nil), pc.Replicas...),
			}
			c.tablePartitions[t.ID] = append(c.tablePartitions[t.ID], p)
			c.partitions[pc.ID] = p
		}
	}
	return c
}

// SetLeader moves the leadership of partition to peer.
func (c *MemCatalog) SetLeader(partitionID model.PartitionID, peer model.PeerUUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.partitions[partitionID]; ok {
		p.leader = peer
	}
}

// AddPartition appends a partition to table, as a split does. The leader is
// always one of the replicas.
func (c *MemCatalog) AddPartition(
	table model.TableID, id model.PartitionID, leader model.PeerUUID, replicas ...model.PeerUUID,
) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := &partition{id: id, table: table, leader: leader, replicas: []model.PeerUUID{leader}}
	for _, r := range replicas {
		if r != leader {
			p.replicas = append(p.replicas, r)
		}
	}
	c.tablePartitions[table] = append(c.tablePartitions[table], p)
	c.partitions[id] = p
}

// SetPeer adds or replaces a peer.
func (c *MemCatalog) SetPeer(peer model.PeerInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[peer.UUID] = peer
}

// InjectCreateError makes CreateStream fail with err once n more streams
// were created.
func (c *MemCatalog) InjectCreateError(n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCreate = c.createCalls + n
	c.createErr = err
}

func (c *MemCatalog) locationLocked(p *partition) *model.PartitionLocation {
	loc := &model.PartitionLocation{PartitionID: p.id, TableID: p.table}
	for _, r := range p.replicas {
		info, ok := c.peers[r]
		if !ok {
			continue
		}
		loc.Replicas = append(loc.Replicas, info)
		if r == p.leader {
			leader := info
			loc.Leader = &leader
		}
	}
	return loc
}

// GetStream implements Catalog.
func (c *MemCatalog) GetStream(_ context.Context, id model.StreamID) (*model.StreamInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.streams[id]
	if !ok {
		return nil, cerror.ErrStreamNotFound.GenWithStackByArgs(id)
	}
	return cloneStream(info), nil
}

// ListPartitions implements Catalog.
func (c *MemCatalog) ListPartitions(_ context.Context, tables []model.TableID) ([]*model.PartitionLocation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var locations []*model.PartitionLocation
	for _, t := range tables {
		if _, ok := c.tables[t]; !ok {
			return nil, cerror.ErrTableNotFound.GenWithStackByArgs(t)
		}
		for _, p := range c.tablePartitions[t] {
			locations = append(locations, c.locationLocked(p))
		}
	}
	return locations, nil
}

// LocatePartition implements Catalog.
func (c *MemCatalog) LocatePartition(_ context.Context, id model.PartitionID) (*model.PartitionLocation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.partitions[id]
	if !ok {
		return nil, cerror.ErrPartitionNotFound.GenWithStackByArgs(id)
	}
	return c.locationLocked(p), nil
}

// GetTable implements Catalog.
func (c *MemCatalog) GetTable(_ context.Context, id model.TableID) (*model.TableInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[id]
	if !ok {
		return nil, cerror.ErrTableNotFound.GenWithStackByArgs(id)
	}
	copied := *t
	return &copied, nil
}

// ListNamespaceTables implements Catalog.
func (c *MemCatalog) ListNamespaceTables(_ context.Context, name string) (model.NamespaceID, []*model.TableInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	nsID, ok := c.namespaces[name]
	if !ok {
		return "", nil, cerror.ErrNamespaceNotFound.GenWithStackByArgs(name)
	}
	var tables []*model.TableInfo
	for _, t := range c.tables {
		if t.NamespaceID == nsID {
			copied := *t
			tables = append(tables, &copied)
		}
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].ID < tables[j].ID })
	return nsID, tables, nil
}

// CreateStream implements Catalog.
func (c *MemCatalog) CreateStream(
	_ context.Context, namespace model.NamespaceID, tables []model.TableID, options map[string]string,
) (model.StreamID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failCreate >= 0 && c.createCalls >= c.failCreate {
		c.failCreate = -1
		return "", c.createErr
	}
	for _, t := range tables {
		if _, ok := c.tables[t]; !ok {
			return "", cerror.ErrTableNotFound.GenWithStackByArgs(t)
		}
	}
	c.createCalls++
	id := model.StreamID(uuid.NewString())
	opts := make(map[string]string, len(options))
	for k, v := range options {
		opts[k] = v
	}
	c.streams[id] = &model.StreamInfo{
		ID:          id,
		NamespaceID: namespace,
		TableIDs:    append([]model.TableID(nil), tables...),
		Options:     opts,
	}
	return id, nil
}

// DeleteStreams implements Catalog.
func (c *MemCatalog) DeleteStreams(_ context.Context, ids []model.StreamID, ignoreErrors, forceDelete bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !ignoreErrors {
		for _, id := range ids {
			if _, ok := c.streams[id]; !ok {
				return cerror.ErrStreamNotFound.GenWithStackByArgs(id)
			}
		}
	}
	for _, id := range ids {
		delete(c.streams, id)
	}
	log.Info("streams deleted", zap.Strings("streams", ids), zap.Bool("force", forceDelete))
	return nil
}

// GetDBStreamInfo implements Catalog.
func (c *MemCatalog) GetDBStreamInfo(_ context.Context, id model.StreamID) ([]model.TableStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.streams[id]
	if !ok {
		return nil, cerror.ErrStreamNotFound.GenWithStackByArgs(id)
	}
	tables := make([]model.TableStream, 0, len(info.TableIDs))
	for _, t := range info.TableIDs {
		tables = append(tables, model.TableStream{StreamID: id, TableID: t})
	}
	return tables, nil
}

// StreamCount returns the number of streams.
func (c *MemCatalog) StreamCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.streams)
}

func cloneStream(info *model.StreamInfo) *model.StreamInfo {
	copied := *info
	copied.TableIDs = append([]model.TableID(nil), info.TableIDs...)
	copied.Options = make(map[string]string, len(info.Options))
	for k, v := range info.Options {
		copied.Options[k] = v
	}
	return &copied
}
