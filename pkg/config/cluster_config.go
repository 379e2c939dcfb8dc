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

package config

import (
	"strings"

	cerror "github.com/pingcap/cdcstream/pkg/errors"
)

// ClusterConfig is a static description of the tables, partitions and peers
// this node serves. It seeds the in-process catalog and replica registry when
// the node runs without an external metadata service.
type ClusterConfig struct {
	Peers  []*PeerConfig  `toml:"peers" json:"peers"`
	Tables []*TableConfig `toml:"tables" json:"tables"`
}

// PeerConfig is one storage node.
type PeerConfig struct {
	UUID string `toml:"uuid" json:"uuid"`
	// Addr is the broadcast address, PrivateAddr is used when it is empty.
	Addr        string `toml:"addr" json:"addr"`
	PrivateAddr string `toml:"private-addr" json:"private-addr"`
}

// TableConfig is one user table.
type TableConfig struct {
	ID        string `toml:"id" json:"id"`
	Name      string `toml:"name" json:"name"`
	Namespace string `toml:"namespace" json:"namespace"`
	// Type is SQL, CQL or REDIS.
	Type          string             `toml:"type" json:"type"`
	HasPrimaryKey bool               `toml:"has-primary-key" json:"has-primary-key"`
	Partitions    []*PartitionConfig `toml:"partitions" json:"partitions"`
}

// PartitionConfig is one partition of a table and the peers holding it.
type PartitionConfig struct {
	ID       string   `toml:"id" json:"id"`
	Leader   string   `toml:"leader" json:"leader"`
	Replicas []string `toml:"replicas" json:"replicas"`
}

// ValidateAndAdjust checks that every partition refers to known peers. The
// local node is added to the peer list when absent.
func (c *ClusterConfig) ValidateAndAdjust(localUUID, localAddr string) error {
	peers := make(map[string]struct{}, len(c.Peers)+1)
	for _, p := range c.Peers {
		if p.UUID == "" {
			return cerror.ErrInvalidServerOption.GenWithStackByArgs("peer without uuid")
		}
		peers[p.UUID] = struct{}{}
	}
	if _, ok := peers[localUUID]; !ok {
		c.Peers = append(c.Peers, &PeerConfig{UUID: localUUID, Addr: localAddr})
		peers[localUUID] = struct{}{}
	}
	tables := make(map[string]struct{}, len(c.Tables))
	for _, t := range c.Tables {
		if t.ID == "" {
			return cerror.ErrInvalidServerOption.GenWithStackByArgs("table without id")
		}
		if _, dup := tables[t.ID]; dup {
			return cerror.ErrInvalidServerOption.GenWithStackByArgs("duplicate table " + t.ID)
		}
		tables[t.ID] = struct{}{}
		t.Type = strings.ToUpper(t.Type)
		switch t.Type {
		case "":
			t.Type = "SQL"
		case "SQL", "CQL", "REDIS":
		default:
			return cerror.ErrInvalidServerOption.GenWithStackByArgs("unknown type " + t.Type + " of table " + t.ID)
		}
		for _, p := range t.Partitions {
			if p.ID == "" {
				return cerror.ErrInvalidServerOption.GenWithStackByArgs("partition without id in table " + t.ID)
			}
			if len(p.Replicas) == 0 && p.Leader != "" {
				p.Replicas = []string{p.Leader}
			}
			for _, r := range p.Replicas {
				if _, ok := peers[r]; !ok {
					return cerror.ErrInvalidServerOption.GenWithStackByArgs("partition " + p.ID + " refers to unknown peer " + r)
				}
			}
		}
	}
	return nil
}
