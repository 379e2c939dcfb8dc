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

	"github.com/pingcap/cdcstream/cdc/model"
)

// Catalog is the metadata service that owns stream definitions and table
// placement.
type Catalog interface {
	// GetStream fails with ErrStreamNotFound for an unknown stream.
	GetStream(ctx context.Context, id model.StreamID) (*model.StreamInfo, error)
	// ListPartitions returns the placement of every partition of tables.
	ListPartitions(ctx context.Context, tables []model.TableID) ([]*model.PartitionLocation, error)
	// LocatePartition returns the placement of one partition.
	LocatePartition(ctx context.Context, partition model.PartitionID) (*model.PartitionLocation, error)
	// GetTable fails with ErrTableNotFound for an unknown table.
	GetTable(ctx context.Context, id model.TableID) (*model.TableInfo, error)
	// ListNamespaceTables returns the id and the tables of a namespace.
	ListNamespaceTables(ctx context.Context, name string) (model.NamespaceID, []*model.TableInfo, error)
	// CreateStream creates a stream over tables, a database stream when
	// namespace is set.
	CreateStream(
		ctx context.Context, namespace model.NamespaceID, tables []model.TableID, options map[string]string,
	) (model.StreamID, error)
	DeleteStreams(ctx context.Context, ids []model.StreamID, ignoreErrors, forceDelete bool) error
	// GetDBStreamInfo returns the tables of a database stream.
	GetDBStreamInfo(ctx context.Context, id model.StreamID) ([]model.TableStream, error)
}
