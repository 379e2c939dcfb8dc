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

package statetable

import (
	"context"

	"github.com/pingcap/cdcstream/cdc/model"
)

// Column is a non key column of the checkpoint table.
type Column int

// Columns of the checkpoint table. The partition and stream ids are the key
// and always returned.
const (
	ColumnCheckpoint Column = iota
	ColumnLastReplicationTime
)

// AllColumns projects every column.
var AllColumns = []Column{ColumnCheckpoint, ColumnLastReplicationTime}

// Row is one row of the checkpoint table.
type Row struct {
	PartitionID model.PartitionID `json:"partition_id"`
	StreamID    model.StreamID    `json:"stream_id"`
	// Checkpoint is the committed position encoded as "term.index".
	Checkpoint string `json:"checkpoint"`
	// LastReplicationTime is the commit time, in unix microseconds, of the
	// last record delivered up to Checkpoint. Zero when unknown.
	LastReplicationTime int64 `json:"last_replication_time,omitempty"`
}

// Key returns the key of the row.
func (r *Row) Key() model.ProducerPartition {
	return model.NewProducerPartition(r.StreamID, r.PartitionID)
}

// Project clears the columns not listed in columns.
func (r *Row) Project(columns []Column) *Row {
	projected := &Row{PartitionID: r.PartitionID, StreamID: r.StreamID}
	for _, c := range columns {
		switch c {
		case ColumnCheckpoint:
			projected.Checkpoint = r.Checkpoint
		case ColumnLastReplicationTime:
			projected.LastReplicationTime = r.LastReplicationTime
		}
	}
	return projected
}

// merge applies an update to r. A zero last replication time keeps the
// stored one.
func (r *Row) merge(update *Row) {
	r.Checkpoint = update.Checkpoint
	if update.LastReplicationTime != 0 {
		r.LastReplicationTime = update.LastReplicationTime
	}
}

// MergeUpdate returns the row stored after applying update to old.
func MergeUpdate(old, update *Row) *Row {
	merged := *old
	merged.merge(update)
	return &merged
}

// ScanOptions controls a full table scan.
type ScanOptions struct {
	Columns []Column
	// ErrorHandler receives the rows that could not be decoded. The scan
	// aborts on the first such row when it is nil.
	ErrorHandler func(err error)
}

// Table is the client of the durable checkpoint table.
type Table interface {
	// Read returns the row of key, false when it does not exist.
	Read(ctx context.Context, key model.ProducerPartition) (*Row, bool, error)
	// Insert writes rows, replacing existing ones.
	Insert(ctx context.Context, rows []*Row) error
	// UpdateIfExists updates the row of the same key only if it exists, and
	// reports whether it did.
	UpdateIfExists(ctx context.Context, row *Row) (bool, error)
	// Delete removes the rows of keys.
	Delete(ctx context.Context, keys []model.ProducerPartition) error
	// Scan calls fn on every row. A non nil error from fn stops the scan
	// and is returned.
	Scan(ctx context.Context, opts ScanOptions, fn func(row *Row) error) error
}

// Opener resolves a handle on the checkpoint table, creating the table if it
// does not exist.
type Opener interface {
	Open(ctx context.Context) (Table, error)
}

// Backend is a checkpoint table storage that owns its client.
type Backend interface {
	Opener
	Close() error
}
