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
	"sort"
	"sync"

	"github.com/pingcap/cdcstream/cdc/model"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

// MemTable is a checkpoint table kept in memory. It serves single node
// deployments and tests.
type MemTable struct {
	mu   sync.RWMutex
	rows map[model.ProducerPartition]*Row

	opens      atomic.Int64
	injected   error
	injectLeft int
}

var (
	_ Backend = (*MemTable)(nil)
	_ Table   = (*MemTable)(nil)
)

// NewMemTable creates an empty table.
func NewMemTable() *MemTable {
	return &MemTable{rows: make(map[model.ProducerPartition]*Row)}
}

// Open implements Opener.
func (m *MemTable) Open(_ context.Context) (Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedLocked(); err != nil {
		return nil, err
	}
	m.opens.Inc()
	return m, nil
}

// Opens returns how many handles were resolved.
func (m *MemTable) Opens() int64 {
	return m.opens.Load()
}

// Close implements Backend.
func (m *MemTable) Close() error {
	return nil
}

// InjectError makes the next n calls fail with err.
func (m *MemTable) InjectError(err error, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.injected = err
	m.injectLeft = n
}

func (m *MemTable) injectedLocked() error {
	if m.injectLeft <= 0 {
		return nil
	}
	m.injectLeft--
	return errors.Trace(m.injected)
}

// Read implements Table.
func (m *MemTable) Read(_ context.Context, key model.ProducerPartition) (*Row, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedLocked(); err != nil {
		return nil, false, err
	}
	row, ok := m.rows[rowKey(key)]
	if !ok {
		return nil, false, nil
	}
	copied := *row
	return &copied, true, nil
}

// Insert implements Table.
func (m *MemTable) Insert(_ context.Context, rows []*Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedLocked(); err != nil {
		return err
	}
	for _, row := range rows {
		copied := *row
		m.rows[row.Key()] = &copied
	}
	return nil
}

// UpdateIfExists implements Table.
func (m *MemTable) UpdateIfExists(_ context.Context, row *Row) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedLocked(); err != nil {
		return false, err
	}
	old, ok := m.rows[row.Key()]
	if !ok {
		return false, nil
	}
	old.merge(row)
	return true, nil
}

// Delete implements Table.
func (m *MemTable) Delete(_ context.Context, keys []model.ProducerPartition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedLocked(); err != nil {
		return err
	}
	for _, key := range keys {
		delete(m.rows, rowKey(key))
	}
	return nil
}

// Scan implements Table. Rows are visited in partition, stream order.
func (m *MemTable) Scan(_ context.Context, opts ScanOptions, fn func(row *Row) error) error {
	m.mu.Lock()
	if err := m.injectedLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	rows := make([]*Row, 0, len(m.rows))
	for _, row := range m.rows {
		rows = append(rows, row.Project(opts.Columns))
	}
	m.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].PartitionID != rows[j].PartitionID {
			return rows[i].PartitionID < rows[j].PartitionID
		}
		return rows[i].StreamID < rows[j].StreamID
	})
	for _, row := range rows {
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of rows.
func (m *MemTable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

// rowKey drops the universe, the table is local to one universe.
func rowKey(key model.ProducerPartition) model.ProducerPartition {
	return model.NewProducerPartition(key.StreamID, key.PartitionID)
}
