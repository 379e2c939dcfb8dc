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
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/cdcstream/cdc/model"
	cerror "github.com/pingcap/cdcstream/pkg/errors"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Gateway is the checkpoint table as seen by the CDC service. It caches the
// table handle for ttl and drops it on I/O failures so that the next call
// resolves it again. Calls already holding a dropped handle keep using it.
type Gateway struct {
	opener Opener
	clock  clock.Clock

	// caching disables the handle cache when false.
	caching bool
	ttl     time.Duration

	mu       sync.RWMutex
	table    Table
	openedAt time.Time
	closed   bool
}

// NewGateway creates a gateway over opener. A zero ttl keeps the handle
// until it fails.
func NewGateway(opener Opener, clk clock.Clock, caching bool, ttl time.Duration) *Gateway {
	return &Gateway{opener: opener, clock: clk, caching: caching, ttl: ttl}
}

func (g *Gateway) cachedLocked() (Table, bool) {
	if g.table == nil {
		return nil, false
	}
	if g.ttl > 0 && g.clock.Since(g.openedAt) > g.ttl {
		return nil, false
	}
	return g.table, true
}

// Table returns the cached handle, opening the table when there is none.
func (g *Gateway) Table(ctx context.Context) (Table, error) {
	g.mu.RLock()
	if g.closed {
		g.mu.RUnlock()
		return nil, cerror.ErrShutdownInProgress.GenWithStackByArgs()
	}
	if g.caching {
		if table, ok := g.cachedLocked(); ok {
			g.mu.RUnlock()
			return table, nil
		}
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, cerror.ErrShutdownInProgress.GenWithStackByArgs()
	}
	if g.caching {
		if table, ok := g.cachedLocked(); ok {
			return table, nil
		}
	}
	table, err := g.opener.Open(ctx)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrStateTableOpen, err)
	}
	if g.caching {
		g.table = table
		g.openedAt = g.clock.Now()
	}
	return table, nil
}

// Refresh drops the cached handle.
func (g *Gateway) Refresh() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.table = nil
}

// RefreshOnFail drops the cached handle when err is not nil and returns err.
func (g *Gateway) RefreshOnFail(err error) error {
	if err != nil {
		log.Info("drop cached checkpoint table handle", zap.Error(err))
		g.Refresh()
	}
	return err
}

// Close makes every later call fail with ErrShutdownInProgress.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.table = nil
}

// ReadCheckpoint returns the stored checkpoint of key, the origin position
// when the row does not exist.
func (g *Gateway) ReadCheckpoint(ctx context.Context, key model.ProducerPartition) (model.OpID, error) {
	table, err := g.Table(ctx)
	if err != nil {
		return model.OpID{}, errors.Trace(err)
	}
	row, ok, err := table.Read(ctx, key)
	if err != nil {
		return model.OpID{}, cerror.WrapError(cerror.ErrStateTableRead, g.RefreshOnFail(err))
	}
	if !ok {
		return model.ZeroOpID, nil
	}
	opID, err := model.ParseOpID(row.Checkpoint)
	if err != nil {
		return model.OpID{}, errors.Trace(err)
	}
	return opID, nil
}

// UpdateCheckpoint writes checkpoint for key if its row still exists. A
// false result means the row was deleted with its stream.
func (g *Gateway) UpdateCheckpoint(
	ctx context.Context, key model.ProducerPartition, checkpoint model.OpID, lastReplicationTime int64,
) (bool, error) {
	table, err := g.Table(ctx)
	if err != nil {
		return false, errors.Trace(err)
	}
	applied, err := table.UpdateIfExists(ctx, &Row{
		PartitionID:         key.PartitionID,
		StreamID:            key.StreamID,
		Checkpoint:          checkpoint.String(),
		LastReplicationTime: lastReplicationTime,
	})
	if err != nil {
		return false, cerror.WrapError(cerror.ErrStateTableWrite, g.RefreshOnFail(err))
	}
	return applied, nil
}

// InsertCheckpoints creates or replaces the rows of keys at checkpoint.
func (g *Gateway) InsertCheckpoints(
	ctx context.Context, keys []model.ProducerPartition, checkpoint model.OpID,
) error {
	if len(keys) == 0 {
		return nil
	}
	table, err := g.Table(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	rows := make([]*Row, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, &Row{
			PartitionID: key.PartitionID,
			StreamID:    key.StreamID,
			Checkpoint:  checkpoint.String(),
		})
	}
	if err := table.Insert(ctx, rows); err != nil {
		return cerror.WrapError(cerror.ErrStateTableWrite, g.RefreshOnFail(err))
	}
	return nil
}

// InsertRows creates or replaces rows.
func (g *Gateway) InsertRows(ctx context.Context, rows []*Row) error {
	if len(rows) == 0 {
		return nil
	}
	table, err := g.Table(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if err := table.Insert(ctx, rows); err != nil {
		return cerror.WrapError(cerror.ErrStateTableWrite, g.RefreshOnFail(err))
	}
	return nil
}

// DeleteCheckpoints removes the rows of keys.
func (g *Gateway) DeleteCheckpoints(ctx context.Context, keys []model.ProducerPartition) error {
	if len(keys) == 0 {
		return nil
	}
	table, err := g.Table(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if err := table.Delete(ctx, keys); err != nil {
		return cerror.WrapError(cerror.ErrStateTableWrite, g.RefreshOnFail(err))
	}
	return nil
}

// Scan scans the whole table.
func (g *Gateway) Scan(ctx context.Context, opts ScanOptions, fn func(row *Row) error) error {
	table, err := g.Table(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if err := table.Scan(ctx, opts, fn); err != nil {
		return cerror.WrapError(cerror.ErrStateTableScan, g.RefreshOnFail(err))
	}
	return nil
}
