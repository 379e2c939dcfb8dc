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

package pebbletable

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/pingcap/cdcstream/cdc/model"
	"github.com/pingcap/cdcstream/cdc/statetable"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

var (
	tablePrefix = []byte("checkpoint/")
	keySep      = byte(0)
)

// Table stores checkpoint rows in a local pebble instance. It suits a single
// node deployment, where the table does not need to be shared.
type Table struct {
	db *pebble.DB
	// writeMu serializes read-modify-write updates, pebble has no
	// conditional put.
	writeMu sync.Mutex
}

var (
	_ statetable.Backend = (*Table)(nil)
	_ statetable.Table   = (*Table)(nil)
)

// NewTable opens or creates the pebble instance in dir.
func NewTable(dir string) (*Table, error) {
	opts := &pebble.Options{Logger: &pebbleLogger{dir: dir}}
	opts.EnsureDefaults()
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Table{db: db}, nil
}

// Open implements statetable.Opener.
func (t *Table) Open(_ context.Context) (statetable.Table, error) {
	return t, nil
}

// Close implements statetable.Backend.
func (t *Table) Close() error {
	return errors.Trace(t.db.Close())
}

func encodeKey(key model.ProducerPartition) []byte {
	buf := make([]byte, 0, len(tablePrefix)+len(key.PartitionID)+len(key.StreamID)+1)
	buf = append(buf, tablePrefix...)
	buf = append(buf, key.PartitionID...)
	buf = append(buf, keySep)
	return append(buf, key.StreamID...)
}

func decodeKey(k []byte) (model.ProducerPartition, error) {
	rest := bytes.TrimPrefix(k, tablePrefix)
	sep := bytes.IndexByte(rest, keySep)
	if sep <= 0 || sep == len(rest)-1 {
		return model.ProducerPartition{}, errors.Errorf("malformed checkpoint key %q", k)
	}
	return model.NewProducerPartition(string(rest[sep+1:]), string(rest[:sep])), nil
}

type value struct {
	Checkpoint          string `json:"checkpoint"`
	LastReplicationTime int64  `json:"last_replication_time,omitempty"`
}

func decodeRow(k, v []byte) (*statetable.Row, error) {
	key, err := decodeKey(k)
	if err != nil {
		return nil, errors.Trace(err)
	}
	val := &value{}
	if err := model.Unmarshal(v, val); err != nil {
		return nil, errors.Annotatef(err, "checkpoint key %q", k)
	}
	return &statetable.Row{
		PartitionID:         key.PartitionID,
		StreamID:            key.StreamID,
		Checkpoint:          val.Checkpoint,
		LastReplicationTime: val.LastReplicationTime,
	}, nil
}

func (t *Table) get(k []byte) (*statetable.Row, bool, error) {
	v, closer, err := t.db.Get(k)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	defer closer.Close()
	row, err := decodeRow(k, v)
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	return row, true, nil
}

// Read implements statetable.Table.
func (t *Table) Read(_ context.Context, key model.ProducerPartition) (*statetable.Row, bool, error) {
	return t.get(encodeKey(key))
}

func setRow(b *pebble.Batch, row *statetable.Row) error {
	data, err := model.Marshal(&value{
		Checkpoint:          row.Checkpoint,
		LastReplicationTime: row.LastReplicationTime,
	})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(b.Set(encodeKey(row.Key()), data, nil))
}

// Insert implements statetable.Table.
func (t *Table) Insert(_ context.Context, rows []*statetable.Row) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	b := t.db.NewBatch()
	defer b.Close()
	for _, row := range rows {
		if err := setRow(b, row); err != nil {
			return err
		}
	}
	return errors.Trace(b.Commit(pebble.Sync))
}

// UpdateIfExists implements statetable.Table.
func (t *Table) UpdateIfExists(_ context.Context, row *statetable.Row) (bool, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	old, ok, err := t.get(encodeKey(row.Key()))
	if err != nil || !ok {
		return false, err
	}
	b := t.db.NewBatch()
	defer b.Close()
	if err := setRow(b, statetable.MergeUpdate(old, row)); err != nil {
		return false, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return false, errors.Trace(err)
	}
	return true, nil
}

// Delete implements statetable.Table.
func (t *Table) Delete(_ context.Context, keys []model.ProducerPartition) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	b := t.db.NewBatch()
	defer b.Close()
	for _, key := range keys {
		if err := b.Delete(encodeKey(key), nil); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(b.Commit(pebble.Sync))
}

// Scan implements statetable.Table.
func (t *Table) Scan(ctx context.Context, opts statetable.ScanOptions, fn func(row *statetable.Row) error) error {
	upper := append([]byte(nil), tablePrefix...)
	upper[len(upper)-1]++
	iter := t.db.NewIter(&pebble.IterOptions{LowerBound: tablePrefix, UpperBound: upper})
	defer iter.Close()
	for valid := iter.First(); valid; valid = iter.Next() {
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
		row, err := decodeRow(iter.Key(), iter.Value())
		if err != nil {
			if opts.ErrorHandler == nil {
				return errors.Trace(err)
			}
			opts.ErrorHandler(err)
			continue
		}
		if err := fn(row.Project(opts.Columns)); err != nil {
			return err
		}
	}
	return errors.Trace(iter.Error())
}

type pebbleLogger struct{ dir string }

var _ pebble.Logger = (*pebbleLogger)(nil)

func (logger *pebbleLogger) Infof(format string, args ...interface{}) {
	// Do not output low-level pebble log to the service log.
	log.Debug(fmt.Sprintf(format, args...), zap.String("dir", logger.dir))
}

func (logger *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Panic(fmt.Sprintf(format, args...), zap.String("dir", logger.dir))
}
