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

package etcdtable

import (
	"context"
	"fmt"
	"strings"

	"github.com/pingcap/cdcstream/cdc/model"
	"github.com/pingcap/cdcstream/cdc/statetable"
	"github.com/pingcap/cdcstream/pkg/etcd"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	checkpointKeyPart = "checkpoint"
	// maxTxnOps stays below the default --max-txn-ops of etcd.
	maxTxnOps = 64
	// maxUpdateRetries bounds the compare-and-swap loop of UpdateIfExists.
	maxUpdateRetries = 8
)

// Table stores checkpoint rows in etcd under
// {prefix}/checkpoint/{partition}/{stream}.
type Table struct {
	client   *etcd.Client
	prefix   string
	pageSize int64
}

var (
	_ statetable.Backend = (*Table)(nil)
	_ statetable.Table   = (*Table)(nil)
)

// NewTable creates an etcd table. The client is owned by the table.
func NewTable(client *etcd.Client, prefix string, pageSize int) *Table {
	return &Table{
		client:   client,
		prefix:   strings.TrimSuffix(prefix, "/"),
		pageSize: int64(pageSize),
	}
}

func (t *Table) tablePrefix() string {
	return fmt.Sprintf("%s/%s/", t.prefix, checkpointKeyPart)
}

func (t *Table) key(key model.ProducerPartition) string {
	return t.tablePrefix() + key.PartitionID + "/" + key.StreamID
}

// Open implements statetable.Opener. The table has no schema, opening only
// checks that etcd is reachable.
func (t *Table) Open(ctx context.Context) (statetable.Table, error) {
	if _, err := t.client.Get(ctx, t.tablePrefix(), clientv3.WithPrefix(), clientv3.WithCountOnly()); err != nil {
		return nil, errors.Trace(err)
	}
	return t, nil
}

// Close implements statetable.Backend.
func (t *Table) Close() error {
	return t.client.Close()
}

type value struct {
	Checkpoint          string `json:"checkpoint"`
	LastReplicationTime int64  `json:"last_replication_time,omitempty"`
}

func encode(row *statetable.Row) (string, error) {
	data, err := model.Marshal(&value{
		Checkpoint:          row.Checkpoint,
		LastReplicationTime: row.LastReplicationTime,
	})
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(data), nil
}

func (t *Table) decode(key, data []byte) (*statetable.Row, error) {
	rest := strings.TrimPrefix(string(key), t.tablePrefix())
	slash := strings.IndexByte(rest, '/')
	if slash <= 0 || slash == len(rest)-1 {
		return nil, errors.Errorf("malformed checkpoint key %q", key)
	}
	v := &value{}
	if err := model.Unmarshal(data, v); err != nil {
		return nil, errors.Annotatef(err, "checkpoint key %q", key)
	}
	return &statetable.Row{
		PartitionID:         rest[:slash],
		StreamID:            rest[slash+1:],
		Checkpoint:          v.Checkpoint,
		LastReplicationTime: v.LastReplicationTime,
	}, nil
}

// Read implements statetable.Table.
func (t *Table) Read(ctx context.Context, key model.ProducerPartition) (*statetable.Row, bool, error) {
	resp, err := t.client.Get(ctx, t.key(key))
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	row, err := t.decode(resp.Kvs[0].Key, resp.Kvs[0].Value)
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	return row, true, nil
}

// Insert implements statetable.Table.
func (t *Table) Insert(ctx context.Context, rows []*statetable.Row) error {
	ops := make([]clientv3.Op, 0, len(rows))
	for _, row := range rows {
		val, err := encode(row)
		if err != nil {
			return errors.Trace(err)
		}
		ops = append(ops, clientv3.OpPut(t.key(row.Key()), val))
	}
	return t.commitInBatches(ctx, ops)
}

func (t *Table) commitInBatches(ctx context.Context, ops []clientv3.Op) error {
	for len(ops) > 0 {
		n := len(ops)
		if n > maxTxnOps {
			n = maxTxnOps
		}
		if _, err := t.client.Txn(ctx, etcd.TxnEmptyCmps, ops[:n], etcd.TxnEmptyOpsElse); err != nil {
			return errors.Trace(err)
		}
		ops = ops[n:]
	}
	return nil
}

// UpdateIfExists implements statetable.Table. The row is rewritten with a
// compare-and-swap on its mod revision, so that a concurrent delete is never
// undone.
func (t *Table) UpdateIfExists(ctx context.Context, row *statetable.Row) (bool, error) {
	key := t.key(row.Key())
	for i := 0; i < maxUpdateRetries; i++ {
		resp, err := t.client.Get(ctx, key)
		if err != nil {
			return false, errors.Trace(err)
		}
		if len(resp.Kvs) == 0 {
			return false, nil
		}
		kv := resp.Kvs[0]
		old, err := t.decode(kv.Key, kv.Value)
		if err != nil {
			return false, errors.Trace(err)
		}
		val, err := encode(statetable.MergeUpdate(old, row))
		if err != nil {
			return false, errors.Trace(err)
		}
		txnResp, err := t.client.Txn(ctx,
			[]clientv3.Cmp{
				clientv3.Compare(clientv3.CreateRevision(key), ">", 0),
				clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision),
			},
			[]clientv3.Op{clientv3.OpPut(key, val)},
			etcd.TxnEmptyOpsElse)
		if err != nil {
			return false, errors.Trace(err)
		}
		if txnResp.Succeeded {
			return true, nil
		}
		log.Debug("checkpoint row changed during update, retry", zap.String("key", key))
	}
	return false, errors.Errorf("too many concurrent updates of %s", key)
}

// Delete implements statetable.Table.
func (t *Table) Delete(ctx context.Context, keys []model.ProducerPartition) error {
	ops := make([]clientv3.Op, 0, len(keys))
	for _, key := range keys {
		ops = append(ops, clientv3.OpDelete(t.key(key)))
	}
	return t.commitInBatches(ctx, ops)
}

// Scan implements statetable.Table. The table is read in pages so that a
// large table does not end up in a single response.
func (t *Table) Scan(ctx context.Context, opts statetable.ScanOptions, fn func(row *statetable.Row) error) error {
	prefix := t.tablePrefix()
	end := clientv3.GetPrefixRangeEnd(prefix)
	start := prefix
	for {
		resp, err := t.client.Get(ctx, start,
			clientv3.WithRange(end),
			clientv3.WithLimit(t.pageSize),
			clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
		if err != nil {
			return errors.Trace(err)
		}
		for _, kv := range resp.Kvs {
			row, err := t.decode(kv.Key, kv.Value)
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
		if !resp.More || len(resp.Kvs) == 0 {
			return nil
		}
		start = string(resp.Kvs[len(resp.Kvs)-1].Key) + "\x00"
	}
}
