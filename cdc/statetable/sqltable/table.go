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

package sqltable

import (
	"context"
	"sync"

	"github.com/glebarez/sqlite"
	"github.com/pingcap/cdcstream/cdc/model"
	"github.com/pingcap/cdcstream/cdc/statetable"
	cerror "github.com/pingcap/cdcstream/pkg/errors"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Drivers supported by the SQL backend.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// checkpointRow is the schema of the cdc_state table.
type checkpointRow struct {
	PartitionID         string `gorm:"column:partition_id;type:varchar(128);primaryKey"`
	StreamID            string `gorm:"column:stream_id;type:varchar(128);primaryKey"`
	Checkpoint          string `gorm:"column:checkpoint;type:varchar(64);not null"`
	LastReplicationTime int64  `gorm:"column:last_replication_time;not null;default:0"`
}

// TableName implements gorm's tabler.
func (checkpointRow) TableName() string {
	return "cdc_state"
}

func fromRow(row *statetable.Row) *checkpointRow {
	return &checkpointRow{
		PartitionID:         row.PartitionID,
		StreamID:            row.StreamID,
		Checkpoint:          row.Checkpoint,
		LastReplicationTime: row.LastReplicationTime,
	}
}

func (r *checkpointRow) toRow() *statetable.Row {
	return &statetable.Row{
		PartitionID:         r.PartitionID,
		StreamID:            r.StreamID,
		Checkpoint:          r.Checkpoint,
		LastReplicationTime: r.LastReplicationTime,
	}
}

// Table stores checkpoint rows in a SQL database.
type Table struct {
	// gorm claim to be thread safe
	db       *gorm.DB
	pageSize int

	migrateOnce sync.Once
	migrateErr  error
}

var (
	_ statetable.Backend = (*Table)(nil)
	_ statetable.Table   = (*Table)(nil)
)

// NewTable connects to the database of dsn.
func NewTable(driver, dsn string, pageSize int) (*Table, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverMySQL:
		dialector = mysql.Open(dsn)
	default:
		return nil, cerror.ErrInvalidServerOption.GenWithStackByArgs("unknown sql driver " + driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Discard,
	})
	if err != nil {
		log.Error("create gorm client fail", zap.String("driver", driver), zap.Error(err))
		return nil, errors.Trace(err)
	}
	return &Table{db: db, pageSize: pageSize}, nil
}

// Open implements statetable.Opener, creating the table on first use.
func (t *Table) Open(ctx context.Context) (statetable.Table, error) {
	t.migrateOnce.Do(func() {
		t.migrateErr = t.db.WithContext(ctx).AutoMigrate(&checkpointRow{})
	})
	if t.migrateErr != nil {
		return nil, errors.Trace(t.migrateErr)
	}
	return t, nil
}

// Close implements statetable.Backend.
func (t *Table) Close() error {
	sqlDB, err := t.db.DB()
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(sqlDB.Close())
}

// Read implements statetable.Table.
func (t *Table) Read(ctx context.Context, key model.ProducerPartition) (*statetable.Row, bool, error) {
	var rows []checkpointRow
	err := t.db.WithContext(ctx).
		Where("partition_id = ? AND stream_id = ?", key.PartitionID, key.StreamID).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0].toRow(), true, nil
}

// Insert implements statetable.Table.
func (t *Table) Insert(ctx context.Context, rows []*statetable.Row) error {
	if len(rows) == 0 {
		return nil
	}
	records := make([]*checkpointRow, 0, len(rows))
	for _, row := range rows {
		records = append(records, fromRow(row))
	}
	err := t.db.WithContext(ctx).Clauses(clause.OnConflict{
		UpdateAll: true,
	}).Create(&records).Error
	return errors.Trace(err)
}

// UpdateIfExists implements statetable.Table. The UPDATE matches no row
// once the row is deleted, which is the existence predicate.
func (t *Table) UpdateIfExists(ctx context.Context, row *statetable.Row) (bool, error) {
	updates := map[string]interface{}{"checkpoint": row.Checkpoint}
	if row.LastReplicationTime != 0 {
		updates["last_replication_time"] = row.LastReplicationTime
	}
	result := t.db.WithContext(ctx).
		Model(&checkpointRow{}).
		Where("partition_id = ? AND stream_id = ?", row.PartitionID, row.StreamID).
		Updates(updates)
	if result.Error != nil {
		return false, errors.Trace(result.Error)
	}
	if result.RowsAffected > 0 {
		return true, nil
	}
	// MySQL does not count rows whose values did not change.
	_, ok, err := t.Read(ctx, row.Key())
	return ok, errors.Trace(err)
}

// Delete implements statetable.Table.
func (t *Table) Delete(ctx context.Context, keys []model.ProducerPartition) error {
	if len(keys) == 0 {
		return nil
	}
	return errors.Trace(t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, key := range keys {
			err := tx.Where("partition_id = ? AND stream_id = ?", key.PartitionID, key.StreamID).
				Delete(&checkpointRow{}).Error
			if err != nil {
				return err
			}
		}
		return nil
	}))
}

// Scan implements statetable.Table, paging on the primary key.
func (t *Table) Scan(ctx context.Context, opts statetable.ScanOptions, fn func(row *statetable.Row) error) error {
	var lastPartition, lastStream string
	first := true
	for {
		query := t.db.WithContext(ctx).Model(&checkpointRow{}).
			Order("partition_id").Order("stream_id").
			Limit(t.pageSize)
		if !first {
			query = query.Where("partition_id > ? OR (partition_id = ? AND stream_id > ?)",
				lastPartition, lastPartition, lastStream)
		}
		var page []checkpointRow
		if err := query.Find(&page).Error; err != nil {
			return errors.Trace(err)
		}
		for i := range page {
			if err := fn(page[i].toRow().Project(opts.Columns)); err != nil {
				return err
			}
		}
		if len(page) < t.pageSize {
			return nil
		}
		first = false
		lastPartition = page[len(page)-1].PartitionID
		lastStream = page[len(page)-1].StreamID
	}
}
