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
	"time"

	cerror "github.com/pingcap/cdcstream/pkg/errors"
)

// CDCConfig holds the knobs of the checkpoint coordinator.
type CDCConfig struct {
	// ReadRPCTimeout is used when a GetChanges request carries no deadline.
	ReadRPCTimeout TomlDuration `toml:"read-rpc-timeout" json:"read-rpc-timeout"`
	// WriteRPCTimeout bounds checkpoint table writes and peer updates.
	WriteRPCTimeout TomlDuration `toml:"write-rpc-timeout" json:"write-rpc-timeout"`
	// CheckpointUpdateInterval is the freshness interval of cached durable positions.
	CheckpointUpdateInterval TomlDuration `toml:"checkpoint-update-interval" json:"checkpoint-update-interval"`
	// CheckpointLivenessWindow is how long a stream may go unpolled before it stops
	// holding back log retention.
	CheckpointLivenessWindow TomlDuration `toml:"checkpoint-liveness-window" json:"checkpoint-liveness-window"`
	UpdateMinIndexInterval   TomlDuration `toml:"update-min-index-interval" json:"update-min-index-interval"`
	UpdateMetricsInterval    TomlDuration `toml:"update-metrics-interval" json:"update-metrics-interval"`

	EnableStateTableCaching bool         `toml:"enable-state-table-caching" json:"enable-state-table-caching"`
	StateTableHandleTTL     TomlDuration `toml:"state-table-handle-ttl" json:"state-table-handle-ttl"`
	EnableCollectMetrics    bool         `toml:"enable-collect-metrics" json:"enable-collect-metrics"`
	// SafeDeadlineRatio is the share of the remaining request time kept in reserve
	// when reading changes.
	SafeDeadlineRatio           float64      `toml:"safe-deadline-ratio" json:"safe-deadline-ratio"`
	EnableLogRetentionByOpIdx   bool         `toml:"enable-log-retention-by-op-idx" json:"enable-log-retention-by-op-idx"`
	ClientPoolSize              int          `toml:"client-pool-size" json:"client-pool-size"`
	MaxChangesPerRequest        int          `toml:"max-changes-per-request" json:"max-changes-per-request"`
	MaintenanceMaxSleepInterval TomlDuration `toml:"maintenance-max-sleep-interval" json:"maintenance-max-sleep-interval"`
}

var defaultCDCConfig = &CDCConfig{
	ReadRPCTimeout:              TomlDuration(30 * time.Second),
	WriteRPCTimeout:             TomlDuration(30 * time.Second),
	CheckpointUpdateInterval:    TomlDuration(15 * time.Second),
	CheckpointLivenessWindow:    TomlDuration(60 * time.Second),
	UpdateMinIndexInterval:      TomlDuration(60 * time.Second),
	UpdateMetricsInterval:       TomlDuration(15 * time.Second),
	EnableStateTableCaching:     true,
	StateTableHandleTTL:         TomlDuration(5 * time.Minute),
	EnableCollectMetrics:        true,
	SafeDeadlineRatio:           0.10,
	EnableLogRetentionByOpIdx:   true,
	ClientPoolSize:              256,
	MaxChangesPerRequest:        1000,
	MaintenanceMaxSleepInterval: TomlDuration(100 * time.Millisecond),
}

// ValidateAndAdjust validates and adjusts the cdc configuration
func (c *CDCConfig) ValidateAndAdjust() error {
	if c.ReadRPCTimeout <= 0 {
		c.ReadRPCTimeout = defaultCDCConfig.ReadRPCTimeout
	}
	if c.WriteRPCTimeout <= 0 {
		c.WriteRPCTimeout = defaultCDCConfig.WriteRPCTimeout
	}
	if c.CheckpointUpdateInterval <= 0 {
		c.CheckpointUpdateInterval = defaultCDCConfig.CheckpointUpdateInterval
	}
	if c.CheckpointLivenessWindow <= 0 {
		c.CheckpointLivenessWindow = defaultCDCConfig.CheckpointLivenessWindow
	}
	if c.UpdateMinIndexInterval <= 0 {
		c.UpdateMinIndexInterval = defaultCDCConfig.UpdateMinIndexInterval
	}
	if c.UpdateMetricsInterval <= 0 {
		c.UpdateMetricsInterval = defaultCDCConfig.UpdateMetricsInterval
	}
	if c.StateTableHandleTTL < 0 {
		return cerror.ErrInvalidServerOption.GenWithStackByArgs("state-table-handle-ttl must not be negative")
	}
	if c.SafeDeadlineRatio < 0 || c.SafeDeadlineRatio >= 1 {
		return cerror.ErrInvalidServerOption.GenWithStackByArgs("safe-deadline-ratio must be in [0, 1)")
	}
	if c.ClientPoolSize <= 0 {
		c.ClientPoolSize = defaultCDCConfig.ClientPoolSize
	}
	if c.MaxChangesPerRequest <= 0 {
		c.MaxChangesPerRequest = defaultCDCConfig.MaxChangesPerRequest
	}
	if c.MaintenanceMaxSleepInterval <= 0 {
		c.MaintenanceMaxSleepInterval = defaultCDCConfig.MaintenanceMaxSleepInterval
	}
	return nil
}

// MaintenanceSleepInterval is the wake period of the maintenance loop.
func (c *CDCConfig) MaintenanceSleepInterval() time.Duration {
	interval := time.Duration(c.MaintenanceMaxSleepInterval)
	if metrics := time.Duration(c.UpdateMetricsInterval); metrics < interval {
		return metrics
	}
	return interval
}
