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

// Checkpoint table backends.
const (
	StateTableBackendEtcd   = "etcd"
	StateTableBackendSQL    = "sql"
	StateTableBackendPebble = "pebble"
	StateTableBackendMemory = "memory"
)

// StateTableConfig selects and configures the durable checkpoint table.
type StateTableConfig struct {
	Backend string `toml:"backend" json:"backend"`

	// etcd backend
	Endpoints []string `toml:"endpoints" json:"endpoints"`
	KeyPrefix string   `toml:"key-prefix" json:"key-prefix"`

	// sql backend, driver is "sqlite" or "mysql"
	Driver string `toml:"driver" json:"driver"`
	DSN    string `toml:"dsn" json:"dsn"`

	// pebble backend
	Dir string `toml:"dir" json:"dir"`

	ScanPageSize int `toml:"scan-page-size" json:"scan-page-size"`
}

var defaultStateTableConfig = &StateTableConfig{
	Backend:      StateTableBackendMemory,
	KeyPrefix:    "/cdcstream",
	Driver:       "sqlite",
	ScanPageSize: 1024,
}

// ValidateAndAdjust validates and adjusts the checkpoint table configuration
func (c *StateTableConfig) ValidateAndAdjust() error {
	c.Backend = strings.ToLower(c.Backend)
	if c.Backend == "" {
		c.Backend = defaultStateTableConfig.Backend
	}
	if c.ScanPageSize <= 0 {
		c.ScanPageSize = defaultStateTableConfig.ScanPageSize
	}
	switch c.Backend {
	case StateTableBackendEtcd:
		if len(c.Endpoints) == 0 {
			return cerror.ErrInvalidServerOption.GenWithStackByArgs("etcd state table requires endpoints")
		}
		if c.KeyPrefix == "" {
			c.KeyPrefix = defaultStateTableConfig.KeyPrefix
		}
	case StateTableBackendSQL:
		if c.Driver == "" {
			c.Driver = defaultStateTableConfig.Driver
		}
		if c.Driver != "sqlite" && c.Driver != "mysql" {
			return cerror.ErrInvalidServerOption.GenWithStackByArgs("unknown sql driver " + c.Driver)
		}
		if c.DSN == "" {
			return cerror.ErrInvalidServerOption.GenWithStackByArgs("sql state table requires dsn")
		}
	case StateTableBackendPebble:
		if c.Dir == "" {
			return cerror.ErrInvalidServerOption.GenWithStackByArgs("pebble state table requires dir")
		}
	case StateTableBackendMemory:
	default:
		return cerror.ErrInvalidServerOption.GenWithStackByArgs("unknown state table backend " + c.Backend)
	}
	return nil
}
