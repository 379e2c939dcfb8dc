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
	"encoding/json"
	"net"
	"strings"
	"sync/atomic"
	"time"

	cerror "github.com/pingcap/cdcstream/pkg/errors"
	"github.com/pingcap/cdcstream/pkg/logutil"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

var defaultServerConfig = &ServerConfig{
	Addr:          "127.0.0.1:9100",
	AdvertiseAddr: "",
	StatusAddr:    "127.0.0.1:9101",
	LogFile:       "",
	LogLevel:      "info",
	Log: &LogConfig{
		File: &LogFileConfig{
			MaxSize:    300,
			MaxDays:    0,
			MaxBackups: 0,
		},
		InternalErrOutput: "stderr",
	},
	CDC:        defaultCDCConfig,
	StateTable: defaultStateTableConfig,
	Cluster:    &ClusterConfig{},
}

// ServerConfig represents a config for a cdcstream server.
type ServerConfig struct {
	Addr          string `toml:"addr" json:"addr"`
	AdvertiseAddr string `toml:"advertise-addr" json:"advertise-addr"`
	StatusAddr    string `toml:"status-addr" json:"status-addr"`

	// PeerUUID identifies this node among the replicas of a partition.
	PeerUUID string `toml:"peer-uuid" json:"peer-uuid"`

	LogFile  string     `toml:"log-file" json:"log-file"`
	LogLevel string     `toml:"log-level" json:"log-level"`
	Log      *LogConfig `toml:"log" json:"log"`

	CDC        *CDCConfig        `toml:"cdc" json:"cdc"`
	StateTable *StateTableConfig `toml:"state-table" json:"state-table"`
	Cluster    *ClusterConfig    `toml:"cluster" json:"cluster"`
}

// LogConfig represents log config for server
type LogConfig struct {
	File              *LogFileConfig `toml:"file" json:"file"`
	InternalErrOutput string         `toml:"error-output" json:"error-output"`
}

// LogFileConfig represents log file config for server
type LogFileConfig struct {
	MaxSize    int `toml:"max-size" json:"max-size"`
	MaxDays    int `toml:"max-days" json:"max-days"`
	MaxBackups int `toml:"max-backups" json:"max-backups"`
}

// LoggerConfig converts the log settings into a logutil.Config.
func (c *ServerConfig) LoggerConfig() *logutil.Config {
	return &logutil.Config{
		File:                 c.LogFile,
		Level:                c.LogLevel,
		FileMaxSize:          c.Log.File.MaxSize,
		FileMaxDays:          c.Log.File.MaxDays,
		FileMaxBackups:       c.Log.File.MaxBackups,
		ZapInternalErrOutput: c.Log.InternalErrOutput,
	}
}

// Marshal returns the json marshal format of a ServerConfig
func (c *ServerConfig) Marshal() (string, error) {
	cfg, err := json.Marshal(c)
	if err != nil {
		return "", cerror.ErrInvalidServerOption.Wrap(err).GenWithStackByArgs("marshal server config")
	}
	return string(cfg), nil
}

// Unmarshal unmarshals into *ServerConfig from json marshal byte slice
func (c *ServerConfig) Unmarshal(data []byte) error {
	err := json.Unmarshal(data, c)
	if err != nil {
		return cerror.ErrInvalidServerOption.Wrap(err).GenWithStackByArgs("unmarshal server config")
	}
	return nil
}

// String implements the Stringer interface. Passwords in the state table
// DSN are masked.
func (c *ServerConfig) String() string {
	masked := c
	if c.StateTable != nil && c.StateTable.DSN != "" {
		masked = c.Clone()
		masked.StateTable.DSN = logutil.HideSensitive(c.StateTable.DSN)
	}
	s, _ := masked.Marshal()
	return s
}

// Clone clones a ServerConfig
func (c *ServerConfig) Clone() *ServerConfig {
	str, err := c.Marshal()
	if err != nil {
		log.Panic("failed to marshal server config", zap.Error(err))
	}
	clone := new(ServerConfig)
	err = clone.Unmarshal([]byte(str))
	if err != nil {
		log.Panic("failed to unmarshal server config", zap.Error(err))
	}
	return clone
}

// ValidateAndAdjust validates and adjusts the server configuration
func (c *ServerConfig) ValidateAndAdjust() error {
	if c.Addr == "" {
		return cerror.ErrInvalidServerOption.GenWithStackByArgs("empty address")
	}
	if c.AdvertiseAddr == "" {
		c.AdvertiseAddr = c.Addr
	}
	// Advertise address must be specified.
	if idx := strings.LastIndex(c.AdvertiseAddr, ":"); idx >= 0 {
		ip := net.ParseIP(c.AdvertiseAddr[:idx])
		// Skip nil as it could be a domain name.
		if ip != nil && ip.IsUnspecified() {
			return cerror.ErrInvalidServerOption.GenWithStackByArgs("advertise address must be specified as a valid IP")
		}
	} else {
		return cerror.ErrInvalidServerOption.GenWithStackByArgs("advertise address or address does not contain a port")
	}
	if c.PeerUUID == "" {
		c.PeerUUID = c.AdvertiseAddr
	}

	defaultCfg := GetDefaultServerConfig()
	if c.Log == nil {
		c.Log = defaultCfg.Log
	}
	if c.Log.File == nil {
		c.Log.File = defaultCfg.Log.File
	}

	if c.CDC == nil {
		c.CDC = defaultCfg.CDC
	}
	if err := c.CDC.ValidateAndAdjust(); err != nil {
		return errors.Trace(err)
	}
	if c.StateTable == nil {
		c.StateTable = defaultCfg.StateTable
	}
	if err := c.StateTable.ValidateAndAdjust(); err != nil {
		return errors.Trace(err)
	}
	if c.Cluster == nil {
		c.Cluster = defaultCfg.Cluster
	}
	if err := c.Cluster.ValidateAndAdjust(c.PeerUUID, c.AdvertiseAddr); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// TomlDuration is a duration with a custom json decoder and toml decoder
type TomlDuration time.Duration

// UnmarshalText is the toml decoder
func (d *TomlDuration) UnmarshalText(text []byte) error {
	stdDuration, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Trace(err)
	}
	*d = TomlDuration(stdDuration)
	return nil
}

// UnmarshalJSON is the json decoder
func (d *TomlDuration) UnmarshalJSON(b []byte) error {
	var stdDuration time.Duration
	if err := json.Unmarshal(b, &stdDuration); err != nil {
		return errors.Trace(err)
	}
	*d = TomlDuration(stdDuration)
	return nil
}

var globalServerConfig atomic.Value

// GetDefaultServerConfig returns the default server config
func GetDefaultServerConfig() *ServerConfig {
	return defaultServerConfig.Clone()
}

// GetGlobalServerConfig returns the global configuration for this server.
// It should store configuration from command line and configuration file.
// Other parts of system can only read it, do not modify it.
func GetGlobalServerConfig() *ServerConfig {
	return globalServerConfig.Load().(*ServerConfig)
}

// StoreGlobalServerConfig stores a new config to the globalServerConfig. It mostly uses in the test to avoid some data races.
func StoreGlobalServerConfig(config *ServerConfig) {
	globalServerConfig.Store(config)
}

func init() {
	StoreGlobalServerConfig(GetDefaultServerConfig())
}
