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

package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pingcap/cdcstream/pkg/config"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestAddUnknownFlag(t *testing.T) {
	cmd := new(cobra.Command)
	o := newOptions()
	o.addFlags(cmd)

	require.Regexp(t, ".*unknown flag: --PD.*", cmd.ParseFlags([]string{"--PD="}).Error())
}

func TestDefaultCfg(t *testing.T) {
	cmd := new(cobra.Command)
	o := newOptions()
	o.addFlags(cmd)

	require.Nil(t, cmd.ParseFlags([]string{}))
	conf, err := o.loadAndVerifyServerConfig(cmd)
	require.Nil(t, err)

	defaultCfg := config.GetDefaultServerConfig()
	require.Nil(t, defaultCfg.ValidateAndAdjust())
	require.Equal(t, defaultCfg, conf)
	require.Equal(t, "127.0.0.1:9100", conf.PeerUUID)
	require.Equal(t, config.StateTableBackendMemory, conf.StateTable.Backend)
}

func TestParseCfg(t *testing.T) {
	dir := t.TempDir()
	cmd := new(cobra.Command)
	o := newOptions()
	o.addFlags(cmd)

	require.Nil(t, cmd.ParseFlags([]string{
		"--addr", "127.5.5.1:8833",
		"--advertise-addr", "127.5.5.1:7777",
		"--status-addr", "127.5.5.1:8834",
		"--peer-uuid", "node-1",
		"--log-file", "/root/cdc.log",
		"--log-level", "debug",
		"--state-table-backend", "pebble",
		"--state-table-dir", dir,
		"--read-rpc-timeout", "10s",
		"--checkpoint-update-interval", "5s",
		"--enable-state-table-caching=false",
		"--enable-log-retention-by-op-idx=false",
		"--safe-deadline-ratio", "0.2",
	}))
	conf, err := o.loadAndVerifyServerConfig(cmd)
	require.Nil(t, err)

	require.Equal(t, "127.5.5.1:8833", conf.Addr)
	require.Equal(t, "127.5.5.1:7777", conf.AdvertiseAddr)
	require.Equal(t, "127.5.5.1:8834", conf.StatusAddr)
	require.Equal(t, "node-1", conf.PeerUUID)
	require.Equal(t, "/root/cdc.log", conf.LogFile)
	require.Equal(t, "debug", conf.LogLevel)
	require.Equal(t, config.StateTableBackendPebble, conf.StateTable.Backend)
	require.Equal(t, dir, conf.StateTable.Dir)
	require.Equal(t, config.TomlDuration(10*time.Second), conf.CDC.ReadRPCTimeout)
	require.Equal(t, config.TomlDuration(5*time.Second), conf.CDC.CheckpointUpdateInterval)
	require.False(t, conf.CDC.EnableStateTableCaching)
	require.False(t, conf.CDC.EnableLogRetentionByOpIdx)
	require.True(t, conf.CDC.EnableCollectMetrics)
	require.Equal(t, 0.2, conf.CDC.SafeDeadlineRatio)
	// Untouched knobs keep their defaults.
	require.Equal(t, config.TomlDuration(time.Minute), conf.CDC.UpdateMinIndexInterval)
}

const testConfig = `
addr = "128.0.0.1:1234"
advertise-addr = "127.0.0.1:1111"
peer-uuid = "node-2"

log-file = "/root/cdc1.log"
log-level = "warn"

[log.file]
max-size = 200
max-days = 1
max-backups = 1

[cdc]
read-rpc-timeout = "20s"
update-metrics-interval = "5s"
enable-collect-metrics = false

[state-table]
backend = "sql"
driver = "sqlite"
dsn = "file:checkpoints.db"

[[cluster.peers]]
uuid = "node-3"
addr = "127.0.0.1:3333"

[[cluster.tables]]
id = "t1"
namespace = "db"
has-primary-key = true

[[cluster.tables.partitions]]
id = "p1"
leader = "node-2"
replicas = ["node-2", "node-3"]
`

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "cdcstream.toml")
	require.Nil(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDecodeCfg(t *testing.T) {
	configPath := writeConfig(t, testConfig)
	cmd := new(cobra.Command)
	o := newOptions()
	o.addFlags(cmd)

	require.Nil(t, cmd.ParseFlags([]string{"--config", configPath}))
	conf, err := o.loadAndVerifyServerConfig(cmd)
	require.Nil(t, err)

	require.Equal(t, "128.0.0.1:1234", conf.Addr)
	require.Equal(t, "127.0.0.1:1111", conf.AdvertiseAddr)
	require.Equal(t, "node-2", conf.PeerUUID)
	require.Equal(t, "warn", conf.LogLevel)
	require.Equal(t, 200, conf.Log.File.MaxSize)
	require.Equal(t, config.TomlDuration(20*time.Second), conf.CDC.ReadRPCTimeout)
	require.Equal(t, config.TomlDuration(5*time.Second), conf.CDC.UpdateMetricsInterval)
	require.False(t, conf.CDC.EnableCollectMetrics)
	require.Equal(t, config.StateTableBackendSQL, conf.StateTable.Backend)
	require.Equal(t, "file:checkpoints.db", conf.StateTable.DSN)

	// The local node joins the peer list.
	require.Len(t, conf.Cluster.Peers, 2)
	require.Equal(t, "node-2", conf.Cluster.Peers[1].UUID)
	require.Equal(t, "127.0.0.1:1111", conf.Cluster.Peers[1].Addr)
	require.Equal(t, "SQL", conf.Cluster.Tables[0].Type)
}

func TestDecodeCfgWithFlags(t *testing.T) {
	configPath := writeConfig(t, testConfig)
	cmd := new(cobra.Command)
	o := newOptions()
	o.addFlags(cmd)

	require.Nil(t, cmd.ParseFlags([]string{
		"--config", configPath,
		"--addr", "127.5.5.1:8833",
		"--log-level", "debug",
		"--read-rpc-timeout", "1s",
		"--state-table-backend", "memory",
	}))
	conf, err := o.loadAndVerifyServerConfig(cmd)
	require.Nil(t, err)

	require.Equal(t, "127.5.5.1:8833", conf.Addr)
	require.Equal(t, "127.0.0.1:1111", conf.AdvertiseAddr)
	require.Equal(t, "debug", conf.LogLevel)
	require.Equal(t, config.TomlDuration(time.Second), conf.CDC.ReadRPCTimeout)
	require.Equal(t, config.TomlDuration(5*time.Second), conf.CDC.UpdateMetricsInterval)
	require.Equal(t, config.StateTableBackendMemory, conf.StateTable.Backend)
}

func TestDecodeUnknownDebugCfg(t *testing.T) {
	configPath := writeConfig(t, testConfig+`
[debug]
unknown = "x"
`)
	cmd := new(cobra.Command)
	o := newOptions()
	o.addFlags(cmd)

	require.Nil(t, cmd.ParseFlags([]string{"--config", configPath}))
	_, err := o.loadAndVerifyServerConfig(cmd)
	require.Regexp(t, ".*contained unknown configuration options: debug.*", err)
}

func TestInvalidCfg(t *testing.T) {
	cmd := new(cobra.Command)
	o := newOptions()
	o.addFlags(cmd)

	require.Nil(t, cmd.ParseFlags([]string{"--state-table-backend", "etcd"}))
	_, err := o.loadAndVerifyServerConfig(cmd)
	require.Regexp(t, ".*etcd state table requires endpoints.*", err)
}

func TestInvalidEtcdEndpoint(t *testing.T) {
	cmd := new(cobra.Command)
	o := newOptions()
	o.addFlags(cmd)

	require.Nil(t, cmd.ParseFlags([]string{
		"--state-table-backend", "etcd",
		"--state-table-endpoints", "http://127.0.0.1:2379,aa",
	}))
	_, err := o.loadAndVerifyServerConfig(cmd)
	require.Regexp(t, ".*state-table-endpoints aa.*", err)

	cmd = new(cobra.Command)
	o = newOptions()
	o.addFlags(cmd)
	require.Nil(t, cmd.ParseFlags([]string{
		"--state-table-backend", "etcd",
		"--state-table-endpoints", "http://127.0.0.1:2379",
	}))
	conf, err := o.loadAndVerifyServerConfig(cmd)
	require.Nil(t, err)
	require.Equal(t, []string{"http://127.0.0.1:2379"}, conf.StateTable.Endpoints)
}
