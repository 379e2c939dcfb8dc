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
	"context"
	"time"

	"github.com/pingcap/cdcstream/cdc/server"
	"github.com/pingcap/cdcstream/pkg/cmd/util"
	"github.com/pingcap/cdcstream/pkg/config"
	cerror "github.com/pingcap/cdcstream/pkg/errors"
	cdcutil "github.com/pingcap/cdcstream/pkg/util"
	"github.com/pingcap/cdcstream/pkg/version"
	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// options defines flags for the `server` command.
type options struct {
	serverConfigFilePath string

	serverConfig *config.ServerConfig
}

// newOptions creates new options for the `server` command.
func newOptions() *options {
	return &options{
		serverConfig: config.GetDefaultServerConfig(),
	}
}

// addFlags receives a *cobra.Command reference and binds
// flags related to template printing to it.
func (o *options) addFlags(cmd *cobra.Command) {
	conf := o.serverConfig
	cmd.Flags().StringVar(&conf.Addr, "addr", conf.Addr, "Set the listening address")
	cmd.Flags().StringVar(&conf.AdvertiseAddr, "advertise-addr", conf.AdvertiseAddr, "Set the advertise listening address for client communication")
	cmd.Flags().StringVar(&conf.StatusAddr, "status-addr", conf.StatusAddr, "Set the status and metrics listening address")
	cmd.Flags().StringVar(&conf.PeerUUID, "peer-uuid", conf.PeerUUID, "Set the uuid of this node, defaults to the advertise address")
	cmd.Flags().StringVar(&conf.LogFile, "log-file", conf.LogFile, "log file path")
	cmd.Flags().StringVar(&conf.LogLevel, "log-level", conf.LogLevel, "log level (etc: debug|info|warn|error)")

	cmd.Flags().StringVar(&conf.StateTable.Backend, "state-table-backend", conf.StateTable.Backend, "checkpoint table storage (etc: etcd|sql|pebble|memory)")
	cmd.Flags().StringSliceVar(&conf.StateTable.Endpoints, "state-table-endpoints", conf.StateTable.Endpoints, "etcd endpoints of the checkpoint table")
	cmd.Flags().StringVar(&conf.StateTable.Driver, "state-table-driver", conf.StateTable.Driver, "sql driver of the checkpoint table (etc: sqlite|mysql)")
	cmd.Flags().StringVar(&conf.StateTable.DSN, "state-table-dsn", conf.StateTable.DSN, "sql data source name of the checkpoint table")
	cmd.Flags().StringVar(&conf.StateTable.Dir, "state-table-dir", conf.StateTable.Dir, "pebble directory of the checkpoint table")

	cdc := conf.CDC
	cmd.Flags().DurationVar((*time.Duration)(&cdc.ReadRPCTimeout), "read-rpc-timeout", time.Duration(cdc.ReadRPCTimeout), "timeout of GetChanges requests without deadline")
	cmd.Flags().DurationVar((*time.Duration)(&cdc.WriteRPCTimeout), "write-rpc-timeout", time.Duration(cdc.WriteRPCTimeout), "timeout of checkpoint writes and peer updates")
	cmd.Flags().DurationVar((*time.Duration)(&cdc.CheckpointUpdateInterval), "checkpoint-update-interval", time.Duration(cdc.CheckpointUpdateInterval), "minimum interval between two durable writes of a checkpoint")
	cmd.Flags().DurationVar((*time.Duration)(&cdc.UpdateMinIndexInterval), "update-min-index-interval", time.Duration(cdc.UpdateMinIndexInterval), "interval of min replicated index propagation")
	cmd.Flags().DurationVar((*time.Duration)(&cdc.UpdateMetricsInterval), "update-metrics-interval", time.Duration(cdc.UpdateMetricsInterval), "interval of lag metrics updates")
	cmd.Flags().BoolVar(&cdc.EnableStateTableCaching, "enable-state-table-caching", cdc.EnableStateTableCaching, "cache the checkpoint table handle")
	cmd.Flags().BoolVar(&cdc.EnableCollectMetrics, "enable-collect-metrics", cdc.EnableCollectMetrics, "collect lag metrics")
	cmd.Flags().BoolVar(&cdc.EnableLogRetentionByOpIdx, "enable-log-retention-by-op-idx", cdc.EnableLogRetentionByOpIdx, "retain the log of partitions up to the minimum checkpoint")
	cmd.Flags().Float64Var(&cdc.SafeDeadlineRatio, "safe-deadline-ratio", cdc.SafeDeadlineRatio, "share of the request time kept to build the response")

	cmd.Flags().StringVar(&o.serverConfigFilePath, "config", "", "Path of the configuration file")
}

func (o *options) run(cmd *cobra.Command) error {
	conf, err := o.loadAndVerifyServerConfig(cmd)
	if err != nil {
		return errors.Trace(err)
	}

	ctx, cancel := util.InitCmd(cmd, conf.LoggerConfig())
	defer cancel()
	config.StoreGlobalServerConfig(conf)

	version.LogVersionInfo()
	if cdcutil.FailpointBuild {
		for _, path := range failpoint.List() {
			status, err := failpoint.Status(path)
			if err != nil {
				log.Error("fail to get failpoint status", zap.Error(err))
			}
			log.Info("failpoint enabled", zap.String("path", path), zap.String("status", status))
		}
	}

	srv, err := server.New(ctx, conf)
	if err != nil {
		return errors.Annotate(err, "new server")
	}
	util.InitSignalHandling(func() <-chan struct{} {
		done := make(chan struct{})
		close(done)
		return done
	}, cancel)

	err = srv.Run(ctx)
	srv.Close()
	if err != nil && errors.Cause(err) != context.Canceled {
		log.Error("run server", zap.String("error", errors.ErrorStack(err)))
		return errors.Annotate(err, "run server")
	}
	log.Info("cdcstream server exits successfully")
	return nil
}

// loadAndVerifyServerConfig merges the configuration file and the flags the
// user set, flags taking precedence.
func (o *options) loadAndVerifyServerConfig(cmd *cobra.Command) (*config.ServerConfig, error) {
	conf := config.GetDefaultServerConfig()
	if len(o.serverConfigFilePath) > 0 {
		if err := util.StrictDecodeFile(o.serverConfigFilePath, "cdcstream server", conf); err != nil {
			return nil, err
		}
	}
	var unknown error
	cmd.Flags().Visit(func(flag *pflag.Flag) {
		switch flag.Name {
		case "addr":
			conf.Addr = o.serverConfig.Addr
		case "advertise-addr":
			conf.AdvertiseAddr = o.serverConfig.AdvertiseAddr
		case "status-addr":
			conf.StatusAddr = o.serverConfig.StatusAddr
		case "peer-uuid":
			conf.PeerUUID = o.serverConfig.PeerUUID
		case "log-file":
			conf.LogFile = o.serverConfig.LogFile
		case "log-level":
			conf.LogLevel = o.serverConfig.LogLevel
		case "state-table-backend":
			conf.StateTable.Backend = o.serverConfig.StateTable.Backend
		case "state-table-endpoints":
			conf.StateTable.Endpoints = o.serverConfig.StateTable.Endpoints
		case "state-table-driver":
			conf.StateTable.Driver = o.serverConfig.StateTable.Driver
		case "state-table-dsn":
			conf.StateTable.DSN = o.serverConfig.StateTable.DSN
		case "state-table-dir":
			conf.StateTable.Dir = o.serverConfig.StateTable.Dir
		case "read-rpc-timeout":
			conf.CDC.ReadRPCTimeout = o.serverConfig.CDC.ReadRPCTimeout
		case "write-rpc-timeout":
			conf.CDC.WriteRPCTimeout = o.serverConfig.CDC.WriteRPCTimeout
		case "checkpoint-update-interval":
			conf.CDC.CheckpointUpdateInterval = o.serverConfig.CDC.CheckpointUpdateInterval
		case "update-min-index-interval":
			conf.CDC.UpdateMinIndexInterval = o.serverConfig.CDC.UpdateMinIndexInterval
		case "update-metrics-interval":
			conf.CDC.UpdateMetricsInterval = o.serverConfig.CDC.UpdateMetricsInterval
		case "enable-state-table-caching":
			conf.CDC.EnableStateTableCaching = o.serverConfig.CDC.EnableStateTableCaching
		case "enable-collect-metrics":
			conf.CDC.EnableCollectMetrics = o.serverConfig.CDC.EnableCollectMetrics
		case "enable-log-retention-by-op-idx":
			conf.CDC.EnableLogRetentionByOpIdx = o.serverConfig.CDC.EnableLogRetentionByOpIdx
		case "safe-deadline-ratio":
			conf.CDC.SafeDeadlineRatio = o.serverConfig.CDC.SafeDeadlineRatio
		case "config":
			// do nothing
		default:
			unknown = errors.Errorf("unknown flag %s", flag.Name)
		}
	})
	if unknown != nil {
		return nil, unknown
	}
	if err := conf.ValidateAndAdjust(); err != nil {
		return nil, errors.Trace(err)
	}
	if conf.StateTable.Backend == config.StateTableBackendEtcd {
		for _, ep := range conf.StateTable.Endpoints {
			if err := util.VerifyEtcdEndpoint(ep, false); err != nil {
				return nil, cerror.ErrInvalidServerOption.Wrap(err).GenWithStackByArgs("state-table-endpoints " + ep)
			}
		}
	}
	return conf, nil
}

// NewCmdServer creates the `server` command.
func NewCmdServer() *cobra.Command {
	o := newOptions()

	command := &cobra.Command{
		Use:   "server",
		Short: "Start a cdcstream server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd)
		},
	}

	o.addFlags(command)

	return command
}
