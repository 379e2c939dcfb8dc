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

package cli

import (
	"context"

	"github.com/pingcap/cdcstream/cdc/cdcrpc"
	"github.com/pingcap/cdcstream/cdc/model"
	"github.com/pingcap/cdcstream/pkg/cmd/factory"
	"github.com/pingcap/cdcstream/pkg/cmd/util"
	"github.com/spf13/cobra"
)

// checkpointOptions defines common flags for the `cli checkpoint` commands.
type checkpointOptions struct {
	streamID    string
	partitionID string
}

func (o *checkpointOptions) addFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&o.streamID, "stream-id", "s", "", "Stream of the checkpoint")
	cmd.PersistentFlags().StringVarP(&o.partitionID, "partition-id", "p", "", "Partition of the checkpoint")
	_ = cmd.MarkPersistentFlagRequired("stream-id")
	_ = cmd.MarkPersistentFlagRequired("partition-id")
}

func newCmdGetCheckpoint(f factory.Factory) *cobra.Command {
	o := &checkpointOptions{}
	var proxy bool
	command := &cobra.Command{
		Use:   "get",
		Short: "Query the stored checkpoint of a stream partition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(f, func(ctx context.Context, client *cdcrpc.Client) error {
				resp, err := client.GetCheckpoint(ctx, &model.GetCheckpointRequest{
					StreamID:     o.streamID,
					PartitionID:  o.partitionID,
					ServeAsProxy: proxy,
				})
				if err != nil {
					return err
				}
				if err := resp.Err(); err != nil {
					return err
				}
				cmd.Println(resp.Checkpoint.String())
				return nil
			})
		},
	}
	o.addFlags(command)
	command.PersistentFlags().BoolVar(&proxy, "proxy", true, "Forward the request to the partition leader")
	return command
}

func newCmdSetCheckpoint(f factory.Factory) *cobra.Command {
	o := &checkpointOptions{}
	var checkpoint string
	command := &cobra.Command{
		Use:   "set",
		Short: "Move the checkpoint of an explicit stream partition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := model.ParseOpID(checkpoint)
			if err != nil {
				return err
			}
			return withClient(f, func(ctx context.Context, client *cdcrpc.Client) error {
				resp, err := client.SetCheckpoint(ctx, &model.SetCheckpointRequest{
					StreamID:    o.streamID,
					PartitionID: o.partitionID,
					Checkpoint:  &cp,
				})
				if err != nil {
					return err
				}
				return resp.Err()
			})
		},
	}
	o.addFlags(command)
	command.PersistentFlags().StringVar(&checkpoint, "checkpoint", "", "New checkpoint as term.index")
	_ = command.MarkPersistentFlagRequired("checkpoint")
	return command
}

// newCmdCheckpoint creates the `cli checkpoint` command.
func newCmdCheckpoint(f factory.Factory) *cobra.Command {
	cmds := &cobra.Command{
		Use:   "checkpoint",
		Short: "Manage stream checkpoints",
	}
	cmds.AddCommand(newCmdGetCheckpoint(f), newCmdSetCheckpoint(f))
	return cmds
}

// newCmdChanges creates the `cli changes` command.
func newCmdChanges(f factory.Factory) *cobra.Command {
	var (
		req  model.GetChangesRequest
		from string
	)
	command := &cobra.Command{
		Use:   "changes",
		Short: "Read a batch of changes of a stream partition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.StreamID == "" && req.DBStreamID == "" {
				return cmd.Usage()
			}
			if from != "" {
				cp, err := model.ParseOpID(from)
				if err != nil {
					return err
				}
				req.FromCheckpoint = &cp
			}
			return withClient(f, func(ctx context.Context, client *cdcrpc.Client) error {
				resp, err := client.GetChanges(ctx, &req)
				if err != nil {
					return err
				}
				if err := resp.Err(); err != nil {
					return err
				}
				return util.JSONPrint(cmd, resp)
			})
		},
	}
	command.PersistentFlags().StringVarP(&req.StreamID, "stream-id", "s", "", "Stream to read")
	command.PersistentFlags().StringVar(&req.DBStreamID, "db-stream-id", "", "Database stream to read, overrides --stream-id")
	command.PersistentFlags().StringVarP(&req.PartitionID, "partition-id", "p", "", "Partition to read")
	command.PersistentFlags().StringVar(&from, "from", "", "Read from this term.index instead of the stored checkpoint")
	command.PersistentFlags().IntVar(&req.MaxRecords, "max-records", 0, "Upper bound of records in the batch")
	command.PersistentFlags().BoolVar(&req.ServeAsProxy, "proxy", true, "Forward the request to the partition leader")
	_ = command.MarkPersistentFlagRequired("partition-id")
	return command
}

// newCmdPartitions creates the `cli partitions` command.
func newCmdPartitions(f factory.Factory) *cobra.Command {
	var req model.ListPartitionsRequest
	command := &cobra.Command{
		Use:   "partitions",
		Short: "List the partitions of a stream and their replicas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(f, func(ctx context.Context, client *cdcrpc.Client) error {
				resp, err := client.ListPartitions(ctx, &req)
				if err != nil {
					return err
				}
				if err := resp.Err(); err != nil {
					return err
				}
				return util.JSONPrint(cmd, resp.Partitions)
			})
		},
	}
	command.PersistentFlags().StringVarP(&req.StreamID, "stream-id", "s", "", "Stream to describe")
	command.PersistentFlags().BoolVar(&req.LocalOnly, "local-only", false, "Only list the partitions hosted by the server")
	_ = command.MarkPersistentFlagRequired("stream-id")
	return command
}

// newCmdLogPosition creates the `cli log-position` command.
func newCmdLogPosition(f factory.Factory) *cobra.Command {
	var req model.GetLatestLogPositionRequest
	command := &cobra.Command{
		Use:   "log-position",
		Short: "Query the last written op id of a partition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(f, func(ctx context.Context, client *cdcrpc.Client) error {
				resp, err := client.GetLatestLogPosition(ctx, &req)
				if err != nil {
					return err
				}
				if err := resp.Err(); err != nil {
					return err
				}
				cmd.Println(resp.OpID.String())
				return nil
			})
		},
	}
	command.PersistentFlags().StringVarP(&req.PartitionID, "partition-id", "p", "", "Partition to query")
	_ = command.MarkPersistentFlagRequired("partition-id")
	return command
}
