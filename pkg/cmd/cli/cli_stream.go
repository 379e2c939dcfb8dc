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

// createStreamOptions defines flags for the `cli stream create` command.
type createStreamOptions struct {
	req model.CreateStreamRequest
}

func (o *createStreamOptions) addFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar((*string)(&o.req.TableID), "table", "", "Table to stream")
	cmd.PersistentFlags().StringVar(&o.req.NamespaceName, "namespace", "", "Namespace to stream, every table with a primary key is included")
	cmd.PersistentFlags().StringVar((*string)(&o.req.RecordType), "record-type", "", "Row images of the records (etc: change|after|all)")
	cmd.PersistentFlags().StringVar((*string)(&o.req.RecordFormat), "record-format", "", "Encoding of the records (etc: json|wal|proto)")
	cmd.PersistentFlags().StringVar((*string)(&o.req.SourceType), "source-type", "", "Kind of consumer (etc: xcluster|cdcsdk)")
	cmd.PersistentFlags().StringVar((*string)(&o.req.CheckpointType), "checkpoint-type", "", "Who moves the checkpoint (etc: implicit|explicit)")
}

func (o *createStreamOptions) run(cmd *cobra.Command, f factory.Factory) error {
	return withClient(f, func(ctx context.Context, client *cdcrpc.Client) error {
		resp, err := client.CreateStream(ctx, &o.req)
		if err != nil {
			return err
		}
		if err := resp.Err(); err != nil {
			return err
		}
		return util.JSONPrint(cmd, resp)
	})
}

// deleteStreamOptions defines flags for the `cli stream delete` command.
type deleteStreamOptions struct {
	req model.DeleteStreamRequest
}

func (o *deleteStreamOptions) addFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringSliceVarP(&o.req.StreamIDs, "stream-id", "s", nil, "Streams to delete")
	cmd.PersistentFlags().BoolVar(&o.req.IgnoreErrors, "ignore-errors", false, "Skip streams that do not exist")
	cmd.PersistentFlags().BoolVar(&o.req.ForceDelete, "force", false, "Delete the streams even if they are in use")
	_ = cmd.MarkPersistentFlagRequired("stream-id")
}

func (o *deleteStreamOptions) run(cmd *cobra.Command, f factory.Factory) error {
	return withClient(f, func(ctx context.Context, client *cdcrpc.Client) error {
		resp, err := client.DeleteStream(ctx, &o.req)
		if err != nil {
			return err
		}
		if err := resp.Err(); err != nil {
			return err
		}
		cmd.Printf("deleted %d stream(s)\n", len(o.req.StreamIDs))
		return nil
	})
}

// bootstrapOptions defines flags for the `cli stream bootstrap` command.
type bootstrapOptions struct {
	req model.BootstrapProducerRequest
}

func (o *bootstrapOptions) addFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringSliceVar(&o.req.TableIDs, "table", nil, "Tables to bootstrap, one stream per table")
	_ = cmd.MarkPersistentFlagRequired("table")
}

func (o *bootstrapOptions) run(cmd *cobra.Command, f factory.Factory) error {
	return withClient(f, func(ctx context.Context, client *cdcrpc.Client) error {
		resp, err := client.BootstrapProducer(ctx, &o.req)
		if err != nil {
			return err
		}
		if err := resp.Err(); err != nil {
			return err
		}
		return util.JSONPrint(cmd, resp)
	})
}

// streamInfoOptions defines flags for the `cli stream info` command.
type streamInfoOptions struct {
	req model.GetDBStreamInfoRequest
}

func (o *streamInfoOptions) addFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&o.req.DBStreamID, "db-stream-id", "", "Database stream to describe")
	_ = cmd.MarkPersistentFlagRequired("db-stream-id")
}

func (o *streamInfoOptions) run(cmd *cobra.Command, f factory.Factory) error {
	return withClient(f, func(ctx context.Context, client *cdcrpc.Client) error {
		resp, err := client.GetDBStreamInfo(ctx, &o.req)
		if err != nil {
			return err
		}
		if err := resp.Err(); err != nil {
			return err
		}
		return util.JSONPrint(cmd, resp.Tables)
	})
}

// newCmdStream creates the `cli stream` command.
func newCmdStream(f factory.Factory) *cobra.Command {
	cmds := &cobra.Command{
		Use:   "stream",
		Short: "Manage change streams",
	}

	create := &createStreamOptions{}
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a stream over a table or a namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return create.run(cmd, f)
		},
	}
	create.addFlags(createCmd)

	del := &deleteStreamOptions{}
	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete streams and their checkpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return del.run(cmd, f)
		},
	}
	del.addFlags(deleteCmd)

	bootstrap := &bootstrapOptions{}
	bootstrapCmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create cross cluster streams starting at the current end of the logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return bootstrap.run(cmd, f)
		},
	}
	bootstrap.addFlags(bootstrapCmd)

	info := &streamInfoOptions{}
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "List the tables of a database stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return info.run(cmd, f)
		},
	}
	info.addFlags(infoCmd)

	cmds.AddCommand(createCmd, deleteCmd, bootstrapCmd, infoCmd)
	return cmds
}
