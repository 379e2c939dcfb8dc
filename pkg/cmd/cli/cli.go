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
	"time"

	"github.com/pingcap/cdcstream/cdc/cdcrpc"
	"github.com/pingcap/cdcstream/pkg/cmd/factory"
	"github.com/pingcap/cdcstream/pkg/logutil"
	"github.com/spf13/cobra"
)

// defaultRequestTimeout bounds every request issued by a cli command.
const defaultRequestTimeout = 30 * time.Second

// NewCmdCli creates the `cli` command.
func NewCmdCli() *cobra.Command {
	cf := factory.NewClientFlags()
	cmds := newCmdCli(factory.NewFactory(cf))
	cf.AddFlags(cmds)
	return cmds
}

func newCmdCli(f factory.Factory) *cobra.Command {
	cmds := &cobra.Command{
		Use:   "cli",
		Short: "Manage change streams and their checkpoints",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logutil.SetLogLevel(f.GetLogLevel())
		},
	}

	cmds.AddCommand(newCmdStream(f))
	cmds.AddCommand(newCmdCheckpoint(f))
	cmds.AddCommand(newCmdChanges(f))
	cmds.AddCommand(newCmdPartitions(f))
	cmds.AddCommand(newCmdLogPosition(f))

	return cmds
}

// withClient runs fn with a connected client and a request context.
func withClient(f factory.Factory, fn func(ctx context.Context, client *cdcrpc.Client) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()
	client, closeFn, err := f.Client(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, client)
}
