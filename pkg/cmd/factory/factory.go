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

package factory

import (
	"context"

	"github.com/pingcap/cdcstream/cdc/cdcrpc"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

// Factory defines the client-side construction factory.
type Factory interface {
	ClientGetter
	// Client connects to the server. The returned close function releases
	// the connection.
	Client(ctx context.Context) (*cdcrpc.Client, func(), error)
}

// ClientGetter defines the client getter.
type ClientGetter interface {
	GetServerAddr() string
	GetLogLevel() string
}

// ClientFlags specifies the parameters needed to construct the client.
type ClientFlags struct {
	serverAddr string
	logLevel   string
}

var _ ClientGetter = &ClientFlags{}

// NewClientFlags creates new client flags.
func NewClientFlags() *ClientFlags {
	return &ClientFlags{}
}

// AddFlags receives a *cobra.Command reference and binds
// flags related to template printing to it.
func (c *ClientFlags) AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&c.serverAddr, "server", "127.0.0.1:9100", "cdcstream server address")
	cmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn", "log level (etc: debug|info|warn|error)")
}

// GetServerAddr returns the server address.
func (c *ClientFlags) GetServerAddr() string {
	return c.serverAddr
}

// GetLogLevel returns log level.
func (c *ClientFlags) GetLogLevel() string {
	return c.logLevel
}

type factoryImpl struct {
	ClientGetter
	dialOpts []grpc.DialOption
}

// NewFactory creates a client build factory. dialOpts are appended to the
// default dial options.
func NewFactory(c ClientGetter, dialOpts ...grpc.DialOption) Factory {
	return &factoryImpl{ClientGetter: c, dialOpts: dialOpts}
}

// Client implements Factory.
func (f *factoryImpl) Client(ctx context.Context) (*cdcrpc.Client, func(), error) {
	addr := f.GetServerAddr()
	if addr == "" {
		return nil, nil, errors.New("server address is required, please use --server")
	}
	conn, err := cdcrpc.Dial(ctx, addr, f.dialOpts...)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	return cdcrpc.NewClient(conn), func() { _ = conn.Close() }, nil
}
