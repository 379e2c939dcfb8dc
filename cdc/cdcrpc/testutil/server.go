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

package testutil

import (
	"context"
	"net"
	"testing"

	"github.com/pingcap/cdcstream/cdc/cdcrpc"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

// Server is an in-process CDC service reachable through Dialer.
type Server struct {
	lis  *bufconn.Listener
	grpc *grpc.Server
	done chan struct{}
}

// StartServer serves srv over an in-memory listener until Stop is called.
func StartServer(t *testing.T, srv cdcrpc.CDCServiceServer) *Server {
	s := &Server{
		lis:  bufconn.Listen(bufSize),
		grpc: grpc.NewServer(),
		done: make(chan struct{}),
	}
	cdcrpc.RegisterCDCServiceServer(s.grpc, srv)
	go func() {
		defer close(s.done)
		_ = s.grpc.Serve(s.lis)
	}()
	t.Cleanup(s.Stop)
	return s
}

// DialOption routes every dial to the in-memory listener.
func (s *Server) DialOption() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return s.lis.DialContext(ctx)
	})
}

// Dial opens a connection to the server.
func (s *Server) Dial(t *testing.T) *grpc.ClientConn {
	conn, err := cdcrpc.Dial(context.Background(), "passthrough:///bufnet", s.DialOption())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// Stop stops the server and waits for it to exit. Calling it twice is safe.
func (s *Server) Stop() {
	s.grpc.Stop()
	<-s.done
}
