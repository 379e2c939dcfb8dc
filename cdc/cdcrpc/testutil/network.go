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
	"sync"
	"testing"

	"github.com/pingcap/cdcstream/cdc/cdcrpc"
	"github.com/pingcap/errors"
	"google.golang.org/grpc"
)

// Network routes dials by address to in-process servers.
type Network struct {
	mu      sync.RWMutex
	servers map[string]*Server
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{servers: make(map[string]*Server)}
}

// Serve starts srv and makes it reachable at addr.
func (n *Network) Serve(t *testing.T, addr string, srv cdcrpc.CDCServiceServer) *Server {
	s := StartServer(t, srv)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.servers[addr] = s
	return s
}

// DialOption dials the server registered at the target address.
func (n *Network) DialOption() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		n.mu.RLock()
		s, ok := n.servers[addr]
		n.mu.RUnlock()
		if !ok {
			return nil, errors.Errorf("no server at %s", addr)
		}
		return s.lis.DialContext(ctx)
	})
}
