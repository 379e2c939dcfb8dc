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

package forwarder

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pingcap/cdcstream/cdc/cdcrpc"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

type pooledClient struct {
	conn   *grpc.ClientConn
	client *cdcrpc.Client
}

// clientPool caches one connection per host:port. A connection evicted from
// the cache may still carry calls, it is retired and closed with the pool.
// Dialing a retired target revives its connection.
type clientPool struct {
	// mu serializes dials so a target is dialed at most once.
	mu       sync.Mutex
	cache    *lru.Cache
	dialOpts []grpc.DialOption

	retiredMu sync.Mutex
	retired   map[string]*pooledClient
}

func newClientPool(size int, dialOpts ...grpc.DialOption) *clientPool {
	p := &clientPool{dialOpts: dialOpts, retired: make(map[string]*pooledClient)}
	cache, err := lru.NewWithEvict(size, func(key, value interface{}) {
		p.retiredMu.Lock()
		p.retired[key.(string)] = value.(*pooledClient)
		p.retiredMu.Unlock()
	})
	if err != nil {
		// only fails on a non positive size
		log.Panic("create client pool failed", zap.Int("size", size), zap.Error(err))
	}
	p.cache = cache
	return p
}

func (p *clientPool) get(ctx context.Context, target string) (*cdcrpc.Client, error) {
	if v, ok := p.cache.Get(target); ok {
		return v.(*pooledClient).client, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.cache.Get(target); ok {
		return v.(*pooledClient).client, nil
	}
	p.retiredMu.Lock()
	c, ok := p.retired[target]
	delete(p.retired, target)
	p.retiredMu.Unlock()
	if ok {
		p.cache.Add(target, c)
		return c.client, nil
	}
	conn, err := cdcrpc.Dial(ctx, target, p.dialOpts...)
	if err != nil {
		return nil, err
	}
	c = &pooledClient{conn: conn, client: cdcrpc.NewClient(conn)}
	p.cache.Add(target, c)
	log.Debug("cdc client connected", zap.String("target", target))
	return c.client, nil
}

func (p *clientPool) len() int {
	return p.cache.Len()
}

func (p *clientPool) retiredLen() int {
	p.retiredMu.Lock()
	defer p.retiredMu.Unlock()
	return len(p.retired)
}

// close closes every connection, cached or retired.
func (p *clientPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Purge()
	p.retiredMu.Lock()
	defer p.retiredMu.Unlock()
	for target, c := range p.retired {
		if err := c.conn.Close(); err != nil {
			log.Warn("close connection failed", zap.String("target", target), zap.Error(err))
		}
		delete(p.retired, target)
	}
}
