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
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pingcap/cdcstream/cdc"
	"github.com/pingcap/cdcstream/cdc/catalog"
	"github.com/pingcap/cdcstream/cdc/cdcrpc"
	"github.com/pingcap/cdcstream/cdc/consensus"
	"github.com/pingcap/cdcstream/cdc/forwarder"
	"github.com/pingcap/cdcstream/cdc/producer"
	"github.com/pingcap/cdcstream/cdc/service"
	"github.com/pingcap/cdcstream/cdc/statetable"
	"github.com/pingcap/cdcstream/cdc/statetable/etcdtable"
	"github.com/pingcap/cdcstream/cdc/statetable/pebbletable"
	"github.com/pingcap/cdcstream/cdc/statetable/sqltable"
	"github.com/pingcap/cdcstream/pkg/config"
	cerror "github.com/pingcap/cdcstream/pkg/errors"
	"github.com/pingcap/cdcstream/pkg/etcd"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.etcd.io/etcd/client/pkg/v3/logutil"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/keepalive"
)

const (
	// httpConnectionTimeout is used to limit a connection max alive time of http server.
	httpConnectionTimeout = 10 * time.Minute
	etcdDialTimeout       = 5 * time.Second
)

// Server runs the cdc service of one node: the gRPC endpoint, the status
// HTTP endpoint and the maintenance loop.
type Server struct {
	conf *config.ServerConfig

	backend      statetable.Backend
	svc          *service.Service
	grpcServer   *grpc.Server
	statusServer *http.Server

	grpcListener   net.Listener
	statusListener net.Listener
}

// New creates a server and binds its listeners.
func New(ctx context.Context, conf *config.ServerConfig) (s *Server, err error) {
	s = &Server{conf: conf}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	s.backend, err = newBackend(ctx, conf.StateTable)
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.grpcListener, err = net.Listen("tcp", conf.Addr)
	if err != nil {
		return nil, errors.Annotate(err, "listen grpc address")
	}
	s.statusListener, err = net.Listen("tcp", conf.StatusAddr)
	if err != nil {
		return nil, errors.Annotate(err, "listen status address")
	}

	cat := catalog.NewMemCatalog(conf.Cluster)
	s.svc = service.New(conf.CDC, service.Deps{
		Catalog:    cat,
		Peers:      localPeers(conf),
		Reader:     producer.Reader{},
		StateTable: s.backend,
		Forwarder: forwarder.NewForwarder(
			cat, conf.PeerUUID, conf.CDC.ClientPoolSize, time.Duration(conf.CDC.WriteRPCTimeout)),
	})

	s.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    10 * time.Second,
			Timeout: 3 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	cdcrpc.RegisterCDCServiceServer(s.grpcServer, s.svc)

	// discard gin log output
	gin.DefaultWriter = io.Discard
	router := gin.New()
	// add gin.Recovery() to handle unexpected panic
	router.Use(gin.Recovery())
	cdc.RegisterRoutes(router, s.svc, registry)
	// Add ReadTimeout and WriteTimeout to avoid some abnormal connections never close.
	s.statusServer = &http.Server{
		Handler:      router,
		ReadTimeout:  httpConnectionTimeout,
		WriteTimeout: httpConnectionTimeout,
	}

	log.Info("cdc server created",
		zap.String("peer", conf.PeerUUID),
		zap.String("addr", s.grpcListener.Addr().String()),
		zap.String("statusAddr", s.statusListener.Addr().String()),
		zap.String("stateTable", conf.StateTable.Backend),
		zap.Stringer("config", conf))
	return s, nil
}

// localPeers registers the partition replicas placed on this node. Leaders
// start in term 1.
func localPeers(conf *config.ServerConfig) *consensus.Manager {
	peers := consensus.NewManager(conf.PeerUUID)
	for _, t := range conf.Cluster.Tables {
		for _, p := range t.Partitions {
			for _, r := range p.Replicas {
				if r != conf.PeerUUID {
					continue
				}
				peer := peers.AddPeer(p.ID)
				if p.Leader == conf.PeerUUID {
					peer.SetLeaderStatus(consensus.LeaderAndReady, 1)
				}
			}
		}
	}
	return peers
}

// newBackend opens the checkpoint table storage selected by conf.
func newBackend(ctx context.Context, conf *config.StateTableConfig) (statetable.Backend, error) {
	switch conf.Backend {
	case config.StateTableBackendEtcd:
		cli, err := newEtcdClient(ctx, conf.Endpoints)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return etcdtable.NewTable(etcd.Wrap(cli, etcd.RequestMetrics()), conf.KeyPrefix, conf.ScanPageSize), nil
	case config.StateTableBackendSQL:
		table, err := sqltable.NewTable(conf.Driver, conf.DSN, conf.ScanPageSize)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return table, nil
	case config.StateTableBackendPebble:
		table, err := pebbletable.NewTable(conf.Dir)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return table, nil
	case config.StateTableBackendMemory:
		return statetable.NewMemTable(), nil
	}
	return nil, cerror.ErrInvalidServerOption.GenWithStackByArgs("unknown state table backend " + conf.Backend)
}

func newEtcdClient(ctx context.Context, endpoints []string) (*clientv3.Client, error) {
	logConfig := logutil.DefaultZapLoggerConfig
	logConfig.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	cli, err := clientv3.New(clientv3.Config{
		Context:     ctx,
		Endpoints:   endpoints,
		LogConfig:   &logConfig,
		DialTimeout: etcdDialTimeout,
		DialOptions: []grpc.DialOption{
			grpc.WithConnectParams(grpc.ConnectParams{
				Backoff: backoff.Config{
					BaseDelay:  time.Second,
					Multiplier: 1.1,
					Jitter:     0.1,
					MaxDelay:   3 * time.Second,
				},
				MinConnectTimeout: 3 * time.Second,
			}),
		},
	})
	if err != nil {
		return nil, errors.Annotate(err, "create etcd client")
	}
	return cli, nil
}

// GRPCAddr returns the address the gRPC endpoint listens on.
func (s *Server) GRPCAddr() string {
	return s.grpcListener.Addr().String()
}

// StatusAddr returns the address the status endpoint listens on.
func (s *Server) StatusAddr() string {
	return s.statusListener.Addr().String()
}

// Service returns the cdc service.
func (s *Server) Service() *service.Service {
	return s.svc
}

// Run serves until ctx is done or an endpoint fails.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.svc.Start(ctx)
	wg, cctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		log.Info("grpc server is running", zap.String("addr", s.GRPCAddr()))
		return errors.Trace(s.grpcServer.Serve(s.grpcListener))
	})
	wg.Go(func() error {
		log.Info("http server is running", zap.String("addr", s.StatusAddr()))
		err := s.statusServer.Serve(s.statusListener)
		if err != nil && err != http.ErrServerClosed {
			return errors.Trace(err)
		}
		return nil
	})
	wg.Go(func() error {
		<-cctx.Done()
		s.grpcServer.Stop()
		if err := s.statusServer.Close(); err != nil {
			log.Warn("close status server", zap.Error(err))
		}
		return cctx.Err()
	})
	return wg.Wait()
}

// Close stops the service and releases the checkpoint table storage.
func (s *Server) Close() {
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	if s.statusServer != nil {
		if err := s.statusServer.Close(); err != nil {
			log.Warn("close status server", zap.Error(err))
		}
	}
	for _, l := range []net.Listener{s.grpcListener, s.statusListener} {
		if l != nil {
			_ = l.Close()
		}
	}
	if s.svc != nil {
		s.svc.Close()
	}
	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			log.Warn("close checkpoint table", zap.Error(err))
		}
	}
	log.Info("cdc server closed")
}
