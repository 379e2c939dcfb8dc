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
	"math"
	"time"

	"github.com/pingcap/cdcstream/cdc/catalog"
	"github.com/pingcap/cdcstream/cdc/model"
	cerror "github.com/pingcap/cdcstream/pkg/errors"
	"github.com/pingcap/cdcstream/pkg/retry"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const (
	updatePeerMaxTries       = 4
	updatePeerInitialBackoff = 50 * time.Millisecond
	updatePeerMaxBackoff     = time.Second
)

// ChangesResult is the outcome of a forwarded GetChanges call.
type ChangesResult struct {
	Resp *model.GetChangesResponse
	Err  error
}

// Forwarder sends requests to the other nodes of the cluster, usually to the
// leader of a partition.
type Forwarder struct {
	catalog      catalog.Catalog
	localUUID    model.PeerUUID
	writeTimeout time.Duration
	pool         *clientPool
}

// NewForwarder creates a Forwarder with a client pool of poolSize targets.
func NewForwarder(
	cat catalog.Catalog, localUUID model.PeerUUID, poolSize int, writeTimeout time.Duration,
	dialOpts ...grpc.DialOption,
) *Forwarder {
	return &Forwarder{
		catalog:      cat,
		localUUID:    localUUID,
		writeTimeout: writeTimeout,
		pool:         newClientPool(poolSize, dialOpts...),
	}
}

// GetChangesAsync forwards req to leader. The call runs on its own goroutine
// on a copy of req, the result is delivered once on the returned channel.
func (f *Forwarder) GetChangesAsync(
	ctx context.Context, leader *model.PeerInfo, req *model.GetChangesRequest,
) <-chan ChangesResult {
	ch := make(chan ChangesResult, 1)
	forwarded := req.Clone()
	forwarded.ServeAsProxy = false
	addr := leader.Addr()
	go func() {
		client, err := f.pool.get(ctx, addr)
		if err != nil {
			ch <- ChangesResult{Err: err}
			return
		}
		resp, err := client.GetChanges(ctx, forwarded)
		ch <- ChangesResult{Resp: resp, Err: err}
	}()
	return ch
}

// GetCheckpoint asks the leader of the requested partition for the stored
// checkpoint. asking is the peer that received the request, a leader equal to
// it means the local view of leadership is stale.
func (f *Forwarder) GetCheckpoint(
	ctx context.Context, req *model.GetCheckpointRequest, asking model.PeerUUID,
) (*model.GetCheckpointResponse, error) {
	loc, err := f.catalog.LocatePartition(ctx, req.PartitionID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if loc.Leader == nil {
		return nil, cerror.ErrPartitionLeaderNotFound.GenWithStackByArgs(req.PartitionID)
	}
	if loc.Leader.UUID == asking {
		return nil, cerror.ErrSelfForwarding.GenWithStackByArgs(loc.Leader.UUID, asking)
	}
	client, err := f.pool.get(ctx, loc.Leader.Addr())
	if err != nil {
		return nil, err
	}
	forwarded := *req
	forwarded.ServeAsProxy = false
	resp, err := client.GetCheckpoint(ctx, &forwarded)
	if err != nil {
		return nil, err
	}
	return resp, resp.Err()
}

// LatestLogPosition returns the last position of the log of partition, as
// seen by its leader or, when the leader fails, by the first follower that
// answers.
func (f *Forwarder) LatestLogPosition(ctx context.Context, partition model.PartitionID) (model.OpID, error) {
	loc, err := f.catalog.LocatePartition(ctx, partition)
	if err != nil {
		return model.ZeroOpID, errors.Trace(err)
	}
	candidates := make([]model.PeerInfo, 0, len(loc.Replicas))
	if loc.Leader != nil {
		candidates = append(candidates, *loc.Leader)
	}
	candidates = append(candidates, loc.Followers()...)
	if len(candidates) == 0 {
		return model.ZeroOpID, cerror.ErrPartitionLeaderNotFound.GenWithStackByArgs(partition)
	}

	var errs error
	for _, peer := range candidates {
		opID, err := f.latestLogPositionFrom(ctx, peer, partition)
		if err == nil {
			return opID, nil
		}
		log.Warn("get latest log position failed",
			zap.String("partition", partition),
			zap.String("peer", peer.UUID),
			zap.Error(err))
		errs = multierr.Append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return model.ZeroOpID, errs
}

func (f *Forwarder) latestLogPositionFrom(
	ctx context.Context, peer model.PeerInfo, partition model.PartitionID,
) (model.OpID, error) {
	client, err := f.pool.get(ctx, peer.Addr())
	if err != nil {
		return model.ZeroOpID, err
	}
	resp, err := client.GetLatestLogPosition(ctx, &model.GetLatestLogPositionRequest{PartitionID: partition})
	if err != nil {
		return model.ZeroOpID, err
	}
	if err := resp.Err(); err != nil {
		return model.ZeroOpID, err
	}
	return resp.OpID, nil
}

// UpdatePeersMinReplicatedIndex sets the minimum replicated index of every
// remote replica of partition. Peers are updated in parallel, each with a
// few retries.
func (f *Forwarder) UpdatePeersMinReplicatedIndex(
	ctx context.Context, partition model.PartitionID, index, term int64,
) error {
	loc, err := f.catalog.LocatePartition(ctx, partition)
	if err != nil {
		return errors.Trace(err)
	}
	eg, ctx := errgroup.WithContext(ctx)
	for _, peer := range loc.Replicas {
		if peer.UUID == f.localUUID {
			continue
		}
		peer := peer
		eg.Go(func() error {
			return f.updatePeer(ctx, peer, &model.UpdateReplicatedIndexRequest{
				PartitionID:     partition,
				ReplicatedIndex: index,
				ReplicatedTerm:  term,
			})
		})
	}
	return eg.Wait()
}

// ResetPeersMinReplicatedIndex lets the remote replicas of partition
// garbage collect their whole log again.
func (f *Forwarder) ResetPeersMinReplicatedIndex(ctx context.Context, partition model.PartitionID) error {
	return f.UpdatePeersMinReplicatedIndex(ctx, partition, math.MaxInt64, math.MaxInt64)
}

func (f *Forwarder) updatePeer(ctx context.Context, peer model.PeerInfo, req *model.UpdateReplicatedIndexRequest) error {
	err := retry.Do(ctx, func() error {
		client, err := f.pool.get(ctx, peer.Addr())
		if err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, f.writeTimeout)
		defer cancel()
		resp, err := client.UpdateReplicatedIndex(callCtx, req)
		if err != nil {
			return err
		}
		return resp.Err()
	}, retry.WithBackoffBaseDelay(updatePeerInitialBackoff),
		retry.WithBackoffMaxDelay(updatePeerMaxBackoff),
		retry.WithMaxTries(updatePeerMaxTries),
		retry.WithIsRetryableErr(cerror.IsRetryableError))
	if err != nil {
		return cerror.ErrUpdatePeersFailed.Wrap(err).GenWithStackByArgs(peer.UUID)
	}
	return nil
}

// Close closes every pooled connection.
func (f *Forwarder) Close() {
	f.pool.close()
}
