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

package consensus

import (
	"math"
	"sort"
	"sync"

	"github.com/pingcap/cdcstream/cdc/model"
	cerror "github.com/pingcap/cdcstream/pkg/errors"
	"github.com/pingcap/cdcstream/pkg/memory"
)

// LocalPeer is an in memory replica with its own log. Garbage collection
// of the log honors the minimum replicated index.
type LocalPeer struct {
	partition model.PartitionID
	tracker   *memory.Tracker

	mu     sync.RWMutex
	status LeaderStatus
	term   int64
	// entries are ordered by index, entries[0] is the first retained entry.
	entries        []*model.ChangeRecord
	lastOpID       model.OpID
	lastReplicated int64
	minReplicated  int64
	consumerOpID   model.OpID
	logReady       bool
	setIndexErr    error
}

var (
	_ Peer = (*LocalPeer)(nil)
	_ Log  = (*LocalPeer)(nil)
)

// NewLocalPeer creates a follower replica with an empty log.
func NewLocalPeer(partition model.PartitionID) *LocalPeer {
	return &LocalPeer{
		partition:     partition,
		tracker:       memory.NewTracker(partition),
		minReplicated: math.MaxInt64,
		logReady:      true,
	}
}

// PartitionID implements Peer.
func (p *LocalPeer) PartitionID() model.PartitionID {
	return p.partition
}

// LeaderStatus implements Peer.
func (p *LocalPeer) LeaderStatus() (LeaderStatus, int64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status, p.term
}

// SetLeaderStatus changes the role and term of the replica.
func (p *LocalPeer) SetLeaderStatus(status LeaderStatus, term int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = status
	p.term = term
}

// SetLogReady marks the log initialized or not.
func (p *LocalPeer) SetLogReady(ready bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logReady = ready
}

// Log implements Peer.
func (p *LocalPeer) Log() Log {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.logReady {
		return nil
	}
	return p
}

// Append adds records at the end of the log in the current term.
func (p *LocalPeer) Append(records ...*model.ChangeRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range records {
		p.lastOpID = model.OpID{Term: p.term, Index: p.lastOpID.Index + 1}
		r.OpID = p.lastOpID
		p.entries = append(p.entries, r)
		if r.CommitTime > p.lastReplicated {
			p.lastReplicated = r.CommitTime
		}
	}
}

// GC drops the entries up to index, never beyond the minimum replicated
// index. It returns the index of the last dropped entry.
func (p *LocalPeer) GC(index int64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.minReplicated-1 < index {
		index = p.minReplicated - 1
	}
	n := sort.Search(len(p.entries), func(i int) bool { return p.entries[i].OpID.Index > index })
	if n == 0 {
		return p.firstIndexLocked() - 1
	}
	p.entries = append([]*model.ChangeRecord(nil), p.entries[n:]...)
	return p.firstIndexLocked() - 1
}

func (p *LocalPeer) firstIndexLocked() int64 {
	if len(p.entries) == 0 {
		return p.lastOpID.Index + 1
	}
	return p.entries[0].OpID.Index
}

// Read implements Log.
func (p *LocalPeer) Read(after int64, max int) ([]*model.ChangeRecord, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if after+1 < p.firstIndexLocked() {
		return nil, cerror.ErrLogEntryNotFound.GenWithStackByArgs(after, p.partition)
	}
	start := sort.Search(len(p.entries), func(i int) bool { return p.entries[i].OpID.Index > after })
	end := len(p.entries)
	if max > 0 && start+max < end {
		end = start + max
	}
	records := make([]*model.ChangeRecord, 0, end-start)
	for _, r := range p.entries[start:end] {
		copied := *r
		records = append(records, &copied)
	}
	return records, nil
}

// LastOpID implements Log.
func (p *LocalPeer) LastOpID() model.OpID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastOpID
}

// LastReplicatedTime implements Log.
func (p *LocalPeer) LastReplicatedTime() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastReplicated
}

// SetMinReplicatedIndex implements Peer.
func (p *LocalPeer) SetMinReplicatedIndex(index int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.setIndexErr != nil {
		return p.setIndexErr
	}
	p.minReplicated = index
	return nil
}

// InjectSetIndexError makes SetMinReplicatedIndex fail with err, nil to
// stop failing.
func (p *LocalPeer) InjectSetIndexError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setIndexErr = err
}

// MinReplicatedIndex implements Peer.
func (p *LocalPeer) MinReplicatedIndex() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.minReplicated
}

// UpdateConsumerOpID implements Peer.
func (p *LocalPeer) UpdateConsumerOpID(opID model.OpID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumerOpID = opID
}

// ConsumerOpID returns the last position set by UpdateConsumerOpID.
func (p *LocalPeer) ConsumerOpID() model.OpID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.consumerOpID
}

// MemTracker implements Peer.
func (p *LocalPeer) MemTracker() *memory.Tracker {
	return p.tracker
}
