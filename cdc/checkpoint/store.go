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

package checkpoint

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/cdcstream/cdc/model"
	"github.com/pingcap/cdcstream/pkg/memory"
)

// memTrackerLabel is the label of the tracker every stream tracker of a
// partition is parented to.
const memTrackerLabel = "CDC"

type position struct {
	opID model.OpID
	// updated is the zero time for positions that were registered but never
	// touched, so that they count as expired.
	updated time.Time
}

func (p position) expired(now time.Time, interval time.Duration) bool {
	return now.Sub(p.updated) > interval
}

// entry holds the mutable state of one key. The store lock only protects the
// indices, the fields are guarded by mu.
type entry struct {
	key model.ProducerPartition

	mu      sync.Mutex
	sent    position
	durable position
	tracker *memory.Tracker
}

// Entry is a point in time copy of an entry.
type Entry struct {
	Key         model.ProducerPartition
	Sent        model.OpID
	SentTime    time.Time
	Durable     model.OpID
	DurableTime time.Time
}

// Store is the in memory cache of the checkpoint of every stream/partition
// pair served by this node.
type Store struct {
	// mu is shared with the stream metadata cache.
	mu *sync.RWMutex

	entries     map[model.ProducerPartition]*entry
	byPartition map[model.PartitionID]map[model.ProducerPartition]*entry
	byStream    map[model.StreamID]map[model.ProducerPartition]*entry
	sdkStates   map[model.ProducerPartition]*model.SDKState

	clock clock.Clock
	// freshness is how long a cached durable position is trusted, and the
	// minimum interval between two durable writes of a key.
	freshness time.Duration
}

// NewStore creates a store guarded by mu.
func NewStore(mu *sync.RWMutex, clk clock.Clock, freshness time.Duration) *Store {
	return &Store{
		mu:          mu,
		entries:     make(map[model.ProducerPartition]*entry),
		byPartition: make(map[model.PartitionID]map[model.ProducerPartition]*entry),
		byStream:    make(map[model.StreamID]map[model.ProducerPartition]*entry),
		sdkStates:   make(map[model.ProducerPartition]*model.SDKState),
		clock:       clk,
		freshness:   freshness,
	}
}

func (s *Store) insertLocked(key model.ProducerPartition, e *entry) {
	s.entries[key] = e
	partition, ok := s.byPartition[key.PartitionID]
	if !ok {
		partition = make(map[model.ProducerPartition]*entry)
		s.byPartition[key.PartitionID] = partition
	}
	partition[key] = e
	stream, ok := s.byStream[key.StreamID]
	if !ok {
		stream = make(map[model.ProducerPartition]*entry)
		s.byStream[key.StreamID] = stream
	}
	stream[key] = e
}

func (s *Store) eraseLocked(key model.ProducerPartition) bool {
	if _, ok := s.entries[key]; !ok {
		return false
	}
	delete(s.entries, key)
	if partition, ok := s.byPartition[key.PartitionID]; ok {
		delete(partition, key)
		if len(partition) == 0 {
			delete(s.byPartition, key.PartitionID)
		}
	}
	if stream, ok := s.byStream[key.StreamID]; ok {
		delete(stream, key)
		if len(stream) == 0 {
			delete(s.byStream, key.StreamID)
		}
	}
	return true
}

func (s *Store) lookup(key model.ProducerPartition) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok
}

// getOrInsert probes under the shared lock first and takes the exclusive
// lock only to insert. It returns true when this call inserted the entry
// built by newEntry.
func (s *Store) getOrInsert(key model.ProducerPartition, newEntry func() *entry) (*entry, bool) {
	if e, ok := s.lookup(key); ok {
		return e, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e, false
	}
	e := newEntry()
	s.insertLocked(key, e)
	return e, true
}

// UpsertInitial registers key at pos if it is absent. A touched key is
// marked live; an untouched one is left unchanged when present and does not
// hold back retention until it is read.
func (s *Store) UpsertInitial(key model.ProducerPartition, pos model.OpID, touched bool) {
	var ts time.Time
	if touched {
		ts = s.clock.Now()
	}
	e, inserted := s.getOrInsert(key, func() *entry {
		return &entry{
			key:     key,
			sent:    position{opID: pos, updated: ts},
			durable: position{opID: pos, updated: ts},
		}
	})
	if inserted || !touched {
		return
	}
	e.mu.Lock()
	e.sent.updated = ts
	e.durable.updated = ts
	e.mu.Unlock()
}

// GetCachedCommitted returns the durable position of key if it is set and
// was written within the freshness interval.
func (s *Store) GetCachedCommitted(key model.ProducerPartition) (model.OpID, bool) {
	e, ok := s.lookup(key)
	if !ok {
		return model.OpID{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.durable.opID.Index <= 0 || e.durable.expired(s.clock.Now(), s.freshness) {
		return model.OpID{}, false
	}
	return e.durable.opID, true
}

// Advance records that sent was handed to the consumer of key and that
// committed was acknowledged. A committed position with a non positive index
// is ignored. Both positions only move forward. It returns the durable
// position and whether it is due to be written to the checkpoint table,
// which happens at most once per freshness interval.
func (s *Store) Advance(key model.ProducerPartition, sent, committed model.OpID) (model.OpID, bool) {
	now := s.clock.Now()
	e, inserted := s.getOrInsert(key, func() *entry {
		e := &entry{key: key, sent: position{opID: sent, updated: now}}
		e.durable = position{opID: committed, updated: now}
		return e
	})
	e.mu.Lock()
	defer e.mu.Unlock()
	if inserted {
		return e.durable.opID, true
	}
	e.sent = position{opID: model.MaxOf(e.sent.opID, sent), updated: now}
	if committed.Index > 0 {
		e.durable.opID = model.MaxOf(e.durable.opID, committed)
	}
	if !e.durable.expired(now, s.freshness) {
		return e.durable.opID, false
	}
	e.durable.updated = now
	return e.durable.opID, true
}

// MinSentPosition returns the minimum sent position of the keys of
// partition that were polled within livenessWindow, or model.MaxOpID when
// no stream is live.
func (s *Store) MinSentPosition(partition model.PartitionID, livenessWindow time.Duration) model.OpID {
	now := s.clock.Now()
	minPos := model.MaxOpID
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.byPartition[partition] {
		e.mu.Lock()
		sent := e.sent
		e.mu.Unlock()
		if sent.expired(now, livenessWindow) {
			continue
		}
		if sent.opID.Less(minPos) {
			minPos = sent.opID
		}
	}
	return minPos
}

// ContainsPartition reports whether the stream is known and, if so, whether
// partition is one of its partitions.
func (s *Store) ContainsPartition(stream model.StreamID, partition model.PartitionID) (streamKnown, found bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys, ok := s.byStream[stream]
	if !ok {
		return false, false
	}
	_, found = keys[model.NewProducerPartition(stream, partition)]
	return true, found
}

// Repopulate registers every partition of stream without touching the keys
// already present.
func (s *Store) Repopulate(stream model.StreamID, partitions []model.PartitionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range partitions {
		key := model.NewProducerPartition(stream, p)
		if _, ok := s.entries[key]; ok {
			continue
		}
		s.insertLocked(key, &entry{key: key})
	}
}

// EraseKeys removes keys. The full-fidelity state of the keys is kept unless
// alsoEraseMetadata is set.
func (s *Store) EraseKeys(keys []model.ProducerPartition, alsoEraseMetadata bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	erased := 0
	for _, key := range keys {
		if s.eraseLocked(key) {
			erased++
		}
		if alsoEraseMetadata {
			delete(s.sdkStates, key)
		}
	}
	return erased
}

// EraseStream removes every key of stream and returns them.
func (s *Store) EraseStream(stream model.StreamID) []model.ProducerPartition {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]model.ProducerPartition, 0, len(s.byStream[stream]))
	for key := range s.byStream[stream] {
		keys = append(keys, key)
	}
	for _, key := range keys {
		s.eraseLocked(key)
		delete(s.sdkStates, key)
	}
	return keys
}

// Snapshot copies every entry.
func (s *Store) Snapshot() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make([]Entry, 0, len(s.entries))
	for key, e := range s.entries {
		e.mu.Lock()
		snap = append(snap, Entry{
			Key:         key,
			Sent:        e.sent.opID,
			SentTime:    e.sent.updated,
			Durable:     e.durable.opID,
			DurableTime: e.durable.updated,
		})
		e.mu.Unlock()
	}
	return snap
}

// Len returns the number of keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// MemTracker returns the tracker of key, creating it under parent on first
// use, or nil for an unknown key. The tracker belongs to the partition's
// hierarchy and outlives the entry when the key is erased first.
func (s *Store) MemTracker(key model.ProducerPartition, parent *memory.Tracker) *memory.Tracker {
	e, ok := s.lookup(key)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tracker == nil && parent != nil {
		e.tracker = parent.FindOrCreateChild(memTrackerLabel).FindOrCreateChild(key.StreamID)
	}
	return e.tracker
}

// SDKState returns a copy of the full-fidelity state of key.
func (s *Store) SDKState(key model.ProducerPartition) (model.SDKState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.sdkStates[key]
	if !ok {
		return model.SDKState{}, false
	}
	return *state, true
}

// SetSDKState replaces the full-fidelity state of key.
func (s *Store) SetSDKState(key model.ProducerPartition, state model.SDKState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sdkStates[key] = &state
}
