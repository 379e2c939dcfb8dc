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

package streammeta

import (
	"context"
	"sync"

	"github.com/pingcap/cdcstream/cdc/model"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Source looks up stream definitions in the catalog.
type Source interface {
	GetStream(ctx context.Context, id model.StreamID) (*model.StreamInfo, error)
}

// Cache maps stream ids to their immutable metadata. It is filled lazily
// from the catalog and shares its lock with the checkpoint store.
type Cache struct {
	mu      *sync.RWMutex
	streams map[model.StreamID]*model.StreamMetadata
	source  Source
}

// NewCache creates a cache guarded by mu.
func NewCache(mu *sync.RWMutex, source Source) *Cache {
	return &Cache{
		mu:      mu,
		streams: make(map[model.StreamID]*model.StreamMetadata),
		source:  source,
	}
}

// Get returns the cached metadata of id.
func (c *Cache) Get(id model.StreamID) (*model.StreamMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	md, ok := c.streams[id]
	return md, ok
}

// Resolve returns the metadata of id, asking the catalog on a cache miss.
// Concurrent misses on the same id may all reach the catalog, the last one
// to finish is kept.
func (c *Cache) Resolve(ctx context.Context, id model.StreamID) (*model.StreamMetadata, error) {
	if md, ok := c.Get(id); ok {
		return md, nil
	}
	info, err := c.source.GetStream(ctx, id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	md, err := Parse(info)
	if err != nil {
		return nil, errors.Trace(err)
	}
	c.Add(id, md)
	return md, nil
}

// Add caches md for id, replacing any previous value.
func (c *Cache) Add(id model.StreamID, md *model.StreamMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streams[id] = md
}

// Invalidate drops id from the cache.
func (c *Cache) Invalidate(id model.StreamID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.streams, id)
}

// Len returns the number of cached streams.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.streams)
}

// Parse builds stream metadata from the catalog options of a stream.
// Unknown options are ignored.
func Parse(info *model.StreamInfo) (*model.StreamMetadata, error) {
	md := model.NewStreamMetadata()
	var err error
	for key, value := range info.Options {
		switch key {
		case model.OptionRecordType:
			md.RecordType, err = model.ParseRecordType(value)
		case model.OptionRecordFormat:
			md.RecordFormat, err = model.ParseRecordFormat(value)
		case model.OptionSourceType:
			md.SourceType, err = model.ParseSourceType(value)
		case model.OptionCheckpointType:
			md.CheckpointType, err = model.ParseCheckpointType(value)
		case model.OptionIDType:
			var idType model.IDType
			idType, err = model.ParseIDType(value)
			if err == nil && idType == model.IDTypeNamespace {
				md.NamespaceID = info.NamespaceID
			}
		default:
			log.Warn("unsupported stream option",
				zap.String("stream", info.ID),
				zap.String("key", key),
				zap.String("value", value))
		}
		if err != nil {
			return nil, errors.Trace(err)
		}
	}
	md.TableIDs = append([]model.TableID(nil), info.TableIDs...)
	return md, nil
}
