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

package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	cerror "github.com/pingcap/cdcstream/pkg/errors"
)

// OpID is a position in the replicated log of a partition.
type OpID struct {
	Term  int64 `json:"term"`
	Index int64 `json:"index"`
}

var (
	// ZeroOpID is the origin of every log, a stream that has never been read
	// starts here.
	ZeroOpID = OpID{}
	// MaxOpID is larger than any real position.
	MaxOpID = OpID{Term: math.MaxInt64, Index: math.MaxInt64}
)

// String encodes the op id as "term.index", the format stored in the
// checkpoint table.
func (o OpID) String() string {
	return fmt.Sprintf("%d.%d", o.Term, o.Index)
}

// ParseOpID decodes the "term.index" format.
func ParseOpID(s string) (OpID, error) {
	dot := strings.IndexByte(s, '.')
	if dot <= 0 || dot == len(s)-1 {
		return OpID{}, cerror.ErrInvalidOpID.GenWithStackByArgs(s)
	}
	term, err := strconv.ParseInt(s[:dot], 10, 64)
	if err != nil {
		return OpID{}, cerror.ErrInvalidOpID.GenWithStackByArgs(s)
	}
	index, err := strconv.ParseInt(s[dot+1:], 10, 64)
	if err != nil {
		return OpID{}, cerror.ErrInvalidOpID.GenWithStackByArgs(s)
	}
	return OpID{Term: term, Index: index}, nil
}

// IsZero reports whether o is the origin position.
func (o OpID) IsZero() bool {
	return o == ZeroOpID
}

// IsMax reports whether o is the sentinel maximum.
func (o OpID) IsMax() bool {
	return o == MaxOpID
}

// Less orders positions by log index. Terms only grow with the index in a
// single log so the index alone is the order.
func (o OpID) Less(other OpID) bool {
	return o.Index < other.Index
}

// MaxOf returns the later of two positions.
func MaxOf(a, b OpID) OpID {
	if a.Less(b) {
		return b
	}
	return a
}

// SDKCheckpoint is the position of a full-fidelity consumer, which may stop
// in the middle of a transaction or of an initial snapshot.
type SDKCheckpoint struct {
	Term  int64  `json:"term"`
	Index int64  `json:"index"`
	Key   []byte `json:"key,omitempty"`
	// WriteID is the intra transaction write, -1 while a snapshot is in
	// progress.
	WriteID      int32  `json:"write_id"`
	SnapshotTime uint64 `json:"snapshot_time,omitempty"`
}

// OpID returns the log position of the checkpoint.
func (c *SDKCheckpoint) OpID() OpID {
	return OpID{Term: c.Term, Index: c.Index}
}

// SDKCheckpointFromOpID builds a checkpoint at a transaction boundary.
func SDKCheckpointFromOpID(o OpID) *SDKCheckpoint {
	return &SDKCheckpoint{Term: o.Term, Index: o.Index}
}

// AdvanceRequired reports whether a request resuming from c may move the
// stream checkpoint forward. A consumer in the middle of a transaction does
// not, except at the end of an initial snapshot.
func (c *SDKCheckpoint) AdvanceRequired() bool {
	if c == nil || c.WriteID == 0 {
		return true
	}
	return c.WriteID == -1 && len(c.Key) == 0 && c.SnapshotTime != 0
}
