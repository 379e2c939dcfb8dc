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
	"strings"

	cerror "github.com/pingcap/cdcstream/pkg/errors"
)

// Option keys of a stream definition stored in the catalog.
const (
	OptionRecordType     = "record_type"
	OptionRecordFormat   = "record_format"
	OptionSourceType     = "source_type"
	OptionCheckpointType = "checkpoint_type"
	OptionIDType         = "id_type"
)

// RecordType selects which row images a change record carries.
type RecordType string

// Record types.
const (
	RecordTypeChange RecordType = "CHANGE"
	RecordTypeAfter  RecordType = "AFTER"
	RecordTypeAll    RecordType = "ALL"
)

// RecordFormat is the encoding a consumer asked for.
type RecordFormat string

// Record formats.
const (
	RecordFormatJSON  RecordFormat = "JSON"
	RecordFormatWAL   RecordFormat = "WAL"
	RecordFormatProto RecordFormat = "PROTO"
)

// SourceType tells cross cluster replication streams from full-fidelity
// change capture streams.
type SourceType string

// Source types.
const (
	SourceTypeXCluster SourceType = "XCLUSTER"
	SourceTypeCDCSDK   SourceType = "CDCSDK"
)

// CheckpointType tells who moves the checkpoint of a stream forward.
type CheckpointType string

// Checkpoint types.
const (
	// CheckpointTypeImplicit streams advance on every successful delivery.
	CheckpointTypeImplicit CheckpointType = "IMPLICIT"
	// CheckpointTypeExplicit streams only advance through SetCheckpoint.
	CheckpointTypeExplicit CheckpointType = "EXPLICIT"
)

// IDType tells whether a stream id names a table level or a database level
// stream.
type IDType string

// ID types.
const (
	IDTypeTable     IDType = "TABLEID"
	IDTypeNamespace IDType = "NAMESPACEID"
)

func parseEnum[T ~string](key, value string, valid ...T) (T, error) {
	v := T(strings.ToUpper(value))
	for _, candidate := range valid {
		if v == candidate {
			return v, nil
		}
	}
	var zero T
	return zero, cerror.ErrIllegalState.GenWithStackByArgs("invalid " + key + " " + value)
}

// ParseRecordType parses a record_type option value.
func ParseRecordType(s string) (RecordType, error) {
	return parseEnum(OptionRecordType, s, RecordTypeChange, RecordTypeAfter, RecordTypeAll)
}

// ParseRecordFormat parses a record_format option value.
func ParseRecordFormat(s string) (RecordFormat, error) {
	return parseEnum(OptionRecordFormat, s, RecordFormatJSON, RecordFormatWAL, RecordFormatProto)
}

// ParseSourceType parses a source_type option value.
func ParseSourceType(s string) (SourceType, error) {
	return parseEnum(OptionSourceType, s, SourceTypeXCluster, SourceTypeCDCSDK)
}

// ParseCheckpointType parses a checkpoint_type option value.
func ParseCheckpointType(s string) (CheckpointType, error) {
	return parseEnum(OptionCheckpointType, s, CheckpointTypeImplicit, CheckpointTypeExplicit)
}

// ParseIDType parses an id_type option value.
func ParseIDType(s string) (IDType, error) {
	return parseEnum(OptionIDType, s, IDTypeTable, IDTypeNamespace)
}

// StreamMetadata is the immutable definition of a stream.
type StreamMetadata struct {
	NamespaceID    NamespaceID    `json:"namespace_id,omitempty"`
	TableIDs       []TableID      `json:"table_ids"`
	RecordType     RecordType     `json:"record_type"`
	RecordFormat   RecordFormat   `json:"record_format"`
	SourceType     SourceType     `json:"source_type"`
	CheckpointType CheckpointType `json:"checkpoint_type"`
}

// NewStreamMetadata returns the metadata of a stream with the defaults the
// catalog applies to options it was not given.
func NewStreamMetadata() *StreamMetadata {
	return &StreamMetadata{
		RecordType:     RecordTypeChange,
		RecordFormat:   RecordFormatJSON,
		SourceType:     SourceTypeXCluster,
		CheckpointType: CheckpointTypeImplicit,
	}
}

// IsImplicit reports whether the stream advances on delivery.
func (m *StreamMetadata) IsImplicit() bool {
	return m.CheckpointType == CheckpointTypeImplicit
}

// Options encodes the metadata as catalog options.
func (m *StreamMetadata) Options() map[string]string {
	opts := map[string]string{
		OptionRecordType:     string(m.RecordType),
		OptionRecordFormat:   string(m.RecordFormat),
		OptionSourceType:     string(m.SourceType),
		OptionCheckpointType: string(m.CheckpointType),
	}
	if m.NamespaceID != "" {
		opts[OptionIDType] = string(IDTypeNamespace)
	} else {
		opts[OptionIDType] = string(IDTypeTable)
	}
	return opts
}

// StreamInfo is a stream as stored by the catalog.
type StreamInfo struct {
	ID          StreamID          `json:"id"`
	NamespaceID NamespaceID       `json:"namespace_id,omitempty"`
	TableIDs    []TableID         `json:"table_ids"`
	Options     map[string]string `json:"options"`
}

// TableStream pairs a table of a database stream with its stream id.
type TableStream struct {
	StreamID StreamID `json:"stream_id"`
	TableID  TableID  `json:"table_id"`
}
