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

package cdcrpc

import (
	"github.com/pingcap/cdcstream/cdc/model"
	"google.golang.org/grpc/encoding"
)

// CodecName is the content subtype of every CDC call.
const CodecName = "json"

// codec encodes messages with the model JSON encoding.
type codec struct{}

func (codec) Marshal(v interface{}) ([]byte, error) {
	return model.Marshal(v)
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	return model.Unmarshal(data, v)
}

func (codec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(codec{})
}
