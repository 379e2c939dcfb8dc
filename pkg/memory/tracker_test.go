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

package memory

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrackerHierarchy(t *testing.T) {
	t.Parallel()

	root := NewTracker("p1")
	cdc := root.FindOrCreateChild("CDC")
	require.Same(t, cdc, root.FindOrCreateChild("CDC"))
	s1 := cdc.FindOrCreateChild("s1")
	s2 := cdc.FindOrCreateChild("s2")

	s1.Consume(100)
	s2.Consume(50)
	require.Equal(t, int64(150), cdc.BytesConsumed())
	require.Equal(t, int64(150), root.BytesConsumed())

	s1.Consume(-40)
	require.Equal(t, int64(110), root.BytesConsumed())
	require.Equal(t, int64(150), root.MaxConsumed())

	s2.Detach()
	require.Equal(t, int64(60), root.BytesConsumed())
	_, ok := cdc.FindChild("s2")
	require.False(t, ok)
	require.Nil(t, s2.Parent())
	require.Equal(t, "CDC", s1.Parent().Label())
}

func TestTrackerConcurrentConsume(t *testing.T) {
	t.Parallel()

	root := NewTracker("root")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			child := root.FindOrCreateChild("shared")
			for j := 0; j < 1000; j++ {
				child.Consume(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(8000), root.BytesConsumed())
}
