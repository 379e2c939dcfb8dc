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

	"go.uber.org/atomic"
)

// Tracker accounts memory consumption of a component. Consumption is
// propagated to every ancestor, so a parent always reports the sum of
// its own bytes and those of its children.
type Tracker struct {
	label  string
	parent *Tracker

	bytesConsumed atomic.Int64
	maxConsumed   atomic.Int64

	mu       sync.Mutex
	children map[string]*Tracker
}

// NewTracker creates a root tracker.
func NewTracker(label string) *Tracker {
	return &Tracker{label: label, children: make(map[string]*Tracker)}
}

// Label returns the label of the tracker.
func (t *Tracker) Label() string {
	return t.label
}

// Parent returns the parent tracker, nil for a root.
func (t *Tracker) Parent() *Tracker {
	return t.parent
}

// FindOrCreateChild returns the child labelled label, creating it if absent.
func (t *Tracker) FindOrCreateChild(label string) *Tracker {
	t.mu.Lock()
	defer t.mu.Unlock()
	if child, ok := t.children[label]; ok {
		return child
	}
	child := &Tracker{label: label, parent: t, children: make(map[string]*Tracker)}
	t.children[label] = child
	return child
}

// FindChild returns the child labelled label.
func (t *Tracker) FindChild(label string) (*Tracker, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	child, ok := t.children[label]
	return child, ok
}

// Detach removes the tracker from its parent and gives back its consumption.
func (t *Tracker) Detach() {
	parent := t.parent
	if parent == nil {
		return
	}
	parent.mu.Lock()
	if parent.children[t.label] == t {
		delete(parent.children, t.label)
	}
	parent.mu.Unlock()
	if consumed := t.bytesConsumed.Load(); consumed != 0 {
		for p := parent; p != nil; p = p.parent {
			p.bytesConsumed.Sub(consumed)
		}
	}
	t.parent = nil
}

// Consume adds bytes, which may be negative, to the tracker and its ancestors.
func (t *Tracker) Consume(bytes int64) {
	for tr := t; tr != nil; tr = tr.parent {
		consumed := tr.bytesConsumed.Add(bytes)
		for {
			max := tr.maxConsumed.Load()
			if consumed <= max || tr.maxConsumed.CompareAndSwap(max, consumed) {
				break
			}
		}
	}
}

// BytesConsumed returns the current consumption.
func (t *Tracker) BytesConsumed() int64 {
	return t.bytesConsumed.Load()
}

// MaxConsumed returns the peak consumption.
func (t *Tracker) MaxConsumed() int64 {
	return t.maxConsumed.Load()
}
