// Copyright 2024 VectorGuard Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package events carries filesystem change notifications from watcher
// goroutines to the guard's control loop.
package events

import (
	"sync"
	"time"
)

// Kind tags a ChangeEvent.
type Kind int

const (
	// Changed means the file's contents were written.
	Changed Kind = iota
	// Created means a new file appeared under the watched root.
	Created
	// Renamed means the file at OldPath was renamed or removed.
	Renamed
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case Changed:
		return "changed"
	case Created:
		return "created"
	case Renamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// ChangeEvent is an immutable notification about one path.
type ChangeEvent struct {
	Kind    Kind
	Path    string
	OldPath string // set for Renamed only
	Time    time.Time
}

// Queue is an unbounded FIFO safe for many producers and one consumer.
// Push never blocks and never drops; the consumer polls without blocking.
type Queue struct {
	mu    sync.Mutex
	items []ChangeEvent
}

// NewQueue creates an empty queue
func NewQueue() *Queue {
	return &Queue{}
}

// Push appends ev to the tail.
func (q *Queue) Push(ev ChangeEvent) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
}

// TryPop removes and returns the head, or false when empty.
func (q *Queue) TryPop() (ChangeEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return ChangeEvent{}, false
	}
	ev := q.items[0]
	q.items[0] = ChangeEvent{}
	q.items = q.items[1:]
	return ev, true
}

// Drain removes and returns every queued event in arrival order.
func (q *Queue) Drain() []ChangeEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = nil
	return out
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

