// Copyright 2025 Tom Barlow
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

package bridge

import (
	"slices"
	"sync"

	"github.com/tombee/taskhub/internal/dispatch"
	"github.com/tombee/taskhub/internal/history"
)

// partialEntry accumulates the actions of a partial-chunk sequence for one
// instance. It exists iff at least one partial chunk has arrived and the
// terminal chunk has not.
type partialEntry struct {
	future *replyFuture[*dispatch.OrchestratorResult]

	mu      sync.Mutex
	actions []*history.Action
}

func (e *partialEntry) append(actions []*history.Action) {
	e.mu.Lock()
	e.actions = append(e.actions, actions...)
	e.mu.Unlock()
}

func (e *partialEntry) take() []*history.Action {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.actions
}

// chunkAccumulator tracks partial-chunk sequences per instance key.
type chunkAccumulator struct {
	m sync.Map
}

// Append records a partial chunk. The first chunk atomically creates the
// entry, capturing the pending-correlation future through lookup; returns
// false when no correlation exists.
func (a *chunkAccumulator) Append(key string, actions []*history.Action, lookup func() (*replyFuture[*dispatch.OrchestratorResult], bool)) bool {
	for {
		if v, ok := a.m.Load(key); ok {
			v.(*partialEntry).append(actions)
			return true
		}
		future, ok := lookup()
		if !ok {
			return false
		}
		entry := &partialEntry{future: future, actions: slices.Clone(actions)}
		if _, loaded := a.m.LoadOrStore(key, entry); !loaded {
			return true
		}
		// Lost the first-chunk race; append to the winner's entry.
	}
}

// Take removes and returns the accumulating entry for key, if any.
func (a *chunkAccumulator) Take(key string) (*partialEntry, bool) {
	v, ok := a.m.LoadAndDelete(key)
	if !ok {
		return nil, false
	}
	return v.(*partialEntry), true
}

// Len counts instances with an open partial-chunk sequence.
func (a *chunkAccumulator) Len() int {
	n := 0
	a.m.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}
