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

// Package bridge implements the worker-facing gRPC surface: the single
// work-item stream, the unary completion endpoints with request/reply
// correlation, partial-chunk accumulation, streamed history, and the
// management service.
package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// replyFuture is a one-shot completion future for an in-flight work item.
// Resolution is exactly-once; late resolutions are dropped.
type replyFuture[R any] struct {
	ch   chan R
	once sync.Once
}

func newReplyFuture[R any]() *replyFuture[R] {
	return &replyFuture[R]{ch: make(chan R, 1)}
}

func (f *replyFuture[R]) resolve(v R) {
	f.once.Do(func() { f.ch <- v })
}

// await blocks until the future resolves, ctx is done, or done closes.
func (f *replyFuture[R]) await(ctx context.Context, done <-chan struct{}) (R, error) {
	var zero R
	select {
	case v := <-f.ch:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-done:
		return zero, errShuttingDown
	}
}

// pendingTable maps in-flight work items to their reply futures. A key is
// present for exactly the window between dispatch and reply (or dispatch
// and write error).
type pendingTable[R any] struct {
	m sync.Map
}

// Add registers a fresh future under key, replacing any stale entry.
func (t *pendingTable[R]) Add(key string) *replyFuture[R] {
	f := newReplyFuture[R]()
	t.m.Store(key, f)
	return f
}

// Get returns the future for key without removing it.
func (t *pendingTable[R]) Get(key string) (*replyFuture[R], bool) {
	v, ok := t.m.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*replyFuture[R]), true
}

// Remove returns and deletes the future for key.
func (t *pendingTable[R]) Remove(key string) (*replyFuture[R], bool) {
	v, ok := t.m.LoadAndDelete(key)
	if !ok {
		return nil, false
	}
	return v.(*replyFuture[R]), true
}

// Len counts the table's entries.
func (t *pendingTable[R]) Len() int {
	n := 0
	t.m.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

// orchestratorKey normalizes an instance id; correlation is
// case-insensitive for orchestrators.
func orchestratorKey(instanceID string) string {
	return strings.ToLower(instanceID)
}

func activityKey(instanceID string, taskID int32) string {
	return fmt.Sprintf("%s_%d", instanceID, taskID)
}
