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
	"encoding/json"
	"sync"

	"github.com/tombee/taskhub/internal/protocol"
)

// maxHistoryChunkBytes bounds the payload of one streamed history chunk.
// The bound applies across event boundaries only; a single oversize event
// still goes out in its own chunk.
const maxHistoryChunkBytes = 256 * 1024

// historyBuffer parks serialized past events for instances whose work item
// declared that history must be streamed. Entries are consumed by
// StreamInstanceHistory and cleared when the correlation resolves.
type historyBuffer struct {
	m sync.Map
}

// Park stores the serialized past events for an instance key.
func (b *historyBuffer) Park(key string, events [][]byte) {
	b.m.Store(key, events)
}

// Take removes and returns the parked events for an instance key.
func (b *historyBuffer) Take(key string) ([][]byte, bool) {
	v, ok := b.m.LoadAndDelete(key)
	if !ok {
		return nil, false
	}
	return v.([][]byte), true
}

// Clear drops the parked events for an instance key, if any.
func (b *historyBuffer) Clear(key string) {
	b.m.Delete(key)
}

// Len counts instances with parked history.
func (b *historyBuffer) Len() int {
	n := 0
	b.m.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

// chunkHistoryEvents frames serialized events into chunks of at most limit
// payload bytes without ever splitting an event.
func chunkHistoryEvents(events [][]byte, limit int) []*protocol.HistoryChunk {
	var chunks []*protocol.HistoryChunk
	current := &protocol.HistoryChunk{}
	size := 0

	for _, e := range events {
		if size > 0 && size+len(e) > limit {
			chunks = append(chunks, current)
			current = &protocol.HistoryChunk{}
			size = 0
		}
		current.Events = append(current.Events, json.RawMessage(e))
		size += len(e)
	}
	if len(current.Events) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// chunkPayloadSize sums the serialized event bytes in one chunk.
func chunkPayloadSize(chunk *protocol.HistoryChunk) int {
	n := 0
	for _, e := range chunk.Events {
		n += len(e)
	}
	return n
}
