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

package dispatch

import (
	"context"
	"sync"
	"time"
)

// TrafficSignal is a manual-reset event gating dispatcher fetching on worker
// connectedness. Dispatchers block on Wait before fetching; the bridge calls
// Set when the worker opens its work-item stream and Reset when it closes.
type TrafficSignal struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{} // closed while the signal is set
}

// NewTrafficSignal creates a signal in the reset state.
func NewTrafficSignal() *TrafficSignal {
	return &TrafficSignal{ch: make(chan struct{})}
}

// Set latches the signal. Returns true iff this call transitioned the signal
// from reset to set.
func (s *TrafficSignal) Set() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		return false
	}
	s.set = true
	close(s.ch)
	return true
}

// Reset clears the signal. Idempotent.
func (s *TrafficSignal) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return
	}
	s.set = false
	s.ch = make(chan struct{})
}

// IsSet reports the current state without blocking.
func (s *TrafficSignal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Wait blocks until the signal is set, the timeout elapses, or ctx is done.
// Returns true iff the signal was set.
func (s *TrafficSignal) Wait(ctx context.Context, timeout time.Duration) bool {
	s.mu.Lock()
	ch := s.ch
	set := s.set
	s.mu.Unlock()
	if set {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
