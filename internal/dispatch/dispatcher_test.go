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
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/taskhub/internal/log"
)

type fakeItem struct {
	id   string
	fail bool
}

type fakeProcessor struct {
	items          chan *fakeItem
	maxConcurrency int
	executeDelay   time.Duration

	executed  atomic.Int64
	abandoned atomic.Int64
	released  atomic.Int64
	fetchErr  atomic.Pointer[error]

	mu            sync.Mutex
	executing     int
	peakExecuting int
}

func newFakeProcessor(maxConcurrency int) *fakeProcessor {
	return &fakeProcessor{
		items:          make(chan *fakeItem, 64),
		maxConcurrency: maxConcurrency,
	}
}

func (p *fakeProcessor) Name() string        { return "fake" }
func (p *fakeProcessor) MaxConcurrency() int { return p.maxConcurrency }

func (p *fakeProcessor) Fetch(ctx context.Context) (*fakeItem, bool, error) {
	if errp := p.fetchErr.Swap(nil); errp != nil {
		return nil, false, *errp
	}
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case item := <-p.items:
		return item, true, nil
	}
}

func (p *fakeProcessor) Execute(ctx context.Context, item *fakeItem) error {
	p.mu.Lock()
	p.executing++
	if p.executing > p.peakExecuting {
		p.peakExecuting = p.executing
	}
	p.mu.Unlock()

	if p.executeDelay > 0 {
		time.Sleep(p.executeDelay)
	}

	p.mu.Lock()
	p.executing--
	p.mu.Unlock()

	p.executed.Add(1)
	if item.fail {
		return errors.New("boom")
	}
	return nil
}

func (p *fakeProcessor) Abandon(ctx context.Context, item *fakeItem) error {
	p.abandoned.Add(1)
	return nil
}

func (p *fakeProcessor) Release(ctx context.Context, item *fakeItem) error {
	p.released.Add(1)
	return nil
}

func (p *fakeProcessor) Renew(ctx context.Context, item *fakeItem) (*fakeItem, error) {
	return item, nil
}

func (p *fakeProcessor) ID(item *fakeItem) string { return item.id }

func (p *fakeProcessor) BackoffSecondsAfterFetchError(err error) int { return 0 }

func testDispatcher(t *testing.T, proc *fakeProcessor, signal *TrafficSignal) *Dispatcher[*fakeItem] {
	t.Helper()
	logger := log.New(&log.Config{Level: "error", Format: log.FormatText, Output: io.Discard})
	d := NewDispatcher[*fakeItem](proc, signal, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	return d
}

func TestDispatcher_ExecutesFetchedItems(t *testing.T) {
	proc := newFakeProcessor(4)
	signal := NewTrafficSignal()
	signal.Set()
	d := testDispatcher(t, proc, signal)
	d.Start(context.Background())

	for i := 0; i < 5; i++ {
		proc.items <- &fakeItem{id: "item"}
	}

	require.Eventually(t, func() bool {
		return proc.executed.Load() == 5 && proc.released.Load() == 5
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(0), proc.abandoned.Load())
}

func TestDispatcher_AbandonsOnExecuteError(t *testing.T) {
	proc := newFakeProcessor(4)
	signal := NewTrafficSignal()
	signal.Set()
	d := testDispatcher(t, proc, signal)
	d.Start(context.Background())

	proc.items <- &fakeItem{id: "bad", fail: true}

	require.Eventually(t, func() bool {
		return proc.abandoned.Load() == 1 && proc.released.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDispatcher_DoesNotFetchWhileSignalReset(t *testing.T) {
	proc := newFakeProcessor(4)
	signal := NewTrafficSignal()
	d := testDispatcher(t, proc, signal)
	d.Start(context.Background())

	proc.items <- &fakeItem{id: "gated"}
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int64(0), proc.executed.Load(), "no execution while signal is reset")

	signal.Set()
	require.Eventually(t, func() bool {
		return proc.executed.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDispatcher_RespectsConcurrencyBound(t *testing.T) {
	proc := newFakeProcessor(2)
	proc.executeDelay = 50 * time.Millisecond
	signal := NewTrafficSignal()
	signal.Set()
	d := testDispatcher(t, proc, signal)
	d.Start(context.Background())

	for i := 0; i < 8; i++ {
		proc.items <- &fakeItem{id: "load"}
	}

	require.Eventually(t, func() bool {
		return proc.executed.Load() == 8
	}, 10*time.Second, 10*time.Millisecond)

	proc.mu.Lock()
	peak := proc.peakExecuting
	proc.mu.Unlock()
	require.LessOrEqual(t, peak, 2)
}

func TestDispatcher_StopDrainsInFlight(t *testing.T) {
	proc := newFakeProcessor(4)
	proc.executeDelay = 100 * time.Millisecond
	signal := NewTrafficSignal()
	signal.Set()
	d := testDispatcher(t, proc, signal)
	d.Start(context.Background())

	proc.items <- &fakeItem{id: "slow"}
	require.Eventually(t, func() bool { return d.InFlight() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
	require.Equal(t, 0, d.InFlight())
	require.Equal(t, int64(1), proc.executed.Load())
}

func TestDispatcher_StartIsReentrantAfterStop(t *testing.T) {
	proc := newFakeProcessor(4)
	signal := NewTrafficSignal()
	signal.Set()
	d := testDispatcher(t, proc, signal)

	d.Start(context.Background())
	d.Start(context.Background()) // no-op while running

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
	require.NoError(t, d.Stop(ctx)) // no-op when stopped

	d.Start(context.Background())
	proc.items <- &fakeItem{id: "after-restart"}
	require.Eventually(t, func() bool {
		return proc.executed.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDispatcher_FetchErrorBacksOffAndContinues(t *testing.T) {
	proc := newFakeProcessor(4)
	signal := NewTrafficSignal()
	signal.Set()
	d := testDispatcher(t, proc, signal)

	fetchErr := errors.New("transient")
	proc.fetchErr.Store(&fetchErr)
	d.Start(context.Background())

	proc.items <- &fakeItem{id: "after-error"}
	require.Eventually(t, func() bool {
		return proc.executed.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDispatcher_StopTimesOutWhenDrainExceedsBound(t *testing.T) {
	proc := newFakeProcessor(1)
	proc.executeDelay = 2 * time.Second
	signal := NewTrafficSignal()
	signal.Set()
	d := testDispatcher(t, proc, signal)
	d.Start(context.Background())

	proc.items <- &fakeItem{id: "slow"}
	require.Eventually(t, func() bool { return d.InFlight() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Stop(ctx), context.DeadlineExceeded)
}
