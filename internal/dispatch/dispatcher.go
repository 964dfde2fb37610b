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

// Package dispatch implements the work-item dispatcher core: a traffic
// signal gating fetches on worker connectedness, a generic fetch/execute
// loop, the orchestrator and activity processors, and the host owning both
// dispatcher lifecycles.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/tombee/taskhub/internal/log"
	"github.com/tombee/taskhub/internal/metrics"
)

const (
	// drainPollInterval is how often Stop re-checks the in-flight counter.
	drainPollInterval = 200 * time.Millisecond

	// signalWaitSlice bounds one Wait on the traffic signal so the loop can
	// re-check cancellation and concurrency.
	signalWaitSlice = time.Second

	// renewInterval is how often a leased work item's lock is renewed while
	// its execution is in flight.
	renewInterval = 15 * time.Second
)

// Processor supplies the work-item-type-specific operations for one
// dispatcher. Fetch blocks until a work item is available or ctx is done;
// ok=false with a nil error means no work was available.
type Processor[T any] interface {
	Name() string
	MaxConcurrency() int
	Fetch(ctx context.Context) (item T, ok bool, err error)
	Execute(ctx context.Context, item T) error
	Abandon(ctx context.Context, item T) error
	Release(ctx context.Context, item T) error
	Renew(ctx context.Context, item T) (T, error)
	ID(item T) string
	BackoffSecondsAfterFetchError(err error) int
}

// Dispatcher runs the generic fetch-and-execute loop for one work-item
// type. It is reusable: Start may be called again after Stop returns.
type Dispatcher[T any] struct {
	proc   Processor[T]
	signal *TrafficSignal
	logger *slog.Logger

	// throttleLog rate-limits the blocked-loop diagnostics to once a minute.
	throttleLog *rate.Limiter

	inFlight atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDispatcher creates a dispatcher over the given processor, gated by the
// given traffic signal.
func NewDispatcher[T any](proc Processor[T], signal *TrafficSignal, logger *slog.Logger) *Dispatcher[T] {
	return &Dispatcher[T]{
		proc:        proc,
		signal:      signal,
		logger:      logger.With(log.DispatcherKey, proc.Name()),
		throttleLog: rate.NewLimiter(rate.Every(time.Minute), 1),
	}
}

// InFlight returns the number of currently executing work items.
func (d *Dispatcher[T]) InFlight() int {
	return int(d.inFlight.Load())
}

// Start spawns the fetch loop under a fresh cancellation scope derived from
// ctx. Calling Start on a running dispatcher is a no-op.
func (d *Dispatcher[T]) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		d.run(loopCtx)
	}(d.done)
	d.logger.Info("dispatcher started")
}

// Stop cancels the fetch loop, awaits it, and then polls until in-flight
// executions drain or ctx is done. Returns ctx.Err() when the drain wait is
// cut short.
func (d *Dispatcher[T]) Stop(ctx context.Context) error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for d.inFlight.Load() > 0 {
		select {
		case <-ctx.Done():
			d.logger.Warn("stopping with work items still in flight",
				slog.Int64("in_flight", d.inFlight.Load()))
			return ctx.Err()
		case <-time.After(drainPollInterval):
		}
	}
	d.logger.Info("dispatcher stopped")
	return nil
}

func (d *Dispatcher[T]) run(ctx context.Context) {
	for {
		if !d.waitForAllClear(ctx) {
			return
		}

		item, ok, err := d.proc.Fetch(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			d.logger.Error("failed to fetch work item", log.Error(err))
			d.backoff(ctx, d.proc.BackoffSecondsAfterFetchError(err))
			continue
		}
		if !ok {
			continue
		}

		metrics.RecordFetched(d.proc.Name())
		d.inFlight.Add(1)
		metrics.TrackInFlight(d.proc.Name(), 1)

		// Execution must not be cancelled by shutdown; it completes or
		// abandons naturally within the stop grace period.
		go d.executeItem(context.WithoutCancel(ctx), item)
	}
}

// waitForAllClear blocks while the concurrency bound is reached or the
// traffic signal is reset. Returns false when ctx is done.
func (d *Dispatcher[T]) waitForAllClear(ctx context.Context) bool {
	for {
		if ctx.Err() != nil {
			return false
		}

		if d.inFlight.Load() >= int64(d.proc.MaxConcurrency()) {
			if d.throttleLog.Allow() {
				d.logger.Info("fetching paused: concurrency limit reached",
					slog.Int("max_concurrency", d.proc.MaxConcurrency()))
			}
			select {
			case <-ctx.Done():
				return false
			case <-time.After(drainPollInterval):
			}
			continue
		}

		if !d.signal.Wait(ctx, signalWaitSlice) {
			if ctx.Err() == nil && d.throttleLog.Allow() {
				d.logger.Info("fetching paused: no worker connected")
			}
			continue
		}
		return true
	}
}

func (d *Dispatcher[T]) backoff(ctx context.Context, seconds int) {
	if seconds <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(seconds) * time.Second):
	}
}

func (d *Dispatcher[T]) executeItem(ctx context.Context, item T) {
	logger := d.logger.With(slog.String("work_item", d.proc.ID(item)))
	start := time.Now()

	ctx, span := otel.Tracer("taskhub/dispatch").Start(ctx, d.proc.Name()+"_work_item")
	span.SetAttributes(attribute.String("taskhub.work_item", d.proc.ID(item)))
	defer span.End()

	renewCtx, stopRenewal := context.WithCancel(ctx)
	go d.renewLoop(renewCtx, item, logger)

	defer func() {
		stopRenewal()
		if err := d.proc.Release(ctx, item); err != nil {
			logger.Warn("failed to release work item", log.Error(err))
		}
		d.inFlight.Add(-1)
		metrics.TrackInFlight(d.proc.Name(), -1)
		metrics.ObserveDuration(d.proc.Name(), time.Since(start).Seconds())
	}()

	if err := d.proc.Execute(ctx, item); err != nil {
		logger.Error("failed to execute work item", log.Error(err))
		metrics.RecordOutcome(d.proc.Name(), "abandoned")
		if abandonErr := d.proc.Abandon(ctx, item); abandonErr != nil {
			logger.Warn("failed to abandon work item", log.Error(abandonErr))
		}
		return
	}
	metrics.RecordOutcome(d.proc.Name(), "completed")
	logger.Debug("work item completed",
		log.Duration(log.DurationKey, time.Since(start).Milliseconds()))
}

// renewLoop extends the work item's lease while execution is in flight.
func (d *Dispatcher[T]) renewLoop(ctx context.Context, item T, logger *slog.Logger) {
	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := d.proc.Renew(ctx, item)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					logger.Warn("failed to renew work item lease", log.Error(err))
				}
				return
			}
			item = renewed
		}
	}
}
