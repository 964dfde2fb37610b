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
	"log/slog"
	"time"

	"github.com/tombee/taskhub/internal/backend"
	"github.com/tombee/taskhub/internal/log"
)

// DefaultStopGracePeriod bounds how long Stop waits for in-flight work to
// drain.
const DefaultStopGracePeriod = time.Hour

// connectWaitSlice is how long Start waits for a worker between
// "waiting for connection" logs.
const connectWaitSlice = time.Minute

// Host owns the orchestrator and activity dispatchers and couples their
// lifecycle to worker connectedness.
type Host struct {
	signal       *TrafficSignal
	orchestrator *Dispatcher[*backend.OrchestrationWorkItem]
	activity     *Dispatcher[*backend.ActivityWorkItem]
	logger       *slog.Logger
	gracePeriod  time.Duration
}

// HostOption customizes a Host.
type HostOption func(*Host)

// WithStopGracePeriod overrides the drain bound used by Stop.
func WithStopGracePeriod(d time.Duration) HostOption {
	return func(h *Host) {
		if d > 0 {
			h.gracePeriod = d
		}
	}
}

// NewHost wires both dispatchers over the given backend and executor.
func NewHost(be backend.Backend, executor Executor, signal *TrafficSignal, logger *slog.Logger, opts ...HostOption) *Host {
	h := &Host{
		signal:       signal,
		orchestrator: NewOrchestratorDispatcher(be, executor, signal, logger),
		activity:     NewActivityDispatcher(be, executor, signal, logger),
		logger:       log.WithComponent(logger, "dispatch-host"),
		gracePeriod:  DefaultStopGracePeriod,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start blocks until a worker connects, then starts both dispatchers.
// Returns ctx.Err() if cancelled while waiting.
func (h *Host) Start(ctx context.Context) error {
	for !h.signal.Wait(ctx, connectWaitSlice) {
		if err := ctx.Err(); err != nil {
			return err
		}
		h.logger.Info("waiting for worker connection")
	}

	h.orchestrator.Start(ctx)
	h.activity.Start(ctx)
	h.logger.Info("dispatchers started")
	return nil
}

// Stop stops both dispatchers, bounded by the stop grace period.
func (h *Host) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.gracePeriod)
	defer cancel()

	return errors.Join(
		h.orchestrator.Stop(ctx),
		h.activity.Stop(ctx),
	)
}
