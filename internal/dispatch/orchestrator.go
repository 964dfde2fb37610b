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
	"fmt"
	"log/slog"

	"github.com/tombee/taskhub/internal/backend"
	"github.com/tombee/taskhub/internal/history"
	"github.com/tombee/taskhub/internal/log"
)

// OrchestratorResult is the worker's reply for one orchestrator episode:
// the action list, the custom status string, and optional orchestration
// span metadata.
type OrchestratorResult struct {
	Actions      []*history.Action
	CustomStatus string
	Trace        *history.TraceContext
}

// Executor is the task-executor contract between the dispatchers and the
// worker bridge. Both calls block until the worker replies or the dispatch
// fails.
type Executor interface {
	ExecuteOrchestrator(ctx context.Context, instanceID, executionID string, pastEvents, newEvents []*history.Event) (*OrchestratorResult, error)
	ExecuteActivity(ctx context.Context, instanceID, executionID string, scheduledEvent *history.Event) (*history.Event, error)
}

type orchestratorProcessor struct {
	be       backend.Backend
	executor Executor
	logger   *slog.Logger
}

// NewOrchestratorDispatcher builds the dispatcher for orchestrator work
// items.
func NewOrchestratorDispatcher(be backend.Backend, executor Executor, signal *TrafficSignal, logger *slog.Logger) *Dispatcher[*backend.OrchestrationWorkItem] {
	proc := &orchestratorProcessor{
		be:       be,
		executor: executor,
		logger:   log.WithComponent(logger, "orchestrator-dispatcher"),
	}
	return NewDispatcher[*backend.OrchestrationWorkItem](proc, signal, logger)
}

func (p *orchestratorProcessor) Name() string { return "orchestrator" }

func (p *orchestratorProcessor) MaxConcurrency() int {
	return p.be.MaxConcurrentOrchestrationWorkItems()
}

func (p *orchestratorProcessor) Fetch(ctx context.Context) (*backend.OrchestrationWorkItem, bool, error) {
	wi, err := p.be.LockNextOrchestrationWorkItem(ctx)
	if err != nil {
		return nil, false, err
	}
	if wi == nil {
		return nil, false, nil
	}
	return wi, true, nil
}

// Execute runs one orchestrator episode: rebuild state, append the new
// events, invoke the worker, fold the returned actions, and commit the
// completion bundle atomically.
func (p *orchestratorProcessor) Execute(ctx context.Context, wi *backend.OrchestrationWorkItem) error {
	state := wi.State
	if state == nil {
		loaded, err := p.be.GetOrchestrationRuntimeState(ctx, wi)
		if err != nil {
			return fmt.Errorf("failed to load runtime state: %w", err)
		}
		state = loaded
		wi.State = state
	}
	if !state.IsValid() {
		return fmt.Errorf("instance %s has corrupt history", wi.InstanceID)
	}
	if state.IsCompleted() {
		// Late messages for a terminal execution are consumed without a
		// worker round trip.
		p.logger.Warn("dropping events for completed instance",
			slog.String(log.InstanceIDKey, wi.InstanceID))
		return p.be.CompleteOrchestrationWorkItem(ctx, wi, &backend.OrchestrationCompletion{State: state})
	}

	if err := state.AddEvent(history.NewOrchestratorStartedEvent()); err != nil {
		return err
	}
	for _, e := range wi.NewEvents {
		if err := state.AddEvent(e); err != nil {
			if errors.Is(err, backend.ErrDuplicateEvent) {
				p.logger.Warn("skipping duplicate event",
					slog.String(log.InstanceIDKey, wi.InstanceID),
					slog.String(log.EventKey, eventKind(e)))
				continue
			}
			return err
		}
	}

	result, err := p.executor.ExecuteOrchestrator(ctx, wi.InstanceID, state.ExecutionID, state.OldEvents(), state.NewEvents())
	if err != nil {
		return fmt.Errorf("worker execution failed: %w", err)
	}

	completion, err := state.ApplyActions(result.Actions)
	if err != nil {
		return fmt.Errorf("failed to apply actions: %w", err)
	}
	state.CustomStatus = result.CustomStatus
	if err := state.AddEvent(history.NewOrchestratorCompletedEvent()); err != nil {
		return err
	}

	return p.be.CompleteOrchestrationWorkItem(ctx, wi, completion)
}

func (p *orchestratorProcessor) Abandon(ctx context.Context, wi *backend.OrchestrationWorkItem) error {
	return p.be.AbandonOrchestrationWorkItem(ctx, wi)
}

func (p *orchestratorProcessor) Release(ctx context.Context, wi *backend.OrchestrationWorkItem) error {
	return nil
}

func (p *orchestratorProcessor) Renew(ctx context.Context, wi *backend.OrchestrationWorkItem) (*backend.OrchestrationWorkItem, error) {
	if err := p.be.RenewOrchestrationWorkItemLock(ctx, wi); err != nil {
		return nil, err
	}
	return wi, nil
}

func (p *orchestratorProcessor) ID(wi *backend.OrchestrationWorkItem) string {
	return wi.String()
}

func (p *orchestratorProcessor) BackoffSecondsAfterFetchError(err error) int {
	return p.be.DelaySecondsAfterFetchError(err)
}

func eventKind(e *history.Event) string {
	kind, err := e.Kind()
	if err != nil {
		return "Unknown"
	}
	return kind
}
