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
	"fmt"
	"log/slog"

	"github.com/tombee/taskhub/internal/backend"
	"github.com/tombee/taskhub/internal/log"
)

type activityProcessor struct {
	be       backend.Backend
	executor Executor
	logger   *slog.Logger
}

// NewActivityDispatcher builds the dispatcher for activity work items.
func NewActivityDispatcher(be backend.Backend, executor Executor, signal *TrafficSignal, logger *slog.Logger) *Dispatcher[*backend.ActivityWorkItem] {
	proc := &activityProcessor{
		be:       be,
		executor: executor,
		logger:   log.WithComponent(logger, "activity-dispatcher"),
	}
	return NewDispatcher[*backend.ActivityWorkItem](proc, signal, logger)
}

func (p *activityProcessor) Name() string { return "activity" }

func (p *activityProcessor) MaxConcurrency() int {
	return p.be.MaxConcurrentActivityWorkItems()
}

func (p *activityProcessor) Fetch(ctx context.Context) (*backend.ActivityWorkItem, bool, error) {
	wi, err := p.be.LockNextActivityWorkItem(ctx)
	if err != nil {
		return nil, false, err
	}
	if wi == nil {
		return nil, false, nil
	}
	return wi, true, nil
}

// Execute invokes the worker with the scheduled task and submits the
// resulting TaskCompleted or TaskFailed event back to the source
// orchestration.
func (p *activityProcessor) Execute(ctx context.Context, wi *backend.ActivityWorkItem) error {
	if wi.NewEvent == nil || wi.NewEvent.TaskScheduled == nil {
		return fmt.Errorf("activity work item %s carries no TaskScheduled event", wi.InstanceID)
	}

	response, err := p.executor.ExecuteActivity(ctx, wi.InstanceID, wi.ExecutionID, wi.NewEvent)
	if err != nil {
		return fmt.Errorf("worker execution failed: %w", err)
	}
	if response.TaskCompleted == nil && response.TaskFailed == nil {
		return fmt.Errorf("activity reply for %s is neither completed nor failed", wi.InstanceID)
	}
	p.logger.Debug("activity reply received",
		slog.String(log.InstanceIDKey, wi.InstanceID),
		slog.Int(log.TaskIDKey, int(wi.NewEvent.EventID)),
		slog.Bool("failed", response.TaskFailed != nil))

	return p.be.CompleteActivityWorkItem(ctx, wi, &backend.TaskMessage{
		TargetInstanceID: wi.InstanceID,
		Event:            response,
	})
}

func (p *activityProcessor) Abandon(ctx context.Context, wi *backend.ActivityWorkItem) error {
	return p.be.AbandonActivityWorkItem(ctx, wi)
}

func (p *activityProcessor) Release(ctx context.Context, wi *backend.ActivityWorkItem) error {
	return nil
}

func (p *activityProcessor) Renew(ctx context.Context, wi *backend.ActivityWorkItem) (*backend.ActivityWorkItem, error) {
	renewed, err := p.be.RenewActivityWorkItemLock(ctx, wi)
	if err != nil {
		return nil, err
	}
	return renewed, nil
}

func (p *activityProcessor) ID(wi *backend.ActivityWorkItem) string {
	return wi.String()
}

func (p *activityProcessor) BackoffSecondsAfterFetchError(err error) int {
	return p.be.DelaySecondsAfterFetchError(err)
}
