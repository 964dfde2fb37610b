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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tombee/taskhub/internal/dispatch"
	"github.com/tombee/taskhub/internal/history"
	"github.com/tombee/taskhub/internal/log"
	"github.com/tombee/taskhub/internal/metrics"
	"github.com/tombee/taskhub/internal/protocol"
)

// DefaultEmbedThreshold is the past-events size above which history is
// streamed instead of embedded, for workers that support streaming.
const DefaultEmbedThreshold = 1024

const (
	setRetryCount    = 5
	setRetryInterval = 10 * time.Millisecond

	// reconnectLogInterval paces the "waiting for connection" log emitted
	// after a worker disconnect.
	reconnectLogInterval = time.Minute
)

var (
	errShuttingDown = errors.New("bridge: shutting down")
	errNoWorker     = errors.New("bridge: no worker connected")
)

// Service is the worker-facing bridge. It owns the single work-item stream,
// correlates the worker's unary replies back to in-flight dispatches, and
// implements the task-executor contract consumed by the dispatchers.
type Service struct {
	signal *dispatch.TrafficSignal
	logger *slog.Logger

	embedThreshold int

	// mu guards the stream writer and capabilities so dispatch paths never
	// observe a half-registered worker.
	mu           sync.Mutex
	stream       protocol.TaskHubWorkerGetWorkItemsStream
	capabilities *protocol.WorkerCapabilities

	// writeSem serializes writes to the work-item stream; the stream writer
	// is not safe for concurrent Send.
	writeSem chan struct{}

	pendingOrchestrators pendingTable[*dispatch.OrchestratorResult]
	pendingActivities    pendingTable[*history.Event]
	chunks               chunkAccumulator
	parkedHistory        historyBuffer

	closeOnce   sync.Once
	done        chan struct{}
	closeCtx    context.Context
	closeCancel context.CancelFunc
}

var (
	_ protocol.TaskHubWorkerServer = (*Service)(nil)
	_ dispatch.Executor            = (*Service)(nil)
)

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithEmbedThreshold overrides the embedded-history size threshold.
func WithEmbedThreshold(bytes int) ServiceOption {
	return func(s *Service) {
		if bytes > 0 {
			s.embedThreshold = bytes
		}
	}
}

// NewService creates the bridge over the given traffic signal.
func NewService(signal *dispatch.TrafficSignal, logger *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		signal:         signal,
		logger:         log.WithComponent(logger, "bridge"),
		embedThreshold: DefaultEmbedThreshold,
		writeSem:       make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
	s.closeCtx, s.closeCancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close fails in-flight awaits so host shutdown is not defeated by a
// vanished worker.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.closeCancel()
		close(s.done)
	})
}

// GetWorkItems registers the calling worker as the single work-item stream
// owner and blocks until it disconnects. A second concurrent caller is
// rejected with ResourceExhausted after a short retry window.
func (s *Service) GetWorkItems(caps *protocol.WorkerCapabilities, stream protocol.TaskHubWorkerGetWorkItemsStream) error {
	acquired := s.signal.Set()
	for retries := 0; !acquired && retries < setRetryCount; retries++ {
		time.Sleep(setRetryInterval)
		acquired = s.signal.Set()
	}
	if !acquired {
		return status.Error(codes.ResourceExhausted, "a worker is already connected")
	}

	s.mu.Lock()
	s.stream = stream
	s.capabilities = caps
	s.mu.Unlock()

	metrics.SetWorkerConnected(true)
	s.logger.Info("worker connected",
		slog.String("worker_id", caps.WorkerID),
		slog.Any("capabilities", caps.Capabilities))

	<-stream.Context().Done()

	s.mu.Lock()
	s.stream = nil
	s.capabilities = nil
	s.mu.Unlock()
	s.signal.Reset()
	metrics.SetWorkerConnected(false)
	s.logger.Info("worker disconnected", slog.String("worker_id", caps.WorkerID))

	go s.logUntilReconnected()
	return nil
}

// logUntilReconnected emits a periodic log until a worker re-opens the
// stream or the bridge closes.
func (s *Service) logUntilReconnected() {
	for {
		if s.signal.Wait(s.closeCtx, reconnectLogInterval) || s.closeCtx.Err() != nil {
			return
		}
		s.logger.Info("waiting for worker connection")
	}
}

// ExecuteOrchestrator dispatches one orchestrator episode to the worker and
// blocks until the terminal reply chunk resolves the correlation.
func (s *Service) ExecuteOrchestrator(ctx context.Context, instanceID, executionID string, pastEvents, newEvents []*history.Event) (*dispatch.OrchestratorResult, error) {
	key := orchestratorKey(instanceID)
	future := s.pendingOrchestrators.Add(key)

	req := &protocol.OrchestratorRequest{
		InstanceID:  instanceID,
		ExecutionID: executionID,
		NewEvents:   newEvents,
	}
	if err := s.attachHistory(req, key, pastEvents); err != nil {
		s.pendingOrchestrators.Remove(key)
		return nil, err
	}

	if err := s.writeWorkItem(ctx, &protocol.WorkItem{Orchestrator: req}); err != nil {
		s.pendingOrchestrators.Remove(key)
		s.parkedHistory.Clear(key)
		return nil, err
	}

	return future.await(ctx, s.done)
}

// attachHistory decides embedded-vs-streamed history. Streaming is chosen
// only when the worker advertises the capability and the serialized past
// events exceed the embed threshold (strictly).
func (s *Service) attachHistory(req *protocol.OrchestratorRequest, key string, pastEvents []*history.Event) error {
	s.mu.Lock()
	caps := s.capabilities
	s.mu.Unlock()

	if caps == nil || !caps.Supports(protocol.CapabilityHistoryStreaming) {
		req.PastEvents = pastEvents
		return nil
	}

	serialized := make([][]byte, len(pastEvents))
	total := 0
	for i, e := range pastEvents {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to serialize past event: %w", err)
		}
		serialized[i] = data
		total += len(data)
	}
	if total <= s.embedThreshold {
		req.PastEvents = pastEvents
		return nil
	}

	req.RequiresHistoryStreaming = true
	s.parkedHistory.Park(key, serialized)
	return nil
}

// ExecuteActivity dispatches one activity task to the worker and blocks
// until its reply resolves the correlation.
func (s *Service) ExecuteActivity(ctx context.Context, instanceID, executionID string, scheduledEvent *history.Event) (*history.Event, error) {
	ts := scheduledEvent.TaskScheduled
	if ts == nil {
		return nil, fmt.Errorf("bridge: activity dispatch requires a TaskScheduled event")
	}
	key := activityKey(instanceID, scheduledEvent.EventID)
	future := s.pendingActivities.Add(key)

	req := &protocol.ActivityRequest{
		TaskID:      scheduledEvent.EventID,
		Name:        ts.Name,
		Version:     ts.Version,
		Input:       ts.Input,
		InstanceID:  instanceID,
		ExecutionID: executionID,
		Trace:       ts.Trace,
	}
	if err := s.writeWorkItem(ctx, &protocol.WorkItem{Activity: req}); err != nil {
		s.pendingActivities.Remove(key)
		return nil, err
	}

	return future.await(ctx, s.done)
}

// writeWorkItem borrows the stream writer under the 1-permit semaphore.
func (s *Service) writeWorkItem(ctx context.Context, wi *protocol.WorkItem) error {
	select {
	case s.writeSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errShuttingDown
	}
	defer func() { <-s.writeSem }()

	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return errNoWorker
	}
	if err := stream.Send(wi); err != nil {
		return fmt.Errorf("failed to write work item: %w", err)
	}
	return nil
}

// CompleteOrchestratorTask receives one orchestrator reply chunk and runs
// the partial-accumulation state machine.
func (s *Service) CompleteOrchestratorTask(ctx context.Context, resp *protocol.OrchestratorResponse) (*protocol.Empty, error) {
	key := orchestratorKey(resp.InstanceID)

	if resp.IsPartial {
		ok := s.chunks.Append(key, resp.Actions, func() (*replyFuture[*dispatch.OrchestratorResult], bool) {
			return s.pendingOrchestrators.Get(key)
		})
		if !ok {
			return nil, status.Errorf(codes.NotFound, "no pending orchestrator work item for instance %s", resp.InstanceID)
		}
		return &protocol.Empty{}, nil
	}

	if entry, ok := s.chunks.Take(key); ok {
		// Terminal chunk of an accumulated sequence. The custom status comes
		// from this chunk; trace context on accumulated replies is dropped.
		s.pendingOrchestrators.Remove(key)
		s.parkedHistory.Clear(key)
		entry.future.resolve(&dispatch.OrchestratorResult{
			Actions:      append(entry.take(), resp.Actions...),
			CustomStatus: resp.CustomStatus,
		})
		return &protocol.Empty{}, nil
	}

	future, ok := s.pendingOrchestrators.Remove(key)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no pending orchestrator work item for instance %s", resp.InstanceID)
	}
	s.parkedHistory.Clear(key)
	future.resolve(&dispatch.OrchestratorResult{
		Actions:      resp.Actions,
		CustomStatus: resp.CustomStatus,
		Trace:        resp.Trace,
	})
	return &protocol.Empty{}, nil
}

// CompleteActivityTask receives an activity result and resolves its
// correlation with a TaskCompleted or TaskFailed event.
func (s *Service) CompleteActivityTask(ctx context.Context, resp *protocol.ActivityResponse) (*protocol.Empty, error) {
	key := activityKey(resp.InstanceID, resp.TaskID)
	future, ok := s.pendingActivities.Remove(key)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no pending activity work item for instance %s task %d", resp.InstanceID, resp.TaskID)
	}

	var e *history.Event
	if resp.Failure != nil {
		e = history.NewTaskFailedEvent(resp.TaskID, resp.Failure)
	} else {
		e = history.NewTaskCompletedEvent(resp.TaskID, resp.Result)
	}
	future.resolve(e)
	return &protocol.Empty{}, nil
}

// AbandonTaskOrchestratorWorkItem is acknowledged as a no-op; abandonment
// happens through the orchestration service.
func (s *Service) AbandonTaskOrchestratorWorkItem(ctx context.Context, req *protocol.AbandonWorkItemRequest) (*protocol.Empty, error) {
	return &protocol.Empty{}, nil
}

// AbandonTaskActivityWorkItem is acknowledged as a no-op.
func (s *Service) AbandonTaskActivityWorkItem(ctx context.Context, req *protocol.AbandonWorkItemRequest) (*protocol.Empty, error) {
	return &protocol.Empty{}, nil
}

// StreamInstanceHistory emits the parked past events for an instance in
// event-boundary-framed chunks.
func (s *Service) StreamInstanceHistory(req *protocol.StreamInstanceHistoryRequest, stream protocol.TaskHubWorkerStreamInstanceHistoryStream) error {
	events, ok := s.parkedHistory.Take(orchestratorKey(req.InstanceID))
	if !ok {
		return status.Errorf(codes.NotFound, "no parked history for instance %s", req.InstanceID)
	}

	for _, chunk := range chunkHistoryEvents(events, maxHistoryChunkBytes) {
		if err := stream.Send(chunk); err != nil {
			return fmt.Errorf("failed to send history chunk: %w", err)
		}
		metrics.RecordHistoryChunk(chunkPayloadSize(chunk))
	}
	return nil
}
