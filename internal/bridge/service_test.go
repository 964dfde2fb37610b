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
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tombee/taskhub/internal/dispatch"
	"github.com/tombee/taskhub/internal/history"
	"github.com/tombee/taskhub/internal/log"
	"github.com/tombee/taskhub/internal/protocol"
)

type fakeWorkItemStream struct {
	grpc.ServerStream
	ctx  context.Context
	sent chan *protocol.WorkItem
}

func (s *fakeWorkItemStream) Context() context.Context { return s.ctx }

func (s *fakeWorkItemStream) Send(wi *protocol.WorkItem) error {
	s.sent <- wi
	return nil
}

type fakeHistoryStream struct {
	grpc.ServerStream
	chunks []*protocol.HistoryChunk
}

func (s *fakeHistoryStream) Context() context.Context { return context.Background() }

func (s *fakeHistoryStream) Send(c *protocol.HistoryChunk) error {
	s.chunks = append(s.chunks, c)
	return nil
}

func newTestService(t *testing.T, opts ...ServiceOption) *Service {
	t.Helper()
	logger := log.New(&log.Config{Level: "error", Format: log.FormatText, Output: io.Discard})
	s := NewService(dispatch.NewTrafficSignal(), logger, opts...)
	t.Cleanup(s.Close)
	return s
}

// connectWorker opens the work-item stream in the background and waits for
// registration. The returned cancel disconnects the worker.
func connectWorker(t *testing.T, s *Service, caps *protocol.WorkerCapabilities) (*fakeWorkItemStream, context.CancelFunc) {
	t.Helper()
	if caps == nil {
		caps = &protocol.WorkerCapabilities{WorkerID: "test-worker"}
	}
	ctx, cancel := context.WithCancel(context.Background())
	stream := &fakeWorkItemStream{ctx: ctx, sent: make(chan *protocol.WorkItem, 16)}
	go func() { _ = s.GetWorkItems(caps, stream) }()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.stream != nil
	}, time.Second, 5*time.Millisecond)
	t.Cleanup(cancel)
	return stream, cancel
}

func recvWorkItem(t *testing.T, stream *fakeWorkItemStream) *protocol.WorkItem {
	t.Helper()
	select {
	case wi := <-stream.sent:
		return wi
	case <-time.After(time.Second):
		t.Fatal("no work item written to the stream")
		return nil
	}
}

func TestGetWorkItemsAdmitsOneWorker(t *testing.T) {
	s := newTestService(t)
	_, cancel := connectWorker(t, s, nil)

	err := s.GetWorkItems(&protocol.WorkerCapabilities{WorkerID: "second"},
		&fakeWorkItemStream{ctx: context.Background(), sent: make(chan *protocol.WorkItem, 1)})
	require.Equal(t, codes.ResourceExhausted, status.Code(err))

	cancel()
	require.Eventually(t, func() bool { return !s.signal.IsSet() }, time.Second, 5*time.Millisecond)
}

func TestWorkerReconnectAfterDisconnect(t *testing.T) {
	s := newTestService(t)
	_, cancel := connectWorker(t, s, nil)
	cancel()
	require.Eventually(t, func() bool { return !s.signal.IsSet() }, time.Second, 5*time.Millisecond)

	connectWorker(t, s, &protocol.WorkerCapabilities{WorkerID: "replacement"})
	require.True(t, s.signal.IsSet())
}

func TestExecuteActivityRoundTrip(t *testing.T) {
	s := newTestService(t)
	stream, _ := connectWorker(t, s, nil)

	scheduled := history.NewTaskScheduledEvent(4, "SayHello", "", `"world"`, nil)

	type result struct {
		e   *history.Event
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		e, err := s.ExecuteActivity(context.Background(), "inst1", "exec1", scheduled)
		resCh <- result{e, err}
	}()

	wi := recvWorkItem(t, stream)
	require.NotNil(t, wi.Activity)
	require.Equal(t, int32(4), wi.Activity.TaskID)
	require.Equal(t, "SayHello", wi.Activity.Name)
	require.Equal(t, `"world"`, wi.Activity.Input)
	require.Equal(t, "inst1", wi.Activity.InstanceID)

	_, err := s.CompleteActivityTask(context.Background(), &protocol.ActivityResponse{
		InstanceID: "inst1",
		TaskID:     4,
		Result:     `"hello, world"`,
	})
	require.NoError(t, err)

	res := <-resCh
	require.NoError(t, res.err)
	require.NotNil(t, res.e.TaskCompleted)
	require.Equal(t, int32(4), res.e.TaskCompleted.TaskScheduledID)
	require.Equal(t, `"hello, world"`, res.e.TaskCompleted.Result)
}

func TestExecuteActivityFailure(t *testing.T) {
	s := newTestService(t)
	stream, _ := connectWorker(t, s, nil)

	scheduled := history.NewTaskScheduledEvent(2, "Boom", "", "", nil)
	resCh := make(chan *history.Event, 1)
	go func() {
		e, err := s.ExecuteActivity(context.Background(), "inst1", "exec1", scheduled)
		require.NoError(t, err)
		resCh <- e
	}()
	recvWorkItem(t, stream)

	_, err := s.CompleteActivityTask(context.Background(), &protocol.ActivityResponse{
		InstanceID: "inst1",
		TaskID:     2,
		Failure:    &history.FailureDetails{ErrorType: "ValueError", ErrorMessage: "boom"},
	})
	require.NoError(t, err)

	e := <-resCh
	require.NotNil(t, e.TaskFailed)
	require.Equal(t, "boom", e.TaskFailed.Failure.ErrorMessage)
}

func TestCompleteActivityTaskUnknownCorrelation(t *testing.T) {
	s := newTestService(t)
	_, err := s.CompleteActivityTask(context.Background(), &protocol.ActivityResponse{
		InstanceID: "nobody",
		TaskID:     1,
	})
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestExecuteOrchestratorEmbedsSmallHistory(t *testing.T) {
	s := newTestService(t)
	stream, _ := connectWorker(t, s, nil)

	past := []*history.Event{history.NewOrchestratorStartedEvent()}
	newEvents := []*history.Event{history.NewEventRaisedEvent("go", "")}

	resCh := make(chan *dispatch.OrchestratorResult, 1)
	go func() {
		r, err := s.ExecuteOrchestrator(context.Background(), "inst1", "exec1", past, newEvents)
		require.NoError(t, err)
		resCh <- r
	}()

	wi := recvWorkItem(t, stream)
	require.NotNil(t, wi.Orchestrator)
	require.False(t, wi.Orchestrator.RequiresHistoryStreaming)
	require.Len(t, wi.Orchestrator.PastEvents, 1)
	require.Len(t, wi.Orchestrator.NewEvents, 1)

	_, err := s.CompleteOrchestratorTask(context.Background(), &protocol.OrchestratorResponse{
		InstanceID:   "inst1",
		Actions:      actions(2),
		CustomStatus: "done",
	})
	require.NoError(t, err)

	r := <-resCh
	require.Len(t, r.Actions, 2)
	require.Equal(t, "done", r.CustomStatus)
}

func TestExecuteOrchestratorStreamsLargeHistory(t *testing.T) {
	s := newTestService(t, WithEmbedThreshold(16))
	caps := &protocol.WorkerCapabilities{
		WorkerID:     "streaming-worker",
		Capabilities: []string{protocol.CapabilityHistoryStreaming},
	}
	stream, _ := connectWorker(t, s, caps)

	past := []*history.Event{
		history.NewEventRaisedEvent("first", "some input payload"),
		history.NewEventRaisedEvent("second", "more input payload"),
	}

	resCh := make(chan *dispatch.OrchestratorResult, 1)
	go func() {
		r, err := s.ExecuteOrchestrator(context.Background(), "inst1", "exec1", past, nil)
		require.NoError(t, err)
		resCh <- r
	}()

	wi := recvWorkItem(t, stream)
	require.True(t, wi.Orchestrator.RequiresHistoryStreaming)
	require.Empty(t, wi.Orchestrator.PastEvents)

	hs := &fakeHistoryStream{}
	err := s.StreamInstanceHistory(&protocol.StreamInstanceHistoryRequest{InstanceID: "inst1"}, hs)
	require.NoError(t, err)

	var streamed []*history.Event
	for _, c := range hs.chunks {
		for _, raw := range c.Events {
			var e history.Event
			require.NoError(t, json.Unmarshal(raw, &e))
			streamed = append(streamed, &e)
		}
	}
	require.Len(t, streamed, 2)
	require.Equal(t, "first", streamed[0].EventRaised.Name)
	require.Equal(t, "second", streamed[1].EventRaised.Name)

	// A second fetch finds nothing; the buffer is consumed.
	err = s.StreamInstanceHistory(&protocol.StreamInstanceHistoryRequest{InstanceID: "inst1"}, &fakeHistoryStream{})
	require.Equal(t, codes.NotFound, status.Code(err))

	_, err = s.CompleteOrchestratorTask(context.Background(), &protocol.OrchestratorResponse{InstanceID: "inst1"})
	require.NoError(t, err)
	<-resCh
}

func TestExecuteOrchestratorEmbedsAtThresholdBoundary(t *testing.T) {
	past := []*history.Event{history.NewEventRaisedEvent("evt", "payload")}
	data, err := json.Marshal(past[0])
	require.NoError(t, err)

	// Streaming requires strictly more than the threshold.
	s := newTestService(t, WithEmbedThreshold(len(data)))
	caps := &protocol.WorkerCapabilities{
		Capabilities: []string{protocol.CapabilityHistoryStreaming},
	}
	stream, _ := connectWorker(t, s, caps)

	go func() {
		_, _ = s.ExecuteOrchestrator(context.Background(), "inst1", "exec1", past, nil)
	}()

	wi := recvWorkItem(t, stream)
	require.False(t, wi.Orchestrator.RequiresHistoryStreaming)
	require.Len(t, wi.Orchestrator.PastEvents, 1)
	require.Equal(t, 0, s.parkedHistory.Len())
}

func TestCompleteOrchestratorTaskPartialChunks(t *testing.T) {
	s := newTestService(t)
	stream, _ := connectWorker(t, s, nil)

	resCh := make(chan *dispatch.OrchestratorResult, 1)
	go func() {
		r, err := s.ExecuteOrchestrator(context.Background(), "inst1", "exec1", nil, nil)
		require.NoError(t, err)
		resCh <- r
	}()
	recvWorkItem(t, stream)

	ctx := context.Background()
	_, err := s.CompleteOrchestratorTask(ctx, &protocol.OrchestratorResponse{
		InstanceID: "inst1", Actions: actions(2), IsPartial: true,
	})
	require.NoError(t, err)
	_, err = s.CompleteOrchestratorTask(ctx, &protocol.OrchestratorResponse{
		InstanceID: "inst1", Actions: actions(3), IsPartial: true,
	})
	require.NoError(t, err)

	// The terminal chunk's custom status wins; trace context on accumulated
	// replies is dropped.
	_, err = s.CompleteOrchestratorTask(ctx, &protocol.OrchestratorResponse{
		InstanceID:   "inst1",
		Actions:      actions(1),
		CustomStatus: "final",
		Trace:        &history.TraceContext{TraceParent: "00-abc-def-01"},
	})
	require.NoError(t, err)

	r := <-resCh
	require.Len(t, r.Actions, 6)
	require.Equal(t, "final", r.CustomStatus)
	require.Nil(t, r.Trace)
	require.Equal(t, 0, s.chunks.Len())
}

func TestCompleteOrchestratorTaskPartialUnknownCorrelation(t *testing.T) {
	s := newTestService(t)
	_, err := s.CompleteOrchestratorTask(context.Background(), &protocol.OrchestratorResponse{
		InstanceID: "nobody", Actions: actions(1), IsPartial: true,
	})
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestCompleteOrchestratorTaskUnknownCorrelation(t *testing.T) {
	s := newTestService(t)
	_, err := s.CompleteOrchestratorTask(context.Background(), &protocol.OrchestratorResponse{
		InstanceID: "nobody",
	})
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestOrchestratorCorrelationIsCaseInsensitive(t *testing.T) {
	s := newTestService(t)
	stream, _ := connectWorker(t, s, nil)

	resCh := make(chan *dispatch.OrchestratorResult, 1)
	go func() {
		r, err := s.ExecuteOrchestrator(context.Background(), "MyInstance", "exec1", nil, nil)
		require.NoError(t, err)
		resCh <- r
	}()
	recvWorkItem(t, stream)

	_, err := s.CompleteOrchestratorTask(context.Background(), &protocol.OrchestratorResponse{
		InstanceID: "MYINSTANCE",
	})
	require.NoError(t, err)
	<-resCh
}

func TestExecuteWithoutWorker(t *testing.T) {
	s := newTestService(t)
	scheduled := history.NewTaskScheduledEvent(1, "Nope", "", "", nil)
	_, err := s.ExecuteActivity(context.Background(), "inst1", "exec1", scheduled)
	require.ErrorIs(t, err, errNoWorker)
	require.Equal(t, 0, s.pendingActivities.Len())
}

func TestCloseFailsInFlightAwaits(t *testing.T) {
	s := newTestService(t)
	stream, _ := connectWorker(t, s, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.ExecuteOrchestrator(context.Background(), "inst1", "exec1", nil, nil)
		errCh <- err
	}()
	recvWorkItem(t, stream)

	s.Close()
	require.ErrorIs(t, <-errCh, errShuttingDown)
}
