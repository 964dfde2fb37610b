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

package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/taskhub/internal/backend"
	"github.com/tombee/taskhub/internal/history"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func createInstance(t *testing.T, b *Backend, instanceID string) {
	t.Helper()
	e := history.NewExecutionStartedEvent("Demo", instanceID, "exec-1", "in", nil)
	require.NoError(t, b.CreateOrchestrationInstance(testContext(t), e, nil))
}

// runEpisode locks the next orchestration work item, applies the given
// actions, and completes it the way the dispatcher does.
func runEpisode(t *testing.T, b *Backend, actions []*history.Action) *backend.OrchestrationWorkItem {
	t.Helper()
	ctx := testContext(t)

	wi, err := b.LockNextOrchestrationWorkItem(ctx)
	require.NoError(t, err)

	state, err := b.GetOrchestrationRuntimeState(ctx, wi)
	require.NoError(t, err)
	require.NoError(t, state.AddEvent(history.NewOrchestratorStartedEvent()))
	for _, e := range wi.NewEvents {
		require.NoError(t, state.AddEvent(e))
	}

	completion, err := state.ApplyActions(actions)
	require.NoError(t, err)
	require.NoError(t, b.CompleteOrchestrationWorkItem(ctx, wi, completion))
	return wi
}

func TestCreateAndLockOrchestration(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	createInstance(t, b, "abc")

	wi, err := b.LockNextOrchestrationWorkItem(testContext(t))
	require.NoError(t, err)
	require.Equal(t, "abc", wi.InstanceID)
	require.Len(t, wi.NewEvents, 1)
	require.NotNil(t, wi.NewEvents[0].ExecutionStarted)

	md, err := b.GetOrchestrationMetadata(testContext(t), "abc")
	require.NoError(t, err)
	require.Equal(t, history.StatusPending, md.Status)
	require.Equal(t, "Demo", md.Name)
	require.Equal(t, "in", md.Input)
}

func TestCreateDuplicateInstance(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	createInstance(t, b, "abc")

	e := history.NewExecutionStartedEvent("Demo", "abc", "exec-2", "", nil)
	err := b.CreateOrchestrationInstance(testContext(t), e, nil)
	require.True(t, errors.Is(err, backend.ErrDuplicateInstance))
}

func TestScheduleTaskRoutesToActivityQueue(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	createInstance(t, b, "abc")

	runEpisode(t, b, []*history.Action{
		{ID: 8, ScheduleTask: &history.ScheduleTaskAction{Name: "Y", Input: "p"}},
	})

	ctx := testContext(t)
	awi, err := b.LockNextActivityWorkItem(ctx)
	require.NoError(t, err)
	require.Equal(t, "abc", awi.InstanceID)
	require.Equal(t, int32(8), awi.NewEvent.EventID)
	require.Equal(t, "Y", awi.NewEvent.TaskScheduled.Name)

	// Completing the activity delivers the result event back to the instance.
	require.NoError(t, b.CompleteActivityWorkItem(ctx, awi, &backend.TaskMessage{
		TargetInstanceID: "abc",
		Event:            history.NewTaskCompletedEvent(8, "3"),
	}))

	wi, err := b.LockNextOrchestrationWorkItem(ctx)
	require.NoError(t, err)
	require.Len(t, wi.NewEvents, 1)
	require.NotNil(t, wi.NewEvents[0].TaskCompleted)
	require.Equal(t, int32(8), wi.NewEvents[0].TaskCompleted.TaskScheduledID)
}

func TestTimerMessageInvisibleUntilDue(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	createInstance(t, b, "abc")

	fireAt := time.Now().Add(300 * time.Millisecond).UTC()
	runEpisode(t, b, []*history.Action{
		{ID: 2, CreateTimer: &history.CreateTimerAction{FireAt: fireAt}},
	})

	// Before the due time there is nothing to lock.
	short, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := b.LockNextOrchestrationWorkItem(short)
	require.True(t, errors.Is(err, context.DeadlineExceeded))

	wi, err := b.LockNextOrchestrationWorkItem(testContext(t))
	require.NoError(t, err)
	require.Len(t, wi.NewEvents, 1)
	require.NotNil(t, wi.NewEvents[0].TimerFired)
}

func TestAbandonOrchestrationRedelivers(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	createInstance(t, b, "abc")
	ctx := testContext(t)

	wi, err := b.LockNextOrchestrationWorkItem(ctx)
	require.NoError(t, err)
	require.NoError(t, b.AbandonOrchestrationWorkItem(ctx, wi))

	again, err := b.LockNextOrchestrationWorkItem(ctx)
	require.NoError(t, err)
	require.Equal(t, "abc", again.InstanceID)
	require.Len(t, again.NewEvents, 1)
}

func TestCompleteWithStaleLease(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	createInstance(t, b, "abc")
	ctx := testContext(t)

	wi, err := b.LockNextOrchestrationWorkItem(ctx)
	require.NoError(t, err)

	stale := *wi
	stale.LockedBy = "someone-else"
	err = b.CompleteOrchestrationWorkItem(ctx, &stale, &backend.OrchestrationCompletion{
		State: backend.NewRuntimeState("abc", nil),
	})
	require.True(t, errors.Is(err, backend.ErrWorkItemLockLost))

	require.True(t, errors.Is(b.RenewOrchestrationWorkItemLock(ctx, &stale), backend.ErrWorkItemLockLost))
	require.True(t, errors.Is(b.AbandonOrchestrationWorkItem(ctx, &stale), backend.ErrWorkItemLockLost))
}

func TestTerminalCompletionAndPurge(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	createInstance(t, b, "abc")
	ctx := testContext(t)

	_, err := b.PurgeOrchestrationState(ctx, "abc")
	require.True(t, errors.Is(err, backend.ErrNotCompleted))

	runEpisode(t, b, []*history.Action{
		{ID: -1, CompleteOrchestration: &history.CompleteOrchestrationAction{
			Status: history.StatusCompleted,
			Result: "out",
		}},
	})

	md, err := b.GetOrchestrationMetadata(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, history.StatusCompleted, md.Status)
	require.Equal(t, "out", md.Output)
	require.True(t, md.Terminal())

	n, err := b.PurgeOrchestrationState(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = b.GetOrchestrationMetadata(ctx, "abc")
	require.True(t, errors.Is(err, backend.ErrInstanceNotFound))
}

func TestContinueAsNewResetsInstance(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	createInstance(t, b, "abc")
	ctx := testContext(t)

	runEpisode(t, b, []*history.Action{
		{ID: -1, CompleteOrchestration: &history.CompleteOrchestrationAction{
			Status: history.StatusContinuedAsNew,
			Result: "next-input",
		}},
	})

	md, err := b.GetOrchestrationMetadata(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, history.StatusPending, md.Status)
	require.Equal(t, "next-input", md.Input)
	require.NotEqual(t, "exec-1", md.ExecutionID)

	// The next work item starts the fresh execution with no past events.
	wi, err := b.LockNextOrchestrationWorkItem(ctx)
	require.NoError(t, err)
	require.Len(t, wi.NewEvents, 1)
	require.NotNil(t, wi.NewEvents[0].ExecutionStarted)

	state, err := b.GetOrchestrationRuntimeState(ctx, wi)
	require.NoError(t, err)
	require.Empty(t, state.OldEvents())
}

func TestSubOrchestrationAutoCreatesChild(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	createInstance(t, b, "abc")
	ctx := testContext(t)

	runEpisode(t, b, []*history.Action{
		{ID: 5, CreateSubOrchestration: &history.CreateSubOrchestrationAction{
			Name:       "Child",
			InstanceID: "abc-child",
		}},
	})

	md, err := b.GetOrchestrationMetadata(ctx, "abc-child")
	require.NoError(t, err)
	require.Equal(t, "Child", md.Name)
	require.Equal(t, history.StatusPending, md.Status)
}

func TestAddTaskMessageUnknownInstance(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	err := b.AddTaskMessage(testContext(t), &backend.TaskMessage{
		TargetInstanceID: "missing",
		Event:            history.NewEventRaisedEvent("ping", ""),
	})
	require.True(t, errors.Is(err, backend.ErrInstanceNotFound))
}

func TestActivityAbandonRedelivers(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	createInstance(t, b, "abc")
	ctx := testContext(t)

	runEpisode(t, b, []*history.Action{
		{ID: 1, ScheduleTask: &history.ScheduleTaskAction{Name: "A"}},
	})

	awi, err := b.LockNextActivityWorkItem(ctx)
	require.NoError(t, err)
	require.NoError(t, b.AbandonActivityWorkItem(ctx, awi))

	again, err := b.LockNextActivityWorkItem(ctx)
	require.NoError(t, err)
	require.Equal(t, awi.SequenceNumber, again.SequenceNumber)
}

func TestLockBlocksUntilContextDone(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err := b.LockNextOrchestrationWorkItem(ctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestDeleteTaskHubDropsState(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	createInstance(t, b, "abc")

	require.NoError(t, b.DeleteTaskHub(testContext(t)))
	_, err := b.GetOrchestrationMetadata(testContext(t), "abc")
	require.True(t, errors.Is(err, backend.ErrInstanceNotFound))
}
