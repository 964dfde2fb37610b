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

package backend

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/taskhub/internal/history"
)

func startedState(t *testing.T, instanceID string) *RuntimeState {
	t.Helper()
	s := NewRuntimeState(instanceID, nil)
	require.NoError(t, s.AddEvent(history.NewOrchestratorStartedEvent()))
	require.NoError(t, s.AddEvent(history.NewExecutionStartedEvent("X", instanceID, "exec-1", "in", nil)))
	return s
}

func TestRuntimeState_AddEventRules(t *testing.T) {
	s := startedState(t, "abc")

	t.Run("second ExecutionStarted is a duplicate", func(t *testing.T) {
		err := s.AddEvent(history.NewExecutionStartedEvent("X", "abc", "exec-2", "", nil))
		require.True(t, errors.Is(err, ErrDuplicateEvent))
	})

	t.Run("second OrchestratorStarted in one episode is a duplicate", func(t *testing.T) {
		err := s.AddEvent(history.NewOrchestratorStartedEvent())
		require.True(t, errors.Is(err, ErrDuplicateEvent))
	})

	t.Run("second completion is a duplicate", func(t *testing.T) {
		require.NoError(t, s.AddEvent(history.NewExecutionCompletedEvent(-1, history.StatusCompleted, "out", nil)))
		err := s.AddEvent(history.NewExecutionCompletedEvent(-1, history.StatusCompleted, "out", nil))
		require.True(t, errors.Is(err, ErrDuplicateEvent))
	})
}

func TestRuntimeState_ReplayFromOldEvents(t *testing.T) {
	old := []*history.Event{
		history.NewOrchestratorStartedEvent(),
		history.NewExecutionStartedEvent("X", "abc", "exec-1", "in", nil),
		history.NewSuspendEvent(""),
	}
	s := NewRuntimeState("abc", old)

	require.True(t, s.IsValid())
	require.False(t, s.IsCompleted())
	require.Equal(t, history.StatusSuspended, s.RuntimeStatus())
	require.Equal(t, "exec-1", s.ExecutionID)

	name, err := s.Name()
	require.NoError(t, err)
	require.Equal(t, "X", name)

	require.NoError(t, s.AddEvent(history.NewResumeEvent("")))
	require.Equal(t, history.StatusRunning, s.RuntimeStatus())
}

func TestRuntimeState_StatusProgression(t *testing.T) {
	s := NewRuntimeState("abc", nil)
	require.Equal(t, history.StatusPending, s.RuntimeStatus())
	require.True(t, s.IsValid())

	require.NoError(t, s.AddEvent(history.NewExecutionStartedEvent("X", "abc", "e1", "", nil)))
	require.Equal(t, history.StatusRunning, s.RuntimeStatus())

	require.NoError(t, s.AddEvent(history.NewExecutionCompletedEvent(-1, history.StatusFailed, "", &history.FailureDetails{ErrorType: "E"})))
	require.Equal(t, history.StatusFailed, s.RuntimeStatus())
	require.Equal(t, "E", s.FailureDetails().ErrorType)
}

func TestApplyActions_ScheduleTask(t *testing.T) {
	s := startedState(t, "abc")

	completion, err := s.ApplyActions([]*history.Action{
		{ID: 8, ScheduleTask: &history.ScheduleTaskAction{Name: "Y", Input: "p"}},
	})
	require.NoError(t, err)

	require.Len(t, completion.OutboundMessages, 1)
	require.Empty(t, completion.TimerMessages)
	require.Nil(t, completion.ContinuedAsNew)

	msg := completion.OutboundMessages[0]
	require.Equal(t, "abc", msg.TargetInstanceID)
	require.NotNil(t, msg.Event.TaskScheduled)
	require.Equal(t, int32(8), msg.Event.EventID)
	require.Equal(t, "Y", msg.Event.TaskScheduled.Name)
	require.Equal(t, "p", msg.Event.TaskScheduled.Input)

	// The scheduling event is also appended to the episode's history.
	events := s.NewEvents()
	last := events[len(events)-1]
	require.NotNil(t, last.TaskScheduled)
}

func TestApplyActions_CreateTimer(t *testing.T) {
	s := startedState(t, "abc")
	fireAt := time.Now().Add(time.Hour).UTC()

	completion, err := s.ApplyActions([]*history.Action{
		{ID: 3, CreateTimer: &history.CreateTimerAction{FireAt: fireAt}},
	})
	require.NoError(t, err)

	require.Empty(t, completion.OutboundMessages)
	require.Len(t, completion.TimerMessages, 1)

	msg := completion.TimerMessages[0]
	require.NotNil(t, msg.VisibleAt)
	require.True(t, fireAt.Equal(*msg.VisibleAt))
	require.NotNil(t, msg.Event.TimerFired)
	require.Equal(t, int32(3), msg.Event.TimerFired.TimerID)
}

func TestApplyActions_SendEvent(t *testing.T) {
	s := startedState(t, "abc")

	completion, err := s.ApplyActions([]*history.Action{
		{ID: 4, SendEvent: &history.SendEventAction{InstanceID: "other", Name: "ping", Input: "1"}},
	})
	require.NoError(t, err)

	require.Len(t, completion.OutboundMessages, 1)
	msg := completion.OutboundMessages[0]
	require.Equal(t, "other", msg.TargetInstanceID)
	require.NotNil(t, msg.Event.EventRaised)
	require.Equal(t, "ping", msg.Event.EventRaised.Name)
}

func TestApplyActions_SubOrchestration(t *testing.T) {
	s := startedState(t, "abc")

	completion, err := s.ApplyActions([]*history.Action{
		{ID: 5, CreateSubOrchestration: &history.CreateSubOrchestrationAction{Name: "Child", InstanceID: "abc-child"}},
	})
	require.NoError(t, err)

	require.Len(t, completion.OutboundMessages, 1)
	msg := completion.OutboundMessages[0]
	require.Equal(t, "abc-child", msg.TargetInstanceID)
	require.NotNil(t, msg.Event.ExecutionStarted)
	require.Equal(t, "Child", msg.Event.ExecutionStarted.Name)
	require.NotNil(t, msg.Event.ExecutionStarted.ParentInstance)
	require.Equal(t, "abc", msg.Event.ExecutionStarted.ParentInstance.InstanceID)
	require.Equal(t, int32(5), msg.Event.ExecutionStarted.ParentInstance.TaskScheduledID)
}

func TestApplyActions_CompleteNotifiesParent(t *testing.T) {
	parent := &history.ParentInfo{InstanceID: "parent", TaskScheduledID: 11}
	s := NewRuntimeState("child", nil)
	require.NoError(t, s.AddEvent(history.NewExecutionStartedEvent("Child", "child", "e1", "", parent)))

	t.Run("completed", func(t *testing.T) {
		cs := NewRuntimeState("child", s.NewEvents())
		completion, err := cs.ApplyActions([]*history.Action{
			{ID: -1, CompleteOrchestration: &history.CompleteOrchestrationAction{Status: history.StatusCompleted, Result: "42"}},
		})
		require.NoError(t, err)
		require.Len(t, completion.OutboundMessages, 1)
		msg := completion.OutboundMessages[0]
		require.Equal(t, "parent", msg.TargetInstanceID)
		require.NotNil(t, msg.Event.SubOrchestrationInstanceCompleted)
		require.Equal(t, int32(11), msg.Event.SubOrchestrationInstanceCompleted.TaskScheduledID)
		require.Equal(t, "42", msg.Event.SubOrchestrationInstanceCompleted.Result)
	})

	t.Run("failed", func(t *testing.T) {
		cs := NewRuntimeState("child", s.NewEvents())
		completion, err := cs.ApplyActions([]*history.Action{
			{ID: -1, CompleteOrchestration: &history.CompleteOrchestrationAction{
				Status:  history.StatusFailed,
				Failure: &history.FailureDetails{ErrorType: "Boom"},
			}},
		})
		require.NoError(t, err)
		require.Len(t, completion.OutboundMessages, 1)
		require.NotNil(t, completion.OutboundMessages[0].Event.SubOrchestrationInstanceFailed)
		require.Equal(t, "Boom", completion.OutboundMessages[0].Event.SubOrchestrationInstanceFailed.Failure.ErrorType)
	})
}

func TestApplyActions_ContinueAsNew(t *testing.T) {
	s := startedState(t, "abc")

	carry := history.NewEventRaisedEvent("buffered", "v")
	completion, err := s.ApplyActions([]*history.Action{
		{ID: -1, CompleteOrchestration: &history.CompleteOrchestrationAction{
			Status:          history.StatusContinuedAsNew,
			Result:          "next-input",
			CarryoverEvents: []*history.Event{carry},
		}},
	})
	require.NoError(t, err)

	require.NotNil(t, completion.ContinuedAsNew)
	started := completion.ContinuedAsNew.Event.ExecutionStarted
	require.NotNil(t, started)
	require.Equal(t, "abc", completion.ContinuedAsNew.TargetInstanceID)
	require.Equal(t, "X", started.Name)
	require.Equal(t, "next-input", started.Input)
	require.NotEqual(t, "exec-1", started.ExecutionID, "continue-as-new must mint a fresh execution id")

	// Carryover raised events are re-delivered to the same instance.
	require.Len(t, completion.OutboundMessages, 1)
	require.Equal(t, "abc", completion.OutboundMessages[0].TargetInstanceID)
	require.Equal(t, carry, completion.OutboundMessages[0].Event)
}

func TestApplyActions_ContinueAsNewRejectsNonRaisedCarryover(t *testing.T) {
	s := startedState(t, "abc")

	_, err := s.ApplyActions([]*history.Action{
		{ID: -1, CompleteOrchestration: &history.CompleteOrchestrationAction{
			Status:          history.StatusContinuedAsNew,
			CarryoverEvents: []*history.Event{history.NewTaskCompletedEvent(1, "")},
		}},
	})
	require.Error(t, err)
}

func TestApplyActions_UnknownActionIsHardError(t *testing.T) {
	s := startedState(t, "abc")

	_, err := s.ApplyActions([]*history.Action{{ID: 1}})
	require.True(t, errors.Is(err, history.ErrUnknownActionKind))
}

func TestApplyActions_OrderingPreserved(t *testing.T) {
	s := startedState(t, "abc")

	completion, err := s.ApplyActions([]*history.Action{
		{ID: 1, ScheduleTask: &history.ScheduleTaskAction{Name: "A"}},
		{ID: 2, SendEvent: &history.SendEventAction{InstanceID: "o", Name: "e"}},
		{ID: 3, ScheduleTask: &history.ScheduleTaskAction{Name: "B"}},
	})
	require.NoError(t, err)

	require.Len(t, completion.OutboundMessages, 3)
	require.NotNil(t, completion.OutboundMessages[0].Event.TaskScheduled)
	require.Equal(t, "A", completion.OutboundMessages[0].Event.TaskScheduled.Name)
	require.NotNil(t, completion.OutboundMessages[1].Event.EventRaised)
	require.NotNil(t, completion.OutboundMessages[2].Event.TaskScheduled)
	require.Equal(t, "B", completion.OutboundMessages[2].Event.TaskScheduled.Name)
}
