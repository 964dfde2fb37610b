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
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/taskhub/internal/history"
)

// ErrNotStarted is returned by accessors that require an ExecutionStarted
// event in the history.
var ErrNotStarted = errors.New("backend: orchestration has not started")

// RuntimeState is the in-memory projection of one instance's history: the
// committed (old) events plus the events appended during the current
// episode. It is mutated only by the owning dispatcher.
type RuntimeState struct {
	InstanceID  string
	ExecutionID string

	// CustomStatus is the worker-provided status string from the latest
	// episode.
	CustomStatus string

	oldEvents []*history.Event
	newEvents []*history.Event

	startEvent     *history.ExecutionStartedEvent
	completedEvent *history.ExecutionCompletedEvent
	suspended      bool
	episodeStarted bool
}

// NewRuntimeState builds state from committed history. The old events are
// replayed to recover start/completion markers; replay does not enforce
// duplicate rules.
func NewRuntimeState(instanceID string, oldEvents []*history.Event) *RuntimeState {
	s := &RuntimeState{
		InstanceID: instanceID,
		oldEvents:  oldEvents,
	}
	for _, e := range oldEvents {
		switch {
		case e.ExecutionStarted != nil:
			s.startEvent = e.ExecutionStarted
			s.ExecutionID = e.ExecutionStarted.ExecutionID
		case e.ExecutionCompleted != nil:
			s.completedEvent = e.ExecutionCompleted
		case e.ExecutionSuspended != nil:
			s.suspended = true
		case e.ExecutionResumed != nil:
			s.suspended = false
		}
	}
	return s
}

// AddEvent appends an event for the current episode, enforcing history
// integrity rules.
func (s *RuntimeState) AddEvent(e *history.Event) error {
	switch {
	case e.ExecutionStarted != nil:
		if s.startEvent != nil {
			return ErrDuplicateEvent
		}
		s.startEvent = e.ExecutionStarted
		s.ExecutionID = e.ExecutionStarted.ExecutionID
	case e.ExecutionCompleted != nil:
		if s.completedEvent != nil {
			return ErrDuplicateEvent
		}
		s.completedEvent = e.ExecutionCompleted
	case e.OrchestratorStarted != nil:
		if s.episodeStarted {
			return ErrDuplicateEvent
		}
		s.episodeStarted = true
	case e.ExecutionSuspended != nil:
		s.suspended = true
	case e.ExecutionResumed != nil:
		s.suspended = false
	}
	s.newEvents = append(s.newEvents, e)
	return nil
}

// OldEvents returns the committed history.
func (s *RuntimeState) OldEvents() []*history.Event { return s.oldEvents }

// NewEvents returns the events appended during the current episode.
func (s *RuntimeState) NewEvents() []*history.Event { return s.newEvents }

// IsValid reports whether the history is structurally sound: empty, or
// carrying an ExecutionStarted event.
func (s *RuntimeState) IsValid() bool {
	return len(s.oldEvents) == 0 || s.startEvent != nil
}

// IsCompleted reports whether the execution reached a terminal event.
func (s *RuntimeState) IsCompleted() bool { return s.completedEvent != nil }

// Name returns the orchestration name from the start event.
func (s *RuntimeState) Name() (string, error) {
	if s.startEvent == nil {
		return "", ErrNotStarted
	}
	return s.startEvent.Name, nil
}

// Input returns the orchestration input from the start event.
func (s *RuntimeState) Input() (string, error) {
	if s.startEvent == nil {
		return "", ErrNotStarted
	}
	return s.startEvent.Input, nil
}

// Output returns the result payload of a completed execution.
func (s *RuntimeState) Output() string {
	if s.completedEvent == nil {
		return ""
	}
	return s.completedEvent.Result
}

// FailureDetails returns the failure of a failed execution, or nil.
func (s *RuntimeState) FailureDetails() *history.FailureDetails {
	if s.completedEvent == nil {
		return nil
	}
	return s.completedEvent.Failure
}

// RuntimeStatus derives the instance status from the history markers.
func (s *RuntimeState) RuntimeStatus() history.OrchestrationStatus {
	switch {
	case s.completedEvent != nil:
		return s.completedEvent.Status
	case s.suspended:
		return history.StatusSuspended
	case s.startEvent != nil:
		return history.StatusRunning
	default:
		return history.StatusPending
	}
}

func (s *RuntimeState) String() string {
	name, err := s.Name()
	if err != nil {
		name = "(unknown)"
	}
	return fmt.Sprintf("%s: %s, status=%s, events=%d", s.InstanceID, name, s.RuntimeStatus(), len(s.oldEvents))
}

// ApplyActions folds the worker's action list into the state and returns the
// completion bundle to hand to the service. Outbound message order follows
// the action-list order. Unknown action kinds are a hard error; the caller
// abandons the work item.
func (s *RuntimeState) ApplyActions(actions []*history.Action) (*OrchestrationCompletion, error) {
	completion := &OrchestrationCompletion{State: s}

	for _, action := range actions {
		switch {
		case action.ScheduleTask != nil:
			st := action.ScheduleTask
			e := history.NewTaskScheduledEvent(action.ID, st.Name, st.Version, st.Input, nil)
			if err := s.AddEvent(e); err != nil {
				return nil, err
			}
			completion.OutboundMessages = append(completion.OutboundMessages, &TaskMessage{
				TargetInstanceID: s.InstanceID,
				Event:            e,
			})

		case action.CreateTimer != nil:
			e := history.NewTimerCreatedEvent(action.ID, action.CreateTimer.FireAt)
			if err := s.AddEvent(e); err != nil {
				return nil, err
			}
			fireAt := e.TimerCreated.FireAt
			completion.TimerMessages = append(completion.TimerMessages, &TaskMessage{
				TargetInstanceID: s.InstanceID,
				Event:            history.NewTimerFiredEvent(action.ID, fireAt),
				VisibleAt:        &fireAt,
			})

		case action.SendEvent != nil:
			se := action.SendEvent
			e := history.NewEventSentEvent(action.ID, se.InstanceID, se.Name, se.Input)
			if err := s.AddEvent(e); err != nil {
				return nil, err
			}
			completion.OutboundMessages = append(completion.OutboundMessages, &TaskMessage{
				TargetInstanceID: se.InstanceID,
				Event:            history.NewEventRaisedEvent(se.Name, se.Input),
			})

		case action.CreateSubOrchestration != nil:
			so := action.CreateSubOrchestration
			childID := so.InstanceID
			if childID == "" {
				childID = fmt.Sprintf("%s:%04x", s.InstanceID, action.ID)
			}
			e := history.NewSubOrchestrationCreatedEvent(action.ID, so.Name, so.Version, so.Input, childID)
			if err := s.AddEvent(e); err != nil {
				return nil, err
			}
			name, _ := s.Name()
			started := history.NewExecutionStartedEvent(so.Name, childID, uuid.NewString(), so.Input, &history.ParentInfo{
				InstanceID:      s.InstanceID,
				Name:            name,
				TaskScheduledID: action.ID,
			})
			completion.OutboundMessages = append(completion.OutboundMessages, &TaskMessage{
				TargetInstanceID: childID,
				Event:            started,
			})

		case action.CompleteOrchestration != nil:
			co := action.CompleteOrchestration
			if co.Status == history.StatusContinuedAsNew {
				msg, err := s.continueAsNew(action.ID, co)
				if err != nil {
					return nil, err
				}
				completion.ContinuedAsNew = msg
				// Carryover raised events ride alongside the new execution.
				for _, carry := range co.CarryoverEvents {
					if carry.EventRaised == nil {
						return nil, fmt.Errorf("backend: carryover event must be EventRaised, got %s", eventKindOrUnknown(carry))
					}
					completion.OutboundMessages = append(completion.OutboundMessages, &TaskMessage{
						TargetInstanceID: s.InstanceID,
						Event:            carry,
					})
				}
				continue
			}

			e := history.NewExecutionCompletedEvent(action.ID, co.Status, co.Result, co.Failure)
			if err := s.AddEvent(e); err != nil {
				return nil, err
			}
			if parent := s.parent(); parent != nil {
				completion.OutboundMessages = append(completion.OutboundMessages, &TaskMessage{
					TargetInstanceID: parent.InstanceID,
					Event:            parentNotification(parent.TaskScheduledID, co),
				})
			}

		default:
			kind, err := action.Kind()
			if err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("backend: unhandled action kind %s", kind)
		}
	}

	return completion, nil
}

// continueAsNew records the terminal continue-as-new event and builds the
// fresh ExecutionStarted message addressed to the same instance.
func (s *RuntimeState) continueAsNew(actionID int32, co *history.CompleteOrchestrationAction) (*TaskMessage, error) {
	e := history.NewExecutionCompletedEvent(actionID, history.StatusContinuedAsNew, co.Result, nil)
	if err := s.AddEvent(e); err != nil {
		return nil, err
	}

	name, err := s.Name()
	if err != nil {
		return nil, err
	}
	started := history.NewExecutionStartedEvent(name, s.InstanceID, uuid.NewString(), co.Result, s.parent())
	if co.NewVersion != "" {
		started.ExecutionStarted.Version = co.NewVersion
	}
	return &TaskMessage{TargetInstanceID: s.InstanceID, Event: started}, nil
}

func (s *RuntimeState) parent() *history.ParentInfo {
	if s.startEvent == nil {
		return nil
	}
	return s.startEvent.ParentInstance
}

func parentNotification(taskScheduledID int32, co *history.CompleteOrchestrationAction) *history.Event {
	e := &history.Event{EventID: -1, Timestamp: time.Now().UTC().Truncate(time.Microsecond)}
	if co.Status == history.StatusCompleted {
		e.SubOrchestrationInstanceCompleted = &history.SubOrchestrationInstanceCompletedEvent{
			TaskScheduledID: taskScheduledID,
			Result:          co.Result,
		}
		return e
	}
	failure := co.Failure
	if failure == nil {
		failure = &history.FailureDetails{
			ErrorType:    string(co.Status),
			ErrorMessage: co.Result,
		}
	}
	e.SubOrchestrationInstanceFailed = &history.SubOrchestrationInstanceFailedEvent{
		TaskScheduledID: taskScheduledID,
		Failure:         failure,
	}
	return e
}

func eventKindOrUnknown(e *history.Event) string {
	kind, err := e.Kind()
	if err != nil {
		return "Unknown"
	}
	return kind
}
