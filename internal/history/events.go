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

// Package history defines the orchestration history event model, the
// orchestrator action model, and task failure details. Events are tagged
// records: exactly one variant field is set per event. The same structs are
// the wire form; conversion to bytes happens in the protocol package.
package history

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownEventKind is returned when an event carries no recognized variant.
var ErrUnknownEventKind = errors.New("history: unknown event kind")

// OrchestrationStatus describes the runtime status of an orchestration.
type OrchestrationStatus string

const (
	StatusRunning        OrchestrationStatus = "RUNNING"
	StatusCompleted      OrchestrationStatus = "COMPLETED"
	StatusFailed         OrchestrationStatus = "FAILED"
	StatusTerminated     OrchestrationStatus = "TERMINATED"
	StatusContinuedAsNew OrchestrationStatus = "CONTINUED_AS_NEW"
	StatusPending        OrchestrationStatus = "PENDING"
	StatusSuspended      OrchestrationStatus = "SUSPENDED"
)

// TraceContext carries distributed-trace correlation data for an event.
type TraceContext struct {
	TraceParent   string     `json:"traceParent"`
	TraceState    string     `json:"traceState,omitempty"`
	SpanID        string     `json:"spanId,omitempty"`
	SpanStartTime *time.Time `json:"spanStartTime,omitempty"`
}

// Event is a single history event. EventID is assigned monotonically by the
// orchestration service; worker-scheduled tasks carry the scheduling event's
// id. Exactly one variant pointer is non-nil.
type Event struct {
	EventID   int32     `json:"eventId"`
	Timestamp time.Time `json:"timestamp"`

	ExecutionStarted    *ExecutionStartedEvent    `json:"executionStarted,omitempty"`
	ExecutionCompleted  *ExecutionCompletedEvent  `json:"executionCompleted,omitempty"`
	ExecutionTerminated *ExecutionTerminatedEvent `json:"executionTerminated,omitempty"`
	ExecutionSuspended  *ExecutionSuspendedEvent  `json:"executionSuspended,omitempty"`
	ExecutionResumed    *ExecutionResumedEvent    `json:"executionResumed,omitempty"`
	ContinueAsNew       *ContinueAsNewEvent       `json:"continueAsNew,omitempty"`

	TaskScheduled *TaskScheduledEvent `json:"taskScheduled,omitempty"`
	TaskCompleted *TaskCompletedEvent `json:"taskCompleted,omitempty"`
	TaskFailed    *TaskFailedEvent    `json:"taskFailed,omitempty"`

	SubOrchestrationInstanceCreated   *SubOrchestrationInstanceCreatedEvent   `json:"subOrchestrationInstanceCreated,omitempty"`
	SubOrchestrationInstanceCompleted *SubOrchestrationInstanceCompletedEvent `json:"subOrchestrationInstanceCompleted,omitempty"`
	SubOrchestrationInstanceFailed    *SubOrchestrationInstanceFailedEvent    `json:"subOrchestrationInstanceFailed,omitempty"`

	TimerCreated *TimerCreatedEvent `json:"timerCreated,omitempty"`
	TimerFired   *TimerFiredEvent   `json:"timerFired,omitempty"`

	EventRaised *EventRaisedEvent `json:"eventRaised,omitempty"`
	EventSent   *EventSentEvent   `json:"eventSent,omitempty"`

	OrchestratorStarted   *OrchestratorStartedEvent   `json:"orchestratorStarted,omitempty"`
	OrchestratorCompleted *OrchestratorCompletedEvent `json:"orchestratorCompleted,omitempty"`

	Generic      *GenericEvent      `json:"genericEvent,omitempty"`
	HistoryState *HistoryStateEvent `json:"historyState,omitempty"`
}

// ExecutionStartedEvent marks the start of an orchestration execution.
type ExecutionStartedEvent struct {
	Name           string        `json:"name"`
	Version        string        `json:"version,omitempty"`
	Input          string        `json:"input,omitempty"`
	InstanceID     string        `json:"instanceId"`
	ExecutionID    string        `json:"executionId"`
	ParentInstance *ParentInfo   `json:"parentInstance,omitempty"`
	ScheduledAt    *time.Time    `json:"scheduledAt,omitempty"`
	Trace          *TraceContext `json:"trace,omitempty"`
}

// ParentInfo links a sub-orchestration back to its parent.
type ParentInfo struct {
	InstanceID      string `json:"instanceId"`
	Name            string `json:"name,omitempty"`
	TaskScheduledID int32  `json:"taskScheduledId"`
}

// ExecutionCompletedEvent marks a terminal completion. A FAILED status
// carries failure details.
type ExecutionCompletedEvent struct {
	Status  OrchestrationStatus `json:"status"`
	Result  string              `json:"result,omitempty"`
	Failure *FailureDetails     `json:"failure,omitempty"`
}

// ExecutionTerminatedEvent records a forced termination.
type ExecutionTerminatedEvent struct {
	Input   string `json:"input,omitempty"`
	Recurse bool   `json:"recurse,omitempty"`
}

// ExecutionSuspendedEvent pauses event processing for an instance.
type ExecutionSuspendedEvent struct {
	Input string `json:"input,omitempty"`
}

// ExecutionResumedEvent resumes a suspended instance.
type ExecutionResumedEvent struct {
	Input string `json:"input,omitempty"`
}

// ContinueAsNewEvent restarts the orchestration with a fresh execution id.
type ContinueAsNewEvent struct {
	Input string `json:"input,omitempty"`
}

// TaskScheduledEvent records that an activity task was scheduled.
type TaskScheduledEvent struct {
	Name    string        `json:"name"`
	Version string        `json:"version,omitempty"`
	Input   string        `json:"input,omitempty"`
	Trace   *TraceContext `json:"trace,omitempty"`
}

// TaskCompletedEvent records a successful activity result. TaskScheduledID
// refers back to the scheduling event.
type TaskCompletedEvent struct {
	TaskScheduledID int32  `json:"taskScheduledId"`
	Result          string `json:"result,omitempty"`
}

// TaskFailedEvent records a failed activity.
type TaskFailedEvent struct {
	TaskScheduledID int32           `json:"taskScheduledId"`
	Failure         *FailureDetails `json:"failure,omitempty"`
}

// SubOrchestrationInstanceCreatedEvent records creation of a child instance.
type SubOrchestrationInstanceCreatedEvent struct {
	Name       string        `json:"name"`
	Version    string        `json:"version,omitempty"`
	Input      string        `json:"input,omitempty"`
	InstanceID string        `json:"instanceId"`
	Trace      *TraceContext `json:"trace,omitempty"`
}

// SubOrchestrationInstanceCompletedEvent records a child completing.
type SubOrchestrationInstanceCompletedEvent struct {
	TaskScheduledID int32  `json:"taskScheduledId"`
	Result          string `json:"result,omitempty"`
}

// SubOrchestrationInstanceFailedEvent records a child failing.
type SubOrchestrationInstanceFailedEvent struct {
	TaskScheduledID int32           `json:"taskScheduledId"`
	Failure         *FailureDetails `json:"failure,omitempty"`
}

// TimerCreatedEvent schedules a durable timer.
type TimerCreatedEvent struct {
	FireAt time.Time `json:"fireAt"`
}

// TimerFiredEvent records a timer firing. TimerID refers to the creating
// event's id.
type TimerFiredEvent struct {
	TimerID int32     `json:"timerId"`
	FireAt  time.Time `json:"fireAt"`
}

// EventRaisedEvent delivers an external event to an instance.
type EventRaisedEvent struct {
	Name  string `json:"name"`
	Input string `json:"input,omitempty"`
}

// EventSentEvent records an event sent from an orchestration to another
// instance.
type EventSentEvent struct {
	InstanceID string `json:"instanceId"`
	Name       string `json:"name"`
	Input      string `json:"input,omitempty"`
}

// OrchestratorStartedEvent marks the start of an orchestrator episode and
// communicates the current time to the replaying orchestrator.
type OrchestratorStartedEvent struct{}

// OrchestratorCompletedEvent marks the end of an orchestrator episode.
type OrchestratorCompletedEvent struct{}

// GenericEvent carries opaque data for event kinds that have no dedicated
// variant.
type GenericEvent struct {
	Data string `json:"data,omitempty"`
}

// HistoryStateEvent snapshots orchestration state inside the history stream.
type HistoryStateEvent struct {
	Status      OrchestrationStatus `json:"status"`
	Name        string              `json:"name,omitempty"`
	InstanceID  string              `json:"instanceId,omitempty"`
	ExecutionID string              `json:"executionId,omitempty"`
}

// Kind returns the name of the variant set on e, or an error if no known
// variant is set. Unknown kinds are a hard error at conversion time.
func (e *Event) Kind() (string, error) {
	switch {
	case e.ExecutionStarted != nil:
		return "ExecutionStarted", nil
	case e.ExecutionCompleted != nil:
		return "ExecutionCompleted", nil
	case e.ExecutionTerminated != nil:
		return "ExecutionTerminated", nil
	case e.ExecutionSuspended != nil:
		return "ExecutionSuspended", nil
	case e.ExecutionResumed != nil:
		return "ExecutionResumed", nil
	case e.ContinueAsNew != nil:
		return "ContinueAsNew", nil
	case e.TaskScheduled != nil:
		return "TaskScheduled", nil
	case e.TaskCompleted != nil:
		return "TaskCompleted", nil
	case e.TaskFailed != nil:
		return "TaskFailed", nil
	case e.SubOrchestrationInstanceCreated != nil:
		return "SubOrchestrationInstanceCreated", nil
	case e.SubOrchestrationInstanceCompleted != nil:
		return "SubOrchestrationInstanceCompleted", nil
	case e.SubOrchestrationInstanceFailed != nil:
		return "SubOrchestrationInstanceFailed", nil
	case e.TimerCreated != nil:
		return "TimerCreated", nil
	case e.TimerFired != nil:
		return "TimerFired", nil
	case e.EventRaised != nil:
		return "EventRaised", nil
	case e.EventSent != nil:
		return "EventSent", nil
	case e.OrchestratorStarted != nil:
		return "OrchestratorStarted", nil
	case e.OrchestratorCompleted != nil:
		return "OrchestratorCompleted", nil
	case e.Generic != nil:
		return "GenericEvent", nil
	case e.HistoryState != nil:
		return "HistoryState", nil
	default:
		return "", fmt.Errorf("%w: event %d has no variant set", ErrUnknownEventKind, e.EventID)
	}
}

// now returns the current UTC time truncated to microseconds, the precision
// the service persists.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// NewExecutionStartedEvent creates the event that begins a new execution.
func NewExecutionStartedEvent(name, instanceID, executionID, input string, parent *ParentInfo) *Event {
	return &Event{
		EventID:   -1,
		Timestamp: now(),
		ExecutionStarted: &ExecutionStartedEvent{
			Name:           name,
			Input:          input,
			InstanceID:     instanceID,
			ExecutionID:    executionID,
			ParentInstance: parent,
		},
	}
}

// NewExecutionCompletedEvent creates a terminal completion event.
func NewExecutionCompletedEvent(eventID int32, status OrchestrationStatus, result string, failure *FailureDetails) *Event {
	return &Event{
		EventID:   eventID,
		Timestamp: now(),
		ExecutionCompleted: &ExecutionCompletedEvent{
			Status:  status,
			Result:  result,
			Failure: failure,
		},
	}
}

// NewExecutionTerminatedEvent creates a forced-termination event.
func NewExecutionTerminatedEvent(reason string, recurse bool) *Event {
	return &Event{
		EventID:             -1,
		Timestamp:           now(),
		ExecutionTerminated: &ExecutionTerminatedEvent{Input: reason, Recurse: recurse},
	}
}

// NewOrchestratorStartedEvent creates an episode-start marker.
func NewOrchestratorStartedEvent() *Event {
	return &Event{EventID: -1, Timestamp: now(), OrchestratorStarted: &OrchestratorStartedEvent{}}
}

// NewOrchestratorCompletedEvent creates an episode-end marker.
func NewOrchestratorCompletedEvent() *Event {
	return &Event{EventID: -1, Timestamp: now(), OrchestratorCompleted: &OrchestratorCompletedEvent{}}
}

// NewTaskScheduledEvent creates an activity-scheduling event.
func NewTaskScheduledEvent(taskID int32, name, version, input string, trace *TraceContext) *Event {
	return &Event{
		EventID:   taskID,
		Timestamp: now(),
		TaskScheduled: &TaskScheduledEvent{
			Name:    name,
			Version: version,
			Input:   input,
			Trace:   trace,
		},
	}
}

// NewTaskCompletedEvent creates a successful activity-result event.
func NewTaskCompletedEvent(taskScheduledID int32, result string) *Event {
	return &Event{
		EventID:       -1,
		Timestamp:     now(),
		TaskCompleted: &TaskCompletedEvent{TaskScheduledID: taskScheduledID, Result: result},
	}
}

// NewTaskFailedEvent creates a failed activity-result event.
func NewTaskFailedEvent(taskScheduledID int32, failure *FailureDetails) *Event {
	return &Event{
		EventID:    -1,
		Timestamp:  now(),
		TaskFailed: &TaskFailedEvent{TaskScheduledID: taskScheduledID, Failure: failure},
	}
}

// NewTimerCreatedEvent creates a durable-timer event.
func NewTimerCreatedEvent(eventID int32, fireAt time.Time) *Event {
	return &Event{
		EventID:      eventID,
		Timestamp:    now(),
		TimerCreated: &TimerCreatedEvent{FireAt: fireAt.UTC()},
	}
}

// NewTimerFiredEvent creates a timer-fired event.
func NewTimerFiredEvent(timerID int32, fireAt time.Time) *Event {
	return &Event{
		EventID:    -1,
		Timestamp:  now(),
		TimerFired: &TimerFiredEvent{TimerID: timerID, FireAt: fireAt.UTC()},
	}
}

// NewEventRaisedEvent creates an external-event delivery event.
func NewEventRaisedEvent(name, input string) *Event {
	return &Event{
		EventID:     -1,
		Timestamp:   now(),
		EventRaised: &EventRaisedEvent{Name: name, Input: input},
	}
}

// NewEventSentEvent creates an outbound external-event record.
func NewEventSentEvent(eventID int32, targetInstanceID, name, input string) *Event {
	return &Event{
		EventID:   eventID,
		Timestamp: now(),
		EventSent: &EventSentEvent{InstanceID: targetInstanceID, Name: name, Input: input},
	}
}

// NewSubOrchestrationCreatedEvent creates a child-instance creation event.
func NewSubOrchestrationCreatedEvent(eventID int32, name, version, input, childInstanceID string) *Event {
	return &Event{
		EventID:   eventID,
		Timestamp: now(),
		SubOrchestrationInstanceCreated: &SubOrchestrationInstanceCreatedEvent{
			Name:       name,
			Version:    version,
			Input:      input,
			InstanceID: childInstanceID,
		},
	}
}

// NewSuspendEvent creates an execution-suspended event.
func NewSuspendEvent(reason string) *Event {
	return &Event{EventID: -1, Timestamp: now(), ExecutionSuspended: &ExecutionSuspendedEvent{Input: reason}}
}

// NewResumeEvent creates an execution-resumed event.
func NewResumeEvent(reason string) *Event {
	return &Event{EventID: -1, Timestamp: now(), ExecutionResumed: &ExecutionResumedEvent{Input: reason}}
}

// ListSummary renders a compact description of a list of events for debug
// logs, e.g. "[ExecutionStarted#-1, TimerFired#7]".
func ListSummary(events []*Event) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, e := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		kind, err := e.Kind()
		if err != nil {
			kind = "Unknown"
		}
		fmt.Fprintf(&sb, "%s#%d", kind, e.EventID)
	}
	sb.WriteByte(']')
	return sb.String()
}
