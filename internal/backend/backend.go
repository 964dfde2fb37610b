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

// Package backend defines the orchestration-service contract the dispatcher
// core runs against: leased work items, runtime state, task messages, and
// the management operations. Implementations own durability and lease
// semantics; the core treats them as opaque.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tombee/taskhub/internal/history"
)

var (
	// ErrInstanceNotFound is returned when an operation references an
	// unknown orchestration instance.
	ErrInstanceNotFound = errors.New("backend: instance not found")

	// ErrDuplicateInstance is returned when creating an instance that
	// already exists and is not in a terminal state.
	ErrDuplicateInstance = errors.New("backend: instance already exists")

	// ErrDuplicateEvent is returned by RuntimeState.AddEvent when an event
	// would corrupt the history (e.g. a second ExecutionStarted).
	ErrDuplicateEvent = errors.New("backend: duplicate event")

	// ErrWorkItemLockLost is returned when completing or abandoning a work
	// item whose lease has expired or been reassigned.
	ErrWorkItemLockLost = errors.New("backend: work item lock lost")

	// ErrNotCompleted is returned when purging an instance that is still
	// running.
	ErrNotCompleted = errors.New("backend: instance is not in a terminal state")
)

// TaskMessage is a routable unit of history: an event addressed to an
// orchestration instance. A non-nil VisibleAt makes the message a timer
// message that stays invisible until the given time. Messages whose event is
// a TaskScheduled variant are routed to the activity queue instead of an
// instance inbox.
type TaskMessage struct {
	TargetInstanceID string         `json:"targetInstanceId"`
	Event            *history.Event `json:"event"`
	VisibleAt        *time.Time     `json:"visibleAt,omitempty"`
}

// OrchestrationWorkItem is a leased batch of new events for one instance.
type OrchestrationWorkItem struct {
	InstanceID  string
	ExecutionID string
	NewEvents   []*history.Event

	// State is the orchestration runtime state. Backends may populate it at
	// lock time; when nil the dispatcher loads it explicitly.
	State *RuntimeState

	// LockedBy identifies the lease owner for diagnostics.
	LockedBy string
}

func (wi *OrchestrationWorkItem) String() string {
	return fmt.Sprintf("orchestration %s (%d event(s))", wi.InstanceID, len(wi.NewEvents))
}

// ActivityWorkItem is one leased activity task.
type ActivityWorkItem struct {
	SequenceNumber int64
	InstanceID     string
	ExecutionID    string

	// NewEvent is the TaskScheduled event to execute. Its EventID is the
	// task id.
	NewEvent *history.Event

	LockedBy string
}

func (wi *ActivityWorkItem) String() string {
	return fmt.Sprintf("activity %s/%d", wi.InstanceID, wi.NewEvent.EventID)
}

// OrchestrationCompletion is the atomic result of one orchestrator episode:
// the updated runtime state plus the messages it produced, in action-list
// order.
type OrchestrationCompletion struct {
	// State is the updated runtime state to persist.
	State *RuntimeState

	// OutboundMessages are the non-timer messages produced by the episode:
	// activity tasks, sub-orchestration creations, sent events, and parent
	// completion notifications. Order follows the worker's action list.
	OutboundMessages []*TaskMessage

	// TimerMessages become visible at their VisibleAt time.
	TimerMessages []*TaskMessage

	// ContinuedAsNew carries the fresh ExecutionStarted message addressed to
	// the same instance when the episode continued-as-new.
	ContinuedAsNew *TaskMessage
}

// OrchestrationMetadata is the queryable state of an instance.
type OrchestrationMetadata struct {
	InstanceID    string
	ExecutionID   string
	Name          string
	Status        history.OrchestrationStatus
	CustomStatus  string
	Input         string
	Output        string
	Failure       *history.FailureDetails
	CreatedAt     time.Time
	LastUpdatedAt time.Time
}

// Terminal reports whether the instance can no longer make progress.
func (m *OrchestrationMetadata) Terminal() bool {
	switch m.Status {
	case history.StatusCompleted, history.StatusFailed, history.StatusTerminated:
		return true
	default:
		return false
	}
}

// Backend is the orchestration service. Lock* calls block until a work item
// is available or ctx is done; the returned lease must be resolved with
// Complete* or Abandon* (or it expires server-side).
type Backend interface {
	// CreateTaskHub provisions storage. Idempotent.
	CreateTaskHub(ctx context.Context) error
	// DeleteTaskHub removes all storage for the hub.
	DeleteTaskHub(ctx context.Context) error
	// Close releases resources.
	Close() error

	LockNextOrchestrationWorkItem(ctx context.Context) (*OrchestrationWorkItem, error)
	RenewOrchestrationWorkItemLock(ctx context.Context, wi *OrchestrationWorkItem) error
	CompleteOrchestrationWorkItem(ctx context.Context, wi *OrchestrationWorkItem, completion *OrchestrationCompletion) error
	AbandonOrchestrationWorkItem(ctx context.Context, wi *OrchestrationWorkItem) error
	GetOrchestrationRuntimeState(ctx context.Context, wi *OrchestrationWorkItem) (*RuntimeState, error)

	LockNextActivityWorkItem(ctx context.Context) (*ActivityWorkItem, error)
	RenewActivityWorkItemLock(ctx context.Context, wi *ActivityWorkItem) (*ActivityWorkItem, error)
	CompleteActivityWorkItem(ctx context.Context, wi *ActivityWorkItem, response *TaskMessage) error
	AbandonActivityWorkItem(ctx context.Context, wi *ActivityWorkItem) error

	// MaxConcurrentOrchestrationWorkItems bounds the orchestrator dispatcher.
	MaxConcurrentOrchestrationWorkItems() int
	// MaxConcurrentActivityWorkItems bounds the activity dispatcher.
	MaxConcurrentActivityWorkItems() int
	// DelaySecondsAfterFetchError suggests the dispatcher backoff after a
	// fetch failure.
	DelaySecondsAfterFetchError(err error) int

	// Management operations, consumed by the management surface.

	// CreateOrchestrationInstance schedules a new instance from an
	// ExecutionStarted event. A non-nil startAt delays the first episode.
	CreateOrchestrationInstance(ctx context.Context, e *history.Event, startAt *time.Time) error
	// AddTaskMessage routes one message (e.g. a raised event, a termination)
	// to its target instance.
	AddTaskMessage(ctx context.Context, msg *TaskMessage) error
	// GetOrchestrationMetadata returns the queryable state of an instance.
	GetOrchestrationMetadata(ctx context.Context, instanceID string) (*OrchestrationMetadata, error)
	// PurgeOrchestrationState deletes all state of a terminal instance and
	// returns the number of purged instances.
	PurgeOrchestrationState(ctx context.Context, instanceID string) (int, error)
}
