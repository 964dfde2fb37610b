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

package history

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownActionKind is returned when an orchestrator action carries no
// recognized variant.
var ErrUnknownActionKind = errors.New("history: unknown orchestrator action kind")

// Action is a tagged record produced by the worker describing what the
// orchestration should do next. Exactly one variant pointer is non-nil.
// ID correlates the action with the history event it produces.
type Action struct {
	ID int32 `json:"id"`

	ScheduleTask           *ScheduleTaskAction           `json:"scheduleTask,omitempty"`
	CreateSubOrchestration *CreateSubOrchestrationAction `json:"createSubOrchestration,omitempty"`
	CreateTimer            *CreateTimerAction            `json:"createTimer,omitempty"`
	SendEvent              *SendEventAction              `json:"sendEvent,omitempty"`
	CompleteOrchestration  *CompleteOrchestrationAction  `json:"completeOrchestration,omitempty"`
}

// ScheduleTaskAction schedules an activity task.
type ScheduleTaskAction struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Input   string `json:"input,omitempty"`
}

// CreateSubOrchestrationAction creates a child orchestration instance.
type CreateSubOrchestrationAction struct {
	Name       string `json:"name"`
	Version    string `json:"version,omitempty"`
	Input      string `json:"input,omitempty"`
	InstanceID string `json:"instanceId"`
}

// CreateTimerAction schedules a durable timer.
type CreateTimerAction struct {
	FireAt time.Time `json:"fireAt"`
}

// SendEventAction sends an external event to another instance.
type SendEventAction struct {
	InstanceID string `json:"instanceId"`
	Name       string `json:"name"`
	Input      string `json:"input,omitempty"`
}

// CompleteOrchestrationAction terminates the current execution. A status of
// StatusContinuedAsNew restarts the instance with a fresh execution id.
// Only raised-event carryovers are supported in CarryoverEvents.
type CompleteOrchestrationAction struct {
	Status          OrchestrationStatus `json:"status"`
	Result          string              `json:"result,omitempty"`
	Failure         *FailureDetails     `json:"failure,omitempty"`
	NewVersion      string              `json:"newVersion,omitempty"`
	CarryoverEvents []*Event            `json:"carryoverEvents,omitempty"`
}

// Kind returns the name of the variant set on a, or an error if no known
// variant is set.
func (a *Action) Kind() (string, error) {
	switch {
	case a.ScheduleTask != nil:
		return "ScheduleTask", nil
	case a.CreateSubOrchestration != nil:
		return "CreateSubOrchestration", nil
	case a.CreateTimer != nil:
		return "CreateTimer", nil
	case a.SendEvent != nil:
		return "SendEvent", nil
	case a.CompleteOrchestration != nil:
		return "CompleteOrchestration", nil
	default:
		return "", fmt.Errorf("%w: action %d has no variant set", ErrUnknownActionKind, a.ID)
	}
}

// ActionListSummary renders a compact description of a list of actions for
// debug logs.
func ActionListSummary(actions []*Action) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, a := range actions {
		if i > 0 {
			sb.WriteString(", ")
		}
		kind, err := a.Kind()
		if err != nil {
			kind = "Unknown"
		}
		fmt.Fprintf(&sb, "%s#%d", kind, a.ID)
	}
	sb.WriteByte(']')
	return sb.String()
}
