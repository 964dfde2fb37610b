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

// Package protocol defines the wire surface between the sidecar and the SDK
// worker: message types, the JSON codec, and the gRPC service descriptors.
// Messages are serialized as JSON frames over gRPC.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/tombee/taskhub/internal/history"
)

// CapabilityHistoryStreaming is advertised by workers that can retrieve
// large past-event histories over StreamInstanceHistory instead of having
// them embedded in the work item.
const CapabilityHistoryStreaming = "HistoryStreaming"

// Empty is the empty acknowledgement message.
type Empty struct{}

// WorkerCapabilities is the request message for GetWorkItems. A worker
// advertises its optional capabilities when it opens the work-item stream.
type WorkerCapabilities struct {
	WorkerID     string   `json:"workerId,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Supports reports whether the worker advertised the given capability.
func (c *WorkerCapabilities) Supports(capability string) bool {
	for _, got := range c.Capabilities {
		if got == capability {
			return true
		}
	}
	return false
}

// WorkItem is the tagged union streamed to the worker. Exactly one of the
// request fields is set.
type WorkItem struct {
	Orchestrator *OrchestratorRequest `json:"orchestratorRequest,omitempty"`
	Activity     *ActivityRequest     `json:"activityRequest,omitempty"`
}

// OrchestratorRequest asks the worker to run one orchestrator episode.
// PastEvents is empty when RequiresHistoryStreaming is set; the worker then
// fetches history through StreamInstanceHistory before executing.
type OrchestratorRequest struct {
	InstanceID               string                `json:"instanceId"`
	ExecutionID              string                `json:"executionId,omitempty"`
	NewEvents                []*history.Event      `json:"newEvents"`
	PastEvents               []*history.Event      `json:"pastEvents,omitempty"`
	RequiresHistoryStreaming bool                  `json:"requiresHistoryStreaming,omitempty"`
	Trace                    *history.TraceContext `json:"trace,omitempty"`
}

// ActivityRequest asks the worker to run one activity task.
type ActivityRequest struct {
	TaskID      int32                 `json:"taskId"`
	Name        string                `json:"name"`
	Version     string                `json:"version,omitempty"`
	Input       string                `json:"input,omitempty"`
	InstanceID  string                `json:"instanceId"`
	ExecutionID string                `json:"executionId,omitempty"`
	Trace       *history.TraceContext `json:"trace,omitempty"`
}

// OrchestratorResponse carries the result of an orchestrator episode. When
// IsPartial is set more chunks follow; CustomStatus and Trace are
// authoritative on the terminal (non-partial) chunk only.
type OrchestratorResponse struct {
	InstanceID   string                `json:"instanceId"`
	Actions      []*history.Action     `json:"actions"`
	CustomStatus string                `json:"customStatus,omitempty"`
	IsPartial    bool                  `json:"isPartial,omitempty"`
	Trace        *history.TraceContext `json:"trace,omitempty"`
}

// ActivityResponse carries the result of an activity task. Failure nil
// means success.
type ActivityResponse struct {
	InstanceID string                  `json:"instanceId"`
	TaskID     int32                   `json:"taskId"`
	Result     string                  `json:"result,omitempty"`
	Failure    *history.FailureDetails `json:"failure,omitempty"`
}

// AbandonWorkItemRequest identifies a work item the worker gives back
// without a result. The sidecar abandons through the orchestration service
// directly, so these are acknowledged as no-ops.
type AbandonWorkItemRequest struct {
	InstanceID string `json:"instanceId"`
	TaskID     int32  `json:"taskId,omitempty"`
}

// StreamInstanceHistoryRequest asks for the parked past events of an
// instance whose work item declared RequiresHistoryStreaming.
type StreamInstanceHistoryRequest struct {
	InstanceID string `json:"instanceId"`
}

// HistoryChunk is one frame of a streamed history. Events are serialized
// history events in history order; an event is never split across chunks.
type HistoryChunk struct {
	Events []json.RawMessage `json:"events"`
}

// Management surface messages.

// CreateInstanceRequest schedules a new orchestration instance.
type CreateInstanceRequest struct {
	InstanceID string     `json:"instanceId,omitempty"`
	Name       string     `json:"name"`
	Version    string     `json:"version,omitempty"`
	Input      string     `json:"input,omitempty"`
	StartAt    *time.Time `json:"startAt,omitempty"`
}

// CreateInstanceResponse returns the identifiers of the scheduled instance.
type CreateInstanceResponse struct {
	InstanceID  string `json:"instanceId"`
	ExecutionID string `json:"executionId"`
}

// GetInstanceRequest fetches instance metadata and, optionally, payloads.
type GetInstanceRequest struct {
	InstanceID    string `json:"instanceId"`
	FetchPayloads bool   `json:"fetchPayloads,omitempty"`
}

// InstanceInfo describes the current state of an instance.
type InstanceInfo struct {
	InstanceID    string                  `json:"instanceId"`
	ExecutionID   string                  `json:"executionId,omitempty"`
	Name          string                  `json:"name,omitempty"`
	Status        string                  `json:"status"`
	CustomStatus  string                  `json:"customStatus,omitempty"`
	Input         string                  `json:"input,omitempty"`
	Output        string                  `json:"output,omitempty"`
	Failure       *history.FailureDetails `json:"failure,omitempty"`
	CreatedAt     time.Time               `json:"createdAt"`
	LastUpdatedAt time.Time               `json:"lastUpdatedAt"`
}

// RaiseEventRequest delivers an external event to a running instance.
type RaiseEventRequest struct {
	InstanceID string `json:"instanceId"`
	Name       string `json:"name"`
	Input      string `json:"input,omitempty"`
}

// TerminateInstanceRequest force-terminates an instance.
type TerminateInstanceRequest struct {
	InstanceID string `json:"instanceId"`
	Output     string `json:"output,omitempty"`
	Recurse    bool   `json:"recurse,omitempty"`
}

// SuspendInstanceRequest pauses event processing for an instance.
type SuspendInstanceRequest struct {
	InstanceID string `json:"instanceId"`
	Reason     string `json:"reason,omitempty"`
}

// ResumeInstanceRequest resumes a suspended instance.
type ResumeInstanceRequest struct {
	InstanceID string `json:"instanceId"`
	Reason     string `json:"reason,omitempty"`
}

// PurgeInstanceRequest deletes all state for a completed instance.
type PurgeInstanceRequest struct {
	InstanceID string `json:"instanceId"`
}

// PurgeInstanceResponse reports how many instances were purged.
type PurgeInstanceResponse struct {
	DeletedCount int `json:"deletedCount"`
}

// WaitForInstanceRequest blocks until an instance reaches the awaited state
// or the call's context expires.
type WaitForInstanceRequest struct {
	InstanceID    string `json:"instanceId"`
	FetchPayloads bool   `json:"fetchPayloads,omitempty"`
}
