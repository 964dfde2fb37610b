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
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tombee/taskhub/internal/backend"
	"github.com/tombee/taskhub/internal/history"
	"github.com/tombee/taskhub/internal/log"
	"github.com/tombee/taskhub/internal/protocol"
)

// waitPollInterval paces the metadata polls behind the WaitForInstance*
// calls.
const waitPollInterval = 100 * time.Millisecond

// Management implements the client-facing management surface by delegating
// to the orchestration service.
type Management struct {
	be     backend.Backend
	logger *slog.Logger
}

var _ protocol.TaskHubManagementServer = (*Management)(nil)

// NewManagement creates the management surface over be.
func NewManagement(be backend.Backend, logger *slog.Logger) *Management {
	return &Management{
		be:     be,
		logger: log.WithComponent(logger, "management"),
	}
}

// StartInstance schedules a new orchestration instance. Missing instance ids
// are generated; a live duplicate is rejected with AlreadyExists.
func (m *Management) StartInstance(ctx context.Context, req *protocol.CreateInstanceRequest) (*protocol.CreateInstanceResponse, error) {
	if req.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "orchestration name is required")
	}
	instanceID := req.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	executionID := uuid.NewString()

	e := history.NewExecutionStartedEvent(req.Name, instanceID, executionID, req.Input, nil)
	e.ExecutionStarted.Version = req.Version
	if req.StartAt != nil {
		at := req.StartAt.UTC()
		e.ExecutionStarted.ScheduledAt = &at
	}

	if err := m.be.CreateOrchestrationInstance(ctx, e, req.StartAt); err != nil {
		if errors.Is(err, backend.ErrDuplicateInstance) {
			return nil, status.Errorf(codes.AlreadyExists, "instance %s already exists", instanceID)
		}
		return nil, status.Errorf(codes.Internal, "failed to create instance: %v", err)
	}

	m.logger.Info("instance scheduled",
		slog.String(log.InstanceIDKey, instanceID),
		slog.String("name", req.Name))
	return &protocol.CreateInstanceResponse{InstanceID: instanceID, ExecutionID: executionID}, nil
}

// GetInstance returns the current state of an instance.
func (m *Management) GetInstance(ctx context.Context, req *protocol.GetInstanceRequest) (*protocol.InstanceInfo, error) {
	meta, err := m.getMetadata(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	return instanceInfo(meta, req.FetchPayloads), nil
}

// RaiseEvent delivers an external event to a running instance.
func (m *Management) RaiseEvent(ctx context.Context, req *protocol.RaiseEventRequest) (*protocol.Empty, error) {
	if req.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "event name is required")
	}
	err := m.be.AddTaskMessage(ctx, &backend.TaskMessage{
		TargetInstanceID: req.InstanceID,
		Event:            history.NewEventRaisedEvent(req.Name, req.Input),
	})
	if err != nil {
		return nil, mapBackendError(err, req.InstanceID)
	}
	return &protocol.Empty{}, nil
}

// TerminateInstance force-terminates an instance.
func (m *Management) TerminateInstance(ctx context.Context, req *protocol.TerminateInstanceRequest) (*protocol.Empty, error) {
	err := m.be.AddTaskMessage(ctx, &backend.TaskMessage{
		TargetInstanceID: req.InstanceID,
		Event:            history.NewExecutionTerminatedEvent(req.Output, req.Recurse),
	})
	if err != nil {
		return nil, mapBackendError(err, req.InstanceID)
	}
	return &protocol.Empty{}, nil
}

// SuspendInstance pauses event processing for an instance.
func (m *Management) SuspendInstance(ctx context.Context, req *protocol.SuspendInstanceRequest) (*protocol.Empty, error) {
	err := m.be.AddTaskMessage(ctx, &backend.TaskMessage{
		TargetInstanceID: req.InstanceID,
		Event:            history.NewSuspendEvent(req.Reason),
	})
	if err != nil {
		return nil, mapBackendError(err, req.InstanceID)
	}
	return &protocol.Empty{}, nil
}

// ResumeInstance resumes a suspended instance.
func (m *Management) ResumeInstance(ctx context.Context, req *protocol.ResumeInstanceRequest) (*protocol.Empty, error) {
	err := m.be.AddTaskMessage(ctx, &backend.TaskMessage{
		TargetInstanceID: req.InstanceID,
		Event:            history.NewResumeEvent(req.Reason),
	})
	if err != nil {
		return nil, mapBackendError(err, req.InstanceID)
	}
	return &protocol.Empty{}, nil
}

// PurgeInstance deletes all state of a terminal instance.
func (m *Management) PurgeInstance(ctx context.Context, req *protocol.PurgeInstanceRequest) (*protocol.PurgeInstanceResponse, error) {
	n, err := m.be.PurgeOrchestrationState(ctx, req.InstanceID)
	if err != nil {
		if errors.Is(err, backend.ErrNotCompleted) {
			return nil, status.Errorf(codes.FailedPrecondition, "instance %s is not in a terminal state", req.InstanceID)
		}
		return nil, mapBackendError(err, req.InstanceID)
	}
	return &protocol.PurgeInstanceResponse{DeletedCount: n}, nil
}

// WaitForInstanceStart blocks until the instance has left the PENDING state
// or ctx expires.
func (m *Management) WaitForInstanceStart(ctx context.Context, req *protocol.WaitForInstanceRequest) (*protocol.InstanceInfo, error) {
	return m.waitFor(ctx, req, func(meta *backend.OrchestrationMetadata) bool {
		return meta.Status != history.StatusPending
	})
}

// WaitForInstanceCompletion blocks until the instance reaches a terminal
// state or ctx expires.
func (m *Management) WaitForInstanceCompletion(ctx context.Context, req *protocol.WaitForInstanceRequest) (*protocol.InstanceInfo, error) {
	return m.waitFor(ctx, req, func(meta *backend.OrchestrationMetadata) bool {
		return meta.Terminal()
	})
}

func (m *Management) waitFor(ctx context.Context, req *protocol.WaitForInstanceRequest, reached func(*backend.OrchestrationMetadata) bool) (*protocol.InstanceInfo, error) {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		meta, err := m.getMetadata(ctx, req.InstanceID)
		if err != nil {
			return nil, err
		}
		if reached(meta) {
			return instanceInfo(meta, req.FetchPayloads), nil
		}
		select {
		case <-ctx.Done():
			return nil, status.FromContextError(ctx.Err()).Err()
		case <-ticker.C:
		}
	}
}

func (m *Management) getMetadata(ctx context.Context, instanceID string) (*backend.OrchestrationMetadata, error) {
	meta, err := m.be.GetOrchestrationMetadata(ctx, instanceID)
	if err != nil {
		return nil, mapBackendError(err, instanceID)
	}
	return meta, nil
}

func mapBackendError(err error, instanceID string) error {
	if errors.Is(err, backend.ErrInstanceNotFound) {
		return status.Errorf(codes.NotFound, "instance %s not found", instanceID)
	}
	return status.Errorf(codes.Internal, "%v", err)
}

func instanceInfo(meta *backend.OrchestrationMetadata, fetchPayloads bool) *protocol.InstanceInfo {
	info := &protocol.InstanceInfo{
		InstanceID:    meta.InstanceID,
		ExecutionID:   meta.ExecutionID,
		Name:          meta.Name,
		Status:        string(meta.Status),
		CustomStatus:  meta.CustomStatus,
		CreatedAt:     meta.CreatedAt,
		LastUpdatedAt: meta.LastUpdatedAt,
	}
	if fetchPayloads {
		info.Input = meta.Input
		info.Output = meta.Output
		info.Failure = meta.Failure
	}
	return info
}
