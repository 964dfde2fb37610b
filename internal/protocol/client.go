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

package protocol

import (
	"context"

	"google.golang.org/grpc"
)

// callOptions forces the JSON codec on every call so clients work against a
// default-configured connection.
var callOptions = []grpc.CallOption{grpc.CallContentSubtype(CodecName)}

// TaskHubWorkerClient is the client side of the worker surface, used by SDK
// workers and by tests.
type TaskHubWorkerClient struct {
	cc *grpc.ClientConn
}

// NewTaskHubWorkerClient creates a worker client over cc.
func NewTaskHubWorkerClient(cc *grpc.ClientConn) *TaskHubWorkerClient {
	return &TaskHubWorkerClient{cc: cc}
}

// WorkItemStream is the client side of the work-item stream.
type WorkItemStream struct {
	grpc.ClientStream
}

// Recv blocks for the next work item.
func (s *WorkItemStream) Recv() (*WorkItem, error) {
	m := new(WorkItem)
	if err := s.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetWorkItems opens the work-item stream, advertising capabilities.
func (c *TaskHubWorkerClient) GetWorkItems(ctx context.Context, in *WorkerCapabilities, opts ...grpc.CallOption) (*WorkItemStream, error) {
	stream, err := c.cc.NewStream(ctx, &WorkerServiceDesc.Streams[0], "/"+WorkerServiceName+"/GetWorkItems", append(callOptions, opts...)...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &WorkItemStream{stream}, nil
}

// HistoryChunkStream is the client side of the history stream.
type HistoryChunkStream struct {
	grpc.ClientStream
}

// Recv blocks for the next history chunk.
func (s *HistoryChunkStream) Recv() (*HistoryChunk, error) {
	m := new(HistoryChunk)
	if err := s.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// StreamInstanceHistory opens the history stream for an instance.
func (c *TaskHubWorkerClient) StreamInstanceHistory(ctx context.Context, in *StreamInstanceHistoryRequest, opts ...grpc.CallOption) (*HistoryChunkStream, error) {
	stream, err := c.cc.NewStream(ctx, &WorkerServiceDesc.Streams[1], "/"+WorkerServiceName+"/StreamInstanceHistory", append(callOptions, opts...)...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &HistoryChunkStream{stream}, nil
}

// CompleteOrchestratorTask delivers one orchestrator reply chunk.
func (c *TaskHubWorkerClient) CompleteOrchestratorTask(ctx context.Context, in *OrchestratorResponse, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	err := c.cc.Invoke(ctx, "/"+WorkerServiceName+"/CompleteOrchestratorTask", in, out, append(callOptions, opts...)...)
	return out, err
}

// CompleteActivityTask delivers an activity result.
func (c *TaskHubWorkerClient) CompleteActivityTask(ctx context.Context, in *ActivityResponse, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	err := c.cc.Invoke(ctx, "/"+WorkerServiceName+"/CompleteActivityTask", in, out, append(callOptions, opts...)...)
	return out, err
}

// AbandonTaskOrchestratorWorkItem gives an orchestrator work item back.
func (c *TaskHubWorkerClient) AbandonTaskOrchestratorWorkItem(ctx context.Context, in *AbandonWorkItemRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	err := c.cc.Invoke(ctx, "/"+WorkerServiceName+"/AbandonTaskOrchestratorWorkItem", in, out, append(callOptions, opts...)...)
	return out, err
}

// AbandonTaskActivityWorkItem gives an activity work item back.
func (c *TaskHubWorkerClient) AbandonTaskActivityWorkItem(ctx context.Context, in *AbandonWorkItemRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	err := c.cc.Invoke(ctx, "/"+WorkerServiceName+"/AbandonTaskActivityWorkItem", in, out, append(callOptions, opts...)...)
	return out, err
}

// TaskHubManagementClient is the client side of the management surface.
type TaskHubManagementClient struct {
	cc *grpc.ClientConn
}

// NewTaskHubManagementClient creates a management client over cc.
func NewTaskHubManagementClient(cc *grpc.ClientConn) *TaskHubManagementClient {
	return &TaskHubManagementClient{cc: cc}
}

func invokeManagement[Req any, Resp any](ctx context.Context, c *TaskHubManagementClient, method string, in *Req, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	err := c.cc.Invoke(ctx, "/"+ManagementServiceName+"/"+method, in, out, append(callOptions, opts...)...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// StartInstance schedules a new orchestration instance.
func (c *TaskHubManagementClient) StartInstance(ctx context.Context, in *CreateInstanceRequest, opts ...grpc.CallOption) (*CreateInstanceResponse, error) {
	return invokeManagement[CreateInstanceRequest, CreateInstanceResponse](ctx, c, "StartInstance", in, opts)
}

// GetInstance fetches instance metadata.
func (c *TaskHubManagementClient) GetInstance(ctx context.Context, in *GetInstanceRequest, opts ...grpc.CallOption) (*InstanceInfo, error) {
	return invokeManagement[GetInstanceRequest, InstanceInfo](ctx, c, "GetInstance", in, opts)
}

// RaiseEvent delivers an external event.
func (c *TaskHubManagementClient) RaiseEvent(ctx context.Context, in *RaiseEventRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invokeManagement[RaiseEventRequest, Empty](ctx, c, "RaiseEvent", in, opts)
}

// TerminateInstance force-terminates an instance.
func (c *TaskHubManagementClient) TerminateInstance(ctx context.Context, in *TerminateInstanceRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invokeManagement[TerminateInstanceRequest, Empty](ctx, c, "TerminateInstance", in, opts)
}

// SuspendInstance pauses an instance.
func (c *TaskHubManagementClient) SuspendInstance(ctx context.Context, in *SuspendInstanceRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invokeManagement[SuspendInstanceRequest, Empty](ctx, c, "SuspendInstance", in, opts)
}

// ResumeInstance resumes a suspended instance.
func (c *TaskHubManagementClient) ResumeInstance(ctx context.Context, in *ResumeInstanceRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invokeManagement[ResumeInstanceRequest, Empty](ctx, c, "ResumeInstance", in, opts)
}

// PurgeInstance deletes all state for a completed instance.
func (c *TaskHubManagementClient) PurgeInstance(ctx context.Context, in *PurgeInstanceRequest, opts ...grpc.CallOption) (*PurgeInstanceResponse, error) {
	return invokeManagement[PurgeInstanceRequest, PurgeInstanceResponse](ctx, c, "PurgeInstance", in, opts)
}

// WaitForInstanceStart blocks until the instance leaves PENDING.
func (c *TaskHubManagementClient) WaitForInstanceStart(ctx context.Context, in *WaitForInstanceRequest, opts ...grpc.CallOption) (*InstanceInfo, error) {
	return invokeManagement[WaitForInstanceRequest, InstanceInfo](ctx, c, "WaitForInstanceStart", in, opts)
}

// WaitForInstanceCompletion blocks until the instance reaches a terminal
// status.
func (c *TaskHubManagementClient) WaitForInstanceCompletion(ctx context.Context, in *WaitForInstanceRequest, opts ...grpc.CallOption) (*InstanceInfo, error) {
	return invokeManagement[WaitForInstanceRequest, InstanceInfo](ctx, c, "WaitForInstanceCompletion", in, opts)
}
