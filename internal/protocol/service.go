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

// Fully qualified gRPC service names.
const (
	WorkerServiceName     = "taskhub.v1.TaskHubWorker"
	ManagementServiceName = "taskhub.v1.TaskHubManagement"
)

// TaskHubWorkerServer is the worker-facing RPC surface. One worker at a time
// holds the GetWorkItems stream; completion endpoints are unary calls made
// by that worker.
type TaskHubWorkerServer interface {
	// GetWorkItems opens the single server-stream of work items. The call
	// blocks until the worker disconnects or the server shuts down.
	GetWorkItems(*WorkerCapabilities, TaskHubWorkerGetWorkItemsStream) error
	// CompleteOrchestratorTask delivers one (possibly partial) orchestrator
	// reply chunk.
	CompleteOrchestratorTask(context.Context, *OrchestratorResponse) (*Empty, error)
	// CompleteActivityTask delivers an activity result.
	CompleteActivityTask(context.Context, *ActivityResponse) (*Empty, error)
	// AbandonTaskOrchestratorWorkItem is acknowledged as a no-op.
	AbandonTaskOrchestratorWorkItem(context.Context, *AbandonWorkItemRequest) (*Empty, error)
	// AbandonTaskActivityWorkItem is acknowledged as a no-op.
	AbandonTaskActivityWorkItem(context.Context, *AbandonWorkItemRequest) (*Empty, error)
	// StreamInstanceHistory emits the parked past events for an instance.
	StreamInstanceHistory(*StreamInstanceHistoryRequest, TaskHubWorkerStreamInstanceHistoryStream) error
}

// TaskHubWorkerGetWorkItemsStream is the server side of the work-item stream.
type TaskHubWorkerGetWorkItemsStream interface {
	Send(*WorkItem) error
	grpc.ServerStream
}

// TaskHubWorkerStreamInstanceHistoryStream is the server side of the history
// stream.
type TaskHubWorkerStreamInstanceHistoryStream interface {
	Send(*HistoryChunk) error
	grpc.ServerStream
}

type workerGetWorkItemsStream struct{ grpc.ServerStream }

func (s *workerGetWorkItemsStream) Send(m *WorkItem) error { return s.SendMsg(m) }

type workerStreamInstanceHistoryStream struct{ grpc.ServerStream }

func (s *workerStreamInstanceHistoryStream) Send(m *HistoryChunk) error { return s.SendMsg(m) }

func workerGetWorkItemsHandler(srv any, stream grpc.ServerStream) error {
	in := new(WorkerCapabilities)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(TaskHubWorkerServer).GetWorkItems(in, &workerGetWorkItemsStream{stream})
}

func workerStreamInstanceHistoryHandler(srv any, stream grpc.ServerStream) error {
	in := new(StreamInstanceHistoryRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(TaskHubWorkerServer).StreamInstanceHistory(in, &workerStreamInstanceHistoryStream{stream})
}

func unaryHandler[Req any, Resp any](method string, call func(TaskHubWorkerServer, context.Context, *Req) (*Resp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(TaskHubWorkerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + WorkerServiceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(TaskHubWorkerServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// WorkerServiceDesc is the grpc service descriptor for the worker surface.
var WorkerServiceDesc = grpc.ServiceDesc{
	ServiceName: WorkerServiceName,
	HandlerType: (*TaskHubWorkerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "CompleteOrchestratorTask",
			Handler: unaryHandler("CompleteOrchestratorTask",
				func(s TaskHubWorkerServer, ctx context.Context, in *OrchestratorResponse) (*Empty, error) {
					return s.CompleteOrchestratorTask(ctx, in)
				}),
		},
		{
			MethodName: "CompleteActivityTask",
			Handler: unaryHandler("CompleteActivityTask",
				func(s TaskHubWorkerServer, ctx context.Context, in *ActivityResponse) (*Empty, error) {
					return s.CompleteActivityTask(ctx, in)
				}),
		},
		{
			MethodName: "AbandonTaskOrchestratorWorkItem",
			Handler: unaryHandler("AbandonTaskOrchestratorWorkItem",
				func(s TaskHubWorkerServer, ctx context.Context, in *AbandonWorkItemRequest) (*Empty, error) {
					return s.AbandonTaskOrchestratorWorkItem(ctx, in)
				}),
		},
		{
			MethodName: "AbandonTaskActivityWorkItem",
			Handler: unaryHandler("AbandonTaskActivityWorkItem",
				func(s TaskHubWorkerServer, ctx context.Context, in *AbandonWorkItemRequest) (*Empty, error) {
					return s.AbandonTaskActivityWorkItem(ctx, in)
				}),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "GetWorkItems",
			Handler:       workerGetWorkItemsHandler,
			ServerStreams: true,
		},
		{
			StreamName:    "StreamInstanceHistory",
			Handler:       workerStreamInstanceHistoryHandler,
			ServerStreams: true,
		},
	},
	Metadata: "taskhub/v1/worker.json",
}

// RegisterTaskHubWorkerServer registers the worker surface on s.
func RegisterTaskHubWorkerServer(s grpc.ServiceRegistrar, srv TaskHubWorkerServer) {
	s.RegisterService(&WorkerServiceDesc, srv)
}

// TaskHubManagementServer is the management RPC surface consumed by clients
// and the CLI. It delegates to the orchestration service, not to the
// dispatcher core.
type TaskHubManagementServer interface {
	StartInstance(context.Context, *CreateInstanceRequest) (*CreateInstanceResponse, error)
	GetInstance(context.Context, *GetInstanceRequest) (*InstanceInfo, error)
	RaiseEvent(context.Context, *RaiseEventRequest) (*Empty, error)
	TerminateInstance(context.Context, *TerminateInstanceRequest) (*Empty, error)
	SuspendInstance(context.Context, *SuspendInstanceRequest) (*Empty, error)
	ResumeInstance(context.Context, *ResumeInstanceRequest) (*Empty, error)
	PurgeInstance(context.Context, *PurgeInstanceRequest) (*PurgeInstanceResponse, error)
	WaitForInstanceStart(context.Context, *WaitForInstanceRequest) (*InstanceInfo, error)
	WaitForInstanceCompletion(context.Context, *WaitForInstanceRequest) (*InstanceInfo, error)
}

func managementHandler[Req any, Resp any](method string, call func(TaskHubManagementServer, context.Context, *Req) (*Resp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(TaskHubManagementServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ManagementServiceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(TaskHubManagementServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ManagementServiceDesc is the grpc service descriptor for the management
// surface.
var ManagementServiceDesc = grpc.ServiceDesc{
	ServiceName: ManagementServiceName,
	HandlerType: (*TaskHubManagementServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "StartInstance",
			Handler: managementHandler("StartInstance",
				func(s TaskHubManagementServer, ctx context.Context, in *CreateInstanceRequest) (*CreateInstanceResponse, error) {
					return s.StartInstance(ctx, in)
				}),
		},
		{
			MethodName: "GetInstance",
			Handler: managementHandler("GetInstance",
				func(s TaskHubManagementServer, ctx context.Context, in *GetInstanceRequest) (*InstanceInfo, error) {
					return s.GetInstance(ctx, in)
				}),
		},
		{
			MethodName: "RaiseEvent",
			Handler: managementHandler("RaiseEvent",
				func(s TaskHubManagementServer, ctx context.Context, in *RaiseEventRequest) (*Empty, error) {
					return s.RaiseEvent(ctx, in)
				}),
		},
		{
			MethodName: "TerminateInstance",
			Handler: managementHandler("TerminateInstance",
				func(s TaskHubManagementServer, ctx context.Context, in *TerminateInstanceRequest) (*Empty, error) {
					return s.TerminateInstance(ctx, in)
				}),
		},
		{
			MethodName: "SuspendInstance",
			Handler: managementHandler("SuspendInstance",
				func(s TaskHubManagementServer, ctx context.Context, in *SuspendInstanceRequest) (*Empty, error) {
					return s.SuspendInstance(ctx, in)
				}),
		},
		{
			MethodName: "ResumeInstance",
			Handler: managementHandler("ResumeInstance",
				func(s TaskHubManagementServer, ctx context.Context, in *ResumeInstanceRequest) (*Empty, error) {
					return s.ResumeInstance(ctx, in)
				}),
		},
		{
			MethodName: "PurgeInstance",
			Handler: managementHandler("PurgeInstance",
				func(s TaskHubManagementServer, ctx context.Context, in *PurgeInstanceRequest) (*PurgeInstanceResponse, error) {
					return s.PurgeInstance(ctx, in)
				}),
		},
		{
			MethodName: "WaitForInstanceStart",
			Handler: managementHandler("WaitForInstanceStart",
				func(s TaskHubManagementServer, ctx context.Context, in *WaitForInstanceRequest) (*InstanceInfo, error) {
					return s.WaitForInstanceStart(ctx, in)
				}),
		},
		{
			MethodName: "WaitForInstanceCompletion",
			Handler: managementHandler("WaitForInstanceCompletion",
				func(s TaskHubManagementServer, ctx context.Context, in *WaitForInstanceRequest) (*InstanceInfo, error) {
					return s.WaitForInstanceCompletion(ctx, in)
				}),
		},
	},
	Metadata: "taskhub/v1/management.json",
}

// RegisterTaskHubManagementServer registers the management surface on s.
func RegisterTaskHubManagementServer(s grpc.ServiceRegistrar, srv TaskHubManagementServer) {
	s.RegisterService(&ManagementServiceDesc, srv)
}
