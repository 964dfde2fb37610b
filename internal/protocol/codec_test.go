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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"

	"github.com/tombee/taskhub/internal/history"
)

func TestJSONCodecRegistered(t *testing.T) {
	codec := encoding.GetCodec(CodecName)
	require.NotNil(t, codec, "json codec should register on package init")
}

func TestJSONCodec_WorkItemRoundTrip(t *testing.T) {
	in := &WorkItem{
		Orchestrator: &OrchestratorRequest{
			InstanceID:  "abc",
			ExecutionID: "exec-1",
			NewEvents:   []*history.Event{history.NewTimerFiredEvent(7, history.NewOrchestratorStartedEvent().Timestamp)},
			PastEvents:  []*history.Event{history.NewExecutionStartedEvent("X", "abc", "exec-1", "", nil)},
		},
	}

	data, err := JSONCodec{}.Marshal(in)
	require.NoError(t, err)

	out := new(WorkItem)
	require.NoError(t, JSONCodec{}.Unmarshal(data, out))

	require.Nil(t, out.Activity)
	require.NotNil(t, out.Orchestrator)
	require.Equal(t, "abc", out.Orchestrator.InstanceID)
	require.Len(t, out.Orchestrator.NewEvents, 1)
	require.NotNil(t, out.Orchestrator.NewEvents[0].TimerFired)
	require.Equal(t, int32(7), out.Orchestrator.NewEvents[0].TimerFired.TimerID)
}

func TestEncodeDecodeBase64(t *testing.T) {
	in := &ActivityResponse{InstanceID: "xyz", TaskID: 12, Result: "3"}

	s, err := EncodeBase64(in)
	require.NoError(t, err)
	require.NotEmpty(t, s)

	out := new(ActivityResponse)
	require.NoError(t, DecodeBase64(s, out))
	require.Equal(t, in, out)

	require.Error(t, DecodeBase64("%%%not-base64%%%", out))
}

func TestEncodeBase64_Concurrent(t *testing.T) {
	// The shared buffer pool must not cross-contaminate payloads.
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			in := &ActivityResponse{InstanceID: "i", TaskID: int32(n)}
			s, err := EncodeBase64(in)
			if err != nil {
				t.Error(err)
				return
			}
			out := new(ActivityResponse)
			if err := DecodeBase64(s, out); err != nil {
				t.Error(err)
				return
			}
			if out.TaskID != int32(n) {
				t.Errorf("TaskID = %d, want %d", out.TaskID, n)
			}
		}(i)
	}
	wg.Wait()
}

func TestWorkerCapabilities_Supports(t *testing.T) {
	caps := &WorkerCapabilities{Capabilities: []string{CapabilityHistoryStreaming}}
	require.True(t, caps.Supports(CapabilityHistoryStreaming))
	require.False(t, caps.Supports("Unknown"))
	require.False(t, (&WorkerCapabilities{}).Supports(CapabilityHistoryStreaming))
}
