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

// Package memory provides an in-memory orchestration service backend for
// development and tests. All state is lost on restart; leases are enforced
// with expiring in-process locks.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tombee/taskhub/internal/backend"
	"github.com/tombee/taskhub/internal/history"
)

const (
	defaultLockTimeout    = 30 * time.Second
	defaultMaxConcurrency = 10

	// pollInterval bounds the wait for timer messages becoming visible.
	pollInterval = 100 * time.Millisecond
)

// Options tunes the in-memory backend.
type Options struct {
	// LockTimeout is the work-item lease duration. Default: 30s.
	LockTimeout time.Duration
	// MaxConcurrentOrchestrations bounds the orchestrator dispatcher. Default: 10.
	MaxConcurrentOrchestrations int
	// MaxConcurrentActivities bounds the activity dispatcher. Default: 10.
	MaxConcurrentActivities int
}

type inboxMessage struct {
	msg *backend.TaskMessage
}

func (m *inboxMessage) visible(now time.Time) bool {
	return m.msg.VisibleAt == nil || !m.msg.VisibleAt.After(now)
}

type instance struct {
	metadata backend.OrchestrationMetadata
	events   []*history.Event
	inbox    []*inboxMessage

	lockedBy   string
	lockExpiry time.Time
}

func (i *instance) locked(now time.Time) bool {
	return i.lockedBy != "" && i.lockExpiry.After(now)
}

type activityTask struct {
	wi         *backend.ActivityWorkItem
	lockedBy   string
	lockExpiry time.Time
}

// Backend is the in-memory orchestration service.
type Backend struct {
	opts Options

	mu        sync.Mutex
	instances map[string]*instance
	tasks     []*activityTask
	seq       int64

	// signal wakes blocked Lock* callers when new work may be available.
	signal chan struct{}
}

var _ backend.Backend = (*Backend)(nil)

// New creates an in-memory backend.
func New(opts Options) *Backend {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaultLockTimeout
	}
	if opts.MaxConcurrentOrchestrations <= 0 {
		opts.MaxConcurrentOrchestrations = defaultMaxConcurrency
	}
	if opts.MaxConcurrentActivities <= 0 {
		opts.MaxConcurrentActivities = defaultMaxConcurrency
	}
	return &Backend{
		opts:      opts,
		instances: make(map[string]*instance),
		signal:    make(chan struct{}, 1),
	}
}

// CreateTaskHub is a no-op for the in-memory backend.
func (b *Backend) CreateTaskHub(ctx context.Context) error { return nil }

// DeleteTaskHub drops all state.
func (b *Backend) DeleteTaskHub(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.instances = make(map[string]*instance)
	b.tasks = nil
	return nil
}

// Close releases resources.
func (b *Backend) Close() error { return nil }

func (b *Backend) wake() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// waitForWork blocks until woken, the poll interval elapses, or ctx is done.
func (b *Backend) waitForWork(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.signal:
		return nil
	case <-time.After(pollInterval):
		return nil
	}
}

// LockNextOrchestrationWorkItem blocks until an instance has visible inbox
// messages and no live lease, then leases it and drains the visible
// messages into the work item.
func (b *Backend) LockNextOrchestrationWorkItem(ctx context.Context) (*backend.OrchestrationWorkItem, error) {
	for {
		if wi := b.tryLockOrchestration(); wi != nil {
			return wi, nil
		}
		if err := b.waitForWork(ctx); err != nil {
			return nil, err
		}
	}
}

func (b *Backend) tryLockOrchestration() *backend.OrchestrationWorkItem {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	for id, inst := range b.instances {
		if inst.locked(now) || inst.metadata.Terminal() {
			continue
		}
		var visible []*history.Event
		var remaining []*inboxMessage
		for _, m := range inst.inbox {
			if m.visible(now) {
				visible = append(visible, m.msg.Event)
			} else {
				remaining = append(remaining, m)
			}
		}
		if len(visible) == 0 {
			continue
		}
		inst.inbox = remaining
		inst.lockedBy = fmt.Sprintf("owner-%d", now.UnixNano())
		inst.lockExpiry = now.Add(b.opts.LockTimeout)
		return &backend.OrchestrationWorkItem{
			InstanceID:  id,
			ExecutionID: inst.metadata.ExecutionID,
			NewEvents:   visible,
			LockedBy:    inst.lockedBy,
		}
	}
	return nil
}

// RenewOrchestrationWorkItemLock extends the lease.
func (b *Backend) RenewOrchestrationWorkItemLock(ctx context.Context, wi *backend.OrchestrationWorkItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	inst, ok := b.instances[wi.InstanceID]
	if !ok {
		return backend.ErrInstanceNotFound
	}
	if inst.lockedBy != wi.LockedBy {
		return backend.ErrWorkItemLockLost
	}
	inst.lockExpiry = time.Now().Add(b.opts.LockTimeout)
	return nil
}

// GetOrchestrationRuntimeState rebuilds state from the committed history.
func (b *Backend) GetOrchestrationRuntimeState(ctx context.Context, wi *backend.OrchestrationWorkItem) (*backend.RuntimeState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	inst, ok := b.instances[wi.InstanceID]
	if !ok {
		return nil, backend.ErrInstanceNotFound
	}
	events := make([]*history.Event, len(inst.events))
	copy(events, inst.events)
	s := backend.NewRuntimeState(wi.InstanceID, events)
	s.CustomStatus = inst.metadata.CustomStatus
	return s, nil
}

// CompleteOrchestrationWorkItem atomically appends the episode's history,
// routes the produced messages, updates metadata, and releases the lease.
func (b *Backend) CompleteOrchestrationWorkItem(ctx context.Context, wi *backend.OrchestrationWorkItem, completion *backend.OrchestrationCompletion) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	inst, ok := b.instances[wi.InstanceID]
	if !ok {
		return backend.ErrInstanceNotFound
	}
	if inst.lockedBy != wi.LockedBy {
		return backend.ErrWorkItemLockLost
	}

	state := completion.State
	inst.events = append(inst.events, state.NewEvents()...)
	inst.metadata.Status = state.RuntimeStatus()
	inst.metadata.CustomStatus = state.CustomStatus
	inst.metadata.Output = state.Output()
	inst.metadata.Failure = state.FailureDetails()
	inst.metadata.LastUpdatedAt = time.Now().UTC()
	if inst.metadata.ExecutionID == "" {
		inst.metadata.ExecutionID = state.ExecutionID
	}

	for _, msg := range completion.OutboundMessages {
		b.routeLocked(msg)
	}
	for _, msg := range completion.TimerMessages {
		b.deliverLocked(msg)
	}
	if can := completion.ContinuedAsNew; can != nil {
		// Continue-as-new resets the instance under a fresh execution id.
		started := can.Event.ExecutionStarted
		inst.events = nil
		inst.metadata.Status = history.StatusPending
		inst.metadata.ExecutionID = started.ExecutionID
		inst.metadata.Input = started.Input
		inst.metadata.Output = ""
		inst.metadata.Failure = nil
		b.deliverLocked(can)
	}

	inst.lockedBy = ""
	b.wake()
	return nil
}

// routeLocked sends a message to the activity queue or an instance inbox.
// Callers hold b.mu.
func (b *Backend) routeLocked(msg *backend.TaskMessage) {
	if ts := msg.Event.TaskScheduled; ts != nil {
		b.seq++
		b.tasks = append(b.tasks, &activityTask{
			wi: &backend.ActivityWorkItem{
				SequenceNumber: b.seq,
				InstanceID:     msg.TargetInstanceID,
				NewEvent:       msg.Event,
			},
		})
		return
	}
	b.deliverLocked(msg)
}

// deliverLocked appends a message to its target instance's inbox, creating
// the instance when the message starts one. Callers hold b.mu.
func (b *Backend) deliverLocked(msg *backend.TaskMessage) {
	inst, ok := b.instances[msg.TargetInstanceID]
	if !ok {
		if msg.Event.ExecutionStarted == nil {
			// Message for an unknown instance; drop it. The sender observes
			// the outcome through its own history.
			return
		}
		inst = b.newInstanceLocked(msg.Event.ExecutionStarted)
	}
	inst.inbox = append(inst.inbox, &inboxMessage{msg: msg})
}

func (b *Backend) newInstanceLocked(started *history.ExecutionStartedEvent) *instance {
	now := time.Now().UTC()
	inst := &instance{
		metadata: backend.OrchestrationMetadata{
			InstanceID:    started.InstanceID,
			ExecutionID:   started.ExecutionID,
			Name:          started.Name,
			Status:        history.StatusPending,
			Input:         started.Input,
			CreatedAt:     now,
			LastUpdatedAt: now,
		},
	}
	b.instances[started.InstanceID] = inst
	return inst
}

// AbandonOrchestrationWorkItem returns the leased messages to the inbox and
// releases the lease.
func (b *Backend) AbandonOrchestrationWorkItem(ctx context.Context, wi *backend.OrchestrationWorkItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	inst, ok := b.instances[wi.InstanceID]
	if !ok {
		return backend.ErrInstanceNotFound
	}
	if inst.lockedBy != wi.LockedBy {
		return backend.ErrWorkItemLockLost
	}
	for _, e := range wi.NewEvents {
		inst.inbox = append(inst.inbox, &inboxMessage{msg: &backend.TaskMessage{
			TargetInstanceID: wi.InstanceID,
			Event:            e,
		}})
	}
	inst.lockedBy = ""
	b.wake()
	return nil
}

// LockNextActivityWorkItem blocks until an activity task is available, then
// leases it.
func (b *Backend) LockNextActivityWorkItem(ctx context.Context) (*backend.ActivityWorkItem, error) {
	for {
		if wi := b.tryLockActivity(); wi != nil {
			return wi, nil
		}
		if err := b.waitForWork(ctx); err != nil {
			return nil, err
		}
	}
}

func (b *Backend) tryLockActivity() *backend.ActivityWorkItem {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	for _, t := range b.tasks {
		if t.lockedBy != "" && t.lockExpiry.After(now) {
			continue
		}
		t.lockedBy = fmt.Sprintf("owner-%d", now.UnixNano())
		t.lockExpiry = now.Add(b.opts.LockTimeout)
		wi := *t.wi
		wi.LockedBy = t.lockedBy
		return &wi
	}
	return nil
}

// RenewActivityWorkItemLock extends the lease.
func (b *Backend) RenewActivityWorkItemLock(ctx context.Context, wi *backend.ActivityWorkItem) (*backend.ActivityWorkItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range b.tasks {
		if t.wi.SequenceNumber == wi.SequenceNumber {
			if t.lockedBy != wi.LockedBy {
				return nil, backend.ErrWorkItemLockLost
			}
			t.lockExpiry = time.Now().Add(b.opts.LockTimeout)
			return wi, nil
		}
	}
	return nil, backend.ErrWorkItemLockLost
}

// CompleteActivityWorkItem removes the task and delivers the response
// message to the source orchestration.
func (b *Backend) CompleteActivityWorkItem(ctx context.Context, wi *backend.ActivityWorkItem, response *backend.TaskMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := -1
	for i, t := range b.tasks {
		if t.wi.SequenceNumber == wi.SequenceNumber {
			if t.lockedBy != wi.LockedBy {
				return backend.ErrWorkItemLockLost
			}
			idx = i
			break
		}
	}
	if idx < 0 {
		return backend.ErrWorkItemLockLost
	}
	b.tasks = append(b.tasks[:idx], b.tasks[idx+1:]...)
	b.deliverLocked(response)
	b.wake()
	return nil
}

// AbandonActivityWorkItem releases the lease so the task is redelivered.
func (b *Backend) AbandonActivityWorkItem(ctx context.Context, wi *backend.ActivityWorkItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range b.tasks {
		if t.wi.SequenceNumber == wi.SequenceNumber {
			if t.lockedBy != wi.LockedBy {
				return backend.ErrWorkItemLockLost
			}
			t.lockedBy = ""
			b.wake()
			return nil
		}
	}
	return backend.ErrWorkItemLockLost
}

// MaxConcurrentOrchestrationWorkItems implements backend.Backend.
func (b *Backend) MaxConcurrentOrchestrationWorkItems() int {
	return b.opts.MaxConcurrentOrchestrations
}

// MaxConcurrentActivityWorkItems implements backend.Backend.
func (b *Backend) MaxConcurrentActivityWorkItems() int {
	return b.opts.MaxConcurrentActivities
}

// DelaySecondsAfterFetchError implements backend.Backend.
func (b *Backend) DelaySecondsAfterFetchError(err error) int {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0
	}
	return 5
}

// CreateOrchestrationInstance schedules a new instance.
func (b *Backend) CreateOrchestrationInstance(ctx context.Context, e *history.Event, startAt *time.Time) error {
	started := e.ExecutionStarted
	if started == nil {
		return fmt.Errorf("backend: create requires an ExecutionStarted event")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.instances[started.InstanceID]; ok && !existing.metadata.Terminal() {
		return backend.ErrDuplicateInstance
	}
	inst := b.newInstanceLocked(started)
	inst.inbox = append(inst.inbox, &inboxMessage{msg: &backend.TaskMessage{
		TargetInstanceID: started.InstanceID,
		Event:            e,
		VisibleAt:        startAt,
	}})
	b.wake()
	return nil
}

// AddTaskMessage routes one message to a known instance.
func (b *Backend) AddTaskMessage(ctx context.Context, msg *backend.TaskMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	inst, ok := b.instances[msg.TargetInstanceID]
	if !ok {
		return backend.ErrInstanceNotFound
	}
	inst.inbox = append(inst.inbox, &inboxMessage{msg: msg})
	b.wake()
	return nil
}

// GetOrchestrationMetadata returns a copy of the instance metadata.
func (b *Backend) GetOrchestrationMetadata(ctx context.Context, instanceID string) (*backend.OrchestrationMetadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	inst, ok := b.instances[instanceID]
	if !ok {
		return nil, backend.ErrInstanceNotFound
	}
	md := inst.metadata
	return &md, nil
}

// PurgeOrchestrationState deletes a terminal instance.
func (b *Backend) PurgeOrchestrationState(ctx context.Context, instanceID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	inst, ok := b.instances[instanceID]
	if !ok {
		return 0, backend.ErrInstanceNotFound
	}
	if !inst.metadata.Terminal() {
		return 0, backend.ErrNotCompleted
	}
	delete(b.instances, instanceID)
	return 1, nil
}
