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

// Package sqlite provides a SQLite orchestration service backend for
// single-node deployments. History events are stored as opaque base64
// payloads; leases are rows with an owner and an expiry.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tombee/taskhub/internal/backend"
	"github.com/tombee/taskhub/internal/history"
	"github.com/tombee/taskhub/internal/protocol"
)

// Compile-time interface assertion.
var _ backend.Backend = (*Backend)(nil)

const (
	defaultLockTimeout    = 30 * time.Second
	defaultMaxConcurrency = 10

	// pollInterval bounds the wait between lock attempts while the inbox is
	// empty or all due messages are leased.
	pollInterval = 100 * time.Millisecond
)

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool

	// LockTimeout is the work-item lease duration. Default: 30s.
	LockTimeout time.Duration

	// MaxConcurrentOrchestrations bounds the orchestrator dispatcher. Default: 10.
	MaxConcurrentOrchestrations int

	// MaxConcurrentActivities bounds the activity dispatcher. Default: 10.
	MaxConcurrentActivities int
}

// Backend is a SQLite storage backend.
type Backend struct {
	db  *sql.DB
	cfg Config
}

// New creates a new SQLite backend.
func New(cfg Config) (*Backend, error) {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaultLockTimeout
	}
	if cfg.MaxConcurrentOrchestrations <= 0 {
		cfg.MaxConcurrentOrchestrations = defaultMaxConcurrency
	}
	if cfg.MaxConcurrentActivities <= 0 {
		cfg.MaxConcurrentActivities = defaultMaxConcurrency
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db, cfg: cfg}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

// configurePragmas sets SQLite configuration options.
func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS instances (
			instance_id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			custom_status TEXT,
			input TEXT,
			output TEXT,
			failure TEXT,
			locked_by TEXT,
			lock_expiry INTEGER DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status)`,
		`CREATE TABLE IF NOT EXISTS history_events (
			instance_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			event TEXT NOT NULL,
			PRIMARY KEY (instance_id, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS new_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id TEXT NOT NULL,
			event TEXT NOT NULL,
			visible_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_new_events_instance ON new_events(instance_id)`,
		`CREATE TABLE IF NOT EXISTS new_tasks (
			sequence INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			event TEXT NOT NULL,
			locked_by TEXT,
			lock_expiry INTEGER DEFAULT 0
		)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// CreateTaskHub provisions the schema. Idempotent.
func (b *Backend) CreateTaskHub(ctx context.Context) error {
	return b.migrate(ctx)
}

// DeleteTaskHub drops all task hub tables.
func (b *Backend) DeleteTaskHub(ctx context.Context) error {
	for _, table := range []string{"instances", "history_events", "new_events", "new_tasks"} {
		if _, err := b.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return fmt.Errorf("failed to drop %s: %w", table, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// CreateOrchestrationInstance schedules a new instance.
func (b *Backend) CreateOrchestrationInstance(ctx context.Context, e *history.Event, startAt *time.Time) error {
	started := e.ExecutionStarted
	if started == nil {
		return fmt.Errorf("sqlite: create requires an ExecutionStarted event")
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, "SELECT status FROM instances WHERE instance_id = ?", started.InstanceID).Scan(&status)
	switch {
	case err == nil:
		if !terminalStatus(history.OrchestrationStatus(status)) {
			return backend.ErrDuplicateInstance
		}
		// Replace the terminal instance.
		if err := deleteInstanceTx(ctx, tx, started.InstanceID); err != nil {
			return err
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return fmt.Errorf("failed to query instance: %w", err)
	}

	if err := insertInstanceTx(ctx, tx, started); err != nil {
		return err
	}
	if err := insertInboxTx(ctx, tx, started.InstanceID, e, startAt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func insertInstanceTx(ctx context.Context, tx *sql.Tx, started *history.ExecutionStartedEvent) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO instances (instance_id, execution_id, name, status, custom_status, input, output, failure, created_at, updated_at)
		VALUES (?, ?, ?, ?, NULL, ?, '', NULL, ?, ?)
	`, started.InstanceID, started.ExecutionID, started.Name, string(history.StatusPending), started.Input, now, now)
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

func insertInboxTx(ctx context.Context, tx *sql.Tx, instanceID string, e *history.Event, visibleAt *time.Time) error {
	payload, err := protocol.EncodeBase64(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	var visible any
	if visibleAt != nil {
		visible = visibleAt.UnixNano()
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO new_events (instance_id, event, visible_at) VALUES (?, ?, ?)",
		instanceID, payload, visible); err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}
	return nil
}

func deleteInstanceTx(ctx context.Context, tx *sql.Tx, instanceID string) error {
	for _, q := range []string{
		"DELETE FROM instances WHERE instance_id = ?",
		"DELETE FROM history_events WHERE instance_id = ?",
		"DELETE FROM new_events WHERE instance_id = ?",
		"DELETE FROM new_tasks WHERE instance_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, instanceID); err != nil {
			return fmt.Errorf("failed to delete instance rows: %w", err)
		}
	}
	return nil
}

// AddTaskMessage routes one message to a known instance.
func (b *Backend) AddTaskMessage(ctx context.Context, msg *backend.TaskMessage) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM instances WHERE instance_id = ?", msg.TargetInstanceID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return backend.ErrInstanceNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to query instance: %w", err)
	}

	if err := insertInboxTx(ctx, tx, msg.TargetInstanceID, msg.Event, msg.VisibleAt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// LockNextOrchestrationWorkItem blocks until an instance has due inbox
// messages and no live lease, then leases it and drains the due messages.
func (b *Backend) LockNextOrchestrationWorkItem(ctx context.Context) (*backend.OrchestrationWorkItem, error) {
	for {
		wi, err := b.tryLockOrchestration(ctx)
		if err != nil {
			return nil, err
		}
		if wi != nil {
			return wi, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (b *Backend) tryLockOrchestration(ctx context.Context) (*backend.OrchestrationWorkItem, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	var instanceID, executionID string
	err = tx.QueryRowContext(ctx, `
		SELECT i.instance_id, i.execution_id FROM instances i
		WHERE (i.locked_by IS NULL OR i.lock_expiry < ?)
		  AND i.status NOT IN (?, ?, ?)
		  AND EXISTS (
			SELECT 1 FROM new_events m
			WHERE m.instance_id = i.instance_id
			  AND (m.visible_at IS NULL OR m.visible_at <= ?)
		  )
		LIMIT 1
	`, now.UnixNano(),
		string(history.StatusCompleted), string(history.StatusFailed), string(history.StatusTerminated),
		now.UnixNano()).Scan(&instanceID, &executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select lockable instance: %w", err)
	}

	lockedBy := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		"UPDATE instances SET locked_by = ?, lock_expiry = ? WHERE instance_id = ?",
		lockedBy, now.Add(b.cfg.LockTimeout).UnixNano(), instanceID); err != nil {
		return nil, fmt.Errorf("failed to lease instance: %w", err)
	}

	// Drain the due messages; abandon re-inserts them.
	rows, err := tx.QueryContext(ctx, `
		SELECT id, event FROM new_events
		WHERE instance_id = ? AND (visible_at IS NULL OR visible_at <= ?)
		ORDER BY id ASC
	`, instanceID, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}

	var ids []int64
	var events []*history.Event
	for rows.Next() {
		var id int64
		var payload string
		if err := rows.Scan(&id, &payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan inbox row: %w", err)
		}
		e := new(history.Event)
		if err := protocol.DecodeBase64(payload, e); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		ids = append(ids, id)
		events = append(events, e)
	}
	// Close before issuing the deletes; the transaction holds one connection.
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate inbox: %w", err)
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM new_events WHERE id = ?", id); err != nil {
			return nil, fmt.Errorf("failed to dequeue event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	return &backend.OrchestrationWorkItem{
		InstanceID:  instanceID,
		ExecutionID: executionID,
		NewEvents:   events,
		LockedBy:    lockedBy,
	}, nil
}

// RenewOrchestrationWorkItemLock extends the lease.
func (b *Backend) RenewOrchestrationWorkItemLock(ctx context.Context, wi *backend.OrchestrationWorkItem) error {
	result, err := b.db.ExecContext(ctx,
		"UPDATE instances SET lock_expiry = ? WHERE instance_id = ? AND locked_by = ?",
		time.Now().Add(b.cfg.LockTimeout).UnixNano(), wi.InstanceID, wi.LockedBy)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return backend.ErrWorkItemLockLost
	}
	return nil
}

// GetOrchestrationRuntimeState rebuilds state from the committed history.
func (b *Backend) GetOrchestrationRuntimeState(ctx context.Context, wi *backend.OrchestrationWorkItem) (*backend.RuntimeState, error) {
	rows, err := b.db.QueryContext(ctx,
		"SELECT event FROM history_events WHERE instance_id = ? ORDER BY sequence ASC", wi.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	var events []*history.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		e := new(history.Event)
		if err := protocol.DecodeBase64(payload, e); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		events = append(events, e)
	}
	// Release the connection before the follow-up query; the pool has one.
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}

	var customStatus sql.NullString
	err = b.db.QueryRowContext(ctx,
		"SELECT custom_status FROM instances WHERE instance_id = ?", wi.InstanceID).Scan(&customStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query instance: %w", err)
	}

	s := backend.NewRuntimeState(wi.InstanceID, events)
	if customStatus.Valid {
		s.CustomStatus = customStatus.String
	}
	return s, nil
}

// CompleteOrchestrationWorkItem atomically appends the episode's history,
// routes the produced messages, updates metadata, and releases the lease.
func (b *Backend) CompleteOrchestrationWorkItem(ctx context.Context, wi *backend.OrchestrationWorkItem, completion *backend.OrchestrationCompletion) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := verifyLeaseTx(ctx, tx, wi); err != nil {
		return err
	}

	state := completion.State
	if err := appendHistoryTx(ctx, tx, wi.InstanceID, state.NewEvents()); err != nil {
		return err
	}

	var failureJSON any
	if f := state.FailureDetails(); f != nil {
		data, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("failed to marshal failure: %w", err)
		}
		failureJSON = string(data)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `
		UPDATE instances SET
			status = ?, custom_status = ?, output = ?, failure = ?,
			locked_by = NULL, lock_expiry = 0, updated_at = ?
		WHERE instance_id = ?
	`, string(state.RuntimeStatus()), nullString(state.CustomStatus), state.Output(),
		failureJSON, now, wi.InstanceID); err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}

	for _, msg := range completion.OutboundMessages {
		if err := routeTx(ctx, tx, msg); err != nil {
			return err
		}
	}
	for _, msg := range completion.TimerMessages {
		if err := insertInboxTx(ctx, tx, msg.TargetInstanceID, msg.Event, msg.VisibleAt); err != nil {
			return err
		}
	}
	if can := completion.ContinuedAsNew; can != nil {
		// Continue-as-new resets the instance under a fresh execution id.
		started := can.Event.ExecutionStarted
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM history_events WHERE instance_id = ?", wi.InstanceID); err != nil {
			return fmt.Errorf("failed to clear history: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE instances SET
				status = ?, execution_id = ?, input = ?, output = '', failure = NULL, updated_at = ?
			WHERE instance_id = ?
		`, string(history.StatusPending), started.ExecutionID, started.Input, now, wi.InstanceID); err != nil {
			return fmt.Errorf("failed to reset instance: %w", err)
		}
		if err := insertInboxTx(ctx, tx, wi.InstanceID, can.Event, can.VisibleAt); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func verifyLeaseTx(ctx context.Context, tx *sql.Tx, wi *backend.OrchestrationWorkItem) error {
	var lockedBy sql.NullString
	err := tx.QueryRowContext(ctx,
		"SELECT locked_by FROM instances WHERE instance_id = ?", wi.InstanceID).Scan(&lockedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return backend.ErrInstanceNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to query lease: %w", err)
	}
	if !lockedBy.Valid || lockedBy.String != wi.LockedBy {
		return backend.ErrWorkItemLockLost
	}
	return nil
}

func appendHistoryTx(ctx context.Context, tx *sql.Tx, instanceID string, events []*history.Event) error {
	if len(events) == 0 {
		return nil
	}
	var next int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(sequence), -1) + 1 FROM history_events WHERE instance_id = ?",
		instanceID).Scan(&next); err != nil {
		return fmt.Errorf("failed to query history sequence: %w", err)
	}
	for i, e := range events {
		payload, err := protocol.EncodeBase64(e)
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO history_events (instance_id, sequence, event) VALUES (?, ?, ?)",
			instanceID, next+int64(i), payload); err != nil {
			return fmt.Errorf("failed to append history: %w", err)
		}
	}
	return nil
}

// routeTx sends a message to the activity queue or an instance inbox,
// creating the target instance when the message starts one.
func routeTx(ctx context.Context, tx *sql.Tx, msg *backend.TaskMessage) error {
	if msg.Event.TaskScheduled != nil {
		payload, err := protocol.EncodeBase64(msg.Event)
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO new_tasks (instance_id, execution_id, event) VALUES (?, '', ?)",
			msg.TargetInstanceID, payload); err != nil {
			return fmt.Errorf("failed to enqueue task: %w", err)
		}
		return nil
	}

	var exists int
	err := tx.QueryRowContext(ctx,
		"SELECT 1 FROM instances WHERE instance_id = ?", msg.TargetInstanceID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		if msg.Event.ExecutionStarted == nil {
			// Message for an unknown instance; drop it.
			return nil
		}
		if err := insertInstanceTx(ctx, tx, msg.Event.ExecutionStarted); err != nil {
			return err
		}
	} else if err != nil {
		return fmt.Errorf("failed to query instance: %w", err)
	}

	return insertInboxTx(ctx, tx, msg.TargetInstanceID, msg.Event, msg.VisibleAt)
}

// AbandonOrchestrationWorkItem returns the leased messages to the inbox and
// releases the lease.
func (b *Backend) AbandonOrchestrationWorkItem(ctx context.Context, wi *backend.OrchestrationWorkItem) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := verifyLeaseTx(ctx, tx, wi); err != nil {
		return err
	}
	for _, e := range wi.NewEvents {
		if err := insertInboxTx(ctx, tx, wi.InstanceID, e, nil); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE instances SET locked_by = NULL, lock_expiry = 0 WHERE instance_id = ?",
		wi.InstanceID); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// LockNextActivityWorkItem blocks until an activity task is available, then
// leases it.
func (b *Backend) LockNextActivityWorkItem(ctx context.Context) (*backend.ActivityWorkItem, error) {
	for {
		wi, err := b.tryLockActivity(ctx)
		if err != nil {
			return nil, err
		}
		if wi != nil {
			return wi, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (b *Backend) tryLockActivity(ctx context.Context) (*backend.ActivityWorkItem, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	var sequence int64
	var instanceID, executionID, payload string
	err = tx.QueryRowContext(ctx, `
		SELECT sequence, instance_id, execution_id, event FROM new_tasks
		WHERE locked_by IS NULL OR lock_expiry < ?
		ORDER BY sequence ASC LIMIT 1
	`, now.UnixNano()).Scan(&sequence, &instanceID, &executionID, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select lockable task: %w", err)
	}

	lockedBy := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		"UPDATE new_tasks SET locked_by = ?, lock_expiry = ? WHERE sequence = ?",
		lockedBy, now.Add(b.cfg.LockTimeout).UnixNano(), sequence); err != nil {
		return nil, fmt.Errorf("failed to lease task: %w", err)
	}

	e := new(history.Event)
	if err := protocol.DecodeBase64(payload, e); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	return &backend.ActivityWorkItem{
		SequenceNumber: sequence,
		InstanceID:     instanceID,
		ExecutionID:    executionID,
		NewEvent:       e,
		LockedBy:       lockedBy,
	}, nil
}

// RenewActivityWorkItemLock extends the lease.
func (b *Backend) RenewActivityWorkItemLock(ctx context.Context, wi *backend.ActivityWorkItem) (*backend.ActivityWorkItem, error) {
	result, err := b.db.ExecContext(ctx,
		"UPDATE new_tasks SET lock_expiry = ? WHERE sequence = ? AND locked_by = ?",
		time.Now().Add(b.cfg.LockTimeout).UnixNano(), wi.SequenceNumber, wi.LockedBy)
	if err != nil {
		return nil, fmt.Errorf("failed to renew lease: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return nil, backend.ErrWorkItemLockLost
	}
	return wi, nil
}

// CompleteActivityWorkItem removes the task and delivers the response
// message to the source orchestration.
func (b *Backend) CompleteActivityWorkItem(ctx context.Context, wi *backend.ActivityWorkItem, response *backend.TaskMessage) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		"DELETE FROM new_tasks WHERE sequence = ? AND locked_by = ?",
		wi.SequenceNumber, wi.LockedBy)
	if err != nil {
		return fmt.Errorf("failed to dequeue task: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return backend.ErrWorkItemLockLost
	}

	if err := insertInboxTx(ctx, tx, response.TargetInstanceID, response.Event, response.VisibleAt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// AbandonActivityWorkItem releases the lease so the task is redelivered.
func (b *Backend) AbandonActivityWorkItem(ctx context.Context, wi *backend.ActivityWorkItem) error {
	result, err := b.db.ExecContext(ctx,
		"UPDATE new_tasks SET locked_by = NULL, lock_expiry = 0 WHERE sequence = ? AND locked_by = ?",
		wi.SequenceNumber, wi.LockedBy)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return backend.ErrWorkItemLockLost
	}
	return nil
}

// MaxConcurrentOrchestrationWorkItems implements backend.Backend.
func (b *Backend) MaxConcurrentOrchestrationWorkItems() int {
	return b.cfg.MaxConcurrentOrchestrations
}

// MaxConcurrentActivityWorkItems implements backend.Backend.
func (b *Backend) MaxConcurrentActivityWorkItems() int {
	return b.cfg.MaxConcurrentActivities
}

// DelaySecondsAfterFetchError implements backend.Backend.
func (b *Backend) DelaySecondsAfterFetchError(err error) int {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0
	}
	return 5
}

// GetOrchestrationMetadata returns the queryable state of an instance.
func (b *Backend) GetOrchestrationMetadata(ctx context.Context, instanceID string) (*backend.OrchestrationMetadata, error) {
	var md backend.OrchestrationMetadata
	var status string
	var customStatus, failureJSON sql.NullString
	var createdAt, updatedAt string

	err := b.db.QueryRowContext(ctx, `
		SELECT instance_id, execution_id, name, status, custom_status, input, output, failure, created_at, updated_at
		FROM instances WHERE instance_id = ?
	`, instanceID).Scan(
		&md.InstanceID, &md.ExecutionID, &md.Name, &status, &customStatus,
		&md.Input, &md.Output, &failureJSON, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	md.Status = history.OrchestrationStatus(status)
	if customStatus.Valid {
		md.CustomStatus = customStatus.String
	}
	if failureJSON.Valid && failureJSON.String != "" {
		var f history.FailureDetails
		if err := json.Unmarshal([]byte(failureJSON.String), &f); err != nil {
			return nil, fmt.Errorf("failed to unmarshal failure: %w", err)
		}
		md.Failure = &f
	}
	md.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	md.LastUpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	return &md, nil
}

// PurgeOrchestrationState deletes all state of a terminal instance and
// returns the number of purged instances.
func (b *Backend) PurgeOrchestrationState(ctx context.Context, instanceID string) (int, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, "SELECT status FROM instances WHERE instance_id = ?", instanceID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, backend.ErrInstanceNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query instance: %w", err)
	}
	if !terminalStatus(history.OrchestrationStatus(status)) {
		return 0, backend.ErrNotCompleted
	}

	if err := deleteInstanceTx(ctx, tx, instanceID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return 1, nil
}

// Helper functions

func terminalStatus(s history.OrchestrationStatus) bool {
	switch s {
	case history.StatusCompleted, history.StatusFailed, history.StatusTerminated:
		return true
	default:
		return false
	}
}

// nullString returns nil if string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
