// Package storage provides the persisted task store backed by NATS KV.
//
// The store is the only shared mutable resource in the pipeline. All writes
// are conditional on the revision observed at read time (optimistic
// concurrency); a conflicting write returns ErrRevisionConflict and the
// caller retries its whole per-task operation.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/mergeflow/pipeline"
)

// BucketTasks is the KV bucket holding task records.
const BucketTasks = "MERGEFLOW_TASKS"

// TaskStore is the persistence contract the orchestration driver and
// remediation controller depend on. Revisions returned by Get must be passed
// back to Update unchanged.
type TaskStore interface {
	// Get loads a task and its current revision. Returns ErrNotFound when
	// no record exists for the id.
	Get(ctx context.Context, id pipeline.TaskID) (*pipeline.Task, uint64, error)

	// Create stores a new task record. Returns ErrExists when a record for
	// the id is already present.
	Create(ctx context.Context, task *pipeline.Task) error

	// Update writes the task conditionally on revision. Returns
	// ErrRevisionConflict when the stored revision has moved on.
	Update(ctx context.Context, task *pipeline.Task, revision uint64) error
}

// Store is the NATS KV implementation of TaskStore.
type Store struct {
	tasks jetstream.KeyValue
}

// NewStore creates a Store, creating the tasks bucket if needed.
func NewStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	tasks, err := getOrCreateBucket(ctx, js, BucketTasks)
	if err != nil {
		return nil, fmt.Errorf("create tasks bucket: %w", err)
	}
	return &Store{tasks: tasks}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Mergeflow %s storage", strings.ToLower(name)),
		History:     5, // Keep last 5 revisions
	})
}

// taskKey returns the KV key for a task id, e.g. "task-5".
func taskKey(id pipeline.TaskID) string {
	return id.String()
}

// Get implements TaskStore.
func (s *Store) Get(ctx context.Context, id pipeline.TaskID) (*pipeline.Task, uint64, error) {
	entry, err := s.tasks.Get(ctx, taskKey(id))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("get task %s: %w", id, err)
	}

	var task pipeline.Task
	if err := json.Unmarshal(entry.Value(), &task); err != nil {
		return nil, 0, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return &task, entry.Revision(), nil
}

// Create implements TaskStore.
func (s *Store) Create(ctx context.Context, task *pipeline.Task) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}

	if _, err := s.tasks.Create(ctx, taskKey(task.ID), data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrExists
		}
		return fmt.Errorf("store task %s: %w", task.ID, err)
	}
	return nil
}

// Update implements TaskStore.
func (s *Store) Update(ctx context.Context, task *pipeline.Task, revision uint64) error {
	task.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}

	if _, err := s.tasks.Update(ctx, taskKey(task.ID), data, revision); err != nil {
		if isWrongRevision(err) {
			return ErrRevisionConflict
		}
		return fmt.Errorf("update task %s: %w", task.ID, err)
	}
	return nil
}

// List returns every stored task, sorted by id. Used by the CLI inspection
// command, not by the orchestration path.
func (s *Store) List(ctx context.Context) ([]*pipeline.Task, error) {
	keys, err := s.tasks.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list task keys: %w", err)
	}

	tasks := make([]*pipeline.Task, 0, len(keys))
	for _, key := range keys {
		entry, err := s.tasks.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
				continue
			}
			return nil, fmt.Errorf("get task %s: %w", key, err)
		}

		var task pipeline.Task
		if err := json.Unmarshal(entry.Value(), &task); err != nil {
			return nil, fmt.Errorf("unmarshal task %s: %w", key, err)
		}
		tasks = append(tasks, &task)
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

// isWrongRevision detects the KV conditional-write failure. JetStream
// reports it as a "wrong last sequence" API error.
func isWrongRevision(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return strings.Contains(err.Error(), "wrong last sequence")
}
