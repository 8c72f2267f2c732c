package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dukerupert/togetha/internal/docdb"
	"github.com/dukerupert/togetha/internal/model"
)

const tasksCollection = "tasks"

type TaskStore struct {
	db  docdb.DB
	now func() time.Time
}

func NewTaskStore(db docdb.DB) *TaskStore {
	return &TaskStore{db: db, now: time.Now}
}

func taskPath(id string) string {
	return docdb.Join(tasksCollection, id)
}

// Add writes a new open task stamped with the backend's clock.
func (s *TaskStore) Add(ctx context.Context, familyID, title string) (string, error) {
	id, err := s.db.Add(ctx, tasksCollection, map[string]any{
		"title":     title,
		"completed": false,
		"familyId":  familyID,
		"createdAt": docdb.ServerTimestamp,
	})
	if err != nil {
		return "", fmt.Errorf("add task: %w", err)
	}
	return id, nil
}

func (s *TaskStore) SetCompleted(ctx context.Context, id string, completed bool) error {
	if err := s.db.Update(ctx, taskPath(id), map[string]any{"completed": completed}); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

func (s *TaskStore) Get(ctx context.Context, id string) (*model.Task, error) {
	snap, err := s.db.Get(ctx, taskPath(id))
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if !snap.Exists() {
		return nil, nil
	}
	tasks := s.decode([]docdb.Snapshot{snap})
	if len(tasks) == 0 {
		return nil, fmt.Errorf("decode task %s", id)
	}
	return &tasks[0], nil
}

func (s *TaskStore) List(ctx context.Context, familyID string) ([]model.Task, error) {
	snaps, err := s.db.FindEqual(ctx, tasksCollection, "familyId", familyID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return s.decode(snaps), nil
}

// decode maps snapshots to tasks in arrival order. A task without a
// creation time gets the current time; undecodable documents are skipped.
func (s *TaskStore) decode(snaps []docdb.Snapshot) []model.Task {
	tasks := make([]model.Task, 0, len(snaps))
	for _, snap := range snaps {
		var t model.Task
		if err := snap.DataTo(&t); err != nil {
			continue
		}
		t.ID = snap.ID()
		if t.CreatedAt.IsZero() {
			t.CreatedAt = s.now()
		}
		tasks = append(tasks, t)
	}
	return tasks
}

// Watch follows the tasks of one family. Tasks arrive unsorted.
func (s *TaskStore) Watch(familyID string, onNext func([]model.Task), onErr func(error)) (cancel func()) {
	return s.db.WatchQuery(tasksCollection, "familyId", familyID, func(snaps []docdb.Snapshot) {
		onNext(s.decode(snaps))
	}, onErr)
}
