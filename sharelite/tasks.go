// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sharelite

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mobiletoly/go-overshare/channel"
	"github.com/mobiletoly/go-overshare/overshare"
)

type taskAdapter struct{}

func (taskAdapter) Kind() string               { return "tasks" }
func (taskAdapter) ID(t overshare.Task) string { return t.ServerID }

func (taskAdapter) DedupKey(t overshare.Task) string {
	return t.ServerID + "-" + t.UpdatedAt.UTC().Format(time.RFC3339Nano)
}

func (taskAdapter) Less(a, b overshare.Task) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ServerID < b.ServerID
}

func (taskAdapter) Timestamp(t overshare.Task) time.Time { return t.UpdatedAt }
func (taskAdapter) Status(t overshare.Task) string       { return t.SyncStatus }

func (taskAdapter) Stamp(t overshare.Task, workspaceID, status string) overshare.Task {
	t.WorkspaceID = workspaceID
	t.SyncStatus = status
	return t
}

func (taskAdapter) FailedStatus() string                    { return overshare.SyncFailed }
func (taskAdapter) Complete() bool                          { return true }
func (taskAdapter) Table(m *Mirror) *Table[overshare.Task] { return m.Tasks }

func (taskAdapter) Fetch(ctx context.Context, api *APIClient, sess *overshare.Session) ([]overshare.Task, error) {
	return api.ListTasks(ctx, sess.WorkspaceID)
}

func (a taskAdapter) Decode(ev channel.Event) (Change[overshare.Task], bool) {
	switch e := ev.(type) {
	case channel.TaskUpsertEvent:
		t := e.Task
		return Change[overshare.Task]{Upsert: &t, WorkspaceID: t.WorkspaceID, Key: a.DedupKey(t)}, true
	case channel.TaskDeleteEvent:
		return Change[overshare.Task]{DeleteID: e.ID, WorkspaceID: e.WorkspaceID, Key: deleteKey(e.ID)}, true
	default:
		return Change[overshare.Task]{}, false
	}
}

func (taskAdapter) UpsertEvent(t overshare.Task) channel.Event {
	t.SyncStatus = ""
	return channel.TaskUpsertEvent{Task: t}
}

func (taskAdapter) DeleteEvent(workspaceID, id string) channel.Event {
	return channel.TaskDeleteEvent{ID: id, WorkspaceID: workspaceID}
}

// TaskGroups is the derived task board
type TaskGroups struct {
	Urgent []overshare.Task // not done, urgent priority or due within a day, soonest due first
	Normal []overshare.Task
	Done   []overshare.Task // most recently completed first
}

// TaskList is the shared to-do engine
type TaskList struct {
	*Engine[overshare.Task]
}

func newTaskList(mirror *Mirror, api *APIClient, transport channel.Transport, config *Config,
	failures *Bus[*ActionError]) *TaskList {
	return &TaskList{Engine: newEngine[overshare.Task](taskAdapter{}, mirror, api, transport, config, failures)}
}

// Create adds a task optimistically
func (l *TaskList) Create(ctx context.Context, t overshare.Task) (overshare.Task, error) {
	sess := l.Session()
	if sess == nil {
		return t, ErrNoSession
	}
	if strings.TrimSpace(t.Title) == "" {
		return t, fmt.Errorf("task title is required")
	}
	now := l.now().UTC()
	if t.ServerID == "" {
		t.ServerID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = overshare.TaskTodo
	}
	if t.Priority == "" {
		t.Priority = overshare.PriorityNormal
	}
	t.CreatorID, t.CreatorName = sess.MemberID, sess.DisplayName
	t.CreatedAt, t.UpdatedAt = now, now
	return l.Mutate(ctx, "create", t, func(ctx context.Context, sess *overshare.Session, t overshare.Task) (overshare.Task, error) {
		return l.api.CreateTask(ctx, sess.WorkspaceID, t)
	})
}

// Update replaces the task's mutable fields
func (l *TaskList) Update(ctx context.Context, t overshare.Task) (overshare.Task, error) {
	if t.ServerID == "" {
		return t, fmt.Errorf("task id is required")
	}
	t.UpdatedAt = l.now().UTC()
	return l.Mutate(ctx, "update", t, func(ctx context.Context, sess *overshare.Session, t overshare.Task) (overshare.Task, error) {
		return l.api.UpdateTask(ctx, sess.WorkspaceID, t)
	})
}

// Toggle flips a task between todo and done, showing the new state before the server confirms it
func (l *TaskList) Toggle(ctx context.Context, id string) (overshare.Task, error) {
	t, found, err := l.Get(ctx, id)
	if err != nil {
		return overshare.Task{}, err
	}
	if !found {
		return overshare.Task{}, fmt.Errorf("task %s not found", id)
	}
	sess := l.Session()
	if sess == nil {
		return t, ErrNoSession
	}
	now := l.now().UTC()
	if t.Status == overshare.TaskDone {
		t.Status, t.CompletedAt, t.CompletedBy = overshare.TaskTodo, nil, ""
	} else {
		t.Status, t.CompletedAt, t.CompletedBy = overshare.TaskDone, &now, sess.MemberID
	}
	t.UpdatedAt = now
	return l.Mutate(ctx, "toggle", t, func(ctx context.Context, sess *overshare.Session, t overshare.Task) (overshare.Task, error) {
		return l.api.ToggleTask(ctx, sess.WorkspaceID, t.ServerID)
	})
}

// Retry resends a pending or failed task as it is stored locally, including an unconfirmed toggle.
// It returns ErrStaleEdit, keeping the server copy, when someone changed the task in the meantime.
func (l *TaskList) Retry(ctx context.Context, id string) (overshare.Task, error) {
	return l.Resend(ctx, "retry", id,
		func(ctx context.Context, sess *overshare.Session, t overshare.Task) (overshare.Task, error) {
			return l.api.UpdateTask(ctx, sess.WorkspaceID, t)
		},
		func(ctx context.Context, sess *overshare.Session, t overshare.Task) (overshare.Task, error) {
			return l.api.CreateTask(ctx, sess.WorkspaceID, t)
		})
}

// Delete removes a task
func (l *TaskList) Delete(ctx context.Context, id string) error {
	return l.Remove(ctx, "delete", id, func(ctx context.Context, sess *overshare.Session, id string) error {
		return l.api.DeleteTask(ctx, sess.WorkspaceID, id)
	})
}

// Groups splits the current view into urgent, normal and done
func (l *TaskList) Groups() TaskGroups {
	return GroupTasks(l.View(), l.now())
}

// GroupTasks splits tasks into urgent, normal and done at now
func GroupTasks(tasks []overshare.Task, now time.Time) TaskGroups {
	var g TaskGroups
	for _, t := range tasks {
		switch {
		case t.Status == overshare.TaskDone:
			g.Done = append(g.Done, t)
		case t.IsUrgent(now):
			g.Urgent = append(g.Urgent, t)
		default:
			g.Normal = append(g.Normal, t)
		}
	}
	sort.SliceStable(g.Urgent, func(i, j int) bool {
		a, b := g.Urgent[i].DueAt, g.Urgent[j].DueAt
		if a == nil || b == nil {
			return a != nil && b == nil
		}
		return a.Before(*b)
	})
	sort.SliceStable(g.Done, func(i, j int) bool {
		a, b := g.Done[i].CompletedAt, g.Done[j].CompletedAt
		if a == nil || b == nil {
			return a != nil
		}
		return a.After(*b)
	})
	return g
}
