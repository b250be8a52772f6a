package domain

import "github.com/bytedance/sonic"

// Change event types carried on the hub's change feed.
const (
	TaskCreated = "task-created"
	TaskUpdated = "task-updated"
	TaskRemoved = "task-removed"
)

// TaskFields is the partial field set of a task-updated event. Nil
// fields are left unchanged.
type TaskFields struct {
	Title             *string `json:"title"`
	Description       *string `json:"description"`
	Status            *Status `json:"status"`
	ParentWorkspaceID *string `json:"parentWorkspaceId"`
	SharedTaskID      *string `json:"sharedTaskId"`
}

// ChangeEvent is one task mutation as published on the change feed.
// Data holds a full Task for task-created, a TaskFields for
// task-updated, and nothing for task-removed.
type ChangeEvent struct {
	ID        string                 `json:"id"`
	ProjectID string                 `json:"projectId"`
	TaskID    string                 `json:"taskId"`
	Type      string                 `json:"type"`
	Data      sonic.NoCopyRawMessage `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// Apply folds the partial field set into t.
func (f TaskFields) Apply(t *Task) {
	if f.Title != nil {
		t.Title = *f.Title
	}
	if f.Description != nil {
		t.Description = *f.Description
	}
	if f.Status != nil {
		t.Status = *f.Status
	}
	if f.ParentWorkspaceID != nil {
		t.ParentWorkspaceID = f.ParentWorkspaceID
	}
	if f.SharedTaskID != nil {
		t.SharedTaskID = f.SharedTaskID
	}
}
