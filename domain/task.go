package domain

import "time"

// Status is the workflow state of a task. It doubles as the board
// column key.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "inprogress"
	StatusInReview   Status = "inreview"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
)

// Statuses returns every status in board column order.
func Statuses() []Status {
	return []Status{StatusTodo, StatusInProgress, StatusInReview, StatusDone, StatusCancelled}
}

// Valid reports whether s is one of the five known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusInReview, StatusDone, StatusCancelled:
		return true
	}
	return false
}

// Task represents a single board item in the read model.
type Task struct {
	ID                string    `json:"id"`
	ProjectID         string    `json:"projectId"`
	Title             string    `json:"title"`
	Description       string    `json:"description,omitempty"`
	Status            Status    `json:"status"`
	ParentWorkspaceID *string   `json:"parentWorkspaceId,omitempty"`
	SharedTaskID      *string   `json:"sharedTaskId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Collection maps task ids to tasks. It is the reconciler's
// authoritative state for one subscription.
type Collection map[string]Task

// Clone returns an independent copy of the collection.
func (c Collection) Clone() Collection {
	out := make(Collection, len(c))
	for id, t := range c {
		out[id] = t
	}
	return out
}
