// Package board holds the selection state a board UI needs: the
// active project and its subscription, the selected task, and the
// mutation path. It is an explicit context object with enumerated
// actions, created on app start and passed to handlers, not ambient
// global state.
package board

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/mt21625457/taskstream/domain"
	"github.com/mt21625457/taskstream/reconcile"
	"github.com/mt21625457/taskstream/rest"
	"github.com/mt21625457/taskstream/stream"
)

// Subscription is the read side of one project's stream, as produced
// by stream.Subscribe.
type Subscription interface {
	Tasks() domain.Collection
	Synced() bool
	Status() stream.Status
	Err() error
	Reconnect()
	Close()
}

// SubscribeFunc opens a subscription for a project.
type SubscribeFunc func(ctx context.Context, project string) (Subscription, error)

// Mutator is the write side: fire-and-forget task updates.
type Mutator interface {
	UpdateTask(ctx context.Context, projectID, taskID string, update rest.UpdateTaskRequest) error
}

// Board is safe for concurrent use.
type Board struct {
	subscribe SubscribeFunc
	mutator   Mutator
	logger    *log.Logger

	mu       sync.Mutex
	project  string
	selected string
	sub      Subscription
}

// New creates a Board with no active project.
func New(subscribe SubscribeFunc, mutator Mutator, logger *log.Logger) *Board {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Board{subscribe: subscribe, mutator: mutator, logger: logger}
}

// SelectProject switches the active project. The old subscription is
// torn down before the new one opens, so messages for the old project
// can never land in the new collection. Selecting the current project
// again is a no-op.
func (b *Board) SelectProject(ctx context.Context, project string) error {
	if project == "" {
		return errors.New("board: project is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if project == b.project {
		return nil
	}
	if b.sub != nil {
		b.sub.Close()
		b.sub = nil
	}
	b.project = ""
	b.selected = ""

	sub, err := b.subscribe(ctx, project)
	if err != nil {
		return fmt.Errorf("board: subscribe %q: %w", project, err)
	}
	b.project = project
	b.sub = sub
	b.logger.WithField("project", project).Debug("project selected")
	return nil
}

// ActiveProject returns the current project id, empty if none.
func (b *Board) ActiveProject() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.project
}

// SelectTask records the focused task. Selecting a task that is not
// in the collection is allowed; it may simply not have streamed in yet.
func (b *Board) SelectTask(taskID string) {
	b.mu.Lock()
	b.selected = taskID
	b.mu.Unlock()
}

// SelectedTask returns the focused task id, empty if none.
func (b *Board) SelectedTask() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.selected
}

// Columns returns the board columns for the active project, sorted
// newest-first within each column. With no active project every
// column is present and empty.
func (b *Board) Columns() map[domain.Status][]domain.Task {
	b.mu.Lock()
	sub := b.sub
	b.mu.Unlock()

	var tasks domain.Collection
	if sub != nil {
		tasks = sub.Tasks()
	}
	groups := reconcile.GroupByStatus(tasks)
	for _, group := range groups {
		reconcile.SortGroup(group)
	}
	return groups
}

// ConnectionStatus returns the transport state of the active
// subscription, StatusClosed when none is open.
func (b *Board) ConnectionStatus() (stream.Status, error) {
	b.mu.Lock()
	sub := b.sub
	b.mu.Unlock()
	if sub == nil {
		return stream.StatusClosed, nil
	}
	return sub.Status(), sub.Err()
}

// Reconnect triggers a manual retry on the active subscription.
func (b *Board) Reconnect() {
	b.mu.Lock()
	sub := b.sub
	b.mu.Unlock()
	if sub != nil {
		sub.Reconnect()
	}
}

// MoveTask is the drag-and-drop action: it requests the status change
// over REST and leaves the collection alone. The stream is the single
// source of truth, so the column change shows up when the next patch
// arrives.
func (b *Board) MoveTask(ctx context.Context, taskID string, status domain.Status) error {
	if !status.Valid() {
		return fmt.Errorf("board: invalid status %q", status)
	}
	return b.UpdateTask(ctx, taskID, rest.UpdateTaskRequest{Status: &status})
}

// UpdateTask requests an arbitrary partial update for a task in the
// active project.
func (b *Board) UpdateTask(ctx context.Context, taskID string, update rest.UpdateTaskRequest) error {
	b.mu.Lock()
	project := b.project
	b.mu.Unlock()
	if project == "" {
		return errors.New("board: no active project")
	}
	if err := b.mutator.UpdateTask(ctx, project, taskID, update); err != nil {
		return fmt.Errorf("board: update task %q: %w", taskID, err)
	}
	return nil
}

// Close tears down the active subscription.
func (b *Board) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		b.sub.Close()
		b.sub = nil
	}
	b.project = ""
	b.selected = ""
}
