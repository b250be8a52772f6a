package api

import (
	"context"

	"github.com/mt21625457/taskstream/domain"
)

// Storage abstracts persistence for handlers.
type Storage interface {
	FetchTasks(ctx context.Context, projectID string) (domain.Collection, error)
	EnqueueMutation(ctx context.Context, ev domain.ChangeEvent) error
}

// Publisher pushes change events onto the cross-instance feed.
type Publisher interface {
	Publish(ctx context.Context, ev domain.ChangeEvent) error
}
