// Package storage provides access to underlying persistence
// mechanisms: the task table read model and the mutation queue.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"github.com/mt21625457/taskstream/domain"
)

// Storage reads the task read model and enqueues mutations for the
// downstream processor that owns the table writes.
type Storage struct {
	taskTable     *aztables.Client
	mutationQueue *azqueue.QueueClient
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable, mutationQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	tt := svc.NewClient(tasksTable)
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	mq, err := azqueue.NewQueueClientFromConnectionString(connStr, mutationQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{taskTable: tt, mutationQueue: mq}, nil
}

type taskEntity struct {
	aztables.Entity
	Title             string `json:"Title"`
	Description       string `json:"Description"`
	Status            string `json:"Status"`
	ParentWorkspaceID string `json:"ParentWorkspaceId"`
	SharedTaskID      string `json:"SharedTaskId"`
	CreatedAt         string `json:"CreatedAt"`
	UpdatedAt         string `json:"UpdatedAt"`
}

func (e taskEntity) toTask() domain.Task {
	t := domain.Task{
		ID:          e.RowKey,
		ProjectID:   e.PartitionKey,
		Title:       e.Title,
		Description: e.Description,
		Status:      domain.Status(e.Status),
	}
	if e.ParentWorkspaceID != "" {
		v := e.ParentWorkspaceID
		t.ParentWorkspaceID = &v
	}
	if e.SharedTaskID != "" {
		v := e.SharedTaskID
		t.SharedTaskID = &v
	}
	if ts, err := time.Parse(time.RFC3339, e.CreatedAt); err == nil {
		t.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339, e.UpdatedAt); err == nil {
		t.UpdatedAt = ts
	}
	return t
}

// FetchTasks retrieves the full collection for the provided project.
func (s *Storage) FetchTasks(ctx context.Context, projectID string) (domain.Collection, error) {
	filter := "PartitionKey eq '" + projectID + "'"
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := domain.Collection{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			t := ent.toTask()
			tasks[t.ID] = t
		}
	}
	return tasks, nil
}

// EnqueueMutation sends a change event to the mutation queue for the
// table writer.
func (s *Storage) EnqueueMutation(ctx context.Context, ev domain.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.mutationQueue.EnqueueMessage(ctx, string(data), nil)
	return err
}
