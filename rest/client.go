// Package rest is the mutation side of the board: task updates go out
// as REST requests and their effects come back over the stream. The
// client never touches the local collection, so there is nothing to
// roll back when a request fails.
package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/bytedance/sonic"

	"github.com/mt21625457/taskstream/domain"
)

// UpdateTaskRequest carries a partial field set. Nil fields are left
// unchanged by the hub.
type UpdateTaskRequest struct {
	Title             *string        `json:"title,omitempty"`
	Description       *string        `json:"description,omitempty"`
	Status            *domain.Status `json:"status,omitempty"`
	ParentWorkspaceID *string        `json:"parentWorkspaceId,omitempty"`
	SharedTaskID      *string        `json:"sharedTaskId,omitempty"`
}

// StatusError reports a non-2xx response. Surfaced to the caller for
// user-visible error reporting.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("task update failed with status %d: %s", e.Code, e.Body)
}

// Client wraps http.Client with the task mutation endpoint.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New creates a Client for the given hub address.
func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTP: &http.Client{}}
}

// UpdateTask issues a PATCH for one task. Updates are idempotent per
// task id on the hub side; success only means the mutation was
// accepted, the updated record arrives via the stream.
func (c *Client) UpdateTask(ctx context.Context, projectID, taskID string, update UpdateTaskRequest) error {
	if projectID == "" || taskID == "" {
		return fmt.Errorf("project and task ids are required")
	}
	body, err := sonic.ConfigStd.Marshal(update)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	target := c.BaseURL + "/api/tasks/" + url.PathEscape(taskID) + "?project=" + url.QueryEscape(projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}
