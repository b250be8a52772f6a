package api

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/mt21625457/taskstream/domain"
)

type mockStore struct {
	mu       sync.Mutex
	tasks    domain.Collection
	fetchErr error
	queueErr error
	queued   []domain.ChangeEvent
}

func (m *mockStore) FetchTasks(ctx context.Context, projectID string) (domain.Collection, error) {
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return m.tasks.Clone(), nil
}

func (m *mockStore) EnqueueMutation(ctx context.Context, ev domain.ChangeEvent) error {
	if m.queueErr != nil {
		return m.queueErr
	}
	m.mu.Lock()
	m.queued = append(m.queued, ev)
	m.mu.Unlock()
	return nil
}

func (m *mockStore) queuedEvents() []domain.ChangeEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ChangeEvent, len(m.queued))
	copy(out, m.queued)
	return out
}

type mockPublisher struct {
	mu        sync.Mutex
	err       error
	published []domain.ChangeEvent
}

func (m *mockPublisher) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	m.published = append(m.published, ev)
	m.mu.Unlock()
	return nil
}

func testTask(id string, status domain.Status) domain.Task {
	return domain.Task{ID: id, ProjectID: "p1", Title: "task " + id, Status: status}
}

func TestGetTasks(t *testing.T) {
	e := echo.New()
	store := &mockStore{tasks: domain.Collection{"t1": testTask("t1", domain.StatusTodo)}}
	req := httptest.NewRequest(http.MethodGet, "/api/tasks?project=p1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := getTasks(store)(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var resp tasksResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(resp.Tasks) != 1 || resp.Tasks["t1"].Title != "task t1" {
		t.Fatalf("unexpected tasks: %#v", resp.Tasks)
	}
}

func TestGetTasksMissingProject(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := getTasks(&mockStore{})(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func newPatchContext(e *echo.Echo, taskID, project, body string) (echo.Context, *httptest.ResponseRecorder) {
	target := "/api/tasks/" + taskID
	if project != "" {
		target += "?project=" + project
	}
	req := httptest.NewRequest(http.MethodPatch, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/api/tasks/:id")
	c.SetParamNames("id")
	c.SetParamValues(taskID)
	return c, rec
}

func TestPatchTaskAcceptsAndPublishes(t *testing.T) {
	e := echo.New()
	store := &mockStore{}
	pub := &mockPublisher{}
	logger, _ := test.NewNullLogger()

	c, rec := newPatchContext(e, "t1", "p1", `{"status":"done","title":"finished"}`)
	if err := patchTask(store, pub, logger)(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d: %s", rec.Code, rec.Body.String())
	}

	var resp patchTaskResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.IdempotencyKey == "" {
		t.Fatal("expected an idempotency key")
	}

	queued := store.queuedEvents()
	if len(queued) != 1 {
		t.Fatalf("expected one queued event, got %d", len(queued))
	}
	ev := queued[0]
	if ev.ID != resp.IdempotencyKey || ev.TaskID != "t1" || ev.ProjectID != "p1" || ev.Type != domain.TaskUpdated {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Timestamp == 0 {
		t.Fatal("expected a timestamp on the event")
	}
	var fields domain.TaskFields
	if err := sonic.ConfigStd.Unmarshal(ev.Data, &fields); err != nil {
		t.Fatalf("event data: %v", err)
	}
	if fields.Status == nil || *fields.Status != domain.StatusDone || fields.Title == nil || *fields.Title != "finished" {
		t.Fatalf("unexpected fields %+v", fields)
	}

	pub.mu.Lock()
	published := len(pub.published)
	pub.mu.Unlock()
	if published != 1 {
		t.Fatalf("expected one published event, got %d", published)
	}
}

func TestPatchTaskValidation(t *testing.T) {
	e := echo.New()
	logger, _ := test.NewNullLogger()
	handler := patchTask(&mockStore{}, &mockPublisher{}, logger)

	cases := []struct {
		name    string
		taskID  string
		project string
		body    string
	}{
		{"missing project", "t1", "", `{"status":"done"}`},
		{"invalid body", "t1", "p1", `{"status":`},
		{"unknown field", "t1", "p1", `{"bogus":true}`},
		{"invalid status", "t1", "p1", `{"status":"archived"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, rec := newPatchContext(e, tc.taskID, tc.project, tc.body)
			if err := handler(c); err != nil {
				t.Fatalf("handler returned error: %v", err)
			}
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400 got %d", rec.Code)
			}
		})
	}
}

func TestPatchTaskEnqueueFailure(t *testing.T) {
	e := echo.New()
	logger, _ := test.NewNullLogger()
	store := &mockStore{queueErr: errors.New("queue down")}

	c, rec := newPatchContext(e, "t1", "p1", `{"status":"done"}`)
	if err := patchTask(store, &mockPublisher{}, logger)(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d", rec.Code)
	}
}

func TestPatchTaskPublishFailureStillAccepted(t *testing.T) {
	e := echo.New()
	logger, hook := test.NewNullLogger()
	store := &mockStore{}
	pub := &mockPublisher{err: errors.New("redis down")}

	c, rec := newPatchContext(e, "t1", "p1", `{"status":"done"}`)
	if err := patchTask(store, pub, logger)(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	// The mutation is durable in the queue; a failed fan-out only warns.
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d", rec.Code)
	}
	warned := false
	for _, entry := range hook.AllEntries() {
		if entry.Level == log.WarnLevel {
			warned = true
		}
	}
	if !warned {
		t.Fatal("expected a warning about the failed publish")
	}
}

func TestStreamTasksSnapshotThenBroadcast(t *testing.T) {
	e := echo.New()
	store := &mockStore{tasks: domain.Collection{"t1": testTask("t1", domain.StatusTodo)}}
	broker := NewBroker()
	logger, _ := test.NewNullLogger()
	Register(e, store, broker, &mockPublisher{}, logger)

	srv := httptest.NewServer(e)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/stream?project=p1", nil)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() domain.Message {
		t.Helper()
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			msg, err := domain.DecodeMessage([]byte(payload))
			if err != nil {
				t.Fatalf("decode stream payload: %v", err)
			}
			return msg
		}
	}

	first := readEvent()
	if first.Snapshot == nil || len(first.Snapshot.Tasks) != 1 {
		t.Fatalf("expected initial snapshot, got %+v", first)
	}

	// Give the handler a moment to enter its select loop, then fan out
	// a patch through the broker.
	time.Sleep(50 * time.Millisecond)
	patch, err := domain.EncodeMessage(domain.Message{Patch: []domain.PatchOp{{Op: domain.OpRemove, Path: "/t1"}}})
	if err != nil {
		t.Fatalf("encode patch: %v", err)
	}
	broker.Broadcast("p1", patch)

	second := readEvent()
	if second.Patch == nil || len(second.Patch) != 1 || second.Patch[0].Op != domain.OpRemove {
		t.Fatalf("expected broadcast patch, got %+v", second)
	}
}

func TestStreamTasksMissingProject(t *testing.T) {
	e := echo.New()
	logger, _ := test.NewNullLogger()
	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := streamTasks(&mockStore{}, NewBroker(), logger)(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := healthz()(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
}
