package api

import (
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/mt21625457/taskstream/domain"
)

// Register wires up all hub routes on the provided Echo instance.
func Register(e *echo.Echo, store Storage, broker *Broker, pub Publisher, logger *log.Logger) {
	e.GET("/stream", streamTasks(store, broker, logger))
	e.GET("/api/tasks", getTasks(store))
	e.PATCH("/api/tasks/:id", patchTask(store, pub, logger))
	e.GET("/healthz", healthz())
}

type tasksResponse struct {
	Tasks domain.Collection `json:"tasks"`
}

type patchTaskResponse struct {
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	Error          string `json:"error,omitempty"`
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// streamTasks serves one subscriber: an initial Snapshot message for
// the requested project, then every patch batch the broker fans out,
// as server-sent events.
func streamTasks(store Storage, broker *Broker, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		projectID := c.QueryParam("project")
		if projectID == "" {
			return c.String(http.StatusBadRequest, "missing project")
		}
		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		ctx := c.Request().Context()

		// Subscribe before fetching so no patch published between the
		// snapshot read and the first select is lost.
		ch := broker.Subscribe(projectID)
		defer broker.Unsubscribe(projectID, ch)

		tasks, err := store.FetchTasks(ctx, projectID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		snapshot, err := domain.EncodeMessage(domain.Message{
			Snapshot: &domain.Snapshot{Tasks: tasks, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)},
		})
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		if err := writeEvent(c.Response(), snapshot); err != nil {
			return nil
		}
		flusher.Flush()

		for {
			select {
			case <-ctx.Done():
				return nil
			case data := <-ch:
				if err := writeEvent(c.Response(), data); err != nil {
					return nil
				}
				flusher.Flush()
			}
		}
	}
}

func writeEvent(w io.Writer, data []byte) error {
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\n\n"))
	return err
}

func getTasks(store Storage) echo.HandlerFunc {
	return func(c echo.Context) error {
		projectID := c.QueryParam("project")
		if projectID == "" {
			return c.String(http.StatusBadRequest, "missing project")
		}
		tasks, err := store.FetchTasks(c.Request().Context(), projectID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, tasksResponse{Tasks: tasks})
	}
}

// patchTask accepts a partial task update, queues it for the table
// writer and publishes it on the change feed. The response only
// acknowledges acceptance; the updated record reaches clients over
// the stream.
func patchTask(store Storage, pub Publisher, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newMutationMetrics(ctx, logger)
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		taskID := c.Param("id")
		projectID := c.QueryParam("project")
		if taskID == "" || projectID == "" {
			metrics.SetErrorStage("missing_ids")
			err = c.String(http.StatusBadRequest, "missing task or project id")
			return err
		}

		decodeStart := time.Now()
		lr := io.LimitReader(c.Request().Body, patchTaskMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()
		var fields domain.TaskFields
		if derr := dec.Decode(&fields); derr != nil {
			metrics.SetErrorStage("decode_body")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}
		metrics.ObserveDecode(time.Since(decodeStart))
		if fields.Status != nil && !fields.Status.Valid() {
			metrics.SetErrorStage("invalid_status")
			err = c.String(http.StatusBadRequest, "invalid status")
			return err
		}

		data, merr := sonic.ConfigStd.Marshal(fields)
		if merr != nil {
			metrics.SetErrorStage("encode_event")
			err = c.String(http.StatusInternalServerError, merr.Error())
			return err
		}
		ev := domain.ChangeEvent{
			ID:        uuid.NewString(),
			ProjectID: projectID,
			TaskID:    taskID,
			Type:      domain.TaskUpdated,
			Data:      data,
			Timestamp: nextTimestamp(),
		}

		enqueueStart := time.Now()
		if eerr := store.EnqueueMutation(ctx, ev); eerr != nil {
			metrics.SetErrorStage("enqueue")
			c.Logger().Errorf("enqueue mutation: %v", eerr)
			err = c.JSON(http.StatusInternalServerError, patchTaskResponse{Error: "failed to enqueue mutation"})
			return err
		}
		metrics.ObserveEnqueue(time.Since(enqueueStart))

		publishStart := time.Now()
		if perr := pub.Publish(ctx, ev); perr != nil {
			// The mutation is durable in the queue; subscribers catch
			// up from a fresh snapshot on their next reconnect.
			metrics.SetErrorStage("publish")
			logger.WithFields(log.Fields{"task": taskID, "project": projectID}).Warnf("publish change event: %v", perr)
		}
		metrics.ObservePublish(time.Since(publishStart))

		err = c.JSON(http.StatusAccepted, patchTaskResponse{IdempotencyKey: ev.ID})
		return err
	}
}
