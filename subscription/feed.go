// Package subscription turns the Redis change feed into patch batches
// for connected stream subscribers, keeping the collection cache in
// step along the way.
package subscription

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/mt21625457/taskstream/domain"
	"github.com/mt21625457/taskstream/internal/consts"
)

// Storage fetches the collection for a project when the cache is cold.
type Storage interface {
	FetchTasks(ctx context.Context, projectID string) (domain.Collection, error)
}

// Run listens for change events and broadcasts patch batches to
// subscribers. It reconnects to the pub/sub channel if it closes and
// returns only when ctx is cancelled.
func Run(
	ctx context.Context,
	logger *log.Logger,
	rc *redis.Client,
	store Storage,
	channel string,
	cacheTTL time.Duration,
	broadcast func(projectID string, data []byte),
) {
	for {
		sub := rc.Subscribe(ctx, channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				handleEvent(ctx, logger, rc, store, cacheTTL, broadcast, []byte(msg.Payload))
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("change feed channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}

func handleEvent(
	ctx context.Context,
	logger *log.Logger,
	rc *redis.Client,
	store Storage,
	cacheTTL time.Duration,
	broadcast func(projectID string, data []byte),
	payload []byte,
) {
	var ev domain.ChangeEvent
	if err := sonic.ConfigStd.Unmarshal(payload, &ev); err != nil {
		logger.Errorf("unable to parse change event: %v", err)
		return
	}
	if ev.ProjectID == "" || ev.TaskID == "" {
		logger.Warnf("change event %q missing project or task id", ev.ID)
		return
	}

	tasks, err := loadCollection(ctx, rc, store, ev.ProjectID)
	if err != nil {
		logger.Errorf("load collection for %s: %v", ev.ProjectID, err)
		return
	}

	op, ok := applyEvent(logger, tasks, ev)
	if !ok {
		return
	}

	if data, err := sonic.ConfigStd.Marshal(tasks); err != nil {
		logger.Errorf("marshal collection: %v", err)
	} else if err := rc.Set(ctx, consts.TasksKeyPrefix+ev.ProjectID, data, cacheTTL).Err(); err != nil {
		logger.Errorf("cache collection: %v", err)
	}

	data, err := domain.EncodeMessage(domain.Message{Patch: []domain.PatchOp{op}})
	if err != nil {
		logger.Errorf("encode patch message: %v", err)
		return
	}
	broadcast(ev.ProjectID, data)
}

// applyEvent folds one change event into the collection and returns
// the patch op describing it to subscribers.
func applyEvent(logger *log.Logger, tasks domain.Collection, ev domain.ChangeEvent) (domain.PatchOp, bool) {
	switch ev.Type {
	case domain.TaskCreated:
		var task domain.Task
		if err := sonic.ConfigStd.Unmarshal(ev.Data, &task); err != nil {
			logger.Errorf("parse %s: %v", domain.TaskCreated, err)
			return domain.PatchOp{}, false
		}
		task.ID = ev.TaskID
		task.ProjectID = ev.ProjectID
		if !task.Status.Valid() {
			task.Status = domain.StatusTodo
		}
		if task.CreatedAt.IsZero() {
			task.CreatedAt = time.Unix(0, ev.Timestamp).UTC()
		}
		task.UpdatedAt = time.Unix(0, ev.Timestamp).UTC()
		tasks[task.ID] = task
		return taskOp(logger, domain.OpAdd, task)

	case domain.TaskUpdated:
		task, ok := tasks[ev.TaskID]
		if !ok {
			logger.Warnf("%s for unknown task %s, ignoring", domain.TaskUpdated, ev.TaskID)
			return domain.PatchOp{}, false
		}
		var fields domain.TaskFields
		if err := sonic.ConfigStd.Unmarshal(ev.Data, &fields); err != nil {
			logger.Errorf("parse %s: %v", domain.TaskUpdated, err)
			return domain.PatchOp{}, false
		}
		fields.Apply(&task)
		task.UpdatedAt = time.Unix(0, ev.Timestamp).UTC()
		tasks[task.ID] = task
		return taskOp(logger, domain.OpReplace, task)

	case domain.TaskRemoved:
		if _, ok := tasks[ev.TaskID]; !ok {
			logger.Warnf("%s for unknown task %s, ignoring", domain.TaskRemoved, ev.TaskID)
			return domain.PatchOp{}, false
		}
		delete(tasks, ev.TaskID)
		return domain.PatchOp{Op: domain.OpRemove, Path: "/" + ev.TaskID}, true

	default:
		logger.Warnf("unknown change event type %q, ignoring", ev.Type)
		return domain.PatchOp{}, false
	}
}

func taskOp(logger *log.Logger, op string, task domain.Task) (domain.PatchOp, bool) {
	value, err := sonic.ConfigStd.Marshal(task)
	if err != nil {
		logger.Errorf("marshal task %s: %v", task.ID, err)
		return domain.PatchOp{}, false
	}
	return domain.PatchOp{Op: op, Path: "/" + task.ID, Value: value}, true
}

func loadCollection(ctx context.Context, rc *redis.Client, store Storage, projectID string) (domain.Collection, error) {
	data, err := rc.Get(ctx, consts.TasksKeyPrefix+projectID).Bytes()
	if err == nil {
		var tasks domain.Collection
		if uerr := sonic.ConfigStd.Unmarshal(data, &tasks); uerr == nil {
			return tasks, nil
		}
		_ = rc.Del(ctx, consts.TasksKeyPrefix+projectID).Err()
	}
	return store.FetchTasks(ctx, projectID)
}
