package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/mt21625457/taskstream/domain"
	"github.com/mt21625457/taskstream/internal/consts"
)

type backend interface {
	FetchTasks(ctx context.Context, projectID string) (domain.Collection, error)
	EnqueueMutation(ctx context.Context, ev domain.ChangeEvent) error
}

// Cache wraps a Storage instance with Redis-backed caching of the
// per-project collection. It shares its cache keys with the change
// feed, which refreshes them as events flow through.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Storage wrapper using the provided Redis
// client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) FetchTasks(ctx context.Context, projectID string) (domain.Collection, error) {
	if tasks, ok := c.loadFromCache(ctx, projectID); ok {
		return tasks, nil
	}
	tasks, err := c.base.FetchTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, projectID, tasks)
	return tasks, nil
}

func (c *Cache) EnqueueMutation(ctx context.Context, ev domain.ChangeEvent) error {
	return c.base.EnqueueMutation(ctx, ev)
}

func (c *Cache) loadFromCache(ctx context.Context, projectID string) (domain.Collection, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(projectID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, tasksCacheKey(projectID)).Err()
		}
		return nil, false
	}
	var tasks domain.Collection
	if err := sonic.ConfigStd.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(projectID)).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) store(ctx context.Context, projectID string, tasks domain.Collection) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.ConfigStd.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, tasksCacheKey(projectID), data, c.ttl).Err()
}

// Evict drops the cached collection for a project.
func (c *Cache) Evict(ctx context.Context, projectID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, tasksCacheKey(projectID)).Err()
}

func tasksCacheKey(projectID string) string {
	return consts.TasksKeyPrefix + projectID
}
