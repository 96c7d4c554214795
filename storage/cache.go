package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"tasksync/domain"
)

var (
	errCacheDisabled = errors.New("cache disabled")
	errStaleList     = errors.New("list evicted while loading")
)

// Cache wraps a Storage with a Redis-backed cache of task lists. Any write
// evicts the list of the scope it touched.
type Cache struct {
	Storage
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base Storage, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{Storage: base, redis: client, ttl: ttl}
}

func (c *Cache) ListTasks(ctx context.Context, scope domain.OwnerScope) ([]domain.Task, error) {
	if tasks, ok := c.load(ctx, scope); ok {
		return tasks, nil
	}
	gen, genErr := c.generation(ctx, scope)
	tasks, err := c.Storage.ListTasks(ctx, scope)
	if err != nil {
		return nil, err
	}
	if genErr == nil {
		c.store(ctx, scope, gen, tasks)
	}
	return tasks, nil
}

func (c *Cache) CreateTask(ctx context.Context, scope domain.OwnerScope, in domain.NewTask) (domain.Task, error) {
	task, err := c.Storage.CreateTask(ctx, scope, in)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, scope)
	return task, nil
}

func (c *Cache) UpdateTask(ctx context.Context, id string, scope domain.OwnerScope, patch domain.TaskPatch) (int64, error) {
	n, err := c.Storage.UpdateTask(ctx, id, scope, patch)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.evict(ctx, scope)
	}
	return n, nil
}

func (c *Cache) DeleteTask(ctx context.Context, id string, scope domain.OwnerScope) (int64, error) {
	n, err := c.Storage.DeleteTask(ctx, id, scope)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.evict(ctx, scope)
	}
	return n, nil
}

// Invalidate drops the cached list for scope. The broadcaster calls it for
// changes reported by a feed rather than by this process.
func (c *Cache) Invalidate(ctx context.Context, scope domain.OwnerScope) {
	c.evict(ctx, scope)
}

func (c *Cache) load(ctx context.Context, scope domain.OwnerScope) ([]domain.Task, bool) {
	if c.redis == nil || c.ttl == 0 {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(scope)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, tasksCacheKey(scope)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(scope)).Err()
		return nil, false
	}
	return tasks, true
}

// generation returns the eviction counter of scope. A list read from the
// backend is only cached while the counter still holds this value.
func (c *Cache) generation(ctx context.Context, scope domain.OwnerScope) (string, error) {
	if c.redis == nil || c.ttl == 0 {
		return "", errCacheDisabled
	}
	gen, err := c.redis.Get(ctx, generationKey(scope)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return gen, err
}

func (c *Cache) store(ctx context.Context, scope domain.OwnerScope, gen string, tasks []domain.Task) {
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	genKey := generationKey(scope)
	// a failed or conflicting transaction just leaves the list uncached
	_ = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if cur != gen {
			return errStaleList
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, tasksCacheKey(scope), data, c.ttl)
			return nil
		})
		return err
	}, genKey)
}

// evict bumps the generation before dropping the list so a reader that
// loaded the backend earlier cannot put its result back.
func (c *Cache) evict(ctx context.Context, scope domain.OwnerScope) {
	if c.redis == nil {
		return
	}
	genKey := generationKey(scope)
	_, _ = c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, c.generationTTL())
		pipe.Del(ctx, tasksCacheKey(scope))
		return nil
	})
}

// generationTTL outlives any list cached under the previous generation.
func (c *Cache) generationTTL() time.Duration {
	if c.ttl <= 0 {
		return time.Hour
	}
	return 2 * c.ttl
}

func tasksCacheKey(scope domain.OwnerScope) string {
	return "tasks:" + scope.Key()
}

func generationKey(scope domain.OwnerScope) string {
	return "tasks:gen:" + scope.Key()
}
