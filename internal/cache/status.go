package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entity names the kinds of status mirrors kept in the cache.
type Entity string

const (
	EntityTask    Entity = "task"
	EntitySubtask Entity = "subtask"
	EntityWorker  Entity = "worker"
)

func statusKey(entity Entity, id string) string {
	return "orchestrator:status:" + string(entity) + ":" + id
}

// SetStatus mirrors an entity's status with a TTL. Mirrors are advisory;
// the store is authoritative, so a lost mirror only costs a DB read.
func (c *Cache) SetStatus(ctx context.Context, entity Entity, id, value string, ttl time.Duration) error {
	err := c.guard(func() error {
		return c.client.Set(ctx, statusKey(entity, id), value, ttl).Err()
	})
	if err != nil {
		return wrapCache(err, "set %s status for %s", entity, id)
	}
	return nil
}

// GetStatus returns a mirrored status, or "" when no mirror exists.
func (c *Cache) GetStatus(ctx context.Context, entity Entity, id string) (string, error) {
	var val string
	err := c.guard(func() error {
		res, err := c.client.Get(ctx, statusKey(entity, id)).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		val = res
		return nil
	})
	if err != nil {
		return "", wrapCache(err, "get %s status for %s", entity, id)
	}
	return val, nil
}

// ClearStatus removes an entity's mirror, used on unregister/cancel.
func (c *Cache) ClearStatus(ctx context.Context, entity Entity, id string) error {
	err := c.guard(func() error {
		return c.client.Del(ctx, statusKey(entity, id)).Err()
	})
	if err != nil {
		return wrapCache(err, "clear %s status for %s", entity, id)
	}
	return nil
}

// GetManySubtaskStatuses fetches mirrors for many subtasks in one
// pipelined round trip. Missing mirrors are simply absent from the result.
func (c *Cache) GetManySubtaskStatuses(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	err := c.guard(func() error {
		pipe := c.client.Pipeline()
		cmds := make(map[string]*redis.StringCmd, len(ids))
		for _, id := range ids {
			cmds[id] = pipe.Get(ctx, statusKey(EntitySubtask, id))
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		for id, cmd := range cmds {
			val, err := cmd.Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return err
			}
			out[id] = val
		}
		return nil
	})
	if err != nil {
		return nil, wrapCache(err, "batch subtask status lookup")
	}
	return out, nil
}
