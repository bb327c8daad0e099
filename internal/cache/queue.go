package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pendingQueueKey  = "orchestrator:queue:pending"
	inProgressSetKey = "orchestrator:inprogress"

	// requeueScript moves a subtask from the in-progress set back to the
	// pending queue tail in one server round trip, closing the window
	// where the subtask is counted in neither (or both) structures.
	requeueScript = `
redis.call("srem", KEYS[1], ARGV[1])
redis.call("rpush", KEYS[2], ARGV[1])
return redis.call("llen", KEYS[2])
`

	// bindScript is the inverse: remove from the pending queue, add to
	// the in-progress set.
	bindScript = `
redis.call("lrem", KEYS[1], 0, ARGV[1])
return redis.call("sadd", KEYS[2], ARGV[1])
`

	// drainScript atomically pops every mailbox entry and deletes the key.
	drainScript = `
local entries = redis.call("lrange", KEYS[1], 0, -1)
redis.call("del", KEYS[1])
return entries
`
)

// PushPending appends a subtask id to the global FIFO pending queue.
func (c *Cache) PushPending(ctx context.Context, subtaskID string) error {
	err := c.guard(func() error {
		return c.client.RPush(ctx, pendingQueueKey, subtaskID).Err()
	})
	if err != nil {
		return wrapCache(err, "push pending %s", subtaskID)
	}
	return nil
}

// PopPending removes and returns the head of the pending queue, or ""
// when the queue is empty.
func (c *Cache) PopPending(ctx context.Context) (string, error) {
	var id string
	err := c.guard(func() error {
		res, err := c.client.LPop(ctx, pendingQueueKey).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		id = res
		return nil
	})
	if err != nil {
		return "", wrapCache(err, "pop pending")
	}
	return id, nil
}

// PendingLength returns the current depth of the pending queue.
func (c *Cache) PendingLength(ctx context.Context) (int64, error) {
	var n int64
	err := c.guard(func() error {
		var err error
		n, err = c.client.LLen(ctx, pendingQueueKey).Result()
		return err
	})
	if err != nil {
		return 0, wrapCache(err, "pending length")
	}
	return n, nil
}

// RequeueAtomic removes subtaskID from the in-progress set and pushes it
// to the pending queue tail in a single server-side script, so the
// advisory in-progress count never double-counts a requeued subtask.
func (c *Cache) RequeueAtomic(ctx context.Context, subtaskID string) error {
	err := c.guard(func() error {
		_, err := c.evalSha(ctx, c.requeueSHA, requeueScript,
			[]string{inProgressSetKey, pendingQueueKey}, subtaskID)
		return err
	})
	if err != nil {
		return wrapCache(err, "requeue %s", subtaskID)
	}
	return nil
}

// BindAtomic moves subtaskID from the pending queue into the in-progress
// set, the cache half of an allocation bind.
func (c *Cache) BindAtomic(ctx context.Context, subtaskID string) error {
	err := c.guard(func() error {
		_, err := c.evalSha(ctx, c.bindSHA, bindScript,
			[]string{pendingQueueKey, inProgressSetKey}, subtaskID)
		return err
	})
	if err != nil {
		return wrapCache(err, "bind %s", subtaskID)
	}
	return nil
}

// RemoveInProgress drops a subtask from the in-progress set after a
// terminal outcome or cancellation.
func (c *Cache) RemoveInProgress(ctx context.Context, subtaskID string) error {
	err := c.guard(func() error {
		return c.client.SRem(ctx, inProgressSetKey, subtaskID).Err()
	})
	if err != nil {
		return wrapCache(err, "remove in-progress %s", subtaskID)
	}
	return nil
}

// RemovePending drops a subtask from the pending queue (task cancellation).
func (c *Cache) RemovePending(ctx context.Context, subtaskID string) error {
	err := c.guard(func() error {
		return c.client.LRem(ctx, pendingQueueKey, 0, subtaskID).Err()
	})
	if err != nil {
		return wrapCache(err, "remove pending %s", subtaskID)
	}
	return nil
}

// InProgressCount returns the advisory in-progress counter. The DB is the
// source of truth; the scheduler cross-checks this against its own count.
func (c *Cache) InProgressCount(ctx context.Context) (int64, error) {
	var n int64
	err := c.guard(func() error {
		var err error
		n, err = c.client.SCard(ctx, inProgressSetKey).Result()
		return err
	})
	if err != nil {
		return 0, wrapCache(err, "in-progress count")
	}
	return n, nil
}

// PushMailbox appends a serialized event to a client's mailbox list and
// refreshes its TTL, bridging brief disconnections.
func (c *Cache) PushMailbox(ctx context.Context, clientID string, payload []byte, ttl time.Duration) error {
	key := mailboxKey(clientID)
	err := c.guard(func() error {
		pipe := c.client.Pipeline()
		pipe.RPush(ctx, key, payload)
		pipe.Expire(ctx, key, ttl)
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return wrapCache(err, "push mailbox for client %s", clientID)
	}
	return nil
}

// DrainMailbox atomically pops all mailbox entries and deletes the key,
// so a reconnecting client receives each buffered event exactly once.
func (c *Cache) DrainMailbox(ctx context.Context, clientID string) ([][]byte, error) {
	key := mailboxKey(clientID)
	var out [][]byte
	err := c.guard(func() error {
		res, err := c.evalSha(ctx, c.drainSHA, drainScript, []string{key})
		if err != nil {
			return err
		}
		entries, ok := res.([]any)
		if !ok {
			return nil
		}
		for _, e := range entries {
			if s, ok := e.(string); ok {
				out = append(out, []byte(s))
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapCache(err, "drain mailbox for client %s", clientID)
	}
	return out, nil
}

func mailboxKey(clientID string) string {
	return "client:" + clientID
}
