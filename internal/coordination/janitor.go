package coordination

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/taskmesh/orchestrator/internal/cache"
)

// LockJanitor sweeps orchestrator locks for stale or fenced-out leases
// and force-releases them, so a crashed leader's lock never outlives its
// lease by more than one sweep.
type LockJanitor struct {
	cache    *cache.Cache
	interval time.Duration
}

func NewLockJanitor(c *cache.Cache, interval time.Duration) *LockJanitor {
	return &LockJanitor{cache: c, interval: interval}
}

func (j *LockJanitor) Start(ctx context.Context) {
	go j.loop(ctx)
}

func (j *LockJanitor) loop(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.clean(ctx)
		}
	}
}

func (j *LockJanitor) clean(ctx context.Context) {
	epochRaw, found, err := j.cache.Get(ctx, epochKey)
	if err != nil {
		log.Printf("janitor: epoch read failed: %v", err)
		return
	}
	var currentEpoch int64
	if found {
		_ = json.Unmarshal(epochRaw, &currentEpoch)
	}

	keys, err := j.cache.ScanLocks(ctx, "orchestrator:lock:*")
	if err != nil {
		log.Printf("janitor: scan failed: %v", err)
		return
	}

	for _, key := range keys {
		if strings.HasSuffix(key, ":epoch") {
			continue
		}
		val, err := j.cache.GetLockOwner(ctx, key)
		if err != nil || val == "" {
			continue
		}
		var meta LockMetadata
		if err := json.Unmarshal([]byte(val), &meta); err != nil {
			log.Printf("janitor: unparseable lock %s: %v", key, err)
			continue
		}

		if currentEpoch > 0 && meta.Epoch < currentEpoch {
			log.Printf("janitor: fencing lock %s (epoch %d < current %d)", key, meta.Epoch, currentEpoch)
			if err := j.cache.ReleaseLock(ctx, key, val); err != nil {
				log.Printf("janitor: release fenced lock %s: %v", key, err)
			}
			continue
		}

		if time.Now().After(meta.ExpiresAt.Add(5 * time.Second)) {
			log.Printf("janitor: reclaiming stale lock %s (expired %s)", key, meta.ExpiresAt)
			if err := j.cache.ReleaseLock(ctx, key, val); err != nil {
				log.Printf("janitor: release stale lock %s: %v", key, err)
			}
		}
	}
}
