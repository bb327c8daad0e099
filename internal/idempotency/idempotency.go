// Package idempotency deduplicates replayed worker result reports: a
// cache-backed record with a transparent in-process fallback when no
// backend is configured.
package idempotency

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Record is the remembered outcome of a previously processed report.
type Record struct {
	SubtaskID string         `json:"subtask_id"`
	Status    string         `json:"status"`
	Output    map[string]any `json:"output,omitempty"`
}

// Backend is the cache contract: SetNX-style write plus read.
type Backend interface {
	SetIdempotent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)
}

const recordTTL = 24 * time.Hour

// Store remembers processed report keys.
type Store struct {
	backend Backend
	cache   sync.Map // fallback: key -> entry
}

type entry struct {
	rec       Record
	timestamp time.Time
}

func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Begin claims a key for processing. It returns (nil, true) when this
// caller won the claim, or the prior record when the key was already
// processed. A claim that loses but finds no readable record is treated
// as fresh: reprocessing is safe because every downstream write is
// version-guarded.
func (s *Store) Begin(ctx context.Context, key string, rec Record) (*Record, bool) {
	payload, _ := json.Marshal(rec)

	if s.backend != nil {
		won, err := s.backend.SetIdempotent(ctx, key, payload, recordTTL)
		if err != nil {
			log.Printf("idempotency: backend error for %s, proceeding uncached: %v", key, err)
			return nil, true
		}
		if won {
			return nil, true
		}
		raw, found, err := s.backend.Get(ctx, key)
		if err != nil || !found {
			return nil, true
		}
		var prior Record
		if err := json.Unmarshal(raw, &prior); err != nil {
			return nil, true
		}
		return &prior, false
	}

	if val, loaded := s.cache.LoadOrStore(key, entry{rec: rec, timestamp: time.Now()}); loaded {
		e := val.(entry)
		if time.Since(e.timestamp) > recordTTL {
			s.cache.Store(key, entry{rec: rec, timestamp: time.Now()})
			return nil, true
		}
		return &e.rec, false
	}
	return nil, true
}
