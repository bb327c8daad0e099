// Package coordination elects a single leader replica to run the
// scheduler loop, health checker and checkpoint timeout sweep: a
// lease-with-TTL loop over the shared cache, fencing epochs, step-down
// after repeated renew failures, and a janitor that reclaims stale or
// fenced-out locks.
package coordination

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/orchestrator/internal/cache"
	"github.com/taskmesh/orchestrator/internal/metrics"
)

const (
	leaderLockKey = "orchestrator:lock:leader"
	epochKey      = "orchestrator:epoch:leader"
)

// LockMetadata is the JSON lease value, carrying enough for the janitor
// to fence stale holders.
type LockMetadata struct {
	OwnerReplica string    `json:"owner_replica"`
	Epoch        int64     `json:"epoch"`
	LeaseID      string    `json:"lease_id"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// LeaderElector runs the acquire/renew loop for one replica.
type LeaderElector struct {
	cache     *cache.Cache
	replicaID string
	ttl       time.Duration

	mu           sync.RWMutex
	isLeader     bool
	currentValue string
	currentEpoch int64
	leaderCancel context.CancelFunc
	transitions  int64

	onElected func(ctx context.Context)
	onLost    func()
}

// State is the elector's observable snapshot.
type State struct {
	IsLeader     bool   `json:"is_leader"`
	CurrentEpoch int64  `json:"current_epoch"`
	Transitions  int64  `json:"transitions"`
	ReplicaID    string `json:"replica_id"`
}

func NewLeaderElector(c *cache.Cache, replicaID string, ttl time.Duration) *LeaderElector {
	return &LeaderElector{cache: c, replicaID: replicaID, ttl: ttl}
}

// SetCallbacks installs the leadership transition hooks. onElected
// receives a context cancelled when leadership is lost, so everything
// the leader starts dies with the lease.
func (l *LeaderElector) SetCallbacks(onElected func(ctx context.Context), onLost func()) {
	l.onElected = onElected
	l.onLost = onLost
}

func (l *LeaderElector) Start(ctx context.Context) {
	go l.loop(ctx)
}

func (l *LeaderElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

func (l *LeaderElector) GetState() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return State{
		IsLeader:     l.isLeader,
		CurrentEpoch: l.currentEpoch,
		Transitions:  l.transitions,
		ReplicaID:    l.replicaID,
	}
}

func (l *LeaderElector) loop(ctx context.Context) {
	minInterval := l.ttl / 3
	maxInterval := 10 * l.ttl
	interval := minInterval

	renewFailures := 0
	const maxRenewFailures = 3

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if l.IsLeader() {
				l.release()
				l.stepDown()
			}
			return
		case <-timer.C:
			var err error
			if l.IsLeader() {
				var renewed bool
				renewed, err = l.renew(ctx)
				if err == nil {
					renewFailures = 0
					if !renewed {
						l.stepDown()
					}
				} else {
					renewFailures++
					log.Printf("coordination: lease renew failed (%d/%d): %v", renewFailures, maxRenewFailures, err)
					if renewFailures >= maxRenewFailures {
						log.Printf("coordination: too many renew failures, stepping down")
						l.stepDown()
						renewFailures = 0
					}
				}
			} else {
				var acquired bool
				acquired, err = l.acquire(ctx)
				if err == nil && acquired {
					l.becomeLeader()
					renewFailures = 0
				}
			}

			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
			} else {
				interval = minInterval
			}
			timer.Reset(interval)
		}
	}
}

func (l *LeaderElector) acquire(ctx context.Context) (bool, error) {
	// The epoch counter outlives any single lease, so a holder fenced
	// out by the janitor can never reclaim with a stale token.
	epoch, err := l.cache.Increment(ctx, epochKey)
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	l.currentEpoch = epoch
	l.mu.Unlock()

	meta := LockMetadata{
		OwnerReplica: l.replicaID,
		Epoch:        epoch,
		LeaseID:      uuid.NewString(),
		CreatedAt:    time.Now(),
		ExpiresAt:    time.Now().Add(l.ttl),
	}
	valBytes, _ := json.Marshal(meta)
	val := string(valBytes)

	acquired, err := l.cache.AcquireLock(ctx, leaderLockKey, val, l.ttl)
	if err != nil {
		return false, err
	}
	if acquired {
		l.mu.Lock()
		l.currentValue = val
		l.mu.Unlock()
	}
	return acquired, nil
}

func (l *LeaderElector) renew(ctx context.Context) (bool, error) {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()
	if val == "" {
		return false, nil
	}
	return l.cache.RenewLock(ctx, leaderLockKey, val, l.ttl)
}

func (l *LeaderElector) release() {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()
	if val == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = l.cache.ReleaseLock(ctx, leaderLockKey, val)
}

func (l *LeaderElector) becomeLeader() {
	l.mu.Lock()
	l.isLeader = true
	l.transitions++
	ctx, cancel := context.WithCancel(context.Background())
	l.leaderCancel = cancel
	epoch := l.currentEpoch
	l.mu.Unlock()

	log.Printf("coordination: replica %s acquired leadership (epoch %d)", l.replicaID, epoch)
	metrics.LeaderStatus.Set(1)
	metrics.LeaderEpoch.WithLabelValues(l.replicaID).Set(float64(epoch))
	metrics.LeaderTransitions.WithLabelValues(l.replicaID, "acquired").Inc()

	if l.onElected != nil {
		go l.onElected(ctx)
	}
}

func (l *LeaderElector) stepDown() {
	l.mu.Lock()
	if !l.isLeader {
		l.mu.Unlock()
		return
	}
	l.isLeader = false
	l.transitions++
	if l.leaderCancel != nil {
		l.leaderCancel()
	}
	l.mu.Unlock()

	log.Printf("coordination: replica %s lost leadership", l.replicaID)
	metrics.LeaderStatus.Set(0)
	metrics.LeaderTransitions.WithLabelValues(l.replicaID, "lost").Inc()

	if l.onLost != nil {
		l.onLost()
	}
}
