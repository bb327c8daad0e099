// Package eventbus fans per-task events out to local consumers on every
// replica, bridging replicas over the shared cache's pub/sub. Each
// replica keeps a per-task subscription refcount: the first local
// subscriber opens the shared subscription, the last one closes it. The
// Publisher boundary lets local/dev wiring swap in a logging publisher.
package eventbus

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/taskmesh/orchestrator/internal/cache"
	"github.com/taskmesh/orchestrator/internal/metrics"
)

// EventType is the closed set of envelope types the bus carries. The bus
// never interprets Data.
type EventType string

const (
	EventLog               EventType = "log"
	EventStatus            EventType = "status"
	EventProgress          EventType = "progress"
	EventSubtaskQueued     EventType = "subtask_queued"
	EventSubtaskAllocated  EventType = "subtask_allocated"
	EventSubtaskCompleted  EventType = "subtask_completed"
	EventCheckpointCreated EventType = "checkpoint_created"
	EventWorkerOffline     EventType = "worker_offline"
	EventTaskCancelled     EventType = "task_cancelled"
	EventTaskCompleted     EventType = "task_completed"
	EventTaskFailed        EventType = "task_failed"
)

// Envelope is the wire format for every bus message.
type Envelope struct {
	Type      EventType      `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher is the outbound half of the bus contract.
type Publisher interface {
	Publish(ctx context.Context, taskID string, env Envelope) error
}

// Consumer receives a task's events on a buffered channel. A consumer
// that falls behind loses events rather than blocking the bus; the
// mailbox replay on reconnect covers brief gaps.
type Consumer struct {
	TaskID   string
	ClientID string
	C        chan Envelope
}

const consumerBuffer = 64

// channelName is the cross-replica pub/sub channel for one task.
func channelName(taskID string) string {
	return "task:" + taskID
}

// taskSub is one task's local subscription bookkeeping: the shared
// cache-level subscription plus every local consumer fanned out from it.
type taskSub struct {
	consumers map[*Consumer]struct{}
	cancel    context.CancelFunc
}

// Bus is the per-replica subscription manager.
type Bus struct {
	cache      *cache.Cache
	mailboxTTL time.Duration

	mu   sync.Mutex
	subs map[string]*taskSub
	// knownClients remembers every client that subscribed to a task so
	// publishes can copy events into their mailboxes while they are
	// disconnected. Mailbox TTL bounds how long a gone-forever client
	// costs us; the entry itself is dropped once its mailbox would have
	// expired.
	knownClients map[string]map[string]time.Time
}

func New(c *cache.Cache, mailboxTTL time.Duration) *Bus {
	if mailboxTTL <= 0 {
		mailboxTTL = time.Hour
	}
	return &Bus{
		cache:        c,
		mailboxTTL:   mailboxTTL,
		subs:         make(map[string]*taskSub),
		knownClients: make(map[string]map[string]time.Time),
	}
}

// Publish sends an envelope to every subscriber of the task across all
// replicas, and copies it into each known client's mailbox so a briefly
// disconnected client can replay it on reconnect. Publish is best-effort:
// a failed publish is logged and counted, never propagated into the
// domain operation that produced the event.
func (b *Bus) Publish(ctx context.Context, taskID string, env Envelope) error {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}

	if _, err := b.cache.Publish(ctx, channelName(taskID), payload); err != nil {
		metrics.EventPublishFailures.WithLabelValues(string(env.Type), "publish").Inc()
		log.Printf("eventbus: publish %s for task %s failed: %v", env.Type, taskID, err)
	}

	for _, clientID := range b.clientsFor(taskID) {
		if err := b.cache.PushMailbox(ctx, clientID, payload, b.mailboxTTL); err != nil {
			metrics.EventPublishFailures.WithLabelValues(string(env.Type), "mailbox").Inc()
		}
	}
	return nil
}

func (b *Bus) clientsFor(taskID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	clients := b.knownClients[taskID]
	now := time.Now()
	var out []string
	for id, seen := range clients {
		if now.Sub(seen) > b.mailboxTTL {
			delete(clients, id)
			continue
		}
		out = append(out, id)
	}
	return out
}

// Subscribe registers a local consumer for a task's events. The first
// local subscriber opens the shared cache subscription; later ones share
// it. Before subscribing, the client's mailbox is drained atomically and
// replayed, guaranteeing no gap across a single reconnect.
func (b *Bus) Subscribe(ctx context.Context, taskID, clientID string) (*Consumer, error) {
	buffered, err := b.cache.DrainMailbox(ctx, clientID)
	if err != nil {
		// A failed drain only risks duplicates or a stale backlog, not
		// missed live events; proceed with the subscription.
		log.Printf("eventbus: mailbox drain for client %s failed: %v", clientID, err)
	}

	c := &Consumer{TaskID: taskID, ClientID: clientID, C: make(chan Envelope, consumerBuffer)}
	for _, raw := range buffered {
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		select {
		case c.C <- env:
		default:
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.knownClients[taskID] == nil {
		b.knownClients[taskID] = make(map[string]time.Time)
	}
	b.knownClients[taskID][clientID] = time.Now()

	sub, ok := b.subs[taskID]
	if !ok {
		subCtx, cancel := context.WithCancel(context.Background())
		sub = &taskSub{consumers: make(map[*Consumer]struct{}), cancel: cancel}
		b.subs[taskID] = sub
		go b.reader(subCtx, taskID, sub)
	}
	sub.consumers[c] = struct{}{}
	metrics.ConnectedWorkers.Inc()
	return c, nil
}

// Unsubscribe drops a local consumer; the last one closes the shared
// cache subscription.
func (b *Bus) Unsubscribe(c *Consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[c.TaskID]
	if !ok {
		return
	}
	if _, ok := sub.consumers[c]; !ok {
		return
	}
	delete(sub.consumers, c)
	close(c.C)
	metrics.ConnectedWorkers.Dec()
	if len(sub.consumers) == 0 {
		sub.cancel()
		delete(b.subs, c.TaskID)
	}
}

// reader pumps one task's cache-level subscription into every local
// consumer.
func (b *Bus) reader(ctx context.Context, taskID string, sub *taskSub) {
	ps := b.cache.Subscribe(ctx, channelName(taskID))
	defer ps.Close()
	ch := ps.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			b.mu.Lock()
			for c := range sub.consumers {
				select {
				case c.C <- env:
				default:
					// Slow consumer: drop rather than stall the fan-out.
				}
			}
			b.mu.Unlock()
		}
	}
}

// SubscriberCount reports local consumers for a task, for stats surfaces.
func (b *Bus) SubscriberCount(taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[taskID]
	if !ok {
		return 0
	}
	return len(sub.consumers)
}

// LoggingPublisher prints envelopes instead of fanning them out, a
// stand-in for local development and tests.
type LoggingPublisher struct{}

func NewLoggingPublisher() *LoggingPublisher { return &LoggingPublisher{} }

func (p *LoggingPublisher) Publish(_ context.Context, taskID string, env Envelope) error {
	data, _ := json.Marshal(env.Data)
	log.Printf("event[%s] task=%s data=%s", env.Type, taskID, data)
	return nil
}
