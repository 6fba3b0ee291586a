// Package notifier implements the change-event broadcast hub (C10): a
// single bounded channel per subscriber, fed by write endpoints after
// their transaction commits, rate-limited per principal.
package notifier

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/entanglement-sync/core/internal/ratelimit"
)

// Action classifies what happened to a path.
type Action string

const (
	ActionCreate Action = "create"
	ActionModify Action = "modify"
	ActionDelete Action = "delete"
	ActionMove   Action = "move"
)

const (
	defaultBufferSize  = 256
	rateLimitBurst     = 50
	rateLimitRefillHz  = 10
)

// ChangeEvent is the payload fanned out to every matching subscriber.
type ChangeEvent struct {
	Path      string
	Action    Action
	Timestamp time.Time
}

// Subscription is a live listener, scoped to one principal.
type Subscription struct {
	ID        string
	Principal string
	Channel   chan *ChangeEvent

	mu     sync.Mutex
	lagged int
}

// Lagged reports (and resets) how many events this subscriber missed
// because its channel was full. A lagging subscriber is never
// disconnected — it resynchronises from the next delivered message.
func (s *Subscription) Lagged() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.lagged
	s.lagged = 0
	return n
}

func (s *Subscription) markLagged() {
	s.mu.Lock()
	s.lagged++
	s.mu.Unlock()
}

// Hub is the broadcast hub. One Hub serves every write endpoint and every
// streaming-notification subscriber for a server process.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	buckets       map[string]*ratelimit.TokenBucket
	bufferSize    int
	rateBurst     int
	rateRefillHz  float64

	published atomic.Int64
	dropped   atomic.Int64
}

// NewHub constructs a broadcast hub with the given per-subscriber buffer
// capacity (§4.10 default 256) and per-principal token bucket shape
// (default burst 50, refill 10/s).
func NewHub(bufferSize int) *Hub {
	return NewHubWithRateLimit(bufferSize, rateLimitBurst, rateLimitRefillHz)
}

// NewHubWithRateLimit is NewHub with an explicit per-principal token
// bucket shape, letting the server config override the §4.10 defaults.
func NewHubWithRateLimit(bufferSize, rateBurst int, rateRefillHz float64) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if rateBurst <= 0 {
		rateBurst = rateLimitBurst
	}
	if rateRefillHz <= 0 {
		rateRefillHz = rateLimitRefillHz
	}
	return &Hub{
		subscriptions: make(map[string]*Subscription),
		buckets:       make(map[string]*ratelimit.TokenBucket),
		bufferSize:    bufferSize,
		rateBurst:     rateBurst,
		rateRefillHz:  rateRefillHz,
	}
}

// Subscribe registers a new listener for principal and returns its
// subscription. The caller must Unsubscribe when done.
func (h *Hub) Subscribe(principal string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscription{
		ID:        uuid.NewString(),
		Principal: principal,
		Channel:   make(chan *ChangeEvent, h.bufferSize),
	}
	h.subscriptions[sub.ID] = sub
	if _, ok := h.buckets[principal]; !ok {
		h.buckets[principal] = ratelimit.NewTokenBucket(h.rateRefillHz, h.rateBurst)
	}
	return sub
}

// Unsubscribe removes and closes a subscription.
func (h *Hub) Unsubscribe(subscriptionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subscriptions[subscriptionID]; ok {
		close(sub.Channel)
		delete(h.subscriptions, subscriptionID)
	}
}

// Publish fans out event to every subscriber, applying each subscriber's
// principal token bucket and never blocking on a slow consumer.
func (h *Hub) Publish(path string, action Action) {
	event := &ChangeEvent{Path: path, Action: action, Timestamp: time.Now().UTC()}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		bucket := h.buckets[sub.Principal]
		if bucket != nil && !bucket.Allow(1) {
			h.dropped.Add(1)
			continue
		}
		select {
		case sub.Channel <- event:
			h.published.Add(1)
		default:
			sub.markLagged()
			h.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of currently active subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

// Stats returns cumulative publish/drop counters for metrics wiring.
func (h *Hub) Stats() (published, dropped int64) {
	return h.published.Load(), h.dropped.Load()
}
