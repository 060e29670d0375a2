// Package events provides in-process fanout of engine events to dashboard
// subscribers. Delivery is at-most-once best-effort; durable history lives in
// the JetStream outbox and is recovered via the catch-up query.
package events

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/botdesk/messaging-engine/internal/model"
	"github.com/botdesk/messaging-engine/pkg/logger"
	"github.com/botdesk/messaging-engine/pkg/metrics"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind starts losing events.
const subscriberBuffer = 64

// Filter restricts which events a subscriber receives. Zero-valued fields
// match everything; TenantID is mandatory.
type Filter struct {
	TenantID       string
	AccountID      string
	ConversationID string
}

func (f Filter) matches(ev *model.Event) bool {
	if ev.TenantID != f.TenantID {
		return false
	}
	if f.AccountID != "" && ev.AccountID != f.AccountID {
		return false
	}
	if f.ConversationID != "" && ev.ConversationID != f.ConversationID {
		return false
	}
	return true
}

// Subscription is one dashboard client's event feed.
type Subscription struct {
	ID     string
	C      chan *model.Event
	filter Filter
}

// Bus fans out events to registered subscribers. Publish never blocks the
// caller: slow subscribers drop events instead of applying backpressure to
// the engine.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	logger *logger.Logger
}

// NewBus creates an event bus.
func NewBus(log *logger.Logger) *Bus {
	return &Bus{
		subs:   make(map[string]*Subscription),
		logger: log,
	}
}

// Subscribe registers a subscriber with the given filter.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	sub := &Subscription{
		ID:     uuid.New().String(),
		C:      make(chan *model.Event, subscriberBuffer),
		filter: filter,
	}

	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if ok {
		close(sub.C)
	}
}

// Publish delivers an event to every matching subscriber. Fire-and-forget:
// a full subscriber channel drops the event.
func (b *Bus) Publish(ev *model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.filter.matches(ev) {
			continue
		}
		select {
		case sub.C <- ev:
		default:
			metrics.EventsDropped.Inc()
			b.logger.Warn("dropping event for slow subscriber",
				zap.String("subscriber_id", sub.ID),
				zap.String("event_type", string(ev.Type)),
			)
		}
	}
}

// SubscriberCount returns the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
