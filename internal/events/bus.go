package events

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rcliao/agent-context/internal/metrics"
)

// Handler processes one event. A returned error is logged by the bus.
type Handler func(ctx context.Context, e Event) error

type subscription struct {
	id      string
	handler Handler
	types   []Type
	async   bool
}

func (s *subscription) wants(t Type) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

// Bus delivers events to subscribers in subscription order.
//
// Thread Safety: Bus is safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	logger *slog.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

// NewBus creates a bus. A nil logger uses slog.Default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger, now: time.Now}
}

// Subscribe registers a handler invoked synchronously by Emit. An empty id is
// replaced by a generated one; subscribing with an existing id replaces that
// subscription. No types means all types.
func (b *Bus) Subscribe(id string, h Handler, types ...Type) string {
	return b.add(id, h, false, types)
}

// SubscribeAsync registers a handler invoked on its own goroutine. Use Wait to
// drain in-flight deliveries.
func (b *Bus) SubscribeAsync(id string, h Handler, types ...Type) string {
	return b.add(id, h, true, types)
}

func (b *Bus) add(id string, h Handler, async bool, types []Type) string {
	if id == "" {
		id = uuid.NewString()
	}
	sub := &subscription{id: id, handler: h, types: types, async: async}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs[i] = sub
			return id
		}
	}
	b.subs = append(b.subs, sub)
	return id
}

// Unsubscribe removes a subscription and reports whether it existed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = slices.Delete(b.subs, i, i+1)
			return true
		}
	}
	return false
}

// Len returns the number of subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Emit delivers e to every matching subscriber. ID and Timestamp are filled
// in when empty. Emit never fails; subscriber failures are logged and counted.
func (b *Bus) Emit(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}

	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if s.async {
			b.wg.Add(1)
			go func(s *subscription) {
				defer b.wg.Done()
				b.invoke(context.WithoutCancel(ctx), s, e)
			}(s)
			continue
		}
		b.invoke(ctx, s, e)
	}
}

// Wait blocks until all asynchronous deliveries have finished.
func (b *Bus) Wait() { b.wg.Wait() }

func (b *Bus) invoke(ctx context.Context, s *subscription, e Event) {
	err := safeCall(ctx, s.handler, e)
	if err == nil {
		return
	}
	metrics.EventHandlerFailures.WithLabelValues(string(e.Type)).Inc()
	b.logger.Error("event handler failed",
		"subscription", s.id,
		"event_type", e.Type,
		"event_id", e.ID,
		"session_id", e.SessionID,
		"error", err,
	)
}

func safeCall(ctx context.Context, h Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, e)
}
