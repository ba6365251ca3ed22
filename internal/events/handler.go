// internal/events/handler.go
package events

import (
	"context"
	"sync"
)

// Handler consumes notifications of one type.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event Event) error

func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Subscription is returned by Subscribe; Unsubscribe detaches the handler.
type Subscription interface {
	Unsubscribe()
}

type subscription struct {
	id  string
	bus *Bus
	typ EventType
}

func (s *subscription) Unsubscribe() {
	s.bus.unsubscribe(s.id, s.typ)
}

// Counter tallies notifications per type, e.g. for the daily report.
type Counter struct {
	mu    sync.Mutex
	total map[EventType]int
	subs  []Subscription
}

// NewCounter subscribes a counter to the given event types.
func NewCounter(bus *Bus, types ...EventType) *Counter {
	c := &Counter{total: make(map[EventType]int)}
	for _, t := range types {
		c.subs = append(c.subs, bus.SubscribeFunc(t, c.handle))
	}
	return c
}

func (c *Counter) handle(_ context.Context, e Event) error {
	c.mu.Lock()
	c.total[e.Type()]++
	c.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the counts.
func (c *Counter) Snapshot() map[EventType]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[EventType]int, len(c.total))
	for k, v := range c.total {
		out[k] = v
	}
	return out
}

// Close unsubscribes the counter.
func (c *Counter) Close() {
	for _, s := range c.subs {
		s.Unsubscribe()
	}
}
