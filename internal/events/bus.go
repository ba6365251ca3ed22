// internal/events/bus.go
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrBusClosed is returned by Publish after Shutdown.
var ErrBusClosed = errors.New("event bus is shut down")

// Publisher is the write side of the bus used by pipeline components.
type Publisher interface {
	Publish(event Event) error
}

// Bus delivers operator notifications on a single dispatcher goroutine, in
// publish order. Publishing never blocks: a full queue drops the event.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType]map[string]Handler
	queue    chan Event
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// BusStats is a point-in-time view of the bus.
type BusStats struct {
	Pending     int
	Delivered   uint64
	Dropped     uint64
	Subscribers int
}

func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		handlers: make(map[EventType]map[string]Handler),
		queue:    make(chan Event, bufferSize),
		logger:   logger.Named("events"),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe registers handler for one event type.
func (b *Bus) Subscribe(eventType EventType, handler Handler) Subscription {
	id := uuid.NewString()

	b.mu.Lock()
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[string]Handler)
	}
	b.handlers[eventType][id] = handler
	b.mu.Unlock()

	b.logger.Debug("Handler subscribed",
		zap.String("event_type", string(eventType)),
		zap.String("subscription_id", id))
	return &subscription{id: id, bus: b, typ: eventType}
}

func (b *Bus) SubscribeFunc(eventType EventType, fn func(context.Context, Event) error) Subscription {
	return b.Subscribe(eventType, HandlerFunc(fn))
}

// Publish queues event for the dispatcher.
func (b *Bus) Publish(event Event) error {
	if b.ctx.Err() != nil {
		return ErrBusClosed
	}
	select {
	case b.queue <- event:
		return nil
	default:
		b.dropped.Add(1)
		b.logger.Warn("Notification queue full, dropping event",
			zap.String("event_type", string(event.Type())))
		return fmt.Errorf("notification queue full (%d)", cap(b.queue))
	}
}

// PublishSync runs every handler of the event type on the caller's goroutine.
func (b *Bus) PublishSync(ctx context.Context, event Event) error {
	return b.deliver(ctx, event)
}

func (b *Bus) deliver(ctx context.Context, event Event) error {
	b.mu.RLock()
	handlers := make(map[string]Handler, len(b.handlers[event.Type()]))
	for id, h := range b.handlers[event.Type()] {
		handlers[id] = h
	}
	b.mu.RUnlock()

	var errs []error
	for id, h := range handlers {
		if err := b.invoke(ctx, h, event); err != nil {
			b.logger.Error("Handler error",
				zap.String("event_type", string(event.Type())),
				zap.String("handler_id", id),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	b.delivered.Add(1)
	return errors.Join(errs...)
}

// invoke keeps a panicking handler from taking the dispatcher down.
func (b *Bus) invoke(ctx context.Context, h Handler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, event)
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for {
		select {
		case event := <-b.queue:
			_ = b.deliver(context.Background(), event)
		case <-b.ctx.Done():
			// deliver what was queued before shutdown
			for {
				select {
				case event := <-b.queue:
					_ = b.deliver(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) unsubscribe(id string, eventType EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if handlers, ok := b.handlers[eventType]; ok {
		delete(handlers, id)
		if len(handlers) == 0 {
			delete(b.handlers, eventType)
		}
	}
}

// Shutdown stops accepting events and waits for the queue to drain.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.cancel()
	select {
	case <-b.done:
		st := b.Stats()
		b.logger.Info("Event bus stopped",
			zap.Uint64("delivered", st.Delivered),
			zap.Uint64("dropped", st.Dropped))
		return nil
	case <-ctx.Done():
		b.logger.Warn("Event bus shutdown timeout", zap.Int("pending", len(b.queue)))
		return ctx.Err()
	}
}

func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	subs := 0
	for _, hs := range b.handlers {
		subs += len(hs)
	}
	b.mu.RUnlock()
	return BusStats{
		Pending:     len(b.queue),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: subs,
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) error { return nil }
