// internal/journal/journal.go
package journal

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/domain"
)

// Journal is an append-only log of domain events. Current state is rebuilt by
// replaying it from the beginning.
type Journal interface {
	// Append stores the event and returns its sequence number.
	Append(ctx context.Context, event domain.Event) (uint64, error)
	// Replay calls fn for every event with Seq > after, in sequence order.
	Replay(ctx context.Context, after uint64, fn func(domain.Event) error) error
	Close() error
}

// Recorder is a Journal front used by the pipeline components.
type Recorder struct {
	journal Journal
	logger  *zap.Logger
}

func NewRecorder(j Journal, logger *zap.Logger) *Recorder {
	return &Recorder{journal: j, logger: logger.Named("journal")}
}

// Record marshals data and appends it as an event of the given type.
func (r *Recorder) Record(ctx context.Context, eventType domain.EventType, data interface{}) error {
	if r == nil || r.journal == nil {
		return nil
	}
	event, err := domain.NewEvent(eventType, data)
	if err != nil {
		return err
	}
	seq, err := r.journal.Append(ctx, event)
	if err != nil {
		r.logger.Error("Journal append failed", zap.String("type", string(eventType)), zap.Error(err))
		return fmt.Errorf("journal %s: %w", eventType, err)
	}
	r.logger.Debug("Event journaled", zap.String("type", string(eventType)), zap.Uint64("seq", seq))
	return nil
}

// MemoryJournal keeps events in a slice. Used by tests and dry runs.
type MemoryJournal struct {
	mu     sync.RWMutex
	events []domain.Event
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (m *MemoryJournal) Append(_ context.Context, event domain.Event) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Seq = uint64(len(m.events)) + 1
	m.events = append(m.events, event)
	return event.Seq, nil
}

func (m *MemoryJournal) Replay(ctx context.Context, after uint64, fn func(domain.Event) error) error {
	m.mu.RLock()
	events := append([]domain.Event(nil), m.events...)
	m.mu.RUnlock()

	for _, e := range events {
		if e.Seq <= after {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Events returns a copy of all stored events.
func (m *MemoryJournal) Events() []domain.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Event(nil), m.events...)
}

func (m *MemoryJournal) Close() error { return nil }
