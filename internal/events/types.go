// internal/events/types.go
package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType represents the type of operator notification.
type EventType string

const (
	// Order lifecycle
	OrderCreated   EventType = "order.created"
	OrderConfirmed EventType = "order.confirmed"
	OrderAbandoned EventType = "order.abandoned"

	// Sizing
	SignalRejected EventType = "signal.rejected"

	// Ingestion
	WatcherReconnected EventType = "watcher.reconnected"
	TargetPaused       EventType = "target.paused"
	TargetResumed      EventType = "target.resumed"
)

// Event is the base interface for all notifications.
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent provides common fields for all events.
type BaseEvent struct {
	EventType EventType
	EventTime time.Time
}

func (e BaseEvent) Type() EventType { return e.EventType }

func (e BaseEvent) Timestamp() time.Time { return e.EventTime }

// Base stamps a BaseEvent with the current time.
func Base(t EventType) BaseEvent {
	return BaseEvent{EventType: t, EventTime: time.Now()}
}

// OrderEvent reports an order lifecycle change.
type OrderEvent struct {
	BaseEvent
	OrderID   string
	SourceTx  string
	Asset     string
	Direction string
	Amount    decimal.Decimal
	Attempts  int
	Signature string
	Reason    string
}

// SignalRejectedEvent is emitted when sizing declines a signal.
type SignalRejectedEvent struct {
	BaseEvent
	SourceTx string
	Asset    string
	Reason   string
	Expected bool
}

// WatcherEvent reports subscription changes for a target wallet.
type WatcherEvent struct {
	BaseEvent
	Wallet     string
	Backfilled int
	Downtime   time.Duration
}
