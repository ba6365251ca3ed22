package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the type of a journaled domain event.
type EventType string

const (
	EventSignalReceived   EventType = "signal_received"
	EventOrderCreated     EventType = "order_created"
	EventAttemptSubmitted EventType = "attempt_submitted"
	EventAttemptResolved  EventType = "attempt_resolved"
	EventFillApplied      EventType = "fill_applied"
	EventOrderClosed      EventType = "order_closed"
	EventTargetChanged    EventType = "target_changed"
)

// Event is one record of the append-only journal.
type Event struct {
	Seq       uint64          `json:"seq"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent creates a journal event with a JSON payload.
func NewEvent(eventType EventType, data interface{}) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// Decode unmarshals the payload into dst.
func (e Event) Decode(dst interface{}) error {
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("decode %s #%d: %w", e.Type, e.Seq, err)
	}
	return nil
}

// Event payloads

type SignalReceivedData struct {
	Signal TradeSignal `json:"signal"`
}

type OrderCreatedData struct {
	Order Order `json:"order"`
}

type AttemptSubmittedData struct {
	OrderID string           `json:"order_id"`
	Attempt ExecutionAttempt `json:"attempt"`
}

type AttemptResolvedData struct {
	OrderID string         `json:"order_id"`
	Number  int            `json:"number"`
	Outcome AttemptOutcome `json:"outcome"`
	Error   string         `json:"error,omitempty"`
}

type FillAppliedData struct {
	Fill          Fill   `json:"fill"`
	ReservationID string `json:"reservation_id,omitempty"`
}

type OrderClosedData struct {
	OrderID string      `json:"order_id"`
	Status  OrderStatus `json:"status"`
	Reason  string      `json:"reason,omitempty"`
}

type TargetChangedData struct {
	Target TargetWallet `json:"target"`
}
