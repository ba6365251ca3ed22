package order

import (
	"github.com/rovshanmuradov/solana-copybot/internal/domain"
)

// Apply rebuilds book state from a journaled event without recording it
// again. Events that do not concern orders are ignored.
func (b *Book) Apply(e domain.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch e.Type {
	case domain.EventOrderCreated:
		var data domain.OrderCreatedData
		if err := e.Decode(&data); err != nil {
			return err
		}
		o := data.Order.Clone()
		o.Status = domain.OrderPending
		b.orders[o.ID] = o
		b.bySource[o.SourceTx] = o.ID

	case domain.EventAttemptSubmitted:
		var data domain.AttemptSubmittedData
		if err := e.Decode(&data); err != nil {
			return err
		}
		if o, ok := b.orders[data.OrderID]; ok {
			o.Attempts = append(o.Attempts, data.Attempt)
			o.Status = domain.OrderSubmitted
			o.UpdatedAt = e.Timestamp
		}

	case domain.EventAttemptResolved:
		var data domain.AttemptResolvedData
		if err := e.Decode(&data); err != nil {
			return err
		}
		if o, ok := b.orders[data.OrderID]; ok && data.Number >= 1 && data.Number <= len(o.Attempts) {
			o.Attempts[data.Number-1].Outcome = data.Outcome
			o.Attempts[data.Number-1].Error = data.Error
			if data.Outcome == domain.OutcomeDropped || data.Outcome == domain.OutcomeExpired {
				o.Status = domain.OrderFailed
			}
			o.UpdatedAt = e.Timestamp
		}

	case domain.EventFillApplied:
		var data domain.FillAppliedData
		if err := e.Decode(&data); err != nil {
			return err
		}
		if _, counted := b.fills[data.Fill.Signature]; counted {
			break
		}
		if o, ok := b.orders[data.Fill.OrderID]; ok {
			o.Filled = o.Filled.Add(data.Fill.InputAmount())
			b.fills[data.Fill.Signature] = struct{}{}
		}

	case domain.EventOrderClosed:
		var data domain.OrderClosedData
		if err := e.Decode(&data); err != nil {
			return err
		}
		if o, ok := b.orders[data.OrderID]; ok {
			o.Status = data.Status
			if data.Status == domain.OrderAbandoned {
				o.Reason = data.Reason
			}
			o.UpdatedAt = e.Timestamp
		}
	}
	return nil
}
