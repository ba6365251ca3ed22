// internal/bot/recovery.go
package bot

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/domain"
	"github.com/rovshanmuradov/solana-copybot/internal/ledger"
)

// Recover rebuilds state from the journal: fills restore positions, order
// events restore the book, received signals seed the dedup window and target
// changes restore pause state. Reservations of orders that were still open
// are held again so sizing sees them; Run settles those orders.
func (r *Runner) Recover(ctx context.Context) error {
	targets := make(map[string]domain.TargetWallet, len(r.cfg.Targets))
	addresses := make([]string, 0, len(r.cfg.Targets))
	for _, t := range r.cfg.Targets {
		status := domain.TargetActive
		if t.Paused {
			status = domain.TargetPaused
		}
		targets[t.Address] = domain.TargetWallet{Address: t.Address, Label: t.Label, Status: status}
		addresses = append(addresses, t.Address)
	}

	var total, fills, signals int
	err := r.journal.Replay(ctx, 0, func(e domain.Event) error {
		total++
		if err := r.book.Apply(e); err != nil {
			return err
		}
		switch e.Type {
		case domain.EventFillApplied:
			var data domain.FillAppliedData
			if err := e.Decode(&data); err != nil {
				return err
			}
			r.ledger.Replay(data.Fill)
			fills++
		case domain.EventSignalReceived:
			if r.window == nil {
				return nil
			}
			var data domain.SignalReceivedData
			if err := e.Decode(&data); err != nil {
				return err
			}
			r.window.Mark(data.Signal.SourceTx, e.Timestamp)
			signals++
		case domain.EventTargetChanged:
			var data domain.TargetChangedData
			if err := e.Decode(&data); err != nil {
				return err
			}
			// targets removed from the configuration stay removed
			if t, ok := targets[data.Target.Address]; ok {
				t.Status = data.Target.Status
				targets[t.Address] = t
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay journal: %w", err)
	}

	for _, addr := range addresses {
		r.watcher.Add(targets[addr])
	}

	open := r.book.Open()
	for _, o := range open {
		if res := ledger.ReservationFor(o); res != nil {
			r.ledger.Restore(res)
		}
	}
	r.mu.Lock()
	r.recovered = open
	r.mu.Unlock()

	r.logger.Info("♻️ Journal replayed",
		zap.Int("events", total),
		zap.Int("fills", fills),
		zap.Int("signals", signals),
		zap.Int("open_orders", len(open)),
		zap.Int("positions", len(r.ledger.Held())))
	return nil
}
