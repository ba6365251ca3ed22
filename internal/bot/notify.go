// internal/bot/notify.go
package bot

import (
	"context"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/events"
)

// notify subscribes the operator log to the notification bus.
func (r *Runner) notify() {
	log := r.logger.Named("notify")

	r.bus.SubscribeFunc(events.OrderConfirmed, func(_ context.Context, e events.Event) error {
		if ev, ok := e.(events.OrderEvent); ok {
			log.Info("✅ Order confirmed",
				zap.String("order_id", ev.OrderID),
				zap.String("direction", ev.Direction),
				zap.String("asset", ev.Asset),
				zap.String("amount", ev.Amount.String()),
				zap.Int("attempts", ev.Attempts),
				zap.String("signature", ev.Signature))
		}
		return nil
	})

	r.bus.SubscribeFunc(events.OrderAbandoned, func(_ context.Context, e events.Event) error {
		if ev, ok := e.(events.OrderEvent); ok {
			log.Warn("🛑 Order abandoned",
				zap.String("order_id", ev.OrderID),
				zap.String("source_tx", ev.SourceTx),
				zap.String("asset", ev.Asset),
				zap.Int("attempts", ev.Attempts),
				zap.String("reason", ev.Reason))
		}
		return nil
	})

	r.bus.SubscribeFunc(events.SignalRejected, func(_ context.Context, e events.Event) error {
		if ev, ok := e.(events.SignalRejectedEvent); ok && !ev.Expected {
			log.Warn("⚠️ Signal rejected",
				zap.String("source_tx", ev.SourceTx),
				zap.String("asset", ev.Asset),
				zap.String("reason", ev.Reason))
		}
		return nil
	})

	r.bus.SubscribeFunc(events.WatcherReconnected, func(_ context.Context, e events.Event) error {
		if ev, ok := e.(events.WatcherEvent); ok {
			log.Info("🔌 Watcher reconnected",
				zap.String("wallet", ev.Wallet),
				zap.Int("backfilled", ev.Backfilled),
				zap.Duration("downtime", ev.Downtime))
		}
		return nil
	})
}
