// internal/reconcile/guard.go
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/domain"
)

// Holdings lists the positions currently held.
type Holdings interface {
	Held() []domain.Position
}

// Sources names the target wallets behind a holding.
type Sources interface {
	Sources(asset string) []string
}

// Balances reads on-chain token balances.
type Balances interface {
	GetSlot(ctx context.Context) (uint64, error)
	GetTokenBalance(ctx context.Context, owner, mint string) (decimal.Decimal, error)
}

// Guard detects holdings whose source wallets have all exited without the
// watcher seeing the sell, and emits a synthetic full exit for them.
type Guard struct {
	interval time.Duration
	holdings Holdings
	sources  Sources
	balances Balances
	paused   func(wallet string) bool
	logger   *zap.Logger
}

func NewGuard(interval time.Duration, holdings Holdings, sources Sources, balances Balances, logger *zap.Logger) *Guard {
	return &Guard{
		interval: interval,
		holdings: holdings,
		sources:  sources,
		balances: balances,
		paused:   func(string) bool { return false },
		logger:   logger.Named("reconcile"),
	}
}

// SkipPaused excludes holdings whose every source is paused.
func (g *Guard) SkipPaused(paused func(wallet string) bool) {
	if paused != nil {
		g.paused = paused
	}
}

// Run checks on every tick until ctx is done.
func (g *Guard) Run(ctx context.Context, out chan<- domain.TradeSignal) error {
	if g.interval <= 0 {
		g.logger.Info("Position sync guard disabled")
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			signals, err := g.Check(ctx)
			if err != nil {
				g.logger.Warn("Reconcile check failed", zap.Error(err))
			}
			for _, s := range signals {
				select {
				case out <- s:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

// Check returns one exit signal per stale holding. Holdings with an in-flight
// sell are skipped; a failed balance read skips only that holding.
func (g *Guard) Check(ctx context.Context) ([]domain.TradeSignal, error) {
	held := g.holdings.Held()
	if len(held) == 0 {
		return nil, nil
	}
	slot, err := g.balances.GetSlot(ctx)
	if err != nil {
		return nil, fmt.Errorf("get slot: %w", err)
	}

	var out []domain.TradeSignal
	for _, p := range held {
		if p.PendingSell.IsPositive() {
			continue
		}
		wallets := g.sources.Sources(p.Asset)
		if len(wallets) == 0 {
			continue
		}
		exited, err := g.allExited(ctx, p.Asset, wallets)
		if err != nil {
			g.logger.Debug("Balance read failed", zap.String("asset", p.Asset), zap.Error(err))
			continue
		}
		if !exited {
			continue
		}

		g.logger.Info("🧹 Sources exited, closing position",
			zap.String("asset", p.Asset),
			zap.Strings("wallets", wallets),
			zap.String("quantity", p.Quantity.String()))
		out = append(out, domain.TradeSignal{
			SourceWallet:    wallets[0],
			Asset:           p.Asset,
			AssetDecimals:   p.Decimals,
			Direction:       domain.Sell,
			SourceAmount:    decimal.Zero,
			SourceQuote:     decimal.Zero,
			SourcePrice:     p.AvgPrice,
			TargetRemaining: decimal.Zero,
			SourceTx:        SourceTx(p.Asset, slot),
			Slot:            slot,
			ObservedAt:      time.Now().UTC(),
			Synthetic:       true,
		})
	}
	return out, nil
}

func (g *Guard) allExited(ctx context.Context, asset string, wallets []string) (bool, error) {
	active := 0
	for _, w := range wallets {
		if g.paused(w) {
			continue
		}
		active++
		bal, err := g.balances.GetTokenBalance(ctx, w, asset)
		if err != nil {
			return false, err
		}
		if bal.IsPositive() {
			return false, nil
		}
	}
	return active > 0, nil
}

// SourceTx is the synthetic source transaction id of a reconcile exit.
func SourceTx(asset string, slot uint64) string {
	return fmt.Sprintf("reconcile:%s:%d", asset, slot)
}
