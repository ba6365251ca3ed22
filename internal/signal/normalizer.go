// internal/signal/normalizer.go
package signal

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/domain"
)

// QuoteConverter values an amount of a quote mint in USDC.
type QuoteConverter interface {
	ToUSDC(ctx context.Context, mint string, amount decimal.Decimal) (decimal.Decimal, error)
}

// Config tunes normalization.
type Config struct {
	// MinSourceUSDC drops target buys below this value as probes. Zero disables.
	MinSourceUSDC decimal.Decimal
}

// Normalizer turns decoded swap events into trade signals, at most one per
// source transaction.
type Normalizer struct {
	cfg       Config
	dedup     Dedup
	converter QuoteConverter
	logger    *zap.Logger
}

func NewNormalizer(cfg Config, dedup Dedup, converter QuoteConverter, logger *zap.Logger) *Normalizer {
	return &Normalizer{
		cfg:       cfg,
		dedup:     dedup,
		converter: converter,
		logger:    logger.Named("normalizer"),
	}
}

// Normalize converts ev to a TradeSignal. It returns ErrDecode for malformed
// events, ErrBelowMinimum for probe buys and ErrDuplicateSignal for replays of
// an already emitted source transaction.
func (n *Normalizer) Normalize(ctx context.Context, ev domain.SwapEvent) (*domain.TradeSignal, error) {
	if err := validate(ev); err != nil {
		return nil, err
	}

	quote, err := n.quoteValue(ctx, ev.QuoteMint, ev.QuoteDelta.Abs())
	if err != nil {
		return nil, fmt.Errorf("value quote leg of %s: %w", ev.Signature, err)
	}

	dir := ev.Direction()
	if dir == domain.Buy && n.cfg.MinSourceUSDC.IsPositive() && quote.LessThan(n.cfg.MinSourceUSDC) {
		n.logger.Debug("Probe buy ignored",
			zap.String("signature", ev.Signature),
			zap.String("asset", ev.Asset),
			zap.String("usdc", quote.StringFixed(2)))
		return nil, domain.Errorf(domain.ErrBelowMinimum, "normalize",
			"source buy %s USDC below %s", quote.StringFixed(2), n.cfg.MinSourceUSDC.StringFixed(2))
	}

	seen, err := n.dedup.Seen(ctx, ev.Signature)
	if err != nil {
		return nil, fmt.Errorf("dedup %s: %w", ev.Signature, err)
	}
	if seen {
		return nil, domain.Errorf(domain.ErrDuplicateSignal, "normalize", "source tx %s", ev.Signature)
	}

	amount := ev.AssetDelta.Abs()
	observed := ev.ObservedAt
	if observed.IsZero() {
		observed = ev.BlockTime
	}
	sig := &domain.TradeSignal{
		SourceWallet:    ev.Wallet,
		Asset:           ev.Asset,
		AssetDecimals:   ev.AssetDecimals,
		Direction:       dir,
		SourceAmount:    amount,
		SourceQuote:     quote,
		SourcePrice:     quote.Div(amount),
		TargetRemaining: ev.AssetPost,
		SourceTx:        ev.Signature,
		Slot:            ev.Slot,
		ObservedAt:      observed,
	}

	n.logger.Info("Signal",
		zap.String("wallet", sig.SourceWallet),
		zap.String("direction", string(sig.Direction)),
		zap.String("asset", sig.Asset),
		zap.String("amount", sig.SourceAmount.String()),
		zap.String("usdc", sig.SourceQuote.StringFixed(2)),
		zap.String("tx", sig.SourceTx))
	return sig, nil
}

// Release forgets the source transaction of a signal that was emitted but
// never recorded, so a replay of its swap is not taken for a duplicate.
func (n *Normalizer) Release(ctx context.Context, sourceTx string) error {
	if err := n.dedup.Forget(ctx, sourceTx); err != nil {
		return fmt.Errorf("dedup forget %s: %w", sourceTx, err)
	}
	return nil
}

func (n *Normalizer) quoteValue(ctx context.Context, mint string, amount decimal.Decimal) (decimal.Decimal, error) {
	if mint == domain.USDCMint {
		return amount, nil
	}
	if n.converter == nil {
		return decimal.Zero, fmt.Errorf("no converter for quote mint %s", mint)
	}
	return n.converter.ToUSDC(ctx, mint, amount)
}

func validate(ev domain.SwapEvent) error {
	switch {
	case ev.Signature == "":
		return domain.Errorf(domain.ErrDecode, "normalize", "missing signature")
	case ev.Wallet == "":
		return domain.Errorf(domain.ErrDecode, "normalize", "missing wallet in %s", ev.Signature)
	case ev.Asset == "" || domain.IsQuoteMint(ev.Asset):
		return domain.Errorf(domain.ErrDecode, "normalize", "invalid asset %q in %s", ev.Asset, ev.Signature)
	case ev.AssetDelta.IsZero():
		return domain.Errorf(domain.ErrDecode, "normalize", "zero asset delta in %s", ev.Signature)
	case ev.QuoteMint == "" || ev.QuoteDelta.IsZero():
		return domain.Errorf(domain.ErrDecode, "normalize", "missing quote leg in %s", ev.Signature)
	case ev.QuoteDelta.Sign() == ev.AssetDelta.Sign():
		return domain.Errorf(domain.ErrDecode, "normalize", "quote and asset move together in %s", ev.Signature)
	}
	return nil
}
