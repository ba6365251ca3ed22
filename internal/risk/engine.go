// internal/risk/engine.go
package risk

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/domain"
	"github.com/rovshanmuradov/solana-copybot/internal/events"
	"github.com/rovshanmuradov/solana-copybot/internal/ledger"
)

// SellPolicy decides how much of a holding a mirrored sell disposes of.
type SellPolicy string

const (
	// SellHoldingFraction sells the same fraction of our holding that the
	// target sold of theirs: sold / (sold + remaining).
	SellHoldingFraction SellPolicy = "holding_fraction"
	// SellQuoteValue sells the copy amount worth of the asset at source price.
	SellQuoteValue SellPolicy = "quote_value"
	// SellFullExit closes the whole holding on any target sell.
	SellFullExit SellPolicy = "full_exit"
)

// PartialPolicy decides what happens when remaining capacity is smaller than
// the copy amount.
type PartialPolicy string

const (
	PartialClamp PartialPolicy = "partial"
	PartialSkip  PartialPolicy = "skip"
)

// Config holds sizing parameters. Amounts are USDC.
type Config struct {
	CopyAmount      decimal.Decimal
	MinTrade        decimal.Decimal
	PartialPolicy   PartialPolicy
	SellPolicy      SellPolicy
	FullExitRatio   decimal.Decimal
	MinSell         decimal.Decimal
	BuySlippageBps  uint16
	SellSlippageBps uint16
}

// Ledger is the part of the position ledger sizing needs.
type Ledger interface {
	Current(asset string) domain.Position
	Reserve(asset string, decimals uint8, requested, minimum decimal.Decimal) (*ledger.Reservation, error)
	ReserveSell(asset string, requested decimal.Decimal) (*ledger.Reservation, error)
	Release(res *ledger.Reservation)
}

// Orders creates orders.
type Orders interface {
	Create(ctx context.Context, o *domain.Order) (*domain.Order, error)
}

// Decision is an accepted sizing: the created order and the reservation that
// backs it until a terminal outcome.
type Decision struct {
	Order       *domain.Order
	Reservation *ledger.Reservation
}

// Engine sizes mirrored trades against the position ledger.
type Engine struct {
	cfg       Config
	ledger    Ledger
	orders    Orders
	publisher events.Publisher
	logger    *zap.Logger
}

func NewEngine(cfg Config, l Ledger, orders Orders, publisher events.Publisher, logger *zap.Logger) *Engine {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Engine{
		cfg:       cfg,
		ledger:    l,
		orders:    orders,
		publisher: publisher,
		logger:    logger.Named("risk"),
	}
}

// Size turns a signal into an order holding a reservation. Rejections carry
// ErrRiskLimitExceeded, ErrNoPosition or ErrBelowMinimum and are expected
// outcomes, not faults.
func (e *Engine) Size(ctx context.Context, sig *domain.TradeSignal) (*Decision, error) {
	var (
		res *ledger.Reservation
		err error
	)
	switch sig.Direction {
	case domain.Buy:
		res, err = e.sizeBuy(sig)
	case domain.Sell:
		res, err = e.sizeSell(sig)
	default:
		err = domain.Errorf(domain.ErrDecode, "size", "unknown direction %q", sig.Direction)
	}
	if err != nil {
		e.reject(sig, err)
		return nil, err
	}

	o, err := e.orders.Create(ctx, &domain.Order{
		SourceTx:       sig.SourceTx,
		SourceWallet:   sig.SourceWallet,
		Asset:          sig.Asset,
		AssetDecimals:  sig.AssetDecimals,
		Direction:      sig.Direction,
		Requested:      res.Amount,
		ReferencePrice: sig.SourcePrice,
		ReservationID:  res.ID,
	})
	if err != nil {
		e.ledger.Release(res)
		if errors.Is(err, domain.ErrDuplicateSignal) {
			return nil, err
		}
		return nil, fmt.Errorf("create order for %s: %w", sig.SourceTx, err)
	}

	e.logger.Info("Order sized",
		zap.String("order_id", o.ID),
		zap.String("direction", string(o.Direction)),
		zap.String("asset", o.Asset),
		zap.String("requested", o.Requested.String()),
		zap.String("source_tx", o.SourceTx))
	_ = e.publisher.Publish(events.OrderEvent{
		BaseEvent: events.Base(events.OrderCreated),
		OrderID:   o.ID,
		SourceTx:  o.SourceTx,
		Asset:     o.Asset,
		Direction: string(o.Direction),
		Amount:    o.Requested,
	})
	return &Decision{Order: o, Reservation: res}, nil
}

// SlippageBps returns the slippage tolerance for a direction.
func (e *Engine) SlippageBps(d domain.Direction) uint16 {
	if d == domain.Sell {
		return e.cfg.SellSlippageBps
	}
	return e.cfg.BuySlippageBps
}

func (e *Engine) sizeBuy(sig *domain.TradeSignal) (*ledger.Reservation, error) {
	minimum := e.cfg.MinTrade
	if e.cfg.PartialPolicy == PartialSkip {
		minimum = e.cfg.CopyAmount
	}
	return e.ledger.Reserve(sig.Asset, sig.AssetDecimals, e.cfg.CopyAmount, minimum)
}

func (e *Engine) sizeSell(sig *domain.TradeSignal) (*ledger.Reservation, error) {
	pos := e.ledger.Current(sig.Asset)
	available := pos.Quantity.Sub(pos.PendingSell)
	if !available.IsPositive() {
		return nil, domain.Errorf(domain.ErrNoPosition, "size_sell", "asset %s not held", sig.Asset)
	}

	qty := e.sellQuantity(sig, pos.Quantity)
	if !qty.IsPositive() {
		return nil, domain.Errorf(domain.ErrBelowMinimum, "size_sell", "asset %s: nothing to sell", sig.Asset)
	}

	res, err := e.ledger.ReserveSell(sig.Asset, qty)
	if err != nil {
		return nil, err
	}

	closesHolding := res.Amount.GreaterThanOrEqual(pos.Quantity)
	if !closesHolding && e.cfg.MinSell.IsPositive() && sig.SourcePrice.IsPositive() {
		value := res.Amount.Mul(sig.SourcePrice)
		if value.LessThan(e.cfg.MinSell) {
			e.ledger.Release(res)
			return nil, domain.Errorf(domain.ErrBelowMinimum, "size_sell",
				"asset %s: sell worth %s USDC below %s", sig.Asset, value.StringFixed(4), e.cfg.MinSell.StringFixed(2))
		}
	}
	return res, nil
}

// sellQuantity applies the sell policy to the held quantity. The result never
// exceeds held; ReserveSell further caps it by quantity already pending.
func (e *Engine) sellQuantity(sig *domain.TradeSignal, held decimal.Decimal) decimal.Decimal {
	if sig.Synthetic {
		return held
	}
	switch e.cfg.SellPolicy {
	case SellFullExit:
		return held
	case SellQuoteValue:
		if !sig.SourcePrice.IsPositive() {
			return decimal.Zero
		}
		return decimal.Min(held, e.cfg.CopyAmount.Div(sig.SourcePrice))
	default:
		ratio := SellRatio(sig.SourceAmount, sig.TargetRemaining)
		if e.cfg.FullExitRatio.IsPositive() && ratio.GreaterThan(e.cfg.FullExitRatio) {
			ratio = decimal.NewFromInt(1)
		}
		return decimal.Min(held, held.Mul(ratio))
	}
}

// SellRatio is the fraction of its holding a target sold: sold/(sold+remaining).
func SellRatio(sold, remaining decimal.Decimal) decimal.Decimal {
	if !sold.IsPositive() {
		return decimal.Zero
	}
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return sold.Div(sold.Add(remaining))
}

func (e *Engine) reject(sig *domain.TradeSignal, err error) {
	expected := domain.Expected(err)
	fields := []zap.Field{
		zap.String("source_tx", sig.SourceTx),
		zap.String("direction", string(sig.Direction)),
		zap.String("asset", sig.Asset),
		zap.Error(err),
	}
	if expected {
		e.logger.Info("Signal rejected", fields...)
	} else {
		e.logger.Warn("Signal rejected", fields...)
	}
	_ = e.publisher.Publish(events.SignalRejectedEvent{
		BaseEvent: events.Base(events.SignalRejected),
		SourceTx:  sig.SourceTx,
		Asset:     sig.Asset,
		Reason:    err.Error(),
		Expected:  expected,
	})
}
