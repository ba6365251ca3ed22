// internal/ledger/ledger.go
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/domain"
)

// Recorder persists ledger events before they are applied.
type Recorder interface {
	Record(ctx context.Context, eventType domain.EventType, data interface{}) error
}

// Reservation is a hold on exposure capacity (buys, USDC) or on held
// quantity (sells, asset units) while an order is in flight.
type Reservation struct {
	ID        string
	Asset     string
	Direction domain.Direction
	Amount    decimal.Decimal
	CreatedAt time.Time
}

// book owns one asset's position. All reads-then-writes of the position run
// under its mutex, so mutation is single-writer per asset.
type book struct {
	mu           sync.Mutex
	pos          domain.Position
	reservations map[string]*Reservation
	applied      map[string]struct{}
}

// Ledger is the authoritative record of holdings, cost basis and P&L.
type Ledger struct {
	mu          sync.RWMutex
	books       map[string]*book
	maxPosition decimal.Decimal
	recorder    Recorder
	logger      *zap.Logger
	now         func() time.Time
}

func New(maxPosition decimal.Decimal, recorder Recorder, logger *zap.Logger) *Ledger {
	return &Ledger{
		books:       make(map[string]*book),
		maxPosition: maxPosition,
		recorder:    recorder,
		logger:      logger.Named("ledger"),
		now:         time.Now,
	}
}

// MaxPosition returns the configured per-asset exposure cap.
func (l *Ledger) MaxPosition() decimal.Decimal { return l.maxPosition }

func (l *Ledger) book(asset string) *book {
	l.mu.RLock()
	b, ok := l.books[asset]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.books[asset]; ok {
		return b
	}
	b = &book{
		pos: domain.Position{
			Asset:       asset,
			Quantity:    decimal.Zero,
			AvgPrice:    decimal.Zero,
			RealizedPnL: decimal.Zero,
			Reserved:    decimal.Zero,
			PendingSell: decimal.Zero,
		},
		reservations: make(map[string]*Reservation),
		applied:      make(map[string]struct{}),
	}
	l.books[asset] = b
	return b
}

// Current returns a snapshot of the position for asset. Unknown assets yield
// an empty position.
func (l *Ledger) Current(asset string) domain.Position {
	b := l.book(asset)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pos
}

// Remaining returns the exposure capacity still available for asset.
func (l *Ledger) Remaining(asset string) decimal.Decimal {
	b := l.book(asset)
	b.mu.Lock()
	defer b.mu.Unlock()
	return l.remainingLocked(b)
}

func (l *Ledger) remainingLocked(b *book) decimal.Decimal {
	left := l.maxPosition.Sub(b.pos.CostBasis()).Sub(b.pos.Reserved)
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}

// Reserve atomically grants min(requested, remaining capacity) for a buy.
// A grant of zero or below minimum fails with ErrRiskLimitExceeded.
func (l *Ledger) Reserve(asset string, decimals uint8, requested, minimum decimal.Decimal) (*Reservation, error) {
	b := l.book(asset)
	b.mu.Lock()
	defer b.mu.Unlock()

	if decimals > 0 {
		b.pos.Decimals = decimals
	}

	remaining := l.remainingLocked(b)
	granted := decimal.Min(requested, remaining)
	if !granted.IsPositive() || granted.LessThan(minimum) {
		return nil, domain.Errorf(domain.ErrRiskLimitExceeded, "reserve",
			"asset %s: requested %s, remaining %s, minimum %s",
			asset, requested.StringFixed(2), remaining.StringFixed(2), minimum.StringFixed(2))
	}

	res := &Reservation{
		ID:        uuid.NewString(),
		Asset:     asset,
		Direction: domain.Buy,
		Amount:    granted,
		CreatedAt: l.now(),
	}
	b.reservations[res.ID] = res
	b.pos.Reserved = b.pos.Reserved.Add(granted)

	l.logger.Debug("Capacity reserved",
		zap.String("asset", asset),
		zap.String("reservation_id", res.ID),
		zap.String("granted", granted.String()),
		zap.String("remaining", remaining.Sub(granted).String()))
	return res, nil
}

// ReserveSell holds up to requested units of the held quantity that is not
// already held by other in-flight sells.
func (l *Ledger) ReserveSell(asset string, requested decimal.Decimal) (*Reservation, error) {
	b := l.book(asset)
	b.mu.Lock()
	defer b.mu.Unlock()

	available := b.pos.Quantity.Sub(b.pos.PendingSell)
	if !available.IsPositive() {
		return nil, domain.Errorf(domain.ErrNoPosition, "reserve_sell", "asset %s: nothing available to sell", asset)
	}
	granted := decimal.Min(requested, available)
	if !granted.IsPositive() {
		return nil, domain.Errorf(domain.ErrBelowMinimum, "reserve_sell", "asset %s: requested %s", asset, requested)
	}

	res := &Reservation{
		ID:        uuid.NewString(),
		Asset:     asset,
		Direction: domain.Sell,
		Amount:    granted,
		CreatedAt: l.now(),
	}
	b.reservations[res.ID] = res
	b.pos.PendingSell = b.pos.PendingSell.Add(granted)
	return res, nil
}

// Restore re-creates a reservation recorded before a restart.
func (l *Ledger) Restore(res *Reservation) {
	b := l.book(res.Asset)
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.reservations[res.ID]; ok {
		return
	}
	b.reservations[res.ID] = res
	l.holdLocked(b, res, 1)
}

// ReservationFor rebuilds the reservation handle an order refers to.
// Amount covers the part of the request not yet filled.
func ReservationFor(o *domain.Order) *Reservation {
	if o == nil || o.ReservationID == "" {
		return nil
	}
	return &Reservation{
		ID:        o.ReservationID,
		Asset:     o.Asset,
		Direction: o.Direction,
		Amount:    nonNegative(o.Requested.Sub(o.Filled)),
		CreatedAt: o.CreatedAt,
	}
}

// Release frees a reservation. Releasing twice is a no-op.
func (l *Ledger) Release(res *Reservation) {
	if res == nil {
		return
	}
	b := l.book(res.Asset)
	b.mu.Lock()
	defer b.mu.Unlock()
	l.releaseLocked(b, res.ID)
}

func (l *Ledger) releaseLocked(b *book, id string) {
	res, ok := b.reservations[id]
	if !ok {
		return
	}
	delete(b.reservations, id)
	l.holdLocked(b, res, -1)
}

func (l *Ledger) holdLocked(b *book, res *Reservation, sign int64) {
	delta := res.Amount.Mul(decimal.NewFromInt(sign))
	if res.Direction == domain.Buy {
		b.pos.Reserved = nonNegative(b.pos.Reserved.Add(delta))
		return
	}
	b.pos.PendingSell = nonNegative(b.pos.PendingSell.Add(delta))
}

// ApplyFill journals and applies a fill to its asset's position, then releases
// the reservation the fill settles. A fill whose signature was already applied
// is ignored and the current position is returned.
func (l *Ledger) ApplyFill(ctx context.Context, fill domain.Fill, res *Reservation) (domain.Position, error) {
	b := l.book(fill.Asset)
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, done := b.applied[fill.Signature]; done {
		l.logger.Debug("Fill already applied", zap.String("signature", fill.Signature))
		if res != nil {
			l.releaseLocked(b, res.ID)
		}
		return b.pos, nil
	}

	if l.recorder != nil {
		data := domain.FillAppliedData{Fill: fill}
		if res != nil {
			data.ReservationID = res.ID
		}
		if err := l.recorder.Record(ctx, domain.EventFillApplied, data); err != nil {
			return b.pos, fmt.Errorf("apply fill %s: %w", fill.Signature, err)
		}
	}

	l.applyLocked(b, fill)
	if res != nil {
		l.releaseLocked(b, res.ID)
	}

	l.logger.Info("Fill applied",
		zap.String("asset", fill.Asset),
		zap.String("direction", string(fill.Direction)),
		zap.String("qty", fill.Quantity.String()),
		zap.String("price", fill.Price.String()),
		zap.String("cost_basis", b.pos.CostBasis().StringFixed(4)),
		zap.String("realized_pnl", b.pos.RealizedPnL.StringFixed(4)))
	return b.pos, nil
}

// Replay applies a journaled fill without journaling it again.
func (l *Ledger) Replay(fill domain.Fill) {
	b := l.book(fill.Asset)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, done := b.applied[fill.Signature]; done {
		return
	}
	l.applyLocked(b, fill)
}

func (l *Ledger) applyLocked(b *book, fill domain.Fill) {
	b.applied[fill.Signature] = struct{}{}
	if fill.Decimals > 0 {
		b.pos.Decimals = fill.Decimals
	}
	b.pos.FeesLamports += fill.FeeLamports
	b.pos.UpdatedAt = fill.At

	switch fill.Direction {
	case domain.Buy:
		oldQty := b.pos.Quantity
		newQty := oldQty.Add(fill.Quantity)
		if newQty.IsPositive() {
			b.pos.AvgPrice = b.pos.AvgPrice.Mul(oldQty).Add(fill.Price.Mul(fill.Quantity)).Div(newQty)
		}
		b.pos.Quantity = newQty
		b.pos.Buys++
		if b.pos.CostBasis().GreaterThan(l.maxPosition) {
			l.logger.Warn("Cost basis above cap after fill",
				zap.String("asset", b.pos.Asset),
				zap.String("cost_basis", b.pos.CostBasis().String()))
		}
	case domain.Sell:
		sold := decimal.Min(fill.Quantity, b.pos.Quantity)
		if sold.LessThan(fill.Quantity) {
			l.logger.Warn("Sell fill exceeds held quantity, clamping",
				zap.String("asset", b.pos.Asset),
				zap.String("fill_qty", fill.Quantity.String()),
				zap.String("held", b.pos.Quantity.String()))
		}
		b.pos.RealizedPnL = b.pos.RealizedPnL.Add(fill.Price.Sub(b.pos.AvgPrice).Mul(sold))
		b.pos.Quantity = b.pos.Quantity.Sub(sold)
		b.pos.Sells++
	}
}

// Snapshot returns every known position ordered by asset.
func (l *Ledger) Snapshot() []domain.Position {
	l.mu.RLock()
	books := make([]*book, 0, len(l.books))
	for _, b := range l.books {
		books = append(books, b)
	}
	l.mu.RUnlock()

	out := make([]domain.Position, 0, len(books))
	for _, b := range books {
		b.mu.Lock()
		out = append(out, b.pos)
		b.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// Held returns the assets with a positive quantity.
func (l *Ledger) Held() []domain.Position {
	var out []domain.Position
	for _, p := range l.Snapshot() {
		if p.Quantity.IsPositive() {
			out = append(out, p)
		}
	}
	return out
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
