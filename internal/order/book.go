// internal/order/book.go
package order

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

// Recorder persists order events.
type Recorder interface {
	Record(ctx context.Context, eventType domain.EventType, data interface{}) error
}

// transitions is the order state machine:
//
//	pending   -> submitted | failed | abandoned
//	submitted -> confirmed | failed | abandoned
//	failed    -> submitted | confirmed | abandoned
//
// failed -> confirmed is an expired attempt that landed after all.
var transitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderPending:   {domain.OrderSubmitted, domain.OrderFailed, domain.OrderAbandoned},
	domain.OrderSubmitted: {domain.OrderConfirmed, domain.OrderFailed, domain.OrderAbandoned},
	domain.OrderFailed:    {domain.OrderSubmitted, domain.OrderConfirmed, domain.OrderAbandoned},
}

// CanTransition reports whether from -> to is a legal order transition.
func CanTransition(from, to domain.OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Book holds every order and enforces at most one order per source transaction.
type Book struct {
	mu       sync.RWMutex
	orders   map[string]*domain.Order
	bySource map[string]string
	// fills holds signatures already counted in Filled.
	fills    map[string]struct{}
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time
}

func NewBook(recorder Recorder, logger *zap.Logger) *Book {
	return &Book{
		orders:   make(map[string]*domain.Order),
		bySource: make(map[string]string),
		fills:    make(map[string]struct{}),
		recorder: recorder,
		logger:   logger.Named("order-book"),
		now:      time.Now,
	}
}

func (b *Book) record(ctx context.Context, t domain.EventType, data interface{}) error {
	if b.recorder == nil {
		return nil
	}
	return b.recorder.Record(ctx, t, data)
}

// Create registers a new pending order. A second order for the same source
// transaction fails with ErrDuplicateSignal.
func (b *Book) Create(ctx context.Context, o *domain.Order) (*domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id, ok := b.bySource[o.SourceTx]; ok {
		return nil, domain.Errorf(domain.ErrDuplicateSignal, "create_order",
			"source tx %s already produced order %s", o.SourceTx, id)
	}

	created := o.Clone()
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	created.Status = domain.OrderPending
	created.Filled = decimal.Zero
	created.CreatedAt = b.now()
	created.UpdatedAt = created.CreatedAt

	if err := b.record(ctx, domain.EventOrderCreated, domain.OrderCreatedData{Order: *created}); err != nil {
		return nil, err
	}
	b.orders[created.ID] = created
	b.bySource[created.SourceTx] = created.ID
	return created.Clone(), nil
}

// Get returns a copy of the order.
func (b *Book) Get(id string) (*domain.Order, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.orders[id]
	if !ok {
		return nil, domain.Errorf(domain.ErrOrderNotFound, "get_order", "id %s", id)
	}
	return o.Clone(), nil
}

// BySource returns the order created for a source transaction, if any.
func (b *Book) BySource(sourceTx string) (*domain.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.bySource[sourceTx]
	if !ok {
		return nil, false
	}
	return b.orders[id].Clone(), true
}

func (b *Book) transitionLocked(o *domain.Order, to domain.OrderStatus) error {
	if o.Status == to {
		return nil
	}
	if !CanTransition(o.Status, to) {
		return domain.Errorf(domain.ErrInvalidTransition, "transition",
			"order %s: %s -> %s", o.ID, o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = b.now()
	return nil
}

// AppendAttempt adds a new attempt and moves the order to submitted. Only one
// attempt may be unresolved at any time.
func (b *Book) AppendAttempt(ctx context.Context, id string, attempt domain.ExecutionAttempt) (*domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[id]
	if !ok {
		return nil, domain.Errorf(domain.ErrOrderNotFound, "append_attempt", "id %s", id)
	}
	if last := o.LastAttempt(); last != nil && last.Outcome == domain.OutcomeUnknown {
		return nil, fmt.Errorf("order %s: attempt %d still in flight", id, last.Number)
	}
	if !CanTransition(o.Status, domain.OrderSubmitted) {
		return nil, domain.Errorf(domain.ErrInvalidTransition, "append_attempt",
			"order %s in status %s", id, o.Status)
	}

	attempt.Number = len(o.Attempts) + 1
	if attempt.Outcome == "" {
		attempt.Outcome = domain.OutcomeUnknown
	}
	if err := b.record(ctx, domain.EventAttemptSubmitted, domain.AttemptSubmittedData{OrderID: id, Attempt: attempt}); err != nil {
		return nil, err
	}
	o.Attempts = append(o.Attempts, attempt)
	_ = b.transitionLocked(o, domain.OrderSubmitted)
	return o.Clone(), nil
}

// ResolveAttempt records the outcome of an attempt. Dropped and expired
// attempts move the order to failed. Resolving an already resolved attempt
// keeps the first outcome.
func (b *Book) ResolveAttempt(ctx context.Context, id string, number int, outcome domain.AttemptOutcome, reason string) (*domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[id]
	if !ok {
		return nil, domain.Errorf(domain.ErrOrderNotFound, "resolve_attempt", "id %s", id)
	}
	if number < 1 || number > len(o.Attempts) {
		return nil, fmt.Errorf("order %s: no attempt %d", id, number)
	}
	attempt := &o.Attempts[number-1]
	if attempt.Outcome != domain.OutcomeUnknown {
		return o.Clone(), nil
	}

	if err := b.record(ctx, domain.EventAttemptResolved, domain.AttemptResolvedData{
		OrderID: id, Number: number, Outcome: outcome, Error: reason,
	}); err != nil {
		return nil, err
	}
	attempt.Outcome = outcome
	attempt.Error = reason
	if outcome == domain.OutcomeDropped || outcome == domain.OutcomeExpired {
		_ = b.transitionLocked(o, domain.OrderFailed)
	}
	o.UpdatedAt = b.now()
	return o.Clone(), nil
}

// Confirm records the fill of a landed attempt and closes the order as
// confirmed. The filled input amount never exceeds the requested amount.
func (b *Book) Confirm(ctx context.Context, id string, fill domain.Fill) (*domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[id]
	if !ok {
		return nil, domain.Errorf(domain.ErrOrderNotFound, "confirm", "id %s", id)
	}
	if o.Status == domain.OrderConfirmed {
		return o.Clone(), nil
	}
	if !CanTransition(o.Status, domain.OrderConfirmed) {
		return nil, domain.Errorf(domain.ErrInvalidTransition, "confirm",
			"order %s in status %s", id, o.Status)
	}

	filled := o.Filled
	if _, counted := b.fills[fill.Signature]; !counted {
		filled = filled.Add(fill.InputAmount())
	}
	if filled.GreaterThan(o.Requested) {
		return nil, domain.Errorf(domain.ErrOverfill, "confirm",
			"order %s: fill %s exceeds requested %s", id, filled, o.Requested)
	}

	if err := b.record(ctx, domain.EventOrderClosed, domain.OrderClosedData{
		OrderID: id, Status: domain.OrderConfirmed, Reason: fill.Signature,
	}); err != nil {
		return nil, err
	}
	o.Filled = filled
	b.fills[fill.Signature] = struct{}{}
	_ = b.transitionLocked(o, domain.OrderConfirmed)
	return o.Clone(), nil
}

// Transition moves an order without a fill. Confirmation needs a fill and
// goes through Confirm; failing a submitted order resolves its in-flight
// attempt as dropped.
func (b *Book) Transition(ctx context.Context, id string, to domain.OrderStatus, reason string) (*domain.Order, error) {
	switch to {
	case domain.OrderAbandoned:
		return b.Abandon(ctx, id, reason)
	case domain.OrderFailed:
		o, err := b.Get(id)
		if err != nil {
			return nil, err
		}
		last := o.LastAttempt()
		if last == nil || last.Outcome != domain.OutcomeUnknown {
			if o.Status == domain.OrderFailed {
				return o, nil
			}
			return nil, domain.Errorf(domain.ErrInvalidTransition, "transition",
				"order %s: %s -> %s without attempt", id, o.Status, to)
		}
		return b.ResolveAttempt(ctx, id, last.Number, domain.OutcomeDropped, reason)
	default:
		return nil, domain.Errorf(domain.ErrInvalidTransition, "transition",
			"order %s: use the dedicated operation for %s", id, to)
	}
}

// Abandon closes the order as abandoned.
func (b *Book) Abandon(ctx context.Context, id, reason string) (*domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[id]
	if !ok {
		return nil, domain.Errorf(domain.ErrOrderNotFound, "abandon", "id %s", id)
	}
	if o.Status == domain.OrderAbandoned {
		return o.Clone(), nil
	}
	if !CanTransition(o.Status, domain.OrderAbandoned) {
		return nil, domain.Errorf(domain.ErrInvalidTransition, "abandon",
			"order %s in status %s", id, o.Status)
	}
	if err := b.record(ctx, domain.EventOrderClosed, domain.OrderClosedData{
		OrderID: id, Status: domain.OrderAbandoned, Reason: reason,
	}); err != nil {
		return nil, err
	}
	o.Reason = reason
	_ = b.transitionLocked(o, domain.OrderAbandoned)
	b.logger.Warn("Order abandoned", zap.String("order_id", id), zap.String("reason", reason))
	return o.Clone(), nil
}

// Open returns copies of all non-terminal orders ordered by creation time.
func (b *Book) Open() []*domain.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*domain.Order
	for _, o := range b.orders {
		if !o.Status.Terminal() {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stats counts orders per status.
func (b *Book) Stats() map[domain.OrderStatus]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats := make(map[domain.OrderStatus]int)
	for _, o := range b.orders {
		stats[o.Status]++
	}
	return stats
}

// Sources returns the distinct target wallets whose confirmed buys opened the
// current holding of asset, sorted.
func (b *Book) Sources(asset string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, o := range b.orders {
		if o.Asset == asset && o.Direction == domain.Buy && o.Status == domain.OrderConfirmed && o.SourceWallet != "" {
			seen[o.SourceWallet] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for w := range seen {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}
