// internal/executor/engine.go
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/domain"
	"github.com/rovshanmuradov/solana-copybot/internal/events"
	"github.com/rovshanmuradov/solana-copybot/internal/ledger"
	"github.com/rovshanmuradov/solana-copybot/internal/risk"
)

// SwapRequest describes one swap to build. Amount is in raw input units.
type SwapRequest struct {
	OrderID     string
	InputMint   string
	OutputMint  string
	Amount      uint64
	SlippageBps uint16
	TipLamports uint64
}

// Swap is a built, unsigned swap transaction. LastValidBlockHeight is the
// block height after which its blockhash can no longer land; zero if unknown.
type Swap struct {
	Tx                   *solana.Transaction
	LastValidBlockHeight uint64
}

// Builder produces an unsigned swap transaction with the tip attached.
type Builder interface {
	BuildSwap(ctx context.Context, req SwapRequest) (*Swap, error)
}

// Signer signs with the operator wallet.
type Signer interface {
	SignTransaction(tx *solana.Transaction) error
}

// Sender submits signed transactions.
type Sender interface {
	GetSlot(ctx context.Context) (uint64, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
}

// Awaiter blocks until the tracker has resolved an attempt.
type Awaiter interface {
	Await(ctx context.Context, o *domain.Order, attempt domain.ExecutionAttempt) (domain.AttemptResult, error)
}

// Orders is the order book surface the engine drives.
type Orders interface {
	Get(id string) (*domain.Order, error)
	AppendAttempt(ctx context.Context, id string, attempt domain.ExecutionAttempt) (*domain.Order, error)
	ResolveAttempt(ctx context.Context, id string, number int, outcome domain.AttemptOutcome, reason string) (*domain.Order, error)
	Abandon(ctx context.Context, id, reason string) (*domain.Order, error)
}

// Releaser frees ledger reservations.
type Releaser interface {
	Release(res *ledger.Reservation)
}

type Config struct {
	Tip             TipSchedule
	BuySlippageBps  uint16
	SellSlippageBps uint16
}

// Engine drives each order through pending -> submitted -> confirmed, retrying
// with an escalating tip until the attempt budget is spent.
type Engine struct {
	cfg       Config
	orders    Orders
	releaser  Releaser
	builder   Builder
	signer    Signer
	sender    Sender
	awaiter   Awaiter
	publisher events.Publisher
	metrics   *Metrics
	logger    *zap.Logger
	now       func() time.Time
}

func NewEngine(
	cfg Config,
	orders Orders,
	releaser Releaser,
	builder Builder,
	signer Signer,
	sender Sender,
	awaiter Awaiter,
	publisher events.Publisher,
	metrics *Metrics,
	logger *zap.Logger,
) *Engine {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Engine{
		cfg:       cfg,
		orders:    orders,
		releaser:  releaser,
		builder:   builder,
		signer:    signer,
		sender:    sender,
		awaiter:   awaiter,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger.Named("executor"),
		now:       time.Now,
	}
}

// Run executes decisions with one worker per lane until the lanes are closed
// or ctx is done. Attempts for one order always run on a single worker.
func (e *Engine) Run(ctx context.Context, lanes *Lanes) {
	var wg sync.WaitGroup
	for i, jobs := range lanes.queues {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.work(ctx, i, jobs)
		}()
	}
	wg.Wait()
}

func (e *Engine) work(ctx context.Context, lane int, jobs <-chan *risk.Decision) {
	for {
		select {
		case <-ctx.Done():
			return
		case dec, ok := <-jobs:
			if !ok {
				return
			}
			if err := e.Execute(ctx, dec.Order, dec.Reservation); err != nil && ctx.Err() == nil {
				e.logger.Error("Execution failed",
					zap.Int("lane", lane),
					zap.String("order_id", dec.Order.ID),
					zap.Error(err))
			}
		}
	}
}

// Execute runs attempts for o until it is confirmed or abandoned. res is
// released on abandonment; the tracker releases it on confirmation.
func (e *Engine) Execute(ctx context.Context, o *domain.Order, res *ledger.Reservation) error {
	if res == nil {
		res = ledger.ReservationFor(o)
	}
	logger := e.logger.With(
		zap.String("order_id", o.ID),
		zap.String("asset", o.Asset),
		zap.String("direction", string(o.Direction)))

	for {
		cur, err := e.orders.Get(o.ID)
		if err != nil {
			return err
		}
		if cur.Status.Terminal() {
			return nil
		}

		n := len(cur.Attempts) + 1
		if !e.cfg.Tip.Allows(n) {
			return e.abandon(ctx, cur, res, fmt.Sprintf("retries exhausted after %d attempts", n-1))
		}

		tip := e.cfg.Tip.Tip(n)
		result, err := e.attempt(ctx, cur, tip, logger)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				// closed underneath the retry, e.g. by an expired attempt landing late
				if now, gerr := e.orders.Get(o.ID); gerr == nil && now.Status.Terminal() {
					logger.Info("Order closed before retry", zap.String("status", string(now.Status)))
					return nil
				}
			}
			return err
		}

		if result.Outcome == domain.OutcomeLanded {
			e.metrics.observeClosed(cur.Direction, domain.OrderConfirmed)
			e.publishConfirmed(cur, result.Fill, n)
			logger.Info("✅ Order confirmed", zap.Int("attempts", n), zap.Uint64("tip", tip))
			return nil
		}

		if result.Outcome == domain.OutcomeUnsettled {
			// the swap executed; another attempt would trade twice
			return e.abandon(ctx, cur, res, unsettledReason(result.Err))
		}
		if result.Err != nil && IsStructural(result.Err) {
			return e.abandon(ctx, cur, res, result.Err.Error())
		}
		logger.Warn("Attempt failed, escalating tip",
			zap.Int("attempt", n),
			zap.String("outcome", string(result.Outcome)),
			zap.Uint64("tip", tip),
			zap.Uint64("next_tip", e.cfg.Tip.Tip(n+1)),
			zap.Error(result.Err))
	}
}

// attempt builds, signs, records and sends one attempt, then waits for the
// tracker. Only context cancellation and journal failures are returned as
// errors; everything else is folded into the result.
func (e *Engine) attempt(ctx context.Context, o *domain.Order, tip uint64, logger *zap.Logger) (domain.AttemptResult, error) {
	start := e.now()

	amount, err := RawAmount(o.Requested.Sub(o.Filled), o.InputDecimals())
	if err != nil {
		return e.failBeforeSend(ctx, o, tip, domain.NewError(domain.ErrStructuralSubmission, "amount", err))
	}

	swap, err := e.builder.BuildSwap(ctx, SwapRequest{
		OrderID:     o.ID,
		InputMint:   o.InputMint(),
		OutputMint:  o.OutputMint(),
		Amount:      amount,
		SlippageBps: e.slippage(o.Direction),
		TipLamports: tip,
	})
	if err != nil {
		if ctx.Err() != nil {
			return domain.AttemptResult{}, ctx.Err()
		}
		return e.failBeforeSend(ctx, o, tip, fmt.Errorf("build swap: %w", err))
	}
	if swap == nil || swap.Tx == nil {
		return e.failBeforeSend(ctx, o, tip, errors.New("build swap: empty transaction"))
	}
	tx := swap.Tx
	if err := e.signer.SignTransaction(tx); err != nil {
		return e.failBeforeSend(ctx, o, tip, domain.NewError(domain.ErrStructuralSubmission, "sign", err))
	}
	if len(tx.Signatures) == 0 {
		return e.failBeforeSend(ctx, o, tip, domain.Errorf(domain.ErrStructuralSubmission, "sign", "transaction has no signature"))
	}
	slot, err := e.sender.GetSlot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return domain.AttemptResult{}, ctx.Err()
		}
		return e.failBeforeSend(ctx, o, tip, fmt.Errorf("get slot: %w", err))
	}

	// the attempt is journaled before it leaves the process so a crash never
	// hides a transaction that may land
	updated, err := e.orders.AppendAttempt(ctx, o.ID, domain.ExecutionAttempt{
		TipLamports:          tip,
		Signature:            tx.Signatures[0].String(),
		SubmittedSlot:        slot,
		SubmittedAt:          start,
		LastValidBlockHeight: swap.LastValidBlockHeight,
	})
	if err != nil {
		return domain.AttemptResult{}, fmt.Errorf("record attempt: %w", err)
	}
	attempt := *updated.LastAttempt()

	if _, err := e.sender.SendTransaction(ctx, tx); err != nil {
		if IsStructural(err) {
			if _, rerr := e.orders.ResolveAttempt(ctx, o.ID, attempt.Number, domain.OutcomeDropped, err.Error()); rerr != nil {
				return domain.AttemptResult{}, rerr
			}
			e.metrics.observeAttempt(domain.OutcomeDropped, tip)
			return domain.AttemptResult{Outcome: domain.OutcomeDropped, Err: domain.NewError(domain.ErrStructuralSubmission, "send", err)}, nil
		}
		// the transaction may still have reached a leader
		logger.Warn("Send failed, awaiting expiry", zap.String("signature", attempt.Signature), zap.Error(err))
	}
	e.metrics.trackSubmit(start)
	logger.Info("📤 Attempt submitted",
		zap.Int("attempt", attempt.Number),
		zap.String("signature", attempt.Signature),
		zap.Uint64("tip", tip),
		zap.Uint64("slot", slot))

	result, err := e.awaiter.Await(ctx, updated, attempt)
	if err != nil {
		return domain.AttemptResult{}, err
	}
	e.metrics.observeAttempt(result.Outcome, tip)
	return result, nil
}

// failBeforeSend records an attempt that never reached the network as dropped
// so it counts against the attempt budget.
func (e *Engine) failBeforeSend(ctx context.Context, o *domain.Order, tip uint64, cause error) (domain.AttemptResult, error) {
	updated, err := e.orders.AppendAttempt(ctx, o.ID, domain.ExecutionAttempt{
		TipLamports: tip,
		SubmittedAt: e.now(),
	})
	if err != nil {
		return domain.AttemptResult{}, fmt.Errorf("record attempt: %w", err)
	}
	if _, err := e.orders.ResolveAttempt(ctx, o.ID, updated.LastAttempt().Number, domain.OutcomeDropped, cause.Error()); err != nil {
		return domain.AttemptResult{}, err
	}
	e.metrics.observeAttempt(domain.OutcomeDropped, tip)
	return domain.AttemptResult{Outcome: domain.OutcomeDropped, Err: cause}, nil
}

// Recover settles an order that was open when the process stopped: its last
// submitted attempt is checked once, and anything not landed is abandoned.
func (e *Engine) Recover(ctx context.Context, o *domain.Order, res *ledger.Reservation) error {
	if res == nil {
		res = ledger.ReservationFor(o)
	}
	if last := o.LastAttempt(); last != nil && last.Signature != "" && (last.Outcome == domain.OutcomeUnknown || last.Outcome == domain.OutcomeLanded) {
		result, err := e.awaiter.Await(ctx, o, *last)
		if err != nil {
			return err
		}
		if result.Outcome == domain.OutcomeLanded {
			e.metrics.observeClosed(o.Direction, domain.OrderConfirmed)
			e.publishConfirmed(o, result.Fill, last.Number)
			return nil
		}
	}
	cur, err := e.orders.Get(o.ID)
	if err != nil {
		return err
	}
	if cur.Status.Terminal() {
		return nil
	}
	return e.abandon(ctx, cur, res, "interrupted by restart")
}

func unsettledReason(err error) string {
	if err == nil {
		return "landed but not settled"
	}
	return "landed but not settled: " + err.Error()
}

func (e *Engine) abandon(ctx context.Context, o *domain.Order, res *ledger.Reservation, reason string) error {
	if _, err := e.orders.Abandon(ctx, o.ID, reason); err != nil {
		return fmt.Errorf("abandon order %s: %w", o.ID, err)
	}
	e.releaser.Release(res)
	e.metrics.observeClosed(o.Direction, domain.OrderAbandoned)
	e.logger.Error("❌ Order abandoned",
		zap.String("order_id", o.ID),
		zap.String("asset", o.Asset),
		zap.Int("attempts", len(o.Attempts)),
		zap.String("reason", reason))
	_ = e.publisher.Publish(events.OrderEvent{
		BaseEvent: events.Base(events.OrderAbandoned),
		OrderID:   o.ID,
		SourceTx:  o.SourceTx,
		Asset:     o.Asset,
		Direction: string(o.Direction),
		Amount:    o.Requested,
		Attempts:  len(o.Attempts),
		Reason:    reason,
	})
	return nil
}

func (e *Engine) publishConfirmed(o *domain.Order, fill *domain.Fill, attempts int) {
	ev := events.OrderEvent{
		BaseEvent: events.Base(events.OrderConfirmed),
		OrderID:   o.ID,
		SourceTx:  o.SourceTx,
		Asset:     o.Asset,
		Direction: string(o.Direction),
		Amount:    o.Requested,
		Attempts:  attempts,
	}
	if fill != nil {
		ev.Signature = fill.Signature
	}
	_ = e.publisher.Publish(ev)
}

func (e *Engine) slippage(d domain.Direction) uint16 {
	if d == domain.Sell {
		return e.cfg.SellSlippageBps
	}
	return e.cfg.BuySlippageBps
}

var errNonPositive = errors.New("amount must be positive")

// RawAmount converts a UI amount to integer base units, truncating.
func RawAmount(amount decimal.Decimal, decimals uint8) (uint64, error) {
	raw := amount.Shift(int32(decimals)).Truncate(0)
	if !raw.IsPositive() {
		return 0, fmt.Errorf("%w: %s", errNonPositive, amount)
	}
	if !raw.BigInt().IsUint64() {
		return 0, fmt.Errorf("amount %s overflows", amount)
	}
	return raw.BigInt().Uint64(), nil
}
