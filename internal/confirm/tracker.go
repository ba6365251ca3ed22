// internal/confirm/tracker.go
package confirm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rovshanmuradov/solana-copybot/internal/blockchain/solbc"
	"github.com/rovshanmuradov/solana-copybot/internal/decoder"
	"github.com/rovshanmuradov/solana-copybot/internal/domain"
	"github.com/rovshanmuradov/solana-copybot/internal/ledger"
)

// Client is the ledger read surface the tracker polls.
type Client interface {
	GetSlot(ctx context.Context) (uint64, error)
	GetBlockHeight(ctx context.Context) (uint64, error)
	GetSignatureStatuses(ctx context.Context, signatures []string) ([]*solbc.SignatureStatus, error)
	GetTransaction(ctx context.Context, signature string) (*decoder.Transaction, error)
}

// Orders records attempt outcomes and confirmations.
type Orders interface {
	Get(id string) (*domain.Order, error)
	ResolveAttempt(ctx context.Context, id string, number int, outcome domain.AttemptOutcome, reason string) (*domain.Order, error)
	Confirm(ctx context.Context, id string, fill domain.Fill) (*domain.Order, error)
}

// Ledger applies fills.
type Ledger interface {
	ApplyFill(ctx context.Context, fill domain.Fill, res *ledger.Reservation) (domain.Position, error)
}

type Config struct {
	PollInterval time.Duration
	// ExpirySlots is how many slots past submission an unseen attempt is
	// considered expired when its blockhash expiry is unknown.
	ExpirySlots uint64
	// Timeout bounds the wall-clock wait when neither block height nor
	// slots are available.
	Timeout   time.Duration
	BatchSize int
	// FetchTries bounds GetTransaction retries within one poll.
	FetchTries uint
	// SettleTries bounds the polls spent settling a landed attempt before it
	// is resolved as unsettled.
	SettleTries int
	// LateSlots is how long an attempt that expired without its blockhash
	// expiring stays watched for a late landing.
	LateSlots uint64
}

type waiter struct {
	order    *domain.Order
	attempt  domain.ExecutionAttempt
	since    time.Time
	failures int
	// until is the last slot a late landing is looked for; zero until the
	// next poll sets it.
	until  uint64
	done   chan struct{}
	result domain.AttemptResult
}

// Tracker resolves submitted attempts by polling signature statuses in
// batches. Each signature is resolved once; later Awaits get the cached result.
//
// An attempt is final once the block height passes its blockhash's last valid
// height. Attempts expired on slots or time instead are watched a while
// longer, and a late landing is still applied to the ledger.
type Tracker struct {
	cfg     Config
	client  Client
	orders  Orders
	ledger  Ledger
	owner   string
	metrics *Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	waiting  map[string]*waiter
	late     map[string]*waiter
	resolved map[string]domain.AttemptResult
	// lateClosed holds orders confirmed by a late landing, by order ID.
	lateClosed map[string]domain.AttemptResult
}

func NewTracker(cfg Config, client Client, orders Orders, l Ledger, owner string, metrics *Metrics, logger *zap.Logger) *Tracker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > 256 {
		cfg.BatchSize = 256
	}
	if cfg.FetchTries == 0 {
		cfg.FetchTries = 5
	}
	if cfg.SettleTries <= 0 {
		cfg.SettleTries = 10
	}
	if cfg.LateSlots == 0 {
		cfg.LateSlots = 300
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Tracker{
		cfg:        cfg,
		client:     client,
		orders:     orders,
		ledger:     l,
		owner:      owner,
		metrics:    metrics,
		logger:     logger.Named("confirm"),
		now:        time.Now,
		waiting:    make(map[string]*waiter),
		late:       make(map[string]*waiter),
		resolved:   make(map[string]domain.AttemptResult),
		lateClosed: make(map[string]domain.AttemptResult),
	}
}

// Await blocks until attempt is resolved by Run or ctx is done.
func (t *Tracker) Await(ctx context.Context, o *domain.Order, attempt domain.ExecutionAttempt) (domain.AttemptResult, error) {
	if attempt.Signature == "" {
		return domain.AttemptResult{Outcome: domain.OutcomeDropped, Err: errors.New("attempt was never sent")}, nil
	}

	t.mu.Lock()
	if res, ok := t.resolved[attempt.Signature]; ok {
		t.mu.Unlock()
		return res, nil
	}
	if res, ok := t.lateClosed[o.ID]; ok {
		// an earlier attempt already filled the order; this one may still
		// land and is only watched
		t.late[attempt.Signature] = &waiter{order: o.Clone(), attempt: attempt, since: t.now()}
		t.resolved[attempt.Signature] = res
		t.mu.Unlock()
		return res, nil
	}
	w, ok := t.waiting[attempt.Signature]
	if !ok {
		w = &waiter{
			order:   o.Clone(),
			attempt: attempt,
			since:   t.now(),
			done:    make(chan struct{}),
		}
		t.waiting[attempt.Signature] = w
	}
	t.mu.Unlock()

	select {
	case <-w.done:
		return w.result, nil
	case <-ctx.Done():
		return domain.AttemptResult{}, ctx.Err()
	}
}

// Pending returns the number of attempts awaiting resolution.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiting)
}

// Watching returns the number of expired attempts still watched for a late
// landing.
func (t *Tracker) Watching() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.late)
}

// Run polls until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := t.Poll(ctx); err != nil && ctx.Err() == nil {
				t.logger.Warn("Confirmation poll failed", zap.Error(err))
			}
		}
	}
}

// Poll checks every waiting and late-watched attempt once.
func (t *Tracker) Poll(ctx context.Context) error {
	t.mu.Lock()
	late := make([]*waiter, 0, len(t.late))
	for _, w := range t.late {
		late = append(late, w)
	}
	batch := make([]*waiter, 0, len(t.waiting))
	for _, w := range t.waiting {
		batch = append(batch, w)
	}
	t.mu.Unlock()
	if len(batch) == 0 && len(late) == 0 {
		return nil
	}

	slot, err := t.client.GetSlot(ctx)
	if err != nil {
		return fmt.Errorf("get slot: %w", err)
	}
	height := t.blockHeight(ctx, batch)

	statuses, err := t.statuses(ctx, append(late, batch...))
	if err != nil {
		return err
	}

	// late landings first: one may close an order whose current attempt is
	// in the batch
	for i, w := range late {
		t.checkLate(ctx, w, statuses[i], slot)
	}
	for i, w := range batch {
		t.check(ctx, w, statuses[len(late)+i], slot, height)
	}
	return nil
}

// blockHeight is fetched only when some attempt carries a blockhash expiry.
// Zero means unknown and falls back to slots.
func (t *Tracker) blockHeight(ctx context.Context, batch []*waiter) uint64 {
	for _, w := range batch {
		if w.attempt.LastValidBlockHeight == 0 {
			continue
		}
		height, err := t.client.GetBlockHeight(ctx)
		if err != nil {
			t.logger.Debug("Block height unavailable, using slots", zap.Error(err))
			return 0
		}
		return height
	}
	return 0
}

func (t *Tracker) statuses(ctx context.Context, batch []*waiter) ([]*solbc.SignatureStatus, error) {
	statuses := make([]*solbc.SignatureStatus, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(batch); start += t.cfg.BatchSize {
		end := min(start+t.cfg.BatchSize, len(batch))
		g.Go(func() error {
			sigs := make([]string, 0, end-start)
			for _, w := range batch[start:end] {
				sigs = append(sigs, w.attempt.Signature)
			}
			res, err := t.client.GetSignatureStatuses(gctx, sigs)
			if err != nil {
				return fmt.Errorf("signature statuses: %w", err)
			}
			copy(statuses[start:end], res)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return statuses, nil
}

func (t *Tracker) check(ctx context.Context, w *waiter, status *solbc.SignatureStatus, slot, height uint64) {
	sig := w.attempt.Signature
	t.mu.Lock()
	cur, ok := t.waiting[sig]
	t.mu.Unlock()
	if !ok || cur != w {
		return
	}

	switch {
	case status != nil && status.Confirmed && status.Err != nil:
		t.finish(ctx, w, domain.AttemptResult{Outcome: domain.OutcomeDropped, Err: status.Err})

	case status != nil && status.Confirmed:
		fill, err := t.settle(ctx, w)
		if err != nil {
			t.unsettled(ctx, w, err)
			return
		}
		t.finish(ctx, w, domain.AttemptResult{Outcome: domain.OutcomeLanded, Fill: fill})

	case status == nil:
		expired, final := t.expiry(w, slot, height)
		if !expired {
			return
		}
		var err error
		if final {
			err = domain.Errorf(domain.ErrConfirmationTimeout, "confirm",
				"%s blockhash expired at height %d, valid through %d", sig, height, w.attempt.LastValidBlockHeight)
		} else {
			err = domain.Errorf(domain.ErrConfirmationTimeout, "confirm",
				"%s unseen %d slots after %d", sig, slot-min(slot, w.attempt.SubmittedSlot), w.attempt.SubmittedSlot)
		}
		if t.finish(ctx, w, domain.AttemptResult{Outcome: domain.OutcomeExpired, Err: err}) && !final {
			t.watchLate(w, slot)
		}
	}
}

// expiry reports whether w has expired and whether it can never land. Only a
// block height past the blockhash's last valid height is final.
func (t *Tracker) expiry(w *waiter, slot, height uint64) (expired, final bool) {
	if lv := w.attempt.LastValidBlockHeight; lv > 0 && height > 0 {
		return height > lv, height > lv
	}
	if w.attempt.SubmittedSlot > 0 && t.cfg.ExpirySlots > 0 && slot > w.attempt.SubmittedSlot+t.cfg.ExpirySlots {
		return true, false
	}
	return t.cfg.Timeout > 0 && t.now().Sub(w.since) > t.cfg.Timeout, false
}

// unsettled handles a landed attempt whose fill could not be applied. It is
// retried on later polls unless the failure is permanent or the tries run
// out; then the attempt resolves as unsettled and the executor closes the
// order rather than trade again.
func (t *Tracker) unsettled(ctx context.Context, w *waiter, err error) {
	w.failures++
	if !permanent(err) && w.failures < t.cfg.SettleTries {
		t.logger.Warn("Landed attempt not settled yet",
			zap.String("order_id", w.order.ID),
			zap.String("signature", w.attempt.Signature),
			zap.Int("tries", w.failures),
			zap.Error(err))
		return
	}
	t.logger.Error("🛑 Landed attempt could not be settled, position needs review",
		zap.String("order_id", w.order.ID),
		zap.String("asset", w.order.Asset),
		zap.String("signature", w.attempt.Signature),
		zap.Int("tries", w.failures),
		zap.Error(err))
	t.finish(ctx, w, domain.AttemptResult{Outcome: domain.OutcomeUnsettled, Err: err})
}

func permanent(err error) bool {
	return errors.Is(err, domain.ErrDecode) ||
		errors.Is(err, domain.ErrNotSwap) ||
		errors.Is(err, domain.ErrOverfill) ||
		errors.Is(err, domain.ErrInvalidTransition) ||
		errors.Is(err, domain.ErrOrderNotFound)
}

func (t *Tracker) fetch(ctx context.Context, sig string) (*decoder.Transaction, error) {
	tx, err := backoff.Retry(ctx, func() (*decoder.Transaction, error) {
		tx, err := t.client.GetTransaction(ctx, sig)
		if err != nil {
			return nil, err
		}
		if tx == nil {
			return nil, fmt.Errorf("transaction %s not yet available", sig)
		}
		return tx, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(t.cfg.FetchTries))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", sig, err)
	}
	return tx, nil
}

// settle extracts and applies the fill of a landed attempt. Every step is
// idempotent, so a retry after a partial failure applies the fill once.
func (t *Tracker) settle(ctx context.Context, w *waiter) (*domain.Fill, error) {
	tx, err := t.fetch(ctx, w.attempt.Signature)
	if err != nil {
		return nil, err
	}
	fill, err := ExtractFill(tx, t.owner, w.order)
	if err != nil {
		return nil, err
	}
	if _, err := t.ledger.ApplyFill(ctx, fill, ledger.ReservationFor(w.order)); err != nil {
		return nil, err
	}
	if _, err := t.orders.ResolveAttempt(ctx, w.order.ID, w.attempt.Number, domain.OutcomeLanded, ""); err != nil {
		return nil, err
	}
	if _, err := t.orders.Confirm(ctx, w.order.ID, fill); err != nil {
		return nil, err
	}
	return &fill, nil
}

// finish resolves w and wakes its Await. It reports false when the outcome
// could not be recorded; w then stays waiting for the next poll.
func (t *Tracker) finish(ctx context.Context, w *waiter, result domain.AttemptResult) bool {
	if result.Outcome != domain.OutcomeLanded {
		reason := ""
		if result.Err != nil {
			reason = result.Err.Error()
		}
		if _, err := t.orders.ResolveAttempt(ctx, w.order.ID, w.attempt.Number, result.Outcome, reason); err != nil {
			t.logger.Error("Failed to record attempt outcome",
				zap.String("order_id", w.order.ID),
				zap.String("signature", w.attempt.Signature),
				zap.Error(err))
			return false
		}
	}

	t.mu.Lock()
	delete(t.waiting, w.attempt.Signature)
	t.resolved[w.attempt.Signature] = result
	t.mu.Unlock()

	t.metrics.observe(result.Outcome, t.now().Sub(w.attempt.SubmittedAt))
	t.logger.Info("Attempt resolved",
		zap.String("order_id", w.order.ID),
		zap.Int("attempt", w.attempt.Number),
		zap.String("signature", w.attempt.Signature),
		zap.String("outcome", string(result.Outcome)))

	w.result = result
	close(w.done)
	return true
}

func (t *Tracker) watchLate(w *waiter, slot uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.late[w.attempt.Signature] = &waiter{
		order:   w.order,
		attempt: w.attempt,
		since:   w.since,
		until:   slot + t.cfg.LateSlots,
	}
}

func (t *Tracker) forget(w *waiter) {
	t.mu.Lock()
	delete(t.late, w.attempt.Signature)
	t.mu.Unlock()
}

func (t *Tracker) checkLate(ctx context.Context, w *waiter, status *solbc.SignatureStatus, slot uint64) {
	if w.until == 0 {
		w.until = slot + t.cfg.LateSlots
	}
	switch {
	case status != nil && status.Confirmed && status.Err == nil:
		t.settleLate(ctx, w, slot)
	case status != nil && status.Confirmed:
		// failed on chain, nothing moved
		t.forget(w)
	case slot > w.until:
		t.forget(w)
	}
}

// settleLate applies the fill of an expired attempt that landed after all.
// An order still open is confirmed with it and its current attempt, if any,
// is resolved with the same fill and watched in turn. An order already closed
// only gets its position corrected.
func (t *Tracker) settleLate(ctx context.Context, w *waiter, slot uint64) {
	sig := w.attempt.Signature
	logger := t.logger.With(
		zap.String("order_id", w.order.ID),
		zap.String("asset", w.order.Asset),
		zap.String("signature", sig))

	tx, err := t.fetch(ctx, sig)
	if err != nil {
		logger.Warn("Late landing not readable yet", zap.Error(err))
		if slot > w.until {
			t.forget(w)
		}
		return
	}
	fill, err := ExtractFill(tx, t.owner, w.order)
	if err != nil {
		logger.Error("🛑 Late landing could not be read, position needs review", zap.Error(err))
		t.forget(w)
		return
	}
	o, err := t.orders.Get(w.order.ID)
	if err != nil {
		logger.Error("🛑 Late landing for unknown order", zap.Error(err))
		t.forget(w)
		return
	}

	open := o.Status == domain.OrderSubmitted || o.Status == domain.OrderFailed
	var res *ledger.Reservation
	if open {
		res = ledger.ReservationFor(o)
	}
	if _, err := t.ledger.ApplyFill(ctx, fill, res); err != nil {
		logger.Error("Failed to apply late fill", zap.Error(err))
		return
	}
	result := domain.AttemptResult{Outcome: domain.OutcomeLanded, Fill: &fill}
	if open {
		if _, err := t.orders.Confirm(ctx, o.ID, fill); err != nil {
			logger.Error("🛑 Late fill applied but order not confirmed", zap.Error(err))
			open = false
		}
	}

	var superseded []*waiter
	t.mu.Lock()
	delete(t.late, sig)
	t.resolved[sig] = result
	if open {
		t.lateClosed[o.ID] = result
		for s, cur := range t.waiting {
			if cur.order.ID != o.ID {
				continue
			}
			delete(t.waiting, s)
			t.resolved[s] = result
			t.late[s] = &waiter{order: cur.order, attempt: cur.attempt, since: cur.since, until: slot + t.cfg.LateSlots}
			superseded = append(superseded, cur)
		}
	}
	t.mu.Unlock()

	t.metrics.lateLanded()
	if open {
		logger.Warn("⚠️ Expired attempt landed late, order confirmed",
			zap.Int("attempt", w.attempt.Number),
			zap.String("quantity", fill.Quantity.String()))
	} else {
		logger.Error("🛑 Expired attempt landed after the order closed, position corrected",
			zap.Int("attempt", w.attempt.Number),
			zap.String("status", string(o.Status)),
			zap.String("quantity", fill.Quantity.String()))
	}
	for _, cur := range superseded {
		cur.result = result
		close(cur.done)
	}
}
