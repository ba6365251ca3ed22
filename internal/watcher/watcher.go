// internal/watcher/watcher.go
package watcher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/blockchain/solbc"
	"github.com/rovshanmuradov/solana-copybot/internal/decoder"
	"github.com/rovshanmuradov/solana-copybot/internal/domain"
	"github.com/rovshanmuradov/solana-copybot/internal/events"
)

// Stream is a live subscription to one address.
type Stream interface {
	Recv(ctx context.Context) (solbc.LogNotification, error)
	Close() error
}

// Streamer opens subscriptions.
type Streamer interface {
	Subscribe(ctx context.Context, address string) (Stream, error)
}

// StreamerFunc adapts a function to Streamer.
type StreamerFunc func(ctx context.Context, address string) (Stream, error)

func (f StreamerFunc) Subscribe(ctx context.Context, address string) (Stream, error) {
	return f(ctx, address)
}

// History reads past activity for bounded backfill and fetches transactions.
type History interface {
	GetSlot(ctx context.Context) (uint64, error)
	GetSignaturesForAddress(ctx context.Context, address string, limit int, minSlot uint64) ([]solbc.SignatureInfo, error)
	GetTransaction(ctx context.Context, signature string) (*decoder.Transaction, error)
}

type Config struct {
	// Markers pre-filter notifications by log content before any fetch.
	Markers []string
	// BackfillSlots bounds how far back a reconnect looks.
	BackfillSlots uint64
	// BackfillLimit bounds how many signatures a reconnect fetches.
	BackfillLimit   int
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	EventBufferSize int
}

type target struct {
	wallet   domain.TargetWallet
	cancel   context.CancelFunc
	done     chan struct{}
	lastSlot uint64
}

// Watcher runs one subscription loop per active target wallet and emits
// decoded swaps in arrival order per wallet.
type Watcher struct {
	cfg       Config
	streamer  Streamer
	history   History
	publisher events.Publisher
	metrics   *Metrics
	logger    *zap.Logger
	out       chan domain.SwapEvent

	mu      sync.Mutex
	root    context.Context
	targets map[string]*target
	wg      sync.WaitGroup
}

func New(cfg Config, streamer Streamer, history History, publisher events.Publisher, metrics *Metrics, logger *zap.Logger) *Watcher {
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = 256
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 500 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Watcher{
		cfg:       cfg,
		streamer:  streamer,
		history:   history,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger.Named("watcher"),
		out:       make(chan domain.SwapEvent, cfg.EventBufferSize),
		targets:   make(map[string]*target),
	}
}

// Events is closed after Run returns.
func (w *Watcher) Events() <-chan domain.SwapEvent {
	return w.out
}

// Add registers a wallet without starting it. Known wallets are left as they
// are; their status changes through Pause and Resume.
func (w *Watcher) Add(tw domain.TargetWallet) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.addLocked(tw)
}

func (w *Watcher) addLocked(tw domain.TargetWallet) *target {
	t, ok := w.targets[tw.Address]
	if !ok {
		t = &target{wallet: tw}
		w.targets[tw.Address] = t
	}
	return t
}

// Run registers wallets, starts a loop for every active registered wallet and
// blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context, wallets []domain.TargetWallet) error {
	w.mu.Lock()
	w.root = ctx
	for _, tw := range wallets {
		w.addLocked(tw)
	}
	for _, t := range w.targets {
		if t.wallet.Active() && t.cancel == nil {
			w.startLocked(t)
		}
	}
	w.mu.Unlock()

	<-ctx.Done()
	w.wg.Wait()
	close(w.out)
	return nil
}

// Pause cancels the wallet's subscription. Orders already derived from its
// signals are unaffected.
func (w *Watcher) Pause(address string) error {
	w.mu.Lock()
	t, ok := w.targets[address]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("unknown target %s", address)
	}
	t.wallet.Status = domain.TargetPaused
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	w.logger.Info("⏸ Target paused", zap.String("wallet", address))
	_ = w.publisher.Publish(events.WatcherEvent{BaseEvent: events.Base(events.TargetPaused), Wallet: address})
	return nil
}

// Resume restarts a paused wallet. Activity while paused is not backfilled.
func (w *Watcher) Resume(address string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.targets[address]
	if !ok {
		return fmt.Errorf("unknown target %s", address)
	}
	t.wallet.Status = domain.TargetActive
	if t.cancel == nil && w.root != nil && w.root.Err() == nil {
		t.lastSlot = 0
		w.startLocked(t)
	}
	w.logger.Info("▶ Target resumed", zap.String("wallet", address))
	_ = w.publisher.Publish(events.WatcherEvent{BaseEvent: events.Base(events.TargetResumed), Wallet: address})
	return nil
}

// Targets returns the wallets with their current status.
func (w *Watcher) Targets() []domain.TargetWallet {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]domain.TargetWallet, 0, len(w.targets))
	for _, t := range w.targets {
		out = append(out, t.wallet)
	}
	slices.SortFunc(out, func(a, b domain.TargetWallet) int {
		switch {
		case a.Address < b.Address:
			return -1
		case a.Address > b.Address:
			return 1
		}
		return 0
	})
	return out
}

func (w *Watcher) startLocked(t *target) {
	ctx, cancel := context.WithCancel(w.root)
	t.cancel = cancel
	t.done = make(chan struct{})
	w.wg.Add(1)
	go func(done chan struct{}) {
		defer w.wg.Done()
		defer close(done)
		w.loop(ctx, t)
	}(t.done)
}

// loop keeps one subscription alive, reconnecting with backoff and
// backfilling the outage window on every reconnect. The backoff is shared by
// subscribe failures and dropped streams; it resets only after a stream
// delivered a notification.
func (w *Watcher) loop(ctx context.Context, t *target) {
	addr := t.wallet.Address
	logger := w.logger.With(zap.String("wallet", addr), zap.String("label", t.wallet.Label))

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.cfg.ReconnectMin
	policy.MaxInterval = w.cfg.ReconnectMax
	policy.Reset()

	var lost time.Time
	for ctx.Err() == nil {
		stream, err := w.streamer.Subscribe(ctx, addr)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d := policy.NextBackOff()
			w.metrics.reconnects.Inc()
			logger.Warn("Subscribe failed", zap.Duration("retry_in", d), zap.Error(err))
			if !sleep(ctx, d) {
				return
			}
			continue
		}

		if t.lastSlot == 0 {
			if slot, err := w.history.GetSlot(ctx); err == nil {
				t.lastSlot = slot
			}
			logger.Info("👀 Watching")
		} else {
			n := w.backfill(ctx, t, logger)
			downtime := time.Since(lost)
			logger.Info("🔄 Reconnected", zap.Int("backfilled", n), zap.Duration("downtime", downtime))
			_ = w.publisher.Publish(events.WatcherEvent{
				BaseEvent:  events.Base(events.WatcherReconnected),
				Wallet:     addr,
				Backfilled: n,
				Downtime:   downtime,
			})
		}

		received, err := w.consume(ctx, t, stream)
		_ = stream.Close()
		if ctx.Err() != nil {
			return
		}
		lost = time.Now()
		if received > 0 {
			policy.Reset()
		}
		d := policy.NextBackOff()
		w.metrics.reconnects.Inc()
		logger.Warn("Subscription lost",
			zap.Int("received", received),
			zap.Duration("retry_in", d),
			zap.Error(domain.NewError(domain.ErrSubscriptionLoss, "recv", err)))
		if !sleep(ctx, d) {
			return
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// consume reads notifications until the stream fails and reports how many
// arrived.
func (w *Watcher) consume(ctx context.Context, t *target, stream Stream) (int, error) {
	received := 0
	for {
		n, err := stream.Recv(ctx)
		if err != nil {
			return received, err
		}
		received++
		w.metrics.notifications.Inc()
		if n.Slot > t.lastSlot {
			t.lastSlot = n.Slot
		}
		if n.Failed {
			w.metrics.skipped.WithLabelValues("failed").Inc()
			continue
		}
		if !decoder.HasMarker(n.Logs, w.cfg.Markers) {
			w.metrics.skipped.WithLabelValues("no_marker").Inc()
			continue
		}
		if err := w.handle(ctx, t, n.Signature); err != nil {
			return received, err
		}
	}
}

// backfill replays activity since the last seen slot, bounded by
// BackfillSlots and BackfillLimit, oldest first.
func (w *Watcher) backfill(ctx context.Context, t *target, logger *zap.Logger) int {
	from := t.lastSlot
	if cur, err := w.history.GetSlot(ctx); err == nil && w.cfg.BackfillSlots > 0 && cur > w.cfg.BackfillSlots {
		if floor := cur - w.cfg.BackfillSlots; from < floor {
			logger.Warn("Outage exceeds backfill window, older activity skipped",
				zap.Uint64("last_slot", from), zap.Uint64("from_slot", floor))
			from = floor
		}
	}

	sigs, err := w.history.GetSignaturesForAddress(ctx, t.wallet.Address, w.cfg.BackfillLimit, from)
	if err != nil {
		logger.Warn("Backfill failed", zap.Error(err))
		return 0
	}
	slices.Reverse(sigs)

	n := 0
	for _, s := range sigs {
		if s.Failed {
			continue
		}
		if err := w.handle(ctx, t, s.Signature); err != nil {
			return n
		}
		if s.Slot > t.lastSlot {
			t.lastSlot = s.Slot
		}
		n++
	}
	w.metrics.backfilled.Add(float64(n))
	return n
}

// handle fetches and decodes one transaction and emits it if it is a swap.
// Decode problems are logged and skipped; only cancellation is returned.
func (w *Watcher) handle(ctx context.Context, t *target, signature string) error {
	tx, err := w.history.GetTransaction(ctx, signature)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.metrics.skipped.WithLabelValues("fetch").Inc()
		w.logger.Warn("Fetch failed", zap.String("signature", signature), zap.Error(err))
		return nil
	}
	if tx == nil {
		w.metrics.skipped.WithLabelValues("fetch").Inc()
		w.logger.Debug("Transaction not available", zap.String("signature", signature))
		return nil
	}
	if !decoder.HasMarker(tx.Logs, w.cfg.Markers) {
		w.metrics.skipped.WithLabelValues("no_marker").Inc()
		return nil
	}

	ev, err := decoder.Decode(tx, t.wallet.Address)
	switch {
	case errors.Is(err, domain.ErrNotSwap):
		w.metrics.skipped.WithLabelValues("not_swap").Inc()
		w.logger.Debug("Not a swap", zap.String("signature", signature), zap.Error(err))
		return nil
	case err != nil:
		w.metrics.skipped.WithLabelValues("decode").Inc()
		w.logger.Warn("Decode failed", zap.String("signature", signature), zap.Error(err))
		return nil
	}

	select {
	case w.out <- ev:
		w.metrics.emitted.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
