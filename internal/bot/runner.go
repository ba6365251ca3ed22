// internal/bot/runner.go
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rovshanmuradov/solana-copybot/internal/blockchain/solbc"
	"github.com/rovshanmuradov/solana-copybot/internal/config"
	"github.com/rovshanmuradov/solana-copybot/internal/confirm"
	"github.com/rovshanmuradov/solana-copybot/internal/domain"
	"github.com/rovshanmuradov/solana-copybot/internal/events"
	"github.com/rovshanmuradov/solana-copybot/internal/executor"
	"github.com/rovshanmuradov/solana-copybot/internal/journal"
	"github.com/rovshanmuradov/solana-copybot/internal/jupiter"
	"github.com/rovshanmuradov/solana-copybot/internal/ledger"
	"github.com/rovshanmuradov/solana-copybot/internal/order"
	"github.com/rovshanmuradov/solana-copybot/internal/reconcile"
	"github.com/rovshanmuradov/solana-copybot/internal/report"
	"github.com/rovshanmuradov/solana-copybot/internal/risk"
	"github.com/rovshanmuradov/solana-copybot/internal/signal"
	"github.com/rovshanmuradov/solana-copybot/internal/wallet"
	"github.com/rovshanmuradov/solana-copybot/internal/watcher"
)

// RPC is the node surface shared by the watcher, the tracker, the executor
// and the position sync guard.
type RPC interface {
	confirm.Client
	watcher.History
	reconcile.Balances
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
}

// Chain bundles the external collaborators of the pipeline.
type Chain struct {
	RPC      RPC
	Streamer watcher.Streamer
	Builder  executor.Builder
	Signer   executor.Signer
	Prices   signal.QuoteConverter
	// Owner is the operator wallet address fills are read for.
	Owner string
}

// Runner wires the copy-trading pipeline:
// watcher -> normalizer -> journal -> risk -> executor -> tracker -> ledger.
type Runner struct {
	cfg      *config.Config
	logger   *zap.Logger
	shutdown *ShutdownHandler
	registry *prometheus.Registry

	journal    journal.Journal
	recorder   *journal.Recorder
	bus        *events.Bus
	counter    *events.Counter
	ledger     *ledger.Ledger
	book       *order.Book
	window     *signal.MemoryDedup
	normalizer *signal.Normalizer
	risk       *risk.Engine
	executor   *executor.Engine
	tracker    *confirm.Tracker
	watcher    *watcher.Watcher
	guard      *reconcile.Guard
	reporter   *report.Reporter

	mu        sync.Mutex
	recovered []*domain.Order
}

func NewRunner(cfg *config.Config, logger *zap.Logger) *Runner {
	return &Runner{
		cfg:      cfg,
		logger:   logger.Named("runner"),
		shutdown: NewShutdownHandler(logger, 30*time.Second),
		registry: prometheus.NewRegistry(),
	}
}

// Initialize opens the journal, the dedup store and the ledger connections,
// assembles the pipeline and restores state from the journal.
func (r *Runner) Initialize(ctx context.Context) error {
	j, err := r.openJournal(ctx)
	if err != nil {
		return err
	}
	r.shutdown.Add("journal", j)

	dedup, err := r.openDedup(ctx)
	if err != nil {
		return err
	}

	chain, err := r.connect()
	if err != nil {
		return err
	}

	if err := r.Assemble(j, dedup, chain); err != nil {
		return err
	}
	return r.Recover(ctx)
}

func (r *Runner) openJournal(ctx context.Context) (journal.Journal, error) {
	switch r.cfg.Journal.Backend {
	case "memory":
		r.logger.Warn("⚠️ In-memory journal: state is lost on restart")
		return journal.NewMemoryJournal(), nil
	case "postgres":
		j, err := journal.NewPostgresJournal(ctx, r.cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres journal: %w", err)
		}
		return j, nil
	default:
		j, err := journal.NewBadgerJournal(r.cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("open badger journal at %s: %w", r.cfg.Journal.Path, err)
		}
		return j, nil
	}
}

func (r *Runner) openDedup(ctx context.Context) (signal.Dedup, error) {
	if r.cfg.Dedup.Backend != "redis" {
		return signal.NewMemoryDedup(r.cfg.DedupWindow()), nil
	}
	d, err := signal.NewRedisDedup(ctx, signal.RedisConfig{
		Addr:     r.cfg.Redis.Addr,
		Password: r.cfg.Redis.Password,
		DB:       r.cfg.Redis.DB,
	}, r.cfg.DedupWindow())
	if err != nil {
		return nil, err
	}
	r.shutdown.Add("dedup", d)
	return d, nil
}

func (r *Runner) connect() (Chain, error) {
	w, err := wallet.Load(r.cfg.PrivateKey)
	if err != nil {
		return Chain{}, fmt.Errorf("load operator wallet: %w", err)
	}

	client := solbc.NewClient(r.cfg.RPCURL, r.logger)
	r.shutdown.Add("rpc", client)

	streamer := solbc.NewLogStreamer(r.cfg.WSURL, r.logger)
	jup := jupiter.NewClient(jupiter.Config{
		BaseURL:  r.cfg.Jupiter.BaseURL,
		APIKey:   r.cfg.Jupiter.APIKey,
		Timeout:  10 * time.Second,
		PriceTTL: time.Minute,
	}, w.PublicKey, r.logger)

	r.logger.Info("🔑 Operator wallet loaded", zap.String("address", w.Address()))
	return Chain{
		RPC: client,
		Streamer: watcher.StreamerFunc(func(ctx context.Context, address string) (watcher.Stream, error) {
			s, err := streamer.Subscribe(ctx, address)
			if err != nil {
				return nil, err
			}
			return s, nil
		}),
		Builder: jup,
		Signer:  w,
		Prices:  jup,
		Owner:   w.Address(),
	}, nil
}

// Assemble builds every pipeline component on top of j, dedup and chain.
func (r *Runner) Assemble(j journal.Journal, dedup signal.Dedup, chain Chain) error {
	cfg := r.cfg
	r.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r.journal = j
	r.recorder = journal.NewRecorder(j, r.logger)
	r.bus = events.NewBus(r.logger, 256)
	r.counter = events.NewCounter(r.bus,
		events.OrderConfirmed, events.OrderAbandoned, events.SignalRejected,
		events.WatcherReconnected, events.TargetPaused, events.TargetResumed)
	r.notify()

	if m, ok := dedup.(*signal.MemoryDedup); ok {
		r.window = m
	}

	r.ledger = ledger.New(decimal.NewFromFloat(cfg.MaxPositionUSDC), r.recorder, r.logger)
	r.book = order.NewBook(r.recorder, r.logger)

	r.normalizer = signal.NewNormalizer(signal.Config{
		MinSourceUSDC: decimal.NewFromFloat(cfg.MinSourceUSDC),
	}, dedup, chain.Prices, r.logger)

	r.risk = risk.NewEngine(risk.Config{
		CopyAmount:      decimal.NewFromFloat(cfg.CopyAmountUSDC),
		MinTrade:        decimal.NewFromFloat(cfg.MinTradeUSDC),
		PartialPolicy:   risk.PartialPolicy(cfg.PartialFillPolicy),
		SellPolicy:      risk.SellPolicy(cfg.SellPolicy),
		FullExitRatio:   decimal.NewFromFloat(cfg.SellFullExitRatio),
		MinSell:         decimal.NewFromFloat(cfg.MinSellUSDC),
		BuySlippageBps:  cfg.Slippage.Buy,
		SellSlippageBps: cfg.Slippage.Sell,
	}, r.ledger, r.book, r.bus, r.logger)

	r.tracker = confirm.NewTracker(confirm.Config{
		PollInterval: cfg.PollInterval(),
		ExpirySlots:  cfg.Confirm.ExpirySlots,
		Timeout:      cfg.ConfirmTimeout(),
		BatchSize:    cfg.Confirm.BatchSize,
		SettleTries:  cfg.Confirm.SettleTries,
		LateSlots:    cfg.Confirm.LateSlots,
	}, chain.RPC, r.book, r.ledger, chain.Owner, confirm.NewMetrics(r.registry), r.logger)

	r.executor = executor.NewEngine(executor.Config{
		Tip: executor.TipSchedule{
			Base:        cfg.Tip.BaseLamports,
			Multiplier:  cfg.Tip.Multiplier,
			Max:         cfg.Tip.MaxLamports,
			MaxAttempts: cfg.Tip.MaxAttempts,
		},
		BuySlippageBps:  cfg.Slippage.Buy,
		SellSlippageBps: cfg.Slippage.Sell,
	}, r.book, r.ledger, chain.Builder, chain.Signer, chain.RPC, r.tracker, r.bus, executor.NewMetrics(r.registry), r.logger)

	r.watcher = watcher.New(watcher.Config{
		Markers:       cfg.Watcher.SwapMarkers,
		BackfillSlots: cfg.Watcher.BackfillSlots,
		BackfillLimit: cfg.Watcher.BackfillLimit,
		ReconnectMin:  cfg.ReconnectMin(),
		ReconnectMax:  cfg.ReconnectMax(),
	}, chain.Streamer, chain.RPC, r.bus, watcher.NewMetrics(r.registry), r.logger)

	r.guard = reconcile.NewGuard(cfg.ReconcileInterval(), r.ledger, r.book, chain.RPC, r.logger)
	r.guard.SkipPaused(r.paused)

	r.reporter = report.New(cfg.Report.Hour, r.ledger, r.book, r.counter, r.logger)

	if cfg.Report.TradeLog != "" {
		tl, err := report.NewTradeLog(cfg.Report.TradeLog, 5*time.Second, r.logger)
		if err != nil {
			return fmt.Errorf("open trade log: %w", err)
		}
		tl.Attach(r.bus)
		r.shutdown.Add("trade log", tl)
	}
	r.shutdown.AddFunc("events", func() error {
		r.counter.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return r.bus.Shutdown(ctx)
	})
	return nil
}

// Run starts every pipeline stage and blocks until ctx is done or a stage
// fails. Orders left open by the previous run are settled first.
func (r *Runner) Run(ctx context.Context) error {
	if r.watcher == nil {
		return errors.New("runner is not initialized")
	}
	g, ctx := errgroup.WithContext(ctx)

	lanes := executor.NewLanes(r.cfg.Workers, r.cfg.QueueDepth)
	synthetic := make(chan domain.TradeSignal)

	g.Go(func() error { return ignoreCanceled(r.tracker.Run(ctx)) })
	g.Go(func() error {
		r.executor.Run(ctx, lanes)
		return nil
	})
	g.Go(func() error {
		r.resume(ctx)
		return nil
	})
	g.Go(func() error { return r.watcher.Run(ctx, nil) })
	g.Go(func() error { return r.ingest(ctx, lanes) })
	g.Go(func() error { return r.guard.Run(ctx, synthetic) })
	g.Go(func() error { return r.mirror(ctx, synthetic, lanes) })
	g.Go(func() error { return r.reporter.Run(ctx) })
	g.Go(func() error { return r.serveMetrics(ctx) })

	r.logger.Info("🚀 Copy trading started",
		zap.Int("targets", len(r.watcher.Targets())),
		zap.Int("lanes", r.cfg.Workers),
		zap.String("copy_amount_usdc", decimal.NewFromFloat(r.cfg.CopyAmountUSDC).StringFixed(2)),
		zap.String("max_position_usdc", decimal.NewFromFloat(r.cfg.MaxPositionUSDC).StringFixed(2)))

	err := ignoreCanceled(g.Wait())
	r.logger.Info("✅ Pipeline stopped")
	return err
}

// Close releases every resource opened by Initialize.
func (r *Runner) Close(ctx context.Context) error {
	r.logger.Info("👋 Bot shutting down gracefully")
	return r.shutdown.Shutdown(ctx)
}

// PauseTarget stops mirroring address. Orders already derived from it keep
// running to completion.
func (r *Runner) PauseTarget(ctx context.Context, address string) error {
	return r.setTarget(ctx, address, domain.TargetPaused)
}

// ResumeTarget starts mirroring address again from the current slot.
func (r *Runner) ResumeTarget(ctx context.Context, address string) error {
	return r.setTarget(ctx, address, domain.TargetActive)
}

// Targets lists the target wallets with their current status.
func (r *Runner) Targets() []domain.TargetWallet {
	return r.watcher.Targets()
}

func (r *Runner) setTarget(ctx context.Context, address string, status domain.TargetStatus) error {
	var current *domain.TargetWallet
	for _, t := range r.watcher.Targets() {
		if t.Address == address {
			current = &t
			break
		}
	}
	if current == nil {
		return fmt.Errorf("unknown target %s", address)
	}
	if current.Status == status {
		return nil
	}
	current.Status = status
	if err := r.recorder.Record(ctx, domain.EventTargetChanged, domain.TargetChangedData{Target: *current}); err != nil {
		return err
	}
	if status == domain.TargetPaused {
		return r.watcher.Pause(address)
	}
	return r.watcher.Resume(address)
}

func (r *Runner) paused(address string) bool {
	for _, t := range r.watcher.Targets() {
		if t.Address == address {
			return !t.Active()
		}
	}
	return false
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
