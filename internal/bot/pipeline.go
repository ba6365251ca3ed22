// internal/bot/pipeline.go
package bot

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rovshanmuradov/solana-copybot/internal/domain"
	"github.com/rovshanmuradov/solana-copybot/internal/executor"
	"github.com/rovshanmuradov/solana-copybot/internal/logger"
)

// ingest normalizes decoded swaps and hands accepted ones to sizing. Swaps are
// processed one at a time so per-wallet arrival order carries through; sized
// orders queue on their asset's execution lane.
func (r *Runner) ingest(ctx context.Context, lanes *executor.Lanes) error {
	events := r.watcher.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			sig, err := r.normalizer.Normalize(ctx, ev)
			if err != nil {
				switch {
				case domain.Expected(err):
					r.logger.Debug("Swap ignored", zap.String("tx", ev.Signature), zap.Error(err))
				case errors.Is(err, domain.ErrDecode):
					r.logger.Warn("Malformed swap skipped", zap.String("tx", ev.Signature), zap.Error(err))
				default:
					r.logger.Error("Normalization failed", zap.String("tx", ev.Signature), zap.Error(err))
				}
				continue
			}
			r.dispatch(ctx, sig, lanes)
		}
	}
}

// mirror feeds synthetic exits from the position sync guard into sizing.
func (r *Runner) mirror(ctx context.Context, signals <-chan domain.TradeSignal, lanes *executor.Lanes) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-signals:
			r.dispatch(ctx, &s, lanes)
		}
	}
}

// dispatch journals the signal, sizes it and queues the resulting order.
// A signal that cannot be journaled is not traded, and its source transaction
// is released from dedup so a replay of the swap gets another chance.
func (r *Runner) dispatch(ctx context.Context, sig *domain.TradeSignal, lanes *executor.Lanes) {
	log := logger.WithSignal(r.logger, sig)

	if err := r.recorder.Record(ctx, domain.EventSignalReceived, domain.SignalReceivedData{Signal: *sig}); err != nil {
		log.Error("💥 Signal dropped: journal unavailable", zap.Error(err))
		if rerr := r.normalizer.Release(ctx, sig.SourceTx); rerr != nil {
			log.Warn("Dedup release failed", zap.Error(rerr))
		}
		return
	}

	dec, err := r.risk.Size(ctx, sig)
	if err != nil {
		// rejections are logged and published by the risk engine
		if !domain.Expected(err) {
			log.Error("Sizing failed", zap.Error(err))
		}
		return
	}

	if err := lanes.Submit(ctx, dec); err != nil {
		// the pending order is settled by Recover on the next start
		log.Debug("Order left for recovery", zap.String("order_id", dec.Order.ID), zap.Error(err))
	}
}

// resume settles orders that were open when the previous run stopped.
func (r *Runner) resume(ctx context.Context) {
	r.mu.Lock()
	open := r.recovered
	r.recovered = nil
	r.mu.Unlock()
	if len(open) == 0 {
		return
	}

	r.logger.Info("♻️ Settling orders from previous run", zap.Int("orders", len(open)))
	var g errgroup.Group
	g.SetLimit(max(r.cfg.Workers, 1))
	for _, o := range open {
		g.Go(func() error {
			if err := r.executor.Recover(ctx, o, nil); err != nil && ctx.Err() == nil {
				logger.WithOrder(r.logger, o).Error("Recovery failed", zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// serveMetrics exposes the registry on cfg.MetricsAddr until ctx is done.
func (r *Runner) serveMetrics(ctx context.Context) error {
	if r.cfg.MetricsAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry}))
	srv := &http.Server{
		Addr:              r.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	r.logger.Info("📈 Metrics server listening", zap.String("addr", r.cfg.MetricsAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
