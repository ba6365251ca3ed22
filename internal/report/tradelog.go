// internal/report/tradelog.go
package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/events"
)

var tradeLogHeader = []string{"timestamp", "order_id", "source_tx", "asset", "direction", "amount", "status", "attempts", "signature", "reason"}

// TradeLog appends one CSV row per closed order. Writes are buffered and
// flushed periodically and on Close.
type TradeLog struct {
	mu       sync.Mutex
	writer   *csv.Writer
	file     *os.File
	ticker   *time.Ticker
	done     chan struct{}
	subs     []events.Subscription
	logger   *zap.Logger
	filePath string

	writtenRecords uint64
	flushCount     uint64
}

// NewTradeLog opens (or creates) the CSV file, writing the header to an empty file.
func NewTradeLog(filePath string, flushInterval time.Duration, logger *zap.Logger) (*TradeLog, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	tl := &TradeLog{
		writer:   csv.NewWriter(file),
		file:     file,
		ticker:   time.NewTicker(flushInterval),
		done:     make(chan struct{}),
		logger:   logger.Named("trade-log"),
		filePath: filePath,
	}
	if stat.Size() == 0 {
		if err := tl.writer.Write(tradeLogHeader); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to write header: %w", err)
		}
		tl.writer.Flush()
	}

	go tl.periodicFlush()
	return tl, nil
}

// Attach subscribes the log to closed-order notifications on bus.
func (tl *TradeLog) Attach(bus *events.Bus) {
	handler := events.HandlerFunc(func(_ context.Context, e events.Event) error {
		oe, ok := e.(events.OrderEvent)
		if !ok {
			return nil
		}
		return tl.Write(oe)
	})
	tl.subs = append(tl.subs,
		bus.Subscribe(events.OrderConfirmed, handler),
		bus.Subscribe(events.OrderAbandoned, handler),
	)
}

// Write appends the order event as a row.
func (tl *TradeLog) Write(e events.OrderEvent) error {
	status := "confirmed"
	if e.Type() == events.OrderAbandoned {
		status = "abandoned"
	}
	record := []string{
		e.Timestamp().UTC().Format(time.RFC3339),
		e.OrderID,
		e.SourceTx,
		e.Asset,
		e.Direction,
		e.Amount.String(),
		status,
		strconv.Itoa(e.Attempts),
		e.Signature,
		e.Reason,
	}

	tl.mu.Lock()
	defer tl.mu.Unlock()
	if err := tl.writer.Write(record); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	tl.writtenRecords++
	return nil
}

// Flush forces buffered rows to disk.
func (tl *TradeLog) Flush() error {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	tl.writer.Flush()
	if err := tl.writer.Error(); err != nil {
		return fmt.Errorf("CSV writer error: %w", err)
	}
	if err := tl.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	tl.flushCount++
	return nil
}

func (tl *TradeLog) periodicFlush() {
	for {
		select {
		case <-tl.ticker.C:
			if err := tl.Flush(); err != nil {
				tl.logger.Error("Periodic CSV flush failed", zap.String("file", tl.filePath), zap.Error(err))
			}
		case <-tl.done:
			return
		}
	}
}

// Close unsubscribes, flushes and closes the file.
func (tl *TradeLog) Close() error {
	for _, s := range tl.subs {
		s.Unsubscribe()
	}
	close(tl.done)
	tl.ticker.Stop()

	tl.mu.Lock()
	defer tl.mu.Unlock()

	tl.writer.Flush()
	if err := tl.writer.Error(); err != nil {
		return fmt.Errorf("CSV writer error on close: %w", err)
	}
	if err := tl.file.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	tl.logger.Info("Trade log closed",
		zap.String("file", tl.filePath),
		zap.Uint64("records", tl.writtenRecords),
		zap.Uint64("flushes", tl.flushCount))
	return nil
}

// Stats returns written records and flush count.
func (tl *TradeLog) Stats() (records, flushes uint64) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.writtenRecords, tl.flushCount
}
