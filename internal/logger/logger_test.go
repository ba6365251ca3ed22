package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rovshanmuradov/solana-copybot/internal/domain"
)

func TestNew_WritesJSONToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "copybot.log")
	l, err := New(&Config{LogFile: path, MaxSize: 1, MaxBackups: 1, MaxAge: 1})
	require.NoError(t, err)

	l.Named("risk").Info("Order created", zap.String("order_id", "o1"))
	l.Debug("hidden at info level")
	_ = l.Sync()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "Order created", entry["msg"])
	assert.Equal(t, "risk", entry["logger"])
	assert.Equal(t, "o1", entry["order_id"])
	assert.Contains(t, entry, "timestamp")
}

func TestContextHelpers(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	base := zap.New(core)

	o := &domain.Order{ID: "o1", SourceTx: "tx1", Asset: "X", Direction: domain.Buy, Requested: decimal.NewFromInt(10)}
	WithOrder(base, o).Info("order")

	s := &domain.TradeSignal{SourceTx: "tx2", SourceWallet: "w", Asset: "Y", Direction: domain.Sell, SourceQuote: decimal.RequireFromString("12.345")}
	WithSignal(base, s).Info("signal")

	end := TrackPerformance(base, "size")
	end()

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, "o1", entries[0].ContextMap()["order_id"])
	assert.Equal(t, "10", entries[0].ContextMap()["requested"])
	assert.Equal(t, "12.35", entries[1].ContextMap()["source_quote"])

	start, done := entries[2].ContextMap(), entries[3].ContextMap()
	assert.Equal(t, "size", start["operation"])
	assert.NotEmpty(t, start["correlation_id"])
	assert.Equal(t, start["correlation_id"], done["correlation_id"])
	assert.Contains(t, done, "duration")
}

func TestShorten(t *testing.T) {
	assert.Equal(t, "EPjF...Dt1v", ShortAddress(domain.USDCMint))
	assert.Equal(t, "abc", ShortAddress("abc"))
	assert.Equal(t, "12345678...ghijklmn", ShortSignature("12345678abcdefghijklmn"))
}
