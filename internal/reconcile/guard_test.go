package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/solana-copybot/internal/domain"
)

type staticHoldings []domain.Position

func (h staticHoldings) Held() []domain.Position { return h }

type staticSources map[string][]string

func (s staticSources) Sources(asset string) []string { return s[asset] }

type mockBalances struct {
	mock.Mock
}

func (m *mockBalances) GetSlot(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *mockBalances) GetTokenBalance(ctx context.Context, owner, mint string) (decimal.Decimal, error) {
	args := m.Called(ctx, owner, mint)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func position(asset string, qty int64) domain.Position {
	return domain.Position{Asset: asset, Decimals: 6, Quantity: decimal.NewFromInt(qty), AvgPrice: decimal.RequireFromString("0.5")}
}

func TestCheck_EmitsExitWhenAllSourcesEmpty(t *testing.T) {
	balances := &mockBalances{}
	balances.On("GetSlot", mock.Anything).Return(uint64(777), nil)
	balances.On("GetTokenBalance", mock.Anything, "w1", "A").Return(decimal.Zero, nil)
	balances.On("GetTokenBalance", mock.Anything, "w2", "A").Return(decimal.Zero, nil)
	balances.On("GetTokenBalance", mock.Anything, "w1", "B").Return(decimal.NewFromInt(5), nil)

	g := NewGuard(time.Second,
		staticHoldings{position("A", 40), position("B", 10)},
		staticSources{"A": {"w1", "w2"}, "B": {"w1"}},
		balances, zaptest.NewLogger(t))

	signals, err := g.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, signals, 1)

	s := signals[0]
	assert.Equal(t, "A", s.Asset)
	assert.Equal(t, domain.Sell, s.Direction)
	assert.True(t, s.Synthetic)
	assert.True(t, s.TargetRemaining.IsZero())
	assert.Equal(t, "reconcile:A:777", s.SourceTx)
	assert.Equal(t, uint64(777), s.Slot)
	balances.AssertExpectations(t)
}

func TestCheck_SkipsInFlightSellsAndReadErrors(t *testing.T) {
	balances := &mockBalances{}
	balances.On("GetSlot", mock.Anything).Return(uint64(1), nil)
	balances.On("GetTokenBalance", mock.Anything, "w1", "B").Return(decimal.Zero, errors.New("429"))

	selling := position("A", 40)
	selling.PendingSell = decimal.NewFromInt(40)

	g := NewGuard(time.Second,
		staticHoldings{selling, position("B", 10), position("C", 1)},
		staticSources{"A": {"w1"}, "B": {"w1"}},
		balances, zaptest.NewLogger(t))

	signals, err := g.Check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, signals)
	balances.AssertNotCalled(t, "GetTokenBalance", mock.Anything, "w1", "A")
}

func TestCheck_PausedSourcesDoNotCount(t *testing.T) {
	balances := &mockBalances{}
	balances.On("GetSlot", mock.Anything).Return(uint64(1), nil)

	g := NewGuard(time.Second, staticHoldings{position("A", 40)}, staticSources{"A": {"w1"}}, balances, zaptest.NewLogger(t))
	g.SkipPaused(func(w string) bool { return w == "w1" })

	signals, err := g.Check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestCheck_NothingHeld(t *testing.T) {
	balances := &mockBalances{}
	g := NewGuard(time.Second, staticHoldings{}, staticSources{}, balances, zaptest.NewLogger(t))

	signals, err := g.Check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, signals)
	balances.AssertNotCalled(t, "GetSlot", mock.Anything)
}

func TestRun_DeliversSignals(t *testing.T) {
	balances := &mockBalances{}
	balances.On("GetSlot", mock.Anything).Return(uint64(9), nil)
	balances.On("GetTokenBalance", mock.Anything, "w1", "A").Return(decimal.Zero, nil)

	g := NewGuard(5*time.Millisecond, staticHoldings{position("A", 40)}, staticSources{"A": {"w1"}}, balances, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan domain.TradeSignal, 1)
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx, out) }()

	select {
	case s := <-out:
		assert.Equal(t, "reconcile:A:9", s.SourceTx)
	case <-time.After(time.Second):
		t.Fatal("no signal")
	}
	cancel()
	require.NoError(t, <-done)
}
