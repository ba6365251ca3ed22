package order

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/solana-copybot/internal/domain"
	"github.com/rovshanmuradov/solana-copybot/internal/journal"
)

func newBook(t *testing.T) (*Book, *journal.MemoryJournal) {
	j := journal.NewMemoryJournal()
	logger := zaptest.NewLogger(t)
	return NewBook(journal.NewRecorder(j, logger), logger), j
}

func sampleOrder(sourceTx string) *domain.Order {
	return &domain.Order{
		SourceTx:  sourceTx,
		Asset:     "X",
		Direction: domain.Buy,
		Requested: decimal.NewFromInt(10),
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to domain.OrderStatus
		want     bool
	}{
		{domain.OrderPending, domain.OrderSubmitted, true},
		{domain.OrderSubmitted, domain.OrderConfirmed, true},
		{domain.OrderSubmitted, domain.OrderFailed, true},
		{domain.OrderFailed, domain.OrderSubmitted, true},
		{domain.OrderFailed, domain.OrderAbandoned, true},
		{domain.OrderPending, domain.OrderConfirmed, false},
		{domain.OrderConfirmed, domain.OrderSubmitted, false},
		{domain.OrderAbandoned, domain.OrderSubmitted, false},
		{domain.OrderFailed, domain.OrderConfirmed, true},
		{domain.OrderAbandoned, domain.OrderConfirmed, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestCreate_OneOrderPerSourceTx(t *testing.T) {
	book, _ := newBook(t)
	ctx := context.Background()

	first, err := book.Create(ctx, sampleOrder("tx-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, first.Status)
	assert.NotEmpty(t, first.ID)

	_, err = book.Create(ctx, sampleOrder("tx-1"))
	assert.True(t, errors.Is(err, domain.ErrDuplicateSignal))

	got, ok := book.BySource("tx-1")
	require.True(t, ok)
	assert.Equal(t, first.ID, got.ID)
}

func TestAttempts_SequentialAndRetryable(t *testing.T) {
	book, _ := newBook(t)
	ctx := context.Background()
	o, err := book.Create(ctx, sampleOrder("tx-1"))
	require.NoError(t, err)

	o, err = book.AppendAttempt(ctx, o.ID, domain.ExecutionAttempt{TipLamports: 100, Signature: "a1"})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderSubmitted, o.Status)
	assert.Equal(t, 1, o.Attempts[0].Number)

	_, err = book.AppendAttempt(ctx, o.ID, domain.ExecutionAttempt{TipLamports: 200})
	require.Error(t, err, "second attempt while first is in flight")

	o, err = book.ResolveAttempt(ctx, o.ID, 1, domain.OutcomeExpired, "no finality")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFailed, o.Status)

	o, err = book.AppendAttempt(ctx, o.ID, domain.ExecutionAttempt{TipLamports: 200, Signature: "a2"})
	require.NoError(t, err)
	assert.Equal(t, 2, o.LastAttempt().Number)

	_, err = book.ResolveAttempt(ctx, o.ID, 2, domain.OutcomeLanded, "")
	require.NoError(t, err)

	o, err = book.Confirm(ctx, o.ID, domain.Fill{Signature: "a2", Direction: domain.Buy, QuoteAmount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderConfirmed, o.Status)
	assert.True(t, o.Filled.Equal(decimal.NewFromInt(10)))

	_, err = book.Abandon(ctx, o.ID, "late")
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
	assert.Empty(t, book.Open())
}

func TestConfirm_ExpiredAttemptLandingLate(t *testing.T) {
	book, _ := newBook(t)
	ctx := context.Background()
	o, err := book.Create(ctx, sampleOrder("tx-late"))
	require.NoError(t, err)
	_, err = book.AppendAttempt(ctx, o.ID, domain.ExecutionAttempt{Signature: "a1"})
	require.NoError(t, err)
	o, err = book.ResolveAttempt(ctx, o.ID, 1, domain.OutcomeExpired, "unseen")
	require.NoError(t, err)
	require.Equal(t, domain.OrderFailed, o.Status)

	o, err = book.Confirm(ctx, o.ID, domain.Fill{Signature: "a1", Direction: domain.Buy, QuoteAmount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderConfirmed, o.Status)
	assert.Equal(t, domain.OutcomeExpired, o.Attempts[0].Outcome, "first outcome is kept")

	_, err = book.AppendAttempt(ctx, o.ID, domain.ExecutionAttempt{Signature: "a2"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestConfirm_RejectsOverfill(t *testing.T) {
	book, _ := newBook(t)
	ctx := context.Background()
	o, err := book.Create(ctx, sampleOrder("tx-1"))
	require.NoError(t, err)
	_, err = book.AppendAttempt(ctx, o.ID, domain.ExecutionAttempt{Signature: "a1"})
	require.NoError(t, err)

	_, err = book.Confirm(ctx, o.ID, domain.Fill{Signature: "a1", Direction: domain.Buy, QuoteAmount: decimal.NewFromInt(11)})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrOverfill)

	got, err := book.Get(o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderSubmitted, got.Status)
}

func TestApply_RebuildsBookFromJournal(t *testing.T) {
	book, j := newBook(t)
	ctx := context.Background()

	o1, err := book.Create(ctx, sampleOrder("tx-1"))
	require.NoError(t, err)
	_, err = book.AppendAttempt(ctx, o1.ID, domain.ExecutionAttempt{Signature: "a1"})
	require.NoError(t, err)
	_, err = book.Abandon(ctx, o1.ID, "insufficient funds")
	require.NoError(t, err)

	o2, err := book.Create(ctx, sampleOrder("tx-2"))
	require.NoError(t, err)
	_, err = book.AppendAttempt(ctx, o2.ID, domain.ExecutionAttempt{Signature: "b1"})
	require.NoError(t, err)

	rebuilt := NewBook(nil, zaptest.NewLogger(t))
	require.NoError(t, j.Replay(ctx, 0, rebuilt.Apply))

	got1, err := rebuilt.Get(o1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderAbandoned, got1.Status)
	assert.Equal(t, "insufficient funds", got1.Reason)

	open := rebuilt.Open()
	require.Len(t, open, 1)
	assert.Equal(t, o2.ID, open[0].ID)
	assert.Equal(t, "b1", open[0].LastAttempt().Signature)

	_, err = rebuilt.Create(ctx, sampleOrder("tx-2"))
	assert.True(t, errors.Is(err, domain.ErrDuplicateSignal))
}

func TestTransition(t *testing.T) {
	book, _ := newBook(t)
	ctx := context.Background()

	o, err := book.Create(ctx, sampleOrder("tx-transition"))
	require.NoError(t, err)

	_, err = book.Transition(ctx, o.ID, domain.OrderFailed, "no attempt")
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	_, err = book.AppendAttempt(ctx, o.ID, domain.ExecutionAttempt{TipLamports: 10_000, Signature: "sig-1"})
	require.NoError(t, err)

	failed, err := book.Transition(ctx, o.ID, domain.OrderFailed, "blockhash not found")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFailed, failed.Status)
	assert.Equal(t, domain.OutcomeDropped, failed.Attempts[0].Outcome)

	_, err = book.Transition(ctx, o.ID, domain.OrderConfirmed, "")
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	abandoned, err := book.Transition(ctx, o.ID, domain.OrderAbandoned, "retries exhausted")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderAbandoned, abandoned.Status)
}

func TestSources_ConfirmedBuysOnly(t *testing.T) {
	book, _ := newBook(t)
	ctx := context.Background()

	confirm := func(sourceTx, wallet string) {
		o := sampleOrder(sourceTx)
		o.SourceWallet = wallet
		created, err := book.Create(ctx, o)
		require.NoError(t, err)
		_, err = book.AppendAttempt(ctx, created.ID, domain.ExecutionAttempt{Signature: "sig-" + sourceTx})
		require.NoError(t, err)
		_, err = book.Confirm(ctx, created.ID, domain.Fill{
			Signature: "sig-" + sourceTx, Direction: domain.Buy, QuoteAmount: decimal.NewFromInt(10),
		})
		require.NoError(t, err)
	}
	confirm("tx-1", "walletB")
	confirm("tx-2", "walletA")
	confirm("tx-3", "walletB")

	pending := sampleOrder("tx-4")
	pending.SourceWallet = "walletC"
	_, err := book.Create(ctx, pending)
	require.NoError(t, err)

	assert.Equal(t, []string{"walletA", "walletB"}, book.Sources("X"))
	assert.Empty(t, book.Sources("Y"))
}

func TestConfirm_AfterReplayedFillCountsOnce(t *testing.T) {
	book, j := newBook(t)
	ctx := context.Background()
	rec := journal.NewRecorder(j, zaptest.NewLogger(t))

	o, err := book.Create(ctx, sampleOrder("tx-crash"))
	require.NoError(t, err)
	_, err = book.AppendAttempt(ctx, o.ID, domain.ExecutionAttempt{Signature: "s1"})
	require.NoError(t, err)

	fill := domain.Fill{OrderID: o.ID, Signature: "s1", Direction: domain.Buy, QuoteAmount: decimal.NewFromInt(10)}
	// Crash after the fill was journaled but before the order was closed.
	require.NoError(t, rec.Record(ctx, domain.EventFillApplied, domain.FillAppliedData{Fill: fill}))

	rebuilt := NewBook(nil, zaptest.NewLogger(t))
	require.NoError(t, j.Replay(ctx, 0, rebuilt.Apply))

	confirmed, err := rebuilt.Confirm(ctx, o.ID, fill)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderConfirmed, confirmed.Status)
	assert.True(t, confirmed.Filled.Equal(decimal.NewFromInt(10)), "filled %s", confirmed.Filled)
}
