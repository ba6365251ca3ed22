package journal

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/solana-copybot/internal/domain"
)

func appendSample(t *testing.T, j Journal) {
	t.Helper()
	rec := NewRecorder(j, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, rec.Record(ctx, domain.EventSignalReceived, domain.SignalReceivedData{
		Signal: domain.TradeSignal{SourceTx: "sig-1", Asset: "MintX", Direction: domain.Buy},
	}))
	require.NoError(t, rec.Record(ctx, domain.EventOrderCreated, domain.OrderCreatedData{
		Order: domain.Order{ID: "o-1", SourceTx: "sig-1", Requested: decimal.NewFromInt(10)},
	}))
	require.NoError(t, rec.Record(ctx, domain.EventFillApplied, domain.FillAppliedData{
		Fill: domain.Fill{OrderID: "o-1", Signature: "fill-sig", Quantity: decimal.NewFromInt(1000)},
	}))
}

func collect(t *testing.T, j Journal, after uint64) []domain.Event {
	t.Helper()
	var out []domain.Event
	require.NoError(t, j.Replay(context.Background(), after, func(e domain.Event) error {
		out = append(out, e)
		return nil
	}))
	return out
}

func TestMemoryJournal_ReplayInOrder(t *testing.T) {
	j := NewMemoryJournal()
	appendSample(t, j)

	events := collect(t, j, 0)
	require.Len(t, events, 3)
	assert.Equal(t, domain.EventSignalReceived, events[0].Type)
	assert.Equal(t, domain.EventFillApplied, events[2].Type)
	assert.Equal(t, uint64(3), events[2].Seq)

	tail := collect(t, j, 2)
	require.Len(t, tail, 1)

	var fill domain.FillAppliedData
	require.NoError(t, tail[0].Decode(&fill))
	assert.Equal(t, "fill-sig", fill.Fill.Signature)
	assert.True(t, fill.Fill.Quantity.Equal(decimal.NewFromInt(1000)))
}

func TestBadgerJournal_AppendReplay(t *testing.T) {
	j, err := NewBadgerJournal("")
	require.NoError(t, err)
	defer j.Close()

	appendSample(t, j)
	assert.Equal(t, uint64(3), j.LastSeq())

	events := collect(t, j, 0)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Seq)
	}

	var order domain.OrderCreatedData
	require.NoError(t, events[1].Decode(&order))
	assert.Equal(t, "o-1", order.Order.ID)

	assert.Len(t, collect(t, j, 1), 2)
}

func TestBadgerJournal_SequenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	j, err := NewBadgerJournal(dir)
	require.NoError(t, err)
	appendSample(t, j)
	require.NoError(t, j.Close())

	reopened, err := NewBadgerJournal(dir)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, uint64(3), reopened.LastSeq())
	seq, err := reopened.Append(context.Background(), domain.Event{Type: domain.EventOrderClosed, Data: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
	assert.Len(t, collect(t, reopened, 0), 4)
}

func TestRecorder_NilJournalIsNoop(t *testing.T) {
	var rec *Recorder
	assert.NoError(t, rec.Record(context.Background(), domain.EventOrderClosed, nil))
}
