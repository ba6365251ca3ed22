package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/solana-copybot/internal/blockchain/solbc"
	"github.com/rovshanmuradov/solana-copybot/internal/decoder"
	"github.com/rovshanmuradov/solana-copybot/internal/domain"
	"github.com/rovshanmuradov/solana-copybot/internal/events"
)

const (
	wallet = "Target1111111111111111111111111111111111111"
	mintX  = "MintX11111111111111111111111111111111111111"
	marker = "Program JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4 invoke"
)

type fakeStream struct {
	ch     chan solbc.LogNotification
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{ch: make(chan solbc.LogNotification, 16), closed: make(chan struct{})}
}

func (s *fakeStream) Recv(ctx context.Context) (solbc.LogNotification, error) {
	select {
	case n, ok := <-s.ch:
		if !ok {
			return solbc.LogNotification{}, errors.New("connection reset")
		}
		return n, nil
	case <-s.closed:
		return solbc.LogNotification{}, errors.New("closed")
	case <-ctx.Done():
		return solbc.LogNotification{}, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// fakeStreamer hands out pre-built streams in order, failing once out.
type fakeStreamer struct {
	mu      sync.Mutex
	streams []*fakeStream
	calls   int
}

func (f *fakeStreamer) Subscribe(_ context.Context, _ string) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.streams) == 0 {
		return nil, errors.New("dial refused")
	}
	s := f.streams[0]
	f.streams = f.streams[1:]
	return s, nil
}

func (f *fakeStreamer) add(s *fakeStream) {
	f.mu.Lock()
	f.streams = append(f.streams, s)
	f.mu.Unlock()
}

type fakeHistory struct {
	mu      sync.Mutex
	slot    uint64
	txs     map[string]*decoder.Transaction
	history []solbc.SignatureInfo
	minSlot uint64
}

func (h *fakeHistory) GetSlot(context.Context) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.slot, nil
}

func (h *fakeHistory) GetSignaturesForAddress(_ context.Context, _ string, limit int, minSlot uint64) ([]solbc.SignatureInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.minSlot = minSlot
	var out []solbc.SignatureInfo
	for _, s := range h.history {
		if s.Slot >= minSlot {
			out = append(out, s)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (h *fakeHistory) GetTransaction(_ context.Context, sig string) (*decoder.Transaction, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.txs[sig], nil
}

// swapTx is a USDC buy of mintX by wallet.
func swapTx(sig string, slot uint64, bought int64) *decoder.Transaction {
	return &decoder.Transaction{
		Signature:    sig,
		Slot:         slot,
		Fee:          5000,
		Logs:         []string{marker},
		AccountKeys:  []string{wallet},
		PreBalances:  []uint64{1_000_000_000},
		PostBalances: []uint64{999_995_000},
		PreTokenBalances: []decoder.TokenBalance{
			{AccountIndex: 1, Owner: wallet, Mint: domain.USDCMint, Amount: "100000000", Decimals: 6},
			{AccountIndex: 2, Owner: wallet, Mint: mintX, Amount: "0", Decimals: 6},
		},
		PostTokenBalances: []decoder.TokenBalance{
			{AccountIndex: 1, Owner: wallet, Mint: domain.USDCMint, Amount: "80000000", Decimals: 6},
			{AccountIndex: 2, Owner: wallet, Mint: mintX, Amount: fmt.Sprint(bought * 1_000_000), Decimals: 6},
		},
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(e events.Event) error {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) ofType(t events.EventType) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Type() == t {
			out = append(out, e)
		}
	}
	return out
}

func testConfig() Config {
	return Config{
		Markers:         []string{"JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4"},
		BackfillSlots:   1000,
		BackfillLimit:   10,
		ReconnectMin:    time.Millisecond,
		ReconnectMax:    5 * time.Millisecond,
		EventBufferSize: 16,
	}
}

func next(t *testing.T, w *Watcher) domain.SwapEvent {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no swap emitted")
		return domain.SwapEvent{}
	}
}

func TestWatcher_EmitsSwapsInArrivalOrder(t *testing.T) {
	stream := newFakeStream()
	streamer := &fakeStreamer{streams: []*fakeStream{stream}}
	history := &fakeHistory{slot: 100, txs: map[string]*decoder.Transaction{
		"s1": swapTx("s1", 101, 10),
		"s2": swapTx("s2", 102, 20),
		"transfer": {
			Signature:   "transfer",
			Logs:        []string{marker},
			AccountKeys: []string{wallet},
		},
	}}
	metrics := NewMetrics(nil)
	w := New(testConfig(), streamer, history, nil, metrics, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx, []domain.TargetWallet{{Address: wallet, Status: domain.TargetActive}}) }()

	stream.ch <- solbc.LogNotification{Signature: "failed", Slot: 101, Failed: true, Logs: []string{marker}}
	stream.ch <- solbc.LogNotification{Signature: "unrelated", Slot: 101, Logs: []string{"Program log: transfer"}}
	stream.ch <- solbc.LogNotification{Signature: "transfer", Slot: 101, Logs: []string{marker}}
	stream.ch <- solbc.LogNotification{Signature: "s1", Slot: 101, Logs: []string{marker}}
	stream.ch <- solbc.LogNotification{Signature: "s2", Slot: 102, Logs: []string{marker}}

	first := next(t, w)
	second := next(t, w)
	assert.Equal(t, "s1", first.Signature)
	assert.Equal(t, "s2", second.Signature)
	assert.Equal(t, mintX, first.Asset)
	assert.Equal(t, domain.Buy, first.Direction())

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.skipped.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.skipped.WithLabelValues("no_marker")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.skipped.WithLabelValues("not_swap")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.emitted))
}

func TestWatcher_ReconnectBackfillsOldestFirst(t *testing.T) {
	first := newFakeStream()
	second := newFakeStream()
	streamer := &fakeStreamer{streams: []*fakeStream{first}}
	history := &fakeHistory{slot: 100, txs: map[string]*decoder.Transaction{
		"live": swapTx("live", 101, 5),
		"gap1": swapTx("gap1", 103, 6),
		"gap2": swapTx("gap2", 105, 7),
	}}
	// Newest first, as the node returns them.
	history.history = []solbc.SignatureInfo{
		{Signature: "gap2", Slot: 105},
		{Signature: "gap-failed", Slot: 104, Failed: true},
		{Signature: "gap1", Slot: 103},
	}
	pub := &recordingPublisher{}
	w := New(testConfig(), streamer, history, pub, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx, []domain.TargetWallet{{Address: wallet, Status: domain.TargetActive}}) }()

	first.ch <- solbc.LogNotification{Signature: "live", Slot: 101, Logs: []string{marker}}
	assert.Equal(t, "live", next(t, w).Signature)

	// Drop the connection; the streamer refuses once before the new stream exists.
	close(first.ch)
	time.Sleep(10 * time.Millisecond)
	streamer.add(second)

	assert.Equal(t, "gap1", next(t, w).Signature)
	assert.Equal(t, "gap2", next(t, w).Signature)

	require.Eventually(t, func() bool {
		return len(pub.ofType(events.WatcherReconnected)) == 1
	}, time.Second, 5*time.Millisecond)
	ev := pub.ofType(events.WatcherReconnected)[0].(events.WatcherEvent)
	assert.Equal(t, wallet, ev.Wallet)
	assert.Equal(t, 2, ev.Backfilled)

	history.mu.Lock()
	assert.Equal(t, uint64(101), history.minSlot)
	history.mu.Unlock()

	second.ch <- solbc.LogNotification{Signature: "live", Slot: 106, Logs: []string{marker}}
	assert.Equal(t, "live", next(t, w).Signature)
}

func TestWatcher_BackfillBoundedBySlotWindow(t *testing.T) {
	first := newFakeStream()
	second := newFakeStream()
	streamer := &fakeStreamer{streams: []*fakeStream{first, second}}
	history := &fakeHistory{slot: 100, txs: map[string]*decoder.Transaction{
		"a": swapTx("a", 101, 1),
	}}
	cfg := testConfig()
	cfg.BackfillSlots = 50
	w := New(cfg, streamer, history, nil, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx, []domain.TargetWallet{{Address: wallet}}) }()

	first.ch <- solbc.LogNotification{Signature: "a", Slot: 101, Logs: []string{marker}}
	assert.Equal(t, "a", next(t, w).Signature)

	history.mu.Lock()
	history.slot = 1000
	history.mu.Unlock()
	close(first.ch)

	require.Eventually(t, func() bool {
		history.mu.Lock()
		defer history.mu.Unlock()
		return history.minSlot == 950
	}, time.Second, time.Millisecond)
}

func TestWatcher_PauseAndResume(t *testing.T) {
	first := newFakeStream()
	second := newFakeStream()
	streamer := &fakeStreamer{streams: []*fakeStream{first, second}}
	history := &fakeHistory{slot: 100, txs: map[string]*decoder.Transaction{
		"a": swapTx("a", 101, 1),
		"b": swapTx("b", 102, 2),
	}}
	pub := &recordingPublisher{}
	w := New(testConfig(), streamer, history, pub, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx, []domain.TargetWallet{{Address: wallet, Label: "whale"}}) }()

	first.ch <- solbc.LogNotification{Signature: "a", Slot: 101, Logs: []string{marker}}
	assert.Equal(t, "a", next(t, w).Signature)

	require.NoError(t, w.Pause(wallet))
	assert.Equal(t, domain.TargetPaused, w.Targets()[0].Status)
	select {
	case <-first.closed:
	default:
		t.Fatal("stream not closed on pause")
	}

	require.NoError(t, w.Resume(wallet))
	assert.Equal(t, domain.TargetActive, w.Targets()[0].Status)
	second.ch <- solbc.LogNotification{Signature: "b", Slot: 102, Logs: []string{marker}}
	assert.Equal(t, "b", next(t, w).Signature)

	assert.Len(t, pub.ofType(events.TargetPaused), 1)
	assert.Len(t, pub.ofType(events.TargetResumed), 1)
	assert.Error(t, w.Pause("unknown"))
}

func TestWatcher_PausedTargetNotStarted(t *testing.T) {
	streamer := &fakeStreamer{}
	w := New(testConfig(), streamer, &fakeHistory{}, nil, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx, []domain.TargetWallet{{Address: wallet, Status: domain.TargetPaused}}))

	streamer.mu.Lock()
	assert.Zero(t, streamer.calls)
	streamer.mu.Unlock()
	_, open := <-w.Events()
	assert.False(t, open)
}

func TestWatcher_PauseBeforeRun(t *testing.T) {
	streamer := &fakeStreamer{}
	w := New(testConfig(), streamer, &fakeHistory{}, nil, nil, zaptest.NewLogger(t))
	w.Add(domain.TargetWallet{Address: wallet, Status: domain.TargetActive})
	require.NoError(t, w.Pause(wallet))
	assert.Error(t, w.Pause("unknown"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx, nil))

	streamer.mu.Lock()
	assert.Zero(t, streamer.calls)
	streamer.mu.Unlock()
	require.Len(t, w.Targets(), 1)
	assert.Equal(t, domain.TargetPaused, w.Targets()[0].Status)
}

// brokenStream fails on the first Recv, like a socket that drops right after
// the handshake.
type brokenStream struct{}

func (brokenStream) Recv(context.Context) (solbc.LogNotification, error) {
	return solbc.LogNotification{}, errors.New("websocket: close 1006 (abnormal closure)")
}

func (brokenStream) Close() error { return nil }

func TestWatcher_FlappingStreamBacksOff(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	streamer := StreamerFunc(func(context.Context, string) (Stream, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return brokenStream{}, nil
	})
	cfg := testConfig()
	cfg.ReconnectMin = 20 * time.Millisecond
	cfg.ReconnectMax = time.Second
	metrics := NewMetrics(nil)
	w := New(cfg, streamer, &fakeHistory{slot: 100}, nil, metrics, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx, []domain.TargetWallet{{Address: wallet}}))

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, calls, 2)
	assert.LessOrEqual(t, calls, 10, "reconnects must wait between dropped streams")
	assert.InDelta(t, float64(calls), testutil.ToFloat64(metrics.reconnects), 1)
}

func TestWatcher_HealthyStreamResetsBackoff(t *testing.T) {
	first := newFakeStream()
	second := newFakeStream()
	streamer := &fakeStreamer{streams: []*fakeStream{first, second}}
	history := &fakeHistory{slot: 100, txs: map[string]*decoder.Transaction{
		"a": swapTx("a", 101, 1),
		"b": swapTx("b", 102, 2),
	}}
	cfg := testConfig()
	cfg.ReconnectMin = 10 * time.Millisecond
	cfg.ReconnectMax = 10 * time.Second
	w := New(cfg, streamer, history, nil, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx, []domain.TargetWallet{{Address: wallet}}) }()

	first.ch <- solbc.LogNotification{Signature: "a", Slot: 101, Logs: []string{marker}}
	assert.Equal(t, "a", next(t, w).Signature)
	close(first.ch)

	second.ch <- solbc.LogNotification{Signature: "b", Slot: 102, Logs: []string{marker}}
	assert.Equal(t, "b", next(t, w).Signature)
}
