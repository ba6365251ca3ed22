// internal/executor/lanes.go
package executor

import (
	"context"

	"github.com/cespare/xxhash/v2"

	"github.com/rovshanmuradov/solana-copybot/internal/risk"
)

// Lanes spreads decisions over per-asset queues, each drained by its own
// worker. Orders for one asset run in arrival order, and an order waiting on
// confirmation only holds up assets that hash to the same lane.
type Lanes struct {
	queues []chan *risk.Decision
}

// NewLanes creates n lanes holding up to depth queued decisions each.
func NewLanes(n, depth int) *Lanes {
	if n <= 0 {
		n = 1
	}
	if depth <= 0 {
		depth = 64
	}
	l := &Lanes{queues: make([]chan *risk.Decision, n)}
	for i := range l.queues {
		l.queues[i] = make(chan *risk.Decision, depth)
	}
	return l
}

// Submit queues dec on its asset's lane, waiting while that lane is full.
func (l *Lanes) Submit(ctx context.Context, dec *risk.Decision) error {
	select {
	case l.queues[l.lane(dec.Order.Asset)] <- dec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Queued returns the number of decisions waiting in every lane.
func (l *Lanes) Queued() int {
	n := 0
	for _, q := range l.queues {
		n += len(q)
	}
	return n
}

// Close ends every lane; workers drain what is queued and stop.
func (l *Lanes) Close() {
	for _, q := range l.queues {
		close(q)
	}
}

func (l *Lanes) lane(asset string) int {
	return int(xxhash.Sum64String(asset) % uint64(len(l.queues)))
}
