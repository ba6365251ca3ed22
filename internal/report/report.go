// internal/report/report.go
package report

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/domain"
	"github.com/rovshanmuradov/solana-copybot/internal/events"
)

// Positions exposes the ledger snapshot.
type Positions interface {
	Snapshot() []domain.Position
}

// Orders exposes order counts per status.
type Orders interface {
	Stats() map[domain.OrderStatus]int
}

// Notifications counts operator events since start.
type Notifications interface {
	Snapshot() map[events.EventType]int
}

// Reporter renders the daily summary of positions and order activity.
type Reporter struct {
	hour          int
	positions     Positions
	orders        Orders
	notifications Notifications
	out           io.Writer
	logger        *zap.Logger
	now           func() time.Time
}

func New(hour int, positions Positions, orders Orders, notifications Notifications, logger *zap.Logger) *Reporter {
	return &Reporter{
		hour:          hour,
		positions:     positions,
		orders:        orders,
		notifications: notifications,
		out:           os.Stdout,
		logger:        logger.Named("report"),
		now:           time.Now,
	}
}

// SetOutput redirects rendered reports.
func (r *Reporter) SetOutput(w io.Writer) {
	r.out = w
}

// Run emits a report every day at the configured local hour, and once more
// when ctx is done.
func (r *Reporter) Run(ctx context.Context) error {
	for {
		timer := time.NewTimer(time.Until(NextRun(r.now(), r.hour)))
		select {
		case <-ctx.Done():
			timer.Stop()
			r.Emit("shutdown")
			return nil
		case <-timer.C:
			r.Emit("daily")
		}
	}
}

// Emit writes the report and logs the headline numbers.
func (r *Reporter) Emit(reason string) {
	fmt.Fprintln(r.out, r.Render())

	var realized, cost decimal.Decimal
	open := 0
	for _, p := range r.positions.Snapshot() {
		realized = realized.Add(p.RealizedPnL)
		cost = cost.Add(p.CostBasis())
		if p.Quantity.IsPositive() {
			open++
		}
	}
	r.logger.Info("📊 Summary",
		zap.String("reason", reason),
		zap.Int("open_positions", open),
		zap.String("cost_basis_usdc", cost.StringFixed(2)),
		zap.String("realized_pnl_usdc", realized.StringFixed(2)))
}

// Render builds the positions, orders and notifications tables.
func (r *Reporter) Render() string {
	var b strings.Builder
	b.WriteString(r.positionsTable())
	b.WriteString("\n")
	b.WriteString(r.ordersTable())
	if r.notifications != nil {
		b.WriteString("\n")
		b.WriteString(r.notificationsTable())
	}
	return b.String()
}

func (r *Reporter) positionsTable() string {
	t := table.NewWriter()
	t.SetTitle("Positions %s", r.now().Format("2006-01-02 15:04"))
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Asset", "Quantity", "Avg price", "Cost basis", "Realized PnL", "Buys", "Sells"})

	positions := r.positions.Snapshot()
	sort.Slice(positions, func(i, j int) bool { return positions[i].Asset < positions[j].Asset })

	var cost, realized decimal.Decimal
	for _, p := range positions {
		cost = cost.Add(p.CostBasis())
		realized = realized.Add(p.RealizedPnL)
		t.AppendRow(table.Row{
			shortMint(p.Asset),
			p.Quantity.String(),
			p.AvgPrice.StringFixed(6),
			p.CostBasis().StringFixed(2),
			pnl(p.RealizedPnL),
			p.Buys,
			p.Sells,
		})
	}
	t.AppendFooter(table.Row{"Total", "", "", cost.StringFixed(2), pnl(realized), "", ""})
	return t.Render()
}

func (r *Reporter) ordersTable() string {
	t := table.NewWriter()
	t.SetTitle("Orders")
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Status", "Count"})

	stats := r.orders.Stats()
	total := 0
	for _, s := range []domain.OrderStatus{
		domain.OrderPending, domain.OrderSubmitted, domain.OrderFailed,
		domain.OrderConfirmed, domain.OrderAbandoned,
	} {
		t.AppendRow(table.Row{string(s), stats[s]})
		total += stats[s]
	}
	t.AppendFooter(table.Row{"Total", total})
	return t.Render()
}

func (r *Reporter) notificationsTable() string {
	t := table.NewWriter()
	t.SetTitle("Notifications")
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Event", "Count"})

	counts := r.notifications.Snapshot()
	types := make([]string, 0, len(counts))
	for et := range counts {
		types = append(types, string(et))
	}
	sort.Strings(types)
	for _, et := range types {
		t.AppendRow(table.Row{et, counts[events.EventType(et)]})
	}
	return t.Render()
}

// NextRun returns the next occurrence of hour:00 local time strictly after now.
func NextRun(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func shortMint(mint string) string {
	if len(mint) <= 10 {
		return mint
	}
	return mint[:4] + ".." + mint[len(mint)-4:]
}
