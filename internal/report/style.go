// internal/report/style.go
package report

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"
)

// Terminal colors for money columns. lipgloss drops them when the output is
// not a terminal, so files and pipes get plain text.
var (
	profitStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#2AFFAA")).Bold(true)
	lossStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6C7280"))
)

// pnl renders a realized P&L amount with two decimals, colored by sign.
func pnl(v decimal.Decimal) string {
	s := v.StringFixed(2)
	switch v.Sign() {
	case 1:
		return profitStyle.Render("+" + s)
	case -1:
		return lossStyle.Render(s)
	}
	return mutedStyle.Render(s)
}
