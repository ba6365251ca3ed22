// internal/executor/tip.go
package executor

import "math"

// TipSchedule escalates the priority fee per attempt: Base * Multiplier^(n-1),
// capped at Max. Attempt numbers start at 1.
type TipSchedule struct {
	Base        uint64
	Multiplier  float64
	Max         uint64
	MaxAttempts int
}

// Tip returns the priority fee in lamports for attempt n. The sequence is
// non-decreasing and never exceeds Max.
func (s TipSchedule) Tip(n int) uint64 {
	if n < 1 {
		n = 1
	}
	mult := s.Multiplier
	if mult < 1 {
		mult = 1
	}
	tip := float64(s.Base) * math.Pow(mult, float64(n-1))
	if s.Max > 0 && (tip > float64(s.Max) || math.IsInf(tip, 1)) {
		return s.Max
	}
	return uint64(tip)
}

// Allows reports whether attempt n is within the attempt budget.
func (s TipSchedule) Allows(n int) bool {
	return s.MaxAttempts <= 0 || n <= s.MaxAttempts
}
