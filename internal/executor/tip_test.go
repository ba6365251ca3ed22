package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/stretchr/testify/assert"

	"github.com/rovshanmuradov/solana-copybot/internal/blockchain/solbc"
	"github.com/rovshanmuradov/solana-copybot/internal/domain"
)

func TestTipSchedule_MonotonicAndBounded(t *testing.T) {
	s := TipSchedule{Base: 10_000, Multiplier: 2, Max: 100_000, MaxAttempts: 6}

	prev := uint64(0)
	for n := 1; n <= 20; n++ {
		tip := s.Tip(n)
		assert.GreaterOrEqual(t, tip, prev, "attempt %d", n)
		assert.LessOrEqual(t, tip, s.Max, "attempt %d", n)
		prev = tip
	}
	assert.Equal(t, uint64(10_000), s.Tip(1))
	assert.Equal(t, uint64(40_000), s.Tip(3))
	assert.Equal(t, uint64(100_000), s.Tip(5))
	assert.Equal(t, uint64(100_000), s.Tip(500))

	assert.True(t, s.Allows(6))
	assert.False(t, s.Allows(7))
}

func TestTipSchedule_MultiplierBelowOneIsFlat(t *testing.T) {
	s := TipSchedule{Base: 5_000, Multiplier: 0.5}
	assert.Equal(t, uint64(5_000), s.Tip(1))
	assert.Equal(t, uint64(5_000), s.Tip(4))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{errors.New("Blockhash not found"), domain.ErrTransientSubmission},
		{errors.New("429 Too Many Requests"), domain.ErrTransientSubmission},
		{errors.New("custom program error: 0x1771"), domain.ErrTransientSubmission},
		{fmt.Errorf("send: %w", context.DeadlineExceeded), domain.ErrTransientSubmission},
		{fmt.Errorf("rpc: %w", timeoutErr{}), domain.ErrTransientSubmission},
		{errors.New("something nobody has seen"), domain.ErrTransientSubmission},
		{errors.New("insufficient funds for rent"), domain.ErrStructuralSubmission},
		{errors.New("COULD_NOT_FIND_ANY_ROUTE"), domain.ErrStructuralSubmission},
		{errors.New("TOKEN_NOT_TRADABLE"), domain.ErrStructuralSubmission},
		{domain.Errorf(domain.ErrStructuralSubmission, "sign", "bad key"), domain.ErrStructuralSubmission},
		{domain.Errorf(domain.ErrTransientSubmission, "send", "insufficient funds"), domain.ErrTransientSubmission},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), tt.err.Error())
	}
	assert.Nil(t, Classify(nil))
}

func simulationFailure(logs ...interface{}) error {
	return fmt.Errorf("send: %w", &jsonrpc.RPCError{
		Code:    -32002,
		Message: "Transaction simulation failed",
		Data: map[string]interface{}{
			"logs": logs,
			"err":  map[string]interface{}{"InstructionError": []interface{}{float64(2), "Custom"}},
		},
	})
}

func TestClassify_SimulationFailures(t *testing.T) {
	// Jupiter logs the fee payer's lamports even when the route itself
	// failed on slippage; the Anchor error decides.
	slippage := simulationFailure(
		"Program JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4 invoke [1]",
		"Program log: AnchorError occurred. Error Code: SlippageToleranceExceeded. Error Number: 6001. Error Message: Slippage tolerance exceeded.",
		"Program log: insufficient lamports 10, need 5000",
	)
	assert.Equal(t, domain.ErrTransientSubmission, Classify(solbc.ExplainError(slippage)))
	assert.Equal(t, domain.ErrTransientSubmission, Classify(fmt.Errorf("attempt 2: %w", solbc.ExplainError(slippage))))

	broke := simulationFailure(
		"Program 11111111111111111111111111111111 invoke [1]",
		"Transfer: insufficient lamports 10, need 5000",
		"Program 11111111111111111111111111111111 failed: custom program error: 0x1",
	)
	assert.Equal(t, domain.ErrStructuralSubmission, Classify(solbc.ExplainError(broke)))
}
