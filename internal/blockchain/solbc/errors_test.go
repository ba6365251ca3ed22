package solbc

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("HTTP 429 Too Many Requests"), true},
		{errors.New("context deadline exceeded (Client.Timeout exceeded)"), true},
		{errors.New("invalid param: signature"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRetryable(tt.err), "%v", tt.err)
	}
}

func TestIsNotFound(t *testing.T) {
	assert.False(t, IsNotFound(nil))
	assert.True(t, IsNotFound(fmt.Errorf("account: %w", ErrNotFound)))
	assert.True(t, IsNotFound(errors.New("could not find account")))
	assert.False(t, IsNotFound(errors.New("blockhash expired")))
}

func simulationError(logs ...interface{}) *jsonrpc.RPCError {
	return &jsonrpc.RPCError{
		Code:    -32002,
		Message: "Transaction simulation failed",
		Data: map[string]interface{}{
			"logs": logs,
			"err":  map[string]interface{}{"InstructionError": []interface{}{float64(2), "Custom"}},
		},
	}
}

func TestExplainError_AnchorErrorDecides(t *testing.T) {
	rpcErr := simulationError(
		"Program JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4 invoke [1]",
		"Program log: AnchorError occurred. Error Code: SlippageToleranceExceeded. Error Number: 6001. Error Message: Slippage tolerance exceeded.",
		"Program log: insufficient lamports 10, need 5000",
	)

	err := ExplainError(fmt.Errorf("send: %w", rpcErr))
	require.Error(t, err)
	assert.ErrorIs(t, err, rpcErr)

	var explained *ExplainedError
	require.ErrorAs(t, err, &explained)
	assert.Equal(t, "anchor SlippageToleranceExceeded (6001): Slippage tolerance exceeded", explained.Anchor)

	msg := err.Error()
	assert.True(t, strings.HasPrefix(msg, "Transaction simulation failed: "), msg)
	assert.Contains(t, msg, "anchor SlippageToleranceExceeded (6001): Slippage tolerance exceeded")
	assert.Contains(t, msg, "err=")
	assert.NotContains(t, msg, "insufficient")
	assert.NotContains(t, msg, "invoke [1]")
}

func TestExplainError_FailingLinesWithoutAnchor(t *testing.T) {
	rpcErr := simulationError(
		"Program 11111111111111111111111111111111 invoke [1]",
		"Transfer: insufficient lamports 10, need 5000",
		"Program 11111111111111111111111111111111 failed: custom program error: 0x1",
	)

	err := ExplainError(rpcErr)
	assert.ErrorIs(t, err, rpcErr)
	assert.Contains(t, err.Error(), "insufficient lamports 10, need 5000")
	assert.Contains(t, err.Error(), "custom program error: 0x1")
	assert.NotContains(t, err.Error(), "invoke [1]")
}

func TestExplainError_NothingToExplain(t *testing.T) {
	rpcErr := &jsonrpc.RPCError{Code: -32005, Message: "Node is behind by 42 slots"}
	assert.Same(t, error(rpcErr), ExplainError(rpcErr))
}

func TestExplainError_PassesThroughPlainErrors(t *testing.T) {
	plain := errors.New("boom")
	assert.Same(t, plain, ExplainError(plain))
}

func TestTxError(t *testing.T) {
	assert.NoError(t, TxError(nil))

	err := TxError(map[string]interface{}{"InstructionError": []interface{}{float64(0), "Custom"}})
	assert.ErrorIs(t, err, ErrTransactionFailed)
	assert.Contains(t, err.Error(), "InstructionError")
}

func TestParseAnchorError(t *testing.T) {
	a, ok := parseAnchorError("Program log: AnchorError occurred. Error Code: AccountNotInitialized. Error Number: 3012. Error Message: The program expected this account to be already initialized.")
	require.True(t, ok)
	assert.Equal(t, "AccountNotInitialized", a.Name)
	assert.Equal(t, 3012, a.Code)
	assert.Equal(t, "The program expected this account to be already initialized", a.Msg)

	_, ok = parseAnchorError("Program log: Instruction: Route")
	assert.False(t, ok)
}
