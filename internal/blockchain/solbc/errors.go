// internal/blockchain/solbc/errors.go
package solbc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrTransactionFailed wraps the on-chain error of a landed transaction.
	ErrTransactionFailed = errors.New("transaction failed")
)

// IsNotFound reports whether err means the requested entity does not exist.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, rpc.ErrNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "could not find account")
}

// IsRetryable reports whether a read failed for a reason worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "unexpected eof")
}

// ExplainedError is a JSON-RPC failure reduced to its message and the
// decisive program error. The raw RPC payload stays reachable via Unwrap but
// is never printed, so matching on Error() sees only what caused the failure.
type ExplainedError struct {
	cause  error
	msg    string
	Anchor string
}

func (e *ExplainedError) Error() string { return e.msg }
func (e *ExplainedError) Unwrap() error { return e.cause }

// ExplainError flattens a JSON-RPC error into its message plus the Anchor
// error, when one is logged, or otherwise the failing log lines.
func ExplainError(err error) error {
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) {
		return err
	}
	var (
		anchor string
		lines  []string
		instr  string
	)
	if data, ok := rpcErr.Data.(map[string]interface{}); ok {
		if logs, ok := data["logs"].([]interface{}); ok {
			for _, entry := range logs {
				line, ok := entry.(string)
				if !ok {
					continue
				}
				if a, ok := parseAnchorError(line); ok {
					if anchor == "" {
						anchor = fmt.Sprintf("anchor %s (%d): %s", a.Name, a.Code, a.Msg)
					}
				} else if strings.Contains(line, "Error") || strings.Contains(line, "failed") || strings.Contains(line, "insufficient") {
					lines = append(lines, strings.TrimPrefix(line, "Program log: "))
				}
			}
		}
		if ie, ok := data["err"]; ok && ie != nil {
			instr = "err=" + describe(ie)
		}
	}
	if anchor == "" && len(lines) == 0 && instr == "" {
		return err
	}

	parts := lines
	if anchor != "" {
		// A program that raised an Anchor error failed for that reason only.
		parts = []string{anchor}
	}
	if instr != "" {
		parts = append(parts, instr)
	}
	return &ExplainedError{cause: err, msg: rpcErr.Message + ": " + strings.Join(parts, "; "), Anchor: anchor}
}

// TxError converts an on-chain error value from meta or status into an error.
func TxError(v interface{}) error {
	if v == nil {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrTransactionFailed, describe(v))
}

func describe(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

type anchorError struct {
	Code int
	Name string
	Msg  string
}

// parseAnchorError reads lines like
// "Program log: AnchorError occurred. Error Code: X. Error Number: 6001. Error Message: Y."
func parseAnchorError(line string) (anchorError, bool) {
	if !strings.Contains(line, "AnchorError") {
		return anchorError{}, false
	}
	var a anchorError
	field := func(key string) string {
		_, rest, ok := strings.Cut(line, key)
		if !ok {
			return ""
		}
		value, _, _ := strings.Cut(rest, ".")
		return strings.TrimSpace(value)
	}
	a.Name = field("Error Code:")
	_, _ = fmt.Sscanf(field("Error Number:"), "%d", &a.Code)
	a.Msg = field("Error Message:")
	return a, true
}
