// internal/domain/errors.go
package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Callers match them with errors.Is.
var (
	// ErrDecode marks an unparseable ledger event.
	ErrDecode = errors.New("decode error")
	// ErrNotSwap marks ledger activity that is valid but not a swap.
	ErrNotSwap = errors.New("not a swap")
	// ErrDuplicateSignal marks a source transaction already seen.
	ErrDuplicateSignal = errors.New("duplicate signal")
	// ErrRiskLimitExceeded marks sizing that would breach the position cap.
	ErrRiskLimitExceeded = errors.New("risk limit exceeded")
	// ErrNoPosition marks a sell signal for an asset we do not hold.
	ErrNoPosition = errors.New("no position held")
	// ErrBelowMinimum marks a trade below the configured minimum size.
	ErrBelowMinimum = errors.New("below minimum trade size")
	ErrTransientSubmission  = errors.New("transient submission failure")
	ErrStructuralSubmission = errors.New("structural submission failure")
	ErrConfirmationTimeout  = errors.New("confirmation timeout")
	ErrSubscriptionLoss     = errors.New("subscription loss")
	ErrInvalidTransition    = errors.New("invalid order transition")
	ErrOrderNotFound        = errors.New("order not found")
	// ErrOverfill marks a fill larger than what the order requested.
	ErrOverfill = errors.New("fill exceeds requested amount")
)

// Error carries an error kind together with the failing operation.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind as well as the cause chain.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// NewError wraps err with a kind and operation name.
func NewError(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind error, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Expected reports whether err is a normal-operation rejection rather than a fault.
func Expected(err error) bool {
	return errors.Is(err, ErrDuplicateSignal) ||
		errors.Is(err, ErrRiskLimitExceeded) ||
		errors.Is(err, ErrNoPosition) ||
		errors.Is(err, ErrBelowMinimum) ||
		errors.Is(err, ErrNotSwap)
}
