// internal/executor/classify.go
package executor

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/rovshanmuradov/solana-copybot/internal/domain"
)

var structuralMarkers = []string{
	"insufficient funds",
	"insufficient lamports",
	"insufficient balance",
	"no route",
	"could_not_find_any_route",
	"route not found",
	"not tradable",
	"not_tradable",
	"invalid mint",
	"accountnotfound",
	"account not found",
	"invalid account data",
	"unauthorized",
	"forbidden",
	"invalid request",
}

var transientMarkers = []string{
	"blockhash not found",
	"block height exceeded",
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"no such host",
	"unexpected eof",
	"too many requests",
	"429",
	"rate limit",
	"node is behind",
	"service unavailable",
	"503",
	"slippage",
	"0x1771",
	"exceeds desired slippage",
}

// Classify maps a submission error to ErrTransientSubmission or
// ErrStructuralSubmission. Errors already carrying one of those kinds keep it.
// Unknown errors are transient so the bounded retry policy decides.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrStructuralSubmission):
		return domain.ErrStructuralSubmission
	case errors.Is(err, domain.ErrTransientSubmission),
		errors.Is(err, domain.ErrConfirmationTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return domain.ErrTransientSubmission
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.ErrTransientSubmission
	}

	msg := strings.ToLower(err.Error())
	for _, m := range structuralMarkers {
		if strings.Contains(msg, m) {
			return domain.ErrStructuralSubmission
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return domain.ErrTransientSubmission
		}
	}
	return domain.ErrTransientSubmission
}

// IsStructural reports whether err must abandon the order without retry.
func IsStructural(err error) bool {
	return Classify(err) == domain.ErrStructuralSubmission
}
