// internal/confirm/fill.go
package confirm

import (
	"github.com/rovshanmuradov/solana-copybot/internal/decoder"
	"github.com/rovshanmuradov/solana-copybot/internal/domain"
)

// ExtractFill reads the executed quantity, price and fee of a landed order
// transaction from the operator wallet's balance changes.
func ExtractFill(tx *decoder.Transaction, owner string, o *domain.Order) (domain.Fill, error) {
	ev, err := decoder.Decode(tx, owner)
	if err != nil {
		return domain.Fill{}, err
	}
	if ev.Asset != o.Asset {
		return domain.Fill{}, domain.Errorf(domain.ErrDecode, "extract_fill",
			"tx %s moved %s, order %s trades %s", tx.Signature, ev.Asset, o.ID, o.Asset)
	}
	if ev.Direction() != o.Direction {
		return domain.Fill{}, domain.Errorf(domain.ErrDecode, "extract_fill",
			"tx %s is a %s, order %s is a %s", tx.Signature, ev.Direction(), o.ID, o.Direction)
	}
	if ev.QuoteMint != domain.USDCMint {
		return domain.Fill{}, domain.Errorf(domain.ErrDecode, "extract_fill",
			"tx %s settled against %s", tx.Signature, ev.QuoteMint)
	}

	qty := ev.AssetDelta.Abs()
	quote := ev.QuoteDelta.Abs()
	at := ev.BlockTime
	if at.IsZero() {
		at = ev.ObservedAt
	}
	return domain.Fill{
		OrderID:     o.ID,
		Signature:   tx.Signature,
		Asset:       ev.Asset,
		Decimals:    ev.AssetDecimals,
		Direction:   o.Direction,
		Quantity:    qty,
		Price:       quote.Div(qty),
		QuoteAmount: quote,
		FeeLamports: tx.Fee,
		Slot:        tx.Slot,
		At:          at,
	}, nil
}
