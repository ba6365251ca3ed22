// internal/decoder/decoder.go
package decoder

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rovshanmuradov/solana-copybot/internal/domain"
)

// TokenBalance is one token account balance from transaction metadata.
type TokenBalance struct {
	AccountIndex uint16
	Owner        string
	Mint         string
	// Amount is the raw integer amount as returned by the node.
	Amount   string
	Decimals uint8
}

// Transaction is the subset of a confirmed transaction needed to detect swaps.
type Transaction struct {
	Signature         string
	Slot              uint64
	BlockTime         time.Time
	Failed            bool
	Fee               uint64
	Logs              []string
	AccountKeys       []string
	PreBalances       []uint64
	PostBalances      []uint64
	PreTokenBalances  []TokenBalance
	PostTokenBalances []TokenBalance
}

type mintChange struct {
	mint     string
	decimals uint8
	pre      decimal.Decimal
	post     decimal.Decimal
}

func (m mintChange) delta() decimal.Decimal { return m.post.Sub(m.pre) }

// HasMarker reports whether any log line contains one of the markers.
func HasMarker(logs []string, markers []string) bool {
	if len(markers) == 0 {
		return true
	}
	for _, line := range logs {
		for _, m := range markers {
			if strings.Contains(line, m) {
				return true
			}
		}
	}
	return false
}

// Decode extracts the swap performed by owner in tx. Activity that is not a
// swap against a quote leg yields ErrNotSwap; malformed metadata yields ErrDecode.
func Decode(tx *Transaction, owner string) (domain.SwapEvent, error) {
	if tx == nil || tx.Signature == "" {
		return domain.SwapEvent{}, domain.Errorf(domain.ErrDecode, "decode", "empty transaction")
	}
	if tx.Failed {
		return domain.SwapEvent{}, domain.Errorf(domain.ErrNotSwap, "decode", "tx %s failed on chain", tx.Signature)
	}

	changes, err := ownerChanges(tx, owner)
	if err != nil {
		return domain.SwapEvent{}, domain.NewError(domain.ErrDecode, "decode "+tx.Signature, err)
	}

	asset, ok := pickAsset(changes)
	if !ok {
		return domain.SwapEvent{}, domain.Errorf(domain.ErrNotSwap, "decode", "tx %s moves no asset of %s", tx.Signature, owner)
	}

	nativeDelta, err := nativeSOLDelta(tx, owner)
	if err != nil {
		return domain.SwapEvent{}, domain.NewError(domain.ErrDecode, "decode "+tx.Signature, err)
	}

	quoteMint, quoteDelta, ok := pickQuote(changes, nativeDelta, asset.delta())
	if !ok {
		return domain.SwapEvent{}, domain.Errorf(domain.ErrNotSwap, "decode", "tx %s has no opposite quote leg", tx.Signature)
	}

	return domain.SwapEvent{
		Wallet:        owner,
		Signature:     tx.Signature,
		Slot:          tx.Slot,
		BlockTime:     tx.BlockTime,
		Asset:         asset.mint,
		AssetDecimals: asset.decimals,
		AssetDelta:    asset.delta(),
		AssetPost:     asset.post,
		QuoteMint:     quoteMint,
		QuoteDelta:    quoteDelta,
		FeeLamports:   tx.Fee,
		ObservedAt:    time.Now().UTC(),
	}, nil
}

// ownerChanges sums pre/post token balances of owner per mint.
func ownerChanges(tx *Transaction, owner string) (map[string]*mintChange, error) {
	changes := make(map[string]*mintChange)
	add := func(balances []TokenBalance, post bool) error {
		for _, b := range balances {
			if b.Owner != owner {
				continue
			}
			raw, err := decimal.NewFromString(b.Amount)
			if err != nil {
				return fmt.Errorf("token balance %s amount %q: %w", b.Mint, b.Amount, err)
			}
			amount := raw.Shift(-int32(b.Decimals))
			c, ok := changes[b.Mint]
			if !ok {
				c = &mintChange{mint: b.Mint, decimals: b.Decimals}
				changes[b.Mint] = c
			}
			if post {
				c.post = c.post.Add(amount)
			} else {
				c.pre = c.pre.Add(amount)
			}
		}
		return nil
	}
	if err := add(tx.PreTokenBalances, false); err != nil {
		return nil, err
	}
	if err := add(tx.PostTokenBalances, true); err != nil {
		return nil, err
	}
	return changes, nil
}

// pickAsset selects the non-quote mint that changed. Acquisitions take
// precedence over disposals; ties resolve by mint for determinism.
func pickAsset(changes map[string]*mintChange) (*mintChange, bool) {
	var buys, sells []*mintChange
	for _, c := range changes {
		if domain.IsQuoteMint(c.mint) || c.delta().IsZero() {
			continue
		}
		if c.delta().IsPositive() {
			buys = append(buys, c)
		} else {
			sells = append(sells, c)
		}
	}
	byMint := func(s []*mintChange) {
		sort.Slice(s, func(i, j int) bool { return s[i].mint < s[j].mint })
	}
	byMint(buys)
	byMint(sells)
	if len(buys) > 0 {
		return buys[0], true
	}
	if len(sells) > 0 {
		return sells[0], true
	}
	return nil, false
}

// pickQuote finds the quote leg moving opposite to the asset: USDC, then
// USDT, then SOL (wrapped plus native).
func pickQuote(changes map[string]*mintChange, nativeDelta, assetDelta decimal.Decimal) (string, decimal.Decimal, bool) {
	opposite := func(d decimal.Decimal) bool {
		return !d.IsZero() && d.Sign() != assetDelta.Sign()
	}
	for _, mint := range []string{domain.USDCMint, domain.USDTMint} {
		if c, ok := changes[mint]; ok && opposite(c.delta()) {
			return mint, c.delta(), true
		}
	}
	sol := nativeDelta
	if c, ok := changes[domain.WSOLMint]; ok {
		sol = sol.Add(c.delta())
	}
	if opposite(sol) {
		return domain.WSOLMint, sol, true
	}
	return "", decimal.Zero, false
}

// nativeSOLDelta returns the owner's lamport change in SOL, excluding the
// fee when the owner paid it.
func nativeSOLDelta(tx *Transaction, owner string) (decimal.Decimal, error) {
	idx := -1
	for i, key := range tx.AccountKeys {
		if key == owner {
			idx = i
			break
		}
	}
	if idx < 0 {
		return decimal.Zero, nil
	}
	if idx >= len(tx.PreBalances) || idx >= len(tx.PostBalances) {
		return decimal.Zero, fmt.Errorf("account %d has no lamport balance", idx)
	}
	delta := decimal.NewFromInt(int64(tx.PostBalances[idx])).Sub(decimal.NewFromInt(int64(tx.PreBalances[idx])))
	if idx == 0 {
		delta = delta.Add(decimal.NewFromInt(int64(tx.Fee)))
	}
	return delta.Shift(-domain.SOLDecimals), nil
}
