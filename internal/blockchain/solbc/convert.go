// internal/blockchain/solbc/convert.go
package solbc

import (
	"fmt"

	"github.com/gagliardetto/solana-go/rpc"

	"github.com/rovshanmuradov/solana-copybot/internal/decoder"
)

// toTransaction flattens an RPC transaction into the decoder's view. Account
// keys follow runtime order: static keys, then loaded writable, then loaded
// read-only.
func toTransaction(signature string, res *rpc.GetTransactionResult) (*decoder.Transaction, error) {
	if res == nil || res.Transaction == nil || res.Meta == nil {
		return nil, fmt.Errorf("transaction %s: missing body or meta", signature)
	}
	tx, err := res.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("transaction %s: decode: %w", signature, err)
	}

	meta := res.Meta
	keys := make([]string, 0, len(tx.Message.AccountKeys)+len(meta.LoadedAddresses.Writable)+len(meta.LoadedAddresses.ReadOnly))
	for _, k := range tx.Message.AccountKeys {
		keys = append(keys, k.String())
	}
	for _, k := range meta.LoadedAddresses.Writable {
		keys = append(keys, k.String())
	}
	for _, k := range meta.LoadedAddresses.ReadOnly {
		keys = append(keys, k.String())
	}

	out := &decoder.Transaction{
		Signature:         signature,
		Slot:              res.Slot,
		Failed:            meta.Err != nil,
		Fee:               meta.Fee,
		Logs:              meta.LogMessages,
		AccountKeys:       keys,
		PreBalances:       meta.PreBalances,
		PostBalances:      meta.PostBalances,
		PreTokenBalances:  tokenBalances(meta.PreTokenBalances),
		PostTokenBalances: tokenBalances(meta.PostTokenBalances),
	}
	if res.BlockTime != nil {
		out.BlockTime = res.BlockTime.Time()
	}
	return out, nil
}

func tokenBalances(in []rpc.TokenBalance) []decoder.TokenBalance {
	out := make([]decoder.TokenBalance, 0, len(in))
	for _, b := range in {
		if b.UiTokenAmount == nil {
			continue
		}
		tb := decoder.TokenBalance{
			AccountIndex: b.AccountIndex,
			Mint:         b.Mint.String(),
			Amount:       b.UiTokenAmount.Amount,
			Decimals:     b.UiTokenAmount.Decimals,
		}
		if b.Owner != nil {
			tb.Owner = b.Owner.String()
		}
		out = append(out, tb)
	}
	return out
}
