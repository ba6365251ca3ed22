// internal/blockchain/solbc/client.go
package solbc

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/decoder"
)

// Client is a thin adapter over the solana-go RPC client that speaks in
// base58 strings and decoder types.
type Client struct {
	rpc        *rpc.Client
	commitment rpc.CommitmentType
	readTries  uint
	logger     *zap.Logger
}

func NewClient(rpcURL string, logger *zap.Logger) *Client {
	return &Client{
		rpc:        rpc.New(rpcURL),
		commitment: rpc.CommitmentConfirmed,
		readTries:  3,
		logger:     logger.Named("solbc-client"),
	}
}

// retry runs a read with exponential backoff. Non-retryable errors and
// not-found results stop immediately.
func retry[T any](ctx context.Context, c *Client, op string, fn func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && (!IsRetryable(err) || IsNotFound(err)) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.readTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			c.logger.Debug("Retrying RPC read", zap.String("op", op), zap.Duration("backoff", d), zap.Error(err))
		}))
}

// GetSlot returns the current slot at confirmed commitment.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	return retry(ctx, c, "getSlot", func() (uint64, error) {
		return c.rpc.GetSlot(ctx, c.commitment)
	})
}

// GetLatestBlockhash returns the latest blockhash.
// GetBlockHeight returns the confirmed block height. Blockhash expiry is
// measured against it, not against slots.
func (c *Client) GetBlockHeight(ctx context.Context) (uint64, error) {
	return retry(ctx, c, "getBlockHeight", func() (uint64, error) {
		return c.rpc.GetBlockHeight(ctx, c.commitment)
	})
}

func (c *Client) GetLatestBlockhash(ctx context.Context) (solana.Hash, error) {
	out, err := retry(ctx, c, "getLatestBlockhash", func() (*rpc.GetLatestBlockhashResult, error) {
		return c.rpc.GetLatestBlockhash(ctx, c.commitment)
	})
	if err != nil {
		return solana.Hash{}, err
	}
	return out.Value.Blockhash, nil
}

// SendTransaction submits tx without preflight; the confirmation tracker
// decides the outcome.
func (c *Client) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	maxRetries := uint(0)
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       true,
		PreflightCommitment: c.commitment,
		MaxRetries:          &maxRetries,
	})
	if err != nil {
		err = ExplainError(err)
		c.logger.Debug("SendTransaction error", zap.Error(err))
		return solana.Signature{}, err
	}
	return sig, nil
}

// GetSignatureStatuses returns one status per signature, nil for unknown ones.
func (c *Client) GetSignatureStatuses(ctx context.Context, signatures []string) ([]*SignatureStatus, error) {
	sigs := make([]solana.Signature, len(signatures))
	for i, s := range signatures {
		sig, err := solana.SignatureFromBase58(s)
		if err != nil {
			return nil, fmt.Errorf("signature %q: %w", s, err)
		}
		sigs[i] = sig
	}

	res, err := retry(ctx, c, "getSignatureStatuses", func() (*rpc.GetSignatureStatusesResult, error) {
		return c.rpc.GetSignatureStatuses(ctx, false, sigs...)
	})
	if err != nil {
		return nil, err
	}

	out := make([]*SignatureStatus, len(signatures))
	for i, v := range res.Value {
		if i >= len(out) || v == nil {
			continue
		}
		out[i] = &SignatureStatus{
			Signature: signatures[i],
			Slot:      v.Slot,
			Confirmed: v.ConfirmationStatus == rpc.ConfirmationStatusConfirmed || v.ConfirmationStatus == rpc.ConfirmationStatusFinalized,
			Finalized: v.ConfirmationStatus == rpc.ConfirmationStatusFinalized,
			Err:       TxError(v.Err),
		}
	}
	return out, nil
}

// GetTransaction fetches a confirmed transaction with its metadata. A
// transaction the node does not have yet returns (nil, nil).
func (c *Client) GetTransaction(ctx context.Context, signature string) (*decoder.Transaction, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("signature %q: %w", signature, err)
	}
	version := uint64(0)
	res, err := retry(ctx, c, "getTransaction", func() (*rpc.GetTransactionResult, error) {
		return c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     c.commitment,
			MaxSupportedTransactionVersion: &version,
		})
	})
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return toTransaction(signature, res)
}

// GetSignaturesForAddress lists up to limit signatures of address, newest
// first, stopping at minSlot.
func (c *Client) GetSignaturesForAddress(ctx context.Context, address string, limit int, minSlot uint64) ([]SignatureInfo, error) {
	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("address %q: %w", address, err)
	}
	res, err := retry(ctx, c, "getSignaturesForAddress", func() ([]*rpc.TransactionSignature, error) {
		return c.rpc.GetSignaturesForAddressWithOpts(ctx, pk, &rpc.GetSignaturesForAddressOpts{
			Limit:      &limit,
			Commitment: c.commitment,
		})
	})
	if err != nil {
		return nil, err
	}

	out := make([]SignatureInfo, 0, len(res))
	for _, s := range res {
		if s == nil || s.Slot < minSlot {
			continue
		}
		info := SignatureInfo{
			Signature: s.Signature.String(),
			Slot:      s.Slot,
			Failed:    s.Err != nil,
		}
		if s.BlockTime != nil {
			info.BlockTime = s.BlockTime.Time()
		}
		out = append(out, info)
	}
	return out, nil
}

// GetTokenBalance returns owner's balance of mint in its associated token
// account, zero when the account does not exist.
func (c *Client) GetTokenBalance(ctx context.Context, owner, mint string) (decimal.Decimal, error) {
	ownerKey, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return decimal.Zero, fmt.Errorf("owner %q: %w", owner, err)
	}
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return decimal.Zero, fmt.Errorf("mint %q: %w", mint, err)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(ownerKey, mintKey)
	if err != nil {
		return decimal.Zero, fmt.Errorf("derive token account: %w", err)
	}

	res, err := retry(ctx, c, "getTokenAccountBalance", func() (*rpc.GetTokenAccountBalanceResult, error) {
		return c.rpc.GetTokenAccountBalance(ctx, ata, c.commitment)
	})
	if err != nil {
		if IsNotFound(err) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	if res == nil || res.Value == nil {
		return decimal.Zero, nil
	}
	raw, err := decimal.NewFromString(res.Value.Amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("token amount %q: %w", res.Value.Amount, err)
	}
	return raw.Shift(-int32(res.Value.Decimals)), nil
}

func (c *Client) Close() error {
	return c.rpc.Close()
}
