package jupiter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/solana-copybot/internal/domain"
	"github.com/rovshanmuradov/solana-copybot/internal/executor"
)

const mintX = "MintX11111111111111111111111111111111111111"

func unsignedSwap(t *testing.T, payer solana.PublicKey) string {
	t.Helper()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(1, payer, solana.SystemProgramID).Build()},
		solana.Hash{1},
		solana.TransactionPayer(payer),
	)
	require.NoError(t, err)
	tx.Signatures = make([]solana.Signature, 1)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestBuildSwap(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	txB64 := unsignedSwap(t, owner)
	var swapBody map[string]json.RawMessage

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		switch r.URL.Path {
		case "/quote":
			q := r.URL.Query()
			assert.Equal(t, domain.USDCMint, q.Get("inputMint"))
			assert.Equal(t, mintX, q.Get("outputMint"))
			assert.Equal(t, "10000000", q.Get("amount"))
			assert.Equal(t, "1000", q.Get("slippageBps"))
			_, _ = w.Write([]byte(`{"inputMint":"` + domain.USDCMint + `","inAmount":"10000000","outputMint":"` + mintX + `","outAmount":"5000","slippageBps":1000,"routePlan":[{"percent":100}]}`))
		case "/swap":
			assert.Equal(t, http.MethodPost, r.Method)
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&swapBody))
			_ = json.NewEncoder(w).Encode(swapResponse{SwapTransaction: txB64, LastValidBlockHeight: 99})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "secret"}, owner, zaptest.NewLogger(t))
	swap, err := c.BuildSwap(context.Background(), executor.SwapRequest{
		OrderID:     "o1",
		InputMint:   domain.USDCMint,
		OutputMint:  mintX,
		Amount:      10_000_000,
		SlippageBps: 1000,
		TipLamports: 20_000,
	})
	require.NoError(t, err)
	assert.Equal(t, owner, swap.Tx.Message.AccountKeys[0])
	assert.Equal(t, uint64(99), swap.LastValidBlockHeight)

	assert.JSONEq(t, `"`+owner.String()+`"`, string(swapBody["userPublicKey"]))
	assert.JSONEq(t, `20000`, string(swapBody["prioritizationFeeLamports"]))
	assert.JSONEq(t, `true`, string(swapBody["wrapAndUnwrapSol"]))
	// The quote is passed back untouched, including fields the client does not model.
	assert.Contains(t, string(swapBody["quoteResponse"]), `"routePlan"`)
}

func TestQuote_NoRouteIsStructural(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Could not find any route","errorCode":"COULD_NOT_FIND_ANY_ROUTE"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, solana.NewWallet().PublicKey(), zaptest.NewLogger(t))
	_, err := c.BuildSwap(context.Background(), executor.SwapRequest{InputMint: domain.USDCMint, OutputMint: mintX, Amount: 1})
	require.Error(t, err)
	assert.True(t, executor.IsStructural(err), "got %v", err)
}

func TestQuote_RateLimitIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`Too Many Requests`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, solana.NewWallet().PublicKey(), zaptest.NewLogger(t))
	_, err := c.Quote(context.Background(), domain.USDCMint, mintX, 1, 50)
	require.Error(t, err)
	assert.False(t, executor.IsStructural(err), "got %v", err)
}

func TestToUSDC_CachesUnitPrice(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, domain.WSOLMint, r.URL.Query().Get("inputMint"))
		assert.Equal(t, "1000000000", r.URL.Query().Get("amount"))
		_, _ = w.Write([]byte(`{"outAmount":"150250000"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, PriceTTL: time.Minute}, solana.NewWallet().PublicKey(), zaptest.NewLogger(t))
	now := time.Now()
	c.now = func() time.Time { return now }

	v, err := c.ToUSDC(context.Background(), domain.WSOLMint, decimal.RequireFromString("0.5"))
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.RequireFromString("75.125")), "got %s", v)

	_, err = c.ToUSDC(context.Background(), domain.WSOLMint, decimal.NewFromInt(2))
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	now = now.Add(2 * time.Minute)
	_, err = c.ToUSDC(context.Background(), domain.WSOLMint, decimal.NewFromInt(2))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	usdc, err := c.ToUSDC(context.Background(), domain.USDCMint, decimal.NewFromInt(7))
	require.NoError(t, err)
	assert.True(t, usdc.Equal(decimal.NewFromInt(7)))

	_, err = c.ToUSDC(context.Background(), mintX, decimal.NewFromInt(1))
	assert.Error(t, err)
}
