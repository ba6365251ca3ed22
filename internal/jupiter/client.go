// internal/jupiter/client.go
package jupiter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/domain"
	"github.com/rovshanmuradov/solana-copybot/internal/executor"
)

const (
	DefaultBaseURL        = "https://lite-api.jup.ag/swap/v1"
	defaultRequestTimeout = 5 * time.Second
	defaultPriceTTL       = time.Minute
	maxQuoteTries         = 3
)

type Config struct {
	BaseURL string
	// APIKey is sent as x-api-key when set.
	APIKey   string
	Timeout  time.Duration
	PriceTTL time.Duration
}

// QuoteResponse is the route returned by /quote. Raw keeps the exact body,
// which /swap expects back unchanged.
type QuoteResponse struct {
	InputMint            string `json:"inputMint"`
	InAmount             string `json:"inAmount"`
	OutputMint           string `json:"outputMint"`
	OutAmount            string `json:"outAmount"`
	OtherAmountThreshold string `json:"otherAmountThreshold"`
	SwapMode             string `json:"swapMode"`
	SlippageBps          int    `json:"slippageBps"`
	PriceImpactPct       string `json:"priceImpactPct"`

	Raw json.RawMessage `json:"-"`
}

// OutAmountRaw parses OutAmount.
func (q *QuoteResponse) OutAmountRaw() (uint64, error) {
	return strconv.ParseUint(q.OutAmount, 10, 64)
}

type swapRequest struct {
	QuoteResponse             json.RawMessage `json:"quoteResponse"`
	UserPublicKey             string          `json:"userPublicKey"`
	WrapAndUnwrapSol          bool            `json:"wrapAndUnwrapSol"`
	DynamicComputeUnitLimit   bool            `json:"dynamicComputeUnitLimit"`
	PrioritizationFeeLamports uint64          `json:"prioritizationFeeLamports"`
}

type swapResponse struct {
	SwapTransaction      string `json:"swapTransaction"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

type apiError struct {
	Error     string `json:"error"`
	ErrorCode string `json:"errorCode"`
}

type cachedPrice struct {
	price decimal.Decimal
	at    time.Time
}

// Client talks to the Jupiter swap API. It builds copy trade transactions and
// values non-USDC quote legs.
type Client struct {
	cfg    Config
	http   *http.Client
	owner  solana.PublicKey
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	prices map[string]cachedPrice
}

func NewClient(cfg Config, owner solana.PublicKey, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	if cfg.PriceTTL <= 0 {
		cfg.PriceTTL = defaultPriceTTL
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		owner:  owner,
		logger: logger.Named("jupiter"),
		now:    time.Now,
		prices: make(map[string]cachedPrice),
	}
}

// Quote asks for the best route of amount raw input units.
func (c *Client) Quote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps uint16) (*QuoteResponse, error) {
	q := url.Values{}
	q.Set("inputMint", inputMint)
	q.Set("outputMint", outputMint)
	q.Set("amount", strconv.FormatUint(amount, 10))
	q.Set("slippageBps", strconv.FormatUint(uint64(slippageBps), 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/quote?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	raw, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("quote %s -> %s: %w", inputMint, outputMint, err)
	}

	var quote QuoteResponse
	if err := json.Unmarshal(raw, &quote); err != nil {
		return nil, fmt.Errorf("decode quote: %w", err)
	}
	quote.Raw = raw
	return &quote, nil
}

// BuildSwap quotes the route and returns the unsigned swap transaction with
// the tip set as the prioritization fee, together with the last block height
// at which its blockhash is valid.
func (c *Client) BuildSwap(ctx context.Context, r executor.SwapRequest) (*executor.Swap, error) {
	quote, err := c.Quote(ctx, r.InputMint, r.OutputMint, r.Amount, r.SlippageBps)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(swapRequest{
		QuoteResponse:             quote.Raw,
		UserPublicKey:             c.owner.String(),
		WrapAndUnwrapSol:          true,
		DynamicComputeUnitLimit:   true,
		PrioritizationFeeLamports: r.TipLamports,
	})
	if err != nil {
		return nil, fmt.Errorf("encode swap request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/swap", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	raw, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("swap %s: %w", r.OrderID, err)
	}
	var resp swapResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode swap response: %w", err)
	}
	if resp.SwapTransaction == "" {
		return nil, errors.New("swap response has no transaction")
	}

	txBytes, err := base64.StdEncoding.DecodeString(resp.SwapTransaction)
	if err != nil {
		return nil, fmt.Errorf("decode swap transaction: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(txBytes))
	if err != nil {
		return nil, fmt.Errorf("deserialize swap transaction: %w", err)
	}

	c.logger.Debug("Swap built",
		zap.String("order_id", r.OrderID),
		zap.String("in_amount", quote.InAmount),
		zap.String("out_amount", quote.OutAmount),
		zap.String("price_impact", quote.PriceImpactPct),
		zap.Uint64("tip_lamports", r.TipLamports),
		zap.Uint64("last_valid_block_height", resp.LastValidBlockHeight))
	return &executor.Swap{Tx: tx, LastValidBlockHeight: resp.LastValidBlockHeight}, nil
}

// ToUSDC values amount of a quote mint in USDC using a per-mint unit price
// cached for PriceTTL.
func (c *Client) ToUSDC(ctx context.Context, mint string, amount decimal.Decimal) (decimal.Decimal, error) {
	if mint == domain.USDCMint {
		return amount, nil
	}
	price, err := c.unitPrice(ctx, mint)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(price), nil
}

func (c *Client) unitPrice(ctx context.Context, mint string) (decimal.Decimal, error) {
	c.mu.Lock()
	cached, ok := c.prices[mint]
	c.mu.Unlock()
	if ok && c.now().Sub(cached.at) < c.cfg.PriceTTL {
		return cached.price, nil
	}

	decimals, ok := quoteDecimals(mint)
	if !ok {
		return decimal.Zero, fmt.Errorf("no price source for mint %s", mint)
	}
	unit := uint64(1)
	for i := uint8(0); i < decimals; i++ {
		unit *= 10
	}

	quote, err := backoff.Retry(ctx, func() (*QuoteResponse, error) {
		q, err := c.Quote(ctx, mint, domain.USDCMint, unit, 50)
		if err != nil && executor.IsStructural(err) {
			return nil, backoff.Permanent(err)
		}
		return q, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxQuoteTries))
	if err != nil {
		return decimal.Zero, err
	}
	out, err := quote.OutAmountRaw()
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse out amount: %w", err)
	}

	price := decimal.NewFromBigInt(new(big.Int).SetUint64(out), -domain.USDCDecimals)
	c.mu.Lock()
	c.prices[mint] = cachedPrice{price: price, at: c.now()}
	c.mu.Unlock()

	c.logger.Debug("Quote price refreshed", zap.String("mint", mint), zap.String("usdc", price.String()))
	return price, nil
}

func quoteDecimals(mint string) (uint8, bool) {
	switch mint {
	case domain.WSOLMint:
		return domain.SOLDecimals, true
	case domain.USDTMint:
		return 6, true
	}
	return 0, false
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.cfg.APIKey != "" {
		req.Header.Set("x-api-key", c.cfg.APIKey)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("API request completed",
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("status %d: %s (%s)", resp.StatusCode, apiErr.Error, apiErr.ErrorCode)
		}
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
