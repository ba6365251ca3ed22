// internal/domain/types.go
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Well-known mints. These are quote legs and are never mirrored as assets.
const (
	USDCMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDTMint = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"
	WSOLMint = "So11111111111111111111111111111111111111112"

	USDCDecimals = 6
	SOLDecimals  = 9
)

// IsQuoteMint reports whether mint is a quote leg (stable or wrapped SOL).
func IsQuoteMint(mint string) bool {
	switch mint {
	case USDCMint, USDTMint, WSOLMint:
		return true
	}
	return false
}

type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

type TargetStatus string

const (
	TargetActive TargetStatus = "active"
	TargetPaused TargetStatus = "paused"
)

// TargetWallet is a smart money address whose swaps are mirrored.
type TargetWallet struct {
	Address string       `json:"address"`
	Label   string       `json:"label"`
	Status  TargetStatus `json:"status"`
}

func (t TargetWallet) Active() bool { return t.Status != TargetPaused }

// TradeSignal is the normalized form of a target swap. Immutable once built.
type TradeSignal struct {
	SourceWallet  string    `json:"source_wallet"`
	Asset         string    `json:"asset"`
	AssetDecimals uint8     `json:"asset_decimals"`
	Direction     Direction `json:"direction"`
	// SourceAmount is the asset quantity the target bought or sold.
	SourceAmount decimal.Decimal `json:"source_amount"`
	// SourceQuote is the USDC value of the target's trade.
	SourceQuote decimal.Decimal `json:"source_quote"`
	SourcePrice decimal.Decimal `json:"source_price"`
	// TargetRemaining is the target's asset balance after the trade.
	TargetRemaining decimal.Decimal `json:"target_remaining"`
	SourceTx        string          `json:"source_tx"`
	Slot            uint64          `json:"slot"`
	ObservedAt      time.Time       `json:"observed_at"`
	// Synthetic marks signals produced by the position sync guard.
	Synthetic bool `json:"synthetic,omitempty"`
}

// Pair returns the asset pair in ASSET/QUOTE form.
func (s TradeSignal) Pair() string { return s.Asset + "/" + USDCMint }

// Position is a snapshot of the holdings for one asset.
type Position struct {
	Asset    string          `json:"asset"`
	Decimals uint8           `json:"decimals"`
	Quantity decimal.Decimal `json:"quantity"`
	// AvgPrice is the weighted average USDC price per unit of the open quantity.
	AvgPrice     decimal.Decimal `json:"avg_price"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	FeesLamports uint64          `json:"fees_lamports"`
	// Reserved is the USDC held by in-flight buy orders.
	Reserved decimal.Decimal `json:"reserved"`
	// PendingSell is the quantity held by in-flight sell orders.
	PendingSell decimal.Decimal `json:"pending_sell"`
	Buys        int             `json:"buys"`
	Sells       int             `json:"sells"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// CostBasis is the total USDC cost of the open quantity.
func (p Position) CostBasis() decimal.Decimal {
	return p.AvgPrice.Mul(p.Quantity)
}

// UnrealizedPnL values the open quantity at mark.
func (p Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	return mark.Sub(p.AvgPrice).Mul(p.Quantity)
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderSubmitted OrderStatus = "submitted"
	OrderConfirmed OrderStatus = "confirmed"
	OrderFailed    OrderStatus = "failed"
	OrderAbandoned OrderStatus = "abandoned"
)

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderConfirmed || s == OrderAbandoned
}

type AttemptOutcome string

const (
	OutcomeUnknown AttemptOutcome = "unknown"
	OutcomeLanded  AttemptOutcome = "landed"
	OutcomeDropped AttemptOutcome = "dropped"
	OutcomeExpired AttemptOutcome = "expired"
	// OutcomeUnsettled marks an attempt that landed but whose fill could not
	// be read or booked. The order is closed without a retry.
	OutcomeUnsettled AttemptOutcome = "unsettled"
)

// ExecutionAttempt is one submission of an order. Append-only per order.
type ExecutionAttempt struct {
	Number        int       `json:"number"`
	TipLamports   uint64    `json:"tip_lamports"`
	Signature     string    `json:"signature"`
	SubmittedSlot uint64    `json:"submitted_slot"`
	SubmittedAt   time.Time `json:"submitted_at"`
	// LastValidBlockHeight is the last block height at which the attempt's
	// blockhash is accepted. Zero when the builder did not report it.
	LastValidBlockHeight uint64         `json:"last_valid_block_height,omitempty"`
	Outcome              AttemptOutcome `json:"outcome"`
	Error                string         `json:"error,omitempty"`
}

// Order is a mirrored trade derived from a signal and a sizing decision.
type Order struct {
	ID            string    `json:"id"`
	SourceTx      string    `json:"source_tx"`
	SourceWallet  string    `json:"source_wallet"`
	Asset         string    `json:"asset"`
	AssetDecimals uint8     `json:"asset_decimals"`
	Direction     Direction `json:"direction"`
	// Requested is denominated in the input leg: USDC for buys, asset units for sells.
	Requested      decimal.Decimal `json:"requested"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	// Filled is the input amount consumed by confirmed fills.
	Filled        decimal.Decimal    `json:"filled"`
	ReservationID string             `json:"reservation_id"`
	Status        OrderStatus        `json:"status"`
	Attempts      []ExecutionAttempt `json:"attempts"`
	Reason        string             `json:"reason,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Pair returns the asset pair in ASSET/QUOTE form.
func (o *Order) Pair() string { return o.Asset + "/" + USDCMint }

// InputMint and OutputMint describe the swap legs of the order.
func (o *Order) InputMint() string {
	if o.Direction == Buy {
		return USDCMint
	}
	return o.Asset
}

func (o *Order) OutputMint() string {
	if o.Direction == Buy {
		return o.Asset
	}
	return USDCMint
}

// InputDecimals is the decimals of the input leg.
func (o *Order) InputDecimals() uint8 {
	if o.Direction == Buy {
		return USDCDecimals
	}
	return o.AssetDecimals
}

// LastAttempt returns the most recent attempt or nil.
func (o *Order) LastAttempt() *ExecutionAttempt {
	if len(o.Attempts) == 0 {
		return nil
	}
	return &o.Attempts[len(o.Attempts)-1]
}

// Clone returns a deep copy safe to hand to other goroutines.
func (o *Order) Clone() *Order {
	c := *o
	c.Attempts = append([]ExecutionAttempt(nil), o.Attempts...)
	return &c
}

// Fill is the realized outcome of a landed attempt.
type Fill struct {
	OrderID   string    `json:"order_id"`
	Signature string    `json:"signature"`
	Asset     string    `json:"asset"`
	Decimals  uint8     `json:"decimals"`
	Direction Direction `json:"direction"`
	// Quantity is the asset amount received (buy) or delivered (sell).
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	// QuoteAmount is the USDC spent (buy) or received (sell).
	QuoteAmount decimal.Decimal `json:"quote_amount"`
	FeeLamports uint64          `json:"fee_lamports"`
	Slot        uint64          `json:"slot"`
	At          time.Time       `json:"at"`
}

// InputAmount is the fill amount in the order's input leg.
func (f Fill) InputAmount() decimal.Decimal {
	if f.Direction == Buy {
		return f.QuoteAmount
	}
	return f.Quantity
}

// SwapEvent is a decoded candidate swap of one wallet, before normalization.
// Deltas are signed changes of the wallet's balances in UI units.
type SwapEvent struct {
	Wallet        string          `json:"wallet"`
	Signature     string          `json:"signature"`
	Slot          uint64          `json:"slot"`
	BlockTime     time.Time       `json:"block_time"`
	Asset         string          `json:"asset"`
	AssetDecimals uint8           `json:"asset_decimals"`
	AssetDelta    decimal.Decimal `json:"asset_delta"`
	AssetPost     decimal.Decimal `json:"asset_post"`
	QuoteMint     string          `json:"quote_mint"`
	QuoteDelta    decimal.Decimal `json:"quote_delta"`
	FeeLamports   uint64          `json:"fee_lamports"`
	ObservedAt    time.Time       `json:"observed_at"`
}

// Direction derives buy or sell from the asset delta.
func (e SwapEvent) Direction() Direction {
	if e.AssetDelta.IsPositive() {
		return Buy
	}
	return Sell
}

// AttemptResult is the tracker's verdict on one submitted attempt.
type AttemptResult struct {
	Outcome AttemptOutcome
	Fill    *Fill
	// Err is the on-chain or timeout reason for a dropped or expired attempt.
	Err error
}
