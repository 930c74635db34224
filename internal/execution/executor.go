package execution

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrSellBlocked is returned when the token contract refuses the sell.
	ErrSellBlocked = errors.New("execution: sell blocked by token contract")
	// ErrSlippageExceeded is returned when the fill would exceed max slippage.
	ErrSlippageExceeded = errors.New("execution: slippage exceeded")
	// ErrInsufficientLiquidity is returned when the pool cannot absorb the swap.
	ErrInsufficientLiquidity = errors.New("execution: insufficient liquidity")
	// ErrDuplicateRequest is returned when a request id is replayed.
	ErrDuplicateRequest = errors.New("execution: duplicate request id")
	// ErrNetwork marks transient RPC or submission failures.
	ErrNetwork = errors.New("execution: network error")
)

// Side is the swap direction relative to the token.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// SwapRequest describes one swap. AmountIn is quote USD for buys and token
// units for sells.
type SwapRequest struct {
	ID             string          `json:"id"`
	Chain          string          `json:"chain"`
	DexID          string          `json:"dex_id"`
	PairAddress    string          `json:"pair_address"`
	TokenAddress   string          `json:"token_address"`
	Side           Side            `json:"side"`
	AmountIn       decimal.Decimal `json:"amount_in"`
	MaxSlippagePct float64         `json:"max_slippage_pct"` // 0 = unbounded
	MaxGasUSD      decimal.Decimal `json:"max_gas_usd"`
}

// Fill is the result of an executed swap.
type Fill struct {
	RequestID   string          `json:"request_id"`
	TxHash      string          `json:"tx_hash"`
	Side        Side            `json:"side"`
	AmountIn    decimal.Decimal `json:"amount_in"`
	AmountOut   decimal.Decimal `json:"amount_out"`
	PriceUSD    decimal.Decimal `json:"price_usd"` // effective USD per token
	GasUSD      decimal.Decimal `json:"gas_usd"`
	SlippagePct float64         `json:"slippage_pct"`
	ExecutedAt  time.Time       `json:"executed_at"`
	LatencyMs   int64           `json:"latency_ms"`
}

// Executor submits swaps. Implementations must be safe for concurrent use.
type Executor interface {
	Execute(ctx context.Context, req SwapRequest) (Fill, error)
}
