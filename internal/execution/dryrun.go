package execution

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Dry-run Executor
// Simulates swaps against a constant-product pool (x * y = k) so the rest of
// the system can run end to end without signing anything. Pools are created
// lazily from DefaultLiquidityUSD unless set explicitly.
// ---------------------------------------------------------------------------

// Pool is a simulated AMM pool. QuoteReserve is in USD.
type Pool struct {
	QuoteReserve decimal.Decimal `json:"quote_reserve"`
	TokenReserve decimal.Decimal `json:"token_reserve"`
	BuyTaxPct    float64         `json:"buy_tax_pct"`
	SellTaxPct   float64         `json:"sell_tax_pct"`
	SellBlocked  bool            `json:"sell_blocked"`
}

// SpotPrice is USD per token.
func (p Pool) SpotPrice() decimal.Decimal {
	if p.TokenReserve.IsZero() {
		return decimal.Zero
	}
	return p.QuoteReserve.Div(p.TokenReserve)
}

// DryRunConfig configures the simulator.
type DryRunConfig struct {
	FeeBps              int     `yaml:"fee_bps"`               // pool fee (default 30 = 0.3%)
	DefaultLiquidityUSD float64 `yaml:"default_liquidity_usd"` // total pool value for lazily created pools (default 50000)
	DefaultPriceUSD     float64 `yaml:"default_price_usd"`     // default 0.001
	GasUSD              float64 `yaml:"gas_usd"`               // flat simulated gas (default 2)
	LatencyMs           int     `yaml:"latency_ms"`            // simulated confirmation delay (default 0)
}

// DefaultDryRunConfig returns defaults.
func DefaultDryRunConfig() DryRunConfig {
	return DryRunConfig{
		FeeBps:              30,
		DefaultLiquidityUSD: 50000,
		DefaultPriceUSD:     0.001,
		GasUSD:              2,
	}
}

// seenRequests bounds the replay guard.
const seenRequests = 100_000

// DryRunExecutor implements Executor against simulated pools.
type DryRunExecutor struct {
	config DryRunConfig
	feeMul decimal.Decimal

	mu    sync.Mutex
	pools map[string]*Pool // chain:token -> pool
	seen  *simplelru.LRU[string, struct{}]

	executions atomic.Int64
	failures   atomic.Int64
}

var _ Executor = (*DryRunExecutor)(nil)

// NewDryRunExecutor creates a simulator.
func NewDryRunExecutor(config DryRunConfig) *DryRunExecutor {
	fee := decimal.NewFromInt(int64(config.FeeBps)).Div(decimal.NewFromInt(10000))
	seen, _ := simplelru.NewLRU[string, struct{}](seenRequests, nil)
	log.Info().
		Int("fee_bps", config.FeeBps).
		Float64("default_liquidity_usd", config.DefaultLiquidityUSD).
		Msg("execution: dry-run executor initialized")
	return &DryRunExecutor{
		config: config,
		feeMul: decimal.NewFromInt(1).Sub(fee),
		pools:  make(map[string]*Pool),
		seen:   seen,
	}
}

// SetPool installs or replaces a simulated pool.
func (d *DryRunExecutor) SetPool(chain, token string, pool Pool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := pool
	d.pools[poolKey(chain, token)] = &p
}

// Pool returns a copy of the pool state.
func (d *DryRunExecutor) Pool(chain, token string) (Pool, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pools[poolKey(chain, token)]
	if !ok {
		return Pool{}, false
	}
	return *p, true
}

// Execute simulates the swap and mutates pool reserves on success.
func (d *DryRunExecutor) Execute(ctx context.Context, req SwapRequest) (Fill, error) {
	start := time.Now()
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if !req.AmountIn.IsPositive() {
		return Fill{}, fmt.Errorf("execution: amount must be positive, got %s", req.AmountIn)
	}

	if d.config.LatencyMs > 0 {
		select {
		case <-time.After(time.Duration(d.config.LatencyMs) * time.Millisecond):
		case <-ctx.Done():
			return Fill{}, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.seen.Contains(req.ID) {
		return Fill{}, ErrDuplicateRequest
	}
	d.seen.Add(req.ID, struct{}{})

	pool := d.poolLocked(req.Chain, req.TokenAddress)
	if pool.QuoteReserve.IsZero() || pool.TokenReserve.IsZero() {
		d.failures.Add(1)
		return Fill{}, ErrInsufficientLiquidity
	}
	spot := pool.SpotPrice()

	var out, price decimal.Decimal
	switch req.Side {
	case SideBuy:
		in := req.AmountIn.Mul(d.feeMul)
		out = in.Mul(pool.TokenReserve).Div(pool.QuoteReserve.Add(in))
		out = out.Mul(taxMul(pool.BuyTaxPct))
		if !out.IsPositive() {
			d.failures.Add(1)
			return Fill{}, ErrInsufficientLiquidity
		}
		price = req.AmountIn.Div(out)
	case SideSell:
		if pool.SellBlocked {
			d.failures.Add(1)
			return Fill{}, ErrSellBlocked
		}
		in := req.AmountIn.Mul(d.feeMul)
		out = in.Mul(pool.QuoteReserve).Div(pool.TokenReserve.Add(in))
		out = out.Mul(taxMul(pool.SellTaxPct))
		if !out.IsPositive() {
			d.failures.Add(1)
			return Fill{}, ErrInsufficientLiquidity
		}
		price = out.Div(req.AmountIn)
	default:
		return Fill{}, fmt.Errorf("execution: unknown side %q", req.Side)
	}

	slippage := slippagePct(spot, price, req.Side)
	if req.MaxSlippagePct > 0 && slippage > req.MaxSlippagePct {
		d.failures.Add(1)
		log.Debug().
			Str("request_id", req.ID).
			Float64("slippage_pct", slippage).
			Float64("max_slippage_pct", req.MaxSlippagePct).
			Msg("execution: slippage exceeded")
		return Fill{}, ErrSlippageExceeded
	}

	if req.Side == SideBuy {
		pool.QuoteReserve = pool.QuoteReserve.Add(req.AmountIn)
		pool.TokenReserve = pool.TokenReserve.Sub(out)
	} else {
		pool.TokenReserve = pool.TokenReserve.Add(req.AmountIn)
		pool.QuoteReserve = pool.QuoteReserve.Sub(out)
	}

	d.executions.Add(1)
	fill := Fill{
		RequestID:   req.ID,
		TxHash:      "dryrun-" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		Side:        req.Side,
		AmountIn:    req.AmountIn,
		AmountOut:   out,
		PriceUSD:    price,
		GasUSD:      decimal.NewFromFloat(d.config.GasUSD),
		SlippagePct: slippage,
		ExecutedAt:  time.Now(),
		LatencyMs:   time.Since(start).Milliseconds(),
	}

	log.Info().
		Str("request_id", req.ID).
		Str("chain", req.Chain).
		Str("token", req.TokenAddress).
		Str("side", string(req.Side)).
		Str("amount_in", req.AmountIn.StringFixed(6)).
		Str("amount_out", out.StringFixed(6)).
		Float64("slippage_pct", slippage).
		Msg("execution: dry-run swap filled")
	return fill, nil
}

func (d *DryRunExecutor) poolLocked(chain, token string) *Pool {
	key := poolKey(chain, token)
	if p, ok := d.pools[key]; ok {
		return p
	}
	quote := decimal.NewFromFloat(d.config.DefaultLiquidityUSD / 2)
	p := &Pool{QuoteReserve: quote}
	if d.config.DefaultPriceUSD > 0 {
		p.TokenReserve = quote.Div(decimal.NewFromFloat(d.config.DefaultPriceUSD))
	}
	d.pools[key] = p
	return p
}

// slippagePct is the adverse move of the effective price versus spot.
func slippagePct(spot, price decimal.Decimal, side Side) float64 {
	if spot.IsZero() {
		return 0
	}
	var diff decimal.Decimal
	if side == SideBuy {
		diff = price.Sub(spot)
	} else {
		diff = spot.Sub(price)
	}
	return diff.Div(spot).Mul(decimal.NewFromInt(100)).InexactFloat64()
}

func taxMul(pct float64) decimal.Decimal {
	return decimal.NewFromInt(1).Sub(decimal.NewFromFloat(pct / 100))
}

func poolKey(chain, token string) string {
	return strings.ToLower(chain) + ":" + strings.ToLower(token)
}

// DryRunStats holds simulator statistics.
type DryRunStats struct {
	Executions int64 `json:"executions"`
	Failures   int64 `json:"failures"`
	Pools      int   `json:"pools"`
}

// Stats returns simulator statistics.
func (d *DryRunExecutor) Stats() DryRunStats {
	d.mu.Lock()
	n := len(d.pools)
	d.mu.Unlock()
	return DryRunStats{
		Executions: d.executions.Load(),
		Failures:   d.failures.Load(),
		Pools:      n,
	}
}
