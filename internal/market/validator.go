package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Pair Validator
// Cross-checks a discovered pair against live market data: the pair must be
// listed and hold liquidity before any further analysis is spent on it.
// ---------------------------------------------------------------------------

// ValidatorConfig configures indicator thresholds.
type ValidatorConfig struct {
	LowLiquidityUSD float64 `yaml:"low_liquidity_usd"` // LOW_LIQUIDITY below this (default 5000)
	LowVolumeUSD    float64 `yaml:"low_volume_usd"`    // LOW_VOLUME below this 24h volume (default 1000)
	SellPressure    float64 `yaml:"sell_pressure"`     // SELL_PRESSURE when sells/buys 24h exceed this (default 2.0)
	NewPairMinutes  int     `yaml:"new_pair_minutes"`  // NEW_PAIR when younger (default 60)
}

// DefaultValidatorConfig returns production defaults.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		LowLiquidityUSD: 5000,
		LowVolumeUSD:    1000,
		SellPressure:    2.0,
		NewPairMinutes:  60,
	}
}

// Validator validates discovered pairs against a Source.
type Validator struct {
	source Source
	config ValidatorConfig
	now    func() time.Time

	validated atomic.Int64
	notFound  atomic.Int64
	noLiq     atomic.Int64
	failures  atomic.Int64
}

// NewValidator creates a validator over source.
func NewValidator(source Source, config ValidatorConfig) *Validator {
	return &Validator{source: source, config: config, now: time.Now}
}

// Validate looks up the pair and derives the validation flags and market
// snapshot. A pair unknown to the market is not an error: it returns a
// Validation with Found=false. Errors are transport or decode failures.
func (v *Validator) Validate(ctx context.Context, chain, pairAddress, token0, token1 string) (Validation, error) {
	v.validated.Add(1)

	p, err := v.source.LookupPair(ctx, chain, pairAddress)
	if errors.Is(err, ErrPairNotFound) {
		v.notFound.Add(1)
		return Validation{}, nil
	}
	if err != nil {
		v.failures.Add(1)
		return Validation{}, fmt.Errorf("validate pair %s: %w", pairAddress, err)
	}

	res := v.evaluate(p, token0, token1)
	if !res.HasLiquidity {
		v.noLiq.Add(1)
	}
	log.Debug().
		Str("chain", chain).
		Str("pair", pairAddress).
		Bool("tokens_match", res.TokensMatch).
		Str("liquidity_usd", res.Market.LiquidityUSD.StringFixed(2)).
		Strs("indicators", res.RiskIndicators).
		Msg("market: pair validated")
	return res, nil
}

func (v *Validator) evaluate(p *Pair, token0, token1 string) Validation {
	res := Validation{
		Found:       true,
		TokensMatch: TokensMatch(p, token0, token1),
		Market:      SnapshotOf(p),
	}
	res.HasLiquidity = res.Market.LiquidityUSD.IsPositive()
	res.HasPrice = res.Market.PriceUSD.IsPositive()

	if !res.TokensMatch {
		res.RiskIndicators = append(res.RiskIndicators, IndicatorTokenMismatch)
	}
	if !res.HasPrice {
		res.RiskIndicators = append(res.RiskIndicators, IndicatorNoPrice)
	}
	if res.Market.LiquidityUSD.LessThan(decimal.NewFromFloat(v.config.LowLiquidityUSD)) {
		res.RiskIndicators = append(res.RiskIndicators, IndicatorLowLiquidity)
	}
	if res.Market.Volume24h.LessThan(decimal.NewFromFloat(v.config.LowVolumeUSD)) {
		res.RiskIndicators = append(res.RiskIndicators, IndicatorLowVolume)
	}
	buys, sells := p.Txns.H24.Buys, p.Txns.H24.Sells
	if v.config.SellPressure > 0 && sells > 0 && float64(sells) > v.config.SellPressure*float64(max(buys, 1)) {
		res.RiskIndicators = append(res.RiskIndicators, IndicatorSellPressure)
	}
	if !res.Market.PairCreatedAt.IsZero() &&
		v.now().Sub(res.Market.PairCreatedAt) < time.Duration(v.config.NewPairMinutes)*time.Minute {
		res.RiskIndicators = append(res.RiskIndicators, IndicatorNewPair)
	}
	return res
}

// TokensMatch reports whether the pair's base/quote tokens are exactly
// token0 and token1 in either order. Comparison is case-insensitive so EVM
// checksum casing does not matter.
func TokensMatch(p *Pair, token0, token1 string) bool {
	a, b := strings.ToLower(p.BaseToken.Address), strings.ToLower(p.QuoteToken.Address)
	t0, t1 := strings.ToLower(token0), strings.ToLower(token1)
	return (a == t0 && b == t1) || (a == t1 && b == t0)
}

// SnapshotOf converts the provider document to decimals. Unparseable
// prices are treated as zero.
func SnapshotOf(p *Pair) Snapshot {
	s := Snapshot{
		Volume24h:  decimal.NewFromFloat(p.Volume.H24),
		TxCount24h: p.Txns.H24.Buys + p.Txns.H24.Sells,
	}
	if price, err := decimal.NewFromString(strings.TrimSpace(p.PriceUsd)); err == nil {
		s.PriceUSD = price
	}
	if p.Liquidity != nil {
		s.LiquidityUSD = decimal.NewFromFloat(p.Liquidity.Usd)
	}
	switch {
	case p.MarketCap > 0:
		s.MarketCap = decimal.NewFromFloat(p.MarketCap)
	case p.Fdv > 0:
		s.MarketCap = decimal.NewFromFloat(p.Fdv)
	}
	if p.PairCreatedAt > 0 {
		s.PairCreatedAt = time.UnixMilli(p.PairCreatedAt).UTC()
	}
	return s
}

// ValidatorStats is a snapshot of validator counters.
type ValidatorStats struct {
	Validated   int64 `json:"validated"`
	NotFound    int64 `json:"not_found"`
	NoLiquidity int64 `json:"no_liquidity"`
	Failures    int64 `json:"failures"`
}

// Stats returns validator statistics.
func (v *Validator) Stats() ValidatorStats {
	return ValidatorStats{
		Validated:   v.validated.Load(),
		NotFound:    v.notFound.Load(),
		NoLiquidity: v.noLiq.Load(),
		Failures:    v.failures.Load(),
	}
}
