package market

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrPairNotFound is returned by a Source when the market has no record of
// the pair.
var ErrPairNotFound = errors.New("market: pair not found")

// Source looks up live market data for a pair.
type Source interface {
	LookupPair(ctx context.Context, chain, pairAddress string) (*Pair, error)
}

// Token is one side of a pair as reported by the market data provider.
type Token struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
}

// BuysSells counts transactions in one window.
type BuysSells struct {
	Buys  int `json:"buys"`
	Sells int `json:"sells"`
}

// Txns holds transaction counts per window.
type Txns struct {
	M5  BuysSells `json:"m5"`
	H1  BuysSells `json:"h1"`
	H6  BuysSells `json:"h6"`
	H24 BuysSells `json:"h24"`
}

// Volume holds USD volume per window.
type Volume struct {
	M5  float64 `json:"m5"`
	H1  float64 `json:"h1"`
	H6  float64 `json:"h6"`
	H24 float64 `json:"h24"`
}

// Liquidity is pool depth. Missing for pairs the provider cannot price.
type Liquidity struct {
	Usd   float64 `json:"usd"`
	Base  float64 `json:"base"`
	Quote float64 `json:"quote"`
}

// Pair is the Dexscreener pair document.
type Pair struct {
	ChainID       string     `json:"chainId"`
	DexID         string     `json:"dexId"`
	URL           string     `json:"url"`
	PairAddress   string     `json:"pairAddress"`
	BaseToken     Token      `json:"baseToken"`
	QuoteToken    Token      `json:"quoteToken"`
	PriceNative   string     `json:"priceNative"`
	PriceUsd      string     `json:"priceUsd"`
	Txns          Txns       `json:"txns"`
	Volume        Volume     `json:"volume"`
	Liquidity     *Liquidity `json:"liquidity"`
	Fdv           float64    `json:"fdv"`
	MarketCap     float64    `json:"marketCap"`
	PairCreatedAt int64      `json:"pairCreatedAt"` // unix ms
}

// Snapshot is the decimal market view attached to a processed pair.
type Snapshot struct {
	PriceUSD      decimal.Decimal `json:"price_usd"`
	LiquidityUSD  decimal.Decimal `json:"liquidity_usd"`
	Volume24h     decimal.Decimal `json:"volume_24h"`
	MarketCap     decimal.Decimal `json:"market_cap"`
	TxCount24h    int             `json:"tx_count_24h"`
	PairCreatedAt time.Time       `json:"pair_created_at,omitempty"`
}

// Risk indicators attached to a validation.
const (
	IndicatorTokenMismatch = "TOKEN_MISMATCH"
	IndicatorNoPrice       = "NO_PRICE"
	IndicatorLowLiquidity  = "LOW_LIQUIDITY"
	IndicatorLowVolume     = "LOW_VOLUME"
	IndicatorSellPressure  = "SELL_PRESSURE"
	IndicatorNewPair       = "NEW_PAIR"
)

// Validation is the outcome of cross-checking a discovered pair.
type Validation struct {
	Found          bool     `json:"found"`
	TokensMatch    bool     `json:"tokens_match"`
	HasLiquidity   bool     `json:"has_liquidity"`
	HasPrice       bool     `json:"has_price"`
	Market         Snapshot `json:"market"`
	RiskIndicators []string `json:"risk_indicators,omitempty"`
}

// Passed reports whether the pair may continue down the pipeline.
func (v Validation) Passed() bool {
	return v.Found && v.HasLiquidity
}
