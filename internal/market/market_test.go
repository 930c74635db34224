package market

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pairJSON = `{
  "schemaVersion": "1.0.0",
  "pairs": [{
    "chainId": "ethereum",
    "dexId": "uniswap",
    "pairAddress": "0xPAIR",
    "baseToken": {"address": "0xAAA", "name": "Alpha", "symbol": "ALP"},
    "quoteToken": {"address": "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", "name": "Wrapped Ether", "symbol": "WETH"},
    "priceUsd": "0.000123",
    "txns": {"h24": {"buys": 120, "sells": 40}},
    "volume": {"h24": 85000.5},
    "liquidity": {"usd": 42000.25, "base": 1, "quote": 2},
    "fdv": 1500000,
    "pairCreatedAt": %d
  }]
}`

func newDexServer(t *testing.T, handler http.HandlerFunc) *DexscreenerClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewDexscreenerClient(DexscreenerConfig{BaseURL: srv.URL, MaxRetries: 2, TimeoutMs: 2000})
}

func TestDexscreener_LookupPair(t *testing.T) {
	created := time.Now().Add(-3 * time.Hour).UnixMilli()
	var path string
	c := newDexServer(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		fmt.Fprintf(w, pairJSON, created)
	})

	p, err := c.LookupPair(context.Background(), "eth", "0xpair")
	require.NoError(t, err)
	assert.Equal(t, "/latest/dex/pairs/ethereum/0xpair", path)
	assert.Equal(t, "uniswap", p.DexID)
	require.NotNil(t, p.Liquidity)
	assert.Equal(t, 42000.25, p.Liquidity.Usd)
	assert.Equal(t, int64(1), c.Stats().Requests)
}

func TestDexscreener_NotFound(t *testing.T) {
	c := newDexServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"schemaVersion":"1.0.0","pairs":null}`))
	})
	_, err := c.LookupPair(context.Background(), "bsc", "0xdead")
	assert.ErrorIs(t, err, ErrPairNotFound)

	c404 := newDexServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	_, err = c404.LookupPair(context.Background(), "bsc", "0xdead")
	assert.ErrorIs(t, err, ErrPairNotFound)
}

func TestDexscreener_RetriesOnRateLimit(t *testing.T) {
	var calls atomic.Int32
	created := time.Now().UnixMilli()
	c := newDexServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprintf(w, pairJSON, created)
	})

	p, err := c.LookupPair(context.Background(), "ethereum", "0xPAIR")
	require.NoError(t, err)
	assert.Equal(t, "0xPAIR", p.PairAddress)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(1), c.Stats().Errors)
}

func TestDexscreener_GivesUp(t *testing.T) {
	c := newDexServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	c.config.MaxRetries = 0

	_, err := c.LookupPair(context.Background(), "ethereum", "0xPAIR")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrPairNotFound))
}

func TestDexscreener_MinIntervalGate(t *testing.T) {
	c := newDexServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	c.config.MinIntervalMs = 50

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, _ = c.LookupPair(context.Background(), "ethereum", "0xPAIR")
	}
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

// ---------------------------------------------------------------------------
// Validator
// ---------------------------------------------------------------------------

type fakeSource struct {
	pair *Pair
	err  error
}

func (f fakeSource) LookupPair(context.Context, string, string) (*Pair, error) {
	return f.pair, f.err
}

func samplePair() *Pair {
	return &Pair{
		ChainID:       "ethereum",
		PairAddress:   "0xPAIR",
		BaseToken:     Token{Address: "0xAAA"},
		QuoteToken:    Token{Address: "0xBBB"},
		PriceUsd:      "1.25",
		Txns:          Txns{H24: BuysSells{Buys: 100, Sells: 30}},
		Volume:        Volume{H24: 50000},
		Liquidity:     &Liquidity{Usd: 60000},
		MarketCap:     2_000_000,
		PairCreatedAt: time.Now().Add(-48 * time.Hour).UnixMilli(),
	}
}

func TestValidator_Healthy(t *testing.T) {
	v := NewValidator(fakeSource{pair: samplePair()}, DefaultValidatorConfig())

	res, err := v.Validate(context.Background(), "ethereum", "0xpair", "0xbbb", "0xaaa")
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.True(t, res.TokensMatch)
	assert.True(t, res.HasLiquidity)
	assert.True(t, res.HasPrice)
	assert.True(t, res.Passed())
	assert.Empty(t, res.RiskIndicators)
	assert.True(t, res.Market.PriceUSD.Equal(decimal.RequireFromString("1.25")))
	assert.True(t, res.Market.LiquidityUSD.Equal(decimal.NewFromInt(60000)))
	assert.Equal(t, 130, res.Market.TxCount24h)
}

func TestValidator_NotFound(t *testing.T) {
	v := NewValidator(fakeSource{err: ErrPairNotFound}, DefaultValidatorConfig())

	res, err := v.Validate(context.Background(), "ethereum", "0xpair", "0xa", "0xb")
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.False(t, res.Passed())
	assert.Equal(t, int64(1), v.Stats().NotFound)
}

func TestValidator_TransportError(t *testing.T) {
	v := NewValidator(fakeSource{err: errors.New("dial tcp: refused")}, DefaultValidatorConfig())

	_, err := v.Validate(context.Background(), "ethereum", "0xpair", "0xa", "0xb")
	require.Error(t, err)
	assert.Equal(t, int64(1), v.Stats().Failures)
}

func TestValidator_Indicators(t *testing.T) {
	p := samplePair()
	p.Liquidity = nil
	p.PriceUsd = ""
	p.Volume.H24 = 10
	p.Txns.H24 = BuysSells{Buys: 5, Sells: 40}
	p.PairCreatedAt = time.Now().Add(-5 * time.Minute).UnixMilli()
	v := NewValidator(fakeSource{pair: p}, DefaultValidatorConfig())

	res, err := v.Validate(context.Background(), "ethereum", "0xpair", "0xaaa", "0xccc")
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.False(t, res.HasLiquidity)
	assert.False(t, res.Passed())
	assert.ElementsMatch(t, []string{
		IndicatorTokenMismatch, IndicatorNoPrice, IndicatorLowLiquidity,
		IndicatorLowVolume, IndicatorSellPressure, IndicatorNewPair,
	}, res.RiskIndicators)
	assert.Equal(t, int64(1), v.Stats().NoLiquidity)
}

func TestSnapshotOf_FdvFallback(t *testing.T) {
	p := samplePair()
	p.MarketCap = 0
	p.Fdv = 900
	assert.True(t, SnapshotOf(p).MarketCap.Equal(decimal.NewFromInt(900)))
}
