package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nexus-trading/dexsniper/internal/honeypot"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "0x1111111111111111111111111111111111111111"

type fakeClient struct {
	contract   ContractInfo
	sim        TradeSimulation
	liq        LiquidityInfo
	holders    HolderInfo
	holderErr  error
	holderWait time.Duration
	holderDone chan error // when set, HolderInfo blocks until its ctx ends
}

func (f *fakeClient) ContractInfo(context.Context, string) (ContractInfo, error) {
	return f.contract, nil
}

func (f *fakeClient) SimulateTrade(context.Context, string, decimal.Decimal) (TradeSimulation, error) {
	return f.sim, nil
}

func (f *fakeClient) LiquidityInfo(context.Context, string) (LiquidityInfo, error) {
	return f.liq, nil
}

func (f *fakeClient) HolderInfo(ctx context.Context, _ string) (HolderInfo, error) {
	if f.holderDone != nil {
		<-ctx.Done()
		f.holderDone <- ctx.Err()
		return HolderInfo{}, ctx.Err()
	}
	if f.holderWait > 0 {
		time.Sleep(f.holderWait)
	}
	return f.holders, f.holderErr
}

func safeClient() *fakeClient {
	return &fakeClient{
		contract: ContractInfo{
			Code:           []byte("safe token bytecode blob"),
			Verified:       true,
			OwnerRenounced: true,
			TradingEnabled: true,
		},
		sim:     TradeSimulation{CanBuy: true, CanSell: true, BuyTaxPct: 1, SellTaxPct: 1},
		liq:     LiquidityInfo{LiquidityUSD: decimal.NewFromInt(200_000), LockedPct: 95, LockedUntil: time.Now().Add(365 * 24 * time.Hour)},
		holders: HolderInfo{DevPct: 2, Top10Pct: 30, Holders: 800},
	}
}

func newTestAssessor(c ChainClient, registry *honeypot.Registry) *Assessor {
	return NewAssessor(DefaultConfig(), map[string]ChainClient{ChainEthereum: c}, registry)
}

func TestAssess_SafeTokenIsTradeable(t *testing.T) {
	a := newTestAssessor(safeClient(), nil)

	res, err := a.Assess(context.Background(), testToken, "ethereum", decimal.NewFromInt(500))
	require.NoError(t, err)
	assert.Equal(t, LevelLow, res.OverallLevel)
	assert.True(t, res.Tradeable)
	assert.Len(t, res.Factors, 10)
	assert.GreaterOrEqual(t, res.ExecutionTimeMs, int64(0))
	assert.Contains(t, res.Recommendations, "Standard position sizing")
}

func TestAssess_HoneypotVeto(t *testing.T) {
	c := safeClient()
	c.sim.CanSell = false
	a := newTestAssessor(c, nil)

	res, err := a.Assess(context.Background(), testToken, ChainEthereum, decimal.Zero)
	require.NoError(t, err)

	hp, ok := res.Factor(CategoryHoneypot)
	require.True(t, ok)
	assert.Equal(t, LevelCritical, hp.Level)
	assert.NotEqual(t, LevelCritical, res.OverallLevel)
	assert.False(t, res.Tradeable)
	assert.Equal(t, int64(1), a.Stats().Vetoes)
}

func TestAssess_TradingDisabledVeto(t *testing.T) {
	c := safeClient()
	c.contract.TradingEnabled = false
	a := newTestAssessor(c, nil)

	res, err := a.Assess(context.Background(), testToken, ChainEthereum, decimal.Zero)
	require.NoError(t, err)
	assert.False(t, res.Tradeable)
}

func TestAssess_RiskyButNoVeto(t *testing.T) {
	c := &fakeClient{
		contract: ContractInfo{CanMint: true, CanPause: true, CanChangeFees: true, HasBlacklistFunction: true, IsProxy: true, TradingEnabled: true},
		sim:      TradeSimulation{CanBuy: true, CanSell: true, BuyTaxPct: 60, SellTaxPct: 60},
		liq:      LiquidityInfo{LiquidityUSD: decimal.NewFromInt(500)},
		holders:  HolderInfo{DevPct: 60, Top10Pct: 90},
	}
	a := newTestAssessor(c, nil)

	res, err := a.Assess(context.Background(), testToken, ChainEthereum, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, LevelHigh, res.OverallLevel)
	assert.True(t, res.Tradeable)
	assert.NotEmpty(t, res.Warnings)
}

func TestAssess_KnownHoneypotFingerprint(t *testing.T) {
	reg := honeypot.NewRegistry(honeypot.DefaultRegistryConfig())
	c := safeClient()
	reg.Record(honeypot.Sample{Chain: ChainEthereum, TokenAddress: "0xold", ContractCode: c.contract.Code, Kind: honeypot.KindSellBlocked})
	a := newTestAssessor(c, reg)

	res, err := a.Assess(context.Background(), testToken, ChainEthereum, decimal.Zero)
	require.NoError(t, err)
	hp, _ := res.Factor(CategoryHoneypot)
	assert.Equal(t, 0.95, hp.Score)
	assert.False(t, res.Tradeable)
}

func TestAssess_CheckErrorOmitsFactor(t *testing.T) {
	c := safeClient()
	c.holderErr = errors.New("rpc down")
	a := newTestAssessor(c, nil)

	res, err := a.Assess(context.Background(), testToken, ChainEthereum, decimal.Zero)
	require.NoError(t, err)
	assert.Len(t, res.Factors, 9)
	_, ok := res.Factor(CategoryDevConcentration)
	assert.False(t, ok)
	assert.Contains(t, res.Warnings[len(res.Warnings)-1], "DEV_CONCENTRATION")
	assert.Equal(t, int64(1), a.Stats().CheckErrors)
}

func TestAssess_CheckTimeoutUsesNeutralFactor(t *testing.T) {
	c := safeClient()
	c.holderWait = 300 * time.Millisecond
	cfg := DefaultConfig()
	cfg.CheckTimeoutMs = 20
	a := NewAssessor(cfg, map[string]ChainClient{ChainEthereum: c}, nil)

	res, err := a.Assess(context.Background(), testToken, ChainEthereum, decimal.Zero)
	require.NoError(t, err)
	f, ok := res.Factor(CategoryDevConcentration)
	require.True(t, ok)
	assert.Equal(t, NeutralFactor(CategoryDevConcentration), f)
	assert.Equal(t, int64(1), a.Stats().CheckTimeouts)
}

func TestAssess_TimedOutCheckCancelsChainCall(t *testing.T) {
	c := safeClient()
	c.holderDone = make(chan error, 1)
	cfg := DefaultConfig()
	cfg.CheckTimeoutMs = 20
	a := NewAssessor(cfg, map[string]ChainClient{ChainEthereum: c}, nil)

	_, err := a.Assess(context.Background(), testToken, ChainEthereum, decimal.Zero)
	require.NoError(t, err)

	select {
	case err := <-c.holderDone:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("holder call still running after the assessment returned")
	}
}

func TestContractCode(t *testing.T) {
	a := newTestAssessor(safeClient(), nil)
	code, err := a.ContractCode(context.Background(), "ETHEREUM", testToken)
	require.NoError(t, err)
	assert.Equal(t, []byte("safe token bytecode blob"), code)

	_, err = a.ContractCode(context.Background(), "solana", testToken)
	assert.ErrorIs(t, err, ErrClientUnavailable)
}

func TestAssess_ValidationErrors(t *testing.T) {
	a := newTestAssessor(safeClient(), nil)
	ctx := context.Background()

	_, err := a.Assess(ctx, testToken, "dogechain", decimal.Zero)
	assert.ErrorIs(t, err, ErrUnsupportedChain)

	_, err = a.Assess(ctx, "0x123", ChainEthereum, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = a.Assess(ctx, testToken, ChainBSC, decimal.Zero)
	assert.ErrorIs(t, err, ErrClientUnavailable)
}

func TestValidateAddress(t *testing.T) {
	assert.NoError(t, ValidateAddress(ChainSolana, "So11111111111111111111111111111111111111112"))
	assert.ErrorIs(t, ValidateAddress(ChainSolana, "0OIl-not-base58"), ErrInvalidAddress)
	assert.NoError(t, ValidateAddress(ChainBase, "0xABCDEFabcdef0123456789012345678901234567"))
	assert.ErrorIs(t, ValidateAddress(ChainBase, "0xZZCDEFabcdef0123456789012345678901234567"), ErrInvalidAddress)
}

func TestAggregate_VetoInvariant(t *testing.T) {
	for _, cat := range []Category{CategoryHoneypot, CategoryTradingDisabled} {
		for _, score := range []float64{0.5, 0.74, 0.75, 1.0} {
			factors := []Factor{
				NewFactor(cat, score, 0.1, "veto"),
				NewFactor(CategoryLiquidity, 0.0, 1.0, "deep"),
				NewFactor(CategoryTax, 0.0, 1.0, "none"),
			}
			res := Aggregate(factors)
			assert.False(t, res.Tradeable, "%s at %.2f must veto", cat, score)
		}
	}
}

func TestAggregate_CriticalNotTradeable(t *testing.T) {
	res := Aggregate([]Factor{
		NewFactor(CategoryLiquidity, 0.9, 1, "thin"),
		NewFactor(CategoryTax, 0.9, 1, "heavy"),
	})
	assert.Equal(t, LevelCritical, res.OverallLevel)
	assert.False(t, res.Tradeable)
}

func TestAggregate_EmptyIsNotTradeable(t *testing.T) {
	res := Aggregate(nil)
	assert.False(t, res.Tradeable)
	assert.Equal(t, 0.5, res.OverallScore)
}

func TestAggregate_ScoreInRange(t *testing.T) {
	res := Aggregate([]Factor{
		{Category: CategoryTax, Score: 3, Confidence: 1},
		{Category: CategoryProxy, Score: 2, Confidence: 1},
	})
	assert.LessOrEqual(t, res.OverallScore, 1.0)
	assert.GreaterOrEqual(t, res.OverallScore, 0.0)
}

func TestLevelForScore_Monotonic(t *testing.T) {
	prev := LevelForScore(0)
	for s := 0.0; s <= 1.0; s += 0.005 {
		cur := LevelForScore(s)
		assert.True(t, cur.AtLeast(prev), "level dropped at %.3f", s)
		prev = cur
	}

	assert.Equal(t, LevelLow, LevelForScore(0.2499))
	assert.Equal(t, LevelMedium, LevelForScore(0.25))
	assert.Equal(t, LevelHigh, LevelForScore(0.5))
	assert.Equal(t, LevelCritical, LevelForScore(0.75))
}
