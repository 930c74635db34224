package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nexus-trading/dexsniper/internal/bus"
	"github.com/nexus-trading/dexsniper/internal/intel"
	"github.com/nexus-trading/dexsniper/internal/market"
	"github.com/nexus-trading/dexsniper/internal/risk"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeValidator struct {
	fn func(ctx context.Context) (market.Validation, error)
}

func (f fakeValidator) Validate(ctx context.Context, _, _, _, _ string) (market.Validation, error) {
	return f.fn(ctx)
}

type fakeAnalyzer struct {
	mu     sync.Mutex
	calls  int
	result intel.Result
}

func (f *fakeAnalyzer) Analyze(_ context.Context, in intel.Input) intel.Result {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	r := f.result
	r.Token, r.Chain = in.Token, in.Chain
	return r
}

func (f *fakeAnalyzer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeAssessor struct {
	fn func(ctx context.Context, token string) (risk.Assessment, error)
}

func (f fakeAssessor) Assess(ctx context.Context, token, _ string, _ decimal.Decimal) (risk.Assessment, error) {
	return f.fn(ctx, token)
}

func liquidPair(usd int64) market.Validation {
	return market.Validation{
		Found: true, TokensMatch: true, HasLiquidity: usd > 0, HasPrice: true,
		Market: market.Snapshot{PriceUSD: decimal.RequireFromString("0.01"), LiquidityUSD: decimal.NewFromInt(usd)},
	}
}

func assessment(level risk.Level, tradeable bool) risk.Assessment {
	scores := map[risk.Level]float64{risk.LevelLow: 0.1, risk.LevelMedium: 0.4, risk.LevelHigh: 0.6, risk.LevelCritical: 0.9}
	return risk.Assessment{OverallScore: scores[level], OverallLevel: level, Tradeable: tradeable}
}

func okIntel(score, conf, coord float64) intel.Result {
	return intel.Result{IntelligenceScore: score, Confidence: conf, CoordinationRisk: coord, Status: intel.StatusOK}
}

func discovery(pair string) bus.PairDiscovered {
	return bus.PairDiscovered{
		BaseEvent:   bus.NewBaseEvent("test", "1.0.0"),
		ChainID:     "ethereum",
		DexID:       "uniswap_v2",
		PairAddress: pair,
		Token0:      "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2",
		Token1:      "0x1111111111111111111111111111111111111111",
	}
}

type harness struct {
	proc     *Processor
	analyzer *fakeAnalyzer
}

func newHarness(t *testing.T, cfg Config, v market.Validation, vErr error, ir intel.Result, assess func(ctx context.Context, token string) (risk.Assessment, error)) harness {
	t.Helper()
	an := &fakeAnalyzer{result: ir}
	val := fakeValidator{fn: func(context.Context) (market.Validation, error) { return v, vErr }}
	proc, err := NewProcessor(cfg, val, nil, an, fakeAssessor{fn: assess})
	require.NoError(t, err)
	return harness{proc: proc, analyzer: an}
}

func lowRisk(context.Context, string) (risk.Assessment, error) {
	return assessment(risk.LevelLow, true), nil
}

// ---------------------------------------------------------------------------
// State machine
// ---------------------------------------------------------------------------

func TestProcessedPair_HappyPathTransitions(t *testing.T) {
	p := NewProcessedPair(discovery("0xpair"))
	assert.Equal(t, StatusDiscovered, p.Status)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", p.TargetToken)

	for _, ev := range []Event{EventStartValidation, EventValidated, EventIntelComplete, EventApprove} {
		require.NoError(t, p.Transition(ev))
	}
	assert.Equal(t, StatusApproved, p.Status)
	assert.Len(t, p.History, 4)
	assert.False(t, p.CompletedAt.IsZero())
}

func TestProcessedPair_TerminalStatesAreFinal(t *testing.T) {
	for _, terminal := range []Status{StatusApproved, StatusRejected, StatusError} {
		p := NewProcessedPair(discovery("0xpair"))
		p.Status = terminal
		for _, ev := range []Event{EventStartValidation, EventValidated, EventValidationFailed, EventIntelComplete, EventApprove, EventReject, EventFail} {
			assert.Error(t, p.Transition(ev), "%s must reject %s", terminal, ev)
		}
	}
}

func TestProcessedPair_InvalidTransition(t *testing.T) {
	p := NewProcessedPair(discovery("0xpair"))
	err := p.Transition(EventApprove)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid transition")
	assert.Equal(t, StatusDiscovered, p.Status)
}

func TestProcessedPair_UpdateFrozenAfterTerminal(t *testing.T) {
	p := NewProcessedPair(discovery("0xpair"))
	require.NoError(t, p.Transition(EventFail))
	p.update(func(pp *ProcessedPair) { pp.Tradeable = true })
	assert.False(t, p.Snapshot().Tradeable)
}

func TestTargetToken(t *testing.T) {
	weth := "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	assert.Equal(t, "0xabc", TargetToken(weth, "0xabc"))
	assert.Equal(t, "0xabc", TargetToken("0xabc", weth))
	assert.Equal(t, "0xaaa", TargetToken("0xaaa", "0xbbb"))
}

// ---------------------------------------------------------------------------
// Classification
// ---------------------------------------------------------------------------

func TestClassify_TierBoundariesInclusive(t *testing.T) {
	cfg := DefaultClassifierConfig()
	low := assessment(risk.LevelLow, true)
	ir := okIntel(50, 0.5, 0)

	cases := []struct {
		liq  string
		want Level
	}{
		{"50000.00", LevelExcellent},
		{"49999.99", LevelGood},
		{"25000", LevelGood},
		{"5000", LevelFair},
		{"4999.99", LevelPoor},
		{"1000", LevelPoor},
		{"999.99", LevelBlocked},
	}
	for _, tc := range cases {
		c := Classify(cfg, decimal.RequireFromString(tc.liq), &low, &ir)
		assert.Equal(t, tc.want, c.Level, "liquidity %s", tc.liq)
	}
}

func TestClassify_Tradeable(t *testing.T) {
	cfg := DefaultClassifierConfig()
	low := assessment(risk.LevelLow, true)
	ir := okIntel(50, 0.5, 0)

	assert.True(t, Classify(cfg, decimal.NewFromInt(5000), &low, &ir).Tradeable)
	assert.False(t, Classify(cfg, decimal.NewFromInt(1000), &low, &ir).Tradeable)
}

func TestClassify_IntelligenceUpgrade(t *testing.T) {
	cfg := DefaultClassifierConfig()
	low := assessment(risk.LevelLow, true)

	strong := okIntel(85, 0.9, 0)
	c := Classify(cfg, decimal.NewFromInt(30000), &low, &strong)
	assert.Equal(t, LevelExcellent, c.Level)

	unsure := okIntel(85, 0.5, 0)
	assert.Equal(t, LevelGood, Classify(cfg, decimal.NewFromInt(30000), &low, &unsure).Level)

	unavailable := okIntel(85, 0.9, 0)
	unavailable.Status = intel.StatusUnavailable
	assert.Equal(t, LevelGood, Classify(cfg, decimal.NewFromInt(30000), &low, &unavailable).Level)

	assert.Equal(t, LevelExcellent, Classify(cfg, decimal.NewFromInt(90000), &low, &strong).Level)
}

func TestClassify_CoordinationBlocksExcellent(t *testing.T) {
	low := assessment(risk.LevelLow, true)
	ir := okIntel(90, 0.9, 85)

	c := Classify(DefaultClassifierConfig(), decimal.NewFromInt(200000), &low, &ir)
	assert.Equal(t, LevelBlocked, c.Level)
	assert.False(t, c.Tradeable)
}

func TestClassify_RiskGates(t *testing.T) {
	cfg := DefaultClassifierConfig()
	ir := okIntel(50, 0.5, 0)
	liq := decimal.NewFromInt(100000)

	critical := assessment(risk.LevelCritical, false)
	assert.Equal(t, LevelBlocked, Classify(cfg, liq, &critical, &ir).Level)

	high := assessment(risk.LevelHigh, true)
	c := Classify(cfg, liq, &high, &ir)
	assert.Equal(t, LevelFair, c.Level)
	assert.True(t, c.Tradeable)

	vetoed := assessment(risk.LevelMedium, false)
	assert.Equal(t, LevelBlocked, Classify(cfg, liq, &vetoed, &ir).Level)

	assert.Equal(t, LevelBlocked, Classify(cfg, liq, nil, &ir).Level)
}

func TestClassify_Idempotent(t *testing.T) {
	cfg := DefaultClassifierConfig()
	high := assessment(risk.LevelHigh, true)
	ir := okIntel(82, 0.85, 20)
	liq := decimal.NewFromInt(26000)

	first := Classify(cfg, liq, &high, &ir)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Classify(cfg, liq, &high, &ir))
	}
}

// ---------------------------------------------------------------------------
// Processor
// ---------------------------------------------------------------------------

func TestProcess_Approved(t *testing.T) {
	h := newHarness(t, DefaultConfig(), liquidPair(60000), nil, okIntel(60, 0.6, 10), lowRisk)

	var mu sync.Mutex
	var seen []Status
	for _, st := range []Status{StatusDiscovered, StatusValidating, StatusAnalyzingIntelligence, StatusRiskAssessing, StatusApproved} {
		h.proc.OnStatus(st, func(p *ProcessedPair) {
			mu.Lock()
			seen = append(seen, p.Status)
			mu.Unlock()
		})
	}

	res := h.proc.Process(context.Background(), discovery("0xpair"))
	assert.Equal(t, StatusApproved, res.Status)
	assert.Equal(t, LevelExcellent, res.OpportunityLevel)
	assert.True(t, res.Tradeable)
	require.NotNil(t, res.Risk)
	require.NotNil(t, res.Intel)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", res.Intel.Token)
	assert.Equal(t, []Status{StatusDiscovered, StatusValidating, StatusAnalyzingIntelligence, StatusRiskAssessing, StatusApproved}, seen)

	stored := h.proc.Get("0xpair")
	require.NotNil(t, stored)
	assert.Equal(t, StatusApproved, stored.Status)

	stats := h.proc.Stats()
	assert.Equal(t, int64(1), stats.Processed)
	assert.Equal(t, int64(1), stats.Approved)
	assert.Equal(t, int64(1), stats.Opportunities[LevelExcellent])
	assert.InDelta(t, 60.0, stats.AvgIntelScore, 1e-9)
}

func TestProcess_NotFoundSkipsAnalysis(t *testing.T) {
	called := false
	h := newHarness(t, DefaultConfig(), market.Validation{}, nil, okIntel(50, 0.5, 0),
		func(context.Context, string) (risk.Assessment, error) {
			called = true
			return assessment(risk.LevelLow, true), nil
		})

	res := h.proc.Process(context.Background(), discovery("0xpair"))
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, LevelBlocked, res.OpportunityLevel)
	assert.False(t, res.Tradeable)
	assert.Zero(t, h.analyzer.Calls())
	assert.False(t, called)
	assert.Nil(t, res.Risk)
}

func TestProcess_NoLiquidityRejected(t *testing.T) {
	h := newHarness(t, DefaultConfig(), liquidPair(0), nil, okIntel(50, 0.5, 0), lowRisk)

	res := h.proc.Process(context.Background(), discovery("0xpair"))
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, LevelBlocked, res.OpportunityLevel)
	assert.Contains(t, res.Recommendations, "pair has no liquidity")
}

func TestProcess_CriticalRiskRejected(t *testing.T) {
	h := newHarness(t, DefaultConfig(), liquidPair(500000), nil, okIntel(95, 0.95, 0),
		func(context.Context, string) (risk.Assessment, error) {
			return assessment(risk.LevelCritical, false), nil
		})

	res := h.proc.Process(context.Background(), discovery("0xpair"))
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, LevelBlocked, res.OpportunityLevel)
	assert.False(t, res.Tradeable)
}

func TestProcess_ValidatorErrorIsError(t *testing.T) {
	h := newHarness(t, DefaultConfig(), market.Validation{}, errors.New("dexscreener: HTTP 502"), okIntel(50, 0.5, 0), lowRisk)

	res := h.proc.Process(context.Background(), discovery("0xpair"))
	assert.Equal(t, StatusError, res.Status)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "502")
	assert.Equal(t, int64(1), h.proc.Stats().Errors)
}

func TestProcess_AssessorErrorIsError(t *testing.T) {
	h := newHarness(t, DefaultConfig(), liquidPair(60000), nil, okIntel(50, 0.5, 0),
		func(context.Context, string) (risk.Assessment, error) {
			return risk.Assessment{}, risk.ErrUnsupportedChain
		})

	res := h.proc.Process(context.Background(), discovery("0xpair"))
	assert.Equal(t, StatusError, res.Status)
	assert.Contains(t, res.Errors[0], "risk assessment")
}

func TestProcess_PanicIsError(t *testing.T) {
	h := newHarness(t, DefaultConfig(), liquidPair(60000), nil, okIntel(50, 0.5, 0),
		func(context.Context, string) (risk.Assessment, error) { panic("nil chain client") })

	res := h.proc.Process(context.Background(), discovery("0xpair"))
	assert.Equal(t, StatusError, res.Status)
	assert.Contains(t, res.Errors[0], "nil chain client")
}

func TestProcess_TimeoutIsError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProcessTimeoutMs = 50
	release := make(chan struct{})
	defer close(release)
	h := newHarness(t, cfg, liquidPair(60000), nil, okIntel(50, 0.5, 0),
		func(context.Context, string) (risk.Assessment, error) {
			<-release
			return assessment(risk.LevelLow, true), nil
		})

	res := h.proc.Process(context.Background(), discovery("0xpair"))
	assert.Equal(t, StatusError, res.Status)
	assert.Contains(t, res.Errors[0], "timed out")
	assert.False(t, res.Tradeable)
}

func TestProcess_CallbackPanicRecovered(t *testing.T) {
	h := newHarness(t, DefaultConfig(), liquidPair(60000), nil, okIntel(50, 0.5, 0), lowRisk)
	h.proc.OnStatus(StatusValidating, func(*ProcessedPair) { panic("listener bug") })

	res := h.proc.Process(context.Background(), discovery("0xpair"))
	assert.Equal(t, StatusApproved, res.Status)
}

func TestProcessor_WorkersDrainQueue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 4
	h := newHarness(t, cfg, liquidPair(30000), nil, okIntel(50, 0.5, 0), lowRisk)

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	h.proc.OnStatus(StatusApproved, func(*ProcessedPair) { wg.Done() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.proc.Start(ctx)
	defer h.proc.Stop()

	for i := 0; i < n; i++ {
		require.True(t, h.proc.Submit(discovery(fmt.Sprintf("0xpair%02d", i))))
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not drain the queue")
	}
	assert.Eventually(t, func() bool {
		return h.proc.Stats().Opportunities[LevelGood] == n
	}, time.Second, 10*time.Millisecond)
}

func TestProcessor_SubmitDropsWhenFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueSize = 1
	h := newHarness(t, cfg, liquidPair(30000), nil, okIntel(50, 0.5, 0), lowRisk)

	assert.True(t, h.proc.Submit(discovery("0xa")))
	assert.False(t, h.proc.Submit(discovery("0xb")))
	assert.False(t, h.proc.Submit(bus.PairDiscovered{ChainID: "ethereum"}))

	stats := h.proc.Stats()
	assert.Equal(t, int64(1), stats.Submitted)
	assert.Equal(t, int64(2), stats.Dropped)
	assert.Equal(t, 1, stats.QueueDepth)
}

func TestProcessor_ResultsBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResultsCacheSize = 2
	h := newHarness(t, cfg, liquidPair(30000), nil, okIntel(50, 0.5, 0), lowRisk)

	for _, pair := range []string{"0xa", "0xb", "0xc"} {
		h.proc.Process(context.Background(), discovery(pair))
	}
	assert.Nil(t, h.proc.Get("0xa"))
	assert.NotNil(t, h.proc.Get("0xc"))
	assert.Equal(t, 2, h.proc.Stats().Stored)
}

func TestNewProcessor_RequiresCollaborators(t *testing.T) {
	_, err := NewProcessor(DefaultConfig(), nil, nil, &fakeAnalyzer{}, fakeAssessor{})
	assert.Error(t, err)
}

func TestProcessedPair_Event(t *testing.T) {
	h := newHarness(t, DefaultConfig(), liquidPair(60000), nil, okIntel(70, 0.6, 0), lowRisk)
	ev := discovery("0xpair")

	res := h.proc.Process(context.Background(), ev)
	out := res.Event()
	assert.Equal(t, "APPROVED", out.Status)
	assert.Equal(t, "EXCELLENT", out.OpportunityLevel)
	assert.Equal(t, ev.TraceID, out.TraceID)
	assert.Equal(t, ev.EventID, out.CausationID)
	assert.Equal(t, 70.0, out.IntelScore)
	assert.True(t, out.LiquidityUSD.Equal(decimal.NewFromInt(60000)))
}
