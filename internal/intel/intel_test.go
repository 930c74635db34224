package intel

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/nexus-trading/dexsniper/internal/bus"
	"github.com/nexus-trading/dexsniper/internal/regime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 7, 0, time.UTC)

func human(text string, followers int, at time.Time) Mention {
	return Mention{Platform: "x", Author: "a", Text: text, Followers: followers, AccountAgeDays: 400, PostsPerDay: 3, Timestamp: at}
}

func tx(from, typ string, usd float64, at time.Time) Transaction {
	return Transaction{Hash: fmt.Sprintf("0x%s%d", from, at.UnixNano()), From: from, Type: typ, AmountUSD: usd, Timestamp: at}
}

// ---------------------------------------------------------------------------
// Sentiment
// ---------------------------------------------------------------------------

func TestAnalyzeSentiment_Empty(t *testing.T) {
	res := AnalyzeSentiment(nil, t0)
	assert.Equal(t, 0.0, res.Score)
	assert.Equal(t, 0, res.MentionCount)
	assert.Equal(t, 0.0, res.Confidence)
}

func TestAnalyzeSentiment_Bullish(t *testing.T) {
	mentions := []Mention{
		human("this gem is going to the moon, buying more", 5000, t0.Add(-10*time.Minute)),
		human("lfg breakout incoming", 200, t0.Add(-30*time.Minute)),
		human("looks like a rug to me", 10, t0.Add(-2*time.Hour)),
	}
	res := AnalyzeSentiment(mentions, t0)

	assert.Equal(t, 3, res.MentionCount)
	assert.Equal(t, 2, res.BullishCount)
	assert.Equal(t, 1, res.BearishCount)
	assert.Greater(t, res.Score, 0.3)
	assert.LessOrEqual(t, res.Score, 1.0)
	assert.Greater(t, res.TrendStrength, 0.0)
	assert.InDelta(t, 3.0/20, res.Confidence, 1e-9)
}

func TestAnalyzeSentiment_ExcludesBots(t *testing.T) {
	bot := Mention{Text: "$$$ !!!", Followers: 1_000_000, AccountAgeDays: 2, PostsPerDay: 400, Timestamp: t0}
	mentions := []Mention{bot, bot, human("scam, avoid", 50, t0)}

	res := AnalyzeSentiment(mentions, t0)
	assert.Equal(t, 2, res.BotCount)
	assert.Equal(t, -1.0, res.Score)
}

func TestTrendStrength(t *testing.T) {
	recent := []Mention{human("x", 1, t0.Add(-time.Minute))}
	assert.InDelta(t, 1.0, trendStrength(recent, t0), 1e-9)

	old := []Mention{human("x", 1, t0.Add(-12*time.Hour))}
	assert.InDelta(t, 1.0/7, trendStrength(old, t0), 1e-9)
}

// ---------------------------------------------------------------------------
// Whales
// ---------------------------------------------------------------------------

func TestWhaleThreshold(t *testing.T) {
	assert.Equal(t, 100_000.0, WhaleThreshold(DefaultWhaleThresholds, "Ethereum"))
	assert.Equal(t, 25_000.0, WhaleThreshold(DefaultWhaleThresholds, "polygon"))
	assert.Equal(t, 50_000.0, WhaleThreshold(DefaultWhaleThresholds, "fantom"))
}

func TestClassifyWhaleAction(t *testing.T) {
	assert.Equal(t, ActionAccumulation, ClassifyWhaleAction("BUY"))
	assert.Equal(t, ActionAccumulation, ClassifyWhaleAction("add_liquidity"))
	assert.Equal(t, ActionDistribution, ClassifyWhaleAction("sell"))
	assert.Equal(t, ActionDistribution, ClassifyWhaleAction("remove_liquidity"))
	assert.Equal(t, ActionRotation, ClassifyWhaleAction("transfer"))
}

func TestEstimateImpact(t *testing.T) {
	assert.InDelta(t, 0.1, EstimateImpact(1_000_000, 1_000_000), 1e-9)
	assert.InDelta(t, 0.05, EstimateImpact(250_000, 1_000_000), 1e-9)
	assert.Equal(t, 0.0, EstimateImpact(1000, 0))
}

func TestTrackWhales_Accumulation(t *testing.T) {
	txs := []Transaction{
		tx("w1", "buy", 150_000, t0),
		tx("w2", "buy", 120_000, t0.Add(20*time.Minute)),
		tx("small", "buy", 500, t0.Add(21*time.Minute)),
		tx("w3", "sell", 100_000, t0.Add(40*time.Minute)),
	}
	res := TrackWhales(txs, 100_000, 2_000_000)

	assert.Equal(t, 3, res.WhaleTxCount)
	assert.Equal(t, 270_000.0, res.AccumulationUSD)
	assert.Equal(t, 100_000.0, res.DistributionUSD)
	assert.Equal(t, ActionAccumulation, res.DominantAction)
	assert.Equal(t, DirectionBullish, res.Direction)
	assert.InDelta(t, 170.0/370, res.DirectionConfidence, 1e-9)
	assert.InDelta(t, math.Min(100, 45+10*3.7), res.ActivityScore, 1e-9)
	assert.False(t, res.Coordinated, "two buys and one sell are not a coordinated group")
}

func TestTrackWhales_NoWhales(t *testing.T) {
	res := TrackWhales([]Transaction{tx("a", "buy", 10, t0)}, 50_000, 0)
	assert.Zero(t, res.WhaleTxCount)
	assert.Equal(t, DirectionNeutral, res.Direction)
	assert.Equal(t, 50.0, whaleComponent(res))
}

func TestTrackWhales_ManipulationRisk(t *testing.T) {
	night := time.Date(2024, 3, 1, 3, 0, 7, 0, time.UTC)
	txs := []Transaction{
		tx("w1", "sell", 500_000, night),
		tx("w2", "sell", 500_000, night.Add(time.Minute)),
	}
	res := TrackWhales(txs, 50_000, 1_000_000)
	// rapid 1/1, unusual 2/2, impact 2/2
	assert.InDelta(t, 1.0, res.ManipulationRisk, 1e-9)
	assert.Equal(t, DirectionBearish, res.Direction)
	assert.Less(t, whaleComponent(res), 50.0)
}

// ---------------------------------------------------------------------------
// Coordination
// ---------------------------------------------------------------------------

func TestDetectPumpCoordination_SimilarBuys(t *testing.T) {
	amounts := []float64{1003, 998, 1011, 995, 1004}
	senders := []string{"0xa", "0xb", "0xc", "0xd", "0xa"}
	txs := make([]Transaction, len(amounts))
	for i := range amounts {
		txs[i] = tx(senders[i], "buy", amounts[i], t0.Add(time.Duration(i*37)*time.Second))
	}
	require.Less(t, coefficientOfVariation(amounts), 0.1)

	res := DetectCoordination(txs)
	require.Len(t, res.Alerts, 1)
	alert := res.Alerts[0]
	assert.Equal(t, PatternPumpCoordination, alert.Pattern)
	assert.GreaterOrEqual(t, alert.Confidence, 0.7)
	assert.Equal(t, []string{"0xa", "0xb", "0xc", "0xd"}, alert.Addresses)
	assert.Equal(t, 5, alert.TxCount)
	assert.InDelta(t, alert.Confidence*100, res.RiskScore, 1e-9)
}

func TestDetectPumpCoordination_TooFewWallets(t *testing.T) {
	var txs []Transaction
	for i := 0; i < 6; i++ {
		from := "0xa"
		if i%2 == 1 {
			from = "0xb"
		}
		txs = append(txs, tx(from, "buy", 1000, t0.Add(time.Duration(i*20)*time.Second)))
	}
	assert.Empty(t, DetectPumpCoordination(txs))
}

func TestDetectPumpCoordination_OrganicBuys(t *testing.T) {
	amounts := []float64{50, 2200, 310, 9000, 75, 640}
	gaps := []int{0, 3, 50, 55, 170, 290}
	var txs []Transaction
	for i := range amounts {
		txs = append(txs, tx(fmt.Sprintf("0x%d", i), "buy", amounts[i], t0.Add(time.Duration(gaps[i])*time.Second)))
	}
	assert.Empty(t, DetectPumpCoordination(txs))
}

func TestDetectWashTrading(t *testing.T) {
	var txs []Transaction
	for i := 0; i < 6; i++ {
		from, to, typ := "0xa", "0xb", "buy"
		if i%2 == 1 {
			from, to, typ = "0xb", "0xa", "sell"
		}
		txs = append(txs, Transaction{From: from, To: to, Type: typ, AmountUSD: 777, Timestamp: t0.Add(time.Duration(i) * time.Minute)})
	}

	alerts := DetectWashTrading(txs)
	require.Len(t, alerts, 1)
	assert.Equal(t, PatternWashTrading, alerts[0].Pattern)
	assert.Equal(t, []string{"0xa", "0xb"}, alerts[0].Addresses)
	assert.Greater(t, alerts[0].Confidence, 0.6)
}

func TestDetectBotClusters(t *testing.T) {
	minute := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var txs []Transaction
	for _, addr := range []string{"0x1", "0x2", "0x3"} {
		for i := 0; i < 3; i++ {
			txs = append(txs, tx(addr, "transfer", 500, minute.Add(time.Duration(i)*time.Minute)))
		}
	}
	txs = append(txs, tx("0xhuman", "transfer", 123.45, t0))

	alerts := DetectBotClusters(txs)
	require.Len(t, alerts, 1)
	assert.Equal(t, PatternBotCluster, alerts[0].Pattern)
	assert.Equal(t, []string{"0x1", "0x2", "0x3"}, alerts[0].Addresses)
	assert.Equal(t, 9, alerts[0].TxCount)
	assert.InDelta(t, 1.0, alerts[0].Confidence, 1e-9)
}

func TestCoordinationRisk_Capped(t *testing.T) {
	alerts := []CoordinationAlert{
		{Pattern: PatternPumpCoordination, Confidence: 1},
		{Pattern: PatternWashTrading, Confidence: 1},
		{Pattern: PatternBotCluster, Confidence: 1},
	}
	assert.Equal(t, 100.0, coordinationRisk(alerts))
	assert.Equal(t, 0.0, coordinationRisk(nil))
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

func newTestEngine() *Engine {
	e := NewEngine(DefaultConfig(), nil)
	e.now = func() time.Time { return t0 }
	return e
}

func TestAnalyze_NoDataIsNeutralAndDegraded(t *testing.T) {
	e := newTestEngine()

	res := e.Analyze(context.Background(), Input{Token: "0xtok", Chain: "ethereum"})
	// 0.25*50 + 0.30*50 + 0.25*50 + 0.20*100
	assert.InDelta(t, 60.0, res.IntelligenceScore, 1e-9)
	assert.Equal(t, StatusDegraded, res.Status)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "regime")
	assert.Equal(t, regime.RegimeUnknown, res.MarketRegime)
	assert.False(t, res.ManipulationDetected)
	assert.Equal(t, int64(1), e.Stats().Degraded)
}

func TestAnalyze_ManipulationDetected(t *testing.T) {
	e := newTestEngine()
	var txs []Transaction
	for i, from := range []string{"0xa", "0xb", "0xc", "0xd", "0xe"} {
		txs = append(txs, tx(from, "buy", 2000, t0.Add(time.Duration(i*30)*time.Second)))
	}

	res := e.Analyze(context.Background(), Input{Token: "0xtok", Chain: "bsc", Transactions: txs})
	assert.GreaterOrEqual(t, res.CoordinationRisk, 80.0)
	assert.True(t, res.ManipulationDetected)
	assert.Equal(t, int64(1), e.Stats().ManipulationDetected)
}

func TestAnalyze_WhaleDumpRisk(t *testing.T) {
	e := newTestEngine()
	txs := []Transaction{
		tx("w1", "sell", 100_000, t0),
		tx("w2", "sell", 100_000, t0.Add(10*time.Minute)),
		tx("w3", "sell", 100_000, t0.Add(20*time.Minute)),
	}

	res := e.Analyze(context.Background(), Input{Token: "0xtok", Chain: "ethereum", Transactions: txs, PoolLiquidityUSD: 5_000_000})
	assert.InDelta(t, 75.0, res.WhaleActivityScore, 1e-9)
	assert.True(t, res.WhaleDumpRisk)
	assert.Less(t, res.IntelligenceScore, 60.0)
}

func TestAnalyze_BullishFeedsScoreHigh(t *testing.T) {
	e := newTestEngine()
	var prices []regime.PricePoint
	for i := 0; i < 12; i++ {
		prices = append(prices, regime.PricePoint{Timestamp: t0.Add(time.Duration(i-12) * time.Minute), Price: 100 * math.Pow(1.02, float64(i))})
	}
	var social []Mention
	for i := 0; i < 20; i++ {
		social = append(social, human("moon gem lfg", 1000, t0.Add(-time.Duration(i)*time.Minute)))
	}

	res := e.Analyze(context.Background(), Input{Token: "0xtok", Chain: "base", Social: social, Prices: prices})
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, regime.RegimeBull, res.MarketRegime)
	assert.InDelta(t, 1.0, res.SocialSentiment, 1e-9)
	assert.Greater(t, res.IntelligenceScore, 75.0)
	assert.GreaterOrEqual(t, res.IntelligenceScore, 0.0)
	assert.LessOrEqual(t, res.IntelligenceScore, 100.0)
}

func TestGuarded(t *testing.T) {
	_, err := guarded(context.Background(), 20*time.Millisecond, func() (int, error) {
		time.Sleep(200 * time.Millisecond)
		return 1, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = guarded(context.Background(), time.Second, func() (int, error) { panic("boom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	v, err := guarded(context.Background(), time.Second, func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestVolumeTrend(t *testing.T) {
	assert.Equal(t, 1.0, volumeTrend(nil))
	assert.InDelta(t, 3.0, volumeTrend([]float64{10, 10, 20, 20, 30, 30}), 1e-9)
}

// ---------------------------------------------------------------------------
// MemoryFeed
// ---------------------------------------------------------------------------

func TestMemoryFeed_CapsAndCopies(t *testing.T) {
	f := NewMemoryFeed(2, 10)
	f.AddTransactions("ETH", "0xTok", tx("a", "buy", 1, t0), tx("b", "buy", 2, t0), tx("c", "buy", 3, t0))
	f.AddPrices("eth", "0xtok", regime.PricePoint{Timestamp: t0, Price: 1, Volume: 9})
	f.AddMentions("eth", "0xtok", human("gm", 1, t0))

	in, err := f.Feeds(context.Background(), "0xtok", "eth")
	require.NoError(t, err)
	require.Len(t, in.Transactions, 2)
	assert.Equal(t, "b", in.Transactions[0].From)
	assert.Equal(t, []float64{9}, in.Volumes)
	assert.Len(t, in.Social, 1)

	in.Transactions[0].From = "mutated"
	again, _ := f.Feeds(context.Background(), "0xtok", "eth")
	assert.Equal(t, "b", again.Transactions[0].From)
}

func TestMemoryFeed_EvictsLeastRecentToken(t *testing.T) {
	f := NewMemoryFeed(10, 2)
	f.AddMentions("eth", "0xa", human("a", 1, t0))
	f.AddMentions("eth", "0xb", human("b", 1, t0))
	_, _ = f.Feeds(context.Background(), "0xa", "eth")
	f.AddMentions("eth", "0xc", human("c", 1, t0))

	assert.Equal(t, 2, f.Tokens())
	in, _ := f.Feeds(context.Background(), "0xb", "eth")
	assert.Empty(t, in.Social)
	in, _ = f.Feeds(context.Background(), "0xa", "eth")
	assert.Len(t, in.Social, 1)
}

func TestMemoryFeed_SignalHandler(t *testing.T) {
	f := NewMemoryFeed(10, 10)
	h := f.SignalHandler()

	raw := `{"chain_id":"ethereum","token_address":"0xABC",
		"mentions":[{"platform":"x","author":"a","text":"moon soon","followers":10,"ts":"2024-03-01T12:00:00Z"}],
		"transactions":[{"hash":"0x1","from":"0xw","type":"buy","amount_usd":150000,"ts":"2024-03-01T12:01:00Z"}],
		"prices":[{"ts":"2024-03-01T12:00:00Z","price":1.5,"volume":900}]}`
	require.NoError(t, h(context.Background(), bus.Message{Value: []byte(raw)}))

	in, err := f.Feeds(context.Background(), "0xabc", "ETHEREUM")
	require.NoError(t, err)
	assert.Len(t, in.Social, 1)
	require.Len(t, in.Transactions, 1)
	assert.True(t, in.Transactions[0].IsBuy())
	assert.Equal(t, []float64{900}, in.Volumes)
	assert.Equal(t, 1, f.Tokens())

	assert.Error(t, h(context.Background(), bus.Message{Value: []byte(`{"chain_id":"ethereum"}`)}))
	assert.Error(t, h(context.Background(), bus.Message{Value: []byte(`nope`)}))
}
