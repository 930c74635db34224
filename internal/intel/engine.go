package intel

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/dexsniper/internal/regime"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Market Intelligence Engine
// Sentiment, whale flow, market regime and coordination analyses run in
// parallel and are fused into one 0-100 intelligence score. Coordination is
// a risk and enters the blend inverted.
// ---------------------------------------------------------------------------

// Weights for the fused score. Must sum to 1.
type Weights struct {
	Sentiment    float64 `yaml:"sentiment"`
	Whale        float64 `yaml:"whale"`
	Regime       float64 `yaml:"regime"`
	Coordination float64 `yaml:"coordination"`
}

// Config configures the engine.
type Config struct {
	Weights               Weights            `yaml:"weights"`
	WhaleThresholds       map[string]float64 `yaml:"whale_thresholds"`
	ManipulationThreshold float64            `yaml:"manipulation_threshold"` // coordination risk (default 80)
	WhaleDumpThreshold    float64            `yaml:"whale_dump_threshold"`   // whale activity (default 70)
	AnalysisTimeoutMs     int                `yaml:"analysis_timeout_ms"`    // per sub-analysis (default 2000)
	FeedBufferSize        int                `yaml:"feed_buffer_size"`       // records per kind and token (default 500)
	FeedMaxTokens         int                `yaml:"feed_max_tokens"`        // tokens kept in the signal feed (default 10000)
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Weights:               Weights{Sentiment: 0.25, Whale: 0.30, Regime: 0.25, Coordination: 0.20},
		WhaleThresholds:       DefaultWhaleThresholds,
		ManipulationThreshold: 80,
		WhaleDumpThreshold:    70,
		AnalysisTimeoutMs:     2000,
		FeedBufferSize:        500,
		FeedMaxTokens:         10000,
	}
}

// Engine fuses the four sub-analyses. Safe for concurrent use.
type Engine struct {
	config   Config
	detector *regime.Detector
	now      func() time.Time

	analyses     atomic.Int64
	degraded     atomic.Int64
	manipulation atomic.Int64
	whaleDumps   atomic.Int64
	scoreSumX100 atomic.Int64
}

// NewEngine creates an engine. detector may be nil, in which case a default
// regime detector is created.
func NewEngine(config Config, detector *regime.Detector) *Engine {
	if detector == nil {
		detector = regime.NewDetector(regime.DefaultConfig())
	}
	if config.WhaleThresholds == nil {
		config.WhaleThresholds = DefaultWhaleThresholds
	}
	if config.AnalysisTimeoutMs <= 0 {
		config.AnalysisTimeoutMs = 2000
	}
	return &Engine{config: config, detector: detector, now: time.Now}
}

// Analyze never fails: each sub-analysis that errors, panics or times out
// falls back to its neutral value and the result is marked degraded.
func (e *Engine) Analyze(ctx context.Context, in Input) Result {
	start := time.Now()
	now := e.now()
	timeout := time.Duration(e.config.AnalysisTimeoutMs) * time.Millisecond

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		warnings []string
		sent     SentimentResult
		whales   WhaleResult
		reg      regime.Analysis
		coord    CoordinationResult
	)
	fail := func(name string, err error) {
		mu.Lock()
		warnings = append(warnings, fmt.Sprintf("%s unavailable: %v", name, err))
		mu.Unlock()
		log.Warn().Err(err).Str("token", in.Token).Str("analysis", name).Msg("intel: sub-analysis degraded")
	}

	wg.Add(4)
	go func() {
		defer wg.Done()
		r, err := guarded(ctx, timeout, func() (SentimentResult, error) { return AnalyzeSentiment(in.Social, now), nil })
		if err != nil {
			r = SentimentResult{MentionCount: len(in.Social)}
			fail("sentiment", err)
		}
		sent = r
	}()
	go func() {
		defer wg.Done()
		threshold := WhaleThreshold(e.config.WhaleThresholds, in.Chain)
		r, err := guarded(ctx, timeout, func() (WhaleResult, error) {
			return TrackWhales(in.Transactions, threshold, in.PoolLiquidityUSD), nil
		})
		if err != nil {
			r = WhaleResult{Direction: DirectionNeutral}
			fail("whales", err)
		}
		whales = r
	}()
	go func() {
		defer wg.Done()
		prices := withVolumes(in.Prices, in.Volumes)
		r, err := guarded(ctx, timeout, func() (regime.Analysis, error) { return e.detector.Detect(in.Token, prices) })
		if err != nil {
			r = regime.Neutral()
			fail("regime", err)
		}
		reg = r
	}()
	go func() {
		defer wg.Done()
		r, err := guarded(ctx, timeout, func() (CoordinationResult, error) { return DetectCoordination(in.Transactions), nil })
		if err != nil {
			r = CoordinationResult{}
			fail("coordination", err)
		}
		coord = r
	}()
	wg.Wait()

	res := e.fuse(in, sent, whales, reg, coord)
	res.Warnings = warnings
	res.Status = StatusOK
	if len(warnings) > 0 {
		res.Status = StatusDegraded
		e.degraded.Add(1)
	}
	res.Duration = time.Since(start)
	res.AnalyzedAt = now

	e.analyses.Add(1)
	e.scoreSumX100.Add(int64(res.IntelligenceScore * 100))
	if res.ManipulationDetected {
		e.manipulation.Add(1)
		log.Warn().Str("token", in.Token).Float64("coordination_risk", res.CoordinationRisk).
			Msg("intel: manipulation detected")
	}
	if res.WhaleDumpRisk {
		e.whaleDumps.Add(1)
	}
	return res
}

// fuse blends the sub-results. Sentiment maps from [-1,1] to [0,100].
func (e *Engine) fuse(in Input, sent SentimentResult, whales WhaleResult, reg regime.Analysis, coord CoordinationResult) Result {
	w := e.config.Weights
	sentimentScore := (sent.Score + 1) * 50
	score := w.Sentiment*sentimentScore +
		w.Whale*whaleComponent(whales) +
		w.Regime*reg.Score +
		w.Coordination*(100-coord.RiskScore)

	coordConf := math.Min(1, float64(len(in.Transactions))/12.5)
	whaleConf := 0.3
	if whales.WhaleTxCount > 0 {
		whaleConf = math.Max(0.3, whales.DirectionConfidence)
	}
	confidence := (sent.Confidence + whaleConf + reg.Confidence + coordConf) / 4

	res := Result{
		Token:              in.Token,
		Chain:              in.Chain,
		IntelligenceScore:  math.Max(0, math.Min(100, score)),
		Confidence:         clamp01(confidence),
		CoordinationRisk:   coord.RiskScore,
		WhaleActivityScore: whales.ActivityScore,
		SocialSentiment:    sent.Score,
		MarketRegime:       reg.Regime,
		VolumeTrend:        volumeTrend(in.Volumes),
		Sentiment:          sent,
		Whales:             whales,
		Regime:             reg,
		Coordination:       coord,
	}
	res.ManipulationDetected = res.CoordinationRisk >= e.config.ManipulationThreshold
	res.WhaleDumpRisk = res.WhaleActivityScore >= e.config.WhaleDumpThreshold &&
		whales.DominantAction == ActionDistribution
	return res
}

// guarded runs fn with panic recovery and a deadline. On timeout fn keeps
// running in the background and its result is discarded.
func guarded[T any](ctx context.Context, timeout time.Duration, fn func() (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn()
		done <- outcome{v: v, err: err}
	}()
	select {
	case o := <-done:
		return o.v, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func withVolumes(prices []regime.PricePoint, volumes []float64) []regime.PricePoint {
	if len(volumes) != len(prices) {
		return prices
	}
	out := make([]regime.PricePoint, len(prices))
	copy(out, prices)
	for i := range out {
		if out[i].Volume == 0 {
			out[i].Volume = volumes[i]
		}
	}
	return out
}

// volumeTrend compares the last third of volumes with the first third.
func volumeTrend(volumes []float64) float64 {
	n := len(volumes) / 3
	if n == 0 {
		return 1
	}
	var early, late float64
	for i := 0; i < n; i++ {
		early += volumes[i]
		late += volumes[len(volumes)-1-i]
	}
	if early == 0 {
		return 1
	}
	return late / early
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Analyses             int64   `json:"analyses"`
	Degraded             int64   `json:"degraded"`
	ManipulationDetected int64   `json:"manipulation_detected"`
	WhaleDumpRisks       int64   `json:"whale_dump_risks"`
	AvgScore             float64 `json:"avg_score"`
}

// Stats returns engine statistics.
func (e *Engine) Stats() Stats {
	n := e.analyses.Load()
	s := Stats{
		Analyses:             n,
		Degraded:             e.degraded.Load(),
		ManipulationDetected: e.manipulation.Load(),
		WhaleDumpRisks:       e.whaleDumps.Load(),
	}
	if n > 0 {
		s.AvgScore = float64(e.scoreSumX100.Load()) / 100 / float64(n)
	}
	return s
}
