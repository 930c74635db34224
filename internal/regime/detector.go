package regime

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/trend"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

// ErrInsufficientData is returned when fewer prices than the long MA period
// are supplied.
var ErrInsufficientData = errors.New("regime: insufficient price history")

// Regime represents a market regime classification.
type Regime string

const (
	RegimeBull     Regime = "BULL"
	RegimeBear     Regime = "BEAR"
	RegimeCrab     Regime = "CRAB"
	RegimeVolatile Regime = "VOLATILE"
	RegimeUnknown  Regime = "UNKNOWN"
)

// VolatilityLevel buckets return volatility.
type VolatilityLevel string

const (
	VolatilityLow     VolatilityLevel = "LOW"
	VolatilityNormal  VolatilityLevel = "NORMAL"
	VolatilityHigh    VolatilityLevel = "HIGH"
	VolatilityExtreme VolatilityLevel = "EXTREME"
)

// PricePoint is one sample of a token's price history.
type PricePoint struct {
	Timestamp time.Time `json:"ts"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
}

// Config holds thresholds for the regime detector.
type Config struct {
	ShortPeriod    int     `yaml:"short_period"`    // short SMA period (default 5)
	LongPeriod     int     `yaml:"long_period"`     // long SMA period (default 10)
	VolLowPct      float64 `yaml:"vol_low_pct"`     // below: LOW (default 0.02)
	VolNormalPct   float64 `yaml:"vol_normal_pct"`  // below: NORMAL (default 0.05)
	VolHighPct     float64 `yaml:"vol_high_pct"`    // below: HIGH, else EXTREME (default 0.10)
	TrendThreshold float64 `yaml:"trend_threshold"` // relative MA spread for a trend (default 0.02)
	ExtremaWindow  int     `yaml:"extrema_window"`  // neighbours on each side for local extrema (default 2)
	MaxTokens      int     `yaml:"max_tokens"`      // remembered regimes, least recent evicted (default 10000)
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		ShortPeriod:    5,
		LongPeriod:     10,
		VolLowPct:      0.02,
		VolNormalPct:   0.05,
		VolHighPct:     0.10,
		TrendThreshold: 0.02,
		ExtremaWindow:  2,
		MaxTokens:      10000,
	}
}

// Analysis is the detector output for one price series.
type Analysis struct {
	Regime                  Regime          `json:"regime"`
	Confidence              float64         `json:"confidence"`
	Volatility              float64         `json:"volatility"`
	VolatilityLevel         VolatilityLevel `json:"volatility_level"`
	ShortMA                 float64         `json:"short_ma"`
	LongMA                  float64         `json:"long_ma"`
	TrendConsistency        float64         `json:"trend_consistency"` // 0-1
	Support                 []float64       `json:"support"`
	Resistance              []float64       `json:"resistance"`
	BreakoutProbability     float64         `json:"breakout_probability"`
	RegimeChangeProbability float64         `json:"regime_change_probability"`
	Score                   float64         `json:"score"` // 0-100, higher is friendlier to entries
}

// Neutral is used when no analysis can be produced.
func Neutral() Analysis {
	return Analysis{Regime: RegimeUnknown, VolatilityLevel: VolatilityNormal, BreakoutProbability: 0.5, RegimeChangeProbability: 0.5, Score: 50}
}

// Detector classifies the market regime of a token from its price history
// and remembers the last regime per token.
type Detector struct {
	config Config
	last   *lru.Cache[string, Analysis]
}

// NewDetector creates a new regime detector.
func NewDetector(config Config) *Detector {
	if config.ShortPeriod <= 0 {
		config.ShortPeriod = 5
	}
	if config.LongPeriod <= config.ShortPeriod {
		config.LongPeriod = config.ShortPeriod * 2
	}
	if config.ExtremaWindow <= 0 {
		config.ExtremaWindow = 2
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 10000
	}
	last, _ := lru.New[string, Analysis](config.MaxTokens)
	return &Detector{config: config, last: last}
}

// Detect analyzes prices (oldest first) for token and records the result.
func (d *Detector) Detect(token string, prices []PricePoint) (Analysis, error) {
	a, err := d.analyze(prices)
	if err != nil {
		return Neutral(), err
	}

	prev, seen, _ := d.last.PeekOrAdd(token, a)
	if seen {
		d.last.Add(token, a)
	}

	if seen && prev.Regime != a.Regime {
		log.Info().
			Str("token", token).
			Str("from", string(prev.Regime)).
			Str("to", string(a.Regime)).
			Float64("confidence", a.Confidence).
			Msg("regime: change detected")
	}
	return a, nil
}

// CurrentRegime returns the last regime and confidence for a token.
// Returns (UNKNOWN, 0.0) if the token has not been seen.
func (d *Detector) CurrentRegime(token string) (Regime, float64) {
	a, ok := d.last.Get(token)
	if !ok {
		return RegimeUnknown, 0.0
	}
	return a.Regime, a.Confidence
}

// Forget drops the remembered regime for a token.
func (d *Detector) Forget(token string) {
	d.last.Remove(token)
}

func (d *Detector) analyze(points []PricePoint) (Analysis, error) {
	cfg := d.config
	prices := make([]float64, 0, len(points))
	for _, p := range points {
		if p.Price > 0 {
			prices = append(prices, p.Price)
		}
	}
	if len(prices) < cfg.LongPeriod {
		return Analysis{}, ErrInsufficientData
	}

	shortMA := lastSMA(prices, cfg.ShortPeriod)
	longMA := lastSMA(prices, cfg.LongPeriod)
	spread := 0.0
	if longMA > 0 {
		spread = (shortMA - longMA) / longMA
	}

	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		returns = append(returns, (prices[i]-prices[i-1])/prices[i-1])
	}
	vol := stddev(returns)

	a := Analysis{
		ShortMA:         shortMA,
		LongMA:          longMA,
		Volatility:      vol,
		VolatilityLevel: d.volatilityLevel(vol),
	}
	a.Regime, a.Confidence = d.classify(spread, vol, a.VolatilityLevel)
	a.TrendConsistency = trendConsistency(returns, spread)

	current := prices[len(prices)-1]
	a.Support, a.Resistance = keyLevels(prices, cfg.ExtremaWindow, current)
	a.BreakoutProbability = breakoutProbability(current, a.Support, a.Resistance)

	volRatio := math.Min(vol/cfg.VolHighPct, 1.0)
	a.RegimeChangeProbability = clampConfidence(0.5*volRatio + 0.5*(1-a.TrendConsistency))
	a.Score = regimeScore(a.Regime, a.Confidence)
	return a, nil
}

func (d *Detector) volatilityLevel(vol float64) VolatilityLevel {
	switch {
	case vol < d.config.VolLowPct:
		return VolatilityLow
	case vol < d.config.VolNormalPct:
		return VolatilityNormal
	case vol < d.config.VolHighPct:
		return VolatilityHigh
	default:
		return VolatilityExtreme
	}
}

// classify picks the regime. Extreme volatility wins over any trend; high
// volatility without a clear trend is also VOLATILE.
func (d *Detector) classify(spread, vol float64, level VolatilityLevel) (Regime, float64) {
	th := d.config.TrendThreshold
	abs := math.Abs(spread)

	if level == VolatilityExtreme {
		excess := (vol - d.config.VolHighPct) / d.config.VolHighPct
		return RegimeVolatile, clampConfidence(0.6 + 0.4*math.Min(excess, 1.0))
	}
	if level == VolatilityHigh && abs < th {
		return RegimeVolatile, 0.55
	}
	if abs >= th {
		conf := clampConfidence(0.5 + 0.4*math.Min(abs/th-1.0, 1.0))
		if spread > 0 {
			return RegimeBull, conf
		}
		return RegimeBear, conf
	}
	return RegimeCrab, clampConfidence(0.5 + 0.4*(1.0-abs/th))
}

func regimeScore(r Regime, conf float64) float64 {
	switch r {
	case RegimeBull:
		return 60 + 40*conf
	case RegimeBear:
		return 40 - 40*conf
	case RegimeVolatile:
		return 35
	default:
		return 50
	}
}

func lastSMA(prices []float64, period int) float64 {
	sma := trend.NewSmaWithPeriod[float64](period)
	out := helper.ChanToSlice(sma.Compute(helper.SliceToChan(prices)))
	if len(out) == 0 {
		return 0
	}
	return out[len(out)-1]
}

// trendConsistency is the share of returns moving in the MA direction.
// Without a direction it measures how balanced moves are.
func trendConsistency(returns []float64, spread float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	up := 0
	for _, r := range returns {
		if r > 0 {
			up++
		}
	}
	upShare := float64(up) / float64(len(returns))
	switch {
	case spread > 0:
		return upShare
	case spread < 0:
		return 1 - upShare
	}
	return 1 - math.Abs(upShare-0.5)*2
}

// keyLevels returns local minima below current as support (nearest first)
// and local maxima above current as resistance (nearest first).
func keyLevels(prices []float64, window int, current float64) (support, resistance []float64) {
	for i := window; i < len(prices)-window; i++ {
		isMin, isMax := true, true
		for j := i - window; j <= i+window; j++ {
			if j == i {
				continue
			}
			if prices[j] <= prices[i] {
				isMin = false
			}
			if prices[j] >= prices[i] {
				isMax = false
			}
		}
		if isMin && prices[i] < current {
			support = append(support, prices[i])
		}
		if isMax && prices[i] > current {
			resistance = append(resistance, prices[i])
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(support)))
	sort.Float64s(resistance)
	return support, resistance
}

// breakoutProbability falls as the distance to the nearest key level grows.
func breakoutProbability(current float64, support, resistance []float64) float64 {
	if current <= 0 || (len(support) == 0 && len(resistance) == 0) {
		return 0.3
	}
	nearest := math.Inf(1)
	if len(support) > 0 {
		nearest = math.Min(nearest, (current-support[0])/current)
	}
	if len(resistance) > 0 {
		nearest = math.Min(nearest, (resistance[0]-current)/current)
	}
	return clampConfidence(1.0 / (1.0 + 20*nearest))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return math.Sqrt(sq / float64(len(xs)))
}

// clampConfidence clamps a confidence value to [0, 1].
func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
