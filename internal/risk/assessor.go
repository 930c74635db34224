package risk

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/dexsniper/internal/honeypot"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Risk Assessor
// Ten independent contract/market checks fused into one weighted score.
// Honeypot and trading-disabled findings veto the trade on their own.
// ---------------------------------------------------------------------------

// Config configures the assessor.
type Config struct {
	CheckTimeoutMs  int      `yaml:"check_timeout_ms"` // per-check timeout (default 5000)
	SupportedChains []string `yaml:"supported_chains"` // default: DefaultChains
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CheckTimeoutMs:  5000,
		SupportedChains: DefaultChains,
	}
}

// Assessor computes RiskAssessments. Safe for concurrent use.
type Assessor struct {
	config   Config
	clients  map[string]ChainClient
	registry *honeypot.Registry
	checks   []check
	chains   map[string]bool

	// Stats.
	assessments  atomic.Int64
	vetoes       atomic.Int64
	checkErrors  atomic.Int64
	checkTimeout atomic.Int64
	totalTimeMs  atomic.Int64
}

// NewAssessor creates an assessor. clients is keyed by chain name; registry
// may be nil.
func NewAssessor(config Config, clients map[string]ChainClient, registry *honeypot.Registry) *Assessor {
	if config.CheckTimeoutMs <= 0 {
		config.CheckTimeoutMs = 5000
	}
	if len(config.SupportedChains) == 0 {
		config.SupportedChains = DefaultChains
	}
	a := &Assessor{
		config:   config,
		clients:  make(map[string]ChainClient, len(clients)),
		registry: registry,
		chains:   make(map[string]bool, len(config.SupportedChains)),
	}
	for chain, c := range clients {
		a.clients[strings.ToLower(chain)] = c
	}
	for _, chain := range config.SupportedChains {
		a.chains[strings.ToLower(chain)] = true
	}
	a.checks = a.buildChecks()
	return a
}

type checkOutcome struct {
	factor   Factor
	err      error
	timedOut bool
}

// Assess runs every check concurrently and aggregates the factors.
// Individual check failures are logged and omitted; a timed out check
// contributes a neutral factor.
func (a *Assessor) Assess(ctx context.Context, token, chain string, tradeAmount decimal.Decimal) (Assessment, error) {
	chain = strings.ToLower(chain)
	if !a.chains[chain] {
		return Assessment{}, fmt.Errorf("%w: %s", ErrUnsupportedChain, chain)
	}
	if err := ValidateAddress(chain, token); err != nil {
		return Assessment{}, err
	}
	client, ok := a.clients[chain]
	if !ok || client == nil {
		return Assessment{}, fmt.Errorf("%w: %s", ErrClientUnavailable, chain)
	}

	start := time.Now()
	timeout := time.Duration(a.config.CheckTimeoutMs) * time.Millisecond
	// Chain calls share the check deadline and die with the assessment.
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	p := newProbe(callCtx, client, token, tradeAmount)

	outcomes := make([]checkOutcome, len(a.checks))
	var wg sync.WaitGroup
	for i, c := range a.checks {
		wg.Add(1)
		go func(i int, c check) {
			defer wg.Done()
			outcomes[i] = runCheck(ctx, c, p, timeout)
		}(i, c)
	}
	wg.Wait()

	var factors []Factor
	var failed []string
	for i, o := range outcomes {
		cat := a.checks[i].category
		switch {
		case o.timedOut:
			a.checkTimeout.Add(1)
			log.Warn().Str("token", token).Str("check", cat.String()).Dur("timeout", timeout).
				Msg("risk: check timed out, using neutral factor")
			factors = append(factors, o.factor)
		case o.err != nil:
			a.checkErrors.Add(1)
			failed = append(failed, cat.String())
			log.Warn().Err(o.err).Str("token", token).Str("check", cat.String()).
				Msg("risk: check failed, factor omitted")
		default:
			factors = append(factors, o.factor)
		}
	}

	assessment := Aggregate(factors)
	assessment.TokenAddress = token
	assessment.Chain = chain
	if len(failed) > 0 {
		assessment.Warnings = append(assessment.Warnings, fmt.Sprintf("risk checks unavailable: %s", strings.Join(failed, ",")))
	}
	assessment.ExecutionTimeMs = time.Since(start).Milliseconds()

	a.assessments.Add(1)
	a.totalTimeMs.Add(assessment.ExecutionTimeMs)
	if !assessment.Tradeable {
		a.vetoes.Add(1)
	}

	log.Debug().
		Str("token", token).
		Str("chain", chain).
		Float64("score", assessment.OverallScore).
		Str("level", assessment.OverallLevel.String()).
		Bool("tradeable", assessment.Tradeable).
		Int("factors", len(factors)).
		Int64("ms", assessment.ExecutionTimeMs).
		Msg("risk: assessment complete")

	return assessment, nil
}

// ContractCode returns the token's deployed bytecode from the chain client.
func (a *Assessor) ContractCode(ctx context.Context, chain, token string) ([]byte, error) {
	client, ok := a.clients[strings.ToLower(chain)]
	if !ok || client == nil {
		return nil, fmt.Errorf("%w: %s", ErrClientUnavailable, chain)
	}
	info, err := client.ContractInfo(ctx, token)
	if err != nil {
		return nil, err
	}
	return info.Code, nil
}

// runCheck executes one check under its own timeout. Panics become errors.
func runCheck(ctx context.Context, c check, p *probe, timeout time.Duration) checkOutcome {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan checkOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- checkOutcome{err: fmt.Errorf("check panicked: %v", r)}
			}
		}()
		f, err := c.run(p)
		done <- checkOutcome{factor: f, err: err}
	}()

	select {
	case o := <-done:
		return o
	case <-ctx.Done():
		return checkOutcome{factor: NeutralFactor(c.category), timedOut: true}
	}
}

// Aggregate fuses factors into an assessment. The overall score is the
// confidence-weighted mean of factor scores using the category weights.
func Aggregate(factors []Factor) Assessment {
	a := Assessment{Factors: factors}

	if len(factors) == 0 {
		a.OverallScore = 0.5
		a.OverallLevel = LevelForScore(a.OverallScore)
		a.Tradeable = false
		a.Warnings = append(a.Warnings, "no risk data available")
		a.Recommendations = append(a.Recommendations, "Do not trade until risk data is available")
		return a
	}

	var weighted, total float64
	for _, f := range factors {
		w := f.Category.Weight() * f.Confidence
		weighted += f.Score * w
		total += w
	}
	if total > 0 {
		a.OverallScore = clamp01(weighted / total)
	}
	a.OverallLevel = LevelForScore(a.OverallScore)
	a.Tradeable = a.OverallLevel != LevelCritical

	for _, f := range factors {
		if !f.Level.AtLeast(LevelHigh) {
			continue
		}
		a.Warnings = append(a.Warnings, fmt.Sprintf("%s: %s", f.Category, f.Description))
		if f.Category == CategoryHoneypot || f.Category == CategoryTradingDisabled {
			a.Tradeable = false
		}
	}

	a.Recommendations = recommendations(a)
	return a
}

func recommendations(a Assessment) []string {
	var recs []string
	switch a.OverallLevel {
	case LevelLow:
		recs = append(recs, "Standard position sizing")
	case LevelMedium:
		recs = append(recs, "Reduce position size")
	case LevelHigh:
		recs = append(recs, "Use minimal position size with a tight stop loss")
	case LevelCritical:
		recs = append(recs, "Avoid trading this token")
	}
	if f, ok := a.Factor(CategoryTax); ok && f.Level.AtLeast(LevelMedium) {
		recs = append(recs, "Set slippage above the token tax")
	}
	if f, ok := a.Factor(CategoryLPLock); ok && f.Level.AtLeast(LevelHigh) {
		recs = append(recs, "Monitor liquidity for removal")
	}
	if !a.Tradeable && a.OverallLevel != LevelCritical {
		recs = append(recs, "Blocked by honeypot or trading restriction")
	}
	return recs
}

// Stats is a snapshot of assessor counters.
type Stats struct {
	Assessments   int64   `json:"assessments"`
	Vetoes        int64   `json:"vetoes"`
	CheckErrors   int64   `json:"check_errors"`
	CheckTimeouts int64   `json:"check_timeouts"`
	AvgTimeMs     float64 `json:"avg_time_ms"`
}

// Stats returns assessor statistics.
func (a *Assessor) Stats() Stats {
	n := a.assessments.Load()
	s := Stats{
		Assessments:   n,
		Vetoes:        a.vetoes.Load(),
		CheckErrors:   a.checkErrors.Load(),
		CheckTimeouts: a.checkTimeout.Load(),
	}
	if n > 0 {
		s.AvgTimeMs = float64(a.totalTimeMs.Load()) / float64(n)
	}
	return s
}
