package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nexus-trading/dexsniper/internal/bus"
	"github.com/nexus-trading/dexsniper/internal/intel"
	"github.com/nexus-trading/dexsniper/internal/market"
	"github.com/nexus-trading/dexsniper/internal/risk"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Event Processor
// Drives each discovered pair through validation, intelligence and risk
// assessment on a fixed worker pool, then classifies it. Stages of one pair
// run strictly in order; pairs are processed concurrently.
// ---------------------------------------------------------------------------

// Validator cross-checks a pair against market data.
type Validator interface {
	Validate(ctx context.Context, chain, pairAddress, token0, token1 string) (market.Validation, error)
}

// Analyzer produces the market intelligence result. It never fails.
type Analyzer interface {
	Analyze(ctx context.Context, in intel.Input) intel.Result
}

// Assessor runs the token risk checks.
type Assessor interface {
	Assess(ctx context.Context, token, chain string, tradeAmount decimal.Decimal) (risk.Assessment, error)
}

// Config configures the processor.
type Config struct {
	Workers          int              `yaml:"workers"`            // default 10
	QueueSize        int              `yaml:"queue_size"`         // default 1000
	ProcessTimeoutMs int              `yaml:"process_timeout_ms"` // default 30000
	ResultsCacheSize int              `yaml:"results_cache_size"` // pairs kept for Get (default 10000)
	ProbeAmountUSD   float64          `yaml:"probe_amount_usd"`   // trade size for risk simulation (default 100)
	Classifier       ClassifierConfig `yaml:"classifier"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:          10,
		QueueSize:        1000,
		ProcessTimeoutMs: 30000,
		ResultsCacheSize: 10000,
		ProbeAmountUSD:   100,
		Classifier:       DefaultClassifierConfig(),
	}
}

// StatusCallback receives a snapshot of a pair after it enters a status.
type StatusCallback func(p *ProcessedPair)

// Processor is the event processor. Create with NewProcessor.
type Processor struct {
	config    Config
	validator Validator
	feeds     intel.FeedProvider
	analyzer  Analyzer
	assessor  Assessor

	queue   chan bus.PairDiscovered
	results *lru.Cache[string, *ProcessedPair]

	cbMu      sync.RWMutex
	callbacks map[Status][]StatusCallback

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	submitted   atomic.Int64
	dropped     atomic.Int64
	inFlight    atomic.Int64
	processed   atomic.Int64
	approved    atomic.Int64
	rejected    atomic.Int64
	errored     atomic.Int64
	totalMs     atomic.Int64
	intelRuns   atomic.Int64
	intelMissed atomic.Int64
	intelX100   atomic.Int64

	levelMu sync.Mutex
	levels  map[Level]int64
}

// NewProcessor wires the processor. feeds may be nil, in which case the
// analyzer only sees pool liquidity.
func NewProcessor(config Config, validator Validator, feeds intel.FeedProvider, analyzer Analyzer, assessor Assessor) (*Processor, error) {
	def := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.ProcessTimeoutMs <= 0 {
		config.ProcessTimeoutMs = def.ProcessTimeoutMs
	}
	if config.ResultsCacheSize <= 0 {
		config.ResultsCacheSize = def.ResultsCacheSize
	}
	if config.Classifier.Tiers == (Tiers{}) {
		config.Classifier = def.Classifier
	}
	if validator == nil || analyzer == nil || assessor == nil {
		return nil, errors.New("pipeline: validator, analyzer and assessor are required")
	}

	results, err := lru.New[string, *ProcessedPair](config.ResultsCacheSize)
	if err != nil {
		return nil, fmt.Errorf("pipeline: results cache: %w", err)
	}
	return &Processor{
		config:    config,
		validator: validator,
		feeds:     feeds,
		analyzer:  analyzer,
		assessor:  assessor,
		queue:     make(chan bus.PairDiscovered, config.QueueSize),
		results:   results,
		callbacks: make(map[Status][]StatusCallback),
		levels:    make(map[Level]int64),
	}, nil
}

// OnStatus registers fn to run whenever a pair enters status. Callbacks run
// on the worker goroutine; panics are recovered and logged.
func (p *Processor) OnStatus(status Status, fn StatusCallback) {
	p.cbMu.Lock()
	p.callbacks[status] = append(p.callbacks[status], fn)
	p.cbMu.Unlock()
}

// Start launches the worker pool. It returns immediately.
func (p *Processor) Start(ctx context.Context) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.running.Load() {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running.Store(true)

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	log.Info().Int("workers", p.config.Workers).Int("queue_size", p.config.QueueSize).Msg("pipeline: processor started")
}

// Stop cancels in-flight work and waits for the workers to exit.
func (p *Processor) Stop() {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if !p.running.Load() {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.running.Store(false)
	log.Info().Int64("processed", p.processed.Load()).Msg("pipeline: processor stopped")
}

// Submit enqueues a discovery event without blocking. Returns false when
// the event is invalid or the queue is full; the event is then dropped.
func (p *Processor) Submit(ev bus.PairDiscovered) bool {
	if err := ev.Validate(); err != nil {
		log.Warn().Err(err).Str("pair", ev.PairAddress).Msg("pipeline: invalid discovery event dropped")
		p.dropped.Add(1)
		return false
	}
	select {
	case p.queue <- ev:
		p.submitted.Add(1)
		return true
	default:
		p.dropped.Add(1)
		log.Warn().
			Str("chain", ev.ChainID).
			Str("pair", ev.PairAddress).
			Int("queue_size", p.config.QueueSize).
			Msg("pipeline: queue full, discovery dropped")
		return false
	}
}

func (p *Processor) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.queue:
			p.Process(ctx, ev)
		}
	}
}

// Process runs one pair through the pipeline and returns the terminal
// snapshot. It always returns a result; failures end in StatusError.
func (p *Processor) Process(ctx context.Context, ev bus.PairDiscovered) *ProcessedPair {
	pair := NewProcessedPair(ev)
	p.results.Add(pair.PairAddress, pair)
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	p.notify(pair)

	timeout := time.Duration(p.config.ProcessTimeoutMs) * time.Millisecond
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("pair", pair.PairAddress).Msg("pipeline: panic while processing pair")
				p.fail(pair, fmt.Errorf("panic: %v", r))
			}
		}()
		p.run(runCtx, pair)
	}()

	select {
	case <-done:
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			p.fail(pair, fmt.Errorf("processing timed out after %s", timeout))
		} else {
			p.fail(pair, fmt.Errorf("processing cancelled: %w", runCtx.Err()))
		}
	}

	p.record(pair)
	return pair.Snapshot()
}

func (p *Processor) run(ctx context.Context, pair *ProcessedPair) {
	if !p.advance(pair, EventStartValidation) {
		return
	}

	// Validation
	v, err := p.validator.Validate(ctx, pair.ChainID, pair.PairAddress, pair.Token0, pair.Token1)
	if err != nil {
		p.fail(pair, err)
		return
	}
	pair.update(func(pp *ProcessedPair) {
		pp.FoundInMarket = v.Found
		pp.HasLiquidity = v.HasLiquidity
		pp.HasPrice = v.HasPrice
		pp.TokensMatch = v.TokensMatch
		pp.Market = v.Market
		for _, ind := range v.RiskIndicators {
			pp.Warnings = append(pp.Warnings, "market: "+ind)
		}
	})
	if !v.Passed() {
		reason := "pair not found in market data"
		if v.Found {
			reason = "pair has no liquidity"
		}
		pair.update(func(pp *ProcessedPair) {
			pp.OpportunityLevel = LevelBlocked
			pp.Tradeable = false
			pp.Recommendations = append(pp.Recommendations, reason)
		})
		p.advance(pair, EventValidationFailed)
		return
	}
	if !p.advance(pair, EventValidated) {
		return
	}

	// Intelligence
	ir := p.analyze(ctx, pair, v.Market.LiquidityUSD)
	pair.update(func(pp *ProcessedPair) {
		pp.Intel = &ir
		for _, w := range ir.Warnings {
			pp.Warnings = append(pp.Warnings, "intel: "+w)
		}
	})
	if !p.advance(pair, EventIntelComplete) {
		return
	}

	// Risk
	ra, err := p.assessor.Assess(ctx, pair.TargetToken, pair.ChainID, decimal.NewFromFloat(p.config.ProbeAmountUSD))
	if err != nil {
		p.fail(pair, fmt.Errorf("risk assessment: %w", err))
		return
	}
	pair.update(func(pp *ProcessedPair) {
		pp.Risk = &ra
		pp.Warnings = append(pp.Warnings, ra.Warnings...)
		pp.Recommendations = append(pp.Recommendations, ra.Recommendations...)
	})

	// Classification
	c := Classify(p.config.Classifier, v.Market.LiquidityUSD, &ra, &ir)
	pair.update(func(pp *ProcessedPair) {
		pp.OpportunityLevel = c.Level
		pp.Tradeable = c.Tradeable
		pp.Recommendations = append(pp.Recommendations, c.Reasons...)
	})
	if c.Tradeable {
		p.advance(pair, EventApprove)
	} else {
		p.advance(pair, EventReject)
	}
}

// analyze gathers feeds and runs the intelligence engine. Missing feeds
// degrade to an unavailable result.
func (p *Processor) analyze(ctx context.Context, pair *ProcessedPair, liquidity decimal.Decimal) intel.Result {
	in := intel.Input{Token: pair.TargetToken, Chain: pair.ChainID}
	if p.feeds != nil {
		fed, err := p.feeds.Feeds(ctx, pair.TargetToken, pair.ChainID)
		if err != nil {
			log.Warn().Err(err).Str("token", pair.TargetToken).Msg("pipeline: intelligence feeds unavailable")
			return intel.Unavailable(pair.TargetToken, pair.ChainID, fmt.Sprintf("feeds unavailable: %v", err))
		}
		in = fed
	}
	in.PoolLiquidityUSD = liquidity.InexactFloat64()
	return p.analyzer.Analyze(ctx, in)
}

// advance applies event and fires callbacks. Returns false when the
// transition is invalid, typically because a timeout already ended the pair.
func (p *Processor) advance(pair *ProcessedPair, event Event) bool {
	if err := pair.Transition(event); err != nil {
		log.Debug().Err(err).Str("pair", pair.PairAddress).Msg("pipeline: transition skipped")
		return false
	}
	p.notify(pair)
	return true
}

func (p *Processor) fail(pair *ProcessedPair, err error) {
	if pair.GetStatus().Terminal() {
		return
	}
	pair.addError(err.Error())
	pair.update(func(pp *ProcessedPair) {
		pp.OpportunityLevel = LevelBlocked
		pp.Tradeable = false
	})
	log.Error().Err(err).Str("chain", pair.ChainID).Str("pair", pair.PairAddress).Str("trace_id", pair.TraceID).
		Msg("pipeline: pair processing failed")
	p.advance(pair, EventFail)
}

func (p *Processor) notify(pair *ProcessedPair) {
	status := pair.GetStatus()
	p.cbMu.RLock()
	cbs := p.callbacks[status]
	p.cbMu.RUnlock()
	if len(cbs) == 0 {
		return
	}
	snap := pair.Snapshot()
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("status", string(status)).Str("pair", snap.PairAddress).
						Msg("pipeline: status callback panicked")
				}
			}()
			cb(snap)
		}()
	}
}

func (p *Processor) record(pair *ProcessedPair) {
	s := pair.Snapshot()
	p.processed.Add(1)
	p.totalMs.Add(s.ProcessingMs)
	switch s.Status {
	case StatusApproved:
		p.approved.Add(1)
	case StatusRejected:
		p.rejected.Add(1)
	case StatusError:
		p.errored.Add(1)
	}
	if s.Intel != nil {
		p.intelRuns.Add(1)
		p.intelX100.Add(int64(s.Intel.IntelligenceScore * 100))
		if s.Intel.Status == intel.StatusUnavailable {
			p.intelMissed.Add(1)
		}
	}
	if s.OpportunityLevel != "" {
		p.levelMu.Lock()
		p.levels[s.OpportunityLevel]++
		p.levelMu.Unlock()
	}

	log.Info().
		Str("chain", s.ChainID).
		Str("pair", s.PairAddress).
		Str("status", string(s.Status)).
		Str("level", string(s.OpportunityLevel)).
		Bool("tradeable", s.Tradeable).
		Int64("processing_ms", s.ProcessingMs).
		Msg("pipeline: pair processed")
}

// Get returns a snapshot of the pair, or nil if it is unknown or evicted.
func (p *Processor) Get(pairAddress string) *ProcessedPair {
	pair, ok := p.results.Get(pairAddress)
	if !ok {
		return nil
	}
	return pair.Snapshot()
}

// Stats is a snapshot of processor counters.
type Stats struct {
	Running          bool            `json:"running"`
	Submitted        int64           `json:"submitted"`
	Dropped          int64           `json:"dropped"`
	InFlight         int64           `json:"in_flight"`
	Processed        int64           `json:"processed"`
	Approved         int64           `json:"approved"`
	Rejected         int64           `json:"rejected"`
	Errors           int64           `json:"errors"`
	QueueDepth       int             `json:"queue_depth"`
	Stored           int             `json:"stored"`
	Opportunities    map[Level]int64 `json:"opportunities"`
	IntelAnalyzed    int64           `json:"intel_analyzed"`
	IntelUnavailable int64           `json:"intel_unavailable"`
	AvgIntelScore    float64         `json:"avg_intel_score"`
	AvgProcessingMs  float64         `json:"avg_processing_ms"`
}

// Stats returns processor statistics.
func (p *Processor) Stats() Stats {
	s := Stats{
		Running:          p.running.Load(),
		Submitted:        p.submitted.Load(),
		Dropped:          p.dropped.Load(),
		InFlight:         p.inFlight.Load(),
		Processed:        p.processed.Load(),
		Approved:         p.approved.Load(),
		Rejected:         p.rejected.Load(),
		Errors:           p.errored.Load(),
		QueueDepth:       len(p.queue),
		Stored:           p.results.Len(),
		Opportunities:    make(map[Level]int64),
		IntelAnalyzed:    p.intelRuns.Load(),
		IntelUnavailable: p.intelMissed.Load(),
	}
	p.levelMu.Lock()
	for k, v := range p.levels {
		s.Opportunities[k] = v
	}
	p.levelMu.Unlock()
	if s.IntelAnalyzed > 0 {
		s.AvgIntelScore = float64(p.intelX100.Load()) / 100 / float64(s.IntelAnalyzed)
	}
	if s.Processed > 0 {
		s.AvgProcessingMs = float64(p.totalMs.Load()) / float64(s.Processed)
	}
	return s
}
