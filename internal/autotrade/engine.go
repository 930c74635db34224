package autotrade

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/dexsniper/internal/bus"
	"github.com/nexus-trading/dexsniper/internal/execution"
	"github.com/nexus-trading/dexsniper/internal/intel"
	"github.com/nexus-trading/dexsniper/internal/pipeline"
	"github.com/nexus-trading/dexsniper/internal/queue"
	"github.com/nexus-trading/dexsniper/internal/safety"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Autotrade Engine
// Admits opportunities from the pipeline, queues them by priority and
// dispatches them to the executor under the safety controls.
// ---------------------------------------------------------------------------

// SafetyGate is the subset of safety.Controls the engine depends on.
type SafetyGate interface {
	Check(ctx context.Context, req safety.TradeRequest) safety.Decision
	Authorize(ctx context.Context, req safety.TradeRequest) safety.Decision
	RecordTrade(ctx context.Context, res safety.TradeResult)
	Canary(ctx context.Context, req safety.CanaryRequest) safety.CanaryResult
}

// CodeSource returns the deployed bytecode of a token. The canary uses it
// to fingerprint honeypots.
type CodeSource interface {
	ContractCode(ctx context.Context, chain, token string) ([]byte, error)
}

// Config configures the engine.
type Config struct {
	Mode                 Mode    `yaml:"mode"`
	DryRun               bool    `yaml:"dry_run"`                 // default true
	MaxConcurrentTrades  int     `yaml:"max_concurrent_trades"`   // default 5
	MinConfidence        float64 `yaml:"min_confidence"`          // 0-100 (default 50)
	MinExpectedProfitPct float64 `yaml:"min_expected_profit_pct"` // default 5
	TradeAmountUSD       float64 `yaml:"trade_amount_usd"`        // base size for EXCELLENT pairs (default 100)
	MaxSlippagePct       float64 `yaml:"max_slippage_pct"`        // default 5
	MaxGasUSD            float64 `yaml:"max_gas_usd"`             // default 20
	OpportunityTTLSec    int     `yaml:"opportunity_ttl_sec"`     // default 120
	DispatchIntervalMs   int     `yaml:"dispatch_interval_ms"`    // default 250
	ExecutionTimeoutMs   int     `yaml:"execution_timeout_ms"`    // default 30000
	RequireCanary        bool    `yaml:"require_canary"`          // default true
	MetricsWindow        int     `yaml:"metrics_window"`          // executions in the rolling window (default 100)
	MaxAdvisories        int     `yaml:"max_advisories"`          // advisory ring size (default 200)
	Strategy             string  `yaml:"strategy"`                // default new_pair_snipe
}

// DefaultConfig returns defaults. The engine starts conservative and dry.
func DefaultConfig() Config {
	return Config{
		Mode:                 ModeConservative,
		DryRun:               true,
		MaxConcurrentTrades:  5,
		MinConfidence:        50,
		MinExpectedProfitPct: 5,
		TradeAmountUSD:       100,
		MaxSlippagePct:       5,
		MaxGasUSD:            20,
		OpportunityTTLSec:    120,
		DispatchIntervalMs:   250,
		ExecutionTimeoutMs:   30000,
		RequireCanary:        true,
		MetricsWindow:        100,
		MaxAdvisories:        200,
		Strategy:             "new_pair_snipe",
	}
}

// Admission is the verdict on a submitted opportunity.
type Admission struct {
	OpportunityID string   `json:"opportunity_id"`
	Accepted      bool     `json:"accepted"`
	Advisory      bool     `json:"advisory"`
	Reasons       []string `json:"reasons,omitempty"`
}

// Advice is an opportunity the engine would have traded in ADVISORY mode.
type Advice struct {
	Opportunity queue.Opportunity `json:"opportunity"`
	SafetyCodes []string          `json:"safety_codes,omitempty"` // vetoes a live trade would hit
	At          time.Time         `json:"at"`
}

// activeTrade marks a token as taken by a queued or executing opportunity.
type activeTrade struct {
	id        string
	expiresAt time.Time
	executing bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithProducer publishes every execution to the trades topic.
func WithProducer(p bus.Producer) Option { return func(e *Engine) { e.producer = p } }

// WithCodeSource attaches contract code to canary requests.
func WithCodeSource(src CodeSource) Option { return func(e *Engine) { e.code = src } }

// Engine is the autotrade engine. Create with NewEngine.
type Engine struct {
	config   Config
	queue    *queue.Queue
	executor execution.Executor
	safety   SafetyGate
	producer bus.Producer
	code     CodeSource
	metrics  *rollingMetrics
	now      func() time.Time

	mu         sync.Mutex
	mode       Mode
	active     map[string]*activeTrade
	advisories []Advice
	rejections map[string]int64
	onResult   func(Execution)

	slots chan struct{}
	kick  chan struct{}

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	submitted atomic.Int64
	accepted  atomic.Int64
	rejected  atomic.Int64
	advised   atomic.Int64
	inFlight  atomic.Int64
	dropped   atomic.Int64
}

// NewEngine wires the engine. The queue, executor and safety gate are
// required.
func NewEngine(config Config, q *queue.Queue, executor execution.Executor, gate SafetyGate, opts ...Option) (*Engine, error) {
	if q == nil || executor == nil || gate == nil {
		return nil, errors.New("autotrade: queue, executor and safety gate are required")
	}
	def := DefaultConfig()
	if config.Mode == "" {
		config.Mode = def.Mode
	}
	if _, err := ParseMode(string(config.Mode)); err != nil {
		return nil, err
	}
	if config.MaxConcurrentTrades <= 0 {
		config.MaxConcurrentTrades = def.MaxConcurrentTrades
	}
	if config.DispatchIntervalMs <= 0 {
		config.DispatchIntervalMs = def.DispatchIntervalMs
	}
	if config.ExecutionTimeoutMs <= 0 {
		config.ExecutionTimeoutMs = def.ExecutionTimeoutMs
	}
	if config.MaxAdvisories <= 0 {
		config.MaxAdvisories = def.MaxAdvisories
	}
	if config.Strategy == "" {
		config.Strategy = def.Strategy
	}

	e := &Engine{
		config:     config,
		queue:      q,
		executor:   executor,
		safety:     gate,
		metrics:    newRollingMetrics(config.MetricsWindow),
		now:        time.Now,
		mode:       config.Mode,
		active:     make(map[string]*activeTrade),
		rejections: make(map[string]int64),
		slots:      make(chan struct{}, config.MaxConcurrentTrades),
		kick:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	q.SetOnDrop(e.onQueueDrop)
	return e, nil
}

// onQueueDrop frees the token held by an opportunity the queue evicted or
// expired, so the next discovery for it is not a conflict.
func (e *Engine) onQueueDrop(op *queue.Opportunity, reason queue.DropReason) {
	e.releaseToken(op)
	e.dropped.Add(1)
	log.Debug().
		Str("id", op.ID).
		Str("token", op.TokenAddress).
		Str("reason", string(reason)).
		Msg("autotrade: opportunity dropped from queue")
}

// SetOnResult sets a callback invoked after every dispatched opportunity.
func (e *Engine) SetOnResult(fn func(Execution)) {
	e.mu.Lock()
	e.onResult = fn
	e.mu.Unlock()
}

// Mode returns the current mode.
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// SetMode switches mode at runtime. Queued opportunities stay queued; they
// are only dispatched while the mode executes.
func (e *Engine) SetMode(m Mode) error {
	m, err := ParseMode(string(m))
	if err != nil {
		return err
	}
	e.mu.Lock()
	prev := e.mode
	e.mode = m
	e.mu.Unlock()
	if prev != m {
		log.Warn().Str("from", string(prev)).Str("to", string(m)).Msg("autotrade: mode changed")
		e.signal()
	}
	return nil
}

// ---------------------------------------------------------------------------
// Admission
// ---------------------------------------------------------------------------

// SubmitPair turns an approved pipeline result into an opportunity and
// submits it.
func (e *Engine) SubmitPair(ctx context.Context, pair *pipeline.ProcessedPair) Admission {
	if pair == nil || !pair.Tradeable {
		e.submitted.Add(1)
		return e.reject("", "NOT_TRADEABLE")
	}
	return e.Submit(ctx, e.opportunityFor(pair))
}

// opportunityFor sizes and scores a tradeable pair.
func (e *Engine) opportunityFor(pair *pipeline.ProcessedPair) *queue.Opportunity {
	var sizing, baseProfit float64
	var tier queue.Tier
	switch pair.OpportunityLevel {
	case pipeline.LevelExcellent:
		sizing, baseProfit, tier = 1.0, 15, queue.TierHigh
	case pipeline.LevelGood:
		sizing, baseProfit, tier = 0.75, 10, queue.TierNormal
	default:
		sizing, baseProfit, tier = 0.5, 6, queue.TierLow
	}

	var riskScore, riskConf float64 = 100, 0
	if pair.Risk != nil {
		riskScore = pair.Risk.OverallScore * 100
		for _, f := range pair.Risk.Factors {
			riskConf += f.Confidence
		}
		if len(pair.Risk.Factors) > 0 {
			riskConf /= float64(len(pair.Risk.Factors))
		}
	}
	confidence := riskConf * 100
	expected := baseProfit
	if pair.Intel != nil && pair.Intel.Status != intel.StatusUnavailable {
		confidence = 0.6*confidence + 0.4*pair.Intel.Confidence*100
		expected = baseProfit * (0.5 + pair.Intel.IntelligenceScore/100)
	}

	return queue.NewOpportunity(queue.Opportunity{
		TokenAddress:      pair.TargetToken,
		PairAddress:       pair.PairAddress,
		ChainID:           pair.ChainID,
		DexID:             pair.DexID,
		Side:              queue.SideBuy,
		Amount:            decimal.NewFromFloat(e.config.TradeAmountUSD * sizing),
		MaxSlippagePct:    e.config.MaxSlippagePct,
		MaxGasUSD:         decimal.NewFromFloat(e.config.MaxGasUSD),
		RiskScore:         riskScore,
		ConfidenceScore:   confidence,
		ExpectedProfitPct: expected,
		Strategy:          e.config.Strategy,
		Tier:              tier,
		DiscoveredAt:      e.now(),
	}, time.Duration(e.config.OpportunityTTLSec)*time.Second)
}

// Submit runs the admission gates and enqueues the opportunity. The engine
// owns op once it is accepted.
func (e *Engine) Submit(ctx context.Context, op *queue.Opportunity) Admission {
	e.submitted.Add(1)
	if op == nil {
		return e.reject("", "INVALID:nil opportunity")
	}
	if op.Strategy == "" {
		op.Strategy = e.config.Strategy
	}
	now := e.now()
	mode := e.Mode()

	if mode == ModeDisabled {
		return e.reject(op.ID, "MODE_DISABLED")
	}
	var reasons []string
	if op.RiskScore > mode.MaxRisk() {
		reasons = append(reasons, fmt.Sprintf("RISK_TOO_HIGH:score=%.1f,max=%.0f", op.RiskScore, mode.MaxRisk()))
	}
	if op.ConfidenceScore < e.config.MinConfidence {
		reasons = append(reasons, fmt.Sprintf("LOW_CONFIDENCE:%.1f", op.ConfidenceScore))
	}
	if op.ExpectedProfitPct < e.config.MinExpectedProfitPct {
		reasons = append(reasons, fmt.Sprintf("LOW_PROFIT:%.1f%%", op.ExpectedProfitPct))
	}
	if op.Expired(now) {
		reasons = append(reasons, "EXPIRED")
	}
	if mode.Executes() && e.tokenBusy(op, now) {
		reasons = append(reasons, "TOKEN_CONFLICT")
	}
	if len(reasons) > 0 {
		return e.reject(op.ID, reasons...)
	}

	dec := e.safety.Check(ctx, tradeRequest(op))

	if mode == ModeAdvisory {
		e.advise(op, dec, now)
		return Admission{OpportunityID: op.ID, Accepted: true, Advisory: true}
	}

	if !dec.Allowed {
		codes := make([]string, 0, len(dec.ReasonCodes))
		for _, c := range dec.ReasonCodes {
			codes = append(codes, "SAFETY:"+c)
		}
		return e.reject(op.ID, codes...)
	}

	if !e.claimToken(op, now) {
		return e.reject(op.ID, "TOKEN_CONFLICT")
	}
	if err := e.queue.Enqueue(op); err != nil {
		e.releaseToken(op)
		code := "ENQUEUE:" + err.Error()
		switch {
		case errors.Is(err, queue.ErrQueueFull):
			code = "QUEUE_FULL"
		case errors.Is(err, queue.ErrExpired):
			code = "EXPIRED"
		case errors.Is(err, queue.ErrDuplicate):
			code = "DUPLICATE"
		}
		return e.reject(op.ID, code)
	}

	e.accepted.Add(1)
	log.Info().
		Str("id", op.ID).
		Str("chain", op.ChainID).
		Str("token", op.TokenAddress).
		Str("tier", string(op.Tier)).
		Float64("risk", op.RiskScore).
		Float64("confidence", op.ConfidenceScore).
		Float64("expected_profit_pct", op.ExpectedProfitPct).
		Msg("autotrade: opportunity queued")
	return Admission{OpportunityID: op.ID, Accepted: true}
}

func (e *Engine) reject(id string, reasons ...string) Admission {
	e.rejected.Add(1)
	e.mu.Lock()
	for _, r := range reasons {
		code, _, _ := strings.Cut(r, ":")
		e.rejections[code]++
	}
	e.mu.Unlock()
	log.Debug().Str("id", id).Strs("reasons", reasons).Msg("autotrade: opportunity rejected")
	return Admission{OpportunityID: id, Reasons: reasons}
}

func (e *Engine) advise(op *queue.Opportunity, dec safety.Decision, now time.Time) {
	adv := Advice{Opportunity: *op, At: now}
	if !dec.Allowed {
		adv.SafetyCodes = dec.ReasonCodes
	}
	e.mu.Lock()
	e.advisories = append(e.advisories, adv)
	if len(e.advisories) > e.config.MaxAdvisories {
		e.advisories = e.advisories[len(e.advisories)-e.config.MaxAdvisories:]
	}
	e.mu.Unlock()
	e.advised.Add(1)

	log.Info().
		Str("chain", op.ChainID).
		Str("token", op.TokenAddress).
		Float64("risk", op.RiskScore).
		Float64("expected_profit_pct", op.ExpectedProfitPct).
		Strs("safety_codes", adv.SafetyCodes).
		Msg("autotrade: ADVISORY opportunity")
}

// tokenBusy reports whether another live opportunity holds the token.
// Queued claims lapse at their expiry; executing claims never do.
func (e *Engine) tokenBusy(op *queue.Opportunity, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busyLocked(safety.TokenKey(op.ChainID, op.TokenAddress), now)
}

func (e *Engine) busyLocked(key string, now time.Time) bool {
	at, ok := e.active[key]
	if !ok {
		return false
	}
	if !at.executing && !at.expiresAt.IsZero() && !now.Before(at.expiresAt) {
		delete(e.active, key)
		return false
	}
	return true
}

func (e *Engine) claimToken(op *queue.Opportunity, now time.Time) bool {
	key := safety.TokenKey(op.ChainID, op.TokenAddress)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busyLocked(key, now) {
		return false
	}
	e.active[key] = &activeTrade{id: op.ID, expiresAt: op.ExpiresAt}
	return true
}

// markExecuting pins the claim so it cannot lapse mid-trade.
func (e *Engine) markExecuting(op *queue.Opportunity) {
	key := safety.TokenKey(op.ChainID, op.TokenAddress)
	e.mu.Lock()
	if at, ok := e.active[key]; ok && at.id == op.ID {
		at.executing = true
	} else {
		e.active[key] = &activeTrade{id: op.ID, executing: true}
	}
	e.mu.Unlock()
}

func (e *Engine) releaseToken(op *queue.Opportunity) {
	key := safety.TokenKey(op.ChainID, op.TokenAddress)
	e.mu.Lock()
	if at, ok := e.active[key]; ok && at.id == op.ID {
		delete(e.active, key)
	}
	e.mu.Unlock()
}

// Cancel removes a queued opportunity and frees its token.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	var key string
	for k, at := range e.active {
		if at.id == id && !at.executing {
			key = k
			break
		}
	}
	e.mu.Unlock()
	if key == "" || !e.queue.Remove(id) {
		return false
	}
	e.mu.Lock()
	delete(e.active, key)
	e.mu.Unlock()
	return true
}

func tradeRequest(op *queue.Opportunity) safety.TradeRequest {
	return safety.TradeRequest{
		ID:           op.ID,
		Chain:        op.ChainID,
		TokenAddress: op.TokenAddress,
		AmountUSD:    op.Amount,
		RiskScore:    op.RiskScore,
	}
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

// Start launches the queue maintenance loop and the dispatcher.
func (e *Engine) Start(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running.Load() {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running.Store(true)

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.queue.Run(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.dispatchLoop(ctx)
	}()
	log.Info().
		Str("mode", string(e.Mode())).
		Bool("dry_run", e.config.DryRun).
		Int("max_concurrent", e.config.MaxConcurrentTrades).
		Msg("autotrade: engine started")
}

// Stop cancels the loops and waits for in-flight executions to finish.
func (e *Engine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if !e.running.Load() {
		return
	}
	e.cancel()
	e.wg.Wait()
	e.running.Store(false)
	log.Info().Int64("accepted", e.accepted.Load()).Msg("autotrade: engine stopped")
}

func (e *Engine) signal() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (e *Engine) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(e.config.DispatchIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.queue.Ready():
		case <-e.kick:
		}
		e.dispatch(ctx)
	}
}

// dispatch dequeues while execution slots are free. A batch occupies one
// slot and runs its trades in order.
func (e *Engine) dispatch(ctx context.Context) int {
	started := 0
	for ctx.Err() == nil && e.Mode().Executes() {
		select {
		case e.slots <- struct{}{}:
		default:
			return started
		}
		d, ok := e.queue.Dequeue()
		if !ok {
			<-e.slots
			return started
		}
		started++
		e.inFlight.Add(1)
		e.wg.Add(1)
		go func(ops []*queue.Opportunity) {
			defer e.wg.Done()
			defer func() {
				e.inFlight.Add(-1)
				<-e.slots
				e.signal()
			}()
			for _, op := range ops {
				e.execute(ctx, op)
			}
		}(d.Opportunities())
	}
	return started
}

// execute runs one opportunity to a terminal state.
func (e *Engine) execute(ctx context.Context, op *queue.Opportunity) (ex Execution) {
	start := time.Now()
	ex = Execution{
		OpportunityID: op.ID,
		ChainID:       op.ChainID,
		TokenAddress:  op.TokenAddress,
		Strategy:      op.Strategy,
		Side:          op.Side,
		AmountUSD:     op.Amount,
		DryRun:        e.config.DryRun,
	}
	defer func() {
		ex.Status = op.Status
		ex.DurationMs = time.Since(start).Milliseconds()
		ex.FinishedAt = e.now()
		e.releaseToken(op)
		e.finish(ctx, op, ex)
	}()

	veto := func(reasons ...string) Execution {
		_ = advance(op, EventAbandon)
		op.LastError = strings.Join(reasons, ",")
		ex.Vetoed = true
		ex.Reasons = reasons
		log.Warn().Str("id", op.ID).Str("token", op.TokenAddress).Strs("reasons", reasons).Msg("autotrade: execution vetoed")
		return ex
	}

	if mode := e.Mode(); !mode.Executes() {
		return veto("MODE_" + string(mode))
	}
	if op.Expired(e.now()) {
		return veto("EXPIRED")
	}
	req := tradeRequest(op)
	if dec := e.safety.Check(ctx, req); !dec.Allowed {
		return veto(dec.ReasonCodes...)
	}
	if e.config.RequireCanary {
		cr := e.safety.Canary(ctx, safety.CanaryRequest{
			Chain:        op.ChainID,
			DexID:        op.DexID,
			PairAddress:  op.PairAddress,
			TokenAddress: op.TokenAddress,
			ContractCode: e.contractCode(ctx, op),
		})
		if !cr.Passed {
			if cr.Transient || cr.Reason == "" {
				return veto("CANARY_INCONCLUSIVE:" + cr.Error)
			}
			return veto("CANARY_FAILED:" + string(cr.Reason))
		}
	}
	if dec := e.safety.Authorize(ctx, req); !dec.Allowed {
		return veto(dec.ReasonCodes...)
	}

	e.markExecuting(op)
	if err := advance(op, EventStart); err != nil {
		log.Error().Err(err).Str("id", op.ID).Msg("autotrade: cannot start opportunity")
		ex.Error = err.Error()
		return ex
	}
	op.Attempts++

	log.Info().
		Str("id", op.ID).
		Str("chain", op.ChainID).
		Str("token", op.TokenAddress).
		Str("amount_usd", op.Amount.String()).
		Bool("dry_run", e.config.DryRun).
		Msg("autotrade: EXECUTING BUY")

	fill, err := e.swap(ctx, op)
	result := safety.TradeResult{ID: op.ID, Chain: op.ChainID, TokenAddress: op.TokenAddress}
	if err != nil {
		ev, kind := classify(err)
		_ = advance(op, ev)
		op.LastError = err.Error()
		ex.Error = err.Error()
		result.Failure = kind
		log.Warn().Err(err).Str("id", op.ID).Str("status", string(op.Status)).Msg("autotrade: execution failed")
	} else {
		_ = advance(op, EventFill)
		ex.TxHash = fill.TxHash
		ex.ProfitUSD = fill.GasUSD.Neg()
		if !op.Amount.IsZero() {
			ex.ProfitPct = ex.ProfitUSD.Div(op.Amount).Mul(decimal.NewFromInt(100)).InexactFloat64()
		}
		result.Success = true
		result.PnLUSD = ex.ProfitUSD
		log.Info().
			Str("id", op.ID).
			Str("tx", fill.TxHash).
			Str("amount_out", fill.AmountOut.String()).
			Float64("slippage_pct", fill.SlippagePct).
			Msg("autotrade: execution filled")
	}

	e.safety.RecordTrade(context.WithoutCancel(ctx), result)
	e.queue.RecordOutcome(op.Strategy, result.Success)
	return ex
}

// contractCode fetches the token bytecode. A failed lookup only costs the
// fingerprint; the canary still runs.
func (e *Engine) contractCode(ctx context.Context, op *queue.Opportunity) []byte {
	if e.code == nil {
		return nil
	}
	code, err := e.code.ContractCode(ctx, op.ChainID, op.TokenAddress)
	if err != nil {
		log.Warn().Err(err).Str("id", op.ID).Str("token", op.TokenAddress).Msg("autotrade: contract code unavailable")
		return nil
	}
	return code
}

// swap calls the executor with a timeout. A panic becomes an error.
func (e *Engine) swap(ctx context.Context, op *queue.Opportunity) (fill execution.Fill, err error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(e.config.ExecutionTimeoutMs)*time.Millisecond)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: executor panic: %v", errExecutorPanic, r)
		}
	}()
	return e.executor.Execute(ctx, execution.SwapRequest{
		ID:             op.ID,
		Chain:          op.ChainID,
		DexID:          op.DexID,
		PairAddress:    op.PairAddress,
		TokenAddress:   op.TokenAddress,
		Side:           execution.Side(op.Side),
		AmountIn:       op.Amount,
		MaxSlippagePct: op.MaxSlippagePct,
		MaxGasUSD:      op.MaxGasUSD,
	})
}

var errExecutorPanic = errors.New("autotrade: executor panic")

// classify maps an executor error to a terminal event and breaker kind.
// Infrastructure problems are ERROR; market outcomes are FAILED.
func classify(err error) (Event, safety.FailureKind) {
	switch {
	case errors.Is(err, execution.ErrNetwork),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return EventError, safety.FailureNetwork
	case errors.Is(err, errExecutorPanic):
		return EventError, safety.FailureOther
	case errors.Is(err, execution.ErrInsufficientLiquidity):
		return EventFail, safety.FailureLiquidity
	default:
		return EventFail, safety.FailureOther
	}
}

func (e *Engine) finish(ctx context.Context, op *queue.Opportunity, ex Execution) {
	e.metrics.add(ex)

	if e.producer != nil && !ex.Vetoed {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		err := e.producer.PublishJSON(pctx, bus.Topics.TradesExecuted(), op.TokenAddress, ex.Event())
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("id", op.ID).Msg("autotrade: publish trade failed")
		}
	}

	e.mu.Lock()
	fn := e.onResult
	e.mu.Unlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("id", op.ID).Msg("autotrade: result callback panicked")
		}
	}()
	fn(ex)
}

// ---------------------------------------------------------------------------
// Introspection
// ---------------------------------------------------------------------------

// Recent returns up to n recent executions, newest first.
func (e *Engine) Recent(n int) []Execution {
	return e.metrics.recent(n)
}

// Advisories returns the recorded ADVISORY opportunities, oldest first.
func (e *Engine) Advisories() []Advice {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Advice, len(e.advisories))
	copy(out, e.advisories)
	return out
}

// Metrics returns the rolling execution metrics.
func (e *Engine) Metrics() Metrics {
	return e.metrics.snapshot()
}

// Stats is a snapshot of engine state.
type Stats struct {
	Mode         Mode             `json:"mode"`
	DryRun       bool             `json:"dry_run"`
	Running      bool             `json:"running"`
	Submitted    int64            `json:"submitted"`
	Accepted     int64            `json:"accepted"`
	Rejected     int64            `json:"rejected"`
	Rejections   map[string]int64 `json:"rejections"`
	Advisories   int64            `json:"advisories"`
	InFlight     int64            `json:"in_flight"`
	Dropped      int64            `json:"dropped"`
	ActiveTokens int              `json:"active_tokens"`
	Queue        queue.Stats      `json:"queue"`
	Metrics      Metrics          `json:"metrics"`
}

// Stats returns engine statistics.
func (e *Engine) Stats() Stats {
	s := Stats{
		DryRun:     e.config.DryRun,
		Running:    e.running.Load(),
		Submitted:  e.submitted.Load(),
		Accepted:   e.accepted.Load(),
		Rejected:   e.rejected.Load(),
		Advisories: e.advised.Load(),
		InFlight:   e.inFlight.Load(),
		Dropped:    e.dropped.Load(),
		Queue:      e.queue.Stats(),
		Metrics:    e.metrics.snapshot(),
		Rejections: make(map[string]int64),
	}
	e.mu.Lock()
	s.Mode = e.mode
	s.ActiveTokens = len(e.active)
	for k, v := range e.rejections {
		s.Rejections[k] = v
	}
	e.mu.Unlock()
	return s
}
