package pipeline

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nexus-trading/dexsniper/internal/bus"
	"github.com/nexus-trading/dexsniper/internal/intel"
	"github.com/nexus-trading/dexsniper/internal/market"
	"github.com/nexus-trading/dexsniper/internal/risk"
	"github.com/rs/zerolog/log"
)

// Status is the processing state of a discovered pair.
type Status string

const (
	StatusDiscovered            Status = "DISCOVERED"
	StatusValidating            Status = "VALIDATING"
	StatusAnalyzingIntelligence Status = "ANALYZING_INTELLIGENCE"
	StatusRiskAssessing         Status = "RISK_ASSESSING"
	StatusApproved              Status = "APPROVED"
	StatusRejected              Status = "REJECTED"
	StatusError                 Status = "ERROR"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusError:
		return true
	}
	return false
}

// Event triggers a status transition.
type Event string

const (
	EventStartValidation  Event = "START_VALIDATION"
	EventValidated        Event = "VALIDATED"
	EventValidationFailed Event = "VALIDATION_FAILED"
	EventIntelComplete    Event = "INTEL_COMPLETE"
	EventApprove          Event = "APPROVE"
	EventReject           Event = "REJECT"
	EventFail             Event = "FAIL"
)

type transition struct {
	from  Status
	event Event
}

// transitions is the authoritative table. Terminal states have no entries.
var transitions = map[transition]Status{
	{StatusDiscovered, EventStartValidation}:          StatusValidating,
	{StatusValidating, EventValidated}:                StatusAnalyzingIntelligence,
	{StatusValidating, EventValidationFailed}:         StatusRejected,
	{StatusAnalyzingIntelligence, EventIntelComplete}: StatusRiskAssessing,
	{StatusRiskAssessing, EventApprove}:               StatusApproved,
	{StatusRiskAssessing, EventReject}:                StatusRejected,

	{StatusDiscovered, EventFail}:            StatusError,
	{StatusValidating, EventFail}:            StatusError,
	{StatusAnalyzingIntelligence, EventFail}: StatusError,
	{StatusRiskAssessing, EventFail}:         StatusError,
}

// StatusChange records one transition.
type StatusChange struct {
	From  Status    `json:"from"`
	To    Status    `json:"to"`
	Event Event     `json:"event"`
	At    time.Time `json:"at"`
}

// ProcessedPair is the work item threaded through the pipeline. It is
// mutated by a single worker; readers take a Snapshot.
type ProcessedPair struct {
	mu sync.Mutex

	EventID        string    `json:"event_id"`
	TraceID        string    `json:"trace_id"`
	ChainID        string    `json:"chain_id"`
	DexID          string    `json:"dex_id"`
	PairAddress    string    `json:"pair_address"`
	Token0         string    `json:"token0"`
	Token1         string    `json:"token1"`
	TargetToken    string    `json:"target_token"`
	BlockNumber    uint64    `json:"block_number"`
	BlockTimestamp time.Time `json:"block_timestamp"`
	TxHash         string    `json:"tx_hash"`

	Status  Status         `json:"status"`
	History []StatusChange `json:"history"`

	FoundInMarket bool            `json:"found_in_market"`
	HasLiquidity  bool            `json:"has_liquidity"`
	HasPrice      bool            `json:"has_price"`
	TokensMatch   bool            `json:"tokens_match"`
	Market        market.Snapshot `json:"market"`

	Risk  *risk.Assessment `json:"risk,omitempty"`
	Intel *intel.Result    `json:"intel,omitempty"`

	OpportunityLevel Level `json:"opportunity_level"`
	Tradeable        bool  `json:"tradeable"`

	Warnings        []string `json:"warnings,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Errors          []string `json:"errors,omitempty"`

	DiscoveredAt time.Time `json:"discovered_at"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`
	ProcessingMs int64     `json:"processing_ms"`
}

// NewProcessedPair creates the work item for a discovery event.
func NewProcessedPair(ev bus.PairDiscovered) *ProcessedPair {
	return &ProcessedPair{
		EventID:        ev.EventID,
		TraceID:        ev.TraceID,
		ChainID:        strings.ToLower(ev.ChainID),
		DexID:          ev.DexID,
		PairAddress:    ev.PairAddress,
		Token0:         ev.Token0,
		Token1:         ev.Token1,
		TargetToken:    TargetToken(ev.Token0, ev.Token1),
		BlockNumber:    ev.BlockNumber,
		BlockTimestamp: ev.BlockTimestamp,
		TxHash:         ev.TxHash,
		Status:         StatusDiscovered,
		DiscoveredAt:   time.Now(),
	}
}

// Transition advances the pair through the state machine.
func (p *ProcessedPair) Transition(event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	next, ok := transitions[transition{from: p.Status, event: event}]
	if !ok {
		return fmt.Errorf("invalid transition: state=%s event=%s", p.Status, event)
	}
	now := time.Now()
	p.History = append(p.History, StatusChange{From: p.Status, To: next, Event: event, At: now})

	log.Debug().
		Str("pair", p.PairAddress).
		Str("trace_id", p.TraceID).
		Str("prev_state", string(p.Status)).
		Str("event", string(event)).
		Str("new_state", string(next)).
		Msg("pipeline: state transition")

	p.Status = next
	if next.Terminal() {
		p.CompletedAt = now
		p.ProcessingMs = now.Sub(p.DiscoveredAt).Milliseconds()
	}
	return nil
}

// GetStatus returns the current status.
func (p *ProcessedPair) GetStatus() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Status
}

// update runs fn under the pair lock. Terminal pairs are frozen, so a
// stage still running after a timeout cannot alter the verdict.
func (p *ProcessedPair) update(fn func(p *ProcessedPair)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Status.Terminal() {
		return
	}
	fn(p)
}

func (p *ProcessedPair) addWarning(w ...string) {
	p.update(func(p *ProcessedPair) { p.Warnings = append(p.Warnings, w...) })
}

func (p *ProcessedPair) addError(msg string) {
	p.update(func(p *ProcessedPair) { p.Errors = append(p.Errors, msg) })
}

// Snapshot returns a deep copy safe to hand to other goroutines.
func (p *ProcessedPair) Snapshot() *ProcessedPair {
	p.mu.Lock()
	defer p.mu.Unlock()

	cp := &ProcessedPair{
		EventID:          p.EventID,
		TraceID:          p.TraceID,
		ChainID:          p.ChainID,
		DexID:            p.DexID,
		PairAddress:      p.PairAddress,
		Token0:           p.Token0,
		Token1:           p.Token1,
		TargetToken:      p.TargetToken,
		BlockNumber:      p.BlockNumber,
		BlockTimestamp:   p.BlockTimestamp,
		TxHash:           p.TxHash,
		Status:           p.Status,
		History:          append([]StatusChange(nil), p.History...),
		FoundInMarket:    p.FoundInMarket,
		HasLiquidity:     p.HasLiquidity,
		HasPrice:         p.HasPrice,
		TokensMatch:      p.TokensMatch,
		Market:           p.Market,
		OpportunityLevel: p.OpportunityLevel,
		Tradeable:        p.Tradeable,
		Warnings:         append([]string(nil), p.Warnings...),
		Recommendations:  append([]string(nil), p.Recommendations...),
		Errors:           append([]string(nil), p.Errors...),
		DiscoveredAt:     p.DiscoveredAt,
		CompletedAt:      p.CompletedAt,
		ProcessingMs:     p.ProcessingMs,
	}
	if p.Risk != nil {
		r := *p.Risk
		cp.Risk = &r
	}
	if p.Intel != nil {
		in := *p.Intel
		cp.Intel = &in
	}
	return cp
}

// Event converts a terminal pair into its bus event.
func (p *ProcessedPair) Event() bus.PairProcessed {
	s := p.Snapshot()
	ev := bus.PairProcessed{
		BaseEvent:        bus.NewBaseEvent("pipeline", "1.0.0"),
		ChainID:          s.ChainID,
		DexID:            s.DexID,
		PairAddress:      s.PairAddress,
		Status:           string(s.Status),
		OpportunityLevel: string(s.OpportunityLevel),
		Tradeable:        s.Tradeable,
		LiquidityUSD:     s.Market.LiquidityUSD,
		PriceUSD:         s.Market.PriceUSD,
		Warnings:         s.Warnings,
		Errors:           s.Errors,
		ProcessingMs:     s.ProcessingMs,
	}
	if s.TraceID != "" {
		ev.TraceID = s.TraceID
	}
	ev.CausationID = s.EventID
	if s.Risk != nil {
		ev.RiskScore = s.Risk.OverallScore
		ev.RiskLevel = string(s.Risk.OverallLevel)
	}
	if s.Intel != nil {
		ev.IntelScore = s.Intel.IntelligenceScore
	}
	return ev
}

// quoteTokens are common quote assets; the other side of the pair is the
// token being evaluated. Lowercase.
var quoteTokens = map[string]bool{
	"0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2":   true, // WETH
	"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48":   true, // USDC
	"0xdac17f958d2ee523a2206206994597c13d831ec7":   true, // USDT
	"0xbb4cdb9cbd36b01bd1cbaebf2de08d9173bc095c":   true, // WBNB
	"0x55d398326f99059ff775485246999027b3197955":   true, // BSC-USD
	"0x0d500b1d8e8ef31e21c99d1db9a6444d3adf1270":   true, // WMATIC
	"0x4200000000000000000000000000000000000006":   true, // WETH (Base)
	"0x82af49447d8a07e3bd95bd0d56f35241523fbab1":   true, // WETH (Arbitrum)
	"so11111111111111111111111111111111111111112":  true, // wSOL
	"epjfwdd5aufqssqem2qn1xzybapc8g4weggkzwytdt1v": true, // USDC (Solana)
}

// TargetToken picks the non-quote side of a pair. Defaults to token0.
func TargetToken(token0, token1 string) string {
	if quoteTokens[strings.ToLower(token0)] && !quoteTokens[strings.ToLower(token1)] {
		return token1
	}
	return token0
}
