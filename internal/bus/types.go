package bus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BaseEvent contains fields common to all events.
type BaseEvent struct {
	EventID       string    `json:"event_id"`
	Timestamp     time.Time `json:"ts"`
	SchemaVersion string    `json:"schema_version"`
	Producer      string    `json:"producer"`
	TraceID       string    `json:"trace_id,omitempty"`
	CausationID   string    `json:"causation_id,omitempty"`
}

// NewBaseEvent creates a new BaseEvent with generated IDs.
func NewBaseEvent(producer, schemaVersion string) BaseEvent {
	return BaseEvent{
		EventID:       uuid.New().String(),
		Timestamp:     time.Now(),
		SchemaVersion: schemaVersion,
		Producer:      producer,
		TraceID:       uuid.New().String()[:16],
	}
}

// --- Discovery Events ---

// PairDiscovered is emitted by a chain or feed watcher when a new trading
// pair appears on a DEX. It is consumed once by the pipeline and never mutated.
type PairDiscovered struct {
	BaseEvent
	ChainID        string    `json:"chain_id"`
	DexID          string    `json:"dex_id"`
	PairAddress    string    `json:"pair_address"`
	Token0         string    `json:"token0"`
	Token1         string    `json:"token1"`
	BlockNumber    uint64    `json:"block_number"`
	BlockTimestamp time.Time `json:"block_timestamp"`
	TxHash         string    `json:"tx_hash"`
}

// Validate checks the fields the pipeline relies on.
func (p PairDiscovered) Validate() error {
	switch {
	case strings.TrimSpace(p.ChainID) == "":
		return fmt.Errorf("pair discovered: missing chain_id")
	case strings.TrimSpace(p.PairAddress) == "":
		return fmt.Errorf("pair discovered: missing pair_address")
	case p.Token0 == "" || p.Token1 == "":
		return fmt.Errorf("pair discovered: missing token address")
	}
	return nil
}

// DecodePairDiscovered parses a PairDiscovered event from a bus message value.
// Events arriving without ids get a fresh BaseEvent so tracing still works.
func DecodePairDiscovered(data []byte) (PairDiscovered, error) {
	var ev PairDiscovered
	if err := json.Unmarshal(data, &ev); err != nil {
		return PairDiscovered{}, fmt.Errorf("decode pair discovered: %w", err)
	}
	if ev.EventID == "" {
		base := NewBaseEvent("bus", "1.0.0")
		if ev.TraceID != "" {
			base.TraceID = ev.TraceID
		}
		ev.BaseEvent = base
	}
	if err := ev.Validate(); err != nil {
		return PairDiscovered{}, err
	}
	return ev, nil
}

// --- Pipeline Events ---

// PairProcessed is published when a pair reaches a terminal pipeline state.
type PairProcessed struct {
	BaseEvent
	ChainID          string          `json:"chain_id"`
	DexID            string          `json:"dex_id"`
	PairAddress      string          `json:"pair_address"`
	Status           string          `json:"status"`            // APPROVED|REJECTED|ERROR
	OpportunityLevel string          `json:"opportunity_level"` // EXCELLENT..BLOCKED
	Tradeable        bool            `json:"tradeable"`
	RiskScore        float64         `json:"risk_score"`
	RiskLevel        string          `json:"risk_level"`
	IntelScore       float64         `json:"intel_score"`
	LiquidityUSD     decimal.Decimal `json:"liquidity_usd"`
	PriceUSD         decimal.Decimal `json:"price_usd"`
	Warnings         []string        `json:"warnings,omitempty"`
	Errors           []string        `json:"errors,omitempty"`
	ProcessingMs     int64           `json:"processing_ms"`
}

// --- Execution Events ---

// TradeExecuted is published when the autotrade engine finishes an opportunity.
type TradeExecuted struct {
	BaseEvent
	OpportunityID string          `json:"opportunity_id"`
	ChainID       string          `json:"chain_id"`
	TokenAddress  string          `json:"token_address"`
	Side          string          `json:"side"`
	Amount        decimal.Decimal `json:"amount"`
	Status        string          `json:"status"` // COMPLETED|FAILED|ERROR
	TxHash        string          `json:"tx_hash,omitempty"`
	ProfitPct     float64         `json:"profit_pct"`
	DryRun        bool            `json:"dry_run"`
	Error         string          `json:"error,omitempty"`
}

// SafetyEvent is published for circuit breaker trips, blacklist additions
// and canary failures.
type SafetyEvent struct {
	BaseEvent
	EventType    string `json:"event_type"`
	Severity     string `json:"severity"`
	ChainID      string `json:"chain_id,omitempty"`
	TokenAddress string `json:"token_address,omitempty"`
	Description  string `json:"description"`
}
