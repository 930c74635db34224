package queue

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrQueueFull is returned when the queue is at capacity and the new
	// opportunity scores below everything already queued.
	ErrQueueFull = errors.New("queue: full")
	// ErrExpired is returned when enqueuing an opportunity past its expiry.
	ErrExpired = errors.New("queue: opportunity expired")
	// ErrDuplicate is returned when the opportunity id is already queued.
	ErrDuplicate = errors.New("queue: duplicate opportunity")
)

// Tier is the coarse urgency class of an opportunity.
type Tier string

const (
	TierLow       Tier = "LOW"
	TierNormal    Tier = "NORMAL"
	TierHigh      Tier = "HIGH"
	TierCritical  Tier = "CRITICAL"
	TierEmergency Tier = "EMERGENCY"
)

// Base returns the tier multiplier used in the priority score.
func (t Tier) Base() float64 {
	switch t {
	case TierLow:
		return 1
	case TierHigh:
		return 3
	case TierCritical:
		return 4
	case TierEmergency:
		return 5
	default:
		return 2
	}
}

// Side is the trade direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Status is the execution state of an opportunity.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusExecuting Status = "EXECUTING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusError     Status = "ERROR"
)

// Opportunity is a candidate trade. Scores are on a 0-100 scale.
type Opportunity struct {
	ID                string          `json:"id"`
	TokenAddress      string          `json:"token_address"`
	PairAddress       string          `json:"pair_address"`
	ChainID           string          `json:"chain_id"`
	DexID             string          `json:"dex_id"`
	Side              Side            `json:"side"`
	Amount            decimal.Decimal `json:"amount"` // quote currency, USD
	MaxSlippagePct    float64         `json:"max_slippage_pct"`
	MaxGasUSD         decimal.Decimal `json:"max_gas_usd"`
	RiskScore         float64         `json:"risk_score"`
	ConfidenceScore   float64         `json:"confidence_score"`
	ExpectedProfitPct float64         `json:"expected_profit_pct"`
	Strategy          string          `json:"strategy"`
	Tier              Tier            `json:"tier"`
	DiscoveredAt      time.Time       `json:"discovered_at"`
	ExpiresAt         time.Time       `json:"expires_at"`

	Status    Status `json:"status"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

// NewOpportunity fills id, timestamps and status. ttl <= 0 means no expiry.
func NewOpportunity(op Opportunity, ttl time.Duration) *Opportunity {
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if op.DiscoveredAt.IsZero() {
		op.DiscoveredAt = time.Now()
	}
	if ttl > 0 && op.ExpiresAt.IsZero() {
		op.ExpiresAt = op.DiscoveredAt.Add(ttl)
	}
	if op.Tier == "" {
		op.Tier = TierNormal
	}
	if op.Side == "" {
		op.Side = SideBuy
	}
	op.Status = StatusPending
	return &op
}

// Expired reports whether the opportunity has passed its expiry.
func (o *Opportunity) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && !now.Before(o.ExpiresAt)
}

// Item is a queued opportunity with its priority score.
type Item struct {
	Opportunity *Opportunity `json:"opportunity"`
	Score       float64      `json:"score"`
	EnqueuedAt  time.Time    `json:"enqueued_at"`

	seq   uint64
	index int // heap index, -1 when not in the heap
	batch *Batch
}

// BatchKey groups opportunities that can execute together: one router on
// one chain, whatever the token.
type BatchKey struct {
	ChainID string
	DexID   string
}

// Batch is a group of opportunities on the same chain and dex.
type Batch struct {
	Key       BatchKey  `json:"key"`
	Items     []*Item   `json:"items"`
	CreatedAt time.Time `json:"created_at"`
}

// Score is the best item score in the batch.
func (b *Batch) Score() float64 {
	best := 0.0
	for _, it := range b.Items {
		best = max(best, it.Score)
	}
	return best
}

// Dequeued is either a single item or a ready batch.
type Dequeued struct {
	Item  *Item
	Batch *Batch
}

// Opportunities flattens the result.
func (d Dequeued) Opportunities() []*Opportunity {
	if d.Batch != nil {
		out := make([]*Opportunity, 0, len(d.Batch.Items))
		for _, it := range d.Batch.Items {
			out = append(out, it.Opportunity)
		}
		return out
	}
	if d.Item != nil {
		return []*Opportunity{d.Item.Opportunity}
	}
	return nil
}
