package safety

import (
	"context"
	"strings"
	"time"

	"github.com/nexus-trading/dexsniper/internal/bus"
	"github.com/shopspring/decimal"
)

// Decision represents a safety decision. A veto is data, not an error.
type Decision struct {
	Allowed     bool     `json:"allowed"`
	ReasonCodes []string `json:"reason_codes"`
	Timestamp   int64    `json:"ts"`
}

// BreakerType names a circuit breaker.
type BreakerType string

const (
	BreakerDailyLoss           BreakerType = "DAILY_LOSS"
	BreakerConsecutiveFailures BreakerType = "CONSECUTIVE_FAILURES"
	BreakerHighRiskTokenRate   BreakerType = "HIGH_RISK_TOKEN_RATE"
	BreakerRapidTrading        BreakerType = "RAPID_TRADING"
	BreakerLiquidityShortage   BreakerType = "LIQUIDITY_SHORTAGE"
	BreakerNetworkIssues       BreakerType = "NETWORK_ISSUES"
)

// AllBreakers lists every breaker in check order.
var AllBreakers = []BreakerType{
	BreakerDailyLoss,
	BreakerConsecutiveFailures,
	BreakerHighRiskTokenRate,
	BreakerRapidTrading,
	BreakerLiquidityShortage,
	BreakerNetworkIssues,
}

// BlacklistReason classifies why a token was blacklisted.
type BlacklistReason string

const (
	ReasonHoneypot     BlacklistReason = "HONEYPOT"
	ReasonHighTax      BlacklistReason = "HIGH_TAX"
	ReasonRugPull      BlacklistReason = "RUG_PULL"
	ReasonCanaryFailed BlacklistReason = "CANARY_FAILED"
	ReasonSuspicious   BlacklistReason = "SUSPICIOUS"
	ReasonManual       BlacklistReason = "MANUAL"
)

// BlacklistEntry is one blacklisted token. A zero ExpiresAt never expires.
type BlacklistEntry struct {
	Chain        string          `json:"chain"`
	TokenAddress string          `json:"token_address"`
	Reason       BlacklistReason `json:"reason"`
	Details      string          `json:"details,omitempty"`
	AddedAt      time.Time       `json:"added_at"`
	ExpiresAt    time.Time       `json:"expires_at,omitempty"`
}

// Active reports whether the entry is in force at now.
func (e BlacklistEntry) Active(now time.Time) bool {
	return e.ExpiresAt.IsZero() || now.Before(e.ExpiresAt)
}

// Key is the normalized chain:token key.
func (e BlacklistEntry) Key() string {
	return TokenKey(e.Chain, e.TokenAddress)
}

// TokenKey normalizes a chain/token pair into a map key.
func TokenKey(chain, token string) string {
	return strings.ToLower(chain) + ":" + strings.ToLower(token)
}

// EventType names a safety event.
type EventType string

const (
	EventBreakerTripped   EventType = "BREAKER_TRIPPED"
	EventBreakerReset     EventType = "BREAKER_RESET"
	EventEmergencyStop    EventType = "EMERGENCY_STOP"
	EventResumed          EventType = "RESUMED"
	EventTokenBlacklisted EventType = "TOKEN_BLACKLISTED"
	EventCanaryFailed     EventType = "CANARY_FAILED"
)

// Event is a safety-relevant state change, persisted and published.
type Event struct {
	ID           string      `json:"id"`
	Type         EventType   `json:"type"`
	Severity     string      `json:"severity"` // INFO|WARN|CRITICAL
	Chain        string      `json:"chain,omitempty"`
	TokenAddress string      `json:"token_address,omitempty"`
	Breaker      BreakerType `json:"breaker,omitempty"`
	Description  string      `json:"description"`
	At           time.Time   `json:"at"`
}

// BusEvent converts the event for the bus. The event id and time carry over.
func (ev Event) BusEvent() bus.SafetyEvent {
	base := bus.NewBaseEvent("safety", "1.0.0")
	if ev.ID != "" {
		base.EventID = ev.ID
	}
	if !ev.At.IsZero() {
		base.Timestamp = ev.At
	}
	desc := ev.Description
	if ev.Breaker != "" {
		desc = string(ev.Breaker) + ": " + desc
	}
	return bus.SafetyEvent{
		BaseEvent:    base,
		EventType:    string(ev.Type),
		Severity:     ev.Severity,
		ChainID:      ev.Chain,
		TokenAddress: ev.TokenAddress,
		Description:  desc,
	}
}

// FailureKind classifies a failed trade for breaker accounting.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureNetwork   FailureKind = "NETWORK"
	FailureLiquidity FailureKind = "LIQUIDITY"
	FailureOther     FailureKind = "OTHER"
)

// TradeRequest is what the autotrade engine asks permission for.
type TradeRequest struct {
	ID           string          `json:"id"`
	Chain        string          `json:"chain"`
	TokenAddress string          `json:"token_address"`
	AmountUSD    decimal.Decimal `json:"amount_usd"`
	RiskScore    float64         `json:"risk_score"` // 0-100
}

// TradeResult reports the outcome of an authorized trade.
type TradeResult struct {
	ID           string          `json:"id"`
	Chain        string          `json:"chain"`
	TokenAddress string          `json:"token_address"`
	Success      bool            `json:"success"`
	PnLUSD       decimal.Decimal `json:"pnl_usd"`
	Failure      FailureKind     `json:"failure,omitempty"`
}

// BlacklistCache is a shared, expiring blacklist (Redis in production).
// Get returns nil, nil on a miss.
type BlacklistCache interface {
	Set(ctx context.Context, entry BlacklistEntry) error
	Get(ctx context.Context, chain, token string) (*BlacklistEntry, error)
	Delete(ctx context.Context, chain, token string) error
}

// Repository persists blacklist entries and the safety event log.
type Repository interface {
	AddBlacklistedToken(ctx context.Context, entry BlacklistEntry) error
	GetActiveBlacklistedTokens(ctx context.Context) ([]BlacklistEntry, error)
	LogSafetyEvent(ctx context.Context, ev Event) error
}

// blacklistRemover is implemented by repositories that can deactivate an
// entry. Rows are kept as history.
type blacklistRemover interface {
	RemoveBlacklistedToken(ctx context.Context, chain, token string) error
}
