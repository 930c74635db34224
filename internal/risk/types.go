package risk

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

var (
	// ErrUnsupportedChain is returned for chains the assessor has no rules for.
	ErrUnsupportedChain = errors.New("risk: unsupported chain")
	// ErrInvalidAddress is returned for malformed token addresses.
	ErrInvalidAddress = errors.New("risk: invalid token address")
	// ErrClientUnavailable is returned when no chain client is registered.
	ErrClientUnavailable = errors.New("risk: chain client unavailable")
)

// Category names one risk dimension.
type Category string

const (
	CategoryHoneypot          Category = "HONEYPOT"
	CategoryTax               Category = "TAX"
	CategoryLiquidity         Category = "LIQUIDITY"
	CategoryOwnerPrivileges   Category = "OWNER_PRIVILEGES"
	CategoryProxy             Category = "PROXY_CONTRACT"
	CategoryLPLock            Category = "LP_LOCK"
	CategoryUnverified        Category = "UNVERIFIED_CONTRACT"
	CategoryTradingDisabled   Category = "TRADING_DISABLED"
	CategoryBlacklistFunction Category = "BLACKLIST_FUNCTION"
	CategoryDevConcentration  Category = "DEV_CONCENTRATION"
)

func (c Category) String() string { return string(c) }

// categoryWeights are fixed per category. Honeypot and trading-disabled
// dominate, an unverified contract alone matters least.
var categoryWeights = map[Category]float64{
	CategoryHoneypot:          1.0,
	CategoryTradingDisabled:   1.0,
	CategoryTax:               0.8,
	CategoryLiquidity:         0.8,
	CategoryBlacklistFunction: 0.8,
	CategoryOwnerPrivileges:   0.7,
	CategoryLPLock:            0.7,
	CategoryDevConcentration:  0.6,
	CategoryProxy:             0.6,
	CategoryUnverified:        0.5,
}

// Weight returns the aggregation weight of a category.
func (c Category) Weight() float64 {
	if w, ok := categoryWeights[c]; ok {
		return w
	}
	return 0.5
}

// Level is a discrete risk level.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

func (l Level) String() string { return string(l) }

// Rank orders levels from 0 (LOW) to 3 (CRITICAL).
func (l Level) Rank() int {
	switch l {
	case LevelMedium:
		return 1
	case LevelHigh:
		return 2
	case LevelCritical:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether l is as severe as other or more.
func (l Level) AtLeast(other Level) bool { return l.Rank() >= other.Rank() }

// LevelForScore maps a [0,1] score to a level.
func LevelForScore(score float64) Level {
	switch {
	case score < 0.25:
		return LevelLow
	case score < 0.50:
		return LevelMedium
	case score < 0.75:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// Factor is the outcome of one risk check. Immutable once produced.
type Factor struct {
	Category    Category `json:"category"`
	Score       float64  `json:"score"` // 0-1
	Level       Level    `json:"level"`
	Description string   `json:"description"`
	Confidence  float64  `json:"confidence"` // 0-1
}

// NewFactor builds a factor with clamped score/confidence and derived level.
func NewFactor(cat Category, score, confidence float64, description string) Factor {
	score = clamp01(score)
	return Factor{
		Category:    cat,
		Score:       score,
		Level:       LevelForScore(score),
		Description: description,
		Confidence:  clamp01(confidence),
	}
}

// NeutralFactor is used when a check timed out: mid score, almost no weight.
func NeutralFactor(cat Category) Factor {
	return NewFactor(cat, 0.5, 0.1, "check timed out, neutral value used")
}

// Assessment aggregates all factors for one token.
type Assessment struct {
	TokenAddress    string   `json:"token_address"`
	Chain           string   `json:"chain"`
	OverallScore    float64  `json:"overall_score"` // 0-1
	OverallLevel    Level    `json:"overall_level"`
	Tradeable       bool     `json:"tradeable"`
	Factors         []Factor `json:"factors"`
	Warnings        []string `json:"warnings"`
	Recommendations []string `json:"recommendations"`
	ExecutionTimeMs int64    `json:"execution_time_ms"`
}

// Factor returns the factor for a category if it was produced.
func (a Assessment) Factor(cat Category) (Factor, bool) {
	for _, f := range a.Factors {
		if f.Category == cat {
			return f, true
		}
	}
	return Factor{}, false
}

// ScorePct returns the overall score on a 0-100 scale.
func (a Assessment) ScorePct() float64 { return a.OverallScore * 100 }

// ---------------------------------------------------------------------------
// Chains and addresses
// ---------------------------------------------------------------------------

// Supported chain identifiers.
const (
	ChainEthereum = "ethereum"
	ChainBSC      = "bsc"
	ChainPolygon  = "polygon"
	ChainBase     = "base"
	ChainArbitrum = "arbitrum"
	ChainSolana   = "solana"
)

// DefaultChains lists chains enabled out of the box.
var DefaultChains = []string{ChainEthereum, ChainBSC, ChainPolygon, ChainBase, ChainArbitrum, ChainSolana}

// ValidateAddress checks that token is well formed for chain.
func ValidateAddress(chain, token string) error {
	if chain == ChainSolana {
		raw, err := base58.Decode(token)
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("%w: %q is not a base58 solana address", ErrInvalidAddress, token)
		}
		return nil
	}
	if len(token) != 42 || !strings.HasPrefix(strings.ToLower(token), "0x") {
		return fmt.Errorf("%w: %q is not a 0x-prefixed 20 byte address", ErrInvalidAddress, token)
	}
	if _, err := hex.DecodeString(token[2:]); err != nil {
		return fmt.Errorf("%w: %q has non-hex characters", ErrInvalidAddress, token)
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
