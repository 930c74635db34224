package pipeline

import (
	"fmt"

	"github.com/nexus-trading/dexsniper/internal/intel"
	"github.com/nexus-trading/dexsniper/internal/risk"
	"github.com/shopspring/decimal"
)

// Level is the opportunity classification of a processed pair.
type Level string

const (
	LevelExcellent Level = "EXCELLENT"
	LevelGood      Level = "GOOD"
	LevelFair      Level = "FAIR"
	LevelPoor      Level = "POOR"
	LevelBlocked   Level = "BLOCKED"
)

// rank orders levels; BLOCKED is lowest.
func (l Level) rank() int {
	switch l {
	case LevelExcellent:
		return 4
	case LevelGood:
		return 3
	case LevelFair:
		return 2
	case LevelPoor:
		return 1
	default:
		return 0
	}
}

var levelsByRank = []Level{LevelBlocked, LevelPoor, LevelFair, LevelGood, LevelExcellent}

// Tiers are inclusive lower bounds on pool liquidity in USD.
type Tiers struct {
	Excellent float64 `yaml:"excellent"` // default 50000
	Good      float64 `yaml:"good"`      // default 25000
	Fair      float64 `yaml:"fair"`      // default 5000
	Poor      float64 `yaml:"poor"`      // default 1000
}

// DefaultTiers returns production tier bounds.
func DefaultTiers() Tiers {
	return Tiers{Excellent: 50000, Good: 25000, Fair: 5000, Poor: 1000}
}

// ClassifierConfig configures opportunity classification.
type ClassifierConfig struct {
	Tiers                 Tiers   `yaml:"tiers"`
	UpgradeScore          float64 `yaml:"upgrade_score"`           // intelligence score (default 80)
	UpgradeConfidence     float64 `yaml:"upgrade_confidence"`      // intelligence confidence (default 0.8)
	CoordinationBlockRisk float64 `yaml:"coordination_block_risk"` // coordination risk (default 80)
}

// DefaultClassifierConfig returns production defaults.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		Tiers:                 DefaultTiers(),
		UpgradeScore:          80,
		UpgradeConfidence:     0.8,
		CoordinationBlockRisk: 80,
	}
}

// Classification is the verdict for one pair.
type Classification struct {
	Level     Level    `json:"level"`
	Tradeable bool     `json:"tradeable"`
	Reasons   []string `json:"reasons,omitempty"`
}

// Classify combines the liquidity tier with intelligence and risk. It is a
// pure function of its inputs. A missing risk assessment blocks the pair.
func Classify(cfg ClassifierConfig, liquidityUSD decimal.Decimal, ra *risk.Assessment, ir *intel.Result) Classification {
	level := cfg.Tiers.tier(liquidityUSD)
	var reasons []string

	if level != LevelBlocked && ir != nil && ir.Status != intel.StatusUnavailable &&
		ir.IntelligenceScore >= cfg.UpgradeScore && ir.Confidence >= cfg.UpgradeConfidence {
		up := levelsByRank[min(level.rank()+1, LevelExcellent.rank())]
		if up != level {
			reasons = append(reasons, fmt.Sprintf("UPGRADED:intelligence %.1f", ir.IntelligenceScore))
			level = up
		}
	}

	if ir != nil && ir.CoordinationRisk >= cfg.CoordinationBlockRisk {
		reasons = append(reasons, fmt.Sprintf("BLOCKED:coordination risk %.1f", ir.CoordinationRisk))
		level = LevelBlocked
	}

	switch {
	case ra == nil:
		reasons = append(reasons, "BLOCKED:no risk assessment")
		level = LevelBlocked
	case ra.OverallLevel == risk.LevelCritical:
		reasons = append(reasons, "BLOCKED:critical risk")
		level = LevelBlocked
	case !ra.Tradeable:
		reasons = append(reasons, "BLOCKED:risk veto")
		level = LevelBlocked
	case ra.OverallLevel == risk.LevelHigh && level.rank() > LevelFair.rank():
		reasons = append(reasons, "CAPPED:high risk")
		level = LevelFair
	}

	if level == LevelBlocked && len(reasons) == 0 {
		reasons = append(reasons, "BLOCKED:insufficient liquidity")
	}
	return Classification{
		Level:     level,
		Tradeable: level.rank() >= LevelFair.rank(),
		Reasons:   reasons,
	}
}

func (t Tiers) tier(liq decimal.Decimal) Level {
	switch {
	case liq.GreaterThanOrEqual(decimal.NewFromFloat(t.Excellent)):
		return LevelExcellent
	case liq.GreaterThanOrEqual(decimal.NewFromFloat(t.Good)):
		return LevelGood
	case liq.GreaterThanOrEqual(decimal.NewFromFloat(t.Fair)):
		return LevelFair
	case liq.GreaterThanOrEqual(decimal.NewFromFloat(t.Poor)):
		return LevelPoor
	default:
		return LevelBlocked
	}
}
