package queue

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Adaptive Strategy Multipliers
// Strategies that keep succeeding get a priority boost; strategies that keep
// failing get demoted. Multipliers drift a step per recorded outcome and are
// clamped to [Min, Max].
// ---------------------------------------------------------------------------

// AdaptiveConfig configures per-strategy priority multipliers.
type AdaptiveConfig struct {
	Enabled     bool    `yaml:"enabled"`
	WindowHours int     `yaml:"window_hours"` // rolling success window (default 24)
	MinSamples  int     `yaml:"min_samples"`  // outcomes before adjusting (default 5)
	HighSuccess float64 `yaml:"high_success"` // boost at or above this rate (default 0.8)
	LowSuccess  float64 `yaml:"low_success"`  // demote at or below this rate (default 0.5)
	BoostStep   float64 `yaml:"boost_step"`   // default 1.05
	DemoteStep  float64 `yaml:"demote_step"`  // default 0.95
	Max         float64 `yaml:"max"`          // default 1.5
	Min         float64 `yaml:"min"`          // default 0.5
}

// DefaultAdaptiveConfig returns defaults.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		Enabled:     true,
		WindowHours: 24,
		MinSamples:  5,
		HighSuccess: 0.8,
		LowSuccess:  0.5,
		BoostStep:   1.05,
		DemoteStep:  0.95,
		Max:         1.5,
		Min:         0.5,
	}
}

type outcome struct {
	success bool
	at      time.Time
}

// Adaptive tracks strategy outcomes and their multipliers.
type Adaptive struct {
	config AdaptiveConfig
	mu     sync.RWMutex

	outcomes    map[string][]outcome
	multipliers map[string]float64
}

// NewAdaptive creates a multiplier tracker.
func NewAdaptive(config AdaptiveConfig) *Adaptive {
	return &Adaptive{
		config:      config,
		outcomes:    make(map[string][]outcome),
		multipliers: make(map[string]float64),
	}
}

// Multiplier returns the current multiplier for a strategy (1.0 if unknown).
func (a *Adaptive) Multiplier(strategy string) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if m, ok := a.multipliers[strategy]; ok {
		return m
	}
	return 1.0
}

// RecordOutcome records an execution result and adjusts the multiplier.
func (a *Adaptive) RecordOutcome(strategy string, success bool, at time.Time) {
	if !a.config.Enabled {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := at.Add(-time.Duration(a.config.WindowHours) * time.Hour)
	kept := a.outcomes[strategy][:0]
	for _, o := range a.outcomes[strategy] {
		if o.at.After(cutoff) {
			kept = append(kept, o)
		}
	}
	kept = append(kept, outcome{success: success, at: at})
	a.outcomes[strategy] = kept

	if len(kept) < a.config.MinSamples {
		return
	}
	wins := 0
	for _, o := range kept {
		if o.success {
			wins++
		}
	}
	rate := float64(wins) / float64(len(kept))

	prev, ok := a.multipliers[strategy]
	if !ok {
		prev = 1.0
	}
	next := prev
	switch {
	case rate >= a.config.HighSuccess:
		next = min(prev*a.config.BoostStep, a.config.Max)
	case rate <= a.config.LowSuccess:
		next = max(prev*a.config.DemoteStep, a.config.Min)
	}
	a.multipliers[strategy] = next

	if next != prev {
		log.Debug().
			Str("strategy", strategy).
			Float64("success_rate", rate).
			Int("samples", len(kept)).
			Float64("multiplier", next).
			Msg("queue: strategy multiplier adjusted")
	}
}

// Snapshot returns all multipliers.
func (a *Adaptive) Snapshot() map[string]float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]float64, len(a.multipliers))
	for k, v := range a.multipliers {
		out[k] = v
	}
	return out
}
