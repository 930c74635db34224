package safety

import (
	"time"
)

// BreakerConfig configures one circuit breaker. The breaker trips when the
// sum of recorded values inside Window reaches Threshold, stays open for
// Cooldown, then resets itself.
type BreakerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Threshold   float64 `yaml:"threshold"`
	WindowSec   int     `yaml:"window_sec"`
	CooldownSec int     `yaml:"cooldown_sec"`
}

type sample struct {
	at    time.Time
	value float64
}

// breaker is not safe for concurrent use; Controls guards it.
type breaker struct {
	kind      BreakerType
	config    BreakerConfig
	samples   []sample
	open      bool
	trippedAt time.Time
	trips     int64
}

func newBreaker(kind BreakerType, config BreakerConfig) *breaker {
	return &breaker{kind: kind, config: config}
}

func (b *breaker) window() time.Duration {
	return time.Duration(b.config.WindowSec) * time.Second
}

func (b *breaker) cooldown() time.Duration {
	return time.Duration(b.config.CooldownSec) * time.Second
}

// record adds a value and reports whether this call tripped the breaker.
func (b *breaker) record(now time.Time, value float64) bool {
	if !b.config.Enabled {
		return false
	}
	b.prune(now)
	b.samples = append(b.samples, sample{at: now, value: value})
	if b.open || b.total() < b.config.Threshold {
		return false
	}
	b.open = true
	b.trippedAt = now
	b.trips++
	return true
}

func (b *breaker) total() float64 {
	var sum float64
	for _, s := range b.samples {
		sum += s.value
	}
	return sum
}

func (b *breaker) prune(now time.Time) {
	if b.config.WindowSec <= 0 {
		return
	}
	cutoff := now.Add(-b.window())
	i := 0
	for i < len(b.samples) && !b.samples[i].at.After(cutoff) {
		i++
	}
	b.samples = b.samples[i:]
}

// isOpen reports whether the breaker blocks trading at now. The second
// return is true when this call auto-reset an expired breaker.
func (b *breaker) isOpen(now time.Time) (open, reset bool) {
	if !b.open {
		return false, false
	}
	if now.Sub(b.trippedAt) >= b.cooldown() {
		b.reset()
		return false, true
	}
	return true, false
}

func (b *breaker) reset() {
	b.open = false
	b.trippedAt = time.Time{}
	b.samples = nil
}

// clearSamples drops accumulated values without touching the open state.
func (b *breaker) clearSamples() {
	b.samples = nil
}

// BreakerStatus is a breaker snapshot.
type BreakerStatus struct {
	Type      BreakerType `json:"type"`
	Open      bool        `json:"open"`
	Value     float64     `json:"value"`
	Threshold float64     `json:"threshold"`
	TrippedAt time.Time   `json:"tripped_at,omitempty"`
	ResetsAt  time.Time   `json:"resets_at,omitempty"`
	Trips     int64       `json:"trips"`
}

func (b *breaker) status(now time.Time) BreakerStatus {
	b.prune(now)
	s := BreakerStatus{
		Type:      b.kind,
		Open:      b.open,
		Value:     b.total(),
		Threshold: b.config.Threshold,
		Trips:     b.trips,
	}
	if b.open {
		s.TrippedAt = b.trippedAt
		s.ResetsAt = b.trippedAt.Add(b.cooldown())
	}
	return s
}
