package safety

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-trading/dexsniper/internal/execution"
	"github.com/nexus-trading/dexsniper/internal/honeypot"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Controls is the last gate before any trade.
// SAFETY > PROFIT > SPEED
//
// Order of checks: emergency stop, circuit breakers, blacklist, token
// cooldown, spend caps. The emergency stop is an atomic flag and never
// waits on a lock.
type Controls struct {
	config   Config
	executor execution.Executor
	registry *honeypot.Registry
	cache    BlacklistCache
	repo     Repository
	now      func() time.Time

	stopped atomic.Bool

	mu           sync.Mutex
	stopReason   string
	breakers     map[BreakerType]*breaker
	spend        []spendEntry
	cooldowns    map[string]time.Time // chain:token -> until
	blacklist    map[string]BlacklistEntry
	canaryPassed map[string]time.Time
	onEvent      func(Event)

	allowed        atomic.Int64
	denied         atomic.Int64
	canaries       atomic.Int64
	canaryFailures atomic.Int64
}

// Config holds safety configuration.
type Config struct {
	Breakers          map[BreakerType]BreakerConfig `yaml:"breakers"`
	HighRiskScore     float64                       `yaml:"high_risk_score"`     // trades at or above count toward HIGH_RISK_TOKEN_RATE (default 70)
	DefaultLimits     SpendLimits                   `yaml:"default_limits"`      // used for chains without an entry
	ChainLimits       map[string]SpendLimits        `yaml:"chain_limits"`        // per chain
	TokenCooldownSec  int                           `yaml:"token_cooldown_sec"`  // min gap between trades on one token (default 300)
	BlacklistTTLHours int                           `yaml:"blacklist_ttl_hours"` // 0 = permanent (default 168)
	StoreTimeoutMs    int                           `yaml:"store_timeout_ms"`    // cache/repository calls (default 2000)
	Canary            CanaryConfig                  `yaml:"canary"`
}

// SpendLimits caps USD spend per chain. Daily and weekly are rolling windows.
type SpendLimits struct {
	PerTradeUSD float64 `yaml:"per_trade_usd"`
	DailyUSD    float64 `yaml:"daily_usd"`
	WeeklyUSD   float64 `yaml:"weekly_usd"`
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		Breakers: map[BreakerType]BreakerConfig{
			BreakerDailyLoss:           {Enabled: true, Threshold: 1000, WindowSec: 86400, CooldownSec: 14400},
			BreakerConsecutiveFailures: {Enabled: true, Threshold: 5, WindowSec: 3600, CooldownSec: 900},
			BreakerHighRiskTokenRate:   {Enabled: true, Threshold: 5, WindowSec: 3600, CooldownSec: 1800},
			BreakerRapidTrading:        {Enabled: true, Threshold: 20, WindowSec: 60, CooldownSec: 300},
			BreakerLiquidityShortage:   {Enabled: true, Threshold: 3, WindowSec: 600, CooldownSec: 600},
			BreakerNetworkIssues:       {Enabled: true, Threshold: 5, WindowSec: 300, CooldownSec: 300},
		},
		HighRiskScore: 70,
		DefaultLimits: SpendLimits{PerTradeUSD: 500, DailyUSD: 2000, WeeklyUSD: 10000},
		ChainLimits: map[string]SpendLimits{
			"ethereum": {PerTradeUSD: 1000, DailyUSD: 5000, WeeklyUSD: 20000},
		},
		TokenCooldownSec:  300,
		BlacklistTTLHours: 168,
		StoreTimeoutMs:    2000,
		Canary:            DefaultCanaryConfig(),
	}
}

type spendEntry struct {
	id     string
	chain  string
	amount decimal.Decimal
	at     time.Time
}

// Option configures optional collaborators.
type Option func(*Controls)

// WithExecutor sets the executor used for canary trades.
func WithExecutor(e execution.Executor) Option { return func(c *Controls) { c.executor = e } }

// WithRegistry sets the honeypot registry fed by canary failures.
func WithRegistry(r *honeypot.Registry) Option { return func(c *Controls) { c.registry = r } }

// WithCache sets the shared blacklist cache.
func WithCache(bc BlacklistCache) Option { return func(c *Controls) { c.cache = bc } }

// WithRepository sets the blacklist and event repository.
func WithRepository(r Repository) Option { return func(c *Controls) { c.repo = r } }

// NewControls creates the safety controls.
func NewControls(config Config, opts ...Option) *Controls {
	c := &Controls{
		config:       config,
		now:          time.Now,
		breakers:     make(map[BreakerType]*breaker, len(AllBreakers)),
		cooldowns:    make(map[string]time.Time),
		blacklist:    make(map[string]BlacklistEntry),
		canaryPassed: make(map[string]time.Time),
	}
	for _, bt := range AllBreakers {
		c.breakers[bt] = newBreaker(bt, config.Breakers[bt])
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetOnEvent sets a callback fired for every safety event.
func (c *Controls) SetOnEvent(fn func(Event)) {
	c.mu.Lock()
	c.onEvent = fn
	c.mu.Unlock()
}

// LoadBlacklist warms the in-memory blacklist from the repository.
func (c *Controls) LoadBlacklist(ctx context.Context) error {
	if c.repo == nil {
		return nil
	}
	entries, err := c.repo.GetActiveBlacklistedTokens(ctx)
	if err != nil {
		return fmt.Errorf("load blacklist: %w", err)
	}
	now := c.now()
	c.mu.Lock()
	for _, e := range entries {
		if e.Active(now) {
			c.blacklist[e.Key()] = e
		}
	}
	n := len(c.blacklist)
	c.mu.Unlock()
	log.Info().Int("entries", n).Msg("safety: blacklist loaded")
	return nil
}

// Check evaluates a trade without reserving anything.
func (c *Controls) Check(ctx context.Context, req TradeRequest) Decision {
	return c.decide(ctx, req, false)
}

// Authorize evaluates a trade and, if allowed, reserves its spend, starts
// the token cooldown and counts it toward the rate breakers. A failed trade
// must be reported through RecordTrade to release the spend.
func (c *Controls) Authorize(ctx context.Context, req TradeRequest) Decision {
	return c.decide(ctx, req, true)
}

func (c *Controls) decide(ctx context.Context, req TradeRequest, reserve bool) Decision {
	d := Decision{Allowed: true, Timestamp: c.now().UnixMicro()}

	// Emergency stop first, lock-free.
	if c.stopped.Load() {
		d.Allowed = false
		d.ReasonCodes = append(d.ReasonCodes, "KILL_SWITCH_ACTIVE")
		c.denied.Add(1)
		log.Warn().Str("token", req.TokenAddress).Msg("safety: DENY (emergency stop)")
		return d
	}

	cached := c.cachedEntry(ctx, req.Chain, req.TokenAddress)

	now := c.now()
	var events []Event

	c.mu.Lock()
	for _, bt := range AllBreakers {
		open, reset := c.breakers[bt].isOpen(now)
		if reset {
			events = append(events, breakerResetEvent(bt, "cooldown elapsed"))
		}
		if open {
			d.ReasonCodes = append(d.ReasonCodes, "BREAKER_OPEN:"+string(bt))
		}
	}

	key := TokenKey(req.Chain, req.TokenAddress)
	if e, ok := c.activeEntryLocked(key, now); ok {
		d.ReasonCodes = append(d.ReasonCodes, "TOKEN_BLACKLISTED:"+string(e.Reason))
	} else if cached != nil && cached.Active(now) {
		c.blacklist[key] = *cached
		d.ReasonCodes = append(d.ReasonCodes, "TOKEN_BLACKLISTED:"+string(cached.Reason))
	}

	if until, ok := c.cooldowns[key]; ok {
		if now.Before(until) {
			d.ReasonCodes = append(d.ReasonCodes,
				fmt.Sprintf("TOKEN_COOLDOWN:remaining=%ds", int(until.Sub(now).Seconds()+0.5)))
		} else {
			delete(c.cooldowns, key)
		}
	}

	d.ReasonCodes = append(d.ReasonCodes, c.spendViolationsLocked(req, now)...)
	d.Allowed = len(d.ReasonCodes) == 0

	if d.Allowed && reserve {
		c.spend = append(c.spend, spendEntry{id: req.ID, chain: req.Chain, amount: req.AmountUSD, at: now})
		if c.config.TokenCooldownSec > 0 {
			c.cooldowns[key] = now.Add(time.Duration(c.config.TokenCooldownSec) * time.Second)
		}
		if c.breakers[BreakerRapidTrading].record(now, 1) {
			events = append(events, c.tripEventLocked(BreakerRapidTrading, now))
		}
		if req.RiskScore >= c.config.HighRiskScore {
			if c.breakers[BreakerHighRiskTokenRate].record(now, 1) {
				events = append(events, c.tripEventLocked(BreakerHighRiskTokenRate, now))
			}
		}
	}
	c.mu.Unlock()

	c.emit(ctx, events...)

	if d.Allowed {
		c.allowed.Add(1)
		log.Debug().Str("id", req.ID).Str("token", req.TokenAddress).Msg("safety: ALLOW")
	} else {
		c.denied.Add(1)
		log.Warn().
			Str("id", req.ID).
			Str("chain", req.Chain).
			Str("token", req.TokenAddress).
			Strs("reasons", d.ReasonCodes).
			Msg("safety: DENY")
	}
	return d
}

func (c *Controls) cachedEntry(ctx context.Context, chain, token string) *BlacklistEntry {
	if c.cache == nil {
		return nil
	}
	c.mu.Lock()
	_, known := c.activeEntryLocked(TokenKey(chain, token), c.now())
	c.mu.Unlock()
	if known {
		return nil
	}
	sctx, cancel := c.storeContext(ctx)
	defer cancel()
	e, err := c.cache.Get(sctx, chain, token)
	if err != nil {
		log.Warn().Err(err).Str("token", token).Msg("safety: blacklist cache lookup failed")
		return nil
	}
	return e
}

func (c *Controls) activeEntryLocked(key string, now time.Time) (BlacklistEntry, bool) {
	e, ok := c.blacklist[key]
	if !ok {
		return BlacklistEntry{}, false
	}
	if !e.Active(now) {
		delete(c.blacklist, key)
		return BlacklistEntry{}, false
	}
	return e, true
}

func (c *Controls) limitsFor(chain string) SpendLimits {
	if l, ok := c.config.ChainLimits[chain]; ok {
		return l
	}
	return c.config.DefaultLimits
}

func (c *Controls) spendViolationsLocked(req TradeRequest, now time.Time) []string {
	c.pruneSpendLocked(now)
	limits := c.limitsFor(req.Chain)
	amount := req.AmountUSD
	var codes []string

	if limits.PerTradeUSD > 0 && amount.GreaterThan(decimal.NewFromFloat(limits.PerTradeUSD)) {
		codes = append(codes, fmt.Sprintf("PER_TRADE_LIMIT:amount=%s,limit=%.2f", amount.StringFixed(2), limits.PerTradeUSD))
	}
	daily, weekly := c.spentLocked(req.Chain, now)
	if limits.DailyUSD > 0 && daily.Add(amount).GreaterThan(decimal.NewFromFloat(limits.DailyUSD)) {
		codes = append(codes, fmt.Sprintf("DAILY_SPEND_LIMIT:spent=%s,amount=%s,limit=%.2f",
			daily.StringFixed(2), amount.StringFixed(2), limits.DailyUSD))
	}
	if limits.WeeklyUSD > 0 && weekly.Add(amount).GreaterThan(decimal.NewFromFloat(limits.WeeklyUSD)) {
		codes = append(codes, fmt.Sprintf("WEEKLY_SPEND_LIMIT:spent=%s,amount=%s,limit=%.2f",
			weekly.StringFixed(2), amount.StringFixed(2), limits.WeeklyUSD))
	}
	return codes
}

func (c *Controls) spentLocked(chain string, now time.Time) (daily, weekly decimal.Decimal) {
	dayAgo := now.Add(-24 * time.Hour)
	for _, e := range c.spend {
		if e.chain != chain {
			continue
		}
		weekly = weekly.Add(e.amount)
		if e.at.After(dayAgo) {
			daily = daily.Add(e.amount)
		}
	}
	return daily, weekly
}

func (c *Controls) pruneSpendLocked(now time.Time) {
	cutoff := now.Add(-7 * 24 * time.Hour)
	i := 0
	for i < len(c.spend) && !c.spend[i].at.After(cutoff) {
		i++
	}
	c.spend = c.spend[i:]
}

// RecordTrade feeds a trade outcome into the breakers. Failed trades
// release their reserved spend.
func (c *Controls) RecordTrade(ctx context.Context, res TradeResult) {
	now := c.now()
	var events []Event

	c.mu.Lock()
	trip := func(bt BreakerType, v float64) {
		if c.breakers[bt].record(now, v) {
			events = append(events, c.tripEventLocked(bt, now))
		}
	}
	if res.Success {
		c.breakers[BreakerConsecutiveFailures].clearSamples()
		if res.PnLUSD.IsNegative() {
			trip(BreakerDailyLoss, res.PnLUSD.Neg().InexactFloat64())
		}
	} else {
		c.releaseSpendLocked(res.ID)
		trip(BreakerConsecutiveFailures, 1)
		switch res.Failure {
		case FailureNetwork:
			trip(BreakerNetworkIssues, 1)
		case FailureLiquidity:
			trip(BreakerLiquidityShortage, 1)
		}
	}
	c.mu.Unlock()

	c.emit(ctx, events...)
}

func (c *Controls) releaseSpendLocked(id string) {
	if id == "" {
		return
	}
	for i, e := range c.spend {
		if e.id == id {
			c.spend = append(c.spend[:i], c.spend[i+1:]...)
			return
		}
	}
}

func (c *Controls) tripEventLocked(bt BreakerType, now time.Time) Event {
	b := c.breakers[bt]
	return Event{
		Type:     EventBreakerTripped,
		Severity: "CRITICAL",
		Breaker:  bt,
		Description: fmt.Sprintf("%s tripped: value=%.2f threshold=%.2f, cooldown until %s",
			bt, b.total(), b.config.Threshold, now.Add(b.cooldown()).UTC().Format(time.RFC3339)),
	}
}

func breakerResetEvent(bt BreakerType, why string) Event {
	return Event{
		Type:        EventBreakerReset,
		Severity:    "INFO",
		Breaker:     bt,
		Description: fmt.Sprintf("%s reset: %s", bt, why),
	}
}

// ResetBreaker manually closes a breaker.
func (c *Controls) ResetBreaker(ctx context.Context, bt BreakerType) error {
	c.mu.Lock()
	b, ok := c.breakers[bt]
	if ok {
		b.reset()
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("safety: unknown breaker %q", bt)
	}
	c.emit(ctx, breakerResetEvent(bt, "manual"))
	return nil
}

// EmergencyStop halts all trading until Resume.
func (c *Controls) EmergencyStop(ctx context.Context, reason string) {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	c.stopReason = reason
	c.mu.Unlock()
	log.Error().Str("reason", reason).Msg("safety: EMERGENCY STOP - all trading halted")
	c.emit(ctx, Event{Type: EventEmergencyStop, Severity: "CRITICAL", Description: reason})
}

// Resume lifts the emergency stop.
func (c *Controls) Resume(ctx context.Context) {
	if !c.stopped.CompareAndSwap(true, false) {
		return
	}
	c.mu.Lock()
	c.stopReason = ""
	c.mu.Unlock()
	log.Info().Msg("safety: trading resumed")
	c.emit(ctx, Event{Type: EventResumed, Severity: "INFO", Description: "emergency stop lifted"})
}

// Stopped reports whether the emergency stop is active.
func (c *Controls) Stopped() bool {
	return c.stopped.Load()
}

// Blacklist adds a token to every blacklist tier. The in-memory entry is
// always applied; cache and repository failures are returned joined.
func (c *Controls) Blacklist(ctx context.Context, entry BlacklistEntry) error {
	now := c.now()
	if entry.AddedAt.IsZero() {
		entry.AddedAt = now
	}
	if entry.ExpiresAt.IsZero() && c.config.BlacklistTTLHours > 0 {
		entry.ExpiresAt = entry.AddedAt.Add(time.Duration(c.config.BlacklistTTLHours) * time.Hour)
	}

	c.mu.Lock()
	c.blacklist[entry.Key()] = entry
	delete(c.canaryPassed, entry.Key())
	c.mu.Unlock()

	log.Warn().
		Str("chain", entry.Chain).
		Str("token", entry.TokenAddress).
		Str("reason", string(entry.Reason)).
		Str("details", entry.Details).
		Msg("safety: token blacklisted")

	var errs []error
	sctx, cancel := c.storeContext(ctx)
	defer cancel()
	if c.cache != nil {
		if err := c.cache.Set(sctx, entry); err != nil {
			errs = append(errs, fmt.Errorf("blacklist cache: %w", err))
		}
	}
	if c.repo != nil {
		if err := c.repo.AddBlacklistedToken(sctx, entry); err != nil {
			errs = append(errs, fmt.Errorf("blacklist repository: %w", err))
		}
	}

	c.emit(ctx, Event{
		Type:         EventTokenBlacklisted,
		Severity:     "WARN",
		Chain:        entry.Chain,
		TokenAddress: entry.TokenAddress,
		Description:  fmt.Sprintf("%s: %s", entry.Reason, entry.Details),
	})
	return errors.Join(errs...)
}

// Unblacklist removes a token from memory and the cache, and deactivates
// the repository row when the repository supports it.
func (c *Controls) Unblacklist(ctx context.Context, chain, token string) error {
	c.mu.Lock()
	delete(c.blacklist, TokenKey(chain, token))
	c.mu.Unlock()

	var errs []error
	sctx, cancel := c.storeContext(ctx)
	defer cancel()
	if c.cache != nil {
		if err := c.cache.Delete(sctx, chain, token); err != nil {
			errs = append(errs, fmt.Errorf("blacklist cache: %w", err))
		}
	}
	if r, ok := c.repo.(blacklistRemover); ok {
		if err := r.RemoveBlacklistedToken(sctx, chain, token); err != nil {
			errs = append(errs, fmt.Errorf("blacklist repository: %w", err))
		}
	}
	log.Info().Str("chain", chain).Str("token", token).Msg("safety: token unblacklisted")
	return errors.Join(errs...)
}

// IsBlacklisted checks memory, then the shared cache.
func (c *Controls) IsBlacklisted(ctx context.Context, chain, token string) (BlacklistEntry, bool) {
	now := c.now()
	key := TokenKey(chain, token)
	c.mu.Lock()
	e, ok := c.activeEntryLocked(key, now)
	c.mu.Unlock()
	if ok {
		return e, true
	}
	if cached := c.cachedEntry(ctx, chain, token); cached != nil && cached.Active(now) {
		c.mu.Lock()
		c.blacklist[key] = *cached
		c.mu.Unlock()
		return *cached, true
	}
	return BlacklistEntry{}, false
}

func (c *Controls) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := time.Duration(c.config.StoreTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// emit logs, persists and forwards safety events. Called without c.mu held.
func (c *Controls) emit(ctx context.Context, events ...Event) {
	if len(events) == 0 {
		return
	}
	c.mu.Lock()
	fn := c.onEvent
	c.mu.Unlock()

	for _, ev := range events {
		ev.ID = uuid.New().String()
		ev.At = c.now()

		evt := log.Info()
		if ev.Severity == "CRITICAL" {
			evt = log.Error()
		}
		evt.Str("type", string(ev.Type)).
			Str("breaker", string(ev.Breaker)).
			Str("token", ev.TokenAddress).
			Str("description", ev.Description).
			Msg("safety: event")

		if c.repo != nil {
			sctx, cancel := c.storeContext(ctx)
			if err := c.repo.LogSafetyEvent(sctx, ev); err != nil {
				log.Warn().Err(err).Str("type", string(ev.Type)).Msg("safety: failed to persist event")
			}
			cancel()
		}
		if fn != nil {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Error().Interface("panic", r).Msg("safety: event callback panicked")
					}
				}()
				fn(ev)
			}()
		}
	}
}

// SpendStatus is per-chain spend in the rolling windows.
type SpendStatus struct {
	Daily  decimal.Decimal `json:"daily"`
	Weekly decimal.Decimal `json:"weekly"`
	Limits SpendLimits     `json:"limits"`
}

// Stats holds safety statistics.
type Stats struct {
	EmergencyStop  bool                   `json:"emergency_stop"`
	StopReason     string                 `json:"stop_reason,omitempty"`
	Breakers       []BreakerStatus        `json:"breakers"`
	Blacklisted    int                    `json:"blacklisted"`
	Cooldowns      int                    `json:"cooldowns"`
	Spend          map[string]SpendStatus `json:"spend"`
	Allowed        int64                  `json:"allowed"`
	Denied         int64                  `json:"denied"`
	Canaries       int64                  `json:"canaries"`
	CanaryFailures int64                  `json:"canary_failures"`
}

// Stats returns a snapshot.
func (c *Controls) Stats() Stats {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneSpendLocked(now)
	s := Stats{
		EmergencyStop:  c.stopped.Load(),
		StopReason:     c.stopReason,
		Blacklisted:    len(c.blacklist),
		Cooldowns:      len(c.cooldowns),
		Spend:          make(map[string]SpendStatus),
		Allowed:        c.allowed.Load(),
		Denied:         c.denied.Load(),
		Canaries:       c.canaries.Load(),
		CanaryFailures: c.canaryFailures.Load(),
	}
	for _, bt := range AllBreakers {
		s.Breakers = append(s.Breakers, c.breakers[bt].status(now))
	}
	for _, e := range c.spend {
		if _, ok := s.Spend[e.chain]; ok {
			continue
		}
		d, w := c.spentLocked(e.chain, now)
		s.Spend[e.chain] = SpendStatus{Daily: d, Weekly: w, Limits: c.limitsFor(e.chain)}
	}
	return s
}
