package safety

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-trading/dexsniper/internal/execution"
	"github.com/nexus-trading/dexsniper/internal/honeypot"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Canary Test
// Micro buy followed by a full sell of what was received. A token that
// cannot be sold, or that eats more than MaxLossPct of the round trip, is
// blacklisted and its fingerprint goes into the honeypot registry.
// ---------------------------------------------------------------------------

// CanaryConfig configures canary trades.
type CanaryConfig struct {
	Enabled    bool    `yaml:"enabled"`
	AmountUSD  float64 `yaml:"amount_usd"`   // micro buy size (default 5)
	MaxLossPct float64 `yaml:"max_loss_pct"` // round-trip loss that counts as a tax trap (default 30)
	TimeoutMs  int     `yaml:"timeout_ms"`   // default 15000
	PassTTLMin int     `yaml:"pass_ttl_min"` // reuse a pass for this long (default 60)
}

// DefaultCanaryConfig returns defaults.
func DefaultCanaryConfig() CanaryConfig {
	return CanaryConfig{
		Enabled:    true,
		AmountUSD:  5,
		MaxLossPct: 30,
		TimeoutMs:  15000,
		PassTTLMin: 60,
	}
}

// CanaryRequest identifies the token to probe.
type CanaryRequest struct {
	Chain        string
	DexID        string
	PairAddress  string
	TokenAddress string
	ContractCode []byte // optional, enables fingerprinting
}

// CanaryResult is the outcome of a canary test.
type CanaryResult struct {
	Passed     bool            `json:"passed"`
	Cached     bool            `json:"cached"`
	Transient  bool            `json:"transient"` // failed for reasons unrelated to the token
	Reason     BlacklistReason `json:"reason,omitempty"`
	LossPct    float64         `json:"loss_pct"`
	Buy        *execution.Fill `json:"buy,omitempty"`
	Sell       *execution.Fill `json:"sell,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

// Canary runs (or reuses) a canary test for a token.
func (c *Controls) Canary(ctx context.Context, req CanaryRequest) CanaryResult {
	start := time.Now()
	key := TokenKey(req.Chain, req.TokenAddress)

	if e, ok := c.IsBlacklisted(ctx, req.Chain, req.TokenAddress); ok {
		return CanaryResult{Reason: e.Reason, Error: "token is blacklisted"}
	}

	c.mu.Lock()
	passedAt, ok := c.canaryPassed[key]
	c.mu.Unlock()
	if ok && c.now().Sub(passedAt) < time.Duration(c.config.Canary.PassTTLMin)*time.Minute {
		return CanaryResult{Passed: true, Cached: true}
	}

	if c.executor == nil {
		return CanaryResult{Transient: true, Error: "no executor configured"}
	}

	c.canaries.Add(1)
	timeout := time.Duration(c.config.Canary.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	amount := decimal.NewFromFloat(c.config.Canary.AmountUSD)
	res := CanaryResult{}

	buy, err := c.executor.Execute(cctx, execution.SwapRequest{
		ID:           "canary-" + uuid.New().String(),
		Chain:        req.Chain,
		DexID:        req.DexID,
		PairAddress:  req.PairAddress,
		TokenAddress: req.TokenAddress,
		Side:         execution.SideBuy,
		AmountIn:     amount,
	})
	if err != nil {
		res = c.canaryFailed(ctx, req, res, err, ReasonCanaryFailed, honeypot.KindTradingPaused, "buy")
		res.DurationMs = time.Since(start).Milliseconds()
		return res
	}
	res.Buy = &buy

	sell, err := c.executor.Execute(cctx, execution.SwapRequest{
		ID:           "canary-" + uuid.New().String(),
		Chain:        req.Chain,
		DexID:        req.DexID,
		PairAddress:  req.PairAddress,
		TokenAddress: req.TokenAddress,
		Side:         execution.SideSell,
		AmountIn:     buy.AmountOut,
	})
	if err != nil {
		reason := ReasonCanaryFailed
		if errors.Is(err, execution.ErrSellBlocked) {
			reason = ReasonHoneypot
		}
		res = c.canaryFailed(ctx, req, res, err, reason, honeypot.KindSellBlocked, "sell")
		res.DurationMs = time.Since(start).Milliseconds()
		return res
	}
	res.Sell = &sell

	res.LossPct = amount.Sub(sell.AmountOut).Div(amount).Mul(decimal.NewFromInt(100)).InexactFloat64()
	res.DurationMs = time.Since(start).Milliseconds()

	if res.LossPct > c.config.Canary.MaxLossPct {
		res = c.canaryFailed(ctx, req, res,
			fmt.Errorf("round-trip loss %.1f%% exceeds %.1f%%", res.LossPct, c.config.Canary.MaxLossPct),
			ReasonHighTax, honeypot.KindHighTax, "round trip")
		return res
	}

	c.mu.Lock()
	c.canaryPassed[key] = c.now()
	c.mu.Unlock()
	res.Passed = true

	log.Info().
		Str("chain", req.Chain).
		Str("token", req.TokenAddress).
		Float64("loss_pct", res.LossPct).
		Int64("duration_ms", res.DurationMs).
		Msg("safety: canary passed")
	return res
}

// canaryFailed classifies a failure. Transient errors (network, timeouts)
// do not blacklist the token.
func (c *Controls) canaryFailed(ctx context.Context, req CanaryRequest, res CanaryResult, err error,
	reason BlacklistReason, kind honeypot.Kind, stage string) CanaryResult {

	res.Error = fmt.Sprintf("%s: %v", stage, err)
	if errors.Is(err, execution.ErrNetwork) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		res.Transient = true
		log.Warn().Err(err).Str("token", req.TokenAddress).Str("stage", stage).Msg("safety: canary inconclusive")
		return res
	}

	c.canaryFailures.Add(1)
	res.Reason = reason

	if berr := c.Blacklist(ctx, BlacklistEntry{
		Chain:        req.Chain,
		TokenAddress: req.TokenAddress,
		Reason:       reason,
		Details:      "canary " + res.Error,
	}); berr != nil {
		log.Warn().Err(berr).Str("token", req.TokenAddress).Msg("safety: blacklist persistence incomplete")
	}
	if c.registry != nil {
		c.registry.Record(honeypot.Sample{
			Chain:        req.Chain,
			TokenAddress: req.TokenAddress,
			ContractCode: req.ContractCode,
			Kind:         kind,
			DetectedBy:   "canary",
		})
	}

	c.emit(ctx, Event{
		Type:         EventCanaryFailed,
		Severity:     "WARN",
		Chain:        req.Chain,
		TokenAddress: req.TokenAddress,
		Description:  res.Error,
	})
	return res
}
