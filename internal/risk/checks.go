package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ChainClient is the capability handle a chain exposes to the risk checks.
type ChainClient interface {
	ContractInfo(ctx context.Context, token string) (ContractInfo, error)
	SimulateTrade(ctx context.Context, token string, amount decimal.Decimal) (TradeSimulation, error)
	LiquidityInfo(ctx context.Context, token string) (LiquidityInfo, error)
	HolderInfo(ctx context.Context, token string) (HolderInfo, error)
}

// ContractInfo describes a token contract.
type ContractInfo struct {
	Code                 []byte
	Verified             bool
	IsProxy              bool
	OwnerRenounced       bool
	CanMint              bool
	CanPause             bool
	CanChangeFees        bool
	HasBlacklistFunction bool
	TradingEnabled       bool
}

// TradeSimulation is the result of a simulated buy followed by a sell.
type TradeSimulation struct {
	CanBuy     bool
	CanSell    bool
	BuyTaxPct  float64
	SellTaxPct float64
}

// LiquidityInfo describes the token's main pool.
type LiquidityInfo struct {
	LiquidityUSD decimal.Decimal
	LockedPct    float64
	LockedUntil  time.Time
}

// HolderInfo describes the holder distribution.
type HolderInfo struct {
	DevPct   float64
	Top10Pct float64
	Holders  int
}

// probe lazily fetches chain data once per assessment and shares it
// between the checks running concurrently.
type probe struct {
	token    string
	amount   decimal.Decimal
	contract func() (ContractInfo, error)
	sim      func() (TradeSimulation, error)
	liq      func() (LiquidityInfo, error)
	holders  func() (HolderInfo, error)
}

func newProbe(ctx context.Context, client ChainClient, token string, amount decimal.Decimal) *probe {
	return &probe{
		token:  token,
		amount: amount,
		contract: sync.OnceValues(func() (ContractInfo, error) {
			return client.ContractInfo(ctx, token)
		}),
		sim: sync.OnceValues(func() (TradeSimulation, error) {
			return client.SimulateTrade(ctx, token, amount)
		}),
		liq: sync.OnceValues(func() (LiquidityInfo, error) {
			return client.LiquidityInfo(ctx, token)
		}),
		holders: sync.OnceValues(func() (HolderInfo, error) {
			return client.HolderInfo(ctx, token)
		}),
	}
}

// check produces one factor.
type check struct {
	category Category
	run      func(p *probe) (Factor, error)
}

func (a *Assessor) buildChecks() []check {
	return []check{
		{CategoryHoneypot, a.checkHoneypot},
		{CategoryTax, checkTax},
		{CategoryLiquidity, checkLiquidity},
		{CategoryOwnerPrivileges, checkOwnerPrivileges},
		{CategoryProxy, checkProxy},
		{CategoryLPLock, checkLPLock},
		{CategoryUnverified, checkVerification},
		{CategoryTradingDisabled, checkTradingEnabled},
		{CategoryBlacklistFunction, checkBlacklistFunction},
		{CategoryDevConcentration, checkDevConcentration},
	}
}

func (a *Assessor) checkHoneypot(p *probe) (Factor, error) {
	if a.registry != nil {
		if info, err := p.contract(); err == nil {
			if sig := a.registry.Match(info.Code); sig != nil {
				return NewFactor(CategoryHoneypot, 0.95, sig.Confidence,
					fmt.Sprintf("contract matches known honeypot %s (%s)", sig.ID, sig.Kind)), nil
			}
		}
	}

	sim, err := p.sim()
	if err != nil {
		return Factor{}, fmt.Errorf("simulate trade: %w", err)
	}
	switch {
	case sim.CanBuy && !sim.CanSell:
		return NewFactor(CategoryHoneypot, 1.0, 0.95, "sell simulation reverted"), nil
	case sim.SellTaxPct >= 90:
		return NewFactor(CategoryHoneypot, 0.9, 0.9, fmt.Sprintf("sell tax %.1f%% makes exit impossible", sim.SellTaxPct)), nil
	case sim.SellTaxPct-sim.BuyTaxPct >= 25:
		return NewFactor(CategoryHoneypot, 0.6, 0.7, fmt.Sprintf("sell tax %.1f%% far above buy tax %.1f%%", sim.SellTaxPct, sim.BuyTaxPct)), nil
	}
	return NewFactor(CategoryHoneypot, 0.05, 0.9, "buy and sell simulation succeeded"), nil
}

func checkTax(p *probe) (Factor, error) {
	sim, err := p.sim()
	if err != nil {
		return Factor{}, fmt.Errorf("simulate trade: %w", err)
	}
	tax := math.Max(sim.BuyTaxPct, sim.SellTaxPct)
	var score float64
	switch {
	case tax <= 5:
		score = 0.1
	case tax <= 10:
		score = 0.3
	case tax <= 20:
		score = 0.6
	case tax <= 50:
		score = 0.85
	default:
		score = 1.0
	}
	return NewFactor(CategoryTax, score, 0.9, fmt.Sprintf("buy tax %.1f%%, sell tax %.1f%%", sim.BuyTaxPct, sim.SellTaxPct)), nil
}

func checkLiquidity(p *probe) (Factor, error) {
	liq, err := p.liq()
	if err != nil {
		return Factor{}, fmt.Errorf("liquidity info: %w", err)
	}
	usd := liq.LiquidityUSD.InexactFloat64()
	var score float64
	switch {
	case usd >= 100_000:
		score = 0.05
	case usd >= 50_000:
		score = 0.15
	case usd >= 10_000:
		score = 0.35
	case usd >= 5_000:
		score = 0.55
	case usd >= 1_000:
		score = 0.8
	default:
		score = 1.0
	}
	desc := fmt.Sprintf("pool liquidity $%s", liq.LiquidityUSD.StringFixed(0))
	if usd > 0 && p.amount.IsPositive() {
		impact := p.amount.InexactFloat64() / usd
		if impact > 0.05 {
			score += 0.2
			desc += fmt.Sprintf(", trade is %.1f%% of pool", impact*100)
		}
	}
	return NewFactor(CategoryLiquidity, score, 0.85, desc), nil
}

func checkOwnerPrivileges(p *probe) (Factor, error) {
	info, err := p.contract()
	if err != nil {
		return Factor{}, fmt.Errorf("contract info: %w", err)
	}
	if info.OwnerRenounced {
		return NewFactor(CategoryOwnerPrivileges, 0.05, 0.85, "ownership renounced"), nil
	}
	var privileges []string
	if info.CanMint {
		privileges = append(privileges, "mint")
	}
	if info.CanPause {
		privileges = append(privileges, "pause")
	}
	if info.CanChangeFees {
		privileges = append(privileges, "change_fees")
	}
	if info.HasBlacklistFunction {
		privileges = append(privileges, "blacklist")
	}
	score := 0.2 + 0.2*float64(len(privileges))
	return NewFactor(CategoryOwnerPrivileges, score, 0.8, fmt.Sprintf("owner retains %v", privileges)), nil
}

func checkProxy(p *probe) (Factor, error) {
	info, err := p.contract()
	if err != nil {
		return Factor{}, fmt.Errorf("contract info: %w", err)
	}
	if info.IsProxy {
		return NewFactor(CategoryProxy, 0.6, 0.9, "upgradeable proxy, logic can change after purchase"), nil
	}
	return NewFactor(CategoryProxy, 0.05, 0.9, "not a proxy"), nil
}

func checkLPLock(p *probe) (Factor, error) {
	liq, err := p.liq()
	if err != nil {
		return Factor{}, fmt.Errorf("liquidity info: %w", err)
	}
	lockDays := time.Until(liq.LockedUntil).Hours() / 24
	switch {
	case liq.LockedPct >= 90 && lockDays >= 30:
		return NewFactor(CategoryLPLock, 0.05, 0.75, fmt.Sprintf("%.0f%% of LP locked for %.0f days", liq.LockedPct, lockDays)), nil
	case liq.LockedPct >= 50:
		return NewFactor(CategoryLPLock, 0.4, 0.75, fmt.Sprintf("%.0f%% of LP locked", liq.LockedPct)), nil
	case liq.LockedPct > 0:
		return NewFactor(CategoryLPLock, 0.7, 0.75, fmt.Sprintf("only %.0f%% of LP locked", liq.LockedPct)), nil
	}
	return NewFactor(CategoryLPLock, 0.9, 0.75, "LP not locked"), nil
}

func checkVerification(p *probe) (Factor, error) {
	info, err := p.contract()
	if err != nil {
		return Factor{}, fmt.Errorf("contract info: %w", err)
	}
	if !info.Verified {
		return NewFactor(CategoryUnverified, 0.7, 0.9, "source code not verified"), nil
	}
	return NewFactor(CategoryUnverified, 0.05, 0.9, "source code verified"), nil
}

func checkTradingEnabled(p *probe) (Factor, error) {
	info, err := p.contract()
	if err != nil {
		return Factor{}, fmt.Errorf("contract info: %w", err)
	}
	if !info.TradingEnabled {
		return NewFactor(CategoryTradingDisabled, 1.0, 0.95, "trading disabled by contract"), nil
	}
	sim, err := p.sim()
	if err == nil && !sim.CanBuy {
		return NewFactor(CategoryTradingDisabled, 0.9, 0.9, "buy simulation reverted"), nil
	}
	return NewFactor(CategoryTradingDisabled, 0.0, 0.95, "trading enabled"), nil
}

func checkBlacklistFunction(p *probe) (Factor, error) {
	info, err := p.contract()
	if err != nil {
		return Factor{}, fmt.Errorf("contract info: %w", err)
	}
	switch {
	case info.HasBlacklistFunction && info.OwnerRenounced:
		return NewFactor(CategoryBlacklistFunction, 0.3, 0.8, "blacklist function present, owner renounced"), nil
	case info.HasBlacklistFunction:
		return NewFactor(CategoryBlacklistFunction, 0.6, 0.8, "owner can blacklist holders"), nil
	}
	return NewFactor(CategoryBlacklistFunction, 0.05, 0.8, "no blacklist function"), nil
}

func checkDevConcentration(p *probe) (Factor, error) {
	h, err := p.holders()
	if err != nil {
		return Factor{}, fmt.Errorf("holder info: %w", err)
	}
	var score float64
	switch {
	case h.DevPct >= 50:
		score = 0.95
	case h.DevPct >= 20:
		score = 0.7
	case h.DevPct >= 10:
		score = 0.45
	case h.DevPct >= 5:
		score = 0.25
	default:
		score = 0.1
	}
	if h.Top10Pct >= 80 {
		score = math.Max(score, 0.6)
	}
	return NewFactor(CategoryDevConcentration, score, 0.8,
		fmt.Sprintf("dev holds %.1f%%, top10 hold %.1f%%", h.DevPct, h.Top10Pct)), nil
}
