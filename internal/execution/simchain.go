package execution

import (
	"context"
	"strings"

	"github.com/nexus-trading/dexsniper/internal/risk"
	"github.com/shopspring/decimal"
)

// SimulatedChain answers risk checks from the dry-run pools so the risk
// assessor can run without chain RPC. Contract and holder data are the
// configured profile, pool data is live simulator state.
type SimulatedChain struct {
	dry     *DryRunExecutor
	chain   string
	holders risk.HolderInfo
}

var _ risk.ChainClient = (*SimulatedChain)(nil)

// NewSimulatedChain serves chain from dry's pools.
func NewSimulatedChain(dry *DryRunExecutor, chain string) *SimulatedChain {
	return &SimulatedChain{
		dry:     dry,
		chain:   strings.ToLower(chain),
		holders: risk.HolderInfo{DevPct: 5, Top10Pct: 35, Holders: 250},
	}
}

// ContractInfo reports a verified, renounced contract. The code is the token
// address so honeypot fingerprints stay per token.
func (s *SimulatedChain) ContractInfo(_ context.Context, token string) (risk.ContractInfo, error) {
	return risk.ContractInfo{
		Code:           []byte(strings.ToLower(token)),
		Verified:       true,
		OwnerRenounced: true,
		TradingEnabled: true,
	}, nil
}

// SimulateTrade reports the pool's taxes and whether sells go through.
func (s *SimulatedChain) SimulateTrade(_ context.Context, token string, _ decimal.Decimal) (risk.TradeSimulation, error) {
	p, _ := s.dry.Pool(s.chain, token)
	return risk.TradeSimulation{
		CanBuy:     true,
		CanSell:    !p.SellBlocked,
		BuyTaxPct:  p.BuyTaxPct,
		SellTaxPct: p.SellTaxPct,
	}, nil
}

// LiquidityInfo reports total pool value. Unknown pools use the default size.
func (s *SimulatedChain) LiquidityInfo(_ context.Context, token string) (risk.LiquidityInfo, error) {
	p, ok := s.dry.Pool(s.chain, token)
	liq := decimal.NewFromFloat(s.dry.config.DefaultLiquidityUSD)
	if ok {
		liq = p.QuoteReserve.Mul(decimal.NewFromInt(2))
	}
	return risk.LiquidityInfo{LiquidityUSD: liq}, nil
}

// HolderInfo returns the configured holder profile.
func (s *SimulatedChain) HolderInfo(context.Context, string) (risk.HolderInfo, error) {
	return s.holders, nil
}
