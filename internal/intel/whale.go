package intel

import (
	"math"
	"sort"
	"strings"
	"time"
)

// WhaleAction classifies a whale transaction.
type WhaleAction string

const (
	ActionAccumulation WhaleAction = "ACCUMULATION"
	ActionDistribution WhaleAction = "DISTRIBUTION"
	ActionRotation     WhaleAction = "ROTATION"
)

// Direction is the predicted short-term price direction.
type Direction string

const (
	DirectionBullish Direction = "BULLISH"
	DirectionBearish Direction = "BEARISH"
	DirectionNeutral Direction = "NEUTRAL"
)

// DefaultWhaleThresholds are the per-chain USD sizes above which a
// transaction counts as a whale move.
var DefaultWhaleThresholds = map[string]float64{
	"ethereum": 100_000,
	"bsc":      50_000,
	"polygon":  25_000,
	"base":     25_000,
	"arbitrum": 50_000,
	"solana":   50_000,
}

const defaultWhaleThreshold = 50_000

// WhaleTx is a transaction above the whale threshold.
type WhaleTx struct {
	Transaction
	Action WhaleAction `json:"action"`
	Impact float64     `json:"impact"` // estimated price impact, fraction
}

// WhaleResult summarizes whale flow for a token.
type WhaleResult struct {
	WhaleTxCount        int         `json:"whale_tx_count"`
	Transactions        []WhaleTx   `json:"transactions,omitempty"`
	AccumulationUSD     float64     `json:"accumulation_usd"`
	DistributionUSD     float64     `json:"distribution_usd"`
	NetFlowUSD          float64     `json:"net_flow_usd"`
	DominantAction      WhaleAction `json:"dominant_action,omitempty"`
	Coordinated         bool        `json:"coordinated"`
	ManipulationRisk    float64     `json:"manipulation_risk"` // 0-1
	Direction           Direction   `json:"direction"`
	DirectionConfidence float64     `json:"direction_confidence"` // 0-1
	ActivityScore       float64     `json:"activity_score"`       // 0-100
}

// WhaleThreshold returns the USD threshold for a chain.
func WhaleThreshold(thresholds map[string]float64, chain string) float64 {
	if t, ok := thresholds[strings.ToLower(chain)]; ok && t > 0 {
		return t
	}
	return defaultWhaleThreshold
}

// ClassifyWhaleAction maps a transaction type string to an action.
func ClassifyWhaleAction(txType string) WhaleAction {
	s := strings.ToLower(txType)
	switch {
	case strings.Contains(s, "buy"), strings.Contains(s, "purchase"),
		strings.Contains(s, "accumulate"), strings.Contains(s, "add_liquidity"):
		return ActionAccumulation
	case strings.Contains(s, "sell"), strings.Contains(s, "dump"),
		strings.Contains(s, "remove_liquidity"), strings.Contains(s, "withdraw"):
		return ActionDistribution
	default:
		return ActionRotation
	}
}

// EstimateImpact estimates price impact as sqrt(trade/pool)*0.1.
func EstimateImpact(tradeUSD, poolLiquidityUSD float64) float64 {
	if poolLiquidityUSD <= 0 || tradeUSD <= 0 {
		return 0
	}
	return math.Sqrt(tradeUSD/poolLiquidityUSD) * 0.1
}

// TrackWhales filters whale transactions and derives flow, coordination,
// manipulation risk and a direction prediction.
func TrackWhales(txs []Transaction, threshold, poolLiquidityUSD float64) WhaleResult {
	res := WhaleResult{Direction: DirectionNeutral}

	for _, tx := range txs {
		if tx.AmountUSD < threshold {
			continue
		}
		wt := WhaleTx{
			Transaction: tx,
			Action:      ClassifyWhaleAction(tx.Type),
			Impact:      EstimateImpact(tx.AmountUSD, poolLiquidityUSD),
		}
		res.Transactions = append(res.Transactions, wt)
		switch wt.Action {
		case ActionAccumulation:
			res.AccumulationUSD += tx.AmountUSD
		case ActionDistribution:
			res.DistributionUSD += tx.AmountUSD
		}
	}
	res.WhaleTxCount = len(res.Transactions)
	if res.WhaleTxCount == 0 {
		return res
	}

	sort.Slice(res.Transactions, func(i, j int) bool {
		return res.Transactions[i].Timestamp.Before(res.Transactions[j].Timestamp)
	})

	res.NetFlowUSD = res.AccumulationUSD - res.DistributionUSD
	switch {
	case res.AccumulationUSD > res.DistributionUSD:
		res.DominantAction = ActionAccumulation
	case res.DistributionUSD > res.AccumulationUSD:
		res.DominantAction = ActionDistribution
	default:
		res.DominantAction = ActionRotation
	}

	res.Coordinated = whalesCoordinated(res.Transactions)
	res.ManipulationRisk = manipulationRisk(res.Transactions)

	gross := res.AccumulationUSD + res.DistributionUSD
	if gross > 0 {
		res.DirectionConfidence = math.Abs(res.NetFlowUSD) / gross
	}
	switch {
	case res.NetFlowUSD > 0:
		res.Direction = DirectionBullish
	case res.NetFlowUSD < 0:
		res.Direction = DirectionBearish
	}

	volumeTerm := 10 * math.Min(gross/threshold, 5)
	res.ActivityScore = math.Min(100, 15*float64(res.WhaleTxCount)+volumeTerm)
	return res
}

// whalesCoordinated is true when 3 or more whale transactions of the same
// action fall in one UTC hour bucket.
func whalesCoordinated(txs []WhaleTx) bool {
	type key struct {
		hour   int64
		action WhaleAction
	}
	counts := make(map[key]int)
	for _, tx := range txs {
		k := key{tx.Timestamp.UTC().Truncate(time.Hour).Unix(), tx.Action}
		counts[k]++
		if counts[k] >= 3 {
			return true
		}
	}
	return false
}

// manipulationRisk blends rapid succession (<5 min gaps), unusual timing
// (02:00-05:59 UTC) and high impact (>2%) shares. txs must be time sorted.
func manipulationRisk(txs []WhaleTx) float64 {
	n := len(txs)
	if n == 0 {
		return 0
	}
	var rapid, unusual, impact int
	for i, tx := range txs {
		if i > 0 && tx.Timestamp.Sub(txs[i-1].Timestamp) < 5*time.Minute {
			rapid++
		}
		if h := tx.Timestamp.UTC().Hour(); h >= 2 && h < 6 {
			unusual++
		}
		if tx.Impact > 0.02 {
			impact++
		}
	}
	rapidShare := 0.0
	if n > 1 {
		rapidShare = float64(rapid) / float64(n-1)
	}
	risk := 0.4*rapidShare + 0.2*float64(unusual)/float64(n) + 0.4*float64(impact)/float64(n)
	return math.Max(0, math.Min(1, risk))
}

// whaleComponent maps whale flow to a 0-100 opportunity score centered on 50.
func whaleComponent(w WhaleResult) float64 {
	sign := 0.0
	switch w.Direction {
	case DirectionBullish:
		sign = 1
	case DirectionBearish:
		sign = -1
	}
	return math.Max(0, math.Min(100, 50+sign*w.DirectionConfidence*w.ActivityScore/2))
}
