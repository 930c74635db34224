package intel

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// PatternType names a suspicious coordination pattern.
type PatternType string

const (
	PatternPumpCoordination PatternType = "PUMP_COORDINATION"
	PatternWashTrading      PatternType = "WASH_TRADING"
	PatternBotCluster       PatternType = "BOT_CLUSTER"
)

// patternWeights scale alert confidence into the 0-100 risk score.
var patternWeights = map[PatternType]float64{
	PatternPumpCoordination: 1.0,
	PatternWashTrading:      0.9,
	PatternBotCluster:       0.8,
}

var commonDenominations = []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000}

// CoordinationAlert reports one detected pattern.
type CoordinationAlert struct {
	Pattern     PatternType `json:"pattern_type"`
	Confidence  float64     `json:"confidence"`
	Addresses   []string    `json:"addresses"`
	TxCount     int         `json:"tx_count"`
	WindowStart time.Time   `json:"window_start,omitempty"`
	Description string      `json:"description"`
}

// CoordinationResult bundles all alerts for a token.
type CoordinationResult struct {
	Alerts    []CoordinationAlert `json:"alerts"`
	RiskScore float64             `json:"risk_score"` // 0-100
}

// DetectCoordination runs every detector and derives the risk score.
func DetectCoordination(txs []Transaction) CoordinationResult {
	var alerts []CoordinationAlert
	alerts = append(alerts, DetectPumpCoordination(txs)...)
	alerts = append(alerts, DetectWashTrading(txs)...)
	alerts = append(alerts, DetectBotClusters(txs)...)
	return CoordinationResult{Alerts: alerts, RiskScore: coordinationRisk(alerts)}
}

func coordinationRisk(alerts []CoordinationAlert) float64 {
	if len(alerts) == 0 {
		return 0
	}
	top := 0.0
	for _, a := range alerts {
		top = math.Max(top, a.Confidence*patternWeights[a.Pattern]*100)
	}
	return math.Min(100, top+5*float64(len(alerts)-1))
}

// DetectPumpCoordination looks for 5-minute buckets holding at least 5 buys
// from at least 3 addresses whose amounts are near identical or whose timing
// is near regular.
func DetectPumpCoordination(txs []Transaction) []CoordinationAlert {
	buckets := make(map[int64][]Transaction)
	for _, tx := range txs {
		if !tx.IsBuy() {
			continue
		}
		k := tx.Timestamp.UTC().Truncate(5 * time.Minute).Unix()
		buckets[k] = append(buckets[k], tx)
	}

	keys := make([]int64, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var alerts []CoordinationAlert
	for _, k := range keys {
		bucket := buckets[k]
		addrs := distinctSenders(bucket)
		if len(bucket) < 5 || len(addrs) < 3 {
			continue
		}
		amounts := make([]float64, len(bucket))
		for i, tx := range bucket {
			amounts[i] = tx.AmountUSD
		}
		cv := coefficientOfVariation(amounts)
		precision := timingPrecision(bucket)
		if cv >= 0.2 && precision <= 0.8 {
			continue
		}
		similarity := clamp01(1 - cv/0.2)
		conf := clamp01(0.5 + 0.4*math.Max(similarity, precision) + 0.1*math.Min(1, float64(len(addrs))/5))
		alerts = append(alerts, CoordinationAlert{
			Pattern:     PatternPumpCoordination,
			Confidence:  conf,
			Addresses:   addrs,
			TxCount:     len(bucket),
			WindowStart: time.Unix(k, 0).UTC(),
			Description: fmt.Sprintf("%d buys from %d wallets in 5m (amount cv %.2f, timing %.2f)", len(bucket), len(addrs), cv, precision),
		})
	}
	return alerts
}

// DetectWashTrading scores address pairs trading back and forth. A combined
// score above 0.6 raises an alert.
func DetectWashTrading(txs []Transaction) []CoordinationAlert {
	pairs := make(map[[2]string][]Transaction)
	for _, tx := range txs {
		if tx.From == "" || tx.To == "" || tx.From == tx.To {
			continue
		}
		if !tx.IsBuy() && !tx.IsSell() {
			continue
		}
		k := [2]string{tx.From, tx.To}
		if k[0] > k[1] {
			k[0], k[1] = k[1], k[0]
		}
		pairs[k] = append(pairs[k], tx)
	}

	keys := make([][2]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i][0]+keys[i][1] < keys[j][0]+keys[j][1] })

	var alerts []CoordinationAlert
	for _, k := range keys {
		group := pairs[k]
		if len(group) < 4 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].Timestamp.Before(group[j].Timestamp) })

		flips := 0
		for i := 1; i < len(group); i++ {
			if group[i].IsBuy() != group[i-1].IsBuy() || group[i].From != group[i-1].From {
				flips++
			}
		}
		alternation := float64(flips) / float64(len(group)-1)

		amounts := make([]float64, len(group))
		for i, tx := range group {
			amounts[i] = tx.AmountUSD
		}
		consistency := clamp01(1 - coefficientOfVariation(amounts))
		regularity := timingPrecision(group)

		combined := 0.4*alternation + 0.3*consistency + 0.3*regularity
		if combined <= 0.6 {
			continue
		}
		alerts = append(alerts, CoordinationAlert{
			Pattern:     PatternWashTrading,
			Confidence:  clamp01(combined),
			Addresses:   []string{k[0], k[1]},
			TxCount:     len(group),
			WindowStart: group[0].Timestamp,
			Description: fmt.Sprintf("%d alternating trades between two wallets (score %.2f)", len(group), combined),
		})
	}
	return alerts
}

// DetectBotClusters flags groups of 3 or more wallets whose transactions
// look scripted: round amounts, common denominations, zero-second timestamps.
func DetectBotClusters(txs []Transaction) []CoordinationAlert {
	byAddr := make(map[string][]Transaction)
	for _, tx := range txs {
		if tx.From == "" {
			continue
		}
		byAddr[tx.From] = append(byAddr[tx.From], tx)
	}

	var addrs []string
	var sum float64
	count := 0
	for addr, group := range byAddr {
		s := addressBotScore(group)
		if s <= 0.5 {
			continue
		}
		addrs = append(addrs, addr)
		sum += s
		count += len(group)
	}
	if len(addrs) < 3 {
		return nil
	}
	avg := sum / float64(len(addrs))
	if avg <= 0.75 {
		return nil
	}
	sort.Strings(addrs)
	return []CoordinationAlert{{
		Pattern:     PatternBotCluster,
		Confidence:  clamp01(avg),
		Addresses:   addrs,
		TxCount:     count,
		Description: fmt.Sprintf("%d wallets with scripted trading (avg bot score %.2f)", len(addrs), avg),
	}}
}

func addressBotScore(txs []Transaction) float64 {
	if len(txs) == 0 {
		return 0
	}
	var round, denom, zeroSec int
	for _, tx := range txs {
		if tx.AmountUSD > 0 && math.Mod(tx.AmountUSD, 10) == 0 {
			round++
		}
		for _, d := range commonDenominations {
			if tx.AmountUSD == d {
				denom++
				break
			}
		}
		if tx.Timestamp.Second() == 0 && tx.Timestamp.Nanosecond() == 0 {
			zeroSec++
		}
	}
	n := float64(len(txs))
	return 0.4*float64(round)/n + 0.3*float64(denom)/n + 0.3*float64(zeroSec)/n
}

func distinctSenders(txs []Transaction) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tx := range txs {
		addr := tx.From
		if addr == "" {
			addr = tx.To
		}
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// timingPrecision is 1 - CV of the gaps between transactions, so perfectly
// regular intervals score 1.
func timingPrecision(txs []Transaction) float64 {
	if len(txs) < 3 {
		return 0
	}
	sorted := append([]Transaction(nil), txs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
	gaps := make([]float64, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		gaps = append(gaps, sorted[i].Timestamp.Sub(sorted[i-1].Timestamp).Seconds())
	}
	return clamp01(1 - coefficientOfVariation(gaps))
}

func coefficientOfVariation(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	if mean == 0 {
		return 1
	}
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return math.Sqrt(sq/float64(len(xs))) / math.Abs(mean)
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
