package autotrade

import (
	"sync"
	"time"

	"github.com/nexus-trading/dexsniper/internal/bus"
	"github.com/nexus-trading/dexsniper/internal/queue"
	"github.com/shopspring/decimal"
)

// Execution is the record of one dispatched opportunity.
type Execution struct {
	OpportunityID string          `json:"opportunity_id"`
	ChainID       string          `json:"chain_id"`
	TokenAddress  string          `json:"token_address"`
	Strategy      string          `json:"strategy"`
	Side          queue.Side      `json:"side"`
	Status        queue.Status    `json:"status"`
	AmountUSD     decimal.Decimal `json:"amount_usd"`
	ProfitUSD     decimal.Decimal `json:"profit_usd"`
	ProfitPct     float64         `json:"profit_pct"`
	TxHash        string          `json:"tx_hash,omitempty"`
	Vetoed        bool            `json:"vetoed"`
	Reasons       []string        `json:"reasons,omitempty"`
	Error         string          `json:"error,omitempty"`
	DryRun        bool            `json:"dry_run"`
	DurationMs    int64           `json:"duration_ms"`
	FinishedAt    time.Time       `json:"finished_at"`
}

// Event converts the execution into its bus event.
func (ex Execution) Event() bus.TradeExecuted {
	return bus.TradeExecuted{
		BaseEvent:     bus.NewBaseEvent("autotrade", "1.0.0"),
		OpportunityID: ex.OpportunityID,
		ChainID:       ex.ChainID,
		TokenAddress:  ex.TokenAddress,
		Side:          string(ex.Side),
		Amount:        ex.AmountUSD,
		Status:        string(ex.Status),
		TxHash:        ex.TxHash,
		ProfitPct:     ex.ProfitPct,
		DryRun:        ex.DryRun,
		Error:         ex.Error,
	}
}

// Metrics is a rolling view over the last N executions plus lifetime totals.
type Metrics struct {
	WindowSize      int             `json:"window_size"`
	Samples         int             `json:"samples"`
	SuccessRate     float64         `json:"success_rate"` // 0-1 over the window, vetoes excluded
	AvgExecutionMs  float64         `json:"avg_execution_ms"`
	WindowProfitUSD decimal.Decimal `json:"window_profit_usd"`
	WindowVolumeUSD decimal.Decimal `json:"window_volume_usd"`
	TotalProfitUSD  decimal.Decimal `json:"total_profit_usd"`
	TotalVolumeUSD  decimal.Decimal `json:"total_volume_usd"`
	Completed       int64           `json:"completed"`
	Failed          int64           `json:"failed"`
	Errored         int64           `json:"errored"`
	Vetoed          int64           `json:"vetoed"`
	LastExecutionAt time.Time       `json:"last_execution_at,omitempty"`
}

// rollingMetrics keeps a ring of recent executions.
type rollingMetrics struct {
	mu     sync.Mutex
	size   int
	ring   []Execution
	next   int
	filled bool

	totalProfit decimal.Decimal
	totalVolume decimal.Decimal
	completed   int64
	failed      int64
	errored     int64
	vetoed      int64
	last        time.Time
}

func newRollingMetrics(size int) *rollingMetrics {
	if size <= 0 {
		size = 100
	}
	return &rollingMetrics{size: size, ring: make([]Execution, size)}
}

func (m *rollingMetrics) add(ex Execution) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ring[m.next] = ex
	m.next = (m.next + 1) % m.size
	if m.next == 0 {
		m.filled = true
	}
	m.last = ex.FinishedAt

	switch {
	case ex.Vetoed:
		m.vetoed++
		return
	case ex.Status == queue.StatusCompleted:
		m.completed++
		m.totalProfit = m.totalProfit.Add(ex.ProfitUSD)
		m.totalVolume = m.totalVolume.Add(ex.AmountUSD)
	case ex.Status == queue.StatusError:
		m.errored++
	default:
		m.failed++
	}
}

// recent returns up to n executions, newest first.
func (m *rollingMetrics) recent(n int) []Execution {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := m.next
	if m.filled {
		count = m.size
	}
	if n <= 0 || n > count {
		n = count
	}
	out := make([]Execution, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, m.ring[(m.next-i+m.size)%m.size])
	}
	return out
}

func (m *rollingMetrics) snapshot() Metrics {
	window := m.recent(0)

	m.mu.Lock()
	out := Metrics{
		WindowSize:      m.size,
		TotalProfitUSD:  m.totalProfit,
		TotalVolumeUSD:  m.totalVolume,
		Completed:       m.completed,
		Failed:          m.failed,
		Errored:         m.errored,
		Vetoed:          m.vetoed,
		LastExecutionAt: m.last,
	}
	m.mu.Unlock()

	var attempted, succeeded int
	var totalMs int64
	for _, ex := range window {
		if ex.Vetoed {
			continue
		}
		attempted++
		totalMs += ex.DurationMs
		if ex.Status == queue.StatusCompleted {
			succeeded++
			out.WindowProfitUSD = out.WindowProfitUSD.Add(ex.ProfitUSD)
			out.WindowVolumeUSD = out.WindowVolumeUSD.Add(ex.AmountUSD)
		}
	}
	out.Samples = attempted
	if attempted > 0 {
		out.SuccessRate = float64(succeeded) / float64(attempted)
		out.AvgExecutionMs = float64(totalMs) / float64(attempted)
	}
	return out
}
