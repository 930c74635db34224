package observability

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the sniper. Each instance owns
// its registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	// Feed
	FeedMessages *prometheus.CounterVec // result: accepted|duplicate|invalid|dropped

	// Pipeline
	PairsProcessed     *prometheus.CounterVec // status
	OpportunityLevels  *prometheus.CounterVec // level
	PairProcessingTime prometheus.Histogram
	PipelineQueueDepth prometheus.Gauge
	PipelineInFlight   prometheus.Gauge

	// Queue
	QueueSize      prometheus.Gauge
	QueueEvictions prometheus.Gauge
	QueueExpired   prometheus.Gauge

	// Autotrade
	Admissions      *prometheus.CounterVec // result: accepted|advisory|rejected
	Rejections      *prometheus.CounterVec // code
	Executions      *prometheus.CounterVec // status, vetoed
	ExecutionTime   prometheus.Histogram
	TradesInFlight  prometheus.Gauge
	SuccessRate     prometheus.Gauge
	WindowProfitUSD prometheus.Gauge
	Mode            *prometheus.GaugeVec // mode, 1 for the active one

	// Safety
	SafetyEvents  *prometheus.CounterVec // type
	BreakerOpen   *prometheus.GaugeVec   // breaker
	EmergencyStop prometheus.Gauge
	Blacklisted   prometheus.Gauge
	DailySpendUSD *prometheus.GaugeVec // chain

	// Sinks
	SinkWrites *prometheus.CounterVec // sink, result
}

// NewMetrics creates and registers all collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "dexsniper"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		FeedMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "messages_total",
			Help:      "Discovery messages received by result",
		}, []string{"result"}),

		PairsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "pairs_processed_total",
			Help:      "Pairs that reached a terminal status",
		}, []string{"status"}),
		OpportunityLevels: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "opportunity_levels_total",
			Help:      "Processed pairs by opportunity level",
		}, []string{"level"}),
		PairProcessingTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "processing_seconds",
			Help:      "Time from discovery to terminal status",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		PipelineQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "queue_depth",
			Help:      "Discovery events waiting for a worker",
		}),
		PipelineInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "in_flight",
			Help:      "Pairs currently being processed",
		}),

		QueueSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "size",
			Help:      "Opportunities waiting for dispatch",
		}),
		QueueEvictions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "evicted",
			Help:      "Opportunities evicted for capacity since start",
		}),
		QueueExpired: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "expired",
			Help:      "Opportunities dropped after expiry since start",
		}),

		Admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "autotrade",
			Name:      "admissions_total",
			Help:      "Submitted opportunities by admission result",
		}, []string{"result"}),
		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "autotrade",
			Name:      "rejections_total",
			Help:      "Admission rejections by reason code",
		}, []string{"code"}),
		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "autotrade",
			Name:      "executions_total",
			Help:      "Dispatched opportunities by terminal status",
		}, []string{"status", "vetoed"}),
		ExecutionTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "autotrade",
			Name:      "execution_seconds",
			Help:      "Time from dispatch to terminal status",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		TradesInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "autotrade",
			Name:      "in_flight",
			Help:      "Execution slots in use",
		}),
		SuccessRate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "autotrade",
			Name:      "success_rate",
			Help:      "Success rate over the rolling execution window",
		}),
		WindowProfitUSD: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "autotrade",
			Name:      "window_profit_usd",
			Help:      "Realized profit over the rolling execution window",
		}),
		Mode: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "autotrade",
			Name:      "mode",
			Help:      "Active autotrade mode (1 for the active mode)",
		}, []string{"mode"}),

		SafetyEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "events_total",
			Help:      "Safety events by type",
		}, []string{"type"}),
		BreakerOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "breaker_open",
			Help:      "1 while a circuit breaker is open",
		}, []string{"breaker"}),
		EmergencyStop: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "emergency_stop",
			Help:      "1 while the kill switch is engaged",
		}),
		Blacklisted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "blacklisted_tokens",
			Help:      "Tokens in the in-memory blacklist",
		}),
		DailySpendUSD: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "daily_spend_usd",
			Help:      "Rolling 24h spend per chain",
		}, []string{"chain"}),

		SinkWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "writes_total",
			Help:      "Records written to external sinks by result",
		}, []string{"sink", "result"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObservePair records a pair that reached a terminal status.
func (m *Metrics) ObservePair(status, level string, d time.Duration) {
	m.PairsProcessed.WithLabelValues(status).Inc()
	if level != "" {
		m.OpportunityLevels.WithLabelValues(level).Inc()
	}
	m.PairProcessingTime.Observe(d.Seconds())
}

// ObserveAdmission records an admission verdict. Only the code part of
// "CODE:detail" reasons becomes a label.
func (m *Metrics) ObserveAdmission(accepted, advisory bool, reasons []string) {
	switch {
	case advisory:
		m.Admissions.WithLabelValues("advisory").Inc()
	case accepted:
		m.Admissions.WithLabelValues("accepted").Inc()
	default:
		m.Admissions.WithLabelValues("rejected").Inc()
	}
	for _, r := range reasons {
		code, _, _ := strings.Cut(r, ":")
		m.Rejections.WithLabelValues(code).Inc()
	}
}

// ObserveExecution records a dispatched opportunity.
func (m *Metrics) ObserveExecution(status string, vetoed bool, d time.Duration) {
	v := "false"
	if vetoed {
		v = "true"
	}
	m.Executions.WithLabelValues(status, v).Inc()
	if !vetoed {
		m.ExecutionTime.Observe(d.Seconds())
	}
}

// SetMode marks mode as the active one among all.
func (m *Metrics) SetMode(mode string, all []string) {
	for _, name := range all {
		val := 0.0
		if name == mode {
			val = 1
		}
		m.Mode.WithLabelValues(name).Set(val)
	}
}

// ObserveSink records a write to an external sink.
func (m *Metrics) ObserveSink(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SinkWrites.WithLabelValues(sink, result).Inc()
}

func boolGauge(g prometheus.Gauge, on bool) {
	if on {
		g.Set(1)
		return
	}
	g.Set(0)
}

// SetEmergencyStop reflects the kill switch state.
func (m *Metrics) SetEmergencyStop(on bool) {
	boolGauge(m.EmergencyStop, on)
}

// SetBreaker reflects one breaker state.
func (m *Metrics) SetBreaker(name string, open bool) {
	boolGauge(m.BreakerOpen.WithLabelValues(name), open)
}
