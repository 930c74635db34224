package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ComponentStatus is the health of one component.
type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

func (s ComponentStatus) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	default:
		return -1
	}
}

// HealthCheck probes one component.
type HealthCheck func(ctx context.Context) ComponentHealth

// ComponentHealth is the report for one component.
type ComponentHealth struct {
	Name        string          `json:"name"`
	Status      ComponentStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
	LastChecked time.Time       `json:"last_checked"`
	LatencyMs   int64           `json:"latency_ms"`
	Details     map[string]any  `json:"details,omitempty"`
}

// SystemHealth aggregates every component; the worst status wins.
type SystemHealth struct {
	Status     ComponentStatus            `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"ts"`
	UptimeSec  int64                      `json:"uptime_sec"`
}

// Alert is raised when a component changes status.
type Alert struct {
	Level     string          `json:"level"` // info|warn|critical
	Component string          `json:"component"`
	From      ComponentStatus `json:"from,omitempty"`
	To        ComponentStatus `json:"to"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"ts"`
}

// HealthMonitor runs registered checks on an interval.
type HealthMonitor struct {
	mu           sync.RWMutex
	checks       map[string]HealthCheck
	results      map[string]ComponentHealth
	startTime    time.Time
	interval     time.Duration
	checkTimeout time.Duration
	alertCh      chan Alert
}

// NewHealthMonitor creates a monitor. Each check gets checkTimeout; a check
// that overruns is reported unhealthy.
func NewHealthMonitor(interval, checkTimeout time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if checkTimeout <= 0 {
		checkTimeout = 3 * time.Second
	}
	return &HealthMonitor{
		checks:       make(map[string]HealthCheck),
		results:      make(map[string]ComponentHealth),
		startTime:    time.Now(),
		interval:     interval,
		checkTimeout: checkTimeout,
		alertCh:      make(chan Alert, 64),
	}
}

// Register adds a named check.
func (m *HealthMonitor) Register(name string, check HealthCheck) {
	m.mu.Lock()
	m.checks[name] = check
	m.mu.Unlock()
}

// Run checks immediately and then on every tick until ctx is done.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.runChecks(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runChecks(ctx)
		}
	}
}

// Check runs every check now and returns the aggregate.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.runChecks(ctx)
	return m.Snapshot()
}

// Alerts returns the alert channel. Alerts are dropped when it is full.
func (m *HealthMonitor) Alerts() <-chan Alert {
	return m.alertCh
}

// Component returns the last result for one component.
func (m *HealthMonitor) Component(name string) (ComponentHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.results[name]
	return h, ok
}

func (m *HealthMonitor) runChecks(ctx context.Context) {
	m.mu.RLock()
	checks := make(map[string]HealthCheck, len(m.checks))
	for name, fn := range m.checks {
		checks[name] = fn
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	var resMu sync.Mutex
	results := make(map[string]ComponentHealth, len(checks))
	for name, fn := range checks {
		wg.Add(1)
		go func(name string, fn HealthCheck) {
			defer wg.Done()
			h := m.runOne(ctx, name, fn)
			resMu.Lock()
			results[name] = h
			resMu.Unlock()
		}(name, fn)
	}
	wg.Wait()

	m.mu.Lock()
	prev := m.results
	m.results = results
	m.mu.Unlock()

	for name, cur := range results {
		old, existed := prev[name]
		if existed && old.Status == cur.Status {
			continue
		}
		if !existed && cur.Status == StatusHealthy {
			continue
		}
		m.alert(name, old.Status, cur)
	}
}

// runOne executes a check with a timeout. A panic or overrun is unhealthy.
func (m *HealthMonitor) runOne(ctx context.Context, name string, fn HealthCheck) ComponentHealth {
	cctx, cancel := context.WithTimeout(ctx, m.checkTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan ComponentHealth, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- ComponentHealth{Status: StatusUnhealthy, Message: fmt.Sprintf("check panicked: %v", r)}
			}
		}()
		done <- fn(cctx)
	}()

	var h ComponentHealth
	select {
	case h = <-done:
	case <-cctx.Done():
		h = ComponentHealth{Status: StatusUnhealthy, Message: "health check timed out"}
	}
	h.Name = name
	h.LastChecked = time.Now()
	h.LatencyMs = time.Since(start).Milliseconds()
	if h.Status == "" {
		h.Status = StatusHealthy
	}
	return h
}

func (m *HealthMonitor) alert(name string, from ComponentStatus, h ComponentHealth) {
	level := "info"
	switch h.Status {
	case StatusUnhealthy:
		level = "critical"
		log.Error().Str("component", name).Str("message", h.Message).Msg("health: component unhealthy")
	case StatusDegraded:
		level = "warn"
		log.Warn().Str("component", name).Str("message", h.Message).Msg("health: component degraded")
	default:
		log.Info().Str("component", name).Msg("health: component recovered")
	}
	msg := h.Message
	if msg == "" {
		msg = "status changed to " + string(h.Status)
	}
	select {
	case m.alertCh <- Alert{Level: level, Component: name, From: from, To: h.Status, Message: msg, Timestamp: time.Now()}:
	default:
	}
}

// Snapshot returns the last results without running checks.
func (m *HealthMonitor) Snapshot() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := SystemHealth{
		Status:     StatusHealthy,
		Components: make(map[string]ComponentHealth, len(m.results)),
		Timestamp:  time.Now(),
		UptimeSec:  int64(time.Since(m.startTime).Seconds()),
	}
	for name, h := range m.results {
		out.Components[name] = h
		if h.Status.severity() > out.Status.severity() {
			out.Status = h.Status
		}
	}
	return out
}

// Names lists registered components, sorted.
func (m *HealthMonitor) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.checks))
	for n := range m.checks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Handler serves the last snapshot as JSON; 503 when unhealthy.
func (m *HealthMonitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := m.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		if h.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	})
}
