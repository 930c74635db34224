package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nexus-trading/dexsniper/internal/audit"
	"github.com/nexus-trading/dexsniper/internal/autotrade"
	"github.com/nexus-trading/dexsniper/internal/bus"
	"github.com/nexus-trading/dexsniper/internal/pipeline"
	"github.com/nexus-trading/dexsniper/internal/queue"
	"github.com/nexus-trading/dexsniper/internal/safety"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePairs map[string]*pipeline.ProcessedPair

func (f fakePairs) Get(addr string) *pipeline.ProcessedPair { return f[addr] }

type fakeEngine struct {
	mu   sync.Mutex
	mode autotrade.Mode
	recs []autotrade.Execution
}

func (f *fakeEngine) Mode() autotrade.Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

func (f *fakeEngine) SetMode(m autotrade.Mode) error {
	parsed, err := autotrade.ParseMode(string(m))
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.mode = parsed
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) Recent(n int) []autotrade.Execution {
	if n > len(f.recs) {
		n = len(f.recs)
	}
	return f.recs[:n]
}

func (f *fakeEngine) Advisories() []autotrade.Advice { return nil }

type fakeSwitch struct {
	stopped bool
	reason  string
}

func (f *fakeSwitch) EmergencyStop(_ context.Context, reason string) {
	f.stopped, f.reason = true, reason
}

func (f *fakeSwitch) Resume(context.Context) { f.stopped, f.reason = false, "" }
func (f *fakeSwitch) Stopped() bool          { return f.stopped }
func (f *fakeSwitch) Stats() safety.Stats {
	return safety.Stats{EmergencyStop: f.stopped, StopReason: f.reason}
}

func newTestPlane(t *testing.T) (*controlPlane, *fakeEngine, *fakeSwitch) {
	t.Helper()
	pair := pipeline.NewProcessedPair(bus.PairDiscovered{
		BaseEvent:   bus.NewBaseEvent("test", "1.0.0"),
		ChainID:     "ethereum",
		DexID:       "uniswap_v2",
		PairAddress: "0xpair",
		Token0:      "0xtoken",
		Token1:      "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2",
	})
	trail := audit.NewTrail(bus.NewMemoryProducer(10), 10)
	trail.RecordPair(pair)

	eng := &fakeEngine{mode: autotrade.ModeConservative}
	sw := &fakeSwitch{}
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	return &controlPlane{
		pairs:   fakePairs{"0xpair": pair},
		engine:  eng,
		safety:  sw,
		trail:   trail,
		health:  ok,
		metrics: ok,
		stats:   func() map[string]any { return map[string]any{"pipeline": "ok"} },
	}, eng, sw
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestControlPlane_Pair(t *testing.T) {
	cp, _, _ := newTestPlane(t)
	h := cp.routes()

	rec, body := do(t, h, http.MethodGet, "/pairs/0xpair", "")
	require.Equal(t, http.StatusOK, rec.Code)
	pair := body["pair"].(map[string]any)
	assert.Equal(t, "0xpair", pair["pair_address"])
	assert.Equal(t, "0xtoken", pair["target_token"])
	assert.Len(t, body["audit"], 1)

	rec, body = do(t, h, http.MethodGet, "/pairs/0xmissing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "0xmissing", body["address"])
}

func TestControlPlane_Mode(t *testing.T) {
	cp, eng, _ := newTestPlane(t)
	var observed autotrade.Mode
	cp.onMode = func(m autotrade.Mode) { observed = m }
	h := cp.routes()

	_, body := do(t, h, http.MethodGet, "/control/mode", "")
	assert.Equal(t, "CONSERVATIVE", body["mode"])

	rec, body := do(t, h, http.MethodPost, "/control/mode", `{"mode":"advisory"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ADVISORY", body["mode"])
	assert.Equal(t, autotrade.ModeAdvisory, eng.Mode())
	assert.Equal(t, autotrade.ModeAdvisory, observed)

	rec, _ = do(t, h, http.MethodPost, "/control/mode", `{"mode":"yolo"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, autotrade.ModeAdvisory, eng.Mode())

	rec, _ = do(t, h, http.MethodPost, "/control/mode", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestControlPlane_EmergencyStop(t *testing.T) {
	cp, _, sw := newTestPlane(t)
	var gauge []bool
	cp.onStop = func(on bool) { gauge = append(gauge, on) }
	h := cp.routes()

	rec, body := do(t, h, http.MethodPost, "/control/emergency-stop", `{"reason":"rpc degraded"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["stopped"])
	assert.True(t, sw.Stopped())
	assert.Equal(t, "rpc degraded", sw.reason)

	_, body = do(t, h, http.MethodGet, "/control/emergency-stop", "")
	assert.Equal(t, true, body["stopped"])
	assert.Equal(t, "rpc degraded", body["reason"])

	rec, body = do(t, h, http.MethodDelete, "/control/emergency-stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["stopped"])
	assert.Equal(t, []bool{true, false}, gauge)
}

func TestControlPlane_EmergencyStopDefaultReason(t *testing.T) {
	cp, _, sw := newTestPlane(t)
	rec, _ := do(t, cp.routes(), http.MethodPost, "/control/emergency-stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "operator request", sw.reason)
}

func TestControlPlane_Executions(t *testing.T) {
	cp, eng, _ := newTestPlane(t)
	for i := 0; i < 3; i++ {
		eng.recs = append(eng.recs, autotrade.Execution{OpportunityID: "op", Status: queue.StatusCompleted})
	}
	req := httptest.NewRequest(http.MethodGet, "/executions?limit=2", nil)
	rec := httptest.NewRecorder()
	cp.routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []autotrade.Execution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Len(t, out, 2)
}

func TestControlPlane_StatsAndMethods(t *testing.T) {
	cp, _, _ := newTestPlane(t)
	h := cp.routes()

	rec, body := do(t, h, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["pipeline"])

	rec, _ = do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodPut, "/control/mode", `{"mode":"standard"}`)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
