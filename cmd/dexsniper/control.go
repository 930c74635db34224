package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/nexus-trading/dexsniper/internal/audit"
	"github.com/nexus-trading/dexsniper/internal/autotrade"
	"github.com/nexus-trading/dexsniper/internal/pipeline"
	"github.com/nexus-trading/dexsniper/internal/safety"
	"github.com/rs/zerolog/log"
)

// pairStore is the processor surface the control plane reads.
type pairStore interface {
	Get(pairAddress string) *pipeline.ProcessedPair
}

// tradeEngine is the autotrade surface the control plane drives.
type tradeEngine interface {
	Mode() autotrade.Mode
	SetMode(m autotrade.Mode) error
	Recent(n int) []autotrade.Execution
	Advisories() []autotrade.Advice
}

// killSwitch is the safety surface the control plane drives.
type killSwitch interface {
	EmergencyStop(ctx context.Context, reason string)
	Resume(ctx context.Context)
	Stopped() bool
	Stats() safety.Stats
}

// controlPlane serves health, stats and operator controls.
type controlPlane struct {
	pairs   pairStore
	engine  tradeEngine
	safety  killSwitch
	trail   *audit.Trail // optional
	health  http.Handler
	metrics http.Handler
	stats   func() map[string]any
	onMode  func(autotrade.Mode)
	onStop  func(bool)
}

func (c *controlPlane) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// ── Health and metrics ──
	mux.Handle("GET /health", c.health)
	mux.Handle("GET /metrics", c.metrics)

	// ── Stats ──
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, c.stats())
	})

	// ── Pairs ──
	mux.HandleFunc("GET /pairs/{address}", func(w http.ResponseWriter, r *http.Request) {
		addr := r.PathValue("address")
		pair := c.pairs.Get(addr)
		if pair == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "pair not found", "address": addr})
			return
		}
		resp := map[string]any{"pair": pair.Snapshot()}
		if c.trail != nil {
			resp["audit"] = c.trail.Subject(addr)
		}
		writeJSON(w, http.StatusOK, resp)
	})

	// ── Executions ──
	mux.HandleFunc("GET /executions", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = 50
		}
		writeJSON(w, http.StatusOK, c.engine.Recent(limit))
	})
	mux.HandleFunc("GET /advisories", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, c.engine.Advisories())
	})

	// ── Control Plane ──
	mux.HandleFunc("GET /control/mode", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"mode": c.engine.Mode()})
	})
	mux.HandleFunc("POST /control/mode", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Mode string `json:"mode"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be {\"mode\": \"...\"}"})
			return
		}
		if err := c.engine.SetMode(autotrade.Mode(req.Mode)); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		mode := c.engine.Mode()
		if c.onMode != nil {
			c.onMode(mode)
		}
		log.Warn().Str("mode", string(mode)).Str("remote", r.RemoteAddr).Msg("[CONTROL] autotrade mode changed")
		writeJSON(w, http.StatusOK, map[string]any{"mode": mode})
	})

	mux.HandleFunc("GET /control/emergency-stop", func(w http.ResponseWriter, _ *http.Request) {
		st := c.safety.Stats()
		writeJSON(w, http.StatusOK, map[string]any{"stopped": st.EmergencyStop, "reason": st.StopReason})
	})
	mux.HandleFunc("POST /control/emergency-stop", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Reason == "" {
			req.Reason = "operator request"
		}
		c.safety.EmergencyStop(r.Context(), req.Reason)
		if c.onStop != nil {
			c.onStop(true)
		}
		log.Error().Str("reason", req.Reason).Str("remote", r.RemoteAddr).Msg("[CONTROL] EMERGENCY STOP")
		writeJSON(w, http.StatusOK, map[string]any{"stopped": true, "reason": req.Reason})
	})
	mux.HandleFunc("DELETE /control/emergency-stop", func(w http.ResponseWriter, r *http.Request) {
		c.safety.Resume(r.Context())
		if c.onStop != nil {
			c.onStop(false)
		}
		log.Info().Str("remote", r.RemoteAddr).Msg("[CONTROL] trading resumed")
		writeJSON(w, http.StatusOK, map[string]any{"stopped": c.safety.Stopped()})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("http: encode response")
	}
}
