package audit

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/nexus-trading/dexsniper/internal/autotrade"
	"github.com/nexus-trading/dexsniper/internal/bus"
	"github.com/nexus-trading/dexsniper/internal/pipeline"
	"github.com/nexus-trading/dexsniper/internal/safety"
	"github.com/rs/zerolog/log"
)

// Entry event types.
const (
	EventPairDecision = "pair_decision"
	EventAdmission    = "admission"
	EventExecution    = "execution"
	EventSafety       = "safety"
)

// Entry represents a single audit trail entry. Every decision the sniper
// makes about a pair is recorded as an Entry so a trade can be traced back
// to the discovery event that caused it.
type Entry struct {
	TraceID       string    `json:"trace_id"`
	CausationID   string    `json:"causation_id,omitempty"`
	EventType     string    `json:"event_type"` // pair_decision|admission|execution|safety
	Timestamp     time.Time `json:"ts"`
	ChainID       string    `json:"chain_id,omitempty"`
	Subject       string    `json:"subject,omitempty"` // pair or token address
	OpportunityID string    `json:"opportunity_id,omitempty"`
	Decision      string    `json:"decision"`
	Reasons       []string  `json:"reasons,omitempty"`
	Payload       string    `json:"payload"` // JSON of the full record
}

// Trail records the decision chain for every pair. It keeps the last maxBuf
// entries in memory for querying and publishes each entry to the audit topic.
type Trail struct {
	mu       sync.Mutex
	producer bus.Producer
	topic    string
	entries  []Entry
	maxBuf   int
	traces   *lru.LRU[string, string] // opportunity id -> trace id
	now      func() time.Time
}

// NewTrail creates a new audit trail. A maxBuf of 0 disables the in-memory
// buffer; entries are then only published. A nil producer keeps entries
// in memory only.
func NewTrail(producer bus.Producer, maxBuf int) *Trail {
	if maxBuf < 0 {
		maxBuf = 0
	}
	traces, _ := lru.NewLRU[string, string](4096, nil)
	return &Trail{
		producer: producer,
		topic:    bus.Topics.AuditEventStore(),
		entries:  make([]Entry, 0, maxBuf),
		maxBuf:   maxBuf,
		traces:   traces,
		now:      time.Now,
	}
}

// RecordPair logs the pipeline's terminal decision for a pair.
func (t *Trail) RecordPair(pair *pipeline.ProcessedPair) {
	s := pair.Snapshot()
	reasons := append(append([]string(nil), s.Errors...), s.Warnings...)
	decision := string(s.Status)
	if s.OpportunityLevel != "" {
		decision += ":" + string(s.OpportunityLevel)
	}

	t.record(Entry{
		TraceID:     s.TraceID,
		CausationID: s.EventID,
		EventType:   EventPairDecision,
		Timestamp:   s.CompletedAt,
		ChainID:     s.ChainID,
		Subject:     s.PairAddress,
		Decision:    decision,
		Reasons:     reasons,
		Payload:     mustMarshal(s),
	})
}

// RecordAdmission logs the engine's answer to an approved pair. Accepted
// opportunities are linked to the pair's trace so later executions join it.
func (t *Trail) RecordAdmission(pair *pipeline.ProcessedPair, adm autotrade.Admission) {
	s := pair.Snapshot()
	decision := "reject"
	switch {
	case adm.Advisory:
		decision = "advise"
	case adm.Accepted:
		decision = "accept"
	}

	if adm.OpportunityID != "" && s.TraceID != "" {
		t.mu.Lock()
		t.traces.Add(adm.OpportunityID, s.TraceID)
		t.mu.Unlock()
	}

	t.record(Entry{
		TraceID:       s.TraceID,
		CausationID:   s.EventID,
		EventType:     EventAdmission,
		Timestamp:     t.now(),
		ChainID:       s.ChainID,
		Subject:       s.TargetToken,
		OpportunityID: adm.OpportunityID,
		Decision:      decision,
		Reasons:       adm.Reasons,
		Payload:       mustMarshal(adm),
	})
}

// RecordExecution logs the outcome of a dispatched opportunity.
func (t *Trail) RecordExecution(ex autotrade.Execution) {
	t.mu.Lock()
	traceID, _ := t.traces.Get(ex.OpportunityID)
	t.mu.Unlock()

	decision := strings.ToLower(string(ex.Status))
	if ex.Vetoed {
		decision = "veto"
	}

	t.record(Entry{
		TraceID:       traceID,
		CausationID:   ex.OpportunityID,
		EventType:     EventExecution,
		Timestamp:     ex.FinishedAt,
		ChainID:       ex.ChainID,
		Subject:       ex.TokenAddress,
		OpportunityID: ex.OpportunityID,
		Decision:      decision,
		Reasons:       ex.Reasons,
		Payload:       mustMarshal(ex),
	})
}

// RecordSafety logs a safety event.
func (t *Trail) RecordSafety(ev safety.Event) {
	reasons := []string(nil)
	if ev.Breaker != "" {
		reasons = []string{string(ev.Breaker)}
	}
	t.record(Entry{
		CausationID: ev.ID,
		EventType:   EventSafety,
		Timestamp:   ev.At,
		ChainID:     ev.Chain,
		Subject:     ev.TokenAddress,
		Decision:    string(ev.Type),
		Reasons:     reasons,
		Payload:     mustMarshal(ev),
	})
}

// Query returns all entries matching a given trace ID.
// Searches the in-memory buffer only.
func (t *Trail) Query(traceID string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []Entry
	for _, e := range t.entries {
		if e.TraceID == traceID {
			result = append(result, e)
		}
	}
	return result
}

// Subject returns the buffered entries about a pair or token address.
func (t *Trail) Subject(address string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []Entry
	for _, e := range t.entries {
		if strings.EqualFold(e.Subject, address) {
			result = append(result, e)
		}
	}
	return result
}

// Entries returns a copy of all entries in the in-memory buffer.
func (t *Trail) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]Entry, len(t.entries))
	copy(result, t.entries)
	return result
}

// Len returns the number of entries in the in-memory buffer.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// record adds an entry to the in-memory buffer and publishes it to the bus.
func (t *Trail) record(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = t.now()
	}

	t.mu.Lock()
	if t.maxBuf > 0 {
		if len(t.entries) >= t.maxBuf {
			copy(t.entries, t.entries[1:])
			t.entries[len(t.entries)-1] = entry
		} else {
			t.entries = append(t.entries, entry)
		}
	}
	t.mu.Unlock()

	if t.producer == nil {
		return
	}
	key := entry.TraceID
	if key == "" {
		key = entry.Subject
	}
	if key == "" {
		key = entry.EventType
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.producer.PublishJSON(ctx, t.topic, key, entry); err != nil {
		log.Error().Err(err).
			Str("event_type", entry.EventType).
			Str("trace_id", entry.TraceID).
			Msg("audit: failed to publish entry")
	}
}

// mustMarshal marshals v to JSON, returning "{}" on error.
func mustMarshal(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("audit: failed to marshal payload")
		return "{}"
	}
	return string(data)
}
