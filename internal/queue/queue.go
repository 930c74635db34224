package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Opportunity Queue
// Priority ordering:
//   score = tier_base * (1 + w_p*profit + w_t*urgency + w_r*(1-risk)) * strategy_multiplier
// Ties go to the earlier enqueue. Opportunities on the same chain and dex
// can be grouped into batches that dequeue together.
// ---------------------------------------------------------------------------

// Config configures the queue.
type Config struct {
	MaxSize              int            `yaml:"max_size"`                // default 1000
	ProfitWeight         float64        `yaml:"profit_weight"`           // default 0.4
	UrgencyWeight        float64        `yaml:"urgency_weight"`          // default 0.3
	RiskWeight           float64        `yaml:"risk_weight"`             // default 0.3
	UrgencyHorizonSec    int            `yaml:"urgency_horizon_sec"`     // urgency ramps up over this window (default 300)
	MaxProfitPct         float64        `yaml:"max_profit_pct"`          // profit score saturates here (default 20)
	RescoreIntervalMs    int            `yaml:"rescore_interval_ms"`     // default 5000
	BatchCheckIntervalMs int            `yaml:"batch_check_interval_ms"` // default 1000
	Batching             BatchConfig    `yaml:"batching"`
	Adaptive             AdaptiveConfig `yaml:"adaptive"`
}

// BatchConfig configures opportunity batching.
type BatchConfig struct {
	Enabled   bool `yaml:"enabled"`
	MaxSize   int  `yaml:"max_size"`   // batch is ready at this size (default 5)
	MinSize   int  `yaml:"min_size"`   // smaller batches dissolve on timeout (default 2)
	TimeoutMs int  `yaml:"timeout_ms"` // default 2000
}

// DefaultConfig returns defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:              1000,
		ProfitWeight:         0.4,
		UrgencyWeight:        0.3,
		RiskWeight:           0.3,
		UrgencyHorizonSec:    300,
		MaxProfitPct:         20,
		RescoreIntervalMs:    5000,
		BatchCheckIntervalMs: 1000,
		Batching: BatchConfig{
			Enabled:   false,
			MaxSize:   5,
			MinSize:   2,
			TimeoutMs: 2000,
		},
		Adaptive: DefaultAdaptiveConfig(),
	}
}

// itemHeap orders by score desc, then enqueue time asc.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Score != h[j].Score {
		return h[i].Score > h[j].Score
	}
	if !h[i].EnqueuedAt.Equal(h[j].EnqueuedAt) {
		return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*Item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is a bounded priority queue of trade opportunities.
type Queue struct {
	config   Config
	adaptive *Adaptive
	now      func() time.Time

	mu      sync.Mutex
	heap    itemHeap
	byID    map[string]*Item
	pending map[BatchKey]*Batch
	ready   []*Batch
	seq     uint64
	notify  chan struct{}
	onDrop  func(op *Opportunity, reason DropReason)

	enqueued         atomic.Int64
	dequeued         atomic.Int64
	expired          atomic.Int64
	evicted          atomic.Int64
	rejected         atomic.Int64
	batchesFormed    atomic.Int64
	batchesDissolved atomic.Int64
}

// New creates a queue.
func New(config Config) *Queue {
	if config.MaxSize <= 0 {
		config.MaxSize = DefaultConfig().MaxSize
	}
	return &Queue{
		config:   config,
		adaptive: NewAdaptive(config.Adaptive),
		now:      time.Now,
		byID:     make(map[string]*Item),
		pending:  make(map[BatchKey]*Batch),
		notify:   make(chan struct{}, 1),
	}
}

// DropReason says why the queue discarded an opportunity on its own.
type DropReason string

const (
	DropEvicted DropReason = "EVICTED"
	DropExpired DropReason = "EXPIRED"
)

// SetOnDrop sets a callback for opportunities the queue evicts or expires.
// It runs after the queue lock is released.
func (q *Queue) SetOnDrop(fn func(op *Opportunity, reason DropReason)) {
	q.mu.Lock()
	q.onDrop = fn
	q.mu.Unlock()
}

func (q *Queue) dropped(ops []*Opportunity, reason DropReason) {
	if len(ops) == 0 {
		return
	}
	q.mu.Lock()
	fn := q.onDrop
	q.mu.Unlock()
	if fn == nil {
		return
	}
	for _, op := range ops {
		fn(op, reason)
	}
}

// Adaptive exposes the strategy multiplier tracker.
func (q *Queue) Adaptive() *Adaptive { return q.adaptive }

// Ready is signalled (non-blocking) whenever something becomes dequeueable.
func (q *Queue) Ready() <-chan struct{} { return q.notify }

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Score computes the priority score of an opportunity at time now.
func (q *Queue) Score(op *Opportunity, now time.Time) float64 {
	profit := clamp01(op.ExpectedProfitPct / q.config.MaxProfitPct)
	urgency := q.urgency(op, now)
	risk := clamp01(op.RiskScore / 100)
	s := op.Tier.Base() * (1 +
		q.config.ProfitWeight*profit +
		q.config.UrgencyWeight*urgency +
		q.config.RiskWeight*(1-risk))
	return s * q.adaptive.Multiplier(op.Strategy)
}

// urgency is 0 beyond the horizon and rises linearly to 1 at expiry.
func (q *Queue) urgency(op *Opportunity, now time.Time) float64 {
	if op.ExpiresAt.IsZero() {
		return 0
	}
	horizon := time.Duration(q.config.UrgencyHorizonSec) * time.Second
	remaining := op.ExpiresAt.Sub(now)
	switch {
	case remaining <= 0:
		return 1
	case horizon <= 0 || remaining >= horizon:
		return 0
	default:
		return 1 - float64(remaining)/float64(horizon)
	}
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}

// Enqueue adds an opportunity. When the queue is full, the lowest-priority
// queued item is evicted if the new one outranks it. A newcomer scoring at
// or below every evictable item is not admitted and gets ErrQueueFull;
// nothing is evicted in that case.
func (q *Queue) Enqueue(op *Opportunity) error {
	if op == nil || op.ID == "" {
		return fmt.Errorf("queue: opportunity id required")
	}
	now := q.now()
	if op.Expired(now) {
		q.rejected.Add(1)
		return ErrExpired
	}

	var evicted []*Opportunity
	defer func() { q.dropped(evicted, DropEvicted) }()

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byID[op.ID]; ok {
		q.rejected.Add(1)
		return ErrDuplicate
	}

	q.seq++
	it := &Item{
		Opportunity: op,
		Score:       q.Score(op, now),
		EnqueuedAt:  now,
		seq:         q.seq,
		index:       -1,
	}

	if len(q.byID) >= q.config.MaxSize {
		lowest := q.lowestLocked()
		if lowest == nil || !(itemHeap{it, lowest}).Less(0, 1) {
			q.rejected.Add(1)
			return ErrQueueFull
		}
		q.removeLocked(lowest)
		q.evicted.Add(1)
		evicted = append(evicted, lowest.Opportunity)
		log.Debug().
			Str("evicted", lowest.Opportunity.ID).
			Float64("evicted_score", lowest.Score).
			Str("id", op.ID).
			Float64("score", it.Score).
			Msg("queue: evicted lowest priority")
	}

	q.byID[op.ID] = it
	q.enqueued.Add(1)

	if q.config.Batching.Enabled {
		q.addToBatchLocked(it, now)
	} else {
		heap.Push(&q.heap, it)
		q.signal()
	}
	return nil
}

// lowestLocked finds the lowest-priority item eligible for eviction. Items
// in ready batches are committed and never evicted.
func (q *Queue) lowestLocked() *Item {
	var lowest *Item
	consider := func(it *Item) {
		if lowest == nil || (itemHeap{lowest, it}).Less(0, 1) {
			lowest = it
		}
	}
	for _, it := range q.heap {
		consider(it)
	}
	for _, b := range q.pending {
		for _, it := range b.Items {
			consider(it)
		}
	}
	return lowest
}

func (q *Queue) addToBatchLocked(it *Item, now time.Time) {
	op := it.Opportunity
	key := BatchKey{ChainID: op.ChainID, DexID: op.DexID}
	b, ok := q.pending[key]
	if !ok {
		b = &Batch{Key: key, CreatedAt: now}
		q.pending[key] = b
	}
	it.batch = b
	b.Items = append(b.Items, it)

	if len(b.Items) >= q.config.Batching.MaxSize {
		delete(q.pending, key)
		q.ready = append(q.ready, b)
		q.batchesFormed.Add(1)
		q.signal()
	}
}

// removeLocked drops an item from wherever it lives.
func (q *Queue) removeLocked(it *Item) {
	delete(q.byID, it.Opportunity.ID)
	if it.index >= 0 {
		heap.Remove(&q.heap, it.index)
		return
	}
	if b := it.batch; b != nil {
		for i, other := range b.Items {
			if other == it {
				b.Items = append(b.Items[:i], b.Items[i+1:]...)
				break
			}
		}
		it.batch = nil
		if len(b.Items) == 0 {
			if cur, ok := q.pending[b.Key]; ok && cur == b {
				delete(q.pending, b.Key)
			}
			for i, r := range q.ready {
				if r == b {
					q.ready = append(q.ready[:i], q.ready[i+1:]...)
					break
				}
			}
		}
	}
}

// Dequeue returns the highest-priority single item or ready batch. Expired
// opportunities are discarded on the way. ok is false when nothing is ready.
func (q *Queue) Dequeue() (Dequeued, bool) {
	now := q.now()
	var expired []*Opportunity
	defer func() { q.dropped(expired, DropExpired) }()

	q.mu.Lock()
	defer q.mu.Unlock()

	expired = q.dropExpiredBatchItemsLocked(now)

	for {
		var top *Item
		if len(q.heap) > 0 {
			top = q.heap[0]
		}
		bi := q.bestReadyLocked()

		if bi >= 0 && (top == nil || q.ready[bi].Score() >= top.Score) {
			b := q.ready[bi]
			q.ready = append(q.ready[:bi], q.ready[bi+1:]...)
			for _, it := range b.Items {
				delete(q.byID, it.Opportunity.ID)
				it.batch = nil
			}
			q.dequeued.Add(int64(len(b.Items)))
			return Dequeued{Batch: b}, true
		}
		if top == nil {
			return Dequeued{}, false
		}

		heap.Pop(&q.heap)
		delete(q.byID, top.Opportunity.ID)
		if top.Opportunity.Expired(now) {
			q.expired.Add(1)
			expired = append(expired, top.Opportunity)
			continue
		}
		q.dequeued.Add(1)
		return Dequeued{Item: top}, true
	}
}

func (q *Queue) bestReadyLocked() int {
	best := -1
	for i, b := range q.ready {
		if best < 0 || b.Score() > q.ready[best].Score() {
			best = i
		}
	}
	return best
}

func (q *Queue) dropExpiredBatchItemsLocked(now time.Time) []*Opportunity {
	var out []*Opportunity
	for _, b := range append([]*Batch(nil), q.ready...) {
		for _, it := range append([]*Item(nil), b.Items...) {
			if it.Opportunity.Expired(now) {
				q.removeLocked(it)
				q.expired.Add(1)
				out = append(out, it.Opportunity)
			}
		}
	}
	return out
}

// Peek returns the highest-priority single item without removing it.
func (q *Queue) Peek() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil, false
	}
	return q.heap[0], true
}

// Remove drops an opportunity by id.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byID[id]
	if !ok {
		return false
	}
	q.removeLocked(it)
	return true
}

// Len returns the number of queued opportunities, batched or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}

// Rescore recomputes every score against the current clock and strategy
// multipliers, and purges expired items.
func (q *Queue) Rescore() {
	now := q.now()
	var expired []*Opportunity
	defer func() { q.dropped(expired, DropExpired) }()

	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.heap[:0]
	for _, it := range q.heap {
		if it.Opportunity.Expired(now) {
			delete(q.byID, it.Opportunity.ID)
			it.index = -1
			q.expired.Add(1)
			expired = append(expired, it.Opportunity)
			continue
		}
		it.Score = q.Score(it.Opportunity, now)
		kept = append(kept, it)
	}
	for i := len(kept); i < len(q.heap); i++ {
		q.heap[i] = nil
	}
	q.heap = kept
	for i, it := range q.heap {
		it.index = i
	}
	heap.Init(&q.heap)

	for _, b := range q.pending {
		for _, it := range append([]*Item(nil), b.Items...) {
			if it.Opportunity.Expired(now) {
				q.removeLocked(it)
				q.expired.Add(1)
				expired = append(expired, it.Opportunity)
				continue
			}
			it.Score = q.Score(it.Opportunity, now)
		}
	}
	for _, b := range q.ready {
		for _, it := range b.Items {
			it.Score = q.Score(it.Opportunity, now)
		}
	}
}

// CheckBatches promotes or dissolves pending batches past their timeout.
// Batches below MinSize dissolve into individual heap items.
func (q *Queue) CheckBatches() {
	now := q.now()
	timeout := time.Duration(q.config.Batching.TimeoutMs) * time.Millisecond

	q.mu.Lock()
	defer q.mu.Unlock()

	changed := false
	for key, b := range q.pending {
		if now.Sub(b.CreatedAt) < timeout {
			continue
		}
		delete(q.pending, key)
		changed = true
		if len(b.Items) >= q.config.Batching.MinSize {
			q.ready = append(q.ready, b)
			q.batchesFormed.Add(1)
			continue
		}
		for _, it := range b.Items {
			it.batch = nil
			heap.Push(&q.heap, it)
		}
		q.batchesDissolved.Add(1)
	}
	if changed {
		q.signal()
	}
}

// RecordOutcome feeds an execution result into the strategy multipliers.
func (q *Queue) RecordOutcome(strategy string, success bool) {
	q.adaptive.RecordOutcome(strategy, success, q.now())
}

// Run drives periodic rescoring and batch checks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	rescore := time.NewTicker(interval(q.config.RescoreIntervalMs, 5000))
	defer rescore.Stop()
	batches := time.NewTicker(interval(q.config.BatchCheckIntervalMs, 1000))
	defer batches.Stop()

	log.Info().Int("max_size", q.config.MaxSize).Bool("batching", q.config.Batching.Enabled).Msg("queue: started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("queue: stopped")
			return
		case <-rescore.C:
			q.Rescore()
		case <-batches.C:
			if q.config.Batching.Enabled {
				q.CheckBatches()
			}
		}
	}
}

func interval(ms, def int) time.Duration {
	if ms <= 0 {
		ms = def
	}
	return time.Duration(ms) * time.Millisecond
}

// Stats holds queue statistics.
type Stats struct {
	Size             int                `json:"size"`
	Heap             int                `json:"heap"`
	PendingBatches   int                `json:"pending_batches"`
	ReadyBatches     int                `json:"ready_batches"`
	Enqueued         int64              `json:"enqueued"`
	Dequeued         int64              `json:"dequeued"`
	Expired          int64              `json:"expired"`
	Evicted          int64              `json:"evicted"`
	Rejected         int64              `json:"rejected"`
	BatchesFormed    int64              `json:"batches_formed"`
	BatchesDissolved int64              `json:"batches_dissolved"`
	Multipliers      map[string]float64 `json:"multipliers"`
}

// Stats returns queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	s := Stats{
		Size:           len(q.byID),
		Heap:           len(q.heap),
		PendingBatches: len(q.pending),
		ReadyBatches:   len(q.ready),
	}
	q.mu.Unlock()

	s.Enqueued = q.enqueued.Load()
	s.Dequeued = q.dequeued.Load()
	s.Expired = q.expired.Load()
	s.Evicted = q.evicted.Load()
	s.Rejected = q.rejected.Load()
	s.BatchesFormed = q.batchesFormed.Load()
	s.BatchesDissolved = q.batchesDissolved.Load()
	s.Multipliers = q.adaptive.Snapshot()
	return s
}
