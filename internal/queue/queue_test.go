package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestQueue(cfg Config) (*Queue, *clock) {
	c := &clock{now: t0}
	q := New(cfg)
	q.now = c.Now
	return q, c
}

func opp(id string, tier Tier) *Opportunity {
	return &Opportunity{
		ID:           id,
		TokenAddress: "0xtoken-" + id,
		PairAddress:  "0xpair-" + id,
		ChainID:      "ethereum",
		DexID:        "uniswap_v2",
		Side:         SideBuy,
		Amount:       decimal.NewFromInt(100),
		Strategy:     "snipe",
		Tier:         tier,
		DiscoveredAt: t0,
		Status:       StatusPending,
	}
}

// ---------------------------------------------------------------------------
// Scoring
// ---------------------------------------------------------------------------

func TestScore_Formula(t *testing.T) {
	q, _ := newTestQueue(DefaultConfig())
	op := opp("a", TierNormal)
	op.ExpectedProfitPct = 10
	op.RiskScore = 20

	// 2 * (1 + 0.4*0.5 + 0.3*0 + 0.3*0.8)
	assert.InDelta(t, 2.88, q.Score(op, t0), 1e-9)
}

func TestScore_TierBases(t *testing.T) {
	assert.Equal(t, 1.0, TierLow.Base())
	assert.Equal(t, 2.0, TierNormal.Base())
	assert.Equal(t, 3.0, TierHigh.Base())
	assert.Equal(t, 4.0, TierCritical.Base())
	assert.Equal(t, 5.0, TierEmergency.Base())
	assert.Equal(t, 2.0, Tier("").Base())
}

func TestScore_Urgency(t *testing.T) {
	q, _ := newTestQueue(DefaultConfig())
	op := opp("a", TierNormal)

	op.ExpiresAt = t0.Add(400 * time.Second)
	assert.Equal(t, 0.0, q.urgency(op, t0))

	op.ExpiresAt = t0.Add(150 * time.Second)
	assert.InDelta(t, 0.5, q.urgency(op, t0), 1e-9)

	op.ExpiresAt = t0.Add(-time.Second)
	assert.Equal(t, 1.0, q.urgency(op, t0))
}

func TestScore_ProfitSaturates(t *testing.T) {
	q, _ := newTestQueue(DefaultConfig())
	a := opp("a", TierNormal)
	a.ExpectedProfitPct = 20
	b := opp("b", TierNormal)
	b.ExpectedProfitPct = 500
	assert.Equal(t, q.Score(a, t0), q.Score(b, t0))
}

// ---------------------------------------------------------------------------
// Ordering
// ---------------------------------------------------------------------------

func TestQueue_DequeuesByPriority(t *testing.T) {
	q, _ := newTestQueue(DefaultConfig())
	require.NoError(t, q.Enqueue(opp("low", TierLow)))
	require.NoError(t, q.Enqueue(opp("emergency", TierEmergency)))
	require.NoError(t, q.Enqueue(opp("normal", TierNormal)))
	require.NoError(t, q.Enqueue(opp("high", TierHigh)))

	var got []string
	for {
		d, ok := q.Dequeue()
		if !ok {
			break
		}
		got = append(got, d.Item.Opportunity.ID)
	}
	assert.Equal(t, []string{"emergency", "high", "normal", "low"}, got)
}

func TestQueue_TiesGoToEarlierEnqueue(t *testing.T) {
	q, c := newTestQueue(DefaultConfig())
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(opp(fmt.Sprintf("op-%d", i), TierNormal)))
		c.Advance(time.Millisecond)
	}
	for i := 0; i < 5; i++ {
		d, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("op-%d", i), d.Item.Opportunity.ID)
	}
}

func TestQueue_PeekDoesNotRemove(t *testing.T) {
	q, _ := newTestQueue(DefaultConfig())
	_, ok := q.Peek()
	assert.False(t, ok)

	require.NoError(t, q.Enqueue(opp("a", TierHigh)))
	it, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, "a", it.Opportunity.ID)
	assert.Equal(t, 1, q.Len())
}

func TestQueue_Remove(t *testing.T) {
	q, _ := newTestQueue(DefaultConfig())
	require.NoError(t, q.Enqueue(opp("a", TierHigh)))
	require.NoError(t, q.Enqueue(opp("b", TierLow)))

	assert.True(t, q.Remove("a"))
	assert.False(t, q.Remove("a"))

	d, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "b", d.Item.Opportunity.ID)
}

func TestQueue_RejectsDuplicateAndExpired(t *testing.T) {
	q, _ := newTestQueue(DefaultConfig())
	require.NoError(t, q.Enqueue(opp("a", TierNormal)))
	assert.ErrorIs(t, q.Enqueue(opp("a", TierNormal)), ErrDuplicate)

	stale := opp("stale", TierNormal)
	stale.ExpiresAt = t0
	assert.ErrorIs(t, q.Enqueue(stale), ErrExpired)

	assert.Error(t, q.Enqueue(&Opportunity{}))
	assert.Equal(t, int64(2), q.Stats().Rejected)
}

func TestQueue_ExpiredDroppedOnDequeue(t *testing.T) {
	q, c := newTestQueue(DefaultConfig())
	op := opp("short", TierEmergency)
	op.ExpiresAt = t0.Add(time.Second)
	require.NoError(t, q.Enqueue(op))
	require.NoError(t, q.Enqueue(opp("long", TierLow)))

	c.Advance(2 * time.Second)
	d, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "long", d.Item.Opportunity.ID)
	assert.Equal(t, int64(1), q.Stats().Expired)
	assert.Equal(t, 0, q.Len())
}

// ---------------------------------------------------------------------------
// Capacity
// ---------------------------------------------------------------------------

func TestQueue_EvictsLowestWhenFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 2
	q, _ := newTestQueue(cfg)

	require.NoError(t, q.Enqueue(opp("low", TierLow)))
	require.NoError(t, q.Enqueue(opp("normal", TierNormal)))
	require.NoError(t, q.Enqueue(opp("high", TierHigh)))

	assert.Equal(t, 2, q.Len())
	assert.False(t, q.Remove("low"), "lowest should have been evicted")
	assert.Equal(t, int64(1), q.Stats().Evicted)
}

func TestQueue_OnDropReportsEvictedAndExpired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 2
	q, c := newTestQueue(cfg)
	drops := map[string]DropReason{}
	q.SetOnDrop(func(op *Opportunity, reason DropReason) {
		// the queue lock is free here
		_ = q.Len()
		drops[op.ID] = reason
	})

	short := opp("short", TierHigh)
	short.ExpiresAt = t0.Add(time.Second)
	require.NoError(t, q.Enqueue(short))
	require.NoError(t, q.Enqueue(opp("low", TierLow)))
	require.NoError(t, q.Enqueue(opp("normal", TierNormal)))
	assert.Equal(t, map[string]DropReason{"low": DropEvicted}, drops)

	assert.ErrorIs(t, q.Enqueue(opp("weak", TierLow)), ErrQueueFull)
	assert.NotContains(t, drops, "weak", "a rejected newcomer is not a drop")

	c.Advance(2 * time.Second)
	d, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "normal", d.Item.Opportunity.ID)
	assert.Equal(t, DropExpired, drops["short"])
}

func TestQueue_FullRejectsLowerPriority(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 2
	q, _ := newTestQueue(cfg)

	require.NoError(t, q.Enqueue(opp("a", TierHigh)))
	require.NoError(t, q.Enqueue(opp("b", TierHigh)))
	assert.ErrorIs(t, q.Enqueue(opp("c", TierLow)), ErrQueueFull)
	// Equal score does not outrank an earlier enqueue.
	assert.ErrorIs(t, q.Enqueue(opp("d", TierHigh)), ErrQueueFull)
	assert.Equal(t, 2, q.Len())
}

// ---------------------------------------------------------------------------
// Batching
// ---------------------------------------------------------------------------

func batchingConfig() Config {
	cfg := DefaultConfig()
	cfg.Batching = BatchConfig{Enabled: true, MaxSize: 3, MinSize: 2, TimeoutMs: 2000}
	return cfg
}

func sameVenue(id string) *Opportunity {
	op := opp(id, TierNormal)
	op.ChainID = "bsc"
	op.DexID = "pancakeswap"
	return op
}

func TestQueue_BatchReadyAtMaxSize(t *testing.T) {
	q, _ := newTestQueue(batchingConfig())
	require.NoError(t, q.Enqueue(sameVenue("a")))
	require.NoError(t, q.Enqueue(sameVenue("b")))

	_, ok := q.Dequeue()
	assert.False(t, ok, "partial batch must wait")

	require.NoError(t, q.Enqueue(sameVenue("c")))
	d, ok := q.Dequeue()
	require.True(t, ok)
	require.NotNil(t, d.Batch)
	assert.Len(t, d.Opportunities(), 3)
	assert.Equal(t, BatchKey{ChainID: "bsc", DexID: "pancakeswap"}, d.Batch.Key)
	tokens := map[string]bool{}
	for _, op := range d.Opportunities() {
		tokens[op.TokenAddress] = true
	}
	assert.Len(t, tokens, 3, "different tokens on one venue share a batch")
	assert.Equal(t, 0, q.Len())
}

func TestQueue_BatchTimeout(t *testing.T) {
	q, c := newTestQueue(batchingConfig())
	require.NoError(t, q.Enqueue(sameVenue("a")))
	require.NoError(t, q.Enqueue(sameVenue("b")))
	require.NoError(t, q.Enqueue(opp("solo", TierNormal)))

	c.Advance(time.Second)
	q.CheckBatches()
	_, ok := q.Dequeue()
	assert.False(t, ok, "nothing times out before the deadline")

	c.Advance(time.Second)
	q.CheckBatches()

	var batches, singles int
	for {
		d, ok := q.Dequeue()
		if !ok {
			break
		}
		if d.Batch != nil {
			batches++
			assert.Len(t, d.Batch.Items, 2)
		} else {
			singles++
			assert.Equal(t, "solo", d.Item.Opportunity.ID)
		}
	}
	assert.Equal(t, 1, batches)
	assert.Equal(t, 1, singles)

	s := q.Stats()
	assert.Equal(t, int64(1), s.BatchesFormed)
	assert.Equal(t, int64(1), s.BatchesDissolved)
}

func TestQueue_RemoveFromBatch(t *testing.T) {
	q, _ := newTestQueue(batchingConfig())
	require.NoError(t, q.Enqueue(sameVenue("a")))
	assert.True(t, q.Remove("a"))
	assert.Equal(t, 0, q.Stats().PendingBatches)
}

// ---------------------------------------------------------------------------
// Adaptive multipliers
// ---------------------------------------------------------------------------

func TestAdaptive_BoostAndCap(t *testing.T) {
	a := NewAdaptive(DefaultAdaptiveConfig())
	for i := 0; i < 4; i++ {
		a.RecordOutcome("snipe", true, t0)
	}
	assert.Equal(t, 1.0, a.Multiplier("snipe"), "below minimum samples")

	a.RecordOutcome("snipe", true, t0)
	assert.InDelta(t, 1.05, a.Multiplier("snipe"), 1e-9)

	for i := 0; i < 50; i++ {
		a.RecordOutcome("snipe", true, t0)
	}
	assert.InDelta(t, 1.5, a.Multiplier("snipe"), 1e-9)
}

func TestAdaptive_DemoteAndFloor(t *testing.T) {
	a := NewAdaptive(DefaultAdaptiveConfig())
	for i := 0; i < 5; i++ {
		a.RecordOutcome("momentum", false, t0)
	}
	assert.InDelta(t, 0.95, a.Multiplier("momentum"), 1e-9)

	for i := 0; i < 100; i++ {
		a.RecordOutcome("momentum", false, t0)
	}
	assert.InDelta(t, 0.5, a.Multiplier("momentum"), 1e-9)
}

func TestAdaptive_MiddleRateHolds(t *testing.T) {
	a := NewAdaptive(DefaultAdaptiveConfig())
	for _, ok := range []bool{true, true, true, false, false, true, true, false, true, false} {
		a.RecordOutcome("mixed", ok, t0)
	}
	assert.Equal(t, 1.0, a.Multiplier("mixed"))
}

func TestAdaptive_WindowPrunesOldOutcomes(t *testing.T) {
	a := NewAdaptive(DefaultAdaptiveConfig())
	for i := 0; i < 5; i++ {
		a.RecordOutcome("snipe", false, t0)
	}
	require.InDelta(t, 0.95, a.Multiplier("snipe"), 1e-9)

	later := t0.Add(25 * time.Hour)
	for i := 0; i < 5; i++ {
		a.RecordOutcome("snipe", true, later)
	}
	assert.InDelta(t, 0.95*1.05, a.Multiplier("snipe"), 1e-9)
}

func TestAdaptive_Disabled(t *testing.T) {
	cfg := DefaultAdaptiveConfig()
	cfg.Enabled = false
	a := NewAdaptive(cfg)
	for i := 0; i < 10; i++ {
		a.RecordOutcome("snipe", true, t0)
	}
	assert.Equal(t, 1.0, a.Multiplier("snipe"))
	assert.Empty(t, a.Snapshot())
}

func TestQueue_RescoreAppliesMultipliers(t *testing.T) {
	q, _ := newTestQueue(DefaultConfig())
	a := opp("a", TierNormal)
	a.Strategy = "alpha"
	b := opp("b", TierNormal)
	b.Strategy = "beta"
	require.NoError(t, q.Enqueue(a))
	require.NoError(t, q.Enqueue(b))

	top, _ := q.Peek()
	require.Equal(t, "a", top.Opportunity.ID)

	for i := 0; i < 5; i++ {
		q.RecordOutcome("beta", true)
	}
	q.Rescore()

	top, _ = q.Peek()
	assert.Equal(t, "b", top.Opportunity.ID)
	assert.InDelta(t, 1.05, q.Stats().Multipliers["beta"], 1e-9)
}

func TestQueue_RescorePurgesExpired(t *testing.T) {
	q, c := newTestQueue(DefaultConfig())
	op := opp("a", TierNormal)
	op.ExpiresAt = t0.Add(time.Second)
	require.NoError(t, q.Enqueue(op))

	c.Advance(time.Minute)
	q.Rescore()
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, int64(1), q.Stats().Expired)
}

func TestQueue_RunStopsOnCancel(t *testing.T) {
	q := New(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewOpportunity_Defaults(t *testing.T) {
	op := NewOpportunity(Opportunity{TokenAddress: "0xabc"}, time.Minute)
	assert.NotEmpty(t, op.ID)
	assert.Equal(t, TierNormal, op.Tier)
	assert.Equal(t, SideBuy, op.Side)
	assert.Equal(t, StatusPending, op.Status)
	assert.Equal(t, op.DiscoveredAt.Add(time.Minute), op.ExpiresAt)
}
