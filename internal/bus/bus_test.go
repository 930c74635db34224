package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePairDiscovered_FillsBaseEvent(t *testing.T) {
	raw := []byte(`{"chain_id":"ethereum","dex_id":"uniswap_v2","pair_address":"0xpair","token0":"0xa","token1":"0xb","block_number":42}`)

	ev, err := DecodePairDiscovered(raw)
	require.NoError(t, err)
	assert.Equal(t, "ethereum", ev.ChainID)
	assert.Equal(t, uint64(42), ev.BlockNumber)
	assert.NotEmpty(t, ev.EventID)
	assert.Len(t, ev.TraceID, 16)
}

func TestDecodePairDiscovered_KeepsTraceID(t *testing.T) {
	raw := []byte(`{"trace_id":"abc","chain_id":"bsc","pair_address":"0xpair","token0":"0xa","token1":"0xb"}`)

	ev, err := DecodePairDiscovered(raw)
	require.NoError(t, err)
	assert.Equal(t, "abc", ev.TraceID)
}

func TestDecodePairDiscovered_Invalid(t *testing.T) {
	_, err := DecodePairDiscovered([]byte(`{"chain_id":"bsc"}`))
	assert.Error(t, err)

	_, err = DecodePairDiscovered([]byte(`not json`))
	assert.Error(t, err)
}

func TestMemoryProducer_FiltersByTopicAndCaps(t *testing.T) {
	p := NewMemoryProducer(2)
	ctx := context.Background()

	require.NoError(t, p.PublishJSON(ctx, "a", "k1", map[string]int{"n": 1}))
	require.NoError(t, p.PublishJSON(ctx, "b", "k2", map[string]int{"n": 2}))
	require.NoError(t, p.PublishJSON(ctx, "a", "k3", map[string]int{"n": 3}))

	all := p.Messages("")
	require.Len(t, all, 2)
	assert.Equal(t, "k2", all[0].Key)

	onlyA := p.Messages("a")
	require.Len(t, onlyA, 1)
	var body map[string]int
	require.NoError(t, json.Unmarshal(onlyA[0].Value, &body))
	assert.Equal(t, 3, body["n"])
}

func TestDiscoveryHandler(t *testing.T) {
	var got PairDiscovered
	h := DiscoveryHandler(func(_ context.Context, ev PairDiscovered) error {
		got = ev
		return nil
	})

	ev := PairDiscovered{BaseEvent: NewBaseEvent("test", "1.0.0"), ChainID: "base", PairAddress: "0xp", Token0: "0xa", Token1: "0xb"}
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	require.NoError(t, h(context.Background(), Message{Topic: Topics.PairsDiscovered("base"), Value: data}))
	assert.Equal(t, ev.EventID, got.EventID)

	err = h(context.Background(), Message{Value: []byte(`{}`)})
	assert.Error(t, err)

	failing := DiscoveryHandler(func(context.Context, PairDiscovered) error { return errors.New("boom") })
	assert.EqualError(t, failing(context.Background(), Message{Value: data}), "boom")
}

func TestDiscoveryTopics(t *testing.T) {
	assert.Equal(t, []string{"dex.pairs.discovered.ethereum", "dex.pairs.discovered.solana"},
		DiscoveryTopics([]string{"ethereum", "solana"}))
}

func TestPublishJSON_LiftsEnvelopeIntoHeaders(t *testing.T) {
	p := NewMemoryProducer(0)
	ev := PairProcessed{BaseEvent: NewBaseEvent("pipeline", "1.0.0"), PairAddress: "0xpair", Status: "APPROVED"}
	ev.CausationID = "cause-1"

	require.NoError(t, p.PublishJSON(context.Background(), Topics.PairsProcessed(), ev.PairAddress, ev))

	msgs := p.Messages(Topics.PairsProcessed())
	require.Len(t, msgs, 1)
	assert.Equal(t, ev.EventID, msgs[0].Headers["event_id"])
	assert.Equal(t, ev.TraceID, msgs[0].Headers["trace_id"])
	assert.Equal(t, "cause-1", msgs[0].Headers["causation_id"])
	assert.Equal(t, "pipeline", msgs[0].Headers["source"])
	assert.True(t, msgs[0].Timestamp.Equal(ev.Timestamp))
}

func TestPublishJSON_PlainValueHasNoHeaders(t *testing.T) {
	p := NewMemoryProducer(0)
	require.NoError(t, p.PublishJSON(context.Background(), "t", "k", map[string]string{"a": "b"}))
	assert.Empty(t, p.Messages("t")[0].Headers)
}

func TestMemoryProducer_Closed(t *testing.T) {
	p := NewMemoryProducer(0)
	p.Close()
	err := p.PublishJSON(context.Background(), "t", "k", 1)
	assert.ErrorIs(t, err, ErrProducerClosed)
}

func TestDiscoveryHandler_HeaderTrace(t *testing.T) {
	var got PairDiscovered
	h := DiscoveryHandler(func(_ context.Context, ev PairDiscovered) error {
		got = ev
		return nil
	})
	raw := []byte(`{"chain_id":"base","pair_address":"0xp","token0":"0xa","token1":"0xb"}`)

	require.NoError(t, h(context.Background(), Message{Value: raw, Headers: map[string]string{"trace_id": "from-header"}}))
	assert.Equal(t, "from-header", got.TraceID)

	// a producer-stamped event keeps its own trace
	ev := PairDiscovered{BaseEvent: NewBaseEvent("indexer", "1.0.0"), ChainID: "base", PairAddress: "0xp", Token0: "0xa", Token1: "0xb"}
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, h(context.Background(), Message{Value: data, Headers: map[string]string{"trace_id": "other"}}))
	assert.Equal(t, ev.TraceID, got.TraceID)
}
