package bus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

// MessageHandler processes a consumed message. An error is logged and the
// record is still committed; a bad discovery is not worth a redelivery loop.
type MessageHandler func(ctx context.Context, msg Message) error

// DiscoveryHandler adapts a typed pair callback to a MessageHandler. A trace
// id in the record headers wins over the one minted for id-less payloads.
func DiscoveryHandler(fn func(ctx context.Context, ev PairDiscovered) error) MessageHandler {
	return func(ctx context.Context, msg Message) error {
		ev, err := DecodePairDiscovered(msg.Value)
		if err != nil {
			return err
		}
		if trace := msg.Headers["trace_id"]; trace != "" && ev.Producer == "bus" {
			ev.TraceID = trace
		}
		return fn(ctx, ev)
	}
}

// Consumer reads bus topics.
type Consumer interface {
	// Consume polls until ctx is cancelled.
	Consume(ctx context.Context, handler MessageHandler) error
	Close()
}

// ConsumerStats counts consumed records.
type ConsumerStats struct {
	Records       int64 `json:"records"`
	HandlerErrors int64 `json:"handler_errors"`
	FetchErrors   int64 `json:"fetch_errors"`
	Commits       int64 `json:"commits"`
}

// KafkaConsumer is a franz-go group consumer. Offsets are committed after
// each polled batch has been handed to the handler.
type KafkaConsumer struct {
	client  *kgo.Client
	groupID string
	topics  []string
	closed  atomic.Bool

	records       atomic.Int64
	handlerErrors atomic.Int64
	fetchErrors   atomic.Int64
	commits       atomic.Int64
}

// NewConsumer joins groupID on topics. A new group starts at the log end:
// pairs announced before the sniper came up are already stale.
func NewConsumer(brokers []string, groupID string, topics []string) (*KafkaConsumer, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("bus: at least one topic is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(groupID),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: create consumer: %w", err)
	}

	log.Info().
		Strs("brokers", brokers).
		Str("group_id", groupID).
		Strs("topics", topics).
		Msg("bus: kafka consumer created")

	return &KafkaConsumer{client: client, groupID: groupID, topics: topics}, nil
}

// Consume polls until ctx is cancelled. Handler errors never stop the loop.
func (c *KafkaConsumer) Consume(ctx context.Context, handler MessageHandler) error {
	if c.closed.Load() {
		return errors.New("bus: consumer closed")
	}

	log.Info().Strs("topics", c.topics).Str("group", c.groupID).Msg("bus: consuming")

	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			c.client.AllowRebalance()
			return ctx.Err()
		}
		if fetches.IsClientClosed() {
			return errors.New("bus: consumer closed")
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.fetchErrors.Add(1)
			log.Error().Err(err).
				Str("topic", topic).
				Int32("partition", partition).
				Msg("bus: fetch error")
		})

		n := 0
		fetches.EachRecord(func(r *kgo.Record) {
			n++
			c.records.Add(1)
			if err := handler(ctx, recordToMessage(r)); err != nil {
				c.handlerErrors.Add(1)
				log.Warn().Err(err).
					Str("topic", r.Topic).
					Int32("partition", r.Partition).
					Int64("offset", r.Offset).
					Msg("bus: handler error")
			}
		})

		if n > 0 {
			if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
				log.Warn().Err(err).Str("group", c.groupID).Msg("bus: commit failed")
			} else {
				c.commits.Add(1)
			}
		}
		c.client.AllowRebalance()
	}
}

// Close leaves the group. Safe to call twice.
func (c *KafkaConsumer) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.client.Close()
	log.Info().
		Str("group", c.groupID).
		Int64("records", c.records.Load()).
		Msg("bus: kafka consumer closed")
}

// Stats returns consumption counters.
func (c *KafkaConsumer) Stats() ConsumerStats {
	return ConsumerStats{
		Records:       c.records.Load(),
		HandlerErrors: c.handlerErrors.Load(),
		FetchErrors:   c.fetchErrors.Load(),
		Commits:       c.commits.Load(),
	}
}

func recordToMessage(r *kgo.Record) Message {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	return Message{
		Topic:     r.Topic,
		Key:       string(r.Key),
		Value:     r.Value,
		Headers:   headers,
		Timestamp: r.Timestamp,
	}
}

// ---------------------------------------------------------------------------
// Topics
// Pattern: <domain>.<category>[.<chain>]
// ---------------------------------------------------------------------------

// TopicNaming provides canonical topic names.
type TopicNaming struct{}

func (TopicNaming) PairsDiscovered(chain string) string { return "dex.pairs.discovered." + chain }
func (TopicNaming) PairsProcessed() string              { return "dex.pairs.processed" }
func (TopicNaming) TradesExecuted() string              { return "exec.trades" }
func (TopicNaming) SafetyEvents() string                { return "risk.safety_events" }
func (TopicNaming) AuditEventStore() string             { return "audit.event_store" }
func (TopicNaming) IntelSignals() string                { return "intel.signals" }

// Topics is the global topic naming instance.
var Topics = TopicNaming{}

// DiscoveryTopics returns the discovery topics for chains.
func DiscoveryTopics(chains []string) []string {
	topics := make([]string, 0, len(chains))
	for _, c := range chains {
		topics = append(topics, Topics.PairsDiscovered(c))
	}
	return topics
}
