package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

// ErrProducerClosed is returned by Publish after Close.
var ErrProducerClosed = errors.New("bus: producer closed")

// Message is one record on the bus.
type Message struct {
	Topic     string
	Key       string // partition key, usually the pair or token address
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Producer publishes decision events. Kafka in production, memory when no
// brokers are configured.
type Producer interface {
	// Publish sends msg and waits for the broker acknowledgement.
	Publish(ctx context.Context, msg Message) error
	// PublishJSON marshals value and publishes it. Events carrying a
	// BaseEvent get their ids copied into the record headers.
	PublishJSON(ctx context.Context, topic, key string, value any) error
	// Flush waits for buffered records. Returns 0 on success.
	Flush(timeout time.Duration) int
	Close()
}

// Traced is implemented by every event embedding BaseEvent.
type Traced interface {
	Base() BaseEvent
}

// Base returns the embedded envelope.
func (b BaseEvent) Base() BaseEvent { return b }

// envelopeHeaders lifts the event envelope into record headers so consumers
// can route and join on trace without decoding the body.
func envelopeHeaders(value any) map[string]string {
	t, ok := value.(Traced)
	if !ok {
		return nil
	}
	b := t.Base()
	h := make(map[string]string, 4)
	if b.EventID != "" {
		h["event_id"] = b.EventID
	}
	if b.TraceID != "" {
		h["trace_id"] = b.TraceID
	}
	if b.CausationID != "" {
		h["causation_id"] = b.CausationID
	}
	if b.Producer != "" {
		h["source"] = b.Producer
	}
	return h
}

func marshalMessage(topic, key string, value any) (Message, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return Message{}, fmt.Errorf("bus: marshal %s: %w", topic, err)
	}
	msg := Message{Topic: topic, Key: key, Value: data, Headers: envelopeHeaders(value)}
	if t, ok := value.(Traced); ok {
		msg.Timestamp = t.Base().Timestamp
	}
	return msg, nil
}

// ---------------------------------------------------------------------------
// Kafka
// ---------------------------------------------------------------------------

// ProducerOption configures a KafkaProducer.
type ProducerOption func(*producerConfig)

type producerConfig struct {
	instanceID    string
	schemaVersion string
	maxBuffered   int
	linger        time.Duration
}

// WithInstanceID sets the client id and the producer header.
func WithInstanceID(id string) ProducerOption {
	return func(c *producerConfig) { c.instanceID = id }
}

// WithSchemaVersion sets the schema_version header.
func WithSchemaVersion(v string) ProducerOption {
	return func(c *producerConfig) { c.schemaVersion = v }
}

// WithMaxBufferedRecords bounds the client buffer before Publish blocks.
func WithMaxBufferedRecords(n int) ProducerOption {
	return func(c *producerConfig) { c.maxBuffered = n }
}

// WithLinger sets how long the client waits to fill a batch.
func WithLinger(d time.Duration) ProducerOption {
	return func(c *producerConfig) { c.linger = d }
}

// ProducerStats counts publish outcomes.
type ProducerStats struct {
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
}

// KafkaProducer publishes to Kafka/RedPanda through franz-go.
type KafkaProducer struct {
	client   *kgo.Client
	defaults map[string]string
	closed   atomic.Bool

	published atomic.Int64
	failed    atomic.Int64
}

// NewProducer creates a producer with snappy batches and all-ISR acks. Keys
// are hashed to partitions so every event about one pair stays ordered.
func NewProducer(brokers []string, opts ...ProducerOption) (*KafkaProducer, error) {
	cfg := &producerConfig{
		instanceID:    "dexsniper",
		schemaVersion: "1.0.0",
		maxBuffered:   10000,
		linger:        5 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("bus: no brokers configured")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(cfg.instanceID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(cfg.linger),
		kgo.MaxBufferedRecords(cfg.maxBuffered),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: create producer: %w", err)
	}

	log.Info().
		Strs("brokers", brokers).
		Str("instance_id", cfg.instanceID).
		Msg("bus: kafka producer created")

	return &KafkaProducer{
		client: client,
		defaults: map[string]string{
			"producer":       cfg.instanceID,
			"schema_version": cfg.schemaVersion,
		},
	}, nil
}

func (p *KafkaProducer) record(msg Message) *kgo.Record {
	headers := make([]kgo.RecordHeader, 0, len(msg.Headers)+len(p.defaults)+1)
	for k, v := range msg.Headers {
		headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	for k, v := range p.defaults {
		if _, ok := msg.Headers[k]; !ok {
			headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}
	if _, ok := msg.Headers["event_id"]; !ok {
		headers = append(headers, kgo.RecordHeader{Key: "event_id", Value: []byte(uuid.NewString())})
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &kgo.Record{
		Topic:     msg.Topic,
		Key:       []byte(msg.Key),
		Value:     msg.Value,
		Headers:   headers,
		Timestamp: ts,
	}
}

// Publish sends msg synchronously.
func (p *KafkaProducer) Publish(ctx context.Context, msg Message) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	results := p.client.ProduceSync(ctx, p.record(msg))
	if err := results.FirstErr(); err != nil {
		p.failed.Add(1)
		log.Error().Err(err).
			Str("topic", msg.Topic).
			Str("key", msg.Key).
			Msg("bus: publish failed")
		return fmt.Errorf("bus: publish to %s: %w", msg.Topic, err)
	}
	p.published.Add(1)

	r := results[0].Record
	log.Debug().
		Str("topic", r.Topic).
		Int32("partition", r.Partition).
		Int64("offset", r.Offset).
		Msg("bus: published")
	return nil
}

// PublishJSON marshals value and publishes it.
func (p *KafkaProducer) PublishJSON(ctx context.Context, topic, key string, value any) error {
	msg, err := marshalMessage(topic, key, value)
	if err != nil {
		return err
	}
	return p.Publish(ctx, msg)
}

// Flush waits for all buffered records. Returns 0 on success, 1 on error.
func (p *KafkaProducer) Flush(timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := p.client.Flush(ctx); err != nil {
		log.Error().Err(err).Msg("bus: flush failed")
		return 1
	}
	return 0
}

// Close flushes and shuts down the client. Safe to call twice.
func (p *KafkaProducer) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.client.Close()
	log.Info().
		Int64("published", p.published.Load()).
		Int64("failed", p.failed.Load()).
		Msg("bus: kafka producer closed")
}

// Stats returns publish counters.
func (p *KafkaProducer) Stats() ProducerStats {
	return ProducerStats{Published: p.published.Load(), Failed: p.failed.Load()}
}

// ---------------------------------------------------------------------------
// Memory
// ---------------------------------------------------------------------------

// MemoryProducer keeps messages in memory. Used when no brokers are
// configured and in unit tests.
type MemoryProducer struct {
	mu       sync.Mutex
	messages []Message
	maxKeep  int
	closed   bool
}

// NewMemoryProducer keeps at most maxKeep messages, oldest dropped first.
// maxKeep <= 0 keeps everything.
func NewMemoryProducer(maxKeep int) *MemoryProducer {
	return &MemoryProducer{messages: make([]Message, 0, 64), maxKeep: maxKeep}
}

func (p *MemoryProducer) Publish(_ context.Context, msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProducerClosed
	}
	p.messages = append(p.messages, msg)
	if p.maxKeep > 0 && len(p.messages) > p.maxKeep {
		p.messages = p.messages[len(p.messages)-p.maxKeep:]
	}
	return nil
}

func (p *MemoryProducer) PublishJSON(ctx context.Context, topic, key string, value any) error {
	msg, err := marshalMessage(topic, key, value)
	if err != nil {
		return err
	}
	return p.Publish(ctx, msg)
}

func (p *MemoryProducer) Flush(time.Duration) int { return 0 }

func (p *MemoryProducer) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Messages returns the captured messages for topic. An empty topic returns
// every message.
func (p *MemoryProducer) Messages(topic string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, 0, len(p.messages))
	for _, m := range p.messages {
		if topic == "" || m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
