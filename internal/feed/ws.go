package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nexus-trading/dexsniper/internal/bus"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// WebSocket pair feed: streams newly created DEX pairs from an indexer
// ---------------------------------------------------------------------------

// Config configures the websocket pair feed.
type Config struct {
	Enabled            bool     `yaml:"enabled"`
	URL                string   `yaml:"url"`
	Chains             []string `yaml:"chains"`                // sent in the subscribe frame, empty = all
	ReconnectDelayMs   int      `yaml:"reconnect_delay_ms"`    // default 1000, doubles up to MaxReconnectDelayS
	MaxReconnectDelayS int      `yaml:"max_reconnect_delay_s"` // default 30
	PingIntervalS      int      `yaml:"ping_interval_s"`       // default 30
	ReadTimeoutS       int      `yaml:"read_timeout_s"`        // default 60
	DedupSize          int      `yaml:"dedup_size"`            // default 10000
	BufferSize         int      `yaml:"buffer_size"`           // default 256
}

// DefaultConfig returns defaults. The feed is off until a URL is set.
func DefaultConfig() Config {
	return Config{
		ReconnectDelayMs:   1000,
		MaxReconnectDelayS: 30,
		PingIntervalS:      30,
		ReadTimeoutS:       60,
		DedupSize:          10000,
		BufferSize:         256,
	}
}

// subscribeFrame is sent after every connect.
type subscribeFrame struct {
	Op      string   `json:"op"`
	Channel string   `json:"channel"`
	Chains  []string `json:"chains,omitempty"`
}

// frame is one inbound message. Indexers either push a single pair or a
// batch under "pairs"; anything else (acks, heartbeats) is ignored.
type frame struct {
	Type  string               `json:"type"`
	Pair  *bus.PairDiscovered  `json:"pair,omitempty"`
	Pairs []bus.PairDiscovered `json:"pairs,omitempty"`
}

// WSFeed reads discovered pairs from a websocket and emits each unique pair once.
type WSFeed struct {
	config Config
	dedup  *Dedup

	mu   sync.Mutex // guards conn and serializes writes
	conn *websocket.Conn

	out    chan bus.PairDiscovered
	closed atomic.Bool

	messagesRecv atomic.Int64
	pairsEmitted atomic.Int64
	duplicates   atomic.Int64
	invalid      atomic.Int64
	dropped      atomic.Int64
	reconnects   atomic.Int64
	connected    atomic.Bool
}

// NewWSFeed creates a feed. A nil dedup gets a private window of
// config.DedupSize pairs; pass a shared one to dedup across sources.
func NewWSFeed(config Config, dedup *Dedup) *WSFeed {
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	if dedup == nil {
		dedup = NewDedup(config.DedupSize)
	}
	return &WSFeed{
		config: config,
		dedup:  dedup,
		out:    make(chan bus.PairDiscovered, config.BufferSize),
	}
}

// Start connects and streams pairs until ctx is cancelled. The returned
// channel is closed when the feed stops.
func (f *WSFeed) Start(ctx context.Context) (<-chan bus.PairDiscovered, error) {
	if f.config.URL == "" {
		return nil, fmt.Errorf("feed: no url configured")
	}
	go f.runLoop(ctx)
	return f.out, nil
}

func (f *WSFeed) runLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("feed: runLoop panic recovered")
		}
		f.disconnect()
		if f.closed.CompareAndSwap(false, true) {
			close(f.out)
		}
	}()

	baseDelay := time.Duration(f.config.ReconnectDelayMs) * time.Millisecond
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	maxDelay := time.Duration(f.config.MaxReconnectDelayS) * time.Second
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	delay := baseDelay
	attempt := 0

	for ctx.Err() == nil {
		if err := f.connect(ctx); err != nil {
			attempt++
			f.reconnects.Add(1)
			log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("feed: connection failed")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
			continue
		}

		attempt = 0
		delay = baseDelay
		if err := f.subscribe(); err != nil {
			log.Warn().Err(err).Msg("feed: subscribe failed")
			f.disconnect()
			continue
		}
		f.readLoop(ctx)
		f.disconnect()
	}
}

func (f *WSFeed) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.config.URL, http.Header{})
	if err != nil {
		return fmt.Errorf("feed: dial: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	f.connected.Store(true)

	log.Info().Str("url", f.config.URL).Msg("feed: connected")
	return nil
}

func (f *WSFeed) disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.connected.Store(false)
}

func (f *WSFeed) subscribe() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("feed: not connected")
	}
	return f.conn.WriteJSON(subscribeFrame{Op: "subscribe", Channel: "pairs", Chains: f.config.Chains})
}

func (f *WSFeed) readLoop(ctx context.Context) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return
	}

	readTimeout := time.Duration(f.config.ReadTimeoutS) * time.Second
	if readTimeout <= 0 {
		readTimeout = 60 * time.Second
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	// Pings run beside the blocking reads; closing the conn unblocks ReadMessage.
	done := make(chan struct{})
	defer close(done)
	go f.pingLoop(ctx, conn, done)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				log.Info().Msg("feed: connection closed by server")
			default:
				log.Warn().Err(err).Msg("feed: read error, reconnecting")
			}
			return
		}
		f.messagesRecv.Add(1)
		f.handleMessage(ctx, message)
	}
}

func (f *WSFeed) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	interval := time.Duration(f.config.PingIntervalS) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			f.mu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			f.mu.Unlock()
			conn.Close()
			return
		case <-ticker.C:
			f.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			f.mu.Unlock()
			if err != nil {
				log.Debug().Err(err).Msg("feed: ping failed")
				conn.Close()
				return
			}
		}
	}
}

func (f *WSFeed) handleMessage(ctx context.Context, data []byte) {
	var fr frame
	if err := json.Unmarshal(data, &fr); err != nil {
		f.invalid.Add(1)
		log.Debug().Err(err).Msg("feed: undecodable frame")
		return
	}

	pairs := fr.Pairs
	if fr.Pair != nil {
		pairs = append(pairs, *fr.Pair)
	}
	for _, p := range pairs {
		f.emit(ctx, p)
	}
}

func (f *WSFeed) emit(ctx context.Context, p bus.PairDiscovered) {
	if err := p.Validate(); err != nil {
		f.invalid.Add(1)
		log.Debug().Err(err).Msg("feed: invalid pair dropped")
		return
	}
	if f.dedup.Seen(p.ChainID, p.PairAddress) {
		f.duplicates.Add(1)
		return
	}
	if p.EventID == "" {
		base := bus.NewBaseEvent("feed", "1.0.0")
		if p.TraceID != "" {
			base.TraceID = p.TraceID
		}
		p.BaseEvent = base
	}

	select {
	case f.out <- p:
		f.pairsEmitted.Add(1)
		log.Info().
			Str("chain", p.ChainID).
			Str("dex", p.DexID).
			Str("pair", p.PairAddress).
			Msg("feed: NEW PAIR")
	case <-ctx.Done():
	default:
		// Let the pair through again on a later announcement.
		f.dedup.Forget(p.ChainID, p.PairAddress)
		f.dropped.Add(1)
		log.Warn().Str("pair", p.PairAddress).Msg("feed: output full, dropping pair")
	}
}

// Stats holds feed statistics.
type Stats struct {
	Connected    bool       `json:"connected"`
	MessagesRecv int64      `json:"messages_recv"`
	PairsEmitted int64      `json:"pairs_emitted"`
	Duplicates   int64      `json:"duplicates"`
	Invalid      int64      `json:"invalid"`
	Dropped      int64      `json:"dropped"`
	Reconnects   int64      `json:"reconnects"`
	Dedup        DedupStats `json:"dedup"`
}

// Stats returns a snapshot.
func (f *WSFeed) Stats() Stats {
	return Stats{
		Connected:    f.connected.Load(),
		MessagesRecv: f.messagesRecv.Load(),
		PairsEmitted: f.pairsEmitted.Load(),
		Duplicates:   f.duplicates.Load(),
		Invalid:      f.invalid.Load(),
		Dropped:      f.dropped.Load(),
		Reconnects:   f.reconnects.Load(),
		Dedup:        f.dedup.Stats(),
	}
}
