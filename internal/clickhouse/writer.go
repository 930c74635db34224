package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/dexsniper/internal/bus"
	"github.com/rs/zerolog/log"
)

// ErrWriterClosed is returned by writes after Close.
var ErrWriterClosed = errors.New("clickhouse: writer is closed")

// Table names, without database prefix.
const (
	TablePairDecisions   = "pair_decisions"
	TableTradeExecutions = "trade_executions"
	TableSafetyEvents    = "safety_events"
)

// FlushFunc receives one table's rows in column order. Used by tests in place
// of a live connection.
type FlushFunc func(ctx context.Context, table string, rows [][]any) error

// BatchWriter batches pipeline decisions, executions and safety events and
// flushes them to ClickHouse periodically or when a buffer fills.
type BatchWriter struct {
	client        *Client
	dbPrefix      string
	batchSize     int
	flushInterval time.Duration
	flushHook     FlushFunc

	mu        sync.Mutex
	pairBuf   []bus.PairProcessed
	tradeBuf  []bus.TradeExecuted
	safetyBuf []bus.SafetyEvent
	closed    bool

	cancel context.CancelFunc
	done   chan struct{}

	rowsWritten atomic.Int64
	flushCount  atomic.Int64
	errorCount  atomic.Int64
}

// WriterStats is a snapshot of writer counters.
type WriterStats struct {
	Flushes       int64 `json:"flushes"`
	Errors        int64 `json:"errors"`
	RowsWritten   int64 `json:"rows_written"`
	PendingPairs  int   `json:"pending_pairs"`
	PendingTrades int   `json:"pending_trades"`
	PendingSafety int   `json:"pending_safety"`
}

// NewBatchWriter creates a batch writer that flushes on size or interval.
// dbPrefix is prepended to table names when set.
func NewBatchWriter(client *Client, dbPrefix string, batchSize int, flushInterval time.Duration) *BatchWriter {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	return &BatchWriter{
		client:        client,
		dbPrefix:      dbPrefix,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		pairBuf:       make([]bus.PairProcessed, 0, batchSize),
		tradeBuf:      make([]bus.TradeExecuted, 0, 64),
		safetyBuf:     make([]bus.SafetyEvent, 0, 64),
	}
}

// SetFlushHook replaces the ClickHouse batch path. Intended for testing only.
func (w *BatchWriter) SetFlushHook(hook FlushFunc) {
	w.flushHook = hook
}

func (w *BatchWriter) tableName(name string) string {
	if w.dbPrefix == "" {
		return name
	}
	return w.dbPrefix + "." + name
}

// WritePair buffers a processed pair. A full buffer triggers a flush.
func (w *BatchWriter) WritePair(ctx context.Context, ev bus.PairProcessed) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	w.pairBuf = append(w.pairBuf, ev)
	full := len(w.pairBuf) >= w.batchSize
	w.mu.Unlock()

	if full {
		return w.Flush(ctx)
	}
	return nil
}

// WriteTrade buffers an execution result.
func (w *BatchWriter) WriteTrade(ctx context.Context, ev bus.TradeExecuted) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	w.tradeBuf = append(w.tradeBuf, ev)
	full := len(w.tradeBuf) >= w.batchSize
	w.mu.Unlock()

	if full {
		return w.Flush(ctx)
	}
	return nil
}

// WriteSafety buffers a safety event.
func (w *BatchWriter) WriteSafety(_ context.Context, ev bus.SafetyEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	w.safetyBuf = append(w.safetyBuf, ev)
	return nil
}

// Start begins the background flush loop. Close stops it.
func (w *BatchWriter) Start(ctx context.Context) {
	bgCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()

		log.Info().
			Str("prefix", w.dbPrefix).
			Int("batch_size", w.batchSize).
			Dur("flush_interval", w.flushInterval).
			Msg("clickhouse: batch writer started")

		for {
			select {
			case <-bgCtx.Done():
				return
			case <-ticker.C:
				if err := w.Flush(bgCtx); err != nil {
					log.Error().Err(err).Msg("clickhouse: periodic flush error")
				}
			}
		}
	}()
}

// Flush writes all buffered rows. Every table is attempted; the first error
// is returned. Rows of a failed table are dropped.
func (w *BatchWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	pairs, trades, safety := w.pairBuf, w.tradeBuf, w.safetyBuf
	w.pairBuf = make([]bus.PairProcessed, 0, w.batchSize)
	w.tradeBuf = make([]bus.TradeExecuted, 0, 64)
	w.safetyBuf = make([]bus.SafetyEvent, 0, 64)
	w.mu.Unlock()

	if len(pairs) == 0 && len(trades) == 0 && len(safety) == 0 {
		return nil
	}

	var firstErr error
	write := func(table string, rows [][]any) {
		if len(rows) == 0 {
			return
		}
		if err := w.send(ctx, table, rows); err != nil {
			log.Error().Err(err).Str("table", table).Int("count", len(rows)).Msg("clickhouse: flush failed")
			w.errorCount.Add(1)
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		w.rowsWritten.Add(int64(len(rows)))
	}

	write(TablePairDecisions, pairRows(pairs))
	write(TableTradeExecutions, tradeRows(trades))
	write(TableSafetyEvents, safetyRows(safety))

	w.flushCount.Add(1)
	log.Debug().
		Int("pairs", len(pairs)).
		Int("trades", len(trades)).
		Int("safety", len(safety)).
		Int64("total_flushes", w.flushCount.Load()).
		Msg("clickhouse: batch flushed")

	return firstErr
}

func (w *BatchWriter) send(ctx context.Context, table string, rows [][]any) error {
	if w.flushHook != nil {
		return w.flushHook(ctx, w.tableName(table), rows)
	}
	if w.client == nil {
		return fmt.Errorf("clickhouse: no client for %s", table)
	}

	batch, err := w.client.Conn().PrepareBatch(ctx, "INSERT INTO "+w.tableName(table))
	if err != nil {
		return fmt.Errorf("prepare %s batch: %w", table, err)
	}
	for _, r := range rows {
		if err := batch.Append(r...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append %s row: %w", table, err)
		}
	}
	return batch.Send()
}

// Close stops the background loop and performs a final flush.
func (w *BatchWriter) Close() error {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	if err := w.Flush(context.Background()); err != nil {
		log.Error().Err(err).Msg("clickhouse: final flush on close failed")
		return err
	}

	log.Info().
		Int64("flushes", w.flushCount.Load()).
		Int64("rows", w.rowsWritten.Load()).
		Int64("errors", w.errorCount.Load()).
		Msg("clickhouse: batch writer closed")
	return nil
}

// Stats returns writer statistics.
func (w *BatchWriter) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriterStats{
		Flushes:       w.flushCount.Load(),
		Errors:        w.errorCount.Load(),
		RowsWritten:   w.rowsWritten.Load(),
		PendingPairs:  len(w.pairBuf),
		PendingTrades: len(w.tradeBuf),
		PendingSafety: len(w.safetyBuf),
	}
}

// ---------------------------------------------------------------------------
// Row mapping, column order matches schema.sql
// ---------------------------------------------------------------------------

func pairRows(evs []bus.PairProcessed) [][]any {
	rows := make([][]any, 0, len(evs))
	for _, e := range evs {
		rows = append(rows, []any{
			e.EventID, e.Timestamp, e.ChainID, e.DexID, e.PairAddress,
			e.Status, e.OpportunityLevel, boolToUInt8(e.Tradeable),
			e.RiskScore, e.RiskLevel, e.IntelScore,
			e.LiquidityUSD.InexactFloat64(), e.PriceUSD.InexactFloat64(),
			nonNil(e.Warnings), nonNil(e.Errors), e.ProcessingMs,
		})
	}
	return rows
}

func tradeRows(evs []bus.TradeExecuted) [][]any {
	rows := make([][]any, 0, len(evs))
	for _, e := range evs {
		rows = append(rows, []any{
			e.EventID, e.Timestamp, e.OpportunityID, e.ChainID, e.TokenAddress,
			e.Side, e.Amount.InexactFloat64(), e.Status, e.TxHash,
			e.ProfitPct, boolToUInt8(e.DryRun), e.Error,
		})
	}
	return rows
}

func safetyRows(evs []bus.SafetyEvent) [][]any {
	rows := make([][]any, 0, len(evs))
	for _, e := range evs {
		rows = append(rows, []any{
			e.EventID, e.Timestamp, e.EventType, e.Severity,
			e.ChainID, e.TokenAddress, e.Description,
		})
	}
	return rows
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
