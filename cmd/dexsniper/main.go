package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nexus-trading/dexsniper/internal/audit"
	"github.com/nexus-trading/dexsniper/internal/autotrade"
	"github.com/nexus-trading/dexsniper/internal/bus"
	"github.com/nexus-trading/dexsniper/internal/cache"
	"github.com/nexus-trading/dexsniper/internal/clickhouse"
	"github.com/nexus-trading/dexsniper/internal/config"
	"github.com/nexus-trading/dexsniper/internal/execution"
	"github.com/nexus-trading/dexsniper/internal/feed"
	"github.com/nexus-trading/dexsniper/internal/honeypot"
	"github.com/nexus-trading/dexsniper/internal/intel"
	"github.com/nexus-trading/dexsniper/internal/market"
	"github.com/nexus-trading/dexsniper/internal/observability"
	"github.com/nexus-trading/dexsniper/internal/pipeline"
	"github.com/nexus-trading/dexsniper/internal/queue"
	"github.com/nexus-trading/dexsniper/internal/regime"
	"github.com/nexus-trading/dexsniper/internal/risk"
	"github.com/nexus-trading/dexsniper/internal/safety"
	"github.com/nexus-trading/dexsniper/internal/storage/postgres"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var allModes = []string{
	string(autotrade.ModeDisabled),
	string(autotrade.ModeAdvisory),
	string(autotrade.ModeConservative),
	string(autotrade.ModeStandard),
	string(autotrade.ModeAggressive),
}

func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Optional dotenv file loaded before config expansion")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "WARN: failed to load %s: %v\n", *envFile, err)
	}

	// 2. Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	// 3. Setup logging.
	setupLogging(cfg.General)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Configuration validation failed")
	}

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Str("environment", cfg.General.Environment).
		Str("mode", string(cfg.Autotrade.Mode)).
		Bool("dry_run", cfg.Autotrade.DryRun).
		Strs("chains", cfg.Risk.SupportedChains).
		Msg("dexsniper: starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(cfg.HTTP.MetricsNamespace)
	health := observability.NewHealthMonitor(
		time.Duration(cfg.HTTP.HealthIntervalS)*time.Second,
		time.Duration(cfg.HTTP.HealthCheckTimeoutMs)*time.Millisecond)

	// 4. Event bus.
	var producer bus.Producer
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := bus.NewProducer(cfg.Kafka.Brokers,
			bus.WithInstanceID(cfg.General.InstanceID),
			bus.WithSchemaVersion(cfg.Kafka.SchemaVersion),
			bus.WithLinger(time.Duration(cfg.Kafka.LingerMs)*time.Millisecond))
		if err != nil {
			log.Fatal().Err(err).Msg("Kafka producer init failed")
		}
		producer = kp
	} else {
		producer = bus.NewMemoryProducer(1000)
		log.Warn().Msg("dexsniper: no kafka brokers configured, bus kept in memory")
	}
	defer producer.Close()

	// 5. Blacklist cache and repository.
	var safetyOpts []safety.Option
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient, err = cache.Connect(ctx, cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("Redis connection failed")
		}
		defer redisClient.Close()
		safetyOpts = append(safetyOpts, safety.WithCache(cache.NewBlacklistCache(redisClient, cfg.Redis.Prefix)))
		health.Register("redis", pingCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
	}

	var pgPool *postgres.Pool
	if cfg.Postgres.DSN != "" {
		pgPool, err = postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			log.Fatal().Err(err).Msg("Postgres connection failed")
		}
		defer pgPool.Close()
		if err := postgres.Migrate(ctx, pgPool); err != nil {
			log.Fatal().Err(err).Msg("Postgres migration failed")
		}
		safetyOpts = append(safetyOpts, safety.WithRepository(postgres.NewSafetyRepository(pgPool)))
		health.Register("postgres", pingCheck("postgres", pgPool.Ping))
	}

	// 6. Execution, risk and market data.
	dryRun := execution.NewDryRunExecutor(cfg.DryRun)
	registry := honeypot.NewRegistry(cfg.Honeypot)
	chains := make(map[string]risk.ChainClient, len(cfg.Risk.SupportedChains))
	for _, chain := range cfg.Risk.SupportedChains {
		chains[chain] = execution.NewSimulatedChain(dryRun, chain)
	}
	assessor := risk.NewAssessor(cfg.Risk, chains, registry)

	validator := market.NewValidator(market.NewDexscreenerClient(cfg.Market.Dexscreener), cfg.Market.Validator)
	detector := regime.NewDetector(cfg.Regime)
	intelEngine := intel.NewEngine(cfg.Intel, detector)
	intelFeed := intel.NewMemoryFeed(cfg.Intel.FeedBufferSize, cfg.Intel.FeedMaxTokens)

	processor, err := pipeline.NewProcessor(cfg.Pipeline, validator, intelFeed, intelEngine, assessor)
	if err != nil {
		log.Fatal().Err(err).Msg("Pipeline init failed")
	}

	// 7. Safety controls.
	safetyOpts = append(safetyOpts, safety.WithExecutor(dryRun), safety.WithRegistry(registry))
	controls := safety.NewControls(cfg.Safety, safetyOpts...)
	if err := controls.LoadBlacklist(ctx); err != nil {
		log.Error().Err(err).Msg("dexsniper: blacklist warm-up failed, continuing with cache only")
	}

	// 8. Autotrade.
	oppQueue := queue.New(cfg.Queue)
	engine, err := autotrade.NewEngine(cfg.Autotrade, oppQueue, dryRun, controls,
		autotrade.WithProducer(producer),
		autotrade.WithCodeSource(assessor),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Autotrade init failed")
	}
	metrics.SetMode(string(engine.Mode()), allModes)

	// 9. Sinks.
	var trail *audit.Trail
	if cfg.Audit.Enabled {
		trail = audit.NewTrail(producer, cfg.Audit.Buffer)
	}

	var chWriter *clickhouse.BatchWriter
	if cfg.ClickHouse.Enabled {
		chClient, err := clickhouse.NewClient(cfg.ClickHouse)
		if err != nil {
			log.Fatal().Err(err).Msg("ClickHouse init failed")
		}
		defer chClient.Close()
		if err := chClient.EnsureSchema(ctx, cfg.ClickHouse.Database); err != nil {
			log.Error().Err(err).Msg("dexsniper: clickhouse schema setup failed")
		}
		chWriter = clickhouse.NewBatchWriter(chClient, cfg.ClickHouse.Database,
			cfg.ClickHouse.BatchSize, time.Duration(cfg.ClickHouse.FlushInterval)*time.Second)
		chWriter.Start(ctx)
		health.Register("clickhouse", pingCheck("clickhouse", chClient.Ping))
	}

	// 10. Wiring.
	onTerminal := func(p *pipeline.ProcessedPair) {
		ev := p.Event()
		metrics.ObservePair(ev.Status, ev.OpportunityLevel, time.Duration(ev.ProcessingMs)*time.Millisecond)
		err := producer.PublishJSON(ctx, bus.Topics.PairsProcessed(), ev.PairAddress, ev)
		metrics.ObserveSink("kafka", err)
		if err != nil {
			log.Warn().Err(err).Str("pair", ev.PairAddress).Msg("dexsniper: publish processed pair failed")
		}
		if chWriter != nil {
			metrics.ObserveSink("clickhouse", chWriter.WritePair(ctx, ev))
		}
		if trail != nil {
			trail.RecordPair(p)
		}
	}
	for _, st := range []pipeline.Status{pipeline.StatusApproved, pipeline.StatusRejected, pipeline.StatusError} {
		processor.OnStatus(st, onTerminal)
	}
	processor.OnStatus(pipeline.StatusApproved, func(p *pipeline.ProcessedPair) {
		adm := engine.SubmitPair(ctx, p)
		metrics.ObserveAdmission(adm.Accepted, adm.Advisory, adm.Reasons)
		if trail != nil {
			trail.RecordAdmission(p, adm)
		}
	})

	engine.SetOnResult(func(ex autotrade.Execution) {
		metrics.ObserveExecution(string(ex.Status), ex.Vetoed, time.Duration(ex.DurationMs)*time.Millisecond)
		if trail != nil {
			trail.RecordExecution(ex)
		}
		if chWriter != nil && !ex.Vetoed {
			metrics.ObserveSink("clickhouse", chWriter.WriteTrade(ctx, ex.Event()))
		}
	})

	controls.SetOnEvent(func(ev safety.Event) {
		metrics.SafetyEvents.WithLabelValues(string(ev.Type)).Inc()
		switch ev.Type {
		case safety.EventBreakerTripped:
			metrics.SetBreaker(string(ev.Breaker), true)
		case safety.EventBreakerReset:
			metrics.SetBreaker(string(ev.Breaker), false)
		case safety.EventEmergencyStop:
			metrics.SetEmergencyStop(true)
		case safety.EventResumed:
			metrics.SetEmergencyStop(false)
		}
		be := ev.BusEvent()
		err := producer.PublishJSON(context.WithoutCancel(ctx), bus.Topics.SafetyEvents(), be.EventType, be)
		metrics.ObserveSink("kafka", err)
		if chWriter != nil {
			metrics.ObserveSink("clickhouse", chWriter.WriteSafety(ctx, be))
		}
		if trail != nil {
			trail.RecordSafety(ev)
		}
	})

	// 11. Discovery inputs share one dedup window. The websocket feed checks
	// it before emitting; Kafka records are checked here.
	dedup := feed.NewDedup(cfg.Feed.DedupSize)
	submit := func(ev bus.PairDiscovered, source string) {
		if !processor.Submit(ev) {
			dedup.Forget(ev.ChainID, ev.PairAddress)
			metrics.FeedMessages.WithLabelValues("dropped").Inc()
			return
		}
		metrics.FeedMessages.WithLabelValues("accepted").Inc()
		log.Debug().Str("source", source).Str("pair", ev.PairAddress).Msg("dexsniper: pair submitted")
	}

	processor.Start(ctx)
	engine.Start(ctx)

	var wg sync.WaitGroup

	var wsFeed *feed.WSFeed
	if cfg.Feed.Enabled {
		wsFeed = feed.NewWSFeed(cfg.Feed, dedup)
		pairs, err := wsFeed.Start(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Feed start failed")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range pairs {
				submit(ev, "feed")
			}
		}()
		health.Register("feed", func(context.Context) observability.ComponentHealth {
			st := wsFeed.Stats()
			h := observability.ComponentHealth{Status: observability.StatusHealthy,
				Details: map[string]any{"pairs_emitted": st.PairsEmitted, "reconnects": st.Reconnects}}
			if !st.Connected {
				h.Status, h.Message = observability.StatusDegraded, "websocket disconnected"
			}
			return h
		})
	}

	if len(cfg.Kafka.Brokers) > 0 {
		consumer, err := bus.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, bus.DiscoveryTopics(cfg.Kafka.Chains))
		if err != nil {
			log.Fatal().Err(err).Msg("Kafka consumer init failed")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer consumer.Close()
			err := consumer.Consume(ctx, bus.DiscoveryHandler(func(_ context.Context, ev bus.PairDiscovered) error {
				if dedup.Seen(ev.ChainID, ev.PairAddress) {
					metrics.FeedMessages.WithLabelValues("duplicate").Inc()
					return nil
				}
				submit(ev, "kafka")
				return nil
			}))
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("dexsniper: kafka consumer stopped")
			}
		}()

		signals, err := bus.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID+"-intel", []string{bus.Topics.IntelSignals()})
		if err != nil {
			log.Fatal().Err(err).Msg("Kafka intel consumer init failed")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer signals.Close()
			if err := signals.Consume(ctx, intelFeed.SignalHandler()); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("dexsniper: intel consumer stopped")
			}
		}()
	}

	// 12. Health checks.
	health.Register("pipeline", func(context.Context) observability.ComponentHealth {
		st := processor.Stats()
		h := observability.ComponentHealth{Status: observability.StatusHealthy,
			Details: map[string]any{"queue_depth": st.QueueDepth, "in_flight": st.InFlight, "processed": st.Processed}}
		switch {
		case !st.Running:
			h.Status, h.Message = observability.StatusUnhealthy, "processor stopped"
		case st.QueueDepth >= cfg.Pipeline.QueueSize*9/10:
			h.Status, h.Message = observability.StatusDegraded, "discovery queue nearly full"
		}
		return h
	})
	health.Register("autotrade", func(context.Context) observability.ComponentHealth {
		st := engine.Stats()
		h := observability.ComponentHealth{Status: observability.StatusHealthy,
			Details: map[string]any{"mode": st.Mode, "in_flight": st.InFlight, "queue": st.Queue.Size}}
		if !st.Running {
			h.Status, h.Message = observability.StatusUnhealthy, "engine stopped"
		}
		return h
	})
	health.Register("safety", func(context.Context) observability.ComponentHealth {
		st := controls.Stats()
		h := observability.ComponentHealth{Status: observability.StatusHealthy}
		var open []string
		for _, b := range st.Breakers {
			if b.Open {
				open = append(open, string(b.Type))
			}
		}
		switch {
		case st.EmergencyStop:
			h.Status, h.Message = observability.StatusDegraded, "emergency stop: "+st.StopReason
		case len(open) > 0:
			h.Status, h.Message = observability.StatusDegraded, fmt.Sprintf("breakers open: %v", open)
		}
		return h
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		health.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case a := <-health.Alerts():
				ev := bus.SafetyEvent{
					BaseEvent:   bus.NewBaseEvent("health", "1.0.0"),
					EventType:   "HEALTH_" + strings.ToUpper(string(a.To)),
					Severity:    strings.ToUpper(a.Level),
					Description: a.Component + ": " + a.Message,
				}
				err := producer.PublishJSON(ctx, bus.Topics.SafetyEvents(), a.Component, ev)
				metrics.ObserveSink("kafka", err)
			}
		}
	}()

	// 13. HTTP control plane.
	cp := &controlPlane{
		pairs:   processor,
		engine:  engine,
		safety:  controls,
		trail:   trail,
		health:  health.Handler(),
		metrics: metrics.Handler(),
		onMode: func(m autotrade.Mode) {
			metrics.SetMode(string(m), allModes)
		},
		onStop: metrics.SetEmergencyStop,
		stats: func() map[string]any {
			out := map[string]any{
				"pipeline":   processor.Stats(),
				"autotrade":  engine.Stats(),
				"safety":     controls.Stats(),
				"risk":       assessor.Stats(),
				"intel":      intelEngine.Stats(),
				"honeypot":   registry.Stats(),
				"dry_run":    dryRun.Stats(),
				"dedup":      dedup.Stats(),
				"intel_feed": map[string]int{"tokens": intelFeed.Tokens()},
			}
			if wsFeed != nil {
				out["feed"] = wsFeed.Stats()
			}
			if chWriter != nil {
				out["clickhouse"] = chWriter.Stats()
			}
			return out
		},
	}
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           cp.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(cfg.HTTP.ReadTimeoutS) * time.Second,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("dexsniper: HTTP server started (health + stats + control + metrics)")
		if srvErr := server.ListenAndServe(); srvErr != nil && srvErr != http.ErrServerClosed {
			log.Error().Err(srvErr).Msg("HTTP server error")
		}
	}()

	// 14. Periodic gauges and stats logging.
	wg.Add(1)
	go func() {
		defer wg.Done()
		gaugeTicker := time.NewTicker(5 * time.Second)
		statsTicker := time.NewTicker(30 * time.Second)
		defer gaugeTicker.Stop()
		defer statsTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-gaugeTicker.C:
				updateGauges(metrics, processor, engine, controls)
			case <-statsTicker.C:
				ps := processor.Stats()
				es := engine.Stats()
				log.Info().
					Int64("pairs_processed", ps.Processed).
					Int64("approved", ps.Approved).
					Int64("rejected", ps.Rejected).
					Int64("errors", ps.Errors).
					Str("mode", string(es.Mode)).
					Int64("accepted", es.Accepted).
					Int64("completed", es.Metrics.Completed).
					Float64("success_rate", es.Metrics.SuccessRate).
					Str("window_pnl_usd", es.Metrics.WindowProfitUSD.StringFixed(2)).
					Bool("emergency_stop", controls.Stopped()).
					Msg("[STATS]")
			}
		}
	}()

	log.Info().Msg("dexsniper: running, waiting for pairs")

	// 15. Block until shutdown.
	<-ctx.Done()
	log.Info().Msg("dexsniper: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("dexsniper: HTTP shutdown")
	}
	shutdownCancel()

	processor.Stop()
	engine.Stop()
	wg.Wait()

	if chWriter != nil {
		if err := chWriter.Close(); err != nil {
			log.Warn().Err(err).Msg("dexsniper: clickhouse final flush failed")
		}
	}
	producer.Flush(5 * time.Second)

	ps := processor.Stats()
	es := engine.Stats()
	log.Info().
		Int64("pairs_processed", ps.Processed).
		Int64("approved", ps.Approved).
		Int64("submitted", es.Submitted).
		Int64("accepted", es.Accepted).
		Int64("completed", es.Metrics.Completed).
		Int64("failed", es.Metrics.Failed).
		Str("total_pnl_usd", es.Metrics.TotalProfitUSD.StringFixed(2)).
		Msg("dexsniper: final statistics")
	log.Info().Msg("dexsniper: shutdown complete")
}

// updateGauges copies component state into the Prometheus gauges.
func updateGauges(m *observability.Metrics, p *pipeline.Processor, e *autotrade.Engine, c *safety.Controls) {
	ps := p.Stats()
	m.PipelineQueueDepth.Set(float64(ps.QueueDepth))
	m.PipelineInFlight.Set(float64(ps.InFlight))

	es := e.Stats()
	m.QueueSize.Set(float64(es.Queue.Size))
	m.QueueEvictions.Set(float64(es.Queue.Evicted))
	m.QueueExpired.Set(float64(es.Queue.Expired))
	m.TradesInFlight.Set(float64(es.InFlight))
	m.SuccessRate.Set(es.Metrics.SuccessRate)
	m.WindowProfitUSD.Set(es.Metrics.WindowProfitUSD.InexactFloat64())
	m.SetMode(string(es.Mode), allModes)

	cs := c.Stats()
	m.SetEmergencyStop(cs.EmergencyStop)
	m.Blacklisted.Set(float64(cs.Blacklisted))
	for _, b := range cs.Breakers {
		m.SetBreaker(string(b.Type), b.Open)
	}
	for chain, spend := range cs.Spend {
		m.DailySpendUSD.WithLabelValues(chain).Set(spend.Daily.InexactFloat64())
	}
}

// pingCheck adapts a ping function to a health check.
func pingCheck(name string, ping func(ctx context.Context) error) observability.HealthCheck {
	return func(ctx context.Context) observability.ComponentHealth {
		if err := ping(ctx); err != nil {
			return observability.ComponentHealth{
				Status:  observability.StatusUnhealthy,
				Message: fmt.Sprintf("%s ping: %v", name, err),
			}
		}
		return observability.ComponentHealth{Status: observability.StatusHealthy}
	}
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "dexsniper").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "dexsniper").
			Str("instance", general.InstanceID).Logger()
	}
}
