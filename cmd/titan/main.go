// Command titan runs the execution core: webhook ingress, intent pipeline,
// broker gateway, shadow ledger, reconciliation and the kill-switches, all
// wired over the in-process event bus.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/titanops/titan/internal/api"
	"github.com/titanops/titan/internal/broker"
	"github.com/titanops/titan/internal/bus"
	"github.com/titanops/titan/internal/config"
	"github.com/titanops/titan/internal/killswitch"
	"github.com/titanops/titan/internal/l2"
	"github.com/titanops/titan/internal/metrics"
	"github.com/titanops/titan/internal/panicctl"
	"github.com/titanops/titan/internal/phase"
	"github.com/titanops/titan/internal/pipeline"
	"github.com/titanops/titan/internal/reconcile"
	"github.com/titanops/titan/internal/regime"
	"github.com/titanops/titan/internal/safety"
	"github.com/titanops/titan/internal/sched"
	"github.com/titanops/titan/internal/shadow"
	"github.com/titanops/titan/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "titan:", err)
		os.Exit(1)
	}
}

func run() error {
	// Local development convenience; missing .env is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("TITAN_CONFIG"))
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	log.Info().Str("env", cfg.App.Environment).Msg("Starting titan execution core")

	eventBus, err := bus.New()
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	defer eventBus.Close()

	// Durable layer: store, retry queue, fire-and-forget recorder.
	st, err := store.Open(store.Config{
		Type:    cfg.Database.Type,
		URL:     cfg.Database.URL,
		PoolMin: cfg.Database.PoolMin,
		PoolMax: cfg.Database.PoolMax,
	})
	if err != nil {
		return fmt.Errorf("durable store: %w", err)
	}
	defer st.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelMigrate()
	if err := st.Migrate(migrateCtx); err != nil {
		return fmt.Errorf("schema migration: %w", err)
	}

	queue := store.NewRetryQueue(eventBus, 5, time.Second)
	recorder := store.NewRecorder(st, queue)

	shadowState := shadow.New(eventBus,
		shadow.WithRecorder(recorder),
		shadow.WithIntentTTL(cfg.Intents.TTL()),
		shadow.WithHistorySize(cfg.Intents.HistorySize),
	)

	// Crash recovery: adopt unclosed rows before any signal is accepted.
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()
	if rows, err := st.RecoverOpenPositions(startupCtx); err != nil {
		log.Warn().Err(err).Msg("Position recovery failed, starting with an empty ledger")
	} else if n := shadowState.RecoverPositions(rows); n > 0 {
		log.Warn().Int("positions", n).Msg("Adopted open positions from a previous run")
	}

	// Venue adapter and gateway.
	adapter, err := buildAdapter(cfg)
	if err != nil {
		return err
	}
	limiter := safety.NewAdaptiveRateLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst,
		safety.WithMaxBackoff(cfg.RateLimit.MaxBackoffFactor),
		safety.WithRecoveryWindow(cfg.RateLimit.RecoveryWindow()))
	gateway := broker.NewGateway(adapter, broker.GatewayOptions{
		Retry: broker.RetryConfig{
			MaxRetries:  cfg.Broker.MaxRetries,
			Delay:       cfg.Broker.RetryBackoff(),
			CallTimeout: cfg.Broker.Timeout(),
		},
		IdempotencyTTL: cfg.Idempotency.TTL(),
		Cache:          buildIdempotencyCache(cfg),
		Throttler:      limiter,
		Bus:            eventBus,
	})

	cfgMgr := config.NewManager(cfg, eventBus)
	cfgMgr.SetConnectionTester(credentialTester{live: cfg.Broker.Name == "binance"})

	// Market structure: L2 books fed from the venue depth stream.
	books := l2.NewBookCache()
	validator := l2.NewValidator(books, l2Preset(cfg))
	stopDepth := startDepthFeed(cfg, gateway, books)
	defer stopDepth()

	// Cascade detector fed from the venue's forced liquidation stream.
	liquidations := safety.NewLiquidationDetector(safety.DefaultLiquidationConfig())
	stopLiq := startLiquidationFeed(cfg, gateway, liquidations)
	defer stopLiq()

	phaseMgr := phase.NewManager(func(ctx context.Context) (float64, error) {
		acct, err := gateway.GetAccount(ctx)
		return acct.Equity, err
	}, eventBus)
	phaseMgr.Refresh(startupCtx)

	breaker := buildBreaker(startupCtx, cfg, gateway)

	triggers := pipeline.NewTriggerLayer(gateway, eventBus,
		cfg.Pipeline.TriggerTimeout(), cfg.Pipeline.MaxBasisWait(), cfg.Pipeline.PrepareExpiryPolicy)
	orders := pipeline.NewOrderManager(pipeline.OrderConfig{
		MakerFeePct:    cfg.Fees.MakerPct,
		TakerFeePct:    cfg.Fees.TakerPct,
		ChaseTimeout:   cfg.Pipeline.ChaseTimeout(),
		MinTakerMargin: cfg.Pipeline.MinTakerMarginPct,
	}, gateway, eventBus)
	basis := pipeline.NewBasisMonitor(pipeline.BasisConfig{
		Tolerance:    cfg.Pipeline.MaxBasisTolerance,
		DesyncPct:    cfg.Pipeline.DesyncBasisPct,
		DesyncWindow: time.Duration(cfg.Pipeline.DesyncWindowMS) * time.Millisecond,
	}, eventBus)

	funding, _ := adapter.(pipeline.FundingProvider)

	// The external regime engine pushes vectors through POST /api/regime.
	regimeProvider := regime.NewCachedProvider(5 * time.Minute)

	pipe := pipeline.New(pipeline.Deps{
		Config:      cfgMgr,
		Phase:       phaseMgr,
		Breaker:     breaker,
		Liquidation: liquidations,
		Limiter:     limiter,
		Derivatives: safety.NewDerivativesRegime(),
		Funding:     funding,
		Regime:      regimeProvider,
		Books:       books,
		L2:          validator,
		Orders:      orders,
		Gateway:     gateway,
		Shadow:      shadowState,
		Triggers:    triggers,
		Basis:       basis,
		Bus:         eventBus,
	})

	markPrice := func(symbol string) (float64, error) { return books.MidPrice(symbol) }

	panicCtl := panicctl.New(shadowState, gateway, pipe, triggers, markPrice, eventBus)

	reconciler := reconcile.New(reconcile.Config{
		Epsilon:                  cfg.Reconcile.SizeEpsilon,
		RelTolerance:             cfg.Reconcile.SizeRelativeTolerance,
		MaxConsecutiveMismatches: cfg.Reconcile.MaxConsecutiveMismatches,
	}, gateway, shadowState, pipe, markPrice, eventBus)

	heartbeat := killswitch.NewHeartbeat(killswitch.HeartbeatConfig{
		Interval:  time.Duration(cfg.Heartbeat.IntervalMS) * time.Millisecond,
		MaxMissed: cfg.Heartbeat.MaxMissed,
	}, panicCtl, eventBus)
	drift := killswitch.NewZScoreDrift(killswitch.DriftConfig{
		WindowSize:   cfg.Drift.WindowSize,
		ExpectedMean: cfg.Drift.ExpectedMeanPnL,
		ZThreshold:   cfg.Drift.ZScoreThreshold,
	}, panicCtl, eventBus)
	flash := killswitch.NewFlashCrash(killswitch.FlashCrashConfig{
		Window:     time.Duration(cfg.Drift.FlashCrashWindowS) * time.Second,
		MaxDropPct: cfg.Drift.FlashCrashPct * 100,
	}, panicCtl, eventBus)

	// Bus bridges: realized PnL feeds the breaker and the drift detector,
	// operational events land in the audit table.
	unsubTrades, err := bus.On(eventBus, bus.TopicTradeRecorded, func(ev bus.TradeRecorded) {
		breaker.RecordTrade(ev.PnL)
		drift.Record(ev.PnL)
	})
	if err != nil {
		return fmt.Errorf("trade bridge: %w", err)
	}
	defer unsubTrades()
	unsubEvents, err := bus.On(eventBus, bus.TopicSystemEvent, recorder.RecordSystemEvent)
	if err != nil {
		return fmt.Errorf("event bridge: %w", err)
	}
	defer unsubEvents()
	unsubRegime, err := bus.On(eventBus, bus.TopicPositionOpened, func(ev bus.PositionEvent) {
		if v := regimeProvider.Latest(ev.Symbol); v != nil {
			recorder.RecordRegimeSnapshot(ev.Symbol, *v)
		}
	})
	if err != nil {
		return fmt.Errorf("regime bridge: %w", err)
	}
	defer unsubRegime()

	// Monitoring.
	updater := metrics.NewUpdater(shadowState, pipe, phaseMgr)
	if err := updater.Start(eventBus); err != nil {
		return fmt.Errorf("metrics updater: %w", err)
	}
	defer updater.Stop()

	var metricsSrv *metrics.Server
	if cfg.Monitoring.EnableMetrics {
		metricsSrv = metrics.NewServer(cfg.Monitoring.MetricsPort)
		go func() {
			if err := metricsSrv.Start(); err != nil {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	// One scheduler owns every periodic task.
	scheduler := sched.New()
	jobs := []struct {
		every time.Duration
		name  string
		fn    func() error
	}{
		{cfg.Reconcile.Interval(), "reconcile", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			reconciler.RunCycle(ctx)
			return nil
		}},
		{time.Duration(cfg.Heartbeat.IntervalMS) * time.Millisecond, "heartbeat_check", func() error {
			heartbeat.CheckBeat()
			return nil
		}},
		{cfg.Idempotency.SweepInterval(), "idempotency_sweep", func() error {
			gateway.SweepIdempotency()
			return nil
		}},
		{time.Duration(cfg.Intents.SweepMS) * time.Millisecond, "intent_sweep", func() error {
			shadowState.ExpireStaleIntents(time.Now())
			return nil
		}},
		{time.Second, "trigger_sweep", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			pipe.RunSweep(ctx, time.Now())
			return nil
		}},
		{5 * time.Second, "retry_drain", func() error {
			queue.Drain()
			return nil
		}},
		{time.Minute, "phase_refresh", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			phaseMgr.Refresh(ctx)
			return nil
		}},
		{5 * time.Second, "equity_watch", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			acct, err := gateway.GetAccount(ctx)
			if err != nil {
				return err
			}
			flash.UpdateEquity(acct.Equity)
			breaker.UpdateEquity(acct.Equity)
			return nil
		}},
		{30 * time.Second, "metrics_refresh", func() error {
			updater.Refresh()
			return nil
		}},
	}
	if cfg.Backup.Enabled {
		jobs = append(jobs, struct {
			every time.Duration
			name  string
			fn    func() error
		}{time.Duration(cfg.Backup.IntervalMS) * time.Millisecond, "backup", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			_, err := st.Backup(ctx, cfg.Backup.Dir)
			return err
		}})
	}
	for _, job := range jobs {
		if err := scheduler.AddFunc(fmt.Sprintf("@every %s", job.every), job.name, job.fn); err != nil {
			return fmt.Errorf("schedule %s: %w", job.name, err)
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	// HTTP edge.
	server := api.NewServer(api.Config{
		Host:       cfg.Server.Host,
		Port:       cfg.Server.Port,
		HMACSecret: cfg.HMACSecret,
	}, api.Deps{
		Pipeline:  pipe,
		Config:    cfgMgr,
		Gateway:   gateway,
		Shadow:    shadowState,
		Store:     st,
		Panic:     panicCtl,
		Heartbeat: heartbeat,
		Phase:     phaseMgr,
		Regime:    regimeProvider,
		Bus:       eventBus,
	})

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil {
			return err
		}
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return err
	}
	if metricsSrv != nil {
		if err := metricsSrv.Stop(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Metrics server did not stop cleanly")
		}
	}

	// Let in-flight durable writes land before the pool closes.
	recorder.Flush()

	log.Info().Msg("Shutdown complete")
	return nil
}

// buildBreaker sizes the circuit breaker from startup equity: the daily loss
// limit is configured as a fraction of equity but enforced as an absolute.
func buildBreaker(ctx context.Context, cfg *config.Config, gateway *broker.Gateway) *safety.CircuitBreaker {
	bc := safety.BreakerConfig{
		MaxConsecutiveLosses: cfg.Risk.MaxConsecutiveLosses,
		MaxDrawdownPct:       cfg.Risk.MaxDrawdownPct * 100,
		ResetHourUTC:         cfg.Risk.DailyResetHourUTC,
	}
	if acct, err := gateway.GetAccount(ctx); err != nil {
		def := safety.DefaultBreakerConfig()
		bc.MaxDailyLoss = def.MaxDailyLoss
		log.Warn().Err(err).Float64("max_daily_loss", bc.MaxDailyLoss).
			Msg("Equity unavailable at startup, using the default daily loss limit")
	} else {
		bc.MaxDailyLoss = acct.Equity * cfg.Risk.MaxDailyLossPct
	}
	return safety.NewCircuitBreaker(bc)
}

func buildAdapter(cfg *config.Config) (broker.Adapter, error) {
	switch cfg.Broker.Name {
	case "binance":
		return broker.NewBinanceAdapter(broker.BinanceConfig{
			APIKey:    cfg.Broker.APIKey,
			APISecret: cfg.Broker.APISecret,
			Testnet:   cfg.Broker.Testnet,
		}), nil
	case "paper":
		return broker.NewMockAdapter(10_000), nil
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Broker.Name)
	}
}

func buildIdempotencyCache(cfg *config.Config) broker.IdempotencyCache {
	if cfg.Idempotency.Backend != "redis" {
		return nil // gateway defaults to the in-memory cache
	}
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Idempotency.RedisAddr,
		DB:   cfg.Idempotency.RedisDB,
	})
	return broker.NewRedisCache(client)
}

// credentialTester validates candidate API keys for the config manager. In
// paper mode any non-empty pair passes.
type credentialTester struct{ live bool }

func (t credentialTester) TestConnection(ctx context.Context, apiKey, apiSecret string) error {
	if !t.live {
		return nil
	}
	return broker.TestCredentials(ctx, apiKey, apiSecret)
}

func l2Preset(cfg *config.Config) l2.Preset {
	preset := l2.PresetFor(cfg.L2.Preset)
	if cfg.L2.MaxCacheAgeMS > 0 {
		preset.MaxAgeMs = int64(cfg.L2.MaxCacheAgeMS)
	}
	if cfg.L2.MinStructure > 0 {
		preset.MinStructureScore = cfg.L2.MinStructure
	}
	if cfg.L2.TopLevels > 0 {
		preset.OBILevels = cfg.L2.TopLevels
	}
	if cfg.L2.MinDepth > 0 {
		preset.MinDepth = cfg.L2.MinDepth
	}
	if cfg.L2.MaxSpreadPct > 0 {
		preset.MaxSpreadPct = cfg.L2.MaxSpreadPct
	}
	if cfg.L2.MaxSlippagePct > 0 {
		preset.MaxSlippagePct = cfg.L2.MaxSlippagePct
	}
	return preset
}

// startDepthFeed subscribes every whitelisted symbol to the venue depth
// stream and mirrors the snapshots into the book cache.
func startDepthFeed(cfg *config.Config, gateway *broker.Gateway, books *l2.BookCache) func() {
	var stops []func()
	for symbol, enabled := range cfg.Whitelist.Assets {
		if !enabled {
			continue
		}
		sym := symbol
		stop, err := gateway.SubscribeDepth(sym, func(upd broker.DepthUpdate) {
			books.Update(sym, toLevels(upd.Bids), toLevels(upd.Asks))
		})
		if err != nil {
			log.Warn().Err(err).Str("symbol", sym).Msg("No depth stream for symbol")
			continue
		}
		stops = append(stops, stop)
	}
	return func() {
		for _, stop := range stops {
			stop()
		}
	}
}

// startLiquidationFeed subscribes every whitelisted symbol to the venue's
// forced liquidation stream and records the events on the cascade detector.
func startLiquidationFeed(cfg *config.Config, gateway *broker.Gateway, detector *safety.LiquidationDetector) func() {
	var stops []func()
	for symbol, enabled := range cfg.Whitelist.Assets {
		if !enabled {
			continue
		}
		stop, err := gateway.SubscribeLiquidations(symbol, func(liq broker.Liquidation) {
			detector.Record(safety.LiquidationEvent{
				Symbol:    liq.Symbol,
				Side:      liq.Side,
				Notional:  liq.Price * liq.Qty,
				Timestamp: liq.Timestamp,
			})
		})
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("No liquidation stream for symbol")
			continue
		}
		stops = append(stops, stop)
	}
	return func() {
		for _, stop := range stops {
			stop()
		}
	}
}

func toLevels(in []broker.BookLevel) []l2.Level {
	out := make([]l2.Level, 0, len(in))
	for _, lvl := range in {
		out = append(out, l2.Level{Price: lvl.Price, Qty: lvl.Qty})
	}
	return out
}
