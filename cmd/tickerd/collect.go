package main

import (
	"context"
	"fmt"
	"time"

	"github.com/openquant/tickerd/pkg/backfill"
	"github.com/openquant/tickerd/pkg/config"
	"github.com/openquant/tickerd/pkg/coordinator"
	"github.com/openquant/tickerd/pkg/events"
	"github.com/openquant/tickerd/pkg/failover"
	"github.com/openquant/tickerd/pkg/log"
	"github.com/openquant/tickerd/pkg/monitor"
	"github.com/openquant/tickerd/pkg/normalize"
	"github.com/openquant/tickerd/pkg/pipeline"
	"github.com/openquant/tickerd/pkg/provider"
	"github.com/openquant/tickerd/pkg/provider/alpaca"
	"github.com/openquant/tickerd/pkg/provider/polygon"
	"github.com/openquant/tickerd/pkg/provider/stooq"
	"github.com/openquant/tickerd/pkg/session"
	"github.com/openquant/tickerd/pkg/sink"
	"github.com/openquant/tickerd/pkg/types"
	"github.com/spf13/cobra"
)

// shutdownGrace bounds how long teardown may take
const shutdownGrace = 5 * time.Second

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run the live collector",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runCollect(cfg)
	},
}

func sessionConfig(cfg config.SessionConfig) session.Config {
	base := session.DefaultConfig()
	if cfg.Profile == "resilient" {
		base = session.ResilientConfig()
	}
	if cfg.RetryBaseDelay > 0 {
		base.ReconnectBaseDelay = cfg.RetryBaseDelay
	}
	if cfg.MaxRetryDelay > 0 {
		base.MaxReconnectDelay = cfg.MaxRetryDelay
	}
	if cfg.MaxReconnectAttempts > 0 {
		base.MaxReconnectAttempts = cfg.MaxReconnectAttempts
	} else if cfg.MaxRetries > 0 {
		// Older configs set max_retries; it bounds the same schedule.
		base.MaxReconnectAttempts = cfg.MaxRetries
	}
	if cfg.HeartbeatInterval > 0 {
		base.HeartbeatInterval = cfg.HeartbeatInterval
	}
	if cfg.HeartbeatTimeout > 0 {
		base.HeartbeatTimeout = cfg.HeartbeatTimeout
	}
	if cfg.OperationTimeout > 0 {
		base.OperationTimeout = cfg.OperationTimeout
	}
	if cfg.CircuitFailureThreshold > 0 {
		base.CircuitFailureThreshold = cfg.CircuitFailureThreshold
	}
	if cfg.CircuitBreakDuration > 0 {
		base.CircuitBreakDuration = cfg.CircuitBreakDuration
	}
	return base
}

func pipelineConfig(cfg config.PipelineConfig) pipeline.Config {
	policy := pipeline.DropOldest
	if cfg.Backpressure == "block" {
		policy = pipeline.Block
	}
	return pipeline.Config{
		Capacity:      cfg.Capacity,
		BatchSize:     cfg.BatchSize,
		BatchInterval: time.Duration(cfg.BatchIntervalMs) * time.Millisecond,
		PeriodicFlush: time.Duration(cfg.PeriodicFlushMs) * time.Millisecond,
		Policy:        policy,
	}
}

func runCollect(cfg config.Config) error {
	logger := log.WithComponent("collect")

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	fileSink := sink.NewFileSink(cfg.Storage.DataRoot, cfg.Storage.Compress)
	pipe := pipeline.New(pipelineConfig(cfg.Pipeline), sink.NewMultiSink(fileSink, sink.NewBusSink(broker)))
	pipe.Start()

	norm := normalize.New()
	emit := func(ev types.Event) {
		// A provider announcing a sequence reset forgets its tracker state
		// so the restarted counters are not flagged as regressions.
		if ip, ok := ev.Payload.(*types.IntegrityPayload); ok && ip.Condition == types.IntegrityReset {
			norm.ResetSource(ev.Source)
		}
		res := norm.Apply(ev)
		if res.Integrity != nil {
			_ = pipe.Publish(context.Background(), *res.Integrity)
		}
		if res.Outcome == normalize.OutcomeAccept {
			_ = pipe.Publish(context.Background(), res.Event)
		}
	}

	mon := monitor.New(monitor.Config{HeartbeatInterval: sessionConfig(cfg.Session).HeartbeatInterval}, broker)
	mon.Start()
	defer mon.Stop()

	// Declared plugin list: providers register themselves, credentials
	// come from the environment.
	registry := provider.NewRegistry()
	sessCfg := sessionConfig(cfg.Session)
	plugins := []provider.Plugin{
		&alpaca.Plugin{Options: alpaca.Options{Session: sessCfg, Monitor: mon}, Emit: emit},
		&polygon.Plugin{Options: polygon.Options{Session: sessCfg, Monitor: mon}, Emit: emit},
		&stooq.Plugin{},
	}
	if err := provider.LoadPlugins(registry, plugins); err != nil {
		return err
	}

	active, ok := registry.GetStreaming(cfg.Streaming.Provider)
	if !ok {
		if reason, disabled := registry.Disabled()[cfg.Streaming.Provider]; disabled {
			return fmt.Errorf("streaming provider %s is disabled: %s", cfg.Streaming.Provider, reason)
		}
		return fmt.Errorf("unknown streaming provider: %s", cfg.Streaming.Provider)
	}

	health := failover.NewHealthTracker()
	supervisor, err := failover.New(failover.Config{
		Enable:              cfg.Failover.Enable,
		HealthCheckInterval: time.Duration(cfg.Failover.HealthCheckIntervalSeconds) * time.Second,
		Rules:               cfg.Failover.Rules,
	}, health, broker)
	if err != nil {
		return err
	}
	supervisor.SetEmitter(emit)
	supervisor.Start()
	defer supervisor.Stop()

	coord := coordinator.New(active)

	// Control loop: connection health drives provider scoring, failover
	// switches retarget the subscription set.
	ctrl := broker.Subscribe(
		events.TopicConnectionLost,
		events.TopicConnectionRecovered,
		events.TopicFailoverTriggered,
	)
	go func() {
		for ev := range ctrl {
			switch payload := ev.Payload.(type) {
			case events.ConnectionLost:
				health.RecordFailure(payload.ConnectionID, payload.Reason)
			case events.ConnectionRecovered:
				health.RecordSuccess(payload.ConnectionID)
			case events.FailoverTriggered:
				next, ok := registry.GetStreaming(payload.To)
				if !ok {
					logger.Error().Str("provider", payload.To).Msg("Failover target not registered")
					continue
				}
				connectCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
				if err := next.Connect(connectCtx); err != nil {
					logger.Error().Err(err).Str("provider", payload.To).Msg("Failover target connect failed")
				}
				cancel()
				coord.Retarget(next)
			}
		}
	}()

	connectCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = active.Connect(connectCtx)
	cancel()
	if err != nil {
		logger.Error().Err(err).Msg("Initial connect failed, subscriptions deferred")
	}

	coord.Apply(cfg.Symbols)

	// Checkpoint provider health so a restart starts from a known view.
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	checkpointDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, h := range health.Snapshot() {
					snapshot := h
					if err := store.PutProviderHealth(&snapshot); err != nil {
						logger.Warn().Err(err).Msg("Health checkpoint failed")
					}
				}
			case <-checkpointDone:
				return
			}
		}
	}()
	defer close(checkpointDone)

	serveMetrics(cfg.Metrics.ListenAddr)

	logger.Info().
		Str("provider", active.Info().ID).
		Int("symbols", len(cfg.Symbols)).
		Msg("Collector running")

	sig := waitForSignal()
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelShutdown()

	if err := coord.Provider().Disconnect(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Provider disconnect failed")
	}
	broker.Unsubscribe(ctrl)

	if err := pipe.Close(); err != nil {
		logger.Error().Err(err).Msg("Pipeline close reported sink error")
		return err
	}
	return nil
}

func runBackfill(cfg config.Config) error {
	req, err := parseBackfillRequest(cfg)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	fileSink := sink.NewFileSink(cfg.Storage.DataRoot, cfg.Storage.Compress)
	pcfg := pipelineConfig(cfg.Pipeline)
	pcfg.Policy = pipeline.Block // backfill always blocks, never drops
	pipe := pipeline.New(pcfg, fileSink)
	pipe.Start()

	registry := provider.NewRegistry()
	plugins := []provider.Plugin{
		&polygon.Plugin{Options: polygon.Options{}, Emit: func(types.Event) {}},
		&stooq.Plugin{},
	}
	if err := provider.LoadPlugins(registry, plugins); err != nil {
		return err
	}

	orch := backfill.New(registry, store, cfg.Storage.DataRoot)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		waitForSignal()
		cancel()
	}()

	result, runErr := orch.Run(ctx, req, pipe)
	if closeErr := pipe.Close(); closeErr != nil && runErr == nil {
		runErr = closeErr
	}

	if result != nil {
		fmt.Printf("Backfill %s: success=%v bars=%d symbols=%d\n",
			result.RunID, result.Success, result.BarsWritten, len(result.PerSymbolResults))
		for _, sr := range result.PerSymbolResults {
			status := "ok"
			if !sr.Success {
				status = "failed: " + sr.Error
			}
			fmt.Printf("  %-8s %5d bars  %s\n", sr.Symbol, sr.BarsWritten, status)
		}
	}
	return runErr
}
