package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/polyinsider/shadowflow/internal/alert"
	"github.com/polyinsider/shadowflow/internal/cache"
	"github.com/polyinsider/shadowflow/internal/config"
	"github.com/polyinsider/shadowflow/internal/detector"
	"github.com/polyinsider/shadowflow/internal/feed"
	"github.com/polyinsider/shadowflow/internal/ingest"
	"github.com/polyinsider/shadowflow/internal/metrics"
	"github.com/polyinsider/shadowflow/internal/scheduler"
	"github.com/polyinsider/shadowflow/internal/store"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Ingest live trades and run detection cycles until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	slog.Info("shadowflow starting", "version", version)
	slog.Info("config_loaded",
		"data_api_url", cfg.DataAPIURL,
		"ws_feed", cfg.EnableWSFeed,
		"discord_webhook", cfg.MaskedDiscordWebhook(),
		"nats_url", cfg.NATSURL,
		"redis_addr", cfg.RedisAddr,
		"db_path", cfg.DBPath,
		"lookback", cfg.Lookback,
		"cycle_interval", cfg.CycleInterval,
		"anomaly_model", cfg.Detection.AnomalyModel,
		"sync_threshold_seconds", cfg.Detection.SyncThresholdSeconds,
		"prometheus_port", cfg.PrometheusPort,
	)

	engine, err := detector.NewEngine(cfg.Detection)
	if err != nil {
		return err
	}

	tracker := metrics.NewMetricsTracker()
	buf := feed.NewBuffer(cfg.Lookback)

	recorder, err := openRecorder(cfg)
	if err != nil {
		return err
	}
	defer recorder.Close()

	notifiers := []alert.Notifier{alert.LogNotifier{}}
	if cfg.DiscordWebhookURL != "" {
		notifiers = append(notifiers, alert.NewDiscordNotifier(cfg.DiscordWebhookURL))
	}

	var sinks []scheduler.ResultSink
	if cfg.NATSURL != "" {
		conn, err := alert.ConnectNATS(cfg.NATSURL)
		if err != nil {
			return err
		}
		defer conn.Drain()
		n := alert.NewNATSNotifier(conn, cfg.NATSSubject)
		notifiers = append(notifiers, n)
		sinks = append(sinks, n)
	}
	if cfg.RedisAddr != "" {
		rc, err := cache.NewResultCache(cfg.RedisAddr, 2*cfg.CycleInterval)
		if err != nil {
			return err
		}
		defer rc.Close()
		sinks = append(sinks, rc)
	}

	sched, err := scheduler.New(ctx, engine, buf, scheduler.Options{
		Interval:   cfg.CycleInterval,
		Alerts:     alert.NewManager(cfg.Detection.AlertThresholds, cfg.Detection.Cooldown()),
		Dispatcher: alert.NewDispatcher(cfg.AlertMinInterval, cfg.AlertBurst, notifiers...),
		Recorder:   recorder,
		Sinks:      sinks,
		Metrics:    tracker,
	})
	if err != nil {
		return err
	}

	markets := activeMarkets(ctx, cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tracker.Serve(gctx, cfg.PrometheusPort) })

	if cfg.DataAPIURL != "" {
		poller := ingest.NewTradesPoller(cfg.DataAPIURL, cfg.TradePollInterval, buf, tracker)
		poller.SetMarkets(markets)
		g.Go(func() error {
			poller.Start(gctx)
			return nil
		})
	}

	if cfg.EnableWSFeed {
		listener := ingest.NewListener(cfg.PolymarketWSURL, buf, tracker)
		listener.SetMarkets(markets)
		listener.Start(gctx)
		g.Go(func() error {
			<-gctx.Done()
			listener.Stop()
			return nil
		})
	}

	if err := sched.Start(); err != nil {
		return err
	}
	g.Go(func() error {
		<-gctx.Done()
		sched.Stop()
		return nil
	})

	slog.Info("engine_started",
		"status", "listening for trades",
		"markets", len(markets),
	)

	err = g.Wait()
	if latest := sched.Latest(); latest != nil {
		slog.Info("final_assessment",
			"cycle", latest.CycleID,
			"score", fmt.Sprintf("%.1f", latest.Assessment.Score),
			"band", latest.Assessment.Band,
		)
	}
	slog.Info("shutdown_complete")
	return err
}

func openRecorder(cfg *config.Config) (store.Recorder, error) {
	if cfg.DBPath == "" {
		return store.NewNoopRecorder(), nil
	}
	rec, err := store.NewSQLiteRecorder(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open result store: %w", err)
	}
	return rec, nil
}

// activeMarkets scopes ingestion to the busiest open markets. Any failure
// falls back to the unfiltered stream.
func activeMarkets(ctx context.Context, cfg *config.Config) []string {
	if cfg.MarketLimit <= 0 {
		return nil
	}
	fetchCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	ids, err := ingest.NewMarketLister().ActiveConditionIDs(fetchCtx, cfg.MarketLimit)
	if err != nil {
		slog.Warn("failed to fetch active markets, ingesting all markets", "error", err)
		return nil
	}
	for _, id := range ids {
		slog.Debug("market_tracked", "condition_id", truncateID(id))
	}
	return ids
}
