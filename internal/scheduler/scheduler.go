// Package scheduler drives detection cycles and owns the process-wide result.
//
// Lifecycle: New is called once with a validated engine, Start registers the
// periodic trigger, every completed cycle atomically replaces the latest
// Result, and Stop cancels any in-flight cycle and waits for cron to drain.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/polyinsider/shadowflow/internal/alert"
	"github.com/polyinsider/shadowflow/internal/detector"
	"github.com/polyinsider/shadowflow/internal/feed"
	"github.com/polyinsider/shadowflow/internal/metrics"
	"github.com/polyinsider/shadowflow/internal/store"
)

// ResultSink receives every published result (cache, broadcast).
type ResultSink interface {
	Publish(ctx context.Context, r *store.Result) error
}

// pruner is implemented by feeds that hold a bounded history.
type pruner interface {
	Prune(now time.Time) int
}

// Options wires the collaborators of a Scheduler. Nil fields get no-op or
// log-only defaults.
type Options struct {
	Interval   time.Duration
	Alerts     *alert.Manager
	Dispatcher *alert.Dispatcher
	Recorder   store.Recorder
	Sinks      []ResultSink
	Metrics    *metrics.MetricsTracker
	Now        func() time.Time
}

// Scheduler runs cycles on a cron interval or on demand. A new cycle
// supersedes the one in flight: the older cycle is cancelled and its result,
// if it still completes, is discarded.
type Scheduler struct {
	ctx    context.Context
	cron   *cron.Cron
	engine *detector.Engine
	source feed.Source
	opts   Options

	mu       sync.Mutex
	seq      uint64
	inflight context.CancelFunc

	// publishMu serializes publication and alert evaluation across cycles.
	publishMu sync.Mutex
	published uint64

	latest atomic.Pointer[store.Result]
}

// New builds a scheduler. ctx bounds every cycle it runs.
func New(ctx context.Context, engine *detector.Engine, source feed.Source, opts Options) (*Scheduler, error) {
	if engine == nil || source == nil {
		return nil, errors.New("scheduler needs an engine and a trade source")
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("invalid cycle interval %s", opts.Interval)
	}
	if opts.Alerts == nil {
		cfg := engine.Config()
		opts.Alerts = alert.NewManager(cfg.AlertThresholds, cfg.Cooldown())
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = alert.NewDispatcher(0, 1, alert.LogNotifier{})
	}
	if opts.Recorder == nil {
		opts.Recorder = store.NewNoopRecorder()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetricsTracker()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Scheduler{
		ctx:    ctx,
		cron:   cron.New(),
		engine: engine,
		source: source,
		opts:   opts,
	}, nil
}

// Start registers the periodic cycle and starts cron.
func (s *Scheduler) Start() error {
	schedule := "@every " + s.opts.Interval.String()
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return fmt.Errorf("register cycle: %w", err)
	}
	s.cron.Start()
	slog.Info("scheduler_started", "interval", s.opts.Interval)
	return nil
}

// Stop cancels the in-flight cycle and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.inflight != nil {
		s.inflight()
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	slog.Info("scheduler_stopped")
}

func (s *Scheduler) tick() {
	if _, err := s.Trigger(s.ctx); err != nil && !errors.Is(err, detector.ErrStaleSnapshot) {
		slog.Error("cycle_failed", "error", err)
	}
}

// Latest returns the most recent complete result, or nil before the first
// cycle completes. The returned Result must not be modified.
func (s *Scheduler) Latest() *store.Result {
	return s.latest.Load()
}

// AlertState exposes the alert manager's state.
func (s *Scheduler) AlertState() store.AlertState {
	return s.opts.Alerts.State()
}

// Trigger runs one cycle now over a fresh snapshot. It returns
// detector.ErrStaleSnapshot if a newer cycle superseded this one.
func (s *Scheduler) Trigger(ctx context.Context) (*store.Result, error) {
	s.mu.Lock()
	if s.inflight != nil {
		s.inflight()
	}
	s.seq++
	seq := s.seq
	cycleCtx, cancel := context.WithCancel(ctx)
	s.inflight = cancel
	s.mu.Unlock()
	defer cancel()

	start := time.Now()
	now := s.opts.Now()
	snap := s.source.Snapshot(now)
	if p, ok := s.source.(pruner); ok {
		if n := p.Prune(now); n > 0 {
			slog.Debug("feed_pruned", "removed", n)
		}
	}

	res, err := s.engine.Run(cycleCtx, snap)
	switch {
	case errors.Is(err, detector.ErrStaleSnapshot):
		s.discard(seq)
		return nil, err
	case err != nil:
		s.opts.Metrics.IncrementCycleOutcome(metrics.OutcomeFailed)
		return nil, fmt.Errorf("cycle %d: %w", seq, err)
	}
	res.CycleID = seq

	fired, err := s.publish(seq, res)
	if err != nil {
		s.discard(seq)
		return nil, err
	}
	s.opts.Metrics.ObserveCycle(res, time.Since(start))

	slog.Info("cycle_completed",
		"cycle", seq,
		"trades", res.TradeCount,
		"clusters", len(res.Clusters),
		"wallet_clusters", len(res.WalletClusters),
		"score", fmt.Sprintf("%.1f", res.Assessment.Score),
		"band", res.Assessment.Band,
		"duration", time.Since(start),
	)

	s.deliver(ctx, res, fired)
	return res, nil
}

func (s *Scheduler) discard(seq uint64) {
	slog.Debug("cycle_discarded", "cycle", seq, "reason", "superseded")
	s.opts.Metrics.IncrementCycleOutcome(metrics.OutcomeStale)
}

// publish swaps in res and evaluates alerts, unless a newer cycle has been
// started or already published.
func (s *Scheduler) publish(seq uint64, res *store.Result) (*store.Alert, error) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	current := s.seq
	s.mu.Unlock()
	if seq != current || seq <= s.published {
		return nil, detector.ErrStaleSnapshot
	}

	s.latest.Store(res)
	s.published = seq

	before := s.opts.Alerts.State().SuppressedTotal
	fired := s.opts.Alerts.Evaluate(res.Assessment, res.AsOf)
	if s.opts.Alerts.State().SuppressedTotal > before {
		s.opts.Metrics.IncrementSuppressed()
	}
	return fired, nil
}

// deliver pushes the result and any alert to the sinks. Sink failures are
// logged; the result is already published.
func (s *Scheduler) deliver(ctx context.Context, res *store.Result, fired *store.Alert) {
	if err := s.opts.Recorder.RecordResult(res); err != nil {
		slog.Error("record_result_failed", "cycle", res.CycleID, "error", err)
	}
	for _, sink := range s.opts.Sinks {
		if err := sink.Publish(ctx, res); err != nil {
			slog.Error("result_sink_failed", "cycle", res.CycleID, "error", err)
		}
	}

	if fired == nil {
		return
	}
	s.opts.Metrics.IncrementAlert(fired)
	if err := s.opts.Recorder.RecordAlert(fired); err != nil {
		slog.Error("record_alert_failed", "alert_id", fired.ID, "error", err)
	}
	if err := s.opts.Dispatcher.Dispatch(ctx, fired); err != nil {
		slog.Warn("alert_dispatch_incomplete", "alert_id", fired.ID, "error", err)
	}
}
