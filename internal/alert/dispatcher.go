package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/polyinsider/shadowflow/internal/store"
)

// Notifier delivers an alert to one destination.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, a *store.Alert) error
}

// Dispatcher fans alerts out to every notifier. A token bucket caps the
// delivery rate; escalations are always delivered.
type Dispatcher struct {
	notifiers []Notifier
	limiter   *rate.Limiter
}

// NewDispatcher allows burst alerts at once and then one per interval.
// A zero interval disables rate limiting.
func NewDispatcher(interval time.Duration, burst int, notifiers ...Notifier) *Dispatcher {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	if burst < 1 {
		burst = 1
	}
	return &Dispatcher{
		notifiers: notifiers,
		limiter:   rate.NewLimiter(limit, burst),
	}
}

// ErrRateLimited is returned when an alert was dropped by the rate limiter.
var ErrRateLimited = errors.New("alert rate limit exceeded")

// Dispatch sends a to every notifier. Notifier failures are logged and
// joined into the returned error; one failing sink never blocks the others.
func (d *Dispatcher) Dispatch(ctx context.Context, a *store.Alert) error {
	if a == nil {
		return nil
	}
	if !a.Escalation && !d.limiter.Allow() {
		slog.Warn("alert_rate_limited", "alert_id", a.ID, "band", a.Band)
		return ErrRateLimited
	}

	var errs []error
	for _, n := range d.notifiers {
		if err := n.Notify(ctx, a); err != nil {
			slog.Error("alert_delivery_failed", "notifier", n.Name(), "alert_id", a.ID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct{}

func (LogNotifier) Name() string { return "log" }

func (LogNotifier) Notify(_ context.Context, a *store.Alert) error {
	kinds := make([]string, len(a.Breaches))
	for i, b := range a.Breaches {
		kinds[i] = b.Kind
	}
	slog.Warn("alert_fired",
		"alert_id", a.ID,
		"band", a.Band,
		"score", fmt.Sprintf("%.1f", a.Score),
		"breaches", kinds,
		"clusters", len(a.ContributingClusters),
		"escalation", a.Escalation,
	)
	return nil
}
