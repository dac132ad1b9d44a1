package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/polyinsider/shadowflow/internal/store"
)

// Publisher is the subset of *nats.Conn used for broadcasting.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier broadcasts alerts as JSON on a subject. Results go to
// "<subject>.results".
type NATSNotifier struct {
	pub     Publisher
	subject string
}

// NewNATSNotifier wraps an existing publisher.
func NewNATSNotifier(pub Publisher, subject string) *NATSNotifier {
	return &NATSNotifier{pub: pub, subject: subject}
}

// ConnectNATS dials the server with reconnect handling.
func ConnectNATS(url string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("shadowflow-engine"),
		nats.Timeout(5 * time.Second),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			slog.Info("nats_closed")
		}),
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return conn, nil
}

func (n *NATSNotifier) Name() string { return "nats" }

func (n *NATSNotifier) Notify(_ context.Context, a *store.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := n.pub.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

// Publish broadcasts the cycle's assessment and summary. Cluster
// payloads stay out of the message; consumers fetch them from the cache.
func (n *NATSNotifier) Publish(_ context.Context, r *store.Result) error {
	msg := struct {
		CycleID    uint64               `json:"cycle_id"`
		AsOf       time.Time            `json:"as_of"`
		Assessment store.RiskAssessment `json:"assessment"`
		Summary    store.ClusterSummary `json:"summary"`
	}{r.CycleID, r.AsOf, r.Assessment, r.Summary}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := n.pub.Publish(n.subject+".results", data); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}
	return nil
}
