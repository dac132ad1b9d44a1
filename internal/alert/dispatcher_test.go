package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyinsider/shadowflow/internal/store"
)

type recordingNotifier struct {
	name   string
	err    error
	alerts []*store.Alert
}

func (r *recordingNotifier) Name() string { return r.name }

func (r *recordingNotifier) Notify(_ context.Context, a *store.Alert) error {
	r.alerts = append(r.alerts, a)
	return r.err
}

func sampleAlert(escalation bool) *store.Alert {
	return &store.Alert{
		ID:    "alert-1",
		Band:  store.BandCritical,
		Score: 87.5,
		Factors: store.RiskFactors{
			AnomalyPct: 40, WalletClusterSignal: 90, PriceManipulationSignal: 100, TemporalSignal: 95,
		},
		Breaches:             []store.Breach{{Kind: store.BreachRiskScore, Value: 87.5, Threshold: 50, Severity: store.SeverityHigh}},
		ContributingClusters: []string{"c1"},
		Escalation:           escalation,
		FiredAt:              now,
	}
}

func TestDispatcherFansOut(t *testing.T) {
	ok := &recordingNotifier{name: "ok"}
	broken := &recordingNotifier{name: "broken", err: errors.New("boom")}
	d := NewDispatcher(0, 1, LogNotifier{}, broken, ok)

	err := d.Dispatch(context.Background(), sampleAlert(false))

	require.Error(t, err)
	assert.ErrorContains(t, err, "broken: boom")
	assert.Len(t, ok.alerts, 1)
	assert.Len(t, broken.alerts, 1)
}

func TestDispatcherRateLimits(t *testing.T) {
	rec := &recordingNotifier{name: "rec"}
	d := NewDispatcher(time.Hour, 2, rec)

	require.NoError(t, d.Dispatch(context.Background(), sampleAlert(false)))
	require.NoError(t, d.Dispatch(context.Background(), sampleAlert(false)))
	assert.ErrorIs(t, d.Dispatch(context.Background(), sampleAlert(false)), ErrRateLimited)

	// escalations are never dropped
	require.NoError(t, d.Dispatch(context.Background(), sampleAlert(true)))
	assert.Len(t, rec.alerts, 3)
}

func TestDispatchNil(t *testing.T) {
	assert.NoError(t, NewDispatcher(0, 1).Dispatch(context.Background(), nil))
}

func TestDiscordNotifier(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewDiscordNotifier(srv.URL)
	require.NoError(t, n.Notify(context.Background(), sampleAlert(true)))

	require.Len(t, got.Embeds, 1)
	assert.Equal(t, "Escalation: CRITICAL coordination risk: 87.5/100", got.Embeds[0].Title)
	assert.Equal(t, bandColors[store.BandCritical], got.Embeds[0].Color)
	assert.Equal(t, "2025-03-01T12:00:00Z", got.Embeds[0].Timestamp)
}

func TestDiscordNotifierRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewDiscordNotifier(srv.URL)
	n.Backoff = time.Millisecond

	require.NoError(t, n.Notify(context.Background(), sampleAlert(false)))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDiscordNotifierGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewDiscordNotifier(srv.URL)
	n.Backoff = time.Millisecond
	n.MaxRetries = 1

	err := n.Notify(context.Background(), sampleAlert(false))
	require.Error(t, err)
	assert.ErrorContains(t, err, "all 2 attempts failed")
	assert.ErrorContains(t, err, "status 500")
}

type fakePublisher struct {
	subjects []string
	payloads [][]byte
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestNATSNotifier(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNATSNotifier(pub, "shadowflow.alerts")

	require.NoError(t, n.Notify(context.Background(), sampleAlert(false)))
	require.NoError(t, n.Publish(context.Background(), &store.Result{CycleID: 7, AsOf: now}))

	assert.Equal(t, []string{"shadowflow.alerts", "shadowflow.alerts.results"}, pub.subjects)

	var decoded store.Alert
	require.NoError(t, json.Unmarshal(pub.payloads[0], &decoded))
	assert.Equal(t, "alert-1", decoded.ID)
	assert.Equal(t, store.BandCritical, decoded.Band)

	var result map[string]any
	require.NoError(t, json.Unmarshal(pub.payloads[1], &result))
	assert.EqualValues(t, 7, result["cycle_id"])
}
