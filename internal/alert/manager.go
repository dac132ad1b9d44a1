// Package alert turns risk assessments into deduplicated alert events and
// delivers them to notifiers.
package alert

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polyinsider/shadowflow/internal/config"
	"github.com/polyinsider/shadowflow/internal/store"
)

// Breach severity cut-offs.
const (
	highRiskScore   = 80
	highAnomalyPct  = 25
	highVolumeSpike = 5
)

// Manager is the alert state machine:
//
//	IDLE --breach--> FIRED --> COOLDOWN --elapsed--> ARMED --breach--> FIRED ...
//
// While cooling down, breaches of the same or a lower band are suppressed and
// a strictly higher band fires at once. A quiet cycle returns the manager to
// IDLE unless a cooldown is still running.
//
// Manager is safe for concurrent use; evaluations are serialized.
type Manager struct {
	mu         sync.Mutex
	thresholds config.AlertThresholds
	cooldown   time.Duration
	state      store.AlertState
	newID      func() string
}

// NewManager returns an IDLE manager.
func NewManager(thresholds config.AlertThresholds, cooldown time.Duration) *Manager {
	return &Manager{
		thresholds: thresholds,
		cooldown:   cooldown,
		state:      store.AlertState{Phase: store.PhaseIdle},
		newID:      uuid.NewString,
	}
}

// Evaluate advances the state machine with one assessment. It returns the
// alert to deliver, or nil if nothing fired.
func (m *Manager) Evaluate(a store.RiskAssessment, now time.Time) *store.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	breaches := m.breaches(a)
	m.state.LastVolume = a.Stats.TotalVolume
	m.state.HasLastVolume = true
	m.state.ActiveThresholds = m.state.ActiveThresholds[:0]
	for _, b := range breaches {
		m.state.ActiveThresholds = append(m.state.ActiveThresholds, b.Kind)
	}

	if m.state.Phase == store.PhaseCooldown && now.Sub(m.state.LastFiredAt) >= m.cooldown {
		m.state.Phase = store.PhaseArmed
	}

	if len(breaches) == 0 {
		if m.state.Phase != store.PhaseCooldown {
			m.state.Phase = store.PhaseIdle
		}
		return nil
	}

	escalation := false
	if m.state.Phase == store.PhaseCooldown {
		if a.Band.Severity() <= m.state.LastFiredBand.Severity() {
			m.state.SuppressedTotal++
			return nil
		}
		escalation = true
	}

	m.state.Phase = store.PhaseFired
	alert := &store.Alert{
		ID:                   m.newID(),
		Band:                 a.Band,
		Score:                a.Score,
		Factors:              a.Factors,
		Breaches:             breaches,
		ContributingClusters: append([]string(nil), a.ContributingClusters...),
		Escalation:           escalation,
		FiredAt:              now,
	}
	m.state.LastFiredBand = a.Band
	m.state.LastFiredAt = now
	m.state.FiredTotal++
	m.state.Phase = store.PhaseCooldown
	return alert
}

// breaches lists every threshold the assessment meets. The volume spike
// compares against the previous evaluation's window volume.
func (m *Manager) breaches(a store.RiskAssessment) []store.Breach {
	var out []store.Breach
	t := m.thresholds

	if a.Score >= t.RiskScore {
		out = append(out, breach(store.BreachRiskScore, a.Score, t.RiskScore, a.Score >= highRiskScore))
	}
	if a.Factors.AnomalyPct >= t.AnomalyPercentage {
		out = append(out, breach(store.BreachAnomalyPct, a.Factors.AnomalyPct, t.AnomalyPercentage, a.Factors.AnomalyPct >= highAnomalyPct))
	}
	if n := a.Stats.WalletClusterCount; n >= t.ClusterCount {
		out = append(out, breach(store.BreachClusterCount, float64(n), float64(t.ClusterCount), false))
	}
	if n := a.Stats.SuspiciousMarkets; n > 0 && n >= t.SuspiciousMarkets {
		out = append(out, breach(store.BreachPriceManipulation, float64(n), float64(t.SuspiciousMarkets), true))
	}
	if a.SuspiciousTiming {
		out = append(out, breach(store.BreachSuspiciousPatterns, a.Stats.TimingCV, store.SuspiciousTimingCV, false))
	}
	if m.state.HasLastVolume && m.state.LastVolume.IsPositive() {
		ratio := a.Stats.TotalVolume.Div(m.state.LastVolume).InexactFloat64()
		if ratio >= t.VolumeSpike {
			out = append(out, breach(store.BreachVolumeSpike, ratio, t.VolumeSpike, ratio >= highVolumeSpike))
		}
	}
	return out
}

func breach(kind string, value, threshold float64, high bool) store.Breach {
	severity := store.SeverityMedium
	if high {
		severity = store.SeverityHigh
	}
	return store.Breach{Kind: kind, Value: value, Threshold: threshold, Severity: severity}
}

// State returns a copy of the current state.
func (m *Manager) State() store.AlertState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	s.ActiveThresholds = append([]string(nil), m.state.ActiveThresholds...)
	return s
}
