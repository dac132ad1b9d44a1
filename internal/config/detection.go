package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Anomaly model names accepted by anomaly_model.
const (
	ModelIsolationForest = "isolation_forest"
	ModelZScore          = "zscore"
)

// weightTolerance is how far the risk weights may drift from 1.0.
const weightTolerance = 1e-6

// ConfigError reports an invalid or missing configuration value.
// It is fatal: no detection cycle may run with an invalid configuration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

// RiskWeights are the composite-score weights. They must sum to 1.0.
type RiskWeights struct {
	Anomalies         float64 `yaml:"anomalies"`
	WalletClusters    float64 `yaml:"wallet_clusters"`
	PriceManipulation float64 `yaml:"price_manipulation"`
	Temporal          float64 `yaml:"temporal"`
}

// Sum returns the total of all four weights.
func (w RiskWeights) Sum() float64 {
	return w.Anomalies + w.WalletClusters + w.PriceManipulation + w.Temporal
}

// AlertThresholds are the breach levels checked by the alert manager.
// Any single breach is enough to fire.
type AlertThresholds struct {
	RiskScore         float64 `yaml:"risk_score"`
	AnomalyPercentage float64 `yaml:"anomaly_percentage"`
	ClusterCount      int     `yaml:"cluster_count"`
	VolumeSpike       float64 `yaml:"volume_spike"`
	SuspiciousMarkets int     `yaml:"suspicious_markets"`
}

// Detection holds the tunable parameters of the detection pipeline.
type Detection struct {
	SyncThresholdSeconds  int             `yaml:"sync_threshold_seconds"`
	MinTradesPerCluster   int             `yaml:"min_trades_per_cluster"`
	MinSamples            int             `yaml:"min_samples"`
	CoOccurrenceThreshold int             `yaml:"co_occurrence_threshold"`
	ContaminationRate     float64         `yaml:"contamination_rate"`
	AnomalyModel          string          `yaml:"anomaly_model"`
	MinAnomalySamples     int             `yaml:"min_anomaly_samples"`
	PriceShockPct         float64         `yaml:"price_shock_pct"`
	WalletClusterCap      float64         `yaml:"wallet_cluster_cap"`
	WalletCap             float64         `yaml:"wallet_cap"`
	RiskWeights           RiskWeights     `yaml:"risk_weights"`
	AlertThresholds       AlertThresholds `yaml:"alert_thresholds"`
	CooldownSeconds       int             `yaml:"cooldown_seconds"`
}

// DefaultDetection returns the stock detection parameters.
func DefaultDetection() Detection {
	return Detection{
		SyncThresholdSeconds:  180,
		MinTradesPerCluster:   5,
		MinSamples:            2,
		CoOccurrenceThreshold: 2,
		ContaminationRate:     0.10,
		AnomalyModel:          ModelIsolationForest,
		MinAnomalySamples:     20,
		PriceShockPct:         0.05,
		WalletClusterCap:      5,
		WalletCap:             25,
		RiskWeights: RiskWeights{
			Anomalies:         0.30,
			WalletClusters:    0.25,
			PriceManipulation: 0.25,
			Temporal:          0.20,
		},
		AlertThresholds: AlertThresholds{
			RiskScore:         50,
			AnomalyPercentage: 15,
			ClusterCount:      20,
			VolumeSpike:       2.0,
			SuspiciousMarkets: 10,
		},
		CooldownSeconds: 600,
	}
}

// LoadDetection reads the detection YAML file on top of the defaults.
// A missing file yields the defaults.
func LoadDetection(path string) (*Detection, error) {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read detection config: %w", err)
	}
	return ParseDetection(data)
}

// ParseDetection decodes YAML detection settings on top of the defaults.
// Keys absent from data keep their default value.
func ParseDetection(data []byte) (*Detection, error) {
	det := DefaultDetection()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &det); err != nil {
			return nil, fmt.Errorf("parse detection config: %w", err)
		}
	}
	return &det, nil
}

// SyncWindow returns the sync threshold as a duration.
func (d Detection) SyncWindow() time.Duration {
	return time.Duration(d.SyncThresholdSeconds) * time.Second
}

// Cooldown returns the alert cooldown as a duration.
func (d Detection) Cooldown() time.Duration {
	return time.Duration(d.CooldownSeconds) * time.Second
}

// Validate returns a *ConfigError for the first invalid value.
func (d Detection) Validate() error {
	if d.SyncThresholdSeconds <= 0 {
		return &ConfigError{Field: "sync_threshold_seconds", Reason: "must be positive"}
	}
	if d.MinTradesPerCluster < 2 {
		return &ConfigError{Field: "min_trades_per_cluster", Reason: "must be at least 2"}
	}
	if d.MinSamples < 1 {
		return &ConfigError{Field: "min_samples", Reason: "must be at least 1"}
	}
	if d.CoOccurrenceThreshold < 1 {
		return &ConfigError{Field: "co_occurrence_threshold", Reason: "must be at least 1"}
	}
	if d.ContaminationRate <= 0 || d.ContaminationRate >= 0.5 {
		return &ConfigError{Field: "contamination_rate", Reason: "must be in (0, 0.5)"}
	}
	if d.AnomalyModel != ModelIsolationForest && d.AnomalyModel != ModelZScore {
		return &ConfigError{Field: "anomaly_model", Reason: fmt.Sprintf("unknown model %q", d.AnomalyModel)}
	}
	if d.MinAnomalySamples < 2 {
		return &ConfigError{Field: "min_anomaly_samples", Reason: "must be at least 2"}
	}
	if d.PriceShockPct <= 0 {
		return &ConfigError{Field: "price_shock_pct", Reason: "must be positive"}
	}
	if d.WalletClusterCap <= 0 || d.WalletCap <= 0 {
		return &ConfigError{Field: "wallet_cluster_cap", Reason: "caps must be positive"}
	}
	if err := d.RiskWeights.validate(); err != nil {
		return err
	}
	if err := d.AlertThresholds.validate(); err != nil {
		return err
	}
	if d.CooldownSeconds < 0 {
		return &ConfigError{Field: "cooldown_seconds", Reason: "must not be negative"}
	}
	return nil
}

func (w RiskWeights) validate() error {
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"anomalies", w.Anomalies},
		{"wallet_clusters", w.WalletClusters},
		{"price_manipulation", w.PriceManipulation},
		{"temporal", w.Temporal},
	} {
		if f.value < 0 || math.IsNaN(f.value) {
			return &ConfigError{Field: "risk_weights." + f.name, Reason: "must not be negative"}
		}
	}
	if sum := w.Sum(); math.Abs(sum-1.0) > weightTolerance {
		return &ConfigError{Field: "risk_weights", Reason: fmt.Sprintf("must sum to 1.0, got %.6f", sum)}
	}
	return nil
}

// A zero threshold is treated as missing.
func (t AlertThresholds) validate() error {
	if t.RiskScore <= 0 || t.RiskScore > 100 {
		return &ConfigError{Field: "alert_thresholds.risk_score", Reason: "must be in (0, 100]"}
	}
	if t.AnomalyPercentage <= 0 {
		return &ConfigError{Field: "alert_thresholds.anomaly_percentage", Reason: "must be positive"}
	}
	if t.ClusterCount <= 0 {
		return &ConfigError{Field: "alert_thresholds.cluster_count", Reason: "must be positive"}
	}
	if t.VolumeSpike <= 0 {
		return &ConfigError{Field: "alert_thresholds.volume_spike", Reason: "must be positive"}
	}
	if t.SuspiciousMarkets <= 0 {
		return &ConfigError{Field: "alert_thresholds.suspicious_markets", Reason: "must be positive"}
	}
	return nil
}
