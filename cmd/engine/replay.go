package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/polyinsider/shadowflow/internal/alert"
	"github.com/polyinsider/shadowflow/internal/config"
	"github.com/polyinsider/shadowflow/internal/detector"
	"github.com/polyinsider/shadowflow/internal/feed"
	"github.com/polyinsider/shadowflow/internal/store"
)

// replayOutput is what replay prints: the cycle result and the alert it
// would have fired from a fresh alert state.
type replayOutput struct {
	Result *store.Result `json:"result"`
	Alert  *store.Alert  `json:"alert,omitempty"`
}

func replayCmd() *cobra.Command {
	var (
		detectionPath string
		model         string
		compact       bool
	)
	cmd := &cobra.Command{
		Use:   "replay <trades.jsonl>",
		Short: "Run one detection cycle over a JSON-lines trade file and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			det, err := config.LoadDetection(detectionPath)
			if err != nil {
				return err
			}
			if model != "" {
				det.AnomalyModel = model
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open trades: %w", err)
			}
			defer f.Close()

			return replay(cmd, *det, f, compact)
		},
	}
	cmd.Flags().StringVar(&detectionPath, "config", "configs/detection.yaml", "detection config file")
	cmd.Flags().StringVar(&model, "model", "", "override anomaly_model (isolation_forest, zscore)")
	cmd.Flags().BoolVar(&compact, "compact", false, "print single-line JSON")
	return cmd
}

func replay(cmd *cobra.Command, det config.Detection, r io.Reader, compact bool) error {
	engine, err := detector.NewEngine(det)
	if err != nil {
		return err
	}

	trades, err := feed.LoadJSONL(r)
	if err != nil {
		return err
	}

	res, err := engine.Run(cmd.Context(), trades.Snapshot(time.Time{}))
	if err != nil {
		return err
	}
	res.CycleID = 1

	fired := alert.NewManager(det.AlertThresholds, det.Cooldown()).Evaluate(res.Assessment, res.AsOf)

	enc := json.NewEncoder(cmd.OutOrStdout())
	if !compact {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(replayOutput{Result: res, Alert: fired})
}

func validateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate configuration, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			det := cfg.Detection
			fmt.Fprintf(cmd.OutOrStdout(),
				"ok: %s (model=%s, sync=%ds, min_trades=%d, min_samples=%d, cooldown=%ds)\n",
				cfg.DetectionPath, det.AnomalyModel, det.SyncThresholdSeconds,
				det.MinTradesPerCluster, det.MinSamples, det.CooldownSeconds,
			)
			return nil
		},
	}
}
