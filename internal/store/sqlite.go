package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteRecorder writes cycle results and alerts to a SQLite database.
type SQLiteRecorder struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteRecorder opens (or creates) the database and runs migrations.
func NewSQLiteRecorder(dbPath string) (*SQLiteRecorder, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL lets dashboards read while the engine writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLiteRecorder{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("sqlite_recorder_opened", "path", dbPath)
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cycles (
			id                   INTEGER PRIMARY KEY AUTOINCREMENT,
			cycle_id             INTEGER NOT NULL,
			as_of                INTEGER NOT NULL,
			trade_count          INTEGER,
			skipped_trades       INTEGER,
			cluster_count        INTEGER,
			wallet_cluster_count INTEGER,
			anomaly_count        INTEGER,
			total_volume         TEXT,
			score                REAL,
			band                 TEXT,
			anomaly_pct          REAL,
			wallet_cluster_sig   REAL,
			price_manip_sig      REAL,
			temporal_sig         REAL,
			suspicious_markets   INTEGER,
			timing_cv            REAL
		)`,
		`CREATE TABLE IF NOT EXISTS clusters (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			cycle_id     INTEGER NOT NULL,
			cluster_id   TEXT NOT NULL,
			market_id    TEXT NOT NULL,
			side         TEXT NOT NULL,
			window_start INTEGER,
			window_end   INTEGER,
			trade_count  INTEGER,
			wallet_count INTEGER,
			sync_score   REAL,
			total_volume TEXT,
			wallets      TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS wallet_clusters (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			cycle_id        INTEGER NOT NULL,
			wallet_cluster  TEXT NOT NULL,
			member_count    INTEGER,
			density         REAL,
			members         TEXT,
			source_clusters TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			alert_id   TEXT NOT NULL UNIQUE,
			fired_at   INTEGER NOT NULL,
			band       TEXT,
			score      REAL,
			escalation INTEGER,
			payload    TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cycles_as_of ON cycles(as_of)`,
		`CREATE INDEX IF NOT EXISTS idx_clusters_cycle ON clusters(cycle_id)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_fired_at ON alerts(fired_at)`,
	}
	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

// RecordResult stores one cycle with its clusters in a single transaction.
func (r *SQLiteRecorder) RecordResult(res *Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	a := res.Assessment
	_, err = tx.Exec(`INSERT INTO cycles (
		cycle_id, as_of, trade_count, skipped_trades, cluster_count, wallet_cluster_count,
		anomaly_count, total_volume, score, band, anomaly_pct, wallet_cluster_sig,
		price_manip_sig, temporal_sig, suspicious_markets, timing_cv
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(res.CycleID), res.AsOf.Unix(), res.TradeCount, res.SkippedTrades,
		len(res.Clusters), len(res.WalletClusters), a.Stats.AnomalyCount,
		a.Stats.TotalVolume.String(), a.Score, string(a.Band),
		a.Factors.AnomalyPct, a.Factors.WalletClusterSignal,
		a.Factors.PriceManipulationSignal, a.Factors.TemporalSignal,
		a.Stats.SuspiciousMarkets, a.Stats.TimingCV,
	)
	if err != nil {
		return fmt.Errorf("insert cycle: %w", err)
	}

	for _, c := range res.Clusters {
		wallets, _ := json.Marshal(c.Wallets)
		_, err = tx.Exec(`INSERT INTO clusters (
			cycle_id, cluster_id, market_id, side, window_start, window_end,
			trade_count, wallet_count, sync_score, total_volume, wallets
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			int64(res.CycleID), c.ID, c.MarketID, string(c.Side),
			c.TimeWindow.Start.Unix(), c.TimeWindow.End.Unix(),
			c.TradeCount(), len(c.Wallets), c.SyncScore, c.TotalVolume.String(), string(wallets),
		)
		if err != nil {
			return fmt.Errorf("insert cluster %s: %w", c.ID, err)
		}
	}

	for _, wc := range res.WalletClusters {
		members, _ := json.Marshal(wc.MemberWallets)
		sources, _ := json.Marshal(wc.SourceClusters)
		_, err = tx.Exec(`INSERT INTO wallet_clusters (
			cycle_id, wallet_cluster, member_count, density, members, source_clusters
		) VALUES (?, ?, ?, ?, ?, ?)`,
			int64(res.CycleID), wc.ID, len(wc.MemberWallets), wc.Density, string(members), string(sources),
		)
		if err != nil {
			return fmt.Errorf("insert wallet cluster %s: %w", wc.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RecordAlert stores a fired alert. Re-recording the same alert ID is a no-op.
func (r *SQLiteRecorder) RecordAlert(a *Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	escalation := 0
	if a.Escalation {
		escalation = 1
	}
	_, err = r.db.Exec(`INSERT OR IGNORE INTO alerts (alert_id, fired_at, band, score, escalation, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.FiredAt.Unix(), string(a.Band), a.Score, escalation, string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// Close closes the database.
func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}
