package feed

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/polyinsider/shadowflow/internal/store"
)

// maxLineSize bounds a single JSON-lines record.
const maxLineSize = 1 << 20

// Replay is a fixed set of trades loaded from a file. Every Snapshot it
// returns holds the same trades, which makes detection runs repeatable.
type Replay struct {
	trades []store.Trade
}

// LoadJSONL reads one store.Trade JSON object per line. Blank lines are
// ignored; lines that fail to decode are skipped with a warning.
func LoadJSONL(r io.Reader) (*Replay, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var trades []store.Trade
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var t store.Trade
		if err := json.Unmarshal(raw, &t); err != nil {
			slog.Warn("replay_line_skipped", "line", line, "error", err)
			continue
		}
		if t.ID == "" {
			t.ID = fmt.Sprintf("replay-%d", line)
		}
		trades = append(trades, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trades: %w", err)
	}

	sort.SliceStable(trades, func(i, j int) bool { return less(trades[i], trades[j]) })
	return &Replay{trades: trades}, nil
}

// Trades returns a copy of the loaded trades.
func (r *Replay) Trades() []store.Trade {
	return append([]store.Trade(nil), r.trades...)
}

// Snapshot returns every loaded trade. When now is zero the snapshot is
// stamped with the last trade's timestamp.
func (r *Replay) Snapshot(now time.Time) Snapshot {
	if now.IsZero() && len(r.trades) > 0 {
		now = r.trades[len(r.trades)-1].Timestamp
	}
	return Snapshot{AsOf: now, Trades: r.Trades()}
}
