// Package feed holds the lookback window of trades the detection cycles run over.
package feed

import (
	"sort"
	"sync"
	"time"

	"github.com/polyinsider/shadowflow/internal/store"
)

// Snapshot is a frozen, time-ordered copy of the trades in a lookback window.
// Its slice is never shared with the Buffer.
type Snapshot struct {
	AsOf   time.Time
	Trades []store.Trade
}

// Source supplies replayable snapshots for detection cycles.
type Source interface {
	Snapshot(now time.Time) Snapshot
}

// Buffer keeps trades for a sliding lookback window, ordered by timestamp.
type Buffer struct {
	mu       sync.RWMutex
	trades   []store.Trade
	seen     map[string]struct{}
	lookback time.Duration
}

// NewBuffer creates a Buffer that retains trades for the given lookback.
func NewBuffer(lookback time.Duration) *Buffer {
	return &Buffer{
		seen:     make(map[string]struct{}),
		lookback: lookback,
	}
}

// Add inserts a trade at its time-ordered position. Trades with an ID that is
// already buffered are ignored, so overlapping polls are harmless.
// It reports whether the trade was added.
func (b *Buffer) Add(trade store.Trade) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.insert(trade)
}

// AddBatch inserts several trades and returns how many were new.
func (b *Buffer) AddBatch(trades []store.Trade) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	added := 0
	for _, t := range trades {
		if b.insert(t) {
			added++
		}
	}
	return added
}

// insert must be called with the lock held.
func (b *Buffer) insert(trade store.Trade) bool {
	if trade.ID != "" {
		if _, dup := b.seen[trade.ID]; dup {
			return false
		}
		b.seen[trade.ID] = struct{}{}
	}

	// Most trades arrive in order; append is the fast path.
	n := len(b.trades)
	if n == 0 || !less(trade, b.trades[n-1]) {
		b.trades = append(b.trades, trade)
		return true
	}

	idx := sort.Search(n, func(i int) bool { return less(trade, b.trades[i]) })
	b.trades = append(b.trades, store.Trade{})
	copy(b.trades[idx+1:], b.trades[idx:])
	b.trades[idx] = trade
	return true
}

// Snapshot returns the trades with timestamps in [now-lookback, now].
func (b *Buffer) Snapshot(now time.Time) Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cutoff := now.Add(-b.lookback)
	start := sort.Search(len(b.trades), func(i int) bool { return !b.trades[i].Timestamp.Before(cutoff) })
	end := sort.Search(len(b.trades), func(i int) bool { return b.trades[i].Timestamp.After(now) })
	if end < start {
		end = start
	}

	out := make([]store.Trade, end-start)
	copy(out, b.trades[start:end])
	return Snapshot{AsOf: now, Trades: out}
}

// Prune drops trades older than the lookback window. It returns the number removed.
// Should be called periodically to prevent memory leaks.
func (b *Buffer) Prune(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := now.Add(-b.lookback)
	idx := sort.Search(len(b.trades), func(i int) bool { return !b.trades[i].Timestamp.Before(cutoff) })
	if idx == 0 {
		return 0
	}

	for _, t := range b.trades[:idx] {
		delete(b.seen, t.ID)
	}
	b.trades = append([]store.Trade(nil), b.trades[idx:]...)
	return idx
}

// Len returns the number of buffered trades.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.trades)
}

// less orders trades by timestamp, then ID, so equal timestamps sort stably.
func less(a, b store.Trade) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}
