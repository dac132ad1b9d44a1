package feed

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyinsider/shadowflow/internal/store"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func trade(id string, offset time.Duration) store.Trade {
	return store.Trade{
		ID:        id,
		Wallet:    "0xabc",
		MarketID:  "m1",
		Side:      store.SideYes,
		Amount:    decimal.NewFromInt(10),
		Price:     0.5,
		Timestamp: base.Add(offset),
	}
}

func ids(trades []store.Trade) []string {
	out := make([]string, len(trades))
	for i, t := range trades {
		out[i] = t.ID
	}
	return out
}

func TestBufferKeepsTimeOrder(t *testing.T) {
	b := NewBuffer(time.Hour)
	b.Add(trade("c", 30*time.Second))
	b.Add(trade("a", 10*time.Second))
	b.Add(trade("d", 40*time.Second))
	b.Add(trade("b", 20*time.Second))

	snap := b.Snapshot(base.Add(time.Minute))
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(snap.Trades))
	assert.Equal(t, base.Add(time.Minute), snap.AsOf)
}

func TestBufferIgnoresDuplicateIDs(t *testing.T) {
	b := NewBuffer(time.Hour)
	added := b.AddBatch([]store.Trade{trade("a", 0), trade("a", 0), trade("b", time.Second)})
	assert.Equal(t, 2, added)
	assert.Equal(t, 2, b.Len())
}

func TestSnapshotIsBoundedByLookback(t *testing.T) {
	b := NewBuffer(10 * time.Minute)
	b.Add(trade("old", 0))
	b.Add(trade("mid", 8*time.Minute))
	b.Add(trade("new", 15*time.Minute))
	b.Add(trade("future", 30*time.Minute))

	snap := b.Snapshot(base.Add(16 * time.Minute))
	assert.Equal(t, []string{"mid", "new"}, ids(snap.Trades))
}

func TestSnapshotIsACopy(t *testing.T) {
	b := NewBuffer(time.Hour)
	b.Add(trade("a", 0))

	snap := b.Snapshot(base.Add(time.Second))
	snap.Trades[0].Wallet = "mutated"

	again := b.Snapshot(base.Add(time.Second))
	assert.Equal(t, "0xabc", again.Trades[0].Wallet)
}

func TestPruneDropsExpiredTrades(t *testing.T) {
	b := NewBuffer(5 * time.Minute)
	b.Add(trade("a", 0))
	b.Add(trade("b", time.Minute))
	b.Add(trade("c", 10*time.Minute))

	removed := b.Prune(base.Add(12 * time.Minute))
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, b.Len())

	// a pruned ID may be re-added
	assert.True(t, b.Add(trade("a", 11*time.Minute)))
}

func TestLoadJSONL(t *testing.T) {
	input := strings.Join([]string{
		`{"id":"t2","wallet":"0x2","market_id":"m","side":"NO","amount":"20","price":0.4,"timestamp":"2025-03-01T12:00:10Z"}`,
		``,
		`not json`,
		`{"id":"t1","wallet":"0x1","market_id":"m","side":"YES","amount":"10.5","price":0.6,"timestamp":"2025-03-01T12:00:00Z"}`,
	}, "\n")

	replay, err := LoadJSONL(strings.NewReader(input))
	require.NoError(t, err)

	snap := replay.Snapshot(time.Time{})
	require.Len(t, snap.Trades, 2)
	assert.Equal(t, []string{"t1", "t2"}, ids(snap.Trades))
	assert.True(t, snap.Trades[0].Amount.Equal(decimal.RequireFromString("10.5")))
	assert.Equal(t, store.SideNo, snap.Trades[1].Side)
	assert.Equal(t, snap.Trades[1].Timestamp, snap.AsOf)
}
