package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTrades(t *testing.T) string {
	t.Helper()
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	var buf bytes.Buffer
	wallets := []string{"A", "B", "C", "A", "B", "C"}
	for i, w := range wallets {
		fmt.Fprintf(&buf, `{"id":"c%d","wallet":"%s","market_id":"m1","side":"YES","amount":"%d","price":0.55,"timestamp":"%s"}`+"\n",
			i, w, 100+10*i, t0.Add(time.Duration(2*i)*time.Second).Format(time.RFC3339))
	}
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&buf, `{"id":"bg%d","wallet":"w%d","market_id":"m2","side":"NO","amount":"%d","price":0.4,"timestamp":"%s"}`+"\n",
			i, i, 40+i, t0.Add(time.Duration(i)*time.Minute).Format(time.RFC3339))
	}
	buf.WriteString("not json\n")

	path := filepath.Join(t.TempDir(), "trades.jsonl")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestReplayIsDeterministic(t *testing.T) {
	path := writeTrades(t)
	missing := filepath.Join(t.TempDir(), "none.yaml")

	first, err := execute(t, "replay", path, "--config", missing, "--compact")
	require.NoError(t, err)
	second, err := execute(t, "replay", path, "--config", missing, "--compact")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	var out struct {
		Result struct {
			TradeCount int `json:"trade_count"`
			Clusters   []struct {
				MarketID string `json:"market_id"`
			} `json:"clusters"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(first), &out))
	assert.Equal(t, 26, out.Result.TradeCount)
	require.Len(t, out.Result.Clusters, 1)
	assert.Equal(t, "m1", out.Result.Clusters[0].MarketID)
}

func TestReplayRejectsUnknownModel(t *testing.T) {
	path := writeTrades(t)
	_, err := execute(t, "replay", path, "--config", filepath.Join(t.TempDir(), "none.yaml"), "--model", "nope")
	assert.ErrorContains(t, err, "anomaly_model")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "short", truncateID("short"))
	assert.Equal(t, "0x1234...cdef", truncateID("0x1234567890abcdef"))
}
