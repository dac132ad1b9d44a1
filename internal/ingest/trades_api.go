package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/polyinsider/shadowflow/internal/metrics"
	"github.com/polyinsider/shadowflow/internal/store"
)

const (
	// DataAPIBaseURL is the Polymarket data API endpoint
	DataAPIBaseURL = "https://data-api.polymarket.com"
	// DefaultPollInterval is the default polling interval
	DefaultPollInterval = 15 * time.Second
	// DefaultPageSize is the number of trades requested per poll
	DefaultPageSize = 500
)

// TradeSink accepts normalized trades. *feed.Buffer implements it.
type TradeSink interface {
	AddBatch(trades []store.Trade) int
}

// TradesPoller polls the data API for recent trades and pushes them into a
// sink. Overlapping pages are expected; the sink drops duplicates.
type TradesPoller struct {
	baseURL  string
	client   *http.Client
	interval time.Duration
	pageSize int
	sink     TradeSink
	metrics  *metrics.MetricsTracker

	marketsMu sync.RWMutex
	markets   []string
}

// NewTradesPoller creates a new TradesPoller. m may be nil.
func NewTradesPoller(baseURL string, interval time.Duration, sink TradeSink, m *metrics.MetricsTracker) *TradesPoller {
	if baseURL == "" {
		baseURL = DataAPIBaseURL
	}
	if interval == 0 {
		interval = DefaultPollInterval
	}

	return &TradesPoller{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		client:   &http.Client{Timeout: 10 * time.Second},
		interval: interval,
		pageSize: DefaultPageSize,
		sink:     sink,
		metrics:  m,
	}
}

// SetMarkets limits polling to the given condition IDs. An empty list polls
// the global trade stream.
func (p *TradesPoller) SetMarkets(conditionIDs []string) {
	p.marketsMu.Lock()
	defer p.marketsMu.Unlock()
	p.markets = append([]string(nil), conditionIDs...)
}

// Start polls until ctx is cancelled.
func (p *TradesPoller) Start(ctx context.Context) {
	slog.Info("starting_trades_poller", "base_url", p.baseURL, "interval", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	if _, err := p.Poll(ctx); err != nil {
		slog.Warn("initial_poll_failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("trades_poller_stopped")
			return
		case <-ticker.C:
			if _, err := p.Poll(ctx); err != nil {
				slog.Warn("poll_failed", "error", err)
			}
		}
	}
}

// Poll fetches one page of recent trades into the sink and returns how many
// were new.
func (p *TradesPoller) Poll(ctx context.Context) (int, error) {
	raw, err := p.fetchRecentTrades(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch failed: %w", err)
	}

	trades, skipped := NormalizeAll(raw)
	if skipped > 0 {
		slog.Debug("trades_not_normalized", "count", skipped)
	}
	added := p.sink.AddBatch(trades)

	if p.metrics != nil {
		p.metrics.AddTrades(added)
		p.metrics.SetRESTLastPoll(time.Now())
	}
	slog.Debug("trades_fetched", "received", len(raw), "added", added)
	return added, nil
}

func (p *TradesPoller) tradesURL() string {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(p.pageSize))
	q.Set("takerOnly", "false")

	p.marketsMu.RLock()
	if len(p.markets) > 0 {
		q.Set("market", strings.Join(p.markets, ","))
	}
	p.marketsMu.RUnlock()

	return p.baseURL + "/trades?" + q.Encode()
}

// fetchRecentTrades fetches the newest page of trades.
func (p *TradesPoller) fetchRecentTrades(ctx context.Context) ([]APITrade, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.tradesURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request failed: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var trades []APITrade
	if err := json.NewDecoder(resp.Body).Decode(&trades); err != nil {
		return nil, fmt.Errorf("decode failed: %w", err)
	}
	return trades, nil
}
