package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const (
	// GammaAPIURL is the Polymarket Gamma API endpoint for market data
	GammaAPIURL = "https://gamma-api.polymarket.com/markets"
	// DefaultMarketLimit is the number of markets to fetch
	DefaultMarketLimit = 50
)

// Market represents a Polymarket market from the Gamma API.
type Market struct {
	ID           string  `json:"id"`
	ConditionID  string  `json:"conditionId"`
	Question     string  `json:"question"`
	Slug         string  `json:"slug"`
	Active       bool    `json:"active"`
	Closed       bool    `json:"closed"`
	ClobTokenIDs string  `json:"clobTokenIds"` // JSON array as string
	VolumeNum    float64 `json:"volumeNum"`
}

// MarketLister fetches the active market list.
type MarketLister struct {
	URL    string
	Client *http.Client
}

// NewMarketLister targets the public Gamma API.
func NewMarketLister() *MarketLister {
	return &MarketLister{
		URL:    GammaAPIURL,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// FetchActiveMarkets fetches open markets, highest volume first.
func (l *MarketLister) FetchActiveMarkets(ctx context.Context, limit int) ([]Market, error) {
	if limit <= 0 {
		limit = DefaultMarketLimit
	}

	url := fmt.Sprintf("%s?active=true&closed=false&order=volumeNum&ascending=false&limit=%d", l.URL, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request failed: %w", err)
	}

	resp, err := l.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch markets: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var markets []Market
	if err := json.NewDecoder(resp.Body).Decode(&markets); err != nil {
		return nil, fmt.Errorf("failed to decode markets: %w", err)
	}
	return markets, nil
}

// ConditionIDs returns the unique condition IDs of the markets, in order.
func ConditionIDs(markets []Market) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, m := range markets {
		if m.ConditionID == "" || seen[m.ConditionID] {
			continue
		}
		seen[m.ConditionID] = true
		ids = append(ids, m.ConditionID)
	}
	return ids
}

// ExtractTokenIDs extracts all token IDs from a list of markets.
func ExtractTokenIDs(markets []Market) []string {
	var tokenIDs []string
	seen := make(map[string]bool)

	for _, market := range markets {
		if market.ClobTokenIDs == "" {
			continue
		}

		var ids []string
		if err := json.Unmarshal([]byte(market.ClobTokenIDs), &ids); err != nil {
			slog.Debug("failed to parse token IDs", "market", market.Slug, "error", err)
			continue
		}

		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				tokenIDs = append(tokenIDs, id)
			}
		}
	}

	return tokenIDs
}

// ActiveConditionIDs fetches active markets and returns their condition IDs.
func (l *MarketLister) ActiveConditionIDs(ctx context.Context, limit int) ([]string, error) {
	markets, err := l.FetchActiveMarkets(ctx, limit)
	if err != nil {
		return nil, err
	}

	ids := ConditionIDs(markets)
	slog.Info("fetched_active_markets",
		"market_count", len(markets),
		"condition_count", len(ids),
		"token_count", len(ExtractTokenIDs(markets)),
	)
	return ids, nil
}
