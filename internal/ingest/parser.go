// Package ingest fetches Polymarket trades and normalizes them for the feed.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/polyinsider/shadowflow/internal/store"
)

// APITrade is a trade as returned by the data API and carried in live
// activity messages.
type APITrade struct {
	ProxyWallet     string      `json:"proxyWallet"`
	Side            string      `json:"side"` // BUY or SELL
	Asset           string      `json:"asset"`
	ConditionID     string      `json:"conditionId"`
	Size            json.Number `json:"size"`
	Price           json.Number `json:"price"`
	Timestamp       int64       `json:"timestamp"` // Unix seconds
	Title           string      `json:"title"`
	Slug            string      `json:"slug"`
	Outcome         string      `json:"outcome"`
	OutcomeIndex    *int        `json:"outcomeIndex"`
	TransactionHash string      `json:"transactionHash"`
}

// ActivityMessage is the envelope of the live activity stream.
type ActivityMessage struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ErrUnsupportedOutcome is returned for trades whose outcome cannot be
// mapped to YES or NO.
var ErrUnsupportedOutcome = errors.New("unsupported outcome")

// Normalize converts an API trade into a store.Trade.
func (t APITrade) Normalize() (store.Trade, error) {
	if t.ProxyWallet == "" {
		return store.Trade{}, errors.New("missing proxy wallet")
	}
	if t.ConditionID == "" {
		return store.Trade{}, errors.New("missing condition id")
	}
	if t.Timestamp <= 0 {
		return store.Trade{}, fmt.Errorf("invalid timestamp %d", t.Timestamp)
	}

	side, err := t.side()
	if err != nil {
		return store.Trade{}, err
	}

	amount, err := decimal.NewFromString(t.Size.String())
	if err != nil {
		return store.Trade{}, fmt.Errorf("parse size %q: %w", t.Size, err)
	}
	price, err := t.Price.Float64()
	if err != nil {
		return store.Trade{}, fmt.Errorf("parse price %q: %w", t.Price, err)
	}

	return store.Trade{
		ID:              t.id(),
		Wallet:          strings.ToLower(t.ProxyWallet),
		MarketID:        t.ConditionID,
		Side:            side,
		Amount:          amount,
		Price:           price,
		Timestamp:       time.Unix(t.Timestamp, 0).UTC(),
		TransactionHash: t.TransactionHash,
	}, nil
}

// side maps the traded outcome onto YES/NO. Binary markets name their
// outcomes freely ("Up", "Down"), so the outcome index decides when the
// label is not recognized.
func (t APITrade) side() (store.Side, error) {
	switch strings.ToUpper(strings.TrimSpace(t.Outcome)) {
	case "YES", "UP", "LONG":
		return store.SideYes, nil
	case "NO", "DOWN", "SHORT":
		return store.SideNo, nil
	}
	if t.OutcomeIndex != nil {
		switch *t.OutcomeIndex {
		case 0:
			return store.SideYes, nil
		case 1:
			return store.SideNo, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedOutcome, t.Outcome)
}

// id is stable across polls so the feed can drop duplicates. One
// transaction may carry several fills, hence the extra fields.
func (t APITrade) id() string {
	key := t.TransactionHash
	if key == "" {
		key = fmt.Sprintf("%d", t.Timestamp)
	}
	return fmt.Sprintf("%s:%s:%s:%s:%s", key, strings.ToLower(t.ProxyWallet), t.Asset, t.Size, t.Price)
}

// NormalizeAll converts a batch, returning the trades that normalized and
// how many were skipped.
func NormalizeAll(raw []APITrade) ([]store.Trade, int) {
	trades := make([]store.Trade, 0, len(raw))
	skipped := 0
	for _, r := range raw {
		t, err := r.Normalize()
		if err != nil {
			skipped++
			continue
		}
		trades = append(trades, t)
	}
	return trades, skipped
}

// ParseMessage parses a live activity message. It returns the normalized
// trades, the message type, and an error only for undecodable frames.
func ParseMessage(data []byte) ([]store.Trade, string, error) {
	var msg ActivityMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if msg.Topic != "activity" || (msg.Type != "trades" && msg.Type != "orders_matched") {
		return nil, msg.Type, nil
	}
	if len(msg.Payload) == 0 {
		return nil, msg.Type, nil
	}

	var batch []APITrade
	if msg.Payload[0] == '[' {
		if err := json.Unmarshal(msg.Payload, &batch); err != nil {
			return nil, msg.Type, fmt.Errorf("failed to parse trades payload: %w", err)
		}
	} else {
		var single APITrade
		if err := json.Unmarshal(msg.Payload, &single); err != nil {
			return nil, msg.Type, fmt.Errorf("failed to parse trade payload: %w", err)
		}
		batch = []APITrade{single}
	}

	trades, _ := NormalizeAll(batch)
	return trades, msg.Type, nil
}
