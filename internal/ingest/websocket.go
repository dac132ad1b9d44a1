package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/polyinsider/shadowflow/internal/metrics"
)

// Reconnection constants
const (
	InitialBackoff = 1 * time.Second
	MaxBackoff     = 60 * time.Second
	BackoffFactor  = 2.0
	JitterPercent  = 0.2

	// Heartbeat constants
	HeartbeatTimeout = 60 * time.Second
	PongTimeout      = 10 * time.Second

	// Write timeout
	WriteTimeout = 10 * time.Second
)

// Listener streams live trades from the activity websocket into a sink.
type Listener struct {
	url       string
	sink      TradeSink
	metrics   *metrics.MetricsTracker
	conn      *websocket.Conn
	connMu    sync.Mutex
	backoff   time.Duration
	lastMsg   time.Time
	lastMsgMu sync.RWMutex
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	markets   []string
	marketsMu sync.RWMutex
}

// NewListener creates a new WebSocket listener. m may be nil.
func NewListener(url string, sink TradeSink, m *metrics.MetricsTracker) *Listener {
	return &Listener{
		url:      url,
		sink:     sink,
		metrics:  m,
		backoff:  InitialBackoff,
		stopChan: make(chan struct{}),
	}
}

// SetMarkets sets the condition IDs to subscribe to. Takes effect on the
// next (re)connect.
func (l *Listener) SetMarkets(conditionIDs []string) {
	l.marketsMu.Lock()
	defer l.marketsMu.Unlock()
	l.markets = append([]string(nil), conditionIDs...)
}

// Start begins the WebSocket listener with automatic reconnection.
func (l *Listener) Start(ctx context.Context) {
	l.wg.Add(1)
	go l.runLoop(ctx)

	l.wg.Add(1)
	go l.heartbeatMonitor(ctx)
}

// Stop gracefully shuts down the listener.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() { close(l.stopChan) })
	l.closeConnection()
	l.wg.Wait()
}

func (l *Listener) setStatus(status string) {
	if l.metrics != nil {
		l.metrics.SetWebSocketStatus(status)
	}
}

// runLoop handles connection, reading, and reconnection.
func (l *Listener) runLoop(ctx context.Context) {
	defer l.wg.Done()

	for {
		select {
		case <-ctx.Done():
			slog.Info("ws_loop_stopping", "reason", "context cancelled")
			return
		case <-l.stopChan:
			slog.Info("ws_loop_stopping", "reason", "stop signal")
			return
		default:
		}

		// Attempt connection
		if err := l.connect(ctx); err != nil {
			slog.Error("ws_connect_failed", "error", err, "backoff", l.backoff)
			l.setStatus("reconnecting")
			l.waitBackoff(ctx)
			continue
		}

		// Read messages until error
		if err := l.readLoop(ctx); err != nil {
			slog.Warn("ws_read_error", "error", err)
		}

		l.closeConnection()

		// Check if we should stop
		select {
		case <-ctx.Done():
			return
		case <-l.stopChan:
			return
		default:
			l.setStatus("reconnecting")
			l.waitBackoff(ctx)
		}
	}
}

// connect establishes the connection and subscribes to trades.
func (l *Listener) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	headers := http.Header{}
	headers.Set("Origin", "https://polymarket.com")

	conn, resp, err := dialer.DialContext(ctx, l.url, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial failed: %w", err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()

	// Reset backoff on successful connection
	l.backoff = InitialBackoff
	slog.Info("ws_connected", "endpoint", l.url)

	if err := l.subscribe(); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}

	l.setStatus("connected")
	l.updateLastMsg()
	return nil
}

// subscribe sends one activity/trades subscription per market, or a single
// unfiltered one when no markets are set.
func (l *Listener) subscribe() error {
	l.marketsMu.RLock()
	markets := l.markets
	l.marketsMu.RUnlock()

	msg := NewSubscriptionMessage(markets)

	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn == nil {
		return fmt.Errorf("connection is nil")
	}

	l.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	if err := l.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send subscribe message: %w", err)
	}

	slog.Info("ws_subscribed", "topic", "activity", "market_count", len(markets))
	return nil
}

// readLoop reads messages from the WebSocket.
func (l *Listener) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopChan:
			return nil
		default:
		}

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()

		if conn == nil {
			return fmt.Errorf("connection is nil")
		}

		// Set read deadline
		conn.SetReadDeadline(time.Now().Add(HeartbeatTimeout + PongTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}

		// Parse and dispatch trades
		l.updateLastMsg()
		l.handleMessage(message)
	}
}

// handleMessage parses a message and hands its trades to the sink.
func (l *Listener) handleMessage(data []byte) {
	trades, msgType, err := ParseMessage(data)
	if err != nil {
		slog.Debug("ws_parse_error", "error", err, "raw", truncate(string(data), 256))
		return
	}

	// Log non-trade messages at debug level
	if len(trades) == 0 {
		if msgType != "" {
			slog.Debug("ws_message", "type", msgType)
		}
		return
	}

	// Dispatch trades to the sink
	added := l.sink.AddBatch(trades)
	if l.metrics != nil {
		l.metrics.AddTrades(added)
	}
	for _, trade := range trades {
		slog.Debug("trade_received",
			"market", truncate(trade.MarketID, 16),
			"wallet", truncate(trade.Wallet, 10),
			"side", trade.Side,
			"amount", trade.Amount.String(),
			"price", trade.Price,
		)
	}
}

// heartbeatMonitor checks for connection health.
func (l *Listener) heartbeatMonitor(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopChan:
			return
		case <-ticker.C:
			l.checkHeartbeat()
		}
	}
}

// checkHeartbeat pings when the stream has gone quiet.
func (l *Listener) checkHeartbeat() {
	l.lastMsgMu.RLock()
	lastMsg := l.lastMsg
	l.lastMsgMu.RUnlock()

	if lastMsg.IsZero() {
		return
	}

	elapsed := time.Since(lastMsg)
	if elapsed > HeartbeatTimeout {
		slog.Warn("ws_heartbeat_timeout", "elapsed", elapsed)

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()

		// Send ping
		if conn != nil {
			conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Warn("ws_ping_failed", "error", err)
				l.closeConnection()
			}
		}
	}
}

// updateLastMsg updates the last message timestamp.
func (l *Listener) updateLastMsg() {
	l.lastMsgMu.Lock()
	l.lastMsg = time.Now()
	l.lastMsgMu.Unlock()
}

// closeConnection safely closes the WebSocket connection.
func (l *Listener) closeConnection() {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
		l.setStatus("disconnected")
		slog.Info("ws_disconnected")
	}
}

// waitBackoff waits for the backoff duration with jitter.
func (l *Listener) waitBackoff(ctx context.Context) {
	// Add jitter
	jitter := time.Duration(float64(l.backoff) * JitterPercent * (rand.Float64()*2 - 1))
	wait := l.backoff + jitter

	slog.Debug("ws_waiting_backoff", "duration", wait)

	select {
	case <-ctx.Done():
	case <-l.stopChan:
	case <-time.After(wait):
	}

	// Increase backoff for next attempt
	l.backoff = time.Duration(float64(l.backoff) * BackoffFactor)
	if l.backoff > MaxBackoff {
		l.backoff = MaxBackoff
	}
}

// truncate shortens a string for logging.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// Subscription is one topic subscription of the activity stream.
type Subscription struct {
	Topic   string `json:"topic"`
	Type    string `json:"type"`
	Filters string `json:"filters,omitempty"`
}

// SubscriptionMessage is the subscribe request of the activity stream.
type SubscriptionMessage struct {
	Action        string         `json:"action"`
	Subscriptions []Subscription `json:"subscriptions"`
}

// NewSubscriptionMessage subscribes to trades on the given markets, or on
// every market when conditionIDs is empty.
func NewSubscriptionMessage(conditionIDs []string) *SubscriptionMessage {
	msg := &SubscriptionMessage{Action: "subscribe"}
	if len(conditionIDs) == 0 {
		msg.Subscriptions = []Subscription{{Topic: "activity", Type: "trades"}}
		return msg
	}
	for _, id := range conditionIDs {
		filter, _ := json.Marshal(map[string]string{"market": id})
		msg.Subscriptions = append(msg.Subscriptions, Subscription{
			Topic:   "activity",
			Type:    "trades",
			Filters: string(filter),
		})
	}
	return msg
}
