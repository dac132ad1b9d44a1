package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/polyinsider/shadowflow/internal/store"
)

// Embed colors per band.
var bandColors = map[store.Band]int{
	store.BandLow:      0x2ecc71,
	store.BandMedium:   0xf1c40f,
	store.BandHigh:     0xe67e22,
	store.BandCritical: 0xe74c3c,
}

// DiscordNotifier posts alerts to a Discord webhook.
type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
	MaxRetries int
	// Backoff is the first retry delay; it doubles on every attempt.
	Backoff time.Duration
}

// NewDiscordNotifier returns a notifier with a 10s HTTP timeout and two retries.
func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{
		WebhookURL: webhookURL,
		Client:     &http.Client{Timeout: 10 * time.Second},
		MaxRetries: 2,
		Backoff:    time.Second,
	}
}

func (d *DiscordNotifier) Name() string { return "discord" }

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title     string         `json:"title"`
	Color     int            `json:"color"`
	Fields    []discordField `json:"fields"`
	Timestamp string         `json:"timestamp"`
}

type discordPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds"`
}

func buildPayload(a *store.Alert) discordPayload {
	title := fmt.Sprintf("%s coordination risk: %.1f/100", a.Band, a.Score)
	if a.Escalation {
		title = "Escalation: " + title
	}

	breaches := make([]string, len(a.Breaches))
	for i, b := range a.Breaches {
		breaches[i] = fmt.Sprintf("%s %.2f (>= %.2f, %s)", b.Kind, b.Value, b.Threshold, b.Severity)
	}

	return discordPayload{Embeds: []discordEmbed{{
		Title: title,
		Color: bandColors[a.Band],
		Fields: []discordField{
			{Name: "Anomalies", Value: fmt.Sprintf("%.1f%%", a.Factors.AnomalyPct), Inline: true},
			{Name: "Wallet clusters", Value: fmt.Sprintf("%.1f", a.Factors.WalletClusterSignal), Inline: true},
			{Name: "Price manipulation", Value: fmt.Sprintf("%.1f", a.Factors.PriceManipulationSignal), Inline: true},
			{Name: "Temporal", Value: fmt.Sprintf("%.1f", a.Factors.TemporalSignal), Inline: true},
			{Name: "Breaches", Value: strings.Join(breaches, "\n")},
			{Name: "Sync clusters", Value: fmt.Sprintf("%d", len(a.ContributingClusters)), Inline: true},
		},
		Timestamp: a.FiredAt.UTC().Format(time.RFC3339),
	}}}
}

func (d *DiscordNotifier) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("discord webhook error: status %d, body: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Notify posts the alert, retrying with exponential backoff.
func (d *DiscordNotifier) Notify(ctx context.Context, a *store.Alert) error {
	body, err := json.Marshal(buildPayload(a))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for i := 0; i <= d.MaxRetries; i++ {
		if lastErr = d.send(ctx, body); lastErr == nil {
			return nil
		}
		if i == d.MaxRetries {
			break
		}
		backoff := d.Backoff * time.Duration(1<<uint(i))
		slog.Warn("discord_send_failed", "attempt", i+1, "max_attempts", d.MaxRetries+1, "retry_in", backoff, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", d.MaxRetries+1, lastErr)
}
