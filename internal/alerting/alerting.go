// Package alerting carries escalation alerts to the external paging
// collaborator. Delivery guarantees and retry live on the other side of the
// Notifier interface; this core only emits the payload contract.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"custodia.org/internal/obs"
)

// Payload is the structured alert emitted on every incident escalation.
type Payload struct {
	IncidentID     string   `json:"incident_id"`
	Category       string   `json:"category"`
	Severity       string   `json:"severity"`
	Message        string   `json:"message"`
	EscalationPath []string `json:"escalation_path"`
}

// Notifier delivers one alert payload.
type Notifier interface {
	Notify(ctx context.Context, payload Payload) error
}

// LogNotifier writes alerts to the structured log. Default in dev mode and
// the fallback wiring when no webhook is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, payload Payload) error {
	obs.LogRequest(map[string]any{
		"ts":              time.Now().UTC().Format(time.RFC3339Nano),
		"type":            "alert",
		"incident_id":     payload.IncidentID,
		"category":        payload.Category,
		"severity":        payload.Severity,
		"message":         payload.Message,
		"escalation_path": payload.EscalationPath,
	})
	return nil
}

// WebhookNotifier POSTs alert payloads to a paging endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier builds a notifier with a bounded request timeout.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("alert endpoint returned %d", resp.StatusCode)
	}
	return nil
}
