package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/robehgc/hitl-pipeline/pkg/hitlerr"
)

// WebhookTransport posts a bubble to a deployment-configured HTTP endpoint
// (a chat platform's outgoing-webhook URL, or an internal bridge service),
// the lowest common denominator across messaging platforms and the same
// shape the original bot integration used for its outbound leg. No example
// repo in the pack wires a specific chat-platform SDK, so this stays on
// net/http rather than adopting a vendor-specific client this service has
// no other need for.
type WebhookTransport struct {
	URL    string
	Client *http.Client
}

// NewWebhookTransport builds a Transport posting JSON payloads to url.
// client defaults to a 10s-timeout http.Client when nil.
func NewWebhookTransport(url string, client *http.Client) *WebhookTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookTransport{URL: url, Client: client}
}

type webhookPayload struct {
	UserID            string `json:"user_id"`
	Text              string `json:"text"`
	ExternalMessageID string `json:"external_message_id"`
}

// Send implements Transport.
func (t *WebhookTransport) Send(ctx context.Context, userID, text string) (string, error) {
	extID := uuid.NewString()
	body, err := json.Marshal(webhookPayload{UserID: userID, Text: text, ExternalMessageID: extID})
	if err != nil {
		return "", hitlerr.Failure("encoding outbound webhook payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return "", hitlerr.Failure("building outbound webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		return "", hitlerr.Transient("posting outbound webhook", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return "", hitlerr.Transient(fmt.Sprintf("outbound webhook returned %d", resp.StatusCode), nil)
	}
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return "", hitlerr.Failure(fmt.Sprintf("outbound webhook rejected delivery (%d): %s", resp.StatusCode, string(respBody)), nil)
	}
	return extID, nil
}
