// ABOUTME: Synology Chat incoming-webhook client for proactive messages.
// ABOUTME: Posts payload-encoded form bodies and strips Markdown to plain text.

package synology

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/jarvis-dispatcher/internal/notify"
)

// Client sends messages to Synology Chat via its incoming webhook.
// The outgoing direction (Synology posting user messages to us) is handled
// by the gateway's webhook endpoint.
type Client struct {
	webhookURL string
	httpClient *http.Client
	logger     *slog.Logger
}

func New(webhookURL string, logger *slog.Logger) *Client {
	return &Client{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger.With("component", "synology"),
	}
}

// Register adds this client as a notifier delivery channel.
func (c *Client) Register(n *notify.Notifier) {
	n.Register(notify.Registration{ID: "synology", Deliver: c.SendMessage})
}

// SendMessage posts one message to the incoming webhook. Synology Chat only
// renders plain text, so Markdown emphasis is stripped first.
func (c *Client) SendMessage(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]string{"text": stripMarkdown(text)})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	form := url.Values{"payload": {string(payload)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting to webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// stripMarkdown removes formatting Synology Chat would render literally.
func stripMarkdown(text string) string {
	clean := strings.ReplaceAll(text, "**", "")
	clean = strings.ReplaceAll(clean, "🔔 ", "")
	return clean
}
