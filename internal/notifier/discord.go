package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, content string) error
}

// New returns a DiscordNotifier for webhookURL, or a Noop when it is empty.
func New(webhookURL string) Notifier {
	if webhookURL == "" {
		return Noop{}
	}

	return &DiscordNotifier{
		WebhookURL: webhookURL,
		Client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Noop drops every notification.
type Noop struct{}

func (Noop) Notify(context.Context, string) error { return nil }

type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}
