package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

// NewProvider picks a target by kind: log, noop, fail or webhook. A bare
// URL is treated as a webhook; an unknown kind falls back to log.
func NewProvider(kind, url, token string) Target {
	switch kind {
	case "", "stub", "log":
		return logProvider{}
	case "noop":
		return noopProvider{}
	case "fail":
		return failProvider{}
	case "webhook":
		if url == "" {
			log.Printf("notif webhook url missing, falling back to log provider")
			return logProvider{}
		}
		return newWebhookProvider(url, token)
	default:
		if strings.HasPrefix(kind, "http://") || strings.HasPrefix(kind, "https://") {
			return newWebhookProvider(kind, token)
		}
		return logProvider{}
	}
}

type logProvider struct{}

func (logProvider) Name() string { return "log" }

func (logProvider) Send(ctx context.Context, n Notification) error {
	log.Printf("notify type=%s ticket_id=%s label=%s: %s", n.Type, n.Event.TicketID, n.Event.SequenceLabel, n.Message)
	return nil
}

type noopProvider struct{}

func (noopProvider) Name() string { return "noop" }

func (noopProvider) Send(ctx context.Context, n Notification) error {
	return nil
}

type failProvider struct{}

func (failProvider) Name() string { return "fail" }

func (failProvider) Send(ctx context.Context, n Notification) error {
	return errors.New("provider failure")
}

type webhookProvider struct {
	url    string
	token  string
	client *http.Client
}

func newWebhookProvider(url, token string) webhookProvider {
	return webhookProvider{url: url, token: token, client: &http.Client{Timeout: 5 * time.Second}}
}

func (p webhookProvider) Name() string { return "webhook" }

func (p webhookProvider) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("provider rejected request: status %d", resp.StatusCode)
	}
	return nil
}
