package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gridstone/docnotify/internal/config"
	"github.com/gridstone/docnotify/internal/pkg/httpretry"
)

// SendGridTransport sends via the SendGrid v3 Mail Send API. Transient
// API failures are retried with backoff before the job is failed.
type SendGridTransport struct {
	apiKey  string
	baseURL string
	client  httpretry.HTTPDoer
}

// NewSendGridTransport creates a SendGrid transport.
func NewSendGridTransport(cfg config.SendGridConfig) *SendGridTransport {
	return &SendGridTransport{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		client:  httpretry.NewRetryClient(&http.Client{Timeout: 60 * time.Second}, 3),
	}
}

// Send delivers one envelope through SendGrid.
func (t *SendGridTransport) Send(ctx context.Context, env *Envelope) error {
	if t.apiKey == "" {
		return fmt.Errorf("SendGrid API key not configured")
	}

	to := make([]map[string]string, len(env.To))
	for i, addr := range env.To {
		to[i] = map[string]string{"email": addr}
	}
	payload := map[string]interface{}{
		"personalizations": []map[string]interface{}{{"to": to}},
		"from":             map[string]string{"email": env.From, "name": env.FromName},
		"subject":          env.Subject,
		"content": []map[string]string{
			{"type": "text/plain", "value": env.Text},
			{"type": "text/html", "value": env.HTML},
		},
	}
	if env.ReplyTo != "" {
		payload["reply_to"] = map[string]string{"email": env.ReplyTo}
	}
	if len(env.Headers) > 0 {
		payload["headers"] = env.Headers
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", t.baseURL+"/mail/send", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("SendGrid error %d: %s", resp.StatusCode, string(body))
	}

	messageID := resp.Header.Get("X-Message-Id")
	if messageID == "" {
		messageID = uuid.New().String()
	}
	log.Printf("[SendGrid] Sent to %s (id: %s)", redactAll(env.To), messageID)
	return nil
}
