package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/email-dispatch/internal/job"
	"github.com/ignite/email-dispatch/internal/pkg/logger"
)

// SendGridDriver delivers through the SendGrid v3 Mail Send API.
type SendGridDriver struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewSendGridDriver creates a SendGrid driver.
func NewSendGridDriver(apiKey string) *SendGridDriver {
	return &SendGridDriver{
		apiKey:  apiKey,
		baseURL: "https://api.sendgrid.com/v3",
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (d *SendGridDriver) Kind() job.ProviderKind { return job.ProviderSendGrid }

func (d *SendGridDriver) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	if d.apiKey == "" {
		return nil, Permanent("sendgrid API key not configured")
	}

	to := make([]map[string]string, len(msg.Recipients))
	for i, r := range msg.Recipients {
		to[i] = map[string]string{"email": r}
	}

	// SendGrid requires text/plain to come before text/html.
	var content []map[string]string
	if msg.Text != "" {
		content = append(content, map[string]string{"type": "text/plain", "value": msg.Text})
	}
	if msg.HTML != "" {
		content = append(content, map[string]string{"type": "text/html", "value": msg.HTML})
	}
	if len(content) == 0 {
		content = append(content, map[string]string{"type": "text/plain", "value": " "})
	}

	payload := map[string]interface{}{
		"personalizations": []map[string]interface{}{{"to": to}},
		"from":             map[string]string{"email": msg.From, "name": msg.FromName},
		"subject":          msg.Subject,
		"content":          content,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", d.baseURL+"/mail/send", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sendgrid request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return nil, classifyStatus(job.ProviderSendGrid, resp.StatusCode, body)
	}

	messageID := resp.Header.Get("X-Message-Id")
	if messageID == "" {
		messageID = uuid.New().String()
	}

	logger.Debug("sendgrid accepted message",
		"message_id", messageID,
		"recipients", logger.RedactEmails(msg.Recipients))
	return &SendResult{MessageID: messageID, SentAt: time.Now().UTC()}, nil
}
