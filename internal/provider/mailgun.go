package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/email-dispatch/internal/job"
	"github.com/ignite/email-dispatch/internal/pkg/logger"
)

// MailgunDriver delivers through the Mailgun Messages API.
type MailgunDriver struct {
	apiKey  string
	domain  string
	baseURL string
	client  *http.Client
}

// NewMailgunDriver creates a Mailgun driver for the given sending domain.
func NewMailgunDriver(apiKey, domain string) *MailgunDriver {
	return &MailgunDriver{
		apiKey:  apiKey,
		domain:  domain,
		baseURL: "https://api.mailgun.net/v3",
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (d *MailgunDriver) Kind() job.ProviderKind { return job.ProviderMailgun }

func (d *MailgunDriver) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	if d.apiKey == "" {
		return nil, Permanent("mailgun API key not configured")
	}

	form := url.Values{}
	if msg.FromName != "" {
		form.Add("from", fmt.Sprintf("%s <%s>", msg.FromName, msg.From))
	} else {
		form.Add("from", msg.From)
	}
	for _, r := range msg.Recipients {
		form.Add("to", r)
	}
	form.Add("subject", msg.Subject)
	if msg.HTML != "" {
		form.Add("html", msg.HTML)
	}
	if msg.Text != "" {
		form.Add("text", msg.Text)
	}

	endpoint := fmt.Sprintf("%s/%s/messages", d.baseURL, d.domain)
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("api", d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mailgun request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return nil, classifyStatus(job.ProviderMailgun, resp.StatusCode, body)
	}

	var result struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	json.Unmarshal(body, &result)
	messageID := strings.Trim(result.ID, "<>")
	if messageID == "" {
		messageID = uuid.New().String()
	}

	logger.Debug("mailgun accepted message",
		"message_id", messageID,
		"recipients", logger.RedactEmails(msg.Recipients))
	return &SendResult{MessageID: messageID, SentAt: time.Now().UTC()}, nil
}
