package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"gopkg.in/gomail.v2"
)

// ErrNoWebhookURL is returned when a delivery has no endpoint to post to.
var ErrNoWebhookURL = errors.New("no webhook URL configured")

// DeliveryContact is the contact object embedded in the webhook payload.
type DeliveryContact struct {
	ID        uint   `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Name      string `json:"name"`
}

// Delivery is one outbound send. The webhook endpoint is responsible for
// composing and relaying the actual email; success is its HTTP status alone.
type Delivery struct {
	WebhookURL string `json:"-"`

	To               string          `json:"to"`
	Subject          string          `json:"subject"`
	HTML             string          `json:"html"`
	MessageID        string          `json:"message_id"`
	CampaignID       uint            `json:"campaign_id,omitempty"`
	AutomationRuleID uint            `json:"automation_rule_id,omitempty"`
	SenderSequence   int             `json:"sender_sequence,omitempty"`
	UnsubscribeURL   string          `json:"unsubscribe_url,omitempty"`
	Contact          DeliveryContact `json:"contact"`
}

// Transport delivers one payload to its destination.
type Transport interface {
	Deliver(ctx context.Context, d Delivery) error
}

// RetryPolicy controls how many times a transport attempts a delivery.
// Backoff between attempt n and n+1 is Base<<(n-1): with Base=1s that is
// 1s, 2s, 4s. Attempts<=1 means a single try with no retry.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
}

// CampaignRetryPolicy is the default for campaign sends: one attempt, a
// failed POST marks the recipient failed immediately.
func CampaignRetryPolicy() RetryPolicy { return RetryPolicy{Attempts: 1} }

// AutomationRetryPolicy is the default for automation sends.
func AutomationRetryPolicy() RetryPolicy { return RetryPolicy{Attempts: 3, Base: time.Second} }

// WebhookClient posts JSON payloads to a delivery webhook. A non-2xx response
// or a transport error counts as failure; the response body is not inspected.
type WebhookClient struct {
	Client *http.Client
	Policy RetryPolicy
	Logger *log.Logger

	// Injectable for tests; defaults to time.Sleep.
	Sleep func(time.Duration)
}

func NewWebhookClient(timeout time.Duration, policy RetryPolicy, logger *log.Logger) *WebhookClient {
	return &WebhookClient{
		Client: &http.Client{Timeout: timeout},
		Policy: policy,
		Logger: logger,
		Sleep:  time.Sleep,
	}
}

func (wc *WebhookClient) Deliver(ctx context.Context, d Delivery) error {
	if d.WebhookURL == "" {
		return ErrNoWebhookURL
	}

	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	attempts := wc.Policy.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = wc.post(ctx, d.WebhookURL, body)
		if lastErr == nil {
			return nil
		}
		wc.Logger.Printf("Webhook delivery to %s attempt %d/%d failed: %v", d.To, attempt, attempts, lastErr)
		if attempt < attempts {
			wc.Sleep(wc.Policy.Base << (attempt - 1))
		}
	}
	return lastErr
}

func (wc *WebhookClient) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := wc.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// SMTPTransport delivers through a local SMTP relay instead of a webhook.
type SMTPTransport struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (st *SMTPTransport) Deliver(_ context.Context, d Delivery) error {
	m := gomail.NewMessage()
	m.SetHeader("From", st.From)
	m.SetHeader("To", d.To)
	m.SetHeader("Subject", d.Subject)
	m.SetHeader("Message-ID", fmt.Sprintf("<%s@mailflow>", d.MessageID))
	m.SetBody("text/html", d.HTML)

	dialer := gomail.NewDialer(st.Host, st.Port, st.Username, st.Password)
	return dialer.DialAndSend(m)
}

// FallbackTransport routes deliveries with a webhook URL to the webhook
// client and the rest to an SMTP relay, when one is configured.
type FallbackTransport struct {
	Webhook Transport
	SMTP    Transport
}

func (ft *FallbackTransport) Deliver(ctx context.Context, d Delivery) error {
	if d.WebhookURL == "" && ft.SMTP != nil {
		return ft.SMTP.Deliver(ctx, d)
	}
	return ft.Webhook.Deliver(ctx, d)
}
