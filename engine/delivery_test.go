package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookClientPostsPayload(t *testing.T) {
	var got Delivery
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	wc := NewWebhookClient(5*time.Second, CampaignRetryPolicy(), testLogger())
	err := wc.Deliver(context.Background(), Delivery{
		WebhookURL:     server.URL,
		To:             "ada@example.com",
		Subject:        "Hi Ada",
		HTML:           "<p>hey</p>",
		MessageID:      "msg-1",
		CampaignID:     7,
		SenderSequence: 3,
		Contact:        DeliveryContact{ID: 1, Email: "ada@example.com", Name: "Ada"},
	})
	require.NoError(t, err)

	assert.Equal(t, "ada@example.com", got.To)
	assert.Equal(t, "Hi Ada", got.Subject)
	assert.Equal(t, uint(7), got.CampaignID)
	assert.Equal(t, 3, got.SenderSequence)
	assert.Equal(t, "Ada", got.Contact.Name)
	assert.Empty(t, got.WebhookURL) // never serialized into the payload
}

func TestWebhookClientRequiresURL(t *testing.T) {
	wc := NewWebhookClient(time.Second, CampaignRetryPolicy(), testLogger())
	err := wc.Deliver(context.Background(), Delivery{To: "a@example.com"})
	assert.ErrorIs(t, err, ErrNoWebhookURL)
}

func TestWebhookClientTreatsNon2xxAsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	wc := NewWebhookClient(time.Second, CampaignRetryPolicy(), testLogger())
	err := wc.Deliver(context.Background(), Delivery{WebhookURL: server.URL, To: "a@example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestWebhookClientRetriesWithBackoff(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var slept []time.Duration
	wc := NewWebhookClient(time.Second, AutomationRetryPolicy(), testLogger())
	wc.Sleep = func(d time.Duration) { slept = append(slept, d) }

	err := wc.Deliver(context.Background(), Delivery{WebhookURL: server.URL, To: "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, slept)
}

func TestWebhookClientGivesUpAfterAttempts(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	wc := NewWebhookClient(time.Second, AutomationRetryPolicy(), testLogger())
	wc.Sleep = func(time.Duration) {}

	err := wc.Deliver(context.Background(), Delivery{WebhookURL: server.URL, To: "a@example.com"})
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestCampaignPolicyDoesNotRetry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	wc := NewWebhookClient(time.Second, CampaignRetryPolicy(), testLogger())
	wc.Sleep = func(time.Duration) { t.Fatal("campaign deliveries must not back off") }

	err := wc.Deliver(context.Background(), Delivery{WebhookURL: server.URL, To: "a@example.com"})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFallbackTransportRouting(t *testing.T) {
	webhook := &fakeTransport{}
	smtp := &fakeTransport{}
	ft := &FallbackTransport{Webhook: webhook, SMTP: smtp}

	require.NoError(t, ft.Deliver(context.Background(), Delivery{WebhookURL: "https://hooks.example.com/x", To: "a@example.com"}))
	require.NoError(t, ft.Deliver(context.Background(), Delivery{To: "b@example.com"}))

	assert.Equal(t, []string{"a@example.com"}, webhook.recipients())
	assert.Equal(t, []string{"b@example.com"}, smtp.recipients())
}

func TestFallbackTransportWithoutSMTP(t *testing.T) {
	webhook := NewWebhookClient(time.Second, CampaignRetryPolicy(), testLogger())
	ft := &FallbackTransport{Webhook: webhook}

	err := ft.Deliver(context.Background(), Delivery{To: "a@example.com"})
	assert.ErrorIs(t, err, ErrNoWebhookURL)
}
