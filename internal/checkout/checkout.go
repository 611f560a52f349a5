// Package checkout talks to the hosted payment processor: it opens
// checkout sessions for credit purchases and verifies the signatures on
// the processor's webhook notifications.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidConfig     = errors.New("invalid checkout config")
	ErrSessionRejected   = errors.New("checkout session rejected")
	ErrInvalidSignature  = errors.New("invalid webhook signature")
	ErrMalformedEvent    = errors.New("malformed webhook event")
	ErrSignatureTooStale = errors.New("webhook signature timestamp too stale")
)

// Config holds the processor endpoint and credentials.
type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	Timeout       time.Duration
	// Tolerance bounds how old a signed webhook timestamp may be.
	Tolerance time.Duration
}

// Validate fills defaults and rejects unusable configuration.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return fmt.Errorf("%w: base url is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return fmt.Errorf("%w: api key is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return fmt.Errorf("%w: webhook secret is required", ErrInvalidConfig)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 5 * time.Minute
	}
	return nil
}

// SessionRequest describes one checkout session to open.
type SessionRequest struct {
	PaymentRef       string
	AccountID        string
	CreditsRequested int64
	AmountCents      int64
	Currency         string
	Description      string
}

// Session is the processor's answer: where to send the user and the
// processor-side id we keep as metadata against our payment_ref.
type Session struct {
	SessionID   string
	CheckoutURL string
}

// Event is a verified webhook notification.
type Event struct {
	Type          string
	SessionID     string
	PaymentRef    string
	PaymentStatus string
}

// Completed reports whether the event announces a finished payment.
func (event Event) Completed() bool {
	return event.Type == "checkout.session.completed" && event.PaymentStatus == "paid"
}

// Client is the HTTP implementation against the processor's REST API.
type Client struct {
	cfg  Config
	http *http.Client
	now  func() time.Time
}

// NewClient validates the configuration and builds a client.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		now:  time.Now,
	}, nil
}

// CreateSession opens a checkout session. The processor takes form
// parameters and answers JSON; our payment_ref rides along as metadata
// so the webhook can be correlated back to the pending payment.
func (client *Client) CreateSession(ctx context.Context, request SessionRequest) (Session, error) {
	if request.AmountCents <= 0 {
		return Session{}, fmt.Errorf("%w: amount must be positive", ErrSessionRejected)
	}
	currency := request.Currency
	if currency == "" {
		currency = "eur"
	}

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("line_items[0][price_data][currency]", currency)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(request.AmountCents, 10))
	form.Set("line_items[0][price_data][product_data][name]", request.Description)
	form.Set("line_items[0][quantity]", "1")
	form.Set("metadata[payment_ref]", request.PaymentRef)
	form.Set("metadata[account_id]", request.AccountID)
	form.Set("metadata[credits_requested]", strconv.FormatInt(request.CreditsRequested, 10))
	if client.cfg.SuccessURL != "" {
		form.Set("success_url", client.cfg.SuccessURL)
	}
	if client.cfg.CancelURL != "" {
		form.Set("cancel_url", client.cfg.CancelURL)
	}

	endpoint := strings.TrimRight(client.cfg.BaseURL, "/") + "/v1/checkout/sessions"
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Session{}, err
	}
	httpRequest.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpRequest.Header.Set("Authorization", "Bearer "+client.cfg.APIKey)

	response, err := client.http.Do(httpRequest)
	if err != nil {
		return Session{}, fmt.Errorf("checkout request: %w", err)
	}
	defer func() { _ = response.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return Session{}, fmt.Errorf("checkout response: %w", err)
	}
	if response.StatusCode != http.StatusOK {
		return Session{}, fmt.Errorf("%w: status %d", ErrSessionRejected, response.StatusCode)
	}

	var payload struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Session{}, fmt.Errorf("checkout response: %w", err)
	}
	if payload.ID == "" || payload.URL == "" {
		return Session{}, fmt.Errorf("%w: missing session id or url", ErrSessionRejected)
	}
	return Session{SessionID: payload.ID, CheckoutURL: payload.URL}, nil
}

// ParseEvent verifies the signature header against the raw body and
// decodes the event envelope. Redelivered events parse identically; the
// ledger, not this layer, decides whether they have effect.
func (client *Client) ParseEvent(body []byte, signatureHeader string) (Event, error) {
	if err := VerifySignature(body, signatureHeader, client.cfg.WebhookSecret, client.now(), client.cfg.Tolerance); err != nil {
		return Event{}, err
	}

	var envelope struct {
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID            string            `json:"id"`
				PaymentStatus string            `json:"payment_status"`
				Metadata      map[string]string `json:"metadata"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if envelope.Type == "" || envelope.Data.Object.ID == "" {
		return Event{}, fmt.Errorf("%w: missing type or session id", ErrMalformedEvent)
	}
	return Event{
		Type:          envelope.Type,
		SessionID:     envelope.Data.Object.ID,
		PaymentRef:    envelope.Data.Object.Metadata["payment_ref"],
		PaymentStatus: envelope.Data.Object.PaymentStatus,
	}, nil
}
