package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Errors returned by the gateway client. ErrGatewayUnavailable marks
// transient failures: the caller may retry without any state change on
// this side.
var (
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrInvalidSignature   = errors.New("invalid webhook signature")
)

// Event types delivered by the provider's webhook.
const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventCheckoutExpired   = "checkout.session.expired"
	EventPaymentFailed     = "checkout.session.async_payment_failed"
)

// SignatureHeader is the HTTP header carrying the webhook signature.
const SignatureHeader = "Provider-Signature"

// signatureTolerance bounds how old a webhook timestamp may be before
// the delivery is treated as a replay.
const signatureTolerance = 5 * time.Minute

// Config holds payment provider connection details.
type Config struct {
	APIURL        string
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
}

// Client talks to the external payment provider. It creates checkout
// sessions and verifies webhook deliveries; it holds no session state.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient creates a new payment provider client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// LineItem describes one order line for the provider's checkout page.
type LineItem struct {
	Name      string
	Quantity  int
	UnitPrice float64
}

// SessionParams are the inputs to CreateSession.
type SessionParams struct {
	OrderID       string
	Amount        float64
	Items         []LineItem
	SuccessURL    string
	CancelURL     string
	CustomerEmail string
}

// sessionResponse is the provider's reply to a session creation call.
type sessionResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreateSession asks the provider for a checkout session scoped to the
// order. Transport errors and provider 5xx responses are transient and
// reported as ErrGatewayUnavailable; anything else is permanent.
func (c *Client) CreateSession(ctx context.Context, params SessionParams) (string, string, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("client_reference_id", params.OrderID)
	form.Set("success_url", params.SuccessURL)
	form.Set("cancel_url", params.CancelURL)
	form.Set("customer_email", params.CustomerEmail)
	for i, item := range params.Items {
		prefix := fmt.Sprintf("line_items[%d]", i)
		form.Set(prefix+"[name]", item.Name)
		form.Set(prefix+"[quantity]", strconv.Itoa(item.Quantity))
		// Amounts are sent in the smallest currency unit.
		form.Set(prefix+"[unit_amount]", strconv.FormatInt(int64(item.UnitPrice*100+0.5), 10))
	}

	endpoint := strings.TrimRight(c.cfg.APIURL, "/") + "/v1/checkout/sessions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", fmt.Errorf("failed to build session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.cfg.SecretKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("session request for order %s failed: %v: %w", params.OrderID, err, ErrGatewayUnavailable)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("failed to read session response: %v: %w", err, ErrGatewayUnavailable)
	}

	if resp.StatusCode >= 500 {
		return "", "", fmt.Errorf("provider returned %d for order %s: %w", resp.StatusCode, params.OrderID, ErrGatewayUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("provider rejected session for order %s: status %d: %s", params.OrderID, resp.StatusCode, body)
	}

	var session sessionResponse
	if err := json.Unmarshal(body, &session); err != nil {
		return "", "", fmt.Errorf("failed to decode session response: %w", err)
	}
	if session.ID == "" || session.URL == "" {
		return "", "", fmt.Errorf("provider returned incomplete session for order %s", params.OrderID)
	}

	log.Printf("Created payment session %s for order %s", session.ID, params.OrderID)
	return session.ID, session.URL, nil
}

// Event is a verified webhook notification. SessionRef identifies the
// checkout session the event reports on.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID string `json:"id"`
		} `json:"object"`
	} `json:"data"`
}

// SessionRef returns the checkout session reference the event targets.
func (e *Event) SessionRef() string {
	return e.Data.Object.ID
}

// Succeeded reports whether the event signals a completed payment.
func (e *Event) Succeeded() bool {
	return e.Type == EventCheckoutCompleted
}

// Failed reports whether the event signals a failed or abandoned payment.
func (e *Event) Failed() bool {
	return e.Type == EventCheckoutExpired || e.Type == EventPaymentFailed
}

// ComputeSignature returns the hex HMAC-SHA256 over "<ts>.<payload>".
func ComputeSignature(secret string, ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhook checks the delivery's signature before anything else. The
// header has the form "t=<unix>,v1=<hex>"; the payload is parsed only
// after the HMAC matches and the timestamp is within tolerance.
func (c *Client) VerifyWebhook(payload []byte, sigHeader string) (*Event, error) {
	var ts int64
	var sig string
	for _, part := range strings.Split(sigHeader, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed timestamp %q: %w", value, ErrInvalidSignature)
			}
			ts = parsed
		case "v1":
			sig = value
		}
	}
	if ts == 0 || sig == "" {
		return nil, fmt.Errorf("missing signature elements: %w", ErrInvalidSignature)
	}

	if age := time.Since(time.Unix(ts, 0)); age > signatureTolerance || age < -signatureTolerance {
		return nil, fmt.Errorf("timestamp outside tolerance: %w", ErrInvalidSignature)
	}

	expected := ComputeSignature(c.cfg.WebhookSecret, ts, payload)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return nil, fmt.Errorf("signature mismatch: %w", ErrInvalidSignature)
	}

	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to decode webhook event: %w", err)
	}
	return &event, nil
}
