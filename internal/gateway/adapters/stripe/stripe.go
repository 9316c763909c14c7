// Package stripe implements the card flow: the payer is redirected to a
// hosted checkout session and the outcome arrives as a signed webhook.
package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shulehub/shulehub/internal/gateway/domain"
	paymentdomain "github.com/shulehub/shulehub/internal/payment/domain"
)

const defaultAPIBase = "https://api.stripe.com"

type Factory struct {
	client *http.Client
}

func NewFactory(client *http.Client) *Factory {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Factory{client: client}
}

func (f *Factory) Provider() string {
	return "stripe"
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	webhookSecret, _ := readString(cfg.Config, "webhook_secret")
	apiKey, _ := readString(cfg.Config, "api_key")
	webhookSecret = strings.TrimSpace(webhookSecret)
	apiKey = strings.TrimSpace(apiKey)
	if webhookSecret == "" || apiKey == "" {
		return nil, domain.ErrInvalidConfig
	}
	apiBase, _ := readString(cfg.Config, "api_base")
	apiBase = strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if apiBase == "" {
		apiBase = defaultAPIBase
	}

	return &Adapter{
		client:        f.client,
		webhookSecret: webhookSecret,
		apiKey:        apiKey,
		apiBase:       apiBase,
	}, nil
}

type Adapter struct {
	client        *http.Client
	webhookSecret string
	apiKey        string
	apiBase       string
}

// Initiate creates a checkout session; the session url is the redirect
// target and the session id doubles as the poll ref.
func (a *Adapter) Initiate(ctx context.Context, req domain.InitiateRequest) (*domain.InitiateResult, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("client_reference_id", req.Reference)
	form.Set("success_url", req.ReturnURL)
	form.Set("cancel_url", req.ReturnURL)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(req.Currency))
	form.Set("line_items[0][price_data][unit_amount]", fmt.Sprintf("%d", req.Amount))
	form.Set("line_items[0][price_data][product_data][name]", "School fees")
	form.Set("metadata[reference]", req.Reference)

	request, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.apiBase+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.Header.Set("Authorization", "Bearer "+a.apiKey)
	request.Header.Set("Idempotency-Key", req.IdempotencyToken)

	resp, err := a.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: status %d", domain.ErrProviderUnavailable, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", domain.ErrInvalidEvent, resp.StatusCode)
	}

	var session checkoutSession
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if session.ID == "" || session.URL == "" {
		return nil, domain.ErrInvalidPayload
	}
	return &domain.InitiateResult{
		ExternalRef: session.ID,
		PollRef:     session.ID,
		RedirectURL: session.URL,
	}, nil
}

func (a *Adapter) Poll(ctx context.Context, pollRef string) (*domain.PollResult, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.apiBase+"/v1/checkout/sessions/"+url.PathEscape(pollRef), nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: status %d", domain.ErrProviderUnavailable, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}

	var session checkoutSession
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	return &domain.PollResult{
		Status:      mapSessionStatus(session),
		Amount:      session.AmountTotal,
		ProviderRef: session.PaymentIntent,
		Reason:      session.PaymentStatus,
	}, nil
}

// Verify authenticates the Stripe-Signature header: HMAC-SHA256 over
// "timestamp.payload" with the webhook secret, compared in constant time.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return domain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return domain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return domain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*domain.Notification, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	var status paymentdomain.Status
	switch strings.TrimSpace(event.Type) {
	case "checkout.session.completed":
		status = paymentdomain.StatusCompleted
	case "checkout.session.expired":
		status = paymentdomain.StatusFailed
	default:
		return nil, domain.ErrEventIgnored
	}

	var session checkoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(session.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	occurredAt := time.Unix(event.Created, 0).UTC()
	if event.Created == 0 {
		occurredAt = time.Now().UTC()
	}
	return &domain.Notification{
		Provider:        "stripe",
		ProviderEventID: event.ID,
		ExternalRef:     session.ID,
		ProviderRef:     session.PaymentIntent,
		Status:          status,
		Amount:          session.AmountTotal,
		Reason:          event.Type,
		OccurredAt:      occurredAt,
	}, nil
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type checkoutSession struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	PaymentIntent string `json:"payment_intent"`
	AmountTotal   int64  `json:"amount_total"`
}

func mapSessionStatus(session checkoutSession) paymentdomain.Status {
	switch session.PaymentStatus {
	case "paid":
		return paymentdomain.StatusCompleted
	}
	if session.Status == "expired" {
		return paymentdomain.StatusFailed
	}
	return paymentdomain.StatusPending
}

func parseSignatureHeader(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func readString(config map[string]any, key string) (string, bool) {
	value, ok := config[key]
	if !ok {
		return "", false
	}
	cast, ok := value.(string)
	return cast, ok
}
