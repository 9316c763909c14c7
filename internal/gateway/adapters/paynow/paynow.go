// Package paynow implements the Paynow Zimbabwe gateway: hosted-page
// redirect for cards, express (direct channel) for EcoCash and OneMoney
// wallets. Every message in both directions carries a SHA512 integrity
// hash over the field values and the integration key.
package paynow

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shulehub/shulehub/internal/gateway/domain"
	"github.com/shulehub/shulehub/internal/money"
	paymentdomain "github.com/shulehub/shulehub/internal/payment/domain"
)

const defaultBaseURL = "https://www.paynow.co.zw"

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
	return "paynow"
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	integrationID, _ := readString(cfg.Config, "integration_id")
	integrationKey, _ := readString(cfg.Config, "integration_key")
	integrationID = strings.TrimSpace(integrationID)
	integrationKey = strings.TrimSpace(integrationKey)
	if integrationID == "" || integrationKey == "" {
		return nil, domain.ErrInvalidConfig
	}

	baseURL, _ := readString(cfg.Config, "base_url")
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	authEmail, _ := readString(cfg.Config, "auth_email")

	return &Adapter{
		client:         f.client,
		integrationID:  integrationID,
		integrationKey: integrationKey,
		authEmail:      strings.TrimSpace(authEmail),
		baseURL:        baseURL,
	}, nil
}

type Adapter struct {
	client         *http.Client
	integrationID  string
	integrationKey string
	authEmail      string
	baseURL        string
}

type field struct {
	key   string
	value string
}

// Initiate starts a transaction. A mobile wallet method uses the express
// endpoint and pushes a PIN prompt to the payer's handset; anything else
// goes through the hosted page and returns a redirect target. Both flows
// return a poll url.
func (a *Adapter) Initiate(ctx context.Context, req domain.InitiateRequest) (*domain.InitiateResult, error) {
	express := isWalletMethod(req.Method)

	fields := []field{
		{"resulturl", req.ResultURL},
		{"returnurl", req.ReturnURL},
		{"reference", req.Reference},
		{"amount", money.Format(req.Amount)},
		{"id", a.integrationID},
		{"additionalinfo", req.IdempotencyToken},
		{"authemail", a.authEmail},
		{"status", "Message"},
	}
	endpoint := a.baseURL + "/interface/initiatetransaction"
	if express {
		fields = append(fields,
			field{"phone", req.PayerPhone},
			field{"method", strings.ToLower(req.Method)},
		)
		endpoint = a.baseURL + "/interface/remotetransaction"
	}
	fields = append(fields, field{"hash", a.hash(fields)})

	body, err := a.post(ctx, endpoint, fields)
	if err != nil {
		return nil, err
	}

	values, order := parseOrdered(body)
	status := strings.ToLower(values["status"])
	if status != "ok" {
		reason := values["error"]
		if reason == "" {
			reason = "initiate rejected"
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidEvent, reason)
	}
	if err := a.verifyFields(values, order); err != nil {
		return nil, err
	}

	pollURL := values["pollurl"]
	if pollURL == "" {
		return nil, domain.ErrInvalidPayload
	}
	return &domain.InitiateResult{
		ExternalRef: req.Reference,
		PollRef:     pollURL,
		RedirectURL: values["browserurl"],
	}, nil
}

// Poll fetches the transaction status from the poll url. It never mutates
// anything; it only reports.
func (a *Adapter) Poll(ctx context.Context, pollRef string) (*domain.PollResult, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, pollRef, nil)
	if err != nil {
		return nil, domain.ErrInvalidEvent
	}
	resp, err := a.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: status %d", domain.ErrProviderUnavailable, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}

	values, order := parseOrdered(string(body))
	if err := a.verifyFields(values, order); err != nil {
		return nil, err
	}

	amount, err := money.Parse(values["amount"])
	if err != nil {
		amount = 0
	}
	return &domain.PollResult{
		Status:      mapStatus(values["status"]),
		Amount:      amount,
		ProviderRef: values["paynowreference"],
		Reason:      values["status"],
	}, nil
}

// Verify authenticates a status webhook. The hash is recomputed over the
// field values in the order they appear in the message, with the hash
// field itself excluded, and compared in constant time. Anything that does
// not match is rejected before business logic sees it.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	values, order := parseOrdered(string(payload))
	return a.verifyFields(values, order)
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*domain.Notification, error) {
	values, _ := parseOrdered(string(payload))

	reference := strings.TrimSpace(values["reference"])
	statusRaw := strings.TrimSpace(values["status"])
	if reference == "" || statusRaw == "" {
		return nil, domain.ErrInvalidPayload
	}

	status := mapStatus(statusRaw)
	if status == paymentdomain.StatusPending {
		// Created/Sent updates carry no ledger-relevant change.
		return nil, domain.ErrEventIgnored
	}

	amount, err := money.Parse(values["amount"])
	if err != nil {
		amount = 0
	}
	providerRef := strings.TrimSpace(values["paynowreference"])

	return &domain.Notification{
		Provider:        "paynow",
		ProviderEventID: fmt.Sprintf("%s:%s:%s", reference, providerRef, strings.ToLower(statusRaw)),
		ExternalRef:     reference,
		ProviderRef:     providerRef,
		Status:          status,
		Amount:          amount,
		Reason:          statusRaw,
		OccurredAt:      time.Now().UTC(),
	}, nil
}

func (a *Adapter) post(ctx context.Context, endpoint string, fields []field) (string, error) {
	form := url.Values{}
	for _, f := range fields {
		form.Set(f.key, f.value)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(request)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return "", fmt.Errorf("%w: status %d", domain.ErrProviderUnavailable, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	return string(body), nil
}

func (a *Adapter) hash(fields []field) string {
	var builder strings.Builder
	for _, f := range fields {
		if f.key == "hash" {
			continue
		}
		builder.WriteString(f.value)
	}
	builder.WriteString(a.integrationKey)
	sum := sha512.Sum512([]byte(builder.String()))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func (a *Adapter) verifyFields(values map[string]string, order []string) error {
	received := strings.TrimSpace(values["hash"])
	if received == "" {
		return domain.ErrInvalidSignature
	}
	fields := make([]field, 0, len(order))
	for _, key := range order {
		if key == "hash" {
			continue
		}
		fields = append(fields, field{key, values[key]})
	}
	expected := a.hash(fields)
	if subtle.ConstantTimeCompare([]byte(received), []byte(expected)) != 1 {
		return domain.ErrInvalidSignature
	}
	return nil
}

// parseOrdered decodes a urlencoded message keeping field order, which
// the integrity hash depends on.
func parseOrdered(raw string) (map[string]string, []string) {
	values := map[string]string{}
	var order []string
	for _, pair := range strings.Split(strings.TrimSpace(raw), "&") {
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		key, err := url.QueryUnescape(parts[0])
		if err != nil {
			continue
		}
		value := ""
		if len(parts) == 2 {
			if value, err = url.QueryUnescape(parts[1]); err != nil {
				continue
			}
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if _, seen := values[key]; !seen {
			order = append(order, key)
		}
		values[key] = value
	}
	return values, order
}

func mapStatus(raw string) paymentdomain.Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "paid", "awaiting delivery", "delivered":
		return paymentdomain.StatusCompleted
	case "cancelled", "failed", "disputed", "refunded":
		return paymentdomain.StatusFailed
	default:
		return paymentdomain.StatusPending
	}
}

func isWalletMethod(method string) bool {
	switch strings.ToLower(strings.TrimSpace(method)) {
	case "ecocash", "onemoney", "innbucks":
		return true
	}
	return false
}

func readString(config map[string]any, key string) (string, bool) {
	value, ok := config[key]
	if !ok {
		return "", false
	}
	cast, ok := value.(string)
	return cast, ok
}
