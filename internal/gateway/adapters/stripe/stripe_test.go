package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shulehub/shulehub/internal/gateway/domain"
	paymentdomain "github.com/shulehub/shulehub/internal/payment/domain"
)

const webhookSecret = "whsec_test_4eC39HqLyjWDarjtT1zdp7dc"

func testAdapter(t *testing.T, apiBase string) *Adapter {
	t.Helper()
	factory := NewFactory(nil)
	cfg := domain.AdapterConfig{Config: map[string]any{
		"webhook_secret": webhookSecret,
		"api_key":        "sk_test_123",
	}}
	if apiBase != "" {
		cfg.Config["api_base"] = apiBase
	}
	adapter, err := factory.NewAdapter(cfg)
	if err != nil {
		t.Fatalf("build adapter: %v", err)
	}
	return adapter.(*Adapter)
}

func signedHeaders(secret string, payload []byte) http.Header {
	timestamp := "1767916800"
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "." + string(payload)))
	headers := http.Header{}
	headers.Set("Stripe-Signature",
		fmt.Sprintf("t=%s,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil))))
	return headers
}

func sessionCompletedEvent(eventID, sessionID string, amount int64) []byte {
	return []byte(fmt.Sprintf(
		`{"id":%q,"type":"checkout.session.completed","created":1767916800,"data":{"object":{"id":%q,"payment_intent":"pi_555","payment_status":"paid","amount_total":%d}}}`,
		eventID, sessionID, amount))
}

func TestNewAdapterRequiresSecrets(t *testing.T) {
	factory := NewFactory(nil)
	_, err := factory.NewAdapter(domain.AdapterConfig{Config: map[string]any{
		"api_key": "sk_test_123",
	}})
	if !errors.Is(err, domain.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestVerifySignedEvent(t *testing.T) {
	adapter := testAdapter(t, "")
	payload := sessionCompletedEvent("evt_1", "cs_test_1", 75000)

	if err := adapter.Verify(context.Background(), payload, signedHeaders(webhookSecret, payload)); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	adapter := testAdapter(t, "")
	payload := sessionCompletedEvent("evt_1", "cs_test_1", 75000)
	headers := signedHeaders(webhookSecret, payload)
	tampered := sessionCompletedEvent("evt_1", "cs_test_1", 100)

	if err := adapter.Verify(context.Background(), tampered, headers); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyRejectsMissingHeader(t *testing.T) {
	adapter := testAdapter(t, "")
	payload := sessionCompletedEvent("evt_1", "cs_test_1", 75000)

	if err := adapter.Verify(context.Background(), payload, http.Header{}); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestParseCompletedEvent(t *testing.T) {
	adapter := testAdapter(t, "")
	payload := sessionCompletedEvent("evt_42", "cs_test_42", 75000)

	notification, err := adapter.Parse(context.Background(), payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if notification.Status != paymentdomain.StatusCompleted {
		t.Errorf("status = %s, want completed", notification.Status)
	}
	if notification.ProviderEventID != "evt_42" {
		t.Errorf("event id = %s", notification.ProviderEventID)
	}
	if notification.ExternalRef != "cs_test_42" {
		t.Errorf("external ref = %s", notification.ExternalRef)
	}
	if notification.ProviderRef != "pi_555" {
		t.Errorf("provider ref = %s", notification.ProviderRef)
	}
	if notification.Amount != 75000 {
		t.Errorf("amount = %d", notification.Amount)
	}
}

func TestParseIgnoresUnrelatedEvents(t *testing.T) {
	adapter := testAdapter(t, "")
	payload := []byte(`{"id":"evt_9","type":"invoice.finalized","data":{"object":{"id":"in_1"}}}`)

	if _, err := adapter.Parse(context.Background(), payload); !errors.Is(err, domain.ErrEventIgnored) {
		t.Fatalf("expected ErrEventIgnored, got %v", err)
	}
}

func TestInitiateCreatesCheckoutSession(t *testing.T) {
	var gotPath, gotAuth, gotIdemKey, gotAmount string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotIdemKey = r.Header.Get("Idempotency-Key")
		r.ParseForm()
		gotAmount = r.PostFormValue("line_items[0][price_data][unit_amount]")
		fmt.Fprint(w, `{"id":"cs_test_77","url":"https://checkout.stripe.com/c/pay/cs_test_77"}`)
	}))
	defer server.Close()

	adapter := testAdapter(t, server.URL)
	result, err := adapter.Initiate(context.Background(), domain.InitiateRequest{
		Reference:        "1234567890",
		Amount:           75000,
		Currency:         "USD",
		Method:           "card",
		ReturnURL:        "https://portal.example/return",
		IdempotencyToken: "tok-abc",
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if gotPath != "/v1/checkout/sessions" {
		t.Errorf("path = %s", gotPath)
	}
	if gotAuth != "Bearer sk_test_123" {
		t.Errorf("auth = %s", gotAuth)
	}
	if gotIdemKey != "tok-abc" {
		t.Errorf("idempotency key = %s", gotIdemKey)
	}
	if gotAmount != "75000" {
		t.Errorf("unit_amount = %s", gotAmount)
	}
	if result.ExternalRef != "cs_test_77" || result.PollRef != "cs_test_77" {
		t.Errorf("refs = %s/%s, want session id for both", result.ExternalRef, result.PollRef)
	}
	if result.RedirectURL == "" {
		t.Error("missing redirect url")
	}
}

func TestInitiateServerErrorIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	adapter := testAdapter(t, server.URL)
	_, err := adapter.Initiate(context.Background(), domain.InitiateRequest{
		Reference: "1234567890",
		Amount:    75000,
		Currency:  "USD",
	})
	if !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestPollMapsPaymentStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"cs_test_77","status":"complete","payment_status":"paid","payment_intent":"pi_555","amount_total":75000}`)
	}))
	defer server.Close()

	adapter := testAdapter(t, server.URL)
	result, err := adapter.Poll(context.Background(), "cs_test_77")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if result.Status != paymentdomain.StatusCompleted {
		t.Errorf("status = %s, want completed", result.Status)
	}
	if result.ProviderRef != "pi_555" {
		t.Errorf("provider ref = %s", result.ProviderRef)
	}
}

func TestPollExpiredSessionIsFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"cs_test_77","status":"expired","payment_status":"unpaid"}`)
	}))
	defer server.Close()

	adapter := testAdapter(t, server.URL)
	result, err := adapter.Poll(context.Background(), "cs_test_77")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if result.Status != paymentdomain.StatusFailed {
		t.Errorf("status = %s, want failed", result.Status)
	}
}
