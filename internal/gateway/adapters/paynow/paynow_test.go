package paynow

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/shulehub/shulehub/internal/gateway/domain"
	paymentdomain "github.com/shulehub/shulehub/internal/payment/domain"
)

const testKey = "3e9fed89-60e1-4ce5-ab6e-eac3326fe286"

func testAdapter(t *testing.T, baseURL string) *Adapter {
	t.Helper()
	factory := NewFactory(nil)
	cfg := domain.AdapterConfig{Config: map[string]any{
		"integration_id":  "100123",
		"integration_key": testKey,
		"auth_email":      "bursar@example.sch.zw",
	}}
	if baseURL != "" {
		cfg.Config["base_url"] = baseURL
	}
	adapter, err := factory.NewAdapter(cfg)
	if err != nil {
		t.Fatalf("build adapter: %v", err)
	}
	return adapter.(*Adapter)
}

// signedMessage builds a urlencoded message with the integrity hash
// appended, the way the provider sends status updates.
func signedMessage(key string, fields []field) string {
	var hashed strings.Builder
	for _, f := range fields {
		hashed.WriteString(f.value)
	}
	hashed.WriteString(key)
	sum := sha512.Sum512([]byte(hashed.String()))

	withHash := append(append([]field{}, fields...), field{"hash", strings.ToUpper(hex.EncodeToString(sum[:]))})
	var pairs []string
	for _, f := range withHash {
		pairs = append(pairs, url.QueryEscape(f.key)+"="+url.QueryEscape(f.value))
	}
	return strings.Join(pairs, "&")
}

func TestNewAdapterRequiresCredentials(t *testing.T) {
	factory := NewFactory(nil)
	_, err := factory.NewAdapter(domain.AdapterConfig{Config: map[string]any{
		"integration_id": "100123",
	}})
	if !errors.Is(err, domain.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestVerifyAcceptsSignedMessage(t *testing.T) {
	adapter := testAdapter(t, "")
	payload := signedMessage(testKey, []field{
		{"reference", "1234567890"},
		{"paynowreference", "PN-555"},
		{"amount", "750.00"},
		{"status", "Paid"},
	})
	if err := adapter.Verify(context.Background(), []byte(payload), nil); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyRejectsTamperedAmount(t *testing.T) {
	adapter := testAdapter(t, "")
	payload := signedMessage(testKey, []field{
		{"reference", "1234567890"},
		{"paynowreference", "PN-555"},
		{"amount", "750.00"},
		{"status", "Paid"},
	})
	tampered := strings.Replace(payload, "750.00", "1.00", 1)
	if err := adapter.Verify(context.Background(), []byte(tampered), nil); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	adapter := testAdapter(t, "")
	payload := signedMessage("not-the-key", []field{
		{"reference", "1234567890"},
		{"status", "Paid"},
	})
	if err := adapter.Verify(context.Background(), []byte(payload), nil); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestParsePaidNotification(t *testing.T) {
	adapter := testAdapter(t, "")
	payload := signedMessage(testKey, []field{
		{"reference", "1234567890"},
		{"paynowreference", "PN-555"},
		{"amount", "750.00"},
		{"status", "Paid"},
	})

	notification, err := adapter.Parse(context.Background(), []byte(payload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if notification.Status != paymentdomain.StatusCompleted {
		t.Errorf("status = %s, want completed", notification.Status)
	}
	if notification.ExternalRef != "1234567890" {
		t.Errorf("external ref = %s", notification.ExternalRef)
	}
	if notification.ProviderRef != "PN-555" {
		t.Errorf("provider ref = %s", notification.ProviderRef)
	}
	if notification.Amount != 75000 {
		t.Errorf("amount = %d, want 75000", notification.Amount)
	}
	if notification.ProviderEventID == "" {
		t.Error("empty provider event id")
	}
}

func TestParseIgnoresNonTerminalStatuses(t *testing.T) {
	adapter := testAdapter(t, "")
	for _, status := range []string{"Created", "Sent", "Awaiting Payment"} {
		payload := signedMessage(testKey, []field{
			{"reference", "1234567890"},
			{"status", status},
		})
		if _, err := adapter.Parse(context.Background(), []byte(payload)); !errors.Is(err, domain.ErrEventIgnored) {
			t.Fatalf("status %q: expected ErrEventIgnored, got %v", status, err)
		}
	}
}

func TestParseRejectsMissingReference(t *testing.T) {
	adapter := testAdapter(t, "")
	payload := signedMessage(testKey, []field{{"status", "Paid"}})
	if _, err := adapter.Parse(context.Background(), []byte(payload)); !errors.Is(err, domain.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestInitiateHostedPage(t *testing.T) {
	var gotPath string
	pollURL := ""
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		response := signedMessage(testKey, []field{
			{"status", "Ok"},
			{"browserurl", "https://www.paynow.co.zw/payment/abc"},
			{"pollurl", pollURL},
		})
		w.Write([]byte(response))
	}))
	defer server.Close()
	pollURL = server.URL + "/interface/pollstatus?guid=abc"

	adapter := testAdapter(t, server.URL)
	result, err := adapter.Initiate(context.Background(), domain.InitiateRequest{
		Reference: "1234567890",
		Amount:    75000,
		Currency:  "USD",
		Method:    "card",
		ReturnURL: "https://portal.example/return",
		ResultURL: "https://portal.example/result",
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if gotPath != "/interface/initiatetransaction" {
		t.Errorf("path = %s, want hosted-page endpoint", gotPath)
	}
	if result.ExternalRef != "1234567890" {
		t.Errorf("external ref = %s", result.ExternalRef)
	}
	if result.PollRef != pollURL {
		t.Errorf("poll ref = %s", result.PollRef)
	}
	if result.RedirectURL == "" {
		t.Error("hosted page flow must return a redirect url")
	}
}

func TestInitiateWalletUsesExpressEndpoint(t *testing.T) {
	var gotPath, gotPhone string
	var pollURL string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		r.ParseForm()
		gotPhone = r.PostFormValue("phone")
		response := signedMessage(testKey, []field{
			{"status", "Ok"},
			{"pollurl", pollURL},
		})
		w.Write([]byte(response))
	}))
	defer server.Close()
	pollURL = server.URL + "/interface/pollstatus?guid=def"

	adapter := testAdapter(t, server.URL)
	result, err := adapter.Initiate(context.Background(), domain.InitiateRequest{
		Reference:  "1234567891",
		Amount:     50000,
		Currency:   "USD",
		Method:     "ecocash",
		PayerPhone: "0772123456",
		ResultURL:  "https://portal.example/result",
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if gotPath != "/interface/remotetransaction" {
		t.Errorf("path = %s, want express endpoint", gotPath)
	}
	if gotPhone != "0772123456" {
		t.Errorf("phone = %s", gotPhone)
	}
	if result.PollRef != pollURL {
		t.Errorf("poll ref = %s", result.PollRef)
	}
}

func TestInitiateErrorResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("status=Error&error=Invalid+integration+id"))
	}))
	defer server.Close()

	adapter := testAdapter(t, server.URL)
	_, err := adapter.Initiate(context.Background(), domain.InitiateRequest{
		Reference: "1234567892",
		Amount:    50000,
		Method:    "card",
	})
	if !errors.Is(err, domain.ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestPollMapsTerminalStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		response := signedMessage(testKey, []field{
			{"reference", "1234567890"},
			{"paynowreference", "PN-555"},
			{"amount", "750.00"},
			{"status", "Paid"},
		})
		w.Write([]byte(response))
	}))
	defer server.Close()

	adapter := testAdapter(t, server.URL)
	result, err := adapter.Poll(context.Background(), server.URL+"/interface/pollstatus?guid=abc")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if result.Status != paymentdomain.StatusCompleted {
		t.Errorf("status = %s, want completed", result.Status)
	}
	if result.ProviderRef != "PN-555" {
		t.Errorf("provider ref = %s", result.ProviderRef)
	}
	if result.Amount != 75000 {
		t.Errorf("amount = %d, want 75000", result.Amount)
	}
}

func TestPollServerErrorIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	adapter := testAdapter(t, server.URL)
	_, err := adapter.Poll(context.Background(), server.URL+"/interface/pollstatus?guid=abc")
	if !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}
