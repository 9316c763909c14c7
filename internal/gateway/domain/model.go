// Package domain defines the capability surface for external payment
// providers. The ledger only ever sees these types; provider wire formats
// stay inside the adapters.
package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/shulehub/shulehub/internal/payment/domain"
	"gorm.io/datatypes"
)

var (
	ErrInvalidConfig         = errors.New("invalid_provider_config")
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrInvalidEvent          = errors.New("invalid_event")
	ErrEventIgnored          = errors.New("event_ignored")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
	ErrProviderNotFound      = errors.New("provider_not_found")
	// ErrProviderUnavailable marks provider timeouts and 5xx responses.
	// Callers may retry with backoff.
	ErrProviderUnavailable = errors.New("provider_unavailable")
	ErrNoPollRef           = errors.New("payment_has_no_poll_ref")
)

type AdapterConfig struct {
	SchoolID snowflake.ID
	Provider string
	Config   map[string]any
}

// InitiateRequest asks a provider to start collecting a payment. The
// idempotency token is caller-generated so a retried initiate cannot
// double-charge.
type InitiateRequest struct {
	Reference        string
	Amount           int64
	Currency         string
	Method           string
	PayerPhone       string
	PayerEmail       string
	ReturnURL        string
	ResultURL        string
	IdempotencyToken string
}

// InitiateResult distinguishes the redirect flow (payer sent to a hosted
// page, RedirectURL set) from the direct channel flow (PIN prompt pushed
// to the payer's handset, RedirectURL empty). Both return a poll ref.
type InitiateResult struct {
	ExternalRef string
	PollRef     string
	RedirectURL string
}

// PollResult reports provider-side state. Polling never mutates the
// ledger; the caller decides whether to transition the payment.
type PollResult struct {
	Status      paymentdomain.Status
	Amount      int64
	ProviderRef string
	Reason      string
}

// Notification is a webhook payload after verification and parsing.
// Nothing downstream touches the raw payload.
type Notification struct {
	Provider        string
	ProviderEventID string
	ExternalRef     string
	ProviderRef     string
	Status          paymentdomain.Status
	Amount          int64
	Reason          string
	OccurredAt      time.Time
}

// Adapter is the closed capability interface every provider implements.
type Adapter interface {
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	Poll(ctx context.Context, pollRef string) (*PollResult, error)
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*Notification, error)
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (Adapter, error)
}

// ProviderConfig is the stored per-school provider credential set.
type ProviderConfig struct {
	ID        snowflake.ID   `gorm:"primaryKey"`
	SchoolID  snowflake.ID   `gorm:"not null;index;uniqueIndex:ux_provider_config"`
	Provider  string         `gorm:"type:text;not null;uniqueIndex:ux_provider_config"`
	Config    datatypes.JSON `gorm:"type:jsonb;not null"`
	IsActive  bool           `gorm:"not null;default:true"`
	CreatedAt time.Time      `gorm:"not null"`
	UpdatedAt time.Time      `gorm:"not null"`
}

func (ProviderConfig) TableName() string { return "gateway_provider_configs" }

// Event journals every accepted gateway notification. The unique
// (provider, provider_event_id) pair is what makes webhook replays no-ops.
type Event struct {
	ID              snowflake.ID   `gorm:"primaryKey"`
	SchoolID        snowflake.ID   `gorm:"not null;index"`
	Provider        string         `gorm:"type:text;not null;uniqueIndex:ux_gateway_event"`
	ProviderEventID string         `gorm:"type:text;not null;uniqueIndex:ux_gateway_event"`
	PaymentID       snowflake.ID   `gorm:"not null;index"`
	EventType       string         `gorm:"type:text;not null"`
	Payload         datatypes.JSON `gorm:"not null"`
	ReceivedAt      time.Time      `gorm:"not null"`
	ProcessedAt     *time.Time     `gorm:""`
}

func (Event) TableName() string { return "gateway_events" }
