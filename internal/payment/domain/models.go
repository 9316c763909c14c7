// Package domain contains the payment record: a reported monetary
// transaction whose funds stay unallocated until the allocation engine
// applies them to invoices.
package domain

import (
	"errors"
	"regexp"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Status is the payment lifecycle state. pending transitions to completed
// or failed exactly once; both are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Payment is a monetary transaction report. Amount is minor units. It is
// not tied to any invoice at creation; allocations link it later.
type Payment struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	SchoolID         snowflake.ID `gorm:"not null;index"`
	StudentID        snowflake.ID `gorm:"not null;index"`
	Amount           int64        `gorm:"not null"`
	Currency         string       `gorm:"type:text;not null"`
	Method           string       `gorm:"type:text;not null"`
	Provider         string       `gorm:"type:text"`
	PayerPhone       string       `gorm:"type:text"`
	ExternalRef      string       `gorm:"type:text;index"`
	ProviderRef      string       `gorm:"type:text"`
	PollRef          string       `gorm:"type:text"`
	IdempotencyToken string       `gorm:"type:text"`
	Status           Status       `gorm:"type:text;not null;default:'pending'"`
	FailureReason    string       `gorm:"type:text"`
	Reconciled       bool         `gorm:"not null;default:false"`
	ReconciledAt     *time.Time   `gorm:""`
	CompletedAt      *time.Time   `gorm:""`
	CreatedAt        time.Time    `gorm:"not null"`
	UpdatedAt        time.Time    `gorm:"not null"`
}

func (Payment) TableName() string { return "payments" }

var (
	ErrNotFound            = errors.New("payment_not_found")
	ErrInvalidAmount       = errors.New("invalid_payment_amount")
	ErrUnsupportedCurrency = errors.New("unsupported_currency")
	ErrUnknownMethod       = errors.New("unknown_payment_method")
	ErrMissingReference    = errors.New("missing_payment_reference")
	ErrInvalidPhone        = errors.New("invalid_payer_phone")
	ErrTerminalStatus      = errors.New("payment_status_terminal")
	ErrInvalidStatus       = errors.New("invalid_payment_status")
)

// zwMobile matches the Zimbabwean mobile numbering plan in national
// (07xxxxxxxx) or international (2637xxxxxxxx, +2637xxxxxxxx) form.
var zwMobile = regexp.MustCompile(`^(?:\+?263|0)7[1378]\d{7}$`)

// ValidPayerPhone checks a payer msisdn against the school's numbering
// plan. Only the Zimbabwean plan is in scope.
func ValidPayerPhone(phone string, countryCode string) bool {
	if countryCode != "" && countryCode != "263" {
		return false
	}
	return zwMobile.MatchString(phone)
}

type CreatePaymentRequest struct {
	StudentID   snowflake.ID
	Amount      int64
	Currency    string
	Method      string
	PayerPhone  string
	ExternalRef string
}

// StatusUpdate is the verified outcome the gateway layer hands to
// ApplyStatus. Actor distinguishes webhook/poll traffic from a
// reconciliation correction.
type StatusUpdate struct {
	Status      Status
	ProviderRef string
	Reason      string
	Actor       string
	// Force permits overwriting a terminal status. Only the reconciliation
	// service sets it, and every use is written to the audit log.
	Force bool
}
