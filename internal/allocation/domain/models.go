package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrPaymentNotFound     = errors.New("allocation_payment_not_found")
	ErrInvoiceNotFound     = errors.New("allocation_invoice_not_found")
	ErrPaymentNotCompleted = errors.New("payment_not_completed")
	ErrInvoiceVoided       = errors.New("invoice_voided")
	ErrNothingToAllocate   = errors.New("payment_fully_allocated")
)

// PaymentAllocation links part of a payment to an invoice. Rows are
// insert-only; a correction is a new allocation, never an edit.
type PaymentAllocation struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	SchoolID  snowflake.ID `gorm:"not null;index"`
	PaymentID snowflake.ID `gorm:"not null;index"`
	InvoiceID snowflake.ID `gorm:"not null;index"`
	Amount    int64        `gorm:"not null"`
	CreatedAt time.Time    `gorm:"not null"`
}

func (PaymentAllocation) TableName() string { return "payment_allocations" }

// Outcome distinguishes the three ways an allocation attempt can end
// without being an error.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomePartial        Outcome = "partial"
	OutcomeAlreadySettled Outcome = "already_settled"
)

// Result reports one allocation attempt. AppliedAmount is zero when the
// invoice was already settled.
type Result struct {
	Outcome            Outcome      `json:"outcome"`
	InvoiceID          snowflake.ID `json:"invoice_id"`
	AppliedAmount      int64        `json:"applied_amount"`
	InvoiceOutstanding int64        `json:"invoice_outstanding"`
	PaymentRemaining   int64        `json:"payment_remaining"`
}

// BulkResult reports a payment spread across several invoices.
type BulkResult struct {
	Results          []Result `json:"results"`
	PaymentRemaining int64    `json:"payment_remaining"`
}
