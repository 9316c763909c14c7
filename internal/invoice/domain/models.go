// Package domain contains persistence models for invoicing.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// PaymentStatus is the derived settlement state of an invoice. It is never
// stored; StatusOf recomputes it from the amounts and the due date.
type PaymentStatus string

const (
	StatusPending PaymentStatus = "pending"
	StatusPartial PaymentStatus = "partial"
	StatusPaid    PaymentStatus = "paid"
	StatusOverdue PaymentStatus = "overdue"
	StatusVoid    PaymentStatus = "void"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusPartial, StatusPaid, StatusOverdue, StatusVoid:
		return true
	}
	return false
}

// StatusOf derives the payment status. It is a pure function of its inputs:
// paid >= total -> paid; 0 < paid < total -> partial; paid = 0 past the due
// date -> overdue; otherwise pending. A voided invoice is always void.
func StatusOf(paidAmount, totalAmount int64, dueDate time.Time, now time.Time, voided bool) PaymentStatus {
	if voided {
		return StatusVoid
	}
	switch {
	case totalAmount > 0 && paidAmount >= totalAmount:
		return StatusPaid
	case paidAmount > 0:
		return StatusPartial
	case now.After(dueDate):
		return StatusOverdue
	default:
		return StatusPending
	}
}

// Invoice is a billing document for one student. Monetary columns are
// minor units. paid_amount is maintained only by the allocation engine,
// inside the same transaction as the allocation rows it reflects.
type Invoice struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	SchoolID       snowflake.ID `gorm:"not null;index;uniqueIndex:ux_invoice_number"`
	StudentID      snowflake.ID `gorm:"not null;index"`
	AcademicYearID snowflake.ID `gorm:"index"`
	Term           string       `gorm:"type:text"`
	Number         string       `gorm:"type:text;not null;uniqueIndex:ux_invoice_number"`
	Currency       string       `gorm:"type:text;not null"`
	Subtotal       int64        `gorm:"not null;default:0"`
	DiscountAmount int64        `gorm:"not null;default:0"`
	TotalAmount    int64        `gorm:"not null;default:0"`
	PaidAmount     int64        `gorm:"not null;default:0"`
	DueDate        time.Time    `gorm:"not null"`
	Voided         bool         `gorm:"not null;default:false"`
	FeeStructureID snowflake.ID `gorm:"index"`
	BillingPeriod  string       `gorm:"type:text"`
	CreatedAt      time.Time    `gorm:"not null"`
	UpdatedAt      time.Time    `gorm:"not null"`

	Lines []InvoiceLine `gorm:"foreignKey:InvoiceID"`
}

func (Invoice) TableName() string { return "invoices" }

// OutstandingAmount is total minus paid, floored at zero.
func (i Invoice) OutstandingAmount() int64 {
	outstanding := i.TotalAmount - i.PaidAmount
	if outstanding < 0 {
		return 0
	}
	return outstanding
}

// Status derives the settlement state at the given instant.
func (i Invoice) Status(now time.Time) PaymentStatus {
	return StatusOf(i.PaidAmount, i.TotalAmount, i.DueDate, now, i.Voided)
}

// InvoiceLine is one charge on an invoice. Amount = quantity*unit - discount.
type InvoiceLine struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	SchoolID       snowflake.ID `gorm:"not null;index"`
	InvoiceID      snowflake.ID `gorm:"not null;index"`
	CategoryID     snowflake.ID `gorm:"index"`
	Description    string       `gorm:"type:text;not null"`
	Quantity       int64        `gorm:"not null"`
	UnitAmount     int64        `gorm:"not null"`
	DiscountAmount int64        `gorm:"not null;default:0"`
	Amount         int64        `gorm:"not null"`
	CreatedAt      time.Time    `gorm:"not null"`
}

func (InvoiceLine) TableName() string { return "invoice_lines" }

// InvoiceSequence hands out per-school invoice numbers.
type InvoiceSequence struct {
	SchoolID snowflake.ID `gorm:"primaryKey"`
	Next     int64        `gorm:"not null;default:1"`
}

func (InvoiceSequence) TableName() string { return "invoice_sequences" }

// Student is the SIS roster row the bulk generator reads. The academic
// module owns it; the ledger never writes to it.
type Student struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	SchoolID   snowflake.ID `gorm:"not null;index"`
	FullName   string       `gorm:"type:text;not null"`
	GradeLevel string       `gorm:"type:text;not null;index"`
	Active     bool         `gorm:"not null;default:true"`
}

func (Student) TableName() string { return "students" }

var (
	ErrNotFound            = errors.New("invoice_not_found")
	ErrInvalidLine         = errors.New("invalid_invoice_line")
	ErrUnsupportedCurrency = errors.New("unsupported_currency")
	ErrNoLines             = errors.New("missing_invoice_lines")
	ErrInvalidDueDate      = errors.New("invalid_due_date")
	ErrAlreadyVoided       = errors.New("invoice_already_voided")
	ErrVoidWithPayments    = errors.New("invoice_has_payments")
	ErrStudentNotFound     = errors.New("student_not_found")
)

type LineInput struct {
	CategoryID     snowflake.ID
	Description    string
	Quantity       int64
	UnitAmount     int64
	DiscountAmount int64
}

type CreateInvoiceRequest struct {
	StudentID      snowflake.ID
	AcademicYearID snowflake.ID
	Term           string
	Currency       string
	DueDate        time.Time
	Lines          []LineInput
}

type BulkGenerateRequest struct {
	FeeStructureID snowflake.ID
	GradeLevels    []string
	DueDate        time.Time
	BillingPeriod  string
}

// BulkFailure reports one payer the batch could not bill. The rest of the
// batch proceeds.
type BulkFailure struct {
	StudentID snowflake.ID `json:"student_id"`
	Reason    string       `json:"reason"`
}

type BulkGenerateResult struct {
	InvoicesCreated int           `json:"invoices_created"`
	TotalAmount     int64         `json:"total_amount"`
	Failed          []BulkFailure `json:"failed"`
}

type ListInvoicesRequest struct {
	StudentID      snowflake.ID
	AcademicYearID snowflake.ID
	Status         PaymentStatus
	DueFrom        *time.Time
	DueTo          *time.Time
}

type InvoiceView struct {
	Invoice
	OutstandingBalance int64         `json:"outstanding_amount"`
	PaymentStatus      PaymentStatus `json:"payment_status"`
}

type Service interface {
	Create(ctx context.Context, req CreateInvoiceRequest) (*InvoiceView, error)
	BulkGenerate(ctx context.Context, req BulkGenerateRequest) (*BulkGenerateResult, error)
	List(ctx context.Context, req ListInvoicesRequest) ([]InvoiceView, error)
	GetByID(ctx context.Context, id snowflake.ID) (*InvoiceView, error)
	Void(ctx context.Context, id snowflake.ID) (*InvoiceView, error)
}
