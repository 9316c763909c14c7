// Package service implements payment-to-invoice allocation. All arithmetic
// runs on minor units inside one transaction with both rows locked, so the
// conservation rule (a payment can never allocate more than its amount,
// an invoice can never collect more than its total) holds under races.
package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shulehub/shulehub/internal/allocation/domain"
	"github.com/shulehub/shulehub/internal/clock"
	invoicedomain "github.com/shulehub/shulehub/internal/invoice/domain"
	"github.com/shulehub/shulehub/internal/metrics"
	paymentdomain "github.com/shulehub/shulehub/internal/payment/domain"
	"github.com/shulehub/shulehub/internal/tenantctx"
	"github.com/shulehub/shulehub/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewService(p Params) *Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("allocation.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

// Allocate applies part of a completed payment to an invoice. When
// requestedAmount is nil the full unallocated remainder is offered. The
// applied amount is capped at both the payment's remainder and the
// invoice's outstanding balance; an already settled invoice is reported
// as an outcome, not an error.
func (s *Service) Allocate(ctx context.Context, paymentID, invoiceID snowflake.ID, requestedAmount *int64) (*domain.Result, error) {
	schoolID, ok := tenantctx.SchoolID(ctx)
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}

	var result *domain.Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := s.lockPayment(tx, schoolID, paymentID)
		if err != nil {
			return err
		}
		invoice, err := s.lockInvoice(tx, schoolID, invoiceID)
		if err != nil {
			return err
		}

		remaining, err := s.paymentRemaining(tx, payment)
		if err != nil {
			return err
		}
		if remaining <= 0 {
			return domain.ErrNothingToAllocate
		}

		offer := remaining
		if requestedAmount != nil && *requestedAmount < offer {
			offer = *requestedAmount
		}
		if offer <= 0 {
			return domain.ErrNothingToAllocate
		}

		result, err = s.apply(tx, payment, invoice, offer, remaining)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.AllocationsApplied.WithLabelValues(string(result.Outcome)).Inc()
	return result, nil
}

// BulkAllocate spreads a payment's unallocated remainder across the
// student's unpaid invoices, oldest due date first, until the remainder
// or the invoices run out.
func (s *Service) BulkAllocate(ctx context.Context, paymentID snowflake.ID, invoiceIDs []snowflake.ID) (*domain.BulkResult, error) {
	schoolID, ok := tenantctx.SchoolID(ctx)
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}

	bulk := &domain.BulkResult{Results: []domain.Result{}}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := s.lockPayment(tx, schoolID, paymentID)
		if err != nil {
			return err
		}
		remaining, err := s.paymentRemaining(tx, payment)
		if err != nil {
			return err
		}
		if remaining <= 0 {
			return domain.ErrNothingToAllocate
		}

		invoices, err := s.lockInvoices(tx, schoolID, payment.StudentID, invoiceIDs)
		if err != nil {
			return err
		}

		for i := range invoices {
			if remaining <= 0 {
				break
			}
			result, err := s.apply(tx, payment, &invoices[i], remaining, remaining)
			if err != nil {
				return err
			}
			bulk.Results = append(bulk.Results, *result)
			remaining = result.PaymentRemaining
		}
		bulk.PaymentRemaining = remaining
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, r := range bulk.Results {
		metrics.AllocationsApplied.WithLabelValues(string(r.Outcome)).Inc()
	}
	return bulk, nil
}

// AllocatedTotal reports how much of a payment is already spoken for.
func (s *Service) AllocatedTotal(ctx context.Context, paymentID snowflake.ID) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&domain.PaymentAllocation{}).
		Where("payment_id = ?", paymentID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	return total, err
}

// ListForInvoice returns the allocations recorded against an invoice.
func (s *Service) ListForInvoice(ctx context.Context, invoiceID snowflake.ID) ([]domain.PaymentAllocation, error) {
	schoolID, ok := tenantctx.SchoolID(ctx)
	if !ok {
		return nil, domain.ErrInvoiceNotFound
	}
	var rows []domain.PaymentAllocation
	err := s.db.WithContext(ctx).
		Where("school_id = ? AND invoice_id = ?", schoolID, invoiceID).
		Order("created_at asc").
		Find(&rows).Error
	return rows, err
}

// apply writes one allocation. offer is the most the caller wants to put
// on this invoice, remaining is the payment's total unallocated amount.
func (s *Service) apply(tx *gorm.DB, payment *paymentdomain.Payment, invoice *invoicedomain.Invoice, offer, remaining int64) (*domain.Result, error) {
	outstanding := invoice.OutstandingAmount()
	if outstanding <= 0 {
		return &domain.Result{
			Outcome:            domain.OutcomeAlreadySettled,
			InvoiceID:          invoice.ID,
			InvoiceOutstanding: 0,
			PaymentRemaining:   remaining,
		}, nil
	}

	applied := offer
	if outstanding < applied {
		applied = outstanding
	}

	now := s.clock.Now()
	row := domain.PaymentAllocation{
		ID:        s.genID.Generate(),
		SchoolID:  payment.SchoolID,
		PaymentID: payment.ID,
		InvoiceID: invoice.ID,
		Amount:    applied,
		CreatedAt: now,
	}
	if err := tx.Create(&row).Error; err != nil {
		return nil, err
	}

	invoice.PaidAmount += applied
	invoice.UpdatedAt = now
	err := tx.Model(&invoicedomain.Invoice{}).
		Where("id = ?", invoice.ID).
		Updates(map[string]any{
			"paid_amount": invoice.PaidAmount,
			"updated_at":  now,
		}).Error
	if err != nil {
		return nil, err
	}

	outcome := domain.OutcomeApplied
	if invoice.OutstandingAmount() > 0 {
		outcome = domain.OutcomePartial
	}
	s.log.Info("allocation applied",
		zap.String("payment_id", payment.ID.String()),
		zap.String("invoice_id", invoice.ID.String()),
		zap.Int64("amount", applied),
		zap.String("outcome", string(outcome)))
	return &domain.Result{
		Outcome:            outcome,
		InvoiceID:          invoice.ID,
		AppliedAmount:      applied,
		InvoiceOutstanding: invoice.OutstandingAmount(),
		PaymentRemaining:   remaining - applied,
	}, nil
}

func (s *Service) lockPayment(tx *gorm.DB, schoolID, paymentID snowflake.ID) (*paymentdomain.Payment, error) {
	var payment paymentdomain.Payment
	err := db.ForUpdate(tx).
		Where("id = ? AND school_id = ?", paymentID, schoolID).
		First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	if payment.Status != paymentdomain.StatusCompleted {
		return nil, domain.ErrPaymentNotCompleted
	}
	return &payment, nil
}

func (s *Service) lockInvoice(tx *gorm.DB, schoolID, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := db.ForUpdate(tx).
		Where("id = ? AND school_id = ?", invoiceID, schoolID).
		First(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	if invoice.Voided {
		return nil, domain.ErrInvoiceVoided
	}
	return &invoice, nil
}

// lockInvoices loads the bulk targets in due-date order. An explicit id
// list narrows the set; otherwise every unsettled invoice of the
// payment's student qualifies.
func (s *Service) lockInvoices(tx *gorm.DB, schoolID, studentID snowflake.ID, invoiceIDs []snowflake.ID) ([]invoicedomain.Invoice, error) {
	query := db.ForUpdate(tx).
		Where("school_id = ? AND voided = ?", schoolID, false).
		Order("due_date asc, id asc")
	if len(invoiceIDs) > 0 {
		query = query.Where("id IN ?", invoiceIDs)
	} else {
		query = query.Where("student_id = ? AND paid_amount < total_amount", studentID)
	}
	var invoices []invoicedomain.Invoice
	if err := query.Find(&invoices).Error; err != nil {
		return nil, err
	}
	return invoices, nil
}

func (s *Service) paymentRemaining(tx *gorm.DB, payment *paymentdomain.Payment) (int64, error) {
	var allocated int64
	err := tx.Model(&domain.PaymentAllocation{}).
		Where("payment_id = ?", payment.ID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&allocated).Error
	if err != nil {
		return 0, err
	}
	return payment.Amount - allocated, nil
}
