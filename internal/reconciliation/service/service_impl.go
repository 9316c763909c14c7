// Package service reconciles the ledger against provider settlement
// statements. Matching is conservative: reference, amount and a bounded
// date window must all agree before a payment is marked reconciled.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/shulehub/shulehub/internal/audit/domain"
	"github.com/shulehub/shulehub/internal/clock"
	"github.com/shulehub/shulehub/internal/config"
	paymentdomain "github.com/shulehub/shulehub/internal/payment/domain"
	paymentservice "github.com/shulehub/shulehub/internal/payment/service"
	"github.com/shulehub/shulehub/internal/reconciliation/domain"
	"github.com/shulehub/shulehub/internal/tenantctx"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Ledger     *config.LedgerConfigHolder
	PaymentSvc *paymentservice.Service
	AuditSvc   auditdomain.Service
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	ledger     *config.LedgerConfigHolder
	paymentSvc *paymentservice.Service
	auditSvc   auditdomain.Service
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("reconciliation.service"),
		clock:      p.Clock,
		ledger:     p.Ledger,
		paymentSvc: p.PaymentSvc,
		auditSvc:   p.AuditSvc,
	}
}

// ImportStatement matches each statement entry to a completed payment.
// A rerun of the same statement is harmless: entries whose payment is
// already reconciled count as matched without touching the row.
func (s *Service) ImportStatement(ctx context.Context, entries []domain.ExternalEntry) (*domain.ImportResult, error) {
	schoolID, ok := tenantctx.SchoolID(ctx)
	if !ok {
		return nil, paymentdomain.ErrNotFound
	}
	if len(entries) == 0 {
		return nil, domain.ErrEmptyStatement
	}
	policy := s.ledger.Get()
	if len(entries) > policy.MaxStatementEntries {
		return nil, domain.ErrStatementTooLarge
	}
	window := time.Duration(policy.MatchWindowHours) * time.Hour

	result := &domain.ImportResult{Unmatched: []domain.ExternalEntry{}}
	for _, entry := range entries {
		if strings.TrimSpace(entry.ExternalRef) == "" || entry.Amount <= 0 {
			return nil, domain.ErrInvalidEntry
		}

		payment, err := s.findMatch(ctx, schoolID, entry, window)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			result.Unmatched = append(result.Unmatched, entry)
			continue
		}
		if err != nil {
			return nil, err
		}

		if payment.Reconciled {
			result.AlreadyMatched++
			continue
		}
		if err := s.markOne(ctx, payment.ID, "statement_import"); err != nil {
			return nil, err
		}
		result.MatchedCount++
	}

	s.log.Info("statement imported",
		zap.Int("matched", result.MatchedCount),
		zap.Int("already_matched", result.AlreadyMatched),
		zap.Int("unmatched", len(result.Unmatched)))
	return result, nil
}

// MarkReconciled flags payments as manually reconciled. Ids that are
// missing, not completed, or already reconciled are skipped and reported.
func (s *Service) MarkReconciled(ctx context.Context, paymentIDs []snowflake.ID) (*domain.MarkResult, error) {
	schoolID, ok := tenantctx.SchoolID(ctx)
	if !ok {
		return nil, paymentdomain.ErrNotFound
	}

	result := &domain.MarkResult{Skipped: []snowflake.ID{}}
	for _, id := range paymentIDs {
		var payment paymentdomain.Payment
		err := s.db.WithContext(ctx).
			Where("id = ? AND school_id = ?", id, schoolID).
			First(&payment).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			result.Skipped = append(result.Skipped, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if payment.Reconciled || payment.Status != paymentdomain.StatusCompleted {
			result.Skipped = append(result.Skipped, id)
			continue
		}
		if err := s.markOne(ctx, payment.ID, "manual_mark"); err != nil {
			return nil, err
		}
		result.MarkedCount++
	}
	return result, nil
}

// OverrideStatus forces a payment into a new status on reconciliation
// authority. This is the only path allowed to overwrite a terminal
// status, and every use lands in the audit log.
func (s *Service) OverrideStatus(ctx context.Context, paymentID snowflake.ID, status paymentdomain.Status, reason string) (*paymentdomain.Payment, error) {
	if !status.Valid() {
		return nil, paymentdomain.ErrInvalidStatus
	}
	return s.paymentSvc.ApplyStatus(ctx, paymentID, paymentdomain.StatusUpdate{
		Status: status,
		Reason: reason,
		Actor:  auditdomain.ActorTypeReconciliation,
		Force:  true,
	})
}

// findMatch locates the completed payment a statement entry settles.
// The provider may stamp the entry with either the gateway reference the
// ledger issued or the provider's own receipt number.
func (s *Service) findMatch(ctx context.Context, schoolID snowflake.ID, entry domain.ExternalEntry, window time.Duration) (*paymentdomain.Payment, error) {
	from := entry.Date.Add(-window)
	to := entry.Date.Add(window)

	var payment paymentdomain.Payment
	err := s.db.WithContext(ctx).
		Where("school_id = ? AND status = ?", schoolID, paymentdomain.StatusCompleted).
		Where("external_ref = ? OR provider_ref = ?", entry.ExternalRef, entry.ExternalRef).
		Where("amount = ?", entry.Amount).
		Where("COALESCE(completed_at, created_at) BETWEEN ? AND ?", from, to).
		First(&payment).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (s *Service) markOne(ctx context.Context, paymentID snowflake.ID, source string) error {
	now := s.clock.Now()
	err := s.db.WithContext(ctx).Model(&paymentdomain.Payment{}).
		Where("id = ? AND reconciled = ?", paymentID, false).
		Updates(map[string]any{
			"reconciled":    true,
			"reconciled_at": now,
			"updated_at":    now,
		}).Error
	if err != nil {
		return err
	}
	schoolID, _ := tenantctx.SchoolID(ctx)
	_ = s.auditSvc.Record(ctx, schoolID, auditdomain.ActorTypeReconciliation,
		"payment.reconciled", "payment", paymentID.String(), map[string]any{
			"source": source,
		})
	return nil
}
