package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/shulehub/shulehub/internal/audit/domain"
	"github.com/shulehub/shulehub/internal/clock"
	"github.com/shulehub/shulehub/internal/payment/domain"
	schooldomain "github.com/shulehub/shulehub/internal/school/domain"
	"github.com/shulehub/shulehub/internal/tenantctx"
	"github.com/shulehub/shulehub/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Profiles schooldomain.ProfileLoader
	AuditSvc auditdomain.Service
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	profiles schooldomain.ProfileLoader
	auditSvc auditdomain.Service
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("payment.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		profiles: p.Profiles,
		auditSvc: p.AuditSvc,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreatePaymentRequest) (*domain.Payment, error) {
	schoolID, ok := tenantctx.SchoolID(ctx)
	if !ok {
		return nil, domain.ErrNotFound
	}

	profile, err := s.profiles.LoadProfile(ctx, schoolID)
	if err != nil {
		return nil, err
	}

	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if !profile.SupportsCurrency(currency) {
		return nil, domain.ErrUnsupportedCurrency
	}

	methodCode := strings.ToLower(strings.TrimSpace(req.Method))
	method, ok := profile.Method(methodCode)
	if !ok {
		return nil, domain.ErrUnknownMethod
	}
	if method.RequiresReference && strings.TrimSpace(req.ExternalRef) == "" {
		return nil, domain.ErrMissingReference
	}
	phone := strings.TrimSpace(req.PayerPhone)
	if method.RequiresPhone && !domain.ValidPayerPhone(phone, profile.PhoneCountryCode) {
		return nil, domain.ErrInvalidPhone
	}

	now := s.clock.Now()
	payment := domain.Payment{
		ID:          s.genID.Generate(),
		SchoolID:    schoolID,
		StudentID:   req.StudentID,
		Amount:      req.Amount,
		Currency:    currency,
		Method:      methodCode,
		Provider:    method.Provider,
		PayerPhone:  phone,
		ExternalRef: strings.TrimSpace(req.ExternalRef),
		Status:      domain.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&payment).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*domain.Payment, error) {
	schoolID, ok := tenantctx.SchoolID(ctx)
	if !ok {
		return nil, domain.ErrNotFound
	}
	var payment domain.Payment
	err := s.db.WithContext(ctx).
		Where("id = ? AND school_id = ?", id, schoolID).
		First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &payment, nil
}

// ApplyStatus moves a payment toward a terminal state under a row lock.
// Replaying an update the payment already holds is a no-op, so webhook
// retries and concurrent polls are harmless. A terminal payment rejects
// any further change unless the reconciliation service forces it, which
// is recorded as an audit exception rather than a silent overwrite.
func (s *Service) ApplyStatus(ctx context.Context, id snowflake.ID, update domain.StatusUpdate) (*domain.Payment, error) {
	schoolID, ok := tenantctx.SchoolID(ctx)
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !update.Status.Valid() || update.Status == domain.StatusPending {
		return nil, domain.ErrInvalidStatus
	}

	var payment domain.Payment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := db.ForUpdate(tx).
			Where("id = ? AND school_id = ?", id, schoolID).
			First(&payment).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrNotFound
			}
			return err
		}

		if payment.Status == update.Status {
			// Providers retry notifications; same status again is fine.
			return nil
		}
		if payment.Status.Terminal() {
			if !update.Force || update.Actor != auditdomain.ActorTypeReconciliation {
				return domain.ErrTerminalStatus
			}
			s.recordOverride(ctx, payment, update)
		}

		now := s.clock.Now()
		payment.Status = update.Status
		payment.UpdatedAt = now
		if update.ProviderRef != "" {
			payment.ProviderRef = update.ProviderRef
		}
		if update.Status == domain.StatusCompleted {
			payment.CompletedAt = &now
			payment.FailureReason = ""
		} else {
			payment.FailureReason = update.Reason
		}

		return tx.Model(&domain.Payment{}).
			Where("id = ?", payment.ID).
			Updates(map[string]any{
				"status":         payment.Status,
				"provider_ref":   payment.ProviderRef,
				"failure_reason": payment.FailureReason,
				"completed_at":   payment.CompletedAt,
				"updated_at":     payment.UpdatedAt,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (s *Service) recordOverride(ctx context.Context, payment domain.Payment, update domain.StatusUpdate) {
	s.log.Warn("terminal payment status overridden by reconciliation",
		zap.String("payment_id", payment.ID.String()),
		zap.String("from", string(payment.Status)),
		zap.String("to", string(update.Status)),
	)
	_ = s.auditSvc.Record(ctx, payment.SchoolID,
		auditdomain.ActorTypeReconciliation,
		"payment.status_override",
		"payment", payment.ID.String(),
		map[string]any{
			"from":   string(payment.Status),
			"to":     string(update.Status),
			"reason": update.Reason,
		},
	)
}

// SetGatewayRefs records the provider's references after initiation.
func (s *Service) SetGatewayRefs(ctx context.Context, id snowflake.ID, externalRef, pollRef, idempotencyToken string) error {
	schoolID, ok := tenantctx.SchoolID(ctx)
	if !ok {
		return domain.ErrNotFound
	}
	res := s.db.WithContext(ctx).Model(&domain.Payment{}).
		Where("id = ? AND school_id = ?", id, schoolID).
		Updates(map[string]any{
			"external_ref":      externalRef,
			"poll_ref":          pollRef,
			"idempotency_token": idempotencyToken,
			"updated_at":        s.clock.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// FindByExternalRef resolves the payment a gateway notification refers to.
// It is not tenant-scoped: webhooks authenticate by signature, not session.
func (s *Service) FindByExternalRef(ctx context.Context, provider, externalRef string) (*domain.Payment, error) {
	ref := strings.TrimSpace(externalRef)
	if ref == "" {
		return nil, domain.ErrNotFound
	}
	var payment domain.Payment
	query := s.db.WithContext(ctx).Where("external_ref = ?", ref)
	if provider != "" {
		query = query.Where("provider = ?", provider)
	}
	err := query.First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &payment, nil
}
