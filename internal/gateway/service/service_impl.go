package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shulehub/shulehub/internal/clock"
	"github.com/shulehub/shulehub/internal/config"
	"github.com/shulehub/shulehub/internal/gateway/adapters"
	"github.com/shulehub/shulehub/internal/gateway/domain"
	paymentdomain "github.com/shulehub/shulehub/internal/payment/domain"
	paymentservice "github.com/shulehub/shulehub/internal/payment/service"
	"github.com/shulehub/shulehub/internal/tenantctx"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Cfg        config.Config
	Clock      clock.Clock
	Registry   *adapters.Registry
	PaymentSvc *paymentservice.Service
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	registry   *adapters.Registry
	paymentSvc *paymentservice.Service

	timeout    time.Duration
	maxRetries int
}

func NewService(p Params) *Service {
	timeout := time.Duration(p.Cfg.GatewayTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("gateway.service"),
		clock:      p.Clock,
		registry:   p.Registry,
		paymentSvc: p.PaymentSvc,
		timeout:    timeout,
		maxRetries: p.Cfg.GatewayMaxRetries,
	}
}

// InitiatePayment records a pending payment, then asks the provider to
// start collecting it. The payment row exists before the first provider
// call so a mid-flight crash leaves an expirable pending record, never a
// charge with no ledger entry.
func (s *Service) InitiatePayment(ctx context.Context, req domain.InitiatePaymentRequest) (*domain.InitiatePaymentResult, error) {
	schoolID, ok := tenantctx.SchoolID(ctx)
	if !ok {
		return nil, paymentdomain.ErrNotFound
	}

	adapter, err := s.LoadAdapter(ctx, schoolID, req.Provider)
	if err != nil {
		return nil, err
	}

	payment, err := s.paymentSvc.Create(ctx, paymentdomain.CreatePaymentRequest{
		StudentID:  req.StudentID,
		Amount:     req.Amount,
		Currency:   req.Currency,
		Method:     req.Method,
		PayerPhone: req.PayerPhone,
	})
	if err != nil {
		return nil, err
	}

	token := uuid.NewString()
	result, err := s.initiateWithRetry(ctx, adapter, domain.InitiateRequest{
		Reference:        payment.ID.String(),
		Amount:           payment.Amount,
		Currency:         payment.Currency,
		Method:           payment.Method,
		PayerPhone:       payment.PayerPhone,
		PayerEmail:       req.PayerEmail,
		ReturnURL:        req.ReturnURL,
		ResultURL:        req.ResultURL,
		IdempotencyToken: token,
	})
	if err != nil {
		s.log.Warn("gateway initiate failed",
			zap.String("payment_id", payment.ID.String()),
			zap.String("provider", req.Provider),
			zap.Error(err))
		return nil, err
	}

	if err := s.paymentSvc.SetGatewayRefs(ctx, payment.ID, result.ExternalRef, result.PollRef, token); err != nil {
		return nil, err
	}

	return &domain.InitiatePaymentResult{
		PaymentID:   payment.ID,
		ExternalRef: result.ExternalRef,
		PollRef:     result.PollRef,
		RedirectURL: result.RedirectURL,
	}, nil
}

// CheckStatus polls the provider for a pending gateway payment and
// applies the outcome if the provider reports a terminal state.
func (s *Service) CheckStatus(ctx context.Context, paymentID snowflake.ID) (*paymentdomain.Payment, error) {
	payment, err := s.paymentSvc.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status.Terminal() {
		return payment, nil
	}
	if payment.PollRef == "" {
		return nil, domain.ErrNoPollRef
	}

	adapter, err := s.LoadAdapter(ctx, payment.SchoolID, payment.Provider)
	if err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	result, err := adapter.Poll(pollCtx, payment.PollRef)
	if err != nil {
		return nil, err
	}
	if !result.Status.Terminal() {
		return payment, nil
	}

	return s.paymentSvc.ApplyStatus(ctx, payment.ID, paymentdomain.StatusUpdate{
		Status:      result.Status,
		ProviderRef: result.ProviderRef,
		Reason:      result.Reason,
		Actor:       "gateway.poll",
	})
}

// LoadAdapter builds a provider adapter from the school's stored
// credentials. Inactive configs are invisible.
func (s *Service) LoadAdapter(ctx context.Context, schoolID snowflake.ID, provider string) (domain.Adapter, error) {
	if !s.registry.ProviderExists(provider) {
		return nil, domain.ErrProviderNotFound
	}

	var row domain.ProviderConfig
	err := s.db.WithContext(ctx).
		Where("school_id = ? AND provider = ? AND is_active = ?", schoolID, provider, true).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrProviderNotFound
	}
	if err != nil {
		return nil, err
	}

	cfg := map[string]any{}
	if err := json.Unmarshal(row.Config, &cfg); err != nil {
		return nil, domain.ErrInvalidConfig
	}
	return s.registry.NewAdapter(provider, domain.AdapterConfig{
		SchoolID: schoolID,
		Provider: provider,
		Config:   cfg,
	})
}

// initiateWithRetry retries only on provider unavailability. The same
// idempotency token rides every attempt so the provider can dedupe.
func (s *Service) initiateWithRetry(ctx context.Context, adapter domain.Adapter, req domain.InitiateRequest) (*domain.InitiateResult, error) {
	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		result, err := adapter.Initiate(attemptCtx, req)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !errors.Is(err, domain.ErrProviderUnavailable) {
			return nil, err
		}
	}
	return nil, lastErr
}
