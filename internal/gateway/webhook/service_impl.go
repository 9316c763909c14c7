// Package webhook ingests asynchronous provider notifications. A webhook
// is untrusted input: it is verified against stored credentials before a
// single byte of it is interpreted, and failed verification is treated as
// a security event, not a client error.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/shulehub/shulehub/internal/audit/domain"
	"github.com/shulehub/shulehub/internal/clock"
	"github.com/shulehub/shulehub/internal/gateway/adapters"
	"github.com/shulehub/shulehub/internal/gateway/domain"
	"github.com/shulehub/shulehub/internal/metrics"
	paymentdomain "github.com/shulehub/shulehub/internal/payment/domain"
	paymentservice "github.com/shulehub/shulehub/internal/payment/service"
	"github.com/shulehub/shulehub/internal/tenantctx"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Registry   *adapters.Registry
	PaymentSvc *paymentservice.Service
	AuditSvc   auditdomain.Service
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	registry   *adapters.Registry
	paymentSvc *paymentservice.Service
	auditSvc   auditdomain.Service
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("gateway.webhook"),
		genID:      p.GenID,
		clock:      p.Clock,
		registry:   p.Registry,
		paymentSvc: p.PaymentSvc,
		auditSvc:   p.AuditSvc,
	}
}

// Ingest authenticates, dedupes and applies one webhook delivery.
// Webhooks carry no session, so the tenant is derived from whichever
// school's stored credentials verify the signature.
func (s *Service) Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	if !s.registry.ProviderExists(provider) {
		metrics.WebhooksRejected.WithLabelValues(provider, "unknown_provider").Inc()
		return domain.ErrProviderNotFound
	}

	adapter, schoolID, err := s.matchAdapter(ctx, provider, payload, headers)
	if err != nil {
		s.rejectUnverified(ctx, provider, headers)
		return err
	}

	notification, err := adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, domain.ErrEventIgnored) {
			return nil
		}
		metrics.WebhooksRejected.WithLabelValues(provider, "bad_payload").Inc()
		return err
	}

	payment, err := s.paymentSvc.FindByExternalRef(ctx, provider, notification.ExternalRef)
	if err != nil {
		metrics.WebhooksRejected.WithLabelValues(provider, "unknown_payment").Inc()
		return err
	}
	if payment.SchoolID != schoolID {
		// The signature verified against one school's key but the referenced
		// payment belongs to another. Refuse rather than guess.
		s.rejectUnverified(ctx, provider, headers)
		return domain.ErrInvalidSignature
	}

	inserted, err := s.journalEvent(ctx, schoolID, payment.ID, notification, payload)
	if err != nil {
		return err
	}
	if !inserted {
		metrics.WebhooksReplayed.WithLabelValues(provider).Inc()
		return domain.ErrEventAlreadyProcessed
	}

	tenantCtx := tenantctx.WithSchoolID(ctx, payment.SchoolID)
	_, err = s.paymentSvc.ApplyStatus(tenantCtx, payment.ID, paymentdomain.StatusUpdate{
		Status:      notification.Status,
		ProviderRef: notification.ProviderRef,
		Reason:      notification.Reason,
		Actor:       "gateway.webhook",
	})
	if err != nil && !errors.Is(err, paymentdomain.ErrTerminalStatus) {
		return err
	}

	s.markProcessed(ctx, provider, notification.ProviderEventID)
	metrics.WebhooksProcessed.WithLabelValues(provider).Inc()
	s.log.Info("webhook applied",
		zap.String("provider", provider),
		zap.String("event_id", notification.ProviderEventID),
		zap.String("payment_id", payment.ID.String()),
		zap.String("status", string(notification.Status)))
	return nil
}

// matchAdapter tries the stored credentials of every school configured
// for the provider until one verifies the signature.
func (s *Service) matchAdapter(ctx context.Context, provider string, payload []byte, headers http.Header) (domain.Adapter, snowflake.ID, error) {
	var rows []domain.ProviderConfig
	err := s.db.WithContext(ctx).
		Where("provider = ? AND is_active = ?", provider, true).
		Find(&rows).Error
	if err != nil {
		return nil, 0, err
	}

	for _, row := range rows {
		cfg := map[string]any{}
		if err := json.Unmarshal(row.Config, &cfg); err != nil {
			continue
		}
		adapter, err := s.registry.NewAdapter(provider, domain.AdapterConfig{
			SchoolID: row.SchoolID,
			Provider: provider,
			Config:   cfg,
		})
		if err != nil {
			continue
		}
		if err := adapter.Verify(ctx, payload, headers); err == nil {
			return adapter, row.SchoolID, nil
		}
	}
	return nil, 0, domain.ErrInvalidSignature
}

// journalEvent inserts the event row that makes replays detectable.
// Returns false when the (provider, event id) pair was already journaled.
func (s *Service) journalEvent(ctx context.Context, schoolID, paymentID snowflake.ID, n *domain.Notification, payload []byte) (bool, error) {
	// Paynow sends urlencoded bodies; the payload column is jsonb, so
	// anything that is not already JSON is journaled as a JSON string.
	if !json.Valid(payload) {
		payload, _ = json.Marshal(string(payload))
	}
	event := domain.Event{
		ID:              s.genID.Generate(),
		SchoolID:        schoolID,
		Provider:        n.Provider,
		ProviderEventID: n.ProviderEventID,
		PaymentID:       paymentID,
		EventType:       n.Reason,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      s.clock.Now(),
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) markProcessed(ctx context.Context, provider, providerEventID string) {
	now := s.clock.Now()
	err := s.db.WithContext(ctx).Model(&domain.Event{}).
		Where("provider = ? AND provider_event_id = ?", provider, providerEventID).
		Update("processed_at", now).Error
	if err != nil {
		s.log.Warn("failed to mark gateway event processed",
			zap.String("provider", provider),
			zap.String("event_id", providerEventID),
			zap.Error(err))
	}
}

// rejectUnverified records a webhook that failed authentication. No
// school can be attributed, so the audit row carries a zero tenant.
func (s *Service) rejectUnverified(ctx context.Context, provider string, headers http.Header) {
	metrics.WebhooksRejected.WithLabelValues(provider, "bad_signature").Inc()
	s.log.Warn("webhook rejected",
		zap.String("provider", provider),
		zap.String("remote", headers.Get("X-Forwarded-For")))
	_ = s.auditSvc.Record(ctx, 0, auditdomain.ActorTypeGateway,
		"gateway.webhook_rejected", "webhook", provider, map[string]any{
			"provider": provider,
		})
}
