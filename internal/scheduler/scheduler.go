// Package scheduler runs the background sweeps that keep gateway
// payments moving: polling providers for pending payments that have a
// poll ref, and failing pending payments that outlived the school's
// grace period without a provider verdict.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/shulehub/shulehub/internal/clock"
	gatewayservice "github.com/shulehub/shulehub/internal/gateway/service"
	paymentdomain "github.com/shulehub/shulehub/internal/payment/domain"
	paymentservice "github.com/shulehub/shulehub/internal/payment/service"
	schooldomain "github.com/shulehub/shulehub/internal/school/domain"
	"github.com/shulehub/shulehub/internal/tenantctx"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Profiles   schooldomain.ProfileLoader
	GatewaySvc *gatewayservice.Service
	PaymentSvc *paymentservice.Service
	Config     Config `optional:"true"`
}

type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	clock      clock.Clock
	profiles   schooldomain.ProfileLoader
	gatewaySvc *gatewayservice.Service
	paymentSvc *paymentservice.Service
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Profiles == nil || p.GatewaySvc == nil || p.PaymentSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler"),
		cfg:        p.Config.withDefaults(),
		clock:      p.Clock,
		profiles:   p.Profiles,
		gatewaySvc: p.GatewaySvc,
		paymentSvc: p.PaymentSvc,
	}, nil
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	err = errors.Join(err, s.runJob(parent, "poll_pending", s.PollPendingJob))
	err = errors.Join(err, s.runJob(parent, "expire_pending", s.ExpirePendingJob))
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	err := fn(ctx)
	log := s.log.With(
		zap.String("job", name),
		zap.Duration("elapsed", s.clock.Now().Sub(start)))
	if err != nil {
		log.Warn("job failed", zap.Error(err))
		return err
	}
	log.Debug("job finished")
	return nil
}

// PollPendingJob asks providers about pending gateway payments that have
// a poll ref. A provider error on one payment never stops the sweep.
func (s *Scheduler) PollPendingJob(ctx context.Context) error {
	payments, err := s.pendingGatewayPayments(ctx)
	if err != nil {
		return err
	}

	var errs error
	for _, payment := range payments {
		tenantCtx := tenantctx.WithSchoolID(ctx, payment.SchoolID)
		if _, err := s.gatewaySvc.CheckStatus(tenantCtx, payment.ID); err != nil {
			s.log.Debug("poll failed",
				zap.String("payment_id", payment.ID.String()),
				zap.Error(err))
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// ExpirePendingJob fails pending gateway payments that outlived the
// school's grace period. A final poll runs first so a payment that
// actually completed is settled rather than expired.
func (s *Scheduler) ExpirePendingJob(ctx context.Context) error {
	now := s.clock.Now()
	payments, err := s.pendingGatewayPayments(ctx)
	if err != nil {
		return err
	}

	graceBySchool := map[string]time.Duration{}
	var errs error
	for _, payment := range payments {
		grace, ok := graceBySchool[payment.SchoolID.String()]
		if !ok {
			profile, err := s.profiles.LoadProfile(ctx, payment.SchoolID)
			if err != nil {
				errs = errors.Join(errs, err)
				continue
			}
			grace = profile.GatewayGracePeriod
			graceBySchool[payment.SchoolID.String()] = grace
		}
		if now.Sub(payment.CreatedAt) < grace {
			continue
		}

		tenantCtx := tenantctx.WithSchoolID(ctx, payment.SchoolID)
		if payment.PollRef != "" {
			updated, err := s.gatewaySvc.CheckStatus(tenantCtx, payment.ID)
			if err == nil && updated.Status.Terminal() {
				continue
			}
		}

		_, err := s.paymentSvc.ApplyStatus(tenantCtx, payment.ID, paymentdomain.StatusUpdate{
			Status: paymentdomain.StatusFailed,
			Reason: "gateway_grace_period_expired",
			Actor:  "scheduler",
		})
		if err != nil && !errors.Is(err, paymentdomain.ErrTerminalStatus) {
			errs = errors.Join(errs, err)
			continue
		}
		s.log.Info("pending payment expired",
			zap.String("payment_id", payment.ID.String()),
			zap.String("school_id", payment.SchoolID.String()))
	}
	return errs
}

func (s *Scheduler) pendingGatewayPayments(ctx context.Context) ([]paymentdomain.Payment, error) {
	var payments []paymentdomain.Payment
	err := s.db.WithContext(ctx).
		Where("status = ? AND provider <> ''", paymentdomain.StatusPending).
		Order("created_at asc").
		Limit(s.cfg.BatchSize).
		Find(&payments).Error
	return payments, err
}
