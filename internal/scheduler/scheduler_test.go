package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditservice "github.com/shulehub/shulehub/internal/audit/service"
	"github.com/shulehub/shulehub/internal/clock"
	"github.com/shulehub/shulehub/internal/config"
	"github.com/shulehub/shulehub/internal/gateway/adapters"
	"github.com/shulehub/shulehub/internal/gateway/adapters/paynow"
	gatewayservice "github.com/shulehub/shulehub/internal/gateway/service"
	paymentservice "github.com/shulehub/shulehub/internal/payment/service"
	schoolrepository "github.com/shulehub/shulehub/internal/school/repository"
	"github.com/shulehub/shulehub/internal/testdb"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupScheduler(t *testing.T) (*Scheduler, *gorm.DB, *snowflake.Node, snowflake.ID, *clock.FakeClock) {
	t.Helper()

	db := testdb.Open(t)
	node := testdb.MustNode(t)
	schoolID := testdb.SeedSchool(t, db, node)
	fake := clock.NewFakeClock(time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC))

	profiles := schoolrepository.Provide(db)
	paymentSvc := paymentservice.NewService(paymentservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    fake,
		Profiles: profiles,
		AuditSvc: auditservice.NewService(auditservice.Params{DB: db, Log: zap.NewNop(), GenID: node}),
	})
	gatewaySvc := gatewayservice.NewService(gatewayservice.Params{
		DB:         db,
		Log:        zap.NewNop(),
		Cfg:        config.Config{GatewayTimeoutSeconds: 1},
		Clock:      fake,
		Registry:   adapters.NewRegistry(paynow.NewFactory(nil)),
		PaymentSvc: paymentSvc,
	})

	sched, err := New(Params{
		DB:         db,
		Log:        zap.NewNop(),
		Clock:      fake,
		Profiles:   profiles,
		GatewaySvc: gatewaySvc,
		PaymentSvc: paymentSvc,
	})
	if err != nil {
		t.Fatalf("build scheduler: %v", err)
	}
	return sched, db, node, schoolID, fake
}

func seedPendingGatewayPayment(t *testing.T, db *gorm.DB, node *snowflake.Node, schoolID snowflake.ID, createdAt time.Time) snowflake.ID {
	t.Helper()
	id := node.Generate()
	studentID := testdb.SeedStudent(t, db, node, schoolID, "Form 1")
	if err := db.Exec(
		`INSERT INTO payments (id, school_id, student_id, amount, currency, method, provider, status, reconciled, created_at, updated_at)
		 VALUES (?, ?, ?, 50000, 'USD', 'ecocash', 'paynow', 'pending', 0, ?, ?)`,
		id, schoolID, studentID, createdAt, createdAt,
	).Error; err != nil {
		t.Fatalf("seed payment: %v", err)
	}
	return id
}

func paymentStatus(t *testing.T, db *gorm.DB, paymentID snowflake.ID) string {
	t.Helper()
	var status string
	if err := db.Raw(`SELECT status FROM payments WHERE id = ?`, paymentID).Scan(&status).Error; err != nil {
		t.Fatalf("read status: %v", err)
	}
	return status
}

func TestExpirePendingRespectsGracePeriod(t *testing.T) {
	sched, db, node, schoolID, fake := setupScheduler(t)
	paymentID := seedPendingGatewayPayment(t, db, node, schoolID, fake.Now())

	// Inside the 30 minute grace period the payment stays pending.
	fake.Advance(5 * time.Minute)
	if err := sched.ExpirePendingJob(context.Background()); err != nil {
		t.Fatalf("expire inside grace: %v", err)
	}
	if got := paymentStatus(t, db, paymentID); got != "pending" {
		t.Fatalf("status = %s inside grace period", got)
	}

	fake.Advance(40 * time.Minute)
	if err := sched.ExpirePendingJob(context.Background()); err != nil {
		t.Fatalf("expire after grace: %v", err)
	}
	if got := paymentStatus(t, db, paymentID); got != "failed" {
		t.Fatalf("status = %s, want failed after grace period", got)
	}

	var reason string
	if err := db.Raw(`SELECT failure_reason FROM payments WHERE id = ?`, paymentID).Scan(&reason).Error; err != nil {
		t.Fatalf("read reason: %v", err)
	}
	if reason != "gateway_grace_period_expired" {
		t.Fatalf("reason = %s", reason)
	}
}

func TestExpirePendingIgnoresDirectPayments(t *testing.T) {
	sched, db, node, schoolID, fake := setupScheduler(t)

	// Cash payments have no provider and never expire.
	id := node.Generate()
	studentID := testdb.SeedStudent(t, db, node, schoolID, "Form 1")
	if err := db.Exec(
		`INSERT INTO payments (id, school_id, student_id, amount, currency, method, provider, status, reconciled, created_at, updated_at)
		 VALUES (?, ?, ?, 50000, 'USD', 'cash', '', 'pending', 0, ?, ?)`,
		id, schoolID, studentID, fake.Now(), fake.Now(),
	).Error; err != nil {
		t.Fatalf("seed payment: %v", err)
	}

	fake.Advance(2 * time.Hour)
	if err := sched.ExpirePendingJob(context.Background()); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if got := paymentStatus(t, db, id); got != "pending" {
		t.Fatalf("status = %s, direct payment must not expire", got)
	}
}

func TestExpireRunOnTerminalPaymentIsIdempotent(t *testing.T) {
	sched, db, node, schoolID, fake := setupScheduler(t)
	paymentID := seedPendingGatewayPayment(t, db, node, schoolID, fake.Now())

	fake.Advance(time.Hour)
	if err := sched.ExpirePendingJob(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := sched.ExpirePendingJob(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if got := paymentStatus(t, db, paymentID); got != "failed" {
		t.Fatalf("status = %s", got)
	}
}

func TestSchedulerConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.RunInterval <= 0 || cfg.BatchSize <= 0 || cfg.JobTimeout <= 0 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}
