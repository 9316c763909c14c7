package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shulehub/shulehub/internal/clock"
	"github.com/shulehub/shulehub/internal/invoice/domain"
	schoolrepository "github.com/shulehub/shulehub/internal/school/repository"
	"github.com/shulehub/shulehub/internal/tenantctx"
	"github.com/shulehub/shulehub/internal/testdb"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupInvoiceService(t *testing.T) (domain.Service, *gorm.DB, *snowflake.Node, snowflake.ID, *clock.FakeClock) {
	t.Helper()

	db := testdb.Open(t)
	node := testdb.MustNode(t)
	schoolID := testdb.SeedSchool(t, db, node)
	fake := clock.NewFakeClock(time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    fake,
		Profiles: schoolrepository.Provide(db),
	})
	return svc, db, node, schoolID, fake
}

func tuitionLines(db *gorm.DB, t *testing.T, node *snowflake.Node, schoolID snowflake.ID) []domain.LineInput {
	t.Helper()

	tuitionID := seedCategory(t, db, node, schoolID, "tuition")
	sportsID := seedCategory(t, db, node, schoolID, "sports")
	return []domain.LineInput{
		{CategoryID: tuitionID, Description: "Tuition", Quantity: 1, UnitAmount: 75000},
		{CategoryID: sportsID, Description: "Sports levy", Quantity: 1, UnitAmount: 5000, DiscountAmount: 1000},
	}
}

func seedCategory(t *testing.T, db *gorm.DB, node *snowflake.Node, schoolID snowflake.ID, code string) snowflake.ID {
	t.Helper()
	id := node.Generate()
	now := time.Now().UTC()
	if err := db.Exec(
		`INSERT INTO fee_categories (id, school_id, code, name, mandatory, refundable, allow_partial, display_order, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1, 0, 1, 0, ?, ?)`,
		id, schoolID, code, strings.ToUpper(code), now, now,
	).Error; err != nil {
		t.Fatalf("seed category %s: %v", code, err)
	}
	return id
}

func TestCreateInvoiceTotals(t *testing.T) {
	svc, db, node, schoolID, _ := setupInvoiceService(t)
	ctx := tenantctx.WithSchoolID(context.Background(), schoolID)
	studentID := testdb.SeedStudent(t, db, node, schoolID, "Form 1")

	view, err := svc.Create(ctx, domain.CreateInvoiceRequest{
		StudentID:      studentID,
		AcademicYearID: node.Generate(),
		Term:           "Term 1",
		Currency:       "usd",
		DueDate:        time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Lines:          tuitionLines(db, t, node, schoolID),
	})
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}

	if view.Subtotal != 80000 {
		t.Errorf("subtotal = %d, want 80000", view.Subtotal)
	}
	if view.DiscountAmount != 1000 {
		t.Errorf("discount = %d, want 1000", view.DiscountAmount)
	}
	if view.TotalAmount != 79000 {
		t.Errorf("total = %d, want 79000", view.TotalAmount)
	}
	if view.Currency != "USD" {
		t.Errorf("currency = %s, want USD", view.Currency)
	}
	if view.PaymentStatus != domain.StatusPending {
		t.Errorf("status = %s, want pending", view.PaymentStatus)
	}
	if view.OutstandingBalance != 79000 {
		t.Errorf("outstanding = %d, want 79000", view.OutstandingBalance)
	}
	if !strings.HasPrefix(view.Number, "INV-2026-") {
		t.Errorf("number = %s, want INV-2026- prefix", view.Number)
	}
}

func TestCreateInvoiceRejectsUnsupportedCurrency(t *testing.T) {
	svc, db, node, schoolID, _ := setupInvoiceService(t)
	ctx := tenantctx.WithSchoolID(context.Background(), schoolID)
	studentID := testdb.SeedStudent(t, db, node, schoolID, "Form 1")

	_, err := svc.Create(ctx, domain.CreateInvoiceRequest{
		StudentID: studentID,
		Currency:  "EUR",
		DueDate:   time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Lines:     tuitionLines(db, t, node, schoolID),
	})
	if err != domain.ErrUnsupportedCurrency {
		t.Fatalf("expected ErrUnsupportedCurrency, got %v", err)
	}
}

func TestCreateInvoiceRejectsExcessiveDiscount(t *testing.T) {
	svc, db, node, schoolID, _ := setupInvoiceService(t)
	ctx := tenantctx.WithSchoolID(context.Background(), schoolID)
	studentID := testdb.SeedStudent(t, db, node, schoolID, "Form 1")
	categoryID := seedCategory(t, db, node, schoolID, "levy")

	_, err := svc.Create(ctx, domain.CreateInvoiceRequest{
		StudentID: studentID,
		Currency:  "USD",
		DueDate:   time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Lines: []domain.LineInput{
			{CategoryID: categoryID, Description: "Levy", Quantity: 1, UnitAmount: 5000, DiscountAmount: 6000},
		},
	})
	if err != domain.ErrInvalidLine {
		t.Fatalf("expected ErrInvalidLine, got %v", err)
	}
}

func TestInvoiceNumbersAreSequentialPerSchool(t *testing.T) {
	svc, db, node, schoolID, _ := setupInvoiceService(t)
	ctx := tenantctx.WithSchoolID(context.Background(), schoolID)
	studentID := testdb.SeedStudent(t, db, node, schoolID, "Form 1")
	lines := tuitionLines(db, t, node, schoolID)

	first, err := svc.Create(ctx, domain.CreateInvoiceRequest{
		StudentID: studentID, Currency: "USD",
		DueDate: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), Lines: lines,
	})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := svc.Create(ctx, domain.CreateInvoiceRequest{
		StudentID: studentID, Currency: "USD",
		DueDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), Lines: lines,
	})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	if first.Number != "INV-2026-000001" {
		t.Errorf("first number = %s, want INV-2026-000001", first.Number)
	}
	if second.Number != "INV-2026-000002" {
		t.Errorf("second number = %s, want INV-2026-000002", second.Number)
	}
}

func TestVoidInvoice(t *testing.T) {
	svc, db, node, schoolID, _ := setupInvoiceService(t)
	ctx := tenantctx.WithSchoolID(context.Background(), schoolID)
	studentID := testdb.SeedStudent(t, db, node, schoolID, "Form 1")

	view, err := svc.Create(ctx, domain.CreateInvoiceRequest{
		StudentID: studentID, Currency: "USD",
		DueDate: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Lines:   tuitionLines(db, t, node, schoolID),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	voided, err := svc.Void(ctx, view.ID)
	if err != nil {
		t.Fatalf("void: %v", err)
	}
	if voided.PaymentStatus != domain.StatusVoid {
		t.Errorf("status = %s, want void", voided.PaymentStatus)
	}

	if _, err := svc.Void(ctx, view.ID); err != domain.ErrAlreadyVoided {
		t.Fatalf("second void: expected ErrAlreadyVoided, got %v", err)
	}
}

func TestVoidInvoiceWithPaymentsRefused(t *testing.T) {
	svc, db, node, schoolID, _ := setupInvoiceService(t)
	ctx := tenantctx.WithSchoolID(context.Background(), schoolID)
	studentID := testdb.SeedStudent(t, db, node, schoolID, "Form 1")

	view, err := svc.Create(ctx, domain.CreateInvoiceRequest{
		StudentID: studentID, Currency: "USD",
		DueDate: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Lines:   tuitionLines(db, t, node, schoolID),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := db.Exec(`UPDATE invoices SET paid_amount = 1000 WHERE id = ?`, view.ID).Error; err != nil {
		t.Fatalf("mark paid: %v", err)
	}

	if _, err := svc.Void(ctx, view.ID); err != domain.ErrVoidWithPayments {
		t.Fatalf("expected ErrVoidWithPayments, got %v", err)
	}
}

func TestCrossTenantInvoiceInvisible(t *testing.T) {
	svc, db, node, schoolID, _ := setupInvoiceService(t)
	ctx := tenantctx.WithSchoolID(context.Background(), schoolID)
	studentID := testdb.SeedStudent(t, db, node, schoolID, "Form 1")

	view, err := svc.Create(ctx, domain.CreateInvoiceRequest{
		StudentID: studentID, Currency: "USD",
		DueDate: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Lines:   tuitionLines(db, t, node, schoolID),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	otherSchool := testdb.SeedSchool(t, db, node)
	otherCtx := tenantctx.WithSchoolID(context.Background(), otherSchool)
	if _, err := svc.GetByID(otherCtx, view.ID); err != domain.ErrNotFound {
		t.Fatalf("expected ErrNotFound across tenants, got %v", err)
	}
}

func TestListInvoicesFiltersByDerivedStatus(t *testing.T) {
	svc, db, node, schoolID, fake := setupInvoiceService(t)
	ctx := tenantctx.WithSchoolID(context.Background(), schoolID)
	studentID := testdb.SeedStudent(t, db, node, schoolID, "Form 1")
	lines := tuitionLines(db, t, node, schoolID)

	early, err := svc.Create(ctx, domain.CreateInvoiceRequest{
		StudentID: studentID, Currency: "USD",
		DueDate: time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC), Lines: lines,
	})
	if err != nil {
		t.Fatalf("create early: %v", err)
	}
	if _, err := svc.Create(ctx, domain.CreateInvoiceRequest{
		StudentID: studentID, Currency: "USD",
		DueDate: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), Lines: lines,
	}); err != nil {
		t.Fatalf("create late: %v", err)
	}

	fake.Advance(30 * 24 * time.Hour)

	overdue, err := svc.List(ctx, domain.ListInvoicesRequest{Status: domain.StatusOverdue})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(overdue) != 1 || overdue[0].ID != early.ID {
		t.Fatalf("expected only the early invoice overdue, got %d results", len(overdue))
	}
}

func seedStructure(t *testing.T, db *gorm.DB, node *snowflake.Node, schoolID, categoryID snowflake.ID, grades string) snowflake.ID {
	t.Helper()
	id := node.Generate()
	now := time.Now().UTC()
	if err := db.Exec(
		`INSERT INTO fee_structures (id, school_id, academic_year_id, name, currency, grade_levels, is_default, effective_from, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		id, schoolID, node.Generate(), "Standard", "USD", grades, now, now, now,
	).Error; err != nil {
		t.Fatalf("seed structure: %v", err)
	}
	if err := db.Exec(
		`INSERT INTO fee_structure_items (id, school_id, fee_structure_id, category_id, amount, frequency, installments, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
		node.Generate(), schoolID, id, categoryID, 50000, "termly", now,
	).Error; err != nil {
		t.Fatalf("seed structure item: %v", err)
	}
	return id
}

func TestBulkGenerateIsIdempotentPerPeriod(t *testing.T) {
	svc, db, node, schoolID, _ := setupInvoiceService(t)
	ctx := tenantctx.WithSchoolID(context.Background(), schoolID)
	categoryID := seedCategory(t, db, node, schoolID, "tuition")
	structureID := seedStructure(t, db, node, schoolID, categoryID, `["Form 1"]`)

	testdb.SeedStudent(t, db, node, schoolID, "Form 1")
	testdb.SeedStudent(t, db, node, schoolID, "Form 1")
	testdb.SeedStudent(t, db, node, schoolID, "Form 2")

	req := domain.BulkGenerateRequest{
		FeeStructureID: structureID,
		DueDate:        time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		BillingPeriod:  "2026-T1",
	}

	first, err := svc.BulkGenerate(ctx, req)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.InvoicesCreated != 2 {
		t.Fatalf("first run created %d invoices, want 2", first.InvoicesCreated)
	}
	if first.TotalAmount != 100000 {
		t.Fatalf("first run total = %d, want 100000", first.TotalAmount)
	}

	second, err := svc.BulkGenerate(ctx, req)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.InvoicesCreated != 0 {
		t.Fatalf("second run created %d invoices, want 0", second.InvoicesCreated)
	}

	var count int64
	if err := db.Raw(`SELECT COUNT(1) FROM invoices`).Scan(&count).Error; err != nil {
		t.Fatalf("count invoices: %v", err)
	}
	if count != 2 {
		t.Fatalf("invoice rows = %d, want 2", count)
	}
}

func TestBulkGenerateNewPeriodBillsAgain(t *testing.T) {
	svc, db, node, schoolID, _ := setupInvoiceService(t)
	ctx := tenantctx.WithSchoolID(context.Background(), schoolID)
	categoryID := seedCategory(t, db, node, schoolID, "tuition")
	structureID := seedStructure(t, db, node, schoolID, categoryID, `["Form 1"]`)
	testdb.SeedStudent(t, db, node, schoolID, "Form 1")

	for _, period := range []string{"2026-T1", "2026-T2"} {
		result, err := svc.BulkGenerate(ctx, domain.BulkGenerateRequest{
			FeeStructureID: structureID,
			DueDate:        time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
			BillingPeriod:  period,
		})
		if err != nil {
			t.Fatalf("run %s: %v", period, err)
		}
		if result.InvoicesCreated != 1 {
			t.Fatalf("run %s created %d invoices, want 1", period, result.InvoicesCreated)
		}
	}
}
