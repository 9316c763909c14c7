package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shulehub/shulehub/internal/clock"
	feedomain "github.com/shulehub/shulehub/internal/feecatalog/domain"
	"github.com/shulehub/shulehub/internal/invoice/domain"
	"github.com/shulehub/shulehub/internal/metrics"
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
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	profiles schooldomain.ProfileLoader
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("invoice.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		profiles: p.Profiles,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateInvoiceRequest) (*domain.InvoiceView, error) {
	schoolID, ok := tenantctx.SchoolID(ctx)
	if !ok {
		return nil, domain.ErrNotFound
	}

	profile, err := s.profiles.LoadProfile(ctx, schoolID)
	if err != nil {
		return nil, err
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if !profile.SupportsCurrency(currency) {
		return nil, domain.ErrUnsupportedCurrency
	}
	if req.StudentID == 0 {
		return nil, domain.ErrStudentNotFound
	}
	if req.DueDate.IsZero() {
		return nil, domain.ErrInvalidDueDate
	}
	if len(req.Lines) == 0 {
		return nil, domain.ErrNoLines
	}

	subtotal, discount, err := totals(req.Lines)
	if err != nil {
		return nil, err
	}
	total := subtotal - discount
	if total < 0 {
		total = 0
	}

	now := s.clock.Now()
	invoice := domain.Invoice{
		ID:             s.genID.Generate(),
		SchoolID:       schoolID,
		StudentID:      req.StudentID,
		AcademicYearID: req.AcademicYearID,
		Term:           strings.TrimSpace(req.Term),
		Currency:       currency,
		Subtotal:       subtotal,
		DiscountAmount: discount,
		TotalAmount:    total,
		DueDate:        req.DueDate.UTC(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var exists int64
		if err := tx.Model(&domain.Student{}).
			Where("id = ? AND school_id = ?", req.StudentID, schoolID).
			Count(&exists).Error; err != nil {
			return err
		}
		if exists == 0 {
			return domain.ErrStudentNotFound
		}

		number, err := s.nextNumber(tx, schoolID, profile.InvoicePrefix, now)
		if err != nil {
			return err
		}
		invoice.Number = number

		if err := tx.Create(&invoice).Error; err != nil {
			return err
		}
		return s.insertLines(tx, &invoice, req.Lines, now)
	})
	if err != nil {
		return nil, err
	}

	metrics.InvoicesGenerated.Inc()
	view := s.view(invoice)
	return &view, nil
}

func totals(lines []domain.LineInput) (subtotal int64, discount int64, err error) {
	for _, line := range lines {
		if line.Quantity <= 0 || line.UnitAmount < 0 || line.DiscountAmount < 0 {
			return 0, 0, domain.ErrInvalidLine
		}
		lineGross := line.Quantity * line.UnitAmount
		if line.DiscountAmount > lineGross {
			return 0, 0, domain.ErrInvalidLine
		}
		if strings.TrimSpace(line.Description) == "" {
			return 0, 0, domain.ErrInvalidLine
		}
		subtotal += lineGross
		discount += line.DiscountAmount
	}
	return subtotal, discount, nil
}

func (s *Service) insertLines(tx *gorm.DB, invoice *domain.Invoice, lines []domain.LineInput, now time.Time) error {
	for _, input := range lines {
		line := domain.InvoiceLine{
			ID:             s.genID.Generate(),
			SchoolID:       invoice.SchoolID,
			InvoiceID:      invoice.ID,
			CategoryID:     input.CategoryID,
			Description:    strings.TrimSpace(input.Description),
			Quantity:       input.Quantity,
			UnitAmount:     input.UnitAmount,
			DiscountAmount: input.DiscountAmount,
			Amount:         input.Quantity*input.UnitAmount - input.DiscountAmount,
			CreatedAt:      now,
		}
		if err := tx.Create(&line).Error; err != nil {
			return err
		}
		invoice.Lines = append(invoice.Lines, line)
	}
	return nil
}

// nextNumber claims the next per-school sequence value under a row lock,
// so concurrent creates never share a number.
func (s *Service) nextNumber(tx *gorm.DB, schoolID snowflake.ID, prefix string, now time.Time) (string, error) {
	if err := tx.Exec(
		`INSERT INTO invoice_sequences (school_id, next) VALUES (?, 1)
		 ON CONFLICT (school_id) DO NOTHING`,
		schoolID,
	).Error; err != nil {
		return "", err
	}

	var seq domain.InvoiceSequence
	if err := db.ForUpdate(tx).
		Where("school_id = ?", schoolID).
		First(&seq).Error; err != nil {
		return "", err
	}
	if err := tx.Model(&domain.InvoiceSequence{}).
		Where("school_id = ?", schoolID).
		Update("next", seq.Next+1).Error; err != nil {
		return "", err
	}

	if strings.TrimSpace(prefix) == "" {
		prefix = "INV"
	}
	return fmt.Sprintf("%s-%d-%06d", prefix, now.Year(), seq.Next), nil
}

// BulkGenerate bills every active student in the requested grades under a
// fee structure. Re-running it for the same structure and period is a no-op
// for students already billed, and one bad student record never aborts the
// rest of the batch.
func (s *Service) BulkGenerate(ctx context.Context, req domain.BulkGenerateRequest) (*domain.BulkGenerateResult, error) {
	schoolID, ok := tenantctx.SchoolID(ctx)
	if !ok {
		return nil, domain.ErrNotFound
	}
	if req.DueDate.IsZero() {
		return nil, domain.ErrInvalidDueDate
	}

	profile, err := s.profiles.LoadProfile(ctx, schoolID)
	if err != nil {
		return nil, err
	}

	var structure feedomain.FeeStructure
	err = s.db.WithContext(ctx).
		Preload("Items").
		Where("id = ? AND school_id = ?", req.FeeStructureID, schoolID).
		First(&structure).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if len(structure.Items) == 0 {
		return nil, domain.ErrNoLines
	}

	grades := req.GradeLevels
	if len(grades) == 0 {
		if err := json.Unmarshal(structure.GradeLevels, &grades); err != nil {
			return nil, err
		}
	}

	period := strings.TrimSpace(req.BillingPeriod)
	if period == "" {
		period = fmt.Sprintf("%d", s.clock.Now().Year())
	}

	var students []domain.Student
	err = s.db.WithContext(ctx).
		Where("school_id = ? AND active = ? AND grade_level IN ?", schoolID, true, grades).
		Order("id").
		Find(&students).Error
	if err != nil {
		return nil, err
	}

	lines, err := s.structureLines(ctx, schoolID, structure)
	if err != nil {
		return nil, err
	}

	result := &domain.BulkGenerateResult{Failed: []domain.BulkFailure{}}
	now := s.clock.Now()
	for _, student := range students {
		created, amount, err := s.generateOne(ctx, schoolID, profile, structure, period, student, lines, req.DueDate, now)
		if err != nil {
			s.log.Warn("bulk generation skipped student",
				zap.String("student_id", student.ID.String()),
				zap.Error(err),
			)
			result.Failed = append(result.Failed, domain.BulkFailure{
				StudentID: student.ID,
				Reason:    err.Error(),
			})
			continue
		}
		if created {
			result.InvoicesCreated++
			result.TotalAmount += amount
			metrics.InvoicesGenerated.Inc()
		}
	}
	return result, nil
}

func (s *Service) structureLines(ctx context.Context, schoolID snowflake.ID, structure feedomain.FeeStructure) ([]domain.LineInput, error) {
	lines := make([]domain.LineInput, 0, len(structure.Items))
	for _, item := range structure.Items {
		var category feedomain.FeeCategory
		err := s.db.WithContext(ctx).
			Where("id = ? AND school_id = ?", item.CategoryID, schoolID).
			First(&category).Error
		if err != nil {
			return nil, err
		}
		lines = append(lines, domain.LineInput{
			CategoryID:  item.CategoryID,
			Description: category.Name,
			Quantity:    1,
			UnitAmount:  item.Amount,
		})
	}
	return lines, nil
}

func (s *Service) generateOne(
	ctx context.Context,
	schoolID snowflake.ID,
	profile schooldomain.BillingProfile,
	structure feedomain.FeeStructure,
	period string,
	student domain.Student,
	lines []domain.LineInput,
	dueDate time.Time,
	now time.Time,
) (bool, int64, error) {

	var amount int64
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var billed int64
		err := tx.Model(&domain.Invoice{}).
			Where("school_id = ? AND student_id = ? AND fee_structure_id = ? AND billing_period = ? AND voided = ?",
				schoolID, student.ID, structure.ID, period, false).
			Count(&billed).Error
		if err != nil {
			return err
		}
		if billed > 0 {
			return nil
		}

		subtotal, discount, err := totals(lines)
		if err != nil {
			return err
		}
		total := subtotal - discount
		if total < 0 {
			total = 0
		}

		number, err := s.nextNumber(tx, schoolID, profile.InvoicePrefix, now)
		if err != nil {
			return err
		}

		invoice := domain.Invoice{
			ID:             s.genID.Generate(),
			SchoolID:       schoolID,
			StudentID:      student.ID,
			AcademicYearID: structure.AcademicYearID,
			Number:         number,
			Currency:       structure.Currency,
			Subtotal:       subtotal,
			DiscountAmount: discount,
			TotalAmount:    total,
			DueDate:        dueDate.UTC(),
			FeeStructureID: structure.ID,
			BillingPeriod:  period,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.Create(&invoice).Error; err != nil {
			return err
		}
		if err := s.insertLines(tx, &invoice, lines, now); err != nil {
			return err
		}
		amount = total
		created = true
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	return created, amount, nil
}

func (s *Service) List(ctx context.Context, req domain.ListInvoicesRequest) ([]domain.InvoiceView, error) {
	schoolID, ok := tenantctx.SchoolID(ctx)
	if !ok {
		return nil, domain.ErrNotFound
	}

	query := s.db.WithContext(ctx).
		Preload("Lines").
		Where("school_id = ?", schoolID)
	if req.StudentID != 0 {
		query = query.Where("student_id = ?", req.StudentID)
	}
	if req.AcademicYearID != 0 {
		query = query.Where("academic_year_id = ?", req.AcademicYearID)
	}
	if req.DueFrom != nil {
		query = query.Where("due_date >= ?", req.DueFrom.UTC())
	}
	if req.DueTo != nil {
		query = query.Where("due_date <= ?", req.DueTo.UTC())
	}

	var invoices []domain.Invoice
	if err := query.Order("due_date, id").Find(&invoices).Error; err != nil {
		return nil, err
	}

	// The status filter matches the derived field, so it is applied after
	// recomputation rather than pushed into SQL against a stored column.
	now := s.clock.Now()
	views := make([]domain.InvoiceView, 0, len(invoices))
	for _, invoice := range invoices {
		view := s.viewAt(invoice, now)
		if req.Status != "" && view.PaymentStatus != req.Status {
			continue
		}
		views = append(views, view)
	}
	return views, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*domain.InvoiceView, error) {
	schoolID, ok := tenantctx.SchoolID(ctx)
	if !ok {
		return nil, domain.ErrNotFound
	}
	var invoice domain.Invoice
	err := s.db.WithContext(ctx).
		Preload("Lines").
		Where("id = ? AND school_id = ?", id, schoolID).
		First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	view := s.view(invoice)
	return &view, nil
}

// Void cancels an invoice that has no payments applied. Invoices are never
// deleted.
func (s *Service) Void(ctx context.Context, id snowflake.ID) (*domain.InvoiceView, error) {
	schoolID, ok := tenantctx.SchoolID(ctx)
	if !ok {
		return nil, domain.ErrNotFound
	}

	var invoice domain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := db.ForUpdate(tx).
			Where("id = ? AND school_id = ?", id, schoolID).
			First(&invoice).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrNotFound
			}
			return err
		}
		if invoice.Voided {
			return domain.ErrAlreadyVoided
		}
		if invoice.PaidAmount > 0 {
			return domain.ErrVoidWithPayments
		}
		invoice.Voided = true
		invoice.UpdatedAt = s.clock.Now()
		return tx.Model(&domain.Invoice{}).
			Where("id = ?", invoice.ID).
			Updates(map[string]any{"voided": true, "updated_at": invoice.UpdatedAt}).Error
	})
	if err != nil {
		return nil, err
	}
	view := s.view(invoice)
	return &view, nil
}

func (s *Service) view(invoice domain.Invoice) domain.InvoiceView {
	return s.viewAt(invoice, s.clock.Now())
}

func (s *Service) viewAt(invoice domain.Invoice, now time.Time) domain.InvoiceView {
	return domain.InvoiceView{
		Invoice:            invoice,
		OutstandingBalance: invoice.OutstandingAmount(),
		PaymentStatus:      invoice.Status(now),
	}
}
