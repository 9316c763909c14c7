package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shulehub/shulehub/internal/feecatalog/domain"
	schooldomain "github.com/shulehub/shulehub/internal/school/domain"
	"github.com/shulehub/shulehub/internal/tenantctx"
	"github.com/shulehub/shulehub/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Profiles schooldomain.ProfileLoader
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	profiles schooldomain.ProfileLoader
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("feecatalog.service"),
		genID:    p.GenID,
		profiles: p.Profiles,
	}
}

func (s *Service) CreateCategory(ctx context.Context, req domain.CreateCategoryRequest) (*domain.FeeCategory, error) {
	schoolID, ok := tenantctx.SchoolID(ctx)
	if !ok {
		return nil, domain.ErrNotFound
	}

	code := strings.ToLower(strings.TrimSpace(req.Code))
	name := strings.TrimSpace(req.Name)
	if code == "" || name == "" {
		return nil, domain.ErrInvalidCategory
	}

	now := time.Now().UTC()
	category := domain.FeeCategory{
		ID:           s.genID.Generate(),
		SchoolID:     schoolID,
		Code:         code,
		Name:         name,
		Mandatory:    req.Mandatory,
		Refundable:   req.Refundable,
		AllowPartial: req.AllowPartial,
		DisplayOrder: req.DisplayOrder,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.db.WithContext(ctx).Create(&category).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrDuplicateCode
		}
		return nil, err
	}
	return &category, nil
}

// UpdateCategory edits a category that nothing references yet. A category
// referenced by a structure item or an invoice line is immutable.
func (s *Service) UpdateCategory(ctx context.Context, id snowflake.ID, req domain.UpdateCategoryRequest) (*domain.FeeCategory, error) {
	schoolID, ok := tenantctx.SchoolID(ctx)
	if !ok {
		return nil, domain.ErrNotFound
	}

	var category domain.FeeCategory
	err := s.db.WithContext(ctx).
		Where("id = ? AND school_id = ?", id, schoolID).
		First(&category).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}

	referenced, err := s.categoryReferenced(ctx, schoolID, id)
	if err != nil {
		return nil, err
	}
	if referenced {
		return nil, domain.ErrCategoryInUse
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, domain.ErrInvalidCategory
		}
		category.Name = name
	}
	if req.Mandatory != nil {
		category.Mandatory = *req.Mandatory
	}
	if req.Refundable != nil {
		category.Refundable = *req.Refundable
	}
	if req.AllowPartial != nil {
		category.AllowPartial = *req.AllowPartial
	}
	if req.DisplayOrder != nil {
		category.DisplayOrder = *req.DisplayOrder
	}
	category.UpdatedAt = time.Now().UTC()

	if err := s.db.WithContext(ctx).Save(&category).Error; err != nil {
		return nil, err
	}
	return &category, nil
}

func (s *Service) categoryReferenced(ctx context.Context, schoolID, categoryID snowflake.ID) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT (SELECT COUNT(1) FROM fee_structure_items WHERE school_id = ? AND category_id = ?)
		      + (SELECT COUNT(1) FROM invoice_lines WHERE school_id = ? AND category_id = ?)`,
		schoolID, categoryID,
		schoolID, categoryID,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Service) ListCategories(ctx context.Context) ([]domain.FeeCategory, error) {
	schoolID, ok := tenantctx.SchoolID(ctx)
	if !ok {
		return nil, domain.ErrNotFound
	}
	var categories []domain.FeeCategory
	err := s.db.WithContext(ctx).
		Where("school_id = ?", schoolID).
		Order("display_order, code").
		Find(&categories).Error
	return categories, err
}

func (s *Service) CreateStructure(ctx context.Context, req domain.CreateStructureRequest) (*domain.FeeStructure, error) {
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
	if len(req.GradeLevels) == 0 {
		return nil, domain.ErrNoGradeLevels
	}
	if req.AcademicYearID == 0 || strings.TrimSpace(req.Name) == "" {
		return nil, domain.ErrInvalidCategory
	}
	for _, item := range req.Items {
		if item.Amount <= 0 {
			return nil, domain.ErrInvalidAmount
		}
		if !item.Frequency.Valid() {
			return nil, domain.ErrInvalidFrequency
		}
	}

	grades, err := json.Marshal(req.GradeLevels)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	structure := domain.FeeStructure{
		ID:             s.genID.Generate(),
		SchoolID:       schoolID,
		AcademicYearID: req.AcademicYearID,
		Name:           strings.TrimSpace(req.Name),
		Currency:       currency,
		GradeLevels:    datatypes.JSON(grades),
		IsDefault:      req.IsDefault,
		EffectiveFrom:  req.EffectiveFrom,
		EffectiveTo:    req.EffectiveTo,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if req.IsDefault {
			conflict, err := s.defaultConflicts(ctx, tx, schoolID, req.AcademicYearID, req.GradeLevels)
			if err != nil {
				return err
			}
			if conflict {
				return domain.ErrDefaultExists
			}
		}

		if err := tx.Create(&structure).Error; err != nil {
			return err
		}

		for _, input := range req.Items {
			var exists int64
			if err := tx.Model(&domain.FeeCategory{}).
				Where("id = ? AND school_id = ?", input.CategoryID, schoolID).
				Count(&exists).Error; err != nil {
				return err
			}
			if exists == 0 {
				return domain.ErrInvalidCategory
			}
			item := domain.FeeStructureItem{
				ID:           s.genID.Generate(),
				SchoolID:     schoolID,
				StructureID:  structure.ID,
				CategoryID:   input.CategoryID,
				Amount:       input.Amount,
				Currency:     currency,
				Frequency:    input.Frequency,
				Installments: input.Installments,
				CreatedAt:    now,
			}
			if err := tx.Create(&item).Error; err != nil {
				return err
			}
			structure.Items = append(structure.Items, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &structure, nil
}

// defaultConflicts reports whether another default structure already covers
// any of the requested grade levels for the year.
func (s *Service) defaultConflicts(ctx context.Context, tx *gorm.DB, schoolID, yearID snowflake.ID, grades []string) (bool, error) {
	var existing []domain.FeeStructure
	err := tx.WithContext(ctx).
		Where("school_id = ? AND academic_year_id = ? AND is_default = ?", schoolID, yearID, true).
		Find(&existing).Error
	if err != nil {
		return false, err
	}
	requested := map[string]bool{}
	for _, g := range grades {
		requested[g] = true
	}
	for _, structure := range existing {
		var covered []string
		if err := json.Unmarshal(structure.GradeLevels, &covered); err != nil {
			continue
		}
		for _, g := range covered {
			if requested[g] {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *Service) GetStructure(ctx context.Context, id snowflake.ID) (*domain.FeeStructure, error) {
	schoolID, ok := tenantctx.SchoolID(ctx)
	if !ok {
		return nil, domain.ErrNotFound
	}
	var structure domain.FeeStructure
	err := s.db.WithContext(ctx).
		Preload("Items").
		Where("id = ? AND school_id = ?", id, schoolID).
		First(&structure).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &structure, nil
}

func (s *Service) ListStructures(ctx context.Context, academicYearID snowflake.ID) ([]domain.FeeStructure, error) {
	schoolID, ok := tenantctx.SchoolID(ctx)
	if !ok {
		return nil, domain.ErrNotFound
	}
	query := s.db.WithContext(ctx).
		Preload("Items").
		Where("school_id = ?", schoolID)
	if academicYearID != 0 {
		query = query.Where("academic_year_id = ?", academicYearID)
	}
	var structures []domain.FeeStructure
	err := query.Order("effective_from DESC").Find(&structures).Error
	return structures, err
}
