package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shulehub/shulehub/internal/feecatalog/domain"
	schoolrepository "github.com/shulehub/shulehub/internal/school/repository"
	"github.com/shulehub/shulehub/internal/tenantctx"
	"github.com/shulehub/shulehub/internal/testdb"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupFeeCatalog(t *testing.T) (domain.Service, *gorm.DB, *snowflake.Node, snowflake.ID) {
	t.Helper()

	db := testdb.Open(t)
	node := testdb.MustNode(t)
	schoolID := testdb.SeedSchool(t, db, node)

	svc := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Profiles: schoolrepository.Provide(db),
	})
	return svc, db, node, schoolID
}

func createCategory(t *testing.T, svc domain.Service, ctx context.Context, code string) *domain.FeeCategory {
	t.Helper()
	category, err := svc.CreateCategory(ctx, domain.CreateCategoryRequest{
		Code: code, Name: code, Mandatory: true, AllowPartial: true,
	})
	if err != nil {
		t.Fatalf("create category %s: %v", code, err)
	}
	return category
}

func TestCreateCategoryNormalizesAndRejectsDuplicates(t *testing.T) {
	svc, _, _, schoolID := setupFeeCatalog(t)
	ctx := tenantctx.WithSchoolID(context.Background(), schoolID)

	category, err := svc.CreateCategory(ctx, domain.CreateCategoryRequest{
		Code: "  TUITION ", Name: "Tuition",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if category.Code != "tuition" {
		t.Errorf("code = %q, want lowercased trimmed", category.Code)
	}

	_, err = svc.CreateCategory(ctx, domain.CreateCategoryRequest{Code: "tuition", Name: "Tuition again"})
	if !errors.Is(err, domain.ErrDuplicateCode) {
		t.Fatalf("expected ErrDuplicateCode, got %v", err)
	}
}

func TestCreateCategorySameCodeDifferentSchools(t *testing.T) {
	svc, db, node, schoolID := setupFeeCatalog(t)
	ctx := tenantctx.WithSchoolID(context.Background(), schoolID)
	otherCtx := tenantctx.WithSchoolID(context.Background(), testdb.SeedSchool(t, db, node))

	createCategory(t, svc, ctx, "tuition")
	if _, err := svc.CreateCategory(otherCtx, domain.CreateCategoryRequest{Code: "tuition", Name: "Tuition"}); err != nil {
		t.Fatalf("code uniqueness must be per school: %v", err)
	}
}

func TestUpdateCategoryPatchesOnlyGivenFields(t *testing.T) {
	svc, _, _, schoolID := setupFeeCatalog(t)
	ctx := tenantctx.WithSchoolID(context.Background(), schoolID)
	category := createCategory(t, svc, ctx, "sports")

	name := "Sports levy"
	updated, err := svc.UpdateCategory(ctx, category.ID, domain.UpdateCategoryRequest{Name: &name})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != "Sports levy" {
		t.Errorf("name = %q", updated.Name)
	}
	if updated.Mandatory != category.Mandatory || updated.AllowPartial != category.AllowPartial {
		t.Error("unset fields must not change")
	}
}

func TestUpdateCategoryInUseRefused(t *testing.T) {
	svc, db, node, schoolID := setupFeeCatalog(t)
	ctx := tenantctx.WithSchoolID(context.Background(), schoolID)
	category := createCategory(t, svc, ctx, "tuition")

	// Reference the category from a structure item.
	now := time.Now().UTC()
	if err := db.Exec(
		`INSERT INTO fee_structure_items (id, school_id, structure_id, category_id, amount, currency, frequency, installments, created_at)
		 VALUES (?, ?, ?, ?, 50000, 'USD', 'termly', 0, ?)`,
		node.Generate(), schoolID, node.Generate(), category.ID, now,
	).Error; err != nil {
		t.Fatalf("seed item: %v", err)
	}

	name := "Renamed"
	if _, err := svc.UpdateCategory(ctx, category.ID, domain.UpdateCategoryRequest{Name: &name}); !errors.Is(err, domain.ErrCategoryInUse) {
		t.Fatalf("expected ErrCategoryInUse, got %v", err)
	}
}

func TestCreateStructureValidation(t *testing.T) {
	svc, _, node, schoolID := setupFeeCatalog(t)
	ctx := tenantctx.WithSchoolID(context.Background(), schoolID)
	category := createCategory(t, svc, ctx, "tuition")
	yearID := node.Generate()
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	base := domain.CreateStructureRequest{
		AcademicYearID: yearID,
		Name:           "2026 Day Scholars",
		Currency:       "USD",
		GradeLevels:    []string{"Form 1"},
		EffectiveFrom:  from,
		Items: []domain.StructureItemInput{
			{CategoryID: category.ID, Amount: 50000, Frequency: domain.FrequencyTermly},
		},
	}

	cases := []struct {
		name    string
		mutate  func(r *domain.CreateStructureRequest)
		wantErr error
	}{
		{"unsupported currency", func(r *domain.CreateStructureRequest) { r.Currency = "EUR" }, domain.ErrUnsupportedCurrency},
		{"no grade levels", func(r *domain.CreateStructureRequest) { r.GradeLevels = nil }, domain.ErrNoGradeLevels},
		{"zero amount", func(r *domain.CreateStructureRequest) { r.Items[0].Amount = 0 }, domain.ErrInvalidAmount},
		{"bad frequency", func(r *domain.CreateStructureRequest) { r.Items[0].Frequency = "weekly" }, domain.ErrInvalidFrequency},
		{"unknown category", func(r *domain.CreateStructureRequest) { r.Items[0].CategoryID = node.Generate() }, domain.ErrInvalidCategory},
	}
	for _, tc := range cases {
		req := base
		req.GradeLevels = append([]string{}, base.GradeLevels...)
		req.Items = append([]domain.StructureItemInput{}, base.Items...)
		tc.mutate(&req)
		if _, err := svc.CreateStructure(ctx, req); !errors.Is(err, tc.wantErr) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.wantErr)
		}
	}

	structure, err := svc.CreateStructure(ctx, base)
	if err != nil {
		t.Fatalf("valid structure: %v", err)
	}
	if len(structure.Items) != 1 || structure.Items[0].Amount != 50000 {
		t.Fatalf("items = %+v", structure.Items)
	}
}

func TestCreateStructureSingleDefaultPerYear(t *testing.T) {
	svc, _, node, schoolID := setupFeeCatalog(t)
	ctx := tenantctx.WithSchoolID(context.Background(), schoolID)
	category := createCategory(t, svc, ctx, "tuition")
	yearID := node.Generate()
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	req := domain.CreateStructureRequest{
		AcademicYearID: yearID,
		Name:           "Default",
		Currency:       "USD",
		GradeLevels:    []string{"Form 1"},
		IsDefault:      true,
		EffectiveFrom:  from,
		Items: []domain.StructureItemInput{
			{CategoryID: category.ID, Amount: 50000, Frequency: domain.FrequencyTermly},
		},
	}
	if _, err := svc.CreateStructure(ctx, req); err != nil {
		t.Fatalf("first default: %v", err)
	}
	req.Name = "Second default"
	if _, err := svc.CreateStructure(ctx, req); !errors.Is(err, domain.ErrDefaultExists) {
		t.Fatalf("expected ErrDefaultExists, got %v", err)
	}
}

func TestGetStructureScopedToTenant(t *testing.T) {
	svc, db, node, schoolID := setupFeeCatalog(t)
	ctx := tenantctx.WithSchoolID(context.Background(), schoolID)
	category := createCategory(t, svc, ctx, "tuition")

	structure, err := svc.CreateStructure(ctx, domain.CreateStructureRequest{
		AcademicYearID: node.Generate(),
		Name:           "2026",
		Currency:       "USD",
		GradeLevels:    []string{"Form 1"},
		EffectiveFrom:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Items: []domain.StructureItemInput{
			{CategoryID: category.ID, Amount: 50000, Frequency: domain.FrequencyTermly},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.GetStructure(ctx, structure.ID); err != nil {
		t.Fatalf("get: %v", err)
	}
	otherCtx := tenantctx.WithSchoolID(context.Background(), testdb.SeedSchool(t, db, node))
	if _, err := svc.GetStructure(otherCtx, structure.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound across tenants, got %v", err)
	}
}
