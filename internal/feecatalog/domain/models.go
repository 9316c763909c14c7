// Package domain contains persistence models for the fee catalog.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Frequency is how often a fee item recurs.
type Frequency string

const (
	FrequencyOneTime Frequency = "one_time"
	FrequencyMonthly Frequency = "monthly"
	FrequencyTermly  Frequency = "termly"
	FrequencyAnnual  Frequency = "annual"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyOneTime, FrequencyMonthly, FrequencyTermly, FrequencyAnnual:
		return true
	}
	return false
}

// FeeCategory is a named kind of charge (tuition, sports, lab).
type FeeCategory struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	SchoolID     snowflake.ID `gorm:"not null;index;uniqueIndex:ux_fee_category_code"`
	Code         string       `gorm:"type:text;not null;uniqueIndex:ux_fee_category_code"`
	Name         string       `gorm:"type:text;not null"`
	Mandatory    bool         `gorm:"not null;default:false"`
	Refundable   bool         `gorm:"not null;default:false"`
	AllowPartial bool         `gorm:"not null;default:true"`
	DisplayOrder int          `gorm:"not null;default:0"`
	CreatedAt    time.Time    `gorm:"not null"`
	UpdatedAt    time.Time    `gorm:"not null"`
}

func (FeeCategory) TableName() string { return "fee_categories" }

// FeeStructure is a priced bundle of fee items for an academic year and
// a set of grade levels, versioned by applicability date range.
type FeeStructure struct {
	ID             snowflake.ID   `gorm:"primaryKey"`
	SchoolID       snowflake.ID   `gorm:"not null;index"`
	AcademicYearID snowflake.ID   `gorm:"not null;index"`
	Name           string         `gorm:"type:text;not null"`
	Currency       string         `gorm:"type:text;not null"`
	GradeLevels    datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'"`
	IsDefault      bool           `gorm:"not null;default:false"`
	EffectiveFrom  time.Time      `gorm:"not null"`
	EffectiveTo    *time.Time     `gorm:""`
	CreatedAt      time.Time      `gorm:"not null"`
	UpdatedAt      time.Time      `gorm:"not null"`

	Items []FeeStructureItem `gorm:"foreignKey:StructureID"`
}

func (FeeStructure) TableName() string { return "fee_structures" }

// FeeStructureItem prices one category inside a structure. Amounts are
// minor units.
type FeeStructureItem struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	SchoolID     snowflake.ID `gorm:"not null;index"`
	StructureID  snowflake.ID `gorm:"not null;index"`
	CategoryID   snowflake.ID `gorm:"not null;index"`
	Amount       int64        `gorm:"not null"`
	Currency     string       `gorm:"type:text;not null"`
	Frequency    Frequency    `gorm:"type:text;not null;default:'one_time'"`
	Installments int          `gorm:"not null;default:0"`
	CreatedAt    time.Time    `gorm:"not null"`
}

func (FeeStructureItem) TableName() string { return "fee_structure_items" }

var (
	ErrNotFound            = errors.New("fee_catalog_not_found")
	ErrDuplicateCode       = errors.New("duplicate_fee_code")
	ErrCategoryInUse       = errors.New("fee_category_in_use")
	ErrInvalidCategory     = errors.New("invalid_fee_category")
	ErrInvalidFrequency    = errors.New("invalid_frequency")
	ErrInvalidAmount       = errors.New("invalid_fee_amount")
	ErrUnsupportedCurrency = errors.New("unsupported_currency")
	ErrDefaultExists       = errors.New("default_structure_exists")
	ErrNoGradeLevels       = errors.New("missing_grade_levels")
)

type CreateCategoryRequest struct {
	Code         string
	Name         string
	Mandatory    bool
	Refundable   bool
	AllowPartial bool
	DisplayOrder int
}

type UpdateCategoryRequest struct {
	Name         *string
	Mandatory    *bool
	Refundable   *bool
	AllowPartial *bool
	DisplayOrder *int
}

type StructureItemInput struct {
	CategoryID   snowflake.ID
	Amount       int64
	Frequency    Frequency
	Installments int
}

type CreateStructureRequest struct {
	AcademicYearID snowflake.ID
	Name           string
	Currency       string
	GradeLevels    []string
	IsDefault      bool
	EffectiveFrom  time.Time
	EffectiveTo    *time.Time
	Items          []StructureItemInput
}

type Service interface {
	CreateCategory(ctx context.Context, req CreateCategoryRequest) (*FeeCategory, error)
	UpdateCategory(ctx context.Context, id snowflake.ID, req UpdateCategoryRequest) (*FeeCategory, error)
	ListCategories(ctx context.Context) ([]FeeCategory, error)
	CreateStructure(ctx context.Context, req CreateStructureRequest) (*FeeStructure, error)
	GetStructure(ctx context.Context, id snowflake.ID) (*FeeStructure, error)
	ListStructures(ctx context.Context, academicYearID snowflake.ID) ([]FeeStructure, error)
}
