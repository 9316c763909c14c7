package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	feedomain "github.com/shulehub/shulehub/internal/feecatalog/domain"
	"github.com/shulehub/shulehub/internal/money"
)

type createCategoryRequest struct {
	Code         string `json:"code"`
	Name         string `json:"name"`
	Mandatory    bool   `json:"mandatory"`
	Refundable   bool   `json:"refundable"`
	AllowPartial bool   `json:"allow_partial"`
	DisplayOrder int    `json:"display_order"`
}

func (s *Server) CreateFeeCategory(c *gin.Context) {
	var body createCategoryRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	category, err := s.feeCatalogSvc.CreateCategory(c.Request.Context(), feedomain.CreateCategoryRequest{
		Code:         body.Code,
		Name:         body.Name,
		Mandatory:    body.Mandatory,
		Refundable:   body.Refundable,
		AllowPartial: body.AllowPartial,
		DisplayOrder: body.DisplayOrder,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": category})
}

type updateCategoryRequest struct {
	Name         *string `json:"name"`
	Mandatory    *bool   `json:"mandatory"`
	Refundable   *bool   `json:"refundable"`
	AllowPartial *bool   `json:"allow_partial"`
	DisplayOrder *int    `json:"display_order"`
}

func (s *Server) UpdateFeeCategory(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var body updateCategoryRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	category, err := s.feeCatalogSvc.UpdateCategory(c.Request.Context(), id, feedomain.UpdateCategoryRequest{
		Name:         body.Name,
		Mandatory:    body.Mandatory,
		Refundable:   body.Refundable,
		AllowPartial: body.AllowPartial,
		DisplayOrder: body.DisplayOrder,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": category})
}

func (s *Server) ListFeeCategories(c *gin.Context) {
	categories, err := s.feeCatalogSvc.ListCategories(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": categories})
}

type structureItemRequest struct {
	CategoryID   string `json:"category_id"`
	Amount       string `json:"amount"`
	Frequency    string `json:"frequency"`
	Installments int    `json:"installments"`
}

type createStructureRequest struct {
	AcademicYearID string                 `json:"academic_year_id"`
	Name           string                 `json:"name"`
	Currency       string                 `json:"currency"`
	GradeLevels    []string               `json:"grade_levels"`
	IsDefault      bool                   `json:"is_default"`
	EffectiveFrom  time.Time              `json:"effective_from"`
	EffectiveTo    *time.Time             `json:"effective_to"`
	Items          []structureItemRequest `json:"items"`
}

func (s *Server) CreateFeeStructure(c *gin.Context) {
	var body createStructureRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	yearID, err := snowflake.ParseString(strings.TrimSpace(body.AcademicYearID))
	if err != nil {
		AbortWithError(c, newValidationError("academic_year_id", "invalid_id", "invalid id"))
		return
	}

	items := make([]feedomain.StructureItemInput, 0, len(body.Items))
	for _, item := range body.Items {
		categoryID, err := snowflake.ParseString(strings.TrimSpace(item.CategoryID))
		if err != nil {
			AbortWithError(c, newValidationError("category_id", "invalid_id", "invalid id"))
			return
		}
		amount, err := money.Parse(item.Amount)
		if err != nil {
			AbortWithError(c, newValidationError("amount", "invalid_amount", "invalid amount"))
			return
		}
		items = append(items, feedomain.StructureItemInput{
			CategoryID:   categoryID,
			Amount:       amount,
			Frequency:    feedomain.Frequency(item.Frequency),
			Installments: item.Installments,
		})
	}

	structure, err := s.feeCatalogSvc.CreateStructure(c.Request.Context(), feedomain.CreateStructureRequest{
		AcademicYearID: yearID,
		Name:           body.Name,
		Currency:       body.Currency,
		GradeLevels:    body.GradeLevels,
		IsDefault:      body.IsDefault,
		EffectiveFrom:  body.EffectiveFrom,
		EffectiveTo:    body.EffectiveTo,
		Items:          items,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": structure})
}

func (s *Server) GetFeeStructure(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	structure, err := s.feeCatalogSvc.GetStructure(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": structure})
}

func (s *Server) ListFeeStructures(c *gin.Context) {
	var yearID snowflake.ID
	if raw := strings.TrimSpace(c.Query("academic_year_id")); raw != "" {
		id, err := snowflake.ParseString(raw)
		if err != nil {
			AbortWithError(c, newValidationError("academic_year_id", "invalid_id", "invalid id"))
			return
		}
		yearID = id
	}
	structures, err := s.feeCatalogSvc.ListStructures(c.Request.Context(), yearID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": structures})
}
