package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	invoicedomain "github.com/shulehub/shulehub/internal/invoice/domain"
	"github.com/shulehub/shulehub/internal/money"
)

type invoiceLineRequest struct {
	CategoryID     string `json:"category_id"`
	Description    string `json:"description"`
	Quantity       int64  `json:"quantity"`
	UnitAmount     string `json:"unit_amount"`
	DiscountAmount string `json:"discount_amount"`
}

type createInvoiceRequest struct {
	StudentID      string               `json:"student_id"`
	AcademicYearID string               `json:"academic_year_id"`
	Term           string               `json:"term"`
	Currency       string               `json:"currency"`
	DueDate        time.Time            `json:"due_date"`
	Lines          []invoiceLineRequest `json:"lines"`
}

func (s *Server) CreateInvoice(c *gin.Context) {
	var body createInvoiceRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	studentID, err := snowflake.ParseString(strings.TrimSpace(body.StudentID))
	if err != nil {
		AbortWithError(c, newValidationError("student_id", "invalid_id", "invalid id"))
		return
	}
	yearID, err := snowflake.ParseString(strings.TrimSpace(body.AcademicYearID))
	if err != nil {
		AbortWithError(c, newValidationError("academic_year_id", "invalid_id", "invalid id"))
		return
	}

	lines := make([]invoicedomain.LineInput, 0, len(body.Lines))
	for _, line := range body.Lines {
		parsed, err := parseLine(line)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		lines = append(lines, parsed)
	}

	view, err := s.invoiceSvc.Create(c.Request.Context(), invoicedomain.CreateInvoiceRequest{
		StudentID:      studentID,
		AcademicYearID: yearID,
		Term:           strings.TrimSpace(body.Term),
		Currency:       body.Currency,
		DueDate:        body.DueDate,
		Lines:          lines,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": invoiceResponse(*view)})
}

func parseLine(line invoiceLineRequest) (invoicedomain.LineInput, error) {
	categoryID, err := snowflake.ParseString(strings.TrimSpace(line.CategoryID))
	if err != nil {
		return invoicedomain.LineInput{}, newValidationError("category_id", "invalid_id", "invalid id")
	}
	unitAmount, err := money.Parse(line.UnitAmount)
	if err != nil {
		return invoicedomain.LineInput{}, newValidationError("unit_amount", "invalid_amount", "invalid amount")
	}
	discount := int64(0)
	if strings.TrimSpace(line.DiscountAmount) != "" {
		discount, err = money.Parse(line.DiscountAmount)
		if err != nil {
			return invoicedomain.LineInput{}, newValidationError("discount_amount", "invalid_amount", "invalid amount")
		}
	}
	return invoicedomain.LineInput{
		CategoryID:     categoryID,
		Description:    strings.TrimSpace(line.Description),
		Quantity:       line.Quantity,
		UnitAmount:     unitAmount,
		DiscountAmount: discount,
	}, nil
}

type bulkGenerateRequest struct {
	FeeStructureID string    `json:"fee_structure_id"`
	GradeLevels    []string  `json:"grade_levels"`
	DueDate        time.Time `json:"due_date"`
	BillingPeriod  string    `json:"billing_period"`
}

func (s *Server) BulkGenerateInvoices(c *gin.Context) {
	var body bulkGenerateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	structureID, err := snowflake.ParseString(strings.TrimSpace(body.FeeStructureID))
	if err != nil {
		AbortWithError(c, newValidationError("fee_structure_id", "invalid_id", "invalid id"))
		return
	}

	result, err := s.invoiceSvc.BulkGenerate(c.Request.Context(), invoicedomain.BulkGenerateRequest{
		FeeStructureID: structureID,
		GradeLevels:    body.GradeLevels,
		DueDate:        body.DueDate,
		BillingPeriod:  strings.TrimSpace(body.BillingPeriod),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"invoices_created": result.InvoicesCreated,
		"total_amount":     money.Format(result.TotalAmount),
		"failed":           result.Failed,
	}})
}

func (s *Server) ListInvoices(c *gin.Context) {
	req := invoicedomain.ListInvoicesRequest{}

	if raw := strings.TrimSpace(c.Query("student_id")); raw != "" {
		id, err := snowflake.ParseString(raw)
		if err != nil {
			AbortWithError(c, newValidationError("student_id", "invalid_id", "invalid id"))
			return
		}
		req.StudentID = id
	}
	if raw := strings.TrimSpace(c.Query("academic_year_id")); raw != "" {
		id, err := snowflake.ParseString(raw)
		if err != nil {
			AbortWithError(c, newValidationError("academic_year_id", "invalid_id", "invalid id"))
			return
		}
		req.AcademicYearID = id
	}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status := invoicedomain.PaymentStatus(raw)
		if !status.Valid() {
			AbortWithError(c, newValidationError("status", "invalid_status", "invalid status"))
			return
		}
		req.Status = status
	}
	if raw := strings.TrimSpace(c.Query("due_from")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			AbortWithError(c, newValidationError("due_from", "invalid_date", "invalid date"))
			return
		}
		req.DueFrom = &t
	}
	if raw := strings.TrimSpace(c.Query("due_to")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			AbortWithError(c, newValidationError("due_to", "invalid_date", "invalid date"))
			return
		}
		req.DueTo = &t
	}

	views, err := s.invoiceSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out := make([]gin.H, 0, len(views))
	for _, view := range views {
		out = append(out, invoiceResponse(view))
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (s *Server) GetInvoiceByID(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	view, err := s.invoiceSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": invoiceResponse(*view)})
}

func (s *Server) VoidInvoice(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	view, err := s.invoiceSvc.Void(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": invoiceResponse(*view)})
}

// invoiceResponse renders amounts as fixed-point decimal strings. Minor
// units never leave the API surface.
func invoiceResponse(view invoicedomain.InvoiceView) gin.H {
	lines := make([]gin.H, 0, len(view.Lines))
	for _, line := range view.Lines {
		lines = append(lines, gin.H{
			"id":              line.ID.String(),
			"category_id":     line.CategoryID.String(),
			"description":     line.Description,
			"quantity":        line.Quantity,
			"unit_amount":     money.Format(line.UnitAmount),
			"discount_amount": money.Format(line.DiscountAmount),
			"amount":          money.Format(line.Amount),
		})
	}
	return gin.H{
		"id":                 view.ID.String(),
		"number":             view.Number,
		"student_id":         view.StudentID.String(),
		"academic_year_id":   view.AcademicYearID.String(),
		"term":               view.Term,
		"currency":           view.Currency,
		"total_amount":       money.Format(view.TotalAmount),
		"paid_amount":        money.Format(view.PaidAmount),
		"outstanding_amount": money.Format(view.OutstandingBalance),
		"payment_status":     view.PaymentStatus,
		"due_date":           view.DueDate,
		"voided":             view.Voided,
		"lines":              lines,
		"created_at":         view.CreatedAt,
	}
}
