package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	gatewaydomain "github.com/shulehub/shulehub/internal/gateway/domain"
	"github.com/shulehub/shulehub/internal/money"
	paymentdomain "github.com/shulehub/shulehub/internal/payment/domain"
)

type createPaymentRequest struct {
	StudentID   string `json:"student_id"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Method      string `json:"method"`
	PayerPhone  string `json:"payer_phone"`
	ExternalRef string `json:"external_ref"`
}

func (s *Server) CreatePayment(c *gin.Context) {
	var body createPaymentRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	studentID, err := snowflake.ParseString(strings.TrimSpace(body.StudentID))
	if err != nil {
		AbortWithError(c, newValidationError("student_id", "invalid_id", "invalid id"))
		return
	}
	amount, err := money.Parse(body.Amount)
	if err != nil {
		AbortWithError(c, newValidationError("amount", "invalid_amount", "invalid amount"))
		return
	}

	payment, err := s.paymentSvc.Create(c.Request.Context(), paymentdomain.CreatePaymentRequest{
		StudentID:   studentID,
		Amount:      amount,
		Currency:    body.Currency,
		Method:      body.Method,
		PayerPhone:  body.PayerPhone,
		ExternalRef: body.ExternalRef,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": paymentResponse(*payment)})
}

func (s *Server) GetPaymentByID(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	payment, err := s.paymentSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": paymentResponse(*payment)})
}

// CheckPaymentStatus polls the provider for a pending gateway payment.
func (s *Server) CheckPaymentStatus(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	payment, err := s.gatewaySvc.CheckStatus(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": paymentResponse(*payment)})
}

type allocateRequest struct {
	InvoiceID string `json:"invoice_id"`
	Amount    string `json:"amount"`
}

func (s *Server) AllocatePayment(c *gin.Context) {
	paymentID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var body allocateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	invoiceID, err := snowflake.ParseString(strings.TrimSpace(body.InvoiceID))
	if err != nil {
		AbortWithError(c, newValidationError("invoice_id", "invalid_id", "invalid id"))
		return
	}

	var requested *int64
	if strings.TrimSpace(body.Amount) != "" {
		amount, err := money.Parse(body.Amount)
		if err != nil {
			AbortWithError(c, newValidationError("amount", "invalid_amount", "invalid amount"))
			return
		}
		requested = &amount
	}

	result, err := s.allocationSvc.Allocate(c.Request.Context(), paymentID, invoiceID, requested)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"outcome":             result.Outcome,
		"invoice_id":          result.InvoiceID.String(),
		"applied_amount":      money.Format(result.AppliedAmount),
		"invoice_outstanding": money.Format(result.InvoiceOutstanding),
		"payment_remaining":   money.Format(result.PaymentRemaining),
	}})
}

type bulkAllocateRequest struct {
	InvoiceIDs []string `json:"invoice_ids"`
}

func (s *Server) BulkAllocatePayment(c *gin.Context) {
	paymentID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var body bulkAllocateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	invoiceIDs := make([]snowflake.ID, 0, len(body.InvoiceIDs))
	for _, raw := range body.InvoiceIDs {
		id, err := snowflake.ParseString(strings.TrimSpace(raw))
		if err != nil {
			AbortWithError(c, newValidationError("invoice_ids", "invalid_id", "invalid id"))
			return
		}
		invoiceIDs = append(invoiceIDs, id)
	}

	result, err := s.allocationSvc.BulkAllocate(c.Request.Context(), paymentID, invoiceIDs)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	items := make([]gin.H, 0, len(result.Results))
	for _, r := range result.Results {
		items = append(items, gin.H{
			"outcome":             r.Outcome,
			"invoice_id":          r.InvoiceID.String(),
			"applied_amount":      money.Format(r.AppliedAmount),
			"invoice_outstanding": money.Format(r.InvoiceOutstanding),
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"results":           items,
		"payment_remaining": money.Format(result.PaymentRemaining),
	}})
}

type initiateGatewayRequest struct {
	StudentID  string `json:"student_id"`
	Provider   string `json:"provider"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	Method     string `json:"method"`
	PayerPhone string `json:"payer_phone"`
	PayerEmail string `json:"payer_email"`
	ReturnURL  string `json:"return_url"`
	ResultURL  string `json:"result_url"`
}

func (s *Server) InitiateGatewayPayment(c *gin.Context) {
	var body initiateGatewayRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	studentID, err := snowflake.ParseString(strings.TrimSpace(body.StudentID))
	if err != nil {
		AbortWithError(c, newValidationError("student_id", "invalid_id", "invalid id"))
		return
	}
	amount, err := money.Parse(body.Amount)
	if err != nil {
		AbortWithError(c, newValidationError("amount", "invalid_amount", "invalid amount"))
		return
	}

	result, err := s.gatewaySvc.InitiatePayment(c.Request.Context(), gatewaydomain.InitiatePaymentRequest{
		StudentID:  studentID,
		Provider:   strings.ToLower(strings.TrimSpace(body.Provider)),
		Amount:     amount,
		Currency:   body.Currency,
		Method:     body.Method,
		PayerPhone: body.PayerPhone,
		PayerEmail: strings.TrimSpace(body.PayerEmail),
		ReturnURL:  strings.TrimSpace(body.ReturnURL),
		ResultURL:  strings.TrimSpace(body.ResultURL),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": gin.H{
		"payment_id":   result.PaymentID.String(),
		"external_ref": result.ExternalRef,
		"poll_ref":     result.PollRef,
		"redirect_url": result.RedirectURL,
	}})
}

func paymentResponse(payment paymentdomain.Payment) gin.H {
	return gin.H{
		"id":             payment.ID.String(),
		"student_id":     payment.StudentID.String(),
		"amount":         money.Format(payment.Amount),
		"currency":       payment.Currency,
		"method":         payment.Method,
		"provider":       payment.Provider,
		"external_ref":   payment.ExternalRef,
		"provider_ref":   payment.ProviderRef,
		"status":         payment.Status,
		"failure_reason": payment.FailureReason,
		"reconciled":     payment.Reconciled,
		"completed_at":   payment.CompletedAt,
		"created_at":     payment.CreatedAt,
	}
}
