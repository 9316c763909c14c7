package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/shulehub/shulehub/internal/money"
	paymentdomain "github.com/shulehub/shulehub/internal/payment/domain"
	reconciliationdomain "github.com/shulehub/shulehub/internal/reconciliation/domain"
)

type statementEntryRequest struct {
	ExternalRef string    `json:"external_ref"`
	Amount      string    `json:"amount"`
	Date        time.Time `json:"date"`
}

type importStatementRequest struct {
	Entries []statementEntryRequest `json:"entries"`
}

func (s *Server) ImportStatement(c *gin.Context) {
	var body importStatementRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	entries := make([]reconciliationdomain.ExternalEntry, 0, len(body.Entries))
	for _, entry := range body.Entries {
		amount, err := money.Parse(entry.Amount)
		if err != nil {
			AbortWithError(c, newValidationError("amount", "invalid_amount", "invalid amount"))
			return
		}
		entries = append(entries, reconciliationdomain.ExternalEntry{
			ExternalRef: strings.TrimSpace(entry.ExternalRef),
			Amount:      amount,
			Date:        entry.Date,
		})
	}

	result, err := s.reconciliationSvc.ImportStatement(c.Request.Context(), entries)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	unmatched := make([]gin.H, 0, len(result.Unmatched))
	for _, entry := range result.Unmatched {
		unmatched = append(unmatched, gin.H{
			"external_ref": entry.ExternalRef,
			"amount":       money.Format(entry.Amount),
			"date":         entry.Date,
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"matched_count":   result.MatchedCount,
		"already_matched": result.AlreadyMatched,
		"unmatched":       unmatched,
	}})
}

type markReconciledRequest struct {
	PaymentIDs []string `json:"payment_ids"`
}

func (s *Server) MarkReconciled(c *gin.Context) {
	var body markReconciledRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	ids := make([]snowflake.ID, 0, len(body.PaymentIDs))
	for _, raw := range body.PaymentIDs {
		id, err := snowflake.ParseString(strings.TrimSpace(raw))
		if err != nil {
			AbortWithError(c, newValidationError("payment_ids", "invalid_id", "invalid id"))
			return
		}
		ids = append(ids, id)
	}

	result, err := s.reconciliationSvc.MarkReconciled(c.Request.Context(), ids)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

type overrideStatusRequest struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
}

func (s *Server) OverridePaymentStatus(c *gin.Context) {
	var body overrideStatusRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	paymentID, err := snowflake.ParseString(strings.TrimSpace(body.PaymentID))
	if err != nil {
		AbortWithError(c, newValidationError("payment_id", "invalid_id", "invalid id"))
		return
	}

	payment, err := s.reconciliationSvc.OverrideStatus(c.Request.Context(), paymentID,
		paymentdomain.Status(strings.TrimSpace(body.Status)), strings.TrimSpace(body.Reason))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": paymentResponse(*payment)})
}
