package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	allocationdomain "github.com/shulehub/shulehub/internal/allocation/domain"
	feedomain "github.com/shulehub/shulehub/internal/feecatalog/domain"
	gatewaydomain "github.com/shulehub/shulehub/internal/gateway/domain"
	invoicedomain "github.com/shulehub/shulehub/internal/invoice/domain"
	"github.com/shulehub/shulehub/internal/money"
	paymentdomain "github.com/shulehub/shulehub/internal/payment/domain"
	reconciliationdomain "github.com/shulehub/shulehub/internal/reconciliation/domain"
	schooldomain "github.com/shulehub/shulehub/internal/school/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrConflict       = errors.New("conflict")
	ErrInternal       = errors.New("internal_error")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		if status == http.StatusBadGateway {
			c.Header("Retry-After", "30")
		}
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: "invalid value",
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, gatewaydomain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, gatewaydomain.ErrProviderUnavailable):
		return http.StatusBadGateway, errorPayload{
			Type:    "provider_unavailable",
			Message: "payment provider unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, money.ErrInvalidAmount):
		return true
	case errors.Is(err, invoicedomain.ErrInvalidLine),
		errors.Is(err, invoicedomain.ErrNoLines),
		errors.Is(err, invoicedomain.ErrInvalidDueDate),
		errors.Is(err, invoicedomain.ErrUnsupportedCurrency):
		return true
	case errors.Is(err, feedomain.ErrInvalidCategory),
		errors.Is(err, feedomain.ErrInvalidFrequency),
		errors.Is(err, feedomain.ErrInvalidAmount),
		errors.Is(err, feedomain.ErrUnsupportedCurrency),
		errors.Is(err, feedomain.ErrNoGradeLevels):
		return true
	case errors.Is(err, paymentdomain.ErrInvalidAmount),
		errors.Is(err, paymentdomain.ErrUnsupportedCurrency),
		errors.Is(err, paymentdomain.ErrUnknownMethod),
		errors.Is(err, paymentdomain.ErrMissingReference),
		errors.Is(err, paymentdomain.ErrInvalidPhone),
		errors.Is(err, paymentdomain.ErrInvalidStatus):
		return true
	case errors.Is(err, reconciliationdomain.ErrEmptyStatement),
		errors.Is(err, reconciliationdomain.ErrInvalidEntry),
		errors.Is(err, reconciliationdomain.ErrStatementTooLarge):
		return true
	case errors.Is(err, gatewaydomain.ErrInvalidPayload),
		errors.Is(err, gatewaydomain.ErrInvalidEvent):
		return true
	default:
		return false
	}
}

// isConflictError covers requests that are well formed but collide with
// current ledger state.
func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrConflict):
		return true
	case errors.Is(err, feedomain.ErrDuplicateCode),
		errors.Is(err, feedomain.ErrCategoryInUse),
		errors.Is(err, feedomain.ErrDefaultExists):
		return true
	case errors.Is(err, invoicedomain.ErrAlreadyVoided),
		errors.Is(err, invoicedomain.ErrVoidWithPayments):
		return true
	case errors.Is(err, paymentdomain.ErrTerminalStatus):
		return true
	case errors.Is(err, allocationdomain.ErrPaymentNotCompleted),
		errors.Is(err, allocationdomain.ErrInvoiceVoided),
		errors.Is(err, allocationdomain.ErrNothingToAllocate):
		return true
	case errors.Is(err, gatewaydomain.ErrNoPollRef),
		errors.Is(err, gatewaydomain.ErrEventAlreadyProcessed):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, invoicedomain.ErrNotFound),
		errors.Is(err, invoicedomain.ErrStudentNotFound),
		errors.Is(err, feedomain.ErrNotFound),
		errors.Is(err, paymentdomain.ErrNotFound),
		errors.Is(err, schooldomain.ErrNotFound),
		errors.Is(err, allocationdomain.ErrPaymentNotFound),
		errors.Is(err, allocationdomain.ErrInvoiceNotFound),
		errors.Is(err, gatewaydomain.ErrProviderNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	if errors.Is(err, ErrInvalidRequest) {
		return "invalid_request"
	}
	return err.Error()
}

func validationErrorField(code string) string {
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	if code == "invalid_request" {
		return "request"
	}
	return ""
}
