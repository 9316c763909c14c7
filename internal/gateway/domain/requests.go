package domain

import "github.com/bwmarrin/snowflake"

// InitiatePaymentRequest records the payment and starts provider
// collection in one operation.
type InitiatePaymentRequest struct {
	StudentID  snowflake.ID
	Provider   string
	Amount     int64
	Currency   string
	Method     string
	PayerPhone string
	PayerEmail string
	ReturnURL  string
	ResultURL  string
}

type InitiatePaymentResult struct {
	PaymentID   snowflake.ID
	ExternalRef string
	PollRef     string
	RedirectURL string
}
