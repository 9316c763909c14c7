// Package domain holds the per-school billing profile. The profile is an
// immutable value loaded per request and passed explicitly into engine
// calls; there is no process-wide mutable configuration.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

var ErrNotFound = errors.New("school_not_found")

// School is the tenant row. Only billing-relevant settings live here.
type School struct {
	ID                  snowflake.ID   `gorm:"primaryKey"`
	Name                string         `gorm:"type:text;not null"`
	Currencies          datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'"`
	InvoicePrefix       string         `gorm:"type:text;not null;default:'INV'"`
	PhoneCountryCode    string         `gorm:"type:text;not null;default:'263'"`
	GatewayGraceMinutes int            `gorm:"not null;default:30"`
	CreatedAt           time.Time      `gorm:"not null"`
	UpdatedAt           time.Time      `gorm:"not null"`
}

func (School) TableName() string { return "schools" }

// PaymentMethodConfig describes an accepted payment channel.
type PaymentMethodConfig struct {
	ID                snowflake.ID `gorm:"primaryKey"`
	SchoolID          snowflake.ID `gorm:"not null;index;uniqueIndex:ux_method_school_code"`
	Code              string       `gorm:"type:text;not null;uniqueIndex:ux_method_school_code"`
	Provider          string       `gorm:"type:text"`
	FeeBasisPoints    int64        `gorm:"not null;default:0"`
	RequiresReference bool         `gorm:"not null;default:false"`
	RequiresPhone     bool         `gorm:"not null;default:false"`
	IsActive          bool         `gorm:"not null;default:true"`
	CreatedAt         time.Time    `gorm:"not null"`
}

func (PaymentMethodConfig) TableName() string { return "payment_method_configs" }

// BillingProfile is the immutable per-school view the ledger engines consume.
type BillingProfile struct {
	SchoolID           snowflake.ID
	Currencies         []string
	InvoicePrefix      string
	PhoneCountryCode   string
	GatewayGracePeriod time.Duration
	Methods            []PaymentMethodConfig
}

// SupportsCurrency reports whether the school accepts the given ISO code.
func (p BillingProfile) SupportsCurrency(code string) bool {
	for _, c := range p.Currencies {
		if c == code {
			return true
		}
	}
	return false
}

// Method returns the active method config for a channel code.
func (p BillingProfile) Method(code string) (PaymentMethodConfig, bool) {
	for _, m := range p.Methods {
		if m.Code == code && m.IsActive {
			return m, true
		}
	}
	return PaymentMethodConfig{}, false
}

type ProfileLoader interface {
	LoadProfile(ctx context.Context, schoolID snowflake.ID) (BillingProfile, error)
}
