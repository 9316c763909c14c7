package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shulehub/shulehub/internal/school/domain"
	"gorm.io/gorm"
)

type loader struct {
	db *gorm.DB
}

func Provide(db *gorm.DB) domain.ProfileLoader {
	return &loader{db: db}
}

func (l *loader) LoadProfile(ctx context.Context, schoolID snowflake.ID) (domain.BillingProfile, error) {
	var school domain.School
	err := l.db.WithContext(ctx).
		Where("id = ?", schoolID).
		First(&school).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.BillingProfile{}, domain.ErrNotFound
		}
		return domain.BillingProfile{}, err
	}

	var currencies []string
	if len(school.Currencies) > 0 {
		if err := json.Unmarshal(school.Currencies, &currencies); err != nil {
			return domain.BillingProfile{}, err
		}
	}
	for i, c := range currencies {
		currencies[i] = strings.ToUpper(strings.TrimSpace(c))
	}

	var methods []domain.PaymentMethodConfig
	if err := l.db.WithContext(ctx).
		Where("school_id = ? AND is_active = ?", schoolID, true).
		Order("code").
		Find(&methods).Error; err != nil {
		return domain.BillingProfile{}, err
	}

	grace := time.Duration(school.GatewayGraceMinutes) * time.Minute
	if grace <= 0 {
		grace = 30 * time.Minute
	}

	return domain.BillingProfile{
		SchoolID:           school.ID,
		Currencies:         currencies,
		InvoicePrefix:      school.InvoicePrefix,
		PhoneCountryCode:   school.PhoneCountryCode,
		GatewayGracePeriod: grace,
		Methods:            methods,
	}, nil
}
