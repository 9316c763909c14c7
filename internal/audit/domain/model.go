package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	ActorTypeSystem         = "system"
	ActorTypeReconciliation = "reconciliation"
	ActorTypeGateway        = "gateway"
	ActorTypeUser           = "user"
)

// AuditLog records ledger-affecting actions and security events.
type AuditLog struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	SchoolID   snowflake.ID      `gorm:"not null;index"`
	ActorType  string            `gorm:"type:text;not null"`
	Action     string            `gorm:"type:text;not null"`
	TargetType string            `gorm:"type:text;not null"`
	TargetID   string            `gorm:"type:text"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt  time.Time         `gorm:"not null"`
}

func (AuditLog) TableName() string { return "audit_logs" }

type Service interface {
	Record(ctx context.Context, schoolID snowflake.ID, actorType, action, targetType, targetID string, metadata map[string]any) error
}
