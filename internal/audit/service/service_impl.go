package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shulehub/shulehub/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
	}
}

// Record writes an audit entry. A failed write is logged, never propagated:
// the business operation it describes has already happened.
func (s *Service) Record(ctx context.Context, schoolID snowflake.ID, actorType, action, targetType, targetID string, metadata map[string]any) error {
	entry := domain.AuditLog{
		ID:         s.genID.Generate(),
		SchoolID:   schoolID,
		ActorType:  actorType,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Metadata:   datatypes.JSONMap(metadata),
		CreatedAt:  time.Now().UTC(),
	}
	if entry.Metadata == nil {
		entry.Metadata = datatypes.JSONMap{}
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		s.log.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("target_type", targetType),
			zap.Error(err),
		)
	}
	return nil
}
