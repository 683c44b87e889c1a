package handlers

import (
	"context"
	"time"

	"github.com/lac-hong-legacy/gatekeep/dto"
	"github.com/lac-hong-legacy/gatekeep/model"
)

type ConfigServiceInterface interface {
	GetConfig(module string) (*model.RateLimitPolicy, bool)
	UpdateConfig(module string, req dto.UpdatePolicyRequest) bool
	GetAllConfigs() ([]model.RateLimitPolicy, error)
}

type BlockServiceInterface interface {
	CreateBlock(targetKey, module, reason, createdBy string, expiresAt *time.Time) (*model.ManualBlock, error)
	DeactivateBlock(id string) (bool, error)
	ListBlocks() []model.ManualBlock
}

type EngineServiceInterface interface {
	ClearState(ctx context.Context, module, identity string) (bool, error)
	ResetLimits(ctx context.Context, module string) (int64, error)
	Stats(ctx context.Context, module string) (*dto.RateLimitStats, error)
	HealthCheck(ctx context.Context) dto.EngineHealth
	FailMode() string
}

type EventStoreInterface interface {
	ListEvents(module string, page, limit int) ([]model.RateLimitEvent, int64, error)
}
