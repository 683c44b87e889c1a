package main

import (
	"github.com/alphabatem/common/context"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/lac-hong-legacy/gatekeep/middleware"
	"github.com/lac-hong-legacy/gatekeep/services"
)

// @title Gatekeep Rate Limit API
// @version 1.0
// @description Admission control engine with per-module rate limit policies, manual blocks and audit events

// @securityDefinitions.apikey AdminKey
// @in header
// @name X-Admin-Key
func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("No .env file loaded")
	}

	ctx, err := context.NewCtx(
		&services.PostgresService{},
		&services.RedisService{},

		&services.EventService{},
		&services.BlockService{},
		&services.ConfigService{},
		&services.StoreManagerService{},
		&services.RateLimitService{},

		&middleware.AdminAuthMiddleware{},
		&middleware.RateLimitMiddleware{},

		&services.MonitoringService{},
		&services.HttpService{},
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build service context")
		return
	}

	if err = ctx.Run(); err != nil {
		log.Fatal().Err(err).Msg("Service context exited")
		return
	}
}
