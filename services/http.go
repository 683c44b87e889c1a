package services

import (
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	fiberSwagger "github.com/gofiber/swagger"
	log "github.com/sirupsen/logrus"

	_ "github.com/lac-hong-legacy/gatekeep/docs"
	"github.com/lac-hong-legacy/gatekeep/middleware"
	"github.com/lac-hong-legacy/gatekeep/services/handlers"
	"github.com/lac-hong-legacy/gatekeep/shared"
)

type HttpService struct {
	context.DefaultService

	configSvc *ConfigService
	blockSvc  *BlockService
	engineSvc *RateLimitService
	sqlSvc    *PostgresService

	adminAuth *middleware.AdminAuthMiddleware
	rateLimit *middleware.RateLimitMiddleware

	rateLimitHandler *handlers.RateLimitHandler

	port   int
	server *fiber.App
}

const HTTP_SVC = "http_svc"

func (svc HttpService) Id() string {
	return HTTP_SVC
}

func (svc *HttpService) Configure(ctx *context.Context) error {
	if port := os.Getenv("HTTP_PORT"); port != "" {
		var err error
		if svc.port, err = strconv.Atoi(port); err != nil {
			return err
		}
	} else {
		svc.port = 8000
	}

	return svc.DefaultService.Configure(ctx)
}

func (svc *HttpService) Start() error {
	svc.configSvc = svc.Service(CONFIG_SVC).(*ConfigService)
	svc.blockSvc = svc.Service(BLOCK_SVC).(*BlockService)
	svc.engineSvc = svc.Service(RATE_LIMIT_SVC).(*RateLimitService)
	svc.sqlSvc = svc.Service(POSTGRES_SVC).(*PostgresService)

	svc.adminAuth = svc.Service(middleware.ADMIN_AUTH_MIDDLEWARE_SVC).(*middleware.AdminAuthMiddleware)
	svc.rateLimit = svc.Service(middleware.RATE_LIMIT_MIDDLEWARE_SVC).(*middleware.RateLimitMiddleware)

	svc.rateLimitHandler = handlers.NewRateLimitHandler(svc.configSvc, svc.blockSvc, svc.engineSvc, svc.sqlSvc)

	config := fiber.Config{
		ErrorHandler: svc.errorHandler,
	}

	app := fiber.New(config)
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Admin-Key, X-Admin-User",
		AllowCredentials: false,
	}))
	app.Use(MonitoringMiddleware())

	app.Get("/ping", svc.ping)
	app.Get("/swagger/*", fiberSwagger.HandlerDefault)

	svc.setupRoutes(app)

	app.Use(func(c *fiber.Ctx) error {
		return shared.ResponseNotFound(c)
	})

	svc.server = app

	log.WithField("port", svc.port).Info("HTTP service started")
	return app.Listen(fmt.Sprintf(":%v", svc.port))
}

func (svc *HttpService) setupRoutes(app *fiber.App) {
	v1 := app.Group("/api/v1")

	v1.Get("/ping", svc.ping)
	v1.Get("/health", svc.rateLimitHandler.Health)

	// The admin surface is itself rate limited before authentication so a
	// stolen-key brute force hits the strict module limit.
	admin := v1.Group("/admin",
		svc.rateLimit.Limit(shared.ModuleAPIStrict),
		svc.adminAuth.RequireAdminKey(),
	)

	admin.Get("/configs", svc.rateLimitHandler.ListConfigs)
	admin.Get("/configs/:module", svc.rateLimitHandler.GetConfig)
	admin.Put("/configs/:module", svc.rateLimitHandler.UpdateConfig)

	admin.Get("/blocks", svc.rateLimitHandler.ListBlocks)
	admin.Post("/blocks", svc.rateLimitHandler.CreateBlock)
	admin.Delete("/blocks/:blockId", svc.rateLimitHandler.DeactivateBlock)

	admin.Delete("/limits/:module/:identity", svc.rateLimitHandler.ClearState)
	admin.Delete("/limits/:module", svc.rateLimitHandler.ResetLimits)

	admin.Get("/stats/:module", svc.rateLimitHandler.Stats)
	admin.Get("/events", svc.rateLimitHandler.ListEvents)
}

func (svc *HttpService) Shutdown() {
	if svc.server != nil {
		_ = svc.server.Shutdown()
	}
}

// @Summary Ping
// @Description This endpoint checks the health of the service
// @Tags health
// @Accept json
// @Produce json
// @Success 200 {object} shared.Response{data=string}
// @Router /ping [get]
func (svc *HttpService) ping(c *fiber.Ctx) error {
	c.Set("Cache-Control", "max-age=10")

	return shared.ResponseJSON(c, http.StatusOK, "Success", "pong")
}

func (svc *HttpService) errorHandler(c *fiber.Ctx, err error) error {
	if appErr, ok := shared.GetAppError(err); ok {
		return shared.ResponseJSON(c, appErr.StatusCode, appErr.Message, appErr.Data)
	}

	if fiberErr, ok := err.(*fiber.Error); ok {
		return shared.ResponseJSON(c, fiberErr.Code, fiberErr.Message, nil)
	}

	log.WithField("error", err.Error()).Error("Unhandled request error")
	return shared.ResponseInternalError(c, err)
}
