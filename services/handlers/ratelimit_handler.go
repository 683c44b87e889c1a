package handlers

import (
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/lac-hong-legacy/gatekeep/dto"
	"github.com/lac-hong-legacy/gatekeep/shared"
)

type RateLimitHandler struct {
	configSvc ConfigServiceInterface
	blockSvc  BlockServiceInterface
	engineSvc EngineServiceInterface
	eventSvc  EventStoreInterface
}

func NewRateLimitHandler(configSvc ConfigServiceInterface, blockSvc BlockServiceInterface, engineSvc EngineServiceInterface, eventSvc EventStoreInterface) *RateLimitHandler {
	return &RateLimitHandler{
		configSvc: configSvc,
		blockSvc:  blockSvc,
		engineSvc: engineSvc,
		eventSvc:  eventSvc,
	}
}

// @Summary List rate limit policies
// @Description Get all persisted rate limit policies
// @Tags admin
// @Accept json
// @Produce json
// @Security AdminKey
// @Success 200 {object} shared.Response{data=[]model.RateLimitPolicy}
// @Router /api/v1/admin/configs [get]
func (h *RateLimitHandler) ListConfigs(c *fiber.Ctx) error {
	policies, err := h.configSvc.GetAllConfigs()
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "Policies retrieved successfully", policies)
}

// @Summary Get rate limit policy
// @Description Get the effective policy for a module (default if none persisted)
// @Tags admin
// @Accept json
// @Produce json
// @Security AdminKey
// @Param module path string true "Module name"
// @Success 200 {object} shared.Response{data=model.RateLimitPolicy}
// @Router /api/v1/admin/configs/{module} [get]
func (h *RateLimitHandler) GetConfig(c *fiber.Ctx) error {
	module := c.Params("module")
	if module == "" {
		return shared.ResponseJSON(c, http.StatusBadRequest, "Module is required", nil)
	}

	policy, isDefault := h.configSvc.GetConfig(module)

	return shared.ResponseJSON(c, http.StatusOK, "Policy retrieved successfully", fiber.Map{
		"policy":     policy,
		"is_default": isDefault,
	})
}

// @Summary Update rate limit policy
// @Description Update the policy for a module; omitted fields keep their value
// @Tags admin
// @Accept json
// @Produce json
// @Security AdminKey
// @Param module path string true "Module name"
// @Param updateRequest body dto.UpdatePolicyRequest true "Policy fields to update"
// @Success 200 {object} shared.Response{data=model.RateLimitPolicy}
// @Router /api/v1/admin/configs/{module} [put]
func (h *RateLimitHandler) UpdateConfig(c *fiber.Ctx) error {
	module := c.Params("module")
	if module == "" {
		return shared.ResponseJSON(c, http.StatusBadRequest, "Module is required", nil)
	}

	var req dto.UpdatePolicyRequest
	if err := c.BodyParser(&req); err != nil {
		return shared.ResponseJSON(c, http.StatusBadRequest, "Invalid request", err.Error())
	}

	if err := req.Validate(); err != nil {
		validationResp := dto.CreateValidationErrorResponse(err)
		return c.Status(fiber.StatusBadRequest).JSON(validationResp)
	}

	if !h.configSvc.UpdateConfig(module, req) {
		return shared.ResponseJSON(c, http.StatusUnprocessableEntity, "Policy update rejected", nil)
	}

	policy, _ := h.configSvc.GetConfig(module)
	return shared.ResponseJSON(c, http.StatusOK, "Policy updated successfully", policy)
}

// @Summary List manual blocks
// @Description Get all active manual blocks
// @Tags admin
// @Accept json
// @Produce json
// @Security AdminKey
// @Success 200 {object} shared.Response{data=[]model.ManualBlock}
// @Router /api/v1/admin/blocks [get]
func (h *RateLimitHandler) ListBlocks(c *fiber.Ctx) error {
	return shared.ResponseJSON(c, http.StatusOK, "Blocks retrieved successfully", h.blockSvc.ListBlocks())
}

// @Summary Create manual block
// @Description Block a user or IP, optionally scoped to one module
// @Tags admin
// @Accept json
// @Produce json
// @Security AdminKey
// @Param blockRequest body dto.CreateBlockRequest true "Block details"
// @Success 201 {object} shared.Response{data=model.ManualBlock}
// @Router /api/v1/admin/blocks [post]
func (h *RateLimitHandler) CreateBlock(c *fiber.Ctx) error {
	var req dto.CreateBlockRequest
	if err := c.BodyParser(&req); err != nil {
		return shared.ResponseJSON(c, http.StatusBadRequest, "Invalid request", err.Error())
	}

	if err := req.Validate(); err != nil {
		validationResp := dto.CreateValidationErrorResponse(err)
		return c.Status(fiber.StatusBadRequest).JSON(validationResp)
	}

	createdBy := c.Get("X-Admin-User")
	if createdBy == "" {
		createdBy = "admin"
	}

	block, err := h.blockSvc.CreateBlock(req.TargetKey, req.Module, req.Reason, createdBy, req.ExpiresAt)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusCreated, "Block created successfully", block)
}

// @Summary Deactivate manual block
// @Description Lift a manual block by id
// @Tags admin
// @Accept json
// @Produce json
// @Security AdminKey
// @Param blockId path string true "Block ID"
// @Success 200 {object} shared.Response{data=nil}
// @Router /api/v1/admin/blocks/{blockId} [delete]
func (h *RateLimitHandler) DeactivateBlock(c *fiber.Ctx) error {
	blockID := c.Params("blockId")
	if blockID == "" {
		return shared.ResponseJSON(c, http.StatusBadRequest, "Block ID is required", nil)
	}

	changed, err := h.blockSvc.DeactivateBlock(blockID)
	if err != nil {
		return err
	}
	if !changed {
		return shared.ResponseJSON(c, http.StatusNotFound, "Block not found or already inactive", nil)
	}

	return shared.ResponseJSON(c, http.StatusOK, "Block deactivated successfully", nil)
}

// @Summary Clear counter state for a key
// @Description Remove window and block state for one identity in one module
// @Tags admin
// @Accept json
// @Produce json
// @Security AdminKey
// @Param module path string true "Module name"
// @Param identity path string true "User ID or IP"
// @Success 200 {object} shared.Response{data=nil}
// @Router /api/v1/admin/limits/{module}/{identity} [delete]
func (h *RateLimitHandler) ClearState(c *fiber.Ctx) error {
	module := c.Params("module")
	identity := c.Params("identity")
	if module == "" || identity == "" {
		return shared.ResponseJSON(c, http.StatusBadRequest, "Module and identity are required", nil)
	}

	removed, err := h.engineSvc.ClearState(c.UserContext(), module, identity)
	if err != nil {
		return shared.NewServiceUnavailableError(err, "Counter store unavailable")
	}
	if !removed {
		return shared.ResponseJSON(c, http.StatusNotFound, "No state for key", nil)
	}

	return shared.ResponseJSON(c, http.StatusOK, "State cleared successfully", nil)
}

// @Summary Reset all limits for a module
// @Description Remove counter state for every key in the module
// @Tags admin
// @Accept json
// @Produce json
// @Security AdminKey
// @Param module path string true "Module name"
// @Success 200 {object} shared.Response{data=nil}
// @Router /api/v1/admin/limits/{module} [delete]
func (h *RateLimitHandler) ResetLimits(c *fiber.Ctx) error {
	module := c.Params("module")
	if module == "" {
		return shared.ResponseJSON(c, http.StatusBadRequest, "Module is required", nil)
	}

	removed, err := h.engineSvc.ResetLimits(c.UserContext(), module)
	if err != nil {
		return shared.NewServiceUnavailableError(err, "Counter store unavailable")
	}

	return shared.ResponseJSON(c, http.StatusOK, "Limits reset successfully", fiber.Map{"keys_removed": removed})
}

// @Summary Rate limit stats
// @Description Tracked and blocked key counts for a module
// @Tags admin
// @Accept json
// @Produce json
// @Security AdminKey
// @Param module path string true "Module name"
// @Success 200 {object} shared.Response{data=dto.RateLimitStats}
// @Router /api/v1/admin/stats/{module} [get]
func (h *RateLimitHandler) Stats(c *fiber.Ctx) error {
	module := c.Params("module")
	if module == "" {
		return shared.ResponseJSON(c, http.StatusBadRequest, "Module is required", nil)
	}

	stats, err := h.engineSvc.Stats(c.UserContext(), module)
	if err != nil {
		return shared.NewServiceUnavailableError(err, "Counter store unavailable")
	}

	return shared.ResponseJSON(c, http.StatusOK, "Stats retrieved successfully", stats)
}

// @Summary List audit events
// @Description Rate limit events, newest first, optionally filtered by module
// @Tags admin
// @Accept json
// @Produce json
// @Security AdminKey
// @Param module query string false "Module filter"
// @Param page query int false "Page number" default(1)
// @Param limit query int false "Items per page" default(50)
// @Success 200 {object} shared.Response{data=[]model.RateLimitEvent}
// @Router /api/v1/admin/events [get]
func (h *RateLimitHandler) ListEvents(c *fiber.Ctx) error {
	module := c.Query("module")
	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", "50"))

	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}

	events, total, err := h.eventSvc.ListEvents(module, page, limit)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "Events retrieved successfully", fiber.Map{
		"events": events,
		"total":  total,
		"page":   page,
		"limit":  limit,
	})
}

// @Summary Engine health
// @Description Health of the counter stores and durable backend
// @Tags health
// @Accept json
// @Produce json
// @Success 200 {object} shared.Response{data=dto.EngineHealth}
// @Router /api/v1/health [get]
func (h *RateLimitHandler) Health(c *fiber.Ctx) error {
	health := h.engineSvc.HealthCheck(c.UserContext())

	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}

	return shared.ResponseJSON(c, status, "Health check", fiber.Map{
		"health":    health,
		"fail_mode": h.engineSvc.FailMode(),
	})
}
