package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	appContext "github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"

	"github.com/lac-hong-legacy/gatekeep/dto"
	"github.com/lac-hong-legacy/gatekeep/model"
)

// Fail modes when the counter backend is unavailable. The choice is explicit
// configuration, never an accident of error handling.
const (
	FailOpen   = "open"
	FailClosed = "closed"
)

type configProvider interface {
	GetConfig(module string) (*model.RateLimitPolicy, bool)
}

type blockChecker interface {
	IsBlocked(targetKey, module string) *model.ManualBlock
	DeactivateBlock(id string) (bool, error)
	ActiveCount() int64
}

type storeProvider interface {
	GetStore() CounterStore
	ReportFailure()
}

// RateLimitService is the admission-control engine. It orchestrates config
// lookup, manual-block checks, the atomic counter consume and event emission,
// and turns the result into an allow/deny decision with quota metadata.
//
// Per-key state machine: OPEN -> (count exceeds max) -> BLOCKED ->
// (blockedUntil elapses) -> OPEN. The tipping request is itself counted and
// denied; retries while blocked never extend the sentence.
type RateLimitService struct {
	appContext.DefaultService

	configs  configProvider
	blocks   blockChecker
	stores   storeProvider
	recorder eventRecorder
	sqlSvc   *PostgresService
	manager  *StoreManagerService

	failMode string
	degraded atomic.Bool
}

const RATE_LIMIT_SVC = "rate_limit_svc"

func (svc RateLimitService) Id() string {
	return RATE_LIMIT_SVC
}

func (svc *RateLimitService) Configure(ctx *appContext.Context) error {
	svc.failMode = os.Getenv("RATE_LIMIT_FAIL_MODE")
	if svc.failMode != FailClosed {
		// Default recommended: fail open with a warning, so an unavailable
		// cache does not take down all traffic.
		svc.failMode = FailOpen
	}
	return svc.DefaultService.Configure(ctx)
}

func (svc *RateLimitService) Start() error {
	svc.configs = svc.Service(CONFIG_SVC).(*ConfigService)
	svc.blocks = svc.Service(BLOCK_SVC).(*BlockService)
	svc.manager = svc.Service(STORE_MANAGER_SVC).(*StoreManagerService)
	svc.stores = svc.manager
	svc.recorder = svc.Service(EVENT_SVC).(*EventService)
	svc.sqlSvc = svc.Service(POSTGRES_SVC).(*PostgresService)

	log.WithField("fail_mode", svc.failMode).Info("Rate limit engine started")
	return nil
}

// CheckLimit decides whether one request for (identity, module) is admitted.
// It never returns an error: store failures are absorbed by the configured
// fail mode and surfaced through the Degraded flag and health endpoints.
func (svc *RateLimitService) CheckLimit(ctx context.Context, identity, module string, rctx *dto.RateLimitContext) *dto.RateLimitDecision {
	start := time.Now()

	policy, isDefault := svc.configs.GetConfig(module)
	if isDefault {
		log.WithField("module", module).Debug("No persisted policy, using default")
	}

	// Inactive policy: limiting disabled for the module.
	if !policy.IsActive {
		return &dto.RateLimitDecision{Allowed: true, Remaining: -1}
	}

	// An administrator's explicit decision overrides automatic windowing,
	// so manual blocks short-circuit the counter entirely.
	if block := svc.blocks.IsBlocked(identity, module); block != nil {
		svc.recorder.Record(model.RateLimitEvent{
			Module:   module,
			Key:      identity,
			Kind:     model.EventExceeded,
			Metadata: svc.metadata(rctx, `"manual":true`),
		})
		ratelimitDecisions.WithLabelValues(module, "manual_block").Inc()

		decision := &dto.RateLimitDecision{Allowed: false, Remaining: 0}
		if block.ExpiresAt != nil {
			decision.ResetTime = block.ExpiresAt
			decision.BlockedUntil = block.ExpiresAt
		}
		return decision
	}

	key := CompositeKey(module, identity)
	res, err := svc.stores.GetStore().Consume(ctx, key, policy)
	if err != nil {
		return svc.applyFailMode(module, identity, err)
	}

	if svc.degraded.Swap(false) {
		log.WithField("module", module).Info("Counter store reachable again, leaving degraded mode")
	}

	decision := svc.decide(module, identity, policy, res, rctx)

	ratelimitConsumeDuration.Observe(time.Since(start).Seconds())
	return decision
}

func (svc *RateLimitService) decide(module, identity string, policy *model.RateLimitPolicy, res *ConsumeResult, rctx *dto.RateLimitContext) *dto.RateLimitDecision {
	resetTime := res.WindowStart.Add(policy.Window())

	if res.FirstExceed {
		// First transition over the limit: the block was just set.
		svc.recorder.Record(model.RateLimitEvent{
			Module:   module,
			Key:      identity,
			Kind:     model.EventBlocked,
			Metadata: svc.metadata(rctx, fmt.Sprintf(`"count":%d`, res.Count)),
		})
		ratelimitDecisions.WithLabelValues(module, "blocked").Inc()

		return &dto.RateLimitDecision{
			Allowed:      false,
			Remaining:    0,
			ResetTime:    res.BlockedUntil,
			BlockedUntil: res.BlockedUntil,
		}
	}

	if !res.Allowed {
		if res.BlockedUntil != nil {
			// Still blocked. Lightweight signal only; a duplicate blocked
			// event per retry would amplify the audit log under retry
			// storms.
			log.WithFields(log.Fields{
				"module": module,
				"key":    identity,
			}).Debug("Request denied, block still active")
			ratelimitDecisions.WithLabelValues(module, "blocked").Inc()

			return &dto.RateLimitDecision{
				Allowed:      false,
				Remaining:    0,
				ResetTime:    res.BlockedUntil,
				BlockedUntil: res.BlockedUntil,
			}
		}

		// Over the limit with auto-block disabled (blockMs = 0): deny for
		// the rest of the window. Record the exceed once, on the tipping
		// request.
		if res.Count == policy.MaxRequests+1 {
			svc.recorder.Record(model.RateLimitEvent{
				Module:   module,
				Key:      identity,
				Kind:     model.EventExceeded,
				Metadata: svc.metadata(rctx, fmt.Sprintf(`"count":%d`, res.Count)),
			})
		}
		ratelimitDecisions.WithLabelValues(module, "denied").Inc()

		return &dto.RateLimitDecision{
			Allowed:   false,
			Remaining: 0,
			ResetTime: &resetTime,
		}
	}

	remaining := policy.MaxRequests - res.Count
	if remaining < 0 {
		remaining = 0
	}

	// Warn exactly at the threshold crossing. Counts are monotonic within a
	// window, so this fires once per window, not once per request.
	if policy.WarnThreshold > 0 && remaining == policy.WarnThreshold {
		svc.recorder.Record(model.RateLimitEvent{
			Module:   module,
			Key:      identity,
			Kind:     model.EventWarned,
			Metadata: svc.metadata(rctx, fmt.Sprintf(`"remaining":%d`, remaining)),
		})
	}
	ratelimitDecisions.WithLabelValues(module, "allowed").Inc()

	return &dto.RateLimitDecision{
		Allowed:   true,
		Remaining: remaining,
		ResetTime: &resetTime,
	}
}

// applyFailMode turns a store failure into the configured decision. The
// degraded transition is logged and recorded once, not per request.
func (svc *RateLimitService) applyFailMode(module, identity string, err error) *dto.RateLimitDecision {
	if errors.Is(err, ErrStoreUnavailable) {
		svc.stores.ReportFailure()
	}

	if !svc.degraded.Swap(true) {
		log.WithFields(log.Fields{
			"module":    module,
			"fail_mode": svc.failMode,
			"error":     err.Error(),
		}).Error("Counter store unavailable, entering degraded mode")

		svc.recorder.Record(model.RateLimitEvent{
			Module:   module,
			Key:      identity,
			Kind:     model.EventWarned,
			Metadata: fmt.Sprintf(`{"degraded":true,"fail_mode":"%s"}`, svc.failMode),
		})
	}

	if svc.failMode == FailClosed {
		ratelimitDecisions.WithLabelValues(module, "denied_degraded").Inc()
		return &dto.RateLimitDecision{Allowed: false, Remaining: 0, Degraded: true}
	}

	ratelimitDecisions.WithLabelValues(module, "allowed_degraded").Inc()
	return &dto.RateLimitDecision{Allowed: true, Remaining: -1, Degraded: true}
}

func (svc *RateLimitService) metadata(rctx *dto.RateLimitContext, extra string) string {
	out := "{"
	if rctx != nil {
		if rctx.UserID != "" {
			out += fmt.Sprintf(`"user_id":"%s",`, rctx.UserID)
		}
		if rctx.Email != "" {
			out += fmt.Sprintf(`"email":"%s",`, rctx.Email)
		}
		if rctx.IPAddress != "" {
			out += fmt.Sprintf(`"ip":"%s",`, rctx.IPAddress)
		}
		if rctx.KeyType != "" {
			out += fmt.Sprintf(`"key_type":"%s",`, rctx.KeyType)
		}
	}
	return out + extra + "}"
}

// ==================== ADMIN OPERATIONS ====================

// ClearState removes counter state for one (module, identity) pair. False
// means there was nothing to clear, which is expected, not exceptional.
func (svc *RateLimitService) ClearState(ctx context.Context, module, identity string) (bool, error) {
	removed, err := svc.stores.GetStore().ClearKey(ctx, CompositeKey(module, identity))
	if err != nil {
		return false, err
	}
	if removed {
		svc.recorder.Record(model.RateLimitEvent{
			Module:   module,
			Key:      identity,
			Kind:     model.EventUnblocked,
			Metadata: `{"admin_reset":true}`,
		})
	}
	return removed, nil
}

// ResetLimits removes all counter state for a module.
func (svc *RateLimitService) ResetLimits(ctx context.Context, module string) (int64, error) {
	removed, err := svc.stores.GetStore().ResetModule(ctx, module)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		svc.recorder.Record(model.RateLimitEvent{
			Module:   module,
			Kind:     model.EventUnblocked,
			Metadata: fmt.Sprintf(`{"admin_reset":true,"keys":%d}`, removed),
		})
	}
	return removed, nil
}

func (svc *RateLimitService) DeactivateManualBlock(id string) (bool, error) {
	return svc.blocks.DeactivateBlock(id)
}

func (svc *RateLimitService) Stats(ctx context.Context, module string) (*dto.RateLimitStats, error) {
	tracked, blocked, err := svc.stores.GetStore().Stats(ctx, module)
	if err != nil {
		return nil, err
	}

	backend := svc.stores.GetStore().HealthCheck(ctx).Backend

	return &dto.RateLimitStats{
		Module:        module,
		TrackedKeys:   tracked,
		BlockedKeys:   blocked,
		ActiveBackend: backend,
		ManualBlocks:  svc.blocks.ActiveCount(),
		Timestamp:     time.Now(),
	}, nil
}

func (svc *RateLimitService) HealthCheck(ctx context.Context) dto.EngineHealth {
	health := svc.manager.HealthCheck(ctx, svc.sqlSvc)
	health.Degraded = health.Degraded || svc.degraded.Load()
	return health
}

func (svc *RateLimitService) FailMode() string {
	return svc.failMode
}
