package services

import (
	"sync"
	"time"

	"github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"

	"github.com/lac-hong-legacy/gatekeep/dto"
	"github.com/lac-hong-legacy/gatekeep/model"
	"github.com/lac-hong-legacy/gatekeep/shared"
)

// PolicyStore is the durable side of ConfigService. PostgresService
// implements it; tests use an in-memory fake.
type PolicyStore interface {
	GetPolicy(module string) (*model.RateLimitPolicy, error)
	SavePolicy(policy *model.RateLimitPolicy) error
	ListPolicies() ([]model.RateLimitPolicy, error)
}

// ConfigService loads and caches per-module rate-limit policies. The cache is
// process-local: UpdateConfig invalidates synchronously in this process, other
// replicas converge within refreshEvery (documented staleness window).
type ConfigService struct {
	context.DefaultService

	store    PolicyStore
	recorder eventRecorder

	mutex sync.RWMutex
	cache map[string]*model.RateLimitPolicy

	refreshEvery time.Duration
	done         chan struct{}
	closeOnce    sync.Once
}

const CONFIG_SVC = "config_svc"

func (svc ConfigService) Id() string {
	return CONFIG_SVC
}

func (svc *ConfigService) Configure(ctx *context.Context) error {
	svc.cache = make(map[string]*model.RateLimitPolicy)
	svc.refreshEvery = 5 * time.Minute
	svc.done = make(chan struct{})
	return svc.DefaultService.Configure(ctx)
}

func (svc *ConfigService) Start() error {
	svc.store = svc.Service(POSTGRES_SVC).(*PostgresService)
	svc.recorder = svc.Service(EVENT_SVC).(*EventService)

	if err := svc.seedDefaults(); err != nil {
		return err
	}

	go svc.refreshLoop()
	return nil
}

func (svc *ConfigService) Shutdown() {
	svc.closeOnce.Do(func() {
		close(svc.done)
	})
}

// DefaultPolicy is returned for modules without a persisted record. Callers
// can tell it apart via the bool returned by GetConfig and may choose to
// persist it.
func DefaultPolicy(module string) *model.RateLimitPolicy {
	return &model.RateLimitPolicy{
		Module:        module,
		MaxRequests:   100,
		WindowMs:      60_000,
		BlockMs:       300_000,
		WarnThreshold: 10,
		Description:   "Default policy",
		IsActive:      true,
	}
}

var seedPolicies = []model.RateLimitPolicy{
	{Module: shared.ModuleAuthLogin, MaxRequests: 10, WindowMs: 900_000, BlockMs: 1_800_000, WarnThreshold: 2, Description: "Login attempts rate limit", IsActive: true},
	{Module: shared.ModuleChat, MaxRequests: 60, WindowMs: 60_000, BlockMs: 600_000, WarnThreshold: 5, Description: "Chat message rate limit", IsActive: true},
	{Module: shared.ModuleAds, MaxRequests: 20, WindowMs: 3_600_000, BlockMs: 21_600_000, WarnThreshold: 3, Description: "Ad interaction rate limit", IsActive: true},
	{Module: shared.ModuleAPI, MaxRequests: 1000, WindowMs: 3_600_000, BlockMs: 3_600_000, WarnThreshold: 50, Description: "General API rate limit per IP", IsActive: true},
	{Module: shared.ModuleAPIStrict, MaxRequests: 100, WindowMs: 600_000, BlockMs: 86_400_000, WarnThreshold: 10, Description: "Strict rate limit for abuse prevention", IsActive: true},
}

// SeedPolicies returns copies of the stock policies, for the seed command.
func SeedPolicies() []model.RateLimitPolicy {
	out := make([]model.RateLimitPolicy, len(seedPolicies))
	copy(out, seedPolicies)
	return out
}

// seedDefaults persists the stock policies for modules that have no record
// yet, so the admin listing is populated on first boot.
func (svc *ConfigService) seedDefaults() error {
	for i := range seedPolicies {
		seed := seedPolicies[i]

		existing, err := svc.store.GetPolicy(seed.Module)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}

		if err := svc.store.SavePolicy(&seed); err != nil {
			return err
		}
		log.WithField("module", seed.Module).Info("Seeded default rate limit policy")
	}
	return nil
}

// GetConfig returns the module's policy. The second return is true when no
// persisted record exists and the hard-coded default was substituted.
func (svc *ConfigService) GetConfig(module string) (*model.RateLimitPolicy, bool) {
	svc.mutex.RLock()
	cached, ok := svc.cache[module]
	svc.mutex.RUnlock()
	if ok {
		return cached, false
	}

	policy, err := svc.store.GetPolicy(module)
	if err != nil {
		log.WithFields(log.Fields{
			"module": module,
			"error":  err.Error(),
		}).Warn("Policy lookup failed, using default")
		return DefaultPolicy(module), true
	}

	if policy == nil {
		return DefaultPolicy(module), true
	}

	svc.mutex.Lock()
	svc.cache[module] = policy
	svc.mutex.Unlock()

	return policy, false
}

// UpdateConfig validates and persists a partial policy update. Failures are
// reported as false plus a logged diagnostic, never an error across the
// engine boundary; the prior config stays in effect.
func (svc *ConfigService) UpdateConfig(module string, req dto.UpdatePolicyRequest) bool {
	if err := req.Validate(); err != nil {
		log.WithFields(log.Fields{
			"module": module,
			"error":  err.Error(),
		}).Warn("Rejected invalid rate limit policy update")
		return false
	}

	policy, err := svc.store.GetPolicy(module)
	if err != nil {
		log.WithFields(log.Fields{
			"module": module,
			"error":  err.Error(),
		}).Error("Failed to load policy for update")
		return false
	}
	if policy == nil {
		policy = DefaultPolicy(module)
	}

	if req.MaxRequests != nil {
		policy.MaxRequests = *req.MaxRequests
	}
	if req.WindowMs != nil {
		policy.WindowMs = *req.WindowMs
	}
	if req.BlockMs != nil {
		policy.BlockMs = *req.BlockMs
	}
	if req.WarnThreshold != nil {
		policy.WarnThreshold = *req.WarnThreshold
	}
	if req.Description != nil {
		policy.Description = *req.Description
	}
	if req.IsActive != nil {
		policy.IsActive = *req.IsActive
	}

	if err := svc.store.SavePolicy(policy); err != nil {
		log.WithFields(log.Fields{
			"module": module,
			"error":  err.Error(),
		}).Error("Failed to persist policy update")
		return false
	}

	// Invalidate before returning so reads in this process see fresh data.
	svc.mutex.Lock()
	delete(svc.cache, module)
	svc.mutex.Unlock()

	svc.recorder.Record(model.RateLimitEvent{
		Module: module,
		Kind:   model.EventConfigChanged,
	})

	return true
}

func (svc *ConfigService) GetAllConfigs() ([]model.RateLimitPolicy, error) {
	return svc.store.ListPolicies()
}

// refreshLoop drops the whole cache periodically so config updates made by
// other replicas eventually take effect here.
func (svc *ConfigService) refreshLoop() {
	ticker := time.NewTicker(svc.refreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			svc.mutex.Lock()
			svc.cache = make(map[string]*model.RateLimitPolicy)
			svc.mutex.Unlock()
		case <-svc.done:
			return
		}
	}
}
