package services

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	appContext "github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"

	"github.com/lac-hong-legacy/gatekeep/dto"
	"github.com/lac-hong-legacy/gatekeep/model"
)

// blockResyncer lets the manager reload manual blocks after a failover
// without depending on the whole BlockService.
type blockResyncer interface {
	Resync() error
}

// StoreManagerService owns the counter stores: it instantiates the configured
// primary, watches its health, and swaps in the in-memory fallback when the
// primary fails. The swap is explicit and observable (backend identity,
// failover event, metric) rather than a silent degradation. Counts held by
// the failed store are lost; the new store is authoritative from the switch
// onward.
type StoreManagerService struct {
	appContext.DefaultService

	redisSvc *RedisService
	blocks   blockResyncer
	recorder eventRecorder

	mutex    sync.RWMutex
	active   CounterStore
	primary  CounterStore
	fallback CounterStore

	onFallback      bool
	recoveredChecks int

	checkEvery   time.Duration
	recoverAfter int
	done         chan struct{}
	closeOnce    sync.Once
}

const STORE_MANAGER_SVC = "store_manager_svc"

func (svc StoreManagerService) Id() string {
	return STORE_MANAGER_SVC
}

func (svc *StoreManagerService) Configure(ctx *appContext.Context) error {
	svc.checkEvery = 10 * time.Second
	if v := os.Getenv("STORE_HEALTH_INTERVAL_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			svc.checkEvery = time.Duration(sec) * time.Second
		}
	}
	svc.recoverAfter = 3
	svc.done = make(chan struct{})
	return svc.DefaultService.Configure(ctx)
}

func (svc *StoreManagerService) Start() error {
	svc.redisSvc = svc.Service(REDIS_SVC).(*RedisService)
	svc.blocks = svc.Service(BLOCK_SVC).(*BlockService)
	svc.recorder = svc.Service(EVENT_SVC).(*EventService)

	svc.fallback = NewMemoryCounterStore()

	backend := os.Getenv("COUNTER_BACKEND")
	if backend == "" {
		backend = RedisBackend
	}

	switch backend {
	case RedisBackend:
		svc.primary = NewRedisCounterStore(svc.redisSvc.GetClient(), 2*time.Second)
	case MemoryBackend:
		svc.primary = svc.fallback
	default:
		log.WithField("backend", backend).Warn("Unknown COUNTER_BACKEND, using redis")
		svc.primary = NewRedisCounterStore(svc.redisSvc.GetClient(), 2*time.Second)
	}

	svc.active = svc.primary

	// Start degraded when the primary is already down at boot.
	if !svc.primary.HealthCheck(context.Background()).Healthy {
		svc.switchToFallback("primary unhealthy at startup")
	}

	go svc.monitor()

	log.WithField("backend", svc.ActiveBackend()).Info("Counter store manager started")
	return nil
}

func (svc *StoreManagerService) Shutdown() {
	svc.closeOnce.Do(func() {
		close(svc.done)
	})

	svc.mutex.Lock()
	defer svc.mutex.Unlock()
	if svc.primary != nil {
		svc.primary.Shutdown()
	}
	if svc.fallback != nil && svc.fallback != svc.primary {
		svc.fallback.Shutdown()
	}
}

// GetStore returns the currently active counter store.
func (svc *StoreManagerService) GetStore() CounterStore {
	svc.mutex.RLock()
	defer svc.mutex.RUnlock()
	return svc.active
}

func (svc *StoreManagerService) ActiveBackend() string {
	return svc.GetStore().HealthCheck(context.Background()).Backend
}

// OnFallback reports whether the manager has switched away from the primary.
func (svc *StoreManagerService) OnFallback() bool {
	svc.mutex.RLock()
	defer svc.mutex.RUnlock()
	return svc.onFallback
}

// ReportFailure is called by the engine when a consume hit a
// store-unavailable error, so failover does not wait for the next health
// tick. The switch still happens at most once per transition.
func (svc *StoreManagerService) ReportFailure() {
	svc.mutex.RLock()
	already := svc.onFallback
	svc.mutex.RUnlock()
	if already {
		return
	}

	if !svc.primary.HealthCheck(context.Background()).Healthy {
		svc.switchToFallback("consume failure reported")
	}
}

func (svc *StoreManagerService) switchToFallback(reason string) {
	svc.mutex.Lock()
	if svc.onFallback || svc.primary == svc.fallback {
		svc.mutex.Unlock()
		return
	}
	svc.active = svc.fallback
	svc.onFallback = true
	svc.recoveredChecks = 0
	svc.mutex.Unlock()

	log.WithField("reason", reason).Error("Counter store failover: switched to in-memory fallback")
	ratelimitStoreFailovers.Inc()
	ratelimitActiveBackend.Set(0)

	svc.recorder.Record(model.RateLimitEvent{
		Kind:     model.EventStoreFailover,
		Metadata: `{"to":"` + MemoryBackend + `","reason":"` + reason + `"}`,
	})

	// Manual blocks must survive a counter-store failure.
	if err := svc.blocks.Resync(); err != nil {
		log.WithField("error", err.Error()).Error("Manual block resync after failover failed")
	}
}

func (svc *StoreManagerService) switchToPrimary() {
	svc.mutex.Lock()
	if !svc.onFallback {
		svc.mutex.Unlock()
		return
	}
	svc.active = svc.primary
	svc.onFallback = false
	svc.recoveredChecks = 0
	svc.mutex.Unlock()

	log.Info("Counter store recovered: switched back to primary")
	ratelimitActiveBackend.Set(1)

	svc.recorder.Record(model.RateLimitEvent{
		Kind:     model.EventStoreFailover,
		Metadata: `{"to":"` + RedisBackend + `","reason":"primary recovered"}`,
	})
}

func (svc *StoreManagerService) monitor() {
	ticker := time.NewTicker(svc.checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			svc.checkOnce()
		case <-svc.done:
			return
		}
	}
}

func (svc *StoreManagerService) checkOnce() {
	healthy := svc.primary.HealthCheck(context.Background()).Healthy

	svc.mutex.RLock()
	onFallback := svc.onFallback
	svc.mutex.RUnlock()

	switch {
	case !onFallback && !healthy:
		svc.switchToFallback("health check failed")
	case onFallback && healthy:
		svc.mutex.Lock()
		svc.recoveredChecks++
		ready := svc.recoveredChecks >= svc.recoverAfter
		svc.mutex.Unlock()
		if ready {
			svc.switchToPrimary()
		}
	case onFallback && !healthy:
		svc.mutex.Lock()
		svc.recoveredChecks = 0
		svc.mutex.Unlock()
	}
}

// HealthCheck aggregates counter-store and durable-backend health.
func (svc *StoreManagerService) HealthCheck(ctx context.Context, durable *PostgresService) dto.EngineHealth {
	svc.mutex.RLock()
	primary := svc.primary
	fallback := svc.fallback
	onFallback := svc.onFallback
	active := svc.active
	svc.mutex.RUnlock()

	stores := []dto.StoreHealth{primary.HealthCheck(ctx)}
	if fallback != primary {
		stores = append(stores, fallback.HealthCheck(ctx))
	}

	durableHealth := dto.StoreHealth{Healthy: true, Backend: "postgres"}
	if durable != nil {
		if err := durable.HealthCheck(); err != nil {
			durableHealth.Healthy = false
			durableHealth.Error = err.Error()
		}
	}

	activeHealth := active.HealthCheck(ctx)

	return dto.EngineHealth{
		Healthy:       activeHealth.Healthy && durableHealth.Healthy,
		ActiveBackend: activeHealth.Backend,
		Degraded:      onFallback,
		Stores:        stores,
		Durable:       durableHealth,
		Timestamp:     time.Now(),
	}
}
