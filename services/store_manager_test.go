package services

import (
	"context"
	"testing"
	"time"

	"github.com/lac-hong-legacy/gatekeep/dto"
	"github.com/lac-hong-legacy/gatekeep/model"
)

type fakeResyncer struct {
	calls int
}

func (f *fakeResyncer) Resync() error {
	f.calls++
	return nil
}

// toggleStore flips between healthy and unhealthy under test control.
type toggleStore struct {
	*MemoryCounterStore
	healthy bool
}

func (s *toggleStore) HealthCheck(ctx context.Context) dto.StoreHealth {
	health := s.MemoryCounterStore.HealthCheck(ctx)
	health.Backend = RedisBackend
	health.Healthy = s.healthy
	return health
}

func newTestManager(primary CounterStore) (*StoreManagerService, *fakeResyncer, *captureRecorder) {
	resyncer := &fakeResyncer{}
	recorder := &captureRecorder{}

	mgr := &StoreManagerService{
		blocks:       resyncer,
		recorder:     recorder,
		primary:      primary,
		fallback:     NewMemoryCounterStore(),
		recoverAfter: 3,
	}
	mgr.active = mgr.primary
	return mgr, resyncer, recorder
}

func TestReportFailure_SwitchesOnce(t *testing.T) {
	mgr, resyncer, recorder := newTestManager(failingStore{})
	defer mgr.fallback.Shutdown()

	mgr.ReportFailure()

	if !mgr.OnFallback() {
		t.Fatal("expected switch to fallback")
	}
	if mgr.GetStore() != mgr.fallback {
		t.Error("expected fallback to be the active store")
	}
	if resyncer.calls != 1 {
		t.Errorf("expected one manual-block resync, got %d", resyncer.calls)
	}

	// Repeated reports while degraded change nothing.
	mgr.ReportFailure()
	mgr.ReportFailure()

	if resyncer.calls != 1 {
		t.Errorf("expected no extra resync, got %d", resyncer.calls)
	}
	if got := len(recorder.byKind(model.EventStoreFailover)); got != 1 {
		t.Errorf("expected one failover event, got %d", got)
	}
}

func TestReportFailure_IgnoredWhilePrimaryHealthy(t *testing.T) {
	primary := &toggleStore{MemoryCounterStore: NewMemoryCounterStore(), healthy: true}
	mgr, _, _ := newTestManager(primary)
	defer primary.Shutdown()
	defer mgr.fallback.Shutdown()

	// A transient consume error with a healthy primary does not fail over.
	mgr.ReportFailure()

	if mgr.OnFallback() {
		t.Error("expected no switch while primary reports healthy")
	}
}

func TestCheckOnce_RecoversAfterConsecutiveHealthyChecks(t *testing.T) {
	primary := &toggleStore{MemoryCounterStore: NewMemoryCounterStore(), healthy: false}
	mgr, _, recorder := newTestManager(primary)
	defer primary.Shutdown()
	defer mgr.fallback.Shutdown()

	mgr.checkOnce()
	if !mgr.OnFallback() {
		t.Fatal("expected failover after failed health check")
	}

	primary.healthy = true

	mgr.checkOnce()
	mgr.checkOnce()
	if !mgr.OnFallback() {
		t.Fatal("expected to stay on fallback before the recovery threshold")
	}

	mgr.checkOnce()
	if mgr.OnFallback() {
		t.Fatal("expected switch back to primary after threshold")
	}
	if mgr.GetStore() != mgr.primary {
		t.Error("expected primary active again")
	}

	if got := len(recorder.byKind(model.EventStoreFailover)); got != 2 {
		t.Errorf("expected failover and recovery events, got %d", got)
	}
}

func TestCheckOnce_FlappingResetsRecoveryCount(t *testing.T) {
	primary := &toggleStore{MemoryCounterStore: NewMemoryCounterStore(), healthy: false}
	mgr, _, _ := newTestManager(primary)
	defer primary.Shutdown()
	defer mgr.fallback.Shutdown()

	mgr.checkOnce()

	primary.healthy = true
	mgr.checkOnce()
	mgr.checkOnce()

	// One bad check resets the streak.
	primary.healthy = false
	mgr.checkOnce()

	primary.healthy = true
	mgr.checkOnce()
	mgr.checkOnce()

	if !mgr.OnFallback() {
		t.Error("expected flapping primary to stay on fallback")
	}
}

func TestManagerHealthCheck(t *testing.T) {
	primary := &toggleStore{MemoryCounterStore: NewMemoryCounterStore(), healthy: true}
	mgr, _, _ := newTestManager(primary)
	defer primary.Shutdown()
	defer mgr.fallback.Shutdown()

	health := mgr.HealthCheck(context.Background(), nil)
	if !health.Healthy {
		t.Error("expected healthy with healthy primary")
	}
	if health.Degraded {
		t.Error("expected not degraded")
	}
	if health.ActiveBackend != RedisBackend {
		t.Errorf("expected redis backend, got %s", health.ActiveBackend)
	}
	if len(health.Stores) != 2 {
		t.Errorf("expected both stores reported, got %d", len(health.Stores))
	}
	if health.Timestamp.IsZero() || time.Since(health.Timestamp) > time.Minute {
		t.Error("expected fresh timestamp")
	}

	primary.healthy = false
	mgr.checkOnce()

	health = mgr.HealthCheck(context.Background(), nil)
	if !health.Degraded {
		t.Error("expected degraded after failover")
	}
	if health.ActiveBackend != MemoryBackend {
		t.Errorf("expected memory backend active, got %s", health.ActiveBackend)
	}
	if !health.Healthy {
		t.Error("expected healthy overall while fallback serves")
	}
}
