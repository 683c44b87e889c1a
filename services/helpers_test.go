package services

import (
	"context"
	"sync"
	"time"

	"github.com/lac-hong-legacy/gatekeep/dto"
	"github.com/lac-hong-legacy/gatekeep/model"
)

func testPolicy(module string, maxRequests int, window, block time.Duration) *model.RateLimitPolicy {
	return &model.RateLimitPolicy{
		Module:      module,
		MaxRequests: maxRequests,
		WindowMs:    window.Milliseconds(),
		BlockMs:     block.Milliseconds(),
		IsActive:    true,
	}
}

// captureRecorder collects events synchronously for assertions.
type captureRecorder struct {
	mu     sync.Mutex
	events []model.RateLimitEvent
}

func (r *captureRecorder) Record(event model.RateLimitEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *captureRecorder) byKind(kind string) []model.RateLimitEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []model.RateLimitEvent
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type fakeConfigs struct {
	policy    *model.RateLimitPolicy
	isDefault bool
}

func (f *fakeConfigs) GetConfig(string) (*model.RateLimitPolicy, bool) {
	return f.policy, f.isDefault
}

type fakeBlocks struct {
	block       *model.ManualBlock
	deactivated []string
}

func (f *fakeBlocks) IsBlocked(targetKey, module string) *model.ManualBlock {
	if f.block == nil {
		return nil
	}
	if f.block.TargetKey != targetKey {
		return nil
	}
	if f.block.Module != "" && f.block.Module != module {
		return nil
	}
	return f.block
}

func (f *fakeBlocks) DeactivateBlock(id string) (bool, error) {
	f.deactivated = append(f.deactivated, id)
	return true, nil
}

func (f *fakeBlocks) ActiveCount() int64 {
	if f.block != nil {
		return 1
	}
	return 0
}

// staticStores hands out a fixed store and counts failure reports.
type staticStores struct {
	store    CounterStore
	failures int
}

func (s *staticStores) GetStore() CounterStore { return s.store }

func (s *staticStores) ReportFailure() { s.failures++ }

// spyStore wraps another store and counts Consume calls.
type spyStore struct {
	CounterStore
	consumes int
}

func (s *spyStore) Consume(ctx context.Context, key string, policy *model.RateLimitPolicy) (*ConsumeResult, error) {
	s.consumes++
	return s.CounterStore.Consume(ctx, key, policy)
}

// failingStore is permanently unavailable.
type failingStore struct{}

func (failingStore) Consume(context.Context, string, *model.RateLimitPolicy) (*ConsumeResult, error) {
	return nil, ErrStoreUnavailable
}

func (failingStore) ClearKey(context.Context, string) (bool, error) {
	return false, ErrStoreUnavailable
}

func (failingStore) ResetModule(context.Context, string) (int64, error) {
	return 0, ErrStoreUnavailable
}

func (failingStore) Stats(context.Context, string) (int64, int64, error) {
	return 0, 0, ErrStoreUnavailable
}

func (failingStore) HealthCheck(context.Context) dto.StoreHealth {
	return dto.StoreHealth{Healthy: false, Backend: RedisBackend, Error: "connection refused"}
}

func (failingStore) Shutdown() {}

func newTestEngine(policy *model.RateLimitPolicy, store CounterStore, failMode string) (*RateLimitService, *captureRecorder, *staticStores) {
	recorder := &captureRecorder{}
	stores := &staticStores{store: store}

	engine := &RateLimitService{
		configs:  &fakeConfigs{policy: policy},
		blocks:   &fakeBlocks{},
		stores:   stores,
		recorder: recorder,
		failMode: failMode,
	}
	return engine, recorder, stores
}
