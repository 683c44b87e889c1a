package services

import (
	"errors"
	"testing"

	"github.com/lac-hong-legacy/gatekeep/dto"
	"github.com/lac-hong-legacy/gatekeep/model"
)

type fakePolicyStore struct {
	policies map[string]*model.RateLimitPolicy
	failing  bool
	saves    int
}

func newFakePolicyStore() *fakePolicyStore {
	return &fakePolicyStore{policies: make(map[string]*model.RateLimitPolicy)}
}

func (f *fakePolicyStore) GetPolicy(module string) (*model.RateLimitPolicy, error) {
	if f.failing {
		return nil, errors.New("connection refused")
	}
	if p, ok := f.policies[module]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (f *fakePolicyStore) SavePolicy(policy *model.RateLimitPolicy) error {
	if f.failing {
		return errors.New("connection refused")
	}
	f.saves++
	cp := *policy
	f.policies[policy.Module] = &cp
	return nil
}

func (f *fakePolicyStore) ListPolicies() ([]model.RateLimitPolicy, error) {
	if f.failing {
		return nil, errors.New("connection refused")
	}
	out := make([]model.RateLimitPolicy, 0, len(f.policies))
	for _, p := range f.policies {
		out = append(out, *p)
	}
	return out, nil
}

func newTestConfigService(store *fakePolicyStore) (*ConfigService, *captureRecorder) {
	recorder := &captureRecorder{}
	svc := &ConfigService{
		store:    store,
		recorder: recorder,
		cache:    make(map[string]*model.RateLimitPolicy),
	}
	return svc, recorder
}

func TestGetConfig_DefaultWhenMissing(t *testing.T) {
	svc, _ := newTestConfigService(newFakePolicyStore())

	policy, isDefault := svc.GetConfig("unknown-module")
	if !isDefault {
		t.Error("expected default marker for unknown module")
	}
	if policy.Module != "unknown-module" {
		t.Errorf("expected default scoped to module, got %s", policy.Module)
	}
	if policy.MaxRequests <= 0 || policy.WindowMs <= 0 {
		t.Error("default policy must be usable")
	}
}

func TestGetConfig_PersistedAndCached(t *testing.T) {
	store := newFakePolicyStore()
	store.policies["chat"] = &model.RateLimitPolicy{Module: "chat", MaxRequests: 60, WindowMs: 60_000, IsActive: true}

	svc, _ := newTestConfigService(store)

	policy, isDefault := svc.GetConfig("chat")
	if isDefault {
		t.Error("expected persisted policy, not default")
	}
	if policy.MaxRequests != 60 {
		t.Errorf("expected persisted values, got max %d", policy.MaxRequests)
	}

	// Second read served from cache even if the store fails.
	store.failing = true
	policy, isDefault = svc.GetConfig("chat")
	if isDefault || policy.MaxRequests != 60 {
		t.Error("expected cached policy when store is down")
	}
}

func TestGetConfig_StoreFailureFallsBackToDefault(t *testing.T) {
	store := newFakePolicyStore()
	store.failing = true

	svc, _ := newTestConfigService(store)

	policy, isDefault := svc.GetConfig("chat")
	if !isDefault {
		t.Error("expected default when the store is unavailable")
	}
	if policy == nil || policy.MaxRequests <= 0 {
		t.Error("expected usable default policy")
	}
}

func TestUpdateConfig_MergesAndInvalidates(t *testing.T) {
	store := newFakePolicyStore()
	store.policies["chat"] = &model.RateLimitPolicy{Module: "chat", MaxRequests: 60, WindowMs: 60_000, BlockMs: 600_000, IsActive: true}

	svc, recorder := newTestConfigService(store)
	svc.GetConfig("chat")

	maxRequests := 120
	if ok := svc.UpdateConfig("chat", dto.UpdatePolicyRequest{MaxRequests: &maxRequests}); !ok {
		t.Fatal("expected update to succeed")
	}

	policy, _ := svc.GetConfig("chat")
	if policy.MaxRequests != 120 {
		t.Errorf("expected updated max 120, got %d", policy.MaxRequests)
	}
	if policy.WindowMs != 60_000 || policy.BlockMs != 600_000 {
		t.Error("expected untouched fields preserved")
	}

	if got := len(recorder.byKind(model.EventConfigChanged)); got != 1 {
		t.Errorf("expected one config-changed event, got %d", got)
	}
}

func TestUpdateConfig_RejectsInvalidAndKeepsPrior(t *testing.T) {
	store := newFakePolicyStore()
	store.policies["chat"] = &model.RateLimitPolicy{Module: "chat", MaxRequests: 60, WindowMs: 60_000, IsActive: true}

	svc, recorder := newTestConfigService(store)

	bad := 0
	if ok := svc.UpdateConfig("chat", dto.UpdatePolicyRequest{MaxRequests: &bad}); ok {
		t.Fatal("expected zero max_requests to be rejected")
	}

	negative := int64(-5)
	if ok := svc.UpdateConfig("chat", dto.UpdatePolicyRequest{WindowMs: &negative}); ok {
		t.Fatal("expected negative window to be rejected")
	}

	policy, _ := svc.GetConfig("chat")
	if policy.MaxRequests != 60 || policy.WindowMs != 60_000 {
		t.Error("expected prior config to stay in effect after rejection")
	}
	if store.saves != 0 {
		t.Errorf("expected no persistence on rejection, got %d saves", store.saves)
	}
	if got := len(recorder.byKind(model.EventConfigChanged)); got != 0 {
		t.Errorf("expected no config-changed events, got %d", got)
	}
}

func TestUpdateConfig_CreatesFromDefaultWhenMissing(t *testing.T) {
	store := newFakePolicyStore()
	svc, _ := newTestConfigService(store)

	maxRequests := 5
	if ok := svc.UpdateConfig("brand-new", dto.UpdatePolicyRequest{MaxRequests: &maxRequests}); !ok {
		t.Fatal("expected update to create a policy from the default")
	}

	policy, isDefault := svc.GetConfig("brand-new")
	if isDefault {
		t.Error("expected persisted policy after update")
	}
	if policy.MaxRequests != 5 {
		t.Errorf("expected max 5, got %d", policy.MaxRequests)
	}
}

func TestSeedDefaults_SkipsExisting(t *testing.T) {
	store := newFakePolicyStore()
	store.policies["auth-login"] = &model.RateLimitPolicy{Module: "auth-login", MaxRequests: 3, WindowMs: 60_000, IsActive: true}

	svc, _ := newTestConfigService(store)

	if err := svc.seedDefaults(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if store.policies["auth-login"].MaxRequests != 3 {
		t.Error("expected existing policy untouched by seeding")
	}

	if len(store.policies) != len(seedPolicies) {
		t.Errorf("expected %d policies after seeding, got %d", len(seedPolicies), len(store.policies))
	}
}
