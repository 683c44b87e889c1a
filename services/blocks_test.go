package services

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lac-hong-legacy/gatekeep/model"
)

type fakeBlockStore struct {
	blocks map[string]*model.ManualBlock
	nextID int
}

func newFakeBlockStore() *fakeBlockStore {
	return &fakeBlockStore{blocks: make(map[string]*model.ManualBlock)}
}

func (f *fakeBlockStore) CreateManualBlock(block *model.ManualBlock) error {
	f.nextID++
	block.ID = fmt.Sprintf("block-%d", f.nextID)
	cp := *block
	f.blocks[block.ID] = &cp
	return nil
}

func (f *fakeBlockStore) ListActiveManualBlocks() ([]model.ManualBlock, error) {
	out := make([]model.ManualBlock, 0, len(f.blocks))
	for _, b := range f.blocks {
		if b.Active {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (f *fakeBlockStore) DeactivateManualBlock(id string) (bool, error) {
	b, ok := f.blocks[id]
	if !ok || !b.Active {
		return false, nil
	}
	b.Active = false
	return true, nil
}

func newTestBlockService() (*BlockService, *fakeBlockStore, *captureRecorder) {
	store := newFakeBlockStore()
	recorder := &captureRecorder{}
	svc := &BlockService{
		store:    store,
		recorder: recorder,
		active:   make(map[string]*model.ManualBlock),
	}
	return svc, store, recorder
}

func TestCreateBlock_VisibleImmediately(t *testing.T) {
	svc, _, recorder := newTestBlockService()

	block, err := svc.CreateBlock("1.2.3.4", "", "abuse", "ops", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if block.ID == "" {
		t.Error("expected persisted id")
	}

	if svc.IsBlocked("1.2.3.4", "chat") == nil {
		t.Error("expected unscoped block to match any module")
	}
	if svc.IsBlocked("5.6.7.8", "chat") != nil {
		t.Error("expected other keys unaffected")
	}

	if got := len(recorder.byKind(model.EventBlocked)); got != 1 {
		t.Errorf("expected one blocked event, got %d", got)
	}
}

func TestIsBlocked_ModuleScoping(t *testing.T) {
	svc, _, _ := newTestBlockService()

	if _, err := svc.CreateBlock("u1", "chat", "spam", "ops", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if svc.IsBlocked("u1", "chat") == nil {
		t.Error("expected block in its own module")
	}
	if svc.IsBlocked("u1", "ads") != nil {
		t.Error("expected no block outside the scoped module")
	}
}

func TestIsBlocked_FiltersExpiredAtReadTime(t *testing.T) {
	svc, _, _ := newTestBlockService()

	expires := time.Now().Add(20 * time.Millisecond)
	if _, err := svc.CreateBlock("u1", "", "temp", "ops", &expires); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if svc.IsBlocked("u1", "chat") == nil {
		t.Fatal("expected block before expiry")
	}

	time.Sleep(30 * time.Millisecond)

	// No sweep has run; expiry is enforced at read time.
	if svc.IsBlocked("u1", "chat") != nil {
		t.Error("expected expired block to be ignored")
	}
	if svc.ActiveCount() != 0 {
		t.Errorf("expected zero active blocks, got %d", svc.ActiveCount())
	}
}

func TestDeactivateBlock(t *testing.T) {
	svc, _, recorder := newTestBlockService()

	block, err := svc.CreateBlock("u1", "", "abuse", "ops", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	changed, err := svc.DeactivateBlock(block.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !changed {
		t.Error("expected deactivation to report a change")
	}
	if svc.IsBlocked("u1", "chat") != nil {
		t.Error("expected block lifted immediately")
	}
	if got := len(recorder.byKind(model.EventUnblocked)); got != 1 {
		t.Errorf("expected one unblocked event, got %d", got)
	}

	// Unknown or already-inactive ids are reported, not errors.
	changed, err = svc.DeactivateBlock(block.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changed {
		t.Error("expected second deactivation to report no change")
	}

	changed, err = svc.DeactivateBlock("missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changed {
		t.Error("expected unknown id to report no change")
	}
}

func TestResync_ReplacesCache(t *testing.T) {
	svc, store, _ := newTestBlockService()

	durable := &model.ManualBlock{TargetKey: "u9", Active: true}
	if err := store.CreateManualBlock(durable); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Stale cache entry not present in the durable store.
	svc.active["ghost"] = &model.ManualBlock{ID: "ghost", TargetKey: "u1", Active: true}

	if err := svc.Resync(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if svc.IsBlocked("u1", "chat") != nil {
		t.Error("expected stale entry dropped by resync")
	}
	if svc.IsBlocked("u9", "chat") == nil {
		t.Error("expected durable entry loaded by resync")
	}
}

type failingBlockStore struct{}

func (failingBlockStore) CreateManualBlock(*model.ManualBlock) error {
	return errors.New("connection refused")
}

func (failingBlockStore) ListActiveManualBlocks() ([]model.ManualBlock, error) {
	return nil, errors.New("connection refused")
}

func (failingBlockStore) DeactivateManualBlock(string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestCreateBlock_StoreFailureSurfaces(t *testing.T) {
	svc, _, recorder := newTestBlockService()
	svc.store = failingBlockStore{}

	if _, err := svc.CreateBlock("u1", "", "abuse", "ops", nil); err == nil {
		t.Fatal("expected error from failing store")
	}
	if svc.IsBlocked("u1", "chat") != nil {
		t.Error("expected no cached block on persistence failure")
	}
	if len(recorder.byKind(model.EventBlocked)) != 0 {
		t.Error("expected no event on persistence failure")
	}
}
