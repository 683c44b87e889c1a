package services

import (
	"sync"
	"time"

	"github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"

	"github.com/lac-hong-legacy/gatekeep/model"
)

// BlockStore is the durable side of the registry. PostgresService implements
// it; tests use an in-memory fake.
type BlockStore interface {
	CreateManualBlock(block *model.ManualBlock) error
	ListActiveManualBlocks() ([]model.ManualBlock, error)
	DeactivateManualBlock(id string) (bool, error)
}

// BlockService is the manual-block registry. Blocks are administrative deny
// entries independent of counter state; the engine consults them before the
// counter store. The in-process cache is reloaded from the durable store on
// demand (Resync), notably right after a counter-store failover.
type BlockService struct {
	context.DefaultService

	store    BlockStore
	recorder eventRecorder

	mutex  sync.RWMutex
	active map[string]*model.ManualBlock
}

const BLOCK_SVC = "block_svc"

func (svc BlockService) Id() string {
	return BLOCK_SVC
}

func (svc *BlockService) Configure(ctx *context.Context) error {
	svc.active = make(map[string]*model.ManualBlock)
	return svc.DefaultService.Configure(ctx)
}

func (svc *BlockService) Start() error {
	svc.store = svc.Service(POSTGRES_SVC).(*PostgresService)
	svc.recorder = svc.Service(EVENT_SVC).(*EventService)

	return svc.Resync()
}

// Resync replaces the cache with the durable store's active rows. Called at
// startup and after store failover, since manual blocks must survive a
// counter-store failure.
func (svc *BlockService) Resync() error {
	blocks, err := svc.store.ListActiveManualBlocks()
	if err != nil {
		return err
	}

	fresh := make(map[string]*model.ManualBlock, len(blocks))
	for i := range blocks {
		fresh[blocks[i].ID] = &blocks[i]
	}

	svc.mutex.Lock()
	svc.active = fresh
	svc.mutex.Unlock()

	log.WithField("count", len(fresh)).Info("Manual blocks synced from durable store")
	return nil
}

// IsBlocked returns the active, unexpired block matching the key (and module
// when the block is module-scoped), or nil. Expired entries are filtered
// here regardless of whether the cleanup sweep has run.
func (svc *BlockService) IsBlocked(targetKey, module string) *model.ManualBlock {
	now := time.Now()

	svc.mutex.RLock()
	defer svc.mutex.RUnlock()

	for _, block := range svc.active {
		if !block.Active || block.Expired(now) {
			continue
		}
		if block.TargetKey != targetKey {
			continue
		}
		if block.Module != "" && block.Module != module {
			continue
		}
		return block
	}
	return nil
}

func (svc *BlockService) CreateBlock(targetKey, module, reason, createdBy string, expiresAt *time.Time) (*model.ManualBlock, error) {
	block := &model.ManualBlock{
		TargetKey: targetKey,
		Module:    module,
		Reason:    reason,
		CreatedBy: createdBy,
		Active:    true,
		ExpiresAt: expiresAt,
	}

	if err := svc.store.CreateManualBlock(block); err != nil {
		return nil, err
	}

	svc.mutex.Lock()
	svc.active[block.ID] = block
	svc.mutex.Unlock()

	svc.recorder.Record(model.RateLimitEvent{
		Module:   module,
		Key:      targetKey,
		Kind:     model.EventBlocked,
		Metadata: `{"manual":true,"created_by":"` + createdBy + `"}`,
	})

	return block, nil
}

// DeactivateBlock marks the block inactive. Returns false when it does not
// exist or was already inactive; that outcome is expected, not an error.
func (svc *BlockService) DeactivateBlock(id string) (bool, error) {
	changed, err := svc.store.DeactivateManualBlock(id)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}

	svc.mutex.Lock()
	block := svc.active[id]
	delete(svc.active, id)
	svc.mutex.Unlock()

	if block != nil {
		svc.recorder.Record(model.RateLimitEvent{
			Module:   block.Module,
			Key:      block.TargetKey,
			Kind:     model.EventUnblocked,
			Metadata: `{"manual":true}`,
		})
	}

	return true, nil
}

func (svc *BlockService) ListBlocks() []model.ManualBlock {
	now := time.Now()

	svc.mutex.RLock()
	defer svc.mutex.RUnlock()

	out := make([]model.ManualBlock, 0, len(svc.active))
	for _, block := range svc.active {
		if block.Active && !block.Expired(now) {
			out = append(out, *block)
		}
	}
	return out
}

func (svc *BlockService) ActiveCount() int64 {
	now := time.Now()

	svc.mutex.RLock()
	defer svc.mutex.RUnlock()

	var n int64
	for _, block := range svc.active {
		if block.Active && !block.Expired(now) {
			n++
		}
	}
	return n
}
