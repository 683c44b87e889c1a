package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lac-hong-legacy/gatekeep/dto"
	"github.com/lac-hong-legacy/gatekeep/model"
)

// ErrStoreUnavailable marks counter-backend failures that should trigger
// failover and the configured fail-open/fail-closed policy. Expected-absence
// outcomes (clearing a missing key) are booleans, never this error.
var ErrStoreUnavailable = errors.New("counter store unavailable")

// ConsumeResult reports the outcome of one atomic check-and-increment.
type ConsumeResult struct {
	Allowed     bool
	Count       int
	WindowStart time.Time
	// BlockedUntil is nil while the key is in the open state.
	BlockedUntil *time.Time
	// FirstExceed is true only on the increment that tipped the count over
	// the limit and set the block, so callers can emit the blocked event
	// exactly once per transition.
	FirstExceed bool
}

// CounterStore is the pluggable counter backend. Consume must be atomic under
// concurrent callers for the same key: the window roll, the increment and the
// block-set transition all happen inside the single store operation.
type CounterStore interface {
	Consume(ctx context.Context, key string, policy *model.RateLimitPolicy) (*ConsumeResult, error)
	ClearKey(ctx context.Context, key string) (bool, error)
	ResetModule(ctx context.Context, module string) (int64, error)
	Stats(ctx context.Context, module string) (tracked, blocked int64, err error)
	HealthCheck(ctx context.Context) dto.StoreHealth
	Shutdown()
}

// CompositeKey addresses counter state as module:identity.
func CompositeKey(module, identity string) string {
	return fmt.Sprintf("%s:%s", module, identity)
}

// ModuleOfKey returns the module prefix of a composite key.
func ModuleOfKey(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}

// counterTTL is how long a key may live before the store is free to evict it:
// its window plus any block plus a grace margin.
func counterTTL(policy *model.RateLimitPolicy) time.Duration {
	return policy.Window() + policy.BlockDuration() + time.Minute
}
