package dto

import "time"

// RateLimitContext carries optional caller metadata. It only affects event
// metadata and composite-key construction, never the decision algorithm.
type RateLimitContext struct {
	UserID      string `json:"user_id,omitempty"`
	Email       string `json:"email,omitempty"`
	IPAddress   string `json:"ip_address,omitempty"`
	KeyType     string `json:"key_type,omitempty" validate:"omitempty,oneof=user ip email composite"`
	Environment string `json:"environment,omitempty"`
}

type RateLimitDecision struct {
	Allowed      bool       `json:"allowed"`
	Remaining    int        `json:"remaining"`
	ResetTime    *time.Time `json:"reset_time,omitempty"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
	// Degraded marks decisions taken while the counter backend was
	// unavailable and the configured fail mode applied.
	Degraded bool `json:"degraded,omitempty"`
}

type UpdatePolicyRequest struct {
	MaxRequests   *int    `json:"max_requests,omitempty" validate:"omitempty,gt=0"`
	WindowMs      *int64  `json:"window_ms,omitempty" validate:"omitempty,gt=0"`
	BlockMs       *int64  `json:"block_ms,omitempty" validate:"omitempty,gte=0"`
	WarnThreshold *int    `json:"warn_threshold,omitempty" validate:"omitempty,gte=0"`
	Description   *string `json:"description,omitempty"`
	IsActive      *bool   `json:"is_active,omitempty"`
}

func (r UpdatePolicyRequest) Validate() error {
	return GetValidator().Struct(r)
}

type CreateBlockRequest struct {
	TargetKey string     `json:"target_key" validate:"required,max=255"`
	Module    string     `json:"module,omitempty" validate:"omitempty,max=50"`
	Reason    string     `json:"reason" validate:"required"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (r CreateBlockRequest) Validate() error {
	return GetValidator().Struct(r)
}

type RateLimitStats struct {
	Module        string    `json:"module,omitempty"`
	TrackedKeys   int64     `json:"tracked_keys"`
	BlockedKeys   int64     `json:"blocked_keys"`
	ActiveBackend string    `json:"active_backend"`
	ManualBlocks  int64     `json:"manual_blocks"`
	Timestamp     time.Time `json:"timestamp"`
}

type StoreHealth struct {
	Healthy   bool    `json:"healthy"`
	Backend   string  `json:"backend"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
	Error     string  `json:"error,omitempty"`
}

type EngineHealth struct {
	Healthy       bool          `json:"healthy"`
	ActiveBackend string        `json:"active_backend"`
	Degraded      bool          `json:"degraded"`
	Stores        []StoreHealth `json:"stores"`
	Durable       StoreHealth   `json:"durable"`
	Timestamp     time.Time     `json:"timestamp"`
}
