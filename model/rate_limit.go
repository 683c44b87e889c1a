package model

import "time"

// RateLimitPolicy is the per-module admission policy. Counters themselves live
// in the counter stores; only policy, manual blocks and audit events are durable.
type RateLimitPolicy struct {
	ID            string    `json:"id" gorm:"primaryKey;type:text;not null"`
	Module        string    `json:"module" gorm:"uniqueIndex;not null;size:50"`
	MaxRequests   int       `json:"max_requests" gorm:"not null"`
	WindowMs      int64     `json:"window_ms" gorm:"not null"`
	BlockMs       int64     `json:"block_ms" gorm:"not null"`
	WarnThreshold int       `json:"warn_threshold" gorm:"default:0;not null"`
	Description   string    `json:"description" gorm:"type:text"`
	IsActive      bool      `json:"is_active" gorm:"default:true;not null"`
	CreatedAt     time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt     time.Time `json:"updated_at" gorm:"not null"`
}

func (p *RateLimitPolicy) Window() time.Duration {
	return time.Duration(p.WindowMs) * time.Millisecond
}

func (p *RateLimitPolicy) BlockDuration() time.Duration {
	return time.Duration(p.BlockMs) * time.Millisecond
}

// ManualBlock is an administrative deny entry. It is checked before any
// counter state and survives counter-store failover.
type ManualBlock struct {
	ID        string     `json:"id" gorm:"primaryKey;type:text;not null"`
	TargetKey string     `json:"target_key" gorm:"not null;index;size:255"`
	Module    string     `json:"module,omitempty" gorm:"size:50;index"`
	Reason    string     `json:"reason" gorm:"type:text"`
	CreatedBy string     `json:"created_by" gorm:"size:255"`
	Active    bool       `json:"active" gorm:"default:true;not null;index"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time  `json:"updated_at" gorm:"not null"`
}

// Expired reports whether the block has lapsed at the given instant. Reads
// must filter expired rows regardless of whether a sweep has run.
func (b *ManualBlock) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && !now.Before(*b.ExpiresAt)
}

// Event kinds recorded by the engine.
const (
	EventExceeded      = "exceeded"
	EventBlocked       = "blocked"
	EventUnblocked     = "unblocked"
	EventWarned        = "warned"
	EventConfigChanged = "config_changed"
	EventStoreFailover = "store_failover"
)

// RateLimitEvent is an append-only audit record. Retention is handled by the
// periodic cleanup job.
type RateLimitEvent struct {
	ID        string    `json:"id" gorm:"primaryKey;type:text;not null"`
	Module    string    `json:"module" gorm:"size:50;index"`
	Key       string    `json:"key" gorm:"size:255;index"`
	Kind      string    `json:"kind" gorm:"size:30;not null;index"`
	Timestamp time.Time `json:"timestamp" gorm:"not null;index"`
	Metadata  string    `json:"metadata,omitempty" gorm:"type:text"`
}
