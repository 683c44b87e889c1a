package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/lac-hong-legacy/gatekeep/dto"
	"github.com/lac-hong-legacy/gatekeep/model"
)

const MemoryBackend = "memory"

type counterEntry struct {
	count        int
	windowStart  time.Time
	blockedUntil *time.Time
	expiresAt    time.Time
}

// MemoryCounterStore is the process-local fallback backend. It provides the
// same consume semantics as the distributed store but no cross-process
// consistency, which is acceptable only for single-instance or degraded
// operation.
type MemoryCounterStore struct {
	mu      sync.Mutex
	entries map[string]*counterEntry

	sweepEvery time.Duration
	done       chan struct{}
	closeOnce  sync.Once
}

func NewMemoryCounterStore() *MemoryCounterStore {
	s := &MemoryCounterStore{
		entries:    make(map[string]*counterEntry),
		sweepEvery: 5 * time.Minute,
		done:       make(chan struct{}),
	}
	go s.sweep()
	return s
}

func (s *MemoryCounterStore) Consume(_ context.Context, key string, policy *model.RateLimitPolicy) (*ConsumeResult, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]

	// Window roll also happens after a block lapses: the key starts a fresh
	// window with this request as count 1.
	if !ok || s.rolled(entry, policy, now) {
		entry = &counterEntry{
			count:       1,
			windowStart: now,
			expiresAt:   now.Add(counterTTL(policy)),
		}
		s.entries[key] = entry

		return s.result(entry, policy), nil
	}

	// Still blocked: deny without touching the counter so retries never
	// extend the sentence.
	if entry.blockedUntil != nil && now.Before(*entry.blockedUntil) {
		return s.result(entry, policy), nil
	}

	entry.count++
	entry.expiresAt = now.Add(counterTTL(policy))

	res := &ConsumeResult{
		Count:       entry.count,
		WindowStart: entry.windowStart,
	}

	if entry.count > policy.MaxRequests {
		// The tipping request is itself counted and denied.
		if entry.blockedUntil == nil && policy.BlockMs > 0 {
			blockedUntil := now.Add(policy.BlockDuration())
			entry.blockedUntil = &blockedUntil
			res.FirstExceed = true
		}
		res.Allowed = false
		res.BlockedUntil = entry.blockedUntil
		return res, nil
	}

	res.Allowed = true
	return res, nil
}

// rolled reports whether the entry's window (and any block) has lapsed.
func (s *MemoryCounterStore) rolled(entry *counterEntry, policy *model.RateLimitPolicy, now time.Time) bool {
	if entry.blockedUntil != nil {
		return !now.Before(*entry.blockedUntil)
	}
	return now.Sub(entry.windowStart) >= policy.Window()
}

func (s *MemoryCounterStore) result(entry *counterEntry, policy *model.RateLimitPolicy) *ConsumeResult {
	allowed := entry.count <= policy.MaxRequests
	if entry.blockedUntil != nil {
		allowed = false
	}
	return &ConsumeResult{
		Allowed:      allowed,
		Count:        entry.count,
		WindowStart:  entry.windowStart,
		BlockedUntil: entry.blockedUntil,
	}
}

func (s *MemoryCounterStore) ClearKey(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *MemoryCounterStore) ResetModule(_ context.Context, module string) (int64, error) {
	prefix := module + ":"

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryCounterStore) Stats(_ context.Context, module string) (int64, int64, error) {
	now := time.Now()
	prefix := ""
	if module != "" {
		prefix = module + ":"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var tracked, blocked int64
	for key, entry := range s.entries {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		tracked++
		if entry.blockedUntil != nil && now.Before(*entry.blockedUntil) {
			blocked++
		}
	}
	return tracked, blocked, nil
}

func (s *MemoryCounterStore) HealthCheck(_ context.Context) dto.StoreHealth {
	return dto.StoreHealth{Healthy: true, Backend: MemoryBackend}
}

func (s *MemoryCounterStore) Shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// sweep evicts entries past their TTL. Correctness never depends on it;
// Consume rolls expired windows on read.
func (s *MemoryCounterStore) sweep() {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for key, entry := range s.entries {
				if now.After(entry.expiresAt) {
					delete(s.entries, key)
				}
			}
			s.mu.Unlock()
		case <-s.done:
			return
		}
	}
}
