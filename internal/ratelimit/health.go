package ratelimit

import (
	"sync/atomic"
	"time"
)

// DefaultCooldown is how long the primary tier is skipped after a failure.
const DefaultCooldown = 30 * time.Second

// Health tracks whether the primary tier should be attempted. It is shared by
// every request in the process and deliberately lock-free: a short window of
// stale state is acceptable and heals on the next check.
type Health struct {
	unhealthyUntil atomic.Int64
	cooldown       time.Duration
}

// NewHealth returns a tracker that starts healthy.
func NewHealth(cooldown time.Duration) *Health {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Health{cooldown: cooldown}
}

// Healthy reports whether the primary tier may be used at now.
func (h *Health) Healthy(now time.Time) bool {
	until := h.unhealthyUntil.Load()
	return until == 0 || now.UnixNano() >= until
}

// MarkHealthy clears any open breaker.
func (h *Health) MarkHealthy() {
	h.unhealthyUntil.Store(0)
}

// MarkUnhealthy opens the breaker for the cooldown window starting at now.
func (h *Health) MarkUnhealthy(now time.Time) {
	h.unhealthyUntil.Store(now.Add(h.cooldown).UnixNano())
}
