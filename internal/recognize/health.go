package recognize

import (
	"log/slog"
	"sync"
	"time"
)

// Health tracks a recognizer backend's recent reliability. After
// FailureThreshold consecutive failures the backend enters a cooldown
// window during which Available reports false; a success resets the
// counter. Safe for concurrent use: fast-pass results can race with the
// teardown of an in-flight accurate call.
type Health struct {
	name             string
	failureThreshold int
	cooldown         time.Duration
	log              *slog.Logger
	clock            func() time.Time

	mu                  sync.Mutex
	consecutiveFailures int
	cooldownUntil       time.Time
}

// NewHealth creates a tracker. Zero threshold or cooldown pick defaults.
func NewHealth(name string, failureThreshold int, cooldown time.Duration, log *slog.Logger) *Health {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Health{
		name:             name,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		log:              log.With(slog.String("component", "recognizer-health"), slog.String("backend", name)),
		clock:            time.Now,
	}
}

// Available reports whether the backend may be called.
func (h *Health) Available() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clock().After(h.cooldownUntil)
}

// RecordSuccess resets the failure streak.
func (h *Health) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFailures = 0
}

// RecordFailure counts one failure and starts the cooldown once the
// threshold is reached.
func (h *Health) RecordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFailures++
	if h.consecutiveFailures >= h.failureThreshold {
		h.cooldownUntil = h.clock().Add(h.cooldown)
		h.consecutiveFailures = 0
		h.log.Warn("recognizer entering cooldown",
			slog.Int("failures", h.failureThreshold),
			slog.Time("until", h.cooldownUntil))
	}
}

// Snapshot returns the current failure streak and cooldown deadline.
func (h *Health) Snapshot() (failures int, cooldownUntil time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consecutiveFailures, h.cooldownUntil
}
