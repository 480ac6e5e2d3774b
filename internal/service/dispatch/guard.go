// Package dispatch spawns agent sessions through the gateway behind a
// guard: a circuit breaker on consecutive failures, a sliding-window
// rate limit on spawn attempts, and exponential backoff between retries.
package dispatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/swarmops/swarmops/internal/core"
)

// CircuitState reports whether the guard admits spawns.
type CircuitState string

const (
	CircuitClosed CircuitState = "closed"
	CircuitOpen   CircuitState = "open"
)

// GuardConfig tunes the spawn guard.
type GuardConfig struct {
	MaxConsecutiveFailures int
	CircuitOpenDuration    time.Duration
	MaxConcurrentSpawns    int // spawns admitted per window
	SpawnWindow            time.Duration
	BackoffBase            time.Duration
	BackoffMax             time.Duration
	BackoffMultiplier      float64
}

// DefaultGuardConfig returns the production defaults.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		MaxConsecutiveFailures: 5,
		CircuitOpenDuration:    60 * time.Second,
		MaxConcurrentSpawns:    5,
		SpawnWindow:            20 * time.Second,
		BackoffBase:            2 * time.Second,
		BackoffMax:             60 * time.Second,
		BackoffMultiplier:      2.0,
	}
}

// maxTimestamps bounds the sliding-window ring regardless of config.
const maxTimestamps = 100

// Guard gates spawn attempts. All methods are safe for concurrent use.
type Guard struct {
	cfg GuardConfig
	now func() time.Time

	mu                  sync.Mutex
	consecutiveFailures int
	openedAt            time.Time
	attempts            []time.Time // sliding window, oldest first
}

// NewGuard creates a guard with the given configuration.
func NewGuard(cfg GuardConfig) *Guard {
	return &Guard{cfg: cfg, now: time.Now}
}

// Admit checks the circuit and the rate window, recording the attempt
// when admitted. A rejection carries the wait hint in retry_after_ms.
func (g *Guard) Admit() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	if g.circuitOpenLocked(now) {
		remaining := g.cfg.CircuitOpenDuration - now.Sub(g.openedAt)
		return core.ErrGuardBlocked(
			fmt.Sprintf("circuit open after %d consecutive failures", g.consecutiveFailures),
			remaining.Milliseconds())
	}

	g.pruneLocked(now)
	if len(g.attempts) >= g.cfg.MaxConcurrentSpawns {
		oldest := g.attempts[0]
		wait := g.cfg.SpawnWindow - now.Sub(oldest)
		if wait < 0 {
			wait = 0
		}
		return core.ErrGuardBlocked(
			fmt.Sprintf("%d spawns within %s window", len(g.attempts), g.cfg.SpawnWindow),
			wait.Milliseconds())
	}

	g.attempts = append(g.attempts, now)
	if len(g.attempts) > maxTimestamps {
		g.attempts = g.attempts[len(g.attempts)-maxTimestamps:]
	}
	return nil
}

// RecordSuccess closes the circuit and resets the failure count.
func (g *Guard) RecordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consecutiveFailures = 0
	g.openedAt = time.Time{}
}

// RecordFailure bumps the failure count, opening the circuit at the
// threshold, and returns the backoff to wait before the next attempt.
func (g *Guard) RecordFailure() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.consecutiveFailures++
	if g.consecutiveFailures >= g.cfg.MaxConsecutiveFailures && g.openedAt.IsZero() {
		g.openedAt = g.now()
	}
	return g.backoffLocked(g.consecutiveFailures)
}

// Backoff returns the wait owed before the next attempt given the
// current consecutive-failure count, zero when the last spawn
// succeeded. Failures from earlier calls carry over: a fresh caller
// still pays the backoff.
func (g *Guard) Backoff() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.consecutiveFailures == 0 {
		return 0
	}
	return g.backoffLocked(g.consecutiveFailures)
}

// State returns the current circuit state.
func (g *Guard) State() CircuitState {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.circuitOpenLocked(g.now()) {
		return CircuitOpen
	}
	return CircuitClosed
}

// Snapshot reports guard internals for the status surface.
func (g *Guard) Snapshot() GuardSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.pruneLocked(now)
	state := CircuitClosed
	if g.circuitOpenLocked(now) {
		state = CircuitOpen
	}
	return GuardSnapshot{
		State:               state,
		ConsecutiveFailures: g.consecutiveFailures,
		WindowAttempts:      len(g.attempts),
		WindowCapacity:      g.cfg.MaxConcurrentSpawns,
	}
}

// GuardSnapshot is a point-in-time view of the guard.
type GuardSnapshot struct {
	State               CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	WindowAttempts      int          `json:"windowAttempts"`
	WindowCapacity      int          `json:"windowCapacity"`
}

// circuitOpenLocked checks the circuit, auto-closing it once the open
// duration elapsed. Caller holds mu.
func (g *Guard) circuitOpenLocked(now time.Time) bool {
	if g.openedAt.IsZero() {
		return false
	}
	if now.Sub(g.openedAt) >= g.cfg.CircuitOpenDuration {
		// Half-open: admit traffic again, keep the count so one more
		// failure reopens immediately.
		g.openedAt = time.Time{}
		return false
	}
	return true
}

// pruneLocked drops attempts older than the window. Caller holds mu.
func (g *Guard) pruneLocked(now time.Time) {
	cutoff := now.Add(-g.cfg.SpawnWindow)
	i := 0
	for i < len(g.attempts) && g.attempts[i].Before(cutoff) {
		i++
	}
	g.attempts = g.attempts[i:]
}

// backoffLocked computes base * multiplier^(failures-1), capped.
func (g *Guard) backoffLocked(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	backoff := float64(g.cfg.BackoffBase)
	for i := 1; i < failures; i++ {
		backoff *= g.cfg.BackoffMultiplier
		if backoff >= float64(g.cfg.BackoffMax) {
			return g.cfg.BackoffMax
		}
	}
	if backoff > float64(g.cfg.BackoffMax) {
		return g.cfg.BackoffMax
	}
	return time.Duration(backoff)
}
