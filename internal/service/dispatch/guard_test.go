package dispatch

import (
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/swarmops/swarmops/internal/core"
)

func testGuard(cfg GuardConfig) (*Guard, *time.Time) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	g := NewGuard(cfg)
	g.now = func() time.Time { return now }
	return g, &now
}

func TestGuard_WindowLimit(t *testing.T) {
	t.Parallel()
	g, now := testGuard(DefaultGuardConfig())

	for i := 0; i < 5; i++ {
		if err := g.Admit(); err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
	}

	err := g.Admit()
	var domErr *core.DomainError
	if !errors.As(err, &domErr) || domErr.Code != core.CodeGuardBlocked {
		t.Fatalf("err = %v, want GUARD_BLOCKED", err)
	}
	if hint, ok := domErr.Details["retry_after_ms"].(int64); !ok || hint <= 0 {
		t.Errorf("retry_after_ms = %v, want positive hint", domErr.Details["retry_after_ms"])
	}

	// Window slides: 20s later all five attempts expired.
	*now = now.Add(20*time.Second + time.Millisecond)
	if err := g.Admit(); err != nil {
		t.Fatalf("admit after window: %v", err)
	}
}

func TestGuard_CircuitOpensAndRecovers(t *testing.T) {
	t.Parallel()
	g, now := testGuard(DefaultGuardConfig())

	for i := 0; i < 5; i++ {
		g.RecordFailure()
	}
	if g.State() != CircuitOpen {
		t.Fatalf("state = %s, want open after 5 failures", g.State())
	}

	err := g.Admit()
	var domErr *core.DomainError
	if !errors.As(err, &domErr) || domErr.Code != core.CodeGuardBlocked {
		t.Fatalf("err = %v, want GUARD_BLOCKED while open", err)
	}

	// Open duration elapses; circuit half-opens and admits again.
	*now = now.Add(61 * time.Second)
	if g.State() != CircuitClosed {
		t.Errorf("state = %s, want closed after open duration", g.State())
	}
	if err := g.Admit(); err != nil {
		t.Errorf("admit after recovery: %v", err)
	}

	// One more failure reopens immediately; the count was not reset.
	g.RecordFailure()
	if g.State() != CircuitOpen {
		t.Error("circuit should reopen on failure while half-open")
	}

	g.RecordSuccess()
	if g.State() != CircuitClosed {
		t.Error("success should close the circuit")
	}
}

func TestGuard_Backoff(t *testing.T) {
	t.Parallel()
	g, _ := testGuard(DefaultGuardConfig())

	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second, // capped
		60 * time.Second,
	}
	for i, expected := range want {
		got := g.RecordFailure()
		if got != expected {
			t.Errorf("failure %d: backoff = %v, want %v", i+1, got, expected)
		}
	}
}

func TestGuard_RingBounded(t *testing.T) {
	t.Parallel()
	cfg := DefaultGuardConfig()
	cfg.MaxConcurrentSpawns = 1000
	cfg.SpawnWindow = time.Hour
	g, _ := testGuard(cfg)

	for i := 0; i < 500; i++ {
		g.Admit()
	}
	g.mu.Lock()
	n := len(g.attempts)
	g.mu.Unlock()
	if n > maxTimestamps {
		t.Errorf("ring holds %d timestamps, cap is %d", n, maxTimestamps)
	}
}

var labelPattern = regexp.MustCompile(`^[a-z0-9-]+-\d{13}-[0-9a-z]{4}$`)

func TestUniqueLabel(t *testing.T) {
	t.Parallel()

	label := UniqueLabel("worker-w1-run-abc12345")
	if !labelPattern.MatchString(label) {
		t.Errorf("label %q does not match expected shape", label)
	}
	if !strings.HasPrefix(label, "worker-w1-run-abc12345-") {
		t.Errorf("label %q lost its base", label)
	}

	long := UniqueLabel(strings.Repeat("x", 100))
	if len(long) > maxLabelLen {
		t.Errorf("len = %d, want <= %d", len(long), maxLabelLen)
	}
	if !labelPattern.MatchString(long) {
		t.Errorf("truncated label %q does not match expected shape", long)
	}

	messy := UniqueLabel("Review Phase #3!")
	if !labelPattern.MatchString(messy) {
		t.Errorf("sanitized label %q does not match expected shape", messy)
	}

	if a, b := UniqueLabel("w"), UniqueLabel("w"); a == b {
		t.Errorf("two labels from the same base collided: %q", a)
	}
}
