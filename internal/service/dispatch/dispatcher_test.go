package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/swarmops/swarmops/internal/core"
)

// fakeGateway scripts spawn and listing behavior per call.
type fakeGateway struct {
	mu          sync.Mutex
	spawnErrs   []error // consumed in order; nil means success
	spawnLabels []string
	sessions    []core.SessionInfo
	listErr     error
	listCalls   int
}

func (f *fakeGateway) SpawnSession(_ context.Context, args core.SpawnArgs) (*core.SpawnReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawnLabels = append(f.spawnLabels, args.Label)
	call := len(f.spawnLabels) - 1
	if call < len(f.spawnErrs) && f.spawnErrs[call] != nil {
		return nil, f.spawnErrs[call]
	}
	return &core.SpawnReceipt{SessionKey: "sess-" + args.Label}, nil
}

func (f *fakeGateway) ListSessions(context.Context, int, int) ([]core.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return f.sessions, f.listErr
}

func (f *fakeGateway) lastSessionKey() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.spawnLabels) == 0 {
		return ""
	}
	return "sess-" + f.spawnLabels[len(f.spawnLabels)-1]
}

// memLedger records appended entries.
type memLedger struct {
	mu      sync.Mutex
	entries []core.LedgerEntry
}

func (l *memLedger) Append(entry core.LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.VerifySpawn = false
	cfg.VerifyDelay = time.Millisecond
	cfg.VerifyMaxPolls = 2
	cfg.MaxRetries = 2
	cfg.Guard.BackoffBase = time.Millisecond
	cfg.Guard.BackoffMax = 5 * time.Millisecond
	return cfg
}

func noSleep(context.Context, time.Duration) error { return nil }

func testRequest() Request {
	return Request{
		RunID:       "run-abc12345",
		PhaseNumber: 1,
		WorkerID:    "w1",
		LabelBase:   "worker-w1",
		Task:        "implement the thing",
		Role:        core.Role{Name: "worker", Cleanup: core.CleanupDelete},
	}
}

func TestDispatch_Success(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	ledger := &memLedger{}
	d := NewDispatcher(gw, ledger, fastConfig(), nil)
	d.sleep = noSleep

	receipt, err := d.Dispatch(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if receipt.SessionKey == "" {
		t.Error("empty session key")
	}
	if len(gw.spawnLabels) != 1 {
		t.Fatalf("spawn calls = %d, want 1", len(gw.spawnLabels))
	}
	if !strings.HasPrefix(gw.spawnLabels[0], "worker-w1-") {
		t.Errorf("label = %q, want worker-w1- prefix", gw.spawnLabels[0])
	}

	if len(ledger.entries) != 1 || ledger.entries[0].Type != core.LedgerWorkerSpawned {
		t.Fatalf("ledger = %+v, want one worker-spawned entry", ledger.entries)
	}
	if ledger.entries[0].SessionKey != receipt.SessionKey {
		t.Errorf("ledger session key = %q", ledger.entries[0].SessionKey)
	}
}

func TestDispatch_RetriesTransientFailure(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{
		spawnErrs: []error{core.ErrHTTPStatus(503, "busy"), nil},
	}
	d := NewDispatcher(gw, nil, fastConfig(), nil)
	d.sleep = noSleep

	receipt, err := d.Dispatch(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(gw.spawnLabels) != 2 {
		t.Fatalf("spawn calls = %d, want 2", len(gw.spawnLabels))
	}
	if gw.spawnLabels[0] == gw.spawnLabels[1] {
		t.Error("retry reused the same label")
	}
	if receipt.SessionKey != gw.lastSessionKey() {
		t.Errorf("receipt from wrong attempt: %q", receipt.SessionKey)
	}
}

func TestDispatch_PermanentFailureNotRetried(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{
		spawnErrs: []error{core.ErrSpawn("model unavailable")},
	}
	d := NewDispatcher(gw, nil, fastConfig(), nil)
	d.sleep = noSleep

	_, err := d.Dispatch(context.Background(), testRequest())
	var domErr *core.DomainError
	if !errors.As(err, &domErr) || domErr.Code != core.CodeSpawnError {
		t.Fatalf("err = %v, want SPAWN_ERROR", err)
	}
	if len(gw.spawnLabels) != 1 {
		t.Errorf("spawn calls = %d, want 1 (no retry)", len(gw.spawnLabels))
	}
}

func TestDispatch_ExhaustsRetries(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{
		spawnErrs: []error{
			core.ErrHTTPStatus(502, "bad"),
			core.ErrHTTPStatus(502, "bad"),
			core.ErrHTTPStatus(502, "bad"),
		},
	}
	d := NewDispatcher(gw, nil, fastConfig(), nil)
	d.sleep = noSleep

	_, err := d.Dispatch(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if len(gw.spawnLabels) != 3 {
		t.Errorf("spawn calls = %d, want 3 (initial + 2 retries)", len(gw.spawnLabels))
	}
}

func TestDispatch_BacksOffAfterEarlierFailedCall(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{
		spawnErrs: []error{core.ErrSpawn("model unavailable"), nil},
	}
	cfg := fastConfig()
	d := NewDispatcher(gw, nil, cfg, nil)
	var slept []time.Duration
	d.sleep = func(_ context.Context, dur time.Duration) error {
		slept = append(slept, dur)
		return nil
	}

	if _, err := d.Dispatch(context.Background(), testRequest()); err == nil {
		t.Fatal("expected first dispatch to fail")
	}
	if len(slept) != 0 {
		t.Fatalf("sleeps during the failing call = %v, want none", slept)
	}

	if _, err := d.Dispatch(context.Background(), testRequest()); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if len(slept) == 0 {
		t.Fatal("no backoff slept before the attempt following an earlier failure")
	}
	if slept[0] != cfg.Guard.BackoffBase {
		t.Errorf("first backoff = %v, want base %v", slept[0], cfg.Guard.BackoffBase)
	}
}

func TestDispatch_GuardBlockedReturnsImmediately(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	cfg := fastConfig()
	cfg.Guard.MaxConcurrentSpawns = 1
	d := NewDispatcher(gw, nil, cfg, nil)
	d.sleep = noSleep

	if _, err := d.Dispatch(context.Background(), testRequest()); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	_, err := d.Dispatch(context.Background(), testRequest())
	var domErr *core.DomainError
	if !errors.As(err, &domErr) || domErr.Code != core.CodeGuardBlocked {
		t.Fatalf("err = %v, want GUARD_BLOCKED", err)
	}
	if len(gw.spawnLabels) != 1 {
		t.Errorf("spawn calls = %d, blocked dispatch must not reach the gateway", len(gw.spawnLabels))
	}
}

func TestDispatch_VerificationSucceeds(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	cfg := fastConfig()
	cfg.VerifySpawn = true
	d := NewDispatcher(gw, nil, cfg, nil)
	d.sleep = func(context.Context, time.Duration) error {
		// The session shows up by the time the first poll runs.
		gw.mu.Lock()
		gw.sessions = []core.SessionInfo{{Key: gw.lastKeyLocked(), TotalTokens: 10}}
		gw.mu.Unlock()
		return nil
	}

	receipt, err := d.Dispatch(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if receipt.SessionKey == "" {
		t.Error("empty session key")
	}
}

func (f *fakeGateway) lastKeyLocked() string {
	if len(f.spawnLabels) == 0 {
		return ""
	}
	return "sess-" + f.spawnLabels[len(f.spawnLabels)-1]
}

func TestDispatch_VerificationFailureRetriesThenErrors(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{} // listing never shows the session
	cfg := fastConfig()
	cfg.VerifySpawn = true
	cfg.MaxRetries = 1
	d := NewDispatcher(gw, nil, cfg, nil)
	d.sleep = noSleep

	_, err := d.Dispatch(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected verification failure")
	}
	var domErr *core.DomainError
	if !errors.As(err, &domErr) || domErr.Code != core.CodeSpawnVerificationFailed {
		t.Fatalf("err = %v, want SPAWN_VERIFICATION_FAILED", err)
	}
	if len(gw.spawnLabels) != 2 {
		t.Errorf("spawn calls = %d, want 2 (verification failure retried once)", len(gw.spawnLabels))
	}
}

func TestTracker_MarkCompletedSilencesCallback(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{sessions: []core.SessionInfo{{Key: "sess-1", TotalTokens: 5}}}
	cfg := TrackerConfig{PollInterval: 5 * time.Millisecond, MaxTrackTime: time.Hour}

	var doneMu sync.Mutex
	var reported []TrackedSession
	tracker := NewTracker(gw, nil, cfg, func(s TrackedSession, _ Outcome) {
		doneMu.Lock()
		reported = append(reported, s)
		doneMu.Unlock()
	}, nil)

	tracker.Track(TrackedSession{RunID: "run-1", WorkerID: "w1", SessionKey: "sess-1"})
	time.Sleep(20 * time.Millisecond)
	tracker.MarkCompleted("sess-1")
	tracker.Stop()

	doneMu.Lock()
	defer doneMu.Unlock()
	if len(reported) != 0 {
		t.Errorf("callbacks = %d, want 0 for a manually finalized session", len(reported))
	}
	if tracker.Tracking("sess-1") {
		t.Error("session still tracked after MarkCompleted")
	}
}

func TestTracker_ReportsTimeout(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{sessions: []core.SessionInfo{{Key: "sess-1", TotalTokens: 5}}}
	ledger := &memLedger{}
	cfg := TrackerConfig{PollInterval: 5 * time.Millisecond, MaxTrackTime: time.Millisecond}

	done := make(chan TrackedSession, 1)
	tracker := NewTracker(gw, ledger, cfg, func(s TrackedSession, outcome Outcome) {
		if outcome == OutcomeTimeout {
			done <- s
		}
	}, nil)

	tracker.Track(TrackedSession{RunID: "run-1", WorkerID: "w1", SessionKey: "sess-1"})
	select {
	case s := <-done:
		if s.WorkerID != "w1" {
			t.Errorf("WorkerID = %q", s.WorkerID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout never reported")
	}
	tracker.Stop()

	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	if len(ledger.entries) != 1 || ledger.entries[0].Type != core.LedgerWorkerFailed || ledger.entries[0].Status != "timeout" {
		t.Errorf("ledger = %+v, want one worker-failed timeout entry", ledger.entries)
	}
}

func TestTracker_AbsentSessionCompletes(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{} // listing is always empty
	ledger := &memLedger{}
	cfg := TrackerConfig{PollInterval: 5 * time.Millisecond, MaxTrackTime: time.Hour}

	done := make(chan Outcome, 1)
	tracker := NewTracker(gw, ledger, cfg, func(_ TrackedSession, outcome Outcome) {
		done <- outcome
	}, nil)

	tracker.Track(TrackedSession{RunID: "run-1", WorkerID: "w1", SessionKey: "sess-gone"})
	select {
	case outcome := <-done:
		if outcome != OutcomeCompleted {
			t.Errorf("outcome = %q, want completed", outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("absent session never reported")
	}
	tracker.Stop()

	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	if len(ledger.entries) != 1 || ledger.entries[0].Type != core.LedgerWorkerCompleted {
		t.Errorf("ledger = %+v, want one worker-completed entry", ledger.entries)
	}
	if ledger.entries[0].DurationMs < 0 {
		t.Error("negative duration")
	}
}

func TestTracker_TerminalStopReasonCompletes(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{sessions: []core.SessionInfo{
		{Key: "sess-1", TotalTokens: 100, StopReason: "end_turn"},
	}}
	cfg := TrackerConfig{PollInterval: 5 * time.Millisecond, MaxTrackTime: time.Hour}

	done := make(chan Outcome, 1)
	tracker := NewTracker(gw, nil, cfg, func(_ TrackedSession, outcome Outcome) {
		done <- outcome
	}, nil)

	tracker.Track(TrackedSession{RunID: "run-1", WorkerID: "w1", SessionKey: "sess-1"})
	select {
	case outcome := <-done:
		if outcome != OutcomeCompleted {
			t.Errorf("outcome = %q, want completed", outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("terminal stop reason never reported")
	}
	tracker.Stop()
}
