package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/logging"
)

// TrackerConfig tunes the liveness poller.
type TrackerConfig struct {
	PollInterval time.Duration
	MaxTrackTime time.Duration
}

// DefaultTrackerConfig returns the production defaults.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		PollInterval: 10 * time.Second,
		MaxTrackTime: 30 * time.Minute,
	}
}

// Outcome classifies how a tracked session left the tracker.
type Outcome string

const (
	// OutcomeCompleted: the session vanished from the listing or its last
	// message carries a terminal stop reason.
	OutcomeCompleted Outcome = "completed"
	// OutcomeTimeout: tracked past MaxTrackTime without completing.
	OutcomeTimeout Outcome = "timeout"
)

// TrackedSession identifies one worker session being watched.
type TrackedSession struct {
	RunID       string
	PhaseNumber int
	WorkerID    string
	SessionKey  string
	Label       string
	ProjectName string
	StartedAt   time.Time
}

// DoneFunc is invoked when a tracked session completes or times out.
// Workers that report through the completion callback are untracked via
// MarkCompleted before the tracker ever fires.
type DoneFunc func(session TrackedSession, outcome Outcome)

// Tracker polls the gateway and detects worker sessions that ended
// without reporting back. The poll loop starts with the first tracked
// session and exits once the map empties; a later Track restarts it.
type Tracker struct {
	gateway core.AgentGateway
	ledger  core.Ledger
	cfg     TrackerConfig
	onDone  DoneFunc
	logger  *logging.Logger

	mu       sync.Mutex
	sessions map[string]TrackedSession // keyed by session key
	running  bool
	stop     chan struct{}
	done     chan struct{}
}

// NewTracker creates a tracker. ledger and onDone may be nil.
func NewTracker(gw core.AgentGateway, ledger core.Ledger, cfg TrackerConfig, onDone DoneFunc, logger *logging.Logger) *Tracker {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Tracker{
		gateway:  gw,
		ledger:   ledger,
		cfg:      cfg,
		onDone:   onDone,
		logger:   logger,
		sessions: make(map[string]TrackedSession),
	}
}

// Track starts watching a session, spinning up the poll loop if idle.
func (t *Tracker) Track(session TrackedSession) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now()
	}
	t.sessions[session.SessionKey] = session

	if !t.running {
		t.running = true
		t.stop = make(chan struct{})
		t.done = make(chan struct{})
		go t.loop(t.stop, t.done)
	}
}

// MarkCompleted finalizes a session that reported through the callback
// surface; the tracker stops watching without emitting its own entry.
func (t *Tracker) MarkCompleted(sessionKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionKey)
}

// Tracking reports whether a session key is currently watched.
func (t *Tracker) Tracking(sessionKey string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[sessionKey]
	return ok
}

// Snapshot returns a copy of the tracked set.
func (t *Tracker) Snapshot() []TrackedSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TrackedSession, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

// Stop terminates the poll loop and waits for it to exit.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	stop, done := t.stop, t.done
	t.mu.Unlock()

	close(stop)
	<-done
}

func (t *Tracker) loop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if t.poll() == 0 {
				t.mu.Lock()
				// Re-check under the lock; Track may have raced the poll.
				if len(t.sessions) == 0 {
					t.running = false
					t.mu.Unlock()
					return
				}
				t.mu.Unlock()
			}
		}
	}
}

// terminalStopReasons end a session for good; an empty stop reason means
// the agent is still mid-turn.
var terminalStopReasons = map[string]bool{
	"end_turn":  true,
	"stop":      true,
	"completed": true,
	"error":     true,
	"aborted":   true,
}

// poll runs one sweep and returns the number of sessions still watched.
func (t *Tracker) poll() int {
	now := time.Now()

	// Age out first so a dead gateway cannot pin entries forever.
	var timedOut []TrackedSession
	t.mu.Lock()
	for key, session := range t.sessions {
		if now.Sub(session.StartedAt) > t.cfg.MaxTrackTime {
			timedOut = append(timedOut, session)
			delete(t.sessions, key)
		}
	}
	remaining := len(t.sessions)
	t.mu.Unlock()

	for _, s := range timedOut {
		t.logger.Warn("dropping worker session tracked past the ceiling",
			"session_key", s.SessionKey, "worker_id", s.WorkerID, "max", t.cfg.MaxTrackTime)
		t.report(s, OutcomeTimeout)
	}
	if remaining == 0 {
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.PollInterval)
	defer cancel()
	listing, err := t.gateway.ListSessions(ctx, 200, 1)
	if err != nil {
		t.logger.Warn("tracker poll failed", "error", err)
		return remaining
	}
	byKey := make(map[string]core.SessionInfo, len(listing))
	for _, s := range listing {
		byKey[s.Key] = s
	}

	var completed []TrackedSession
	t.mu.Lock()
	for key, session := range t.sessions {
		info, present := byKey[key]
		if !present || terminalStopReasons[info.StopReason] {
			completed = append(completed, session)
			delete(t.sessions, key)
		}
	}
	remaining = len(t.sessions)
	t.mu.Unlock()

	for _, s := range completed {
		t.report(s, OutcomeCompleted)
	}
	return remaining
}

func (t *Tracker) report(session TrackedSession, outcome Outcome) {
	entryType := core.LedgerWorkerCompleted
	if outcome == OutcomeTimeout {
		entryType = core.LedgerWorkerFailed
	}
	if t.ledger != nil {
		err := t.ledger.Append(core.LedgerEntry{
			Type:        entryType,
			RunID:       session.RunID,
			PhaseNumber: session.PhaseNumber,
			WorkerID:    session.WorkerID,
			SessionKey:  session.SessionKey,
			Label:       session.Label,
			Status:      string(outcome),
			DurationMs:  time.Since(session.StartedAt).Milliseconds(),
		})
		if err != nil {
			t.logger.Error("ledger append failed", "run_id", session.RunID, "error", err)
		}
	}
	if t.onDone != nil {
		t.onDone(session, outcome)
	}
}
