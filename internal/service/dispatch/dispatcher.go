package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/logging"
)

// Config tunes the dispatcher on top of the guard.
type Config struct {
	Guard          GuardConfig
	VerifySpawn    bool
	VerifyDelay    time.Duration
	VerifyMaxPolls int
	MaxRetries     int // attempts beyond the first
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Guard:          DefaultGuardConfig(),
		VerifySpawn:    true,
		VerifyDelay:    2 * time.Second,
		VerifyMaxPolls: 3,
		MaxRetries:     2,
	}
}

// Request describes one session to spawn.
type Request struct {
	RunID       string
	PhaseNumber int
	WorkerID    string
	LabelBase   string // label prefix; a unique suffix is always appended
	Task        string // full prompt handed to the agent
	Role        core.Role

	// SkipGuard bypasses the circuit and window, for operator-forced spawns.
	SkipGuard bool
	// SkipVerify skips the post-spawn liveness polls for this call only.
	SkipVerify bool
}

// Dispatcher spawns sessions through the gateway behind the guard, with
// post-spawn verification and bounded retries.
type Dispatcher struct {
	gateway core.AgentGateway
	guard   *Guard
	ledger  core.Ledger
	logger  *logging.Logger
	cfg     Config

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a dispatcher. ledger may be nil.
func NewDispatcher(gw core.AgentGateway, ledger core.Ledger, cfg Config, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Dispatcher{
		gateway: gw,
		guard:   NewGuard(cfg.Guard),
		ledger:  ledger,
		logger:  logger,
		cfg:     cfg,
		sleep:   sleepCtx,
	}
}

// Guard exposes the guard for the status surface.
func (d *Dispatcher) Guard() *Guard {
	return d.guard
}

// Dispatch spawns one session. Guard rejections return immediately with
// a retry hint; spawn and verification failures are retried with a fresh
// label up to cfg.MaxRetries times.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*core.SpawnReceipt, error) {
	if !req.SkipGuard {
		if err := d.guard.Admit(); err != nil {
			d.logger.Warn("spawn blocked by guard", "run_id", req.RunID, "worker_id", req.WorkerID, "error", err)
			return nil, err
		}
	}

	// Failures recorded by earlier calls owe a backoff before the first
	// attempt of this one.
	if backoff := d.guard.Backoff(); backoff > 0 {
		d.logger.Warn("backing off before spawn",
			"run_id", req.RunID, "worker_id", req.WorkerID, "backoff", backoff)
		if err := d.sleep(ctx, backoff); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := d.guard.RecordFailure()
			d.logger.Warn("retrying spawn",
				"run_id", req.RunID, "worker_id", req.WorkerID,
				"attempt", attempt, "backoff", backoff, "error", lastErr)
			if err := d.sleep(ctx, backoff); err != nil {
				return nil, err
			}
			if !req.SkipGuard {
				if err := d.guard.Admit(); err != nil {
					return nil, err
				}
			}
		}

		label := UniqueLabel(req.LabelBase)
		receipt, err := d.spawnOnce(ctx, req, label)
		if err != nil {
			lastErr = err
			if !shouldRetry(err) {
				d.guard.RecordFailure()
				return nil, err
			}
			continue
		}

		d.guard.RecordSuccess()
		d.appendSpawned(req, label, receipt)
		return receipt, nil
	}

	d.guard.RecordFailure()
	return nil, fmt.Errorf("spawn failed after %d attempts: %w", d.cfg.MaxRetries+1, lastErr)
}

// spawnOnce performs one spawn plus optional verification.
func (d *Dispatcher) spawnOnce(ctx context.Context, req Request, label string) (*core.SpawnReceipt, error) {
	args := core.SpawnArgs{
		Task:    req.Task,
		Label:   label,
		Cleanup: req.Role.Cleanup,
	}
	if req.Role.Model != "" {
		args.Model = &req.Role.Model
	}
	if req.Role.Thinking != "" {
		args.Thinking = &req.Role.Thinking
	}
	if req.Role.RunTimeoutSeconds > 0 {
		args.RunTimeoutSeconds = &req.Role.RunTimeoutSeconds
	}
	if args.Cleanup == "" {
		args.Cleanup = core.CleanupDelete
	}

	receipt, err := d.gateway.SpawnSession(ctx, args)
	if err != nil {
		return nil, err
	}

	if d.cfg.VerifySpawn && !req.SkipVerify {
		if err := d.verify(ctx, receipt.SessionKey); err != nil {
			return nil, err
		}
	}
	return receipt, nil
}

// verify polls the session listing until the spawned key shows signs of
// life. The gateway registers sessions asynchronously, hence the delay
// before the first poll.
func (d *Dispatcher) verify(ctx context.Context, sessionKey string) error {
	for poll := 0; poll < d.cfg.VerifyMaxPolls; poll++ {
		if err := d.sleep(ctx, d.cfg.VerifyDelay); err != nil {
			return err
		}
		sessions, err := d.gateway.ListSessions(ctx, 100, 1)
		if err != nil {
			d.logger.Warn("verification poll failed", "session_key", sessionKey, "error", err)
			continue
		}
		for _, s := range sessions {
			if s.Key == sessionKey && s.IsRunning() {
				return nil
			}
		}
	}
	return &core.DomainError{
		Category:  core.ErrCatExecution,
		Code:      core.CodeSpawnVerificationFailed,
		Message:   fmt.Sprintf("session %s never showed activity after %d polls", sessionKey, d.cfg.VerifyMaxPolls),
		Retryable: true,
	}
}

func (d *Dispatcher) appendSpawned(req Request, label string, receipt *core.SpawnReceipt) {
	if d.ledger == nil {
		return
	}
	err := d.ledger.Append(core.LedgerEntry{
		Type:        core.LedgerWorkerSpawned,
		RunID:       req.RunID,
		PhaseNumber: req.PhaseNumber,
		WorkerID:    req.WorkerID,
		SessionKey:  receipt.SessionKey,
		Label:       label,
		Details:     map[string]any{"role": req.Role.Name},
	})
	if err != nil {
		d.logger.Error("ledger append failed", "run_id", req.RunID, "error", err)
	}
}

// shouldRetry decides whether a spawn failure is worth a fresh attempt.
// Verification failures always are: a new label sidesteps gateway dedupe.
func shouldRetry(err error) bool {
	var domErr *core.DomainError
	if !errors.As(err, &domErr) {
		return false
	}
	if domErr.Code == core.CodeSpawnVerificationFailed {
		return true
	}
	return domErr.Retryable
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
