package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/swarmops/swarmops/internal/core"
)

// MockGateway is a scriptable in-memory core.AgentGateway.
type MockGateway struct {
	mu        sync.Mutex
	spawned   []core.SpawnArgs
	spawnErrs []error // consumed per call, nil entries mean success
	sessions  []core.SessionInfo
	listErr   error
	nextKey   int
}

// NewMockGateway creates a gateway that accepts every spawn.
func NewMockGateway() *MockGateway {
	return &MockGateway{}
}

// WithSpawnErrors scripts the outcome of successive SpawnSession calls.
// A nil entry means success; calls beyond the script succeed.
func (g *MockGateway) WithSpawnErrors(errs ...error) *MockGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.spawnErrs = append(g.spawnErrs, errs...)
	return g
}

// WithListError makes ListSessions fail.
func (g *MockGateway) WithListError(err error) *MockGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listErr = err
	return g
}

func (g *MockGateway) SpawnSession(_ context.Context, args core.SpawnArgs) (*core.SpawnReceipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.spawned = append(g.spawned, args)
	if len(g.spawnErrs) > 0 {
		err := g.spawnErrs[0]
		g.spawnErrs = g.spawnErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	g.nextKey++
	key := fmt.Sprintf("agent:mock:%d", g.nextKey)
	g.sessions = append(g.sessions, core.SessionInfo{Key: key, TotalTokens: 1, Messages: 1})
	return &core.SpawnReceipt{SessionKey: key}, nil
}

func (g *MockGateway) ListSessions(_ context.Context, _, _ int) ([]core.SessionInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listErr != nil {
		return nil, g.listErr
	}
	out := make([]core.SessionInfo, len(g.sessions))
	copy(out, g.sessions)
	return out, nil
}

// Spawned returns every SpawnSession argument seen so far.
func (g *MockGateway) Spawned() []core.SpawnArgs {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]core.SpawnArgs, len(g.spawned))
	copy(out, g.spawned)
	return out
}

// SpawnCount returns the number of SpawnSession calls.
func (g *MockGateway) SpawnCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.spawned)
}

// LastLabel returns the label of the most recent spawn, or "".
func (g *MockGateway) LastLabel() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.spawned) == 0 {
		return ""
	}
	return g.spawned[len(g.spawned)-1].Label
}

// LastTask returns the task prompt of the most recent spawn, or "".
func (g *MockGateway) LastTask() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.spawned) == 0 {
		return ""
	}
	return g.spawned[len(g.spawned)-1].Task
}

// EndSession marks a session as terminal in subsequent listings.
func (g *MockGateway) EndSession(key, stopReason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.sessions {
		if g.sessions[i].Key == key {
			g.sessions[i].StopReason = stopReason
		}
	}
}

// DropSession removes a session from subsequent listings.
func (g *MockGateway) DropSession(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.sessions[:0]
	for _, s := range g.sessions {
		if s.Key != key {
			kept = append(kept, s)
		}
	}
	g.sessions = kept
}

// MemLedger is an in-memory core.Ledger.
type MemLedger struct {
	mu      sync.Mutex
	entries []core.LedgerEntry
}

// NewMemLedger creates an empty ledger.
func NewMemLedger() *MemLedger {
	return &MemLedger{}
}

func (l *MemLedger) Append(entry core.LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

// Entries returns a copy of everything appended so far.
func (l *MemLedger) Entries() []core.LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]core.LedgerEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// ByType returns the entries of one type, in append order.
func (l *MemLedger) ByType(entryType string) []core.LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []core.LedgerEntry
	for _, e := range l.entries {
		if e.Type == entryType {
			out = append(out, e)
		}
	}
	return out
}
