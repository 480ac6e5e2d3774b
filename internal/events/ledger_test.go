package events

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/swarmops/swarmops/internal/core"
)

func TestLedger_AppendAndReadAll(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ledger, err := NewLedger(dir, nil)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}

	entries := []core.LedgerEntry{
		{Type: core.LedgerWorkerSpawned, RunID: "run-1", WorkerID: "w1", SessionKey: "sess-1"},
		{Type: core.LedgerWorkerCompleted, RunID: "run-1", WorkerID: "w1", DurationMs: 1500},
		{Type: core.LedgerPhaseCompleted, RunID: "run-2", PhaseNumber: 1},
	}
	for _, e := range entries {
		if err := ledger.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	all, err := ledger.ReadAll("")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	for _, e := range all {
		if e.Timestamp.IsZero() {
			t.Error("timestamp not filled in")
		}
	}

	run1, err := ledger.ReadAll("run-1")
	if err != nil || len(run1) != 2 {
		t.Fatalf("ReadAll(run-1) = %d entries, %v; want 2", len(run1), err)
	}
}

func TestLedger_ToleratesTornLine(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ledger, err := NewLedger(dir, nil)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	if err := ledger.Append(core.LedgerEntry{Type: core.LedgerWorkerSpawned, RunID: "run-1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Simulate a crash mid-write.
	f, err := os.OpenFile(filepath.Join(dir, "ledger.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString(`{"type":"worker-comp`); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	all, err := ledger.ReadAll("")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("len = %d, want 1 (torn line skipped)", len(all))
	}
}

func TestLedger_PublishesToBus(t *testing.T) {
	t.Parallel()
	bus := NewBus(10)
	defer bus.Close()
	ch := bus.Subscribe(core.LedgerWorkerSpawned)

	ledger, err := NewLedger(t.TempDir(), bus)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	if err := ledger.Append(core.LedgerEntry{Type: core.LedgerWorkerSpawned, RunID: "run-1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.EventType() != core.LedgerWorkerSpawned || ev.RunID() != "run-1" {
			t.Errorf("event = %v %v", ev.EventType(), ev.RunID())
		}
	case <-time.After(time.Second):
		t.Fatal("no event published to bus")
	}
}

func TestBus_SubscribeFilterAndDrop(t *testing.T) {
	t.Parallel()
	bus := NewBus(1)
	defer bus.Close()

	filtered := bus.Subscribe("phase-completed")
	bus.Publish(NewBaseEvent("worker-spawned", "run-1"))
	bus.Publish(NewBaseEvent("phase-completed", "run-1"))

	select {
	case ev := <-filtered:
		if ev.EventType() != "phase-completed" {
			t.Errorf("got %q through filter", ev.EventType())
		}
	case <-time.After(time.Second):
		t.Fatal("filtered event not delivered")
	}

	// Overflow drops oldest, keeps newest.
	bus.Publish(NewBaseEvent("phase-completed", "run-2"))
	bus.Publish(NewBaseEvent("phase-completed", "run-3"))
	select {
	case ev := <-filtered:
		if ev.RunID() != "run-3" {
			t.Errorf("RunID = %q, want run-3 (oldest dropped)", ev.RunID())
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered after overflow")
	}
	if bus.DroppedCount() == 0 {
		t.Error("DroppedCount = 0, want > 0")
	}
}
