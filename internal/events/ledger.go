package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/swarmops/swarmops/internal/core"
)

// Ledger is the append-only JSONL audit stream. One JSON object per line;
// rotation is the operator's job, not ours. Entries are totally ordered
// within a process; across processes only the timestamp orders them.
type Ledger struct {
	path string
	bus  *Bus // optional live fan-out
	mu   sync.Mutex
}

// NewLedger creates a ledger writing to <dataDir>/ledger.jsonl.
func NewLedger(dataDir string, bus *Bus) (*Ledger, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}
	return &Ledger{
		path: filepath.Join(dataDir, "ledger.jsonl"),
		bus:  bus,
	}, nil
}

// Path returns the ledger file location.
func (l *Ledger) Path() string {
	return l.path
}

// Append writes one entry. The timestamp is filled in when absent.
func (l *Ledger) Append(entry core.LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling ledger entry: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending ledger entry: %w", err)
	}

	if l.bus != nil {
		l.bus.Publish(ledgerEvent{
			BaseEvent: BaseEvent{Type: entry.Type, Time: entry.Timestamp, Run: entry.RunID},
			Entry:     entry,
		})
	}
	return nil
}

// ledgerEvent mirrors a ledger entry onto the bus.
type ledgerEvent struct {
	BaseEvent
	Entry core.LedgerEntry `json:"entry"`
}

// ReadAll returns every entry, optionally filtered by runID.
func (l *Ledger) ReadAll(runID string) ([]core.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	entries := make([]core.LedgerEntry, 0)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry core.LedgerEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			// A torn final line from a crash is tolerated; skip it.
			continue
		}
		if runID != "" && entry.RunID != runID {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}
