package diagnostics

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestProcessMonitor_Sample(t *testing.T) {
	t.Parallel()
	m := NewProcessMonitor(MonitorOptions{})

	s := m.Sample()
	if s.Goroutines <= 0 {
		t.Errorf("Goroutines = %d", s.Goroutines)
	}
	if s.OpenFDs <= 0 {
		t.Errorf("OpenFDs = %d", s.OpenFDs)
	}
	if s.HeapAllocMB <= 0 {
		t.Errorf("HeapAllocMB = %f", s.HeapAllocMB)
	}
	if s.MaxFDs > 0 && s.FDPercent() <= 0 {
		t.Errorf("FDPercent = %f with MaxFDs %d", s.FDPercent(), s.MaxFDs)
	}
}

func TestProcessMonitor_WindowTrimsToSize(t *testing.T) {
	t.Parallel()
	m := NewProcessMonitor(MonitorOptions{WindowSize: 3})

	for i := 0; i < 5; i++ {
		m.record(ProcessSample{OpenFDs: i})
	}

	window := m.Window()
	if len(window) != 3 {
		t.Fatalf("window size = %d", len(window))
	}
	// Oldest entries fall off first.
	if window[0].OpenFDs != 2 || window[2].OpenFDs != 4 {
		t.Errorf("window = %+v", window)
	}

	latest, ok := m.Latest()
	if !ok || latest.OpenFDs != 4 {
		t.Errorf("Latest = %+v, ok = %v", latest, ok)
	}
}

func TestProcessMonitor_Growth(t *testing.T) {
	t.Parallel()
	m := NewProcessMonitor(MonitorOptions{})
	base := time.Now()

	m.record(ProcessSample{Taken: base, OpenFDs: 100, Goroutines: 50, HeapAllocMB: 200})
	m.record(ProcessSample{
		Taken:       base.Add(time.Hour),
		OpenFDs:     150,
		Goroutines:  500,
		HeapAllocMB: 450,
	})

	growth := m.Growth()
	if growth.FDsPerHour != 50 {
		t.Errorf("FDsPerHour = %f", growth.FDsPerHour)
	}
	if growth.GoroutinesPerHour != 450 {
		t.Errorf("GoroutinesPerHour = %f", growth.GoroutinesPerHour)
	}
	if growth.HeapMBPerHour != 250 {
		t.Errorf("HeapMBPerHour = %f", growth.HeapMBPerHour)
	}

	wantNotes := []string{"descriptors growing", "goroutines growing", "heap growing"}
	for _, want := range wantNotes {
		found := false
		for _, note := range growth.Notes {
			if strings.Contains(note, want) {
				found = true
			}
		}
		if !found {
			t.Errorf("expected note containing %q, got %v", want, growth.Notes)
		}
	}
}

func TestProcessMonitor_GrowthIgnoresShortWindows(t *testing.T) {
	t.Parallel()
	m := NewProcessMonitor(MonitorOptions{})
	base := time.Now()

	// Ten seconds between samples is too little to call a trend.
	m.record(ProcessSample{Taken: base, OpenFDs: 100})
	m.record(ProcessSample{Taken: base.Add(10 * time.Second), OpenFDs: 500})

	growth := m.Growth()
	if growth.FDsPerHour != 0 || len(growth.Notes) != 0 {
		t.Errorf("expected empty report, got %+v", growth)
	}
}

func TestThresholdNotes(t *testing.T) {
	t.Parallel()
	opts := MonitorOptions{}.withDefaults()

	tests := []struct {
		name     string
		sample   ProcessSample
		wantNote string
	}{
		{
			name:   "all under thresholds",
			sample: ProcessSample{OpenFDs: 50, MaxFDs: 1024, Goroutines: 100, HeapAllocMB: 64},
		},
		{
			name:     "descriptor share over limit",
			sample:   ProcessSample{OpenFDs: 900, MaxFDs: 1024, Goroutines: 100, HeapAllocMB: 64},
			wantNote: "descriptor usage",
		},
		{
			name:     "goroutine flood",
			sample:   ProcessSample{OpenFDs: 50, MaxFDs: 1024, Goroutines: 5000, HeapAllocMB: 64},
			wantNote: "goroutines",
		},
		{
			name:     "heap over threshold",
			sample:   ProcessSample{OpenFDs: 50, MaxFDs: 1024, Goroutines: 100, HeapAllocMB: 4096},
			wantNote: "heap",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			notes := thresholdNotes(tt.sample, opts)
			if tt.wantNote == "" {
				if len(notes) != 0 {
					t.Errorf("expected no notes, got %v", notes)
				}
				return
			}
			if len(notes) != 1 || !strings.Contains(notes[0], tt.wantNote) {
				t.Errorf("notes = %v, want one containing %q", notes, tt.wantNote)
			}
		})
	}
}

func TestProcessMonitor_StartAndStop(t *testing.T) {
	t.Parallel()
	m := NewProcessMonitor(MonitorOptions{Interval: 10 * time.Millisecond, WindowSize: 5})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := m.Latest(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no sample recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}

	m.Stop()
	m.Stop() // idempotent
}
