package diagnostics

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// ProcessSample is one observation of this process. The serve loop runs
// for days while workers come and go; a slow climb in any of these
// numbers means a spawn or callback path is leaking.
type ProcessSample struct {
	Taken       time.Time `json:"taken"`
	OpenFDs     int       `json:"open_fds"`
	MaxFDs      int       `json:"max_fds"`
	Goroutines  int       `json:"goroutines"`
	HeapAllocMB float64   `json:"heap_alloc_mb"`
	NumGC       uint32    `json:"num_gc"`
	Uptime      time.Duration `json:"uptime"`
}

// FDPercent is open descriptors as a share of the process limit.
func (s ProcessSample) FDPercent() float64 {
	if s.MaxFDs == 0 {
		return 0
	}
	return float64(s.OpenFDs) / float64(s.MaxFDs) * 100
}

// GrowthReport holds per-hour rates over the retained window.
type GrowthReport struct {
	FDsPerHour        float64
	GoroutinesPerHour float64
	HeapMBPerHour     float64
	Notes             []string
}

// MonitorOptions configures a ProcessMonitor. Zero values take the
// defaults noted per field.
type MonitorOptions struct {
	Interval      time.Duration // default 30s
	WindowSize    int           // samples retained, default 120
	FDWarnPercent float64       // warn above this FD share, default 80
	GoroutineWarn int           // warn above this count, default 2000
	HeapWarnMB    float64       // warn above this heap size, default 2048
	Logger        *slog.Logger
}

func (o MonitorOptions) withDefaults() MonitorOptions {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.WindowSize <= 0 {
		o.WindowSize = 120
	}
	if o.FDWarnPercent <= 0 {
		o.FDWarnPercent = 80
	}
	if o.GoroutineWarn <= 0 {
		o.GoroutineWarn = 2000
	}
	if o.HeapWarnMB <= 0 {
		o.HeapWarnMB = 2048
	}
	return o
}

// ProcessMonitor samples the orchestrator process on an interval and
// logs when a threshold is crossed or a leak-shaped trend appears.
type ProcessMonitor struct {
	opts    MonitorOptions
	started time.Time

	mu     sync.RWMutex
	window []ProcessSample

	stopOnce sync.Once
	stop     chan struct{}
}

func NewProcessMonitor(opts MonitorOptions) *ProcessMonitor {
	opts = opts.withDefaults()
	return &ProcessMonitor{
		opts:    opts,
		started: time.Now(),
		window:  make([]ProcessSample, 0, opts.WindowSize),
		stop:    make(chan struct{}),
	}
}

// Start launches the sampling loop. It returns immediately; the loop
// ends when ctx is cancelled or Stop is called.
func (m *ProcessMonitor) Start(ctx context.Context) {
	go func() {
		m.observe()

		ticker := time.NewTicker(m.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.observe()
			}
		}
	}()
}

// Stop ends the sampling loop. Safe to call more than once.
func (m *ProcessMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Sample captures the process state right now without recording it.
func (m *ProcessMonitor) Sample() ProcessSample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	open, limit := CountFDs()

	return ProcessSample{
		Taken:       time.Now(),
		OpenFDs:     open,
		MaxFDs:      limit,
		Goroutines:  runtime.NumGoroutine(),
		HeapAllocMB: float64(ms.HeapAlloc) / 1024 / 1024,
		NumGC:       ms.NumGC,
		Uptime:      time.Since(m.started),
	}
}

// Window returns the retained samples, oldest first.
func (m *ProcessMonitor) Window() []ProcessSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ProcessSample, len(m.window))
	copy(out, m.window)
	return out
}

// Latest returns the most recent recorded sample.
func (m *ProcessMonitor) Latest() (ProcessSample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.window) == 0 {
		return ProcessSample{}, false
	}
	return m.window[len(m.window)-1], true
}

func (m *ProcessMonitor) observe() {
	s := m.Sample()
	m.record(s)

	notes := thresholdNotes(s, m.opts)
	notes = append(notes, m.Growth().Notes...)
	if m.opts.Logger != nil {
		for _, note := range notes {
			m.opts.Logger.Warn("resource pressure", "detail", note,
				"open_fds", s.OpenFDs, "goroutines", s.Goroutines,
				"heap_mb", fmt.Sprintf("%.1f", s.HeapAllocMB))
		}
	}
}

func (m *ProcessMonitor) record(s ProcessSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.window = append(m.window, s)
	if len(m.window) > m.opts.WindowSize {
		m.window = m.window[len(m.window)-m.opts.WindowSize:]
	}
}

// Growth computes per-hour rates between the oldest and newest retained
// samples. Windows shorter than a minute are too noisy to judge and
// report zero rates.
func (m *ProcessMonitor) Growth() GrowthReport {
	window := m.Window()
	if len(window) < 2 {
		return GrowthReport{}
	}
	oldest, newest := window[0], window[len(window)-1]
	hours := newest.Taken.Sub(oldest.Taken).Hours()
	if hours < 1.0/60 {
		return GrowthReport{}
	}

	report := GrowthReport{
		FDsPerHour:        float64(newest.OpenFDs-oldest.OpenFDs) / hours,
		GoroutinesPerHour: float64(newest.Goroutines-oldest.Goroutines) / hours,
		HeapMBPerHour:     (newest.HeapAllocMB - oldest.HeapAllocMB) / hours,
	}
	if report.FDsPerHour > 10 {
		report.Notes = append(report.Notes, fmt.Sprintf(
			"descriptors growing %.1f/hour, unclosed worktree or session handles", report.FDsPerHour))
	}
	if report.GoroutinesPerHour > 100 {
		report.Notes = append(report.Notes, fmt.Sprintf(
			"goroutines growing %.1f/hour, stuck spawn or callback waiters", report.GoroutinesPerHour))
	}
	if report.HeapMBPerHour > 100 {
		report.Notes = append(report.Notes, fmt.Sprintf(
			"heap growing %.1f MB/hour", report.HeapMBPerHour))
	}
	return report
}

func thresholdNotes(s ProcessSample, opts MonitorOptions) []string {
	var notes []string
	if pct := s.FDPercent(); pct > opts.FDWarnPercent {
		notes = append(notes, fmt.Sprintf(
			"descriptor usage %.0f%% of limit %d", pct, s.MaxFDs))
	}
	if s.Goroutines > opts.GoroutineWarn {
		notes = append(notes, fmt.Sprintf(
			"%d goroutines, threshold %d", s.Goroutines, opts.GoroutineWarn))
	}
	if s.HeapAllocMB > opts.HeapWarnMB {
		notes = append(notes, fmt.Sprintf(
			"heap %.0f MB, threshold %.0f MB", s.HeapAllocMB, opts.HeapWarnMB))
	}
	return notes
}
