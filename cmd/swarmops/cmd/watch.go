package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/swarmops/swarmops/internal/core"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live view of runs and the ledger",
	Long: `A terminal dashboard that polls the run stores and tails the ledger.
Press q to quit.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

const ledgerTailLines = 12

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cfg, newLogger(cfg), false)
	if err != nil {
		return err
	}
	defer a.Close()

	ledgerEvents := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go tailLedger(ctx, a.ledger.Path(), ledgerEvents)

	model := newWatchModel(a, ledgerEvents)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = program.Run()
	return err
}

// tailLedger signals on every append to the ledger file. The watcher is
// registered on the directory so the signal survives file rotation.
func tailLedger(ctx context.Context, path string, out chan<- struct{}) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name != path || !event.Op.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			select {
			case out <- struct{}{}:
			default:
			}
		case <-watcher.Errors:
		}
	}
}

type watchTickMsg time.Time

type watchLedgerMsg struct{}

type watchStateMsg struct {
	runs    []*core.RunState
	phases  map[string][]*core.Phase
	entries []core.LedgerEntry
	err     error
}

type watchModel struct {
	a            *app
	ledgerEvents <-chan struct{}
	sp           spinner.Model

	runs    []*core.RunState
	phases  map[string][]*core.Phase
	entries []core.LedgerEntry
	err     error
	width   int
	height  int
}

func newWatchModel(a *app, ledgerEvents <-chan struct{}) watchModel {
	sp := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("63"))),
	)
	return watchModel{a: a, ledgerEvents: ledgerEvents, sp: sp, phases: map[string][]*core.Phase{}}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.loadState(), watchTick(), m.waitLedger(), m.sp.Tick)
}

func watchTick() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return watchTickMsg(t)
	})
}

func (m watchModel) waitLedger() tea.Cmd {
	return func() tea.Msg {
		<-m.ledgerEvents
		return watchLedgerMsg{}
	}
}

// loadState reads everything the view needs in one command, off the
// update loop.
func (m watchModel) loadState() tea.Cmd {
	a := m.a
	return func() tea.Msg {
		ctx := context.Background()
		runs, err := a.runs.ListRuns(ctx)
		if err != nil {
			return watchStateMsg{err: err}
		}
		phases := make(map[string][]*core.Phase, len(runs))
		for _, run := range runs {
			if run.Status != core.RunStatusRunning {
				continue
			}
			if ph, err := a.phases.ListPhases(ctx, run.RunID); err == nil {
				phases[run.RunID] = ph
			}
		}
		return watchStateMsg{runs: runs, phases: phases, entries: readLedgerTail(a.ledger.Path())}
	}
}

func readLedgerTail(path string) []core.LedgerEntry {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var entries []core.LedgerEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry core.LedgerEntry
		if json.Unmarshal(scanner.Bytes(), &entry) == nil {
			entries = append(entries, entry)
		}
	}
	if len(entries) > ledgerTailLines {
		entries = entries[len(entries)-ledgerTailLines:]
	}
	return entries
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.loadState()
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.sp, cmd = m.sp.Update(msg)
		return m, cmd
	case watchTickMsg:
		return m, tea.Batch(m.loadState(), watchTick())
	case watchLedgerMsg:
		return m, tea.Batch(m.loadState(), m.waitLedger())
	case watchStateMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.runs = msg.runs
		m.phases = msg.phases
		m.entries = msg.entries
	}
	return m, nil
}

var (
	watchTitle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	watchHeader = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245"))
	watchBorder = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

func (m watchModel) View() string {
	var b strings.Builder
	header := watchTitle.Render("swarmops") + "  " +
		statusDim.Render(time.Now().Format("15:04:05"))
	if m.anyRunning() {
		header += "  " + m.sp.View()
	}
	b.WriteString(header + "\n\n")

	if m.err != nil {
		b.WriteString(statusBad.Render(fmt.Sprintf("error: %v", m.err)) + "\n")
		return b.String()
	}

	b.WriteString(m.runsPane() + "\n")
	b.WriteString(m.ledgerPane() + "\n")
	b.WriteString(statusDim.Render("q quit · r refresh") + "\n")
	return b.String()
}

func (m watchModel) anyRunning() bool {
	for _, run := range m.runs {
		if run.Status == core.RunStatusRunning {
			return true
		}
	}
	return false
}

func (m watchModel) runsPane() string {
	if len(m.runs) == 0 {
		return watchBorder.Render("No runs")
	}

	var rows []string
	rows = append(rows, watchHeader.Render(fmt.Sprintf("%-14s %-12s %-8s %s", "RUN", "PROJECT", "PHASES", "STATUS")))
	for _, run := range m.runs {
		rows = append(rows, fmt.Sprintf("%-14s %-12s %-8d %s",
			truncateTo(run.RunID, 14), truncateTo(run.ProjectName, 12),
			len(run.Phases), colorStatus(string(run.Status))))
		for _, ph := range m.phases[run.RunID] {
			done := 0
			for i := range ph.Workers {
				if ph.Workers[i].IsTerminal() {
					done++
				}
			}
			rows = append(rows, fmt.Sprintf("  phase %-2d %d/%d workers  %s",
				ph.PhaseNumber, done, len(ph.Workers), colorStatus(string(ph.Status))))
		}
	}
	return watchBorder.Render(strings.Join(rows, "\n"))
}

func (m watchModel) ledgerPane() string {
	if len(m.entries) == 0 {
		return watchBorder.Render("Ledger empty")
	}
	var rows []string
	rows = append(rows, watchHeader.Render("LEDGER"))
	for _, entry := range m.entries {
		scope := entry.RunID
		if entry.PhaseNumber > 0 {
			scope = fmt.Sprintf("%s/%d", entry.RunID, entry.PhaseNumber)
		}
		rows = append(rows, fmt.Sprintf("%s  %-22s %-20s %s",
			entry.Timestamp.Format("15:04:05"),
			entry.Type,
			truncateTo(scope, 20),
			statusDim.Render(truncateTo(entry.Status, 30))))
	}
	return watchBorder.Render(strings.Join(rows, "\n"))
}

func truncateTo(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
