// Package tui renders a running distribution in the terminal.
package tui

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/liliang-cn/msync/pkg/executor"
	"github.com/liliang-cn/msync/pkg/msync"
)

var (
	headerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4")).Bold(true)
	borderStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("62"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87"))
	detailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4"))
)

const (
	colSource = 16
	colDest   = 16
	colStatus = 10
	colTime   = 8
	colOutput = 36
)

// EventMsg delivers a sync event to the model.
type EventMsg msync.Event

// finishedMsg is sent when the background sync returns.
type finishedMsg struct {
	err error
}

type copyState struct {
	source  string
	dest    string
	started time.Time
	outcome *executor.Outcome
}

type roundSummary struct {
	round    int
	copies   int
	failed   int
	duration time.Duration
}

// SyncModel shows the current round and the overall progress of a run.
type SyncModel struct {
	mu sync.RWMutex

	source  string
	origin  string
	total   int
	dryRun  bool
	holders int

	round      int
	roundStart time.Time
	copies     []*copyState
	history    []roundSummary

	status   msync.Status
	err      error
	quitting bool
	aborted  bool

	spinner  spinner.Model
	progress progress.Model
}

// NewSyncModel creates a model for syncing source from origin to total
// destinations.
func NewSyncModel(source, origin string, total int, dryRun bool) *SyncModel {
	s := spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(spinnerStyle))
	p := progress.New(progress.WithGradient("#7D56F4", "#04B575"), progress.WithWidth(40))
	return &SyncModel{
		source:   source,
		origin:   origin,
		total:    total,
		dryRun:   dryRun,
		holders:  1,
		status:   msync.StatusRunning,
		spinner:  s,
		progress: p,
	}
}

func (m *SyncModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m *SyncModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.mu.Lock()
			m.quitting = true
			m.aborted = true
			m.mu.Unlock()
			return m, tea.Quit
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case EventMsg:
		m.apply(msync.Event(msg))
		if msg.Type == msync.EventDone {
			m.mu.Lock()
			m.quitting = true
			m.mu.Unlock()
			return m, tea.Quit
		}
		return m, nil

	case finishedMsg:
		m.mu.Lock()
		m.quitting = true
		if msg.err != nil && m.err == nil {
			m.err = msg.err
			m.status = msync.StatusFailed
		}
		m.mu.Unlock()
		return m, tea.Quit
	}

	return m, nil
}

func (m *SyncModel) apply(e msync.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch e.Type {
	case msync.EventRoundStarted:
		m.round = e.Round
		m.roundStart = time.Now()
		m.copies = make([]*copyState, len(e.Assignments))
		for i, a := range e.Assignments {
			m.copies[i] = &copyState{source: a.Source, dest: a.Destination, started: m.roundStart}
		}
		m.holders = e.Holders

	case msync.EventCopyFinished:
		for _, c := range m.copies {
			if c.dest == e.Outcome.Assignment.Destination {
				c.outcome = e.Outcome
			}
		}

	case msync.EventRoundFinished:
		m.holders = e.Holders
		if e.Result != nil {
			m.history = append(m.history, roundSummary{
				round:    e.Round,
				copies:   len(e.Result.Outcomes),
				failed:   len(e.Result.Failed),
				duration: time.Since(m.roundStart),
			})
			for _, o := range e.Result.Outcomes {
				for _, c := range m.copies {
					if c.dest == o.Assignment.Destination && c.outcome == nil {
						c.outcome = o
					}
				}
			}
		}

	case msync.EventDone:
		m.holders = e.Holders
		m.status = e.Status
		m.err = e.Err
	}
}

// Aborted reports whether the user quit before the sync finished.
func (m *SyncModel) Aborted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.aborted && m.status == msync.StatusRunning
}

func (m *SyncModel) View() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var b strings.Builder

	title := fmt.Sprintf("msync %s from %s to %d hosts", m.source, m.origin, m.total)
	if m.dryRun {
		title += " (dry run)"
	}
	b.WriteString(headerStyle.Render(title))
	b.WriteString("\n\n")

	done := m.holders - 1
	percent := 0.0
	if m.total > 0 {
		percent = float64(done) / float64(m.total)
	}
	b.WriteString(m.progress.ViewAs(percent))
	b.WriteString(fmt.Sprintf("  %d/%d hosts\n\n", done, m.total))

	for _, h := range m.history {
		line := fmt.Sprintf("round %d: %d copies in %s", h.round, h.copies, formatDuration(h.duration))
		if h.failed > 0 {
			b.WriteString(errStyle.Render(fmt.Sprintf("%s, %d failed", line, h.failed)))
		} else {
			b.WriteString(detailStyle.Render(line))
		}
		b.WriteString("\n")
	}

	if len(m.copies) > 0 {
		b.WriteString("\n")
		b.WriteString(headerStyle.Render(fmt.Sprintf("Round %d", m.round)))
		b.WriteString("\n")
		m.renderRound(&b)
	}

	switch {
	case m.status == msync.StatusSucceeded:
		b.WriteString(doneStyle.Render(fmt.Sprintf("\ndone: %d hosts in %d rounds\n", done, len(m.history))))
	case m.status == msync.StatusFailed && m.err != nil:
		b.WriteString(errStyle.Render("\nfailed: " + m.err.Error()))
		b.WriteString("\n")
	case !m.quitting:
		b.WriteString("\n")
		b.WriteString(detailStyle.Render("Press q to quit"))
	}

	return b.String()
}

func (m *SyncModel) renderRound(b *strings.Builder) {
	t := table{
		widths: []int{colSource, colDest, colStatus, colTime, colOutput},
		border: borderStyle,
	}

	b.WriteString(t.top())
	b.WriteString(t.row("Source", "Destination", "Status", "Time", "Output"))
	b.WriteString(t.sep())

	for _, c := range m.copies {
		var status, elapsed, output string
		switch {
		case c.outcome == nil:
			status = m.spinner.View() + " Copying"
			elapsed = formatDuration(time.Since(c.started))
		case c.outcome.Success():
			status = doneStyle.Render("✓ Done")
			elapsed = formatDuration(c.outcome.Duration)
			output = lastLine(c.outcome.Stdout)
		default:
			status = errStyle.Render("✗ Failed")
			elapsed = formatDuration(c.outcome.Duration)
			output = lastLine(c.outcome.Stderr)
			if output == "" && c.outcome.Err != nil {
				output = c.outcome.Err.Error()
			}
			if output == "" {
				output = fmt.Sprintf("exit code %d", c.outcome.ExitCode)
			}
		}

		b.WriteString(t.row(
			truncate(c.source, colSource),
			truncate(c.dest, colDest),
			status,
			elapsed,
			truncate(output, colOutput),
		))
	}

	b.WriteString(t.bottom())
}

func formatDuration(d time.Duration) string {
	if d >= time.Second {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dms", d.Milliseconds())
}

// Run shows model while work runs in the background. work receives a
// handler for msync.WithEventHandler. Quitting the view cancels the context
// passed to work. Run returns work's error.
func Run(ctx context.Context, model *SyncModel, work func(ctx context.Context, handler msync.EventHandler) error, opts ...tea.ProgramOption) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(model, append([]tea.ProgramOption{tea.WithContext(ctx)}, opts...)...)
	errCh := make(chan error, 1)
	go func() {
		err := work(ctx, func(e msync.Event) {
			p.Send(EventMsg(e))
		})
		errCh <- err
		p.Send(finishedMsg{err: err})
	}()

	_, runErr := p.Run()
	cancel()
	err := <-errCh
	if err == nil && runErr != nil && !model.Aborted() {
		return runErr
	}
	return err
}
