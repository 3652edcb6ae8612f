package tui

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/liliang-cn/msync/pkg/executor"
	"github.com/liliang-cn/msync/pkg/msync"
	"github.com/liliang-cn/msync/pkg/scheduler"
)

func roundOne() []scheduler.Assignment {
	return []scheduler.Assignment{
		{Round: 2, Source: "host1", Destination: "host7"},
		{Round: 2, Source: "host8", Destination: "host6"},
	}
}

func TestNewSyncModel(t *testing.T) {
	model := NewSyncModel("/srv/app", "host1", 7, false)

	if model.holders != 1 {
		t.Errorf("Expected 1 holder, got %d", model.holders)
	}
	if model.status != msync.StatusRunning {
		t.Errorf("Expected status running, got %s", model.status)
	}
	if model.Init() == nil {
		t.Error("Init should return a cmd")
	}
}

func TestSyncModel_Update_KeyMsg(t *testing.T) {
	tests := []struct {
		name     string
		key      tea.KeyMsg
		quitting bool
	}{
		{"ctrl+c", tea.KeyMsg{Type: tea.KeyCtrlC}, true},
		{"q", tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}}, true},
		{"up", tea.KeyMsg{Type: tea.KeyUp}, false},
		{"enter", tea.KeyMsg{Type: tea.KeyEnter}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := NewSyncModel("/srv/app", "host1", 3, false)
			newModel, _ := model.Update(tt.key)
			m := newModel.(*SyncModel)
			if m.quitting != tt.quitting {
				t.Errorf("after %s, quitting=%v, want %v", tt.name, m.quitting, tt.quitting)
			}
			if m.Aborted() != tt.quitting {
				t.Errorf("after %s, Aborted()=%v, want %v", tt.name, m.Aborted(), tt.quitting)
			}
		})
	}
}

func TestSyncModel_RoundProgress(t *testing.T) {
	model := NewSyncModel("/srv/app", "host1", 7, false)

	model.Update(EventMsg{Type: msync.EventRoundStarted, Round: 2, Assignments: roundOne(), Holders: 2, Pending: 6})
	view := model.View()
	if !strings.Contains(view, "Round 2") {
		t.Error("Expected view to contain the current round")
	}
	if !strings.Contains(view, "Copying") {
		t.Error("Expected running copies to show as copying")
	}
	if !strings.Contains(view, "1/7 hosts") {
		t.Errorf("Expected 1/7 hosts in view, got:\n%s", view)
	}

	model.Update(EventMsg{Type: msync.EventCopyFinished, Outcome: &executor.Outcome{
		Assignment: roundOne()[0],
		Stdout:     "sending incremental file list\nsent 1,024 bytes\n",
		Duration:   1500 * time.Millisecond,
	}})
	view = model.View()
	if !strings.Contains(view, "✓ Done") || !strings.Contains(view, "sent 1,024 bytes") {
		t.Errorf("Expected finished copy with its last output line, got:\n%s", view)
	}
	if !strings.Contains(view, "1.5s") {
		t.Error("Expected copy duration in view")
	}

	failed := &executor.Outcome{Assignment: roundOne()[1], ExitCode: 23, Stderr: "rsync error: partial transfer\n"}
	model.Update(EventMsg{Type: msync.EventRoundFinished, Round: 2, Holders: 3, Result: &executor.RoundResult{
		Round:    2,
		Outcomes: []*executor.Outcome{{Assignment: roundOne()[0]}, failed},
		Failed:   []*executor.Outcome{failed},
	}})
	view = model.View()
	if !strings.Contains(view, "rsync error: partial transfer") {
		t.Errorf("Expected failure output in view, got:\n%s", view)
	}
	if !strings.Contains(view, "round 2: 2 copies") || !strings.Contains(view, "1 failed") {
		t.Errorf("Expected round history in view, got:\n%s", view)
	}
	if !strings.Contains(view, "2/7 hosts") {
		t.Error("Expected holder count to follow the round result")
	}
}

func TestSyncModel_Done(t *testing.T) {
	model := NewSyncModel("/srv/app", "host1", 2, true)
	model.Update(EventMsg{Type: msync.EventRoundStarted, Round: 1, Assignments: roundOne()[:1], Holders: 1})
	model.Update(EventMsg{Type: msync.EventRoundFinished, Round: 1, Holders: 2, Result: &executor.RoundResult{Round: 1}})

	newModel, cmd := model.Update(EventMsg{Type: msync.EventDone, Holders: 3, Status: msync.StatusSucceeded})
	m := newModel.(*SyncModel)
	if !m.quitting {
		t.Error("Expected quitting after done event")
	}
	if cmd == nil {
		t.Error("Expected quit command after done event")
	}
	if m.Aborted() {
		t.Error("A finished sync must not report aborted")
	}

	view := m.View()
	if !strings.Contains(view, "(dry run)") {
		t.Error("Expected dry run marker in header")
	}
	if !strings.Contains(view, "done: 2 hosts in 1 rounds") {
		t.Errorf("Expected final line, got:\n%s", view)
	}
	if strings.Contains(view, "Press q to quit") {
		t.Error("Expected no quit hint after completion")
	}
}

func TestSyncModel_FinishedWithError(t *testing.T) {
	model := NewSyncModel("/srv/app", "host1", 2, false)
	newModel, _ := model.Update(finishedMsg{err: errors.New("prerequisite missing: rsync")})
	m := newModel.(*SyncModel)

	if m.status != msync.StatusFailed {
		t.Errorf("Expected failed status, got %s", m.status)
	}
	if !strings.Contains(m.View(), "failed: prerequisite missing: rsync") {
		t.Error("Expected error in view")
	}
}

func TestSyncModel_SpinnerTick(t *testing.T) {
	model := NewSyncModel("/srv/app", "host1", 1, false)
	newModel, _ := model.Update(spinner.TickMsg{})
	if newModel.(*SyncModel).View() == "" {
		t.Error("expected non-empty view")
	}
}

func TestRun(t *testing.T) {
	model := NewSyncModel("/srv/app", "host1", 1, false)
	wantErr := errors.New("round 1 failed")

	err := Run(context.Background(), model, func(ctx context.Context, handler msync.EventHandler) error {
		handler(msync.Event{Type: msync.EventRoundStarted, Round: 1, Assignments: roundOne()[:1], Holders: 1})
		handler(msync.Event{Type: msync.EventDone, Holders: 1, Status: msync.StatusFailed, Err: wantErr})
		return wantErr
	}, tea.WithInput(nil), tea.WithOutput(io.Discard))

	if !errors.Is(err, wantErr) {
		t.Errorf("Expected work error, got %v", err)
	}
	if model.status != msync.StatusFailed {
		t.Errorf("Expected failed status, got %s", model.status)
	}
}

func TestStripAnsi(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"\033[31mError\033[0m", "Error"},
		{"normal text", "normal text"},
		{"\033[1;32mSuccess\033[0m message", "Success message"},
	}

	for _, tt := range tests {
		result := stripAnsi(tt.input)
		if result != tt.expected {
			t.Errorf("stripAnsi(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input    string
		max      int
		expected string
	}{
		{"hello", 10, "hello"},
		{"hello world", 8, "hello..."},
		{"hello", 5, "hello"},
		{"主机名称很长", 7, "主机..."},
		{"abcdef", 2, "ab"},
	}

	for _, tt := range tests {
		if got := truncate(tt.input, tt.max); got != tt.expected {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.max, got, tt.expected)
		}
	}
}

func TestPadRight(t *testing.T) {
	if got := padRight("\033[32mok\033[0m", 4); stripAnsi(got) != "ok  " {
		t.Errorf("Expected padding to ignore escape codes, got %q", got)
	}
	if got := padRight("toolong", 3); got != "toolong" {
		t.Errorf("Expected long strings unchanged, got %q", got)
	}
}

func BenchmarkSyncModel_View(b *testing.B) {
	model := NewSyncModel("/srv/app", "host1", 64, false)
	assignments := make([]scheduler.Assignment, 32)
	for i := range assignments {
		assignments[i] = scheduler.Assignment{Round: 6, Source: "src", Destination: strings.Repeat("h", i%10+1)}
	}
	model.Update(EventMsg{Type: msync.EventRoundStarted, Round: 6, Assignments: assignments, Holders: 32})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = model.View()
	}
}
