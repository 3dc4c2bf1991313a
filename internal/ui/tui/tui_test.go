package tui

import (
	"fmt"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

func ready(t *testing.T, m Model) Model {
	t.Helper()
	next, _ := m.Update(tea.WindowSizeMsg{Width: 80, Height: 30})
	return next.(Model)
}

func TestModel_Messages(t *testing.T) {
	m := ready(t, NewModel("veil replay", 100))

	next, _ := m.Update(StatusMsg("Running"))
	m = next.(Model)
	next, _ = m.Update(ProgressMsg(40))
	m = next.(Model)
	next, _ = m.Update(LogMsg("Batch 1: 40 actions"))
	m = next.(Model)

	if m.Status != "Running" {
		t.Errorf("expected status Running, got %q", m.Status)
	}
	if m.Processed != 40 {
		t.Errorf("expected 40 processed, got %d", m.Processed)
	}
	if len(m.Log) != 1 {
		t.Errorf("expected 1 log line, got %d", len(m.Log))
	}

	view := m.View()
	for _, want := range []string{"veil replay", "Running", "40/100"} {
		if !strings.Contains(view, want) {
			t.Errorf("expected view to contain %q", want)
		}
	}
}

func TestModel_NotReady(t *testing.T) {
	m := NewModel("veil", 10)
	if !strings.Contains(m.View(), "Initializing") {
		t.Error("expected initializing view before window size is known")
	}
}

func TestModel_Ratio(t *testing.T) {
	tests := []struct {
		processed, total int
		expected         float64
	}{
		{0, 0, 0},
		{5, 10, 0.5},
		{15, 10, 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.processed, tt.total), func(t *testing.T) {
			m := Model{Processed: tt.processed, Total: tt.total}
			if got := m.ratio(); got != tt.expected {
				t.Errorf("expected %f, got %f", tt.expected, got)
			}
		})
	}
}

func TestModel_LogBounded(t *testing.T) {
	m := ready(t, NewModel("veil", 10))
	for i := 0; i < maxLogLines+20; i++ {
		next, _ := m.Update(LogMsg(fmt.Sprintf("line %d", i)))
		m = next.(Model)
	}
	if len(m.Log) != maxLogLines {
		t.Errorf("expected %d log lines, got %d", maxLogLines, len(m.Log))
	}
	if m.Log[0] != "line 20" {
		t.Errorf("expected oldest lines to be dropped, got %q", m.Log[0])
	}
}

func TestModel_Quit(t *testing.T) {
	m := ready(t, NewModel("veil", 10))
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if !next.(Model).Quitting {
		t.Error("expected quitting")
	}
	if cmd == nil {
		t.Error("expected quit command")
	}
}
