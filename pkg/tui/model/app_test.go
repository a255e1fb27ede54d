package model

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/attachmentgenie/nomad-logger/pkg/core"
	"github.com/attachmentgenie/nomad-logger/pkg/daemon"
)

func TestMergeDelta(t *testing.T) {
	sources := []core.Source{
		{ID: "a:web:stdout", State: core.SourceTailing},
		{ID: "b:web:stdout", State: core.SourceTailing},
	}
	d := daemon.Delta{
		Added:   []core.Source{{ID: "0:web:stdout", State: core.SourceDiscovered}},
		Updated: []core.Source{{ID: "a:web:stdout", State: core.SourceRetired}},
		Removed: []string{"b:web:stdout"},
	}

	got := mergeDelta(sources, d, false)
	if len(got) != 1 || got[0].ID != "0:web:stdout" {
		t.Errorf("mergeDelta() = %+v, want only 0:web:stdout", got)
	}

	got = mergeDelta(sources, d, true)
	if len(got) != 2 || got[0].ID != "0:web:stdout" || got[1].State != core.SourceRetired {
		t.Errorf("mergeDelta(all) = %+v", got)
	}
	if sources[0].State != core.SourceTailing {
		t.Error("mergeDelta modified its input")
	}
}

func TestTrimAudit(t *testing.T) {
	events := make([]core.AuditEvent, maxAuditLines+10)
	events[len(events)-1].SourceID = "last"
	got := trimAudit(events)
	if len(got) != maxAuditLines {
		t.Fatalf("len = %d, want %d", len(got), maxAuditLines)
	}
	if got[len(got)-1].SourceID != "last" {
		t.Error("trimAudit dropped the newest event")
	}
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestRetireNeedsConfirmation(t *testing.T) {
	app := New("/nonexistent.sock")
	app.sources = []core.Source{{ID: "a:web:stdout", State: core.SourceTailing}}

	m, _ := app.Update(key("r"))
	app = m.(App)
	if app.mode != ModeConfirmRetire || app.retireTarget != "a:web:stdout" {
		t.Fatalf("mode = %v target = %q", app.mode, app.retireTarget)
	}

	m, cmd := app.Update(key("n"))
	app = m.(App)
	if app.mode != ModeNormal || cmd != nil {
		t.Error("any key other than y should cancel")
	}
	if app.statusMsg != "retire cancelled" {
		t.Errorf("statusMsg = %q", app.statusMsg)
	}
}

func TestRetireSkipsRetiredSource(t *testing.T) {
	app := New("/nonexistent.sock")
	app.sources = []core.Source{{ID: "a:web:stdout", State: core.SourceRetired}}
	m, _ := app.Update(key("r"))
	if m.(App).mode != ModeNormal {
		t.Error("retired source should not prompt")
	}
}

func TestFilteredSources(t *testing.T) {
	app := New("/nonexistent.sock")
	app.sources = []core.Source{
		{ID: "a:web:stdout", JobID: "frontend"},
		{ID: "b:db:stdout", JobID: "postgres", Namespace: "data"},
	}
	app.search.SetValue("DATA")
	got := app.filteredSources()
	if len(got) != 1 || got[0].ID != "b:db:stdout" {
		t.Errorf("filteredSources() = %+v", got)
	}
}

func TestNavigation(t *testing.T) {
	app := New("/nonexistent.sock")
	app.sources = []core.Source{{ID: "a"}, {ID: "b"}}

	m, _ := app.Update(key("j"))
	m, _ = m.Update(key("j"))
	app = m.(App)
	if app.selectedIdx != 1 {
		t.Errorf("selectedIdx = %d, want 1", app.selectedIdx)
	}
	if src := app.selectedSource(); src == nil || src.ID != "b" {
		t.Errorf("selectedSource() = %v", src)
	}

	m, _ = app.Update(tea.KeyMsg{Type: tea.KeyTab})
	if m.(App).activePane != PaneDetail {
		t.Error("tab should move to the detail pane")
	}
}

func TestViewRendersSources(t *testing.T) {
	app := New("/nonexistent.sock")
	m, _ := app.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	app = m.(App)
	app.connected = true
	app.sources = []core.Source{{ID: "a:web:stdout", AllocID: "a", Task: "web", Stream: "stdout", State: core.SourceTailing}}
	app.audit = []core.AuditEvent{{Kind: core.AuditSourceRegistered, SourceID: "a:web:stdout"}}

	out := app.View()
	for _, want := range []string{"Sources", "a:web:stdout", "source_registered", "q:quit"} {
		if !strings.Contains(out, want) {
			t.Errorf("View() missing %q", want)
		}
	}
}
