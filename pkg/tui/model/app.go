package model

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/attachmentgenie/nomad-logger/pkg/core"
	"github.com/attachmentgenie/nomad-logger/pkg/daemon"
	"github.com/attachmentgenie/nomad-logger/pkg/transport/uds"
)

const maxAuditLines = 500

// Pane identifies which TUI pane is focused.
type Pane int

const (
	PaneList Pane = iota
	PaneDetail
	PaneAudit
)

// Mode identifies the current interaction mode.
type Mode int

const (
	ModeNormal Mode = iota
	ModeSearch
	ModeConfirmRetire
)

// App is the root Bubble Tea model.
type App struct {
	// Connection
	client     *uds.Client
	socketPath string
	connected  bool
	events     chan uds.Message

	// State
	sources     []core.Source
	showRetired bool
	selectedIdx int
	audit       []core.AuditEvent
	auditPaused bool
	stats       daemon.StatsResponse

	// UI
	activePane Pane
	mode       Mode
	search     textinput.Model
	width      int
	height     int

	retireTarget string

	statusMsg string
}

// New creates a new TUI app model.
func New(socketPath string) App {
	si := textinput.New()
	si.Placeholder = "search..."
	si.CharLimit = 64

	return App{
		socketPath: socketPath,
		search:     si,
		activePane: PaneList,
		mode:       ModeNormal,
		events:     make(chan uds.Message, 64),
	}
}

// Init connects to the agent.
func (a App) Init() tea.Cmd {
	return tea.Batch(
		connectCmd(a.socketPath),
		tea.SetWindowTitle("nomad-logger"),
	)
}

// tickMsg triggers periodic refresh.
type tickMsg time.Time

// connectedMsg indicates a successful agent connection.
type connectedMsg struct{ client *uds.Client }

// sourcesMsg carries the source list.
type sourcesMsg struct{ sources []core.Source }

// statsMsg carries agent counters.
type statsMsg daemon.StatsResponse

// auditMsg carries audit events, oldest first.
type auditMsg struct{ events []core.AuditEvent }

// eventMsg carries a server-pushed event.
type eventMsg uds.Message

// errorMsg carries an error to display.
type errorMsg struct{ err error }

// retiredMsg carries the result of a retire request.
type retiredMsg struct {
	id    string
	state string
}

func connectCmd(socketPath string) tea.Cmd {
	return func() tea.Msg {
		client, err := uds.Dial(socketPath)
		if err != nil {
			return errorMsg{err}
		}
		return connectedMsg{client}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func waitEventCmd(events <-chan uds.Message) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-events)
	}
}

func fetchSourcesCmd(client *uds.Client, all bool) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		var sources []core.Source
		if err := client.Call(ctx, uds.MethodListSources, uds.ListSourcesRequest{All: all}, &sources); err != nil {
			return errorMsg{err}
		}
		return sourcesMsg{sources}
	}
}

func fetchStatsCmd(client *uds.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		var stats daemon.StatsResponse
		if err := client.Call(ctx, uds.MethodStats, nil, &stats); err != nil {
			return errorMsg{err}
		}
		return statsMsg(stats)
	}
}

func fetchAuditCmd(client *uds.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		var events []core.AuditEvent
		if err := client.Call(ctx, uds.MethodRecentAudit, nil, &events); err != nil {
			return errorMsg{err}
		}
		return auditMsg{events}
	}
}

func retireCmd(client *uds.Client, id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var resp uds.RetireSourceResponse
		if err := client.Call(ctx, uds.MethodRetireSource, uds.SourceRequest{ID: id}, &resp); err != nil {
			return errorMsg{err}
		}
		return retiredMsg{id: id, state: resp.State}
	}
}

// Update handles messages.
func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case connectedMsg:
		a.client = msg.client
		a.connected = true
		a.statusMsg = "connected"

		events := a.events
		a.client.OnEvent(func(m uds.Message) {
			select {
			case events <- m:
			default:
			}
		})

		return a, tea.Batch(
			tickCmd(),
			waitEventCmd(a.events),
			fetchSourcesCmd(a.client, a.showRetired),
			fetchStatsCmd(a.client),
			fetchAuditCmd(a.client),
		)

	case tickMsg:
		if a.client != nil {
			return a, tea.Batch(tickCmd(), fetchSourcesCmd(a.client, a.showRetired), fetchStatsCmd(a.client))
		}
		return a, tickCmd()

	case eventMsg:
		a = a.applyEvent(uds.Message(msg))
		return a, waitEventCmd(a.events)

	case sourcesMsg:
		a.sources = msg.sources
		if a.selectedIdx >= len(a.filteredSources()) {
			a.selectedIdx = max(0, len(a.filteredSources())-1)
		}
		return a, nil

	case statsMsg:
		a.stats = daemon.StatsResponse(msg)
		return a, nil

	case auditMsg:
		a.audit = trimAudit(msg.events)
		return a, nil

	case retiredMsg:
		a.statusMsg = "retire → " + msg.id + " (" + msg.state + ")"
		if a.client != nil {
			return a, fetchSourcesCmd(a.client, a.showRetired)
		}
		return a, nil

	case errorMsg:
		a.statusMsg = "error: " + msg.err.Error()
		return a, nil

	case tea.KeyMsg:
		return a.handleKey(msg)
	}

	return a, nil
}

// applyEvent folds a pushed event into the model. The periodic refresh
// still replaces the source list wholesale.
func (a App) applyEvent(msg uds.Message) App {
	switch msg.Method {
	case uds.EventAudit:
		var evt core.AuditEvent
		if err := msg.UnmarshalData(&evt); err != nil {
			return a
		}
		if !a.auditPaused {
			a.audit = trimAudit(append(a.audit, evt))
		}
	case uds.EventSourcesDelta:
		var delta daemon.Delta
		if err := msg.UnmarshalData(&delta); err != nil {
			return a
		}
		a.sources = mergeDelta(a.sources, delta, a.showRetired)
	}
	return a
}

func mergeDelta(sources []core.Source, d daemon.Delta, showRetired bool) []core.Source {
	index := make(map[string]int, len(sources))
	for i, s := range sources {
		index[s.ID] = i
	}
	out := append([]core.Source(nil), sources...)
	for _, s := range append(d.Added, d.Updated...) {
		if i, ok := index[s.ID]; ok {
			out[i] = s
			continue
		}
		index[s.ID] = len(out)
		out = append(out, s)
	}
	removed := make(map[string]bool, len(d.Removed))
	for _, id := range d.Removed {
		removed[id] = true
	}
	kept := out[:0]
	for _, s := range out {
		if removed[s.ID] || (!showRetired && s.State == core.SourceRetired) {
			continue
		}
		kept = append(kept, s)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].ID < kept[j].ID })
	return kept
}

func trimAudit(events []core.AuditEvent) []core.AuditEvent {
	if len(events) > maxAuditLines {
		return events[len(events)-maxAuditLines:]
	}
	return events
}

func (a App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if a.mode == ModeSearch {
		switch msg.String() {
		case "esc":
			a.mode = ModeNormal
			a.search.SetValue("")
			a.search.Blur()
			return a, nil
		case "enter":
			a.mode = ModeNormal
			a.search.Blur()
			return a, nil
		default:
			var cmd tea.Cmd
			a.search, cmd = a.search.Update(msg)
			return a, cmd
		}
	}

	if a.mode == ModeConfirmRetire {
		switch msg.String() {
		case "y", "Y":
			id := a.retireTarget
			a.mode = ModeNormal
			a.retireTarget = ""
			if a.client == nil {
				a.statusMsg = "not connected"
				return a, nil
			}
			a.statusMsg = "retiring " + id + "..."
			return a, retireCmd(a.client, id)
		default:
			a.mode = ModeNormal
			a.retireTarget = ""
			a.statusMsg = "retire cancelled"
			return a, nil
		}
	}

	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "j", "down":
		if a.activePane == PaneList && len(a.filteredSources()) > 0 {
			a.selectedIdx = min(a.selectedIdx+1, len(a.filteredSources())-1)
		}
	case "k", "up":
		if a.activePane == PaneList && a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "tab":
		a.activePane = (a.activePane + 1) % 3

	case "/":
		a.mode = ModeSearch
		a.search.Focus()
		return a, textinput.Blink

	case "a":
		a.showRetired = !a.showRetired
		if a.client != nil {
			return a, fetchSourcesCmd(a.client, a.showRetired)
		}

	case " ":
		if a.activePane == PaneAudit {
			a.auditPaused = !a.auditPaused
		}

	case "r":
		if src := a.selectedSource(); src != nil && src.State != core.SourceRetired {
			a.retireTarget = src.ID
			a.mode = ModeConfirmRetire
			a.statusMsg = "Retire " + src.ID + "? (y/n)"
		}
	}

	return a, nil
}

func (a App) filteredSources() []core.Source {
	q := strings.ToLower(a.search.Value())
	if q == "" {
		return a.sources
	}
	var filtered []core.Source
	for _, src := range a.sources {
		if strings.Contains(strings.ToLower(src.ID), q) ||
			strings.Contains(strings.ToLower(src.JobID), q) ||
			strings.Contains(strings.ToLower(src.Namespace), q) {
			filtered = append(filtered, src)
		}
	}
	return filtered
}

func (a App) selectedSource() *core.Source {
	sources := a.filteredSources()
	if a.selectedIdx < len(sources) {
		return &sources[a.selectedIdx]
	}
	return nil
}
