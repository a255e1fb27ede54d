package model

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/attachmentgenie/nomad-logger/pkg/core"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	stateTailing    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	stateDiscovered = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	stateDraining   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	stateRetired    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	auditFailure    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)

	activePaneStyle = paneStyle.
			BorderForeground(lipgloss.Color("205"))

	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// View renders the TUI.
func (a App) View() string {
	if a.width == 0 || a.height == 0 {
		return "loading..."
	}

	statusBarH := 2
	auditPaneH := max(a.height/4, 5)
	mainH := a.height - auditPaneH - statusBarH - 2
	listW := a.width*2/5 - 2
	detailW := a.width - listW - 4

	list := a.renderList(listW, mainH)
	listPane := a.paneBox(PaneList, a.listTitle(), list, listW, mainH)

	detail := a.renderDetail(detailW, mainH)
	detailPane := a.paneBox(PaneDetail, " Source ", detail, detailW, mainH)

	topRow := lipgloss.JoinHorizontal(lipgloss.Top, listPane, detailPane)

	audit := a.renderAudit(a.width-4, auditPaneH)
	auditPane := a.paneBox(PaneAudit, a.auditTitle(), audit, a.width-4, auditPaneH)

	return lipgloss.JoinVertical(lipgloss.Left, topRow, auditPane, a.renderStatusBar())
}

func (a App) paneBox(pane Pane, title, content string, w, h int) string {
	style := paneStyle
	if a.activePane == pane {
		style = activePaneStyle
	}
	return style.Width(w).Height(h).Render(
		titleStyle.Render(title) + "\n" + content,
	)
}

func (a App) listTitle() string {
	if a.showRetired {
		return " Sources (all) "
	}
	return " Sources "
}

func (a App) renderList(w, h int) string {
	sources := a.filteredSources()
	if len(sources) == 0 {
		if !a.connected {
			return dimStyle.Render("not connected")
		}
		return dimStyle.Render("no sources")
	}

	var b strings.Builder
	maxVisible := h - 2
	start := 0
	if a.selectedIdx >= maxVisible {
		start = a.selectedIdx - maxVisible + 1
	}

	for i := start; i < len(sources) && i-start < maxVisible; i++ {
		src := sources[i]
		name := truncate(src.ID, w-6)
		line := fmt.Sprintf(" %s %-*s", stateIndicator(src.State), w-6, name)

		if i == a.selectedIdx {
			line = selectedStyle.Width(w).Render(line)
		}
		b.WriteString(line + "\n")
	}

	if a.mode == ModeSearch {
		b.WriteString("\n" + a.search.View())
	}

	return b.String()
}

func (a App) renderDetail(w, _ int) string {
	src := a.selectedSource()
	if src == nil {
		return dimStyle.Render("select a source")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "ID:       %s\n", dimStyle.Render(src.ID))
	fmt.Fprintf(&b, "Alloc:    %s\n", src.AllocID)
	if src.Namespace != "" {
		fmt.Fprintf(&b, "NS:       %s\n", src.Namespace)
	}
	if src.JobID != "" {
		fmt.Fprintf(&b, "Job:      %s\n", src.JobID)
	}
	fmt.Fprintf(&b, "Task:     %s (%s)\n", src.Task, src.Stream)
	fmt.Fprintf(&b, "Path:     %s\n", truncate(src.Path, w-10))
	fmt.Fprintf(&b, "State:    %s\n", colorState(src.State))
	if src.Reason != "" {
		fmt.Fprintf(&b, "Reason:   %s\n", src.Reason)
	}
	fmt.Fprintf(&b, "Acked:    seq %d, file .%d @ %s\n", src.Seq, src.FileIndex, formatBytes(src.Offset))
	if !src.DiscoveredAt.IsZero() {
		fmt.Fprintf(&b, "Since:    %s\n", src.DiscoveredAt.Local().Format("2006-01-02 15:04:05"))
	}
	if !src.RetiredAt.IsZero() {
		fmt.Fprintf(&b, "Retired:  %s\n", src.RetiredAt.Local().Format("2006-01-02 15:04:05"))
	}

	if len(src.Labels) > 0 {
		keys := make([]string, 0, len(src.Labels))
		for k := range src.Labels {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Labels:\n")
		for _, k := range keys {
			b.WriteString(truncate(fmt.Sprintf("  %s=%s", k, src.Labels[k]), w) + "\n")
		}
	}

	return b.String()
}

func (a App) renderAudit(w, h int) string {
	if len(a.audit) == 0 {
		return dimStyle.Render("no audit events")
	}

	start := 0
	if len(a.audit) > h-1 {
		start = len(a.audit) - h + 1
	}

	var b strings.Builder
	for i := start; i < len(a.audit); i++ {
		b.WriteString(truncate(formatAudit(a.audit[i]), w) + "\n")
	}
	return b.String()
}

func formatAudit(evt core.AuditEvent) string {
	line := evt.At.Local().Format("15:04:05") + " " + string(evt.Kind)
	if evt.SourceID != "" {
		line += " " + evt.SourceID
	}
	if evt.BatchID != "" {
		line += fmt.Sprintf(" batch=%s records=%d", evt.BatchID, evt.Records)
	}
	if evt.Reason != "" {
		line += " (" + evt.Reason + ")"
	}
	if evt.Kind == core.AuditBatchDropped || evt.Kind == core.AuditSourceFailed {
		return auditFailure.Render(line)
	}
	return line
}

func (a App) auditTitle() string {
	title := " Audit "
	if a.auditPaused {
		title += dimStyle.Render("[PAUSED]") + " "
	}
	return title
}

func (a App) renderStatusBar() string {
	left := a.statusMsg
	if a.connected {
		st := a.stats.Dispatcher
		left = fmt.Sprintf("%s  %s  sent:%d dropped:%d buffered:%d retries:%d",
			a.stats.NodeID, a.stats.Sink, st.Delivered, st.Dropped, st.Buffered, st.Retries)
		if a.statusMsg != "" {
			left += "  " + a.statusMsg
		}
	}
	right := "j/k:nav tab:pane /:search r:retire a:all space:pause q:quit"
	switch a.mode {
	case ModeSearch:
		right = "enter:apply esc:cancel"
	case ModeConfirmRetire:
		right = "y:retire any:cancel"
	}

	gap := a.width - lipgloss.Width(left) - len(right)
	if gap < 1 {
		gap = 1
	}
	return helpStyle.Render(left + strings.Repeat(" ", gap) + right)
}

func stateIndicator(state core.SourceState) string {
	switch state {
	case core.SourceTailing:
		return stateTailing.Render("●")
	case core.SourceDiscovered:
		return stateDiscovered.Render("◌")
	case core.SourceDraining:
		return stateDraining.Render("↧")
	case core.SourceRetired:
		return stateRetired.Render("○")
	default:
		return dimStyle.Render("?")
	}
}

func colorState(state core.SourceState) string {
	switch state {
	case core.SourceTailing:
		return stateTailing.Render(string(state))
	case core.SourceDiscovered:
		return stateDiscovered.Render(string(state))
	case core.SourceDraining:
		return stateDraining.Render(string(state))
	default:
		return stateRetired.Render(string(state))
	}
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case b >= GB:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
