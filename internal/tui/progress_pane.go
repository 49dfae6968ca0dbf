package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskgraph/internal/events"
)

const maxLimitChanges = 5

// ProgressPaneModel shows graph counts, the concurrency limit and its
// recent changes.
type ProgressPaneModel struct {
	progress events.ProgressEvent
	limit    int
	changes  []events.ConcurrencyChangedEvent // newest last
	width    int
	height   int
	focused  bool
}

// NewProgressPaneModel creates a new progress pane model.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.ProgressEvent:
		m.progress = msg
		m.limit = msg.Limit

	case events.ConcurrencyChangedEvent:
		m.limit = msg.Limit
		m.changes = append(m.changes, msg)
		if len(m.changes) > maxLimitChanges {
			m.changes = m.changes[len(m.changes)-maxLimitChanges:]
		}
	}

	return m, nil
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	p := m.progress
	var b strings.Builder

	title := StyleTitle.Render("Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	b.WriteString(fmt.Sprintf("Total:     %d\n", p.Total))
	b.WriteString(fmt.Sprintf("Completed: %s\n", StyleStatusComplete.Render(fmt.Sprintf("%d", p.Completed))))
	b.WriteString(fmt.Sprintf("Running:   %s\n", StyleStatusRunning.Render(fmt.Sprintf("%d", p.Running))))
	b.WriteString(fmt.Sprintf("Ready:     %d\n", p.Ready))
	b.WriteString(fmt.Sprintf("Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprintf("%d", p.Failed))))
	b.WriteString(fmt.Sprintf("Cancelled: %s\n", StyleStatusCancelled.Render(fmt.Sprintf("%d", p.Cancelled))))
	b.WriteString(fmt.Sprintf("Pending:   %s\n", StyleStatusPending.Render(fmt.Sprintf("%d", p.Pending))))
	b.WriteString(fmt.Sprintf("Limit:     %d\n", m.limit))
	b.WriteString("\n")

	if p.Total > 0 {
		b.WriteString(m.renderBar())
		b.WriteString("\n")
	}

	if len(m.changes) > 0 {
		b.WriteString("\n")
		for _, c := range m.changes {
			line := fmt.Sprintf("%s %s %d -> %d", c.Timestamp.Format("15:04:05"), c.Action, c.Previous, c.Limit)
			if c.Reason != "" {
				line += " (" + c.Reason + ")"
			}
			b.WriteString(StyleHelp.Render(line))
			b.WriteString("\n")
		}
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func (m ProgressPaneModel) renderBar() string {
	p := m.progress
	barWidth := max(1, min(m.width-16, 40))
	completedWidth := (p.Completed * barWidth) / p.Total
	failedWidth := ((p.Failed + p.Cancelled) * barWidth) / p.Total
	runningWidth := (p.Running * barWidth) / p.Total
	pendingWidth := barWidth - completedWidth - failedWidth - runningWidth

	bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
	bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
	bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
	bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))

	done := p.Completed + p.Failed + p.Cancelled
	return fmt.Sprintf("[%s]  %d/%d", bar, done, p.Total)
}

// Progress returns the last progress snapshot received.
func (m ProgressPaneModel) Progress() events.ProgressEvent {
	return m.progress
}

// Limit returns the last known concurrency limit.
func (m ProgressPaneModel) Limit() int {
	return m.limit
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
