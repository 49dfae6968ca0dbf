package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskgraph/internal/events"
)

const listWidth = 28

// TaskState is what the dashboard knows about one task.
type TaskState struct {
	TaskID    string
	Name      string
	Agent     string
	Status    string // "pending", "running", "retrying", "completed", "failed", "cancelled"
	Attempt   int
	Log       []string
	StartTime time.Time
	Duration  time.Duration
}

// TaskPaneModel is the task list plus a scrollable log of the selected task.
type TaskPaneModel struct {
	tasks       map[string]*TaskState // taskID -> state
	taskOrder   []string              // submission order for display
	selectedIdx int
	follow      bool // Keep the selection on the most recently started task
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

// NewTaskPaneModel creates a new task pane model.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		follow:   true,
		viewport: viewport.New(0, 0),
	}
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.taskOrder)-1 {
				m.selectedIdx++
				m.follow = false
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.follow = false
				m.updateViewportContent()
			}
		case KeyFollow:
			m.follow = !m.follow
		default:
			// Delegate other keys to viewport for scrolling
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskSubmittedEvent:
		st := m.ensure(msg.TaskInfo)
		deps := "none"
		if len(msg.Dependencies) > 0 {
			deps = strings.Join(msg.Dependencies, ", ")
		}
		m.appendLog(st, msg.Timestamp, "submitted (depends on: %s)", deps)

	case events.TaskStartedEvent:
		st := m.ensure(msg.TaskInfo)
		st.Status = "running"
		st.Attempt = msg.Attempt
		if st.StartTime.IsZero() {
			st.StartTime = msg.Timestamp
		}
		if m.follow {
			m.selectTask(st.TaskID)
		}
		m.appendLog(st, msg.Timestamp, "attempt %d started", msg.Attempt)

	case events.TaskRetryingEvent:
		st := m.ensure(msg.TaskInfo)
		st.Status = "retrying"
		m.appendLog(st, msg.Timestamp, "attempt failed, retrying in %s: %v", msg.Delay, msg.Err)

	case events.TaskCompletedEvent:
		st := m.ensure(msg.TaskInfo)
		st.Status = "completed"
		st.Duration = msg.Duration
		m.appendLog(st, msg.Timestamp, "completed in %s", msg.Duration.Round(time.Millisecond))
		if msg.Result != "" {
			st.Log = append(st.Log, msg.Result)
		}

	case events.TaskFailedEvent:
		st := m.ensure(msg.TaskInfo)
		st.Status = "failed"
		st.Duration = msg.Duration
		m.appendLog(st, msg.Timestamp, "failed: %v", msg.Err)

	case events.TaskCancelledEvent:
		st := m.ensure(msg.TaskInfo)
		st.Status = "cancelled"
		m.appendLog(st, msg.Timestamp, "cancelled: %v", msg.Err)
	}

	if id, ok := taskIDOf(msg); ok && id == m.selectedTaskID() {
		m.updateViewportContent()
	}
	return m, cmd
}

func taskIDOf(msg tea.Msg) (string, bool) {
	ev, ok := msg.(events.Event)
	if !ok || ev.TaskID() == "" {
		return "", false
	}
	return ev.TaskID(), true
}

// ensure returns the state for info, creating it on first sight.
func (m *TaskPaneModel) ensure(info events.TaskInfo) *TaskState {
	if st, ok := m.tasks[info.ID]; ok {
		return st
	}
	name := info.Name
	if name == "" {
		name = info.ID
	}
	st := &TaskState{TaskID: info.ID, Name: name, Agent: info.Agent, Status: "pending"}
	m.tasks[info.ID] = st
	m.taskOrder = append(m.taskOrder, info.ID)
	if len(m.taskOrder) == 1 {
		m.selectedIdx = 0
	}
	return st
}

func (m *TaskPaneModel) appendLog(st *TaskState, at time.Time, format string, args ...any) {
	stamp := at.Format("15:04:05.000")
	st.Log = append(st.Log, fmt.Sprintf("%s  %s", stamp, fmt.Sprintf(format, args...)))
}

func (m *TaskPaneModel) selectTask(taskID string) {
	for i, id := range m.taskOrder {
		if id == taskID {
			m.selectedIdx = i
			return
		}
	}
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	viewportWidth := m.width - listWidth - 4 // borders and padding
	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

// renderTaskList renders the task list column.
func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	if m.follow {
		title += StyleHelp.Render(" (following)")
	}
	b.WriteString(title)
	b.WriteString("\n\n")

	if len(m.taskOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}

	// Keep the selection visible when the list is taller than the pane
	visible := max(1, m.height-6)
	first := 0
	if m.selectedIdx >= visible {
		first = m.selectedIdx - visible + 1
	}
	for i := first; i < len(m.taskOrder) && i < first+visible; i++ {
		st := m.tasks[m.taskOrder[i]]
		name := st.Name
		if st.Agent != "" {
			name = st.Agent + "/" + name
		}
		if len(name) > width-4 {
			name = name[:width-7] + "..."
		}

		line := fmt.Sprintf("%s %s", StatusIcon(st.Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case "running":
		return StyleStatusRunning.Render("●")
	case "retrying":
		return StyleStatusRetrying.Render("↻")
	case "completed":
		return StyleStatusComplete.Render("✓")
	case "failed":
		return StyleStatusFailed.Render("✗")
	case "cancelled":
		return StyleStatusCancelled.Render("⊘")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m TaskPaneModel) selectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.taskOrder) {
		return m.taskOrder[m.selectedIdx]
	}
	return ""
}

// updateViewportContent shows the selected task's log.
func (m *TaskPaneModel) updateViewportContent() {
	st, ok := m.tasks[m.selectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	header := fmt.Sprintf("%s  [%s]  attempt %d\n\n", st.TaskID, st.Status, st.Attempt)
	m.viewport.SetContent(header + strings.Join(st.Log, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(10, m.width-listWidth-4)
	m.viewport.Height = max(5, m.height-4)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
	m.updateViewportContent()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

// Task returns the state of one task, for tests and callers.
func (m TaskPaneModel) Task(taskID string) (TaskState, bool) {
	st, ok := m.tasks[taskID]
	if !ok {
		return TaskState{}, false
	}
	return *st, true
}
