// Package ui provides a terminal UI for watching a crewline run.
// Uses Bubbletea for interactive display of agent activity and events.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/crewline/crewline/internal/roles"
	"github.com/crewline/crewline/internal/workflow"
)

// maxEventLines bounds the retained event tail.
const maxEventLines = 200

// AgentStateMsg updates one role's display state.
type AgentStateMsg struct {
	Role  roles.Role
	State string
}

// AgentEventMsg appends one streamed event line.
type AgentEventMsg struct {
	Role roles.Role
	Type string
	Data string
	TS   time.Time
}

// TransitionMsg reflects an FSM transition.
type TransitionMsg struct {
	To     string
	Reason string
	Round  int
}

// FinishedMsg ends the run display with the final outcome.
type FinishedMsg struct {
	Outcome string
}

type agentRow struct {
	role     roles.Role
	state    string
	lastLine string
}

type eventLine struct {
	ts   time.Time
	role roles.Role
	text string
}

// Model holds the TUI state.
type Model struct {
	width    int
	height   int
	quitting bool

	taskID string
	prompt string
	state  string
	round  int

	outcome  string
	finished bool

	agents []agentRow
	events []eventLine

	spin   spinner.Model
	styles *Styles
}

// Styles holds lipgloss styles for the UI.
type Styles struct {
	Border lipgloss.Style

	Title     lipgloss.Style
	Label     lipgloss.Style
	Value     lipgloss.Style
	Highlight lipgloss.Style
	Muted     lipgloss.Style

	StatusOK      lipgloss.Style
	StatusWarn    lipgloss.Style
	StatusError   lipgloss.Style
	StatusRunning lipgloss.Style

	HelpKey  lipgloss.Style
	HelpText lipgloss.Style
}

// newStyles creates the default style set.
func newStyles() *Styles {
	subtle := lipgloss.AdaptiveColor{Light: "#666", Dark: "#888"}
	highlight := lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	green := lipgloss.AdaptiveColor{Light: "#22863a", Dark: "#3fb950"}
	yellow := lipgloss.AdaptiveColor{Light: "#b08800", Dark: "#d29922"}
	red := lipgloss.AdaptiveColor{Light: "#cb2431", Dark: "#f85149"}
	blue := lipgloss.AdaptiveColor{Light: "#0366d6", Dark: "#58a6ff"}

	return &Styles{
		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(subtle),

		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(highlight).
			MarginBottom(1),

		Label: lipgloss.NewStyle().
			Foreground(subtle),

		Value: lipgloss.NewStyle().
			Bold(true),

		Highlight: lipgloss.NewStyle().
			Foreground(highlight).
			Bold(true),

		Muted: lipgloss.NewStyle().
			Foreground(subtle),

		StatusOK: lipgloss.NewStyle().
			Foreground(green).
			Bold(true),

		StatusWarn: lipgloss.NewStyle().
			Foreground(yellow).
			Bold(true),

		StatusError: lipgloss.NewStyle().
			Foreground(red).
			Bold(true),

		StatusRunning: lipgloss.NewStyle().
			Foreground(blue).
			Bold(true),

		HelpKey: lipgloss.NewStyle().
			Foreground(highlight).
			Bold(true),

		HelpText: lipgloss.NewStyle().
			Foreground(subtle),
	}
}

// New creates a TUI model for one task run.
func New(taskID, prompt string) *Model {
	s := spinner.New()
	s.Spinner = spinner.Dot

	return &Model{
		width:  80,
		height: 24,
		taskID: taskID,
		prompt: prompt,
		state:  workflow.StateIntake,
		agents: []agentRow{
			{role: roles.RoleCoder, state: workflow.AgentStateWaiting},
			{role: roles.RoleReviewer, state: workflow.AgentStateWaiting},
			{role: roles.RoleTester, state: workflow.AgentStateWaiting},
		},
		spin:   s,
		styles: newStyles(),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, tea.EnterAltScreen)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case AgentStateMsg:
		for i := range m.agents {
			if m.agents[i].role == msg.Role {
				m.agents[i].state = msg.State
			}
		}
		return m, nil

	case AgentEventMsg:
		if msg.Data != "" {
			for i := range m.agents {
				if m.agents[i].role == msg.Role {
					m.agents[i].lastLine = msg.Data
				}
			}
			m.events = append(m.events, eventLine{ts: msg.TS, role: msg.Role, text: msg.Data})
			if len(m.events) > maxEventLines {
				m.events = m.events[len(m.events)-maxEventLines:]
			}
		}
		return m, nil

	case TransitionMsg:
		m.state = msg.To
		if msg.Round > 0 {
			m.round = msg.Round
		}
		return m, nil

	case FinishedMsg:
		m.finished = true
		m.outcome = msg.Outcome
		return m, nil
	}

	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	header := m.renderHeader()
	agents := m.renderAgents()
	eventHeight := m.height - lipgloss.Height(header) - lipgloss.Height(agents) - 4
	events := m.renderEvents(eventHeight)
	help := m.renderHelpBar()

	return lipgloss.JoinVertical(
		lipgloss.Left,
		header,
		agents,
		m.styles.Border.Width(m.width-2).Render(events),
		help,
	)
}

func (m Model) renderHeader() string {
	var b strings.Builder
	b.WriteString(m.styles.Title.Render("Crewline Run"))
	b.WriteString("\n")

	b.WriteString(m.styles.Label.Render("Task: "))
	b.WriteString(m.styles.Value.Render(m.taskID))
	b.WriteString("  ")
	b.WriteString(m.styles.Label.Render("State: "))
	if m.finished {
		style := m.styles.StatusOK
		if m.outcome != workflow.OutcomeApproved && m.outcome != workflow.OutcomeAwaitingOperatorConfirm {
			style = m.styles.StatusError
		}
		b.WriteString(style.Render(m.outcome))
	} else {
		b.WriteString(m.styles.StatusRunning.Render(m.state))
	}
	if m.round > 0 {
		b.WriteString(m.styles.Muted.Render(fmt.Sprintf("  round %d", m.round)))
	}
	b.WriteString("\n")

	prompt := m.prompt
	if maxLen := m.width - 10; len(prompt) > maxLen && maxLen > 3 {
		prompt = prompt[:maxLen-3] + "..."
	}
	b.WriteString(m.styles.Muted.Render(prompt))
	return b.String()
}

func (m Model) renderAgents() string {
	var b strings.Builder
	for _, a := range m.agents {
		var icon string
		var style lipgloss.Style
		switch a.state {
		case workflow.AgentStateWaiting:
			icon = "o"
			style = m.styles.Muted
		case workflow.AgentStateThinking, workflow.AgentStateResponding:
			icon = m.spin.View()
			style = m.styles.StatusRunning
		case workflow.AgentStateDone:
			icon = "*"
			style = m.styles.StatusOK
		case workflow.AgentStateError:
			icon = "x"
			style = m.styles.StatusError
		default:
			icon = "?"
			style = m.styles.Muted
		}

		line := fmt.Sprintf(" %s %-9s %s", style.Render(icon), a.role, style.Render(a.state))
		if a.lastLine != "" {
			last := a.lastLine
			if maxLen := m.width - 30; len(last) > maxLen && maxLen > 3 {
				last = last[:maxLen-3] + "..."
			}
			line += m.styles.Muted.Render("  " + last)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderEvents(height int) string {
	if height < 1 {
		height = 1
	}
	if len(m.events) == 0 {
		return m.styles.Muted.Render("No output yet")
	}

	start := len(m.events) - height
	if start < 0 {
		start = 0
	}

	var b strings.Builder
	for _, ev := range m.events[start:] {
		msg := ev.text
		if maxLen := m.width - 22; len(msg) > maxLen && maxLen > 3 {
			msg = msg[:maxLen-3] + "..."
		}
		b.WriteString(fmt.Sprintf("%s %s %s\n",
			m.styles.Muted.Render(ev.ts.Format("15:04:05")),
			m.styles.Highlight.Render(fmt.Sprintf("[%-8s]", ev.role)),
			msg,
		))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderHelpBar() string {
	return "  " + fmt.Sprintf("%s %s",
		m.styles.HelpKey.Render("q"),
		m.styles.HelpText.Render("quit"),
	)
}

// Run starts the TUI and blocks until it exits.
func (m *Model) Run() error {
	p := tea.NewProgram(*m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RunWithProgram starts the TUI in the background and returns the
// program so the caller can Send messages into it.
func (m *Model) RunWithProgram() (*tea.Program, error) {
	p := tea.NewProgram(*m, tea.WithAltScreen())
	go func() {
		_, _ = p.Run()
	}()
	return p, nil
}
