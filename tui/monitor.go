// ABOUTME: Terminal monitor for a pipeline run: one Bubble Tea model with a node
// ABOUTME: status strip, a scrolling event log, and inline human-gate prompts.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basaltrun/attractor/attractor"
)

type nodeState int

const (
	nodePending nodeState = iota
	nodeRunning
	nodeDone
	nodeFailed
	nodeRetrying
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	doneStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	runningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	questionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81"))
)

// question is a human-gate prompt blocking the run until answered.
type question struct {
	text    string
	options []string
	reply   chan<- string
}

// Monitor is the Bubble Tea model for one run.
type Monitor struct {
	graphName string
	order     []string
	status    map[string]nodeState

	spin   spinner.Model
	log    viewport.Model
	input  textinput.Model
	lines  []string
	active *question

	started  time.Time
	finished bool
	failed   bool
	runErr   string
	width    int
	ready    bool
}

// NewMonitor builds the model from a parsed graph; node order follows the
// graph's stable id ordering.
func NewMonitor(graph *attractor.Graph) Monitor {
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot

	in := textinput.New()
	in.Prompt = "> "
	in.CharLimit = 256

	status := make(map[string]nodeState, len(graph.Nodes))
	order := graph.NodeIDs()
	for _, id := range order {
		status[id] = nodePending
	}

	return Monitor{
		graphName: graph.Name,
		order:     order,
		status:    status,
		spin:      sp,
		input:     in,
		started:   time.Now(),
	}
}

func (m Monitor) Init() tea.Cmd {
	return m.spin.Tick
}

func (m Monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		height := msg.Height - 7
		if height < 3 {
			height = 3
		}
		if !m.ready {
			m.log = viewport.New(msg.Width, height)
			m.ready = true
		} else {
			m.log.Width = msg.Width
			m.log.Height = height
		}
		m.refreshLog()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case EngineEventMsg:
		m.applyEvent(msg.Event)
		return m, nil

	case QuestionMsg:
		m.active = &question{text: msg.Question, options: msg.Options, reply: msg.Reply}
		m.input.SetValue("")
		m.input.Focus()
		return m, textinput.Blink

	case RunDoneMsg:
		m.finished = true
		if msg.Err != nil {
			m.failed = true
			m.runErr = msg.Err.Error()
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.log, cmd = m.log.Update(msg)
	return m, cmd
}

func (m Monitor) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.active != nil {
		switch msg.Type {
		case tea.KeyEnter:
			answer := strings.TrimSpace(m.input.Value())
			if answer == "" {
				return m, nil
			}
			m.active.reply <- answer
			m.active = nil
			m.input.Blur()
			return m, nil
		case tea.KeyCtrlC:
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "q", "ctrl+c", "esc":
		return m, tea.Quit
	}
	var cmd tea.Cmd
	m.log, cmd = m.log.Update(msg)
	return m, cmd
}

// applyEvent folds one engine event into node state and the log.
func (m *Monitor) applyEvent(evt attractor.EngineEvent) {
	switch evt.Type {
	case attractor.EventStageStarted:
		m.setStatus(evt.NodeID, nodeRunning)
	case attractor.EventStageCompleted:
		m.setStatus(evt.NodeID, nodeDone)
	case attractor.EventStageFailed:
		m.setStatus(evt.NodeID, nodeFailed)
	case attractor.EventStageRetrying:
		m.setStatus(evt.NodeID, nodeRetrying)
	}

	if line := formatEvent(evt); line != "" {
		m.lines = append(m.lines, line)
		m.refreshLog()
	}
}

func (m *Monitor) setStatus(nodeID string, state nodeState) {
	if _, known := m.status[nodeID]; known {
		m.status[nodeID] = state
		return
	}
	// nodes introduced by transforms appear on first event
	m.status[nodeID] = state
	m.order = append(m.order, nodeID)
}

func (m *Monitor) refreshLog() {
	if !m.ready {
		return
	}
	m.log.SetContent(strings.Join(m.lines, "\n"))
	m.log.GotoBottom()
}

// formatEvent renders one event as a log line; uninteresting types drop.
func formatEvent(evt attractor.EngineEvent) string {
	stamp := dimStyle.Render(evt.Timestamp.Format("15:04:05"))
	switch evt.Type {
	case attractor.EventPipelineStarted:
		return fmt.Sprintf("%s pipeline started", stamp)
	case attractor.EventPipelineCompleted:
		return fmt.Sprintf("%s %s", stamp, doneStyle.Render("pipeline completed"))
	case attractor.EventPipelineFailed:
		return fmt.Sprintf("%s %s %v", stamp, failStyle.Render("pipeline failed"), evt.Data["error"])
	case attractor.EventStageStarted:
		return fmt.Sprintf("%s %s started", stamp, evt.NodeID)
	case attractor.EventStageCompleted:
		return fmt.Sprintf("%s %s %s", stamp, evt.NodeID, doneStyle.Render("ok"))
	case attractor.EventStageFailed:
		return fmt.Sprintf("%s %s %s %v", stamp, evt.NodeID, failStyle.Render("failed"), evt.Data["reason"])
	case attractor.EventStageRetrying:
		return fmt.Sprintf("%s %s retrying", stamp, evt.NodeID)
	case attractor.EventCheckpointSaved:
		return fmt.Sprintf("%s checkpoint at %s", stamp, evt.NodeID)
	case attractor.EventAgentToolCallStart:
		return fmt.Sprintf("%s %s tool %v", stamp, evt.NodeID, evt.Data["tool_name"])
	case attractor.EventAgentLLMTurn:
		return fmt.Sprintf("%s %s llm turn (in:%v out:%v)", stamp, evt.NodeID, evt.Data["input_tokens"], evt.Data["output_tokens"])
	}
	return ""
}

func (m Monitor) View() string {
	var b strings.Builder

	title := m.graphName
	if title == "" {
		title = "pipeline"
	}
	elapsed := time.Since(m.started).Round(time.Second)
	switch {
	case m.failed:
		fmt.Fprintf(&b, "%s %s %s\n", headerStyle.Render(title), failStyle.Render("failed"), dimStyle.Render(elapsed.String()))
	case m.finished:
		fmt.Fprintf(&b, "%s %s %s\n", headerStyle.Render(title), doneStyle.Render("completed"), dimStyle.Render(elapsed.String()))
	default:
		fmt.Fprintf(&b, "%s %s %s\n", headerStyle.Render(title), m.spin.View(), dimStyle.Render(elapsed.String()))
	}

	b.WriteString(m.nodeStrip())
	b.WriteString("\n\n")

	if m.ready {
		b.WriteString(m.log.View())
		b.WriteString("\n")
	}

	if m.active != nil {
		b.WriteString(questionStyle.Render(m.active.text))
		b.WriteString("\n")
		if len(m.active.options) > 0 {
			b.WriteString(dimStyle.Render("options: " + strings.Join(m.active.options, ", ")))
			b.WriteString("\n")
		}
		b.WriteString(m.input.View())
		b.WriteString("\n")
	} else if m.failed {
		b.WriteString(failStyle.Render("error: " + m.runErr))
		b.WriteString("\n")
	}

	b.WriteString(dimStyle.Render("q quit"))
	return b.String()
}

// nodeStrip renders one glyph per node in graph order.
func (m Monitor) nodeStrip() string {
	parts := make([]string, 0, len(m.order))
	for _, id := range m.order {
		switch m.status[id] {
		case nodeDone:
			parts = append(parts, doneStyle.Render("●")+" "+id)
		case nodeRunning:
			parts = append(parts, runningStyle.Render("◐")+" "+id)
		case nodeFailed:
			parts = append(parts, failStyle.Render("✗")+" "+id)
		case nodeRetrying:
			parts = append(parts, runningStyle.Render("↻")+" "+id)
		default:
			parts = append(parts, dimStyle.Render("○ "+id))
		}
	}
	return strings.Join(parts, "  ")
}
