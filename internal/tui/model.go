package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kalambet/dbgenie/internal/api"
	"github.com/kalambet/dbgenie/internal/composer"
	"github.com/kalambet/dbgenie/internal/viz"
)

// ChatPort is the TUI-facing subset of the genie API client. Stream calls fn
// for every event of one turn, in order, and returns when the turn ends.
type ChatPort interface {
	Stream(ctx context.Context, sessionID, message string, fn func(api.StreamEvent) error) error
}

type role int

const (
	roleUser role = iota
	roleAssistant
	roleNotice
	roleError
)

type entry struct {
	role role
	text string
}

// Stream messages carry the turn number they belong to so events from a
// cancelled turn are dropped.
type streamEventMsg struct {
	turn int
	ev   api.StreamEvent
}

type streamDoneMsg struct {
	turn int
	err  error
}

// Model is the Bubble Tea model for `genie chat`.
type Model struct {
	client    ChatPort
	sessionID string

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model

	transcript []entry
	pending    strings.Builder
	events     chan tea.Msg
	cancel     context.CancelFunc
	turn       int
	streaming  bool
	status     string
	ready      bool
}

// New creates a chat model bound to an existing session.
func New(client ChatPort, sessionID string) *Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask about HR policy or HR data, Enter to send"
	ti.Focus()
	ti.CharLimit = 4000

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return &Model{
		client:    client,
		sessionID: sessionID,
		input:     ti,
		viewport:  viewport.New(0, 0),
		spinner:   sp,
		status:    "Session " + shortID(sessionID) + ". Esc cancels a reply, Ctrl+C quits.",
	}
}

func (m *Model) Init() tea.Cmd { return textinput.Blink }

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, bh := transcriptStyle.GetFrameSize()
		_, ih := inputStyle.GetFrameSize()
		reserved := 1 + 1 + ih + 1 // header, status, input box, spacer
		m.viewport.Width = max(20, msg.Width-2)
		m.viewport.Height = max(3, msg.Height-reserved-bh)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyCtrlD:
			m.stop()
			return m, tea.Quit
		case tea.KeyEsc:
			if m.streaming {
				m.stop()
				m.status = "Reply cancelled."
			}
			return m, nil
		case tea.KeyPgUp, tea.KeyPgDown, tea.KeyUp, tea.KeyDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		case tea.KeyEnter:
			q := strings.TrimSpace(m.input.Value())
			if q == "" || m.streaming {
				return m, nil
			}
			m.input.Reset()
			m.transcript = append(m.transcript, entry{role: roleUser, text: q})
			m.refresh()
			return m, tea.Batch(m.send(q), m.spinner.Tick)
		}

	case spinner.TickMsg:
		if !m.streaming {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case streamEventMsg:
		if msg.turn != m.turn || !m.streaming {
			return m, nil
		}
		m.apply(msg.ev)
		m.refresh()
		return m, waitForEvent(m.events, m.turn)

	case streamDoneMsg:
		if msg.turn != m.turn {
			return m, nil
		}
		m.finish(msg.err)
		m.refresh()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := headerStyle.Render("DB Genie")
	status := m.status
	if m.streaming {
		status = m.spinner.View() + " " + status
	}
	return header + "\n" +
		transcriptStyle.Render(m.viewport.View()) + "\n" +
		inputStyle.Render(m.input.View()) + "\n" +
		statusStyle.Render(status)
}

// send starts streaming one turn in the background. Events are handed to the
// update loop through m.events, one per waitForEvent.
func (m *Model) send(question string) tea.Cmd {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan tea.Msg, 16)
	m.turn++
	m.events = ch
	m.cancel = cancel
	m.streaming = true
	m.pending.Reset()
	m.status = "Thinking..."

	client, sessionID, turn := m.client, m.sessionID, m.turn
	go func() {
		defer close(ch)
		err := client.Stream(ctx, sessionID, question, func(ev api.StreamEvent) error {
			select {
			case ch <- streamEventMsg{turn: turn, ev: ev}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		select {
		case ch <- streamDoneMsg{turn: turn, err: err}:
		case <-ctx.Done():
		}
	}()
	return waitForEvent(ch, turn)
}

func waitForEvent(ch <-chan tea.Msg, turn int) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return streamDoneMsg{turn: turn}
		}
		return msg
	}
}

func (m *Model) stop() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.streaming && m.pending.Len() > 0 {
		m.transcript = append(m.transcript, entry{role: roleAssistant, text: m.pending.String()})
	}
	m.pending.Reset()
	m.streaming = false
	m.events = nil
}

func (m *Model) apply(ev api.StreamEvent) {
	switch ev.Event {
	case api.EventRoute:
		var d api.RouteData
		if json.Unmarshal(ev.Data, &d) == nil {
			names := make([]string, len(d.Routes))
			for i, r := range d.Routes {
				names[i] = string(r)
			}
			m.status = "Routes: " + strings.Join(names, ", ")
		}

	case api.EventVisualization:
		var a viz.Artifact
		if json.Unmarshal(ev.Data, &a) == nil {
			m.transcript = append(m.transcript, entry{role: roleNotice, text: describeChart(a)})
		}

	case api.EventContent:
		var c api.ContentData
		if json.Unmarshal(ev.Data, &c) == nil {
			m.pending.WriteString(c.Content)
		}

	case api.EventComplete:
		var a composer.Answer
		if json.Unmarshal(ev.Data, &a) != nil {
			return
		}
		text := m.pending.String()
		if text == "" {
			text = a.Text
		}
		m.pending.Reset()
		m.transcript = append(m.transcript, entry{role: roleAssistant, text: text})
		if line := describeSources(a.Sources); line != "" {
			m.transcript = append(m.transcript, entry{role: roleNotice, text: line})
		}
		m.status = "Done."

	case api.EventError:
		var d api.ErrorData
		if json.Unmarshal(ev.Data, &d) == nil {
			m.transcript = append(m.transcript, entry{role: roleError, text: d.Error.Message})
			for _, diag := range d.Diagnostics {
				m.transcript = append(m.transcript, entry{role: roleError, text: fmt.Sprintf("  %s: %s", diag.Route, diag.Message)})
			}
		}
		m.status = "Turn failed."
	}
}

func (m *Model) finish(err error) {
	if !m.streaming {
		return
	}
	if m.pending.Len() > 0 {
		m.transcript = append(m.transcript, entry{role: roleAssistant, text: m.pending.String()})
		m.pending.Reset()
	}
	if err != nil {
		m.transcript = append(m.transcript, entry{role: roleError, text: err.Error()})
		m.status = "Request failed."
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.streaming = false
	m.events = nil
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.render())
	m.viewport.GotoBottom()
}

func (m *Model) render() string {
	if len(m.transcript) == 0 && m.pending.Len() == 0 {
		return mutedStyle.Render("No messages yet.")
	}
	width := max(20, m.viewport.Width)
	var b strings.Builder
	for _, e := range m.transcript {
		b.WriteString(renderEntry(e, width))
		b.WriteString("\n")
	}
	if m.pending.Len() > 0 {
		b.WriteString(renderEntry(entry{role: roleAssistant, text: m.pending.String()}, width))
		b.WriteString("\n")
	}
	return b.String()
}

func renderEntry(e entry, width int) string {
	switch e.role {
	case roleUser:
		return userStyle.Width(width).Render("you: " + e.text)
	case roleNotice:
		return mutedStyle.Width(width).Render(e.text)
	case roleError:
		return errorStyle.Width(width).Render(e.text)
	}
	return assistantStyle.Width(width).Render("genie: " + e.text)
}

func describeChart(a viz.Artifact) string {
	s := fmt.Sprintf("[%s chart] %s", a.Kind, a.Title)
	if a.X != "" && a.Y != "" {
		s += fmt.Sprintf(" (%s by %s, %d rows)", a.Y, a.X, a.RowCount)
	}
	return s
}

func describeSources(sources []composer.Source) string {
	if len(sources) == 0 {
		return ""
	}
	parts := make([]string, len(sources))
	for i, s := range sources {
		if s.Page > 0 {
			parts[i] = fmt.Sprintf("%s p.%d", s.Source, s.Page)
		} else {
			parts[i] = s.Source
		}
	}
	return "Sources: " + strings.Join(parts, "; ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

var (
	headerStyle     = lipgloss.NewStyle().Bold(true)
	transcriptStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	inputStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	statusStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	userStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	assistantStyle  = lipgloss.NewStyle()
	mutedStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)
