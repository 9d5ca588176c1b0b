// Package tui is a terminal pictogram board that follows a running daemon.
package tui

import (
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mil-ad/eegmenu/internal/connection"
	"github.com/mil-ad/eegmenu/internal/httpapi"
)

// Client talks to the daemon. Every call returns the view after the
// request was handled.
type Client interface {
	View() (httpapi.View, error)
	Connect() (httpapi.View, error)
	Disconnect() (httpapi.View, error)
	Tap(optionID string) (httpapi.View, error)
}

const pollInterval = 200 * time.Millisecond

// Model is the Bubbletea model for the board.
type Model struct {
	client  Client
	view    httpapi.View
	spinner spinner.Model
	err     error
	busy    bool
	width   int
}

type (
	tickMsg time.Time
	viewMsg struct {
		view httpapi.View
		err  error
	}
	// actionMsg carries the reply to a user action. An action error is kept
	// on screen until the next action; poll errors clear on the next poll.
	actionMsg viewMsg
)

func New(client Client) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle
	return Model{client: client, spinner: s}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.poll(), m.spinner.Tick)
}

func (m Model) poll() tea.Cmd {
	return func() tea.Msg {
		v, err := m.client.View()
		return viewMsg{view: v, err: err}
	}
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) action(fn func() (httpapi.View, error)) tea.Cmd {
	return func() tea.Msg {
		v, err := fn()
		return actionMsg{view: v, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		return m, m.poll()

	case viewMsg:
		if msg.err == nil {
			m.view = msg.view
		}
		if !m.busy {
			m.err = msg.err
		}
		return m, tick()

	case actionMsg:
		m.busy = false
		m.err = msg.err
		if msg.view.Options != nil {
			m.view = msg.view
		}
		return m, nil
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	switch key {
	case "q", "ctrl+c", "esc":
		return m, tea.Quit
	}
	if m.busy {
		return m, nil
	}

	switch key {
	case "c":
		if m.view.Status == connection.Disconnected {
			m.busy = true
			m.view.Status = connection.Connecting
			return m, m.action(m.client.Connect)
		}
	case "d":
		if m.view.Status != connection.Disconnected {
			m.busy = true
			return m, m.action(m.client.Disconnect)
		}
	default:
		if len(key) == 1 && key[0] >= '1' && key[0] <= '9' {
			i := int(key[0] - '1')
			if i < len(m.view.Options) {
				id := m.view.Options[i].ID
				m.busy = true
				return m, m.action(func() (httpapi.View, error) { return m.client.Tap(id) })
			}
		}
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render("EEG menu"))
	b.WriteString("\n\n")
	b.WriteString(RenderStatus(m.view, m.spinner.View()))
	b.WriteString("\n\n")
	if len(m.view.Options) > 0 {
		b.WriteString(RenderBoard(m.view))
		b.WriteString("\n\n")
	}
	if m.err != nil {
		b.WriteString(ErrorStyle.Render(m.err.Error()))
		b.WriteString("\n")
	}
	b.WriteString(renderHelp(m.view.Status == connection.Connected))
	b.WriteString("\n")
	return b.String()
}

// Run starts the board on the terminal and blocks until the user quits.
func Run(client Client) error {
	_, err := tea.NewProgram(New(client), tea.WithAltScreen()).Run()
	return err
}
