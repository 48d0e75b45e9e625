// Package tui renders daemon state for the terminal: a one-shot styled
// table and a live bubbletea view that polls the API.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"grimm.is/tunnelboard/internal/brand"
	"grimm.is/tunnelboard/internal/lifecycle"
)

// Backend defines the interface for data retrieval.
type Backend interface {
	GetSettings() (*lifecycle.Settings, error)
}

type settingsMsg struct {
	settings *lifecycle.Settings
	err      error
	at       time.Time
}

type tickMsg time.Time

// Model is the live entry view.
type Model struct {
	backend  Backend
	interval time.Duration

	table    table.Model
	settings *lifecycle.Settings
	err      error
	updated  time.Time
	width    int
	height   int
}

// NewModel polls backend every interval.
func NewModel(backend Backend, interval time.Duration) Model {
	if interval <= 0 {
		interval = 2 * time.Second
	}

	widths := []int{6, 3, 12, 24, 24, 30}
	columns := make([]table.Column, len(entryHeaders))
	for i, h := range entryHeaders {
		columns[i] = table.Column{Title: h, Width: widths[i]}
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(ColorDeep).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return Model{backend: backend, interval: interval, table: t}
}

func (m Model) fetch() tea.Cmd {
	return func() tea.Msg {
		s, err := m.backend.GetSettings()
		return settingsMsg{settings: s, err: err, at: time.Now()}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return m.fetch()
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if h := msg.Height - 8; h > 3 {
			m.table.SetHeight(h)
		}

	case settingsMsg:
		m.err = msg.err
		if msg.err == nil {
			m.settings = msg.settings
			m.updated = msg.at
			m.table.SetRows(tableRows(msg.settings))
		}
		return m, m.tick()

	case tickMsg:
		return m, m.fetch()
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func tableRows(s *lifecycle.Settings) []table.Row {
	rows := entryRows(s)
	out := make([]table.Row, len(rows))
	for i, r := range rows {
		out[i] = r.cells()
	}
	return out
}

// View implements tea.Model.
func (m Model) View() string {
	title := StyleTitle.Render(brand.Name)
	if m.settings == nil && m.err == nil {
		return StyleApp.Render(title + "\n\nLoading...")
	}

	status := StyleSubtitle.Render("updated " + m.updated.Format(time.TimeOnly))
	if m.err != nil {
		status = StyleStatusBad.Render(fmt.Sprintf("error: %v", m.err))
	}

	body := m.table.View()
	if m.settings != nil {
		body += "\n" + summary(m.settings)
	}

	help := StyleHelp.Render("↑/↓ select • r refresh • q quit")
	return StyleApp.Render(lipgloss.JoinVertical(lipgloss.Left, title+"  "+status, "", body, "", help))
}
