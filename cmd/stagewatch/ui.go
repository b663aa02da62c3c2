package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/venuelab/stagesync/pkg/surface"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	panelStyle  = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
	degradedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

type watchModel struct {
	rig *rig

	surfaces table.Model
	events   viewport.Model

	width  int
	height int
}

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func initialModel(r *rig) watchModel {
	columns := []table.Column{
		{Title: "Surface", Width: 10},
		{Title: "Role", Width: 10},
		{Title: "Rev", Width: 8},
		{Title: "Peers", Width: 6},
		{Title: "Health", Width: 30},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(2+len(r.projs)),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57"))
	t.SetStyles(s)

	ev := viewport.New(80, 12)

	return watchModel{rig: r, surfaces: t, events: ev, width: 100, height: 30}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(tea.SetWindowTitle("stagewatch"), tick())
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "e":
			m.rig.randomEdit()
		case "s":
			m.rig.fullSnapshot()
		case "o":
			m.rig.toggleOutage()
		case "l":
			m.rig.cycleLoss()
		case "r":
			m.rig.resetSync()
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.events.Width = max(msg.Width-4, 20)
		m.events.Height = max(msg.Height-m.surfaces.Height()-10, 4)
	case tickMsg:
		m.refresh()
		return m, tick()
	}
	m.surfaces, cmd = m.surfaces.Update(msg)
	return m, cmd
}

func (m *watchModel) refresh() {
	rows := []table.Row{surfaceRow("control", m.rig.ctl)}
	for i, p := range m.rig.projs {
		rows = append(rows, surfaceRow(fmt.Sprintf("proj%d", i), p))
	}
	m.surfaces.SetRows(rows)

	lines := m.rig.recent(m.events.Height)
	m.events.SetContent(strings.Join(lines, "\n"))
	m.events.GotoBottom()
}

func surfaceRow(name string, s *surface.Surface) table.Row {
	h := s.Health()
	status := okStyle.Render("ok")
	if h.Degraded {
		status = degradedStyle.Render("DEGRADED: " + h.Remediation)
	} else if h.Consecutive > 0 {
		status = fmt.Sprintf("%d consecutive failures", h.Consecutive)
	}
	return table.Row{
		name,
		s.Role().String(),
		fmt.Sprintf("r%d", s.Params().Revision()),
		fmt.Sprintf("%d", len(s.Peers())),
		status,
	}
}

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("stagesync rig"))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  %d projector(s)", len(m.rig.projs))))
	b.WriteString("\n\n")
	b.WriteString(panelStyle.Render(m.surfaces.View()))
	b.WriteString("\n")
	b.WriteString(panelStyle.Render(headerStyle.Render("Events") + "\n" + m.events.View()))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("[e]dit  [s]napshot  [o]utage  [l]oss  [r]eset  [q]uit"))
	return b.String()
}
