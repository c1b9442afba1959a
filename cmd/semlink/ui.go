package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"semlink/internal/core/ports"
	"semlink/internal/resolve"
)

var (
	titleStyle = lipgloss.NewStyle().
			MarginLeft(2).
			Foreground(lipgloss.Color("#3B82F6")).
			Bold(true).
			Render

	docStyle = lipgloss.NewStyle().Margin(1, 2)

	hierarchyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F87171")).
			Bold(true)

	unresolvedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FBBF24")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#10B981")).
			Bold(true)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#64748B")).
			Italic(true)
)

type item struct {
	title, desc string
}

func (i item) Title() string       { return i.title }
func (i item) Description() string { return i.desc }
func (i item) FilterValue() string { return i.title + i.desc }

type model struct {
	list        list.Model
	report      *ports.PassReport
	diagnostics []resolve.Diagnostic
	lastUpdate  time.Time
	classes     int
	methods     int
}

type updateMsg struct {
	report      *ports.PassReport
	diagnostics []resolve.Diagnostic
	classes     int
	methods     int
	duration    time.Duration
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		h, v := docStyle.GetFrameSize()
		m.list.SetSize(msg.Width-h, msg.Height-v-4)
	case updateMsg:
		m.report = msg.report
		m.diagnostics = msg.diagnostics
		m.classes = msg.classes
		m.methods = msg.methods
		m.lastUpdate = time.Now()

		items := []list.Item{}
		for _, id := range m.report.HierarchyErrs {
			items = append(items, item{
				title: "Hierarchy Error",
				desc:  string(id) + " excluded from dispatch pruning",
			})
		}
		for _, d := range m.diagnostics {
			items = append(items, item{
				title: "Unresolved Call",
				desc:  fmt.Sprintf("%s: %v", d.Site, d.Err),
			})
		}
		m.list.SetItems(items)
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m model) View() string {
	status := statusStyle.Render(fmt.Sprintf("Last update: %v | %d classes | %d methods",
		m.lastUpdate.Format("15:04:05"), m.classes, m.methods))

	var summary string
	hierarchyErrs := 0
	edges := 0
	if m.report != nil {
		hierarchyErrs = len(m.report.HierarchyErrs)
		edges = m.report.EdgesResolved
	}
	if hierarchyErrs == 0 && len(m.diagnostics) == 0 {
		summary = successStyle.Render(fmt.Sprintf("✅ %d edges, all sites resolved", edges))
	} else {
		summary = fmt.Sprintf("⚠️  %s | %s",
			unresolvedStyle.Render(fmt.Sprintf("%d Unresolved", len(m.diagnostics))),
			hierarchyStyle.Render(fmt.Sprintf("%d Hierarchy Errors", hierarchyErrs)))
	}

	header := fmt.Sprintf("%s\n%s | %s\n", titleStyle("Call Graph Monitor"), status, summary)
	return docStyle.Render(header + "\n" + m.list.View())
}

func initialModel() model {
	l := list.New([]list.Item{}, list.NewDefaultDelegate(), 0, 0)
	l.Title = "Resolution Issues"
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(true)

	return model{
		list:       l,
		lastUpdate: time.Now(),
	}
}
