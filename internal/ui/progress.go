package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"hvjit/internal/ir"
	"hvjit/internal/optimizer"
)

// Job names one seed of a batch compile.
type Job struct {
	Seed ir.BlockID
	Name string
}

type progressModel struct {
	title   string
	events  <-chan optimizer.Event
	spinner spinner.Model
	prog    progress.Model
	items   []jobItem
	index   map[ir.BlockID]int
	width   int
	done    bool
}

type jobItem struct {
	name   string
	status string
	stage  optimizer.Stage
	final  bool
}

type eventMsg optimizer.Event
type doneMsg struct{}

// NewProgressModel returns a Bubble Tea model that renders batch compile
// progress. It quits once events is closed.
func NewProgressModel(title string, jobs []Job, events <-chan optimizer.Event) tea.Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))

	prog := progress.New(progress.WithDefaultGradient())
	prog.Width = 76

	items := make([]jobItem, 0, len(jobs))
	index := make(map[ir.BlockID]int, len(jobs))
	for i, j := range jobs {
		items = append(items, jobItem{name: j.Name, status: "queued"})
		index[j.Seed] = i
	}
	return &progressModel{
		title:   title,
		events:  events,
		spinner: sp,
		prog:    prog,
		items:   items,
		index:   index,
		width:   80,
	}
}

func (m *progressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenForEvent())
}

func (m *progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		cmd := m.applyEvent(optimizer.Event(msg))
		return m, tea.Batch(cmd, m.listenForEvent())
	case doneMsg:
		m.done = true
		return m, tea.Quit
	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		if msg.Width > 0 {
			m.width = msg.Width
			m.prog.Width = msg.Width - 4
		}
		return m, nil
	case progress.FrameMsg:
		pm, cmd := m.prog.Update(msg)
		m.prog = pm.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m *progressModel) View() string {
	if len(m.items) == 0 {
		return ""
	}
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7"))
	header := fmt.Sprintf("%s (%d/%d)", m.title, m.finished(), len(m.items))
	if m.done {
		header = "done: " + header
	} else {
		header = m.spinner.View() + " " + header
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(header))
	b.WriteString("\n\n")

	statusWidth := 12
	nameWidth := max(m.width-statusWidth-4, 20)
	for _, item := range m.items {
		status := styleStatus(item.status).Render(fmt.Sprintf("%12s", item.status))
		fmt.Fprintf(&b, "  %s %s\n", status, truncate(item.name, nameWidth))
	}

	b.WriteString("\n")
	if m.done {
		b.WriteString(m.prog.ViewAs(1.0))
	} else {
		b.WriteString(m.prog.View())
	}
	b.WriteString("\n")
	return b.String()
}

func (m *progressModel) listenForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return doneMsg{}
		}
		return eventMsg(ev)
	}
}

func (m *progressModel) finished() int {
	n := 0
	for _, item := range m.items {
		if item.final {
			n++
		}
	}
	return n
}

func (m *progressModel) applyEvent(ev optimizer.Event) tea.Cmd {
	idx, ok := m.index[ev.Seed]
	if !ok {
		return nil
	}
	item := &m.items[idx]
	if item.final {
		return nil
	}
	item.stage = ev.Stage
	switch {
	case ev.Status == optimizer.StatusError:
		item.status, item.final = "error", true
	case ev.Status == optimizer.StatusStale:
		item.status, item.final = "stale", true
	case ev.Status == optimizer.StatusDone && ev.Stage == optimizer.StageCommit:
		item.status, item.final = "installed", true
	case ev.Status == optimizer.StatusWorking:
		item.status = stageLabel(ev.Stage)
	}
	return m.prog.SetPercent(m.fraction())
}

func (m *progressModel) fraction() float64 {
	total := 0.0
	for _, item := range m.items {
		if item.final {
			total++
			continue
		}
		total += progressFromStage(item.stage)
	}
	return total / float64(len(m.items))
}

func progressFromStage(stage optimizer.Stage) float64 {
	switch stage {
	case optimizer.StageScope:
		return 0.1
	case optimizer.StageDepGraph:
		return 0.25
	case optimizer.StageSched:
		return 0.45
	case optimizer.StageSpeculate:
		return 0.7
	case optimizer.StageSimplify:
		return 0.85
	case optimizer.StageCommit:
		return 0.95
	default:
		return 0.0
	}
}

func stageLabel(stage optimizer.Stage) string {
	switch stage {
	case optimizer.StageScope:
		return "scoping"
	case optimizer.StageDepGraph:
		return "graphing"
	case optimizer.StageSched:
		return "scheduling"
	case optimizer.StageSpeculate:
		return "speculating"
	case optimizer.StageSimplify:
		return "simplifying"
	case optimizer.StageCommit:
		return "installing"
	default:
		return "queued"
	}
}

func styleStatus(status string) lipgloss.Style {
	switch status {
	case "installed":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	case "error":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	case "stale":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	case "queued":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	}
}

func truncate(value string, width int) string {
	if width <= 0 {
		return value
	}
	if runewidth.StringWidth(value) <= width {
		return value
	}
	if width <= 3 {
		return runewidth.Truncate(value, width, "")
	}
	return runewidth.Truncate(value, width-3, "...")
}
