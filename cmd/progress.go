package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/airframesio/bi-toolkit/cmd/fanout"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type Phase int

const (
	PhaseStarting Phase = iota
	PhaseExporting
	PhaseFetching
	PhaseConsolidating
	PhaseUploading
	PhaseQuerying
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseExporting:
		return "export"
	case PhaseFetching:
		return "fetch"
	case PhaseConsolidating:
		return "consolidate"
	case PhaseUploading:
		return "upload"
	case PhaseQuerying:
		return "query"
	case PhaseComplete:
		return "complete"
	default:
		return "unknown"
	}
}

type phaseMsg struct {
	phase   Phase
	total   int
	message string
}

type taskDoneMsg struct {
	outcome fanout.Outcome
}

type messageMsg string

type allCompleteMsg struct{}

var (
	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			Margin(0, 2)

	stageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Margin(0, 2)

	tableHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FFAA00")).
				Bold(true).
				Margin(0, 2)

	progressInfoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Margin(0, 2)
)

const (
	maxMessages = 10
	maxResults  = 5
)

type progressModel struct {
	phase           Phase
	stage           string
	total           int
	completed       int
	failed          int
	overallProgress progress.Model
	currentSpinner  spinner.Model
	messages        []string
	results         []fanout.Outcome
	width           int
	done            bool
	phaseStart      time.Time
	cancel          context.CancelFunc
	taskInfo        *TaskInfo
}

func newProgressModel(cancel context.CancelFunc, taskInfo *TaskInfo) progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	overallProg := progress.New(
		progress.WithScaledGradient("#FF7CCB", "#FDFF8C"),
		progress.WithWidth(60),
	)

	return progressModel{
		phase:           PhaseStarting,
		stage:           "Initializing...",
		overallProgress: overallProg,
		currentSpinner:  s,
		phaseStart:      time.Now(),
		cancel:          cancel,
		taskInfo:        taskInfo,
	}
}

// updateTaskInfo mirrors the current counts into the task info file
func (m *progressModel) updateTaskInfo() {
	if m.taskInfo == nil {
		return
	}
	m.taskInfo.CurrentStage = m.phase.String()
	m.taskInfo.TotalItems = m.total
	m.taskInfo.CompletedItems = m.completed
	m.taskInfo.FailedItems = m.failed
	_ = WriteTaskInfo(m.taskInfo)
}

func (m progressModel) Init() tea.Cmd {
	return m.currentSpinner.Tick
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.overallProgress.Width = msg.Width - 10
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.currentSpinner, cmd = m.currentSpinner.Update(msg)
		return m, cmd
	case progress.FrameMsg:
		overallModel, cmd := m.overallProgress.Update(msg)
		if om, ok := overallModel.(progress.Model); ok {
			m.overallProgress = om
		}
		return m, cmd
	case phaseMsg:
		return m.handlePhaseMsg(msg)
	case taskDoneMsg:
		return m.handleTaskDoneMsg(msg)
	case messageMsg:
		m.messages = append(m.messages, string(msg))
		if len(m.messages) > maxMessages {
			m.messages = m.messages[len(m.messages)-maxMessages:]
		}
		return m, nil
	case allCompleteMsg:
		m.phase = PhaseComplete
		m.done = true
		return m, tea.Quit
	}
	return m, nil
}

func (m progressModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" || msg.String() == "q" {
		// the signal handler never sees ctrl+c while the terminal is in raw mode
		if m.cancel != nil {
			m.cancel()
		}
		m.stage = "Stopping..."
	}
	return m, nil
}

func (m progressModel) handlePhaseMsg(msg phaseMsg) (tea.Model, tea.Cmd) {
	m.phase = msg.phase
	m.stage = msg.message
	m.total = msg.total
	m.completed = 0
	m.failed = 0
	m.results = nil
	m.phaseStart = time.Now()
	m.updateTaskInfo()
	return m, nil
}

func (m progressModel) handleTaskDoneMsg(msg taskDoneMsg) (tea.Model, tea.Cmd) {
	m.completed++
	if msg.outcome.Err != nil {
		m.failed++
	}
	m.results = append(m.results, msg.outcome)
	if len(m.results) > maxResults {
		m.results = m.results[len(m.results)-maxResults:]
	}
	m.updateTaskInfo()

	if m.total > 0 {
		return m, m.overallProgress.SetPercent(float64(m.completed) / float64(m.total))
	}
	return m, nil
}

// renderMessages renders the message log section
func (m progressModel) renderMessages() []string {
	var sections []string
	sections = append(sections, helpStyle.Render("   Log:"))
	if len(m.messages) == 0 {
		sections = append(sections, "     (waiting for operations...)")
	} else {
		for _, msg := range m.messages {
			sections = append(sections, "     "+msg)
		}
	}
	return sections
}

// renderSeparator renders a horizontal separator
func (m progressModel) renderSeparator() []string {
	separatorWidth := 80
	if m.width > 6 && m.width < 200 {
		separatorWidth = m.width - 6
	}
	separator := "   " + strings.Repeat("─", separatorWidth)
	return []string{"", lipgloss.NewStyle().Foreground(lipgloss.Color("#444")).Render(separator), ""}
}

// renderPhase renders the running stage and its task counts
func (m progressModel) renderPhase() []string {
	var sections []string
	sections = append(sections, stageStyle.Render(fmt.Sprintf("   %s %s", m.currentSpinner.View(), m.stage)))
	if m.phase == PhaseStarting {
		return sections
	}

	sections = append(sections, "")
	elapsed := time.Since(m.phaseStart).Round(time.Second)
	if m.total > 0 {
		info := fmt.Sprintf("   %d/%d done, %d failed, %s", m.completed, m.total, m.failed, elapsed)
		sections = append(sections, progressInfoStyle.Render(info))
		sections = append(sections, "   "+m.overallProgress.View())
	} else {
		info := fmt.Sprintf("   %d done, %d failed, %s", m.completed, m.failed, elapsed)
		sections = append(sections, progressInfoStyle.Render(info))
	}

	if len(m.results) > 0 {
		sections = append(sections, "")
		sections = append(sections, tableHeaderStyle.Render("   Recent Results"))
		sections = append(sections, "")
		for _, result := range m.results {
			if result.Err != nil {
				sections = append(sections, fmt.Sprintf("   ❌ %s - Error: %v", result.Key, result.Err))
			} else {
				sections = append(sections, fmt.Sprintf("   ✅ %s - %s", result.Key, result.Duration.Round(time.Millisecond)))
			}
		}
	}
	return sections
}

func (m progressModel) View() string {
	if m.done {
		return ""
	}

	var sections []string
	sections = append(sections, "", titleStyle.Render(fmt.Sprintf("   BI Toolkit v%s", Version)), "")
	sections = append(sections, m.renderMessages()...)
	sections = append(sections, m.renderSeparator()...)
	sections = append(sections, m.renderPhase()...)

	sections = append(sections, "")
	sections = append(sections, helpStyle.Render("   Press Ctrl+C or 'q' to stop"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// progressUI feeds fan-out events from the command goroutine into the bubbletea program.
// A nil *progressUI is valid and does nothing.
type progressUI struct {
	program *tea.Program
	done    chan struct{}
	err     error
}

func startProgressUI(cancel context.CancelFunc, taskInfo *TaskInfo, opts ...tea.ProgramOption) *progressUI {
	// our signal context handles SIGINT/SIGTERM
	opts = append([]tea.ProgramOption{tea.WithoutSignalHandler()}, opts...)
	p := &progressUI{
		program: tea.NewProgram(newProgressModel(cancel, taskInfo), opts...),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		if _, err := p.program.Run(); err != nil {
			p.err = fmt.Errorf("error running progress display: %w", err)
		}
	}()
	return p
}

// Phase announces a new stage with the number of tasks it will run (0 if unknown)
func (p *progressUI) Phase(phase Phase, total int, message string) {
	if p == nil {
		return
	}
	p.program.Send(phaseMsg{phase: phase, total: total, message: message})
}

// Observer reports every finished task to the display
func (p *progressUI) Observer() fanout.Observer {
	if p == nil {
		return nil
	}
	return func(o fanout.Outcome) {
		p.program.Send(taskDoneMsg{outcome: o})
	}
}

// ObserveConsolidation lets the display act as a consolidation recorder
func (p *progressUI) ObserveConsolidation(table string, duration time.Duration, err error) {
	if p == nil {
		return
	}
	p.program.Send(taskDoneMsg{outcome: fanout.Outcome{Key: table, Err: err, Duration: duration}})
}

// Message appends a line to the log section
func (p *progressUI) Message(msg string) {
	if p == nil {
		return
	}
	p.program.Send(messageMsg(msg))
}

// Stop closes the display and waits for the terminal to be restored
func (p *progressUI) Stop() error {
	if p == nil {
		return nil
	}
	p.program.Send(allCompleteMsg{})
	<-p.done
	return p.err
}

// progressLogHandler routes log records into the display instead of stdout
type progressLogHandler struct {
	ui    *progressUI
	level slog.Leveler
}

func newProgressLogHandler(ui *progressUI, level slog.Leveler) *progressLogHandler {
	return &progressLogHandler{ui: ui, level: level}
}

func (h *progressLogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *progressLogHandler) Handle(_ context.Context, r slog.Record) error {
	if r.Message == "" {
		return nil
	}
	h.ui.Message(formatProgressRecord(r))
	return nil
}

// formatProgressRecord renders a record as "HH:MM:SS message key=value ..."
func formatProgressRecord(r slog.Record) string {
	var line strings.Builder
	fmt.Fprintf(&line, "%s %s", r.Time.Format("15:04:05"), r.Message)
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&line, " %s=%v", a.Key, a.Value)
		return true
	})
	return line.String()
}

func (h *progressLogHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return h
}

func (h *progressLogHandler) WithGroup(_ string) slog.Handler {
	return h
}
