// Package tui is the interactive front end for image generation.
//
// The model owns a prompt input, a progress bar and a grid of result cells.
// A run executes on a bubbletea command goroutine and reports back through a
// channel of generation events which the model drains one message at a time.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/psantana5/diffusion-optimizer/pkg/generate"
	"github.com/psantana5/diffusion-optimizer/pkg/models"
)

// MaxImages is the most result cells the grid can show
const MaxImages = 9

// RunFunc executes one generation request, reporting through obs
type RunFunc func(ctx context.Context, req models.GenerationRequest, obs generate.Observer) (*generate.Summary, error)

// Options configures the interactive model
type Options struct {
	Request models.GenerationRequest
	Run     RunFunc
	// ProgressRate caps progress redraws per second; zero disables throttling
	ProgressRate float64
}

// Messages carry the run number so late messages of an earlier run are ignored
type eventMsg struct {
	run   int
	event models.Event
}

type runFinishedMsg struct {
	run     int
	summary *generate.Summary
	err     error
}

// channelClosedMsg marks the end of the event stream of a run
type channelClosedMsg struct {
	run int
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	emptyCell    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("238")).Width(22).Height(3).Align(lipgloss.Center, lipgloss.Center)
	filledCell   = emptyCell.BorderForeground(lipgloss.Color("42"))
	disabledHint = helpStyle.Italic(true)
)

// Model is the bubbletea model for interactive generation
type Model struct {
	ctx    context.Context
	cancel context.CancelFunc
	run    RunFunc
	rate   float64

	request  models.GenerationRequest
	input    textinput.Model
	progress progress.Model

	running bool
	runs    int
	events  chan models.Event
	step    int
	cells   []string
	pending int

	warning string
	err     error
	summary *generate.Summary
	width   int
}

// New creates the model. Counts above MaxImages are capped with a warning.
func New(ctx context.Context, opts Options) *Model {
	req := opts.Request
	var warning string
	if req.Count > MaxImages {
		warning = fmt.Sprintf("the interactive grid shows at most %d images, count lowered from %d", MaxImages, req.Count)
		req.Count = MaxImages
	}

	input := textinput.New()
	input.Placeholder = "Describe the image"
	input.SetValue(req.Prompt)
	input.Prompt = "> "
	input.Width = 72
	input.Focus()

	bar := progress.New(progress.WithDefaultGradient())
	bar.Width = 72

	return &Model{
		ctx:      ctx,
		run:      opts.Run,
		rate:     opts.ProgressRate,
		request:  req,
		input:    input,
		progress: bar,
		cells:    make([]string, req.Count),
		warning:  warning,
	}
}

// Request returns the request the next run would use
func (m *Model) Request() models.GenerationRequest {
	req := m.request
	req.Prompt = strings.TrimSpace(m.input.Value())
	return req
}

// Running reports whether a run is in flight. Generate is disabled while true.
func (m *Model) Running() bool {
	return m.running
}

// MaxSteps is the progress bar maximum for the current request
func (m *Model) MaxSteps() int {
	return m.request.Steps * m.request.MinBatches()
}

// Columns returns the grid width for count images
func Columns(count int) int {
	if count == 4 {
		return 2
	}
	return min(count, 3)
}

// Init implements tea.Model
func (m *Model) Init() tea.Cmd {
	return textinput.Blink
}

// Update implements tea.Model
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		w := max(20, min(msg.Width-4, 96))
		m.progress.Width = w
		m.input.Width = w
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		case tea.KeyEnter:
			return m, m.start()
		}

	case eventMsg:
		if msg.run != m.runs {
			return m, nil
		}
		m.apply(msg.event)
		return m, m.waitForEvent()

	case channelClosedMsg:
		if msg.run == m.runs {
			m.events = nil
		}
		return m, nil

	case runFinishedMsg:
		if msg.run != m.runs {
			return m, nil
		}
		m.summary = msg.summary
		m.err = msg.err
		m.pending = 0
		m.finishIfDone()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// start launches a run unless one is already in flight
func (m *Model) start() tea.Cmd {
	if m.running || m.run == nil {
		return nil
	}
	req := m.Request()
	if req.Prompt == "" {
		m.err = errors.New("prompt must not be empty")
		return nil
	}
	if err := req.Validate(); err != nil {
		m.err = err
		return nil
	}

	ctx, cancel := context.WithCancel(m.ctx)
	m.cancel = cancel
	m.running = true
	m.runs++
	m.err = nil
	m.summary = nil
	m.step = 0
	m.cells = make([]string, req.Count)
	m.pending = req.Count
	m.events = make(chan models.Event, 16)

	events := m.events
	obs := newThrottledObserver(generate.NewChannelObserver(ctx, events), m.rate, m.MaxSteps())
	run, id := m.run, m.runs
	runCmd := func() tea.Msg {
		defer cancel()
		summary, err := run(ctx, req, obs)
		close(events)
		return runFinishedMsg{run: id, summary: summary, err: err}
	}
	return tea.Batch(runCmd, m.waitForEvent())
}

func (m *Model) waitForEvent() tea.Cmd {
	events, id := m.events, m.runs
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return channelClosedMsg{run: id}
		}
		return eventMsg{run: id, event: ev}
	}
}

func (m *Model) apply(ev models.Event) {
	switch ev.Kind {
	case models.EventStep:
		if ev.Step > m.step {
			m.step = ev.Step
		}
	case models.EventImage:
		if ev.Index >= 0 && ev.Index < len(m.cells) {
			if m.cells[ev.Index] == "" {
				m.pending--
			}
			m.cells[ev.Index] = ev.Path
		}
		if m.pending <= 0 {
			m.running = false
		}
	}
}

func (m *Model) finishIfDone() {
	if m.pending <= 0 {
		m.running = false
	}
}

// View implements tea.Model
func (m *Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Stable Diffusion"))
	b.WriteString("\n\n")
	b.WriteString(m.input.View())
	b.WriteString("\n\n")

	percent := 0.0
	if total := m.MaxSteps(); total > 0 {
		percent = min(1.0, float64(m.step)/float64(total))
	}
	b.WriteString(m.progress.ViewAs(percent))
	b.WriteString(fmt.Sprintf("  %d/%d\n\n", min(m.step, m.MaxSteps()), m.MaxSteps()))

	b.WriteString(m.grid())
	b.WriteString("\n")

	if m.warning != "" {
		b.WriteString(warnStyle.Render("warning: "+m.warning) + "\n")
	}
	if m.err != nil {
		b.WriteString(errStyle.Render("error: "+m.err.Error()) + "\n")
	}
	if m.running {
		b.WriteString(disabledHint.Render("generating... (esc to cancel)"))
	} else {
		b.WriteString(helpStyle.Render("enter: generate • esc: quit"))
	}
	b.WriteString("\n")
	return b.String()
}

func (m *Model) grid() string {
	cols := Columns(len(m.cells))
	if cols == 0 {
		return ""
	}
	var rows []string
	for start := 0; start < len(m.cells); start += cols {
		end := min(start+cols, len(m.cells))
		row := make([]string, 0, end-start)
		for i := start; i < end; i++ {
			if m.cells[i] == "" {
				row = append(row, emptyCell.Render(fmt.Sprintf("#%d", i)))
				continue
			}
			row = append(row, filledCell.Render(m.cells[i]))
		}
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, row...))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

// Run starts the interactive program and blocks until the user quits
func Run(ctx context.Context, opts Options) error {
	p := tea.NewProgram(New(ctx, opts), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("failed to run interactive ui: %w", err)
	}
	return nil
}
