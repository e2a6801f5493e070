// Package tui provides the live status dashboard behind `ingestd status
// --watch`, plus the table formatting shared with the plain status output.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driving"
)

// DefaultInterval is how often the dashboard rereads status.
const DefaultInterval = 5 * time.Second

// runsLimit caps the runs panel.
const runsLimit = 10

// statusMsg carries a status reload.
type statusMsg struct {
	rows []driving.StreamStatus
	err  error
	at   time.Time
}

// runsMsg carries the recent runs of one stream.
type runsMsg struct {
	streamID string
	runs     []domain.WorkerRun
	err      error
}

// tickMsg triggers the periodic reload.
type tickMsg time.Time

// Dashboard is a bubbletea model showing persisted stream status. It only
// reads the store, so it can watch a process running elsewhere.
type Dashboard struct {
	ctx      context.Context
	status   driving.StatusService
	interval time.Duration
	now      func() time.Time
	keys     *KeyMap
	styles   *Styles

	rows     []driving.StreamStatus
	runs     []domain.WorkerRun
	selected int
	panel    bool
	loaded   bool
	err      error
	updated  time.Time

	width  int
	height int
}

// Ensure Dashboard implements tea.Model.
var _ tea.Model = (*Dashboard)(nil)

// NewDashboard creates a dashboard reading status every interval.
func NewDashboard(ctx context.Context, status driving.StatusService, interval time.Duration) *Dashboard {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Dashboard{
		ctx:      ctx,
		status:   status,
		interval: interval,
		now:      time.Now,
		keys:     DefaultKeyMap(),
		styles:   NewStyles(nil),
	}
}

// WithClock sets the clock used for ages.
func (d *Dashboard) WithClock(now func() time.Time) *Dashboard {
	d.now = now
	return d
}

// Init loads status and starts the reload timer.
func (d *Dashboard) Init() tea.Cmd {
	return tea.Batch(
		tea.SetWindowTitle("ingestd status"),
		d.refresh(),
		d.tick(),
	)
}

// Update handles messages.
func (d *Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		d.width = msg.Width
		d.height = msg.Height
		return d, nil

	case tea.KeyMsg:
		return d.handleKey(msg)

	case statusMsg:
		d.err = msg.err
		if msg.err == nil {
			d.rows = msg.rows
			d.updated = msg.at
			d.loaded = true
			d.selected = min(d.selected, max(len(d.rows)-1, 0))
		}
		return d, nil

	case runsMsg:
		if sel, ok := d.selectedRow(); ok && sel.StreamID == msg.streamID {
			d.runs = msg.runs
			if msg.err != nil {
				d.err = msg.err
			}
		}
		return d, nil

	case tickMsg:
		cmds := []tea.Cmd{d.refresh(), d.tick()}
		if sel, ok := d.selectedRow(); ok && d.panel {
			cmds = append(cmds, d.loadRuns(sel.StreamID))
		}
		return d, tea.Batch(cmds...)
	}
	return d, nil
}

func (d *Dashboard) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, d.keys.Quit):
		return d, tea.Quit
	case key.Matches(msg, d.keys.Refresh):
		return d, d.refresh()
	case key.Matches(msg, d.keys.Back):
		d.panel = false
		d.runs = nil
	case d.panel:
		// The selection is fixed while the panel is open.
	case key.Matches(msg, d.keys.Up):
		if d.selected > 0 {
			d.selected--
		}
	case key.Matches(msg, d.keys.Down):
		if d.selected < len(d.rows)-1 {
			d.selected++
		}
	case key.Matches(msg, d.keys.Runs):
		if sel, ok := d.selectedRow(); ok {
			d.panel = true
			d.runs = nil
			return d, d.loadRuns(sel.StreamID)
		}
	}
	return d, nil
}

func (d *Dashboard) selectedRow() (driving.StreamStatus, bool) {
	if d.selected < 0 || d.selected >= len(d.rows) {
		return driving.StreamStatus{}, false
	}
	return d.rows[d.selected], true
}

func (d *Dashboard) refresh() tea.Cmd {
	return func() tea.Msg {
		rows, err := d.status.Streams(d.ctx)
		return statusMsg{rows: rows, err: err, at: d.now()}
	}
}

func (d *Dashboard) loadRuns(streamID string) tea.Cmd {
	return func() tea.Msg {
		runs, err := d.status.Runs(d.ctx, streamID, runsLimit)
		return runsMsg{streamID: streamID, runs: runs, err: err}
	}
}

func (d *Dashboard) tick() tea.Cmd {
	return tea.Tick(d.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// View renders the dashboard.
func (d *Dashboard) View() string {
	var b strings.Builder
	b.WriteString(d.styles.Title.Render("ingestd streams"))
	b.WriteString("\n\n")

	switch {
	case !d.loaded && d.err == nil:
		b.WriteString(d.styles.Muted.Render("loading…"))
		b.WriteString("\n")
	case len(d.rows) == 0 && d.loaded:
		b.WriteString(d.styles.Muted.Render("no streams"))
		b.WriteString("\n")
	default:
		d.renderTable(&b)
	}

	if d.panel {
		if sel, ok := d.selectedRow(); ok {
			b.WriteString("\n")
			b.WriteString(d.styles.Panel.Render(d.renderRuns(sel.StreamID)))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	if d.err != nil {
		b.WriteString(d.styles.Error.Render("error: " + d.err.Error()))
	} else if d.loaded {
		b.WriteString(d.styles.Muted.Render("updated " + AgeLabel(d.updated, d.now())))
	}
	b.WriteString("\n")
	b.WriteString(d.styles.Muted.Render(d.keys.Hints(d.panel)))
	return b.String()
}

func (d *Dashboard) renderTable(b *strings.Builder) {
	now := d.now()
	table := make([][]string, 0, len(d.rows))
	for _, r := range d.rows {
		table = append(table, Cells(r, now))
	}
	widths := Widths(table)
	last := LastWidth(widths, d.width-2)

	b.WriteString("  ")
	b.WriteString(Line(Header, widths, last, func(_ int, s string) string { return d.styles.Header.Render(s) }))
	b.WriteString("\n")
	for i, row := range table {
		selected := i == d.selected
		if selected {
			b.WriteString(d.styles.Selected.Render("›") + " ")
		} else {
			b.WriteString("  ")
		}
		b.WriteString(Line(row, widths, last, func(col int, s string) string {
			switch {
			case col == ColLastError && s != "":
				return d.styles.Error.Render(s)
			case col == ColLastSuccess && s == "never":
				return d.styles.Warning.Render(s)
			case selected:
				return d.styles.Selected.Render(s)
			default:
				return s
			}
		}))
		b.WriteString("\n")
	}
}

func (d *Dashboard) renderRuns(streamID string) string {
	var b strings.Builder
	b.WriteString(d.styles.Header.Render("Recent runs of " + streamID))
	if len(d.runs) == 0 {
		b.WriteString("\n" + d.styles.Muted.Render("no runs recorded"))
		return b.String()
	}
	for _, run := range d.runs {
		line := fmt.Sprintf("%s  %-12s %8s  out=%d",
			run.StartedAt.Local().Format(time.DateTime),
			run.Cause,
			run.EndedAt.Sub(run.StartedAt).Round(time.Second),
			run.EventsOut)
		if run.Error != "" {
			line += "  " + d.styles.Error.Render(Truncate(run.Error, 60))
		}
		b.WriteString("\n" + line)
	}
	return b.String()
}

// Run shows the dashboard until the user quits or ctx is cancelled.
func Run(ctx context.Context, status driving.StatusService, interval time.Duration) error {
	p := tea.NewProgram(NewDashboard(ctx, status, interval), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("running dashboard: %w", err)
	}
	return nil
}
