package tui

import "github.com/charmbracelet/lipgloss"

// Palette.
var (
	ColorPrimary = lipgloss.Color("#7C3AED")
	ColorMuted   = lipgloss.Color("#6C7086")
	ColorSuccess = lipgloss.Color("#A6E3A1")
	ColorWarning = lipgloss.Color("#F9E2AF")
	ColorError   = lipgloss.Color("#F38BA8")
	ColorBorder  = lipgloss.Color("#45475A")
)

// Styles holds the dashboard styles.
type Styles struct {
	Title    lipgloss.Style
	Header   lipgloss.Style
	Selected lipgloss.Style
	Muted    lipgloss.Style
	Success  lipgloss.Style
	Warning  lipgloss.Style
	Error    lipgloss.Style
	Panel    lipgloss.Style
}

// NewStyles builds the styles on r. A nil r uses the default renderer.
func NewStyles(r *lipgloss.Renderer) *Styles {
	if r == nil {
		r = lipgloss.DefaultRenderer()
	}
	return &Styles{
		Title:    r.NewStyle().Bold(true).Foreground(ColorPrimary),
		Header:   r.NewStyle().Bold(true),
		Selected: r.NewStyle().Bold(true).Foreground(ColorPrimary),
		Muted:    r.NewStyle().Foreground(ColorMuted),
		Success:  r.NewStyle().Foreground(ColorSuccess),
		Warning:  r.NewStyle().Foreground(ColorWarning),
		Error:    r.NewStyle().Foreground(ColorError),
		Panel:    r.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(ColorBorder).Padding(0, 1),
	}
}
