package cli

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/custodia-labs/ingestd/internal/adapters/driving/tui"
)

// styles renders command output. Colour is only used when the output is a
// terminal that supports it.
type styles struct {
	*tui.Styles

	// width is the terminal width, or 0 when w is not a terminal.
	width int
}

func newStyles(w io.Writer) *styles {
	s := &styles{Styles: tui.NewStyles(lipgloss.NewRenderer(w))}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil {
			s.width = width
		}
	}
	return s
}
