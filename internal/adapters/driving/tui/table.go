package tui

import (
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driving"
)

// Header names the status columns.
var Header = []string{"STREAM", "KIND", "POSITION", "IN", "OUT", "DROPPED", "LAST SUCCESS", "RESTARTS", "LAST ERROR"}

// Columns styled by value.
const (
	ColLastSuccess = 6
	ColLastError   = 8
)

// columnGap separates columns.
const columnGap = 2

// Cells formats one status row in Header order.
func Cells(r driving.StreamStatus, now time.Time) []string {
	return []string{
		r.StreamID,
		r.AdapterKind,
		PositionLabel(r.Position),
		strconv.FormatUint(r.EventsIn, 10),
		strconv.FormatUint(r.EventsOut, 10),
		strconv.FormatUint(r.Dropped, 10),
		AgeLabel(r.LastSuccess, now),
		strconv.Itoa(r.Restarts),
		r.LastError,
	}
}

// Widths returns the width of every column. The last column is sized by
// the caller.
func Widths(table [][]string) []int {
	widths := make([]int, len(Header))
	for i, h := range Header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range table {
		for i, cell := range row[:len(row)-1] {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}
	return widths
}

// LastWidth returns the room left for the last column on a line of total
// width, or 0 when total is unknown.
func LastWidth(widths []int, total int) int {
	if total <= 0 {
		return 0
	}
	used := 0
	for _, w := range widths[:len(widths)-1] {
		used += w + columnGap
	}
	return max(total-used, 10)
}

// Line pads cells to widths and cuts the last cell to last runes. style
// renders each cell before padding.
func Line(cells []string, widths []int, last int, style func(col int, cell string) string) string {
	var b strings.Builder
	for i, cell := range cells {
		if i == len(cells)-1 {
			b.WriteString(style(i, Truncate(cell, last)))
			break
		}
		b.WriteString(style(i, cell))
		b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)+columnGap))
	}
	return strings.TrimRight(b.String(), " ")
}

// PositionLabel renders a cursor position for a table cell.
func PositionLabel(p domain.Position) string {
	if p.IsZero() {
		return "-"
	}
	return Truncate(p.String(), 48)
}

// AgeLabel renders how long ago t was.
func AgeLabel(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String() + " ago"
}

// Truncate shortens s to n runes with an ellipsis. n <= 0 leaves s alone.
func Truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}
