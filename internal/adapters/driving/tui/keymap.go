package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/key"
)

// KeyMap defines the dashboard keybindings.
type KeyMap struct {
	// Quit exits the dashboard.
	Quit key.Binding

	// Refresh reloads status now.
	Refresh key.Binding

	// Up and Down move the selection.
	Up   key.Binding
	Down key.Binding

	// Runs shows recent worker runs of the selected stream.
	Runs key.Binding

	// Back closes the runs panel.
	Back key.Binding
}

// DefaultKeyMap returns the default keybindings.
func DefaultKeyMap() *KeyMap {
	return &KeyMap{
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
		Refresh: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "refresh"),
		),
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("↑/k", "up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("↓/j", "down"),
		),
		Runs: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "runs"),
		),
		Back: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "back"),
		),
	}
}

// Hints renders the bindings that apply as "key action" pairs. panel is
// true while the runs panel is open.
func (k *KeyMap) Hints(panel bool) string {
	bindings := []key.Binding{k.Up, k.Down, k.Runs, k.Refresh, k.Quit}
	if panel {
		bindings = []key.Binding{k.Back, k.Refresh, k.Quit}
	}
	parts := make([]string, 0, len(bindings))
	for _, b := range bindings {
		h := b.Help()
		parts = append(parts, h.Key+" "+h.Desc)
	}
	return strings.Join(parts, " • ")
}
