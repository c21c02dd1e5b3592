package ui

import "github.com/charmbracelet/bubbles/key"

// keyMap defines the [key.Binding] mapping for the TUI.
type keyMap struct {
	up      key.Binding
	down    key.Binding
	enter   key.Binding
	back    key.Binding
	remove  key.Binding
	yes     key.Binding
	no      key.Binding
	cancel  key.Binding
	restart key.Binding
	quit    key.Binding
}

func newKeyMap() keyMap {
	return keyMap{
		up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		enter:   key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "open group")),
		back:    key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
		remove:  key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "delete duplicates")),
		yes:     key.NewBinding(key.WithKeys("y"), key.WithHelp("y", "yes")),
		no:      key.NewBinding(key.WithKeys("n"), key.WithHelp("n", "no")),
		cancel:  key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "cancel analysis")),
		restart: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "re-analyze")),
		quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.up, k.down, k.enter},
		{k.back, k.remove, k.yes, k.no},
		{k.cancel, k.restart, k.quit},
	}
}
