package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/desertthunder/crate/internal/models"
)

var styles = NewPalette("#7D56F4", "#04B575", "#FF0000", "#FFA500", "#626262")

// interface Painter defines coloring text with [lipgloss] styles
type Painter interface {
	On(string, lipgloss.Color) string // Sets background color
	As(string, lipgloss.Color) string // Sets foreground color
}

// struct Palette is a simple stylesheet built with named [lipgloss.Style] fields
type Palette struct {
	title  lipgloss.Style
	ok     lipgloss.Style
	err    lipgloss.Style
	warn   lipgloss.Style
	help   lipgloss.Style
	canon  lipgloss.Style
	strike lipgloss.Style
}

var _ Painter = (*Palette)(nil)

func NewPalette(t, s, e, w, h string) *Palette {
	return &Palette{
		title:  NewBold(t).MarginBottom(1),
		ok:     NewBold(s),
		err:    NewBold(e),
		warn:   NewStyle(w),
		help:   NewEm(h),
		canon:  NewBold(t),
		strike: NewStyle(h).Strikethrough(true),
	}
}

func (p *Palette) On(s string, c lipgloss.Color) string {
	return lipgloss.NewStyle().Background(c).Render(s)
}

func (p *Palette) As(s string, c lipgloss.Color) string {
	return lipgloss.NewStyle().Foreground(c).Render(s)
}

// confidence colors a similarity score: green when near certain, orange when borderline.
func (p *Palette) confidence(score float64) lipgloss.Style {
	switch {
	case score >= 0.95:
		return p.ok
	case score >= 0.85:
		return p.warn
	default:
		return p.help
	}
}

// action colors a suggested action.
func (p *Palette) action(a models.SuggestedAction) lipgloss.Style {
	if a == models.ActionReview {
		return p.warn
	}
	return p.ok
}

func NewStyle(fg string) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(lipgloss.Color(fg))
}

func NewBold(fg string) lipgloss.Style {
	return NewStyle(fg).Bold(true)
}

func NewEm(fg string) lipgloss.Style {
	return NewStyle(fg).Italic(true)
}
