package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mil-ad/eegmenu/internal/connection"
	"github.com/mil-ad/eegmenu/internal/httpapi"
)

var (
	colorAccent  = lipgloss.Color("#3B82F6")
	colorWhite   = lipgloss.Color("#FFFFFF")
	colorDim     = lipgloss.Color("#6B7280")
	colorSuccess = lipgloss.Color("#10B981")
	colorWarning = lipgloss.Color("#F59E0B")
	colorError   = lipgloss.Color("#EF4444")
)

var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorAccent)

	HelpStyle = lipgloss.NewStyle().
			Foreground(colorDim)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	SpinnerStyle = lipgloss.NewStyle().
			Foreground(colorAccent)

	// Tile is a pictogram cell. The variants below layer on top of it in
	// increasing order of emphasis.
	TileStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorDim).
			Foreground(colorDim).
			Width(14).
			Align(lipgloss.Center).
			Padding(1, 0)

	HighlightStyle = TileStyle.
			BorderForeground(colorAccent).
			Foreground(colorWhite)

	SelectedStyle = TileStyle.
			BorderForeground(colorWarning).
			Foreground(colorWarning).
			Bold(true)

	ActiveStyle = TileStyle.
			BorderStyle(lipgloss.DoubleBorder()).
			BorderForeground(colorSuccess).
			Foreground(colorSuccess).
			Bold(true)
)

const columns = 3

func statusStyle(s connection.Status) lipgloss.Style {
	switch s {
	case connection.Connected:
		return lipgloss.NewStyle().Foreground(colorSuccess)
	case connection.Connecting:
		return lipgloss.NewStyle().Foreground(colorWarning)
	}
	return lipgloss.NewStyle().Foreground(colorDim)
}

type tile int

const (
	tilePlain tile = iota
	tileHighlight
	tileSelected
	tileActive
)

var tileStyles = map[tile]lipgloss.Style{
	tilePlain:     TileStyle,
	tileHighlight: HighlightStyle,
	tileSelected:  SelectedStyle,
	tileActive:    ActiveStyle,
}

// tileKind picks the emphasis for the option at 1-based position pos.
// An active selection outranks a selection, which outranks the highlight.
func tileKind(v httpapi.View, pos int, id string) tile {
	nav := v.Navigation
	switch {
	case nav.ActiveSelectionID == id:
		return tileActive
	case nav.SelectedOptionID == id:
		return tileSelected
	case nav.MenuActive && nav.CurrentIndex == pos:
		return tileHighlight
	}
	return tilePlain
}

// RenderBoard draws the options as a grid in protocol order.
func RenderBoard(v httpapi.View) string {
	var rows []string
	var row []string
	for i, opt := range v.Options {
		label := fmt.Sprintf("%d  %s", i+1, opt.Label)
		row = append(row, tileStyles[tileKind(v, i+1, opt.ID)].Render(label))
		if len(row) == columns {
			rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, row...))
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, row...))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

// RenderStatus draws the connection line.
func RenderStatus(v httpapi.View, spin string) string {
	var b strings.Builder
	b.WriteString("Headset: ")
	if v.Status == connection.Connecting {
		b.WriteString(spin + " ")
	}
	b.WriteString(statusStyle(v.Status).Render(v.Status.String()))
	if v.Navigation.MenuActive {
		b.WriteString(HelpStyle.Render("   menu open"))
	}
	if v.LastError != "" {
		b.WriteString("\n")
		b.WriteString(ErrorStyle.Render(v.LastError))
	}
	return b.String()
}

func renderHelp(connected bool) string {
	if connected {
		return HelpStyle.Render("1-6 tap option • d disconnect • q quit")
	}
	return HelpStyle.Render("c connect • q quit")
}
