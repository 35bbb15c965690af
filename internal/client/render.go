package client

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/Guizzs26/election_inspection_system/internal/model"
)

type Renderer interface {
	Render(ev model.VoteEvent) (string, error)
}

var (
	colorPrimary = lipgloss.Color("#00ff41")
	colorAmber   = lipgloss.Color("#ffb000")
	colorCyan    = lipgloss.Color("#00b8ff")
	colorMuted   = lipgloss.Color("#707070")
)

// StyledRenderer renders one event per line for a terminal.
type StyledRenderer struct {
	clock lipgloss.Style
	place lipgloss.Style
	party lipgloss.Style
	count lipgloss.Style
}

func NewStyledRenderer() *StyledRenderer {
	return &StyledRenderer{
		clock: lipgloss.NewStyle().Foreground(colorMuted),
		place: lipgloss.NewStyle().Foreground(colorPrimary).Bold(true),
		party: lipgloss.NewStyle().Foreground(colorCyan),
		count: lipgloss.NewStyle().Foreground(colorAmber).Bold(true),
	}
}

func (r *StyledRenderer) Render(ev model.VoteEvent) (string, error) {
	if ev.TableID <= 0 {
		return "", errors.New("vote event without polling place")
	}

	when := "--:--:--"
	if !ev.Timestamp.IsZero() {
		when = ev.Timestamp.Local().Format("15:04:05")
	}

	parts := []string{
		r.clock.Render(when),
		r.place.Render(fmt.Sprintf("polling place %d", ev.TableID)),
	}

	if !ev.TableWide() {
		parts = append(parts, r.party.Render(ev.Party), r.count.Render(votes(ev.Votes)))
		return strings.Join(parts, " "), nil
	}

	if len(ev.Counts) == 0 {
		parts = append(parts, r.count.Render("new data available"))
		return strings.Join(parts, " "), nil
	}
	for _, party := range slices.Sorted(maps.Keys(ev.Counts)) {
		parts = append(parts, r.party.Render(party), r.count.Render(votes(ev.Counts[party])))
	}
	return strings.Join(parts, " "), nil
}

func votes(n int) string {
	if n == 1 {
		return "1 vote"
	}
	return fmt.Sprintf("%d votes", n)
}
