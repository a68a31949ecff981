package ui

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rovshanmuradov/eventsub/internal/events"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00E5FF")).
			MarginBottom(1)
	sourceStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#ECEFF4")).Width(16)
	countStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#2AFFAA"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6C7280"))
	pausedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB500")).Bold(true)
)

// PingView shows heartbeats per source. OnPing runs on the Update
// goroutine, so the view mutates its state without locking.
type PingView struct {
	keys   KeyMap
	counts map[string]int
	last   events.Ping
	total  int
	paused bool
	width  int
}

// NewPingView creates an empty view.
func NewPingView() *PingView {
	return &PingView{
		keys:   DefaultKeyMap(),
		counts: make(map[string]int),
	}
}

// OnPing records a heartbeat. Heartbeats are ignored while paused.
func (v *PingView) OnPing(_ context.Context, p events.Ping) error {
	if v.paused {
		return nil
	}
	v.counts[p.Source]++
	v.total++
	v.last = p
	return nil
}

// Total returns the number of heartbeats recorded.
func (v *PingView) Total() int {
	return v.total
}

// Count returns the heartbeats recorded for source.
func (v *PingView) Count(source string) int {
	return v.counts[source]
}

func (v *PingView) Init() tea.Cmd {
	return nil
}

func (v *PingView) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		v.width = msg.Width
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, v.keys.Quit):
			return v, tea.Quit
		case key.Matches(msg, v.keys.Pause):
			v.paused = !v.paused
		case key.Matches(msg, v.keys.Clear):
			v.counts = make(map[string]int)
			v.total = 0
			v.last = events.Ping{}
		}
	}
	return v, nil
}

func (v *PingView) View() string {
	var b strings.Builder

	title := "Heartbeats"
	if v.paused {
		title += " " + pausedStyle.Render("[paused]")
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")

	sources := make([]string, 0, len(v.counts))
	for source := range v.counts {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	if len(sources) == 0 {
		b.WriteString(mutedStyle.Render("waiting for events..."))
		b.WriteString("\n")
	}
	for _, source := range sources {
		b.WriteString(sourceStyle.Render(source))
		b.WriteString(countStyle.Render(fmt.Sprintf("%d", v.counts[source])))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if v.total > 0 {
		b.WriteString(mutedStyle.Render(fmt.Sprintf("total %d, last %s #%d at %s",
			v.total, v.last.Source, v.last.Seq, v.last.Timestamp().Format("15:04:05.000"))))
		b.WriteString("\n")
	}
	b.WriteString(mutedStyle.Render(v.helpLine()))

	return b.String()
}

func (v *PingView) helpLine() string {
	parts := make([]string, 0, len(v.keys.ShortHelp()))
	for _, binding := range v.keys.ShortHelp() {
		h := binding.Help()
		parts = append(parts, h.Key+" "+h.Desc)
	}
	return strings.Join(parts, " • ")
}
