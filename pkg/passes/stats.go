package passes

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
)

// Stat records one application of a pass to a module.
type Stat struct {
	Pass, Module  string
	Before, After int // Number of instructions.
	Duration      time.Duration
}

var (
	statsHeaderStyle  = lipgloss.NewStyle().Reverse(true).Padding(0, 2, 0, 2).Align(lipgloss.Center)
	statsOddRowStyle  = lipgloss.NewStyle().Faint(false).PaddingLeft(1).PaddingRight(1)
	statsEvenRowStyle = lipgloss.NewStyle().Faint(true).PaddingLeft(1).PaddingRight(1)
)

// StatsTable renders the statistics as a table, with one row per pass and module, and a total row.
func StatsTable(stats []Stat) string {
	alignments := []lipgloss.Position{lipgloss.Left, lipgloss.Left, lipgloss.Right}
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return statsHeaderStyle
			}
			if row%2 == 0 {
				s = statsOddRowStyle
			} else {
				s = statsEvenRowStyle
			}
			alignment := alignments[len(alignments)-1]
			if col < len(alignments) {
				alignment = alignments[col]
			}
			return s.Align(alignment)
		}).
		Headers("Pass", "Module", "Before", "After", "Removed", "Time")
	var total time.Duration
	for _, stat := range stats {
		total += stat.Duration
		table.Row(stat.Pass, stat.Module,
			humanize.Comma(int64(stat.Before)), humanize.Comma(int64(stat.After)),
			humanize.Comma(int64(stat.Before-stat.After)),
			stat.Duration.Round(time.Microsecond).String())
	}
	table.Row("total", fmt.Sprintf("%d passes", len(stats)), "", "", "", total.Round(time.Microsecond).String())
	return table.Render()
}
