package ir

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

// String returns a listing of the module, one instruction per line, followed by the listings of the
// submodules it references.
func (m *Module) String() string {
	var sb strings.Builder
	m.write(&sb, make(map[*Module]bool))
	return sb.String()
}

func (m *Module) write(sb *strings.Builder, printed map[*Module]bool) {
	printed[m] = true
	bypass := ""
	if m.bypass {
		bypass = " (bypass)"
	}
	_, _ = fmt.Fprintf(sb, "module: %q%s\n", m.name, bypass)
	var submodules []*Module
	for ins := m.first; ins != nil; ins = ins.next {
		_, _ = fmt.Fprintf(sb, "  %s\n", ins)
		for _, sm := range ins.submodules {
			if !printed[sm] {
				printed[sm] = true
				submodules = append(submodules, sm)
			}
		}
	}
	for _, sm := range submodules {
		sb.WriteString("\n")
		sm.write(sb, printed)
	}
}

// Pretty renders the module as a table, with one row per instruction: ID, operator, inputs, consumers and shape.
func (m *Module) Pretty() string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	table.Headers("#", "Operator", "Inputs", "Used by", "Shape")
	ids := func(list []*Instruction) string {
		parts := make([]string, len(list))
		for i, ins := range list {
			parts[i] = fmt.Sprintf("#%d", ins.id)
		}
		return strings.Join(parts, " ")
	}
	for ins := m.first; ins != nil; ins = ins.next {
		table.Row(fmt.Sprintf("#%d", ins.id), ins.describeOp(), ids(ins.inputs), ids(ins.outputs), ins.shape.String())
	}
	title := lipgloss.NewStyle().Bold(true).Render(fmt.Sprintf("Module %q", m.name))
	return lipgloss.JoinVertical(lipgloss.Left, title, table.Render())
}
