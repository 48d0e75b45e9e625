package tui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	ltable "github.com/charmbracelet/lipgloss/table"

	"grimm.is/tunnelboard/internal/lifecycle"
)

// Columns shared by the static and live views.
var entryHeaders = []string{"KIND", "#", "STATE", "TARGET", "ADDRESS", "ERROR"}

type entryRow struct {
	kind   lifecycle.Kind
	index  int
	entry  lifecycle.EntryView
	target string
}

func entryRows(s *lifecycle.Settings) []entryRow {
	if s == nil {
		return nil
	}
	rows := make([]entryRow, 0, len(s.Servers)+len(s.Clients))
	for i, e := range s.Servers {
		rows = append(rows, entryRow{kind: lifecycle.Server, index: i, entry: e, target: target(e.Host, e.Port)})
	}
	for i, e := range s.Clients {
		rows = append(rows, entryRow{kind: lifecycle.Client, index: i, entry: e, target: target("", e.Port)})
	}
	return rows
}

func target(host string, port int) string {
	if port == 0 {
		return "-"
	}
	return host + ":" + strconv.Itoa(port)
}

func (r entryRow) cells() []string {
	return []string{
		string(r.kind),
		strconv.Itoa(r.index),
		string(r.entry.State),
		r.target,
		orDash(r.entry.Address),
		orDash(r.entry.Error),
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// RenderSettings draws the entry lists as a styled table with a summary line.
func RenderSettings(s *lifecycle.Settings) string {
	rows := entryRows(s)
	if len(rows) == 0 {
		return StyleSubtitle.Render("No entries configured.") + "\n"
	}

	t := ltable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorDeep)).
		Headers(entryHeaders...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == ltable.HeaderRow {
				return StyleHeader
			}
			if col == 2 {
				return StateStyle(rows[row].entry.State).Padding(0, 1)
			}
			return StyleCell
		})
	for _, r := range rows {
		t.Row(r.cells()...)
	}

	return t.Render() + "\n" + summary(s) + "\n"
}

// summary counts entries per state, e.g. "2 Running, 1 Failed".
func summary(s *lifecycle.Settings) string {
	counts := map[lifecycle.State]int{}
	for _, r := range entryRows(s) {
		counts[r.entry.State]++
	}
	var parts []string
	for _, st := range []lifecycle.State{
		lifecycle.StateRunning, lifecycle.StateFailed, lifecycle.StateInitializing,
		lifecycle.StateStopping, lifecycle.StateStopped, lifecycle.StateDisabled,
	} {
		if n := counts[st]; n > 0 {
			parts = append(parts, StateStyle(st).Render(fmt.Sprintf("%d %s", n, st)))
		}
	}
	auth := "open"
	if s.AuthRequired {
		auth = "password set"
	}
	return strings.Join(parts, ", ") + StyleMuted.Render(" | auth: "+auth)
}
