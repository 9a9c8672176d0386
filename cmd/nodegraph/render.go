// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/AleutianAI/nodegraph/internal/graph"
)

// Palette of the CLI output, deep ocean teals.
var (
	colorTealBright  = lipgloss.Color("#2CD7C7")
	colorTealPrimary = lipgloss.Color("#20B9B4")
	colorTealDeep    = lipgloss.Color("#16858E")
	colorSlate       = lipgloss.Color("#2C4A54")
	colorWarning     = lipgloss.Color("#F4D03F")
	colorError       = lipgloss.Color("#E74C3C")
)

const (
	iconCompleted = "✓"
	iconRunning   = "◐"
	iconFailed    = "✗"
	iconPending   = "○"

	shortID     = 8
	resultWidth = 48
)

// styles are bound to one renderer so colour detection follows the
// destination writer rather than os.Stdout.
type styles struct {
	title, muted, header lipgloss.Style
	status               map[graph.Status]lipgloss.Style
	border               lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		title:  r.NewStyle().Bold(true).Foreground(colorTealBright),
		muted:  r.NewStyle().Foreground(colorSlate),
		header: r.NewStyle().Bold(true).Foreground(colorTealPrimary).Padding(0, 1),
		border: r.NewStyle().Foreground(colorTealDeep),
		status: map[graph.Status]lipgloss.Style{
			graph.StatusCompleted: r.NewStyle().Foreground(colorTealBright),
			graph.StatusRunning:   r.NewStyle().Foreground(colorWarning),
			graph.StatusFailed:    r.NewStyle().Foreground(colorError),
			graph.StatusPending:   r.NewStyle().Foreground(colorSlate),
		},
	}
}

func statusIcon(s graph.Status) string {
	switch s {
	case graph.StatusCompleted:
		return iconCompleted
	case graph.StatusRunning:
		return iconRunning
	case graph.StatusFailed:
		return iconFailed
	default:
		return iconPending
	}
}

// nodeOrder returns node ids in creation order. Nodes missing from Order
// (hand-edited snapshots) follow, sorted.
func nodeOrder(data *graph.GraphData) []string {
	seen := make(map[string]bool, len(data.Nodes))
	out := make([]string, 0, len(data.Nodes))
	for _, id := range data.Order {
		if _, ok := data.Nodes[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	var rest []string
	for id := range data.Nodes {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func short(id string) string {
	if len(id) > shortID {
		return id[:shortID]
	}
	return id
}

func shortAll(ids []string) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = short(id)
	}
	return strings.Join(parts, ",")
}

func summarize(n *graph.NodeInstance) string {
	if n.State == nil {
		return ""
	}
	if n.State.Error != "" {
		return truncate(n.State.Error, resultWidth)
	}
	if n.State.Result == nil {
		return ""
	}
	data, err := json.Marshal(n.State.Result)
	if err != nil {
		return fmt.Sprintf("%v", n.State.Result)
	}
	return truncate(string(data), resultWidth)
}

func truncate(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	return string(r[:width-1]) + "…"
}

// renderGraph writes the node table of data to w.
func renderGraph(w io.Writer, data *graph.GraphData) error {
	st := newStyles(w)
	order := nodeOrder(data)

	counts := make(map[graph.Status]int)
	rows := make([][]string, 0, len(order))
	statuses := make([]graph.Status, 0, len(order))
	for _, id := range order {
		n := data.Nodes[id]
		s := n.Status()
		counts[s]++
		statuses = append(statuses, s)
		scopeKind := ""
		if inst, ok := data.Scopes[n.Scope]; ok {
			scopeKind = string(inst.Definition.Kind)
			if inst.Definition.Namespace != "" {
				scopeKind += ":" + inst.Definition.Namespace
			}
		}
		rows = append(rows, []string{
			short(id),
			n.Type,
			statusIcon(s) + " " + string(s),
			scopeKind,
			shortAll(n.AllDependencies()),
			short(n.CreatedBy),
			summarize(n),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(st.border).
		Headers("ID", "TYPE", "STATUS", "SCOPE", "DEPS", "CREATED BY", "RESULT").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return st.header
			}
			if col == 2 && row >= 0 && row < len(statuses) {
				return st.status[statuses[row]].Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})

	summary := fmt.Sprintf("%d nodes: %d completed, %d failed, %d running, %d pending",
		len(order), counts[graph.StatusCompleted], counts[graph.StatusFailed],
		counts[graph.StatusRunning], counts[graph.StatusPending])

	_, err := fmt.Fprintf(w, "%s\n%s\n%s\n", st.title.Render("Graph"), t.String(), st.muted.Render(summary))
	return err
}

// renderTrace writes the graph-level trace of data to w.
func renderTrace(w io.Writer, data *graph.GraphData) error {
	st := newStyles(w)
	if _, err := fmt.Fprintln(w, st.title.Render("Trace")); err != nil {
		return err
	}
	for _, ev := range data.Trace {
		line := fmt.Sprintf("%s  %-13s", ev.At.Format(time.TimeOnly), ev.Kind)
		if ev.Node != "" {
			line += fmt.Sprintf(" %s %s", short(ev.Node), ev.Type)
		}
		if ev.Outcome != "" {
			line += " " + string(ev.Outcome)
		}
		if ev.Error != "" {
			line += " " + st.status[graph.StatusFailed].Render(ev.Error)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
