package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// summaryValueWidth wraps long source and result URLs.
const summaryValueWidth = 72

// renderSummary draws field/value rows as a two-column table.
func renderSummary(rows [][]string) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Field", "Value"})
	for _, row := range rows {
		if len(row) != 2 {
			continue
		}
		tw.AppendRow(table.Row{row[0], row[1]})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft},
		{Number: 2, WidthMax: summaryValueWidth, WidthMaxEnforcer: text.WrapHard},
	})
	return tw.Render()
}
