package cmd

import (
	"fmt"
	"strings"

	"github.com/gookit/color"
	"github.com/mattn/go-runewidth"
)

// printHeader prints a boxed title
func printHeader(format string, args ...interface{}) {
	title := fmt.Sprintf(format, args...)
	width := visualWidth(title) + 4
	fmt.Fprintln(outputWriter, strings.Repeat("=", width))
	fmt.Fprintf(outputWriter, "  %s\n", color.Bold.Sprint(title))
	fmt.Fprintln(outputWriter, strings.Repeat("=", width))
}

// printSection prints a section header
func printSection(title string) {
	fmt.Fprintf(outputWriter, "[%s]\n", color.Cyan.Sprint(title))
	fmt.Fprintln(outputWriter, strings.Repeat("-", visualWidth(title)+2))
}

// printCheck prints one validation result line
func printCheck(ok bool, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if ok {
		fmt.Fprintf(outputWriter, "%s %s\n", color.Green.Sprint("✅"), msg)
		return
	}
	fmt.Fprintf(outputWriter, "%s %s\n", color.Red.Sprint("❌"), color.Red.Sprint(msg))
}

// visualWidth returns the terminal width of s, counting wide characters twice
func visualWidth(s string) int {
	return runewidth.StringWidth(s)
}

// printTable prints rows under headers with columns padded to the widest cell.
// Cells wider than maxCell are truncated.
func printTable(headers []string, rows [][]string, maxCell int) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = visualWidth(h)
	}
	for _, row := range rows {
		for i := range headers {
			if i >= len(row) {
				continue
			}
			if maxCell > 0 {
				row[i] = runewidth.Truncate(row[i], maxCell, "...")
			}
			if w := visualWidth(row[i]); w > widths[i] {
				widths[i] = w
			}
		}
	}

	line := make([]string, len(headers))
	for i, h := range headers {
		line[i] = color.Bold.Sprint(runewidth.FillRight(h, widths[i]))
	}
	fmt.Fprintln(outputWriter, strings.TrimRight(strings.Join(line, "  "), " "))

	for i := range headers {
		line[i] = strings.Repeat("-", widths[i])
	}
	fmt.Fprintln(outputWriter, strings.Join(line, "  "))

	for _, row := range rows {
		for i := range headers {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			line[i] = runewidth.FillRight(cell, widths[i])
		}
		fmt.Fprintln(outputWriter, strings.TrimRight(strings.Join(line, "  "), " "))
	}
}
