// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/telemetryd/telemetryd/lib/codec"
	"github.com/telemetryd/telemetryd/lib/ipc"
)

// stdoutIsTerminal decides both styling and whether raw CBOR may be
// written to stdout.
var stdoutIsTerminal = term.IsTerminal(int(os.Stdout.Fd()))

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// printResult writes a daemon result to stdout. Text passes through
// unchanged. Encoded output is written raw only when stdout is not a
// terminal; on a terminal it is rendered in CBOR diagnostic notation
// instead of garbling the display.
func printResult(out ipc.OutputResult) error {
	if len(out.Raw) > 0 {
		if stdoutIsTerminal {
			diag, err := codec.Diagnose(out.Raw)
			if err != nil {
				return fmt.Errorf("rendering encoded output: %w", err)
			}
			fmt.Println(diag)
			fmt.Fprintln(os.Stderr, "note: stdout is a terminal, showing diagnostic notation; redirect to a file for the raw encoding")
			return nil
		}
		_, err := os.Stdout.Write(out.Raw)
		return err
	}
	printText(out.Output)
	return nil
}

// printText writes daemon text to stdout, supplying the trailing
// newline that single-line results omit.
func printText(s string) {
	if s == "" {
		return
	}
	if strings.HasSuffix(s, "\n") {
		fmt.Print(s)
		return
	}
	fmt.Println(s)
}

// renderTable renders label/value rows under a title. On a terminal
// the title is bold and labels are colored; otherwise plain text with
// the same alignment.
func renderTable(title string, rows [][2]string) string {
	width := 0
	for _, row := range rows {
		if w := lipgloss.Width(row[0]); w > width {
			width = w
		}
	}
	var b strings.Builder
	if stdoutIsTerminal {
		b.WriteString(titleStyle.Render(title))
		b.WriteString("\n")
		labelColumn := labelStyle.Width(width + 2)
		for _, row := range rows {
			b.WriteString("  " + labelColumn.Render(row[0]) + row[1] + "\n")
		}
		return b.String()
	}
	fmt.Fprintf(&b, "%s\n", title)
	for _, row := range rows {
		fmt.Fprintf(&b, "  %-*s  %s\n", width, row[0], row[1])
	}
	return b.String()
}

// renderPanel frames multi-line daemon output under a title. The body
// is shown verbatim; on a terminal it gets a border.
func renderPanel(title, body string) string {
	body = strings.TrimRight(body, "\n")
	if stdoutIsTerminal {
		return titleStyle.Render(title) + "\n" + panelStyle.Render(body) + "\n"
	}
	return title + "\n" + body + "\n"
}
