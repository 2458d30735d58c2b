// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"io"

	"github.com/charmbracelet/lipgloss"
)

// Styles renders text output. Colors are chosen for the writer's
// terminal profile, so output to a pipe or buffer is plain text.
type Styles struct {
	Heading lipgloss.Style
	Label   lipgloss.Style
	Muted   lipgloss.Style
	Good    lipgloss.Style
	Bad     lipgloss.Style
}

// NewStyles returns the styles for output written to w.
func NewStyles(w io.Writer) Styles {
	renderer := lipgloss.NewRenderer(w)
	return Styles{
		Heading: renderer.NewStyle().Bold(true),
		Label:   renderer.NewStyle().Foreground(lipgloss.Color("12")),
		Muted:   renderer.NewStyle().Foreground(lipgloss.Color("8")),
		Good:    renderer.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		Bad:     renderer.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	}
}
