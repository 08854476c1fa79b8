package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/schaermu/boardpack/internal/pipeline"
)

const (
	colorTitle   = lipgloss.Color("#7C3AED")
	colorMuted   = lipgloss.Color("#6B7280")
	colorSuccess = lipgloss.Color("#10B981")
	colorFailed  = lipgloss.Color("#EF4444")
	colorNoOp    = lipgloss.Color("#3B82F6")
	colorHint    = lipgloss.Color("#F59E0B")
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorTitle)
	stageStyle = lipgloss.NewStyle().Width(12)
	mutedStyle = lipgloss.NewStyle().Foreground(colorMuted)
	hintStyle  = lipgloss.NewStyle().Foreground(colorHint)

	statusStyles = map[pipeline.Status]lipgloss.Style{
		pipeline.StatusSuccess: lipgloss.NewStyle().Width(8).Foreground(colorSuccess),
		pipeline.StatusNoOp:    lipgloss.NewStyle().Width(8).Foreground(colorNoOp),
		pipeline.StatusSkipped: lipgloss.NewStyle().Width(8).Foreground(colorMuted),
		pipeline.StatusFailed:  lipgloss.NewStyle().Width(8).Bold(true).Foreground(colorFailed),
	}
)

// renderReport writes one line per stage. The detail of a failed stage is
// cut to its first line; the full tool output is in the logs.
func renderReport(w io.Writer, r *pipeline.Report) {
	if r == nil {
		return
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("boardpack"))
	b.WriteString("\n")
	for _, s := range r.Stages {
		detail, _, _ := strings.Cut(s.Detail, "\n")
		b.WriteString("  ")
		b.WriteString(stageStyle.Render(s.Name))
		b.WriteString(statusStyles[s.Status].Render(string(s.Status)))
		if detail != "" {
			b.WriteString(" ")
			b.WriteString(mutedStyle.Render(detail))
		}
		b.WriteString("\n")
	}
	if r.Rebuilt {
		b.WriteString("  ")
		b.WriteString(mutedStyle.Render("archive: " + r.ArchivePath))
		b.WriteString("\n")
	}
	_, _ = io.WriteString(w, b.String())
}

func renderDecision(w io.Writer, d pipeline.Decision) {
	stored := string(d.Stored)
	if stored == "" {
		stored = "(none)"
	}
	verdict := lipgloss.NewStyle().Foreground(colorNoOp).Render("up to date")
	if d.Rebuild() {
		verdict = lipgloss.NewStyle().Foreground(colorSuccess).Render("rebuild needed: " + d.Reason)
	}

	_, _ = fmt.Fprintf(w, "%s\n  %s %s\n  %s %s\n  %s %s\n  %s\n",
		titleStyle.Render("fingerprint"),
		stageStyle.Render("source"), d.Source,
		stageStyle.Render("current"), d.Current,
		stageStyle.Render("stored"), stored,
		verdict)
}
